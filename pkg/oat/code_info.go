package oat

import (
	"fmt"

	"github.com/daimatz/gostack/pkg/dex"
)

// LocationKind says where the compiler keeps a dex register at a safepoint.
type LocationKind uint8

const (
	LocationNone LocationKind = iota
	LocationInStack
	LocationInRegister
	LocationInRegisterHigh
	LocationInFpuRegister
	LocationInFpuRegisterHigh
	LocationConstant
)

var locationKindNames = [...]string{
	"None",
	"InStack",
	"InRegister",
	"InRegisterHigh",
	"InFpuRegister",
	"InFpuRegisterHigh",
	"Constant",
}

func (k LocationKind) String() string {
	if int(k) < len(locationKindNames) {
		return locationKindNames[k]
	}
	return fmt.Sprintf("LocationKind(%d)", int(k))
}

// DexRegisterLocation is the location of one dex register. Value is the
// sp-relative byte offset for InStack, the machine register number for the
// register kinds, and the value itself for Constant. Type records what the
// compiler knew the register to hold.
type DexRegisterLocation struct {
	Kind  LocationKind `cbor:"1,keyasint"`
	Value int32        `cbor:"2,keyasint,omitempty"`
	Type  dex.VRegKind `cbor:"3,keyasint,omitempty"`
}

// InStack, InRegister, InFpuRegister and ConstantValue build locations.
func InStack(offset int32, kind dex.VRegKind) DexRegisterLocation {
	return DexRegisterLocation{Kind: LocationInStack, Value: offset, Type: kind}
}

func InRegister(reg int32, kind dex.VRegKind) DexRegisterLocation {
	return DexRegisterLocation{Kind: LocationInRegister, Value: reg, Type: kind}
}

func InFpuRegister(reg int32, kind dex.VRegKind) DexRegisterLocation {
	return DexRegisterLocation{Kind: LocationInFpuRegister, Value: reg, Type: kind}
}

func ConstantValue(v int32, kind dex.VRegKind) DexRegisterLocation {
	return DexRegisterLocation{Kind: LocationConstant, Value: v, Type: kind}
}

// DexRegisterMap maps dex register numbers to locations. A nil map is
// invalid: the compiler recorded no locations at this safepoint.
type DexRegisterMap []DexRegisterLocation

func (m DexRegisterMap) IsValid() bool { return m != nil }

// Location returns the location of vreg, or a None location if the map does
// not cover it.
func (m DexRegisterMap) Location(vreg int) DexRegisterLocation {
	if vreg < 0 || vreg >= len(m) {
		return DexRegisterLocation{}
	}
	return m[vreg]
}

// InlineFrame is one method inlined at a safepoint. MethodAddress is the
// runtime address of the inlined method.
type InlineFrame struct {
	MethodAddress uint64         `cbor:"1,keyasint"`
	DexPC         uint32         `cbor:"2,keyasint"`
	Registers     DexRegisterMap `cbor:"3,keyasint,omitempty"`
}

// StackMap describes one safepoint. RegisterMask has a bit per core register
// holding a reference; StackMask lists 4-byte stack slots (counted from sp)
// holding references. Inlined is ordered from the outermost inlined callee
// (depth 1) to the innermost.
type StackMap struct {
	NativePCOffset uint32         `cbor:"1,keyasint"`
	DexPC          uint32         `cbor:"2,keyasint"`
	Registers      DexRegisterMap `cbor:"3,keyasint,omitempty"`
	RegisterMask   uint32         `cbor:"4,keyasint,omitempty"`
	StackMask      []uint32       `cbor:"5,keyasint,omitempty"`
	Inlined        []InlineFrame  `cbor:"6,keyasint,omitempty"`
}

// HasInlineInfo reports whether any frames were inlined at this safepoint.
func (sm *StackMap) HasInlineInfo() bool { return len(sm.Inlined) > 0 }

// InlineDepth returns the number of inlined frames.
func (sm *StackMap) InlineDepth() int { return len(sm.Inlined) }

// InlineFrameAt returns the inlined frame at depth (1-based).
func (sm *StackMap) InlineFrameAt(depth int) *InlineFrame {
	if depth < 1 || depth > len(sm.Inlined) {
		panic(fmt.Sprintf("oat: inline depth out of range: depth=%d, max=%d", depth, len(sm.Inlined)))
	}
	return &sm.Inlined[depth-1]
}

// DexRegisterMapAt returns the register map of the outer method (depth 0) or
// of an inlined frame.
func (sm *StackMap) DexRegisterMapAt(depth int) DexRegisterMap {
	if depth == 0 {
		return sm.Registers
	}
	return sm.InlineFrameAt(depth).Registers
}

// CodeInfo is the optimizing compiler's safepoint table for one method.
type CodeInfo struct {
	StackMaps []StackMap `cbor:"1,keyasint"`
}

// StackMapForNativePcOffset finds the safepoint recorded at offset.
func (ci *CodeInfo) StackMapForNativePcOffset(offset uint32) (*StackMap, bool) {
	for i := range ci.StackMaps {
		if ci.StackMaps[i].NativePCOffset == offset {
			return &ci.StackMaps[i], true
		}
	}
	return nil, false
}
