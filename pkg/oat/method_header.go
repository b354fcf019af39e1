package oat

import (
	"fmt"

	"github.com/daimatz/gostack/pkg/dex"
)

// MethodHeader describes one piece of compiled code for a method. CodeInfo
// is nil for code that was not produced by the optimizing backend.
type MethodHeader struct {
	CodeStart uint64               `cbor:"1,keyasint"`
	CodeSize  uint32               `cbor:"2,keyasint"`
	FrameInfo QuickMethodFrameInfo `cbor:"3,keyasint"`
	CodeInfo  *CodeInfo            `cbor:"4,keyasint,omitempty"`
}

// Contains reports whether pc lies inside the code.
func (h *MethodHeader) Contains(pc uint64) bool {
	return pc >= h.CodeStart && pc < h.CodeStart+uint64(h.CodeSize)
}

func (h *MethodHeader) IsOptimized() bool { return h.CodeInfo != nil }

// NativeQuickPcOffset converts an absolute pc into an offset from the code start.
func (h *MethodHeader) NativeQuickPcOffset(pc uint64) uint32 {
	if !h.Contains(pc) {
		panic(fmt.Sprintf("oat: pc %#x outside code [%#x, %#x)", pc, h.CodeStart, h.CodeStart+uint64(h.CodeSize)))
	}
	return uint32(pc - h.CodeStart)
}

// StackMapAt returns the safepoint recorded for pc.
func (h *MethodHeader) StackMapAt(pc uint64) (*StackMap, bool) {
	if h.CodeInfo == nil || !h.Contains(pc) {
		return nil, false
	}
	return h.CodeInfo.StackMapForNativePcOffset(h.NativeQuickPcOffset(pc))
}

// ToDexPc maps a native pc to the dex pc of the outer method. When no
// safepoint matches it panics if abortOnFailure is set and otherwise returns
// dex.NoDexPC.
func (h *MethodHeader) ToDexPc(pc uint64, abortOnFailure bool) uint32 {
	if sm, ok := h.StackMapAt(pc); ok {
		return sm.DexPC
	}
	if abortOnFailure {
		panic(fmt.Sprintf("oat: failed to find dex pc for native pc %#x in code at %#x", pc, h.CodeStart))
	}
	return dex.NoDexPC
}
