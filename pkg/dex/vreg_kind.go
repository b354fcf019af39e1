package dex

import "fmt"

// VRegKind describes what a virtual register currently holds. The
// interpreter, the compiler and the debugger share this vocabulary.
type VRegKind uint8

const (
	ReferenceVReg VRegKind = iota
	IntVReg
	FloatVReg
	LongLoVReg
	LongHiVReg
	DoubleLoVReg
	DoubleHiVReg
	Constant
	ImpreciseConstant
	Undefined
)

var vregKindNames = [...]string{
	"ReferenceVReg",
	"IntVReg",
	"FloatVReg",
	"LongLoVReg",
	"LongHiVReg",
	"DoubleLoVReg",
	"DoubleHiVReg",
	"Constant",
	"ImpreciseConstant",
	"Undefined",
}

func (k VRegKind) String() string {
	if int(k) < len(vregKindNames) {
		return vregKindNames[k]
	}
	return fmt.Sprintf("VRegKind(%d)", int(k))
}

// IsFloat reports whether values of this kind live in floating-point registers.
func (k VRegKind) IsFloat() bool {
	return k == FloatVReg || k == DoubleLoVReg || k == DoubleHiVReg
}

// IsWideLo reports whether the kind is the low half of a 64-bit value.
func (k VRegKind) IsWideLo() bool { return k == LongLoVReg || k == DoubleLoVReg }

// IsWideHi reports whether the kind is the high half of a 64-bit value.
func (k VRegKind) IsWideHi() bool { return k == LongHiVReg || k == DoubleHiVReg }

// HighHalf returns the kind expected for the second register of a pair.
func (k VRegKind) HighHalf() VRegKind {
	switch k {
	case LongLoVReg:
		return LongHiVReg
	case DoubleLoVReg:
		return DoubleHiVReg
	}
	panic(fmt.Sprintf("dex: %v is not the low half of a register pair", k))
}
