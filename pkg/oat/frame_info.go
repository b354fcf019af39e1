// Package oat holds the metadata the compiler attaches to natively compiled
// methods: frame shape, code range and per-safepoint register location maps.
package oat

import (
	"fmt"
	"math/bits"

	"github.com/daimatz/gostack/pkg/isa"
)

// QuickMethodFrameInfo is the shape of a compiled method's frame.
type QuickMethodFrameInfo struct {
	FrameSizeInBytes uint32 `cbor:"1,keyasint"`
	CoreSpillMask    uint32 `cbor:"2,keyasint"`
	FpSpillMask      uint32 `cbor:"3,keyasint"`
}

// SpillSize returns the bytes used by callee-save spills.
func (fi QuickMethodFrameInfo) SpillSize(set isa.InstructionSet) int {
	return bits.OnesCount32(fi.CoreSpillMask)*set.GprSpillSize() +
		bits.OnesCount32(fi.FpSpillMask)*set.FprSpillSize()
}

// Validate checks the frame against the calling convention of set: the frame
// is stack aligned, spills the return address register as its highest core
// register, and has room for its spills plus the method slot.
func (fi QuickMethodFrameInfo) Validate(set isa.InstructionSet) error {
	if fi.FrameSizeInBytes%isa.StackAlignment != 0 {
		return fmt.Errorf("frame size %d is not %d-byte aligned", fi.FrameSizeInBytes, isa.StackAlignment)
	}
	ra := set.ReturnAddressRegister()
	if fi.CoreSpillMask&(1<<ra) == 0 {
		return fmt.Errorf("core spill mask %#x does not spill return register %d", fi.CoreSpillMask, ra)
	}
	if fi.CoreSpillMask>>ra != 1 {
		return fmt.Errorf("core spill mask %#x spills registers above return register %d", fi.CoreSpillMask, ra)
	}
	if bits.Len32(fi.FpSpillMask) > set.NumFPRs() {
		return fmt.Errorf("fp spill mask %#x exceeds %d registers", fi.FpSpillMask, set.NumFPRs())
	}
	if need := fi.SpillSize(set) + set.PointerSize(); int(fi.FrameSizeInBytes) < need {
		return fmt.Errorf("frame size %d smaller than spills and method slot (%d)", fi.FrameSizeInBytes, need)
	}
	return nil
}
