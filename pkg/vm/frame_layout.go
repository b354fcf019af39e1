package vm

import (
	"fmt"
	"math/bits"

	"github.com/daimatz/gostack/pkg/dex"
	"github.com/daimatz/gostack/pkg/isa"
)

// maxNumSpecialTemps is the number of compiler temporaries above the
// declared registers. Only the method slot is special.
const maxNumSpecialTemps = 1

// GetVRegOffsetFromQuickCode returns the sp-relative byte offset of vreg reg
// in a compiled frame. From sp upwards a frame holds:
//
//	method slot for the next call
//	outs
//	compiler temporaries
//	locals, v0 lowest
//	filler word
//	fp callee-save spills
//	core callee-save spills (return address highest)
//	-- frame size --
//	caller's method slot
//	ins
//
// reg == RegistersSize denotes the method slot; higher numbers are
// compiler temporaries.
func GetVRegOffsetFromQuickCode(code *dex.CodeItem, coreSpills, fpSpills uint32, frameSize int, reg int, set isa.InstructionSet) int {
	if frameSize%isa.StackAlignment != 0 {
		panic(fmt.Sprintf("frame size %d not %d-byte aligned", frameSize, isa.StackAlignment))
	}
	if reg < 0 {
		panic(fmt.Sprintf("invalid vreg %d", reg))
	}
	ptr := set.PointerSize()
	spillSize := bits.OnesCount32(coreSpills)*set.GprSpillSize() +
		bits.OnesCount32(fpSpills)*set.FprSpillSize() +
		4 // filler
	numIns := int(code.InsSize)
	numRegs := int(code.RegistersSize) - numIns
	tempThreshold := int(code.RegistersSize)

	switch {
	case reg == tempThreshold:
		return 0
	case reg >= tempThreshold+maxNumSpecialTemps:
		// Non-special temporaries sit just above the outs.
		return int(code.OutsSize)*4 + ptr + (reg-(tempThreshold+maxNumSpecialTemps))*4
	case reg < numRegs:
		return frameSize - spillSize - numRegs*4 + reg*4
	default:
		return frameSize + (reg-numRegs)*4 + ptr
	}
}

// GetOutVROffset returns the sp-relative offset of outgoing argument outNum.
func GetOutVROffset(outNum int, set isa.InstructionSet) int {
	return set.PointerSize() + outNum*4
}
