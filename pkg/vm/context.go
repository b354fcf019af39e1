package vm

import (
	"fmt"
	"math/bits"

	"github.com/daimatz/gostack/pkg/isa"
	"github.com/daimatz/gostack/pkg/oat"
)

type regState uint8

const (
	regUnavailable regState = iota
	regValue                // value held in the context
	regSpilled              // value spilled at addr on the stack
)

type regSlot struct {
	state regState
	value uint64
	addr  uint64
}

// Context is the machine register state of a thread as seen while walking
// its stack. It starts with the registers of the top frame and, as the walk
// moves outwards, learns where each frame spilled the callee-save registers
// of its caller.
type Context struct {
	set   isa.InstructionSet
	stack *NativeStack
	gprs  []regSlot
	fprs  []regSlot
}

// NewContext creates a context with no accessible registers.
func NewContext(set isa.InstructionSet, stack *NativeStack) *Context {
	return &Context{
		set:   set,
		stack: stack,
		gprs:  make([]regSlot, set.NumGPRs()),
		fprs:  make([]regSlot, set.NumFPRs()),
	}
}

// Clone returns an independent copy, used to start a walk without
// disturbing the thread's own register snapshot.
func (c *Context) Clone() *Context {
	n := &Context{set: c.set, stack: c.stack}
	n.gprs = append([]regSlot(nil), c.gprs...)
	n.fprs = append([]regSlot(nil), c.fprs...)
	return n
}

func (c *Context) slot(reg uint32, fp bool) *regSlot {
	regs := c.gprs
	if fp {
		regs = c.fprs
	}
	if int(reg) >= len(regs) {
		panic(fmt.Sprintf("register out of range: index=%d, max=%d", reg, len(regs)))
	}
	return &regs[reg]
}

// SetGPR records the value of a core register.
func (c *Context) SetGPR(reg uint32, v uint64) { *c.slot(reg, false) = regSlot{state: regValue, value: v} }

// SetFPR records the value of a floating-point register.
func (c *Context) SetFPR(reg uint32, v uint64) { *c.slot(reg, true) = regSlot{state: regValue, value: v} }

// IsAccessibleGPR reports whether the core register reg holds a known value.
func (c *Context) IsAccessibleGPR(reg uint32) bool { return c.slot(reg, false).state != regUnavailable }

// IsAccessibleFPR reports whether the floating-point register reg holds a known value.
func (c *Context) IsAccessibleFPR(reg uint32) bool { return c.slot(reg, true).state != regUnavailable }

// GetGPR returns core register reg, which must be accessible.
func (c *Context) GetGPR(reg uint32) uint64 { return c.get(c.slot(reg, false), reg) }

// GetFPR returns floating-point register reg, which must be accessible.
func (c *Context) GetFPR(reg uint32) uint64 { return c.get(c.slot(reg, true), reg) }

func (c *Context) get(s *regSlot, reg uint32) uint64 {
	switch s.state {
	case regValue:
		return s.value
	case regSpilled:
		return c.stack.ReadWord(s.addr)
	}
	panic(fmt.Sprintf("register %d is not accessible", reg))
}

// UpdateGPR rewrites an accessible core register, in place on the stack if
// it was spilled.
func (c *Context) UpdateGPR(reg uint32, v uint64) {
	s := c.slot(reg, false)
	switch s.state {
	case regValue:
		s.value = v
	case regSpilled:
		c.stack.WriteWord(s.addr, v)
	default:
		panic(fmt.Sprintf("register %d is not accessible", reg))
	}
}

// FillCalleeSaves records the spill slots of the frame at sp. Spills are
// stored from the top of the frame downwards, highest core register first
// and then floating-point registers.
func (c *Context) FillCalleeSaves(sp uint64, fi oat.QuickMethodFrameInfo) {
	ptr := uint64(c.set.PointerSize())
	top := sp + uint64(fi.FrameSizeInBytes)
	pos := uint64(0)
	for mask := fi.CoreSpillMask; mask != 0; pos++ {
		reg := uint32(bits.Len32(mask) - 1)
		mask &^= 1 << reg
		*c.slot(reg, false) = regSlot{state: regSpilled, addr: top - (pos+1)*ptr}
	}
	for mask := fi.FpSpillMask; mask != 0; pos++ {
		reg := uint32(bits.Len32(mask) - 1)
		mask &^= 1 << reg
		*c.slot(reg, true) = regSlot{state: regSpilled, addr: top - (pos+1)*ptr}
	}
}

// copyValuesTo stores the register values held in c into dst. Spilled
// registers are not copied: updates to them already went to the stack.
func (c *Context) copyValuesTo(dst *Context) {
	for i, s := range c.gprs {
		if s.state == regValue {
			dst.gprs[i] = s
		}
	}
	for i, s := range c.fprs {
		if s.state == regValue {
			dst.fprs[i] = s
		}
	}
}
