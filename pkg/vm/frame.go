package vm

import (
	"fmt"

	"github.com/daimatz/gostack/pkg/dex"
	"github.com/daimatz/gostack/pkg/heap"
	"github.com/daimatz/gostack/pkg/isa"
)

// ShadowFrame is the activation record of an interpreted method. Frames form
// a singly linked chain from the newest to the oldest interpreted frame of
// one managed-stack fragment.
type ShadowFrame struct {
	link           *ShadowFrame
	method         *dex.Method
	resultRegister *JValue
	// dexPCPtr, when set, is a view of the code item's instructions
	// starting at the current instruction and is authoritative over dexPC.
	dexPCPtr      []uint16
	codeItem      *dex.CodeItem
	lockCountData LockCountData
	dexPC         uint32
	cachedHotness int16
	hotness       int16

	VRegStorage
}

func newShadowFrame(storage VRegStorage, link *ShadowFrame, m *dex.Method, dexPC uint32) *ShadowFrame {
	sf := &ShadowFrame{
		link:        link,
		method:      m,
		dexPC:       dexPC,
		VRegStorage: storage,
	}
	if m != nil {
		sf.codeItem = m.Code
	}
	return sf
}

// Link returns the next older interpreted frame.
func (sf *ShadowFrame) Link() *ShadowFrame { return sf.link }

// SetLink sets the next older interpreted frame. A frame cannot link to itself.
func (sf *ShadowFrame) SetLink(frame *ShadowFrame) {
	if frame == sf {
		panic("shadow frame linked to itself")
	}
	sf.link = frame
}

// Method returns the method the frame is executing.
func (sf *ShadowFrame) Method() *dex.Method { return sf.method }

// SetMethod replaces the method of the frame, as done when a collector
// moves method metadata.
func (sf *ShadowFrame) SetMethod(m *dex.Method) {
	if m == nil {
		panic("shadow frame: nil method")
	}
	sf.method = m
}

// CodeItem returns the bytecode the frame is executing, or nil.
func (sf *ShadowFrame) CodeItem() *dex.CodeItem { return sf.codeItem }

// SetCodeItem replaces the bytecode the dex pc pointer refers to.
func (sf *ShadowFrame) SetCodeItem(c *dex.CodeItem) { sf.codeItem = c }

// ResultRegister returns where callees store their return value.
func (sf *ShadowFrame) ResultRegister() *JValue { return sf.resultRegister }

// SetResultRegister sets where callees store their return value.
func (sf *ShadowFrame) SetResultRegister(v *JValue) { sf.resultRegister = v }

// LockCountData returns the monitors the frame has entered.
func (sf *ShadowFrame) LockCountData() *LockCountData { return &sf.lockCountData }

// DexPC returns the current bytecode pc. When a pc pointer is cached the pc
// is the distance between it and the start of the instructions.
func (sf *ShadowFrame) DexPC() uint32 {
	if sf.dexPCPtr == nil {
		return sf.dexPC
	}
	return uint32(cap(sf.insns()) - cap(sf.dexPCPtr))
}

// SetDexPC sets the pc and drops any cached pc pointer.
func (sf *ShadowFrame) SetDexPC(pc uint32) {
	sf.dexPC = pc
	sf.dexPCPtr = nil
}

// DexPCPtr returns the cached pc pointer, or nil.
func (sf *ShadowFrame) DexPCPtr() []uint16 { return sf.dexPCPtr }

// SetDexPCPtr caches the pc as a view into the code item's instructions.
// The view must share the instructions' backing array.
func (sf *ShadowFrame) SetDexPCPtr(p []uint16) {
	if p == nil {
		sf.dexPCPtr = nil
		return
	}
	insns := sf.insns()
	if cap(p) == 0 || cap(p) > cap(insns) || &insns[:cap(insns)][cap(insns)-1] != &p[:cap(p)][cap(p)-1] {
		panic(fmt.Sprintf("dex pc pointer outside instructions of %s", sf.method.PrettyMethod()))
	}
	sf.dexPCPtr = p
}

func (sf *ShadowFrame) insns() []uint16 {
	if sf.codeItem == nil {
		panic(fmt.Sprintf("shadow frame of %s has no code item", sf.method.PrettyMethod()))
	}
	return sf.codeItem.Insns
}

// HotnessCountdown returns the remaining count before the method is considered hot.
func (sf *ShadowFrame) HotnessCountdown() int16 { return sf.hotness }

// SetHotnessCountdown sets the remaining hotness count.
func (sf *ShadowFrame) SetHotnessCountdown(v int16) { sf.hotness = v }

// CachedHotnessCountdown returns the hotness count cached by the interpreter.
func (sf *ShadowFrame) CachedHotnessCountdown() int16 { return sf.cachedHotness }

// SetCachedHotnessCountdown sets the cached hotness count.
func (sf *ShadowFrame) SetCachedHotnessCountdown(v int16) { sf.cachedHotness = v }

// ThisObject returns the receiver of an instance method: vreg 0 for native
// methods and the first in-register otherwise. Static methods have none.
func (sf *ShadowFrame) ThisObject() heap.Ref {
	m := sf.method
	switch {
	case m.IsStatic():
		return heap.Null
	case m.IsNative():
		return sf.GetVRegReference(0)
	default:
		code := m.Code
		if code == nil {
			panic(fmt.Sprintf("%s has no code item", m.PrettyMethod()))
		}
		return sf.GetVRegReference(code.NumLocals())
	}
}

// ThisObjectWithIns is ThisObject for callers that already know the number
// of in-registers.
func (sf *ShadowFrame) ThisObjectWithIns(numIns int) heap.Ref {
	if sf.method.IsStatic() {
		return heap.Null
	}
	return sf.GetVRegReference(sf.NumberOfVRegs() - numIns)
}

// ShadowFrameLayout is the byte offset of every field of a shadow frame as
// compiled code addresses it. Fields are laid out in declaration order with
// pointer-sized slots for the references, followed by the raw vregs and then
// the pointer-sized reference shadows.
type ShadowFrameLayout struct {
	Link                   int
	Method                 int
	ResultRegister         int
	DexPCPtr               int
	CodeItem               int
	LockCountData          int
	NumberOfVRegs          int
	DexPC                  int
	CachedHotnessCountdown int
	HotnessCountdown       int
	VRegs                  int
}

// ShadowFrameOffsets returns the layout of a shadow frame for set.
func ShadowFrameOffsets(set isa.InstructionSet) ShadowFrameLayout {
	ptr := set.PointerSize()
	var l ShadowFrameLayout
	l.Link = 0
	l.Method = l.Link + ptr
	l.ResultRegister = l.Method + ptr
	l.DexPCPtr = l.ResultRegister + ptr
	l.CodeItem = l.DexPCPtr + ptr
	l.LockCountData = l.CodeItem + ptr
	l.NumberOfVRegs = l.LockCountData + ptr
	l.DexPC = l.NumberOfVRegs + 4
	l.CachedHotnessCountdown = l.DexPC + 4
	l.HotnessCountdown = l.CachedHotnessCountdown + 2
	l.VRegs = l.HotnessCountdown + 2
	return l
}

// ComputeShadowFrameSize returns the size of a frame with numVRegs registers.
func ComputeShadowFrameSize(numVRegs int, set isa.InstructionSet) int {
	return ShadowFrameOffsets(set).VRegs + numVRegs*4 + numVRegs*set.PointerSize()
}
