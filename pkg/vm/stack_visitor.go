package vm

import (
	"fmt"
	"strings"

	"github.com/daimatz/gostack/pkg/dex"
	"github.com/daimatz/gostack/pkg/heap"
	"github.com/daimatz/gostack/pkg/isa"
	"github.com/daimatz/gostack/pkg/oat"
)

// WalkKind selects whether frames inlined into compiled code are visited.
type WalkKind int

const (
	IncludeInlinedFrames WalkKind = iota
	SkipInlinedFrames
)

// FrameVisitor is called for every frame of a walk, newest first, and
// returns false to stop the walk.
type FrameVisitor interface {
	VisitFrame(sv *StackVisitor) bool
}

// FrameVisitorFunc adapts a function to FrameVisitor.
type FrameVisitorFunc func(sv *StackVisitor) bool

func (f FrameVisitorFunc) VisitFrame(sv *StackVisitor) bool { return f(sv) }

// StackVisitor walks one thread's stack across shadow frames, compiled
// frames and the frames inlined into them. Its accessors describe the frame
// being visited and are only meaningful inside VisitFrame.
type StackVisitor struct {
	thread   *Thread
	rt       *Runtime
	walkKind WalkKind
	context  *Context

	curShadowFrame  *ShadowFrame
	curQuickFrame   uint64
	curQuickFramePC uint64
	curHeader       *oat.MethodHeader
	curStackMap     *oat.StackMap

	numFrames            int
	curDepth             int
	currentInliningDepth int
	walked               bool
	checkSuspended       bool
}

// NewStackVisitor creates a walker over t's stack. ctx holds the registers
// of t's top frame; it is updated as the walk proceeds and may be nil, in
// which case values held in registers are unavailable.
func NewStackVisitor(t *Thread, ctx *Context, kind WalkKind) *StackVisitor {
	return newStackVisitor(t, ctx, kind, 0)
}

func newStackVisitor(t *Thread, ctx *Context, kind WalkKind, numFrames int) *StackVisitor {
	return &StackVisitor{
		thread:         t,
		rt:             t.rt,
		walkKind:       kind,
		context:        ctx,
		numFrames:      numFrames,
		checkSuspended: t.rt.cfg.Debug.CheckSuspended,
	}
}

// Thread returns the thread being walked.
func (sv *StackVisitor) Thread() *Thread { return sv.thread }

// ComputeNumFrames counts the frames of t, transitions included.
func ComputeNumFrames(t *Thread, kind WalkKind) int {
	n := 0
	v := newStackVisitor(t, nil, kind, 0)
	v.WalkStack(true, FrameVisitorFunc(func(*StackVisitor) bool {
		n++
		return true
	}))
	return n
}

// NumFrames returns the number of frames on the stack, computed on first use.
func (sv *StackVisitor) NumFrames() int {
	if sv.numFrames == 0 {
		sv.numFrames = ComputeNumFrames(sv.thread, sv.walkKind)
	}
	return sv.numFrames
}

// FrameDepth returns the number of frames above the current one.
func (sv *StackVisitor) FrameDepth() int { return sv.curDepth }

// FrameHeight returns the number of frames below the current one.
func (sv *StackVisitor) FrameHeight() int { return sv.NumFrames() - sv.curDepth - 1 }

// FrameID identifies the current frame stably while frames are pushed above it.
func (sv *StackVisitor) FrameID() uint64 { return uint64(sv.FrameHeight()) + 1 }

// IsShadowFrame reports whether the current frame is interpreted.
func (sv *StackVisitor) IsShadowFrame() bool { return sv.curShadowFrame != nil }

// IsInInlinedFrame reports whether the current frame was inlined into a compiled frame.
func (sv *StackVisitor) IsInInlinedFrame() bool { return sv.currentInliningDepth != 0 }

// InliningDepth returns the depth of the current inlined frame, or 0 for an
// out-of-line frame.
func (sv *StackVisitor) InliningDepth() int { return sv.currentInliningDepth }

// CurrentShadowFrame returns the current interpreted frame, or nil.
func (sv *StackVisitor) CurrentShadowFrame() *ShadowFrame { return sv.curShadowFrame }

// CurrentQuickFrame returns the stack pointer of the current compiled frame, or 0.
func (sv *StackVisitor) CurrentQuickFrame() uint64 { return sv.curQuickFrame }

// CurrentQuickFramePC returns the pc of the current compiled frame.
func (sv *StackVisitor) CurrentQuickFramePC() uint64 { return sv.curQuickFramePC }

// CurrentMethodHeader returns the compiled code of the current frame, or nil.
func (sv *StackVisitor) CurrentMethodHeader() *oat.MethodHeader { return sv.curHeader }

// CurrentQuickFrameInfo returns the frame shape of the current compiled frame.
func (sv *StackVisitor) CurrentQuickFrameInfo() oat.QuickMethodFrameInfo {
	if sv.curHeader == nil {
		panic("no compiled frame")
	}
	return sv.curHeader.FrameInfo
}

// Method returns the method of the current frame, or nil at a transition.
func (sv *StackVisitor) Method() *dex.Method {
	switch {
	case sv.curShadowFrame != nil:
		return sv.curShadowFrame.Method()
	case sv.curQuickFrame != 0:
		if sv.IsInInlinedFrame() {
			return sv.rt.MethodAt(sv.curStackMap.InlineFrameAt(sv.currentInliningDepth).MethodAddress)
		}
		return sv.rt.MethodAt(sv.thread.stack.ReadWord(sv.curQuickFrame))
	}
	return nil
}

// OuterMethod returns the method of the physical frame, skipping inlining.
func (sv *StackVisitor) OuterMethod() *dex.Method {
	if sv.curQuickFrame != 0 {
		return sv.rt.MethodAt(sv.thread.stack.ReadWord(sv.curQuickFrame))
	}
	return sv.Method()
}

// SetMethod replaces the method of the current frame. The collector uses it
// with the mutator lock held exclusively after moving method metadata.
func (sv *StackVisitor) SetMethod(m *dex.Method) {
	if !sv.rt.mutator.IsExclusiveHeld() {
		panic("SetMethod requires the mutator lock held exclusively")
	}
	if sv.IsInInlinedFrame() {
		panic("SetMethod on an inlined frame")
	}
	switch {
	case sv.curShadowFrame != nil:
		sv.curShadowFrame.SetMethod(m)
	case sv.curQuickFrame != 0:
		sv.thread.stack.WriteWord(sv.curQuickFrame, m.Address)
	default:
		panic("SetMethod at a transition")
	}
}

// DexPC returns the bytecode pc of the current frame.
func (sv *StackVisitor) DexPC(abortOnFailure bool) uint32 {
	switch {
	case sv.curShadowFrame != nil:
		return sv.curShadowFrame.DexPC()
	case sv.curQuickFrame != 0:
		if sv.IsInInlinedFrame() {
			return sv.curStackMap.InlineFrameAt(sv.currentInliningDepth).DexPC
		}
		if sv.curHeader == nil {
			return dex.NoDexPC
		}
		return sv.curHeader.ToDexPc(sv.curQuickFramePC, abortOnFailure)
	}
	return 0
}

// NativePcOffset returns the offset of the current pc in its compiled code.
func (sv *StackVisitor) NativePcOffset() uint32 {
	if sv.IsShadowFrame() || sv.curHeader == nil {
		panic("NativePcOffset on a frame without compiled code")
	}
	return sv.curHeader.NativeQuickPcOffset(sv.curQuickFramePC)
}

// ThisObject returns the receiver of the current frame, or null for static
// methods and when the receiver cannot be located.
func (sv *StackVisitor) ThisObject() heap.Ref {
	m := sv.Method()
	if m == nil || m.IsStatic() {
		return heap.Null
	}
	if m.IsNative() {
		if sv.curShadowFrame != nil {
			return sv.curShadowFrame.GetVRegReference(0)
		}
		// The handle scope follows the method slot: a link word, a count
		// and then the references, the receiver first.
		ptr := uint64(sv.rt.isa.PointerSize())
		return heap.Ref(sv.thread.stack.Read32(sv.curQuickFrame + 2*ptr + 4))
	}
	if sv.curShadowFrame != nil {
		return sv.curShadowFrame.ThisObject()
	}
	code := m.Code
	if code == nil {
		return heap.Null
	}
	v, ok := sv.GetVReg(m, code.NumLocals(), dex.ReferenceVReg)
	if !ok {
		sv.rt.log.Warn("failed to determine this object", "method", m.PrettyMethod())
		return heap.Null
	}
	return heap.Ref(v)
}

// ReturnPC returns the return address saved by the current compiled frame.
func (sv *StackVisitor) ReturnPC() uint64 {
	return sv.thread.stack.ReadWord(sv.returnPCAddr())
}

// SetReturnPC overwrites the return address saved by the current compiled frame.
func (sv *StackVisitor) SetReturnPC(pc uint64) {
	sv.thread.stack.WriteWord(sv.returnPCAddr(), pc)
}

func (sv *StackVisitor) returnPCAddr() uint64 {
	if sv.curQuickFrame == 0 || sv.curHeader == nil {
		panic("return pc of a frame that is not compiled")
	}
	return sv.curQuickFrame + uint64(sv.curHeader.FrameInfo.FrameSizeInBytes) - uint64(sv.rt.isa.PointerSize())
}

// VRegAddrFromQuickCode returns the address of vreg in the current compiled frame.
func (sv *StackVisitor) VRegAddrFromQuickCode(code *dex.CodeItem, coreSpills, fpSpills uint32, frameSize int, vreg int) uint64 {
	if sv.curQuickFrame == 0 {
		panic("no compiled frame")
	}
	return sv.curQuickFrame + uint64(GetVRegOffsetFromQuickCode(code, coreSpills, fpSpills, frameSize, vreg, sv.rt.isa))
}

// DescribeLocation renders the current frame for diagnostics.
func (sv *StackVisitor) DescribeLocation() string {
	m := sv.Method()
	if m == nil {
		return "upcall"
	}
	s := fmt.Sprintf("Visiting method '%s' at dex PC 0x%04x", m.PrettyMethod(), sv.DexPC(false))
	if !sv.IsShadowFrame() {
		s += fmt.Sprintf(" (native PC %#x)", sv.curQuickFramePC)
	}
	return s
}

// DescribeStack renders every frame of t, newest first, one per line.
// Inlined frames are marked with their inlining depth.
func DescribeStack(t *Thread) string {
	var b strings.Builder
	NewStackVisitor(t, nil, IncludeInlinedFrames).WalkStack(true, FrameVisitorFunc(func(sv *StackVisitor) bool {
		fmt.Fprintf(&b, "#%d %s", sv.FrameDepth(), sv.DescribeLocation())
		if sv.IsInInlinedFrame() {
			fmt.Fprintf(&b, " [inlined depth %d]", sv.InliningDepth())
		}
		b.WriteByte('\n')
		return true
	}))
	return b.String()
}

func (sv *StackVisitor) sanityCheckFrame() {
	if !sv.rt.cfg.Debug.Checks {
		return
	}
	m := sv.Method()
	if m == nil {
		panic(fmt.Sprintf("frame at depth %d has no method", sv.curDepth))
	}
	if sv.curQuickFrame == 0 {
		return
	}
	fi := sv.curHeader.FrameInfo
	if err := fi.Validate(sv.rt.isa); err != nil {
		panic(fmt.Sprintf("frame of %s: %v", m.PrettyMethod(), err))
	}
	if !sv.thread.stack.Contains(sv.curQuickFrame, int(fi.FrameSizeInBytes)) {
		panic(fmt.Sprintf("frame of %s at %#x outside the stack", m.PrettyMethod(), sv.curQuickFrame))
	}
	if sv.curQuickFramePC != 0 && !sv.curHeader.Contains(sv.curQuickFramePC) {
		panic(fmt.Sprintf("pc %#x outside the code of %s", sv.curQuickFramePC, m.PrettyMethod()))
	}
}

// WalkStack visits every frame from the newest to the oldest. Frames inlined
// into a compiled frame are visited before it, innermost first. Transitions
// between fragments are visited as frames without a method when
// includeTransitions is set, and count towards the depth either way.
func (sv *StackVisitor) WalkStack(includeTransitions bool, v FrameVisitor) {
	if sv.walked {
		panic("stack visitor reused")
	}
	sv.walked = true
	if sv.checkSuspended && !sv.thread.IsSuspended() && !sv.thread.holdsMutatorLock() {
		panic(fmt.Sprintf("walk of %v which is neither suspended nor holding the mutator lock", sv.thread))
	}
	stack := sv.thread.stack
	ptr := uint64(sv.rt.isa.PointerSize())

	for frag := sv.thread.top; frag != nil; frag = frag.link {
		sv.curShadowFrame = frag.topShadowFrame
		sv.curQuickFrame = frag.topQuickFrame
		sv.curQuickFramePC = frag.topQuickFramePC
		sv.curHeader = nil
		sv.curStackMap = nil

		if sv.curQuickFrame != 0 {
			for methodAddr := stack.ReadWord(sv.curQuickFrame); methodAddr != 0; methodAddr = stack.ReadWord(sv.curQuickFrame) {
				sv.curHeader = sv.thread.headerAt(methodAddr, sv.curQuickFramePC)
				sv.curStackMap = nil
				if sm, ok := sv.curHeader.StackMapAt(sv.curQuickFramePC); ok {
					sv.curStackMap = sm
				}
				sv.sanityCheckFrame()

				if sv.walkKind == IncludeInlinedFrames && sv.curStackMap != nil && sv.curStackMap.HasInlineInfo() {
					for depth := sv.curStackMap.InlineDepth(); depth != 0; depth-- {
						sv.currentInliningDepth = depth
						if !v.VisitFrame(sv) {
							return
						}
						sv.curDepth++
					}
					sv.currentInliningDepth = 0
				}

				if !v.VisitFrame(sv) {
					return
				}

				fi := sv.curHeader.FrameInfo
				if sv.context != nil {
					sv.context.FillCalleeSaves(sv.curQuickFrame, fi)
				}
				frameSize := uint64(fi.FrameSizeInBytes)
				sv.curQuickFramePC = stack.ReadWord(sv.curQuickFrame + frameSize - ptr)
				sv.curQuickFrame += frameSize
				sv.curDepth++
			}
			sv.curHeader = nil
			sv.curStackMap = nil
		} else {
			for ; sv.curShadowFrame != nil; sv.curShadowFrame = sv.curShadowFrame.link {
				sv.sanityCheckFrame()
				if !v.VisitFrame(sv) {
					return
				}
				sv.curDepth++
			}
		}

		// The transition to the next fragment.
		sv.curShadowFrame = nil
		sv.curQuickFrame = 0
		sv.curQuickFramePC = 0
		if includeTransitions {
			if !v.VisitFrame(sv) {
				return
			}
		}
		sv.curDepth++
	}
	if sv.numFrames != 0 && sv.curDepth != sv.numFrames {
		panic(fmt.Sprintf("walk visited %d frames, expected %d", sv.curDepth, sv.numFrames))
	}
}

// NextMethodAndDexPC finds the caller of the current frame: the next frame
// down the stack that belongs to a bytecode method.
func (sv *StackVisitor) NextMethodAndDexPC() (*dex.Method, uint32, bool) {
	height := sv.FrameHeight()
	var (
		found      bool
		nextMethod *dex.Method
		nextDexPC  uint32
	)
	w := newStackVisitor(sv.thread, nil, sv.walkKind, sv.NumFrames())
	w.WalkStack(true, FrameVisitorFunc(func(w *StackVisitor) bool {
		if found {
			m := w.Method()
			if m != nil && !m.IsRuntimeMethod() {
				nextMethod = m
				nextDexPC = w.DexPC(true)
				return false
			}
			return true
		}
		if w.FrameHeight() == height {
			found = true
		}
		return true
	}))
	return nextMethod, nextDexPC, nextMethod != nil
}

// GetVReg reads vreg of m, the method of the current frame. It reports false
// when the value cannot be located at the current pc of a compiled frame.
func (sv *StackVisitor) GetVReg(m *dex.Method, vreg int, kind dex.VRegKind) (uint32, bool) {
	if sv.curShadowFrame != nil {
		sf := sv.curShadowFrame
		if kind == dex.ReferenceVReg {
			return uint32(sf.GetVRegReference(vreg)), true
		}
		return uint32(sf.GetVReg(vreg)), true
	}
	sv.checkCompiledVReg(m, vreg)
	if v, ok := sv.getVRegFromDebuggerShadowFrame(vreg, kind); ok {
		return v, true
	}
	if !sv.curHeader.IsOptimized() {
		return 0, false
	}
	return sv.getVRegFromOptimizedCode(vreg, kind)
}

// GetVRegPair reads the wide value held in vreg and vreg+1.
func (sv *StackVisitor) GetVRegPair(m *dex.Method, vreg int, kindLo, kindHi dex.VRegKind) (uint64, bool) {
	checkWideKinds(kindLo, kindHi)
	if sv.curShadowFrame != nil {
		return uint64(sv.curShadowFrame.GetVRegLong(vreg)), true
	}
	sv.checkCompiledVReg(m, vreg)
	sv.checkCompiledVReg(m, vreg+1)
	lo, okLo := sv.getVRegFromDebuggerShadowFrame(vreg, kindLo)
	hi, okHi := sv.getVRegFromDebuggerShadowFrame(vreg+1, kindHi)
	if okLo && okHi {
		return uint64(lo) | uint64(hi)<<32, true
	}
	if !sv.curHeader.IsOptimized() {
		return 0, false
	}
	lo, okLo = sv.getVRegFromOptimizedCode(vreg, kindLo)
	if !okLo {
		return 0, false
	}
	hi, okHi = sv.getVRegFromOptimizedCode(vreg+1, kindHi)
	if !okHi {
		return 0, false
	}
	return uint64(lo) | uint64(hi)<<32, true
}

// SetVReg writes vreg of m. On a compiled frame the value goes to a debugger
// shadow frame, which must have been attached with AttachDebuggerShadowFrame,
// and only takes effect once the frame is deoptimized.
func (sv *StackVisitor) SetVReg(m *dex.Method, vreg int, val uint32, kind dex.VRegKind) bool {
	if m.Code == nil {
		return false
	}
	if sf := sv.curShadowFrame; sf != nil {
		setShadowVReg(sf, vreg, val, kind)
		return true
	}
	sv.checkCompiledVReg(m, vreg)
	sf, updated := sv.debuggerFrame()
	setShadowVReg(sf, vreg, val, kind)
	updated[vreg] = true
	return true
}

// SetVRegPair writes the wide value held in vreg and vreg+1.
func (sv *StackVisitor) SetVRegPair(m *dex.Method, vreg int, val uint64, kindLo, kindHi dex.VRegKind) bool {
	checkWideKinds(kindLo, kindHi)
	if m.Code == nil {
		return false
	}
	if sf := sv.curShadowFrame; sf != nil {
		sf.SetVRegLong(vreg, int64(val))
		return true
	}
	sv.checkCompiledVReg(m, vreg)
	sv.checkCompiledVReg(m, vreg+1)
	sf, updated := sv.debuggerFrame()
	sf.SetVRegLong(vreg, int64(val))
	updated[vreg] = true
	updated[vreg+1] = true
	return true
}

// AttachDebuggerShadowFrame attaches a debugger shadow frame to the current
// compiled frame, or returns the one already attached.
func (sv *StackVisitor) AttachDebuggerShadowFrame() *ShadowFrame {
	if sv.curQuickFrame == 0 {
		panic("debugger shadow frames attach to compiled frames")
	}
	m := sv.Method()
	if m == nil || m.Code == nil {
		panic(fmt.Sprintf("cannot attach a debugger shadow frame to %s", m.PrettyMethod()))
	}
	return sv.thread.FindOrCreateDebuggerShadowFrame(sv.FrameID(), int(m.Code.RegistersSize), m, sv.DexPC(false))
}

func (sv *StackVisitor) debuggerFrame() (*ShadowFrame, []bool) {
	id := sv.FrameID()
	sf := sv.thread.FindDebuggerShadowFrame(id)
	if sf == nil {
		panic(fmt.Sprintf("write to compiled frame %d of %s without a debugger shadow frame", id, sv.Method().PrettyMethod()))
	}
	return sf, sv.thread.UpdatedVRegFlags(id)
}

func setShadowVReg(sf *ShadowFrame, vreg int, val uint32, kind dex.VRegKind) {
	if kind == dex.ReferenceVReg {
		sf.SetVRegReference(vreg, heap.Ref(val))
		return
	}
	sf.SetVReg(vreg, int32(val))
}

func checkWideKinds(lo, hi dex.VRegKind) {
	switch {
	case lo == dex.LongLoVReg && hi == dex.LongHiVReg:
	case lo == dex.DoubleLoVReg && hi == dex.DoubleHiVReg:
	default:
		panic(fmt.Sprintf("not a wide vreg pair: %v/%v", lo, hi))
	}
}

func (sv *StackVisitor) checkCompiledVReg(m *dex.Method, vreg int) {
	if sv.curQuickFrame == 0 {
		panic("vreg access at a transition")
	}
	if m != sv.Method() {
		panic(fmt.Sprintf("vreg access with %s on a frame of %s", m.PrettyMethod(), sv.Method().PrettyMethod()))
	}
	if m.Code == nil {
		panic(fmt.Sprintf("%s has no vregs", m.PrettyMethod()))
	}
	if vreg < 0 || vreg >= int(m.Code.RegistersSize) {
		panic(fmt.Sprintf("vreg index out of range: index=%d, max=%d", vreg, m.Code.RegistersSize))
	}
}

func (sv *StackVisitor) getVRegFromDebuggerShadowFrame(vreg int, kind dex.VRegKind) (uint32, bool) {
	id := sv.FrameID()
	sf := sv.thread.FindDebuggerShadowFrame(id)
	if sf == nil {
		return 0, false
	}
	if !sv.thread.UpdatedVRegFlags(id)[vreg] {
		return 0, false
	}
	if kind == dex.ReferenceVReg {
		return uint32(sf.GetVRegReference(vreg)), true
	}
	return uint32(sf.GetVReg(vreg)), true
}

func (sv *StackVisitor) getVRegFromOptimizedCode(vreg int, kind dex.VRegKind) (uint32, bool) {
	if sv.curStackMap == nil {
		return 0, false
	}
	regs := sv.curStackMap.DexRegisterMapAt(sv.currentInliningDepth)
	if !regs.IsValid() {
		return 0, false
	}
	loc := regs.Location(vreg)
	switch loc.Kind {
	case oat.LocationInStack:
		return sv.thread.stack.Read32(sv.curQuickFrame + uint64(loc.Value)), true
	case oat.LocationInRegister, oat.LocationInRegisterHigh,
		oat.LocationInFpuRegister, oat.LocationInFpuRegisterHigh:
		return sv.getRegisterIfAccessible(uint32(loc.Value), kind)
	case oat.LocationConstant:
		return uint32(loc.Value), true
	}
	return 0, false
}

func (sv *StackVisitor) getRegisterIfAccessible(reg uint32, kind dex.VRegKind) (uint32, bool) {
	set := sv.rt.isa
	isFloat := kind.IsFloat()
	switch {
	case set == isa.X86 && isFloat:
		// x86 xmm registers are exposed as pairs of 32-bit halves.
		reg *= 2
		if kind == dex.DoubleHiVReg {
			reg++
		}
	case set == isa.Mips && kind == dex.DoubleHiVReg:
		reg++
	}
	if sv.context == nil {
		return 0, false
	}
	var v uint64
	if isFloat {
		if int(reg) >= set.NumFPRs() || !sv.context.IsAccessibleFPR(reg) {
			return 0, false
		}
		v = sv.context.GetFPR(reg)
	} else {
		if int(reg) >= set.NumGPRs() || !sv.context.IsAccessibleGPR(reg) {
			return 0, false
		}
		v = sv.context.GetGPR(reg)
	}
	if set.Is64Bit() && kind.IsWideHi() {
		v >>= 32
	}
	return uint32(v), true
}
