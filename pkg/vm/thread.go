package vm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/daimatz/gostack/pkg/dex"
	"github.com/daimatz/gostack/pkg/isa"
	"github.com/daimatz/gostack/pkg/oat"
)

// ManagedStack is one fragment of a thread's stack: either a run of compiled
// frames or a chain of shadow frames, never both. Fragments are separated by
// transitions between interpreted and compiled code.
type ManagedStack struct {
	link            *ManagedStack
	topShadowFrame  *ShadowFrame
	topQuickFrame   uint64
	topQuickFramePC uint64
	// base is the stack pointer when the fragment was pushed.
	base uint64
}

// Link returns the next older fragment.
func (ms *ManagedStack) Link() *ManagedStack { return ms.link }

// TopShadowFrame returns the newest interpreted frame of the fragment.
func (ms *ManagedStack) TopShadowFrame() *ShadowFrame { return ms.topShadowFrame }

// TopQuickFrame returns the stack pointer of the newest compiled frame, or 0.
func (ms *ManagedStack) TopQuickFrame() uint64 { return ms.topQuickFrame }

// TopQuickFramePC returns the pc the newest compiled frame is stopped at.
func (ms *ManagedStack) TopQuickFramePC() uint64 { return ms.topQuickFramePC }
func (ms *ManagedStack) isEmpty() bool { return ms.topShadowFrame == nil && ms.topQuickFrame == 0 }

// Thread is a mutator thread: one native stack, its fragments, a pending
// exception and the register state of its top frame.
type Thread struct {
	id    uint32
	name  string
	rt    *Runtime
	stack *NativeStack
	top   *ManagedStack
	regs  *Context

	exception *Throwable

	suspended   atomic.Bool
	sharedHolds atomic.Int32

	debugMu        sync.Mutex
	debuggerFrames map[uint64]*debuggerShadowFrame
}

func newThread(rt *Runtime, id uint32, name string, stackSize int) *Thread {
	stack := NewNativeStack(rt.isa, stackSize)
	t := &Thread{
		id:             id,
		name:           name,
		rt:             rt,
		stack:          stack,
		regs:           NewContext(rt.isa, stack),
		debuggerFrames: make(map[uint64]*debuggerShadowFrame),
	}
	t.top = &ManagedStack{base: stack.SP()}
	return t
}

// ID returns the thread id.
func (t *Thread) ID() uint32 { return t.id }

// Name returns the thread name.
func (t *Thread) Name() string { return t.name }

// Runtime returns the runtime the thread belongs to.
func (t *Thread) Runtime() *Runtime { return t.rt }

// Stack returns the native stack compiled frames live on.
func (t *Thread) Stack() *NativeStack { return t.stack }

// TopFragment returns the newest stack fragment.
func (t *Thread) TopFragment() *ManagedStack { return t.top }

// Context returns the register state at the top frame. Callers set the
// registers the top compiled frame is using at its current pc.
func (t *Thread) Context() *Context { return t.regs }

func (t *Thread) String() string { return fmt.Sprintf("Thread[%d,%q]", t.id, t.name) }

// PushFragment starts a new fragment, as done on every transition between
// interpreted and compiled code.
func (t *Thread) PushFragment() {
	t.top = &ManagedStack{link: t.top, base: t.stack.SP()}
	t.rt.log.Debug("fragment pushed", "thread", t.id, "sp", fmt.Sprintf("%#x", t.top.base))
}

// PopFragment removes the top fragment, which must be empty.
func (t *Thread) PopFragment() {
	if t.top.link == nil {
		panic("pop of the bottom stack fragment")
	}
	if !t.top.isEmpty() {
		panic("pop of a non-empty stack fragment")
	}
	t.top = t.top.link
	t.rt.log.Debug("fragment popped", "thread", t.id)
}

// PushShadowFrame makes sf the top frame. The top fragment must not hold
// compiled frames.
func (t *Thread) PushShadowFrame(sf *ShadowFrame) {
	if t.top.topQuickFrame != 0 {
		panic("shadow frame pushed onto a compiled fragment")
	}
	sf.SetLink(t.top.topShadowFrame)
	t.top.topShadowFrame = sf
}

// PopShadowFrame removes and returns the top shadow frame.
func (t *Thread) PopShadowFrame() *ShadowFrame {
	sf := t.top.topShadowFrame
	if sf == nil {
		panic("no shadow frame to pop")
	}
	t.top.topShadowFrame = sf.link
	sf.link = nil
	return sf
}

// TopShadowFrame returns the top shadow frame of the top fragment.
func (t *Thread) TopShadowFrame() *ShadowFrame { return t.top.topShadowFrame }

// EnterCompiledFrame pushes a compiled frame of m executing at pc and
// returns its stack pointer. The first frame of a fragment also reserves the
// caller's out area, holding m's ins above a null method slot that ends the
// fragment's compiled frames.
func (t *Thread) EnterCompiledFrame(m *dex.Method, pc uint64) (uint64, error) {
	if t.top.topShadowFrame != nil {
		panic("compiled frame pushed onto an interpreted fragment")
	}
	h, ok := t.rt.code.Lookup(m.Address, pc)
	if !ok {
		return 0, fmt.Errorf("enter %s: no compiled code at pc %#x", m.PrettyMethod(), pc)
	}
	ptr := uint64(t.rt.isa.PointerSize())
	var sp, returnPC uint64
	if t.top.topQuickFrame == 0 {
		ins := 0
		if m.Code != nil {
			ins = int(m.Code.InsSize)
		}
		reserve := alignUp(ptr+uint64(ins)*4, isa.StackAlignment)
		sp = t.stack.SP() - reserve
		t.stack.setSP(sp)
		t.stack.WriteWord(sp, 0)
	} else {
		sp = t.top.topQuickFrame
		returnPC = t.top.topQuickFramePC
	}
	frameSize := uint64(h.FrameInfo.FrameSizeInBytes)
	sp -= frameSize
	t.stack.setSP(sp)
	t.stack.WriteWord(sp, m.Address)
	t.stack.WriteWord(sp+frameSize-ptr, returnPC)
	t.top.topQuickFrame = sp
	t.top.topQuickFramePC = pc
	return sp, nil
}

// SetTopQuickFramePC moves the top compiled frame to another pc of its code.
func (t *Thread) SetTopQuickFramePC(pc uint64) {
	if t.top.topQuickFrame == 0 {
		panic("no compiled frame")
	}
	t.top.topQuickFramePC = pc
}

// ExitCompiledFrame pops the top compiled frame.
func (t *Thread) ExitCompiledFrame() error {
	sp := t.top.topQuickFrame
	if sp == 0 {
		panic("no compiled frame to exit")
	}
	addr := t.stack.ReadWord(sp)
	h, ok := t.rt.code.Lookup(addr, t.top.topQuickFramePC)
	if !ok {
		return fmt.Errorf("exit frame at %#x: no compiled code at pc %#x", sp, t.top.topQuickFramePC)
	}
	ptr := uint64(t.rt.isa.PointerSize())
	frameSize := uint64(h.FrameInfo.FrameSizeInBytes)
	returnPC := t.stack.ReadWord(sp + frameSize - ptr)
	callerSP := sp + frameSize
	if t.stack.ReadWord(callerSP) == 0 {
		t.top.topQuickFrame = 0
		t.top.topQuickFramePC = 0
		t.stack.setSP(t.top.base)
		return nil
	}
	t.top.topQuickFrame = callerSP
	t.top.topQuickFramePC = returnPC
	t.stack.setSP(callerSP)
	return nil
}

// IsExceptionPending reports whether an exception is pending.
func (t *Thread) IsExceptionPending() bool { return t.exception != nil }

// Exception returns the pending exception, or nil.
func (t *Thread) Exception() *Throwable { return t.exception }

// SetException makes e pending.
func (t *Thread) SetException(e *Throwable) { t.exception = e }

// ClearException drops the pending exception.
func (t *Thread) ClearException() { t.exception = nil }

// ThrowNewException allocates an exception of class descriptor and makes it
// pending, replacing any pending exception.
func (t *Thread) ThrowNewException(descriptor, msg string) {
	t.exception = NewThrowable(t.rt.heap, descriptor, msg)
	t.rt.log.Debug("exception thrown", "thread", t.id, "exception", t.exception.Error())
}

// Suspend marks the thread quiescent so other threads may walk its stack.
func (t *Thread) Suspend() { t.suspended.Store(true) }

// Resume lets the thread run again.
func (t *Thread) Resume() { t.suspended.Store(false) }

// IsSuspended reports whether the thread is quiescent.
func (t *Thread) IsSuspended() bool { return t.suspended.Load() }

func (t *Thread) holdsMutatorLock() bool { return t.sharedHolds.Load() > 0 }

// headerAt returns the compiled code of a method running at pc.
func (t *Thread) headerAt(methodAddr, pc uint64) *oat.MethodHeader {
	h, ok := t.rt.code.Lookup(methodAddr, pc)
	if !ok {
		panic(fmt.Sprintf("no compiled code for method %#x at pc %#x", methodAddr, pc))
	}
	return h
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
