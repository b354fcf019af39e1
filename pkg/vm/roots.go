package vm

import (
	"fmt"
	"math/bits"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/daimatz/gostack/pkg/heap"
)

// RootType classifies where a root was found.
type RootType int

const (
	RootUnknown RootType = iota
	RootJavaFrame
	RootNativeStack
	RootDebugger
)

var rootTypeNames = [...]string{
	"RootUnknown",
	"RootJavaFrame",
	"RootNativeStack",
	"RootDebugger",
}

func (t RootType) String() string {
	if int(t) < len(rootTypeNames) {
		return rootTypeNames[t]
	}
	return fmt.Sprintf("RootType(%d)", int(t))
}

// RootInfo describes a root for diagnostics.
type RootInfo interface {
	Type() RootType
	ThreadID() uint32
	Describe() string
}

// ThreadRootInfo is a root owned by a thread but not by one of its frames.
type ThreadRootInfo struct {
	RootType RootType
	Thread   uint32
}

func (i ThreadRootInfo) Type() RootType   { return i.RootType }
func (i ThreadRootInfo) ThreadID() uint32 { return i.Thread }

func (i ThreadRootInfo) Describe() string {
	return fmt.Sprintf("Type=%v thread_id=%d", i.RootType, i.Thread)
}

// JavaFrameRootInfo is a root found in a frame. VReg is the register that
// held it, or -1 for monitors and compiled-code slots not tied to a
// register. The visitor is only positioned on the frame during the visit, so
// Describe must be called from inside the root visitor.
type JavaFrameRootInfo struct {
	ThreadRootInfo
	visitor *StackVisitor
	vreg    int
}

// NewJavaFrameRootInfo describes a root found at vreg of the frame sv is visiting.
func NewJavaFrameRootInfo(threadID uint32, sv *StackVisitor, vreg int) JavaFrameRootInfo {
	return JavaFrameRootInfo{
		ThreadRootInfo: ThreadRootInfo{RootType: RootJavaFrame, Thread: threadID},
		visitor:        sv,
		vreg:           vreg,
	}
}

// VReg returns the register holding the root, or -1 when it is not a vreg.
func (i JavaFrameRootInfo) VReg() int { return i.vreg }

// Visitor returns the walk positioned at the frame holding the root.
func (i JavaFrameRootInfo) Visitor() *StackVisitor { return i.visitor }

func (i JavaFrameRootInfo) Describe() string {
	return fmt.Sprintf("Type=%v thread_id=%d location=%s vreg=%d",
		i.RootType, i.Thread, i.visitor.DescribeLocation(), i.vreg)
}

// RootVisitor is called with the address of every root. It may rewrite the
// root in place to relocate the referent.
type RootVisitor interface {
	VisitRoot(root *heap.Ref, info RootInfo)
}

// RootVisitorFunc adapts a function to RootVisitor.
type RootVisitorFunc func(root *heap.Ref, info RootInfo)

func (f RootVisitorFunc) VisitRoot(root *heap.Ref, info RootInfo) { f(root, info) }

// VerifyingRootVisitor checks that every root is a live object before passing
// it on, and panics on the first one that is not.
type VerifyingRootVisitor struct {
	Heap *heap.Heap
	Log  *log.Logger
	Next RootVisitor
}

func (v *VerifyingRootVisitor) VisitRoot(root *heap.Ref, info RootInfo) {
	if !v.Heap.IsLive(*root) {
		desc := info.Describe()
		if v.Log != nil {
			v.Log.Error("invalid root", "ref", *root, "root", desc)
		}
		panic(fmt.Sprintf("invalid root %v: %s", *root, desc))
	}
	if v.Next != nil {
		v.Next.VisitRoot(root, info)
	}
}

// rootScanner reports the references held by every frame of one thread.
type rootScanner struct {
	thread  *Thread
	visitor RootVisitor
	moving  bool
}

func (s *rootScanner) visit(root *heap.Ref, info RootInfo) {
	old := *root
	s.visitor.VisitRoot(root, info)
	if !s.moving && *root != old {
		panic(fmt.Sprintf("root %v relocated to %v by a non-moving collector: %s", old, *root, info.Describe()))
	}
}

func (s *rootScanner) VisitFrame(sv *StackVisitor) bool {
	if sf := sv.CurrentShadowFrame(); sf != nil {
		s.visitShadowFrame(sv, sf)
		return true
	}
	if sv.CurrentQuickFrame() != 0 {
		s.visitQuickFrame(sv)
	}
	return true
}

func (s *rootScanner) visitShadowFrame(sv *StackVisitor, sf *ShadowFrame) {
	tid := s.thread.id
	for i := 0; i < sf.NumberOfVRegs(); i++ {
		root := sf.ShadowRefAddr(i)
		if *root == heap.Null {
			continue
		}
		s.visit(root, NewJavaFrameRootInfo(tid, sv, i))
		sf.syncRaw(i)
	}
	sf.LockCountData().VisitMonitors(func(obj *heap.Ref) {
		s.visit(obj, NewJavaFrameRootInfo(tid, sv, -1))
	})
}

func (s *rootScanner) visitQuickFrame(sv *StackVisitor) {
	sm := sv.curStackMap
	if sm == nil {
		return
	}
	tid := s.thread.id
	stack := s.thread.stack
	for _, slot := range sm.StackMask {
		addr := sv.CurrentQuickFrame() + uint64(slot)*4
		ref := heap.Ref(stack.Read32(addr))
		if ref == heap.Null {
			continue
		}
		s.visit(&ref, NewJavaFrameRootInfo(tid, sv, -1))
		stack.Write32(addr, uint32(ref))
	}
	ctx := sv.context
	if ctx == nil {
		return
	}
	for mask := sm.RegisterMask; mask != 0; mask &= mask - 1 {
		reg := uint32(bits.TrailingZeros32(mask))
		if !ctx.IsAccessibleGPR(reg) {
			continue
		}
		v := ctx.GetGPR(reg)
		ref := heap.Ref(uint32(v))
		if ref == heap.Null {
			continue
		}
		s.visit(&ref, NewJavaFrameRootInfo(tid, sv, -1))
		ctx.UpdateGPR(reg, v&^0xFFFFFFFF|uint64(ref))
	}
}

// VisitRoots reports every root held by t: its pending exception, the
// references and monitors of its frames, and its debugger shadow frames.
// Inlined frames are not visited separately; their references are described
// by the stack map of the frame they were inlined into.
func (t *Thread) VisitRoots(visitor RootVisitor) {
	s := &rootScanner{thread: t, visitor: visitor, moving: t.rt.cfg.GC.Moving}
	if t.exception != nil && t.exception.Object != heap.Null {
		s.visit(&t.exception.Object, ThreadRootInfo{RootType: RootNativeStack, Thread: t.id})
	}
	ctx := t.regs.Clone()
	sv := NewStackVisitor(t, ctx, SkipInlinedFrames)
	sv.WalkStack(false, s)
	ctx.copyValuesTo(t.regs)
	t.visitDebuggerFrames(func(_ uint64, sf *ShadowFrame) {
		for i := 0; i < sf.NumberOfVRegs(); i++ {
			root := sf.ShadowRefAddr(i)
			if *root == heap.Null {
				continue
			}
			s.visit(root, ThreadRootInfo{RootType: RootDebugger, Thread: t.id})
			sf.syncRaw(i)
		}
	})
}

// VisitRoots stops all mutators and reports the roots of every thread,
// scanning up to the configured number of threads concurrently. Roots are
// checked against the heap first when root verification is enabled. A panic
// while scanning a thread is re-raised on the calling goroutine.
func (r *Runtime) VisitRoots(visitor RootVisitor) {
	if r.cfg.GC.VerifyRoots {
		visitor = &VerifyingRootVisitor{Heap: r.heap, Log: r.log, Next: visitor}
	}
	r.mutator.ExclusiveLock()
	defer r.mutator.ExclusiveUnlock()

	threads := r.Threads()
	var g errgroup.Group
	g.SetLimit(r.cfg.GC.RootScanWorkers)
	for _, t := range threads {
		t := t
		g.Go(func() (err error) {
			wasSuspended := t.IsSuspended()
			t.Suspend()
			defer func() {
				if !wasSuspended {
					t.Resume()
				}
				if p := recover(); p != nil {
					err = &rootScanPanic{thread: t.id, value: p}
				}
			}()
			t.VisitRoots(visitor)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.log.Error("root scan failed", "err", err)
		panic(err.(*rootScanPanic).value)
	}
	r.log.Debug("roots visited", "threads", len(threads))
}

type rootScanPanic struct {
	thread uint32
	value  any
}

func (p *rootScanPanic) Error() string {
	return fmt.Sprintf("root scan of thread %d: %v", p.thread, p.value)
}
