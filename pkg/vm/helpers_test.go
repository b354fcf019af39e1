package vm

import (
	"testing"

	"github.com/daimatz/gostack/internal/config"
	"github.com/daimatz/gostack/pkg/dex"
	"github.com/daimatz/gostack/pkg/heap"
	"github.com/daimatz/gostack/pkg/isa"
	"github.com/daimatz/gostack/pkg/oat"
)

func testConfig(set isa.InstructionSet) config.Config {
	cfg := config.Default()
	cfg.ISA = set.String()
	cfg.InstructionSet = set
	return cfg
}

func newTestRuntime(t *testing.T, set isa.InstructionSet) *Runtime {
	t.Helper()
	return NewRuntime(testConfig(set))
}

func mustMethod(t *testing.T, rt *Runtime, class, name, desc string, flags uint32, registers, outs uint16) *dex.Method {
	t.Helper()
	m, err := dex.NewMethod(class, name, desc, flags, registers, outs)
	if err != nil {
		t.Fatal(err)
	}
	if m.Code != nil {
		m.Code.Insns = make([]uint16, 32)
	}
	rt.RegisterMethod(m)
	return m
}

func mustCode(t *testing.T, rt *Runtime, m *dex.Method, h *oat.MethodHeader) {
	t.Helper()
	if err := rt.RegisterCode(m, h); err != nil {
		t.Fatal(err)
	}
}

func durableFrame(t *testing.T, rt *Runtime, m *dex.Method, dexPC uint32) *ShadowFrame {
	t.Helper()
	df := rt.Frames().CreateDeoptimizedFrame(int(m.Code.RegistersSize), nil, m, dexPC)
	t.Cleanup(func() {
		if !df.released {
			df.Release()
		}
	})
	return df.Frame()
}

const (
	runPC     = 0x1020
	computePC = 0x2040

	// compute keeps v0 at sp+16, this at sp+20 and a reference in x20;
	// run keeps v0 in x19, which compute spills at the top of its frame.
	computeV0Offset   = 16
	computeThisOffset = 20
	computeX19Offset  = 48
)

// mixedStack is, newest first:
//
//	helper   inlined into compute
//	compute  compiled, instance method of Foo
//	run      compiled, static
//	-- transition --
//	loop     interpreted, instance method of Main
//	main     interpreted, static
//	-- transition --
type mixedStack struct {
	rt     *Runtime
	thread *Thread

	main, loop, run, compute, helper *dex.Method

	mainFrame, loopFrame *ShadowFrame
	runSP, computeSP     uint64

	args, receiver, lock, computeThis, regRef heap.Ref
}

func buildMixedStack(t *testing.T, cfg config.Config) *mixedStack {
	t.Helper()
	rt := NewRuntime(cfg)
	s := &mixedStack{rt: rt, thread: rt.NewThread("main")}
	h := rt.Heap()

	s.main = mustMethod(t, rt, "LMain;", "main", "([Ljava/lang/String;)V", dex.AccPublic|dex.AccStatic, 2, 1)
	s.loop = mustMethod(t, rt, "LMain;", "loop", "(I)V", dex.AccPrivate, 3, 0)
	s.run = mustMethod(t, rt, "LMain;", "run", "()V", dex.AccStatic, 2, 2)
	s.compute = mustMethod(t, rt, "LFoo;", "compute", "(I)I", 0, 4, 0)
	s.helper = mustMethod(t, rt, "LFoo;", "helper", "()I", dex.AccStatic, 1, 0)

	arm64Frame := func(core uint32) oat.QuickMethodFrameInfo {
		return oat.QuickMethodFrameInfo{FrameSizeInBytes: 64, CoreSpillMask: core | 1<<30}
	}
	mustCode(t, rt, s.run, &oat.MethodHeader{
		CodeStart: 0x1000,
		CodeSize:  0x100,
		FrameInfo: arm64Frame(0),
		CodeInfo: &oat.CodeInfo{StackMaps: []oat.StackMap{{
			NativePCOffset: runPC - 0x1000,
			DexPC:          5,
			Registers:      oat.DexRegisterMap{oat.InRegister(19, dex.IntVReg), {}},
		}}},
	})
	mustCode(t, rt, s.compute, &oat.MethodHeader{
		CodeStart: 0x2000,
		CodeSize:  0x100,
		FrameInfo: arm64Frame(1 << 19),
		CodeInfo: &oat.CodeInfo{StackMaps: []oat.StackMap{{
			NativePCOffset: computePC - 0x2000,
			DexPC:          7,
			Registers: oat.DexRegisterMap{
				oat.InStack(computeV0Offset, dex.IntVReg),
				oat.InRegister(21, dex.IntVReg),
				oat.InStack(computeThisOffset, dex.ReferenceVReg),
				oat.ConstantValue(42, dex.IntVReg),
			},
			RegisterMask: 1 << 20,
			StackMask:    []uint32{computeThisOffset / 4},
			Inlined: []oat.InlineFrame{{
				MethodAddress: s.helper.Address,
				DexPC:         3,
				Registers:     oat.DexRegisterMap{oat.ConstantValue(9, dex.IntVReg)},
			}},
		}}},
	})

	s.args = h.Allocate("[Ljava/lang/String;")
	s.receiver = h.Allocate("LMain;")
	s.lock = h.Allocate("Ljava/lang/Object;")
	s.computeThis = h.Allocate("LFoo;")
	s.regRef = h.Allocate("Ljava/lang/Integer;")

	th := s.thread
	s.mainFrame = durableFrame(t, rt, s.main, 4)
	s.mainFrame.SetVRegReference(1, s.args)
	th.PushShadowFrame(s.mainFrame)

	s.loopFrame = durableFrame(t, rt, s.loop, 2)
	s.loopFrame.SetVReg(0, 11)
	s.loopFrame.SetVRegReference(1, s.receiver)
	s.loopFrame.SetVReg(2, 3)
	s.loopFrame.LockCountData().AddMonitor(th, s.lock)
	th.PushShadowFrame(s.loopFrame)

	th.PushFragment()
	var err error
	if s.runSP, err = th.EnterCompiledFrame(s.run, runPC); err != nil {
		t.Fatal(err)
	}
	if s.computeSP, err = th.EnterCompiledFrame(s.compute, computePC); err != nil {
		t.Fatal(err)
	}
	stack := th.Stack()
	stack.Write32(s.computeSP+computeV0Offset, 1234)
	stack.Write32(s.computeSP+computeThisOffset, uint32(s.computeThis))
	stack.Write64(s.computeSP+computeX19Offset, 0xdead_0000_0055)
	th.Context().SetGPR(21, 0x1_0000_0077)
	th.Context().SetGPR(20, uint64(s.regRef))
	return s
}

// walkedFrame is what a visitor saw at one frame.
type walkedFrame struct {
	method   *dex.Method
	depth    int
	height   int
	inlining int
	dexPC    uint32
}

func collectFrames(t *testing.T, th *Thread, kind WalkKind, transitions bool) []walkedFrame {
	t.Helper()
	var frames []walkedFrame
	sv := NewStackVisitor(th, th.Context().Clone(), kind)
	sv.WalkStack(transitions, FrameVisitorFunc(func(sv *StackVisitor) bool {
		f := walkedFrame{
			method:   sv.Method(),
			depth:    sv.FrameDepth(),
			height:   sv.FrameHeight(),
			inlining: sv.InliningDepth(),
		}
		if f.method != nil {
			f.dexPC = sv.DexPC(true)
		}
		frames = append(frames, f)
		return true
	}))
	return frames
}

// visitAt runs fn on the frame of m, with the mutator lock held.
func (s *mixedStack) visitAt(t *testing.T, m *dex.Method, kind WalkKind, fn func(sv *StackVisitor)) {
	t.Helper()
	release := s.rt.ScopedObjectAccess(s.thread)
	defer release()
	found := false
	sv := NewStackVisitor(s.thread, s.thread.Context().Clone(), kind)
	sv.WalkStack(false, FrameVisitorFunc(func(sv *StackVisitor) bool {
		if sv.Method() != m {
			return true
		}
		found = true
		fn(sv)
		return false
	}))
	if !found {
		t.Fatalf("frame of %s not found", m.PrettyMethod())
	}
}

func expectPanic(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s: expected panic", name)
		}
	}()
	fn()
}
