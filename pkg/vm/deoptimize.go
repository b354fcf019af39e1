package vm

import (
	"errors"
	"fmt"

	"github.com/daimatz/gostack/pkg/dex"
	"github.com/daimatz/gostack/pkg/heap"
	"github.com/daimatz/gostack/pkg/oat"
)

// deadValue fills registers whose value the compiled code no longer holds.
const deadValue = 0xEBADDE09

// DeoptimizedChain is the interpreter state rebuilt from the compiled frames
// of one fragment, newest frame first. Each frame links to the next older one.
type DeoptimizedChain struct {
	frames []*DeoptimizedFrame
}

// Top returns the newest frame of the chain.
func (c *DeoptimizedChain) Top() *ShadowFrame {
	if len(c.frames) == 0 {
		return nil
	}
	return c.frames[0].Frame()
}

// Len returns the number of frames in the chain.
func (c *DeoptimizedChain) Len() int { return len(c.frames) }

// Release destroys every frame of the chain.
func (c *DeoptimizedChain) Release() {
	for _, f := range c.frames {
		f.Release()
	}
	c.frames = nil
}

var errNotCompiled = errors.New("top fragment has no compiled frames")

// DeoptimizeTopFragment rebuilds shadow frames for the compiled frames of
// the top fragment, inlined frames included. Register values come from the
// compiled code's location maps, overridden by any values a debugger wrote.
// The caller must hold the mutator lock or have suspended t.
func (t *Thread) DeoptimizeTopFragment() (*DeoptimizedChain, error) {
	if t.top.topQuickFrame == 0 {
		return nil, errNotCompiled
	}
	chain := &DeoptimizedChain{}
	var walkErr error
	sv := NewStackVisitor(t, t.regs.Clone(), IncludeInlinedFrames)
	sv.WalkStack(true, FrameVisitorFunc(func(sv *StackVisitor) bool {
		m := sv.Method()
		if m == nil {
			return false
		}
		if m.IsRuntimeMethod() {
			return true
		}
		df, err := t.deoptimizeFrame(sv, m)
		if err != nil {
			walkErr = err
			return false
		}
		chain.frames = append(chain.frames, df)
		return true
	}))
	if walkErr != nil {
		chain.Release()
		return nil, walkErr
	}
	for i := 0; i+1 < len(chain.frames); i++ {
		chain.frames[i].Frame().SetLink(chain.frames[i+1].Frame())
	}
	t.rt.log.Debug("fragment deoptimized", "thread", t.id, "frames", len(chain.frames))
	return chain, nil
}

func (t *Thread) deoptimizeFrame(sv *StackVisitor, m *dex.Method) (*DeoptimizedFrame, error) {
	if m.Code == nil {
		return nil, fmt.Errorf("deoptimize %s: no code item", m.PrettyMethod())
	}
	if sv.curStackMap == nil {
		return nil, fmt.Errorf("deoptimize %s: no stack map at pc %#x", m.PrettyMethod(), sv.CurrentQuickFramePC())
	}
	regs := sv.curStackMap.DexRegisterMapAt(sv.InliningDepth())
	n := int(m.Code.RegistersSize)
	df := t.rt.frames.CreateDeoptimizedFrame(n, nil, m, sv.DexPC(true))
	sf := df.Frame()
	for vreg := 0; vreg < n; vreg++ {
		loc := regs.Location(vreg)
		if loc.Kind == oat.LocationNone {
			continue
		}
		switch kind := loc.Type; {
		case kind == dex.ReferenceVReg:
			v, ok := sv.GetVReg(m, vreg, kind)
			if !ok {
				continue
			}
			sf.SetVRegReference(vreg, heap.Ref(v))
		case kind.IsWideLo() && vreg+1 < n:
			v, ok := sv.GetVRegPair(m, vreg, kind, kind.HighHalf())
			if !ok {
				v = deadValue<<32 | deadValue
			}
			sf.SetVRegLong(vreg, int64(v))
			vreg++
		case kind == dex.Undefined:
		default:
			v, ok := sv.GetVReg(m, vreg, kind)
			if !ok {
				v = deadValue
			}
			sf.SetVReg(vreg, int32(v))
		}
	}
	// Registers a debugger wrote win even where the compiled code has no
	// location for them.
	id := sv.FrameID()
	if overlay := t.FindDebuggerShadowFrame(id); overlay != nil {
		for vreg, updated := range t.UpdatedVRegFlags(id) {
			if !updated {
				continue
			}
			sf.vregs[vreg] = overlay.vregs[vreg]
			sf.refs[vreg] = overlay.refs[vreg]
		}
		t.RemoveDebuggerShadowFrame(id)
	}
	return df, nil
}
