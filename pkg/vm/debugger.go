package vm

import (
	"github.com/daimatz/gostack/pkg/dex"
)

// debuggerShadowFrame is a shadow frame a debugger attached to a compiled
// frame to hold the registers it wrote. Only registers flagged as updated
// override the compiled frame's values.
type debuggerShadowFrame struct {
	frame   *DeoptimizedFrame
	updated []bool
}

// FindOrCreateDebuggerShadowFrame returns the debugger frame attached to the
// compiled frame with the given id, creating it if needed.
func (t *Thread) FindOrCreateDebuggerShadowFrame(frameID uint64, numVRegs int, m *dex.Method, dexPC uint32) *ShadowFrame {
	t.debugMu.Lock()
	defer t.debugMu.Unlock()
	if d, ok := t.debuggerFrames[frameID]; ok {
		return d.frame.Frame()
	}
	d := &debuggerShadowFrame{
		frame:   t.rt.frames.CreateDeoptimizedFrame(numVRegs, nil, m, dexPC),
		updated: make([]bool, numVRegs),
	}
	t.debuggerFrames[frameID] = d
	t.rt.log.Debug("debugger shadow frame created", "thread", t.id, "frame", frameID, "method", m.PrettyMethod())
	return d.frame.Frame()
}

// FindDebuggerShadowFrame returns the debugger frame of frameID, or nil.
func (t *Thread) FindDebuggerShadowFrame(frameID uint64) *ShadowFrame {
	t.debugMu.Lock()
	defer t.debugMu.Unlock()
	if d, ok := t.debuggerFrames[frameID]; ok {
		return d.frame.Frame()
	}
	return nil
}

// UpdatedVRegFlags returns the per-register updated flags of the debugger
// frame of frameID, or nil if there is none.
func (t *Thread) UpdatedVRegFlags(frameID uint64) []bool {
	t.debugMu.Lock()
	defer t.debugMu.Unlock()
	if d, ok := t.debuggerFrames[frameID]; ok {
		return d.updated
	}
	return nil
}

// RemoveDebuggerShadowFrame detaches and releases the debugger frame of frameID.
func (t *Thread) RemoveDebuggerShadowFrame(frameID uint64) {
	t.debugMu.Lock()
	d, ok := t.debuggerFrames[frameID]
	delete(t.debuggerFrames, frameID)
	t.debugMu.Unlock()
	if ok {
		d.frame.Release()
	}
}

func (t *Thread) visitDebuggerFrames(fn func(frameID uint64, sf *ShadowFrame)) {
	t.debugMu.Lock()
	defer t.debugMu.Unlock()
	for id, d := range t.debuggerFrames {
		fn(id, d.frame.Frame())
	}
}
