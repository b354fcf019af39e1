package vm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/daimatz/gostack/pkg/dex"
	"github.com/daimatz/gostack/pkg/heap"
)

type vregBuffers struct {
	vregs []uint32
	refs  []heap.Ref
}

// FrameAllocator creates shadow frames. Transient frames live for the
// duration of one callback and reuse pooled register buffers; durable frames
// are owned by a DeoptimizedFrame handle until released.
type FrameAllocator struct {
	validator ReferenceValidator
	pool      sync.Pool
	durable   atomic.Int64
}

// NewFrameAllocator creates an allocator whose frames validate references
// with v. A nil v disables validation.
func NewFrameAllocator(v ReferenceValidator) *FrameAllocator {
	return &FrameAllocator{validator: v}
}

func (a *FrameAllocator) acquire(n int) *vregBuffers {
	if b, ok := a.pool.Get().(*vregBuffers); ok && cap(b.vregs) >= n {
		b.vregs = b.vregs[:n]
		b.refs = b.refs[:n]
		return b
	}
	return &vregBuffers{vregs: make([]uint32, n), refs: make([]heap.Ref, n)}
}

// WithShadowFrame runs fn with a zeroed transient frame of numVRegs
// registers. The frame is invalidated when fn returns, and must not be
// retained or left linked from a longer-lived frame.
func (a *FrameAllocator) WithShadowFrame(numVRegs int, link *ShadowFrame, m *dex.Method, dexPC uint32, fn func(sf *ShadowFrame) error) error {
	if numVRegs < 0 {
		panic(fmt.Sprintf("negative vreg count: %d", numVRegs))
	}
	b := a.acquire(numVRegs)
	sf := newShadowFrame(newVRegStorage(b.vregs, b.refs, a.validator), link, m, dexPC)
	defer func() {
		sf.invalidate()
		a.pool.Put(b)
	}()
	return fn(sf)
}

// CreateDeoptimizedFrame allocates a durable frame. The caller owns the
// returned handle and must release it exactly once.
func (a *FrameAllocator) CreateDeoptimizedFrame(numVRegs int, link *ShadowFrame, m *dex.Method, dexPC uint32) *DeoptimizedFrame {
	if numVRegs < 0 {
		panic(fmt.Sprintf("negative vreg count: %d", numVRegs))
	}
	storage := newVRegStorage(make([]uint32, numVRegs), make([]heap.Ref, numVRegs), a.validator)
	a.durable.Add(1)
	return &DeoptimizedFrame{frame: newShadowFrame(storage, link, m, dexPC), alloc: a}
}

// OutstandingDeoptimizedFrames returns the number of durable frames not yet released.
func (a *FrameAllocator) OutstandingDeoptimizedFrames() int64 {
	return a.durable.Load()
}

// DeoptimizedFrame owns a durable shadow frame.
type DeoptimizedFrame struct {
	frame    *ShadowFrame
	alloc    *FrameAllocator
	released bool
}

// Frame returns the owned frame.
func (d *DeoptimizedFrame) Frame() *ShadowFrame {
	if d.released {
		panic("use of released deoptimized frame")
	}
	return d.frame
}

// Release destroys the frame. Releasing twice panics.
func (d *DeoptimizedFrame) Release() {
	if d.released {
		panic(fmt.Sprintf("deoptimized frame of %s released twice", d.frame.method.PrettyMethod()))
	}
	d.released = true
	d.frame.invalidate()
	d.alloc.durable.Add(-1)
}

func (sf *ShadowFrame) invalidate() {
	clear(sf.vregs)
	clear(sf.refs)
	sf.vregs = nil
	sf.refs = nil
	sf.released = true
	sf.link = nil
	sf.dexPCPtr = nil
	sf.lockCountData.monitors = nil
}
