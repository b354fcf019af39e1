package vm

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"

	"github.com/daimatz/gostack/internal/config"
	"github.com/daimatz/gostack/internal/logger"
	"github.com/daimatz/gostack/pkg/dex"
	"github.com/daimatz/gostack/pkg/heap"
	"github.com/daimatz/gostack/pkg/isa"
	"github.com/daimatz/gostack/pkg/oat"
)

const (
	firstMethodAddress = 0x70000000
	methodAlignment    = 0x10
)

// Runtime owns everything the threads' stacks refer to: the heap, the
// registered methods and their compiled code, and the mutator lock.
type Runtime struct {
	cfg     config.Config
	isa     isa.InstructionSet
	heap    *heap.Heap
	code    *oat.Table
	frames  *FrameAllocator
	mutator MutatorLock
	log     *log.Logger

	mu         sync.Mutex
	methods    map[uint64]*dex.Method
	nextMethod uint64
	threads    []*Thread
	nextTID    uint32
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger replaces the runtime logger.
func WithLogger(l *log.Logger) Option {
	return func(r *Runtime) { r.log = l }
}

// WithHeap makes the runtime use an existing heap.
func WithHeap(h *heap.Heap) Option {
	return func(r *Runtime) { r.heap = h }
}

// NewRuntime creates a runtime for cfg.
func NewRuntime(cfg config.Config, opts ...Option) *Runtime {
	r := &Runtime{
		cfg:        cfg,
		isa:        cfg.InstructionSet,
		code:       oat.NewTable(cfg.InstructionSet),
		methods:    make(map[uint64]*dex.Method),
		nextMethod: firstMethodAddress,
		nextTID:    1,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.heap == nil {
		r.heap = heap.New()
	}
	if r.log == nil {
		r.log = logger.New(io.Discard, cfg.Log.Level, cfg.Log.NoColor)
	}
	var validator ReferenceValidator
	if cfg.GC.ReadBarrier {
		validator = r.heap
	}
	r.frames = NewFrameAllocator(validator)
	configureLockDetection(cfg.Debug.LockDeadlockTimeout.Duration)
	return r
}

// Config returns the configuration the runtime was created with.
func (r *Runtime) Config() config.Config { return r.cfg }

// InstructionSet returns the target of compiled frames.
func (r *Runtime) InstructionSet() isa.InstructionSet { return r.isa }

// Heap returns the object heap.
func (r *Runtime) Heap() *heap.Heap { return r.heap }

// Code returns the compiled code table.
func (r *Runtime) Code() *oat.Table { return r.code }

// Frames returns the shadow frame allocator.
func (r *Runtime) Frames() *FrameAllocator { return r.frames }

// Mutator returns the mutator lock.
func (r *Runtime) Mutator() *MutatorLock { return &r.mutator }

// Logger returns the runtime logger.
func (r *Runtime) Logger() *log.Logger { return r.log }

// RegisterMethod assigns m the address compiled frames store in their method
// slot. Registering a method twice returns its existing address.
func (r *Runtime) RegisterMethod(m *dex.Method) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m.Address != 0 && r.methods[m.Address] == m {
		return m.Address
	}
	m.Address = r.nextMethod
	r.nextMethod += methodAlignment
	r.methods[m.Address] = m
	return m.Address
}

// MethodAt returns the method registered at addr, or nil.
func (r *Runtime) MethodAt(addr uint64) *dex.Method {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.methods[addr]
}

// RegisterCode attaches compiled code to a registered method.
func (r *Runtime) RegisterCode(m *dex.Method, h *oat.MethodHeader) error {
	if r.MethodAt(m.Address) != m {
		return fmt.Errorf("register code: %s is not registered", m.PrettyMethod())
	}
	if err := r.code.Register(m.Address, h); err != nil {
		return fmt.Errorf("register code for %s: %w", m.PrettyMethod(), err)
	}
	r.log.Debug("code registered", "method", m.PrettyMethod(), "start", fmt.Sprintf("%#x", h.CodeStart),
		"frame", humanize.IBytes(uint64(h.FrameInfo.FrameSizeInBytes)), "optimized", h.IsOptimized())
	return nil
}

// NewThread creates a thread with a stack of DefaultStackSize bytes.
func (r *Runtime) NewThread(name string) *Thread {
	return r.NewThreadWithStack(name, DefaultStackSize)
}

// NewThreadWithStack creates a thread with a stack of size bytes.
func (r *Runtime) NewThreadWithStack(name string, size int) *Thread {
	r.mu.Lock()
	t := newThread(r, r.nextTID, name, size)
	r.nextTID++
	r.threads = append(r.threads, t)
	r.mu.Unlock()
	r.log.Debug("thread created", "thread", t.id, "name", name, "stack", humanize.IBytes(uint64(size)))
	return t
}

// Threads returns the threads created so far.
func (r *Runtime) Threads() []*Thread {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Thread(nil), r.threads...)
}
