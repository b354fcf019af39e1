package heap

import (
	"fmt"
	"sync"
)

const (
	firstAddress     = 0x1000
	objectAlignment  = 8
	maxHeapAddresses = 1<<32 - objectAlignment
)

// Heap owns every live object. Relocating an object gives it a new address
// and leaves a forwarding entry behind for the old one, which is what a
// moving collector does between its copy and fix-up phases.
type Heap struct {
	mu        sync.RWMutex
	objects   map[Ref]*Object
	forwarded map[Ref]Ref
	next      uint64
}

// New creates an empty heap.
func New() *Heap {
	return &Heap{
		objects:   make(map[Ref]*Object),
		forwarded: make(map[Ref]Ref),
		next:      firstAddress,
	}
}

// Allocate creates a new object of the given class and returns its reference.
func (h *Heap) Allocate(className string) Ref {
	h.mu.Lock()
	defer h.mu.Unlock()
	ref := h.nextAddressLocked()
	h.objects[ref] = &Object{ClassName: className, Fields: make(map[string]Ref)}
	return ref
}

func (h *Heap) nextAddressLocked() Ref {
	if h.next >= maxHeapAddresses {
		panic("heap: address space exhausted")
	}
	ref := Ref(h.next)
	h.next += objectAlignment
	return ref
}

// Get returns the object at ref, or nil when ref is null, stale or unknown.
func (h *Heap) Get(ref Ref) *Object {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.objects[ref]
}

// IsLive reports whether ref addresses a current (to-space) object.
func (h *Heap) IsLive(ref Ref) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.objects[ref]
	return ok
}

// Relocate moves the object at ref to a new address and returns it.
// Relocating an already forwarded reference returns its forwardee.
func (h *Heap) Relocate(ref Ref) (Ref, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if to, ok := h.forwarded[ref]; ok {
		return to, nil
	}
	obj, ok := h.objects[ref]
	if !ok {
		return Null, fmt.Errorf("heap: relocate %v: no such object", ref)
	}
	to := h.nextAddressLocked()
	delete(h.objects, ref)
	h.objects[to] = obj
	h.forwarded[ref] = to
	return to, nil
}

// Forwardee returns the new address of a relocated object.
func (h *Heap) Forwardee(ref Ref) (Ref, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	to, ok := h.forwarded[ref]
	return to, ok
}

// AssertToSpaceInvariant panics if a non-null reference does not point at
// the current copy of a live object.
func (h *Heap) AssertToSpaceInvariant(ref Ref) {
	if ref == Null {
		return
	}
	h.mu.RLock()
	_, live := h.objects[ref]
	to, moved := h.forwarded[ref]
	h.mu.RUnlock()
	switch {
	case live:
		return
	case moved:
		panic(fmt.Sprintf("heap: to-space invariant violated: %v was relocated to %v", ref, to))
	default:
		panic(fmt.Sprintf("heap: to-space invariant violated: %v is not an object", ref))
	}
}

// PrettyTypeOf renders the class of the object at ref.
func (h *Heap) PrettyTypeOf(ref Ref) string {
	return h.Get(ref).PrettyTypeOf()
}

// Len returns the number of live objects.
func (h *Heap) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.objects)
}
