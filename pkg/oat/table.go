package oat

import (
	"fmt"
	"sync"

	"github.com/daimatz/gostack/pkg/isa"
)

// Table maps method addresses to their compiled code.
type Table struct {
	isa     isa.InstructionSet
	mu      sync.RWMutex
	headers map[uint64][]*MethodHeader
}

// NewTable creates an empty table for code compiled for set.
func NewTable(set isa.InstructionSet) *Table {
	return &Table{isa: set, headers: make(map[uint64][]*MethodHeader)}
}

// Register attaches compiled code to the method at methodAddress. Code
// ranges must not overlap other code of the same method.
func (t *Table) Register(methodAddress uint64, h *MethodHeader) error {
	if err := h.FrameInfo.Validate(t.isa); err != nil {
		return fmt.Errorf("oat: register code at %#x: %w", h.CodeStart, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, other := range t.headers[methodAddress] {
		if h.CodeStart < other.CodeStart+uint64(other.CodeSize) && other.CodeStart < h.CodeStart+uint64(h.CodeSize) {
			return fmt.Errorf("oat: code at %#x overlaps code at %#x", h.CodeStart, other.CodeStart)
		}
	}
	t.headers[methodAddress] = append(t.headers[methodAddress], h)
	return nil
}

// Lookup finds the code of a method that contains pc. A pc of zero means the
// pc is unknown and only succeeds when the method has a single piece of code.
func (t *Table) Lookup(methodAddress, pc uint64) (*MethodHeader, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	hs := t.headers[methodAddress]
	if pc == 0 {
		if len(hs) == 1 {
			return hs[0], true
		}
		return nil, false
	}
	for _, h := range hs {
		if h.Contains(pc) {
			return h, true
		}
	}
	return nil, false
}
