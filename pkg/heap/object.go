// Package heap is the managed heap seen by stack frames: compressed
// references, objects with thin monitors, and object relocation.
package heap

import (
	"fmt"
	"sync"

	"github.com/daimatz/gostack/pkg/dex"
)

// Ref is a compressed 32-bit object reference. The zero value is null.
type Ref uint32

// Null is the null reference.
const Null Ref = 0

func (r Ref) IsNull() bool { return r == Null }

func (r Ref) String() string {
	if r == Null {
		return "null"
	}
	return fmt.Sprintf("%#x", uint32(r))
}

// Object is a managed object instance.
type Object struct {
	ClassName string
	Fields    map[string]Ref

	mu        sync.Mutex
	lockOwner uint32
	lockCount int
}

// MonitorEnter acquires the object's monitor for thread tid. Recursive
// acquisition by the owner increments the count.
func (o *Object) MonitorEnter(tid uint32) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lockCount > 0 && o.lockOwner != tid {
		return fmt.Errorf("monitor: %s held by thread %d", o.ClassName, o.lockOwner)
	}
	o.lockOwner = tid
	o.lockCount++
	return nil
}

// MonitorExit releases one level of the monitor held by thread tid.
func (o *Object) MonitorExit(tid uint32) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lockCount == 0 || o.lockOwner != tid {
		return fmt.Errorf("monitor: thread %d does not own %s", tid, o.ClassName)
	}
	o.lockCount--
	if o.lockCount == 0 {
		o.lockOwner = 0
	}
	return nil
}

// LockCount returns the recursion count and owner of the monitor.
func (o *Object) LockCount() (count int, owner uint32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lockCount, o.lockOwner
}

// PrettyTypeOf renders the class of the object in source form.
func (o *Object) PrettyTypeOf() string {
	if o == nil {
		return "null"
	}
	return dex.PrettyDescriptor(o.ClassName)
}
