package vm

import (
	"fmt"
	"slices"

	"github.com/daimatz/gostack/pkg/heap"
)

// LockCountData records the monitors an interpreted frame has entered, so
// that structured locking can be checked when the frame exits. The list is
// created on first use and may hold the same object more than once.
type LockCountData struct {
	monitors []heap.Ref
}

// AddMonitor records that self entered obj's monitor. Null objects are
// ignored. If an exception is pending the monitor-enter failed and nothing
// is recorded.
func (d *LockCountData) AddMonitor(self *Thread, obj heap.Ref) {
	if obj == heap.Null {
		return
	}
	if self.IsExceptionPending() {
		return
	}
	d.monitors = append(d.monitors, obj)
}

// RemoveMonitorOrThrow drops one record of obj. If the frame never entered
// obj, any pending exception is replaced by IllegalMonitorStateException.
func (d *LockCountData) RemoveMonitorOrThrow(self *Thread, obj heap.Ref) {
	if obj == heap.Null {
		return
	}
	if i := slices.Index(d.monitors, obj); i >= 0 {
		d.monitors = slices.Delete(d.monitors, i, i+1)
		return
	}
	self.ClearException()
	self.ThrowNewException(IllegalMonitorStateException,
		fmt.Sprintf("did not lock monitor on object of type '%s' before unlocking", self.rt.heap.PrettyTypeOf(obj)))
	self.rt.log.Warn("unlock of a monitor not held by the frame", "thread", self.id, "object", obj)
}

// CheckAllMonitorsReleasedOrThrow reports whether every recorded monitor was
// released. Otherwise it force-releases the leftovers, raises
// IllegalMonitorStateException for the first of them and returns false.
func (d *LockCountData) CheckAllMonitorsReleasedOrThrow(self *Thread) bool {
	if len(d.monitors) == 0 {
		return true
	}
	self.ClearException()
	for _, obj := range d.monitors {
		if o := self.rt.heap.Get(obj); o != nil {
			// Failures are expected here: the frame may never have held obj.
			_ = o.MonitorExit(self.id)
		}
	}
	self.ThrowNewException(IllegalMonitorStateException,
		fmt.Sprintf("did not unlock monitor on object of type '%s'", self.rt.heap.PrettyTypeOf(d.monitors[0])))
	self.rt.log.Warn("frame exited holding monitors", "thread", self.id, "count", len(d.monitors))
	d.monitors = nil
	return false
}

// VisitMonitors calls fn with the address of every recorded monitor so a
// collector can rewrite them in place.
func (d *LockCountData) VisitMonitors(fn func(obj *heap.Ref)) {
	for i := range d.monitors {
		fn(&d.monitors[i])
	}
}

// Len returns the number of recorded monitor entries.
func (d *LockCountData) Len() int {
	return len(d.monitors)
}
