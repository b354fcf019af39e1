package vm

import (
	"strings"
	"testing"

	"github.com/daimatz/gostack/pkg/heap"
	"github.com/daimatz/gostack/pkg/isa"
)

func TestLockCountData(t *testing.T) {
	rt := newTestRuntime(t, isa.Arm64)
	th := rt.NewThread("locker")
	obj := rt.Heap().Allocate("Ljava/lang/Object;")

	t.Run("add then remove", func(t *testing.T) {
		var d LockCountData
		d.AddMonitor(th, obj)
		d.RemoveMonitorOrThrow(th, obj)
		if d.Len() != 0 {
			t.Errorf("Len: got %d, want 0", d.Len())
		}
		if !d.CheckAllMonitorsReleasedOrThrow(th) {
			t.Error("CheckAllMonitorsReleasedOrThrow on empty set: got false, want true")
		}
		if th.IsExceptionPending() {
			t.Errorf("unexpected exception: %v", th.Exception())
		}
	})

	t.Run("recursive locking", func(t *testing.T) {
		var d LockCountData
		d.AddMonitor(th, obj)
		d.AddMonitor(th, obj)
		d.RemoveMonitorOrThrow(th, obj)
		if d.Len() != 1 {
			t.Errorf("Len: got %d, want 1", d.Len())
		}
	})

	t.Run("null objects are ignored", func(t *testing.T) {
		var d LockCountData
		d.AddMonitor(th, heap.Null)
		d.RemoveMonitorOrThrow(th, heap.Null)
		if d.Len() != 0 || th.IsExceptionPending() {
			t.Errorf("Len %d, exception %v", d.Len(), th.Exception())
		}
	})

	t.Run("add with pending exception", func(t *testing.T) {
		var d LockCountData
		th.ThrowNewException("Ljava/lang/NullPointerException;", "")
		defer th.ClearException()
		d.AddMonitor(th, obj)
		if d.Len() != 0 {
			t.Errorf("Len: got %d, want 0", d.Len())
		}
	})

	t.Run("unbalanced remove", func(t *testing.T) {
		var d LockCountData
		other := rt.Heap().Allocate("LOther;")
		d.AddMonitor(th, other)
		th.ThrowNewException("Ljava/lang/ArithmeticException;", "divide by zero")
		d.RemoveMonitorOrThrow(th, obj)
		defer th.ClearException()

		e := th.Exception()
		if e == nil || e.Descriptor != IllegalMonitorStateException {
			t.Fatalf("exception: got %v, want IllegalMonitorStateException", e)
		}
		want := "did not lock monitor on object of type 'java.lang.Object' before unlocking"
		if e.Message != want {
			t.Errorf("message: got %q, want %q", e.Message, want)
		}
		if d.Len() != 1 {
			t.Errorf("set changed: Len got %d, want 1", d.Len())
		}
	})

	t.Run("unreleased monitors", func(t *testing.T) {
		var d LockCountData
		o := rt.Heap().Get(obj)
		if err := o.MonitorEnter(th.ID()); err != nil {
			t.Fatal(err)
		}
		d.AddMonitor(th, obj)
		if d.CheckAllMonitorsReleasedOrThrow(th) {
			t.Fatal("CheckAllMonitorsReleasedOrThrow: got true, want false")
		}
		defer th.ClearException()
		e := th.Exception()
		if e == nil || !strings.Contains(e.Error(), "did not unlock monitor on object of type 'java.lang.Object'") {
			t.Errorf("exception: got %v", e)
		}
		if count, _ := o.LockCount(); count != 0 {
			t.Errorf("monitor still held: count %d", count)
		}
		if d.Len() != 0 {
			t.Errorf("Len: got %d, want 0", d.Len())
		}
	})
}

func TestLockCountDataVisitMonitors(t *testing.T) {
	rt := newTestRuntime(t, isa.Arm64)
	th := rt.NewThread("locker")
	h := rt.Heap()
	a, b := h.Allocate("LA;"), h.Allocate("LB;")

	var d LockCountData
	d.AddMonitor(th, a)
	d.AddMonitor(th, b)
	d.AddMonitor(th, a)

	moved := map[heap.Ref]heap.Ref{}
	d.VisitMonitors(func(obj *heap.Ref) {
		to, err := h.Relocate(*obj)
		if err != nil {
			t.Fatal(err)
		}
		moved[*obj] = to
		*obj = to
	})
	d.RemoveMonitorOrThrow(th, moved[a])
	d.RemoveMonitorOrThrow(th, moved[b])
	d.RemoveMonitorOrThrow(th, moved[a])
	if th.IsExceptionPending() {
		t.Fatalf("relocated monitors not found: %v", th.Exception())
	}
}
