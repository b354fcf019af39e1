package heap

import "testing"

func TestObjectFields(t *testing.T) {
	h := New()

	t.Run("reference field", func(t *testing.T) {
		outer := h.Allocate("LContainer;")
		inner := h.Allocate("LInner;")
		h.Get(outer).Fields["child"] = inner

		if got := h.Get(outer).Fields["child"]; got != inner {
			t.Errorf("field child: got %v, want %v", got, inner)
		}
	})

	t.Run("class name preserved", func(t *testing.T) {
		ref := h.Allocate("Ljava/util/HashMap;")
		if got := h.Get(ref).ClassName; got != "Ljava/util/HashMap;" {
			t.Errorf("class name: got %q, want %q", got, "Ljava/util/HashMap;")
		}
		if got := h.PrettyTypeOf(ref); got != "java.util.HashMap" {
			t.Errorf("PrettyTypeOf: got %q, want %q", got, "java.util.HashMap")
		}
	})

	t.Run("null", func(t *testing.T) {
		if h.Get(Null) != nil {
			t.Error("Get(Null): expected nil")
		}
		if got := h.PrettyTypeOf(Null); got != "null" {
			t.Errorf("PrettyTypeOf(Null): got %q", got)
		}
	})
}

func TestRelocate(t *testing.T) {
	h := New()
	ref := h.Allocate("LPoint;")
	obj := h.Get(ref)

	to, err := h.Relocate(ref)
	if err != nil {
		t.Fatal(err)
	}
	if to == ref {
		t.Fatal("relocated object kept its address")
	}
	if h.Get(to) != obj {
		t.Error("relocated object identity changed")
	}
	if h.IsLive(ref) {
		t.Error("old address still live")
	}
	if fwd, ok := h.Forwardee(ref); !ok || fwd != to {
		t.Errorf("Forwardee: got %v, %v; want %v, true", fwd, ok, to)
	}

	again, err := h.Relocate(ref)
	if err != nil || again != to {
		t.Errorf("second Relocate: got %v, %v; want %v, nil", again, err, to)
	}

	if _, err := h.Relocate(Ref(0xdead0)); err == nil {
		t.Error("Relocate of unknown ref: expected error")
	}
	if h.Len() != 1 {
		t.Errorf("Len: got %d, want 1", h.Len())
	}
}

func TestAssertToSpaceInvariant(t *testing.T) {
	h := New()
	ref := h.Allocate("LPoint;")
	h.AssertToSpaceInvariant(ref)
	h.AssertToSpaceInvariant(Null)

	if _, err := h.Relocate(ref); err != nil {
		t.Fatal(err)
	}

	defer func() {
		if recover() == nil {
			t.Error("expected panic for stale reference")
		}
	}()
	h.AssertToSpaceInvariant(ref)
}

func TestMonitor(t *testing.T) {
	h := New()
	obj := h.Get(h.Allocate("LLock;"))

	if err := obj.MonitorEnter(1); err != nil {
		t.Fatal(err)
	}
	if err := obj.MonitorEnter(1); err != nil {
		t.Fatal(err)
	}
	if err := obj.MonitorEnter(2); err == nil {
		t.Error("MonitorEnter by another thread: expected error")
	}
	if count, owner := obj.LockCount(); count != 2 || owner != 1 {
		t.Errorf("LockCount: got %d, %d; want 2, 1", count, owner)
	}
	if err := obj.MonitorExit(2); err == nil {
		t.Error("MonitorExit by non-owner: expected error")
	}
	for i := 0; i < 2; i++ {
		if err := obj.MonitorExit(1); err != nil {
			t.Fatal(err)
		}
	}
	if err := obj.MonitorExit(1); err == nil {
		t.Error("MonitorExit of free monitor: expected error")
	}
}
