package vm

import (
	"errors"
	"testing"
)

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry()
	a := r.DefineClass("LFoo;", 0)
	b := r.DefineClass("LFoo;", 7)
	if a == b || a.Inert() || b.Inert() {
		t.Fatalf("classes a=%v b=%v", a, b)
	}

	got, err := r.ResolveClass("LFoo;", 7)
	if err != nil || got != b {
		t.Fatalf("ResolveClass()=%v, %v; want %v", got, err, b)
	}
	id, ok := r.Identify(a)
	if !ok || id.Descriptor != "LFoo;" || id.Loader != 0 {
		t.Fatalf("Identify()=%+v, %v", id, ok)
	}

	if _, err := r.ResolveClass("LBar;", 0); !errors.Is(err, ErrNoClass) {
		t.Fatalf("missing class err=%v", err)
	}
}

func TestRegistryReloadChangesSerial(t *testing.T) {
	r := NewRegistry()
	old := r.DefineClass("LFoo;", 1)
	oldID, _ := r.Identify(old)
	fresh := r.DefineClass("LFoo;", 1)
	freshID, _ := r.Identify(fresh)

	if fresh == old || freshID.Serial == oldID.Serial {
		t.Fatalf("reload kept %v serial %d", fresh, freshID.Serial)
	}
	if _, ok := r.Identify(old); ok {
		t.Fatalf("stale class still identifiable")
	}

	r.UnloadClass(fresh)
	if _, err := r.ResolveClass("LFoo;", 1); err == nil {
		t.Fatalf("unloaded class resolved")
	}
}

func TestThreadStateAndSuspend(t *testing.T) {
	r := NewRegistry()
	if prev := r.SetState(VMWait); prev != Running {
		t.Fatalf("previous state=%v, want running", prev)
	}
	if r.State() != VMWait {
		t.Fatalf("state=%v", r.State())
	}
	r.RequestSuspend(true)
	if !r.SuspendPending() {
		t.Fatalf("suspend not pending")
	}
	r.RequestSuspend(false)
	if r.SuspendPending() {
		t.Fatalf("suspend still pending")
	}
}

func TestInertKeys(t *testing.T) {
	if !NullClass.Inert() || !FakeClass.Inert() || ClassRef(0x1000).Inert() {
		t.Fatalf("Inert() misclassifies keys")
	}
}

func TestRegistryMoveKeepsIdentity(t *testing.T) {
	r := NewRegistry()
	c := r.DefineClass("LFoo;", 2)
	id, _ := r.Identify(c)

	moved, ok := r.MoveClass(c)
	if !ok || moved == c {
		t.Fatalf("MoveClass()=%v, %v", moved, ok)
	}
	if got, _ := r.Identify(moved); got != id {
		t.Fatalf("identity after move=%+v, want %+v", got, id)
	}
	if got, err := r.ResolveClass("LFoo;", 2); err != nil || got != moved {
		t.Fatalf("ResolveClass()=%v, %v; want %v", got, err, moved)
	}
	if _, ok := r.MoveClass(c); ok {
		t.Fatalf("old address moved twice")
	}
}
