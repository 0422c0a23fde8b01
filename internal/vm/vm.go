// Package vm holds the types the JIT shares with the rest of the runtime:
// opaque class and method references, the identity a class is re-resolved
// by after a collection, and the hooks used to resolve classes and to move
// a thread into a collector-visible state.
package vm

import "fmt"

// ClassRef is the address of a loaded class. Zero is no class.
type ClassRef uint64

const (
	NullClass ClassRef = 0
	// FakeClass is a non-null key that never equals a real class. It parks
	// a predicted cell whose callee cannot be chained.
	FakeClass ClassRef = 0xdeadc001
)

// Inert reports whether a predicted cell keyed by c can never match a
// receiver.
func (c ClassRef) Inert() bool { return c == NullClass || c == FakeClass }

func (c ClassRef) String() string {
	switch c {
	case NullClass:
		return "null"
	case FakeClass:
		return "fake"
	}
	return fmt.Sprintf("class@0x%x", uint64(c))
}

// MethodRef is the address of a method. Zero is no method.
type MethodRef uint64

// LoaderRef identifies a class loader. Zero is the boot loader.
type LoaderRef uint64

// ClassIdentity names a class without pointing at it, so it survives a
// collection that moves or unloads classes.
type ClassIdentity struct {
	Descriptor string
	Loader     LoaderRef
	// Serial is the load serial of the class the identity was taken from.
	Serial uint32
}

func (id ClassIdentity) String() string {
	return fmt.Sprintf("%s (loader %d, serial %d)", id.Descriptor, id.Loader, id.Serial)
}

// ClassResolver is the class subsystem as the JIT sees it. ResolveClass is
// only called while the calling thread is in a collector-visible state.
type ClassResolver interface {
	ResolveClass(descriptor string, loader LoaderRef) (ClassRef, error)
	// Identify returns the identity of a live class.
	Identify(c ClassRef) (ClassIdentity, bool)
}

// Method describes a callee for predicted chaining.
type Method struct {
	Ref    MethodRef
	Name   string
	Native bool
	// Code is the source address of the first instruction; compiled
	// translations are looked up by it.
	Code uint64
}

// Methods looks up callees.
type Methods interface {
	Method(m MethodRef) (Method, bool)
}

// ThreadState is the collector-visible state of a thread.
type ThreadState int

const (
	// Running threads may hold raw references and block a collection.
	Running ThreadState = iota
	// VMWait threads are stopped at a known point and the collector may
	// run under them.
	VMWait
)

func (s ThreadState) String() string {
	switch s {
	case Running:
		return "running"
	case VMWait:
		return "vm-wait"
	default:
		return fmt.Sprintf("ThreadState(%d)", int(s))
	}
}

// Thread is the compiler thread's handle on its own state.
type Thread interface {
	// SetState switches the thread and returns the previous state.
	SetState(s ThreadState) ThreadState
}

// Suspender reports whether any thread has been asked to suspend.
type Suspender interface {
	SuspendPending() bool
}
