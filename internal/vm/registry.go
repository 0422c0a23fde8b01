package vm

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrNoClass is returned when a descriptor is not loaded by a loader.
var ErrNoClass = errors.New("vm: class not found")

type classKey struct {
	descriptor string
	loader     LoaderRef
}

// Registry is an in-memory class and method table. It backs the command
// line tools and tests in place of a real runtime.
type Registry struct {
	mu      sync.RWMutex
	next    uint64
	serial  uint32
	byKey   map[classKey]ClassRef
	classes map[ClassRef]ClassIdentity
	methods map[MethodRef]Method

	state   atomic.Int32
	suspend atomic.Int32
}

var (
	_ ClassResolver = (*Registry)(nil)
	_ Methods       = (*Registry)(nil)
	_ Thread        = (*Registry)(nil)
	_ Suspender     = (*Registry)(nil)
)

func NewRegistry() *Registry {
	return &Registry{
		next:    0x10000,
		byKey:   make(map[classKey]ClassRef),
		classes: make(map[ClassRef]ClassIdentity),
		methods: make(map[MethodRef]Method),
	}
}

func (r *Registry) alloc() uint64 {
	r.next += 0x40
	return r.next
}

// DefineClass loads descriptor into loader. Loading it again replaces the
// class with a new reference and serial, as an unload and reload would.
func (r *Registry) DefineClass(descriptor string, loader LoaderRef) ClassRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := classKey{descriptor, loader}
	if old, ok := r.byKey[key]; ok {
		delete(r.classes, old)
	}
	r.serial++
	ref := ClassRef(r.alloc())
	r.byKey[key] = ref
	r.classes[ref] = ClassIdentity{Descriptor: descriptor, Loader: loader, Serial: r.serial}
	return ref
}

// UnloadClass forgets a class so it can no longer be resolved.
func (r *Registry) UnloadClass(c ClassRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.classes[c]
	if !ok {
		return
	}
	delete(r.classes, c)
	delete(r.byKey, classKey{id.Descriptor, id.Loader})
}

// MoveClass gives c a new address with the same identity, as a compacting
// collection would. It returns the new reference, or false if c is not
// loaded.
func (r *Registry) MoveClass(c ClassRef) (ClassRef, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.classes[c]
	if !ok {
		return NullClass, false
	}
	ref := ClassRef(r.alloc())
	delete(r.classes, c)
	r.classes[ref] = id
	r.byKey[classKey{id.Descriptor, id.Loader}] = ref
	return ref, true
}

func (r *Registry) ResolveClass(descriptor string, loader LoaderRef) (ClassRef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ref, ok := r.byKey[classKey{descriptor, loader}]
	if !ok {
		return NullClass, fmt.Errorf("%w: %s (loader %d)", ErrNoClass, descriptor, loader)
	}
	return ref, nil
}

func (r *Registry) Identify(c ClassRef) (ClassIdentity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.classes[c]
	return id, ok
}

// DefineMethod registers a callee whose code starts at source address code.
func (r *Registry) DefineMethod(name string, native bool, code uint64) MethodRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref := MethodRef(r.alloc())
	r.methods[ref] = Method{Ref: ref, Name: name, Native: native, Code: code}
	return ref
}

func (r *Registry) Method(m MethodRef) (Method, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.methods[m]
	return info, ok
}

func (r *Registry) SetState(s ThreadState) ThreadState {
	return ThreadState(r.state.Swap(int32(s)))
}

// State is the state last set through SetState.
func (r *Registry) State() ThreadState { return ThreadState(r.state.Load()) }

// RequestSuspend raises (or with false, lowers) the pending suspension
// count.
func (r *Registry) RequestSuspend(on bool) {
	if on {
		r.suspend.Add(1)
	} else {
		r.suspend.Add(-1)
	}
}

func (r *Registry) SuspendPending() bool { return r.suspend.Load() != 0 }
