// Package hostos stands in for the parts of the source system's host OS
// that the tracer core treats as given: a library's negative-offset jump
// table, the currently executing task's identity, and the
// interrupt-disable/enable pair stubs use to protect shared cursors.
//
// spec.md assumes these exist already (they are the host OS's job, not
// the tracer's); this package is the one genuinely new abstraction the
// Go rewrite needs, because Go has no equivalent of "patch byte N of
// this shared library's jump table" or "read the scheduler's current
// task pointer" — both become explicit, typed values instead of raw
// memory.
package hostos

import (
	"fmt"
	"sync"

	"github.com/atrace/atrace/internal/shared"
)

// Target is a callable jump-table entry. argCount tells the target how
// many of args are meaningful; the stub layer (internal/installer) is
// the only caller that needs to know the distinction between "argument
// not supplied" and "argument is zero".
type Target func(caller shared.CallerID, args []uint32) int32

// Library models one shared library's base pointer and negative-offset
// jump table (spec.md glossary "Jump-table offset (LVO)"). Swap is the
// single operation the installer needs: atomically replace the target at
// a given LVO and return the previous one, so the new stub can forward
// to it.
type Library struct {
	Name string
	ID   uint8

	mu    sync.RWMutex
	slots map[int16]Target
}

// NewLibrary creates a Library with the given static jump-table entries
// already populated — the "base library" before any patching, as if it
// had just been opened via OpenLibrary.
func NewLibrary(name string, id uint8, initial map[int16]Target) *Library {
	slots := make(map[int16]Target, len(initial))
	for k, v := range initial {
		slots[k] = v
	}
	return &Library{Name: name, ID: id, slots: slots}
}

// Swap replaces the target at lvo with next and returns the previous
// target. It is the Go equivalent of spec.md §4.1 step 3: "under brief
// interrupt-disable: swap the jump-table entry". Callers are expected to
// hold whatever interrupt-disable emulation (internal/coord.Spinlock)
// the installer uses around the whole install sequence; Swap itself only
// guarantees atomicity of the map mutation.
func (l *Library) Swap(lvo int16, next Target) (previous Target, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	previous, ok := l.slots[lvo]
	if !ok {
		return nil, fmt.Errorf("hostos: library %q has no jump-table entry at lvo %d", l.Name, lvo)
	}
	l.slots[lvo] = next
	return previous, nil
}

// Call invokes the current target at lvo — this is what application
// code does every time it calls a patched function: address the library
// base plus the fixed displacement and jump there. Call panics if lvo is
// not a registered entry, mirroring a real jump-table miss being a
// build-time-impossible condition once installed.
func (l *Library) Call(lvo int16, caller shared.CallerID, args []uint32) int32 {
	l.mu.RLock()
	target := l.slots[lvo]
	l.mu.RUnlock()
	if target == nil {
		panic(fmt.Sprintf("hostos: library %q: no target at lvo %d", l.Name, lvo))
	}
	return target(caller, args)
}

// Registry resolves a library by name, the Go stand-in for
// OpenLibrary/base-pointer discovery (spec.md §4.1: "discovering a
// library's base pointer").
type Registry struct {
	mu   sync.RWMutex
	libs map[string]*Library
}

// NewRegistry creates an empty library registry.
func NewRegistry() *Registry {
	return &Registry{libs: make(map[string]*Library)}
}

// Open registers lib under its own name, returning it for convenience.
// In the source system OpenLibrary increments a use count and may load
// the library from disk; here every library the tracer cares about is
// constructed up front and Open is pure registration.
func (r *Registry) Open(lib *Library) *Library {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.libs[lib.Name] = lib
	return lib
}

// Lookup returns the named library, or ok=false if it has not been
// opened.
func (r *Registry) Lookup(name string) (lib *Library, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lib, ok = r.libs[name]
	return lib, ok
}

// Scheduler is the Go stand-in for "the OS scheduler's current-task
// pointer" (spec.md glossary "Caller identity"). The real system reads
// this ambiently from a CPU register or fixed low-memory location;
// nothing in Go gives a stub equivalent ambient access to "which
// goroutine is calling me", so simulated application code passes its own
// CallerID explicitly into every traced call (see hostos.Library.Call),
// and Scheduler exists only to hand out fresh identities and to let the
// caller-name cache (internal/consumer) resolve one back to a name,
// mirroring walking the OS's ready/waiting task lists.
type Scheduler struct {
	mu    sync.RWMutex
	names map[shared.CallerID]string
	next  uint32
}

// NewScheduler creates an empty Scheduler. ID 0 is reserved as the "no
// task" sentinel and is never handed out by Spawn.
func NewScheduler() *Scheduler {
	return &Scheduler{names: make(map[shared.CallerID]string), next: 1}
}

// Spawn creates a new task identity with the given human-readable name
// (e.g. a CLI-number-prefixed shell name) and returns it.
func (s *Scheduler) Spawn(name string) shared.CallerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := shared.CallerID(s.next)
	s.next++
	s.names[id] = name
	return id
}

// Exit removes a task's identity from the scheduler, as if the process
// had terminated; a later NameOf for the same id returns ok=false.
func (s *Scheduler) Exit(id shared.CallerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.names, id)
}

// NameOf resolves a caller identity to a human-readable name. ok is
// false if the task is unknown or has already exited — the "miss" case
// the caller-name cache falls back from (spec.md §4.5.1).
func (s *Scheduler) NameOf(id shared.CallerID) (name string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok = s.names[id]
	return name, ok
}

// Snapshot returns a copy of every currently known (id, name) pair, the
// Go stand-in for "walking the OS's ready and waiting task lists" that
// the caller-name cache's periodic refresh performs (spec.md §4.5.1).
func (s *Scheduler) Snapshot() map[shared.CallerID]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[shared.CallerID]string, len(s.names))
	for k, v := range s.names {
		out[k] = v
	}
	return out
}

// AddressSpace is the Go stand-in for "the single, flat, shared address
// space every task already runs in" (spec.md glossary): a stub that
// wants to capture a C-string argument cannot call into Go's memory
// model to dereference an arbitrary uint32, so simulated application
// code registers the strings it passes by pointer value here, and a
// stub's string capture becomes an AddressSpace lookup instead.
type AddressSpace struct {
	mu     sync.RWMutex
	values map[uint32]string
	next   uint32
}

// NewAddressSpace creates an empty AddressSpace. Pointer 0 is reserved
// as the null pointer and is never handed out by Put.
func NewAddressSpace() *AddressSpace {
	return &AddressSpace{values: make(map[uint32]string), next: 1}
}

// Put stores s at a freshly allocated pointer and returns it, as if the
// simulated caller had built a BSTR/C string in its own memory before
// issuing the traced call.
func (a *AddressSpace) Put(s string) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	ptr := a.next
	a.next++
	a.values[ptr] = s
	return ptr
}

// Resolve reads back the string stored at ptr. It returns "" for ptr
// == 0 or an unknown pointer, matching the null-argument convention
// shared.EventSlot.SetStringData already treats as "no string
// captured".
func (a *AddressSpace) Resolve(ptr uint32) string {
	if ptr == 0 {
		return ""
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.values[ptr]
}
