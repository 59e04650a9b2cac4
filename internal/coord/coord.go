// Package coord implements the named coordination primitive embedded in
// shared.Anchor (spec.md §3 "Embedded coordination primitive", §6
// "Discovery"). On the source system this is a named semaphore-like
// object: discoverable by name through the OS's process-wide registry,
// and usable for shared-read (consumer poll) or exclusive-write
// (producer shutdown) locking between the two sides.
//
// Primitive is a straightforward sync.RWMutex wrapped to expose the
// vocabulary spec.md uses (TryRLock rather than "poll fails, meaning
// producer is reconfiguring") and registered in a Registry keyed by
// name, the Go stand-in for the host OS's name lookup.
package coord

import "sync"

// Primitive is the coordination object embedded in an anchor. The
// consumer poll loop calls TryRLock once per tick (spec.md §4.4 step 1);
// Reconfigure's QUIT path calls Lock to get exclusive access while it
// tears the ring down (spec.md §4.1).
type Primitive struct {
	mu sync.RWMutex
}

// TryRLock attempts a non-blocking shared acquire. It returns false
// immediately if an exclusive holder (producer shutdown or a
// reconfigure) currently owns the lock, letting the consumer skip this
// poll rather than stall (spec.md §4.4 step 1, §5 "never holds ... across
// a suspension").
func (p *Primitive) TryRLock() bool {
	return p.mu.TryRLock()
}

// RUnlock releases a shared hold acquired via TryRLock.
func (p *Primitive) RUnlock() {
	p.mu.RUnlock()
}

// Lock acquires the primitive exclusively, used only during producer
// shutdown (Reconfigure QUIT) to synchronize with any consumer poll in
// flight (spec.md §4.1).
func (p *Primitive) Lock() {
	p.mu.Lock()
}

// Unlock releases an exclusive hold.
func (p *Primitive) Unlock() {
	p.mu.Unlock()
}

// Spinlock is the brief interrupt-disable stand-in used by
// internal/ring.Reserve and by Reconfigure's overflow-snapshot/backlog
// flush steps. It is a distinct type from Primitive — on the source
// system these are different mechanisms (Disable()/Enable() versus a
// named semaphore) even though both are "mutual exclusion" in Go terms —
// so that a reviewer tracing which spec.md operation protects which
// field does not have to guess from a shared type name.
type Spinlock struct {
	mu sync.Mutex
}

// Lock disables interrupts (conceptually) for the brief window a caller
// needs to touch ring cursors or anchor counters.
func (s *Spinlock) Lock() { s.mu.Lock() }

// Unlock re-enables interrupts.
func (s *Spinlock) Unlock() { s.mu.Unlock() }

// Registry is the process-wide name lookup every tracer instance
// registers its anchor under (spec.md §6 "Discovery": "a named primitive
// ... exposed on the host OS's process-wide name registry"). A single
// package-level instance (Global) stands in for that registry within one
// Go process; tests construct their own Registry to avoid cross-test
// interference.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]any
}

// NewRegistry returns an empty name registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]any)}
}

// Global is the process-wide registry Install and Quit fall back to when
// no Registry is supplied. cmd/loader and cmd/atraced each construct
// their own with NewRegistry. Tests should prefer NewRegistry.
var Global = NewRegistry()

// Register publishes value under name, overwriting any prior
// registration. The installer calls this once Install has finished
// allocating the anchor, ring, and patch array (spec.md §4.1).
func (r *Registry) Register(name string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = value
}

// Lookup returns the value registered under name, or ok=false if none
// is registered — the path a consumer takes to discover the anchor.
func (r *Registry) Lookup(name string) (value any, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	value, ok = r.entries[name]
	return value, ok
}

// Unregister removes name from the registry. Reconfigure's QUIT calls
// this after acquiring the anchor's Primitive exclusively, so that no
// new consumer can discover the anchor mid-shutdown (spec.md §4.1).
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// AnchorName is the well-known registry name for the tracer anchor
// (spec.md §6: "atrace_patches (or an implementation-chosen equivalent
// stable name)").
const AnchorName = "atrace_patches"
