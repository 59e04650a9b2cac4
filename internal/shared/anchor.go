// Package shared defines the fixed-layout structures through which the
// installer (producer), the stub generator, and the consumer rendezvous:
// the anchor, the ring-buffer header, the 64-byte event slot, and the
// patch descriptor. Field offsets inside EventSlot are part of the wire
// contract — the stub generator embeds them as immediates in generated
// code (see internal/stubgen) — so EventSlotSize and the byte offsets
// documented on EventSlot must never change without a matching stub
// generator revision.
//
// Anchor is the "shared region" of spec.md §3: in the source system this
// is a block of public memory outliving the producer process. Here it is
// an ordinary Go value reached by every component through the *Anchor
// pointer returned by Install, with internal mutation guarded either by
// sync/atomic (the fields stubs touch on the hot path) or by the
// coordination primitive embedded in it (internal/coord).
package shared

import "sync/atomic"

// Magic is the sentinel written once at anchor creation and checked by
// every attaching consumer. The value has no significance beyond being a
// fixed, recognizable 32-bit pattern, mirroring spec.md §6.
const Magic uint32 = 0x41545243 // "ATRC"

// FormatVersion is the current anchor/event-slot format version. A
// consumer that observes a different version must refuse to attach.
const FormatVersion uint16 = 1

// Anchor is the named top-level structure through which the consumer and
// the installer rendezvous. It is allocated once by Install and
// registered under a well-known name in a process-wide registry
// (internal/coord.Registry) so that a later consumer process can find
// it without being handed the pointer directly.
type Anchor struct {
	// Magic and Version are write-once at creation (§3 invariants).
	Magic   uint32
	Version uint16

	// GlobalEnable is producer-readable (stubs check it on every call).
	// Only Quit writes it, storing 0; ENABLE/DISABLE, including their
	// all-patch form, change the per-patch Enabled flags and leave this
	// field alone, as does run-session teardown.
	GlobalEnable atomic.Uint32

	// Ring points at the ring-buffer header. It is set once at creation
	// and is only ever nulled by QUIT, under Coord held exclusively.
	Ring atomic.Pointer[Ring]

	// PatchCount and Patches describe the fixed-at-install-time array of
	// PatchDescriptors; neither changes after Install returns.
	PatchCount uint16
	Patches    []*PatchDescriptor

	// EventSequence is incremented by stubs (under the brief
	// interrupt-disable reservation window) once per produced event. It
	// wraps modulo 2^32 and is monotone non-decreasing across that wrap.
	EventSequence atomic.Uint32

	// EventsConsumed is informational, updated by the consumer poll loop.
	EventsConsumed atomic.Uint32

	// FilterTask, when non-zero, restricts every stub's event production
	// to calls whose caller identity equals this value — the run-mode
	// caller filter of spec.md §4.5.3. Zero is the "no filter" sentinel,
	// standing in for the source's null pointer check.
	FilterTask atomic.Uint32

	// Coord is the embedded named coordination primitive: shared-acquired
	// by the consumer once per poll, exclusively acquired only during
	// Reconfigure(QUIT). See internal/coord.
	Coord Coordinator

	// CritSection is the brief mutual-exclusion primitive guarding ring
	// cursor and overflow-counter mutations (internal/ring.Reserve's "a
	// few dozen instructions under brief interrupt-disable"). Unlike
	// Coord, which is a named semaphore for coarse producer/consumer
	// coordination, this stands for the source system's literal
	// Disable()/Enable() pair — system-wide on the real host, emulated
	// here as a single shared mutex so every stub's ring.Reserve and the
	// consumer poll loop's overflow snapshot contend on the exact same
	// primitive, reachable from the anchor the same way a real consumer
	// would only ever have the anchor, not the installer's private
	// state.
	CritSection Locker
}

// Locker is the minimal shape a brief critical-section primitive must
// satisfy; internal/coord.Spinlock is the concrete type used in
// production. Declared locally for the same import-cycle reason as
// Coordinator.
type Locker interface {
	Lock()
	Unlock()
}

// Coordinator is the minimal shape internal/coord.Primitive satisfies;
// declared here (rather than imported) so that internal/shared has no
// dependency on internal/coord and can be imported by every other
// package, including internal/coord's own tests, without a cycle.
type Coordinator interface {
	TryRLock() bool
	RUnlock()
	Lock()
	Unlock()
}

// NewAnchor allocates a fresh Anchor with the given coordination
// primitive and patch descriptor slots. The ring is attached separately
// via SetRing once internal/ring has allocated it, mirroring the
// dependency order leaves-first in spec.md §2.
func NewAnchor(coord Coordinator, patches []*PatchDescriptor) *Anchor {
	a := &Anchor{
		Magic:      Magic,
		Version:    FormatVersion,
		PatchCount: uint16(len(patches)),
		Patches:    patches,
		Coord:      coord,
	}
	a.GlobalEnable.Store(1)
	return a
}

// SetRing attaches the ring buffer to the anchor. Called exactly once,
// during Install, before the anchor is registered under its well-known
// name.
func (a *Anchor) SetRing(r *Ring) {
	a.Ring.Store(r)
}

// SetCritSection attaches the brief critical-section primitive. Called
// once, during Install, alongside SetRing.
func (a *Anchor) SetCritSection(l Locker) {
	a.CritSection = l
}

// Valid reports whether the anchor carries the expected magic and a
// format version this build understands. A mismatch on either must cause
// the caller to refuse to attach (spec.md §6).
func (a *Anchor) Valid() bool {
	return a.Magic == Magic && a.Version == FormatVersion
}
