package shared

import "sync/atomic"

// MinRingCapacity is the floor on ring-buffer slot count (spec.md §4.1:
// "ring capacity (default 8192 slots, floor 16)").
const MinRingCapacity = 16

// DefaultRingCapacity is used by Install when the caller does not
// override it.
const DefaultRingCapacity = 8192

// Ring is the fixed-slot, single-consumer event queue shared between
// every installed stub (many concurrent reservers, serialized only for
// the brief reservation window — see internal/ring) and the single
// consumer poll loop (internal/consumer). Capacity, the slot array, and
// the cursor fields are exactly the fields spec.md §3 "Ring buffer"
// names; the reservation/drain algorithms that operate on them live in
// internal/ring to keep this package limited to layout.
type Ring struct {
	Capacity uint32
	Slots    []EventSlot

	// WritePos is the index of the next slot to reserve. Mutated only
	// under the installer's brief Disable/Enable window (internal/ring).
	WritePos atomic.Uint32

	// ReadPos is the index of the next slot to drain. Mutated only by
	// the single consumer.
	ReadPos atomic.Uint32

	// Overflow counts drops since the last consumer read of it.
	Overflow atomic.Uint32
}

// NewRing allocates a Ring with the given capacity, rounding up to
// MinRingCapacity if necessary.
func NewRing(capacity uint32) *Ring {
	if capacity < MinRingCapacity {
		capacity = MinRingCapacity
	}
	return &Ring{
		Capacity: capacity,
		Slots:    make([]EventSlot, capacity),
	}
}

// Used returns the number of slots currently reserved-or-occupied:
// (write_pos - read_pos + capacity) mod capacity, per spec.md §3.
func (r *Ring) Used() uint32 {
	w := r.WritePos.Load()
	rd := r.ReadPos.Load()
	return (w - rd + r.Capacity) % r.Capacity
}

// Empty reports whether write_pos == read_pos.
func (r *Ring) Empty() bool {
	return r.WritePos.Load() == r.ReadPos.Load()
}
