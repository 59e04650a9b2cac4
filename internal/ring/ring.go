// Package ring implements the reservation and drain algorithms that
// operate on a shared.Ring (spec.md §4.3).
//
// The producer side (Reserve) is called by every installed stub, from
// whatever goroutine is executing the traced call; many can race to
// reserve a slot. The design borrows the shape of internal/disruptor in
// the order-matching-engine example pack member — a single cursor gated
// by a "how far ahead of the consumer can we get" check — but advances
// the cursor with a plain load and store inside a short critical
// section rather than with compare-and-swap. spec.md models
// the host OS's brief interrupt-disable window as the thing that
// protects write_pos; here that window is a short-held mutex
// (internal/coord.Spinlock), which gives the same "one reserver at a
// time, no suspension inside the window" guarantee on a preemptible,
// multi-goroutine host without requiring true OS-level interrupt
// masking.
//
// The consumer side (Drain) is the single poll-loop caller described in
// spec.md §4.4; it is not safe for concurrent callers and the package
// does not attempt to make it so, matching the spec's single-consumer
// design.
package ring

import (
	"sync/atomic"

	"github.com/atrace/atrace/internal/shared"
)

// Reservation is the result of successfully reserving a ring slot: the
// slot itself, ready for the stub to populate, and the sequence number
// assigned to it.
type Reservation struct {
	Slot     *shared.EventSlot
	Sequence uint32
}

// Reserve attempts to claim the next ring slot under the brief
// interrupt-disable window emulated by lock. It implements spec.md §4.2
// step 5 and §4.3's overflow contract:
//
//   - reads write_pos, computes next = (write_pos+1) mod capacity
//   - if next == read_pos, the ring is full: increments overflow and
//     returns ok=false without advancing write_pos
//   - otherwise advances write_pos, reads-and-increments the anchor's
//     event sequence, and returns the reserved slot
//
// lock.Lock/Unlock bound the critical section to exactly these few
// operations, matching the spec's "a few dozen instructions" window —
// callers must not do anything else while holding it.
func Reserve(r *shared.Ring, seq *atomic.Uint32, lock Locker) (Reservation, bool) {
	lock.Lock()
	defer lock.Unlock()

	w := r.WritePos.Load()
	rd := r.ReadPos.Load()
	next := (w + 1) % r.Capacity

	if next == rd {
		r.Overflow.Add(1)
		return Reservation{}, false
	}

	r.WritePos.Store(next)
	sequence := seq.Add(1)

	return Reservation{
		Slot:     &r.Slots[w],
		Sequence: sequence,
	}, true
}

// Locker is the brief-critical-section primitive Reserve needs. A plain
// *sync.Mutex satisfies it; internal/coord.Spinlock is the concrete type
// used in production to keep the naming consistent with spec.md's
// "interrupt-disable" language.
type Locker interface {
	Lock()
	Unlock()
}

// Drained is one event handed to the consumer by Drain, identifying
// which slot it came from so the caller can zero Valid and advance
// read_pos once it has finished formatting the event.
type Drained struct {
	Slot  *shared.EventSlot
	Index uint32
}

// Drain returns up to maxBatch ready slots starting at read_pos, without
// advancing read_pos itself — advancing happens one at a time via
// Advance, so that a consumer which crashes mid-batch never loses the
// "exclusive to the consumer until Valid is zeroed" invariant on a slot
// it hasn't actually processed yet (spec.md §4.3).
//
// Drain stops early, short of maxBatch, at the first slot whose Valid
// bit is still zero — a reservation made but not yet filled, which must
// not be skipped over (spec.md §4.4 step 3, §8 "pre-call validity").
func Drain(r *shared.Ring, maxBatch int) []Drained {
	out := make([]Drained, 0, maxBatch)
	idx := r.ReadPos.Load()
	w := r.WritePos.Load()

	for len(out) < maxBatch && idx != w {
		slot := &r.Slots[idx]
		if !slot.Valid() {
			break
		}
		out = append(out, Drained{Slot: slot, Index: idx})
		idx = (idx + 1) % r.Capacity
	}
	return out
}

// Advance zeroes a drained slot's Valid bit and moves read_pos past it.
// Callers must advance slots strictly in the order Drain returned them.
func Advance(r *shared.Ring, d Drained) {
	d.Slot.SetValid(false)
	r.ReadPos.Store((d.Index + 1) % r.Capacity)
}

// SnapshotAndResetOverflow reads ring.Overflow and zeroes it atomically
// (from the consumer's point of view — spec.md §4.4 step 4: "snapshot
// ring.overflow under interrupt-disable, zero it"). lock bounds that
// window the same way Reserve's does, so a stub mid-reservation can
// never observe a half-reset counter.
func SnapshotAndResetOverflow(r *shared.Ring, lock Locker) uint32 {
	lock.Lock()
	defer lock.Unlock()
	n := r.Overflow.Load()
	r.Overflow.Store(0)
	return n
}

// DrainAndDiscardAll implements the global-disable backlog flush of
// spec.md §7: "stale events already reserved in the ring are explicitly
// drained by zeroing valid in each occupied slot and advancing
// read_pos = write_pos atomically". It discards data rather than
// reporting it, which is intentional (spec.md §9 open question). It
// returns the number of slots discarded and does not add them to
// events_consumed; the caller decides what to do with the count.
func DrainAndDiscardAll(r *shared.Ring, lock Locker) (discarded uint32) {
	lock.Lock()
	defer lock.Unlock()

	rd := r.ReadPos.Load()
	w := r.WritePos.Load()
	for idx := rd; idx != w; idx = (idx + 1) % r.Capacity {
		r.Slots[idx].SetValid(false)
	}
	discarded = (w - rd + r.Capacity) % r.Capacity
	r.ReadPos.Store(w)
	return discarded
}
