package ring

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/atrace/atrace/internal/shared"
)

func newTestRing(t *testing.T, capacity uint32) (*shared.Ring, *atomic.Uint32, *sync.Mutex) {
	t.Helper()
	r := shared.NewRing(capacity)
	var seq atomic.Uint32
	var lock sync.Mutex
	return r, &seq, &lock
}

// TestReserveFIFO is the ring-FIFO testable property of spec.md §8: for
// any interleaving of concurrent producer reservations with a single
// consumer draining alongside them, observed sequence values are
// strictly non-decreasing and match reservation order. Multiple stub
// call sites race on Reserve (spec.md §4.2's many-callers model); only
// one goroutine ever calls Drain/Advance, matching the single-consumer
// design (spec.md §4.3).
func TestReserveFIFO(t *testing.T) {
	r, seq, lock := newTestRing(t, 64)

	const perProducer = 200
	const producers = 8
	var wg sync.WaitGroup
	done := make(chan struct{})

	var reserved atomic.Int64
	for g := 0; g < producers; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				for {
					res, ok := Reserve(r, seq, lock)
					if ok {
						res.Slot.SetSequence(res.Sequence)
						res.Slot.SetValid(true)
						reserved.Add(1)
						break
					}
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	var last uint32
	count := 0
consume:
	for {
		for _, d := range Drain(r, 16) {
			require.GreaterOrEqual(t, d.Slot.Sequence(), last, "sequence must be non-decreasing")
			last = d.Slot.Sequence()
			count++
			Advance(r, d)
		}
		select {
		case <-done:
			if int64(count) >= reserved.Load() && r.Empty() {
				break consume
			}
		default:
		}
	}

	require.Equal(t, producers*perProducer, count)
}

// TestOverflowAccounting verifies spec.md §8: successful reservations +
// overflow == production attempts, for a ring too small to hold a burst.
func TestOverflowAccounting(t *testing.T) {
	r, seq, lock := newTestRing(t, 16)

	attempts := 17
	successes := 0
	for i := 0; i < attempts; i++ {
		_, ok := Reserve(r, seq, lock)
		if ok {
			successes++
		}
	}

	require.Equal(t, 15, successes, "a 16-slot ring can hold capacity-1 reservations before full")
	require.Equal(t, uint32(attempts-successes), r.Overflow.Load())
}

// TestDrainStopsAtInvalidSlot verifies that Drain never skips over a
// reserved-but-not-yet-filled slot (spec.md §8 "pre-call validity").
func TestDrainStopsAtInvalidSlot(t *testing.T) {
	r, seq, lock := newTestRing(t, 16)

	res1, ok := Reserve(r, seq, lock)
	require.True(t, ok)
	res1.Slot.SetValid(true)

	_, ok = Reserve(r, seq, lock)
	require.True(t, ok)
	// Deliberately leave the second reservation's Valid bit unset,
	// simulating a stub that has reserved a slot but not yet reached the
	// "write valid=1 before forwarding" step.

	drained := Drain(r, 10)
	require.Len(t, drained, 1, "drain must stop before the un-filled second slot")
}

func TestDrainAndDiscardAll(t *testing.T) {
	r, seq, lock := newTestRing(t, 16)

	for i := 0; i < 5; i++ {
		res, ok := Reserve(r, seq, lock)
		require.True(t, ok)
		res.Slot.SetValid(true)
	}

	discarded := DrainAndDiscardAll(r, lock)
	require.Equal(t, uint32(5), discarded)
	require.Equal(t, r.WritePos.Load(), r.ReadPos.Load())
	require.Equal(t, 0, len(Drain(r, 10)))
}

func TestSnapshotAndResetOverflow(t *testing.T) {
	r, seq, lock := newTestRing(t, 16)
	for i := 0; i < 20; i++ {
		Reserve(r, seq, lock)
	}
	require.Greater(t, r.Overflow.Load(), uint32(0))

	n := SnapshotAndResetOverflow(r, lock)
	require.Greater(t, n, uint32(0))
	require.Equal(t, uint32(0), r.Overflow.Load())
}
