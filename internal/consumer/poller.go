package consumer

import (
	"context"
	"log/slog"
	"time"

	"github.com/atrace/atrace/internal/ring"
	"github.com/atrace/atrace/internal/shared"
)

// defaultPollInterval is spec.md §4.4's "approximately 20 Hz" poll
// cadence.
const defaultPollInterval = 50 * time.Millisecond

// defaultBatchSize bounds how many events one poll tick drains before
// yielding, so a burst of events never makes a single tick run long
// enough to starve the caller-name cache refresh or a pending shutdown.
const defaultBatchSize = 64

// defaultCacheRefreshPolls is how many poll ticks elapse between
// CallerNameCache refreshes (spec.md §4.5.1: refreshed periodically,
// not on every event).
const defaultCacheRefreshPolls = 40 // ~2s at the default poll interval

// Poller implements the consumer poll loop of spec.md §4.4: once per
// tick, try to acquire the anchor's coordination primitive for shared
// read, drain whatever is ready in the ring, format and emit each
// event, advance past it, and release the primitive — skipping the
// tick entirely if the primitive is held exclusively (a producer
// reconfigure or shutdown in progress).
type Poller struct {
	Anchor    *shared.Anchor
	Formatter *Formatter

	// PollInterval, BatchSize, and CacheRefreshPolls default to
	// defaultPollInterval/defaultBatchSize/defaultCacheRefreshPolls when
	// zero.
	PollInterval      time.Duration
	BatchSize         int
	CacheRefreshPolls int

	// Sink receives each event's slot alongside its formatted line, in
	// order, so a subscriber registry can filter on the slot's
	// (lib_id, lvo, retval) without re-parsing the line. A nil Sink is a
	// configuration error papered over by Run discarding lines, which
	// exists only so zero-value Pollers in tests don't panic.
	Sink func(slot *shared.EventSlot, line string)

	// Shutdown is called exactly once, the instant Run detects producer
	// shutdown, before Run returns. Wired to a subscriber registry's
	// Shutdown method so every subscription gets a terminal line and
	// end-of-stream (spec.md §4.4 step 1). A nil Shutdown is a
	// configuration error papered over the same way a nil Sink is.
	Shutdown func()

	Logger *slog.Logger
}

// Run drives the poll loop until ctx is cancelled or shutdown is
// detected: a failed shared-acquire of the coordination primitive while
// anchor.GlobalEnable is 0, or — once the primitive is free again — a
// nil Ring, observed after Reconfigure(QUIT) has run. Either signal
// calls Shutdown once and returns nil, the consumer's own shutdown
// signal (spec.md §4.4 step 1).
func (p *Poller) Run(ctx context.Context) error {
	interval := p.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	batch := p.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	refreshEvery := p.CacheRefreshPolls
	if refreshEvery <= 0 {
		refreshEvery = defaultCacheRefreshPolls
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if !p.Anchor.Coord.TryRLock() {
			if p.Anchor.GlobalEnable.Load() == 0 {
				logger.Info("poller: shared acquire failed during shutdown, stopping")
				p.signalShutdown()
				return nil
			}
			continue // a reconfigure holds the primitive exclusively; skip this tick
		}

		r := p.Anchor.Ring.Load()
		if r == nil {
			p.Anchor.Coord.RUnlock()
			logger.Info("poller: anchor ring is gone, stopping")
			p.signalShutdown()
			return nil
		}

		p.pollOnce(r, batch)

		ticks++
		if ticks%refreshEvery == 0 {
			p.Formatter.Names.Refresh(p.Formatter.Sched)
		}

		p.Anchor.Coord.RUnlock()
	}
}

// pollOnce drains and formats up to batch events, then snapshots and
// resets the ring's overflow counter. Must be called with the anchor's
// coordination primitive held for shared read.
func (p *Poller) pollOnce(r *shared.Ring, batch int) {
	for _, d := range ring.Drain(r, batch) {
		line := p.Formatter.Format(d.Slot)
		if p.Sink != nil {
			p.Sink(d.Slot, line)
		}
		ring.Advance(r, d)
		p.Anchor.EventsConsumed.Add(1)
	}

	if n := ring.SnapshotAndResetOverflow(r, p.Anchor.CritSection); n > 0 {
		p.logOverflow(n)
	}
}

func (p *Poller) signalShutdown() {
	if p.Shutdown != nil {
		p.Shutdown()
	}
}

func (p *Poller) logOverflow(n uint32) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("poller: ring overflow, events dropped", slog.Uint64("count", uint64(n)))
}
