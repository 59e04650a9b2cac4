// Package subscriber implements the consumer-side fan-out of formatted
// trace lines to interested listeners: free-subscribe mode (any number
// of concurrently filtered subscriptions) and run mode (a single
// session that additionally claims the anchor-wide caller filter for
// the duration of one launched program), per spec.md §4.5.3.
package subscriber

import (
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/atrace/atrace/internal/consumer"
	"github.com/atrace/atrace/internal/functable"
	"github.com/atrace/atrace/internal/shared"
)

// Filter selects which formatted lines a subscription receives. A zero
// Filter matches everything. LibID/LVO of nil mean "any"; set both to
// restrict to one function.
//
// RunCaller and MinSequence implement the strict run-mode scoping of
// spec.md §4.5.3 step 5: when RunCaller is non-zero, only events whose
// caller equals it and whose sequence is at least MinSequence pass.
// That check applies in addition to CallerNameSubstring, so a run
// session's isolation never rests on a name match another caller could
// coincidentally share.
type Filter struct {
	LibID               *uint8
	LVO                 *int16
	ErrorsOnly          bool
	CallerNameSubstring string
	RunCaller           shared.CallerID
	MinSequence         uint32
}

// Match reports whether an event (identified by its resolved function
// table entry, if any), its caller and sequence, and its caller name
// pass f. entry is nil for an unrecognized (lib_id, lvo) pair; such an
// event fails any Filter that sets LibID, LVO or ErrorsOnly. Under
// ErrorsOnly, an entry with shared.ConvNone passes whatever its retval.
func (f Filter) Match(entry *shared.FuncTableEntry, retval int32, caller shared.CallerID, sequence uint32, callerName string) bool {
	if f.LibID != nil {
		if entry == nil || entry.LibID != *f.LibID {
			return false
		}
	}
	if f.LVO != nil {
		if entry == nil || entry.LVO != *f.LVO {
			return false
		}
	}
	if f.ErrorsOnly && !consumer.IsError(entry, retval) && (entry == nil || entry.Convention != shared.ConvNone) {
		return false
	}
	if f.CallerNameSubstring != "" && !strings.Contains(callerName, f.CallerNameSubstring) {
		return false
	}
	if f.RunCaller != 0 {
		if caller != f.RunCaller || sequence < f.MinSequence {
			return false
		}
	}
	return true
}

// Subscription is one free-subscribe listener's handle: a buffered
// channel of formatted lines, non-blocking on the publish side so a
// slow or stalled subscriber never applies back-pressure to the poll
// loop (spec.md §4.5.3, mirroring the non-blocking broadcast pattern
// used for dashboard clients).
type Subscription struct {
	id     string
	filter Filter
	lines  chan string
	dropped atomic.Int64
	closed  atomic.Bool
}

// ID returns the subscription's unique identifier.
func (s *Subscription) ID() string { return s.id }

// Lines returns the channel formatted lines are delivered on. It is
// closed when the subscription is removed.
func (s *Subscription) Lines() <-chan string { return s.lines }

// Dropped returns how many lines were discarded because this
// subscription's buffer was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Registry is the subscriber-side fan-out hub: a set of concurrent
// free-subscribe Subscriptions, plus at most one active run-mode
// session (Registry.StartRun) that additionally owns the anchor's
// caller filter.
type Registry struct {
	subs    sync.Map // map[string]*Subscription
	bufSize int
	logger  *slog.Logger

	closed atomic.Bool

	mu         sync.Mutex
	nextID     uint64
	runHolder  uint64 // 0 = no active run session; otherwise the owning session's generation
	generation uint64
}

// NewRegistry creates a Registry. bufSize is the per-subscription
// channel buffer depth; 0 uses a default of 256.
func NewRegistry(logger *slog.Logger, bufSize int) *Registry {
	if bufSize <= 0 {
		bufSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{bufSize: bufSize, logger: logger}
}

// Subscribe registers a new free-subscribe listener with the given
// filter and returns its handle. Free-subscribe mode places no limit
// on the number of concurrent subscriptions and never touches the
// anchor's caller filter — it only ever reads what the poll loop
// already produced (spec.md §4.5.3 "free-subscribe").
func (r *Registry) Subscribe(filter Filter) *Subscription {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.mu.Unlock()

	s := &Subscription{
		id:     formatID(id),
		filter: filter,
		lines:  make(chan string, r.bufSize),
	}
	if r.closed.Load() {
		close(s.lines)
		return s
	}
	r.subs.Store(s.id, s)
	return s
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// ids are a no-op.
func (r *Registry) Unsubscribe(id string) {
	if v, ok := r.subs.LoadAndDelete(id); ok {
		s := v.(*Subscription)
		if !s.closed.Swap(true) {
			close(s.lines)
		}
	}
}

// Publish delivers line to every subscription whose filter matches the
// event it was formatted from, via a non-blocking send.
func (r *Registry) Publish(slot *shared.EventSlot, line string) {
	if r.closed.Load() {
		return
	}

	var entry *shared.FuncTableEntry
	if id, ok := functable.ByLibLVO(slot.LibID(), slot.LVO()); ok {
		entry = &functable.Table[id]
	}
	retval := slot.Retval()
	caller := slot.Caller()
	sequence := slot.Sequence()

	r.subs.Range(func(_, v any) bool {
		s := v.(*Subscription)
		if !s.filter.Match(entry, retval, caller, sequence, callerNameFromLine(line)) {
			return true
		}
		select {
		case s.lines <- line:
		default:
			s.dropped.Add(1)
			r.logger.Warn("subscriber: subscription buffer full, dropping line", slog.String("subscription_id", s.id))
		}
		return true
	})
}

// ShutdownLine is the terminal line sent to every live subscription
// immediately before its channel is closed, so a listener on the other
// end of /events can tell "the producer shut down" apart from a plain
// disconnect (spec.md §4.4 step 1).
const ShutdownLine = "# atraced: producer shut down, end of stream"

// Shutdown sends ShutdownLine to every active subscription and closes
// every subscription's channel, then marks the registry permanently
// closed so a later Subscribe call gets an already-closed channel
// instead of a listener that will never receive anything. Called
// exactly once, by the poll loop, the instant it detects producer
// shutdown (spec.md §4.4 step 1, §4.5.3 step 6's end-of-stream frame).
func (r *Registry) Shutdown() {
	if r.closed.Swap(true) {
		return
	}
	r.subs.Range(func(k, v any) bool {
		s := v.(*Subscription)
		select {
		case s.lines <- ShutdownLine:
		default:
			s.dropped.Add(1)
		}
		if !s.closed.Swap(true) {
			close(s.lines)
		}
		r.subs.Delete(k)
		return true
	})
}

// callerNameFromLine extracts the caller-name field (the second
// tab-separated column) out of an already-formatted line, so Publish
// can filter without re-resolving the caller itself. This couples
// subscriber to consumer.Formatter's line layout; both packages are
// part of the same consumer daemon and evolve together.
func callerNameFromLine(line string) string {
	fields := strings.SplitN(line, "\t", 3)
	if len(fields) < 2 {
		return ""
	}
	return fields[1]
}

// ErrRunAlreadyActive is returned by StartRun when another run-mode
// session already owns the anchor's caller filter.
var ErrRunAlreadyActive = errors.New("subscriber: a run-mode session is already active")

// RunSession is the handle a RUN command holds for the duration of one
// launched, exclusively traced program. Exactly one can be active at a
// time per Registry.
type RunSession struct {
	registry   *Registry
	anchor     *shared.Anchor
	caller     shared.CallerID
	generation uint64
	startSeq   uint32
}

// StartRun claims the anchor's caller filter for caller, exclusively,
// under a fresh generation number. End releases the claim only while
// that generation still holds it, so a stale session's attempt to
// release a claim that has since been reassigned is discarded rather
// than letting a crashed or forgotten session's teardown clobber a
// later legitimate session. StartRun also records anchor.EventSequence
// at the moment of the claim as the session's start sequence (see
// StartSequence).
func (r *Registry) StartRun(anchor *shared.Anchor, caller shared.CallerID) (*RunSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runHolder != 0 {
		return nil, ErrRunAlreadyActive
	}
	r.generation++
	gen := r.generation
	r.runHolder = gen

	anchor.FilterTask.Store(uint32(caller))
	return &RunSession{
		registry:   r,
		anchor:     anchor,
		caller:     caller,
		generation: gen,
		startSeq:   anchor.EventSequence.Load(),
	}, nil
}

// End releases the run session's claim on the caller filter, but only
// if this session is still the current holder — a session whose claim
// has already been superseded (it should never happen under correct
// use, but defends against a double-End or a bug in the caller) leaves
// the current holder's filter alone instead of clearing it out from
// under them.
func (rs *RunSession) End() {
	rs.registry.mu.Lock()
	defer rs.registry.mu.Unlock()
	if rs.registry.runHolder != rs.generation {
		return
	}
	rs.anchor.FilterTask.Store(0)
	rs.registry.runHolder = 0
}

// StartSequence returns the anchor event sequence observed when this
// run session began, letting a caller distinguish events produced
// before versus during the session when replaying a captured log.
func (rs *RunSession) StartSequence() uint32 { return rs.startSeq }

func formatID(n uint64) string {
	return "sub-" + strconv.FormatUint(n, 16)
}
