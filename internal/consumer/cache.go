// Package consumer implements the consumer side of the tracer: the
// poll loop that drains the ring (spec.md §4.4), the caller-name and
// lock-to-path caches the line formatter consults (spec.md §4.5.1 and
// its supplemented handle-cache counterpart), and the formatter itself
// (spec.md §4.5.2).
package consumer

import (
	"sync"

	"github.com/atrace/atrace/internal/hostos"
	"github.com/atrace/atrace/internal/shared"
)

// CallerNameCache resolves a shared.CallerID to a human-readable task
// name without calling into the scheduler on every formatted line
// (spec.md §4.5.1: "a per-process cache of caller pointer to name,
// refreshed periodically rather than on every event"). A miss falls
// back to a synchronous hostos.Scheduler.NameOf lookup and remembers
// the result; Refresh periodically replaces the whole cache from a
// scheduler snapshot so a task that has exited and been replaced by a
// new one at the same id does not wear a stale name forever.
type CallerNameCache struct {
	mu    sync.RWMutex
	names map[shared.CallerID]string
}

// NewCallerNameCache returns an empty cache.
func NewCallerNameCache() *CallerNameCache {
	return &CallerNameCache{names: make(map[shared.CallerID]string)}
}

// Resolve returns the cached name for id, falling back to sched and
// remembering the result on a hit. A caller that has exited and is not
// in the cache resolves to "?", matching the "unknown" rendering of
// spec.md §4.5.2.
func (c *CallerNameCache) Resolve(id shared.CallerID, sched *hostos.Scheduler) string {
	c.mu.RLock()
	name, ok := c.names[id]
	c.mu.RUnlock()
	if ok {
		return name
	}

	name, ok = sched.NameOf(id)
	if !ok {
		return "?"
	}

	c.mu.Lock()
	c.names[id] = name
	c.mu.Unlock()
	return name
}

// Refresh replaces the entire cache from a fresh scheduler snapshot
// (spec.md §4.5.1's periodic refresh, driven by Poller every
// cacheRefreshPolls ticks rather than every event).
func (c *CallerNameCache) Refresh(sched *hostos.Scheduler) {
	snap := sched.Snapshot()
	c.mu.Lock()
	c.names = snap
	c.mu.Unlock()
}

// HandleCache is the lock-to-path cache supplementing the line
// formatter: dos.Lock returns an opaque file-lock handle that later
// dos.Read/dos.Write/dos.UnLock calls reference only by that same
// 32-bit value, which is meaningless on its own in a formatted trace
// line. HandleCache remembers the path a Lock call captured (from its
// string argument) keyed by the handle its return value produced, so
// the formatter can append a tab and "(DF0:foo/bar)" to a Read/Write
// line that carries the handle instead of leaving it bare. It has no
// size bound and no eviction order: an entry is removed only by Forget,
// which the formatter calls for an UnLock or Close of that handle.
type HandleCache struct {
	mu    sync.RWMutex
	paths map[uint32]string
}

// NewHandleCache returns an empty handle cache.
func NewHandleCache() *HandleCache {
	return &HandleCache{paths: make(map[uint32]string)}
}

// Remember associates handle with path, called when a Lock/Open event
// is formatted and its return value (the handle) is known.
func (h *HandleCache) Remember(handle uint32, path string) {
	if handle == 0 {
		return // null handle: the call failed, nothing to remember
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.paths[handle] = path
}

// Lookup returns the path remembered for handle, if any.
func (h *HandleCache) Lookup(handle uint32) (path string, ok bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	path, ok = h.paths[handle]
	return path, ok
}

// Forget removes handle's entry, called when UnLock/Close is formatted
// for it.
func (h *HandleCache) Forget(handle uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.paths, handle)
}
