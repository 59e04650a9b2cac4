// Package installer drives the install/reconfigure lifecycle of
// spec.md §4.1: building the anchor, ring, and per-function patch
// descriptors; generating and swapping in a stub for each traced
// function; and servicing the INSTALL/STATUS/ENABLE/DISABLE/QUIT
// producer-side operations a loader binary exposes.
package installer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atrace/atrace/internal/coord"
	"github.com/atrace/atrace/internal/functable"
	"github.com/atrace/atrace/internal/hostos"
	"github.com/atrace/atrace/internal/ring"
	"github.com/atrace/atrace/internal/shared"
	"github.com/atrace/atrace/internal/stubgen"
)

// NoiseSet tracks which high-frequency ("noise") functions are currently
// enabled, implementing spec.md §4.1's default-disabled policy for
// functions like AllocMem/FreeMem/Signal: they ship disabled unless the
// operator explicitly re-enables them, and a run-mode session may
// temporarily re-enable one for its own duration and have it
// auto-restored afterward.
type NoiseSet struct {
	mu      sync.Mutex
	enabled map[int]bool
}

// NewNoiseSet builds a NoiseSet with every noise function in funcIDs
// starting disabled.
func NewNoiseSet(funcIDs []int) *NoiseSet {
	n := &NoiseSet{enabled: make(map[int]bool, len(funcIDs))}
	for _, id := range funcIDs {
		n.enabled[id] = false
	}
	return n
}

// IsNoise reports whether funcID is tracked as a noise function at all.
func (n *NoiseSet) IsNoise(funcID int) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.enabled[funcID]
	return ok
}

// Enable marks a noise function enabled; Installation.Enable calls it on
// an explicit operator ENABLE.
func (n *NoiseSet) Enable(funcID int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.enabled[funcID]; ok {
		n.enabled[funcID] = true
	}
}

// Restore resets funcID back to disabled; Installation.Disable calls it
// on an explicit operator DISABLE. A run-mode session's temporary
// override goes through EnableNoiseForRun/RestoreNoiseForRun instead,
// which do not touch this record.
func (n *NoiseSet) Restore(funcID int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.enabled[funcID]; ok {
		n.enabled[funcID] = false
	}
}

// Installation is the live, running tracer: the anchor, ring, one
// patch descriptor and generated stub per traced function, and the
// library/scheduler state the stubs were wired against. cmd/atraced
// builds the resident one; STATUS/ENABLE/DISABLE/QUIT reach it through
// the internal/restapi admin surface.
type Installation struct {
	Anchor *shared.Anchor
	Ring   *shared.Ring
	Libs   *hostos.Registry
	Sched  *hostos.Scheduler
	Mem    *hostos.AddressSpace
	Noise  *NoiseSet

	logger *slog.Logger

	mu       sync.Mutex
	seq      *atomic.Uint32
	lock     *coord.Spinlock
	stubs    map[int]*stubgen.Stub
	patches  map[int]*shared.PatchDescriptor
	quitOnce sync.Once
	quit     bool
}

// Options configures Install.
type Options struct {
	RingCapacity   uint32
	NoiseFuncIDs   []int
	StartDisabled  bool
	EnabledFuncIDs []int // explicit subset to enable; nil means "all non-noise"
	Logger         *slog.Logger
	Registry       *coord.Registry      // defaults to coord.Global
	Mem            *hostos.AddressSpace // defaults to a fresh AddressSpace
}

// Install builds a new Installation: an anchor and ring sized per
// opts, one PatchDescriptor and generated Stub per entry in
// functable.Table, and registers the anchor in the coordination
// registry under coord.AnchorName (spec.md §4.1, §6).
//
// Libs must already contain every library functable.Table references,
// each opened via hostos.Registry.Open, so Install can resolve and swap
// each entry's jump-table slot. A missing library or LVO fails only that
// entry: the error is stored in its PatchDescriptor.InstallErr and
// logged, Install goes on with the remaining functions, and such a
// failure does not make Install return an error.
func Install(libs *hostos.Registry, sched *hostos.Scheduler, opts Options) (*Installation, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := opts.Registry
	if registry == nil {
		registry = coord.Global
	}
	mem := opts.Mem
	if mem == nil {
		mem = hostos.NewAddressSpace()
	}

	capacity := opts.RingCapacity
	if capacity == 0 {
		capacity = shared.DefaultRingCapacity
	}

	noise := NewNoiseSet(opts.NoiseFuncIDs)
	lock := &coord.Spinlock{}
	r := shared.NewRing(capacity)

	patches := make(map[int]*shared.PatchDescriptor, len(functable.Table))
	descOrder := make([]*shared.PatchDescriptor, len(functable.Table))
	for i := range functable.Table {
		entry := &functable.Table[i]
		desc := shared.NewPatchDescriptor(i, entry)
		desc.SetEnabled(!opts.StartDisabled && shouldEnable(i, entry, opts.EnabledFuncIDs))
		patches[i] = desc
		descOrder[i] = desc
	}

	anchor := shared.NewAnchor(&coord.Primitive{}, descOrder)
	anchor.SetRing(r)
	anchor.SetCritSection(lock)

	inst := &Installation{
		Anchor:  anchor,
		Ring:    r,
		Libs:    libs,
		Sched:   sched,
		Mem:     mem,
		Noise:   noise,
		logger:  logger,
		seq:     &anchor.EventSequence,
		lock:    lock,
		stubs:   make(map[int]*stubgen.Stub, len(functable.Table)),
		patches: patches,
	}

	for i := range functable.Table {
		entry := &functable.Table[i]
		desc := patches[i]

		lib, ok := libs.Lookup(entry.LibName)
		if !ok {
			desc.InstallErr = fmt.Errorf("installer: library %q not open, required by %s.%s", entry.LibName, entry.LibName, entry.FuncName)
			logger.Warn("patch not installed", slog.String("func", entry.LibName+"."+entry.FuncName), slog.Any("error", desc.InstallErr))
			continue
		}

		link := stubgen.Linkage{Anchor: anchor, Ring: r, Seq: inst.seq, Lock: lock, StringArg: mem.Resolve}
		stub := stubgen.Generate(desc, entry, link)

		original, err := lib.Swap(entry.LVO, stub.Execute)
		if err != nil {
			desc.InstallErr = fmt.Errorf("installer: swap %s.%s: %w", entry.LibName, entry.FuncName, err)
			logger.Warn("patch not installed", slog.String("func", entry.LibName+"."+entry.FuncName), slog.Any("error", desc.InstallErr))
			continue
		}
		stub.PatchOriginal(original)
		desc.Original = original
		desc.Stub = stub
		inst.stubs[i] = stub

		logger.Debug("installed patch", slog.String("func", entry.LibName+"."+entry.FuncName), slog.Int("func_id", i))
	}

	registry.Register(coord.AnchorName, anchor)
	logger.Info("install complete", slog.Int("patches", len(functable.Table)), slog.Uint64("ring_capacity", uint64(capacity)))
	return inst, nil
}

// shouldEnable decides an entry's initial enabled state: noise
// functions start disabled unless explicitly named in enabledFuncIDs;
// everything else starts enabled unless enabledFuncIDs is non-nil and
// excludes it.
func shouldEnable(funcID int, entry *shared.FuncTableEntry, enabledFuncIDs []int) bool {
	if enabledFuncIDs == nil {
		return !entry.Noise
	}
	for _, id := range enabledFuncIDs {
		if id == funcID {
			return true
		}
	}
	return false
}

// StatusReport is the STATUS subcommand's output (spec.md §4.1): a
// snapshot of every patch's enabled/use_count state plus ring health.
type StatusReport struct {
	GlobalEnabled bool
	RingUsed      uint32
	RingCapacity  uint32
	Overflow      uint32
	Patches       []PatchStatus
}

// PatchStatus is one function's row in a StatusReport.
type PatchStatus struct {
	FuncID   int
	Name     string
	Enabled  bool
	UseCount int32
}

// Status builds a StatusReport from the current installation state.
func (inst *Installation) Status() StatusReport {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	rep := StatusReport{
		GlobalEnabled: inst.Anchor.GlobalEnable.Load() != 0,
		RingUsed:      inst.Ring.Used(),
		RingCapacity:  inst.Ring.Capacity,
		Overflow:      inst.Ring.Overflow.Load(),
	}
	for i := range functable.Table {
		entry := &functable.Table[i]
		desc := inst.patches[i]
		rep.Patches = append(rep.Patches, PatchStatus{
			FuncID:   i,
			Name:     entry.LibName + "." + entry.FuncName,
			Enabled:  desc.IsEnabled(),
			UseCount: desc.UseCount.Load(),
		})
	}
	return rep
}

// Enable turns on an individual patch by FuncID (spec.md §4.1 ENABLE).
// Enabling a noise function here also records it in Noise so a later
// global reconfigure understands it was explicitly requested.
func (inst *Installation) Enable(funcID int) error {
	if inst.Quitted() {
		return fmt.Errorf("installer: installation already quit")
	}
	desc, ok := inst.patches[funcID]
	if !ok {
		return fmt.Errorf("installer: no such func_id %d", funcID)
	}
	desc.SetEnabled(true)
	inst.Noise.Enable(funcID)
	inst.logger.Info("enable", slog.Int("func_id", funcID))
	return nil
}

// Disable turns off an individual patch by FuncID (spec.md §4.1
// DISABLE). It does not touch the ring or in-flight use_count — a
// caller already inside the stub finishes normally; only subsequent
// calls take the disabled fast path.
func (inst *Installation) Disable(funcID int) error {
	if inst.Quitted() {
		return fmt.Errorf("installer: installation already quit")
	}
	desc, ok := inst.patches[funcID]
	if !ok {
		return fmt.Errorf("installer: no such func_id %d", funcID)
	}
	desc.SetEnabled(false)
	inst.Noise.Restore(funcID)
	inst.logger.Info("disable", slog.Int("func_id", funcID))
	return nil
}

// EnableNoiseForRun force-enables every patch tracked as a noise
// function, returning a snapshot of each one's enabled state
// beforehand so RestoreNoiseForRun can put it back once the run ends.
// A run-mode session must see noise-suppressed functions for its
// duration without altering the operator's standing enable policy
// afterward (spec.md §4.5.3 step 3).
func (inst *Installation) EnableNoiseForRun() map[int]bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	saved := make(map[int]bool)
	for id, desc := range inst.patches {
		if !inst.Noise.IsNoise(id) {
			continue
		}
		saved[id] = desc.IsEnabled()
		desc.SetEnabled(true)
	}
	return saved
}

// RestoreNoiseForRun resets every noise-function patch named in saved
// back to the enabled state it had before EnableNoiseForRun ran, the
// counterpart invoked when a run-mode session ends (spec.md §4.5.3
// step 6).
func (inst *Installation) RestoreNoiseForRun(saved map[int]bool) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	for id, was := range saved {
		if desc, ok := inst.patches[id]; ok {
			desc.SetEnabled(was)
		}
	}
}

// Quit implements spec.md §4.1's producer shutdown sequence:
//
//  1. Flip anchor.global_enable to 0 so every stub takes its disabled
//     fast path from this instant on.
//  2. Acquire the anchor's coordination primitive exclusively, so any
//     consumer poll currently in flight finishes first and no new one
//     can start.
//  3. Drain and discard whatever is left in the ring under the
//     interrupt-disable emulation (internal/ring.DrainAndDiscardAll).
//  4. Unregister the anchor from the coordination registry so no
//     consumer can discover it again.
//  5. Poll use_count across every patch, bounded, before returning —
//     logging (not failing) if a stub is still mid-call when the bound
//     expires, since Go cannot forcibly preempt a goroutine the way the
//     source system can just leave interrupts disabled forever.
//  6. Null the anchor's ring so a poller still holding a reference to
//     the anchor observes shutdown on its next shared-acquire attempt.
//     The Installation's own Ring field is left intact so Status can
//     still report the final ring counters after quit completes.
//
// Quit is idempotent: a second call is a no-op.
func (inst *Installation) Quit(ctx context.Context, registry *coord.Registry, drainTimeout time.Duration) {
	inst.quitOnce.Do(func() {
		inst.Anchor.GlobalEnable.Store(0)

		inst.Anchor.Coord.Lock()
		discarded := ring.DrainAndDiscardAll(inst.Ring, inst.lock)
		inst.Anchor.Coord.Unlock()

		if registry == nil {
			registry = coord.Global
		}
		registry.Unregister(coord.AnchorName)

		deadline := time.Now().Add(drainTimeout)
		for {
			if inst.allUseCountsZero() {
				break
			}
			if time.Now().After(deadline) {
				inst.logger.Warn("quit: use_count still nonzero at deadline, proceeding anyway")
				break
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Millisecond):
			}
		}

		inst.Anchor.Coord.Lock()
		inst.Anchor.SetRing(nil)
		inst.Anchor.Coord.Unlock()

		inst.mu.Lock()
		inst.quit = true
		inst.mu.Unlock()

		inst.logger.Info("quit complete", slog.Uint64("discarded_events", uint64(discarded)))
	})
}

// Quitted reports whether Quit has already run to completion. Enable
// and Disable refuse to act once it is true; Status does not check it
// and still reports the final counters.
func (inst *Installation) Quitted() bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.quit
}

func (inst *Installation) allUseCountsZero() bool {
	for _, desc := range inst.patches {
		if desc.UseCount.Load() != 0 {
			return false
		}
	}
	return true
}

// Quit does not, and must not, swap the jump-table entries back to
// their originals: spec.md §4.1 leaves patched entries in place
// permanently once installed (an un-patch operation is out of scope),
// and since Disable already makes every stub a pure pass-through, there
// is no behavioral difference left to restore.
