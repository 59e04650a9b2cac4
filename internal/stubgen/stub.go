package stubgen

import (
	"fmt"
	"sync/atomic"

	"github.com/atrace/atrace/internal/coord"
	"github.com/atrace/atrace/internal/hostos"
	"github.com/atrace/atrace/internal/ring"
	"github.com/atrace/atrace/internal/shared"
)

// Linkage is the set of addresses a generated stub needs patched in
// before it can run: the anchor it reports through, the ring it
// reserves slots in, the sequence counter it reads, and the lock that
// guards reservation — spec.md §4.2's "absolute addresses: ... anchor
// address, ring-entries base" placeholders. These are resolved once at
// generation time and held for the stub's lifetime, the same way a real
// patched address, once written, never changes until the next Install.
type Linkage struct {
	Anchor *shared.Anchor
	Ring   *shared.Ring
	Seq    *atomic.Uint32
	Lock   *coord.Spinlock

	// StringArg resolves a string-argument register value to its
	// contents. On the source system this is a direct pointer
	// dereference into the caller's address space; here the only thing
	// ever passed in that register is whatever simulated application
	// code chose to pass, so resolution is delegated back to it rather
	// than this package inventing a fake address space. Nil means no
	// string arguments are ever captured (safe default for tests that
	// don't exercise string-bearing functions).
	StringArg func(ptr uint32) string
}

// program is the instruction stream Execute interprets: main holds the
// copied prefix, the descriptor's variable region, and the normal
// suffix tail; the disabled and overflow tails are separate slices.
// Execute switches to a tail directly, so no branch target is stored or
// patched.
type program struct {
	main     []Insn
	disabled []Insn
	overflow []Insn
}

// Stub is one generated, patchable program. Original starts nil and is
// filled in by PatchOriginal once the jump-table swap has actually
// happened (spec.md §4.1 step 3 then step 4): the program is built
// before the swap, patched with the real original address after — the
// same instruction stream is interpreted for every call, so there is
// exactly one place (original) that needs patching per install, not one
// per occurrence.
type Stub struct {
	desc *shared.PatchDescriptor
	link Linkage
	prog program

	original hostos.Target
}

// Generate builds a Stub for one traced function. It copies the fixed
// prefix and the three fixed tails from their templates (never
// mutating the package-level templates themselves) and assembles the
// variable region from the descriptor: one OpCaptureArg per argument,
// plus an OpCaptureString patched with whichever argument index is the
// function table's lowest string-bearing argument, if any (spec.md
// §4.2 "one inline string copy ... only for the lowest-numbered
// argument marked as a string pointer").
func Generate(desc *shared.PatchDescriptor, entry *shared.FuncTableEntry, link Linkage) *Stub {
	variable := make([]Insn, 0, int(desc.ArgCount)+2)
	n := int(desc.ArgCount)
	if n > shared.MaxArgs {
		n = shared.MaxArgs
	}
	for i := 0; i < n; i++ {
		variable = append(variable, Insn{Op: OpCaptureArg, Imm: i, Imm2: shared.OffArgs + i*4})
	}
	variable = append(variable, Insn{Op: OpWriteArgCount, Imm: n})
	if idx, ok := entry.LowestStringArg(); ok {
		variable = append(variable, Insn{Op: OpCaptureString, Imm: idx})
	}

	main := make([]Insn, 0, len(prefixTemplate)+len(variable)+len(suffixTemplateTail))
	main = append(main, prefixTemplate...)
	main = append(main, variable...)
	main = append(main, suffixTemplateTail...)

	return &Stub{
		desc: desc,
		link: link,
		prog: program{
			main:     main,
			disabled: append([]Insn{}, disabledPathTemplate...),
			overflow: append([]Insn{}, overflowPathTemplate...),
		},
	}
}

// PatchOriginal fills in the original target every OpForward in the
// generated program resolves to. Until this is called, Execute refuses
// to run — a stub with no original patched in would otherwise silently
// swallow every call, which spec.md's install ordering (swap happens,
// then and only then can the new entry be live) never allows to occur.
func (s *Stub) PatchOriginal(original hostos.Target) {
	s.original = original
}

// execCtx carries the per-call state the interpreter threads through
// program.main: the in-flight ring reservation (nil until
// OpReserveSlot succeeds) and the captured return value.
type execCtx struct {
	caller shared.CallerID
	args   []uint32
	slot   *shared.EventSlot
	retval int32
}

// Execute runs the generated program for one traced call, implementing
// spec.md §4.2's full stub execution contract: per-patch enable check,
// global enable check, caller-identity filter, ring-slot reservation,
// event-header population, per-argument capture, forwarding, and
// post-call return-value capture — or one of the two fast paths when
// tracing does not apply to this call. It is a straight-line
// interpreter over program.main with no branch instruction of its own:
// each check op returns early into the relevant tail the moment it
// fails, which is the Go expression of "branch to the disabled/overflow
// entry point" for an instruction stream that has no actual jump
// opcode.
func (s *Stub) Execute(caller shared.CallerID, args []uint32) int32 {
	if s.original == nil {
		panic("stubgen: Execute called before PatchOriginal")
	}

	ctx := &execCtx{caller: caller, args: args}

	for _, insn := range s.prog.main {
		switch insn.Op {
		case OpCheckPatchEnabled:
			if !s.desc.IsEnabled() {
				return s.run(s.prog.disabled, ctx)
			}
		case OpCheckGlobalEnabled:
			if s.link.Anchor.GlobalEnable.Load() == 0 {
				return s.run(s.prog.disabled, ctx)
			}
		case OpCheckCallerFilter:
			if ft := s.link.Anchor.FilterTask.Load(); ft != 0 && ft != uint32(caller) {
				return s.run(s.prog.disabled, ctx)
			}
		case OpReserveSlot:
			res, ok := ring.Reserve(s.link.Ring, s.link.Seq, s.link.Lock)
			if !ok {
				return s.run(s.prog.overflow, ctx)
			}
			s.desc.UseCount.Add(1)
			defer s.desc.UseCount.Add(-1)
			ctx.slot = res.Slot
			ctx.slot.Reset()
			ctx.slot.SetSequence(res.Sequence)
		case OpWriteHeader:
			ctx.slot.SetLibID(s.desc.LibID)
			ctx.slot.SetLVO(s.desc.LVO)
			ctx.slot.SetCaller(caller)
		case OpCaptureArg:
			if insn.Imm < len(args) {
				ctx.slot.SetArg(insn.Imm, args[insn.Imm])
			}
		case OpWriteArgCount:
			ctx.slot.SetArgCount(uint8(insn.Imm))
		case OpCaptureString:
			if insn.Imm < len(args) && s.link.StringArg != nil {
				ctx.slot.SetStringData(s.link.StringArg(args[insn.Imm]))
			}
		case OpSetValid:
			ctx.slot.SetValid(true)
		case OpForward:
			ctx.retval = s.original(ctx.caller, ctx.args)
		case OpCaptureRetval:
			ctx.slot.SetRetval(ctx.retval)
		case OpDecrementUseCount:
			// handled by the deferred UseCount.Add(-1) queued above
		case OpReturn:
			return ctx.retval
		default:
			panic(fmt.Sprintf("stubgen: unhandled opcode %d in main program", insn.Op))
		}
	}
	return ctx.retval
}

// run interprets a fast-path tail (disabled or overflow), both of which
// only ever contain OpIncrementOverflow, OpForward, and OpReturn.
func (s *Stub) run(tail []Insn, ctx *execCtx) int32 {
	for _, insn := range tail {
		switch insn.Op {
		case OpIncrementOverflow:
			s.link.Lock.Lock()
			s.link.Ring.Overflow.Add(1)
			s.link.Lock.Unlock()
		case OpForward:
			ctx.retval = s.original(ctx.caller, ctx.args)
		case OpReturn:
			return ctx.retval
		default:
			panic(fmt.Sprintf("stubgen: unhandled opcode %d in fast-path tail", insn.Op))
		}
	}
	return ctx.retval
}
