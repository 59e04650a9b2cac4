// Package stubgen implements the stub code generator of spec.md §4.2: it
// builds, per traced function, a position-independent program from a
// fixed prefix template, a per-descriptor variable region, and a fixed
// suffix template, then fills in the per-stub values (the linkage
// addresses, argument indices and slot offsets, and the original
// target) before the stub is ever executed.
//
// A real jump-table patcher on the source system emits machine
// instructions into an executable page. This rewrite keeps the same
// three-part template/patch pipeline and the same placeholder
// categories, but the "instructions" are a small typed opcode stream
// (Insn) interpreted by Execute (stub.go) instead of CPU opcodes. The
// copy-then-patch rule (never mutate a template in place) is kept. The
// program holds no branch distances: each check op in Execute switches
// directly to the disabled or overflow tail. The execution substrate is
// what changes, which
// is the redesign spec.md's "Generated code as data" design note
// anticipates for a safe-language rewrite.
package stubgen

// Op identifies one instruction in a generated stub's instruction
// stream. The ordering below follows the stub execution contract of
// spec.md §4.2 step by step.
type Op uint8

const (
	// OpCheckPatchEnabled reads patch.enabled; Imm is unused. Falls
	// through on enabled; otherwise Execute runs the disabled tail.
	OpCheckPatchEnabled Op = iota
	// OpCheckGlobalEnabled reads anchor.global_enable; on 0 Execute runs
	// the disabled tail.
	OpCheckGlobalEnabled
	// OpCheckCallerFilter compares anchor.filter_task against the
	// executing caller; on mismatch Execute runs the disabled tail.
	OpCheckCallerFilter
	// OpReserveSlot attempts the ring reservation and writes the assigned
	// sequence into the slot; if the ring is full Execute runs the
	// overflow tail.
	OpReserveSlot
	// OpWriteHeader populates lib_id/lvo/caller on the reserved slot.
	OpWriteHeader
	// OpCaptureArg copies argument Imm of the call into slot argument
	// Imm. Imm2 holds that argument's byte offset in the slot
	// (shared.OffArgs+4*Imm); Execute does not read it, and the
	// descriptor's ArgRegs are not consulted.
	OpCaptureArg
	// OpWriteArgCount writes the capped argument count as an immediate.
	OpWriteArgCount
	// OpCaptureString captures the lowest-set-bit string argument
	// (Imm = argument index) into slot.string_data.
	OpCaptureString
	// OpSetValid writes slot.valid = 1. Appears twice: once before
	// forwarding (pre-call) and once after (post-call, idempotent).
	OpSetValid
	// OpForward calls through to the original target — the "three
	// patched original-function-address occurrences" of spec.md §4.2
	// collapse to this one opcode appearing at three sites in the
	// generated program (variable-region forward, disabled fast path,
	// overflow fast path); see Stub.PatchOriginal.
	OpForward
	// OpCaptureRetval saves the original's return value into the slot.
	OpCaptureRetval
	// OpDecrementUseCount decrements patch.use_count.
	OpDecrementUseCount
	// OpIncrementOverflow increments ring.overflow (under the same
	// reservation lock as OpReserveSlot).
	OpIncrementOverflow
	// OpReturn ends the program, yielding the captured or passthrough
	// return value to the caller.
	OpReturn
)

// Insn is one instruction in a generated stub's program. Imm and Imm2
// are the immediates filled in at generation time: argument indices,
// counts, or structure-field offsets (shared.Off*
// constants baked in at generation time, not re-read at execution time —
// the Go analogue of "structure-field displacements computed once").
type Insn struct {
	Op   Op
	Imm  int
	Imm2 int
}

// prefixTemplate is the fixed-shape prologue every stub copies before
// appending its variable region: enable checks, caller filter, a slot
// reservation, then the header write. It is declared `var`, not mutated in place anywhere
// in this package — Generate always copies it before patching, per
// spec.md §9 "treat templates as const data; never mutate them in
// place; copy, then patch the copy."
var prefixTemplate = []Insn{
	{Op: OpCheckPatchEnabled},
	{Op: OpCheckGlobalEnabled},
	{Op: OpCheckCallerFilter},
	{Op: OpReserveSlot},
	{Op: OpWriteHeader},
}

// suffixTemplateTail is the fixed-shape epilogue appended after the
// variable region: mark the slot valid, forward to the original, then
// the post-call handler. OpForward here is the variable region's normal
// "forward to original" site.
var suffixTemplateTail = []Insn{
	{Op: OpSetValid},
	{Op: OpForward},
	{Op: OpCaptureRetval},
	{Op: OpSetValid},
	{Op: OpDecrementUseCount},
	{Op: OpReturn},
}

// disabledPathTemplate is the tail-call fast path taken when either
// enable check or the caller filter fails: no ring activity, no
// use_count change, straight to the original (spec.md §4.2 "Disabled
// fast path").
var disabledPathTemplate = []Insn{
	{Op: OpForward},
	{Op: OpReturn},
}

// overflowPathTemplate increments ring.overflow and tail-calls the
// original without ever touching use_count or the slot (spec.md §4.2
// "Overflow path").
var overflowPathTemplate = []Insn{
	{Op: OpIncrementOverflow},
	{Op: OpForward},
	{Op: OpReturn},
}
