package shared

import "sync/atomic"

// ErrorConvention tags how a traced function reports failure, used by
// the consumer's errors_only filter (spec.md §4.5, §4.5.2).
type ErrorConvention uint8

const (
	// ConvNone means no clear convention; the event is always shown in
	// errors mode.
	ConvNone ErrorConvention = iota
	// ConvPointerNull means the function returns a pointer; zero (NULL)
	// is the error case.
	ConvPointerNull
	// ConvZeroSuccess means zero is success, any non-zero is an error.
	ConvZeroSuccess
	// ConvNegativeError means a signed return; negative is an error.
	ConvNegativeError
	// ConvReturnCodeZeroSuccess means a return-code convention where zero
	// is success and non-zero is an error. The error predicate and the
	// line formatter treat it exactly as ConvZeroSuccess.
	ConvReturnCodeZeroSuccess
	// ConvVoid means the function has no return value; errors_only
	// suppresses it entirely.
	ConvVoid
)

// RetFormat tags how a captured return value should be rendered by the
// line formatter (spec.md §4.5.2).
type RetFormat uint8

const (
	RetFormatHex RetFormat = iota
	RetFormatSigned
	RetFormatFlags
	RetFormatNone
)

// FuncTableEntry is one compile-time, static description of a traced
// function (spec.md §3 "Function-table entry" and §4.6). The full table
// is built once in internal/functable; its slice index is the global
// patch index used by both the installer and the consumer's per-name
// lookup (spec.md §4.6: "the table's order defines the global patch
// index space").
type FuncTableEntry struct {
	LibName  string
	FuncName string
	LibID    uint8
	LVO      int16
	ArgCount uint8

	// ArgRegs maps argument slot i to the source machine's register
	// index that carries it, up to 8 arguments (spec.md §3). Only the
	// first min(ArgCount, MaxArgs) are ever captured into an EventSlot.
	ArgRegs [8]uint8

	// StringArgs is a bitmap; bit i set means "argument i is a C string
	// — capture it" (spec.md §3, §4.2 step 7).
	StringArgs uint8

	Convention ErrorConvention
	RetFormat  RetFormat

	// Noise marks a high-frequency primitive auto-disabled on a fresh
	// install without an explicit function list (spec.md §4.1 "Noise
	// policy").
	Noise bool
}

// HasString reports whether this function captures any string argument.
func (e *FuncTableEntry) HasString() bool { return e.StringArgs != 0 }

// LowestStringArg returns the index of the lowest set bit in StringArgs,
// and false if no bit is set (spec.md §4.2: "load the saved register
// corresponding to the lowest set bit").
func (e *FuncTableEntry) LowestStringArg() (int, bool) {
	for i := 0; i < 8; i++ {
		if e.StringArgs&(1<<uint(i)) != 0 {
			return i, true
		}
	}
	return 0, false
}

// PatchDescriptor is the runtime record of one installed stub (spec.md
// §3 "Patch descriptor"). It is stable after installation except for the
// two atomic fields Enabled and UseCount, which stubs and Reconfigure
// mutate concurrently.
type PatchDescriptor struct {
	FuncID   int // index into the static function table (spec.md §4.6)
	LibID    uint8
	LVO      int16
	ArgCount uint8
	ArgRegs  [8]uint8

	// StringArgs mirrors FuncTableEntry.StringArgs; duplicated here so a
	// PatchDescriptor is self-contained for the stub generator, which
	// never reaches back into the static table at call time.
	StringArgs uint8

	// Enabled gates every traced call at the per-patch level (spec.md
	// §4.2 step 1). 0 is disabled, 1 is enabled.
	Enabled atomic.Uint32

	// UseCount counts stubs currently in-flight between slot reservation
	// and post-call return. Quit polls it across all patches until it is
	// zero or a deadline passes; DISABLE does not wait on it.
	UseCount atomic.Int32

	// Original is the jump-table target retrieved when the entry was
	// swapped; the stub forwards to it (spec.md §4.1 step 3, §4.2 step
	// 8). It is represented as the hostos.Target the installer swapped
	// out; see internal/hostos.
	Original any

	// Stub is the generated trampoline for this function; see
	// internal/stubgen.Stub.
	Stub any

	// InstallErr records a per-function install failure (spec.md §4.1:
	// "per-function stub-install failure (logged; installer continues
	// with remaining functions)"). Nil on success.
	InstallErr error
}

// NewPatchDescriptor fills a blank descriptor from a static function
// table entry (spec.md §4.1 "Install algorithm" step 1).
func NewPatchDescriptor(funcID int, e *FuncTableEntry) *PatchDescriptor {
	p := &PatchDescriptor{
		FuncID:     funcID,
		LibID:      e.LibID,
		LVO:        e.LVO,
		ArgCount:   e.ArgCount,
		ArgRegs:    e.ArgRegs,
		StringArgs: e.StringArgs,
	}
	p.Enabled.Store(1)
	return p
}

// IsEnabled reports the per-patch enable flag.
func (p *PatchDescriptor) IsEnabled() bool { return p.Enabled.Load() != 0 }

// SetEnabled sets the per-patch enable flag.
func (p *PatchDescriptor) SetEnabled(on bool) {
	if on {
		p.Enabled.Store(1)
	} else {
		p.Enabled.Store(0)
	}
}
