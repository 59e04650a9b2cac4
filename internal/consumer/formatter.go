package consumer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/atrace/atrace/internal/functable"
	"github.com/atrace/atrace/internal/hostos"
	"github.com/atrace/atrace/internal/shared"
)

// Formatter renders one drained EventSlot into the tab-separated record
// format of spec.md §4.5.2: sequence, caller name, "lib.func", comma-
// joined arguments, a status-annotated return value, and (when
// present) the captured string argument.
type Formatter struct {
	Names   *CallerNameCache
	Handles *HandleCache
	Sched   *hostos.Scheduler
}

// NewFormatter builds a Formatter with fresh caches.
func NewFormatter(sched *hostos.Scheduler) *Formatter {
	return &Formatter{
		Names:   NewCallerNameCache(),
		Handles: NewHandleCache(),
		Sched:   sched,
	}
}

// Format renders slot. An unrecognized (lib_id, lvo) pair — a function
// this build's table doesn't know about — renders as "?.?" rather than
// failing, matching spec.md §7.
func (f *Formatter) Format(slot *shared.EventSlot) string {
	var entry *shared.FuncTableEntry
	name := "?.?"
	if id, ok := functable.ByLibLVO(slot.LibID(), slot.LVO()); ok {
		entry = &functable.Table[id]
		name = entry.LibName + "." + entry.FuncName
	}

	caller := f.Names.Resolve(slot.Caller(), f.Sched)

	argc := int(slot.ArgCount())
	args := make([]string, 0, argc)
	for i := 0; i < argc; i++ {
		args = append(args, "0x"+strconv.FormatUint(uint64(slot.Arg(i)), 16))
	}

	line := fmt.Sprintf("%d\t%s\t%s\t%s\t%s",
		slot.Sequence(), caller, name, strings.Join(args, ","), renderRetval(entry, slot.Retval()))

	str := slot.StringData()
	if str != "" {
		if slot.StringTruncated() {
			str += "…"
		}
		line += "\t" + str
	}

	f.trackHandle(entry, slot, str)
	if entry != nil && (entry.FuncName == "Read" || entry.FuncName == "Write") && argc > 0 {
		if path, ok := f.Handles.Lookup(slot.Arg(0)); ok {
			line += fmt.Sprintf("\t(%s)", path)
		}
	}

	return line
}

// trackHandle maintains the lock-to-path cache: a successful Lock/Open
// remembers its return-value handle against the string path it was
// given; a UnLock/Close forgets that handle.
func (f *Formatter) trackHandle(entry *shared.FuncTableEntry, slot *shared.EventSlot, capturedString string) {
	if entry == nil {
		return
	}
	switch entry.FuncName {
	case "Lock", "Open":
		if capturedString != "" {
			f.Handles.Remember(uint32(slot.Retval()), capturedString)
		}
	case "UnLock", "Close":
		if slot.ArgCount() > 0 {
			f.Handles.Forget(slot.Arg(0))
		}
	}
}

// IsError reports whether slot's captured return value represents a
// failure under entry's error convention — the predicate the
// errors_only subscriber filter of spec.md §4.5.3 applies. A nil entry
// (unrecognized function) or shared.ConvVoid/ConvNone are never
// considered errors.
func IsError(entry *shared.FuncTableEntry, retval int32) bool {
	if entry == nil {
		return false
	}
	switch entry.Convention {
	case shared.ConvPointerNull:
		return retval == 0
	case shared.ConvZeroSuccess:
		return retval != 0
	case shared.ConvReturnCodeZeroSuccess:
		return retval != 0
	case shared.ConvNegativeError:
		return retval < 0
	default:
		return false
	}
}

func renderRetval(entry *shared.FuncTableEntry, retval int32) string {
	if entry == nil {
		return "0x" + strconv.FormatUint(uint64(uint32(retval)), 16)
	}
	if entry.Convention == shared.ConvVoid {
		return "-"
	}

	status := "ok"
	if IsError(entry, retval) {
		status = "err"
	}
	return status + " " + renderByFormat(entry.RetFormat, retval)
}

func renderByFormat(format shared.RetFormat, retval int32) string {
	switch format {
	case shared.RetFormatHex:
		return "0x" + strconv.FormatUint(uint64(uint32(retval)), 16)
	case shared.RetFormatSigned:
		return strconv.FormatInt(int64(retval), 10)
	case shared.RetFormatFlags:
		return "0b" + strconv.FormatUint(uint64(uint32(retval)), 2)
	default:
		return "-"
	}
}
