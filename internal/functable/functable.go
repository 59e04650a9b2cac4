// Package functable holds the compile-time static table of traced
// functions (spec.md §4.6). Its order defines the global patch index
// space: both internal/installer (which builds one PatchDescriptor per
// entry, in order) and internal/consumer (which resolves lib_id/lvo back
// to a name for formatting) depend on this ordering being identical.
//
// The table below mirrors exec.library and dos.library entries named in
// spec.md's test scenarios (§8) and in the AmigaOS sources this spec was
// distilled from (_examples/original_source/); it is not exhaustive of a
// real exec/dos jump table, only of the functions this rewrite needs to
// exercise every code path.
package functable

import "github.com/atrace/atrace/internal/shared"

// Library IDs. A real installation would resolve these by opening each
// library and recording a small integer per distinct library name; here
// they are assigned at table-construction time (see LibID).
const (
	LibExec uint8 = iota
	LibDOS
)

// libNames maps a LibID back to the short name used in line formatting
// ("lib.func", spec.md §4.5.2) and in ENABLE/DISABLE name matching.
var libNames = map[uint8]string{
	LibExec: "exec",
	LibDOS:  "dos",
}

// LibName returns the short library name for id, or "?" if unknown.
func LibName(id uint8) string {
	if n, ok := libNames[id]; ok {
		return n
	}
	return "?"
}

// Table is the static, ordered list of every function this build can
// trace. Index i is FuncID i; Install assigns PatchDescriptor i to
// Table[i].
var Table = []shared.FuncTableEntry{
	{
		LibName: "exec", FuncName: "OpenLibrary", LibID: LibExec, LVO: -552,
		ArgCount: 2, ArgRegs: [8]uint8{1, 0}, StringArgs: 0b01,
		Convention: shared.ConvPointerNull, RetFormat: shared.RetFormatHex,
	},
	{
		LibName: "exec", FuncName: "CloseLibrary", LibID: LibExec, LVO: -414,
		ArgCount: 1, ArgRegs: [8]uint8{1},
		Convention: shared.ConvVoid, RetFormat: shared.RetFormatNone,
	},
	{
		LibName: "exec", FuncName: "FindTask", LibID: LibExec, LVO: -294,
		ArgCount: 1, ArgRegs: [8]uint8{1}, StringArgs: 0b01,
		Convention: shared.ConvPointerNull, RetFormat: shared.RetFormatHex,
	},
	{
		LibName: "exec", FuncName: "FindPort", LibID: LibExec, LVO: -390,
		ArgCount: 1, ArgRegs: [8]uint8{1}, StringArgs: 0b01,
		Convention: shared.ConvPointerNull, RetFormat: shared.RetFormatHex,
	},
	{
		LibName: "exec", FuncName: "AllocMem", LibID: LibExec, LVO: -198,
		ArgCount: 2, ArgRegs: [8]uint8{0, 1},
		Convention: shared.ConvPointerNull, RetFormat: shared.RetFormatHex,
		Noise: true,
	},
	{
		LibName: "exec", FuncName: "FreeMem", LibID: LibExec, LVO: -210,
		ArgCount: 2, ArgRegs: [8]uint8{1, 0},
		Convention: shared.ConvVoid, RetFormat: shared.RetFormatNone,
		Noise: true,
	},
	{
		LibName: "exec", FuncName: "Signal", LibID: LibExec, LVO: -324,
		ArgCount: 2, ArgRegs: [8]uint8{1, 0},
		Convention: shared.ConvVoid, RetFormat: shared.RetFormatNone,
		Noise: true,
	},
	{
		LibName: "dos", FuncName: "Open", LibID: LibDOS, LVO: -30,
		ArgCount: 2, ArgRegs: [8]uint8{0, 1}, StringArgs: 0b01,
		Convention: shared.ConvZeroSuccess, RetFormat: shared.RetFormatHex,
	},
	{
		LibName: "dos", FuncName: "Close", LibID: LibDOS, LVO: -36,
		ArgCount: 1, ArgRegs: [8]uint8{0},
		Convention: shared.ConvReturnCodeZeroSuccess, RetFormat: shared.RetFormatSigned,
	},
	{
		LibName: "dos", FuncName: "Read", LibID: LibDOS, LVO: -42,
		ArgCount: 3, ArgRegs: [8]uint8{0, 1, 2},
		Convention: shared.ConvNegativeError, RetFormat: shared.RetFormatSigned,
	},
	{
		LibName: "dos", FuncName: "Write", LibID: LibDOS, LVO: -48,
		ArgCount: 3, ArgRegs: [8]uint8{0, 1, 2},
		Convention: shared.ConvNegativeError, RetFormat: shared.RetFormatSigned,
	},
	{
		LibName: "dos", FuncName: "Lock", LibID: LibDOS, LVO: -84,
		ArgCount: 2, ArgRegs: [8]uint8{0, 1}, StringArgs: 0b01,
		Convention: shared.ConvPointerNull, RetFormat: shared.RetFormatHex,
	},
	{
		LibName: "dos", FuncName: "UnLock", LibID: LibDOS, LVO: -90,
		ArgCount: 1, ArgRegs: [8]uint8{0},
		Convention: shared.ConvVoid, RetFormat: shared.RetFormatNone,
	},
}

// ByName looks up a FuncID by "lib.func" or bare "func" name. ok is false
// when no entry matches.
func ByName(name string) (id int, ok bool) {
	for i := range Table {
		e := &Table[i]
		if e.FuncName == name || e.LibName+"."+e.FuncName == name {
			return i, true
		}
	}
	return 0, false
}

// ByLibLVO looks up a FuncID by (lib_id, lvo), the key the consumer
// resolves out of every EventSlot. ok is false when no entry matches,
// which formats as "?.?" per spec.md §7.
func ByLibLVO(libID uint8, lvo int16) (id int, ok bool) {
	for i := range Table {
		e := &Table[i]
		if e.LibID == libID && e.LVO == lvo {
			return i, true
		}
	}
	return 0, false
}

// NoiseNames returns the FuncName of every entry marked Noise, in table
// order — the default auto-disable set of spec.md §4.1.
func NoiseNames() []string {
	var names []string
	for i := range Table {
		if Table[i].Noise {
			names = append(names, Table[i].FuncName)
		}
	}
	return names
}
