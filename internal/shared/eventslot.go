package shared

import "encoding/binary"

// CallerID is an opaque caller-identity value — the source system's
// current-task pointer on its 32-bit architecture. It is never
// dereferenced; it is only compared for equality (run-mode filtering)
// and looked up in the caller-name cache (internal/consumer).
type CallerID uint32

// MaxArgs is the number of argument slots captured per event (spec.md
// §3, "args[0..3]"). Arguments beyond the fourth are dropped by design.
const MaxArgs = 4

// StringCaptureLen is the number of bytes available for a captured
// string argument, NUL-terminator included (spec.md §3 and §4.2
// "copy up to 23 bytes ... and NUL-terminate").
const StringCaptureLen = 24

// EventSlotSize is the fixed on-wire size of one EventSlot, in bytes.
// The stub generator computes structure-field displacements from this
// layout once per format version and bakes them into generated code as
// immediates (spec.md §4.2); it must equal exactly 64.
const EventSlotSize = 64

// Byte offsets of each EventSlot field, exactly as spec.md §3 mandates.
// internal/stubgen reads these constants (rather than using
// unsafe.Offsetof on a Go struct, whose layout the compiler does not
// guarantee across architectures) to compute the displacements it patches
// into generated stub code.
const (
	OffValid      = 0
	OffLibID      = 1
	OffLVO        = 2
	OffSequence   = 4
	OffCaller     = 8
	OffArgs       = 12
	OffRetval     = 28
	OffArgCount   = 32
	offPadding    = 33
	OffStringData = 34
	offReserved   = 58
)

// EventSlot is one 64-byte record in the ring buffer. It is stored as a
// raw byte array (rather than a tagged Go struct) because that is what
// makes the offset contract in spec.md §3 a property of the data, not an
// accident of struct-field ordering and compiler padding: the accessor
// methods below are the only code in the repository allowed to interpret
// these bytes, and they do so at the documented offsets.
type EventSlot [EventSlotSize]byte

// Valid reports the slot's stability flag (offset 0). A slot is safe to
// consume and overwrite iff Valid() is true (spec.md §3 invariant).
func (s *EventSlot) Valid() bool { return s[OffValid] == 1 }

// SetValid writes the stability flag. The stub generator's contract
// requires this be set to 1 before the original function is forwarded to
// (spec.md §4.2 step 7), and idempotently again after the call returns
// (step 9).
func (s *EventSlot) SetValid(v bool) {
	if v {
		s[OffValid] = 1
	} else {
		s[OffValid] = 0
	}
}

// LibID returns the traced library identifier (offset 1).
func (s *EventSlot) LibID() uint8 { return s[OffLibID] }

// SetLibID writes the traced library identifier.
func (s *EventSlot) SetLibID(id uint8) { s[OffLibID] = id }

// LVO returns the signed jump-table offset of the traced function
// (offset 2, 2 bytes, little-endian).
func (s *EventSlot) LVO() int16 {
	return int16(binary.LittleEndian.Uint16(s[OffLVO:]))
}

// SetLVO writes the jump-table offset.
func (s *EventSlot) SetLVO(lvo int16) {
	binary.LittleEndian.PutUint16(s[OffLVO:], uint16(lvo))
}

// Sequence returns the monotonic event sequence number (offset 4).
func (s *EventSlot) Sequence() uint32 {
	return binary.LittleEndian.Uint32(s[OffSequence:])
}

// SetSequence writes the event sequence number.
func (s *EventSlot) SetSequence(seq uint32) {
	binary.LittleEndian.PutUint32(s[OffSequence:], seq)
}

// Caller returns the caller-identity captured for this event (offset 8).
func (s *EventSlot) Caller() CallerID {
	return CallerID(binary.LittleEndian.Uint32(s[OffCaller:]))
}

// SetCaller writes the caller identity.
func (s *EventSlot) SetCaller(c CallerID) {
	binary.LittleEndian.PutUint32(s[OffCaller:], uint32(c))
}

// Arg returns argument i (0..3), each stored as a 32-bit little-endian
// word regardless of the original argument's native width (spec.md §3,
// §4.2 variable region).
func (s *EventSlot) Arg(i int) uint32 {
	off := OffArgs + i*4
	return binary.LittleEndian.Uint32(s[off:])
}

// SetArg writes argument i.
func (s *EventSlot) SetArg(i int, v uint32) {
	off := OffArgs + i*4
	binary.LittleEndian.PutUint32(s[off:], v)
}

// Retval returns the captured return value (offset 28).
func (s *EventSlot) Retval() int32 {
	return int32(binary.LittleEndian.Uint32(s[OffRetval:]))
}

// SetRetval writes the captured return value.
func (s *EventSlot) SetRetval(v int32) {
	binary.LittleEndian.PutUint32(s[OffRetval:], uint32(v))
}

// ArgCount returns min(actual, MaxArgs) for this event (offset 32).
func (s *EventSlot) ArgCount() uint8 { return s[OffArgCount] }

// SetArgCount writes the captured argument count, capping at MaxArgs.
func (s *EventSlot) SetArgCount(n uint8) {
	if n > MaxArgs {
		n = MaxArgs
	}
	s[OffArgCount] = n
}

// StringData returns the NUL-padded captured string argument (offset 34,
// 24 bytes), trimmed at the first NUL.
func (s *EventSlot) StringData() string {
	b := s[OffStringData : OffStringData+StringCaptureLen]
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// StringTruncated reports whether the captured string filled all
// StringCaptureLen-1 bytes in front of its terminating NUL, meaning the
// original string was likely longer than StringCaptureLen-1 bytes and
// was truncated. A string of exactly StringCaptureLen-1 bytes is
// reported the same way.
func (s *EventSlot) StringTruncated() bool {
	b := s[OffStringData : OffStringData+StringCaptureLen-1]
	for _, c := range b {
		if c == 0 {
			return false
		}
	}
	return true
}

// SetStringData zeroes the whole StringCaptureLen-byte capture region,
// then copies up to StringCaptureLen-1 bytes of str into it, so the
// capture is always NUL-terminated. An empty str (the null-pointer case,
// spec.md §4.2 edge cases) leaves the region all zero, matching the
// source's "write an empty string, never dereference a null pointer"
// rule.
func (s *EventSlot) SetStringData(str string) {
	b := s[OffStringData : OffStringData+StringCaptureLen]
	for i := range b {
		b[i] = 0
	}
	n := len(str)
	if n > StringCaptureLen-1 {
		n = StringCaptureLen - 1
	}
	copy(b, str[:n])
}

// Reset clears a slot to its zero state, used by the stub generator on
// each freshly reserved slot.
func (s *EventSlot) Reset() {
	*s = EventSlot{}
}
