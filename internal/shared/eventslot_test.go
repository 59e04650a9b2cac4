package shared

import "testing"

// TestEventSlotSize guards the layout-invariance property of spec.md §8:
// sizeof(event_slot) == 64 exactly.
func TestEventSlotSize(t *testing.T) {
	var s EventSlot
	if len(s) != 64 {
		t.Fatalf("EventSlot size = %d, want 64", len(s))
	}
	if EventSlotSize != 64 {
		t.Fatalf("EventSlotSize constant = %d, want 64", EventSlotSize)
	}
}

// TestEventSlotFieldOffsets pins every named field to its declared byte
// offset (spec.md §3 table). A size-changing edit to eventslot.go should
// break this test before it breaks anything downstream.
func TestEventSlotFieldOffsets(t *testing.T) {
	cases := []struct {
		name string
		off  int
	}{
		{"valid", OffValid},
		{"lib_id", OffLibID},
		{"lvo", OffLVO},
		{"sequence", OffSequence},
		{"caller", OffCaller},
		{"args", OffArgs},
		{"retval", OffRetval},
		{"arg_count", OffArgCount},
		{"string_data", OffStringData},
	}
	want := map[string]int{
		"valid": 0, "lib_id": 1, "lvo": 2, "sequence": 4, "caller": 8,
		"args": 12, "retval": 28, "arg_count": 32, "string_data": 34,
	}
	for _, c := range cases {
		if c.off != want[c.name] {
			t.Errorf("offset of %s = %d, want %d", c.name, c.off, want[c.name])
		}
	}
	if offReserved+6 != EventSlotSize {
		t.Errorf("reserved region does not end at EventSlotSize: %d+6 != %d", offReserved, EventSlotSize)
	}
}

func TestEventSlotRoundTrip(t *testing.T) {
	var s EventSlot
	s.SetValid(true)
	s.SetLibID(3)
	s.SetLVO(-552)
	s.SetSequence(42)
	s.SetCaller(0xdeadbeef)
	for i := 0; i < MaxArgs; i++ {
		s.SetArg(i, uint32(i*10))
	}
	s.SetRetval(-1)
	s.SetArgCount(7) // should cap at MaxArgs
	s.SetStringData("dos.library")

	if !s.Valid() {
		t.Error("Valid() = false, want true")
	}
	if s.LibID() != 3 {
		t.Errorf("LibID() = %d, want 3", s.LibID())
	}
	if s.LVO() != -552 {
		t.Errorf("LVO() = %d, want -552", s.LVO())
	}
	if s.Sequence() != 42 {
		t.Errorf("Sequence() = %d, want 42", s.Sequence())
	}
	if s.Caller() != 0xdeadbeef {
		t.Errorf("Caller() = %x, want deadbeef", s.Caller())
	}
	for i := 0; i < MaxArgs; i++ {
		if s.Arg(i) != uint32(i*10) {
			t.Errorf("Arg(%d) = %d, want %d", i, s.Arg(i), i*10)
		}
	}
	if s.Retval() != -1 {
		t.Errorf("Retval() = %d, want -1", s.Retval())
	}
	if s.ArgCount() != MaxArgs {
		t.Errorf("ArgCount() = %d, want capped at %d", s.ArgCount(), MaxArgs)
	}
	if s.StringData() != "dos.library" {
		t.Errorf("StringData() = %q, want dos.library", s.StringData())
	}
	if s.StringTruncated() {
		t.Error("StringTruncated() = true for a short string")
	}
}

func TestEventSlotNullStringArgument(t *testing.T) {
	var s EventSlot
	s.SetStringData("")
	if s.StringData() != "" {
		t.Errorf("StringData() = %q, want empty", s.StringData())
	}
	if s[OffStringData] != 0 {
		t.Errorf("first byte of string_data = %d, want 0", s[OffStringData])
	}
}

func TestEventSlotStringTruncation(t *testing.T) {
	var s EventSlot
	long := "this-string-is-definitely-longer-than-23-bytes"
	s.SetStringData(long)
	if !s.StringTruncated() {
		t.Error("StringTruncated() = false, want true for an over-length capture")
	}
	if got := s.StringData(); got != long[:StringCaptureLen-1] {
		t.Errorf("StringData() = %q, want %q", got, long[:StringCaptureLen-1])
	}
}
