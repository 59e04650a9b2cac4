package subscriber

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/atrace/atrace/internal/coord"
	"github.com/atrace/atrace/internal/functable"
	"github.com/atrace/atrace/internal/hostos"
	"github.com/atrace/atrace/internal/shared"
)

func TestSubscribeFiltersByLibAndLVO(t *testing.T) {
	reg := NewRegistry(nil, 8)

	entry := functable.Table[0] // exec.OpenLibrary
	libID := entry.LibID
	lvo := entry.LVO
	sub := reg.Subscribe(Filter{LibID: &libID, LVO: &lvo})
	defer reg.Unsubscribe(sub.ID())

	otherEntry := functable.Table[7] // dos.Open
	var otherSlot shared.EventSlot
	otherSlot.SetLibID(otherEntry.LibID)
	otherSlot.SetLVO(otherEntry.LVO)
	reg.Publish(&otherSlot, "1\tshell\tdos.Open\t\tok 0x0")

	var matchSlot shared.EventSlot
	matchSlot.SetLibID(entry.LibID)
	matchSlot.SetLVO(entry.LVO)
	reg.Publish(&matchSlot, "2\tshell\texec.OpenLibrary\t\tok 0x1000")

	select {
	case line := <-sub.Lines():
		require.Contains(t, line, "exec.OpenLibrary")
	default:
		t.Fatal("expected a matching line to be delivered")
	}

	select {
	case line := <-sub.Lines():
		t.Fatalf("unexpected extra line delivered: %q", line)
	default:
	}
}

func TestSubscribeErrorsOnlyFilter(t *testing.T) {
	reg := NewRegistry(nil, 8)
	sub := reg.Subscribe(Filter{ErrorsOnly: true})
	defer reg.Unsubscribe(sub.ID())

	entry := functable.Table[0] // exec.OpenLibrary, ConvPointerNull
	var okSlot shared.EventSlot
	okSlot.SetLibID(entry.LibID)
	okSlot.SetLVO(entry.LVO)
	okSlot.SetRetval(0x1000)
	reg.Publish(&okSlot, "1\tshell\texec.OpenLibrary\t\tok 0x1000")

	var errSlot shared.EventSlot
	errSlot.SetLibID(entry.LibID)
	errSlot.SetLVO(entry.LVO)
	errSlot.SetRetval(0)
	reg.Publish(&errSlot, "2\tshell\texec.OpenLibrary\t\terr 0x0")

	line := <-sub.Lines()
	require.Contains(t, line, "err")

	select {
	case extra := <-sub.Lines():
		t.Fatalf("errors_only must suppress the successful call, got %q", extra)
	default:
	}
}

func TestSubscribeCallerNameSubstringFilter(t *testing.T) {
	reg := NewRegistry(nil, 8)
	sub := reg.Subscribe(Filter{CallerNameSubstring: "Shell"})
	defer reg.Unsubscribe(sub.ID())

	var slot shared.EventSlot
	reg.Publish(&slot, "1\tDF0:c/Shell\texec.OpenLibrary\t\tok 0x1")
	reg.Publish(&slot, "2\tSomeOtherTask\texec.OpenLibrary\t\tok 0x1")

	line := <-sub.Lines()
	require.Contains(t, line, "Shell")
	select {
	case extra := <-sub.Lines():
		t.Fatalf("non-matching caller name must be suppressed, got %q", extra)
	default:
	}
}

func TestRunSessionExclusiveOwnership(t *testing.T) {
	anchor := shared.NewAnchor(&coord.Primitive{}, nil)
	reg := NewRegistry(nil, 8)
	sched := hostos.NewScheduler()
	caller := sched.Spawn("traced-program")

	session, err := reg.StartRun(anchor, caller)
	require.NoError(t, err)
	require.Equal(t, uint32(caller), anchor.FilterTask.Load())

	_, err = reg.StartRun(anchor, sched.Spawn("second"))
	require.ErrorIs(t, err, ErrRunAlreadyActive)

	session.End()
	require.Equal(t, uint32(0), anchor.FilterTask.Load())
}

// TestRunSessionStaleEndDoesNotClobberNewerSession verifies the
// generation-based leak prevention: a stale session's
// End must not clear a filter a newer, legitimate session has since
// claimed.
func TestRunSessionStaleEndDoesNotClobberNewerSession(t *testing.T) {
	anchor := shared.NewAnchor(&coord.Primitive{}, nil)
	reg := NewRegistry(nil, 8)
	sched := hostos.NewScheduler()

	first, err := reg.StartRun(anchor, sched.Spawn("first"))
	require.NoError(t, err)
	first.End()

	second, err := reg.StartRun(anchor, sched.Spawn("second"))
	require.NoError(t, err)

	// A stale call to the first session's End (simulating a delayed or
	// duplicated cleanup) must not touch the second session's claim.
	first.End()
	require.NotEqual(t, uint32(0), anchor.FilterTask.Load())
	_ = second
}
