package controlchan_test

import (
	"errors"
	"testing"

	"github.com/atrace/atrace/internal/controlchan"
)

func TestMemorySessionWriteAndClose(t *testing.T) {
	s := controlchan.NewMemorySession()
	if err := s.Write("1\tshell\texec.OpenLibrary\t\tok 0x1000"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Write("2\tshell\tdos.Open\t\tok 0x2000"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	lines := s.Lines()
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Write("3\tshell\tdos.Close\t\t-"); !errors.Is(err, controlchan.ErrClosed) {
		t.Fatalf("Write after Close: got %v, want ErrClosed", err)
	}
}

func TestSessionInterfaceSatisfiedByMemorySession(t *testing.T) {
	var _ controlchan.Session = controlchan.NewMemorySession()
}
