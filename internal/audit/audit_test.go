package audit_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/atrace/atrace/internal/audit"
)

func tmpLog(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "audit.log")
}

func openLogger(t *testing.T, path string) *audit.Logger {
	t.Helper()
	l, err := audit.Open(path)
	if err != nil {
		t.Fatalf("audit.Open(%q): %v", path, err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func mustAppend(t *testing.T, l *audit.Logger, action audit.Action, payload string) audit.Entry {
	t.Helper()
	var raw json.RawMessage
	if payload != "" {
		raw = json.RawMessage(payload)
	}
	e, err := l.Append(action, raw)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	return e
}

func TestAppend_SingleEntry(t *testing.T) {
	l := openLogger(t, tmpLog(t))
	e := mustAppend(t, l, audit.ActionInstall, `{"ring_capacity":4096}`)

	if e.Seq != 1 {
		t.Errorf("seq = %d, want 1", e.Seq)
	}
	if e.PrevHash != audit.GenesisHash {
		t.Errorf("prev_hash = %q, want genesis hash", e.PrevHash)
	}
	if len(e.EventHash) != 64 {
		t.Errorf("event_hash length = %d, want 64", len(e.EventHash))
	}
	if e.Action != audit.ActionInstall {
		t.Errorf("action = %q, want install", e.Action)
	}
}

func TestAppend_MultipleEntries_Chain(t *testing.T) {
	l := openLogger(t, tmpLog(t))

	e1 := mustAppend(t, l, audit.ActionInstall, "")
	e2 := mustAppend(t, l, audit.ActionDisable, `{"functions":["exec.AllocMem"]}`)
	e3 := mustAppend(t, l, audit.ActionQuit, "")

	if e2.PrevHash != e1.EventHash {
		t.Errorf("entry 2 prev_hash = %q, want entry 1 event_hash %q", e2.PrevHash, e1.EventHash)
	}
	if e3.PrevHash != e2.EventHash {
		t.Errorf("entry 3 prev_hash = %q, want entry 2 event_hash %q", e3.PrevHash, e2.EventHash)
	}
	if e3.Seq != 3 {
		t.Errorf("seq = %d, want 3", e3.Seq)
	}
}

func TestOpen_RestoresChainAcrossReopen(t *testing.T) {
	path := tmpLog(t)

	l1, err := audit.Open(path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	first := mustAppend(t, l1, audit.ActionInstall, "")
	if err := l1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	l2 := openLogger(t, path)
	second := mustAppend(t, l2, audit.ActionEnable, `{"functions":["dos.Open"]}`)

	if second.Seq != 2 {
		t.Errorf("seq after reopen = %d, want 2", second.Seq)
	}
	if second.PrevHash != first.EventHash {
		t.Errorf("prev_hash after reopen = %q, want %q", second.PrevHash, first.EventHash)
	}
}

func TestVerify_DetectsTamperedPayload(t *testing.T) {
	path := tmpLog(t)
	l := openLogger(t, path)
	mustAppend(t, l, audit.ActionRunStart, `{"caller":"DF0:c/Shell"}`)
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	tampered := []byte(string(raw)[:len(raw)-2] + `X"}`)
	if err := os.WriteFile(path, tampered, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := audit.Verify(path); err == nil {
		t.Fatal("expected Verify to detect tampering, got nil error")
	}
}

func TestVerify_EmptyFileIsValid(t *testing.T) {
	entries, err := audit.Verify(tmpLog(t))
	if err != nil {
		t.Fatalf("Verify on missing file: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no entries, got %d", len(entries))
	}
}

func TestVerify_RoundTripsAppendedEntries(t *testing.T) {
	path := tmpLog(t)
	l := openLogger(t, path)
	mustAppend(t, l, audit.ActionInstall, "")
	mustAppend(t, l, audit.ActionRunStart, `{"caller":"DF0:c/Shell"}`)
	mustAppend(t, l, audit.ActionRunStop, "")
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := audit.Verify(path)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[1].Action != audit.ActionRunStart {
		t.Errorf("entries[1].Action = %q, want run_start", entries[1].Action)
	}
}
