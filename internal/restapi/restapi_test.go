package restapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/atrace/atrace/internal/coord"
	"github.com/atrace/atrace/internal/functable"
	"github.com/atrace/atrace/internal/hostos"
	"github.com/atrace/atrace/internal/installer"
	"github.com/atrace/atrace/internal/shared"
	"github.com/atrace/atrace/internal/subscriber"
)

func newLibs(t *testing.T) *hostos.Registry {
	t.Helper()
	reg := hostos.NewRegistry()
	noop := func(caller shared.CallerID, args []uint32) int32 { return 0 }
	exec := map[int16]hostos.Target{}
	dos := map[int16]hostos.Target{}
	for i := range functable.Table {
		e := &functable.Table[i]
		if e.LibID == functable.LibExec {
			exec[e.LVO] = noop
		} else {
			dos[e.LVO] = noop
		}
	}
	reg.Open(hostos.NewLibrary("exec", functable.LibExec, exec))
	reg.Open(hostos.NewLibrary("dos", functable.LibDOS, dos))
	return reg
}

// newTestServer creates a Server backed by a real Installation and
// returns its HTTP handler with JWT middleware disabled (pubKey = nil).
func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	inst, err := installer.Install(newLibs(t), hostos.NewScheduler(), installer.Options{Registry: coord.NewRegistry()})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	subs := subscriber.NewRegistry(nil, 8)
	srv := NewServer(inst, subs, nil, coord.NewRegistry(), 0)
	return NewRouter(srv, nil)
}

func TestHandleStatus_Returns200(t *testing.T) {
	h := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var rep installer.StatusReport
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if len(rep.Patches) != len(functable.Table) {
		t.Errorf("expected %d patches, got %d", len(functable.Table), len(rep.Patches))
	}
}

func TestHandleEnable_ByName(t *testing.T) {
	h := newTestServer(t)
	body, _ := json.Marshal(map[string]string{"name": "AllocMem"})
	req := httptest.NewRequest(http.MethodPost, "/admin/enable", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var rep installer.StatusReport
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	id, ok := functable.ByName("AllocMem")
	if !ok {
		t.Fatal("AllocMem not found in functable")
	}
	if !rep.Patches[id].Enabled {
		t.Error("expected AllocMem to be enabled after /admin/enable")
	}
}

func TestHandleEnable_UnknownNameIs400(t *testing.T) {
	h := newTestServer(t)
	body, _ := json.Marshal(map[string]string{"name": "NoSuchFunction"})
	req := httptest.NewRequest(http.MethodPost, "/admin/enable", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleQuit_Returns202(t *testing.T) {
	h := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/admin/quit", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
}

func TestHandleRunStart_ThenStop(t *testing.T) {
	h := newTestServer(t)

	body, _ := json.Marshal(map[string]string{"name": "Echo"})
	req := httptest.NewRequest(http.MethodPost, "/admin/run/start", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("run/start: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/admin/run/start", bytes.NewReader(body))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("concurrent run/start: expected 409, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/admin/run/stop", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("run/stop: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/admin/run/stop", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("double run/stop: expected 409, got %d", rec.Code)
	}
}

func TestHandleRunStart_MissingNameIs400(t *testing.T) {
	h := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/admin/run/start", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
