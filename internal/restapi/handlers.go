package restapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/atrace/atrace/internal/audit"
	"github.com/atrace/atrace/internal/coord"
	"github.com/atrace/atrace/internal/functable"
	"github.com/atrace/atrace/internal/installer"
	"github.com/atrace/atrace/internal/shared"
	"github.com/atrace/atrace/internal/subscriber"
)

// Server holds the dependencies the HTTP handlers need.
type Server struct {
	Inst        *installer.Installation
	Subscribers *subscriber.Registry
	Audit       *audit.Logger
	Coord       *coord.Registry // registry Inst.Quit unregisters the anchor from
	QuitTimeout time.Duration

	runMu    sync.Mutex
	run      *subscriber.RunSession
	runner   shared.CallerID
	runNoise map[int]bool
}

// NewServer creates a Server. coordRegistry and quitTimeout may be the
// zero value; coord.Global and a 2s drain timeout are used instead.
func NewServer(inst *installer.Installation, subs *subscriber.Registry, log *audit.Logger, coordRegistry *coord.Registry, quitTimeout time.Duration) *Server {
	if coordRegistry == nil {
		coordRegistry = coord.Global
	}
	if quitTimeout == 0 {
		quitTimeout = 2 * time.Second
	}
	return &Server{Inst: inst, Subscribers: subs, Audit: log, Coord: coordRegistry, QuitTimeout: quitTimeout}
}

// handleStatus responds to GET /status with the current StatusReport.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Inst.Status())
}

// funcRequest is the body POST /admin/enable and /admin/disable accept:
// either a FuncID or a "lib.func"/"func" Name names one patch; All
// applies the action to every patch in functable.Table, the global
// (name-less) form of Reconfigure ENABLE/DISABLE (spec.md §4.1).
type funcRequest struct {
	FuncID *int   `json:"func_id"`
	Name   string `json:"name"`
	All    bool   `json:"all"`
}

func (req funcRequest) resolve() (int, bool) {
	if req.FuncID != nil {
		return *req.FuncID, true
	}
	if req.Name != "" {
		return functable.ByName(req.Name)
	}
	return 0, false
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	s.handleFuncAction(w, r, audit.ActionEnable, s.Inst.Enable)
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	s.handleFuncAction(w, r, audit.ActionDisable, s.Inst.Disable)
}

func (s *Server) handleFuncAction(w http.ResponseWriter, r *http.Request, action audit.Action, apply func(int) error) {
	var req funcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if req.All {
		for id := range functable.Table {
			if err := apply(id); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		}
		if s.Audit != nil {
			payload, _ := json.Marshal(map[string]any{"all": true})
			_, _ = s.Audit.Append(action, payload)
		}
		writeJSON(w, http.StatusOK, s.Inst.Status())
		return
	}

	funcID, ok := req.resolve()
	if !ok {
		writeError(w, http.StatusBadRequest, "func_id or name is required and must name a known function, or all must be true")
		return
	}
	if err := apply(funcID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.Audit != nil {
		payload, _ := json.Marshal(map[string]any{"func_id": funcID, "name": functable.Table[funcID].LibName + "." + functable.Table[funcID].FuncName})
		_, _ = s.Audit.Append(action, payload)
	}
	writeJSON(w, http.StatusOK, s.Inst.Status())
}

// handleQuit responds to POST /admin/quit by running the installation's
// shutdown sequence. It always responds 202 Accepted: the sequence is
// bounded by QuitTimeout but may still be finishing a drain when the
// response is written.
func (s *Server) handleQuit(w http.ResponseWriter, r *http.Request) {
	if s.Audit != nil {
		_, _ = s.Audit.Append(audit.ActionQuit, nil)
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.QuitTimeout+time.Second)
	go func() {
		defer cancel()
		s.Inst.Quit(ctx, s.Coord, s.QuitTimeout)
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "quitting"})
}

// runRequest is the body POST /admin/run/start accepts: the caller
// name to register and claim the anchor's filter for, standing in for
// the launched process a real run command would spawn.
type runRequest struct {
	Name string `json:"name"`
}

// handleRunStart responds to POST /admin/run/start by spawning a
// scheduler task under the given name and claiming the anchor's
// caller filter for it, the run-mode half of a RUN command. Only one
// run session may be active at a
// time, matching subscriber.Registry's own invariant.
func (s *Server) handleRunStart(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.run != nil {
		writeError(w, http.StatusConflict, "a run-mode session is already active")
		return
	}

	caller := s.Inst.Sched.Spawn(req.Name)
	run, err := s.Subscribers.StartRun(s.Inst.Anchor, caller)
	if err != nil {
		s.Inst.Sched.Exit(caller)
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.run, s.runner = run, caller
	s.runNoise = s.Inst.EnableNoiseForRun()

	writeJSON(w, http.StatusOK, map[string]any{
		"caller_id":      uint32(caller),
		"start_sequence": run.StartSequence(),
	})
}

// handleRunStop responds to POST /admin/run/stop by releasing the
// active run session's claim on the anchor's caller filter and
// retiring its scheduler task, the counterpart to handleRunStart once
// the launched command exits.
func (s *Server) handleRunStop(w http.ResponseWriter, r *http.Request) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.run == nil {
		writeError(w, http.StatusConflict, "no run-mode session is active")
		return
	}
	s.run.End()
	s.Inst.RestoreNoiseForRun(s.runNoise)
	s.Inst.Sched.Exit(s.runner)
	s.run, s.runner, s.runNoise = nil, 0, nil
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// handleEvents responds to GET /events with a Server-Sent Events stream
// of formatted trace lines, the same free-subscribe filter grammar
// the filter grammar atracectl uses: "lib", "func", "proc", and
// "errors" query parameters build the Filter, a debug tail for
// operators who do not want to run a full atracectl session.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := s.Subscribers.Subscribe(parseFilter(r))
	defer s.Subscribers.Unsubscribe(sub.ID())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-sub.Lines():
			if !ok {
				return
			}
			if _, err := w.Write([]byte("data: " + line + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// parseFilter builds a subscriber.Filter from "lib", "func", "proc",
// and "errors" query parameters, the same LIB=/FUNC=/PROC=/ERRORS
// filter grammar carried over the wire as a query string. "func" names
// a single "lib.func" entry and takes precedence over "lib", which
// restricts to an entire library. "caller_id" and "min_seq" carry a run
// session's strict scoping (the caller_id/start_sequence handleRunStart
// returned) and apply in addition to "proc", which only ever does a
// substring match against caller names; an event must pass both.
func parseFilter(r *http.Request) subscriber.Filter {
	var f subscriber.Filter
	q := r.URL.Query()

	if raw := q.Get("caller_id"); raw != "" {
		if id, err := strconv.ParseUint(raw, 10, 32); err == nil {
			f.RunCaller = shared.CallerID(id)
		}
	}
	if raw := q.Get("min_seq"); raw != "" {
		if seq, err := strconv.ParseUint(raw, 10, 32); err == nil {
			f.MinSequence = uint32(seq)
		}
	}

	if name := q.Get("func"); name != "" {
		if id, ok := functable.ByName(name); ok {
			entry := &functable.Table[id]
			libID, lvo := entry.LibID, entry.LVO
			f.LibID, f.LVO = &libID, &lvo
		}
	} else if lib := q.Get("lib"); lib != "" {
		for i := range functable.Table {
			if functable.Table[i].LibName == lib {
				libID := functable.Table[i].LibID
				f.LibID = &libID
				break
			}
		}
	}

	if q.Has("errors") {
		f.ErrorsOnly = true
	}
	if proc := q.Get("proc"); proc != "" {
		f.CallerNameSubstring = proc
	}
	return f
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
