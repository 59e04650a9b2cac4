// Command atracectl is the human-facing control CLI:
// TRACE STATUS|START|RUN|STOP|ENABLE|DISABLE against a running
// atraced's admin HTTP surface. START and RUN stream the /events SSE
// endpoint to the terminal; RUN additionally launches the given
// command as a real child process and claims the anchor's caller
// filter for it over /admin/run/start, releasing it over
// /admin/run/stop once the child exits. STOP releases a run-mode
// claim left behind by a RUN session that never got to exit cleanly.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/atrace/atrace/internal/installer"
)

var styles = struct {
	name     lipgloss.Style
	enabled  lipgloss.Style
	disabled lipgloss.Style
	header   lipgloss.Style
}{
	name:     lipgloss.NewStyle().Foreground(lipgloss.Color("5")),
	enabled:  lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
	disabled: lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	header:   lipgloss.NewStyle().Foreground(lipgloss.Color("6")).Bold(true),
}

func main() {
	logger := log.New(os.Stderr)
	if err := newRootCmd(logger).Execute(); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
}

func newRootCmd(logger *log.Logger) *cobra.Command {
	var adminAddr string

	root := &cobra.Command{
		Use:           "atracectl",
		Short:         "control and observe a running atraced",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&adminAddr, "admin-addr", "http://localhost:8686",
		"base URL of a running atraced admin surface")

	trace := &cobra.Command{
		Use:   "trace",
		Short: "trace subcommands: status, start, run, stop, enable, disable",
	}
	trace.AddCommand(newStatusCmd(&adminAddr))
	trace.AddCommand(newStartCmd(&adminAddr, logger))
	trace.AddCommand(newRunCmd(&adminAddr, logger))
	trace.AddCommand(newStopCmd(&adminAddr, logger))
	trace.AddCommand(newEnableCmd(&adminAddr, logger))
	trace.AddCommand(newDisableCmd(&adminAddr, logger))
	root.AddCommand(trace)
	return root
}

// filterFlags are the LIB=/FUNC=/PROC=/ERRORS flags shared by START
// and RUN.
type filterFlags struct {
	lib    string
	fn     string
	proc   string
	errors bool
}

func addFilterFlags(cmd *cobra.Command, f *filterFlags) {
	cmd.Flags().StringVar(&f.lib, "lib", "", "restrict to one library (e.g. exec, dos)")
	cmd.Flags().StringVar(&f.fn, "func", "", "restrict to one lib.func name (e.g. exec.AllocMem)")
	cmd.Flags().StringVar(&f.proc, "proc", "", "restrict to callers whose name contains this substring")
	cmd.Flags().BoolVar(&f.errors, "errors", false, "show only events whose return value indicates an error")
}

func (f filterFlags) query() url.Values {
	q := url.Values{}
	if f.fn != "" {
		q.Set("func", f.fn)
	} else if f.lib != "" {
		q.Set("lib", f.lib)
	}
	if f.proc != "" {
		q.Set("proc", f.proc)
	}
	if f.errors {
		q.Set("errors", "1")
	}
	return q
}

func newStatusCmd(adminAddr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "print counters and per-patch enable state",
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := getStatus(*adminAddr)
			if err != nil {
				return err
			}
			printStatus(rep)
			return nil
		},
	}
}

func newStartCmd(adminAddr *string, logger *log.Logger) *cobra.Command {
	var flt filterFlags
	cmd := &cobra.Command{
		Use:   "start",
		Short: "stream live trace events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return streamEvents(ctx, *adminAddr, flt.query(), logger)
		},
	}
	addFilterFlags(cmd, &flt)
	return cmd
}

func newRunCmd(adminAddr *string, logger *log.Logger) *cobra.Command {
	var flt filterFlags
	cmd := &cobra.Command{
		Use:   "run -- command [args...]",
		Short: "launch a command, trace it exclusively, and stream its events",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := filepath.Base(args[0])

			res, claimed, err := postRunStart(*adminAddr, name)
			if err != nil {
				return fmt.Errorf("claim run-mode filter: %w", err)
			}

			q := flt.query()
			if claimed {
				logger.Info("run-mode filter claimed", "caller", name, "caller_id", res.CallerID, "start_sequence", res.StartSequence)
				q.Set("caller_id", strconv.FormatUint(uint64(res.CallerID), 10))
				q.Set("min_seq", strconv.FormatUint(uint64(res.StartSequence), 10))
			} else {
				logger.Warn("run-mode filter already claimed by another session; falling back to consumer-side filtering", "caller", name)
				if q.Get("proc") == "" {
					q.Set("proc", name)
				}
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			child := exec.CommandContext(ctx, args[0], args[1:]...)
			child.Stdout = os.Stdout
			child.Stderr = os.Stderr
			child.Stdin = os.Stdin

			streamDone := make(chan error, 1)
			go func() { streamDone <- streamEvents(ctx, *adminAddr, q, logger) }()

			runErr := child.Run()

			cancel()
			<-streamDone

			if claimed {
				if err := postRunStop(*adminAddr); err != nil {
					logger.Warn("release run-mode filter", "err", err)
				}
			}
			return runErr
		},
	}
	addFilterFlags(cmd, &flt)
	return cmd
}

func newStopCmd(adminAddr *string, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "release a run-mode filter claim left behind by an interrupted run",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := postRunStop(*adminAddr); err != nil {
				return err
			}
			logger.Info("run-mode filter released")
			return nil
		},
	}
}

func newEnableCmd(adminAddr *string, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "enable name...",
		Short: "enable one or more lib.func names",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return applyFuncNames(*adminAddr, "enable", args, logger)
		},
	}
}

func newDisableCmd(adminAddr *string, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "disable name...",
		Short: "disable one or more lib.func names",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return applyFuncNames(*adminAddr, "disable", args, logger)
		},
	}
}

func applyFuncNames(adminAddr, action string, names []string, logger *log.Logger) error {
	var rep *installer.StatusReport
	for _, name := range names {
		body, _ := json.Marshal(map[string]string{"name": name})
		resp, err := http.Post(adminAddr+"/admin/"+action, "application/json", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("reach atraced admin surface: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			defer resp.Body.Close()
			return fmt.Errorf("%s %q: %s", action, name, readErrorBody(resp))
		}
		var r installer.StatusReport
		err = json.NewDecoder(resp.Body).Decode(&r)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("decode status response: %w", err)
		}
		rep = &r
		logger.Info(action, "func", name)
	}
	if rep != nil {
		printStatus(rep)
	}
	return nil
}

// runStartResult is the caller id/start sequence /admin/run/start
// returns on a successful claim, the pair an /events query needs to
// strictly scope itself to this run's own caller (spec.md §4.5.3 step
// 5).
type runStartResult struct {
	CallerID      uint32
	StartSequence uint32
}

// postRunStart asks atraced to claim the anchor's caller filter for
// name. A 409 Conflict (another run session already holds the claim)
// is reported as claimed=false with a nil error rather than an error,
// so newRunCmd can fall back to ordinary consumer-side filtering
// instead of aborting the launch (spec.md §4.5.3 step 7).
func postRunStart(adminAddr, name string) (runStartResult, bool, error) {
	b, _ := json.Marshal(map[string]string{"name": name})
	resp, err := http.Post(adminAddr+"/admin/run/start", "application/json", bytes.NewReader(b))
	if err != nil {
		return runStartResult{}, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusConflict {
		return runStartResult{}, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return runStartResult{}, false, errors.New(readErrorBody(resp))
	}
	var body struct {
		CallerID      uint32 `json:"caller_id"`
		StartSequence uint32 `json:"start_sequence"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return runStartResult{}, false, fmt.Errorf("decode run/start response: %w", err)
	}
	return runStartResult{CallerID: body.CallerID, StartSequence: body.StartSequence}, true, nil
}

// postRunStop releases a claimed run-mode filter.
func postRunStop(adminAddr string) error {
	resp, err := http.Post(adminAddr+"/admin/run/stop", "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.New(readErrorBody(resp))
	}
	return nil
}

// streamEvents connects to GET /events with the given query filter and
// prints each line to stdout until ctx is cancelled or the stream
// ends.
func streamEvents(ctx context.Context, adminAddr string, q url.Values, logger *log.Logger) error {
	u := adminAddr + "/events"
	if encoded := q.Encode(); encoded != "" {
		u += "?" + encoded
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("connect to /events: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("/events: %s", readErrorBody(resp))
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		fmt.Println(strings.TrimPrefix(line, "data: "))
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("reading /events: %w", err)
	}
	return nil
}

func getStatus(adminAddr string) (*installer.StatusReport, error) {
	resp, err := http.Get(adminAddr + "/status")
	if err != nil {
		return nil, fmt.Errorf("reach atraced admin surface: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status: %s", readErrorBody(resp))
	}
	var rep installer.StatusReport
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	return &rep, nil
}

func printStatus(rep *installer.StatusReport) {
	fmt.Println(styles.header.Render(fmt.Sprintf("global_enabled=%v ring=%d/%d overflow=%d",
		rep.GlobalEnabled, rep.RingUsed, rep.RingCapacity, rep.Overflow)))
	for _, p := range rep.Patches {
		state := styles.disabled.Render("disabled")
		if p.Enabled {
			state = styles.enabled.Render("enabled")
		}
		fmt.Printf("  %-24s %s use_count=%d\n", styles.name.Render(p.Name), state, p.UseCount)
	}
}

func readErrorBody(resp *http.Response) string {
	b, _ := io.ReadAll(resp.Body)
	return string(b)
}
