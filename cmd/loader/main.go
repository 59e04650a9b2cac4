// Command loader is the producer CLI: INSTALL, STATUS,
// ENABLE, DISABLE, and QUIT against the patch set.
//
// A single-address-space host OS lets a bare producer process install
// patches into shared memory and exit, leaving everything resident for
// a separate consumer to find by name. Go processes don't share an
// address space, so this rewrite makes cmd/atraced the one resident
// process: it performs its own install at startup. loader's INSTALL
// subcommand instead builds a throwaway, in-process installation
// against the same configuration file to validate ring capacity and
// function names before a deployment restarts atraced with them;
// STATUS, ENABLE, DISABLE, and QUIT are HTTP clients against a running
// atraced's admin surface.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/atrace/atrace/internal/config"
	"github.com/atrace/atrace/internal/coord"
	"github.com/atrace/atrace/internal/functable"
	"github.com/atrace/atrace/internal/hostos"
	"github.com/atrace/atrace/internal/installer"
	"github.com/atrace/atrace/internal/shared"
)

// Exit codes: 0 success, 5 a usage/validation error
// (bad flags, unknown function name, malformed response), 20 anything
// else (install failure, unreachable admin surface).
const (
	exitOK    = 0
	exitUsage = 5
	exitFail  = 20
)

// exitError pairs an error with the process exit code it should
// produce, so a cobra RunE can return an ordinary error and still
// drive main's os.Exit call.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func fail(code int, format string, args ...any) error {
	return &exitError{code: code, err: fmt.Errorf(format, args...)}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		code := exitFail
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
		}
		fmt.Fprintln(os.Stderr, "loader:", err)
		os.Exit(code)
	}
}

func newRootCmd() *cobra.Command {
	var adminAddr string
	var configPath string

	root := &cobra.Command{
		Use:           "loader",
		Short:         "install or reconfigure the atrace patch set",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&adminAddr, "admin-addr", "http://localhost:8686",
		"base URL of a running atraced admin surface")
	root.PersistentFlags().StringVar(&configPath, "config", "/etc/atrace/atraced.yaml",
		"path to the atraced YAML configuration file, used to validate an install")

	root.AddCommand(newInstallCmd(&configPath))
	root.AddCommand(newStatusCmd(&adminAddr))
	root.AddCommand(newEnableCmd(&adminAddr))
	root.AddCommand(newDisableCmd(&adminAddr))
	root.AddCommand(newQuitCmd(&adminAddr))
	return root
}

func newInstallCmd(configPath *string) *cobra.Command {
	var bufsz uint32
	var disableAll bool
	var funcs []string

	cmd := &cobra.Command{
		Use:   "install",
		Short: "validate a ring capacity, noise policy, and function list against the static table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				return fail(exitUsage, "load config: %w", err)
			}
			if bufsz > 0 {
				cfg.RingCapacity = bufsz
			}
			if disableAll {
				cfg.StartDisabled = true
			}
			if len(funcs) > 0 {
				cfg.EnabledFunctions = funcs
			}

			for _, name := range cfg.EnabledFunctions {
				if _, ok := functable.ByName(name); !ok {
					return fail(exitUsage, "unknown function %q", name)
				}
			}
			for _, name := range cfg.NoiseFunctions {
				if _, ok := functable.ByName(name); !ok {
					return fail(exitUsage, "unknown function %q", name)
				}
			}

			inst, err := installer.Install(probeLibraries(), hostos.NewScheduler(), installer.Options{
				RingCapacity:   cfg.RingCapacity,
				NoiseFuncIDs:   resolveNoiseIDs(cfg.NoiseFunctions),
				StartDisabled:  cfg.StartDisabled,
				EnabledFuncIDs: resolveFuncIDs(cfg.EnabledFunctions),
				Registry:       coord.NewRegistry(),
			})
			if err != nil {
				return fail(exitFail, "install: %w", err)
			}
			defer inst.Quit(context.Background(), coord.NewRegistry(), 0)

			rep := inst.Status()
			fmt.Printf("install ok: ring_capacity=%d start_disabled=%v enabled_functions=%v noise_functions=%v\n",
				rep.RingCapacity, cfg.StartDisabled, cfg.EnabledFunctions, cfg.NoiseFunctions)
			fmt.Println("note: this only validates configuration; the resident atraced process performs the real install at its own startup")
			return nil
		},
	}
	cmd.Flags().Uint32Var(&bufsz, "bufsz", 0, "ring capacity override (0 uses the config file's value)")
	cmd.Flags().BoolVar(&disableAll, "disable", false, "validate as if every patch started disabled")
	cmd.Flags().StringSliceVar(&funcs, "funcs", nil, "validate as if only these lib.func names were enabled")
	return cmd
}

func newStatusCmd(adminAddr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "print counters and per-patch enable state from a running atraced",
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

func newEnableCmd(adminAddr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "enable [name...]",
		Short: "enable one or more lib.func names (global enable if none given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return applyFuncAction(*adminAddr, "enable", args)
		},
	}
}

func newDisableCmd(adminAddr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "disable [name...]",
		Short: "disable one or more lib.func names (global disable if none given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return applyFuncAction(*adminAddr, "disable", args)
		},
	}
}

func newQuitCmd(adminAddr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "quit",
		Short: "tear down the ring and unregister the installation",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Post(*adminAddr+"/admin/quit", "application/json", nil)
			if err != nil {
				return fail(exitFail, "reach atraced admin surface: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusAccepted {
				return fail(exitFail, "quit: %s", readErrorBody(resp))
			}
			fmt.Println("quit accepted")
			return nil
		},
	}
}

// applyFuncAction drives ENABLE/DISABLE. With no names it issues the
// global form over /admin/enable or /admin/disable with "all": true,
// applying to every patch in one request. With names it first
// validates every one resolves to a known lib.func before issuing any
// request at all, so an unknown name in the list never leaves an
// earlier name's request already applied; each validated name is then
// applied with its own request, so a failure at that point (the admin
// surface rejecting a specific name, or becoming unreachable) is a
// genuine runtime error rather than a validation failure, and does not
// roll back names already applied before it.
func applyFuncAction(adminAddr, action string, names []string) error {
	if len(names) == 0 {
		rep, err := postGlobalFuncAction(adminAddr, action)
		if err != nil {
			return err
		}
		printStatus(rep)
		return nil
	}

	for _, name := range names {
		if _, ok := functable.ByName(name); !ok {
			return fail(exitUsage, "unknown function %q", name)
		}
	}

	var rep *installer.StatusReport
	for _, name := range names {
		var err error
		rep, err = postFuncAction(adminAddr, action, name)
		if err != nil {
			return err
		}
	}
	printStatus(rep)
	return nil
}

func postGlobalFuncAction(adminAddr, action string) (*installer.StatusReport, error) {
	body, _ := json.Marshal(map[string]bool{"all": true})
	resp, err := http.Post(adminAddr+"/admin/"+action, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fail(exitFail, "reach atraced admin surface: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fail(exitUsage, "global %s: %s", action, readErrorBody(resp))
	}
	var rep installer.StatusReport
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		return nil, fail(exitUsage, "decode status response: %w", err)
	}
	return &rep, nil
}

func postFuncAction(adminAddr, action, name string) (*installer.StatusReport, error) {
	body, _ := json.Marshal(map[string]string{"name": name})
	resp, err := http.Post(adminAddr+"/admin/"+action, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fail(exitFail, "reach atraced admin surface: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fail(exitFail, "%s %q: %s", action, name, readErrorBody(resp))
	}
	var rep installer.StatusReport
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		return nil, fail(exitUsage, "decode status response: %w", err)
	}
	return &rep, nil
}

func getStatus(adminAddr string) (*installer.StatusReport, error) {
	resp, err := http.Get(adminAddr + "/status")
	if err != nil {
		return nil, fail(exitFail, "reach atraced admin surface: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fail(exitFail, "status: %s", readErrorBody(resp))
	}
	var rep installer.StatusReport
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		return nil, fail(exitUsage, "decode status response: %w", err)
	}
	return &rep, nil
}

func printStatus(rep *installer.StatusReport) {
	fmt.Printf("global_enabled=%v ring=%d/%d overflow=%d\n", rep.GlobalEnabled, rep.RingUsed, rep.RingCapacity, rep.Overflow)
	for _, p := range rep.Patches {
		state := "disabled"
		if p.Enabled {
			state = "enabled"
		}
		fmt.Printf("  %-24s %-8s use_count=%d\n", p.Name, state, p.UseCount)
	}
}

func readErrorBody(resp *http.Response) string {
	b, _ := io.ReadAll(resp.Body)
	return string(b)
}

// probeLibraries builds a minimal exec.library/dos.library standing in
// for the real simulated host OS, just enough for installer.Install to
// validate every functable.Table entry resolves to an open library.
func probeLibraries() *hostos.Registry {
	reg := hostos.NewRegistry()
	exec := map[int16]hostos.Target{}
	dos := map[int16]hostos.Target{}
	noop := func(shared.CallerID, []uint32) int32 { return 0 }
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

func resolveFuncIDs(names []string) []int {
	if names == nil {
		return nil
	}
	ids := make([]int, 0, len(names))
	for _, name := range names {
		if id, ok := functable.ByName(name); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func resolveNoiseIDs(names []string) []int {
	if len(names) == 0 {
		ids := make([]int, 0)
		for i := range functable.Table {
			if functable.Table[i].Noise {
				ids = append(ids, i)
			}
		}
		return ids
	}
	return resolveFuncIDs(names)
}
