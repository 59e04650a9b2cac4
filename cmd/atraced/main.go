// Command atraced is the consumer daemon: it installs patches over the
// simulated exec.library/dos.library jump tables, runs the poll loop
// that drains the shared ring and formats traced calls, serves the
// HTTP introspection/admin surface, and hosts subscriber sessions for
// atracectl. It loads a YAML configuration file and shuts down
// gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atrace/atrace/internal/audit"
	"github.com/atrace/atrace/internal/config"
	"github.com/atrace/atrace/internal/consumer"
	"github.com/atrace/atrace/internal/coord"
	"github.com/atrace/atrace/internal/functable"
	"github.com/atrace/atrace/internal/hostos"
	"github.com/atrace/atrace/internal/installer"
	"github.com/atrace/atrace/internal/restapi"
	"github.com/atrace/atrace/internal/shared"
	"github.com/atrace/atrace/internal/subscriber"
)

func main() {
	configPath := flag.String("config", "/etc/atrace/atraced.yaml", "path to the atraced YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "atraced: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("admin_addr", cfg.AdminAddr),
		slog.Uint64("ring_capacity", uint64(cfg.RingCapacity)),
	)

	auditLog, err := audit.Open(cfg.AuditLogPath)
	if err != nil {
		logger.Error("failed to open audit log", slog.Any("error", err))
		os.Exit(1)
	}
	defer auditLog.Close()

	libs := buildSimulatedLibraries()
	sched := hostos.NewScheduler()
	coordRegistry := coord.NewRegistry()

	opts := installer.Options{
		RingCapacity:   cfg.RingCapacity,
		NoiseFuncIDs:   resolveNoiseIDs(cfg.NoiseFunctions),
		StartDisabled:  cfg.StartDisabled,
		EnabledFuncIDs: resolveFuncIDs(cfg.EnabledFunctions),
		Logger:         logger,
		Registry:       coordRegistry,
	}
	inst, err := installer.Install(libs, sched, opts)
	if err != nil {
		logger.Error("install failed", slog.Any("error", err))
		os.Exit(1)
	}
	installPayload, _ := json.Marshal(map[string]any{"ring_capacity": cfg.RingCapacity})
	_, _ = auditLog.Append(audit.ActionInstall, installPayload)

	subs := subscriber.NewRegistry(logger, 256)

	formatter := consumer.NewFormatter(sched)
	poller := &consumer.Poller{
		Anchor:            inst.Anchor,
		Formatter:         formatter,
		PollInterval:      time.Second / time.Duration(max(cfg.PollHz, 1)),
		BatchSize:         cfg.BatchSize,
		CacheRefreshPolls: cfg.CacheRefreshPolls,
		Logger:            logger,
	}
	poller.Sink = func(slot *shared.EventSlot, line string) {
		subs.Publish(slot, line)
	}
	poller.Shutdown = subs.Shutdown

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pollErrCh := make(chan error, 1)
	go func() {
		pollErrCh <- poller.Run(ctx)
		close(pollErrCh)
	}()

	var pubKey *rsa.PublicKey
	if cfg.JWTPublicKeyPath != "" {
		pubKey, err = loadRSAPublicKey(cfg.JWTPublicKeyPath)
		if err != nil {
			logger.Error("failed to load JWT public key", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("JWT validation enabled for /admin routes")
	} else {
		logger.Warn("jwt_public_key_path not configured; /admin routes are unauthenticated (dev mode)")
	}

	srv := restapi.NewServer(inst, subs, auditLog, coordRegistry, cfg.QuitDrainTimeout)
	httpServer := &http.Server{
		Addr:         cfg.AdminAddr,
		Handler:      restapi.NewRouter(srv, pubKey),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // /events streams indefinitely
		IdleTimeout:  60 * time.Second,
	}

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("admin HTTP surface listening", slog.String("addr", cfg.AdminAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("admin HTTP server: %w", err)
			return
		}
		close(httpErrCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-pollErrCh:
		if err != nil {
			logger.Error("poll loop error", slog.Any("error", err))
		}
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("admin HTTP server error", slog.Any("error", err))
		}
	}

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin HTTP server shutdown error", slog.Any("error", err))
	}

	quitCtx, quitCancel := context.WithTimeout(context.Background(), cfg.QuitDrainTimeout+time.Second)
	defer quitCancel()
	inst.Quit(quitCtx, coordRegistry, cfg.QuitDrainTimeout)
	_, _ = auditLog.Append(audit.ActionQuit, nil)

	logger.Info("atraced exited cleanly")
}

// buildSimulatedLibraries constructs exec.library and dos.library with
// every functable.Table entry resolving to a plausible simulated
// implementation, the Go stand-in for libraries already open and
// populated by the host OS before atraced ever runs.
func buildSimulatedLibraries() *hostos.Registry {
	reg := hostos.NewRegistry()
	exec := map[int16]hostos.Target{}
	dos := map[int16]hostos.Target{}
	for i := range functable.Table {
		e := &functable.Table[i]
		impl := simulatedTarget(e)
		if e.LibID == functable.LibExec {
			exec[e.LVO] = impl
		} else {
			dos[e.LVO] = impl
		}
	}
	reg.Open(hostos.NewLibrary("exec", functable.LibExec, exec))
	reg.Open(hostos.NewLibrary("dos", functable.LibDOS, dos))
	return reg
}

// simulatedTarget returns a plausible return value for entry's calling
// convention, standing in for the real library function a patched jump
// table would otherwise forward to.
func simulatedTarget(entry *shared.FuncTableEntry) hostos.Target {
	switch entry.Convention {
	case shared.ConvPointerNull:
		return func(shared.CallerID, []uint32) int32 { return 1 }
	case shared.ConvZeroSuccess, shared.ConvReturnCodeZeroSuccess:
		return func(shared.CallerID, []uint32) int32 { return 0 }
	default:
		return func(shared.CallerID, []uint32) int32 { return 0 }
	}
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

func loadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", path, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("%q does not contain PEM data", path)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%q is not an RSA public key", path)
	}
	return rsaPub, nil
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
