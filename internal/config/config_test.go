package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/atrace/atrace/internal/config"
)

// writeTemp writes content to a temp file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validYAML = `
ring_capacity: 4096
noise_functions: ["AllocMem", "FreeMem"]
poll_hz: 30
batch_size: 32
log_level: debug
admin_addr: "127.0.0.1:7470"
jwt_public_key_path: "/etc/atrace/admin.pub"
audit_log_path: "/var/log/atrace/audit.log"
`

func TestLoadConfig_Valid(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.RingCapacity != 4096 {
		t.Errorf("RingCapacity = %d, want 4096", cfg.RingCapacity)
	}
	if len(cfg.NoiseFunctions) != 2 {
		t.Errorf("NoiseFunctions = %v", cfg.NoiseFunctions)
	}
	if cfg.PollHz != 30 {
		t.Errorf("PollHz = %d, want 30", cfg.PollHz)
	}
	if cfg.BatchSize != 32 {
		t.Errorf("BatchSize = %d, want 32", cfg.BatchSize)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.AdminAddr != "127.0.0.1:7470" {
		t.Errorf("AdminAddr = %q", cfg.AdminAddr)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	yaml := `
admin_addr: "127.0.0.1:7470"
jwt_public_key_path: "/etc/atrace/admin.pub"
audit_log_path: "/var/log/atrace/audit.log"
`
	path := writeTemp(t, yaml)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.PollHz != 20 {
		t.Errorf("default PollHz = %d, want 20", cfg.PollHz)
	}
	if cfg.BatchSize != 64 {
		t.Errorf("default BatchSize = %d, want 64", cfg.BatchSize)
	}
	if cfg.CacheRefreshPolls != 40 {
		t.Errorf("default CacheRefreshPolls = %d, want 40", cfg.CacheRefreshPolls)
	}
	if cfg.QuitDrainTimeout.Seconds() != 2 {
		t.Errorf("default QuitDrainTimeout = %v, want 2s", cfg.QuitDrainTimeout)
	}
}

func TestLoadConfig_MissingAdminAddr(t *testing.T) {
	yaml := `
jwt_public_key_path: "/etc/atrace/admin.pub"
audit_log_path: "/var/log/atrace/audit.log"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for missing admin_addr, got nil")
	}
	if !strings.Contains(err.Error(), "admin_addr") {
		t.Errorf("error %q does not mention admin_addr", err.Error())
	}
}

func TestLoadConfig_MissingJWTPublicKeyPath(t *testing.T) {
	yaml := `
admin_addr: "127.0.0.1:7470"
audit_log_path: "/var/log/atrace/audit.log"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for missing jwt_public_key_path, got nil")
	}
	if !strings.Contains(err.Error(), "jwt_public_key_path") {
		t.Errorf("error %q does not mention jwt_public_key_path", err.Error())
	}
}

func TestLoadConfig_MissingAuditLogPath(t *testing.T) {
	yaml := `
admin_addr: "127.0.0.1:7470"
jwt_public_key_path: "/etc/atrace/admin.pub"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for missing audit_log_path, got nil")
	}
	if !strings.Contains(err.Error(), "audit_log_path") {
		t.Errorf("error %q does not mention audit_log_path", err.Error())
	}
}

func TestLoadConfig_InvalidLogLevel(t *testing.T) {
	yaml := `
admin_addr: "127.0.0.1:7470"
jwt_public_key_path: "/etc/atrace/admin.pub"
audit_log_path: "/var/log/atrace/audit.log"
log_level: "verbose"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error %q does not mention log_level", err.Error())
	}
}

func TestLoadConfig_StartDisabledConflictsWithEnabledFunctions(t *testing.T) {
	yaml := `
admin_addr: "127.0.0.1:7470"
jwt_public_key_path: "/etc/atrace/admin.pub"
audit_log_path: "/var/log/atrace/audit.log"
start_disabled: true
enabled_functions: ["OpenLibrary"]
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for conflicting start_disabled/enabled_functions, got nil")
	}
	if !strings.Contains(err.Error(), "mutually exclusive") {
		t.Errorf("error %q does not mention the conflict", err.Error())
	}
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	missingPath := filepath.Join(t.TempDir(), "nonexistent.yaml")
	_, err := config.LoadConfig(missingPath)
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeTemp(t, ":::invalid yaml:::")
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}
