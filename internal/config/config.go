// Package config provides YAML configuration loading and validation for
// the atraced consumer daemon.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for atraced.
type Config struct {
	// RingCapacity is the number of slots the installer allocates for the
	// shared event ring. Rounded up to internal/shared.MinRingCapacity if
	// smaller. Defaults to internal/shared.DefaultRingCapacity when zero.
	RingCapacity uint32 `yaml:"ring_capacity"`

	// NoiseFunctions lists the "lib.func" names auto-disabled on a fresh
	// install (spec.md §4.1 "Noise policy"). When empty, every function
	// the static table marks Noise is used.
	NoiseFunctions []string `yaml:"noise_functions"`

	// StartDisabled, when true, installs every patch disabled rather than
	// applying the noise-function default split.
	StartDisabled bool `yaml:"start_disabled"`

	// EnabledFunctions, when non-empty, is the exact set of "lib.func"
	// names enabled at install time instead of "all non-noise functions".
	EnabledFunctions []string `yaml:"enabled_functions"`

	// PollHz is the consumer poll loop's tick frequency. Defaults to 20
	// when zero (spec.md §4.4 "approximately 20 Hz").
	PollHz int `yaml:"poll_hz"`

	// BatchSize bounds how many events one poll tick drains. Defaults to
	// 64 when zero.
	BatchSize int `yaml:"batch_size"`

	// CacheRefreshPolls is how many poll ticks elapse between caller-name
	// cache refreshes. Defaults to 40 when zero.
	CacheRefreshPolls int `yaml:"cache_refresh_polls"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// AdminAddr is the listen address for internal/restapi's HTTP admin
	// surface (e.g. "127.0.0.1:7470"). Required.
	AdminAddr string `yaml:"admin_addr"`

	// JWTPublicKeyPath is the path to the PEM-encoded public key used to
	// verify bearer tokens presented to the admin surface. Required.
	JWTPublicKeyPath string `yaml:"jwt_public_key_path"`

	// AuditLogPath is where internal/audit appends its tamper-evident,
	// hash-chained record of administrative actions. Required.
	AuditLogPath string `yaml:"audit_log_path"`

	// QuitDrainTimeout bounds how long Reconfigure(QUIT) polls use_count
	// before giving up and proceeding anyway. Defaults to 2s when zero.
	QuitDrainTimeout time.Duration `yaml:"quit_drain_timeout"`
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config,
// applies defaults, and validates all required fields. It returns a
// typed error describing every validation failure encountered, not
// just the first.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible
// defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.PollHz == 0 {
		cfg.PollHz = 20
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 64
	}
	if cfg.CacheRefreshPolls == 0 {
		cfg.CacheRefreshPolls = 40
	}
	if cfg.QuitDrainTimeout == 0 {
		cfg.QuitDrainTimeout = 2 * time.Second
	}
}

// validate checks that all required fields are populated and that
// enumerated fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if cfg.AdminAddr == "" {
		errs = append(errs, errors.New("admin_addr is required"))
	}
	if cfg.JWTPublicKeyPath == "" {
		errs = append(errs, errors.New("jwt_public_key_path is required"))
	}
	if cfg.AuditLogPath == "" {
		errs = append(errs, errors.New("audit_log_path is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.PollHz <= 0 {
		errs = append(errs, fmt.Errorf("poll_hz %d must be positive", cfg.PollHz))
	}
	if cfg.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch_size %d must be positive", cfg.BatchSize))
	}
	if cfg.StartDisabled && len(cfg.EnabledFunctions) > 0 {
		errs = append(errs, errors.New("start_disabled and enabled_functions are mutually exclusive"))
	}

	return errors.Join(errs...)
}
