// Package config provides YAML configuration loading and validation for the
// taildir agent.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/taildir/taildir/internal/filter"
)

// Config is the top-level configuration structure for the taildir agent.
type Config struct {
	// Dir is the root of the directory tree to tail. Required.
	Dir string `yaml:"dir"`

	// DebounceSeconds is the notification coalescing window in seconds.
	// Defaults to 2 when omitted; an explicit 0 disables debouncing.
	DebounceSeconds *int `yaml:"debounce_seconds"`

	// Watcher selects the notification backend: "event" or "poll".
	// Defaults to "event".
	Watcher string `yaml:"watcher"`

	// PollInterval is the snapshot period of the poll watcher. Defaults to
	// one second.
	PollInterval time.Duration `yaml:"poll_interval"`

	// FilePatterns are glob patterns matched against file base names
	// (e.g. "*.log"). Empty selects every file.
	FilePatterns []string `yaml:"file_patterns"`

	// LinePattern is a regular expression lines must match to be
	// delivered. Empty selects every line.
	LinePattern string `yaml:"line_pattern"`

	// ReopenLimit bounds rotation-recovery reopens per file.
	ReopenLimit ReopenLimit `yaml:"reopen_limit"`

	// QueueSize, when positive, decouples sinks from the watch loop with a
	// bounded queue of this many batches.
	QueueSize int `yaml:"queue_size"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// HTTPAddr is the listen address for the /healthz and /metrics HTTP
	// server (e.g. "127.0.0.1:9000"). Empty disables the server.
	HTTPAddr string `yaml:"http_addr"`

	// HTTPAuth, when PublicKeyPath is set, requires an RS256 bearer token
	// on /metrics. /healthz stays open.
	HTTPAuth HTTPAuthConfig `yaml:"http_auth"`

	// Sinks selects where delivered lines go.
	Sinks SinkConfig `yaml:"sinks"`
}

// HTTPAuthConfig configures bearer-token checks on the HTTP server.
type HTTPAuthConfig struct {
	// PublicKeyPath is a PEM file holding the RSA key tokens are signed
	// with (PKCS#1, PKIX or a certificate).
	PublicKeyPath string `yaml:"public_key_path"`
	// Issuer, if set, must equal the token's iss claim.
	Issuer string `yaml:"issuer"`
	// Audience, if set, must appear in the token's aud claim.
	Audience string `yaml:"audience"`
}

// ReopenLimit is a per-file token bucket for reopen attempts.
type ReopenLimit struct {
	// PerSecond is the sustained reopen rate. Zero means unlimited.
	PerSecond float64 `yaml:"per_second"`
	// Burst is the bucket size. Defaults to 1.
	Burst int `yaml:"burst"`
}

// SinkConfig holds the consumer outputs. At least one must be enabled.
type SinkConfig struct {
	// Stdout prints every batch to standard output.
	Stdout bool `yaml:"stdout"`
	// JSONLPath appends one JSON record per batch to this file.
	JSONLPath string `yaml:"jsonl_path"`
	// SpoolPath stores batches in this SQLite database for a downstream
	// reader (see "taildir drain").
	SpoolPath string `yaml:"spool_path"`
	// Postgres inserts batches into a PostgreSQL table.
	Postgres PostgresSinkConfig `yaml:"postgres"`
}

// PostgresSinkConfig configures the PostgreSQL sink. An empty DSN disables
// it.
type PostgresSinkConfig struct {
	// DSN is a libpq connection string or URL.
	DSN string `yaml:"dsn"`
	// BatchSize is the number of buffered batches that forces a flush.
	// Defaults to 100.
	BatchSize int `yaml:"batch_size"`
	// FlushInterval is the longest a batch stays buffered. Defaults to 1s.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Debounce returns the configured debounce window.
func (c *Config) Debounce() time.Duration {
	if c.DebounceSeconds == nil {
		return DefaultDebounceSeconds * time.Second
	}
	return time.Duration(*c.DebounceSeconds) * time.Second
}

// DefaultDebounceSeconds is applied when debounce_seconds is omitted.
const DefaultDebounceSeconds = 2

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validWatchers is the set of accepted watcher backends.
var validWatchers = map[string]bool{
	"event": true,
	"poll":  true,
}

// Override adjusts a parsed Config before defaults and validation apply,
// e.g. from command-line flags.
type Override func(*Config)

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// overrides and defaults, and validates all required fields.
func LoadConfig(path string, overrides ...Override) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	for _, o := range overrides {
		o(&cfg)
	}
	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// ApplyDefaults fills in zero-value optional fields with sensible defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.DebounceSeconds == nil {
		d := DefaultDebounceSeconds
		cfg.DebounceSeconds = &d
	}
	if cfg.Watcher == "" {
		cfg.Watcher = "event"
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ReopenLimit.Burst == 0 {
		cfg.ReopenLimit.Burst = 1
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Sinks.Postgres.DSN != "" {
		if cfg.Sinks.Postgres.BatchSize == 0 {
			cfg.Sinks.Postgres.BatchSize = 100
		}
		if cfg.Sinks.Postgres.FlushInterval == 0 {
			cfg.Sinks.Postgres.FlushInterval = time.Second
		}
	}
	if !cfg.Sinks.Stdout && cfg.Sinks.JSONLPath == "" && cfg.Sinks.SpoolPath == "" && cfg.Sinks.Postgres.DSN == "" {
		cfg.Sinks.Stdout = true
	}
}

// Validate checks that all required fields are populated and that
// enumerated fields contain only valid values. Every failure is reported.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Dir == "" {
		errs = append(errs, errors.New("dir is required"))
	}
	if cfg.DebounceSeconds != nil && *cfg.DebounceSeconds < 0 {
		errs = append(errs, fmt.Errorf("debounce_seconds %d must not be negative", *cfg.DebounceSeconds))
	}
	if !validWatchers[cfg.Watcher] {
		errs = append(errs, fmt.Errorf("watcher %q must be one of: event, poll", cfg.Watcher))
	}
	if cfg.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("poll_interval %s must not be negative", cfg.PollInterval))
	}
	if cfg.ReopenLimit.PerSecond < 0 {
		errs = append(errs, fmt.Errorf("reopen_limit.per_second %v must not be negative", cfg.ReopenLimit.PerSecond))
	}
	if cfg.ReopenLimit.Burst < 0 {
		errs = append(errs, fmt.Errorf("reopen_limit.burst %d must not be negative", cfg.ReopenLimit.Burst))
	}
	if _, err := filter.Glob(cfg.FilePatterns...); err != nil {
		errs = append(errs, fmt.Errorf("file_patterns: %w", err))
	}
	if _, err := filter.Regexp(cfg.LinePattern); err != nil {
		errs = append(errs, fmt.Errorf("line_pattern: %w", err))
	}
	if cfg.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("queue_size %d must not be negative", cfg.QueueSize))
	}
	if cfg.Sinks.Postgres.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("sinks.postgres.batch_size %d must not be negative", cfg.Sinks.Postgres.BatchSize))
	}
	if cfg.Sinks.Postgres.FlushInterval < 0 {
		errs = append(errs, fmt.Errorf("sinks.postgres.flush_interval %s must not be negative", cfg.Sinks.Postgres.FlushInterval))
	}
	if cfg.HTTPAuth.PublicKeyPath == "" && (cfg.HTTPAuth.Issuer != "" || cfg.HTTPAuth.Audience != "") {
		errs = append(errs, errors.New("http_auth.public_key_path is required when issuer or audience is set"))
	}
	if cfg.HTTPAuth.PublicKeyPath != "" && cfg.HTTPAddr == "" {
		errs = append(errs, errors.New("http_auth requires http_addr"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	return errors.Join(errs...)
}
