// Package config resolves engine settings from defaults, env files, TOML
// config files, environment variables and CLI flags, in that order.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
)

// Defaults. DefaultBinary is the goose CLI, whose `run --recipe` and
// `run --text` interface the runner's argv targets; point `binary` at any
// agent executable implementing that interface.
const (
	DefaultBinary         = "goose"
	DefaultMaxWorkers     = 10
	DefaultInitialWorkers = 2
	DefaultTimeoutSeconds = 300
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
	DefaultServiceName    = "fanout"
)

// Config holds every tunable of the engine.
type Config struct {
	// Binary is the agent executable spawned for command tasks. It must
	// implement the `run --recipe` / `run --text` interface.
	Binary string `toml:"binary"`
	// WorkDir is the working directory for spawned processes.
	WorkDir string `toml:"work_dir"`

	// MaxWorkers caps the parallel pool when a request does not set
	// max_workers.
	MaxWorkers int `toml:"max_workers"`
	// InitialWorkers is the pool's starting size. Reserved for adaptive
	// scaling; the pool currently spawns its full complement up front.
	InitialWorkers int `toml:"initial_workers"`
	// TimeoutSeconds is the default per-task budget.
	TimeoutSeconds int `toml:"timeout_seconds"`

	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`

	// OTLPEndpoint enables trace export when non-empty.
	OTLPEndpoint string `toml:"otlp_endpoint"`
	ServiceName  string `toml:"service_name"`
}

func setDefaults(cfg *Config) {
	cfg.Binary = DefaultBinary
	cfg.MaxWorkers = DefaultMaxWorkers
	cfg.InitialWorkers = DefaultInitialWorkers
	cfg.TimeoutSeconds = DefaultTimeoutSeconds
	cfg.LogLevel = DefaultLogLevel
	cfg.LogFormat = DefaultLogFormat
	cfg.ServiceName = DefaultServiceName
}

// envPrefix namespaces environment overrides.
const envPrefix = "FANOUT_"

// loadFromEnv applies FANOUT_* environment variables.
func loadFromEnv(cfg *Config) {
	setString(&cfg.Binary, "BINARY")
	setString(&cfg.WorkDir, "WORK_DIR")
	setInt(&cfg.MaxWorkers, "MAX_WORKERS")
	setInt(&cfg.InitialWorkers, "INITIAL_WORKERS")
	setInt(&cfg.TimeoutSeconds, "TIMEOUT_SECONDS")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.LogFormat, "LOG_FORMAT")
	setString(&cfg.OTLPEndpoint, "OTLP_ENDPOINT")
	setString(&cfg.ServiceName, "SERVICE_NAME")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// registerFlags binds CLI flags onto the config. Flag defaults mirror the
// already-resolved values so unset flags change nothing.
func registerFlags(cfg *Config, fs *flag.FlagSet) {
	fs.StringVar(&cfg.Binary, "binary", cfg.Binary, "agent executable spawned for command tasks")
	fs.StringVar(&cfg.WorkDir, "workdir", cfg.WorkDir, "working directory for spawned processes")
	fs.IntVar(&cfg.MaxWorkers, "max-workers", cfg.MaxWorkers, "default parallel worker cap")
	fs.IntVar(&cfg.InitialWorkers, "initial-workers", cfg.InitialWorkers, "initial pool size (reserved)")
	fs.IntVar(&cfg.TimeoutSeconds, "timeout", cfg.TimeoutSeconds, "default per-task timeout in seconds")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (text, json, logfmt)")
	fs.StringVar(&cfg.OTLPEndpoint, "otlp-endpoint", cfg.OTLPEndpoint, "OTLP trace endpoint, empty disables tracing")
}

// Validate checks for values no source is allowed to produce.
func (cfg *Config) Validate() error {
	if cfg.Binary == "" {
		return fmt.Errorf("binary must not be empty")
	}
	if cfg.MaxWorkers < 1 {
		return fmt.Errorf("max_workers must be at least 1, got %d", cfg.MaxWorkers)
	}
	if cfg.InitialWorkers < 1 {
		return fmt.Errorf("initial_workers must be at least 1, got %d", cfg.InitialWorkers)
	}
	if cfg.TimeoutSeconds < 1 {
		return fmt.Errorf("timeout_seconds must be at least 1, got %d", cfg.TimeoutSeconds)
	}
	return nil
}
