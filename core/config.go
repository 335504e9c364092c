package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds process-wide framework settings: logging, telemetry sink
// wiring, and which cache/persistence provider backends are active.
// It supports three-layer priority, lowest to highest: struct defaults,
// environment variables, then functional Options — the same priority
// order the teacher's own Config uses.
type Config struct {
	Logging LoggingConfig

	TelemetryEnabled  bool
	TelemetryEndpoint string

	CacheProvider       string // backend name, or "" to auto-select when exactly one is registered
	PersistenceProvider string

	// DevelopmentMode relaxes provider-selection ambiguity (first match
	// with a warning instead of a hard failure) per spec.md §4.5/§9.
	DevelopmentMode bool
}

// Option mutates a Config during construction.
type Option func(*Config) error

// DefaultConfig returns framework defaults before env/option overlay.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		TelemetryEnabled: false,
		DevelopmentMode:  false,
	}
}

// LoadFromEnv overlays recognized PIPELINE_* environment variables onto c.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("PIPELINE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PIPELINE_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("PIPELINE_TELEMETRY_ENABLED"); v != "" {
		c.TelemetryEnabled = parseBool(v)
	}
	if v := os.Getenv("PIPELINE_TELEMETRY_ENDPOINT"); v != "" {
		c.TelemetryEndpoint = v
	}
	if v := os.Getenv("PIPELINE_CACHE_PROVIDER"); v != "" {
		c.CacheProvider = v
	}
	if v := os.Getenv("PIPELINE_PERSISTENCE_PROVIDER"); v != "" {
		c.PersistenceProvider = v
	}
	if v := os.Getenv("PIPELINE_DEV_MODE"); v != "" {
		c.DevelopmentMode = parseBool(v)
	}
	return nil
}

func parseBool(s string) bool {
	b, _ := strconv.ParseBool(strings.TrimSpace(s))
	return b
}

// NewConfig builds a Config by applying DefaultConfig, then env vars,
// then opts, then validating.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("applying config option: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, NewFrameworkError("core.NewConfig", KindConfiguration, err)
	}
	return cfg, nil
}

// Validate checks invariants that must hold before startup proceeds.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: invalid log level %q", ErrInvalidConfiguration, c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("%w: invalid log format %q", ErrInvalidConfiguration, c.Logging.Format)
	}
	return nil
}

// WithLogLevel sets the logging level.
func WithLogLevel(level string) Option {
	return func(c *Config) error { c.Logging.Level = level; return nil }
}

// WithLogFormat sets the logging format ("json" or "text").
func WithLogFormat(format string) Option {
	return func(c *Config) error { c.Logging.Format = format; return nil }
}

// WithTelemetry enables the telemetry sink and sets its export endpoint.
func WithTelemetry(enabled bool, endpoint string) Option {
	return func(c *Config) error {
		c.TelemetryEnabled = enabled
		c.TelemetryEndpoint = endpoint
		return nil
	}
}

// WithCacheProvider pins the cache backend to use when multiple are
// registered (spec.md §4.5 provider selection).
func WithCacheProvider(name string) Option {
	return func(c *Config) error { c.CacheProvider = name; return nil }
}

// WithPersistenceProvider pins the persistence backend to use when
// multiple are registered.
func WithPersistenceProvider(name string) Option {
	return func(c *Config) error { c.PersistenceProvider = name; return nil }
}

// WithDevelopmentMode toggles relaxed provider-selection behavior.
func WithDevelopmentMode(enabled bool) Option {
	return func(c *Config) error { c.DevelopmentMode = enabled; return nil }
}
