// Package config loads the kernel's configuration from a TOML file with an
// environment variable overlay. Validation collects every problem before
// reporting, so a broken file is fixed in one pass.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// EnvPrefix is the prefix for environment overrides.
const EnvPrefix = "PYLON_"

// Config is the full pylond configuration.
type Config struct {
	// PluginPaths are the directories scanned for plugin bundles.
	PluginPaths []string `toml:"plugin_paths"`

	// Watch enables hot reload of changed bundles.
	Watch bool `toml:"watch"`

	Logging Logging `toml:"logging"`
	Events  Events  `toml:"events"`
	Health  Health  `toml:"health"`
	Sandbox Sandbox `toml:"sandbox"`
}

// Logging configures the zerolog output.
type Logging struct {
	// Level is one of trace, debug, info, warn, error.
	Level string `toml:"level"`

	// Format is "json" or "console".
	Format string `toml:"format"`
}

// Events configures the event bus.
type Events struct {
	// HistoryLimit caps the retained event history.
	HistoryLimit int `toml:"history_limit"`
}

// Health configures the health monitor.
type Health struct {
	// DegradedThreshold is the windowed failure count above which a plugin
	// is degraded.
	DegradedThreshold int `toml:"degraded_threshold"`

	// Window is the sliding failure window, e.g. "5m".
	Window string `toml:"window"`
}

// Sandbox sets the default resource bounds for plugins whose manifests are
// silent.
type Sandbox struct {
	MaxMemoryBytes int64 `toml:"max_memory_bytes"`
	TimeoutSeconds int   `toml:"timeout_seconds"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		PluginPaths: []string{"plugins"},
		Logging:     Logging{Level: "info", Format: "console"},
		Events:      Events{HistoryLimit: 1000},
		Health:      Health{DegradedThreshold: 5, Window: "5m"},
		Sandbox:     Sandbox{MaxMemoryBytes: 10 * 1024 * 1024, TimeoutSeconds: 5},
	}
}

// Load reads the TOML file at path, applies environment overrides, and
// validates. A missing file is not an error; defaults plus environment are
// used instead.
func Load(path string) (*Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Defaults apply.
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays PYLON_* environment variables onto the configuration.
func (c *Config) applyEnv() {
	if v, ok := lookup("PLUGIN_PATHS"); ok {
		c.PluginPaths = strings.Split(v, string(os.PathListSeparator))
	}
	if v, ok := lookup("WATCH"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Watch = b
		}
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		c.Logging.Level = v
	}
	if v, ok := lookup("LOG_FORMAT"); ok {
		c.Logging.Format = v
	}
	if v, ok := lookup("HISTORY_LIMIT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.Events.HistoryLimit = n
		}
	}
	if v, ok := lookup("DEGRADED_THRESHOLD"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.Health.DegradedThreshold = n
		}
	}
	if v, ok := lookup("HEALTH_WINDOW"); ok {
		c.Health.Window = v
	}
}

func lookup(name string) (string, bool) {
	return os.LookupEnv(EnvPrefix + name)
}

var validLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "error": true,
}

// Validate checks the configuration, collecting every problem.
func (c *Config) Validate() error {
	var errs []error

	if len(c.PluginPaths) == 0 {
		errs = append(errs, errors.New("plugin_paths must not be empty"))
	}
	if !validLevels[c.Logging.Level] {
		errs = append(errs, fmt.Errorf("logging.level %q is not one of trace, debug, info, warn, error", c.Logging.Level))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = append(errs, fmt.Errorf("logging.format %q must be json or console", c.Logging.Format))
	}
	if c.Events.HistoryLimit <= 0 {
		errs = append(errs, fmt.Errorf("events.history_limit %d must be positive", c.Events.HistoryLimit))
	}
	if c.Health.DegradedThreshold <= 0 {
		errs = append(errs, fmt.Errorf("health.degraded_threshold %d must be positive", c.Health.DegradedThreshold))
	}
	if _, err := c.HealthWindow(); err != nil {
		errs = append(errs, fmt.Errorf("health.window: %w", err))
	}
	if c.Sandbox.MaxMemoryBytes <= 0 {
		errs = append(errs, fmt.Errorf("sandbox.max_memory_bytes %d must be positive", c.Sandbox.MaxMemoryBytes))
	}
	if c.Sandbox.TimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("sandbox.timeout_seconds %d must be positive", c.Sandbox.TimeoutSeconds))
	}

	return errors.Join(errs...)
}

// HealthWindow parses the health window duration.
func (c *Config) HealthWindow() (time.Duration, error) {
	return time.ParseDuration(c.Health.Window)
}

// SandboxTimeout returns the default sandbox wall-clock bound.
func (c *Config) SandboxTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSeconds) * time.Second
}
