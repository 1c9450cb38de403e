// Package config loads and manages agentbridge configuration.
// Configuration source priority (highest to lowest):
// 1. Environment variables (AGENTBRIDGE_DB_PATH, AGENTBRIDGE_ENCRYPTION_KEY, ...)
// 2. Config file path passed to Load
// 3. ~/.config/agentbridge/config.yaml
// 4. Built-in defaults
//
// The encryption secret is never read from the config file; it comes from
// the AGENTBRIDGE_ENCRYPTION_KEY environment variable only.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML can carry human-readable values
// like "90s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to the standard library duration type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// LogConfig configures structured logging output.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | text
}

// Config holds all deployment settings.
type Config struct {
	// DBPath is the SQLite database location. Empty selects the default
	// under ~/.local/share/agentbridge.
	DBPath string `yaml:"db_path"`

	// WorkspaceRoot is the directory containing repository checkouts
	// maintained by the source-control collaborator.
	WorkspaceRoot string `yaml:"workspace_root"`

	// DefaultEngine/DefaultModel are bound to freshly created sessions.
	DefaultEngine string `yaml:"default_engine"`
	DefaultModel  string `yaml:"default_model"`

	// InvokeTimeout bounds each engine invocation.
	InvokeTimeout Duration `yaml:"invoke_timeout"`

	// ContextWindow limits the transcript tail handed to engines.
	ContextWindow int `yaml:"context_window"`

	Log LogConfig `yaml:"log"`

	// EncryptionSecret derives the vault sealing key. Environment only.
	EncryptionSecret string `yaml:"-"`
}

// Default returns the built-in baseline configuration.
func Default() *Config {
	return &Config{
		WorkspaceRoot: filepath.Join(os.TempDir(), "agentbridge", "workspaces"),
		DefaultEngine: "claude",
		InvokeTimeout: Duration(5 * time.Minute),
		ContextWindow: 20,
		Log:           LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads configuration with the documented source priority. An empty
// path falls back to ~/.config/agentbridge/config.yaml; a missing file is
// not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, ".config", "agentbridge", "config.yaml")
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variables onto the config.
func applyEnv(cfg *Config) {
	if v := os.Getenv("AGENTBRIDGE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("AGENTBRIDGE_WORKSPACE_ROOT"); v != "" {
		cfg.WorkspaceRoot = v
	}
	if v := os.Getenv("AGENTBRIDGE_DEFAULT_ENGINE"); v != "" {
		cfg.DefaultEngine = v
	}
	if v := os.Getenv("AGENTBRIDGE_DEFAULT_MODEL"); v != "" {
		cfg.DefaultModel = v
	}
	if v := os.Getenv("AGENTBRIDGE_INVOKE_TIMEOUT"); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			cfg.InvokeTimeout = Duration(parsed)
		}
	}
	if v := os.Getenv("AGENTBRIDGE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	cfg.EncryptionSecret = os.Getenv("AGENTBRIDGE_ENCRYPTION_KEY")
}
