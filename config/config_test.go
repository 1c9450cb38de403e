package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "claude", cfg.DefaultEngine)
	assert.Equal(t, Duration(5*time.Minute), cfg.InvokeTimeout)
	assert.Equal(t, 20, cfg.ContextWindow)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db_path: /var/lib/agentbridge/bridge.db
default_engine: codex
default_model: gpt-5.2
invoke_timeout: 90s
context_window: 40
log:
  level: debug
  format: text
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/agentbridge/bridge.db", cfg.DBPath)
	assert.Equal(t, "codex", cfg.DefaultEngine)
	assert.Equal(t, "gpt-5.2", cfg.DefaultModel)
	assert.Equal(t, Duration(90*time.Second), cfg.InvokeTimeout)
	assert.Equal(t, 40, cfg.ContextWindow)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("default_engine: codex\n"), 0o600))

	t.Setenv("AGENTBRIDGE_DEFAULT_ENGINE", "claude")
	t.Setenv("AGENTBRIDGE_INVOKE_TIMEOUT", "2m")
	t.Setenv("AGENTBRIDGE_ENCRYPTION_KEY", "env-secret")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "claude", cfg.DefaultEngine)
	assert.Equal(t, Duration(2*time.Minute), cfg.InvokeTimeout)
	assert.Equal(t, "env-secret", cfg.EncryptionSecret)
}

func TestLoad_SecretNeverFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("encryption_secret: leaked\n"), 0o600))
	t.Setenv("AGENTBRIDGE_ENCRYPTION_KEY", "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.EncryptionSecret)
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("invoke_timeout: soon\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}
