package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://guardian@localhost/guardian
orchestrator:
  require_approval: false
  retry:
    max_attempts: 5
    initial_backoff: 2s
memory:
  backend: chromem
github:
  credentials:
    acme: ghp_example
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://guardian@localhost/guardian", cfg.Database.URL.Value())
	assert.False(t, cfg.Orchestrator.RequireApproval)
	assert.Equal(t, 5, cfg.Orchestrator.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Orchestrator.Retry.InitialBackoff)
	assert.Equal(t, time.Minute, cfg.Orchestrator.Retry.MaxBackoff, "untouched keys keep defaults")
	assert.Equal(t, "chromem", cfg.Memory.Backend)
	assert.Equal(t, "ghp_example", cfg.GitHub.Credentials["acme"].Value())
	assert.Equal(t, "Verify", cfg.Orchestrator.SelfHealingStage)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://file
log:
  level: info
`)
	t.Setenv("GUARDIAN_DATABASE__URL", "postgres://env")
	t.Setenv("GUARDIAN_LOG__LEVEL", "debug")
	t.Setenv("GUARDIAN_ORCHESTRATOR__WORKER__NUM_WORKERS", "9")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://env", cfg.Database.URL.Value())
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 9, cfg.Orchestrator.Worker.NumWorkers)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.url")

	cfg.Database.URL = "postgres://x"
	require.NoError(t, cfg.Validate())

	cfg.Auth.Enabled = true
	cfg.Auth.SecretKey = "short"
	assert.ErrorContains(t, cfg.Validate(), "auth.secret_key")

	cfg.Auth.SecretKey = "0123456789abcdef0123456789abcdef"
	cfg.Memory.Backend = "redis"
	assert.ErrorContains(t, cfg.Validate(), "memory.backend")

	cfg.Memory.Backend = "postgres"
	cfg.Orchestrator.Worker.HeartbeatInterval = cfg.Orchestrator.Worker.StuckAfter
	assert.ErrorContains(t, cfg.Validate(), "heartbeat_interval")
}

func TestSecret_NeverPrintsValue(t *testing.T) {
	s := Secret("hunter2")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.Equal(t, "Secret([REDACTED])", fmt.Sprintf("%#v", s))

	data, err := json.Marshal(struct{ Key Secret }{Key: s})
	require.NoError(t, err)
	assert.JSONEq(t, `{"Key":"[REDACTED]"}`, string(data))

	assert.Equal(t, "hunter2", s.Value())
	assert.Equal(t, "", Secret("").String())
}
