package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "research.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 3, cfg.Research.MaxIterations)
	assert.Equal(t, 10*time.Minute, cfg.Research.Timeout)
	assert.Equal(t, 500_000, cfg.Research.TokenBudget)
	assert.Equal(t, "memory", cfg.Checkpoint.Backend)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9999"
research:
  max_iterations: 5
  timeout: 2m
  token_budget: 100000
checkpoint:
  backend: sqlite
  path: /tmp/ckpt.db
logging:
  level: debug
  format: console
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, 5, cfg.Research.MaxIterations)
	assert.Equal(t, 2*time.Minute, cfg.Research.Timeout)
	assert.Equal(t, 100_000, cfg.Research.TokenBudget)
	assert.Equal(t, "sqlite", cfg.Checkpoint.Backend)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("LISTEN_ADDR", ":7070")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Checkpoint.RedisURL)
}

func TestLoadInvalidFile(t *testing.T) {
	path := writeConfig(t, "server: [not: valid")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestWatcherReloadsLimits(t *testing.T) {
	path := writeConfig(t, `
research:
  max_iterations: 3
`)
	initial := Default().Research

	w, err := NewWatcher(path, initial, nil)
	require.NoError(t, err)
	defer w.Close()

	updates := make(chan ResearchConfig, 1)
	w.OnChange(func(limits ResearchConfig) {
		select {
		case updates <- limits:
		default:
		}
	})

	require.NoError(t, os.WriteFile(path, []byte(`
research:
  max_iterations: 7
  timeout: 1m
  token_budget: 42000
`), 0o644))

	select {
	case limits := <-updates:
		assert.Equal(t, 7, limits.MaxIterations)
		assert.Equal(t, time.Minute, limits.Timeout)
		assert.Equal(t, 42_000, limits.TokenBudget)
		assert.Equal(t, limits, w.Limits())
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}

func TestWatcherKeepsLastGoodLimitsOnBadFile(t *testing.T) {
	path := writeConfig(t, "research:\n  max_iterations: 3\n")
	initial := Default().Research

	w, err := NewWatcher(path, initial, nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("research: [broken"), 0o644))

	// The watcher skips the bad payload; the limits stay as they were.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, initial, w.Limits())
}
