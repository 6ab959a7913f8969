package core

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearTestorchEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"TESTORCH_REDIS_URL", "TESTORCH_QUEUE_DEFAULT", "TESTORCH_QUEUE_HIGH",
		"TESTORCH_QUEUE_CRITICAL", "TESTORCH_QUEUE_DLQ", "TESTORCH_MAX_RETRIES",
		"TESTORCH_RETRY_DELAY_MS", "TESTORCH_STATE_PREFIX", "TESTORCH_STATE_DEFAULT_TTL_SEC",
		"TESTORCH_EVENTS_PREFIX", "TESTORCH_MAX_CONCURRENCY", "TESTORCH_EXECUTOR_MODE",
		"TESTORCH_EXECUTOR_TIMEOUT_MS", "TESTORCH_REPORT_DIR", "TESTORCH_TESTS_DIR",
		"TESTORCH_HEALTH_INTERVAL_MS", "TESTORCH_HEALTH_FAILURE_THRESHOLD",
		"TESTORCH_HEALTH_RECOVERY_THRESHOLD",
	}
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoadConfigFromEnvDefaults(t *testing.T) {
	clearTestorchEnv(t)

	cfg := LoadConfigFromEnv()

	assert.Equal(t, "redis://localhost:6379", cfg.Redis.URL)
	assert.Equal(t, "testorch:queue:default", cfg.Queue.Default)
	assert.Equal(t, "testorch:queue:critical", cfg.Queue.Critical)
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Queue.RetryDelay)
	assert.Equal(t, 4, cfg.Router.MaxConcurrency)
	assert.Equal(t, "simulate", cfg.Executor.Mode)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigFromEnvOverrides(t *testing.T) {
	clearTestorchEnv(t)
	t.Setenv("TESTORCH_REDIS_URL", "redis://redis.internal:6380")
	t.Setenv("TESTORCH_MAX_RETRIES", "5")
	t.Setenv("TESTORCH_MAX_CONCURRENCY", "8")
	t.Setenv("TESTORCH_EXECUTOR_MODE", "process")

	cfg := LoadConfigFromEnv()

	assert.Equal(t, "redis://redis.internal:6380", cfg.Redis.URL)
	assert.Equal(t, 5, cfg.Queue.MaxRetries)
	assert.Equal(t, 8, cfg.Router.MaxConcurrency)
	assert.Equal(t, "process", cfg.Executor.Mode)
}

func TestLoadConfigFromEnvFileOverlayAndEnvPrecedence(t *testing.T) {
	clearTestorchEnv(t)

	path := t.TempDir() + "/testorchd.yaml"
	require.NoError(t, os.WriteFile(path, []byte(`
redis:
  url: redis://from-file:6379
queue:
  max_retries: 7
router:
  max_concurrency: 6
executor:
  mode: process
`), 0o644))
	t.Setenv("TESTORCH_CONFIG_FILE", path)

	cfg := LoadConfigFromEnv()
	assert.Equal(t, "redis://from-file:6379", cfg.Redis.URL)
	assert.Equal(t, 7, cfg.Queue.MaxRetries)
	assert.Equal(t, 6, cfg.Router.MaxConcurrency)
	assert.Equal(t, "process", cfg.Executor.Mode)
	// Fields the file doesn't set still fall back to built-in defaults.
	assert.Equal(t, "testorch:queue:default", cfg.Queue.Default)

	t.Setenv("TESTORCH_MAX_CONCURRENCY", "9")
	cfg = LoadConfigFromEnv()
	assert.Equal(t, 9, cfg.Router.MaxConcurrency, "an explicit env var overrides the config file")
	assert.Equal(t, "redis://from-file:6379", cfg.Redis.URL, "file overlay still applies where env is unset")
}

func TestLoadConfigFromEnvIgnoresMissingConfigFile(t *testing.T) {
	clearTestorchEnv(t)
	t.Setenv("TESTORCH_CONFIG_FILE", "/nonexistent/testorchd.yaml")

	cfg := LoadConfigFromEnv()
	assert.Equal(t, "redis://localhost:6379", cfg.Redis.URL)
	require.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	clearTestorchEnv(t)
	cfg := LoadConfigFromEnv()

	cfg.Queue.MaxRetries = -1
	assert.Error(t, cfg.Validate())

	cfg = LoadConfigFromEnv()
	cfg.Router.MaxConcurrency = 0
	assert.Error(t, cfg.Validate())

	cfg = LoadConfigFromEnv()
	cfg.Executor.Mode = "bogus"
	assert.Error(t, cfg.Validate())

	cfg = LoadConfigFromEnv()
	cfg.Redis.URL = ""
	assert.Error(t, cfg.Validate())
}
