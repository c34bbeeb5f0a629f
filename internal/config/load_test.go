package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupEnv sets up environment variables for testing
func setupEnv(t *testing.T, envVars map[string]string) {
	t.Helper()
	for name, value := range envVars {
		t.Setenv(name, value)
	}
}

// TestLoadDefaults verifies that Load produces the documented defaults when
// no environment variables or config file are present.
func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()

	require.NoError(t, err, "Load() should not return an error with default values")
	require.NotNil(t, cfg)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.False(t, cfg.Redis.Enabled, "durable store must be opt-in")

	assert.Equal(t, 1000, cfg.Cache.MemoryMaxItems)
	assert.Equal(t, 15*time.Minute, cfg.Cache.MemoryTTL)
	require.Contains(t, cfg.Cache.Types, "user-preferences")
	assert.False(t, cfg.Cache.Types["user-preferences"].MemoryEnabled)
	assert.Equal(t, 24*time.Hour, cfg.Cache.Types["user-preferences"].TTL)
	assert.Equal(t, "ai:analysis:", cfg.Cache.Types["ai-analysis"].Prefix)

	require.Len(t, cfg.Queue.Queues, 4)
	assert.Equal(t, 5, cfg.Queue.Queues["skin-analysis"].Concurrency)
	assert.Equal(t, 10, cfg.Queue.Queues["face-detection"].Concurrency)
	assert.Equal(t, 1, cfg.Queue.Queues["model-training"].Concurrency)
	assert.Equal(t, 5*time.Second, cfg.Queue.Queues["model-training"].DefaultDelay)
	assert.False(t, cfg.Queue.Queues["model-training"].MemoryFallback)
	assert.Equal(t, 100, cfg.Queue.Queues["skin-analysis"].RetainCompleted)
	assert.Equal(t, 50, cfg.Queue.Queues["skin-analysis"].RetainFailed)

	assert.Equal(t, uint32(5), cfg.Breaker.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.Breaker.ResetTimeout)
	assert.Equal(t, uint32(3), cfg.Breaker.SuccessThreshold)

	assert.Equal(t, "exponential", cfg.Retry.Strategy)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 2.0, cfg.Retry.BackoffFactor)

	assert.Equal(t, cfg, Default())
}

// TestLoadFromEnv verifies that the Load function correctly reads values from environment variables.
func TestLoadFromEnv(t *testing.T) {
	setupEnv(t, map[string]string{
		"AIQ_SERVER_PORT":                            "9090",
		"AIQ_SERVER_LOG_LEVEL":                       "debug",
		"AIQ_REDIS_ENABLED":                          "true",
		"AIQ_REDIS_ADDR":                             "localhost:6379",
		"AIQ_QUEUE_QUEUES_SKIN_ANALYSIS_CONCURRENCY": "7",
		"AIQ_CACHE_TYPES_AI_ANALYSIS_TTL":            "10m",
		"AIQ_BREAKER_RESET_TIMEOUT":                  "5s",
		"AIQ_LLM_ENABLED":                            "true",
		"AIQ_LLM_GEMINI_API_KEY":                     "test-api-key",
	})

	cfg, err := Load()

	require.NoError(t, err, "Load() should not return an error with valid environment variables")
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 7, cfg.Queue.Queues["skin-analysis"].Concurrency)
	assert.Equal(t, 10*time.Minute, cfg.Cache.Types["ai-analysis"].TTL)
	assert.Equal(t, 5*time.Second, cfg.Breaker.ResetTimeout)
	assert.Equal(t, "test-api-key", cfg.LLM.GeminiAPIKey)
}

// TestLoadFile verifies that values from a config file are applied and that
// environment variables take precedence over them.
func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 7070
cache:
  types:
    session-scores:
      prefix: "ai:session:"
      no_expiry: true
      memory_enabled: true
queue:
  queues:
    face-detection:
      concurrency: 2
      memory_fallback: true
      max_attempts: 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	setupEnv(t, map[string]string{"AIQ_SERVER_PORT": "6060"})

	cfg, err := LoadFile(path)

	require.NoError(t, err)
	assert.Equal(t, 6060, cfg.Server.Port, "environment should win over file")
	assert.Equal(t, 2, cfg.Queue.Queues["face-detection"].Concurrency)
	assert.Equal(t, 5, cfg.Queue.Queues["face-detection"].MaxAttempts)

	custom := cfg.Cache.Types["session-scores"]
	assert.True(t, custom.NoExpiry)
	assert.Equal(t, time.Duration(0), custom.Expiry())
	assert.Equal(t, time.Hour, cfg.Cache.Types["ai-analysis"].Expiry())
}

// TestLoadValidationErrors verifies that the Load function correctly validates the configuration.
func TestLoadValidationErrors(t *testing.T) {
	testCases := []struct {
		name    string
		envVars map[string]string
	}{
		{
			name:    "Invalid port number",
			envVars: map[string]string{"AIQ_SERVER_PORT": "999999"},
		},
		{
			name:    "Invalid log level",
			envVars: map[string]string{"AIQ_SERVER_LOG_LEVEL": "verbose"},
		},
		{
			name:    "Redis enabled without address",
			envVars: map[string]string{"AIQ_REDIS_ENABLED": "true"},
		},
		{
			name:    "Zero cache TTL without no_expiry",
			envVars: map[string]string{"AIQ_CACHE_TYPES_AI_ANALYSIS_TTL": "0s"},
		},
		{
			name:    "Zero concurrency",
			envVars: map[string]string{"AIQ_QUEUE_QUEUES_FACE_DETECTION_CONCURRENCY": "0"},
		},
		{
			name:    "Unknown retry strategy",
			envVars: map[string]string{"AIQ_RETRY_STRATEGY": "random"},
		},
		{
			name:    "LLM enabled without key",
			envVars: map[string]string{"AIQ_LLM_ENABLED": "true"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			setupEnv(t, tc.envVars)

			cfg, err := Load()

			require.Error(t, err, "Load() should return an error with invalid configuration")
			assert.Contains(t, err.Error(), "validation failed")
			assert.Nil(t, cfg, "Config should be nil when an error occurs")
		})
	}
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateUnknownQueueKey(t *testing.T) {
	cfg := Default()
	cfg.Queue.Queues["video"] = QueueConfig{Concurrency: 1, MaxAttempts: 1}

	err := Validate(cfg)
	assert.Error(t, err)
}

func TestValidateQueueValues(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(q *QueueConfig)
	}{
		{"zero concurrency", func(q *QueueConfig) { q.Concurrency = 0 }},
		{"negative max attempts", func(q *QueueConfig) { q.MaxAttempts = -4 }},
		{"negative backoff", func(q *QueueConfig) { q.Backoff = -time.Second }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			q := cfg.Queue.Queues["face-detection"]
			tc.mutate(&q)
			cfg.Queue.Queues["face-detection"] = q

			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), `queue "face-detection"`)
		})
	}

	assert.NoError(t, Validate(Default()))
}

func TestValidateCacheTypeValues(t *testing.T) {
	cfg := Default()
	ct := cfg.Cache.Types["ai-analysis"]
	ct.Prefix = ""
	cfg.Cache.Types["ai-analysis"] = ct

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `cache type "ai-analysis"`)
}
