package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server  ServerConfig       `mapstructure:"server" validate:"required"`
	Redis   RedisConfig        `mapstructure:"redis"`
	Cache   CacheConfig        `mapstructure:"cache" validate:"required"`
	Queue   QueueManagerConfig `mapstructure:"queue" validate:"required"`
	Breaker BreakerConfig      `mapstructure:"breaker" validate:"required"`
	Retry   RetryConfig        `mapstructure:"retry" validate:"required"`
	LLM     LLMConfig          `mapstructure:"llm"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel        string        `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// RedisConfig configures the durable store. The store is only contacted when
// Enabled is true; a disabled store is a supported, degraded configuration.
type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Addr         string        `mapstructure:"addr" validate:"required_if=Enabled true,omitempty,hostname_port"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db" validate:"gte=0,lte=15"`
	PoolSize     int           `mapstructure:"pool_size" validate:"gte=0"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" validate:"gte=0"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" validate:"gte=0"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"gte=0"`
}

// CacheConfig configures the memory tier and the per-type cache settings.
type CacheConfig struct {
	MemoryMaxItems int                        `mapstructure:"memory_max_items" validate:"gt=0"`
	MemoryTTL      time.Duration              `mapstructure:"memory_ttl" validate:"gt=0"`
	Types          map[string]CacheTypeConfig `mapstructure:"types" validate:"required,dive"`
}

// CacheTypeConfig configures one cache type. A zero TTL is rejected unless
// NoExpiry is set, so "never expire" is always an explicit choice.
type CacheTypeConfig struct {
	Prefix        string        `mapstructure:"prefix" validate:"required"`
	TTL           time.Duration `mapstructure:"ttl" validate:"required_unless=NoExpiry true,gte=0"`
	MemoryEnabled bool          `mapstructure:"memory_enabled"`
	NoExpiry      bool          `mapstructure:"no_expiry"`
}

// Expiry returns the durable-tier TTL, or zero for entries that never expire.
func (c CacheTypeConfig) Expiry() time.Duration {
	if c.NoExpiry {
		return 0
	}
	return c.TTL
}

// QueueManagerConfig holds settings shared by all queues plus one entry per queue type.
type QueueManagerConfig struct {
	// LockDuration is how long a worker's lease on an active job lasts.
	// Heartbeats renew it at half this interval.
	LockDuration time.Duration `mapstructure:"lock_duration" validate:"gt=0"`

	// MaintenanceInterval is how often delayed jobs are promoted and
	// expired leases are reaped.
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval" validate:"gt=0"`

	// PollInterval bounds how long an idle worker waits before checking
	// the backend again when no wake-up signal arrives.
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`

	// BatchSize is the default chunk size for batch jobs.
	BatchSize int `mapstructure:"batch_size" validate:"gt=0,lte=100"`

	Queues map[string]QueueConfig `mapstructure:"queues" validate:"required,dive,keys,oneof=skin-analysis face-detection batch-processing model-training,endkeys"`
}

// QueueConfig configures one queue type. It is immutable once the manager is built.
type QueueConfig struct {
	Concurrency     int           `mapstructure:"concurrency" validate:"gt=0,lte=100"`
	DefaultDelay    time.Duration `mapstructure:"default_delay" validate:"gte=0"`
	RetainCompleted int           `mapstructure:"retain_completed" validate:"gte=0"`
	RetainFailed    int           `mapstructure:"retain_failed" validate:"gte=0"`
	MaxAttempts     int           `mapstructure:"max_attempts" validate:"gt=0"`
	Backoff         time.Duration `mapstructure:"backoff" validate:"gte=0"`

	// MemoryFallback lets the queue run on an in-process backend when the
	// durable store is disabled. Jobs on such a queue do not survive a restart.
	MemoryFallback bool `mapstructure:"memory_fallback"`
}

// BreakerConfig holds the default circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold" validate:"gt=0"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout" validate:"gt=0"`
	SuccessThreshold uint32        `mapstructure:"success_threshold" validate:"gt=0"`
	CallTimeout      time.Duration `mapstructure:"call_timeout" validate:"gte=0"`
}

// RetryConfig holds the default retry policy.
type RetryConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts" validate:"gt=0,lte=20"`
	Strategy      string        `mapstructure:"strategy" validate:"required,oneof=exponential linear fixed immediate"`
	BaseDelay     time.Duration `mapstructure:"base_delay" validate:"gte=0"`
	MaxDelay      time.Duration `mapstructure:"max_delay" validate:"gtefield=BaseDelay"`
	BackoffFactor float64       `mapstructure:"backoff_factor" validate:"gte=1"`
	Jitter        bool          `mapstructure:"jitter"`
}

// LLMConfig contains the Gemini integration settings. Handlers for the
// analysis queues are only registered when Enabled is true.
type LLMConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	GeminiAPIKey   string        `mapstructure:"gemini_api_key" validate:"required_if=Enabled true"`
	ModelName      string        `mapstructure:"model_name" validate:"required_if=Enabled true"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gte=0"`
}
