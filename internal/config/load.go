package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for every environment variable read by Load.
const EnvPrefix = "AIQ"

// Load configuration from environment variables and optionally a config.yaml
// in the working directory. Environment variables take precedence over values
// from config files. Returns a populated Config struct or an error if
// loading/validation fails.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile behaves like Load but reads the given config file instead of
// searching the working directory. An empty path falls back to the search.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Nested keys map to AIQ_SECTION_KEY; hyphens in map keys such as
	// queue names become underscores.
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks a Config built by hand, as tests and embedders do.
// Map values are validated one by one because struct tags on a map field
// only reach its keys.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	for name, q := range cfg.Queue.Queues {
		if err := validate.Struct(q); err != nil {
			return fmt.Errorf("configuration validation failed: queue %q: %w", name, err)
		}
	}
	for name, ct := range cfg.Cache.Types {
		if err := validate.Struct(ct); err != nil {
			return fmt.Errorf("configuration validation failed: cache type %q: %w", name, err)
		}
	}
	return nil
}

// Default returns the configuration Load produces with no file and no
// environment overrides.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: defaults do not unmarshal: %v", err))
	}
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.username", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)

	v.SetDefault("cache.memory_max_items", 1000)
	v.SetDefault("cache.memory_ttl", 15*time.Minute)
	cacheTypes := []struct {
		name          string
		prefix        string
		ttl           time.Duration
		memoryEnabled bool
	}{
		{"ai-analysis", "ai:analysis:", time.Hour, true},
		{"model-predictions", "ai:model:", 30 * time.Minute, true},
		{"user-preferences", "ai:user:", 24 * time.Hour, false},
		{"treatment-recommendations", "ai:treatment:", 2 * time.Hour, true},
	}
	for _, ct := range cacheTypes {
		key := "cache.types." + ct.name
		v.SetDefault(key+".prefix", ct.prefix)
		v.SetDefault(key+".ttl", ct.ttl)
		v.SetDefault(key+".memory_enabled", ct.memoryEnabled)
		v.SetDefault(key+".no_expiry", false)
	}

	v.SetDefault("queue.lock_duration", 30*time.Second)
	v.SetDefault("queue.maintenance_interval", 5*time.Second)
	v.SetDefault("queue.poll_interval", time.Second)
	v.SetDefault("queue.batch_size", 10)
	queues := []struct {
		name           string
		concurrency    int
		delay          time.Duration
		memoryFallback bool
	}{
		{"skin-analysis", 5, 0, true},
		{"face-detection", 10, 0, true},
		{"batch-processing", 3, time.Second, true},
		{"model-training", 1, 5 * time.Second, false},
	}
	for _, q := range queues {
		key := "queue.queues." + q.name
		v.SetDefault(key+".concurrency", q.concurrency)
		v.SetDefault(key+".default_delay", q.delay)
		v.SetDefault(key+".retain_completed", 100)
		v.SetDefault(key+".retain_failed", 50)
		v.SetDefault(key+".max_attempts", 3)
		v.SetDefault(key+".backoff", 2*time.Second)
		v.SetDefault(key+".memory_fallback", q.memoryFallback)
	}

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_timeout", 60*time.Second)
	v.SetDefault("breaker.success_threshold", 3)
	v.SetDefault("breaker.call_timeout", 30*time.Second)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.strategy", "exponential")
	v.SetDefault("retry.base_delay", time.Second)
	v.SetDefault("retry.max_delay", 30*time.Second)
	v.SetDefault("retry.backoff_factor", 2.0)
	v.SetDefault("retry.jitter", true)

	v.SetDefault("llm.enabled", false)
	v.SetDefault("llm.gemini_api_key", "")
	v.SetDefault("llm.model_name", "gemini-2.0-flash")
	v.SetDefault("llm.request_timeout", 30*time.Second)
}
