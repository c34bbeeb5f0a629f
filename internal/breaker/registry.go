package breaker

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/phrazzld/aiqueue/internal/config"
	"github.com/phrazzld/aiqueue/internal/platform/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Registry owns the named breakers of a process. Breakers are created on
// first use from the registry's default thresholds.
type Registry struct {
	defaults config.BreakerConfig
	logger   *slog.Logger

	transitions metric.Int64Counter

	mu        sync.RWMutex
	breakers  map[string]*CircuitBreaker
	listeners []StateChangeFunc
}

// NewRegistry creates an empty registry. A nil provider uses the global
// OpenTelemetry MeterProvider.
func NewRegistry(defaults config.BreakerConfig, logger *slog.Logger, provider metric.MeterProvider) *Registry {
	logger = logger.With("component", "breaker")
	meter := telemetry.Meter(provider)

	return &Registry{
		defaults: defaults,
		logger:   logger,
		transitions: telemetry.Counter(meter, "aiq.breaker.transitions",
			"Circuit breaker state transitions", logger),
		breakers: make(map[string]*CircuitBreaker),
	}
}

// OnStateChange registers fn to observe every transition of every breaker.
func (r *Registry) OnStateChange(fn StateChangeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// GetOrCreate returns the breaker called name, creating it with the
// registry defaults if needed.
func (r *Registry) GetOrCreate(name string) *CircuitBreaker {
	return r.Register(ConfigFrom(name, r.defaults))
}

// Register returns the breaker called cfg.Name, creating it with cfg if it
// does not exist yet. An existing breaker keeps its original thresholds.
func (r *Registry) Register(cfg Config) *CircuitBreaker {
	r.mu.RLock()
	b, ok := r.breakers[cfg.Name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[cfg.Name]; ok {
		return b
	}

	b = New(cfg, r.stateChanged)
	r.breakers[cfg.Name] = b
	r.logger.Debug("circuit breaker created",
		"breaker", cfg.Name,
		"failure_threshold", b.cfg.FailureThreshold,
		"reset_timeout", b.cfg.ResetTimeout,
		"success_threshold", b.cfg.SuccessThreshold)
	return b
}

// Get returns the breaker called name if it exists.
func (r *Registry) Get(name string) (*CircuitBreaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[name]
	return b, ok
}

// AllMetrics returns a snapshot of every breaker, ordered by name.
func (r *Registry) AllMetrics() []Metrics {
	r.mu.RLock()
	list := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.RUnlock()

	out := make([]Metrics, 0, len(list))
	for _, b := range list {
		out = append(out, b.Metrics())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// InState returns the names of breakers currently in state s, sorted.
func (r *Registry) InState(s State) []string {
	var names []string
	for _, m := range r.AllMetrics() {
		if m.State == s {
			names = append(names, m.Name)
		}
	}
	return names
}

// ResetAll forces every breaker closed.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	list := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.RUnlock()

	for _, b := range list {
		b.Reset()
	}
}

func (r *Registry) stateChanged(name string, from, to State) {
	attrs := []any{"breaker", name, "from", string(from), "to", string(to)}
	switch to {
	case StateOpen:
		r.logger.Warn("circuit breaker opened", attrs...)
	case StateHalfOpen:
		r.logger.Info("circuit breaker half-open", attrs...)
	default:
		r.logger.Info("circuit breaker closed", attrs...)
	}

	r.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("breaker", name),
		attribute.String("to", string(to)),
	))

	r.mu.RLock()
	listeners := append([]StateChangeFunc(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		fn(name, from, to)
	}
}
