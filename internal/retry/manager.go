package retry

import (
	"io"
	"log/slog"
	"sync"
	"time"
)

// Metrics aggregates outcomes for one named operation.
type Metrics struct {
	Operations    int64     `json:"operations"`
	Successes     int64     `json:"successes"`
	Failures      int64     `json:"failures"`
	TotalAttempts int64     `json:"total_attempts"`
	Retries       int64     `json:"retries"`
	LastError     string    `json:"last_error,omitempty"`
	LastErrorAt   time.Time `json:"last_error_at,omitempty"`
}

// AverageAttempts is the mean number of invocations per operation.
func (m Metrics) AverageAttempts() float64 {
	if m.Operations == 0 {
		return 0
	}
	return float64(m.TotalAttempts) / float64(m.Operations)
}

// Manager records retry metrics per policy name. It is safe for concurrent use.
type Manager struct {
	logger *slog.Logger

	mu      sync.Mutex
	metrics map[string]*Metrics
}

// NewManager creates a Manager. A nil logger discards output.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		logger:  logger.With("component", "retry"),
		metrics: make(map[string]*Metrics),
	}
}

// Metrics returns a snapshot of all recorded operations keyed by policy name.
func (m *Manager) Metrics() map[string]Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Metrics, len(m.metrics))
	for name, met := range m.metrics {
		out[name] = *met
	}
	return out
}

// ResetMetrics discards everything recorded so far.
func (m *Manager) ResetMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = make(map[string]*Metrics)
}

func (m *Manager) record(name string, attempts int, err error) {
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	met, ok := m.metrics[name]
	if !ok {
		met = &Metrics{}
		m.metrics[name] = met
	}
	met.Operations++
	met.TotalAttempts += int64(attempts)
	if attempts > 1 {
		met.Retries += int64(attempts - 1)
	}
	if err != nil {
		met.Failures++
		met.LastError = err.Error()
		met.LastErrorAt = time.Now()
		return
	}
	met.Successes++
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func (m *Manager) log() *slog.Logger {
	if m == nil {
		return discardLogger
	}
	return m.logger
}
