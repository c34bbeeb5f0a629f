// Package telemetry provides the OpenTelemetry meter shared by the queue,
// cache and breaker packages. Instruments are recorded against the global
// MeterProvider, which is a no-op until the host installs an SDK provider.
package telemetry

import (
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// ScopeName is the instrumentation scope for every instrument in this module.
const ScopeName = "github.com/phrazzld/aiqueue"

// Meter returns the module meter from provider, or from the global provider
// when provider is nil.
func Meter(provider metric.MeterProvider) metric.Meter {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	return provider.Meter(ScopeName)
}

// Counter creates an Int64Counter, falling back to a no-op instrument when the
// provider rejects the definition.
func Counter(meter metric.Meter, name, description string, logger *slog.Logger) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		logger.Warn("failed to create counter, using no-op", "instrument", name, "error", err)
		return noop.Int64Counter{}
	}
	return c
}

// Histogram creates a Float64Histogram in seconds, falling back to a no-op
// instrument when the provider rejects the definition.
func Histogram(meter metric.Meter, name, description string, logger *slog.Logger) metric.Float64Histogram {
	h, err := meter.Float64Histogram(name, metric.WithDescription(description), metric.WithUnit("s"))
	if err != nil {
		logger.Warn("failed to create histogram, using no-op", "instrument", name, "error", err)
		return noop.Float64Histogram{}
	}
	return h
}
