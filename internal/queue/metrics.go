package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/phrazzld/aiqueue/internal/domain"
	"github.com/phrazzld/aiqueue/internal/platform/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type instruments struct {
	submitted metric.Int64Counter
	completed metric.Int64Counter
	failed    metric.Int64Counter
	retried   metric.Int64Counter
	stalled   metric.Int64Counter
	duration  metric.Float64Histogram
}

func newInstruments(provider metric.MeterProvider, logger *slog.Logger) instruments {
	meter := telemetry.Meter(provider)
	return instruments{
		submitted: telemetry.Counter(meter, "aiq.queue.jobs.submitted", "Jobs accepted by a queue", logger),
		completed: telemetry.Counter(meter, "aiq.queue.jobs.completed", "Jobs that finished successfully", logger),
		failed:    telemetry.Counter(meter, "aiq.queue.jobs.failed", "Jobs that failed terminally", logger),
		retried:   telemetry.Counter(meter, "aiq.queue.jobs.retried", "Failed executions scheduled for another attempt", logger),
		stalled:   telemetry.Counter(meter, "aiq.queue.jobs.stalled", "Active jobs whose lease expired", logger),
		duration:  telemetry.Histogram(meter, "aiq.queue.job.duration", "Handler execution time per attempt", logger),
	}
}

func queueAttr(qt domain.QueueType) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("queue", string(qt)))
}

func (i instruments) observe(ctx context.Context, qt domain.QueueType, elapsed time.Duration, outcome string) {
	i.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("queue", string(qt)),
		attribute.String("outcome", outcome),
	))
}
