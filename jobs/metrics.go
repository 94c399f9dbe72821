package jobs

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records job counts and durations. A nil *Metrics records nothing.
type Metrics struct {
	started  metric.Int64Counter
	failed   metric.Int64Counter
	duration metric.Float64Histogram
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	started, err := meter.Int64Counter("layoutd.jobs.started",
		metric.WithDescription("Jobs started"))
	if err != nil {
		return nil, err
	}

	failed, err := meter.Int64Counter("layoutd.jobs.failed",
		metric.WithDescription("Jobs finished with an error"))
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram("layoutd.jobs.duration",
		metric.WithDescription("Job duration"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &Metrics{started: started, failed: failed, duration: duration}, nil
}

func (m *Metrics) recordStart(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.started.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) recordFinish(ctx context.Context, kind string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("kind", kind))
	if err != nil {
		m.failed.Add(ctx, 1, attrs)
	}
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}
