package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// metrics is nil safe so a pipeline without a working meter still runs.
type metrics struct {
	turns     metric.Int64Counter
	fallbacks metric.Int64Counter
	stages    metric.Float64Histogram
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	turns, err := meter.Int64Counter("persona.turns",
		metric.WithDescription("Finished turns by outcome"))
	if err != nil {
		return nil, err
	}
	fallbacks, err := meter.Int64Counter("persona.generation.fallbacks",
		metric.WithDescription("Turns that spoke the user's text because generation failed"))
	if err != nil {
		return nil, err
	}
	stages, err := meter.Float64Histogram("persona.stage.duration",
		metric.WithDescription("Pipeline stage latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	return &metrics{turns: turns, fallbacks: fallbacks, stages: stages}, nil
}

func (m *metrics) turn(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *metrics) fallback(ctx context.Context) {
	if m == nil {
		return
	}
	m.fallbacks.Add(ctx, 1)
}

func (m *metrics) stage(ctx context.Context, name string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Record(ctx, float64(d.Microseconds())/1000, metric.WithAttributes(attribute.String("stage", name)))
}
