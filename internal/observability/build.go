package observability

import (
	"context"
	"fmt"
	"time"

	"buildhook/pkg/api"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Step outcomes recorded on buildhook.steps.total.
const (
	StepSucceeded = "success"
	StepFailed    = "error"
	StepAborted   = "aborted"
)

// BuildMetrics records build and step instruments. A nil *BuildMetrics is
// valid and records nothing.
type BuildMetrics struct {
	builds       metric.Int64Counter
	steps        metric.Int64Counter
	stepDuration metric.Float64Histogram
}

// NewBuildMetrics registers the build instruments on meter. queueLen is
// sampled on every collection for the queue depth gauge.
func NewBuildMetrics(meter metric.Meter, queueLen func() int) (*BuildMetrics, error) {
	builds, err := meter.Int64Counter("buildhook.builds.total",
		metric.WithDescription("Finished builds by terminal status"))
	if err != nil {
		return nil, fmt.Errorf("failed to create builds counter: %w", err)
	}

	steps, err := meter.Int64Counter("buildhook.steps.total",
		metric.WithDescription("Finished steps by outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create steps counter: %w", err)
	}

	stepDuration, err := meter.Float64Histogram("buildhook.step.duration",
		metric.WithDescription("Step wall time"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("failed to create step duration histogram: %w", err)
	}

	if queueLen != nil {
		_, err = meter.Int64ObservableGauge("buildhook.queue.depth",
			metric.WithDescription("Builds waiting in the queue"),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(int64(queueLen()))
				return nil
			}))
		if err != nil {
			return nil, fmt.Errorf("failed to create queue depth gauge: %w", err)
		}
	}

	return &BuildMetrics{builds: builds, steps: steps, stepDuration: stepDuration}, nil
}

// BuildFinished counts a build reaching status.
func (m *BuildMetrics) BuildFinished(ctx context.Context, status api.Status) {
	if m == nil {
		return
	}
	m.builds.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}

// StepFinished counts a step and records its duration.
func (m *BuildMetrics) StepFinished(ctx context.Context, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.steps.Add(ctx, 1, attrs)
	m.stepDuration.Record(ctx, d.Seconds(), attrs)
}
