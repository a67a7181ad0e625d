package daemon

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DaemonMetrics holds operational metrics using OTEL semantic conventions.
// A nil *DaemonMetrics records nothing.
type DaemonMetrics struct {
	passes       metric.Int64Counter
	passDuration metric.Float64Histogram
	skippedTicks metric.Int64Counter
	listed       metric.Int64Gauge
}

// NewDaemonMetrics creates daemon metrics on meter.
func NewDaemonMetrics(meter metric.Meter) (*DaemonMetrics, error) {
	passes, err := meter.Int64Counter(
		"curfew.daemon.passes",
		metric.WithDescription("Number of reconciliation passes"),
		metric.WithUnit("{pass}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create passes: %w", err)
	}

	passDuration, err := meter.Float64Histogram(
		"curfew.daemon.pass.duration",
		metric.WithDescription("Duration of reconciliation passes"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create pass duration: %w", err)
	}

	skippedTicks, err := meter.Int64Counter(
		"curfew.daemon.skipped_ticks",
		metric.WithDescription("Ticks skipped because a pass was still running"),
		metric.WithUnit("{tick}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create skipped ticks: %w", err)
	}

	listed, err := meter.Int64Gauge(
		"curfew.instances.listed",
		metric.WithDescription("Running instances listed by the last pass"),
		metric.WithUnit("{instance}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create listed: %w", err)
	}

	return &DaemonMetrics{
		passes:       passes,
		passDuration: passDuration,
		skippedTicks: skippedTicks,
		listed:       listed,
	}, nil
}

// RecordPass records a pass with its status and duration.
func (m *DaemonMetrics) RecordPass(ctx context.Context, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.passes.Add(ctx, 1, attrs)
	m.passDuration.Record(ctx, durationSeconds, attrs)
}

// RecordSkippedTick records a tick dropped by the pass guard.
func (m *DaemonMetrics) RecordSkippedTick(ctx context.Context) {
	if m == nil {
		return
	}
	m.skippedTicks.Add(ctx, 1)
}

// RecordInstancesListed records how many instances the last pass saw.
func (m *DaemonMetrics) RecordInstancesListed(ctx context.Context, count int64) {
	if m == nil {
		return
	}
	m.listed.Record(ctx, count)
}
