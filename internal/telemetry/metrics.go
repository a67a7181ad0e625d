package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records governor domain events. A nil *Metrics is valid and
// records nothing, so components can be built without telemetry in tests.
type Metrics struct {
	decisions     metric.Int64Counter
	overrides     metric.Int64Counter
	notifications metric.Int64Counter
	lookups       metric.Int64Counter
	stops         metric.Int64Counter
}

// NewMetrics creates the governor instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	decisions, err := meter.Int64Counter(
		"curfew.decisions",
		metric.WithDescription("Escalation decisions by action"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create decisions: %w", err)
	}

	overrides, err := meter.Int64Counter(
		"curfew.overrides",
		metric.WithDescription("Override requests by transport, action and outcome"),
		metric.WithUnit("{override}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create overrides: %w", err)
	}

	notifications, err := meter.Int64Counter(
		"curfew.notifications",
		metric.WithDescription("Chat notifications by kind and outcome"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create notifications: %w", err)
	}

	lookups, err := meter.Int64Counter(
		"curfew.directory.lookups",
		metric.WithDescription("Owner directory lookups by outcome"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create lookups: %w", err)
	}

	stops, err := meter.Int64Counter(
		"curfew.instance.stops",
		metric.WithDescription("Instance stop calls by outcome"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create stops: %w", err)
	}

	return &Metrics{
		decisions:     decisions,
		overrides:     overrides,
		notifications: notifications,
		lookups:       lookups,
		stops:         stops,
	}, nil
}

// RecordDecision counts one reconciler decision.
func (m *Metrics) RecordDecision(ctx context.Context, action string) {
	if m == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

// RecordOverride counts one override request.
func (m *Metrics) RecordOverride(ctx context.Context, transport, action, outcome string) {
	if m == nil {
		return
	}
	m.overrides.Add(ctx, 1, metric.WithAttributes(
		attribute.String("transport", transport),
		attribute.String("action", action),
		attribute.String("outcome", outcome),
	))
}

// RecordNotification counts one notification attempt.
func (m *Metrics) RecordNotification(ctx context.Context, kind, outcome string) {
	if m == nil {
		return
	}
	m.notifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}

// RecordLookup counts one directory lookup.
func (m *Metrics) RecordLookup(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordStop counts one provider stop call.
func (m *Metrics) RecordStop(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.stops.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
