package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "valzu-chat"

// Turn outcomes recorded on the duration histogram.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeStopped   = "stopped"
)

// Metrics holds the chat turn instruments. A nil *Metrics records nothing.
type Metrics struct {
	TurnsStarted   metric.Int64Counter
	TurnsCompleted metric.Int64Counter
	TurnsFailed    metric.Int64Counter
	TurnsStopped   metric.Int64Counter
	QuotaBlocked   metric.Int64Counter
	TurnDuration   metric.Float64Histogram
	BreakerChanges metric.Int64Counter
}

// NewMetrics creates the instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWith(otel.GetMeterProvider())
}

// NewMetricsWith creates the instruments on mp.
func NewMetricsWith(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{}
	var err error

	m.TurnsStarted, err = meter.Int64Counter("valzu.turns.started",
		metric.WithDescription("Number of chat turns started"))
	if err != nil {
		return nil, err
	}

	m.TurnsCompleted, err = meter.Int64Counter("valzu.turns.completed",
		metric.WithDescription("Number of chat turns persisted"))
	if err != nil {
		return nil, err
	}

	m.TurnsFailed, err = meter.Int64Counter("valzu.turns.failed",
		metric.WithDescription("Number of chat turns ended by an error"))
	if err != nil {
		return nil, err
	}

	m.TurnsStopped, err = meter.Int64Counter("valzu.turns.stopped",
		metric.WithDescription("Number of chat turns stopped by the client"))
	if err != nil {
		return nil, err
	}

	m.QuotaBlocked, err = meter.Int64Counter("valzu.quota.blocked",
		metric.WithDescription("Number of turns refused by the usage gate"))
	if err != nil {
		return nil, err
	}

	m.TurnDuration, err = meter.Float64Histogram("valzu.turn.duration_seconds",
		metric.WithDescription("Chat turn duration in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	m.BreakerChanges, err = meter.Int64Counter("valzu.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by upstream"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// TurnStarted counts a turn that reached the model.
func (m *Metrics) TurnStarted(ctx context.Context, model string) {
	if m == nil {
		return
	}
	m.TurnsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("model", model)))
}

// TurnEnded counts the turn under its outcome and records its duration.
func (m *Metrics) TurnEnded(ctx context.Context, model, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("model", model))
	switch outcome {
	case OutcomeCompleted:
		m.TurnsCompleted.Add(ctx, 1, attrs)
	case OutcomeStopped:
		m.TurnsStopped.Add(ctx, 1, attrs)
	default:
		m.TurnsFailed.Add(ctx, 1, attrs)
	}
	m.TurnDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("outcome", outcome),
	))
}

// Blocked counts a turn refused by the usage gate.
func (m *Metrics) Blocked(ctx context.Context) {
	if m == nil {
		return
	}
	m.QuotaBlocked.Add(ctx, 1)
}

// BreakerTransition counts a circuit breaker state change. Its signature
// matches resilience.WithObserver.
func (m *Metrics) BreakerTransition(name, from, to string) {
	if m == nil {
		return
	}
	m.BreakerChanges.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("breaker", name),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}
