package txn

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// txnMetrics holds the instruments of a transaction manager.
type txnMetrics struct {
	started        metric.Int64Counter
	completed      metric.Int64Counter
	timedOutTotal  metric.Int64Counter
	promotedTotal  metric.Int64Counter
	active         metric.Int64UpDownCounter
	commitDuration metric.Float64Histogram
}

func newTxnMetrics(meter metric.Meter) (*txnMetrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("icecanetm")
	}

	started, err := meter.Int64Counter(
		"icecanetm.txn.started_total",
		metric.WithDescription("Total number of transactions started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	completed, err := meter.Int64Counter(
		"icecanetm.txn.completed_total",
		metric.WithDescription("Total number of transactions completed, by status."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	timedOut, err := meter.Int64Counter(
		"icecanetm.txn.timed_out_total",
		metric.WithDescription("Total number of transactions aborted by their timeout."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	promoted, err := meter.Int64Counter(
		"icecanetm.txn.promoted_total",
		metric.WithDescription("Total number of transactions handed over to a distributed coordinator."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	active, err := meter.Int64UpDownCounter(
		"icecanetm.txn.active",
		metric.WithDescription("Number of transactions without an outcome."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	commitDuration, err := meter.Float64Histogram(
		"icecanetm.txn.commit.duration",
		metric.WithDescription("Time from commit request to outcome."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &txnMetrics{
		started:        started,
		completed:      completed,
		timedOutTotal:  timedOut,
		promotedTotal:  promoted,
		active:         active,
		commitDuration: commitDuration,
	}, nil
}

func (m *txnMetrics) begun() {
	ctx := context.Background()
	m.started.Add(ctx, 1)
	m.active.Add(ctx, 1)
}

func (m *txnMetrics) finished(o Outcome, commitStarted time.Time) {
	ctx := context.Background()
	status := attribute.String("status", o.Status.String())
	m.completed.Add(ctx, 1, metric.WithAttributes(status))
	m.active.Add(ctx, -1)
	if !commitStarted.IsZero() {
		m.commitDuration.Record(ctx, float64(time.Since(commitStarted))/float64(time.Millisecond), metric.WithAttributes(status))
	}
}

func (m *txnMetrics) timedOut() {
	m.timedOutTotal.Add(context.Background(), 1)
}

func (m *txnMetrics) promoted() {
	m.promotedTotal.Add(context.Background(), 1)
}
