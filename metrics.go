package txbox

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/oagudo/txbox"

type dispatcherMetrics struct {
	messagesClaimed     metric.Int64Counter
	messagesPublished   metric.Int64Counter
	messagesFailed      metric.Int64Counter
	messagesStateFailed metric.Int64Counter
	dispatchLatency     metric.Float64Histogram
}

func newDispatcherMetrics(provider metric.MeterProvider) (dispatcherMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter(meterName)

	var (
		m   dispatcherMetrics
		err error
	)

	m.messagesClaimed, err = meter.Int64Counter(
		"txbox.outbox.messages.claimed",
		metric.WithDescription("Number of outbox messages leased by the dispatcher"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create txbox.outbox.messages.claimed counter: %w", err)
	}

	m.messagesPublished, err = meter.Int64Counter(
		"txbox.outbox.messages.published",
		metric.WithDescription("Number of outbox messages published and marked succeeded"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create txbox.outbox.messages.published counter: %w", err)
	}

	m.messagesFailed, err = meter.Int64Counter(
		"txbox.outbox.messages.failed",
		metric.WithDescription("Number of outbox messages that failed to publish"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create txbox.outbox.messages.failed counter: %w", err)
	}

	m.messagesStateFailed, err = meter.Int64Counter(
		"txbox.outbox.messages.state_update_failed",
		metric.WithDescription("Number of outbox messages whose publish outcome could not be persisted"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create txbox.outbox.messages.state_update_failed counter: %w", err)
	}

	m.dispatchLatency, err = meter.Float64Histogram(
		"txbox.outbox.dispatch.latency",
		metric.WithDescription("Time taken per dispatch cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create txbox.outbox.dispatch.latency histogram: %w", err)
	}

	return m, nil
}

func noopDispatcherMetrics() dispatcherMetrics {
	m, _ := newDispatcherMetrics(noop.NewMeterProvider())
	return m
}

func (m dispatcherMetrics) record(ctx context.Context, res DispatchResult, seconds float64) {
	if res.Claimed > 0 {
		m.messagesClaimed.Add(ctx, int64(res.Claimed))
	}
	if res.Published > 0 {
		m.messagesPublished.Add(ctx, int64(res.Published))
	}
	if res.Failed > 0 {
		m.messagesFailed.Add(ctx, int64(res.Failed))
	}
	if res.StateUpdateFailed > 0 {
		m.messagesStateFailed.Add(ctx, int64(res.StateUpdateFailed))
	}
	m.dispatchLatency.Record(ctx, seconds)
}

type cleanerMetrics struct {
	rowsDeleted metric.Int64Counter
}

func newCleanerMetrics(provider metric.MeterProvider) (cleanerMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	rowsDeleted, err := provider.Meter(meterName).Int64Counter(
		"txbox.cleanup.rows.deleted",
		metric.WithDescription("Number of succeeded rows removed by the cleanup worker"),
		metric.WithUnit("{row}"),
	)
	if err != nil {
		return cleanerMetrics{}, fmt.Errorf("create txbox.cleanup.rows.deleted counter: %w", err)
	}

	return cleanerMetrics{rowsDeleted: rowsDeleted}, nil
}

func noopCleanerMetrics() cleanerMetrics {
	m, _ := newCleanerMetrics(noop.NewMeterProvider())
	return m
}

func (m cleanerMetrics) record(ctx context.Context, table Table, deleted int64) {
	if deleted <= 0 {
		return
	}
	m.rowsDeleted.Add(ctx, deleted, metric.WithAttributes(attribute.String("table", table.String())))
}
