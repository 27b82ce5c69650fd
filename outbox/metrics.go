package outbox

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type dispatcherMetrics struct {
	entriesDispatched   metric.Int64Counter
	entriesFailed       metric.Int64Counter
	entriesDeadLettered metric.Int64Counter
	entriesStateFailed  metric.Int64Counter
	dispatchLatency     metric.Float64Histogram
	batchDepth          metric.Int64Gauge
}

func newDispatcherMetrics(provider metric.MeterProvider) (dispatcherMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("outbox.dispatcher")

	var (
		metrics dispatcherMetrics
		err     error
	)

	metrics.entriesDispatched, err = meter.Int64Counter(
		"outbox.entries.dispatched",
		metric.WithDescription("Number of outbox entries successfully dispatched"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.entries.dispatched counter: %w", err)
	}

	metrics.entriesFailed, err = meter.Int64Counter(
		"outbox.entries.failed",
		metric.WithDescription("Number of outbox entries that failed a dispatch attempt and were scheduled for retry"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.entries.failed counter: %w", err)
	}

	metrics.entriesDeadLettered, err = meter.Int64Counter(
		"outbox.entries.dead_lettered",
		metric.WithDescription("Number of outbox entries moved to the dead letter state"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.entries.dead_lettered counter: %w", err)
	}

	metrics.entriesStateFailed, err = meter.Int64Counter(
		"outbox.entries.state_update_failed",
		metric.WithDescription("Number of outbox entries handled but not persisted as dispatched"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.entries.state_update_failed counter: %w", err)
	}

	metrics.dispatchLatency, err = meter.Float64Histogram(
		"outbox.dispatch.latency",
		metric.WithDescription("Time taken to handle a single outbox entry"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.dispatch.latency histogram: %w", err)
	}

	metrics.batchDepth, err = meter.Int64Gauge(
		"outbox.batch.depth",
		metric.WithDescription("Number of outbox entries claimed in a dispatch cycle"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.batch.depth gauge: %w", err)
	}

	return metrics, nil
}
