// Package observability holds the OpenTelemetry instruments for the
// event pipeline.
package observability

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds all metric instruments for the pipeline.
type Metrics struct {
	// Dispatcher metrics
	EventsDispatched metric.Int64Counter
	DispatchFailures metric.Int64Counter
	PoisonedMessages metric.Int64Counter
	PublishLatency   metric.Float64Histogram

	// Projection metrics
	EventsProjected metric.Int64Counter
	EventsSkipped   metric.Int64Counter
	RebuildDuration metric.Float64Histogram
}

// NewMetrics creates all metric instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EventsDispatched, err = meter.Int64Counter(
		"waitqueue.outbox.dispatched",
		metric.WithDescription("Total outbox messages published to the broker"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating outbox.dispatched: %w", err)
	}

	m.DispatchFailures, err = meter.Int64Counter(
		"waitqueue.outbox.failures",
		metric.WithDescription("Total outbox publish failures"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating outbox.failures: %w", err)
	}

	m.PoisonedMessages, err = meter.Int64Counter(
		"waitqueue.outbox.poisoned",
		metric.WithDescription("Total outbox messages quarantined after exhausting retries"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating outbox.poisoned: %w", err)
	}

	m.PublishLatency, err = meter.Float64Histogram(
		"waitqueue.broker.publish_latency",
		metric.WithDescription("Broker publish latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating broker.publish_latency: %w", err)
	}

	m.EventsProjected, err = meter.Int64Counter(
		"waitqueue.projection.processed",
		metric.WithDescription("Total events applied to read views"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating projection.processed: %w", err)
	}

	m.EventsSkipped, err = meter.Int64Counter(
		"waitqueue.projection.skipped",
		metric.WithDescription("Total events skipped by the projection engine"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating projection.skipped: %w", err)
	}

	m.RebuildDuration, err = meter.Float64Histogram(
		"waitqueue.projection.rebuild_duration",
		metric.WithDescription("Projection rebuild duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating projection.rebuild_duration: %w", err)
	}

	return m, nil
}

// NoopMetrics returns instruments that record nothing. Used as the
// default when no meter is injected.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter("waitqueue"))
	return m
}
