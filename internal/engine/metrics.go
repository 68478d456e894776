package engine

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics tracks engine activity, exported in Prometheus format. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	runsStarted       metric.Int64Counter
	runsFinished      metric.Int64Counter
	runDuration       metric.Float64Histogram
	eventsPublished   metric.Int64Counter
	subscribersActive metric.Int64UpDownCounter
}

// NewMetrics wires an OpenTelemetry meter backed by the Prometheus exporter.
func NewMetrics() (*Metrics, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	meter := provider.Meter("relay")

	m := &Metrics{}

	m.runsStarted, err = meter.Int64Counter(
		"relay.runs.started",
		metric.WithDescription("Task executions started"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create runs.started counter: %w", err)
	}

	m.runsFinished, err = meter.Int64Counter(
		"relay.runs.finished",
		metric.WithDescription("Task executions finished, by terminal status"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create runs.finished counter: %w", err)
	}

	m.runDuration, err = meter.Float64Histogram(
		"relay.run.duration",
		metric.WithDescription("Task execution duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create run.duration histogram: %w", err)
	}

	m.eventsPublished, err = meter.Int64Counter(
		"relay.events.published",
		metric.WithDescription("Activity events published, by kind"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create events.published counter: %w", err)
	}

	m.subscribersActive, err = meter.Int64UpDownCounter(
		"relay.subscribers.active",
		metric.WithDescription("Live event subscribers"),
		metric.WithUnit("{subscriber}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create subscribers.active counter: %w", err)
	}

	return m, nil
}

// Handler returns the Prometheus scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRunStarted counts an execution start for the given executor kind.
func (m *Metrics) RecordRunStarted(ctx context.Context, kind string) {
	if m == nil || m.runsStarted == nil {
		return
	}
	m.runsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("executor", kind)))
}

// RecordRunFinished counts a terminal transition and its duration.
func (m *Metrics) RecordRunFinished(ctx context.Context, kind string, status TaskStatus, elapsed time.Duration) {
	if m == nil || m.runsFinished == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("executor", kind),
		attribute.String("status", string(status)),
	)
	m.runsFinished.Add(ctx, 1, attrs)
	m.runDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordEventPublished counts one published activity event.
func (m *Metrics) RecordEventPublished(ctx context.Context, kind EventKind) {
	if m == nil || m.eventsPublished == nil {
		return
	}
	m.eventsPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}

// SubscriberConnected tracks a new live subscriber.
func (m *Metrics) SubscriberConnected(ctx context.Context) {
	if m == nil || m.subscribersActive == nil {
		return
	}
	m.subscribersActive.Add(ctx, 1)
}

// SubscriberDisconnected tracks a subscriber going away.
func (m *Metrics) SubscriberDisconnected(ctx context.Context) {
	if m == nil || m.subscribersActive == nil {
		return
	}
	m.subscribersActive.Add(ctx, -1)
}
