// Package observability provides OpenTelemetry instrumentation for tracing and metrics.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics initializes the OpenTelemetry metrics provider with a Prometheus exporter.
// It returns the HTTP handler for the /metrics endpoint and a shutdown function.
// The shutdown function should be called on application exit for graceful cleanup.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := metric.NewMeterProvider(
		metric.WithReader(exporter),
	)

	otel.SetMeterProvider(provider)

	return promhttp.Handler(), provider.Shutdown, nil
}

// Metrics holds the agent's instruments. A nil *Metrics records nothing.
type Metrics struct {
	submitted otelmetric.Int64Counter
	finished  otelmetric.Int64Counter
	duration  otelmetric.Float64Histogram
	retries   otelmetric.Int64Counter
}

// NewMetrics creates the agent instruments on meter.
// inFlight is sampled on every collection for the in-flight task gauge.
func NewMetrics(meter otelmetric.Meter, inFlight func() int64) (*Metrics, error) {
	var m Metrics
	var err error

	if m.submitted, err = meter.Int64Counter("podagent.tasks.submitted",
		otelmetric.WithDescription("Tasks accepted by the gateway")); err != nil {
		return nil, err
	}
	if m.finished, err = meter.Int64Counter("podagent.tasks.finished",
		otelmetric.WithDescription("Tasks that reached a terminal status")); err != nil {
		return nil, err
	}
	if m.duration, err = meter.Float64Histogram("podagent.task.duration",
		otelmetric.WithDescription("Task execution time"), otelmetric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.retries, err = meter.Int64Counter("podagent.transport.retries",
		otelmetric.WithDescription("Remote calls retried after a transient failure")); err != nil {
		return nil, err
	}

	if inFlight != nil {
		_, err = meter.Int64ObservableGauge("podagent.tasks.in_flight",
			otelmetric.WithDescription("Tasks pending or running"),
			otelmetric.WithInt64Callback(func(_ context.Context, o otelmetric.Int64Observer) error {
				o.Observe(inFlight())
				return nil
			}))
		if err != nil {
			return nil, err
		}
	}
	return &m, nil
}

// TaskSubmitted counts an accepted task.
func (m *Metrics) TaskSubmitted(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	m.submitted.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("operation", operation)))
}

// TaskFinished counts a terminal task and records how long it ran.
func (m *Metrics) TaskFinished(ctx context.Context, operation, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := otelmetric.WithAttributes(attribute.String("operation", operation), attribute.String("status", status))
	m.finished.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}

// TransportRetry counts one retried remote call by failure kind.
func (m *Metrics) TransportRetry(call, kind string) {
	if m == nil {
		return
	}
	m.retries.Add(context.Background(), 1, otelmetric.WithAttributes(attribute.String("kind", kind)))
}
