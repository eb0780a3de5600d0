package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics builds the Prometheus-exported OTel instruments. With
// metrics disabled it returns an empty recorder whose methods do
// nothing.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (*RuntimeMetrics, error) {
	if !cfg.Enabled {
		return &RuntimeMetrics{}, nil
	}

	// Instruments land in a private registry so the scrape endpoint
	// only ever exposes manifold series, not whatever the host process
	// registered globally.
	registry := prometheus.NewRegistry()
	promExporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)

	meter := meterProvider.Meter("manifold")

	requests, err := meter.Int64Counter(
		"manifold_provider_requests_total",
		metric.WithDescription("Total provider requests by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create requests counter: %w", err)
	}

	duration, err := meter.Float64Histogram(
		"manifold_provider_request_duration_seconds",
		metric.WithDescription("Provider request duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	retries, err := meter.Int64Counter(
		"manifold_retries_total",
		metric.WithDescription("Total retried attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retries counter: %w", err)
	}

	fallbacks, err := meter.Int64Counter(
		"manifold_fallbacks_total",
		metric.WithDescription("Total fallback switches to another provider"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create fallbacks counter: %w", err)
	}

	breakerOpens, err := meter.Int64Counter(
		"manifold_breaker_opens_total",
		metric.WithDescription("Total circuit breaker open transitions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create breaker opens counter: %w", err)
	}

	streamEvents, err := meter.Int64Counter(
		"manifold_stream_events_total",
		metric.WithDescription("Total streaming events delivered"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream events counter: %w", err)
	}

	tokens, err := meter.Int64Counter(
		"manifold_tokens_total",
		metric.WithDescription("Total tokens by direction"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens counter: %w", err)
	}

	return &RuntimeMetrics{
		provider:     meterProvider,
		registry:     registry,
		requests:     requests,
		duration:     duration,
		retries:      retries,
		fallbacks:    fallbacks,
		breakerOpens: breakerOpens,
		streamEvents: streamEvents,
		tokens:       tokens,
	}, nil
}

// Handler returns the scrape endpoint for the recorder's registry,
// typically mounted at /metrics. With metrics disabled it serves 404.
func (m *RuntimeMetrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
