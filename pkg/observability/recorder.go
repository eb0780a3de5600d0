package observability

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/kadirpekel/manifold/pkg/errcode"
)

var (
	globalMetrics Metrics = NopMetrics{}
	metricsMu     sync.RWMutex
)

// Metrics records the runtime's operational signals. The orchestration
// layer calls it on every attempt; implementations must be safe for
// concurrent use and cheap when idle.
type Metrics interface {
	RecordRequest(ctx context.Context, provider, operation string, duration time.Duration, err error)
	RecordRetry(ctx context.Context, provider string)
	RecordFallback(ctx context.Context, provider string)
	RecordBreakerOpen(ctx context.Context, provider string)
	RecordStreamEvents(ctx context.Context, provider string, count int)
	RecordTokens(ctx context.Context, provider, model string, input, output int)
}

// NopMetrics discards everything. It is the default recorder.
type NopMetrics struct{}

func (NopMetrics) RecordRequest(context.Context, string, string, time.Duration, error) {}
func (NopMetrics) RecordRetry(context.Context, string)                                 {}
func (NopMetrics) RecordFallback(context.Context, string)                              {}
func (NopMetrics) RecordBreakerOpen(context.Context, string)                           {}
func (NopMetrics) RecordStreamEvents(context.Context, string, int)                     {}
func (NopMetrics) RecordTokens(context.Context, string, string, int, int)              {}

// RuntimeMetrics is the Prometheus-exported recorder. A zero value is
// valid and records nothing, which is what InitMetrics hands out when
// metrics are disabled.
type RuntimeMetrics struct {
	provider *sdkmetric.MeterProvider
	registry *prometheus.Registry

	requests     metric.Int64Counter
	duration     metric.Float64Histogram
	retries      metric.Int64Counter
	fallbacks    metric.Int64Counter
	breakerOpens metric.Int64Counter
	streamEvents metric.Int64Counter
	tokens       metric.Int64Counter
}

// outcome labels a finished request: "ok", the classified error code,
// or "unknown" for unclassified failures.
func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var cerr *errcode.Error
	if errors.As(err, &cerr) {
		return string(cerr.Code)
	}
	return "unknown"
}

func (m *RuntimeMetrics) RecordRequest(ctx context.Context, provider, operation string, duration time.Duration, err error) {
	if m == nil || m.requests == nil || m.duration == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.String("operation", operation),
	}
	m.duration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.requests.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("outcome", outcome(err)))...))
}

func (m *RuntimeMetrics) RecordRetry(ctx context.Context, provider string) {
	if m == nil || m.retries == nil {
		return
	}
	m.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

func (m *RuntimeMetrics) RecordFallback(ctx context.Context, provider string) {
	if m == nil || m.fallbacks == nil {
		return
	}
	m.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

func (m *RuntimeMetrics) RecordBreakerOpen(ctx context.Context, provider string) {
	if m == nil || m.breakerOpens == nil {
		return
	}
	m.breakerOpens.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

func (m *RuntimeMetrics) RecordStreamEvents(ctx context.Context, provider string, count int) {
	if m == nil || m.streamEvents == nil || count <= 0 {
		return
	}
	m.streamEvents.Add(ctx, int64(count), metric.WithAttributes(attribute.String("provider", provider)))
}

func (m *RuntimeMetrics) RecordTokens(ctx context.Context, provider, model string, input, output int) {
	if m == nil || m.tokens == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.String("model", model),
	}
	if input > 0 {
		m.tokens.Add(ctx, int64(input), metric.WithAttributes(append(attrs, attribute.String("direction", "input"))...))
	}
	if output > 0 {
		m.tokens.Add(ctx, int64(output), metric.WithAttributes(append(attrs, attribute.String("direction", "output"))...))
	}
}

// Shutdown flushes and stops the meter provider.
func (m *RuntimeMetrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// SetGlobalMetrics installs the process-wide recorder.
func SetGlobalMetrics(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if m == nil {
		m = NopMetrics{}
	}
	globalMetrics = m
}

// GetGlobalMetrics returns the process-wide recorder, never nil.
func GetGlobalMetrics() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetrics
}
