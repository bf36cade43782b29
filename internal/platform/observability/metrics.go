package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Metrics holds all application metrics
type Metrics struct {
	meter    metric.Meter
	provider *sdkmetric.MeterProvider
	registry *prometheus.Registry

	// Governor metrics
	GovernorQueueSize    metric.Int64Gauge
	GovernorQueueWait    metric.Float64Histogram
	GovernorRetries      metric.Int64Counter
	GovernorRequests     metric.Int64Counter
	GovernorExecDuration metric.Float64Histogram

	// Cache metrics
	CacheHits      metric.Int64Counter
	CacheMisses    metric.Int64Counter
	CacheEvictions metric.Int64Counter
	CacheEntries   metric.Int64Gauge

	// Upstream API metrics
	UpstreamCalls    metric.Int64Counter
	UpstreamDuration metric.Float64Histogram

	// HTTP API metrics
	HTTPRequests metric.Int64Counter
	HTTPDuration metric.Float64Histogram

	// Circuit breaker metrics
	CircuitBreakerState metric.Int64Gauge

	// Error metrics
	Errors metric.Int64Counter
}

// NewMetrics creates a new Metrics instance. When disabled every instrument
// is a no-op, so callers record unconditionally.
func NewMetrics(serviceName string, enabled bool) (*Metrics, error) {
	if !enabled {
		m := &Metrics{meter: noop.NewMeterProvider().Meter(serviceName)}
		if err := m.initMetrics(); err != nil {
			return nil, fmt.Errorf("failed to initialize metrics: %w", err)
		}
		return m, nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// A private registry keeps several Metrics instances (tests) from
	// colliding in the default one.
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	m := &Metrics{
		meter:    provider.Meter(serviceName),
		provider: provider,
		registry: registry,
	}

	if err := m.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return m, nil
}

// initMetrics initializes all metric instruments
func (m *Metrics) initMetrics() error {
	var err error

	// Governor metrics
	m.GovernorQueueSize, err = m.meter.Int64Gauge(
		"quant.governor.queue.size",
		metric.WithDescription("Requests waiting in the governor queue"),
	)
	if err != nil {
		return err
	}

	m.GovernorQueueWait, err = m.meter.Float64Histogram(
		"quant.governor.queue.wait",
		metric.WithDescription("Time from submission to dispatch in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	m.GovernorRetries, err = m.meter.Int64Counter(
		"quant.governor.retries",
		metric.WithDescription("Rate-limited requests re-queued with backoff"),
	)
	if err != nil {
		return err
	}

	m.GovernorRequests, err = m.meter.Int64Counter(
		"quant.governor.requests",
		metric.WithDescription("Governed requests by terminal status"),
	)
	if err != nil {
		return err
	}

	m.GovernorExecDuration, err = m.meter.Float64Histogram(
		"quant.governor.execution.duration",
		metric.WithDescription("Duration of the final execution attempt in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	// Cache metrics
	m.CacheHits, err = m.meter.Int64Counter(
		"quant.cache.hits",
		metric.WithDescription("Total cache hits"),
	)
	if err != nil {
		return err
	}

	m.CacheMisses, err = m.meter.Int64Counter(
		"quant.cache.misses",
		metric.WithDescription("Total cache misses"),
	)
	if err != nil {
		return err
	}

	m.CacheEvictions, err = m.meter.Int64Counter(
		"quant.cache.evictions",
		metric.WithDescription("Entries removed by capacity eviction or expiry"),
	)
	if err != nil {
		return err
	}

	m.CacheEntries, err = m.meter.Int64Gauge(
		"quant.cache.entries",
		metric.WithDescription("Entries physically held by the cache"),
	)
	if err != nil {
		return err
	}

	// Upstream API metrics
	m.UpstreamCalls, err = m.meter.Int64Counter(
		"quant.upstream.calls",
		metric.WithDescription("Total upstream API calls"),
	)
	if err != nil {
		return err
	}

	m.UpstreamDuration, err = m.meter.Float64Histogram(
		"quant.upstream.duration",
		metric.WithDescription("Upstream API call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	// HTTP API metrics
	m.HTTPRequests, err = m.meter.Int64Counter(
		"quant.http.requests",
		metric.WithDescription("Total HTTP API requests"),
	)
	if err != nil {
		return err
	}

	m.HTTPDuration, err = m.meter.Float64Histogram(
		"quant.http.duration",
		metric.WithDescription("HTTP API request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	// Circuit breaker metrics
	m.CircuitBreakerState, err = m.meter.Int64Gauge(
		"quant.circuit_breaker.state",
		metric.WithDescription("Circuit breaker state (0=closed, 1=open, 2=half-open)"),
	)
	if err != nil {
		return err
	}

	// Error metrics
	m.Errors, err = m.meter.Int64Counter(
		"quant.errors",
		metric.WithDescription("Total errors encountered"),
	)
	if err != nil {
		return err
	}

	return nil
}

// RecordGovernorQueueSize records the current queue length
func (m *Metrics) RecordGovernorQueueSize(ctx context.Context, governor string, size int) {
	m.GovernorQueueSize.Record(ctx, int64(size), metric.WithAttributes(
		attribute.String("governor", governor),
	))
}

// RecordGovernorDispatch records how long a request waited before dispatch
func (m *Metrics) RecordGovernorDispatch(ctx context.Context, governor string, waited time.Duration) {
	m.GovernorQueueWait.Record(ctx, float64(waited.Milliseconds()), metric.WithAttributes(
		attribute.String("governor", governor),
	))
}

// RecordGovernorRetry records a re-queued rate-limited request
func (m *Metrics) RecordGovernorRetry(ctx context.Context, governor string) {
	m.GovernorRetries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("governor", governor),
	))
}

// RecordGovernorResult records a request's terminal outcome
func (m *Metrics) RecordGovernorResult(ctx context.Context, governor, status string, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("governor", governor),
		attribute.String("status", status),
	}

	m.GovernorRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.GovernorExecDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

// RecordCacheHit records a cache hit
func (m *Metrics) RecordCacheHit(ctx context.Context, cache string) {
	m.CacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("cache", cache)))
}

// RecordCacheMiss records a cache miss
func (m *Metrics) RecordCacheMiss(ctx context.Context, cache string) {
	m.CacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("cache", cache)))
}

// RecordCacheEviction records removed entries; reason is "capacity" or "expired"
func (m *Metrics) RecordCacheEviction(ctx context.Context, cache, reason string, n int) {
	if n <= 0 {
		return
	}
	m.CacheEvictions.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("cache", cache),
		attribute.String("reason", reason),
	))
}

// RecordCacheEntries records the cache's physical entry count
func (m *Metrics) RecordCacheEntries(ctx context.Context, cache string, n int) {
	m.CacheEntries.Record(ctx, int64(n), metric.WithAttributes(attribute.String("cache", cache)))
}

// RecordUpstreamCall records an upstream API call
func (m *Metrics) RecordUpstreamCall(ctx context.Context, service, endpoint, status string, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("service", service),
		attribute.String("endpoint", endpoint),
		attribute.String("status", status),
	}

	m.UpstreamCalls.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.UpstreamDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

// RecordHTTPRequest records a served API request
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, status int, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.Int("status", status),
	}

	m.HTTPRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.HTTPDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

// SetCircuitBreakerState sets circuit breaker state
// 0 = closed, 1 = open, 2 = half-open
func (m *Metrics) SetCircuitBreakerState(ctx context.Context, service string, state int64) {
	m.CircuitBreakerState.Record(ctx, state, metric.WithAttributes(attribute.String("service", service)))
}

// RecordError records an error
func (m *Metrics) RecordError(ctx context.Context, errorType string) {
	m.Errors.Add(ctx, 1, metric.WithAttributes(attribute.String("type", errorType)))
}

// Handler returns the HTTP handler for Prometheus metrics
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
