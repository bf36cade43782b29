package observability

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const tracerShutdownTimeout = 5 * time.Second

// TracerProvider exports spans over OTLP/gRPC. When tracing is disabled it
// hands out tracers from the global no-op provider.
type TracerProvider struct {
	tracer   trace.Tracer
	shutdown func(context.Context) error
}

func NewTracerProvider(ctx context.Context, serviceName, endpoint string, enabled bool) (*TracerProvider, error) {
	if !enabled {
		return &TracerProvider{
			tracer:   otel.Tracer(serviceName),
			shutdown: func(context.Context) error { return nil },
		}, nil
	}

	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}

	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial otlp collector %s: %w", endpoint, err)
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	sdk := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	otel.SetTracerProvider(sdk)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{
		tracer: sdk.Tracer(serviceName),
		shutdown: func(ctx context.Context) error {
			err := sdk.Shutdown(ctx)
			if cerr := conn.Close(); err == nil {
				err = cerr
			}
			return err
		},
	}, nil
}

// Shutdown flushes pending spans, giving up after a few seconds.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, tracerShutdownTimeout)
	defer cancel()
	return tp.shutdown(ctx)
}

func (tp *TracerProvider) Tracer() trace.Tracer {
	return tp.tracer
}

// StartSpanWithAttributes starts a span tagged with the non-empty values of
// attrs.
func StartSpanWithAttributes(ctx context.Context, tracer trace.Tracer, name string, attrs map[string]string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(stringAttrs(attrs)...))
}

// EndSpanWithError marks the span failed when err is set, then ends it.
func EndSpanWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// AddSpanAttributes tags the span in ctx, if it is recording.
func AddSpanAttributes(ctx context.Context, attrs map[string]string) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(stringAttrs(attrs)...)
	}
}

func stringAttrs(m map[string]string) []attribute.KeyValue {
	keys := make([]string, 0, len(m))
	for k, v := range m {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	kvs := make([]attribute.KeyValue, len(keys))
	for i, k := range keys {
		kvs[i] = attribute.String(k, m[k])
	}
	return kvs
}
