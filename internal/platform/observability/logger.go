// Package observability holds the structured logger, OpenTelemetry metrics
// and tracing shared by every component.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// Logger is a slog.Logger whose records carry the trace and span IDs of the
// context they were logged with.
type Logger struct {
	*slog.Logger
}

func NewLogger(level, format string) *Logger {
	return NewLoggerWithWriter(os.Stdout, level, format)
}

// NewLoggerWithWriter builds a logger for w. format is "json" (default) or
// "text"; unknown levels fall back to info.
func NewLoggerWithWriter(w io.Writer, level, format string) *Logger {
	opts := &slog.HandlerOptions{Level: levelFromString(level)}

	var h slog.Handler = slog.NewJSONHandler(w, opts)
	if strings.EqualFold(format, "text") {
		h = slog.NewTextHandler(w, opts)
	}
	return &Logger{Logger: slog.New(traceHandler{h})}
}

// NewNopLogger discards everything.
func NewNopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))}
}

// Component tags every record with the component name.
func (l *Logger) Component(name string) *Logger {
	return &Logger{Logger: l.With("component", name)}
}

func (l *Logger) LogError(ctx context.Context, msg string, err error, fields ...any) {
	l.Log(ctx, slog.LevelError, msg, append(fields, slog.Any("error", err))...)
}

func (l *Logger) LogWarn(ctx context.Context, msg string, fields ...any) {
	l.Log(ctx, slog.LevelWarn, msg, fields...)
}

func (l *Logger) LogInfo(ctx context.Context, msg string, fields ...any) {
	l.Log(ctx, slog.LevelInfo, msg, fields...)
}

func (l *Logger) LogDebug(ctx context.Context, msg string, fields ...any) {
	l.Log(ctx, slog.LevelDebug, msg, fields...)
}

func levelFromString(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// traceHandler adds trace_id and span_id when the record's context holds a
// valid span.
type traceHandler struct {
	slog.Handler
}

func (h traceHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.Handler.Handle(ctx, r)
}

func (h traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return traceHandler{h.Handler.WithAttrs(attrs)}
}

func (h traceHandler) WithGroup(name string) slog.Handler {
	return traceHandler{h.Handler.WithGroup(name)}
}
