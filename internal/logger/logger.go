package logger

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"fx-trading-bot/internal/trace"
)

var (
	// Global logger instance. Falls back to slog.Default until Init runs.
	globalLogger atomic.Pointer[slog.Logger]
	// Whether detailed logging (debug + source) is enabled
	detailedLogging atomic.Bool
)

// LogConfig holds logging configuration
type LogConfig struct {
	Level           string // DEBUG, INFO, WARN, ERROR
	Format          string // json or text
	DetailedLogging bool   // Enable debug logs with caller info
}

// Init initializes the global logger based on environment variables
func Init() error {
	return InitWithConfig(LoadConfigFromEnv())
}

// LoadConfigFromEnv loads logging configuration from environment variables
func LoadConfigFromEnv() LogConfig {
	return LogConfig{
		Level:           getEnvOrDefault("LOG_LEVEL", "INFO"),
		Format:          getEnvOrDefault("LOG_FORMAT", "json"),
		DetailedLogging: getEnvOrDefault("LOG_DETAILED", "false") == "true",
	}
}

// InitWithConfig initializes the logger with specific configuration
func InitWithConfig(config LogConfig) error {
	level := parseLogLevel(config.Level)
	detailedLogging.Store(config.DetailedLogging)
	if config.DetailedLogging {
		level = slog.LevelDebug
	}

	// Source is added manually in logWithTrace so the caller frame is correct.
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(config.Format, "text") {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	l := slog.New(handler).With("service", trace.ServiceName)
	globalLogger.Store(l)
	slog.SetDefault(l)
	return nil
}

func current() *slog.Logger {
	if l := globalLogger.Load(); l != nil {
		return l
	}
	return slog.Default()
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Debug logs a debug message
func Debug(ctx context.Context, msg string, args ...any) {
	if !detailedLogging.Load() {
		return
	}
	logWithTrace(ctx, slog.LevelDebug, msg, 3, args...)
}

// Info logs an info message
func Info(ctx context.Context, msg string, args ...any) {
	logWithTrace(ctx, slog.LevelInfo, msg, 3, args...)
}

// Warn logs a warning message
func Warn(ctx context.Context, msg string, args ...any) {
	logWithTrace(ctx, slog.LevelWarn, msg, 3, args...)
}

// Error logs an error message
func Error(ctx context.Context, msg string, args ...any) {
	logWithTrace(ctx, slog.LevelError, msg, 3, args...)
}

// ErrorWithErr logs an error message with an error object and records it on the active span
func ErrorWithErr(ctx context.Context, msg string, err error, args ...any) {
	errorWithErr(ctx, msg, err, 4, args...)
}

// DebugSkip, InfoSkip and ErrorWithErrSkip are used by the *obs decorators so the
// reported source is the decorator's caller rather than the decorator itself.
func DebugSkip(ctx context.Context, skip int, msg string, args ...any) {
	if !detailedLogging.Load() {
		return
	}
	logWithTrace(ctx, slog.LevelDebug, msg, 3+skip, args...)
}

func InfoSkip(ctx context.Context, skip int, msg string, args ...any) {
	logWithTrace(ctx, slog.LevelInfo, msg, 3+skip, args...)
}

func ErrorWithErrSkip(ctx context.Context, skip int, msg string, err error, args ...any) {
	errorWithErr(ctx, msg, err, 4+skip, args...)
}

func errorWithErr(ctx context.Context, msg string, err error, skip int, args ...any) {
	if err != nil {
		span := oteltrace.SpanFromContext(ctx)
		if span.SpanContext().IsValid() {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	allArgs := append([]any{"error", err}, args...)
	logWithTrace(ctx, slog.LevelError, msg, skip, allArgs...)
}

// logWithTrace logs a message with trace ID and span ID if available.
// skip is the number of frames between runtime.Caller and the real caller.
func logWithTrace(ctx context.Context, level slog.Level, msg string, skip int, args ...any) {
	if ctx == nil {
		ctx = context.Background()
	}
	if traceID, spanID, ok := trace.GetTraceFields(ctx); ok {
		args = append([]any{"trace_id", traceID, "span_id", spanID}, args...)
	}

	if detailedLogging.Load() {
		if pc, file, line, ok := runtime.Caller(skip - 1); ok {
			if fn := runtime.FuncForPC(pc); fn != nil {
				args = append(args, "source", slog.GroupValue(
					slog.String("function", fn.Name()),
					slog.String("file", file),
					slog.Int("line", line),
				))
			}
		}
	}

	current().Log(ctx, level, msg, args...)
}

// OperationTimer measures an operation and closes its span.
type OperationTimer struct {
	ctx    context.Context
	span   oteltrace.Span
	start  time.Time
	fields []any
}

// StartOperation starts timing an operation with an OpenTelemetry span
func StartOperation(ctx context.Context, operation string, fields ...any) *OperationTimer {
	ctx, span := trace.StartSpan(ctx, operation)
	span.SetAttributes(toAttributes(fields)...)
	Debug(ctx, "Operation started", append([]any{"operation", operation}, fields...)...)
	return &OperationTimer{ctx: ctx, span: span, start: time.Now(), fields: fields}
}

// End completes the operation timer and logs the duration
func (ot *OperationTimer) End(additionalFields ...any) {
	duration := time.Since(ot.start)
	ot.span.SetAttributes(attribute.Int64("duration_ms", duration.Milliseconds()))
	ot.span.SetAttributes(toAttributes(additionalFields)...)
	ot.span.SetStatus(codes.Ok, "completed")
	ot.span.End()

	fields := append(append([]any{}, ot.fields...), "duration_ms", duration.Milliseconds())
	Debug(ot.ctx, "Operation completed", append(fields, additionalFields...)...)
}

// EndWithError completes the operation timer with an error
func (ot *OperationTimer) EndWithError(err error, additionalFields ...any) {
	duration := time.Since(ot.start)
	ot.span.SetAttributes(attribute.Int64("duration_ms", duration.Milliseconds()))
	if err != nil {
		ot.span.RecordError(err)
		ot.span.SetStatus(codes.Error, err.Error())
	}
	ot.span.End()

	fields := append(append([]any{}, ot.fields...), "duration_ms", duration.Milliseconds(), "error", err)
	Error(ot.ctx, "Operation failed", append(fields, additionalFields...)...)
}

// Context returns the context carrying the operation span
func (ot *OperationTimer) Context() context.Context {
	return ot.ctx
}

func toAttributes(fields []any) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		switch v := fields[i+1].(type) {
		case string:
			attrs = append(attrs, attribute.String(key, v))
		case int:
			attrs = append(attrs, attribute.Int(key, v))
		case int64:
			attrs = append(attrs, attribute.Int64(key, v))
		case float64:
			attrs = append(attrs, attribute.Float64(key, v))
		case bool:
			attrs = append(attrs, attribute.Bool(key, v))
		}
	}
	return attrs
}

func addSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := oteltrace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		span.AddEvent(name, oteltrace.WithAttributes(attrs...))
	}
}

// Decision logs a strategy decision (always logged regardless of level)
func Decision(ctx context.Context, instrument, direction string, confidence float64, reason string, fields ...any) {
	addSpanEvent(ctx, "trading_decision",
		attribute.String("instrument", instrument),
		attribute.String("direction", direction),
		attribute.Float64("confidence", confidence),
		attribute.String("reason", reason),
	)
	allFields := append([]any{
		"type", "DECISION",
		"instrument", instrument,
		"direction", direction,
		"confidence", confidence,
		"reason", reason,
	}, fields...)
	logWithTrace(ctx, slog.LevelInfo, "Trading decision made", 3, allFields...)
}

// Trade logs a position transition that touched the broker
func Trade(ctx context.Context, instrument, direction string, units int64, price float64, positionID string, fields ...any) {
	addSpanEvent(ctx, "trade_executed",
		attribute.String("instrument", instrument),
		attribute.String("direction", direction),
		attribute.Int64("units", units),
		attribute.Float64("price", price),
		attribute.String("position_id", positionID),
	)
	allFields := append([]any{
		"type", "TRADE",
		"instrument", instrument,
		"direction", direction,
		"units", units,
		"price", price,
		"position_id", positionID,
	}, fields...)
	logWithTrace(ctx, slog.LevelInfo, "Trade executed", 3, allFields...)
}

// Risk logs a risk management event
func Risk(ctx context.Context, instrument, eventType string, fields ...any) {
	addSpanEvent(ctx, "risk_event",
		attribute.String("instrument", instrument),
		attribute.String("event_type", eventType),
	)
	allFields := append([]any{
		"type", "RISK",
		"instrument", instrument,
		"event_type", eventType,
	}, fields...)
	logWithTrace(ctx, slog.LevelWarn, "Risk event", 3, allFields...)
}
