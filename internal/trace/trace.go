package trace

import (
	"context"
	"os"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	ServiceName    = "fx-trading-bot"
	ServiceVersion = "1.0.0"

	// InstrumentKey tags spans with the currency pair they act on.
	InstrumentKey = attribute.Key("fx.instrument")
)

var (
	tracer         trace.Tracer
	tracerProvider *sdktrace.TracerProvider
	enabled        bool
)

type TraceConfig struct {
	Enabled     bool
	SampleRatio float64
	Pretty      bool
}

// LoadConfigFromEnv reads LOG_TRACING_ENABLED, LOG_TRACING_SAMPLE_RATIO and
// LOG_TRACING_PRETTY.
func LoadConfigFromEnv() TraceConfig {
	ratio, err := strconv.ParseFloat(getEnv("LOG_TRACING_SAMPLE_RATIO", "1"), 64)
	if err != nil || ratio < 0 || ratio > 1 {
		ratio = 1
	}
	return TraceConfig{
		Enabled:     getEnv("LOG_TRACING_ENABLED", "false") == "true",
		SampleRatio: ratio,
		Pretty:      getEnv("LOG_TRACING_PRETTY", "false") == "true",
	}
}

func Init() error {
	return InitWithConfig(LoadConfigFromEnv())
}

// InitWithConfig installs a stdout tracer provider. Price scans run every few
// seconds, so a ratio below 1 keeps the output readable.
func InitWithConfig(cfg TraceConfig) error {
	enabled = cfg.Enabled
	if !enabled {
		return nil
	}

	var opts []stdouttrace.Option
	if cfg.Pretty {
		opts = append(opts, stdouttrace.WithPrettyPrint())
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		enabled = false
		return err
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(ServiceName),
			semconv.ServiceVersion(ServiceVersion),
		),
	)
	if err != nil {
		enabled = false
		return err
	}

	tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tracerProvider)
	tracer = otel.Tracer(ServiceName)
	return nil
}

func Shutdown(ctx context.Context) error {
	if tracerProvider != nil {
		return tracerProvider.Shutdown(ctx)
	}
	return nil
}

func StartSpan(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if !enabled || tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, spanName, opts...)
}

// StartInstrumentSpan starts a span tagged with the instrument.
func StartInstrumentSpan(ctx context.Context, spanName, instrument string) (context.Context, trace.Span) {
	return StartSpan(ctx, spanName, trace.WithAttributes(InstrumentKey.String(instrument)))
}

func Enabled() bool {
	return enabled
}

func GetTraceFields(ctx context.Context) (traceID, spanID string, ok bool) {
	if !enabled {
		return "", "", false
	}
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return "", "", false
	}
	return sc.TraceID().String(), sc.SpanID().String(), true
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
