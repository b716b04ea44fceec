package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope used for spans around polls,
// stream connections and downloads.
const TracerName = "labwatch"

// Options controls logger and tracer setup.
type Options struct {
	// OTLPEndpoint enables trace export when non-empty. Accepts host:port
	// or a full http(s) URL.
	OTLPEndpoint string
	// LogLevel is a zerolog level name; empty means info.
	LogLevel string
	// LogFormat is "console" or "json"; empty means console.
	LogFormat string
	// Out receives log lines; nil means stderr.
	Out io.Writer
}

// Init configures tracing, propagation and the root structured logger.
// Tracing is skipped when no OTLP endpoint is configured.
func Init(ctx context.Context, serviceName string, opts Options) (func(context.Context) error, func(http.Handler) http.Handler, zerolog.Logger, error) {
	if serviceName == "" {
		return nil, nil, zerolog.Nop(), errors.New("telemetry: service name is required")
	}

	logger, err := NewLogger(serviceName, opts)
	if err != nil {
		return nil, nil, zerolog.Nop(), err
	}

	shutdown := func(context.Context) error { return nil }
	if endpoint := strings.TrimSpace(opts.OTLPEndpoint); endpoint != "" {
		exporter, err := newTraceExporter(ctx, endpoint)
		if err != nil {
			return nil, nil, zerolog.Nop(), fmt.Errorf("telemetry: create exporter: %w", err)
		}

		res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
		if err != nil {
			return nil, nil, zerolog.Nop(), fmt.Errorf("telemetry: create resource: %w", err)
		}

		tracerProvider := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tracerProvider)
		shutdown = tracerProvider.Shutdown
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	middleware := func(next http.Handler) http.Handler {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(recorder, r)

			event := logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", recorder.status).
				Dur("duration", time.Since(start))
			if spanCtx := trace.SpanFromContext(r.Context()).SpanContext(); spanCtx.IsValid() {
				event = event.Str("trace_id", spanCtx.TraceID().String())
			}
			event.Msg("status request")
		})

		return otelhttp.NewHandler(handler, serviceName)
	}

	return shutdown, middleware, logger, nil
}

// NewLogger builds the root logger with the service name attached.
func NewLogger(serviceName string, opts Options) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if raw := strings.TrimSpace(opts.LogLevel); raw != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(raw))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("telemetry: parse log level: %w", err)
		}
		level = parsed
	}

	out := opts.Out
	if out == nil {
		out = os.Stderr
	}

	switch strings.ToLower(strings.TrimSpace(opts.LogFormat)) {
	case "", "console":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	case "json":
	default:
		return zerolog.Nop(), fmt.Errorf("telemetry: unknown log format %q", opts.LogFormat)
	}

	return zerolog.New(out).Level(level).With().Timestamp().Str("service", serviceName).Logger(), nil
}

// Tracer returns the tracer shared by the monitoring components.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func newTraceExporter(ctx context.Context, endpoint string) (*otlptrace.Exporter, error) {
	var opts []otlptracehttp.Option

	parsed, err := url.Parse(endpoint)
	if err == nil && parsed.Scheme != "" {
		if parsed.Host == "" {
			return nil, fmt.Errorf("invalid OTLP endpoint: %s", endpoint)
		}
		opts = append(opts, otlptracehttp.WithEndpoint(parsed.Host))
		if parsed.Path != "" && parsed.Path != "/" {
			opts = append(opts, otlptracehttp.WithURLPath(parsed.Path))
		}
		if parsed.Scheme == "http" {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(endpoint))
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	return otlptracehttp.New(ctx, opts...)
}
