package telemetry

import (
	"context"
	"errors"
	"net/http"
	"strings"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/square-key-labs/strawgo-relay/src/config"
	"github.com/square-key-labs/strawgo-relay/src/logger"
)

const instrumentationName = "github.com/square-key-labs/strawgo-relay"

// Telemetry owns the meter and tracer providers for the process
type Telemetry struct {
	handler  http.Handler
	meter    metric.Meter
	tracer   trace.Tracer
	shutdown func(context.Context) error
}

// Setup builds the providers and installs them as the otel globals. Metrics
// are exported through a private Prometheus registry served by Handler.
func Setup(ctx context.Context, cfg config.TelemetryConfig, log *logger.Logger) (*Telemetry, error) {
	if log == nil {
		log = logger.GetDefault()
	}
	log = log.WithPrefix("Telemetry")

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return nil, err
	}

	tracerProvider, traceShutdown, err := initTracer(ctx, cfg, res, log)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tracerProvider)

	meterProvider, handler, err := initMetrics(res)
	if err != nil {
		_ = traceShutdown(ctx)
		return nil, err
	}
	otel.SetMeterProvider(meterProvider)

	shutdown := func(ctx context.Context) error {
		var errs []error
		if err := meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := traceShutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}

	return &Telemetry{
		handler:  handler,
		meter:    meterProvider.Meter(instrumentationName),
		tracer:   tracerProvider.Tracer(instrumentationName),
		shutdown: shutdown,
	}, nil
}

func initTracer(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource, log *logger.Logger) (trace.TracerProvider, func(context.Context) error, error) {
	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, nil, err
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		log.Info("tracing initialized (exporter=otlp, endpoint=%s)", endpoint)
		return tp, tp.Shutdown, nil
	}

	if cfg.TraceStdout {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, nil, err
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		log.Info("tracing initialized (exporter=stdout)")
		return tp, tp.Shutdown, nil
	}

	log.Debug("tracing disabled")
	return noop.NewTracerProvider(), func(context.Context) error { return nil }, nil
}

func initMetrics(res *resource.Resource) (*sdkmetric.MeterProvider, http.Handler, error) {
	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	return provider, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

// Handler serves the Prometheus exposition
func (t *Telemetry) Handler() http.Handler {
	return t.handler
}

func (t *Telemetry) Meter() metric.Meter {
	return t.meter
}

func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// Shutdown flushes exporters
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.shutdown == nil {
		return nil
	}
	return t.shutdown(ctx)
}
