// Package observability wires the optional OpenTelemetry export path:
// tracer and meter providers with stdout exporters, installed as the
// process globals so the tunnel spans in internal/service light up.
// When telemetry is disabled the globals stay no-ops and nothing here
// runs.
package observability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// meterName is the instrumentation scope for the gauges registered here.
const meterName = "github.com/dockhand-io/dockhand/internal/observability"

// defaultMetricInterval is how often the periodic reader exports.
const defaultMetricInterval = time.Minute

type setupOptions struct {
	version        string
	writer         io.Writer
	logger         *slog.Logger
	metricInterval time.Duration
	agentCount     func() int
}

// Option configures Setup.
type Option func(*setupOptions)

// WithVersion stamps the service.version resource attribute.
func WithVersion(version string) Option {
	return func(o *setupOptions) {
		o.version = version
	}
}

// WithWriter redirects exporter output. Defaults to stdout.
func WithWriter(w io.Writer) Option {
	return func(o *setupOptions) {
		if w != nil {
			o.writer = w
		}
	}
}

// WithLogger sets the logger for setup diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(o *setupOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetricInterval sets the export cadence of the periodic reader.
func WithMetricInterval(d time.Duration) Option {
	return func(o *setupOptions) {
		if d > 0 {
			o.metricInterval = d
		}
	}
}

// WithAgentCount registers an observable gauge sampled at export time,
// reporting how many agents hold a live tunnel.
func WithAgentCount(fn func() int) Option {
	return func(o *setupOptions) {
		o.agentCount = fn
	}
}

// Setup installs tracer and meter providers backed by stdout exporters
// and returns a shutdown function that flushes both. Call it only when
// telemetry is enabled; the caller owns invoking shutdown before exit.
func Setup(ctx context.Context, opts ...Option) (func(context.Context) error, error) {
	o := setupOptions{
		version:        "dev",
		writer:         os.Stdout,
		logger:         slog.Default(),
		metricInterval: defaultMetricInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", "dockhand"),
		attribute.String("service.version", o.version),
	))
	if err != nil {
		return nil, err
	}

	traceExporter, err := stdouttrace.New(stdouttrace.WithWriter(o.writer))
	if err != nil {
		return nil, err
	}
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)

	metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(o.writer))
	if err != nil {
		shutdownErr := tracerProvider.Shutdown(ctx)
		return nil, errors.Join(err, shutdownErr)
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter,
			sdkmetric.WithInterval(o.metricInterval))),
		sdkmetric.WithResource(res),
	)

	if o.agentCount != nil {
		meter := meterProvider.Meter(meterName)
		_, err := meter.Int64ObservableGauge("dockhand.agents.connected",
			metric.WithDescription("Agents currently holding a live tunnel."),
			metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
				obs.Observe(int64(o.agentCount()))
				return nil
			}),
		)
		if err != nil {
			shutdownErr := errors.Join(tracerProvider.Shutdown(ctx), meterProvider.Shutdown(ctx))
			return nil, errors.Join(err, shutdownErr)
		}
	}

	otel.SetTracerProvider(tracerProvider)
	otel.SetMeterProvider(meterProvider)
	o.logger.Info("telemetry export enabled",
		"metric_interval", o.metricInterval.String())

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tracerProvider.Shutdown(ctx),
			meterProvider.Shutdown(ctx),
		)
	}
	return shutdown, nil
}
