// Package telemetry wires the global OpenTelemetry meter provider. Metrics
// are exported over OTLP/gRPC; when disabled, instruments fall back to the
// SDK no-op provider and cost nothing.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap"
)

// Options configures metric export.
type Options struct {
	// Enabled turns export on. Disabled by default so a missing collector
	// never degrades the server.
	Enabled bool

	// Endpoint is the OTLP/gRPC collector address, host:port.
	Endpoint string

	// Insecure disables TLS towards the collector.
	Insecure bool

	// ServiceName and ServiceVersion identify this process in the backend.
	ServiceName    string
	ServiceVersion string

	// ExportInterval is the periodic-reader flush interval (default 15s).
	ExportInterval time.Duration
}

// Telemetry owns the meter provider lifecycle.
type Telemetry struct {
	provider *metric.MeterProvider
	logger   *zap.Logger
}

// Setup installs the global meter provider. With Enabled false it returns a
// Telemetry whose Shutdown is a no-op.
func Setup(ctx context.Context, opts Options, logger *zap.Logger) (*Telemetry, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if !opts.Enabled {
		logger.Debug("telemetry disabled")
		return &Telemetry{logger: logger}, nil
	}
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("telemetry endpoint is required when enabled")
	}
	if opts.ExportInterval <= 0 {
		opts.ExportInterval = 15 * time.Second
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(opts.ServiceName),
		semconv.ServiceVersion(opts.ServiceVersion),
	)

	// Cumulative temporality keeps the stream compatible with
	// Prometheus-style backends regardless of inherited OTEL_* env vars.
	cumulative := func(metric.InstrumentKind) metricdata.Temporality {
		return metricdata.CumulativeTemporality
	}

	exporterOpts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(opts.Endpoint),
		otlpmetricgrpc.WithTemporalitySelector(cumulative),
	}
	if opts.Insecure {
		exporterOpts = append(exporterOpts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	provider := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(
			exporter,
			metric.WithInterval(opts.ExportInterval),
		)),
	)
	otel.SetMeterProvider(provider)

	logger.Info("telemetry enabled",
		zap.String("endpoint", opts.Endpoint),
		zap.Duration("export_interval", opts.ExportInterval))
	return &Telemetry{provider: provider, logger: logger}, nil
}

// Shutdown flushes pending metrics and releases the exporter.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	if err := t.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down meter provider: %w", err)
	}
	return nil
}
