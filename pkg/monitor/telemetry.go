// Package monitor collects performance telemetry, component health, and
// threshold alerts for the validation pipeline.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// TelemetryConfig configures the OpenTelemetry metric pipeline.
type TelemetryConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // gRPC, e.g. "localhost:4317"
	ExportInterval time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultTelemetryConfig returns development defaults with export disabled;
// metrics still aggregate in-process.
func DefaultTelemetryConfig() *TelemetryConfig {
	return &TelemetryConfig{
		ServiceName:    "promogate",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		ExportInterval: 15 * time.Second,
		Enabled:        false,
		Insecure:       true,
	}
}

// Telemetry manages the OpenTelemetry meter provider.
type Telemetry struct {
	config        *TelemetryConfig
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	logger        *slog.Logger
}

// NewTelemetry initializes the metric provider. With export disabled the
// global no-op meter is used, so instruments stay safe to call.
func NewTelemetry(ctx context.Context, config *TelemetryConfig) (*Telemetry, error) {
	if config == nil {
		config = DefaultTelemetryConfig()
	}
	t := &Telemetry{
		config: config,
		logger: slog.Default().With("component", "monitor"),
	}

	if !config.Enabled {
		t.meter = otel.Meter("promogate")
		t.logger.InfoContext(ctx, "telemetry export disabled")
		return t, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
			attribute.String("promogate.component", "core"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("monitor: create resource: %w", err)
	}

	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint),
	}
	if config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("monitor: create metric exporter: %w", err)
	}

	t.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(config.ExportInterval),
		)),
	)
	otel.SetMeterProvider(t.meterProvider)
	t.meter = otel.Meter("promogate",
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)

	t.logger.InfoContext(ctx, "telemetry initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint)
	return t, nil
}

// Meter returns the configured meter.
func (t *Telemetry) Meter() metric.Meter {
	if t.meter == nil {
		return otel.Meter("promogate")
	}
	return t.meter
}

// Shutdown flushes and stops the meter provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.meterProvider == nil {
		return nil
	}
	if err := t.meterProvider.Shutdown(ctx); err != nil {
		t.logger.ErrorContext(ctx, "meter provider shutdown failed", "error", err)
		return err
	}
	return nil
}
