package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/CodeMonkeyCybersecurity/wpscan/internal/config"
	"github.com/CodeMonkeyCybersecurity/wpscan/internal/core"
	"github.com/CodeMonkeyCybersecurity/wpscan/internal/logger"
	"github.com/CodeMonkeyCybersecurity/wpscan/pkg/types"
)

type telemetry struct {
	tracerProvider *sdktrace.TracerProvider

	detections      metric.Int64Counter
	scans           metric.Int64Counter
	scanDuration    metric.Float64Histogram
	vulnerabilities metric.Int64Counter
	saves           metric.Int64Counter
}

// New returns a no-op implementation when telemetry is disabled.
func New(ctx context.Context, cfg config.TelemetryConfig) (core.Telemetry, error) {
	if !cfg.Enabled {
		return NewNoop(), nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(logger.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.ExporterType {
	case "otlp", "":
		exp, err := otlptrace.New(ctx, otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		))
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		exporter = exp
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.ExporterType)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t, err := newInstruments(otel.Meter(cfg.ServiceName))
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}
	t.tracerProvider = tp
	return t, nil
}

func newInstruments(meter metric.Meter) (*telemetry, error) {
	t := &telemetry{}
	var err error

	if t.detections, err = meter.Int64Counter("wpscan.detections.total",
		metric.WithDescription("WordPress detections performed"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if t.scans, err = meter.Int64Counter("wpscan.scans.total",
		metric.WithDescription("Security scans performed"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if t.scanDuration, err = meter.Float64Histogram("wpscan.scan.duration",
		metric.WithDescription("Scan duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if t.vulnerabilities, err = meter.Int64Counter("wpscan.vulnerabilities.total",
		metric.WithDescription("Vulnerabilities reported, by severity"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if t.saves, err = meter.Int64Counter("wpscan.saves.total",
		metric.WithDescription("Report save attempts, by outcome"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *telemetry) RecordDetection(ctx context.Context, isWordPress bool) {
	t.detections.Add(ctx, 1, metric.WithAttributes(attribute.Bool("wordpress", isWordPress)))
}

func (t *telemetry) RecordScan(ctx context.Context, duration time.Duration, success bool) {
	attrs := metric.WithAttributes(attribute.Bool("success", success))
	t.scans.Add(ctx, 1, attrs)
	t.scanDuration.Record(ctx, duration.Seconds(), attrs)
}

func (t *telemetry) RecordVulnerabilities(ctx context.Context, b types.SeverityBreakdown) {
	counts := map[types.Severity]int{
		types.SeverityCritical: b.Critical,
		types.SeverityHigh:     b.High,
		types.SeverityMedium:   b.Medium,
		types.SeverityLow:      b.Low,
	}
	for _, sev := range types.Severities {
		if n := counts[sev]; n > 0 {
			t.vulnerabilities.Add(ctx, int64(n), metric.WithAttributes(attribute.String("severity", string(sev))))
		}
	}
}

func (t *telemetry) RecordSave(ctx context.Context, outcome string) {
	t.saves.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (t *telemetry) Close() error {
	if t.tracerProvider == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return t.tracerProvider.Shutdown(ctx)
}

type noopTelemetry struct{}

func NewNoop() core.Telemetry { return noopTelemetry{} }

func (noopTelemetry) RecordDetection(context.Context, bool)                          {}
func (noopTelemetry) RecordScan(context.Context, time.Duration, bool)                {}
func (noopTelemetry) RecordVulnerabilities(context.Context, types.SeverityBreakdown) {}
func (noopTelemetry) RecordSave(context.Context, string)                             {}
func (noopTelemetry) Close() error                                                   { return nil }
