// Package otel wires OpenTelemetry traces and metrics for polecat. Every
// span and instrument carries the caller and project set of the process
// that emitted it, so several machines sharing one store can be told apart.
// When disabled every instrument is a no-op.
package otel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	TracerName = "polecat"
	MeterName  = "polecat"
)

// Span exporters selectable in polecat.yaml.
const (
	ExporterOTLP   = "otlp-http"
	ExporterStdout = "stdout"
	// ExporterFile appends spans as JSON lines to Config.Path.
	ExporterFile = "file"
	ExporterNone = "none"
)

// Resource attribute keys.
var (
	AttrCaller            = attribute.Key("polecat.caller")
	AttrProjects          = attribute.Key("polecat.projects")
	AttrHome              = attribute.Key("polecat.home")
	AttrConfigFingerprint = attribute.Key("polecat.config.fingerprint")
)

// Config is the otel section of polecat.yaml.
type Config struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	Path        string  `yaml:"path"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	// MetricsEnabled turns instruments off while keeping traces.
	MetricsEnabled *bool `yaml:"metrics_enabled,omitempty"`
}

// Identity describes the emitting process.
type Identity struct {
	Version           string
	Caller            string
	Home              string
	Projects          []string
	ConfigFingerprint string
}

func (id Identity) attributes(service string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{semconv.ServiceName(service)}
	if id.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(id.Version))
	}
	if id.Caller != "" {
		attrs = append(attrs, AttrCaller.String(id.Caller))
	}
	if id.Home != "" {
		attrs = append(attrs, AttrHome.String(id.Home))
	}
	if len(id.Projects) > 0 {
		attrs = append(attrs, AttrProjects.StringSlice(id.Projects))
	}
	if id.ConfigFingerprint != "" {
		attrs = append(attrs, AttrConfigFingerprint.String(id.ConfigFingerprint))
	}
	return attrs
}

// Provider wraps the tracer and meter providers with cleanup.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	shutdown       func(context.Context) error
}

// Init sets up tracing and metrics for one polecat process. Readers are
// attached to the meter provider; without one, instruments aggregate in
// process only. The returned Provider must be shut down on exit.
func Init(ctx context.Context, cfg Config, id Identity, readers ...sdkmetric.Reader) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			Tracer:        nooptrace.NewTracerProvider().Tracer(TracerName),
			Meter:         noop.NewMeterProvider().Meter(MeterName),
			MeterProvider: noop.NewMeterProvider(),
			shutdown:      func(context.Context) error { return nil },
		}, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "polecat"
	}
	res, err := resource.New(ctx, resource.WithAttributes(id.attributes(serviceName)...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	exporter, closeExporter, err := createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	)
	otel.SetTracerProvider(tp)

	p := &Provider{TracerProvider: tp, Tracer: tp.Tracer(TracerName)}
	if cfg.MetricsEnabled != nil && !*cfg.MetricsEnabled {
		p.MeterProvider = noop.NewMeterProvider()
		p.Meter = p.MeterProvider.Meter(MeterName)
		p.shutdown = func(ctx context.Context) error {
			return errors.Join(tp.Shutdown(ctx), closeExporter())
		}
		return p, nil
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}
	mp := sdkmetric.NewMeterProvider(opts...)
	p.MeterProvider = mp
	p.Meter = mp.Meter(MeterName)
	p.shutdown = func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx), closeExporter())
	}
	return p, nil
}

// Shutdown flushes and shuts down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

func createExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, func() error, error) {
	nop := func() error { return nil }
	switch cfg.Exporter {
	case ExporterOTLP, "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		exp, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
		return exp, nop, err
	case ExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		return exp, nop, err
	case ExporterFile:
		if cfg.Path == "" {
			return nil, nil, errors.New("otel.path is required for the file exporter")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, nil, err
		}
		f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open trace file: %w", err)
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(f))
		if err != nil {
			_ = f.Close()
			return nil, nil, err
		}
		return exp, f.Close, nil
	case ExporterNone:
		return noopExporter{}, nop, nil
	default:
		return nil, nil, fmt.Errorf("unknown exporter %q (supported: %s, %s, %s, %s)",
			cfg.Exporter, ExporterOTLP, ExporterStdout, ExporterFile, ExporterNone)
	}
}

type noopExporter struct{}

func (noopExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (noopExporter) Shutdown(context.Context) error                             { return nil }
