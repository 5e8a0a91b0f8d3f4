package otel

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false}, Identity{})
	require.NoError(t, err)
	assert.NotNil(t, p.Tracer)
	assert.NotNil(t, p.Meter)
	assert.Nil(t, p.TracerProvider)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestInit_NoneExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none", SampleRate: 0.5}, Identity{})
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	assert.NotNil(t, p.TracerProvider)
	_, span := p.Tracer.Start(context.Background(), "test.span")
	span.End()
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{Enabled: true, Exporter: "carrier-pigeon"}, Identity{})
	require.Error(t, err)
}

func TestSpanHelpers(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"}, Identity{})
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	_, span := StartSpan(context.Background(), p.Tracer, "refinery.integrate",
		AttrTaskID.String("app-1"),
		AttrBranch.String("polecat/app-1"),
	)
	EndSpan(span, errors.New("conflict"))

	// A nil tracer falls back to a no-op one.
	_, span = StartClientSpan(context.Background(), nil, "git.fetch")
	EndSpan(span, nil)
}

func TestInit_ResourceCarriesIdentity(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	p, err := Init(ctx, Config{Enabled: true, Exporter: ExporterNone}, Identity{
		Version:           "v1.2.3",
		Caller:            "alice",
		Projects:          []string{"api", "web"},
		ConfigFingerprint: "abc123",
	}, reader)
	require.NoError(t, err)
	defer p.Shutdown(ctx)

	m, err := NewMetrics(p.Meter)
	require.NoError(t, err)
	m.RecordClaim(ctx, "api")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	attrs := rm.Resource.Set()
	caller, ok := attrs.Value(AttrCaller)
	require.True(t, ok)
	assert.Equal(t, "alice", caller.AsString())
	projects, ok := attrs.Value(AttrProjects)
	require.True(t, ok)
	assert.Equal(t, []string{"api", "web"}, projects.AsStringSlice())
	version, ok := attrs.Value(semconv.ServiceVersionKey)
	require.True(t, ok)
	assert.Equal(t, "v1.2.3", version.AsString())
	require.NotEmpty(t, rm.ScopeMetrics)
}

func TestInit_FileExporterAppendsSpans(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "traces", "spans.jsonl")
	p, err := Init(ctx, Config{Enabled: true, Exporter: ExporterFile, Path: path}, Identity{Caller: "alice"})
	require.NoError(t, err)

	_, span := StartSpan(ctx, p.Tracer, "refinery.pass")
	span.End()
	require.NoError(t, p.Shutdown(ctx))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "refinery.pass")
	assert.Contains(t, string(raw), "polecat.caller")

	_, err = Init(ctx, Config{Enabled: true, Exporter: ExporterFile}, Identity{})
	require.Error(t, err)
}

func TestInit_MetricsCanBeDisabled(t *testing.T) {
	off := false
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: ExporterNone, MetricsEnabled: &off}, Identity{})
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	assert.NotNil(t, p.TracerProvider)
	_, isNoop := p.MeterProvider.(noop.MeterProvider)
	assert.True(t, isNoop)
}
