package otel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewMetrics_NoopMeter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false}, Identity{})
	require.NoError(t, err)
	m, err := NewMetrics(p.Meter)
	require.NoError(t, err)
	require.NotNil(t, m)
	m.RecordClaim(context.Background(), "app")
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordClaim(ctx, "app")
	m.RecordRun(ctx, time.Second, errors.New("x"), true)
	m.RecordSetupFailure(ctx, "app")
	m.RecordStall(ctx)
	m.WorkerStarted(ctx)
	m.WorkerStopped(ctx)
	m.RecordIntegration(ctx, "merge", "merged", time.Second)
	m.RecordReview(ctx, "auto_merge")
}

func TestMetrics_Record(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	m, err := NewMetrics(mp.Meter(MeterName))
	require.NoError(t, err)
	ctx := context.Background()
	m.RecordClaim(ctx, "app")
	m.RecordClaim(ctx, "app")
	m.RecordRun(ctx, 2*time.Second, errors.New("boom"), false)
	m.RecordIntegration(ctx, "merge", "conflict", time.Second)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	byName := map[string]metricdata.Metrics{}
	for _, md := range rm.ScopeMetrics[0].Metrics {
		byName[md.Name] = md
	}
	claims, ok := byName["polecat.claims"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, claims.DataPoints, 1)
	assert.Equal(t, int64(2), claims.DataPoints[0].Value)

	assert.Contains(t, byName, "polecat.executor.failures")
	assert.Contains(t, byName, "polecat.integration.outcomes")
	assert.NotContains(t, byName, "polecat.worker.stalls")
}
