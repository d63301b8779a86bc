// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func TestMetricsRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	m, err := newMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)), tracenoop.NewTracerProvider())
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordProduced(ctx, "s")
	m.RecordProduced(ctx, "s")
	m.RecordTrimmed(ctx, "s", 0)
	m.RecordTrimmed(ctx, "s", 5)
	m.RecordGroupCompleted(ctx, "accumulation", "orders", TriggerTimeout, 3*time.Millisecond)

	data := collect(t, reader)

	produced, ok := data["fluxflow.records.produced"].(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, produced.DataPoints, 1)
	assert.Equal(t, int64(2), produced.DataPoints[0].Value)

	trimmed := data["fluxflow.records.trimmed"].(metricdata.Sum[int64])
	assert.Equal(t, int64(5), trimmed.DataPoints[0].Value)

	completed := data["fluxflow.groups.completed"].(metricdata.Sum[int64])
	require.Len(t, completed.DataPoints, 1)
	trigger, ok := completed.DataPoints[0].Attributes.Value(attribute.Key("trigger"))
	require.True(t, ok)
	assert.Equal(t, TriggerTimeout, trigger.AsString())

	duration := data["fluxflow.complete.duration"].(metricdata.Histogram[float64])
	require.Len(t, duration.DataPoints, 1)
	assert.Equal(t, uint64(1), duration.DataPoints[0].Count)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	assert.NotPanics(t, func() {
		m.RecordProduced(ctx, "s")
		m.RecordConsumed(ctx, "s", "g")
		m.RecordFailed(ctx, "s", "g")
		m.RecordDispatched(ctx, "q")
		m.RecordJobProcessed(ctx, "q")
		m.RecordJobFailed(ctx, "q", true)
		m.RecordGroupCompleted(ctx, "join", "j", TriggerCount, time.Millisecond)
		_, span := m.Start(ctx, "x")
		span.End()
	})
}
