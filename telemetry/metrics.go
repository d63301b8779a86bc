// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/absmach/fluxflow"

// Completion triggers.
const (
	TriggerCount   = "count"
	TriggerTimeout = "timeout"
)

// Metrics holds OpenTelemetry instruments for pipelines.
// A nil *Metrics records nothing.
type Metrics struct {
	tracer trace.Tracer

	recordsProduced metric.Int64Counter
	recordsConsumed metric.Int64Counter
	recordsFailed   metric.Int64Counter
	recordsTrimmed  metric.Int64Counter
	jobsDispatched  metric.Int64Counter
	jobsProcessed   metric.Int64Counter
	jobsFailed      metric.Int64Counter
	groupsCompleted metric.Int64Counter

	completeDuration metric.Float64Histogram
}

// NewMetrics creates instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return newMetrics(otel.GetMeterProvider(), otel.GetTracerProvider())
}

func newMetrics(mp metric.MeterProvider, tp trace.TracerProvider) (*Metrics, error) {
	meter := mp.Meter(instrumentation)
	m := &Metrics{tracer: tp.Tracer(instrumentation)}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.recordsProduced, "fluxflow.records.produced", "Records appended to pipeline logs"},
		{&m.recordsConsumed, "fluxflow.records.consumed", "Records handled and acknowledged"},
		{&m.recordsFailed, "fluxflow.records.failed", "Records whose handler failed"},
		{&m.recordsTrimmed, "fluxflow.records.trimmed", "Records removed by retention trimming"},
		{&m.jobsDispatched, "fluxflow.jobs.dispatched", "Jobs added to target queues"},
		{&m.jobsProcessed, "fluxflow.jobs.processed", "Jobs completed by workers"},
		{&m.jobsFailed, "fluxflow.jobs.failed", "Job handler failures"},
		{&m.groupsCompleted, "fluxflow.groups.completed", "Accumulation and join groups completed"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = counter
	}

	var err error
	m.completeDuration, err = meter.Float64Histogram(
		"fluxflow.complete.duration",
		metric.WithDescription("Group completion latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create completeDuration histogram: %w", err)
	}

	return m, nil
}

// RecordProduced counts one record appended to stream.
func (m *Metrics) RecordProduced(ctx context.Context, stream string) {
	if m == nil {
		return
	}
	m.recordsProduced.Add(ctx, 1, metric.WithAttributes(attribute.String("stream", stream)))
}

// RecordConsumed counts one record acknowledged by group.
func (m *Metrics) RecordConsumed(ctx context.Context, stream, group string) {
	if m == nil {
		return
	}
	m.recordsConsumed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stream", stream),
		attribute.String("group", group),
	))
}

// RecordFailed counts one record left pending after a handler error.
func (m *Metrics) RecordFailed(ctx context.Context, stream, group string) {
	if m == nil {
		return
	}
	m.recordsFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stream", stream),
		attribute.String("group", group),
	))
}

func (m *Metrics) RecordTrimmed(ctx context.Context, stream string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.recordsTrimmed.Add(ctx, n, metric.WithAttributes(attribute.String("stream", stream)))
}

// RecordDispatched counts one job added to target.
func (m *Metrics) RecordDispatched(ctx context.Context, target string) {
	if m == nil {
		return
	}
	m.jobsDispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", target)))
}

func (m *Metrics) RecordJobProcessed(ctx context.Context, queue string) {
	if m == nil {
		return
	}
	m.jobsProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

func (m *Metrics) RecordJobFailed(ctx context.Context, queue string, final bool) {
	if m == nil {
		return
	}
	m.jobsFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.Bool("final", final),
	))
}

// RecordGroupCompleted counts one completed group and its latency since
// the evaluation started.
func (m *Metrics) RecordGroupCompleted(ctx context.Context, pattern, name, trigger string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("pattern", pattern),
		attribute.String("name", name),
		attribute.String("trigger", trigger),
	)
	m.groupsCompleted.Add(ctx, 1, attrs)
	m.completeDuration.Record(ctx, float64(d.Microseconds())/1000, attrs)
}

// Start opens a span. With a nil receiver it returns the span already in ctx.
func (m *Metrics) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if m == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return m.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
