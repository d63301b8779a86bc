// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/absmach/fluxflow/storage"
	"github.com/absmach/fluxflow/telemetry"
)

// Producer appends job data and options to a named log.
type Producer struct {
	log     storage.Log
	stream  string
	metrics *telemetry.Metrics
}

// NewProducer returns a producer for stream. metrics may be nil.
func NewProducer(log storage.Log, stream string, metrics *telemetry.Metrics) *Producer {
	return &Producer{log: log, stream: stream, metrics: metrics}
}

func (p *Producer) Stream() string {
	return p.stream
}

// Produce serializes data as JSON and appends it with opts. It returns the
// record id once the log accepted the record.
func (p *Producer) Produce(ctx context.Context, data any, opts *storage.JobOptions) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to encode data: %w", err)
	}
	var o storage.JobOptions
	if opts != nil {
		o = *opts
	}
	return p.ProduceRaw(ctx, raw, o)
}

// ProduceRaw appends already encoded JSON data.
func (p *Producer) ProduceRaw(ctx context.Context, data json.RawMessage, opts storage.JobOptions) (string, error) {
	fields, err := encodeFields(data, opts)
	if err != nil {
		return "", err
	}

	id, err := p.log.Append(ctx, p.stream, fields)
	if err != nil {
		return "", fmt.Errorf("failed to append to %s: %w", p.stream, err)
	}
	p.metrics.RecordProduced(ctx, p.stream)
	return id, nil
}
