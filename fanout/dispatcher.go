// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/fluxflow/queue"
	"github.com/absmach/fluxflow/storage"
	"github.com/absmach/fluxflow/stream"
	"github.com/absmach/fluxflow/telemetry"
	"github.com/sony/gobreaker"
)

// OptsOverride derives job options from record data. Non-zero fields of the
// result replace the record's own options.
type OptsOverride func(data json.RawMessage) (storage.JobOptions, error)

// BreakerSettings configure the circuit breaker guarding each target queue.
type BreakerSettings struct {
	Enabled          bool
	FailureThreshold uint32
	ResetTimeout     time.Duration
	HalfOpenRequests uint32
}

// DispatcherOptions configure a Dispatcher.
type DispatcherOptions struct {
	// JobName is the name given to jobs added to targets.
	JobName string
	Breaker BreakerSettings
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// Dispatcher adds every message to each target queue in order.
type Dispatcher struct {
	targets  []*queue.Queue
	override OptsOverride
	jobName  string
	breakers map[string]*gobreaker.CircuitBreaker
	logger   *slog.Logger
	metrics  *telemetry.Metrics
}

// NewDispatcher returns a dispatcher to targets. override may be nil.
func NewDispatcher(targets []*queue.Queue, override OptsOverride, opts DispatcherOptions) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.JobName == "" {
		opts.JobName = "fanout"
	}

	d := &Dispatcher{
		targets:  targets,
		override: override,
		jobName:  opts.JobName,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}

	if opts.Breaker.Enabled {
		threshold := max(opts.Breaker.FailureThreshold, 1)
		d.breakers = make(map[string]*gobreaker.CircuitBreaker, len(targets))
		for _, t := range targets {
			d.breakers[t.Name()] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:        t.Name(),
				MaxRequests: opts.Breaker.HalfOpenRequests,
				Timeout:     opts.Breaker.ResetTimeout,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= threshold
				},
				OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
					opts.Logger.Warn("target circuit breaker state changed",
						slog.String("queue", name),
						slog.String("from", from.String()),
						slog.String("to", to.String()))
				},
			})
		}
	}

	return d
}

// Dispatch adds msg to every target. It fails on the first target that
// cannot be reached, so the caller can leave the record for redelivery.
func (d *Dispatcher) Dispatch(ctx context.Context, msg stream.Message) error {
	opts := msg.Opts
	if d.override != nil {
		o, err := d.override(msg.Data)
		if err != nil {
			return fmt.Errorf("options override failed: %w", err)
		}
		opts = opts.Merge(o)
	}

	for _, t := range d.targets {
		if err := d.add(ctx, t, msg.Data, opts); err != nil {
			return err
		}
		d.metrics.RecordDispatched(ctx, t.Name())
	}
	return nil
}

func (d *Dispatcher) add(ctx context.Context, target *queue.Queue, data json.RawMessage, opts storage.JobOptions) error {
	cb, ok := d.breakers[target.Name()]
	if !ok {
		_, err := target.AddRaw(ctx, d.jobName, data, opts)
		return err
	}

	_, err := cb.Execute(func() (interface{}, error) {
		return target.AddRaw(ctx, d.jobName, data, opts)
	})
	if err != nil {
		return fmt.Errorf("failed to add to %s: %w", target.Name(), err)
	}
	return nil
}
