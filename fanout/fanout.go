// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package fanout

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/absmach/fluxflow/queue"
	"github.com/absmach/fluxflow/storage"
	"github.com/absmach/fluxflow/stream"
	"github.com/absmach/fluxflow/telemetry"
)

const pattern = "fanout"

var (
	ErrNoSource  = errors.New("fanout requires a source queue")
	ErrNoLog     = errors.New("fanout requires a log")
	ErrNoTargets = errors.New("fanout requires at least one target")
	ErrRunning   = errors.New("fanout is already running")
	ErrClosed    = errors.New("fanout is closed")
)

// Options configure a Fanout.
type Options struct {
	Consumer stream.ConsumerOptions
	// Worker configures the forwarder from the source queue into the log.
	Worker  queue.WorkerOptions
	Breaker BreakerSettings
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// Fanout copies every job of a source queue to a set of target queues
// through a shared log.
type Fanout struct {
	source *queue.Queue
	log    storage.Log
	stream string
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	running   bool
	closed    bool
	forwarder *stream.Forwarder
	consumer  *stream.Consumer
}

// New returns a fanout for source, keeping its log in log.
func New(source *queue.Queue, log storage.Log, opts Options) (*Fanout, error) {
	if source == nil {
		return nil, ErrNoSource
	}
	if log == nil {
		return nil, ErrNoLog
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Consumer.Logger == nil {
		opts.Consumer.Logger = opts.Logger
	}
	if opts.Consumer.Metrics == nil {
		opts.Consumer.Metrics = opts.Metrics
	}
	if opts.Worker.Logger == nil {
		opts.Worker.Logger = opts.Logger
	}
	if opts.Worker.Metrics == nil {
		opts.Worker.Metrics = opts.Metrics
	}

	return &Fanout{
		source: source,
		log:    log,
		stream: StreamName(source.Name()),
		opts:   opts,
		logger: opts.Logger.With(slog.String("fanout", source.Name())),
	}, nil
}

// StreamName returns the log a fanout of the named source queue uses.
func StreamName(source string) string {
	return storage.Key{Pattern: pattern, Kind: storage.KindStream, Name: source}.String()
}

// Fanout starts forwarding the source queue into the log and consuming the
// log under group into targets. Starting a second instance with the same
// group resumes where the previous one stopped.
func (f *Fanout) Fanout(ctx context.Context, group string, targets []*queue.Queue, override OptsOverride) error {
	if len(targets) == 0 {
		return ErrNoTargets
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}
	if f.running {
		return ErrRunning
	}

	dispatcher := NewDispatcher(targets, override, DispatcherOptions{
		JobName: pattern,
		Breaker: f.opts.Breaker,
		Logger:  f.logger,
		Metrics: f.opts.Metrics,
	})

	consumer := stream.NewConsumer(f.log, f.stream, f.opts.Consumer)
	if err := consumer.Consume(ctx, group, dispatcher.Dispatch); err != nil {
		return err
	}

	producer := stream.NewProducer(f.log, f.stream, f.opts.Metrics)
	forwarder := stream.NewForwarder(f.source, producer, f.opts.Worker)
	forwarder.Run(ctx)

	f.consumer = consumer
	f.forwarder = forwarder
	f.running = true

	f.logger.Info("fanout started", slog.String("group", group), slog.Int("targets", len(targets)))
	return nil
}

// Close stops forwarding and consuming. Log and queue state is kept.
func (f *Fanout) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true

	if f.forwarder != nil {
		f.forwarder.Close()
	}
	if f.consumer != nil {
		f.consumer.Close()
	}
}
