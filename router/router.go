// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/absmach/fluxflow/fanout"
	"github.com/absmach/fluxflow/queue"
	"github.com/absmach/fluxflow/stream"
)

var ErrClosed = errors.New("router is closed")

// Router forwards every source queue into one log and dispatches that log
// to every target queue.
type Router struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	running    bool
	closed     bool
	forwarders []*stream.Forwarder
	consumer   *stream.Consumer
}

// New validates cfg and returns a router that is not yet running.
func New(cfg Config) (*Router, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	opts := cfg.opts
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
	cfg.opts = opts

	return &Router{
		cfg:    cfg,
		logger: opts.Logger.With(slog.String("router", cfg.Stream())),
	}, nil
}

func (r *Router) Config() Config {
	return r.cfg
}

// Run starts the dispatching consumer and one forwarder per source.
// Calling Run on a running router does nothing.
func (r *Router) Run(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if r.running {
		return nil
	}

	opts := r.cfg.opts
	conn := opts.Connection
	streamName := r.cfg.Stream()

	dispatcher := fanout.NewDispatcher(r.cfg.targets, opts.OptsOverride, fanout.DispatcherOptions{
		JobName: pattern,
		Breaker: opts.Breaker,
		Logger:  r.logger,
		Metrics: opts.Metrics,
	})
	consumer := stream.NewConsumer(conn.Log(), streamName, opts.Consumer)
	if err := consumer.Consume(ctx, r.cfg.Group(), dispatcher.Dispatch); err != nil {
		return fmt.Errorf("failed to start router consumer: %w", err)
	}

	producer := stream.NewProducer(conn.Log(), streamName, opts.Metrics)
	forwarders := make([]*stream.Forwarder, 0, len(r.cfg.sources))
	for _, name := range r.cfg.sources {
		src, err := queue.New(name, conn.Jobs())
		if err != nil {
			consumer.Close()
			for _, f := range forwarders {
				f.Close()
			}
			return err
		}
		f := stream.NewForwarder(src, producer, opts.Worker)
		f.Run(ctx)
		forwarders = append(forwarders, f)
	}

	r.consumer = consumer
	r.forwarders = forwarders
	r.running = true

	r.logger.Info("router started",
		slog.Int("sources", len(r.cfg.sources)),
		slog.Int("targets", len(r.cfg.targets)))
	return nil
}

// Close stops forwarding and dispatching. Log and queue state is kept, so a
// router with the same topology resumes where this one stopped.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true

	var wg sync.WaitGroup
	for _, f := range r.forwarders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.Close()
		}()
	}
	wg.Wait()

	if r.consumer != nil {
		r.consumer.Close()
	}
}
