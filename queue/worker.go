// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/absmach/fluxflow/ratelimit"
	"github.com/absmach/fluxflow/storage"
	"github.com/absmach/fluxflow/telemetry"
)

// Handler processes one job. A returned error schedules a retry.
type Handler func(ctx context.Context, job *storage.Job) error

// WorkerOptions tune a Worker. Zero values select the defaults.
type WorkerOptions struct {
	Concurrency  int
	PollInterval time.Duration
	Lease        time.Duration

	// Attempts and Backoff apply to jobs that do not set their own.
	Attempts int
	Backoff  storage.Backoff

	Limiter ratelimit.Limiter
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

func (o WorkerOptions) withDefaults() WorkerOptions {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 50 * time.Millisecond
	}
	if o.Lease <= 0 {
		o.Lease = 30 * time.Second
	}
	if o.Attempts <= 0 {
		o.Attempts = 3
	}
	if o.Backoff.Type == "" {
		o.Backoff = storage.Backoff{Type: storage.BackoffExponential, Delay: 100 * time.Millisecond}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Worker polls a queue and runs a handler for every reserved job.
type Worker struct {
	queue   *Queue
	handler Handler
	opts    WorkerOptions
	logger  *slog.Logger

	mu      sync.Mutex
	started bool
	closed  bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewWorker creates a worker for q. It does not poll until Run is called.
func NewWorker(q *Queue, handler Handler, opts WorkerOptions) *Worker {
	opts = opts.withDefaults()
	return &Worker{
		queue:   q,
		handler: handler,
		opts:    opts,
		logger:  opts.Logger.With(slog.String("queue", q.Name())),
		stopCh:  make(chan struct{}),
	}
}

// Run starts polling. Calling Run again, or after Close, does nothing.
// Handlers receive ctx; cancelling it also stops polling.
func (w *Worker) Run(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started || w.closed {
		return
	}
	w.started = true

	for range w.opts.Concurrency {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.poll(ctx)
		}()
	}
}

// Close stops polling and waits for in-flight handlers to return.
// Jobs that were not reserved stay in the queue.
func (w *Worker) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.stopCh)
	}
	w.mu.Unlock()

	w.wg.Wait()
}

func (w *Worker) poll(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		job, err := w.queue.store.Reserve(ctx, w.queue.name, w.opts.Lease)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, storage.ErrClosed) {
				w.logger.Warn("failed to reserve job", slog.String("error", err.Error()))
			}
			if !w.sleep(ctx) {
				return
			}
			continue
		}
		if job == nil {
			if !w.sleep(ctx) {
				return
			}
			continue
		}

		if w.opts.Limiter != nil {
			if err := w.wait(ctx); err != nil {
				// Give the job back untouched; it was never attempted.
				if rerr := w.queue.store.Retry(context.WithoutCancel(ctx), w.queue.name, job, time.Now()); rerr != nil {
					w.logger.Warn("failed to release job", slog.String("job_id", job.ID), slog.String("error", rerr.Error()))
				}
				return
			}
		}

		w.process(ctx, job)
	}
}

// wait blocks on the limiter until a token is available, the worker closes
// or ctx ends.
func (w *Worker) wait(ctx context.Context) error {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	return w.opts.Limiter.Wait(waitCtx, w.queue.name)
}

func (w *Worker) sleep(ctx context.Context) bool {
	timer := time.NewTimer(w.opts.PollInterval)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-w.stopCh:
		return false
	}
}

func (w *Worker) process(ctx context.Context, job *storage.Job) {
	err := w.call(ctx, job)
	if err == nil {
		if err := w.queue.store.Complete(ctx, w.queue.name, job.ID); err != nil {
			w.logger.Warn("failed to complete job", slog.String("job_id", job.ID), slog.String("error", err.Error()))
			return
		}
		w.opts.Metrics.RecordJobProcessed(ctx, w.queue.name)
		return
	}

	job.AttemptsMade++
	job.FailedReason = err.Error()

	attempts := job.Opts.Attempts
	if attempts <= 0 {
		attempts = w.opts.Attempts
	}
	backoff := w.opts.Backoff
	if job.Opts.Backoff != nil {
		backoff = *job.Opts.Backoff
	}

	if job.AttemptsMade >= attempts {
		w.opts.Metrics.RecordJobFailed(ctx, w.queue.name, true)
		w.logger.Error("job failed",
			slog.String("job_id", job.ID),
			slog.String("name", job.Name),
			slog.Int("attempts", job.AttemptsMade),
			slog.String("error", err.Error()))
		if err := w.queue.store.Fail(ctx, w.queue.name, job); err != nil {
			w.logger.Warn("failed to move job to failed", slog.String("job_id", job.ID), slog.String("error", err.Error()))
		}
		return
	}

	w.opts.Metrics.RecordJobFailed(ctx, w.queue.name, false)
	delay := backoff.Next(job.AttemptsMade)
	w.logger.Debug("retrying job",
		slog.String("job_id", job.ID),
		slog.Int("attempt", job.AttemptsMade),
		slog.Duration("delay", delay),
		slog.String("error", err.Error()))
	if err := w.queue.store.Retry(ctx, w.queue.name, job, time.Now().Add(delay)); err != nil {
		w.logger.Warn("failed to schedule retry", slog.String("job_id", job.ID), slog.String("error", err.Error()))
	}
}

func (w *Worker) call(ctx context.Context, job *storage.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("job handler panicked",
				slog.String("job_id", job.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler(ctx, job)
}
