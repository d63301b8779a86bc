// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package gather holds the group state shared by the accumulation and join
// patterns: an append-only item list per group, a completion marker, one
// delayed timeout job per group, and evaluation under exclusive execution.
package gather

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxflow/lock"
	"github.com/absmach/fluxflow/queue"
	"github.com/absmach/fluxflow/storage"
	"github.com/absmach/fluxflow/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultTimeout applies when a pattern sets no timeout.
const DefaultTimeout = time.Hour

const timeoutJobName = "timeout"

var (
	ErrEmptyKey     = errors.New("group key cannot be empty")
	ErrNoName       = errors.New("name cannot be empty")
	ErrNoTarget     = errors.New("target queue cannot be nil")
	ErrNoConnection = errors.New("connection cannot be nil")
)

// Options configure a Store.
type Options struct {
	Pattern    string
	Name       string
	Connection storage.Backend
	Scheduler  lock.Scheduler
	Target     *queue.Queue
	Timeout    time.Duration
	Logger     *slog.Logger
	Metrics    *telemetry.Metrics
}

// Store keeps the groups of one pattern instance.
type Store struct {
	pattern   string
	name      string
	kv        storage.KV
	scheduler lock.Scheduler
	target    *queue.Queue
	timeouts  *queue.Queue
	timeout   time.Duration
	logger    *slog.Logger
	metrics   *telemetry.Metrics
}

// New validates opts and returns a store. A nil scheduler serializes
// evaluations within this process only.
func New(opts Options) (*Store, error) {
	if opts.Name == "" {
		return nil, ErrNoName
	}
	if opts.Connection == nil {
		return nil, ErrNoConnection
	}
	if opts.Target == nil {
		return nil, ErrNoTarget
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Scheduler == nil {
		opts.Scheduler = lock.NewLocal()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	timeouts, err := queue.New(storage.Key{Pattern: opts.Pattern, Kind: storage.KindTimeout, Name: opts.Name}.String(), opts.Connection.Jobs())
	if err != nil {
		return nil, err
	}

	return &Store{
		pattern:   opts.Pattern,
		name:      opts.Name,
		kv:        opts.Connection.KV(),
		scheduler: opts.Scheduler,
		target:    opts.Target,
		timeouts:  timeouts,
		timeout:   opts.Timeout,
		logger:    opts.Logger.With(slog.String(opts.Pattern, opts.Name)),
		metrics:   opts.Metrics,
	}, nil
}

func (s *Store) key(kind, group string) string {
	return storage.Key{Pattern: s.pattern, Kind: kind, Name: s.name, Group: group}.String()
}

// TTL is how long group state outlives its creation.
func (s *Store) TTL() time.Duration {
	return 2 * s.timeout
}

func (s *Store) Logger() *slog.Logger {
	return s.logger
}

// TimeoutQueue holds the delayed timeout jobs of every group.
func (s *Store) TimeoutQueue() *queue.Queue {
	return s.timeouts
}

// Append adds value to the group's list. The list expires TTL after it was
// created. The push that creates the list starts a new generation of the
// group. When the push creates the list, or when redelivered is set because
// an earlier attempt may have stopped halfway, the group's timeout job is
// scheduled; its fixed id keeps at most one pending per group.
func (s *Store) Append(ctx context.Context, group string, value []byte, redelivered bool) (int64, error) {
	if group == "" {
		return 0, ErrEmptyKey
	}

	n, err := s.kv.ListPush(ctx, s.key(storage.KindItems, group), value, s.TTL())
	if err != nil {
		return 0, fmt.Errorf("failed to store item: %w", err)
	}

	switch {
	case n == 1:
		if err := s.newGeneration(ctx, group); err != nil {
			return 0, err
		}
	case redelivered:
		if _, err := s.generation(ctx, group); err != nil {
			return 0, err
		}
	}

	if n == 1 || redelivered {
		if err := s.scheduleTimeout(ctx, group); err != nil {
			return 0, err
		}
	}
	return n, nil
}

func (s *Store) newGeneration(ctx context.Context, group string) error {
	if err := s.kv.Set(ctx, s.key(storage.KindGen, group), []byte(uuid.NewString()), s.TTL()); err != nil {
		return fmt.Errorf("failed to start group generation: %w", err)
	}
	return nil
}

// generation returns the id of the group's current generation, starting one
// if an earlier attempt stopped before recording it.
func (s *Store) generation(ctx context.Context, group string) (string, error) {
	gen, err := s.kv.Get(ctx, s.key(storage.KindGen, group))
	if errors.Is(err, storage.ErrNotFound) {
		if err := s.newGeneration(ctx, group); err != nil {
			return "", err
		}
		gen, err = s.kv.Get(ctx, s.key(storage.KindGen, group))
	}
	if err != nil {
		return "", fmt.Errorf("failed to read group generation: %w", err)
	}
	return string(gen), nil
}

// resultID names the result of the group's current generation. Re-running
// a completion reuses it, while a group that recurs after its state expired
// gets a new one.
func (s *Store) resultID(ctx context.Context, group string) (string, error) {
	gen, err := s.generation(ctx, group)
	if err != nil {
		return "", err
	}
	return storage.Key{Pattern: s.pattern, Kind: storage.KindResult, Name: s.name, Group: group}.String() + "/" + gen, nil
}

type timeoutJob struct {
	Group string `json:"group"`
}

func (s *Store) scheduleTimeout(ctx context.Context, group string) error {
	_, err := s.timeouts.Add(ctx, timeoutJobName, timeoutJob{Group: group}, storage.JobOptions{
		JobID: s.key(storage.KindTimeout, group),
		Delay: s.timeout,
	})
	if err != nil {
		return fmt.Errorf("failed to schedule timeout: %w", err)
	}
	return nil
}

// Len returns the number of items stored for group.
func (s *Store) Len(ctx context.Context, group string) (int64, error) {
	return s.kv.ListLen(ctx, s.key(storage.KindItems, group))
}

// Items returns the group's items in arrival order.
func (s *Store) Items(ctx context.Context, group string) ([][]byte, error) {
	return s.kv.ListRange(ctx, s.key(storage.KindItems, group), 0, -1)
}

// Completed reports whether the group has been completed.
func (s *Store) Completed(ctx context.Context, group string) (bool, error) {
	return s.kv.Exists(ctx, s.key(storage.KindDone, group))
}

// CompleteFunc inspects a group and returns its result. ready is false when
// the group should stay open.
type CompleteFunc func(ctx context.Context, group string, terminate bool) (result any, ready bool, err error)

// Evaluate runs complete for group under the group's exclusive lock unless
// the group is already completed. A ready result is added to the target
// with an id derived from the group, then the group is marked complete.
// It reports whether this call completed the group.
func (s *Store) Evaluate(ctx context.Context, group string, terminate bool, complete CompleteFunc) (bool, error) {
	if group == "" {
		return false, ErrEmptyKey
	}

	return lock.Do(ctx, s.scheduler, s.key(storage.KindLock, group), func(ctx context.Context) (bool, error) {
		done, err := s.Completed(ctx, group)
		if err != nil {
			return false, err
		}
		if done {
			return false, nil
		}

		start := time.Now()
		trigger := telemetry.TriggerCount
		if terminate {
			trigger = telemetry.TriggerTimeout
		}

		ctx, span := s.metrics.Start(ctx, s.pattern+".complete",
			attribute.String("name", s.name),
			attribute.String("group", group),
			attribute.String("trigger", trigger))
		defer span.End()

		result, ready, err := complete(ctx, group, terminate)
		if err != nil {
			span.RecordError(err)
			return false, err
		}
		if !ready {
			return false, nil
		}

		// A crash after the add re-runs completion; the job id deduplicates
		// the second add while the first is still queued.
		id, err := s.resultID(ctx, group)
		if err != nil {
			return false, err
		}
		if _, err := s.target.Add(ctx, s.pattern, result, storage.JobOptions{JobID: id}); err != nil {
			return false, err
		}
		if err := s.kv.Set(ctx, s.key(storage.KindDone, group), []byte("1"), s.TTL()); err != nil {
			return false, fmt.Errorf("failed to mark group complete: %w", err)
		}

		s.metrics.RecordGroupCompleted(ctx, s.pattern, s.name, trigger, time.Since(start))
		s.logger.Debug("group completed", slog.String("group", group), slog.String("trigger", trigger))
		return true, nil
	})
}

// TimeoutWorker returns a worker that calls onTimeout for every group whose
// timeout fired.
func (s *Store) TimeoutWorker(onTimeout func(ctx context.Context, group string) error, opts queue.WorkerOptions) *queue.Worker {
	return queue.NewWorker(s.timeouts, func(ctx context.Context, job *storage.Job) error {
		var t timeoutJob
		if err := job.Decode(&t); err != nil {
			return fmt.Errorf("invalid timeout job: %w", err)
		}
		return onTimeout(ctx, t.Group)
	}, opts)
}

// Workers runs and closes a set of queue workers together.
type Workers struct {
	mu      sync.Mutex
	workers []*queue.Worker
}

func (w *Workers) Add(workers ...*queue.Worker) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.workers = append(w.workers, workers...)
}

// Run starts every worker. Workers already running are left alone.
func (w *Workers) Run(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, wk := range w.workers {
		wk.Run(ctx)
	}
}

// Close stops every worker and waits for their handlers.
func (w *Workers) Close() {
	w.mu.Lock()
	workers := w.workers
	w.mu.Unlock()

	var wg sync.WaitGroup
	for _, wk := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wk.Close()
		}()
	}
	wg.Wait()
}
