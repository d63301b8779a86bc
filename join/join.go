// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package join correlates items from several source queues by a shared key
// and emits one result per key once every source contributed or the key's
// timeout fired.
package join

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxflow/internal/gather"
	"github.com/absmach/fluxflow/lock"
	"github.com/absmach/fluxflow/queue"
	"github.com/absmach/fluxflow/storage"
	"github.com/absmach/fluxflow/telemetry"
)

const pattern = "join"

var (
	ErrNoSources    = errors.New("join requires at least one source")
	ErrNoOnComplete = errors.New("join requires an onComplete function")
	ErrClosed       = errors.New("join is closed")
)

// Source is one join input.
type Source struct {
	Queue   *queue.Queue
	JoinKey func(data json.RawMessage) (string, error)
}

// Contribution is one item received from the source at index SourceID.
type Contribution struct {
	SourceID int             `json:"sourceId"`
	Value    json.RawMessage `json:"value"`
}

// Decode unmarshals the contributed value into v.
func (c Contribution) Decode(v any) error {
	return json.Unmarshal(c.Value, v)
}

// Config configures a Join producing R.
type Config[R any] struct {
	Name       string
	Sources    []Source
	Target     *queue.Queue
	OnComplete func(contributions []Contribution) (R, error)

	// Timeout bounds how long a key waits for missing sources after its
	// first contribution. Defaults to one hour.
	Timeout time.Duration

	Connection storage.Backend
	Scheduler  lock.Scheduler
	Worker     queue.WorkerOptions
	Logger     *slog.Logger
	Metrics    *telemetry.Metrics
}

// Join runs one worker per source queue plus a timeout worker.
type Join[R any] struct {
	cfg     Config[R]
	groups  *gather.Store
	workers gather.Workers

	mu     sync.Mutex
	closed bool
}

// New validates cfg and returns a join that is not yet running.
func New[R any](cfg Config[R]) (*Join[R], error) {
	if len(cfg.Sources) == 0 {
		return nil, ErrNoSources
	}
	for i, s := range cfg.Sources {
		if s.Queue == nil || s.JoinKey == nil {
			return nil, fmt.Errorf("join source %d requires a queue and a join key function", i)
		}
	}
	if cfg.OnComplete == nil {
		return nil, ErrNoOnComplete
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Worker.Logger == nil {
		cfg.Worker.Logger = cfg.Logger
	}
	if cfg.Worker.Metrics == nil {
		cfg.Worker.Metrics = cfg.Metrics
	}

	groups, err := gather.New(gather.Options{
		Pattern:    pattern,
		Name:       cfg.Name,
		Connection: cfg.Connection,
		Scheduler:  cfg.Scheduler,
		Target:     cfg.Target,
		Timeout:    cfg.Timeout,
		Logger:     cfg.Logger,
		Metrics:    cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}

	j := &Join[R]{cfg: cfg, groups: groups}
	for i, s := range cfg.Sources {
		j.workers.Add(queue.NewWorker(s.Queue, func(ctx context.Context, job *storage.Job) error {
			return j.contribute(ctx, i, job)
		}, cfg.Worker))
	}
	j.workers.Add(groups.TimeoutWorker(func(ctx context.Context, key string) error {
		_, err := j.Evaluate(ctx, key, true)
		return err
	}, cfg.Worker))

	return j, nil
}

// Run starts the source and timeout workers. It is idempotent.
func (j *Join[R]) Run(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	j.workers.Run(ctx)
	return nil
}

// Close stops all workers. Stored contributions and pending timeouts are kept.
func (j *Join[R]) Close() {
	j.mu.Lock()
	j.closed = true
	j.mu.Unlock()

	j.workers.Close()
}

func (j *Join[R]) contribute(ctx context.Context, source int, job *storage.Job) error {
	key, err := j.cfg.Sources[source].JoinKey(job.Data)
	if err != nil {
		return fmt.Errorf("join key: %w", err)
	}

	c, err := json.Marshal(Contribution{SourceID: source, Value: job.Data})
	if err != nil {
		return err
	}
	if _, err := j.groups.Append(ctx, key, c, job.AttemptsMade > 0); err != nil {
		return err
	}

	_, err = j.Evaluate(ctx, key, false)
	return err
}

// Evaluate completes the join for key once every source contributed or
// terminate is set. It does nothing for a completed key and reports whether
// this call completed it.
func (j *Join[R]) Evaluate(ctx context.Context, key string, terminate bool) (bool, error) {
	return j.groups.Evaluate(ctx, key, terminate, func(ctx context.Context, key string, terminate bool) (any, bool, error) {
		raw, err := j.groups.Items(ctx, key)
		if err != nil {
			return nil, false, err
		}

		contributions := make([]Contribution, 0, len(raw))
		seen := make(map[int]bool, len(j.cfg.Sources))
		for _, r := range raw {
			var c Contribution
			if err := json.Unmarshal(r, &c); err != nil {
				return nil, false, fmt.Errorf("failed to decode contribution: %w", err)
			}
			seen[c.SourceID] = true
			contributions = append(contributions, c)
		}

		if !terminate && len(seen) < len(j.cfg.Sources) {
			return nil, false, nil
		}

		result, err := j.cfg.OnComplete(contributions)
		if err != nil {
			return nil, false, fmt.Errorf("onComplete: %w", err)
		}
		return result, true, nil
	})
}
