// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package accumulation groups queue items by a key derived from each item
// and emits one result per key once enough items arrived or the group's
// timeout fired.
package accumulation

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

const pattern = "accumulation"

var (
	ErrNoSource     = errors.New("accumulation requires a source queue")
	ErrNoGroupKey   = errors.New("accumulation requires a group key function")
	ErrNoOnComplete = errors.New("accumulation requires an onComplete function")
	ErrClosed       = errors.New("accumulation is closed")
)

// Source is the queue items arrive on and how to group them.
type Source[T any] struct {
	Queue    *queue.Queue
	GroupKey func(item T) (string, error)
}

// Config configures an Accumulation over items of type T producing R.
type Config[T, R any] struct {
	Name       string
	Source     Source[T]
	Target     *queue.Queue
	OnComplete func(items []T) (R, error)

	// Timeout bounds how long a group stays open after its first item.
	// Defaults to one hour.
	Timeout time.Duration

	// ExpectedItems completes a group once it holds this many items.
	// Zero means groups complete on timeout only.
	ExpectedItems int

	Connection storage.Backend
	Scheduler  lock.Scheduler
	Worker     queue.WorkerOptions
	Logger     *slog.Logger
	Metrics    *telemetry.Metrics
}

// Accumulation runs an item worker on the source queue and a timeout worker
// on its internal timeout queue.
type Accumulation[T, R any] struct {
	cfg     Config[T, R]
	groups  *gather.Store
	workers gather.Workers

	mu     sync.Mutex
	closed bool
}

// New validates cfg and returns an accumulation that is not yet running.
func New[T, R any](cfg Config[T, R]) (*Accumulation[T, R], error) {
	if cfg.Source.Queue == nil {
		return nil, ErrNoSource
	}
	if cfg.Source.GroupKey == nil {
		return nil, ErrNoGroupKey
	}
	if cfg.OnComplete == nil {
		return nil, ErrNoOnComplete
	}
	if cfg.ExpectedItems < 0 {
		return nil, fmt.Errorf("expected items cannot be negative: %d", cfg.ExpectedItems)
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

	a := &Accumulation[T, R]{cfg: cfg, groups: groups}
	a.workers.Add(
		queue.NewWorker(cfg.Source.Queue, a.handleItem, cfg.Worker),
		groups.TimeoutWorker(func(ctx context.Context, group string) error {
			_, err := a.Evaluate(ctx, group, true)
			return err
		}, cfg.Worker),
	)
	return a, nil
}

// Run starts the item and timeout workers. It is idempotent.
func (a *Accumulation[T, R]) Run(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	a.workers.Run(ctx)
	return nil
}

// Close stops both workers. Stored groups and pending timeouts are kept.
func (a *Accumulation[T, R]) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	a.workers.Close()
}

func (a *Accumulation[T, R]) handleItem(ctx context.Context, job *storage.Job) error {
	var item T
	if err := job.Decode(&item); err != nil {
		return fmt.Errorf("failed to decode item: %w", err)
	}
	group, err := a.cfg.Source.GroupKey(item)
	if err != nil {
		return fmt.Errorf("group key: %w", err)
	}

	if _, err := a.groups.Append(ctx, group, job.Data, job.AttemptsMade > 0); err != nil {
		return err
	}

	_, err = a.Evaluate(ctx, group, false)
	return err
}

// Evaluate completes group if it holds the expected number of items or
// terminate is set. It does nothing for a completed group and reports
// whether this call completed it.
func (a *Accumulation[T, R]) Evaluate(ctx context.Context, group string, terminate bool) (bool, error) {
	return a.groups.Evaluate(ctx, group, terminate, func(ctx context.Context, group string, terminate bool) (any, bool, error) {
		if !terminate {
			if a.cfg.ExpectedItems <= 0 {
				return nil, false, nil
			}
			n, err := a.groups.Len(ctx, group)
			if err != nil {
				return nil, false, err
			}
			if n < int64(a.cfg.ExpectedItems) {
				return nil, false, nil
			}
		}

		raw, err := a.groups.Items(ctx, group)
		if err != nil {
			return nil, false, err
		}
		items := make([]T, 0, len(raw))
		for _, r := range raw {
			var item T
			if err := json.Unmarshal(r, &item); err != nil {
				return nil, false, fmt.Errorf("failed to decode stored item: %w", err)
			}
			items = append(items, item)
		}

		result, err := a.cfg.OnComplete(items)
		if err != nil {
			return nil, false, fmt.Errorf("onComplete: %w", err)
		}
		return result, true, nil
	})
}
