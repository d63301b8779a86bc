// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/fluxflow/storage"
)

var ErrEmptyName = errors.New("queue name cannot be empty")

// Queue is a named handle on a shared JobStore.
type Queue struct {
	name  string
	store storage.JobStore
}

// New returns a handle on the named queue.
func New(name string, store storage.JobStore) (*Queue, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	if store == nil {
		return nil, errors.New("queue store cannot be nil")
	}
	return &Queue{name: name, store: store}, nil
}

func (q *Queue) Name() string {
	return q.name
}

// Add serializes data as JSON and enqueues it under the given job name.
func (q *Queue) Add(ctx context.Context, name string, data any, opts storage.JobOptions) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to encode job data: %w", err)
	}
	return q.AddRaw(ctx, name, raw, opts)
}

// AddRaw enqueues already encoded JSON data.
func (q *Queue) AddRaw(ctx context.Context, name string, data json.RawMessage, opts storage.JobOptions) (string, error) {
	job := &storage.Job{
		Name: name,
		Data: data,
		Opts: opts,
	}
	id, err := q.store.Add(ctx, q.name, job)
	if err != nil {
		return "", fmt.Errorf("failed to add job to %s: %w", q.name, err)
	}
	return id, nil
}

// Count returns the number of waiting and delayed jobs.
func (q *Queue) Count(ctx context.Context) (int64, error) {
	return q.store.Count(ctx, q.name)
}

// Waiting returns waiting jobs in FIFO order, start and stop inclusive.
func (q *Queue) Waiting(ctx context.Context, start, stop int64) ([]*storage.Job, error) {
	return q.store.Waiting(ctx, q.name, start, stop)
}

// Clean removes up to limit jobs in state older than grace. A zero limit
// removes all of them.
func (q *Queue) Clean(ctx context.Context, grace time.Duration, limit int, state storage.JobState) ([]string, error) {
	return q.store.Clean(ctx, q.name, grace, limit, state)
}
