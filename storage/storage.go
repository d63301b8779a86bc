// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrGroupNotFound = errors.New("consumer group not found")
	ErrInvalidState  = errors.New("invalid job state")
	ErrClosed        = errors.New("store is closed")
)

// JobStore is the durable job queue shared by all workers.
type JobStore interface {
	// Add enqueues a job. When job.Opts.JobID names a job that already exists
	// in the queue, the existing id is returned and nothing is added, unless
	// that job has failed, in which case it is replaced.
	Add(ctx context.Context, queue string, job *Job) (string, error)

	// Reserve leases the next ready job for the given duration. It returns
	// nil when no job is ready. Due delayed jobs are promoted and active jobs
	// whose lease expired are returned to the wait list first.
	Reserve(ctx context.Context, queue string, lease time.Duration) (*Job, error)

	// Complete removes a finished job.
	Complete(ctx context.Context, queue, id string) error

	// Retry moves an active job back to the delayed set, eligible at the given time.
	Retry(ctx context.Context, queue string, job *Job, at time.Time) error

	// Fail moves an active job to the failed set.
	Fail(ctx context.Context, queue string, job *Job) error

	// Count returns the number of waiting and delayed jobs.
	Count(ctx context.Context, queue string) (int64, error)

	// Waiting returns waiting jobs in FIFO order, start and stop inclusive.
	// A negative stop means the end of the list.
	Waiting(ctx context.Context, queue string, start, stop int64) ([]*Job, error)

	// Clean removes up to limit jobs in the given state that are older than grace.
	Clean(ctx context.Context, queue string, grace time.Duration, limit int, state JobState) ([]string, error)
}

// Log is an append-only record log with consumer-group delivery.
type Log interface {
	// Append adds a record and returns its id.
	Append(ctx context.Context, stream string, fields map[string]string) (string, error)

	// CreateGroup creates a consumer group positioned at the start of the log.
	// Creating an existing group is a no-op and keeps its cursor.
	CreateGroup(ctx context.Context, stream, group string) error

	// ReadGroup delivers up to count new records to a group member, waiting
	// up to block when none are available. Delivered records stay pending
	// until acknowledged.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Record, error)

	// Claim transfers to consumer up to count records that have been pending
	// for longer than minIdle.
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int) ([]Record, error)

	// Ack acknowledges delivered records.
	Ack(ctx context.Context, stream, group string, ids ...string) error

	// TrimBefore removes records older than cutoff. Trimming is approximate:
	// it may keep older records but never removes newer ones.
	TrimBefore(ctx context.Context, stream string, cutoff time.Time) (int64, error)

	// Len returns the number of records currently held by the log.
	Len(ctx context.Context, stream string) (int64, error)
}

// KV is the key-value store holding coordination state.
type KV interface {
	// ListPush appends value to the list at key and returns the new length.
	// The ttl is applied only when the push creates the list.
	ListPush(ctx context.Context, key string, value []byte, ttl time.Duration) (int64, error)

	// ListRange returns list elements between start and stop inclusive.
	// Negative indexes count from the end, as in Redis.
	ListRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)

	ListLen(ctx context.Context, key string) (int64, error)
	Exists(ctx context.Context, key string) (bool, error)

	// Set stores value at key. A zero ttl keeps the value until deleted.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value stored by Set, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// Backend bundles the three substrate primitives of one deployment.
type Backend interface {
	Jobs() JobStore
	Log() Log
	KV() KV
	Close() error
}
