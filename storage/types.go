// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobState names the sets a job can be in.
type JobState string

const (
	StateWait    JobState = "wait"
	StateDelayed JobState = "delayed"
	StateActive  JobState = "active"
	StateFailed  JobState = "failed"
)

// Validate reports whether s is a known state.
func (s JobState) Validate() error {
	switch s {
	case StateWait, StateDelayed, StateActive, StateFailed:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidState, string(s))
	}
}

// Backoff types.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// Backoff describes how long to wait between job attempts.
type Backoff struct {
	Type  string        `json:"type"`
	Delay time.Duration `json:"delay"`
}

// Next returns the delay before the attempt following attemptsMade failures.
func (b Backoff) Next(attemptsMade int) time.Duration {
	if b.Type != BackoffExponential || attemptsMade <= 1 {
		return b.Delay
	}
	d := b.Delay
	for i := 1; i < attemptsMade && d < time.Hour; i++ {
		d *= 2
	}
	return d
}

// JobOptions are the per-job options carried alongside job data.
type JobOptions struct {
	// JobID deduplicates adds: a second add with the same id is ignored
	// while the first job is still held by the queue.
	JobID    string        `json:"jobId,omitempty"`
	Delay    time.Duration `json:"delay,omitempty"`
	Attempts int           `json:"attempts,omitempty"`
	Backoff  *Backoff      `json:"backoff,omitempty"`
	Priority int           `json:"priority,omitempty"`
}

// Merge returns a copy of o with every non-zero field of override applied.
func (o JobOptions) Merge(override JobOptions) JobOptions {
	if override.JobID != "" {
		o.JobID = override.JobID
	}
	if override.Delay != 0 {
		o.Delay = override.Delay
	}
	if override.Attempts != 0 {
		o.Attempts = override.Attempts
	}
	if override.Backoff != nil {
		b := *override.Backoff
		o.Backoff = &b
	}
	if override.Priority != 0 {
		o.Priority = override.Priority
	}
	return o
}

// Job is a unit of work held by a JobStore.
type Job struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Name         string          `json:"name"`
	Data         json.RawMessage `json:"data"`
	Opts         JobOptions      `json:"opts"`
	AttemptsMade int             `json:"attemptsMade"`
	FailedReason string          `json:"failedReason,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	ProcessAt    time.Time       `json:"processAt"`
	FinishedAt   time.Time       `json:"finishedAt,omitempty"`
}

// Decode unmarshals the job data into v.
func (j *Job) Decode(v any) error {
	return json.Unmarshal(j.Data, v)
}

// Record is one entry of a Log.
type Record struct {
	ID     string
	Fields map[string]string
	Time   time.Time
}
