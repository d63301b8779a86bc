// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package lock provides exclusive execution per key. At most one function
// registered under a key runs at a time; later callers queue behind it.
package lock

import (
	"context"
	"errors"
)

var (
	ErrLockLost = errors.New("lock lost while running")
	ErrClosed   = errors.New("scheduler closed")
)

// Scheduler runs functions exclusively per key.
type Scheduler interface {
	// RunExclusive waits for its turn on key, then runs fn. The context
	// passed to fn is cancelled if exclusivity is lost while fn runs.
	RunExclusive(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Do runs fn under s and returns its value.
func Do[T any](ctx context.Context, s Scheduler, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := s.RunExclusive(ctx, key, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	return out, err
}
