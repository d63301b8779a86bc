// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/absmach/fluxflow/queue"
	"github.com/absmach/fluxflow/storage"
	"github.com/absmach/fluxflow/storage/badger"
	"github.com/absmach/fluxflow/storage/redis"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

// Logger discards everything. Pass it to components under test.
var Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

// NewBadger opens a badger backend in a temporary directory.
func NewBadger(t *testing.T) *badger.Store {
	t.Helper()

	s, err := badger.New(badger.Config{Dir: filepath.Join(t.TempDir(), "data")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// NewRedis starts a miniredis server and returns a backend on it.
func NewRedis(t *testing.T) (*redis.Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	return NewRedisOn(t, mr), mr
}

// NewRedisOn returns another backend on mr, sharing state with every other
// backend on it the way separate processes do.
func NewRedisOn(t *testing.T, mr *miniredis.Miniredis) *redis.Store {
	t.Helper()

	cfg := redis.Config{Addr: mr.Addr(), Prefix: "test"}
	s := redis.New(redis.NewPool(cfg), cfg)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// EachBackend runs fn as a subtest against every backend.
func EachBackend(t *testing.T, fn func(t *testing.T, b storage.Backend)) {
	t.Run("badger", func(t *testing.T) {
		fn(t, NewBadger(t))
	})
	t.Run("redis", func(t *testing.T) {
		s, _ := NewRedis(t)
		fn(t, s)
	})
}

// NewQueue returns a queue handle on b.
func NewQueue(t *testing.T, b storage.Backend, name string) *queue.Queue {
	t.Helper()

	q, err := queue.New(name, b.Jobs())
	require.NoError(t, err)
	return q
}

// WaitForCount waits until q holds n waiting or delayed jobs.
func WaitForCount(t *testing.T, q *queue.Queue, n int64) {
	t.Helper()

	require.Eventually(t, func() bool {
		c, err := q.Count(context.Background())
		return err == nil && c == n
	}, 5*time.Second, 10*time.Millisecond, "queue %s did not reach %d jobs", q.Name(), n)
}

// Waiting returns every waiting job of q in FIFO order.
func Waiting(t *testing.T, q *queue.Queue) []*storage.Job {
	t.Helper()

	jobs, err := q.Waiting(context.Background(), 0, -1)
	require.NoError(t, err)
	return jobs
}

// WaitingData decodes the data of every waiting job of q into T.
func WaitingData[T any](t *testing.T, q *queue.Queue) []T {
	t.Helper()

	jobs := Waiting(t, q)
	out := make([]T, 0, len(jobs))
	for _, j := range jobs {
		var v T
		require.NoError(t, j.Decode(&v))
		out = append(out, v)
	}
	return out
}
