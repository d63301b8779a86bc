// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package lock

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redigo "github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// assertExclusive runs n calls per key spread over the schedulers and checks
// no two calls for the same key ever overlap.
func assertExclusive(t *testing.T, schedulers []Scheduler, keys []string, n int) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	active := make(map[string]*atomic.Int32)
	for _, k := range keys {
		active[k] = &atomic.Int32{}
	}
	var violations, runs atomic.Int32

	for i := range n {
		for _, k := range keys {
			s := schedulers[i%len(schedulers)]
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.RunExclusive(ctx, k, func(ctx context.Context) error {
					if active[k].Add(1) > 1 {
						violations.Add(1)
					}
					time.Sleep(2 * time.Millisecond)
					active[k].Add(-1)
					runs.Add(1)
					return nil
				})
				assert.NoError(t, err)
			}()
		}
	}
	wg.Wait()

	assert.Zero(t, violations.Load())
	assert.Equal(t, int32(n*len(keys)), runs.Load())
}

func TestLocalExclusive(t *testing.T) {
	l := NewLocal()
	assertExclusive(t, []Scheduler{l}, []string{"a", "b", "c"}, 20)
	assert.Zero(t, l.Len())
}

func TestLocalFIFO(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	release, err := l.acquire(ctx, "k")
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.RunExclusive(ctx, "k", func(context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		// Let each waiter enqueue before the next one.
		require.Eventually(t, func() bool {
			l.mu.Lock()
			defer l.mu.Unlock()
			return l.keys["k"].waiters.Len() == i+1
		}, time.Second, time.Millisecond)
	}

	release()
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestLocalCancelledWaiterLeaves(t *testing.T) {
	l := NewLocal()
	release, err := l.acquire(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = l.RunExclusive(ctx, "k", func(context.Context) error {
		t.Fatal("must not run")
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	assert.Zero(t, l.Len())

	ran := false
	require.NoError(t, l.RunExclusive(context.Background(), "k", func(context.Context) error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
}

func TestDoReturnsValue(t *testing.T) {
	v, err := Do(context.Background(), NewLocal(), "k", func(context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	_, err = Do(context.Background(), NewLocal(), "k", func(context.Context) (int, error) {
		return 0, fmt.Errorf("boom")
	})
	assert.EqualError(t, err, "boom")
}

func newRedisPool(t *testing.T, mr *miniredis.Miniredis) *redigo.Pool {
	t.Helper()
	pool := &redigo.Pool{
		Dial: func() (redigo.Conn, error) {
			return redigo.Dial("tcp", mr.Addr())
		},
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

func TestRedisExclusiveAcrossProcesses(t *testing.T) {
	mr := miniredis.RunT(t)
	a := NewRedis(newRedisPool(t, mr), RedisConfig{RetryInterval: time.Millisecond}, discard)
	b := NewRedis(newRedisPool(t, mr), RedisConfig{RetryInterval: time.Millisecond}, discard)

	assertExclusive(t, []Scheduler{a, b}, []string{"x", "y"}, 10)
	assert.Empty(t, mr.Keys())
}

func TestRedisLostLeaseCancelsContext(t *testing.T) {
	mr := miniredis.RunT(t)
	r := NewRedis(newRedisPool(t, mr), RedisConfig{LeaseTTL: 30 * time.Millisecond}, discard)

	err := r.RunExclusive(context.Background(), "k", func(ctx context.Context) error {
		mr.Del("fluxflow:lock:k")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
			return nil
		}
	})
	assert.ErrorIs(t, err, ErrLockLost)
}

func freeLocalPort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	return ln.Addr().(*net.TCPAddr).Port
}

func startEmbedded(t *testing.T) *Embedded {
	t.Helper()

	e, err := StartEmbedded(EmbeddedConfig{
		Name:       "lock-test",
		DataDir:    filepath.Join(t.TempDir(), "etcd"),
		ClientAddr: fmt.Sprintf("127.0.0.1:%d", freeLocalPort(t)),
		PeerAddr:   fmt.Sprintf("127.0.0.1:%d", freeLocalPort(t)),
	}, discard)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestEtcdExclusiveAcrossSessions(t *testing.T) {
	if testing.Short() {
		t.Skip("embedded etcd")
	}
	e := startEmbedded(t)

	newScheduler := func() *Etcd {
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   e.Client().Endpoints(),
			DialTimeout: 5 * time.Second,
		})
		require.NoError(t, err)
		s, err := NewEtcd(client, EtcdConfig{SessionTTL: 5 * time.Second}, discard)
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = s.Close()
			_ = client.Close()
		})
		return s
	}

	assertExclusive(t, []Scheduler{newScheduler(), newScheduler()}, []string{"x", "y"}, 5)

	resp, err := e.Client().Get(context.Background(), defaultEtcdPrefix, clientv3.WithPrefix())
	require.NoError(t, err)
	assert.Zero(t, resp.Count)
}
