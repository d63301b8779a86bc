// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package accumulation_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/fluxflow/accumulation"
	"github.com/absmach/fluxflow/queue"
	"github.com/absmach/fluxflow/storage"
	"github.com/absmach/fluxflow/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	Group string `json:"group"`
	V     int    `json:"v"`
}

type result struct {
	Group  string `json:"group"`
	Values []int  `json:"values"`
}

func collect(items []item) (result, error) {
	if len(items) == 0 {
		return result{}, nil
	}
	r := result{Group: items[0].Group}
	for _, it := range items {
		r.Values = append(r.Values, it.V)
	}
	return r, nil
}

func newConfig(t *testing.T, b storage.Backend, name string) accumulation.Config[item, result] {
	t.Helper()
	return accumulation.Config[item, result]{
		Name: name,
		Source: accumulation.Source[item]{
			Queue:    testutil.NewQueue(t, b, name+"-in"),
			GroupKey: func(it item) (string, error) { return it.Group, nil },
		},
		Target:     testutil.NewQueue(t, b, name+"-out"),
		OnComplete: collect,
		Timeout:    time.Minute,
		Connection: b,
		Worker: queue.WorkerOptions{
			PollInterval: 5 * time.Millisecond,
			Backoff:      storage.Backoff{Type: storage.BackoffFixed, Delay: 5 * time.Millisecond},
		},
		Logger: testutil.Logger,
	}
}

func start(t *testing.T, cfg accumulation.Config[item, result]) *accumulation.Accumulation[item, result] {
	t.Helper()
	a, err := accumulation.New(cfg)
	require.NoError(t, err)
	require.NoError(t, a.Run(context.Background()))
	require.NoError(t, a.Run(context.Background()))
	t.Cleanup(a.Close)
	return a
}

func add(t *testing.T, q *queue.Queue, items ...item) {
	t.Helper()
	for _, it := range items {
		_, err := q.Add(context.Background(), "item", it, storage.JobOptions{})
		require.NoError(t, err)
	}
}

func TestCompletesOnCount(t *testing.T) {
	testutil.EachBackend(t, func(t *testing.T, b storage.Backend) {
		cfg := newConfig(t, b, "acc")
		cfg.ExpectedItems = 2
		start(t, cfg)

		add(t, cfg.Source.Queue, item{"a", 1}, item{"b", 10}, item{"a", 2})

		testutil.WaitForCount(t, cfg.Target, 1)
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, []result{{Group: "a", Values: []int{1, 2}}}, testutil.WaitingData[result](t, cfg.Target))

		add(t, cfg.Source.Queue, item{"b", 11}, item{"a", 3})
		testutil.WaitForCount(t, cfg.Target, 2)
		time.Sleep(50 * time.Millisecond)

		// Items for a completed group are stored but never emitted again.
		assert.Equal(t, []result{
			{Group: "a", Values: []int{1, 2}},
			{Group: "b", Values: []int{10, 11}},
		}, testutil.WaitingData[result](t, cfg.Target))
	})
}

func TestGroupRecursAfterExpiry(t *testing.T) {
	run := func(t *testing.T, b storage.Backend, expire func()) {
		cfg := newConfig(t, b, "acc")
		cfg.ExpectedItems = 1
		cfg.Timeout = 50 * time.Millisecond
		start(t, cfg)

		add(t, cfg.Source.Queue, item{"a", 1})
		testutil.WaitForCount(t, cfg.Target, 1)

		// Let the timeout fire on the completed group, then drop its state.
		time.Sleep(200 * time.Millisecond)
		expire()

		add(t, cfg.Source.Queue, item{"a", 2})
		testutil.WaitForCount(t, cfg.Target, 2)
		assert.Equal(t, []result{
			{Group: "a", Values: []int{1}},
			{Group: "a", Values: []int{2}},
		}, testutil.WaitingData[result](t, cfg.Target))
	}

	t.Run("badger", func(t *testing.T) {
		run(t, testutil.NewBadger(t), func() { time.Sleep(200 * time.Millisecond) })
	})
	t.Run("redis", func(t *testing.T) {
		b, mr := testutil.NewRedis(t)
		run(t, b, func() { mr.FastForward(time.Second) })
	})
}

func TestTimeoutEmitsPartialGroup(t *testing.T) {
	testutil.EachBackend(t, func(t *testing.T, b storage.Backend) {
		cfg := newConfig(t, b, "acc")
		cfg.ExpectedItems = 3
		cfg.Timeout = 100 * time.Millisecond
		start(t, cfg)

		add(t, cfg.Source.Queue, item{"a", 1}, item{"a", 2})

		testutil.WaitForCount(t, cfg.Target, 1)
		assert.Equal(t, []result{{Group: "a", Values: []int{1, 2}}}, testutil.WaitingData[result](t, cfg.Target))
	})
}

func TestCountBeatsTimeout(t *testing.T) {
	b := testutil.NewBadger(t)
	cfg := newConfig(t, b, "acc")
	cfg.ExpectedItems = 2
	cfg.Timeout = time.Second

	var calls atomic.Int32
	cfg.OnComplete = func(items []item) (result, error) {
		calls.Add(1)
		return collect(items)
	}
	start(t, cfg)

	began := time.Now()
	add(t, cfg.Source.Queue, item{"a", 1})
	time.Sleep(10 * time.Millisecond)
	add(t, cfg.Source.Queue, item{"a", 2})

	testutil.WaitForCount(t, cfg.Target, 1)
	assert.Less(t, time.Since(began), 500*time.Millisecond)

	// The timeout still fires later and must not complete the group again.
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	testutil.WaitForCount(t, cfg.Target, 1)
}

func TestEvaluateIsIdempotent(t *testing.T) {
	testutil.EachBackend(t, func(t *testing.T, b storage.Backend) {
		ctx := context.Background()
		cfg := newConfig(t, b, "acc")

		var calls atomic.Int32
		cfg.OnComplete = func(items []item) (result, error) {
			calls.Add(1)
			time.Sleep(time.Millisecond)
			return collect(items)
		}
		a := start(t, cfg)
		add(t, cfg.Source.Queue, item{"a", 1}, item{"a", 2})

		itemsKey := storage.Key{Pattern: "accumulation", Kind: storage.KindItems, Name: "acc", Group: "a"}.String()
		require.Eventually(t, func() bool {
			n, err := b.KV().ListLen(ctx, itemsKey)
			return err == nil && n == 2
		}, 5*time.Second, 5*time.Millisecond)

		var wg sync.WaitGroup
		var completed atomic.Int32
		for i := range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				done, err := a.Evaluate(ctx, "a", i%2 == 0)
				assert.NoError(t, err)
				if done {
					completed.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), completed.Load())
		assert.Equal(t, int32(1), calls.Load())
		testutil.WaitForCount(t, cfg.Target, 1)
		assert.Equal(t, []result{{Group: "a", Values: []int{1, 2}}}, testutil.WaitingData[result](t, cfg.Target))
	})
}

func TestGroupKeysWithDelimiters(t *testing.T) {
	b := testutil.NewBadger(t)
	cfg := newConfig(t, b, "acc")
	cfg.ExpectedItems = 2
	start(t, cfg)

	add(t, cfg.Source.Queue, item{"x/y", 1}, item{"x%2Fy", 2}, item{"x/y", 3}, item{"x%2Fy", 4})

	testutil.WaitForCount(t, cfg.Target, 2)
	assert.ElementsMatch(t, []result{
		{Group: "x/y", Values: []int{1, 3}},
		{Group: "x%2Fy", Values: []int{2, 4}},
	}, testutil.WaitingData[result](t, cfg.Target))
}

func TestCallbackErrorsRetry(t *testing.T) {
	b := testutil.NewBadger(t)
	cfg := newConfig(t, b, "acc")
	cfg.ExpectedItems = 1

	var calls atomic.Int32
	cfg.OnComplete = func(items []item) (result, error) {
		if calls.Add(1) == 1 {
			return result{}, errors.New("downstream unavailable")
		}
		return collect(items)
	}
	cfg.Source.GroupKey = func(it item) (string, error) {
		if it.Group == "" {
			return "", errors.New("missing group")
		}
		return it.Group, nil
	}
	start(t, cfg)

	add(t, cfg.Source.Queue, item{"a", 1})
	testutil.WaitForCount(t, cfg.Target, 1)
	assert.Equal(t, int32(2), calls.Load())

	// A job whose key cannot be derived ends up failed.
	add(t, cfg.Source.Queue, item{"", 2})
	require.Eventually(t, func() bool {
		failed, err := cfg.Source.Queue.Clean(context.Background(), 0, 0, storage.StateFailed)
		return err == nil && len(failed) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestResumesAfterRestart(t *testing.T) {
	testutil.EachBackend(t, func(t *testing.T, b storage.Backend) {
		cfg := newConfig(t, b, "acc")
		cfg.ExpectedItems = 2

		first, err := accumulation.New(cfg)
		require.NoError(t, err)
		require.NoError(t, first.Run(context.Background()))
		add(t, cfg.Source.Queue, item{"a", 1})
		testutil.WaitForCount(t, cfg.Source.Queue, 0)
		first.Close()
		assert.ErrorIs(t, first.Run(context.Background()), accumulation.ErrClosed)

		add(t, cfg.Source.Queue, item{"a", 2})
		start(t, cfg)

		testutil.WaitForCount(t, cfg.Target, 1)
		assert.Equal(t, []result{{Group: "a", Values: []int{1, 2}}}, testutil.WaitingData[result](t, cfg.Target))
	})
}

func TestConfigValidation(t *testing.T) {
	b := testutil.NewBadger(t)

	cfg := newConfig(t, b, "acc")
	cfg.Source.Queue = nil
	_, err := accumulation.New(cfg)
	assert.ErrorIs(t, err, accumulation.ErrNoSource)

	cfg = newConfig(t, b, "acc")
	cfg.Source.GroupKey = nil
	_, err = accumulation.New(cfg)
	assert.ErrorIs(t, err, accumulation.ErrNoGroupKey)

	cfg = newConfig(t, b, "acc")
	cfg.OnComplete = nil
	_, err = accumulation.New(cfg)
	assert.ErrorIs(t, err, accumulation.ErrNoOnComplete)

	cfg = newConfig(t, b, "acc")
	cfg.Connection = nil
	_, err = accumulation.New(cfg)
	assert.Error(t, err)

	cfg = newConfig(t, b, "")
	_, err = accumulation.New(cfg)
	assert.Error(t, err)
}

func TestInstancesShareGroups(t *testing.T) {
	if testing.Short() {
		t.Skip("embedded etcd")
	}
	e := testutil.StartEtcd(t)
	_, mr := testutil.NewRedis(t)

	var calls atomic.Int32
	var cfgs []accumulation.Config[item, result]
	for range 2 {
		b := testutil.NewRedisOn(t, mr)
		cfg := newConfig(t, b, "acc")
		cfg.ExpectedItems = 4
		cfg.Scheduler = testutil.NewEtcdScheduler(t, e)
		cfg.OnComplete = func(items []item) (result, error) {
			calls.Add(1)
			return collect(items)
		}
		start(t, cfg)
		cfgs = append(cfgs, cfg)
	}

	for i := range 4 {
		add(t, cfgs[i%2].Source.Queue, item{"a", i})
	}

	testutil.WaitForCount(t, cfgs[0].Target, 1)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	got := testutil.WaitingData[result](t, cfgs[1].Target)
	require.Len(t, got, 1)
	assert.ElementsMatch(t, []int{0, 1, 2, 3}, got[0].Values)
}
