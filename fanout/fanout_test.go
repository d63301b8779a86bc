// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package fanout_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/fluxflow/fanout"
	"github.com/absmach/fluxflow/queue"
	"github.com/absmach/fluxflow/storage"
	"github.com/absmach/fluxflow/stream"
	"github.com/absmach/fluxflow/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	ID  string `json:"id"`
	Seq int    `json:"seq"`
}

func options() fanout.Options {
	return fanout.Options{
		Consumer: stream.ConsumerOptions{Block: 20 * time.Millisecond},
		Worker:   queue.WorkerOptions{PollInterval: 5 * time.Millisecond},
		Logger:   testutil.Logger,
	}
}

func TestFanoutFidelity(t *testing.T) {
	testutil.EachBackend(t, func(t *testing.T, b storage.Backend) {
		ctx := context.Background()
		src := testutil.NewQueue(t, b, "src")
		t1 := testutil.NewQueue(t, b, "t1")
		t2 := testutil.NewQueue(t, b, "t2")

		// Jobs added before the fanout starts are delivered too.
		for i := range 3 {
			_, err := src.Add(ctx, "job", item{ID: fmt.Sprint(i), Seq: i}, storage.JobOptions{JobID: fmt.Sprintf("job-%d", i)})
			require.NoError(t, err)
		}

		f := newFanout(t, src, b.Log())
		defer f.Close()
		require.NoError(t, f.Fanout(ctx, "g", []*queue.Queue{t1, t2}, nil))

		_, err := src.Add(ctx, "job", item{ID: "3", Seq: 3}, storage.JobOptions{JobID: "job-3"})
		require.NoError(t, err)

		for _, target := range []*queue.Queue{t1, t2} {
			testutil.WaitForCount(t, target, 4)
			jobs := testutil.Waiting(t, target)
			for i, j := range jobs {
				var it item
				require.NoError(t, j.Decode(&it))
				assert.Equal(t, i, it.Seq)
				assert.Equal(t, fmt.Sprintf("job-%d", i), j.Opts.JobID)
			}
		}
	})
}

func TestFanoutOverride(t *testing.T) {
	testutil.EachBackend(t, func(t *testing.T, b storage.Backend) {
		ctx := context.Background()
		src := testutil.NewQueue(t, b, "src")
		target := testutil.NewQueue(t, b, "target")

		override := func(data json.RawMessage) (storage.JobOptions, error) {
			var it item
			if err := json.Unmarshal(data, &it); err != nil {
				return storage.JobOptions{}, err
			}
			return storage.JobOptions{JobID: it.ID}, nil
		}

		f := newFanout(t, src, b.Log())
		defer f.Close()
		require.NoError(t, f.Fanout(ctx, "g", []*queue.Queue{target}, override))

		for i, id := range []string{"a", "b", "a"} {
			_, err := src.Add(ctx, "job", item{ID: id, Seq: i}, storage.JobOptions{Priority: 1})
			require.NoError(t, err)
		}
		testutil.WaitForCount(t, src, 0)
		testutil.WaitForCount(t, target, 2)
		time.Sleep(50 * time.Millisecond)

		jobs := testutil.Waiting(t, target)
		require.Len(t, jobs, 2)
		assert.Equal(t, "a", jobs[0].Opts.JobID)
		assert.Equal(t, 1, jobs[0].Opts.Priority)
		assert.Equal(t, "b", jobs[1].Opts.JobID)
	})
}

func TestFanoutResumes(t *testing.T) {
	testutil.EachBackend(t, func(t *testing.T, b storage.Backend) {
		ctx := context.Background()
		src := testutil.NewQueue(t, b, "src")
		target := testutil.NewQueue(t, b, "target")

		first := newFanout(t, src, b.Log())
		require.NoError(t, first.Fanout(ctx, "g", []*queue.Queue{target}, nil))
		for i := range 2 {
			_, err := src.Add(ctx, "job", item{Seq: i}, storage.JobOptions{})
			require.NoError(t, err)
		}
		testutil.WaitForCount(t, target, 2)
		first.Close()

		second := newFanout(t, src, b.Log())
		defer second.Close()
		require.NoError(t, second.Fanout(ctx, "g", []*queue.Queue{target}, nil))
		_, err := src.Add(ctx, "job", item{Seq: 2}, storage.JobOptions{})
		require.NoError(t, err)

		testutil.WaitForCount(t, target, 3)
		time.Sleep(100 * time.Millisecond)

		got := testutil.WaitingData[item](t, target)
		assert.Equal(t, []item{{Seq: 0}, {Seq: 1}, {Seq: 2}}, got)
	})
}

func newFanout(t *testing.T, src *queue.Queue, log storage.Log) *fanout.Fanout {
	t.Helper()

	f, err := fanout.New(src, log, options())
	require.NoError(t, err)
	return f
}

func TestNewValidation(t *testing.T) {
	b := testutil.NewBadger(t)
	src := testutil.NewQueue(t, b, "src")

	_, err := fanout.New(nil, b.Log(), options())
	assert.ErrorIs(t, err, fanout.ErrNoSource)

	_, err = fanout.New(src, nil, options())
	assert.ErrorIs(t, err, fanout.ErrNoLog)
}

func TestFanoutStates(t *testing.T) {
	ctx := context.Background()
	b := testutil.NewBadger(t)
	src := testutil.NewQueue(t, b, "src")
	target := testutil.NewQueue(t, b, "target")

	f := newFanout(t, src, b.Log())
	assert.ErrorIs(t, f.Fanout(ctx, "g", nil, nil), fanout.ErrNoTargets)

	require.NoError(t, f.Fanout(ctx, "g", []*queue.Queue{target}, nil))
	assert.ErrorIs(t, f.Fanout(ctx, "g", []*queue.Queue{target}, nil), fanout.ErrRunning)

	f.Close()
	f.Close()
	assert.ErrorIs(t, f.Fanout(ctx, "g", []*queue.Queue{target}, nil), fanout.ErrClosed)
}

// failingJobs rejects every add.
type failingJobs struct {
	storage.JobStore
	adds atomic.Int32
}

func (f *failingJobs) Add(context.Context, string, *storage.Job) (string, error) {
	f.adds.Add(1)
	return "", errors.New("unavailable")
}

func TestDispatcherBreakerOpens(t *testing.T) {
	ctx := context.Background()
	jobs := &failingJobs{}
	target, err := queue.New("down", jobs)
	require.NoError(t, err)

	d := fanout.NewDispatcher([]*queue.Queue{target}, nil, fanout.DispatcherOptions{
		Breaker: fanout.BreakerSettings{Enabled: true, FailureThreshold: 2, ResetTimeout: time.Minute},
		Logger:  testutil.Logger,
	})

	msg := stream.Message{Data: json.RawMessage(`{}`)}
	for range 2 {
		assert.Error(t, d.Dispatch(ctx, msg))
	}
	err = d.Dispatch(ctx, msg)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(2), jobs.adds.Load())
}

func TestDispatcherStopsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	b := testutil.NewBadger(t)
	ok := testutil.NewQueue(t, b, "ok")
	down, err := queue.New("down", &failingJobs{})
	require.NoError(t, err)
	after := testutil.NewQueue(t, b, "after")

	d := fanout.NewDispatcher([]*queue.Queue{ok, down, after}, nil, fanout.DispatcherOptions{Logger: testutil.Logger})
	assert.Error(t, d.Dispatch(ctx, stream.Message{Data: json.RawMessage(`1`)}))

	testutil.WaitForCount(t, ok, 1)
	testutil.WaitForCount(t, after, 0)
}
