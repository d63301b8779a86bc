// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storagetest holds behavior tests shared by every storage backend.
package storagetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxflow/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty backend for one test.
type Factory func(t *testing.T) storage.Backend

// Run runs the full contract suite against backends produced by f.
func Run(t *testing.T, f Factory) {
	t.Run("KV", func(t *testing.T) { RunKV(t, f) })
	t.Run("Log", func(t *testing.T) { RunLog(t, f) })
	t.Run("Jobs", func(t *testing.T) { RunJobs(t, f) })
}

// RunKV checks list and value semantics.
func RunKV(t *testing.T, f Factory) {
	ctx := context.Background()

	t.Run("ListPushAppendsAtTail", func(t *testing.T) {
		kv := f(t).KV()
		for i, v := range []string{"a", "b", "c"} {
			n, err := kv.ListPush(ctx, "list", []byte(v), time.Hour)
			require.NoError(t, err)
			assert.Equal(t, int64(i+1), n)
		}

		items, err := kv.ListRange(ctx, "list", 0, -1)
		require.NoError(t, err)
		assert.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, items)

		items, err = kv.ListRange(ctx, "list", 1, 1)
		require.NoError(t, err)
		assert.Equal(t, [][]byte{[]byte("b")}, items)

		n, err := kv.ListLen(ctx, "list")
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
	})

	t.Run("MissingList", func(t *testing.T) {
		kv := f(t).KV()
		items, err := kv.ListRange(ctx, "missing", 0, -1)
		require.NoError(t, err)
		assert.Empty(t, items)

		n, err := kv.ListLen(ctx, "missing")
		require.NoError(t, err)
		assert.Zero(t, n)

		ok, err := kv.Exists(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("SetAndExists", func(t *testing.T) {
		kv := f(t).KV()
		require.NoError(t, kv.Set(ctx, "done", []byte("1"), time.Hour))

		ok, err := kv.Exists(ctx, "done")
		require.NoError(t, err)
		assert.True(t, ok)

		v, err := kv.Get(ctx, "done")
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), v)

		require.NoError(t, kv.Set(ctx, "done", []byte("2"), time.Hour))
		v, err = kv.Get(ctx, "done")
		require.NoError(t, err)
		assert.Equal(t, []byte("2"), v)

		_, err = kv.Get(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ExpireDeletesOnNonPositiveTTL", func(t *testing.T) {
		kv := f(t).KV()
		_, err := kv.ListPush(ctx, "list", []byte("x"), 0)
		require.NoError(t, err)
		require.NoError(t, kv.Expire(ctx, "list", 0))

		ok, err := kv.Exists(ctx, "list")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("KeysWithDelimiters", func(t *testing.T) {
		kv := f(t).KV()
		a := storage.Key{Pattern: "acc", Kind: storage.KindItems, Name: "n", Group: "a/b"}.String()
		b := storage.Key{Pattern: "acc", Kind: storage.KindItems, Name: "n/a", Group: "b"}.String()
		require.NotEqual(t, a, b)

		_, err := kv.ListPush(ctx, a, []byte("1"), time.Hour)
		require.NoError(t, err)

		n, err := kv.ListLen(ctx, b)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

// RunLog checks append, consumer group and trim semantics.
func RunLog(t *testing.T, f Factory) {
	ctx := context.Background()

	t.Run("GroupStartsAtBeginning", func(t *testing.T) {
		log := f(t).Log()
		for i := range 3 {
			_, err := log.Append(ctx, "s", map[string]string{"n": fmt.Sprint(i)})
			require.NoError(t, err)
		}
		require.NoError(t, log.CreateGroup(ctx, "s", "g"))

		recs, err := log.ReadGroup(ctx, "s", "g", "c1", 10, 0)
		require.NoError(t, err)
		require.Len(t, recs, 3)
		for i, r := range recs {
			assert.Equal(t, fmt.Sprint(i), r.Fields["n"])
		}
	})

	t.Run("CreateGroupIsIdempotent", func(t *testing.T) {
		log := f(t).Log()
		require.NoError(t, log.CreateGroup(ctx, "s", "g"))
		_, err := log.Append(ctx, "s", map[string]string{"n": "0"})
		require.NoError(t, err)

		recs, err := log.ReadGroup(ctx, "s", "g", "c1", 10, 0)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		require.NoError(t, log.Ack(ctx, "s", "g", recs[0].ID))

		require.NoError(t, log.CreateGroup(ctx, "s", "g"))
		recs, err = log.ReadGroup(ctx, "s", "g", "c1", 10, 0)
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run("ReadUnknownGroup", func(t *testing.T) {
		log := f(t).Log()
		_, err := log.Append(ctx, "s", map[string]string{"n": "0"})
		require.NoError(t, err)

		_, err = log.ReadGroup(ctx, "s", "nope", "c1", 1, 0)
		assert.ErrorIs(t, err, storage.ErrGroupNotFound)
	})

	t.Run("CountLimitsBatch", func(t *testing.T) {
		log := f(t).Log()
		require.NoError(t, log.CreateGroup(ctx, "s", "g"))
		for i := range 5 {
			_, err := log.Append(ctx, "s", map[string]string{"n": fmt.Sprint(i)})
			require.NoError(t, err)
		}

		recs, err := log.ReadGroup(ctx, "s", "g", "c1", 2, 0)
		require.NoError(t, err)
		assert.Len(t, recs, 2)

		recs, err = log.ReadGroup(ctx, "s", "g", "c1", 10, 0)
		require.NoError(t, err)
		assert.Len(t, recs, 3)
		assert.Equal(t, "2", recs[0].Fields["n"])
	})

	t.Run("BlockingReadWakesOnAppend", func(t *testing.T) {
		log := f(t).Log()
		require.NoError(t, log.CreateGroup(ctx, "s", "g"))

		var wg sync.WaitGroup
		var recs []storage.Record
		var err error
		wg.Add(1)
		go func() {
			defer wg.Done()
			recs, err = log.ReadGroup(ctx, "s", "g", "c1", 1, 2*time.Second)
		}()

		time.Sleep(50 * time.Millisecond)
		_, aerr := log.Append(ctx, "s", map[string]string{"n": "late"})
		require.NoError(t, aerr)

		wg.Wait()
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, "late", recs[0].Fields["n"])
	})

	t.Run("BlockingReadTimesOut", func(t *testing.T) {
		log := f(t).Log()
		require.NoError(t, log.CreateGroup(ctx, "s", "g"))

		start := time.Now()
		recs, err := log.ReadGroup(ctx, "s", "g", "c1", 1, 50*time.Millisecond)
		require.NoError(t, err)
		assert.Empty(t, recs)
		assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	})

	t.Run("ClaimTakesOverUnacked", func(t *testing.T) {
		log := f(t).Log()
		require.NoError(t, log.CreateGroup(ctx, "s", "g"))
		id, err := log.Append(ctx, "s", map[string]string{"n": "0"})
		require.NoError(t, err)

		recs, err := log.ReadGroup(ctx, "s", "g", "c1", 1, 0)
		require.NoError(t, err)
		require.Len(t, recs, 1)

		claimed, err := log.Claim(ctx, "s", "g", "c2", time.Hour, 10)
		require.NoError(t, err)
		assert.Empty(t, claimed)

		claimed, err = log.Claim(ctx, "s", "g", "c2", 0, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, id, claimed[0].ID)

		require.NoError(t, log.Ack(ctx, "s", "g", id))
		claimed, err = log.Claim(ctx, "s", "g", "c2", 0, 10)
		require.NoError(t, err)
		assert.Empty(t, claimed)
	})

	t.Run("TrimBefore", func(t *testing.T) {
		log := f(t).Log()
		for i := range 3 {
			_, err := log.Append(ctx, "s", map[string]string{"n": fmt.Sprint(i)})
			require.NoError(t, err)
		}
		time.Sleep(20 * time.Millisecond)
		cutoff := time.Now()
		time.Sleep(5 * time.Millisecond)
		_, err := log.Append(ctx, "s", map[string]string{"n": "new"})
		require.NoError(t, err)

		_, err = log.TrimBefore(ctx, "s", cutoff)
		require.NoError(t, err)

		n, err := log.Len(ctx, "s")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, int64(1))
		assert.LessOrEqual(t, n, int64(4))

		require.NoError(t, log.CreateGroup(ctx, "s", "g"))
		recs, err := log.ReadGroup(ctx, "s", "g", "c1", 10, 0)
		require.NoError(t, err)
		require.NotEmpty(t, recs)
		assert.Equal(t, "new", recs[len(recs)-1].Fields["n"])
	})
}

// RunJobs checks the durable queue semantics.
func RunJobs(t *testing.T, f Factory) {
	ctx := context.Background()
	data := json.RawMessage(`{"v":1}`)

	t.Run("FIFO", func(t *testing.T) {
		jobs := f(t).Jobs()
		for i := range 3 {
			_, err := jobs.Add(ctx, "q", &storage.Job{Name: "j", Data: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))})
			require.NoError(t, err)
		}

		n, err := jobs.Count(ctx, "q")
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		waiting, err := jobs.Waiting(ctx, "q", 0, -1)
		require.NoError(t, err)
		require.Len(t, waiting, 3)
		assert.JSONEq(t, `{"n":0}`, string(waiting[0].Data))

		for i := range 3 {
			job, err := jobs.Reserve(ctx, "q", time.Minute)
			require.NoError(t, err)
			require.NotNil(t, job)
			assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(job.Data))
			require.NoError(t, jobs.Complete(ctx, "q", job.ID))
		}

		job, err := jobs.Reserve(ctx, "q", time.Minute)
		require.NoError(t, err)
		assert.Nil(t, job)
	})

	t.Run("DeduplicatesByJobID", func(t *testing.T) {
		jobs := f(t).Jobs()
		id1, err := jobs.Add(ctx, "q", &storage.Job{Data: data, Opts: storage.JobOptions{JobID: "x"}})
		require.NoError(t, err)
		id2, err := jobs.Add(ctx, "q", &storage.Job{Data: data, Opts: storage.JobOptions{JobID: "x"}})
		require.NoError(t, err)
		assert.Equal(t, "x", id1)
		assert.Equal(t, id1, id2)

		n, err := jobs.Count(ctx, "q")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("OptionsRoundTrip", func(t *testing.T) {
		jobs := f(t).Jobs()
		opts := storage.JobOptions{JobID: "id-1", Attempts: 5, Backoff: &storage.Backoff{Type: storage.BackoffFixed, Delay: time.Second}}
		_, err := jobs.Add(ctx, "q", &storage.Job{Name: "n", Data: data, Opts: opts})
		require.NoError(t, err)

		job, err := jobs.Reserve(ctx, "q", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, opts, job.Opts)
		assert.Equal(t, "n", job.Name)
		assert.Equal(t, "q", job.Queue)
	})

	t.Run("Delayed", func(t *testing.T) {
		jobs := f(t).Jobs()
		_, err := jobs.Add(ctx, "q", &storage.Job{Data: data, Opts: storage.JobOptions{Delay: 100 * time.Millisecond}})
		require.NoError(t, err)

		n, err := jobs.Count(ctx, "q")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		job, err := jobs.Reserve(ctx, "q", time.Minute)
		require.NoError(t, err)
		assert.Nil(t, job)

		require.Eventually(t, func() bool {
			job, err = jobs.Reserve(ctx, "q", time.Minute)
			return err == nil && job != nil
		}, 2*time.Second, 20*time.Millisecond)
	})

	t.Run("ExpiredLeaseIsRedelivered", func(t *testing.T) {
		jobs := f(t).Jobs()
		_, err := jobs.Add(ctx, "q", &storage.Job{Data: data})
		require.NoError(t, err)

		job, err := jobs.Reserve(ctx, "q", 50*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, job)

		again, err := jobs.Reserve(ctx, "q", time.Minute)
		require.NoError(t, err)
		assert.Nil(t, again)

		require.Eventually(t, func() bool {
			again, err = jobs.Reserve(ctx, "q", time.Minute)
			return err == nil && again != nil
		}, 2*time.Second, 20*time.Millisecond)
		assert.Equal(t, job.ID, again.ID)
	})

	t.Run("RetryAndFail", func(t *testing.T) {
		jobs := f(t).Jobs()
		_, err := jobs.Add(ctx, "q", &storage.Job{Data: data})
		require.NoError(t, err)

		job, err := jobs.Reserve(ctx, "q", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, job)

		job.AttemptsMade = 1
		job.FailedReason = "boom"
		require.NoError(t, jobs.Retry(ctx, "q", job, time.Now()))

		job, err = jobs.Reserve(ctx, "q", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, 1, job.AttemptsMade)
		assert.Equal(t, "boom", job.FailedReason)

		require.NoError(t, jobs.Fail(ctx, "q", job))
		n, err := jobs.Count(ctx, "q")
		require.NoError(t, err)
		assert.Zero(t, n)

		removed, err := jobs.Clean(ctx, "q", 0, 0, storage.StateFailed)
		require.NoError(t, err)
		assert.Equal(t, []string{job.ID}, removed)
	})

	t.Run("FailedJobIDIsReusable", func(t *testing.T) {
		jobs := f(t).Jobs()
		_, err := jobs.Add(ctx, "q", &storage.Job{Data: data, Opts: storage.JobOptions{JobID: "x"}})
		require.NoError(t, err)

		job, err := jobs.Reserve(ctx, "q", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, job)
		require.NoError(t, jobs.Fail(ctx, "q", job))

		id, err := jobs.Add(ctx, "q", &storage.Job{Data: json.RawMessage(`{"v":2}`), Opts: storage.JobOptions{JobID: "x"}})
		require.NoError(t, err)
		assert.Equal(t, "x", id)

		n, err := jobs.Count(ctx, "q")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		job, err = jobs.Reserve(ctx, "q", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.JSONEq(t, `{"v":2}`, string(job.Data))
		assert.Zero(t, job.AttemptsMade)

		removed, err := jobs.Clean(ctx, "q", 0, 0, storage.StateFailed)
		require.NoError(t, err)
		assert.Empty(t, removed)
	})

	t.Run("Clean", func(t *testing.T) {
		jobs := f(t).Jobs()
		for range 5 {
			_, err := jobs.Add(ctx, "q", &storage.Job{Data: data})
			require.NoError(t, err)
		}

		removed, err := jobs.Clean(ctx, "q", time.Hour, 10, storage.StateWait)
		require.NoError(t, err)
		assert.Empty(t, removed)

		removed, err = jobs.Clean(ctx, "q", 0, 3, storage.StateWait)
		require.NoError(t, err)
		assert.Len(t, removed, 3)

		n, err := jobs.Count(ctx, "q")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		_, err = jobs.Clean(ctx, "q", 0, 0, storage.JobState("bogus"))
		assert.ErrorIs(t, err, storage.ErrInvalidState)
	})
}
