// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/absmach/fluxflow/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.JobStore = (*JobStore)(nil)

// JobStore implements storage.JobStore using BadgerDB.
//
// Key format:
//
//	q\x00{queue}\x00s                         id sequence
//	q\x00{queue}\x00j\x00{id}                 job entry
//	q\x00{queue}\x00w\x00{priority}{seq}      wait index
//	q\x00{queue}\x00d\x00{process-at ms}{id}  delayed index
//	q\x00{queue}\x00a\x00{deadline ms}{id}    active index
//	q\x00{queue}\x00f\x00{finished ms}{id}    failed index
type JobStore struct {
	db  *badger.DB
	now func() time.Time
}

// NewJobStore creates a new BadgerDB job store.
func NewJobStore(db *badger.DB) *JobStore {
	return &JobStore{db: db, now: time.Now}
}

type jobEntry struct {
	Job   *storage.Job     `json:"job"`
	State storage.JobState `json:"state"`
	Index []byte           `json:"index"`
}

func queuePrefix(queue string) []byte {
	return []byte("q\x00" + queue + "\x00")
}

func seqKey(queue string) []byte {
	return append(queuePrefix(queue), 's')
}

func jobKey(queue, id string) []byte {
	return append(queuePrefix(queue), []byte("j\x00"+id)...)
}

func statePrefix(queue string, state storage.JobState) []byte {
	var c byte
	switch state {
	case storage.StateWait:
		c = 'w'
	case storage.StateDelayed:
		c = 'd'
	case storage.StateActive:
		c = 'a'
	case storage.StateFailed:
		c = 'f'
	}
	return append(queuePrefix(queue), c, 0)
}

func waitKey(queue string, priority int, seq uint64) []byte {
	if priority < 0 {
		priority = 0
	}
	k := statePrefix(queue, storage.StateWait)
	k = binary.BigEndian.AppendUint32(k, uint32(priority))
	return binary.BigEndian.AppendUint64(k, seq)
}

func timedKey(queue string, state storage.JobState, at time.Time, id string) []byte {
	k := statePrefix(queue, state)
	k = binary.BigEndian.AppendUint64(k, uint64(at.UnixMilli()))
	return append(k, id...)
}

func nextSeq(txn *badger.Txn, queue string) (uint64, error) {
	seq, _, err := loadUint64(txn, seqKey(queue))
	if err != nil {
		return 0, err
	}
	seq++
	return seq, txn.Set(seqKey(queue), encodeUint64(seq))
}

func loadJob(txn *badger.Txn, queue, id string) (*jobEntry, error) {
	item, err := txn.Get(jobKey(queue, id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e jobEntry
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &e)
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &e, nil
}

func storeJob(txn *badger.Txn, queue string, e *jobEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return txn.Set(jobKey(queue, e.Job.ID), data)
}

// move re-indexes a job under state. Wait entries get a fresh sequence so
// that they queue behind jobs already waiting.
func move(txn *badger.Txn, queue string, e *jobEntry, state storage.JobState, at time.Time) error {
	if len(e.Index) > 0 {
		if err := txn.Delete(e.Index); err != nil {
			return err
		}
	}

	var idx []byte
	switch state {
	case storage.StateWait:
		seq, err := nextSeq(txn, queue)
		if err != nil {
			return err
		}
		idx = waitKey(queue, e.Job.Opts.Priority, seq)
	default:
		idx = timedKey(queue, state, at, e.Job.ID)
	}

	e.State = state
	e.Index = idx
	if err := txn.Set(idx, []byte(e.Job.ID)); err != nil {
		return err
	}
	return storeJob(txn, queue, e)
}

// Add enqueues a job, deduplicating on Opts.JobID. A failed job with the
// same id is replaced.
func (s *JobStore) Add(ctx context.Context, queue string, job *storage.Job) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var id string
	err := update(s.db, func(txn *badger.Txn) error {
		j := *job
		j.Queue = queue
		var entry jobEntry

		if j.Opts.JobID != "" {
			existing, err := loadJob(txn, queue, j.Opts.JobID)
			if err != nil {
				return err
			}
			// A failed job no longer occupies its id.
			if existing != nil && existing.State != storage.StateFailed {
				id = existing.Job.ID
				return nil
			}
			if existing != nil {
				entry.Index = existing.Index
			}
			j.ID = j.Opts.JobID
		} else {
			seq, err := nextSeq(txn, queue)
			if err != nil {
				return err
			}
			j.ID = strconv.FormatUint(seq, 10)
		}

		now := s.now()
		j.CreatedAt = now
		j.ProcessAt = now
		state := storage.StateWait
		if j.Opts.Delay > 0 {
			j.ProcessAt = now.Add(j.Opts.Delay)
			state = storage.StateDelayed
		}

		id = j.ID
		entry.Job = &j
		return move(txn, queue, &entry, state, j.ProcessAt)
	})
	if err != nil {
		return "", fmt.Errorf("failed to add job to %s: %w", queue, err)
	}
	return id, nil
}

// Reserve leases the next waiting job.
func (s *JobStore) Reserve(ctx context.Context, queue string, lease time.Duration) (*storage.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var job *storage.Job
	err := update(s.db, func(txn *badger.Txn) error {
		job = nil
		now := s.now()

		if err := s.promote(txn, queue, storage.StateDelayed, now); err != nil {
			return err
		}
		if err := s.promote(txn, queue, storage.StateActive, now); err != nil {
			return err
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = statePrefix(queue, storage.StateWait)
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Rewind()
		if !it.Valid() {
			return nil
		}
		var id string
		if err := it.Item().Value(func(val []byte) error {
			id = string(val)
			return nil
		}); err != nil {
			return err
		}

		e, err := loadJob(txn, queue, id)
		if err != nil {
			return err
		}
		if e == nil {
			return txn.Delete(it.Item().KeyCopy(nil))
		}
		if err := move(txn, queue, e, storage.StateActive, now.Add(lease)); err != nil {
			return err
		}
		job = e.Job
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reserve job from %s: %w", queue, err)
	}
	return job, nil
}

// promote moves due delayed jobs and expired leases back to the wait list.
func (s *JobStore) promote(txn *badger.Txn, queue string, state storage.JobState, now time.Time) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = statePrefix(queue, state)
	it := txn.NewIterator(opts)
	defer it.Close()

	var due []string
	for it.Rewind(); it.Valid(); it.Next() {
		key := it.Item().Key()
		ms := int64(binary.BigEndian.Uint64(key[len(opts.Prefix) : len(opts.Prefix)+8]))
		if ms > now.UnixMilli() {
			break
		}
		due = append(due, string(key[len(opts.Prefix)+8:]))
	}

	for _, id := range due {
		e, err := loadJob(txn, queue, id)
		if err != nil {
			return err
		}
		if e == nil {
			continue
		}
		if err := move(txn, queue, e, storage.StateWait, now); err != nil {
			return err
		}
	}
	return nil
}

// Complete removes a job. Completing an unknown job is a no-op.
func (s *JobStore) Complete(ctx context.Context, queue, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return update(s.db, func(txn *badger.Txn) error {
		e, err := loadJob(txn, queue, id)
		if err != nil || e == nil {
			return err
		}
		return remove(txn, queue, e)
	})
}

func remove(txn *badger.Txn, queue string, e *jobEntry) error {
	if len(e.Index) > 0 {
		if err := txn.Delete(e.Index); err != nil {
			return err
		}
	}
	return txn.Delete(jobKey(queue, e.Job.ID))
}

// Retry schedules job to run again at the given time.
func (s *JobStore) Retry(ctx context.Context, queue string, job *storage.Job, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return update(s.db, func(txn *badger.Txn) error {
		e, err := loadJob(txn, queue, job.ID)
		if err != nil {
			return err
		}
		if e == nil {
			return storage.ErrNotFound
		}
		j := *job
		j.ProcessAt = at
		e.Job = &j
		return move(txn, queue, e, storage.StateDelayed, at)
	})
}

// Fail moves job to the failed set.
func (s *JobStore) Fail(ctx context.Context, queue string, job *storage.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return update(s.db, func(txn *badger.Txn) error {
		e, err := loadJob(txn, queue, job.ID)
		if err != nil {
			return err
		}
		if e == nil {
			return storage.ErrNotFound
		}
		j := *job
		j.FinishedAt = s.now()
		e.Job = &j
		return move(txn, queue, e, storage.StateFailed, j.FinishedAt)
	})
}

// Count returns the number of waiting and delayed jobs.
func (s *JobStore) Count(ctx context.Context, queue string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var n int64
	err := s.db.View(func(txn *badger.Txn) error {
		for _, state := range []storage.JobState{storage.StateWait, storage.StateDelayed} {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = statePrefix(queue, state)
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)
			for it.Rewind(); it.Valid(); it.Next() {
				n++
			}
			it.Close()
		}
		return nil
	})
	return n, mapErr(err)
}

// Waiting returns waiting jobs in the order they will be reserved.
func (s *JobStore) Waiting(ctx context.Context, queue string, start, stop int64) ([]*storage.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var jobs []*storage.Job
	err := s.db.View(func(txn *badger.Txn) error {
		ids, err := indexed(txn, queue, storage.StateWait)
		if err != nil {
			return err
		}
		lo, hi, ok := normalizeRange(int64(len(ids)), start, stop)
		if !ok {
			return nil
		}
		for _, id := range ids[lo : hi+1] {
			e, err := loadJob(txn, queue, id)
			if err != nil {
				return err
			}
			if e != nil {
				jobs = append(jobs, e.Job)
			}
		}
		return nil
	})
	if err != nil {
		return nil, mapErr(err)
	}
	return jobs, nil
}

func indexed(txn *badger.Txn, queue string, state storage.JobState) ([]string, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = statePrefix(queue, state)
	it := txn.NewIterator(opts)
	defer it.Close()

	var ids []string
	for it.Rewind(); it.Valid(); it.Next() {
		if err := it.Item().Value(func(val []byte) error {
			ids = append(ids, string(val))
			return nil
		}); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// Clean removes up to limit jobs in state created more than grace ago.
// A zero limit removes every matching job.
func (s *JobStore) Clean(ctx context.Context, queue string, grace time.Duration, limit int, state storage.JobState) ([]string, error) {
	if err := state.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var removed []string
	err := update(s.db, func(txn *badger.Txn) error {
		removed = removed[:0]

		ids, err := indexed(txn, queue, state)
		if err != nil {
			return err
		}
		cutoff := s.now().Add(-grace)
		for _, id := range ids {
			if limit > 0 && len(removed) >= limit {
				break
			}
			e, err := loadJob(txn, queue, id)
			if err != nil {
				return err
			}
			if e == nil || e.Job.CreatedAt.After(cutoff) {
				continue
			}
			if err := remove(txn, queue, e); err != nil {
				return err
			}
			removed = append(removed, id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to clean %s: %w", queue, err)
	}
	return removed, nil
}
