// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/absmach/fluxflow/storage"
	redigo "github.com/gomodule/redigo/redis"
)

var _ storage.JobStore = (*JobStore)(nil)

// Wait set scores are priority * 2^32 + sequence, so lower priorities run
// first and equal priorities run in FIFO order.
//
// A failed job with the same id is replaced.
//
// KEYS: job, wait, delayed, seq, failed
// ARGV: job json, state, process-at ms, priority, id, created ms
var addScript = redigo.NewScript(5, `
local current = redis.call('HGET', KEYS[1], 'state')
if current and current ~= 'failed' then
  return 0
end
redis.call('ZREM', KEYS[5], ARGV[5])
redis.call('HSET', KEYS[1], 'job', ARGV[1], 'state', ARGV[2], 'priority', ARGV[4], 'created', ARGV[6])
if ARGV[2] == 'delayed' then
  redis.call('ZADD', KEYS[3], ARGV[3], ARGV[5])
else
  local seq = redis.call('INCR', KEYS[4])
  redis.call('ZADD', KEYS[2], tonumber(ARGV[4]) * 4294967296 + seq, ARGV[5])
end
return 1
`)

// KEYS: wait, delayed, active, seq
// ARGV: now ms, lease deadline ms, job key prefix
var reserveScript = redigo.NewScript(4, `
local now = tonumber(ARGV[1])
local prefix = ARGV[3]
for _, key in ipairs({KEYS[2], KEYS[3]}) do
  local due = redis.call('ZRANGEBYSCORE', key, '-inf', now)
  for _, id in ipairs(due) do
    redis.call('ZREM', key, id)
    if redis.call('EXISTS', prefix .. id) == 1 then
      local seq = redis.call('INCR', KEYS[4])
      local prio = tonumber(redis.call('HGET', prefix .. id, 'priority') or '0')
      redis.call('ZADD', KEYS[1], prio * 4294967296 + seq, id)
      redis.call('HSET', prefix .. id, 'state', 'wait')
    end
  end
end
while true do
  local first = redis.call('ZRANGE', KEYS[1], 0, 0)
  if #first == 0 then
    return false
  end
  local id = first[1]
  redis.call('ZREM', KEYS[1], id)
  local job = redis.call('HGET', prefix .. id, 'job')
  if job then
    redis.call('ZADD', KEYS[3], ARGV[2], id)
    redis.call('HSET', prefix .. id, 'state', 'active')
    return job
  end
end
`)

// KEYS: job, wait, delayed, active, failed
// ARGV: id
var completeScript = redigo.NewScript(5, `
for i = 2, 5 do
  redis.call('ZREM', KEYS[i], ARGV[1])
end
return redis.call('DEL', KEYS[1])
`)

// KEYS: job, wait, delayed, active, failed
// ARGV: id, job json, state, score
var moveScript = redigo.NewScript(5, `
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
for i = 2, 5 do
  redis.call('ZREM', KEYS[i], ARGV[1])
end
local target = KEYS[3]
if ARGV[3] == 'failed' then
  target = KEYS[5]
end
redis.call('ZADD', target, ARGV[4], ARGV[1])
redis.call('HSET', KEYS[1], 'job', ARGV[2], 'state', ARGV[3])
return 1
`)

// KEYS: state set
// ARGV: cutoff ms, limit, job key prefix
var cleanScript = redigo.NewScript(1, `
local ids = redis.call('ZRANGE', KEYS[1], 0, -1)
local limit = tonumber(ARGV[2])
local cutoff = tonumber(ARGV[1])
local removed = {}
for _, id in ipairs(ids) do
  if limit > 0 and #removed >= limit then
    break
  end
  local created = tonumber(redis.call('HGET', ARGV[3] .. id, 'created') or '0')
  if created <= cutoff then
    redis.call('ZREM', KEYS[1], id)
    redis.call('DEL', ARGV[3] .. id)
    table.insert(removed, id)
  end
end
return removed
`)

// JobStore implements storage.JobStore with Lua-scripted transitions over
// a job hash per id and one sorted set per state. The clock is read in Go
// and passed to scripts.
type JobStore struct {
	pool *redigo.Pool
	ns   namespace
	now  func() time.Time
}

// NewJobStore creates a Redis job store.
func NewJobStore(pool *redigo.Pool, ns namespace) *JobStore {
	return &JobStore{pool: pool, ns: ns, now: time.Now}
}

type queueKeys struct {
	prefix  string
	seq     string
	ids     string
	wait    string
	delayed string
	active  string
	failed  string
}

func (s *JobStore) keys(queue string) queueKeys {
	return queueKeys{
		prefix:  s.ns.key("q", queue, "job") + ":",
		seq:     s.ns.key("q", queue, "seq"),
		ids:     s.ns.key("q", queue, "id"),
		wait:    s.ns.key("q", queue, "wait"),
		delayed: s.ns.key("q", queue, "delayed"),
		active:  s.ns.key("q", queue, "active"),
		failed:  s.ns.key("q", queue, "failed"),
	}
}

func (k queueKeys) state(state storage.JobState) string {
	switch state {
	case storage.StateDelayed:
		return k.delayed
	case storage.StateActive:
		return k.active
	case storage.StateFailed:
		return k.failed
	default:
		return k.wait
	}
}

func (s *JobStore) Add(ctx context.Context, queue string, job *storage.Job) (string, error) {
	k := s.keys(queue)

	j := *job
	j.Queue = queue
	j.ID = j.Opts.JobID
	if j.ID == "" {
		seq, err := redigo.Int64(do(ctx, s.pool, "INCR", k.ids))
		if err != nil {
			return "", fmt.Errorf("failed to allocate job id: %w", err)
		}
		j.ID = itoa(seq)
	}

	now := s.now()
	j.CreatedAt = now
	j.ProcessAt = now
	state := storage.StateWait
	if j.Opts.Delay > 0 {
		j.ProcessAt = now.Add(j.Opts.Delay)
		state = storage.StateDelayed
	}
	priority := j.Opts.Priority
	if priority < 0 {
		priority = 0
	}

	data, err := json.Marshal(&j)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	if _, err := run(ctx, s.pool, addScript,
		k.prefix+j.ID, k.wait, k.delayed, k.seq, k.failed,
		data, string(state), j.ProcessAt.UnixMilli(), priority, j.ID, now.UnixMilli(),
	); err != nil {
		return "", fmt.Errorf("failed to add job to %s: %w", queue, err)
	}
	return j.ID, nil
}

func (s *JobStore) Reserve(ctx context.Context, queue string, lease time.Duration) (*storage.Job, error) {
	k := s.keys(queue)
	now := s.now()

	data, err := redigo.Bytes(run(ctx, s.pool, reserveScript,
		k.wait, k.delayed, k.active, k.seq,
		now.UnixMilli(), now.Add(lease).UnixMilli(), k.prefix,
	))
	if isNil(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reserve job from %s: %w", queue, err)
	}

	var job storage.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

func (s *JobStore) Complete(ctx context.Context, queue, id string) error {
	k := s.keys(queue)
	_, err := run(ctx, s.pool, completeScript, k.prefix+id, k.wait, k.delayed, k.active, k.failed, id)
	return err
}

func (s *JobStore) Retry(ctx context.Context, queue string, job *storage.Job, at time.Time) error {
	j := *job
	j.ProcessAt = at
	return s.move(ctx, queue, &j, storage.StateDelayed, at)
}

func (s *JobStore) Fail(ctx context.Context, queue string, job *storage.Job) error {
	j := *job
	j.FinishedAt = s.now()
	return s.move(ctx, queue, &j, storage.StateFailed, j.FinishedAt)
}

func (s *JobStore) move(ctx context.Context, queue string, job *storage.Job, state storage.JobState, at time.Time) error {
	k := s.keys(queue)
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	ok, err := redigo.Bool(run(ctx, s.pool, moveScript,
		k.prefix+job.ID, k.wait, k.delayed, k.active, k.failed,
		job.ID, data, string(state), at.UnixMilli(),
	))
	if err != nil {
		return err
	}
	if !ok {
		return storage.ErrNotFound
	}
	return nil
}

func (s *JobStore) Count(ctx context.Context, queue string) (int64, error) {
	k := s.keys(queue)

	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	if err := conn.Send("ZCARD", k.wait); err != nil {
		return 0, err
	}
	if err := conn.Send("ZCARD", k.delayed); err != nil {
		return 0, err
	}
	if err := conn.Flush(); err != nil {
		return 0, err
	}

	var total int64
	for range 2 {
		n, err := redigo.Int64(conn.Receive())
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func (s *JobStore) Waiting(ctx context.Context, queue string, start, stop int64) ([]*storage.Job, error) {
	k := s.keys(queue)

	ids, err := redigo.Strings(do(ctx, s.pool, "ZRANGE", k.wait, start, stop))
	if err != nil {
		return nil, err
	}

	jobs := make([]*storage.Job, 0, len(ids))
	for _, id := range ids {
		data, err := redigo.Bytes(do(ctx, s.pool, "HGET", k.prefix+id, "job"))
		if isNil(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var job storage.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job: %w", err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

func (s *JobStore) Clean(ctx context.Context, queue string, grace time.Duration, limit int, state storage.JobState) ([]string, error) {
	if err := state.Validate(); err != nil {
		return nil, err
	}
	k := s.keys(queue)
	cutoff := s.now().Add(-grace).UnixMilli()

	ids, err := redigo.Strings(run(ctx, s.pool, cleanScript, k.state(state), cutoff, limit, k.prefix))
	if err != nil {
		return nil, fmt.Errorf("failed to clean %s: %w", queue, err)
	}
	return ids, nil
}
