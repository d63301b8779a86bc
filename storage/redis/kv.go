// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package redis

import (
	"context"
	"time"

	"github.com/absmach/fluxflow/storage"
	redigo "github.com/gomodule/redigo/redis"
)

var _ storage.KV = (*KVStore)(nil)

// The expiry is only set by the push that creates the list.
var pushScript = redigo.NewScript(1, `
local n = redis.call('RPUSH', KEYS[1], ARGV[1])
local ttl = tonumber(ARGV[2])
if n == 1 and ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return n
`)

// KVStore implements storage.KV over Redis lists and strings.
type KVStore struct {
	pool *redigo.Pool
	ns   namespace
}

// NewKVStore creates a Redis key-value store.
func NewKVStore(pool *redigo.Pool, ns namespace) *KVStore {
	return &KVStore{pool: pool, ns: ns}
}

func (s *KVStore) ListPush(ctx context.Context, key string, value []byte, ttl time.Duration) (int64, error) {
	return redigo.Int64(run(ctx, s.pool, pushScript, s.ns.key("kv", key), value, ms(ttl)))
}

func (s *KVStore) ListRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	return redigo.ByteSlices(do(ctx, s.pool, "LRANGE", s.ns.key("kv", key), start, stop))
}

func (s *KVStore) ListLen(ctx context.Context, key string) (int64, error) {
	return redigo.Int64(do(ctx, s.pool, "LLEN", s.ns.key("kv", key)))
}

func (s *KVStore) Exists(ctx context.Context, key string) (bool, error) {
	return redigo.Bool(do(ctx, s.pool, "EXISTS", s.ns.key("kv", key)))
}

func (s *KVStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	args := []any{s.ns.key("kv", key), value}
	if ttl > 0 {
		args = append(args, "PX", ms(ttl))
	}
	_, err := do(ctx, s.pool, "SET", args...)
	return err
}

// Get returns the string value at key.
func (s *KVStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := redigo.Bytes(do(ctx, s.pool, "GET", s.ns.key("kv", key)))
	if isNil(err) {
		return nil, storage.ErrNotFound
	}
	return v, err
}

// Expire sets a new expiry on key. A non-positive ttl deletes the key.
func (s *KVStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		_, err := do(ctx, s.pool, "DEL", s.ns.key("kv", key))
		return err
	}
	_, err := do(ctx, s.pool, "PEXPIRE", s.ns.key("kv", key), ms(ttl))
	return err
}
