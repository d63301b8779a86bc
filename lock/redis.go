// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	redigo "github.com/gomodule/redigo/redis"
	"github.com/google/uuid"
)

var _ Scheduler = (*Redis)(nil)

var (
	releaseScript = redigo.NewScript(1, `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
	refreshScript = redigo.NewScript(1, `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)
)

// RedisConfig configures the Redis scheduler.
type RedisConfig struct {
	Prefix        string
	LeaseTTL      time.Duration
	RetryInterval time.Duration
}

// Redis serializes calls per key with a leased SET NX key. The lease is
// extended while the function runs; losing it cancels the function's context.
type Redis struct {
	pool   *redigo.Pool
	prefix string
	ttl    time.Duration
	retry  time.Duration
	local  *Local
	logger *slog.Logger
}

// NewRedis creates a scheduler over pool.
func NewRedis(pool *redigo.Pool, cfg RedisConfig, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 20 * time.Millisecond
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "fluxflow:lock:"
	}
	return &Redis{
		pool:   pool,
		prefix: cfg.Prefix,
		ttl:    cfg.LeaseTTL,
		retry:  cfg.RetryInterval,
		local:  NewLocal(),
		logger: logger,
	}
}

func (r *Redis) RunExclusive(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	release, err := r.local.acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()

	k := r.prefix + key
	token := uuid.NewString()
	if err := r.lock(ctx, k, token); err != nil {
		return err
	}
	defer r.unlock(k, token)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go r.refresh(runCtx, cancel, k, token)

	if err := fn(runCtx); err != nil {
		if context.Cause(runCtx) == ErrLockLost {
			return fmt.Errorf("%w: %w", ErrLockLost, err)
		}
		return err
	}
	return nil
}

func (r *Redis) lock(ctx context.Context, key, token string) error {
	for {
		ok, err := r.tryLock(ctx, key, token)
		if err != nil {
			return fmt.Errorf("failed to lock %s: %w", key, err)
		}
		if ok {
			return nil
		}

		wait := r.retry + rand.N(r.retry)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Redis) tryLock(ctx context.Context, key, token string) (bool, error) {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	_, err = redigo.String(redigo.DoContext(conn, ctx, "SET", key, token, "NX", "PX", r.ttl.Milliseconds()))
	if errors.Is(err, redigo.ErrNil) {
		return false, nil
	}
	return err == nil, err
}

func (r *Redis) refresh(ctx context.Context, cancel context.CancelCauseFunc, key, token string) {
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn, err := r.pool.GetContext(ctx)
			if err != nil {
				continue
			}
			n, err := redigo.Int(refreshScript.DoContext(ctx, conn, key, token, r.ttl.Milliseconds()))
			conn.Close()
			if err != nil {
				r.logger.Warn("failed to refresh lock", slog.String("key", key), slog.String("error", err.Error()))
				continue
			}
			if n == 0 {
				cancel(ErrLockLost)
				return
			}
		}
	}
}

func (r *Redis) unlock(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		r.logger.Warn("failed to unlock", slog.String("key", key), slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	if _, err := releaseScript.DoContext(ctx, conn, key, token); err != nil {
		r.logger.Warn("failed to unlock", slog.String("key", key), slog.String("error", err.Error()))
	}
}
