// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/absmach/fluxflow/storage"
	redigo "github.com/gomodule/redigo/redis"
)

var _ storage.Backend = (*Store)(nil)

// Config holds Redis connection settings.
type Config struct {
	Addr        string
	Password    string
	DB          int
	MaxIdle     int
	MaxActive   int
	IdleTimeout time.Duration
	DialTimeout time.Duration
	// Prefix namespaces every key written by the store.
	Prefix string
	// ExactTrim trims the log exactly instead of at node boundaries.
	ExactTrim bool
}

// NewPool creates a connection pool from cfg.
func NewPool(cfg Config) *redigo.Pool {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	opts := []redigo.DialOption{
		redigo.DialDatabase(cfg.DB),
		redigo.DialConnectTimeout(dialTimeout),
	}
	if cfg.Password != "" {
		opts = append(opts, redigo.DialPassword(cfg.Password))
	}

	maxIdle := cfg.MaxIdle
	if maxIdle <= 0 {
		maxIdle = 16
	}

	return &redigo.Pool{
		MaxIdle:     maxIdle,
		MaxActive:   cfg.MaxActive,
		IdleTimeout: cfg.IdleTimeout,
		Wait:        cfg.MaxActive > 0,
		DialContext: func(ctx context.Context) (redigo.Conn, error) {
			return redigo.DialContext(ctx, "tcp", cfg.Addr, opts...)
		},
		TestOnBorrow: func(c redigo.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

// Store is the Redis backend bundling the job store, the log and the KV store.
// Every process sharing the Redis instance and prefix shares the same state.
type Store struct {
	pool *redigo.Pool
	jobs *JobStore
	log  *LogStore
	kv   *KVStore
}

// New creates a store over pool.
func New(pool *redigo.Pool, cfg Config) *Store {
	ns := namespace(cfg.Prefix)
	return &Store{
		pool: pool,
		jobs: NewJobStore(pool, ns),
		log:  NewLogStore(pool, ns, cfg.ExactTrim),
		kv:   NewKVStore(pool, ns),
	}
}

// Jobs returns the job store.
func (s *Store) Jobs() storage.JobStore {
	return s.jobs
}

// Log returns the record log.
func (s *Store) Log() storage.Log {
	return s.log
}

// KV returns the key-value store.
func (s *Store) KV() storage.KV {
	return s.kv
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = redigo.DoContext(conn, ctx, "PING")
	return err
}

type namespace string

func (n namespace) key(parts ...string) string {
	if n == "" {
		return strings.Join(parts, ":")
	}
	return string(n) + ":" + strings.Join(parts, ":")
}

func do(ctx context.Context, pool *redigo.Pool, cmd string, args ...any) (any, error) {
	conn, err := pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get redis connection: %w", err)
	}
	defer conn.Close()

	return redigo.DoContext(conn, ctx, cmd, args...)
}

func run(ctx context.Context, pool *redigo.Pool, script *redigo.Script, keysAndArgs ...any) (any, error) {
	conn, err := pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get redis connection: %w", err)
	}
	defer conn.Close()

	return script.DoContext(ctx, conn, keysAndArgs...)
}

func isNil(err error) bool {
	return errors.Is(err, redigo.ErrNil)
}

func ms(d time.Duration) int64 {
	return d.Milliseconds()
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
