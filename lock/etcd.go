// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package lock

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

var _ Scheduler = (*Etcd)(nil)

const defaultEtcdPrefix = "/fluxflow/locks/"

// EtcdConfig configures the etcd scheduler.
type EtcdConfig struct {
	Prefix     string
	SessionTTL time.Duration
}

// Etcd serializes calls per key across every process sharing the etcd
// cluster. Waiters on a key acquire in revision order, which is FIFO.
// Each process queues locally first so it holds at most one etcd waiter
// per key.
type Etcd struct {
	client  *clientv3.Client
	session *concurrency.Session
	prefix  string
	local   *Local
	logger  *slog.Logger

	closeOnce sync.Once
}

// NewEtcd creates a scheduler backed by a session on client.
func NewEtcd(client *clientv3.Client, cfg EtcdConfig, logger *slog.Logger) (*Etcd, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultEtcdPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	s, err := concurrency.NewSession(client, concurrency.WithTTL(int(ttl.Seconds())))
	if err != nil {
		return nil, fmt.Errorf("failed to create concurrency session: %w", err)
	}

	return &Etcd{
		client:  client,
		session: s,
		prefix:  prefix,
		local:   NewLocal(),
		logger:  logger,
	}, nil
}

func (e *Etcd) RunExclusive(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	select {
	case <-e.session.Done():
		return ErrLockLost
	default:
	}

	release, err := e.local.acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()

	m := concurrency.NewMutex(e.session, e.prefix+key)
	if err := m.Lock(ctx); err != nil {
		return fmt.Errorf("failed to lock %s: %w", key, err)
	}
	defer func() {
		uctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.Unlock(uctx); err != nil {
			e.logger.Warn("failed to unlock", slog.String("key", key), slog.String("error", err.Error()))
		}
	}()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		select {
		case <-e.session.Done():
			cancel(ErrLockLost)
		case <-runCtx.Done():
		}
	}()

	if err := fn(runCtx); err != nil {
		if cause := context.Cause(runCtx); cause == ErrLockLost {
			return fmt.Errorf("%w: %w", ErrLockLost, err)
		}
		return err
	}
	return nil
}

// Close revokes the session, releasing every lock it holds.
func (e *Etcd) Close() error {
	var err error
	e.closeOnce.Do(func() {
		err = e.session.Close()
	})
	return err
}
