// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package lock

import (
	"container/list"
	"context"
	"sync"
)

var _ Scheduler = (*Local)(nil)

// Local serializes calls per key within one process. Waiters are served in
// arrival order; a waiter whose context ends leaves the queue.
type Local struct {
	mu   sync.Mutex
	keys map[string]*ticketQueue
}

type ticketQueue struct {
	waiters *list.List // of chan struct{}
}

// NewLocal creates an in-process scheduler.
func NewLocal() *Local {
	return &Local{keys: make(map[string]*ticketQueue)}
}

func (l *Local) RunExclusive(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	release, err := l.acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()

	return fn(ctx)
}

// acquire returns once the caller holds key. Ownership passes directly from
// the releasing holder to the next waiter.
func (l *Local) acquire(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	q, ok := l.keys[key]
	if !ok {
		l.keys[key] = &ticketQueue{waiters: list.New()}
		l.mu.Unlock()
		return l.releaser(key), nil
	}
	ch := make(chan struct{})
	el := q.waiters.PushBack(ch)
	l.mu.Unlock()

	select {
	case <-ch:
		return l.releaser(key), nil
	case <-ctx.Done():
		l.mu.Lock()
		select {
		case <-ch:
			// Handed over while giving up: pass it on.
			l.mu.Unlock()
			l.release(key)
		default:
			q.waiters.Remove(el)
			l.mu.Unlock()
		}
		return nil, ctx.Err()
	}
}

func (l *Local) releaser(key string) func() {
	var once sync.Once
	return func() {
		once.Do(func() { l.release(key) })
	}
}

func (l *Local) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	q, ok := l.keys[key]
	if !ok {
		return
	}
	front := q.waiters.Front()
	if front == nil {
		delete(l.keys, key)
		return
	}
	q.waiters.Remove(front)
	close(front.Value.(chan struct{}))
}

// Len returns the number of keys currently held.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}
