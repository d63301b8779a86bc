// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter throttles job processing per queue.
type Limiter interface {
	// Wait blocks until a job from queue may be processed.
	Wait(ctx context.Context, queue string) error
	// Allow reports whether a job from queue may be processed now.
	Allow(queue string) bool
}

// Config holds per-queue limits. Queues without an override use the default.
type Config struct {
	Rate      float64            // jobs per second, 0 disables limiting
	Burst     int
	Overrides map[string]float64 // per-queue rate
	// Stale limiters are dropped after twice this interval without use.
	CleanupInterval time.Duration
}

// QueueRateLimiter keeps one token bucket per queue.
type QueueRateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*entry
	rate      rate.Limit
	burst     int
	overrides map[string]rate.Limit
	cleanup   time.Duration
	stopCh    chan struct{}
	stopOnce  sync.Once
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a per-queue rate limiter.
func New(cfg Config) *QueueRateLimiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	cleanup := cfg.CleanupInterval
	if cleanup <= 0 {
		cleanup = time.Minute
	}

	overrides := make(map[string]rate.Limit, len(cfg.Overrides))
	for q, r := range cfg.Overrides {
		overrides[q] = limitOf(r)
	}

	l := &QueueRateLimiter{
		limiters:  make(map[string]*entry),
		rate:      limitOf(cfg.Rate),
		burst:     burst,
		overrides: overrides,
		cleanup:   cleanup,
		stopCh:    make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

func limitOf(r float64) rate.Limit {
	if r <= 0 {
		return rate.Inf
	}
	return rate.Limit(r)
}

func (l *QueueRateLimiter) get(queue string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.limiters[queue]
	if !ok {
		r, ok := l.overrides[queue]
		if !ok {
			r = l.rate
		}
		e = &entry{limiter: rate.NewLimiter(r, l.burst)}
		l.limiters[queue] = e
	}
	e.lastSeen = time.Now()
	return e.limiter
}

// Wait blocks until the queue's bucket has a token or ctx ends.
func (l *QueueRateLimiter) Wait(ctx context.Context, queue string) error {
	return l.get(queue).Wait(ctx)
}

// Allow consumes a token if one is available.
func (l *QueueRateLimiter) Allow(queue string) bool {
	return l.get(queue).Allow()
}

// cleanupLoop periodically removes stale entries.
func (l *QueueRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanupStale()
		case <-l.stopCh:
			return
		}
	}
}

func (l *QueueRateLimiter) cleanupStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := time.Now().Add(-l.cleanup * 2)
	for q, e := range l.limiters {
		if e.lastSeen.Before(threshold) {
			delete(l.limiters, q)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *QueueRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}
