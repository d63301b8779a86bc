// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestQueueRateLimiter_Allow(t *testing.T) {
	// 5 jobs per second, burst of 2
	limiter := New(Config{Rate: 5, Burst: 2})
	defer limiter.Stop()

	if !limiter.Allow("q") {
		t.Error("First job should be allowed")
	}
	if !limiter.Allow("q") {
		t.Error("Second job (within burst) should be allowed")
	}
	if limiter.Allow("q") {
		t.Error("Third job should be rate limited (burst exhausted)")
	}

	time.Sleep(250 * time.Millisecond)

	if !limiter.Allow("q") {
		t.Error("Job after token refill should be allowed")
	}
}

func TestQueueRateLimiter_DifferentQueues(t *testing.T) {
	limiter := New(Config{Rate: 1, Burst: 1})
	defer limiter.Stop()

	if !limiter.Allow("a") {
		t.Error("First job from a should be allowed")
	}
	if !limiter.Allow("b") {
		t.Error("First job from b should be allowed")
	}
	if limiter.Allow("a") {
		t.Error("Second job from a should be rate limited")
	}
}

func TestQueueRateLimiter_Override(t *testing.T) {
	limiter := New(Config{Rate: 1, Burst: 1, Overrides: map[string]float64{"fast": 0}})
	defer limiter.Stop()

	for i := range 10 {
		if !limiter.Allow("fast") {
			t.Fatalf("Job %d on unlimited queue should be allowed", i)
		}
	}
}

func TestQueueRateLimiter_Disabled(t *testing.T) {
	limiter := New(Config{})
	defer limiter.Stop()

	for i := range 100 {
		if !limiter.Allow("q") {
			t.Fatalf("Job %d should be allowed without a rate", i)
		}
	}
}

func TestQueueRateLimiter_WaitHonorsContext(t *testing.T) {
	limiter := New(Config{Rate: 0.1, Burst: 1})
	defer limiter.Stop()

	if err := limiter.Wait(context.Background(), "q"); err != nil {
		t.Fatalf("First wait should succeed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := limiter.Wait(ctx, "q"); err == nil {
		t.Error("Wait should fail when the next token is beyond the deadline")
	}
}

func TestQueueRateLimiter_Cleanup(t *testing.T) {
	limiter := New(Config{Rate: 1, Burst: 1, CleanupInterval: 10 * time.Millisecond})
	defer limiter.Stop()

	limiter.Allow("q")
	time.Sleep(60 * time.Millisecond)

	limiter.mu.Lock()
	n := len(limiter.limiters)
	limiter.mu.Unlock()
	if n != 0 {
		t.Errorf("Expected stale limiter to be removed, have %d", n)
	}
}
