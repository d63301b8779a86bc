// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router_test

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/absmach/fluxflow/queue"
	"github.com/absmach/fluxflow/router"
	"github.com/absmach/fluxflow/storage"
	"github.com/absmach/fluxflow/stream"
	"github.com/absmach/fluxflow/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Source string `json:"source"`
	N      int    `json:"n"`
}

func options(b storage.Backend) router.Options {
	return router.Options{
		Connection: b,
		Consumer:   stream.ConsumerOptions{Block: 20 * time.Millisecond, BatchSize: 5},
		Worker:     queue.WorkerOptions{PollInterval: 5 * time.Millisecond},
		Logger:     testutil.Logger,
	}
}

func TestBuilderValidation(t *testing.T) {
	b := testutil.NewBadger(t)
	target := testutil.NewQueue(t, b, "t")

	_, err := router.NewBuilder().AddTargets(target).SetOptions(options(b)).Build()
	assert.ErrorIs(t, err, router.ErrNoSources)

	_, err = router.NewBuilder().AddSources("s").SetOptions(options(b)).Build()
	assert.ErrorIs(t, err, router.ErrNoTargets)

	_, err = router.NewBuilder().AddSources("s").AddTargets(target).Build()
	assert.ErrorIs(t, err, router.ErrNoConnection)

	_, err = router.New(router.Config{})
	assert.ErrorIs(t, err, router.ErrNoSources)
}

func TestConfigIsImmutable(t *testing.T) {
	b := testutil.NewBadger(t)
	builder := router.NewBuilder().
		AddSources("b", "a", "a").
		AddTargets(testutil.NewQueue(t, b, "t")).
		SetOptions(options(b))

	cfg, err := builder.Build()
	require.NoError(t, err)

	builder.AddSources("c")
	builder.AddTargets(testutil.NewQueue(t, b, "u"))
	assert.Equal(t, []string{"b", "a"}, cfg.Sources())
	assert.Len(t, cfg.Targets(), 1)

	srcs := cfg.Sources()
	srcs[0] = "mutated"
	assert.Equal(t, []string{"b", "a"}, cfg.Sources())

	// Names do not depend on the order sources were added in.
	other, err := router.NewBuilder().
		AddSources("a", "b").
		AddTargets(testutil.NewQueue(t, b, "t")).
		SetOptions(options(b)).
		Build()
	require.NoError(t, err)
	assert.Equal(t, cfg.Stream(), other.Stream())
	assert.Equal(t, cfg.Group(), other.Group())
	assert.NotEqual(t, cfg.Stream(), cfg.Group())
}

func TestDerivedNamesDoNotCollide(t *testing.T) {
	b := testutil.NewBadger(t)

	build := func(sources []string, targets ...string) router.Config {
		var qs []*queue.Queue
		for _, name := range targets {
			qs = append(qs, testutil.NewQueue(t, b, name))
		}
		cfg, err := router.NewBuilder().
			AddSources(sources...).
			AddTargets(qs...).
			SetOptions(options(b)).
			Build()
		require.NoError(t, err)
		return cfg
	}

	cases := []struct {
		desc string
		a, b router.Config
	}{
		{
			desc: "separator inside a source name",
			a:    build([]string{"a,b"}, "t"),
			b:    build([]string{"a", "b"}, "t"),
		},
		{
			desc: "separator inside a target name",
			a:    build([]string{"s"}, "x,y"),
			b:    build([]string{"s"}, "x", "y"),
		},
		{
			desc: "escaped separator as a literal name",
			a:    build([]string{"a%2Cb"}, "t"),
			b:    build([]string{"a,b"}, "t"),
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			assert.NotEqual(t, tc.a.Stream(), tc.b.Stream())
			assert.NotEqual(t, tc.a.Group(), tc.b.Group())
		})
	}
}

func runRouter(t *testing.T, b storage.Backend, sources []string, targets []*queue.Queue) *router.Router {
	t.Helper()

	cfg, err := router.NewBuilder().
		AddSources(sources...).
		AddTargets(targets...).
		SetOptions(options(b)).
		Build()
	require.NoError(t, err)

	r, err := router.New(cfg)
	require.NoError(t, err)
	require.NoError(t, r.Run(context.Background()))
	require.NoError(t, r.Run(context.Background()))
	t.Cleanup(r.Close)
	return r
}

func TestTopologies(t *testing.T) {
	cases := []struct {
		name    string
		sources int
		targets int
	}{
		{"one to many", 1, 3},
		{"many to one", 3, 1},
		{"many to many", 2, 3},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			testutil.EachBackend(t, func(t *testing.T, b storage.Backend) {
				ctx := context.Background()

				var sources []string
				var srcQueues []*queue.Queue
				for i := range tc.sources {
					name := fmt.Sprintf("src-%d", i)
					sources = append(sources, name)
					srcQueues = append(srcQueues, testutil.NewQueue(t, b, name))
				}
				var targets []*queue.Queue
				for i := range tc.targets {
					targets = append(targets, testutil.NewQueue(t, b, fmt.Sprintf("dst-%d", i)))
				}

				runRouter(t, b, sources, targets)

				const perSource = 4
				var want []payload
				for _, src := range srcQueues {
					for n := range perSource {
						p := payload{Source: src.Name(), N: n}
						want = append(want, p)
						_, err := src.Add(ctx, "job", p, storage.JobOptions{})
						require.NoError(t, err)
					}
				}

				for _, target := range targets {
					testutil.WaitForCount(t, target, int64(len(want)))
				}
				time.Sleep(50 * time.Millisecond)

				for _, target := range targets {
					got := testutil.WaitingData[payload](t, target)
					assert.ElementsMatch(t, want, got)

					// Each source's jobs keep their relative order.
					for _, src := range sources {
						var ns []int
						for _, p := range got {
							if p.Source == src {
								ns = append(ns, p.N)
							}
						}
						assert.True(t, slices.IsSorted(ns), "target %s source %s: %v", target.Name(), src, ns)
					}
				}
			})
		})
	}
}

func TestRouterOptsOverride(t *testing.T) {
	testutil.EachBackend(t, func(t *testing.T, b storage.Backend) {
		ctx := context.Background()
		src := testutil.NewQueue(t, b, "src")
		target := testutil.NewQueue(t, b, "dst")

		opts := options(b)
		opts.OptsOverride = func(data json.RawMessage) (storage.JobOptions, error) {
			var p payload
			if err := json.Unmarshal(data, &p); err != nil {
				return storage.JobOptions{}, err
			}
			return storage.JobOptions{JobID: fmt.Sprintf("n-%d", p.N)}, nil
		}
		cfg, err := router.NewBuilder().AddSources("src").AddTargets(target).SetOptions(opts).Build()
		require.NoError(t, err)
		r, err := router.New(cfg)
		require.NoError(t, err)
		require.NoError(t, r.Run(ctx))
		defer r.Close()

		for _, n := range []int{1, 2, 1} {
			_, err := src.Add(ctx, "job", payload{Source: "src", N: n}, storage.JobOptions{})
			require.NoError(t, err)
		}
		testutil.WaitForCount(t, src, 0)
		testutil.WaitForCount(t, target, 2)
		time.Sleep(50 * time.Millisecond)

		jobs := testutil.Waiting(t, target)
		require.Len(t, jobs, 2)
		assert.Equal(t, "n-1", jobs[0].Opts.JobID)
		assert.Equal(t, "n-2", jobs[1].Opts.JobID)
	})
}

func TestRouterResumes(t *testing.T) {
	testutil.EachBackend(t, func(t *testing.T, b storage.Backend) {
		ctx := context.Background()
		src := testutil.NewQueue(t, b, "src")
		target := testutil.NewQueue(t, b, "dst")

		cfg, err := router.NewBuilder().AddSources("src").AddTargets(target).SetOptions(options(b)).Build()
		require.NoError(t, err)

		first, err := router.New(cfg)
		require.NoError(t, err)
		require.NoError(t, first.Run(ctx))
		_, err = src.Add(ctx, "job", payload{N: 0}, storage.JobOptions{})
		require.NoError(t, err)
		testutil.WaitForCount(t, target, 1)
		first.Close()
		assert.ErrorIs(t, first.Run(ctx), router.ErrClosed)

		_, err = src.Add(ctx, "job", payload{N: 1}, storage.JobOptions{})
		require.NoError(t, err)

		second, err := router.New(cfg)
		require.NoError(t, err)
		require.NoError(t, second.Run(ctx))
		defer second.Close()

		testutil.WaitForCount(t, target, 2)
		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, []payload{{N: 0}, {N: 1}}, testutil.WaitingData[payload](t, target))
	})
}
