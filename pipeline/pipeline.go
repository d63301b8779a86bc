// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package pipeline builds the routers, fanouts, accumulations and joins
// declared in configuration and supervises their lifecycle.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/absmach/fluxflow/accumulation"
	"github.com/absmach/fluxflow/config"
	"github.com/absmach/fluxflow/expr"
	"github.com/absmach/fluxflow/fanout"
	"github.com/absmach/fluxflow/join"
	"github.com/absmach/fluxflow/lock"
	"github.com/absmach/fluxflow/queue"
	"github.com/absmach/fluxflow/ratelimit"
	"github.com/absmach/fluxflow/router"
	"github.com/absmach/fluxflow/storage"
	"github.com/absmach/fluxflow/stream"
	"github.com/absmach/fluxflow/telemetry"
)

// Kinds of pipelines.
const (
	KindRouter       = "router"
	KindFanout       = "fanout"
	KindAccumulation = "accumulation"
	KindJoin         = "join"
)

// Pipeline states.
const (
	StateStopped = "stopped"
	StateRunning = "running"
	StateFailed  = "failed"
)

var (
	ErrNoBackend = errors.New("pipelines require a storage backend")
	ErrClosed    = errors.New("pipelines are closed")
)

// Status describes one pipeline.
type Status struct {
	Name  string `json:"name"`
	Kind  string `json:"kind"`
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// Deps are the shared services pipelines run on.
type Deps struct {
	Backend   storage.Backend
	Scheduler lock.Scheduler
	Limiter   ratelimit.Limiter
	Logger    *slog.Logger
	Metrics   *telemetry.Metrics
}

// Collected is the result a configured accumulation emits.
type Collected struct {
	Key   string            `json:"key"`
	Items []json.RawMessage `json:"items"`
}

// Joined is the result a configured join emits.
type Joined struct {
	Key           string              `json:"key"`
	Contributions []join.Contribution `json:"contributions"`
}

type runner interface {
	Run(ctx context.Context) error
	Close()
}

type entry struct {
	name  string
	kind  string
	r     runner
	state string
	err   error
}

// Manager owns every configured pipeline.
type Manager struct {
	deps    Deps
	workers queue.WorkerOptions
	reader  stream.ConsumerOptions
	breaker fanout.BreakerSettings
	queues  map[string]*queue.Queue
	logger  *slog.Logger

	mu      sync.Mutex
	entries []*entry
	started bool
	closed  bool
}

// New builds every pipeline in cfg without starting any of them.
func New(cfg *config.Config, deps Deps) (*Manager, error) {
	if deps.Backend == nil {
		return nil, ErrNoBackend
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Scheduler == nil {
		deps.Scheduler = lock.NewLocal()
	}

	m := &Manager{
		deps:    deps,
		workers: WorkerOptions(cfg.Workers, deps),
		reader:  ConsumerOptions(cfg.Consumer, deps),
		breaker: BreakerSettings(cfg.Breaker),
		queues:  make(map[string]*queue.Queue),
		logger:  deps.Logger,
	}

	p := cfg.Pipelines
	for _, rc := range p.Routers {
		if err := m.addRouter(rc); err != nil {
			return nil, fmt.Errorf("router %q: %w", rc.Name, err)
		}
	}
	for _, fc := range p.Fanouts {
		if err := m.addFanout(fc); err != nil {
			return nil, fmt.Errorf("fanout %q: %w", fc.Name, err)
		}
	}
	for _, ac := range p.Accumulations {
		if err := m.addAccumulation(ac); err != nil {
			return nil, fmt.Errorf("accumulation %q: %w", ac.Name, err)
		}
	}
	for _, jc := range p.Joins {
		if err := m.addJoin(jc); err != nil {
			return nil, fmt.Errorf("join %q: %w", jc.Name, err)
		}
	}
	return m, nil
}

// WorkerOptions maps worker defaults from configuration.
func WorkerOptions(c config.WorkerConfig, deps Deps) queue.WorkerOptions {
	return queue.WorkerOptions{
		Concurrency:  c.Concurrency,
		PollInterval: c.PollInterval,
		Lease:        c.Lease,
		Attempts:     c.Attempts,
		Backoff:      storage.Backoff{Type: c.BackoffType, Delay: c.BackoffDelay},
		Limiter:      deps.Limiter,
		Logger:       deps.Logger,
		Metrics:      deps.Metrics,
	}
}

// ConsumerOptions maps log consumer defaults from configuration.
func ConsumerOptions(c config.ConsumerConfig, deps Deps) stream.ConsumerOptions {
	return stream.ConsumerOptions{
		BatchSize:    c.BatchSize,
		Block:        c.Block,
		MaxRetention: c.MaxRetention,
		TrimInterval: c.TrimInterval,
		ClaimIdle:    c.ClaimIdle,
		Logger:       deps.Logger,
		Metrics:      deps.Metrics,
	}
}

func BreakerSettings(c config.BreakerConfig) fanout.BreakerSettings {
	return fanout.BreakerSettings{
		Enabled:          c.Enabled,
		FailureThreshold: c.FailureThreshold,
		ResetTimeout:     c.ResetTimeout,
		HalfOpenRequests: c.HalfOpenRequests,
	}
}

func (m *Manager) openQueue(name string) (*queue.Queue, error) {
	if q, ok := m.queues[name]; ok {
		return q, nil
	}
	q, err := queue.New(name, m.deps.Backend.Jobs())
	if err != nil {
		return nil, err
	}
	m.queues[name] = q
	return q, nil
}

func (m *Manager) openQueues(names []string) ([]*queue.Queue, error) {
	qs := make([]*queue.Queue, 0, len(names))
	for _, n := range names {
		q, err := m.openQueue(n)
		if err != nil {
			return nil, err
		}
		qs = append(qs, q)
	}
	return qs, nil
}

func (m *Manager) add(name, kind string, r runner) {
	m.entries = append(m.entries, &entry{name: name, kind: kind, r: r, state: StateStopped})
}

func (m *Manager) addRouter(rc config.RouterConfig) error {
	targets, err := m.openQueues(rc.Targets)
	if err != nil {
		return err
	}
	override, err := expr.JobIDOverride(rc.JobID)
	if err != nil {
		return err
	}

	cfg, err := router.NewBuilder().
		AddSources(rc.Sources...).
		AddTargets(targets...).
		SetOptions(router.Options{
			Connection:   m.deps.Backend,
			OptsOverride: override,
			Consumer:     m.reader,
			Worker:       m.workers,
			Breaker:      m.breaker,
			Logger:       m.logger.With(slog.String("pipeline", rc.Name)),
			Metrics:      m.deps.Metrics,
		}).
		Build()
	if err != nil {
		return err
	}
	r, err := router.New(cfg)
	if err != nil {
		return err
	}
	m.add(rc.Name, KindRouter, r)
	return nil
}

type fanoutRunner struct {
	f        *fanout.Fanout
	group    string
	targets  []*queue.Queue
	override fanout.OptsOverride
}

func (r *fanoutRunner) Run(ctx context.Context) error {
	err := r.f.Fanout(ctx, r.group, r.targets, r.override)
	if errors.Is(err, fanout.ErrRunning) {
		return nil
	}
	return err
}

func (r *fanoutRunner) Close() {
	r.f.Close()
}

func (m *Manager) addFanout(fc config.FanoutConfig) error {
	source, err := m.openQueue(fc.Source)
	if err != nil {
		return err
	}
	targets, err := m.openQueues(fc.Targets)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return fanout.ErrNoTargets
	}
	override, err := expr.JobIDOverride(fc.JobID)
	if err != nil {
		return err
	}

	group := fc.Group
	if group == "" {
		group = fc.Name
	}
	f, err := fanout.New(source, m.deps.Backend.Log(), fanout.Options{
		Consumer: m.reader,
		Worker:   m.workers,
		Breaker:  m.breaker,
		Logger:   m.logger.With(slog.String("pipeline", fc.Name)),
		Metrics:  m.deps.Metrics,
	})
	if err != nil {
		return err
	}
	m.add(fc.Name, KindFanout, &fanoutRunner{f: f, group: group, targets: targets, override: override})
	return nil
}

func (m *Manager) addAccumulation(ac config.AccumulationConfig) error {
	source, err := m.openQueue(ac.Source)
	if err != nil {
		return err
	}
	target, err := m.openQueue(ac.Target)
	if err != nil {
		return err
	}
	groupKey, err := expr.KeyFunc(ac.GroupKey)
	if err != nil {
		return err
	}

	a, err := accumulation.New(accumulation.Config[json.RawMessage, Collected]{
		Name: ac.Name,
		Source: accumulation.Source[json.RawMessage]{
			Queue:    source,
			GroupKey: groupKey,
		},
		Target: target,
		OnComplete: func(items []json.RawMessage) (Collected, error) {
			c := Collected{Items: items}
			if len(items) > 0 {
				key, err := groupKey(items[0])
				if err != nil {
					return Collected{}, err
				}
				c.Key = key
			}
			return c, nil
		},
		Timeout:       ac.Timeout,
		ExpectedItems: ac.ExpectedItems,
		Connection:    m.deps.Backend,
		Scheduler:     m.deps.Scheduler,
		Worker:        m.workers,
		Logger:        m.logger.With(slog.String("pipeline", ac.Name)),
		Metrics:       m.deps.Metrics,
	})
	if err != nil {
		return err
	}
	m.add(ac.Name, KindAccumulation, a)
	return nil
}

func (m *Manager) addJoin(jc config.JoinConfig) error {
	target, err := m.openQueue(jc.Target)
	if err != nil {
		return err
	}

	sources := make([]join.Source, 0, len(jc.Sources))
	for _, sc := range jc.Sources {
		q, err := m.openQueue(sc.Queue)
		if err != nil {
			return err
		}
		key, err := expr.KeyFunc(sc.JoinKey)
		if err != nil {
			return fmt.Errorf("source %q: %w", sc.Queue, err)
		}
		sources = append(sources, join.Source{Queue: q, JoinKey: key})
	}

	j, err := join.New(join.Config[Joined]{
		Name:    jc.Name,
		Sources: sources,
		Target:  target,
		OnComplete: func(cs []join.Contribution) (Joined, error) {
			res := Joined{Contributions: cs}
			if len(cs) > 0 {
				key, err := sources[cs[0].SourceID].JoinKey(cs[0].Value)
				if err != nil {
					return Joined{}, err
				}
				res.Key = key
			}
			return res, nil
		},
		Timeout:    jc.Timeout,
		Connection: m.deps.Backend,
		Scheduler:  m.deps.Scheduler,
		Worker:     m.workers,
		Logger:     m.logger.With(slog.String("pipeline", jc.Name)),
		Metrics:    m.deps.Metrics,
	})
	if err != nil {
		return err
	}
	m.add(jc.Name, KindJoin, j)
	return nil
}

// Run starts every pipeline. A pipeline that fails to start is reported as
// failed and the others keep running; the returned error joins all start
// failures.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.started = true

	var errs []error
	for _, e := range m.entries {
		if e.state == StateRunning {
			continue
		}
		if err := e.r.Run(ctx); err != nil {
			e.state, e.err = StateFailed, err
			m.logger.Error("pipeline failed to start",
				slog.String("pipeline", e.name),
				slog.String("kind", e.kind),
				slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("%s %q: %w", e.kind, e.name, err))
			continue
		}
		e.state, e.err = StateRunning, nil
		m.logger.Info("pipeline started", slog.String("pipeline", e.name), slog.String("kind", e.kind))
	}
	return errors.Join(errs...)
}

// Close stops every pipeline in reverse start order.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true

	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		e.r.Close()
		if e.state == StateRunning {
			e.state = StateStopped
		}
	}
}

// Status returns the state of every pipeline in declaration order.
func (m *Manager) Status() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Status, 0, len(m.entries))
	for _, e := range m.entries {
		s := Status{Name: e.name, Kind: e.kind, State: e.state}
		if e.err != nil {
			s.Error = e.err.Error()
		}
		out = append(out, s)
	}
	return out
}

// Ready reports whether every pipeline is running.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started || m.closed {
		return false
	}
	for _, e := range m.entries {
		if e.state != StateRunning {
			return false
		}
	}
	return true
}
