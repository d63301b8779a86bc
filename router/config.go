// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"errors"
	"log/slog"
	"net/url"
	"slices"
	"strings"

	"github.com/absmach/fluxflow/fanout"
	"github.com/absmach/fluxflow/queue"
	"github.com/absmach/fluxflow/storage"
	"github.com/absmach/fluxflow/stream"
	"github.com/absmach/fluxflow/telemetry"
)

const pattern = "router"

var (
	ErrNoSources    = errors.New("router requires at least one source")
	ErrNoTargets    = errors.New("router requires at least one target")
	ErrNoConnection = errors.New("router requires a connection")
)

// Options configure a Router.
type Options struct {
	Connection   storage.Backend
	OptsOverride fanout.OptsOverride

	// Stream and Group default to names derived from the topology.
	Stream string
	Group  string

	Consumer stream.ConsumerOptions
	Worker   queue.WorkerOptions
	Breaker  fanout.BreakerSettings
	Logger   *slog.Logger
	Metrics  *telemetry.Metrics
}

// Config is an immutable router topology.
type Config struct {
	sources []string
	targets []*queue.Queue
	opts    Options
}

// Sources returns the source queue names.
func (c Config) Sources() []string {
	return slices.Clone(c.sources)
}

// Targets returns the target queues in dispatch order.
func (c Config) Targets() []*queue.Queue {
	return slices.Clone(c.targets)
}

func (c Config) Options() Options {
	return c.opts
}

// Stream returns the log carrying records from sources to targets.
func (c Config) Stream() string {
	if c.opts.Stream != "" {
		return c.opts.Stream
	}
	return storage.Key{Pattern: pattern, Kind: storage.KindStream, Name: c.sourceKey(), Group: c.targetKey()}.String()
}

// Group returns the consumer group dispatching to targets.
func (c Config) Group() string {
	if c.opts.Group != "" {
		return c.opts.Group
	}
	return storage.Key{Pattern: pattern, Kind: storage.KindGroup, Name: c.sourceKey(), Group: c.targetKey()}.String()
}

func (c Config) sourceKey() string {
	return joinNames(c.sources)
}

func (c Config) targetKey() string {
	names := make([]string, len(c.targets))
	for i, t := range c.targets {
		names[i] = t.Name()
	}
	return joinNames(names)
}

// joinNames escapes each name before joining, so a name containing the
// separator cannot read as two names.
func joinNames(names []string) string {
	escaped := make([]string, len(names))
	for i, n := range names {
		escaped[i] = url.QueryEscape(n)
	}
	slices.Sort(escaped)
	return strings.Join(escaped, ",")
}

func (c Config) validate() error {
	if len(c.sources) == 0 {
		return ErrNoSources
	}
	if len(c.targets) == 0 {
		return ErrNoTargets
	}
	if c.opts.Connection == nil {
		return ErrNoConnection
	}
	return nil
}

// Builder assembles a Config.
type Builder struct {
	sources []string
	targets []*queue.Queue
	opts    Options
}

func NewBuilder() *Builder {
	return &Builder{}
}

// AddSources adds source queues by name. Duplicates are ignored.
func (b *Builder) AddSources(names ...string) *Builder {
	for _, n := range names {
		if n != "" && !slices.Contains(b.sources, n) {
			b.sources = append(b.sources, n)
		}
	}
	return b
}

// AddTargets appends target queues. A queue already added is ignored.
func (b *Builder) AddTargets(targets ...*queue.Queue) *Builder {
	for _, t := range targets {
		if t == nil {
			continue
		}
		if !slices.ContainsFunc(b.targets, func(q *queue.Queue) bool { return q.Name() == t.Name() }) {
			b.targets = append(b.targets, t)
		}
	}
	return b
}

func (b *Builder) SetOptions(opts Options) *Builder {
	b.opts = opts
	return b
}

// Build returns the validated configuration. Later changes to the builder
// do not affect it.
func (b *Builder) Build() (Config, error) {
	cfg := Config{
		sources: slices.Clone(b.sources),
		targets: slices.Clone(b.targets),
		opts:    b.opts,
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
