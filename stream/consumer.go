// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxflow/storage"
	"github.com/absmach/fluxflow/telemetry"
	"github.com/google/uuid"
)

var (
	ErrConsuming = errors.New("consumer is already consuming")
	ErrClosed    = errors.New("consumer is closed")
)

// Handler processes one message. The record is acknowledged only when it
// returns nil.
type Handler func(ctx context.Context, msg Message) error

// ConsumerOptions tune a Consumer. Zero values select the defaults.
type ConsumerOptions struct {
	// Name identifies this member within its group. Defaults to a UUID.
	Name      string
	BatchSize int
	Block     time.Duration

	// MaxRetention keeps records for at least this long. Zero disables
	// trimming.
	MaxRetention time.Duration
	TrimInterval time.Duration

	// ClaimIdle is how long a record may stay unacknowledged before another
	// member takes it over.
	ClaimIdle time.Duration

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

func (o ConsumerOptions) withDefaults() ConsumerOptions {
	if o.Name == "" {
		o.Name = uuid.NewString()
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 1
	}
	if o.Block <= 0 {
		o.Block = 100 * time.Millisecond
	}
	if o.TrimInterval <= 0 {
		o.TrimInterval = time.Second
	}
	if o.ClaimIdle <= 0 {
		o.ClaimIdle = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Consumer reads a log through a consumer group.
type Consumer struct {
	log    storage.Log
	stream string
	opts   ConsumerOptions
	logger *slog.Logger

	mu        sync.Mutex
	consuming bool
	closed    bool
	cancel    context.CancelFunc
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewConsumer returns a consumer of stream.
func NewConsumer(log storage.Log, stream string, opts ConsumerOptions) *Consumer {
	opts = opts.withDefaults()
	return &Consumer{
		log:    log,
		stream: stream,
		opts:   opts,
		logger: opts.Logger.With(slog.String("stream", stream), slog.String("consumer", opts.Name)),
		stopCh: make(chan struct{}),
	}
}

func (c *Consumer) Stream() string {
	return c.stream
}

// Consume joins group and starts delivering records to handler in the
// background. Joining an existing group resumes its cursor. Consume returns
// once the group is joined.
func (c *Consumer) Consume(ctx context.Context, group string, handler Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.consuming {
		return ErrConsuming
	}

	if err := c.log.CreateGroup(ctx, c.stream, group); err != nil {
		return err
	}
	c.consuming = true

	trimCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.readLoop(ctx, group, handler)
	}()

	if c.opts.MaxRetention > 0 {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.trimLoop(trimCtx)
		}()
	}

	c.logger.Debug("consumer started", slog.String("group", group))
	return nil
}

// Len returns the number of records currently held by the log.
func (c *Consumer) Len(ctx context.Context) (int64, error) {
	return c.log.Len(ctx, c.stream)
}

// Close stops reading and trimming. It waits for the read in progress to
// return and for the records it fetched to be handled. Records whose handler
// failed stay pending for other members.
func (c *Consumer) Close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.stopCh)
		if c.cancel != nil {
			c.cancel()
		}
	}
	c.mu.Unlock()

	c.wg.Wait()
}

func (c *Consumer) stopped(ctx context.Context) bool {
	select {
	case <-c.stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// readLoop never cancels a read in progress, since records the log hands to
// a read are pending on this member. Close takes effect between reads, at
// most one Block later, and records already fetched are handled first.
func (c *Consumer) readLoop(ctx context.Context, group string, handler Handler) {
	claimEvery := min(c.opts.ClaimIdle/2, 5*time.Second)
	var nextClaim time.Time

	for !c.stopped(ctx) {
		var records []storage.Record
		var err error

		if now := time.Now(); !now.Before(nextClaim) {
			nextClaim = now.Add(claimEvery)
			records, err = c.log.Claim(ctx, c.stream, group, c.opts.Name, c.opts.ClaimIdle, c.opts.BatchSize)
			if err != nil {
				c.readFailed(ctx, "claim", err)
				continue
			}
			if len(records) > 0 {
				c.logger.Debug("claimed idle records", slog.String("group", group), slog.Int("count", len(records)))
			}
		}

		if len(records) == 0 {
			records, err = c.log.ReadGroup(ctx, c.stream, group, c.opts.Name, c.opts.BatchSize, c.opts.Block)
			if err != nil {
				c.readFailed(ctx, "read", err)
				continue
			}
		}

		for _, rec := range records {
			if ctx.Err() != nil {
				return
			}
			c.handle(ctx, group, rec, handler)
		}
	}
}

func (c *Consumer) readFailed(ctx context.Context, op string, err error) {
	if c.stopped(ctx) || errors.Is(err, storage.ErrClosed) {
		return
	}
	c.logger.Warn("failed to "+op+" records", slog.String("error", err.Error()))

	select {
	case <-time.After(c.opts.Block):
	case <-ctx.Done():
	case <-c.stopCh:
	}
}

func (c *Consumer) handle(ctx context.Context, group string, rec storage.Record, handler Handler) {
	msg, err := decodeRecord(rec)
	if err != nil {
		// A malformed record can never succeed; drop it.
		c.logger.Error("dropping record", slog.String("id", rec.ID), slog.String("error", err.Error()))
		c.opts.Metrics.RecordFailed(ctx, c.stream, group)
		c.ack(ctx, group, rec.ID)
		return
	}

	if err := handler(ctx, msg); err != nil {
		c.opts.Metrics.RecordFailed(ctx, c.stream, group)
		c.logger.Warn("handler failed, record left pending",
			slog.String("group", group),
			slog.String("id", rec.ID),
			slog.String("error", err.Error()))
		return
	}

	if c.ack(ctx, group, rec.ID) {
		c.opts.Metrics.RecordConsumed(ctx, c.stream, group)
	}
}

func (c *Consumer) ack(ctx context.Context, group, id string) bool {
	if err := c.log.Ack(ctx, c.stream, group, id); err != nil {
		c.logger.Warn("failed to ack record", slog.String("id", id), slog.String("error", err.Error()))
		return false
	}
	return true
}

func (c *Consumer) trimLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.TrimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.log.TrimBefore(ctx, c.stream, time.Now().Add(-c.opts.MaxRetention))
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, storage.ErrClosed) {
					c.logger.Warn("failed to trim log", slog.String("error", err.Error()))
				}
				continue
			}
			if n > 0 {
				c.logger.Debug("trimmed log", slog.Int64("removed", n))
				c.opts.Metrics.RecordTrimmed(ctx, c.stream, n)
			}
		}
	}
}
