// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/absmach/fluxflow/storage"
	redigo "github.com/gomodule/redigo/redis"
)

var _ storage.Log = (*LogStore)(nil)

// LogStore implements storage.Log over Redis Streams.
type LogStore struct {
	pool  *redigo.Pool
	ns    namespace
	exact bool
}

// NewLogStore creates a Redis Streams record log.
func NewLogStore(pool *redigo.Pool, ns namespace, exactTrim bool) *LogStore {
	return &LogStore{pool: pool, ns: ns, exact: exactTrim}
}

func (l *LogStore) key(stream string) string {
	return l.ns.key("log", stream)
}

func (l *LogStore) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	args := make([]any, 0, 2+2*len(fields))
	args = append(args, l.key(stream), "*")
	for k, v := range fields {
		args = append(args, k, v)
	}
	id, err := redigo.String(do(ctx, l.pool, "XADD", args...))
	if err != nil {
		return "", fmt.Errorf("failed to append to %s: %w", stream, err)
	}
	return id, nil
}

func (l *LogStore) CreateGroup(ctx context.Context, stream, group string) error {
	_, err := do(ctx, l.pool, "XGROUP", "CREATE", l.key(stream), group, "0", "MKSTREAM")
	if err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func (l *LogStore) ReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]storage.Record, error) {
	args := []any{"GROUP", group, consumer}
	if count > 0 {
		args = append(args, "COUNT", count)
	}
	if block > 0 {
		args = append(args, "BLOCK", ms(block))
	}
	args = append(args, "STREAMS", l.key(stream), ">")

	reply, err := redigo.Values(do(ctx, l.pool, "XREADGROUP", args...))
	if isNil(err) {
		return nil, nil
	}
	if err != nil {
		if strings.HasPrefix(err.Error(), "NOGROUP") {
			return nil, storage.ErrGroupNotFound
		}
		return nil, err
	}

	var records []storage.Record
	for _, s := range reply {
		pair, err := redigo.Values(s, nil)
		if err != nil || len(pair) != 2 {
			return nil, fmt.Errorf("unexpected XREADGROUP reply: %v", s)
		}
		recs, err := parseEntries(pair[1])
		if err != nil {
			return nil, err
		}
		records = append(records, recs...)
	}
	return records, nil
}

func (l *LogStore) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int) ([]storage.Record, error) {
	if count <= 0 {
		count = 100
	}
	reply, err := redigo.Values(do(ctx, l.pool, "XAUTOCLAIM", l.key(stream), group, consumer, ms(minIdle), "0-0", "COUNT", count))
	if err != nil {
		if strings.HasPrefix(err.Error(), "NOGROUP") {
			return nil, storage.ErrGroupNotFound
		}
		return nil, err
	}
	if len(reply) < 2 {
		return nil, fmt.Errorf("unexpected XAUTOCLAIM reply: %v", reply)
	}
	return parseEntries(reply[1])
}

func (l *LogStore) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, 2+len(ids))
	args = append(args, l.key(stream), group)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := do(ctx, l.pool, "XACK", args...)
	return err
}

func (l *LogStore) TrimBefore(ctx context.Context, stream string, cutoff time.Time) (int64, error) {
	mode := "~"
	if l.exact {
		mode = "="
	}
	minID := strconv.FormatInt(cutoff.UnixMilli(), 10) + "-0"
	n, err := redigo.Int64(do(ctx, l.pool, "XTRIM", l.key(stream), "MINID", mode, minID))
	if err != nil {
		return 0, fmt.Errorf("failed to trim %s: %w", stream, err)
	}
	return n, nil
}

func (l *LogStore) Len(ctx context.Context, stream string) (int64, error) {
	return redigo.Int64(do(ctx, l.pool, "XLEN", l.key(stream)))
}

// parseEntries decodes a list of [id, [field, value, ...]] stream entries.
// Entries deleted while pending come back with a nil body and are skipped.
func parseEntries(v any) ([]storage.Record, error) {
	entries, err := redigo.Values(v, nil)
	if err != nil {
		return nil, err
	}

	records := make([]storage.Record, 0, len(entries))
	for _, e := range entries {
		parts, err := redigo.Values(e, nil)
		if err != nil || len(parts) != 2 {
			continue
		}
		id, err := redigo.String(parts[0], nil)
		if err != nil {
			return nil, err
		}
		if parts[1] == nil {
			continue
		}
		fields, err := redigo.StringMap(parts[1], nil)
		if err != nil {
			return nil, err
		}
		records = append(records, storage.Record{ID: id, Fields: fields, Time: idTime(id)})
	}
	return records, nil
}

func idTime(id string) time.Time {
	msPart, _, _ := strings.Cut(id, "-")
	v, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(v)
}
