// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/absmach/fluxflow/internal/bufpool"
	"github.com/absmach/fluxflow/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.Log = (*LogStore)(nil)

var ErrInvalidRecordID = errors.New("invalid record id")

// Entries removed per transaction when trimming.
const trimBatch = 1000

// LogStore implements storage.Log using BadgerDB.
//
// Key format:
//
//	l\x00{stream}\x00m                    meta: last seq, last ms, length
//	l\x00{stream}\x00e{seq}               record
//	l\x00{stream}\x00g\x00{group}         group cursor (last delivered seq)
//	l\x00{stream}\x00p\x00{group}\x00{seq} pending entry
//
// Record ids are "{ms}-{seq}" where seq is a per-stream counter, so ids
// order the same way as the underlying keys.
type LogStore struct {
	db    *badger.DB
	codec *codec
	now   func() time.Time

	mu      sync.Mutex
	waiters map[string]chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewLogStore creates a new BadgerDB record log.
func NewLogStore(db *badger.DB, c *codec) *LogStore {
	if c == nil {
		c, _ = newCodec(CompressionNone)
	}
	return &LogStore{
		db:      db,
		codec:   c,
		now:     time.Now,
		waiters: make(map[string]chan struct{}),
		done:    make(chan struct{}),
	}
}

type logMeta struct {
	seq    uint64
	ms     int64
	length int64
}

type pendingEntry struct {
	deliveredMs int64
	deliveries  uint64
	consumer    string
}

func streamPrefix(stream string) []byte {
	return []byte("l\x00" + stream + "\x00")
}

func metaKey(stream string) []byte {
	return append(streamPrefix(stream), 'm')
}

func entryPrefix(stream string) []byte {
	return append(streamPrefix(stream), 'e')
}

func entryKey(stream string, seq uint64) []byte {
	return append(entryPrefix(stream), encodeUint64(seq)...)
}

func groupKey(stream, group string) []byte {
	return append(streamPrefix(stream), []byte("g\x00"+group)...)
}

func pendingPrefix(stream, group string) []byte {
	return append(streamPrefix(stream), []byte("p\x00"+group+"\x00")...)
}

func pendingKey(stream, group string, seq uint64) []byte {
	return append(pendingPrefix(stream, group), encodeUint64(seq)...)
}

func formatID(ms int64, seq uint64) string {
	return strconv.FormatInt(ms, 10) + "-" + strconv.FormatUint(seq, 10)
}

func parseID(id string) (uint64, error) {
	_, seq, ok := strings.Cut(id, "-")
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRecordID, id)
	}
	n, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRecordID, id)
	}
	return n, nil
}

func loadMeta(txn *badger.Txn, stream string) (logMeta, error) {
	var m logMeta
	item, err := txn.Get(metaKey(stream))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return m, nil
	}
	if err != nil {
		return m, err
	}
	err = item.Value(func(val []byte) error {
		if len(val) != 24 {
			return errShortValue
		}
		m.seq = binary.BigEndian.Uint64(val[0:8])
		m.ms = int64(binary.BigEndian.Uint64(val[8:16]))
		m.length = int64(binary.BigEndian.Uint64(val[16:24]))
		return nil
	})
	return m, err
}

func storeMeta(txn *badger.Txn, stream string, m logMeta) error {
	buf := make([]byte, 24)
	binary.BigEndian.PutUint64(buf[0:8], m.seq)
	binary.BigEndian.PutUint64(buf[8:16], uint64(m.ms))
	binary.BigEndian.PutUint64(buf[16:24], uint64(m.length))
	return txn.Set(metaKey(stream), buf)
}

func loadUint64(txn *badger.Txn, key []byte) (uint64, bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	var v uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return errShortValue
		}
		v = binary.BigEndian.Uint64(val)
		return nil
	})
	return v, true, err
}

func encodePending(p pendingEntry) []byte {
	buf := make([]byte, 16+len(p.consumer))
	binary.BigEndian.PutUint64(buf[0:8], uint64(p.deliveredMs))
	binary.BigEndian.PutUint64(buf[8:16], p.deliveries)
	copy(buf[16:], p.consumer)
	return buf
}

func decodePending(val []byte) (pendingEntry, error) {
	if len(val) < 16 {
		return pendingEntry{}, errShortValue
	}
	return pendingEntry{
		deliveredMs: int64(binary.BigEndian.Uint64(val[0:8])),
		deliveries:  binary.BigEndian.Uint64(val[8:16]),
		consumer:    string(val[16:]),
	}, nil
}

// Append adds a record to the end of the stream.
func (l *LogStore) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	buf, err := bufpool.EncodeJSON(fields)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record: %w", err)
	}
	defer bufpool.Put(buf)
	payload := buf.Bytes()

	var id string
	err = update(l.db, func(txn *badger.Txn) error {
		m, err := loadMeta(txn, stream)
		if err != nil {
			return err
		}
		m.seq++
		m.length++
		if ms := l.now().UnixMilli(); ms > m.ms {
			m.ms = ms
		}

		if err := txn.Set(entryKey(stream, m.seq), l.codec.encode(time.UnixMilli(m.ms), payload)); err != nil {
			return err
		}
		id = formatID(m.ms, m.seq)
		return storeMeta(txn, stream, m)
	})
	if err != nil {
		return "", fmt.Errorf("failed to append to %s: %w", stream, err)
	}

	l.notify(stream)
	return id, nil
}

// CreateGroup creates a consumer group positioned before the first record.
func (l *LogStore) CreateGroup(ctx context.Context, stream, group string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	key := groupKey(stream, group)
	return update(l.db, func(txn *badger.Txn) error {
		if _, ok, err := loadUint64(txn, key); err != nil || ok {
			return err
		}
		return txn.Set(key, encodeUint64(0))
	})
}

// ReadGroup delivers up to count records past the group's cursor.
func (l *LogStore) ReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]storage.Record, error) {
	var deadline <-chan time.Time
	if block > 0 {
		timer := time.NewTimer(block)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		wait := l.waiter(stream)

		records, err := l.readNew(ctx, stream, group, consumer, count)
		if err != nil || len(records) > 0 || deadline == nil {
			return records, err
		}

		select {
		case <-wait:
		case <-deadline:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-l.done:
			return nil, storage.ErrClosed
		}
	}
}

func (l *LogStore) readNew(ctx context.Context, stream, group, consumer string, count int) ([]storage.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var records []storage.Record
	err := update(l.db, func(txn *badger.Txn) error {
		records = records[:0]

		gk := groupKey(stream, group)
		cursor, ok, err := loadUint64(txn, gk)
		if err != nil {
			return err
		}
		if !ok {
			return storage.ErrGroupNotFound
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = entryPrefix(stream)
		it := txn.NewIterator(opts)
		defer it.Close()

		now := l.now().UnixMilli()
		last := cursor
		for it.Seek(entryKey(stream, cursor+1)); it.Valid(); it.Next() {
			if count > 0 && len(records) >= count {
				break
			}
			item := it.Item()
			seq := binary.BigEndian.Uint64(item.Key()[len(opts.Prefix):])

			rec, err := l.decodeRecord(item, seq)
			if err != nil {
				return err
			}
			records = append(records, rec)
			last = seq

			p := pendingEntry{deliveredMs: now, deliveries: 1, consumer: consumer}
			if err := txn.Set(pendingKey(stream, group, seq), encodePending(p)); err != nil {
				return err
			}
		}

		if last == cursor {
			return nil
		}
		return txn.Set(gk, encodeUint64(last))
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (l *LogStore) decodeRecord(item *badger.Item, seq uint64) (storage.Record, error) {
	var rec storage.Record
	err := item.Value(func(val []byte) error {
		ts, payload, err := l.codec.decode(val)
		if err != nil {
			return err
		}
		fields := map[string]string{}
		if err := json.Unmarshal(payload, &fields); err != nil {
			return err
		}
		rec = storage.Record{ID: formatID(ts.UnixMilli(), seq), Fields: fields, Time: ts}
		return nil
	})
	return rec, err
}

// Claim transfers records idle for at least minIdle to consumer. Pending
// entries whose record has been trimmed are dropped.
func (l *LogStore) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int) ([]storage.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var records []storage.Record
	err := update(l.db, func(txn *badger.Txn) error {
		records = records[:0]

		if _, ok, err := loadUint64(txn, groupKey(stream, group)); err != nil || !ok {
			if err == nil {
				err = storage.ErrGroupNotFound
			}
			return err
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = pendingPrefix(stream, group)
		it := txn.NewIterator(opts)
		defer it.Close()

		now := l.now()
		cutoff := now.Add(-minIdle).UnixMilli()
		for it.Rewind(); it.Valid(); it.Next() {
			if count > 0 && len(records) >= count {
				break
			}
			item := it.Item()
			key := item.KeyCopy(nil)
			seq := binary.BigEndian.Uint64(key[len(opts.Prefix):])

			var p pendingEntry
			if err := item.Value(func(val []byte) (err error) {
				p, err = decodePending(val)
				return err
			}); err != nil {
				return err
			}
			if p.deliveredMs > cutoff {
				continue
			}

			entry, err := txn.Get(entryKey(stream, seq))
			if errors.Is(err, badger.ErrKeyNotFound) {
				if err := txn.Delete(key); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}
			rec, err := l.decodeRecord(entry, seq)
			if err != nil {
				return err
			}

			p.consumer = consumer
			p.deliveredMs = now.UnixMilli()
			p.deliveries++
			if err := txn.Set(key, encodePending(p)); err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Ack removes records from the group's pending entries.
func (l *LogStore) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	seqs := make([]uint64, 0, len(ids))
	for _, id := range ids {
		seq, err := parseID(id)
		if err != nil {
			return err
		}
		seqs = append(seqs, seq)
	}

	return update(l.db, func(txn *badger.Txn) error {
		for _, seq := range seqs {
			if err := txn.Delete(pendingKey(stream, group, seq)); err != nil {
				return err
			}
		}
		return nil
	})
}

// TrimBefore deletes records appended before cutoff.
func (l *LogStore) TrimBefore(ctx context.Context, stream string, cutoff time.Time) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		var removed int64
		err := update(l.db, func(txn *badger.Txn) error {
			removed = 0

			m, err := loadMeta(txn, stream)
			if err != nil {
				return err
			}

			opts := badger.DefaultIteratorOptions
			opts.Prefix = entryPrefix(stream)
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)
			defer it.Close()

			limit := cutoff.UnixMilli()
			for it.Rewind(); it.Valid() && removed < trimBatch; it.Next() {
				item := it.Item()
				var ms int64
				if err := item.Value(func(val []byte) error {
					if len(val) < 9 {
						return errShortValue
					}
					ms = int64(binary.BigEndian.Uint64(val[1:9]))
					return nil
				}); err != nil {
					return err
				}
				if ms >= limit {
					break
				}
				if err := txn.Delete(item.KeyCopy(nil)); err != nil {
					return err
				}
				removed++
			}

			if removed == 0 {
				return nil
			}
			m.length -= removed
			if m.length < 0 {
				m.length = 0
			}
			return storeMeta(txn, stream, m)
		})
		if err != nil {
			return total, fmt.Errorf("failed to trim %s: %w", stream, err)
		}
		total += removed
		if removed < trimBatch {
			return total, nil
		}
	}
}

// Len returns the number of records held by the stream.
func (l *LogStore) Len(ctx context.Context, stream string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var m logMeta
	err := l.db.View(func(txn *badger.Txn) (err error) {
		m, err = loadMeta(txn, stream)
		return err
	})
	return m.length, mapErr(err)
}

// Pending returns the number of delivered but unacknowledged records of a group.
func (l *LogStore) Pending(ctx context.Context, stream, group string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var n int64
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = pendingPrefix(stream, group)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, mapErr(err)
}

func (l *LogStore) waiter(stream string) <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.waiters[stream]
	if !ok {
		ch = make(chan struct{})
		l.waiters[stream] = ch
	}
	return ch
}

func (l *LogStore) notify(stream string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ch, ok := l.waiters[stream]; ok {
		close(ch)
		delete(l.waiters, stream)
	}
}

func (l *LogStore) close() {
	l.once.Do(func() {
		close(l.done)
		l.codec.close()
	})
}
