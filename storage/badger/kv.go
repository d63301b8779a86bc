// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/fluxflow/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.KV = (*KVStore)(nil)

var ErrWrongType = errors.New("operation against a key holding the wrong kind of value")

const (
	kvPrefix = "k\x00"

	kindString byte = 's'
	kindList   byte = 'l'
)

// KVStore implements storage.KV using BadgerDB.
//
// Key format: k\x00{key}
// Value format: [expire-at ms][kind][payload], lists encoded as
// a sequence of uvarint-length-prefixed elements.
type KVStore struct {
	db  *badger.DB
	now func() time.Time
}

// NewKVStore creates a new BadgerDB key-value store.
func NewKVStore(db *badger.DB) *KVStore {
	return &KVStore{db: db, now: time.Now}
}

type kvValue struct {
	expireAt time.Time
	kind     byte
	payload  []byte
}

func kvKey(key string) []byte {
	return []byte(kvPrefix + key)
}

func (s *KVStore) load(txn *badger.Txn, key []byte) (*kvValue, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var v *kvValue
	err = item.Value(func(val []byte) error {
		expireAt, body, ok, err := unwrapExpiring(val, s.now())
		if err != nil || !ok {
			return err
		}
		if len(body) < 1 {
			return errShortValue
		}
		payload := make([]byte, len(body)-1)
		copy(payload, body[1:])
		v = &kvValue{expireAt: expireAt, kind: body[0], payload: payload}
		return nil
	})
	return v, err
}

func (s *KVStore) store(txn *badger.Txn, key []byte, v *kvValue) error {
	body := make([]byte, 1+len(v.payload))
	body[0] = v.kind
	copy(body[1:], v.payload)

	e := badger.NewEntry(key, wrapExpiring(body, v.expireAt))
	if !v.expireAt.IsZero() {
		e = e.WithTTL(time.Until(v.expireAt) + time.Second)
	}
	return txn.SetEntry(e)
}

// ListPush appends value to the list at key.
func (s *KVStore) ListPush(ctx context.Context, key string, value []byte, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	k := kvKey(key)
	var n int64
	err := update(s.db, func(txn *badger.Txn) error {
		v, err := s.load(txn, k)
		if err != nil {
			return err
		}
		if v == nil {
			v = &kvValue{kind: kindList}
			if ttl > 0 {
				v.expireAt = s.now().Add(ttl)
			}
		}
		if v.kind != kindList {
			return ErrWrongType
		}

		v.payload = binary.AppendUvarint(v.payload, uint64(len(value)))
		v.payload = append(v.payload, value...)
		elems, err := decodeList(v.payload)
		if err != nil {
			return err
		}
		n = int64(len(elems))

		return s.store(txn, k, v)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to push to %s: %w", key, err)
	}
	return n, nil
}

// ListRange returns elements between start and stop inclusive.
func (s *KVStore) ListRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	elems, err := s.list(ctx, key)
	if err != nil {
		return nil, err
	}

	lo, hi, ok := normalizeRange(int64(len(elems)), start, stop)
	if !ok {
		return [][]byte{}, nil
	}
	return elems[lo : hi+1], nil
}

// ListLen returns the length of the list at key, zero when absent.
func (s *KVStore) ListLen(ctx context.Context, key string) (int64, error) {
	elems, err := s.list(ctx, key)
	if err != nil {
		return 0, err
	}
	return int64(len(elems)), nil
}

func (s *KVStore) list(ctx context.Context, key string) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var elems [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		v, err := s.load(txn, kvKey(key))
		if err != nil || v == nil {
			return err
		}
		if v.kind != kindList {
			return ErrWrongType
		}
		elems, err = decodeList(v.payload)
		return err
	})
	if err != nil {
		return nil, mapErr(err)
	}
	return elems, nil
}

// Exists reports whether key holds a live value.
func (s *KVStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		v, err := s.load(txn, kvKey(key))
		found = v != nil
		return err
	})
	return found, mapErr(err)
}

// Set stores value at key, replacing any previous value and expiry.
func (s *KVStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	v := &kvValue{kind: kindString, payload: value}
	if ttl > 0 {
		v.expireAt = s.now().Add(ttl)
	}
	return update(s.db, func(txn *badger.Txn) error {
		return s.store(txn, kvKey(key), v)
	})
}

// Get returns the string value at key.
func (s *KVStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		v, err := s.load(txn, kvKey(key))
		if err != nil {
			return err
		}
		if v == nil {
			return storage.ErrNotFound
		}
		if v.kind != kindString {
			return ErrWrongType
		}
		out = v.payload
		return nil
	})
	return out, mapErr(err)
}

// Expire sets a new expiry on key. A non-positive ttl deletes the key.
func (s *KVStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	k := kvKey(key)
	return update(s.db, func(txn *badger.Txn) error {
		v, err := s.load(txn, k)
		if err != nil || v == nil {
			return err
		}
		if ttl <= 0 {
			return txn.Delete(k)
		}
		v.expireAt = s.now().Add(ttl)
		return s.store(txn, k, v)
	})
}

func decodeList(buf []byte) ([][]byte, error) {
	var elems [][]byte
	for len(buf) > 0 {
		n, w := binary.Uvarint(buf)
		if w <= 0 || uint64(len(buf)-w) < n {
			return nil, errShortValue
		}
		buf = buf[w:]
		elems = append(elems, buf[:n:n])
		buf = buf[n:]
	}
	return elems, nil
}

// normalizeRange converts Redis-style inclusive indexes into bounds of a
// slice of length n.
func normalizeRange(n, start, stop int64) (int64, int64, bool) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop {
		return 0, 0, false
	}
	return start, stop, true
}
