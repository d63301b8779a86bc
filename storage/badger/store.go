// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/fluxflow/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.Backend = (*Store)(nil)

const maxTxnRetries = 64

// Store is the BadgerDB backend bundling the job store, the log and the KV store.
// A Badger directory can be opened by a single process only.
type Store struct {
	db *badger.DB

	jobs *JobStore
	log  *LogStore
	kv   *KVStore

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// Config holds BadgerDB configuration.
type Config struct {
	Dir         string // Directory for BadgerDB data
	InMemory    bool
	SyncWrites  bool
	Compression Compression // Compression of log record payloads
	GCInterval  time.Duration
}

// New opens a BadgerDB-backed store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	opts.SyncWrites = cfg.SyncWrites
	opts.NumVersionsToKeep = 1
	opts.NumCompactors = 2
	opts.NumLevelZeroTables = 5
	opts.NumLevelZeroTablesStall = 15

	codec, err := newCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	gcInterval := cfg.GCInterval
	if gcInterval <= 0 {
		gcInterval = 5 * time.Minute
	}

	s := &Store{
		db:       db,
		jobs:     NewJobStore(db),
		log:      NewLogStore(db, codec),
		kv:       NewKVStore(db),
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}

	if !cfg.InMemory {
		go s.runGC(gcInterval)
	} else {
		close(s.gcDone)
	}

	return s, nil
}

// Jobs returns the job store.
func (s *Store) Jobs() storage.JobStore {
	return s.jobs
}

// Log returns the record log.
func (s *Store) Log() storage.Log {
	return s.log
}

// KV returns the key-value store.
func (s *Store) KV() storage.KV {
	return s.kv
}

// Close stops background work and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.log.close()

	select {
	case <-s.gcDone:
	default:
		close(s.gcStopCh)
		<-s.gcDone
	}

	return s.db.Close()
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC(interval time.Duration) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Reclaim files that are at least half garbage; ErrNoRewrite is expected.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}

// update runs fn in a read-write transaction, retrying on conflicts with
// concurrent transactions.
func update(db *badger.DB, fn func(txn *badger.Txn) error) error {
	var err error
	for range maxTxnRetries {
		err = db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return mapErr(err)
		}
	}
	return err
}

func mapErr(err error) error {
	if errors.Is(err, badger.ErrDBClosed) {
		return storage.ErrClosed
	}
	return err
}
