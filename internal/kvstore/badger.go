// Package kvstore is the ordered key/value store each stateful instance owns privately.
package kvstore

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("kvstore: closed")

const (
	defaultGCInterval = 5 * time.Minute
	gcLSMThreshold    = 1024 * 1024 * 8
	gcVLogThreshold   = 1024 * 1024 * 32
)

type Options struct {
	// Path is the badger directory. Empty with InMemory set keeps everything in memory.
	Path       string
	InMemory   bool
	GCInterval time.Duration
}

type Store struct {
	db   *badger.DB
	name string

	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func Open(opts Options) (*Store, error) {
	bopts := badger.DefaultOptions(opts.Path).WithLogger(badgerLogger{path: opts.Path})
	if opts.InMemory {
		bopts = bopts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, err
	}
	s := &Store{
		db:   db,
		name: opts.Path,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	if opts.InMemory {
		close(s.done)
		return s, nil
	}
	interval := opts.GCInterval
	if interval <= 0 {
		interval = defaultGCInterval
	}
	go s.gcLoop(interval)
	return s, nil
}

// OpenMemory is Open for an ephemeral store.
func OpenMemory() (*Store, error) {
	return Open(Options{InMemory: true})
}

func (s *Store) gcLoop(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
		lsm, vlog := s.db.Size()
		if lsm <= gcLSMThreshold && vlog <= gcVLogThreshold {
			continue
		}
		err := s.db.RunValueLogGC(0.5)
		log.Debug().Str("path", s.name).Int64("lsm", lsm).Int64("vlog", vlog).Err(err).Msg("kvstore.gc")
	}
}

func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
		err = s.db.Close()
	})
	return err
}

// Update runs fn in a read-write transaction committed atomically when fn returns nil.
func (s *Store) Update(ctx context.Context, fn func(txn *Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return fn(&Txn{txn: txn})
	})
	if errors.Is(err, badger.ErrDBClosed) {
		return ErrClosed
	}
	return err
}

// View runs fn in a read-only snapshot.
func (s *Store) View(ctx context.Context, fn func(txn *Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.View(func(txn *badger.Txn) error {
		return fn(&Txn{txn: txn})
	})
	if errors.Is(err, badger.ErrDBClosed) {
		return ErrClosed
	}
	return err
}

type Txn struct {
	txn *badger.Txn
}

// Get returns a copy of the value, or ok=false when the key is absent.
func (t *Txn) Get(key []byte) ([]byte, bool, error) {
	item, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (t *Txn) Has(key []byte) (bool, error) {
	_, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (t *Txn) Set(key, val []byte) error {
	return t.txn.Set(key, val)
}

func (t *Txn) Delete(key []byte) error {
	return t.txn.Delete(key)
}

// Scan visits keys under prefix in ascending order, starting strictly after `after` when it is
// non-nil. Returning false from fn stops the scan.
func (t *Txn) Scan(prefix, after []byte, fn func(key, val []byte) (bool, error)) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	start := prefix
	if after != nil {
		start = after
	}
	for it.Seek(start); it.Valid(); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		if after != nil && bytes.Equal(key, after) {
			continue
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		more, err := fn(key, val)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

// ScanKeys is Scan without loading values.
func (t *Txn) ScanKeys(prefix []byte, fn func(key []byte) (bool, error)) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := t.txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.Valid(); it.Next() {
		more, err := fn(it.Item().KeyCopy(nil))
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

type badgerLogger struct {
	path string
}

func (l badgerLogger) Errorf(format string, args ...any) {
	log.Error().Str("path", l.path).Msgf("badger: "+format, args...)
}

func (l badgerLogger) Warningf(format string, args ...any) {
	log.Warn().Str("path", l.path).Msgf("badger: "+format, args...)
}

func (l badgerLogger) Infof(format string, args ...any) {
	log.Trace().Str("path", l.path).Msgf("badger: "+format, args...)
}

func (l badgerLogger) Debugf(format string, args ...any) {
	log.Trace().Str("path", l.path).Msgf("badger: "+format, args...)
}
