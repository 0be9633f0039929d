// Package cache provides the BadgerDB-backed response cache and the
// height index used to expire entries after chain reorganizations.
//
// Responses are keyed by a BLAKE3 hash of the normalized request, so
// identical requests hit the same entry regardless of their JSON-RPC
// id. Values are optionally zstd-compressed; compressed entries are
// recognized by the zstd frame magic, so the compression setting can
// change between runs without invalidating the cache.
package cache

import (
	"bytes"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"
	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"
)

// Store errors.
var (
	ErrClosed = errors.New("cache store is closed")
)

// zstdMagic is the frame header every zstd-compressed entry starts
// with. Raw JSON never begins with these bytes.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Config contains configuration for the response cache.
type Config struct {
	// Path is the directory path for the database.
	Path string

	// InMemory runs the database in memory (for testing).
	InMemory bool

	// Compression enables zstd compression of stored responses.
	Compression bool

	// SyncWrites ensures writes are synced to disk.
	// Setting to false improves performance but risks losing the most
	// recent entries on crash, which a cache can afford.
	SyncWrites bool

	// ValueLogFileSize is the size of each value log file.
	ValueLogFileSize int64

	// Logger is an optional logger. Set to nil to disable logging.
	Logger badger.Logger
}

// DefaultConfig returns default configuration for a cache at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:             path,
		InMemory:         false,
		Compression:      true,
		SyncWrites:       false,
		ValueLogFileSize: 256 << 20, // 256MB
		Logger:           nil,
	}
}

// Store is a BadgerDB-backed response cache.
//
// Entries are raw JSON-RPC result payloads. The store never expires
// entries on its own: the cache manager deletes entries invalidated by
// reorganizations, and Flush drops everything.
type Store struct {
	db       *badger.DB
	compress bool

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	// hits and misses are cumulative lookup counters.
	hits   atomic.Uint64
	misses atomic.Uint64

	closed atomic.Bool
}

// New opens a response cache with the given configuration.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}
	if cfg.ValueLogFileSize > 0 {
		opts = opts.WithValueLogFileSize(cfg.ValueLogFileSize)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(cfg.Logger)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &Store{
		db:       db,
		compress: cfg.Compression,
		encoder:  encoder,
		decoder:  decoder,
	}, nil
}

// Key hashes a normalized request body into a cache key.
func Key(body []byte) []byte {
	sum := blake3.Sum256(body)
	return sum[:]
}

// RenderKey renders a cache key as a base58 string for the height
// index and log output.
func RenderKey(key []byte) string {
	return base58.Encode(key)
}

// ParseKey decodes a rendered cache key.
func ParseKey(s string) ([]byte, error) {
	return base58.Decode(s)
}

// Get returns the cached response for key. The second return reports
// whether the key was present.
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	if s.closed.Load() {
		return nil, false, ErrClosed
	}

	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		s.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if bytes.HasPrefix(value, zstdMagic) {
		value, err = s.decoder.DecodeAll(value, nil)
		if err != nil {
			return nil, false, fmt.Errorf("decompress cache entry: %w", err)
		}
	}

	s.hits.Add(1)
	return value, true, nil
}

// Set stores a response under key.
func (s *Store) Set(key, value []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}

	if s.compress {
		value = s.encoder.EncodeAll(value, nil)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

// Delete removes the given keys. Missing keys are not an error.
func (s *Store) Delete(keys ...[]byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if len(keys) == 0 {
		return nil
	}

	return s.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// Flush drops every cached entry.
func (s *Store) Flush() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.DropAll()
}

// Stats returns the hit and miss counters.
func (s *Store) Stats() (hits, misses uint64) {
	return s.hits.Load(), s.misses.Load()
}

// Close closes the underlying database. Further calls return ErrClosed.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return ErrClosed
	}
	s.encoder.Close()
	s.decoder.Close()
	return s.db.Close()
}
