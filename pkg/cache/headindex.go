package cache

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bucket names for the height index.
var (
	// bucketHeightKeys maps big-endian block heights to the list of
	// cache keys recorded while that height was the chain head.
	bucketHeightKeys = []byte("height_keys")
)

// HeadIndex persists which cache entries were written at which chain
// height. After a reorganization every entry above the new head is
// stale; the index hands their keys back so the store can drop them.
// Heights at or below the finalized height can no longer reorganize
// and are pruned from the index.
type HeadIndex struct {
	db *bolt.DB
}

// OpenHeadIndex opens or creates the height index at path.
func OpenHeadIndex(path string) (*HeadIndex, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open head index: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketHeightKeys)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket %s: %w", bucketHeightKeys, err)
	}

	return &HeadIndex{db: db}, nil
}

// Close closes the underlying database.
func (x *HeadIndex) Close() error {
	return x.db.Close()
}

// encodeHeight renders a height as a big-endian key so the bucket
// iterates in ascending height order.
func encodeHeight(h uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, h)
	return key
}

func decodeKeyList(v []byte) ([]string, error) {
	var keys []string
	if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&keys); err != nil {
		return nil, fmt.Errorf("decode key list: %w", err)
	}
	return keys, nil
}

// Track records that key was cached while height was the chain head.
func (x *HeadIndex) Track(height uint64, key []byte) error {
	return x.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketHeightKeys)

		var keys []string
		if existing := bucket.Get(encodeHeight(height)); existing != nil {
			decoded, err := decodeKeyList(existing)
			if err != nil {
				return err
			}
			keys = decoded
		}
		keys = append(keys, RenderKey(key))

		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(keys); err != nil {
			return fmt.Errorf("encode key list: %w", err)
		}
		return bucket.Put(encodeHeight(height), buf.Bytes())
	})
}

// KeysAbove returns every tracked cache key recorded above height.
func (x *HeadIndex) KeysAbove(height uint64) ([][]byte, error) {
	var out [][]byte
	err := x.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketHeightKeys).Cursor()
		for k, v := c.Seek(encodeHeight(height + 1)); k != nil; k, v = c.Next() {
			keys, err := decodeKeyList(v)
			if err != nil {
				return err
			}
			for _, rendered := range keys {
				raw, err := ParseKey(rendered)
				if err != nil {
					return fmt.Errorf("parse tracked key %q: %w", rendered, err)
				}
				out = append(out, raw)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DropAbove removes every index entry above height and returns the
// cache keys it tracked so the caller can delete the stale responses.
func (x *HeadIndex) DropAbove(height uint64) ([][]byte, error) {
	var out [][]byte
	err := x.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketHeightKeys).Cursor()
		for k, v := c.Seek(encodeHeight(height + 1)); k != nil; k, v = c.Next() {
			keys, err := decodeKeyList(v)
			if err != nil {
				return err
			}
			for _, rendered := range keys {
				raw, err := ParseKey(rendered)
				if err != nil {
					return fmt.Errorf("parse tracked key %q: %w", rendered, err)
				}
				out = append(out, raw)
			}
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PruneThrough drops index entries at or below height and returns how
// many heights were pruned. The cached responses themselves stay: a
// finalized entry is still servable, it just cannot be invalidated
// anymore.
func (x *HeadIndex) PruneThrough(height uint64) (int, error) {
	var pruned int
	err := x.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketHeightKeys).Cursor()
		for k, _ := c.First(); k != nil && binary.BigEndian.Uint64(k) <= height; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return pruned, nil
}
