// Package localcache is a small on-disk sidecar cache opened by both
// binaries on process start, after their cluster connections are up. It
// holds the last-seen Subset Manifest (used by the Database Replicator to
// log what changed since its previous run) and per-component retry
// counters (used by both supervisor loops).
// It is advisory only — the Oplog Store and the target database's
// CheckpointStore/ManifestStore remain the source of truth.
package localcache

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketManifest = []byte("manifest")
	bucketRetries  = []byte("retries")
)

// Cache wraps a local bbolt file.
type Cache struct {
	db *bolt.DB
}

// Open creates or opens the cache file under dataDir.
func Open(dataDir string) (*Cache, error) {
	path := filepath.Join(dataDir, "mongosync-cache.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open local cache %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketManifest, bucketRetries} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Cache{db: db}, nil
}

// Close closes the cache file.
func (c *Cache) Close() error {
	return c.db.Close()
}

// LastManifest returns the last-seen collection set for a database, or
// (nil, false) if this cache has never recorded one.
func (c *Cache) LastManifest(db string) ([]string, bool, error) {
	var names []string
	found := false
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketManifest).Get([]byte(db))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &names)
	})
	return names, found, err
}

// StoreManifest records the collection set last synced for a database.
func (c *Cache) StoreManifest(db string, names []string) error {
	data, err := json.Marshal(names)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketManifest).Put([]byte(db), data)
	})
}

// IncrRetry bumps and returns the retry counter for a named component
// (e.g. "full_sync", "incr_apply"), reset externally by the caller once a
// run succeeds.
func (c *Cache) IncrRetry(component string) (int, error) {
	count := 0
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRetries)
		if data := b.Get([]byte(component)); data != nil {
			count, _ = decodeInt(data)
		}
		count++
		return b.Put([]byte(component), encodeInt(count))
	})
	return count, err
}

// ResetRetry zeroes the retry counter for a component.
func (c *Cache) ResetRetry(component string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRetries).Delete([]byte(component))
	})
}

func encodeInt(n int) []byte {
	data, _ := json.Marshal(n)
	return data
}

func decodeInt(data []byte) (int, error) {
	var n int
	err := json.Unmarshal(data, &n)
	return n, err
}
