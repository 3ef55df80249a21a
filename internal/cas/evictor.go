package cas

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/pantsbuild/corengine/internal/digest"
)

var indexBucket = []byte("blobs")

// evictor tracks (digest -> size, last-access) in a bbolt index so the
// store doesn't need to re-stat every blob to enforce its quota, and
// tracks in-memory reference counts so that only digests unreferenced
// by any live session may be evicted (spec.md §4.A "Eviction",
// §8 "No-orphan-retention").
type evictor struct {
	root string
	db   *bolt.DB
	quota int64

	mu       sync.Mutex
	refcount map[digest.Digest]int
}

func newEvictor(root string, quota int64) (*evictor, error) {
	db, err := bolt.Open(filepath.Join(root, "eviction-index.bolt"), 0o644, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(indexBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &evictor{root: root, db: db, quota: quota, refcount: make(map[digest.Digest]int)}, nil
}

func (e *evictor) close() error { return e.db.Close() }

type indexEntry struct {
	size       int64
	lastAccess int64
}

func encodeEntry(v indexEntry) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[0:8], uint64(v.size))
	binary.BigEndian.PutUint64(b[8:16], uint64(v.lastAccess))
	return b
}

func decodeEntry(b []byte) indexEntry {
	return indexEntry{
		size:       int64(binary.BigEndian.Uint64(b[0:8])),
		lastAccess: int64(binary.BigEndian.Uint64(b[8:16])),
	}
}

// record registers a newly-stored digest and, if the store is over
// quota, evicts unreferenced entries oldest-first until back under it.
func (e *evictor) record(d digest.Digest) {
	now := time.Now().UnixNano()
	_ = e.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(indexBucket).Put([]byte(d.String()), encodeEntry(indexEntry{size: d.SizeBytes(), lastAccess: now}))
	})
	e.maybeEvict()
}

// touch updates a digest's last-access time, keeping it fresh in LRU order.
func (e *evictor) touch(d digest.Digest) {
	_ = e.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(indexBucket)
		existing := b.Get([]byte(d.String()))
		if existing == nil {
			return nil
		}
		entry := decodeEntry(existing)
		entry.lastAccess = time.Now().UnixNano()
		return b.Put([]byte(d.String()), encodeEntry(entry))
	})
}

func (e *evictor) retain(d digest.Digest) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refcount[d]++
}

func (e *evictor) release(d digest.Digest) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.refcount[d] <= 1 {
		delete(e.refcount, d)
		return
	}
	e.refcount[d]--
}

func (e *evictor) isReferenced(d digest.Digest) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refcount[d] > 0
}

type candidate struct {
	key        string
	digest     digest.Digest
	lastAccess int64
	size       int64
}

// maybeEvict scans the index and, if total size exceeds the quota,
// removes unreferenced entries in least-recently-used order until the
// store is back at or under quota. A quota of 0 disables eviction.
func (e *evictor) maybeEvict() {
	if e.quota <= 0 {
		return
	}
	var total int64
	var candidates []candidate
	_ = e.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(indexBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			entry := decodeEntry(v)
			total += entry.size
			d, err := digest.Parse(string(k))
			if err != nil {
				continue
			}
			candidates = append(candidates, candidate{key: string(k), digest: d, lastAccess: entry.lastAccess, size: entry.size})
		}
		return nil
	})
	if total <= e.quota {
		return
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].lastAccess < candidates[j].lastAccess })

	for _, c := range candidates {
		if total <= e.quota {
			break
		}
		if e.isReferenced(c.digest) {
			continue
		}
		if e.evictOne(c) {
			total -= c.size
		}
	}
}

func (e *evictor) evictOne(c candidate) bool {
	if err := e.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(indexBucket).Delete([]byte(c.key))
	}); err != nil {
		return false
	}
	blobPath := filepath.Join(e.root, "cas", c.digest.RelPath())
	dirPath := filepath.Join(e.root, "directories", c.digest.RelPath())
	removed := false
	if err := os.Remove(blobPath); err == nil {
		removed = true
	}
	if err := os.Remove(dirPath); err == nil {
		removed = true
	}
	return removed
}
