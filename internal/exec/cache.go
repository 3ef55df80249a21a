package exec

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pantsbuild/corengine/internal/digest"
)

// ProcessCache persists process results keyed by cache_key, per
// spec.md §6's "processes/<hash-prefix>/<hash>" layout. Unlike the
// blob store, the key here is the cache key digest, not a digest of
// the stored bytes — so it is implemented directly rather than
// through cas.Store's content-addressing.
type ProcessCache struct {
	root    string
	tmpRoot string
}

// NewProcessCache opens (creating if necessary) a process cache rooted
// at filepath.Join(storeRoot, "processes").
func NewProcessCache(storeRoot string) (*ProcessCache, error) {
	root := filepath.Join(storeRoot, "processes")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating process cache directory: %w", err)
	}
	tmpRoot := filepath.Join(storeRoot, "tmp")
	if err := os.MkdirAll(tmpRoot, 0o755); err != nil {
		return nil, err
	}
	return &ProcessCache{root: root, tmpRoot: tmpRoot}, nil
}

func (c *ProcessCache) path(key digest.Digest) string {
	return filepath.Join(c.root, key.RelPath())
}

// Get returns the cached result for key, if any.
func (c *ProcessCache) Get(key digest.Digest) (*ProcessResult, bool) {
	b, err := os.ReadFile(c.path(key))
	if err != nil {
		return nil, false
	}
	var result ProcessResult
	if err := json.Unmarshal(b, &result); err != nil {
		return nil, false
	}
	return &result, true
}

// Put inserts (key, result) into the cache (spec.md §4.B step 4e).
func (c *ProcessCache) Put(key digest.Digest, result *ProcessResult) error {
	b, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshalling process result: %w", err)
	}
	path := c.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(c.tmpRoot, "process-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
