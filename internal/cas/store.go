// Package cas implements the content-addressed store: spec.md §4.A.
// It is a write-once, read-many blob and Directory store backed by
// local disk, with an optional remote mirror and an LRU eviction
// policy over a reference-counted working set.
package cas

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
	"google.golang.org/protobuf/proto"

	"github.com/pantsbuild/corengine/internal/digest"
	"github.com/pantsbuild/corengine/internal/metrics"
)

var logger = log.WithField("component", "cas")

// ErrNotFound is returned when a digest cannot be located locally or
// (if configured) on the remote mirror. Per spec.md §4.A "Failure
// model", corrupted stored bytes are also surfaced as NotFound.
var ErrNotFound = fmt.Errorf("digest not found in store")

// Remote is the subset of remote CAS behaviour the local store needs:
// fetching blobs it doesn't have, and pushing blobs a caller wants
// mirrored (spec.md §4.A "ensure_remote"). internal/remoteexec
// provides a gRPC-backed implementation of this interface.
type Remote interface {
	FetchBlob(ctx context.Context, d digest.Digest) ([]byte, error)
	PushBlob(ctx context.Context, d digest.Digest, data []byte) error
	HasBlob(ctx context.Context, d digest.Digest) (bool, error)
}

// MaterializeStrategy selects how Materialize writes a tree onto disk.
type MaterializeStrategy int

const (
	// StrategyCopy always produces an independent, writable copy.
	StrategyCopy MaterializeStrategy = iota
	// StrategyHardlink links against the store's immutable blob when
	// the filesystem supports it, falling back to copy otherwise.
	StrategyHardlink
	// StrategyReflink uses a copy-on-write clone when the filesystem
	// supports it, falling back to copy otherwise.
	StrategyReflink
	// StrategySymlinkToImmutableCache symlinks directly into the
	// store. Materialize does not restrict who uses it; the executor
	// always materializes sandbox inputs with StrategyHardlink, so it
	// applies only where a caller passes it to Materialize directly.
	// A rule writing through such a symlink would mutate store content.
	StrategySymlinkToImmutableCache
)

// Store is the public contract from spec.md §4.A.
type Store interface {
	StoreBytes(ctx context.Context, b []byte) (digest.Digest, error)
	LoadBytes(ctx context.Context, d digest.Digest) ([]byte, error)
	StoreDirectory(ctx context.Context, dir *pb.Directory) (digest.Digest, error)
	LoadDirectory(ctx context.Context, d digest.Digest) (*pb.Directory, error)
	Materialize(ctx context.Context, d digest.Digest, dest string, strategy MaterializeStrategy) error
	EnsureRemote(ctx context.Context, d digest.Digest) error
	ExpandDirectory(ctx context.Context, d digest.Digest) (<-chan ExpandEntry, error)

	// Retain/Release implement the reference counting spec.md §4.A
	// requires before a digest becomes eligible for eviction.
	Retain(d digest.Digest)
	Release(d digest.Digest)
}

// ExpandEntry is one entry yielded by ExpandDirectory's lazy traversal.
type ExpandEntry struct {
	Path   string
	Kind   EntryKind
	Digest digest.Digest // zero for symlinks
	Target string        // set only for symlinks
	Err    error
}

// EntryKind distinguishes the three node kinds a Directory may hold.
type EntryKind int

const (
	EntryFile EntryKind = iota
	EntryDirectory
	EntrySymlink
)

// LocalStore is the on-disk Store implementation. Layout matches
// spec.md §6 persisted state layout exactly:
//
//	cas/<hash-prefix>/<hash>         blobs
//	directories/<hash-prefix>/<hash> serialized Directory messages
//	tmp/<random>                     in-progress writes
type LocalStore struct {
	root   string
	remote Remote // nil if no remote mirror is configured

	evictor *evictor

	// hot keeps, in memory and by LRU, every blob written through
	// StoreBytes (of any size), so LoadBytes can skip the disk. Blobs
	// read from disk and serialized directories are not added to it.
	hot *lru.Cache[string, []byte]
}

// Option configures a LocalStore.
type Option func(*LocalStore)

// WithRemote attaches a remote mirror used by EnsureRemote and as a
// fallback on local miss.
func WithRemote(r Remote) Option {
	return func(s *LocalStore) { s.remote = r }
}

// WithHotCacheSize overrides the in-memory hot-blob cache entry count.
func WithHotCacheSize(n int) Option {
	return func(s *LocalStore) {
		c, err := lru.New[string, []byte](n)
		if err != nil {
			panic(err) // n<=0, programmer error
		}
		s.hot = c
	}
}

// NewLocalStore opens (creating if necessary) a store rooted at root,
// with an LRU eviction policy bounded by quotaBytes.
func NewLocalStore(root string, quotaBytes int64, opts ...Option) (*LocalStore, error) {
	for _, sub := range []string{"cas", "directories", "processes", "tmp"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory %s: %w", sub, err)
		}
	}
	ev, err := newEvictor(root, quotaBytes)
	if err != nil {
		return nil, fmt.Errorf("opening eviction index: %w", err)
	}
	hot, err := lru.New[string, []byte](4096)
	if err != nil {
		return nil, err
	}
	s := &LocalStore{root: root, evictor: ev, hot: hot}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the store's on-disk eviction index.
func (s *LocalStore) Close() error { return s.evictor.close() }

func (s *LocalStore) blobPath(d digest.Digest) string {
	return filepath.Join(s.root, "cas", d.RelPath())
}

func (s *LocalStore) directoryPath(d digest.Digest) string {
	return filepath.Join(s.root, "directories", d.RelPath())
}

// StoreBytes is idempotent: storing the same bytes twice is a no-op on
// the second call and always returns the same digest (spec.md §8
// "Digest determinism").
func (s *LocalStore) StoreBytes(ctx context.Context, b []byte) (digest.Digest, error) {
	d := digest.FromBytes(b)
	path := s.blobPath(d)
	if _, err := os.Stat(path); err == nil {
		s.evictor.touch(d)
		return d, nil
	}
	if err := writeAtomic(s.root, path, b); err != nil {
		return digest.Zero, fmt.Errorf("storing blob %s: %w", d, err)
	}
	s.hot.Add(d.Hex(), b)
	s.evictor.record(d)
	return d, nil
}

// LoadBytes returns the bytes for d, fetching from the remote mirror
// on local miss if one is configured. Corruption (stored bytes whose
// hash no longer matches) is treated as NotFound plus a logged event,
// per spec.md §4.A "Failure model".
func (s *LocalStore) LoadBytes(ctx context.Context, d digest.Digest) ([]byte, error) {
	if b, ok := s.hot.Get(d.Hex()); ok {
		metrics.StoreHits.WithLabelValues("hot").Inc()
		return b, nil
	}
	b, err := os.ReadFile(s.blobPath(d))
	if err == nil {
		if digest.FromBytes(b) != d {
			logger.WithField("digest", d).Error("store corruption detected on read")
			metrics.StoreMisses.Inc()
			return nil, ErrNotFound
		}
		s.evictor.touch(d)
		metrics.StoreHits.WithLabelValues("disk").Inc()
		return b, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading blob %s: %w", d, err)
	}
	if s.remote == nil {
		metrics.StoreMisses.Inc()
		return nil, ErrNotFound
	}
	b, rerr := s.remote.FetchBlob(ctx, d)
	if rerr != nil {
		metrics.StoreMisses.Inc()
		return nil, fmt.Errorf("%w: local miss, remote fetch failed: %v", ErrNotFound, rerr)
	}
	if _, err := s.StoreBytes(ctx, b); err != nil {
		return nil, err
	}
	metrics.StoreHits.WithLabelValues("remote").Inc()
	return b, nil
}

// StoreDirectory canonically serializes and stores dir, returning its
// digest. Equal Directory values (post-canonicalization) always yield
// the same digest (spec.md §8).
func (s *LocalStore) StoreDirectory(ctx context.Context, dir *pb.Directory) (digest.Digest, error) {
	if err := digest.ValidateDirectory(dir); err != nil {
		return digest.Zero, fmt.Errorf("invalid directory: %w", err)
	}
	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(dir)
	if err != nil {
		return digest.Zero, fmt.Errorf("marshalling directory: %w", err)
	}
	d := digest.FromBytes(b)
	path := s.directoryPath(d)
	if _, err := os.Stat(path); err == nil {
		s.evictor.touch(d)
		return d, nil
	}
	if err := writeAtomic(s.root, path, b); err != nil {
		return digest.Zero, fmt.Errorf("storing directory %s: %w", d, err)
	}
	s.evictor.record(d)
	return d, nil
}

// LoadDirectory loads and unmarshals the Directory stored at d.
func (s *LocalStore) LoadDirectory(ctx context.Context, d digest.Digest) (*pb.Directory, error) {
	b, err := os.ReadFile(s.directoryPath(d))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading directory %s: %w", d, err)
		}
		if s.remote == nil {
			return nil, ErrNotFound
		}
		b, err = s.remote.FetchBlob(ctx, d)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
		}
	}
	var dir pb.Directory
	if err := proto.Unmarshal(b, &dir); err != nil {
		return nil, fmt.Errorf("unmarshalling directory %s: %w", d, err)
	}
	s.evictor.touch(d)
	return &dir, nil
}

// EnsureRemote uploads d and, if it is a Directory, every constituent
// transitively, to the configured remote mirror (spec.md §4.A).
func (s *LocalStore) EnsureRemote(ctx context.Context, d digest.Digest) error {
	if s.remote == nil {
		return fmt.Errorf("ensure_remote: no remote configured")
	}
	has, err := s.remote.HasBlob(ctx, d)
	if err != nil {
		return fmt.Errorf("checking remote for %s: %w", d, err)
	}
	if has {
		return nil
	}
	// Try as a directory first (recurse), then fall back to a plain blob.
	if dir, derr := s.LoadDirectory(ctx, d); derr == nil {
		b, err := proto.MarshalOptions{Deterministic: true}.Marshal(dir)
		if err != nil {
			return err
		}
		if err := s.remote.PushBlob(ctx, d, b); err != nil {
			return fmt.Errorf("pushing directory %s: %w", d, err)
		}
		for _, sub := range dir.GetDirectories() {
			childDigest, err := digest.FromProto(sub.GetDigest())
			if err != nil {
				return err
			}
			if err := s.EnsureRemote(ctx, childDigest); err != nil {
				return err
			}
		}
		for _, f := range dir.GetFiles() {
			childDigest, err := digest.FromProto(f.GetDigest())
			if err != nil {
				return err
			}
			data, err := s.LoadBytes(ctx, childDigest)
			if err != nil {
				return err
			}
			if err := s.remote.PushBlob(ctx, childDigest, data); err != nil {
				return fmt.Errorf("pushing file blob %s: %w", childDigest, err)
			}
		}
		return nil
	}
	data, err := s.LoadBytes(ctx, d)
	if err != nil {
		return err
	}
	return s.remote.PushBlob(ctx, d, data)
}

// ExpandDirectory lazily walks the tree rooted at d, yielding one
// entry per path. The channel is closed when traversal completes or
// the context is cancelled.
func (s *LocalStore) ExpandDirectory(ctx context.Context, d digest.Digest) (<-chan ExpandEntry, error) {
	root, err := s.LoadDirectory(ctx, d)
	if err != nil {
		return nil, err
	}
	ch := make(chan ExpandEntry)
	go func() {
		defer close(ch)
		s.walk(ctx, ch, "", root)
	}()
	return ch, nil
}

func (s *LocalStore) walk(ctx context.Context, ch chan<- ExpandEntry, prefix string, dir *pb.Directory) {
	emit := func(e ExpandEntry) bool {
		select {
		case ch <- e:
			return true
		case <-ctx.Done():
			return false
		}
	}
	for _, f := range dir.GetFiles() {
		fd, err := digest.FromProto(f.GetDigest())
		if !emit(ExpandEntry{Path: join(prefix, f.GetName()), Kind: EntryFile, Digest: fd, Err: err}) {
			return
		}
	}
	for _, sl := range dir.GetSymlinks() {
		if !emit(ExpandEntry{Path: join(prefix, sl.GetName()), Kind: EntrySymlink, Target: sl.GetTarget()}) {
			return
		}
	}
	for _, sub := range dir.GetDirectories() {
		path := join(prefix, sub.GetName())
		dd, err := digest.FromProto(sub.GetDigest())
		if !emit(ExpandEntry{Path: path, Kind: EntryDirectory, Digest: dd, Err: err}) {
			return
		}
		if err != nil {
			continue
		}
		child, err := s.LoadDirectory(ctx, dd)
		if err != nil {
			emit(ExpandEntry{Path: path, Err: err})
			continue
		}
		s.walk(ctx, ch, path, child)
	}
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// Retain/Release implement the reference count the eviction policy
// consults before reclaiming a digest (spec.md §4.A "Eviction"; §8
// "No-orphan-retention").
func (s *LocalStore) Retain(d digest.Digest) { s.evictor.retain(d) }
func (s *LocalStore) Release(d digest.Digest) { s.evictor.release(d) }

// writeAtomic writes b to path via write-to-tmp + rename, matching
// spec.md §6 "Writes are atomic".
func writeAtomic(root, path string, b []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Join(root, "tmp"), "write-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, bytes.NewReader(b)); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	// Blobs are stored at a fixed, neutral mode: the executable bit is
	// a property of a tree entry, not of content, so a blob shared by
	// an executable and a non-executable FileNode can only ever carry
	// one mode on disk. materializeFile checks this mode before
	// hardlinking or symlinking and copies instead when it doesn't
	// match what the destination needs.
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

var _ Store = (*LocalStore)(nil)
