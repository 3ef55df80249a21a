// Package watch implements the watcher/invalidator of spec.md §4.E:
// it observes the source tree with fsnotify and translates per-path
// events into graph invalidations, re-reading content before
// invalidating so touch/rename-with-same-content events produce no
// downstream rerun (early cutoff carries the no-op through).
package watch

import (
	"context"
	"crypto/sha256"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/pantsbuild/corengine/internal/graph"
)

// Invalidator is the subset of *graph.Graph the watcher needs; tests
// substitute a fake that records calls without a real scheduler.
type Invalidator interface {
	Invalidate(id graph.ID)
}

// NodeIDFunc maps a changed path to the graph node representing its
// content observation. Node identity is a property of how rules were
// registered (internal/rules), so the mapping is supplied by the
// caller rather than owned by this package.
type NodeIDFunc func(path string) (graph.ID, bool)

// Watcher observes root (recursively) and invalidates the
// corresponding content-observation node whenever a path's content
// actually changes.
type Watcher struct {
	fs          *fsnotify.Watcher
	root        string
	nodeID      NodeIDFunc
	invalidator Invalidator
	debounce    time.Duration

	mu       sync.Mutex
	hashes   map[string][32]byte
	pending  map[string]time.Time
	stopCh   chan struct{}
	doneCh   chan struct{}
	drainReq chan chan struct{}
}

// New creates a Watcher rooted at root. Call Start to begin watching.
func New(root string, nodeID NodeIDFunc, invalidator Invalidator, debounce time.Duration) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 50 * time.Millisecond
	}
	return &Watcher{
		fs:          fw,
		root:        root,
		nodeID:      nodeID,
		invalidator: invalidator,
		debounce:    debounce,
		hashes:      make(map[string][32]byte),
		pending:     make(map[string]time.Time),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		drainReq:    make(chan chan struct{}),
	}, nil
}

// Start recursively registers every directory under root with
// fsnotify and begins the event loop in a background goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	if err := filepath.Walk(w.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return w.fs.Add(path)
		}
		return nil
	}); err != nil {
		return err
	}
	go w.run(ctx)
	return nil
}

// Stop halts the event loop and releases the underlying fsnotify
// watcher.
func (w *Watcher) Stop() {
	close(w.stopCh)
	<-w.doneCh
	_ = w.fs.Close()
}

// Sync blocks until every fsnotify event received before this call
// has been turned into an invalidation (or discarded as a no-op
// content-unchanged event), giving the ordering guarantee of spec.md
// §4.E: "events received by the watcher before time T are reflected
// in invalidations before any demand submitted after T resolves".
//
// This is a best-effort barrier: it relies on the OS having already
// delivered prior filesystem events to fsnotify's internal channel by
// the time Sync is called, which holds for the synchronous,
// same-process write patterns the executor and tests use, but is not
// a proof against arbitrary external, differently-timed writers.
func (w *Watcher) Sync(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case w.drainReq <- ack:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.doneCh:
		return nil
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.recordEvent(event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("watcher: fsnotify error")
		case <-ticker.C:
			w.flush()
		case ack := <-w.drainReq:
			w.flush()
			close(ack)
		}
	}
}

func (w *Watcher) recordEvent(event fsnotify.Event) {
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.fs.Add(event.Name)
		}
	}
	w.mu.Lock()
	w.pending[event.Name] = time.Now()
	w.mu.Unlock()
}

// flush re-reads every pending path's content and invalidates its
// node iff the content's digest differs from the last observed one
// (spec.md §4.E "iff the content actually changed on re-read").
func (w *Watcher) flush() {
	w.mu.Lock()
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]time.Time)
	w.mu.Unlock()

	for _, path := range paths {
		w.reobserve(path)
	}
}

func (w *Watcher) reobserve(path string) {
	id, ok := w.nodeID(path)
	if !ok {
		return
	}

	hash, exists := hashFile(path)

	w.mu.Lock()
	prev, hadPrev := w.hashes[path]
	changed := !hadPrev || !exists || hash != prev
	if exists {
		w.hashes[path] = hash
	} else {
		delete(w.hashes, path)
	}
	w.mu.Unlock()

	if changed {
		w.invalidator.Invalidate(id)
	}
}

// hashFile returns the content digest of path, or ok=false if it
// cannot currently be read (e.g. it was deleted).
func hashFile(path string) (sum [32]byte, ok bool) {
	f, err := os.Open(path)
	if err != nil {
		return sum, false
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return sum, false
	}
	copy(sum[:], h.Sum(nil))
	return sum, true
}
