package exec

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/pantsbuild/corengine/internal/cas"
	"github.com/pantsbuild/corengine/internal/metrics"
)

// Executor is the top-level entry point of spec.md §4.B: given a
// ProcessDescription, it computes the cache key, short-circuits on a
// cache hit, deduplicates concurrent identical requests, bounds
// in-flight process concurrency, materializes a sandbox when the
// selected strategy needs one, dispatches to that strategy, and
// records a cacheable result.
type Executor struct {
	store       cas.Store
	cache       *ProcessCache
	sandboxRoot string

	strategies map[StrategyKind]Strategy
	sem        *semaphore.Weighted
	inflight   singleflight.Group
}

// NewExecutor wires together the process cache, a concurrency limit,
// and the strategy implementations keyed by ProcessDescription.ExecStrategy.
func NewExecutor(store cas.Store, cache *ProcessCache, sandboxRoot string, concurrency int64, strategies map[StrategyKind]Strategy) (*Executor, error) {
	if concurrency <= 0 {
		return nil, fmt.Errorf("executor concurrency must be positive, got %d", concurrency)
	}
	if err := os.MkdirAll(sandboxRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating sandbox root: %w", err)
	}
	return &Executor{
		store:       store,
		cache:       cache,
		sandboxRoot: sandboxRoot,
		strategies:  strategies,
		sem:         semaphore.NewWeighted(concurrency),
	}, nil
}

// Execute runs desc to completion, consulting and populating the
// process cache, and guaranteeing at-most-one in-flight execution per
// cache key (spec.md §4.B / §8 "At-most-once-in-flight").
func (e *Executor) Execute(ctx context.Context, desc *ProcessDescription) (*ProcessResult, error) {
	key, err := desc.CacheKey()
	if err != nil {
		return nil, fmt.Errorf("computing cache key: %w", err)
	}

	if result, ok := e.cache.Get(key); ok {
		log.WithField("cache_key", key).Debug("process cache hit")
		return result, nil
	}

	v, err, shared := e.inflight.Do(key.Hex(), func() (interface{}, error) {
		return e.runUncached(ctx, desc)
	})
	if err != nil {
		return nil, err
	}
	result := v.(*ProcessResult)
	if shared {
		log.WithField("cache_key", key).Debug("joined in-flight process execution")
	}
	return result, nil
}

// runUncached performs the actual dispatch once a request has won (or
// joined) the singleflight group for key: re-check the cache (another
// waiter may have populated it between the first check and entry into
// the group), acquire a concurrency permit, materialize a sandbox if
// required, run the strategy, and store the result if cacheable.
func (e *Executor) runUncached(ctx context.Context, desc *ProcessDescription) (*ProcessResult, error) {
	strategy, ok := e.strategies[desc.ExecStrategy]
	if !ok {
		return nil, fmt.Errorf("no strategy registered for %q", desc.ExecStrategy)
	}

	if key, err := desc.CacheKey(); err == nil {
		if result, ok := e.cache.Get(key); ok {
			return result, nil
		}
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, &StrategyError{Kind: ErrCancelled, Err: err}
	}
	metrics.ExecutorConcurrency.Inc()
	defer metrics.ExecutorConcurrency.Dec()
	defer e.sem.Release(1)

	queuedAt := time.Now()

	sandboxDir := ""
	if strategy.UsesLocalSandbox() {
		dir, err := e.prepareSandbox(ctx, desc)
		if err != nil {
			return nil, err
		}
		sandboxDir = dir
		defer os.RemoveAll(sandboxDir)
	}

	result, err := strategy.Run(ctx, sandboxDir, desc)
	if err != nil {
		return nil, err
	}
	result.Metadata.QueuedTime = queuedAt

	if Cacheable(desc, result) {
		keyDigest, cerr := desc.CacheKey()
		if cerr != nil {
			return nil, cerr
		}
		if err := e.cache.Put(keyDigest, result); err != nil {
			log.WithError(err).Warn("failed to persist process cache entry")
		}
	}
	return result, nil
}

// prepareSandbox materializes desc's input tree into a fresh directory
// under sandboxRoot and creates its declared append-only cache mount
// points (spec.md §3 "append-only caches", §5 "Shared resources").
func (e *Executor) prepareSandbox(ctx context.Context, desc *ProcessDescription) (string, error) {
	dir, err := os.MkdirTemp(e.sandboxRoot, "sandbox-*")
	if err != nil {
		return "", fmt.Errorf("creating sandbox directory: %w", err)
	}
	if !desc.InputDigest.IsZero() {
		if err := e.store.Materialize(ctx, desc.InputDigest, dir, cas.StrategyHardlink); err != nil {
			os.RemoveAll(dir)
			return "", fmt.Errorf("materializing sandbox input tree: %w", err)
		}
	}
	for _, c := range desc.AppendOnlyCaches {
		path := filepath.Join(dir, c.Name)
		if err := os.MkdirAll(path, 0o755); err != nil {
			os.RemoveAll(dir)
			return "", fmt.Errorf("preparing append-only cache %q: %w", c.Name, err)
		}
	}
	return dir, nil
}
