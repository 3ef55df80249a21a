package exec

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pantsbuild/corengine/internal/cas"
)

// blockingStrategy counts invocations and blocks until released, so
// tests can assert at-most-one-in-flight execution per cache key.
type blockingStrategy struct {
	calls   int32
	release chan struct{}
}

func newBlockingStrategy() *blockingStrategy {
	return &blockingStrategy{release: make(chan struct{})}
}

func (s *blockingStrategy) Name() string            { return "blocking" }
func (s *blockingStrategy) UsesLocalSandbox() bool { return false }

func (s *blockingStrategy) Run(ctx context.Context, _ string, desc *ProcessDescription) (*ProcessResult, error) {
	atomic.AddInt32(&s.calls, 1)
	<-s.release
	return &ProcessResult{ExitCode: 0}, nil
}

func newTestExecutor(t *testing.T, strategy Strategy) (*Executor, *ProcessCache) {
	t.Helper()
	root := t.TempDir()
	store, err := cas.NewLocalStore(root, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cache, err := NewProcessCache(root)
	require.NoError(t, err)

	exec, err := NewExecutor(store, cache, t.TempDir(), 4, map[StrategyKind]Strategy{
		StrategyLocal: strategy,
	})
	require.NoError(t, err)
	return exec, cache
}

func TestExecuteDeduplicatesConcurrentIdenticalRequests(t *testing.T) {
	strategy := newBlockingStrategy()
	exec, _ := newTestExecutor(t, strategy)

	desc := &ProcessDescription{Argv: []string{"echo", "hi"}, ExecStrategy: StrategyLocal}

	const waiters = 5
	var wg sync.WaitGroup
	wg.Add(waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			defer wg.Done()
			result, err := exec.Execute(context.Background(), desc)
			require.NoError(t, err)
			require.Equal(t, int32(0), result.ExitCode)
		}()
	}

	// Give every goroutine a chance to join the in-flight group before
	// releasing the single real execution.
	time.Sleep(50 * time.Millisecond)
	close(strategy.release)
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&strategy.calls), "identical requests must execute at most once concurrently")
}

func TestExecuteReturnsCachedResultWithoutRerunning(t *testing.T) {
	strategy := newBlockingStrategy()
	exec, _ := newTestExecutor(t, strategy)
	desc := &ProcessDescription{Argv: []string{"echo", "hi"}, ExecStrategy: StrategyLocal}

	close(strategy.release) // let the first run proceed immediately
	first, err := exec.Execute(context.Background(), desc)
	require.NoError(t, err)
	require.Equal(t, int32(0), first.ExitCode)
	require.Equal(t, int32(1), atomic.LoadInt32(&strategy.calls))

	second, err := exec.Execute(context.Background(), desc)
	require.NoError(t, err)
	require.Equal(t, first.ExitCode, second.ExitCode)
	require.Equal(t, int32(1), atomic.LoadInt32(&strategy.calls), "cache hit must not invoke the strategy again")
}

func TestExecuteUnknownStrategyErrors(t *testing.T) {
	exec, _ := newTestExecutor(t, newBlockingStrategy())
	desc := &ProcessDescription{Argv: []string{"x"}, ExecStrategy: StrategyRemote}
	_, err := exec.Execute(context.Background(), desc)
	require.Error(t, err)
}
