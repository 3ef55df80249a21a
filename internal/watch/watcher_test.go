package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pantsbuild/corengine/internal/graph"
)

type fakeInvalidator struct {
	mu    sync.Mutex
	calls []graph.ID
}

func (f *fakeInvalidator) Invalidate(id graph.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
}

func (f *fakeInvalidator) snapshot() []graph.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]graph.ID(nil), f.calls...)
}

func TestWatcherInvalidatesOnRealContentChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	inv := &fakeInvalidator{}
	nodeID := func(p string) (graph.ID, bool) {
		if p == path {
			return graph.ID{RuleName: "observe_file", ParamKey: p}, true
		}
		return graph.ID{}, false
	}
	w, err := New(dir, nodeID, inv, 20*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	// Prime the baseline hash so the first real change is observable
	// as a change rather than as "no prior observation".
	require.NoError(t, w.Sync(context.Background()))
	w.reobserve(path)

	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))
	require.NoError(t, w.Sync(context.Background()))

	calls := inv.snapshot()
	require.NotEmpty(t, calls)
	require.Equal(t, "observe_file", calls[len(calls)-1].RuleName)
}

func TestWatcherSkipsUnchangedContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("same"), 0o644))

	inv := &fakeInvalidator{}
	nodeID := func(p string) (graph.ID, bool) {
		return graph.ID{RuleName: "observe_file", ParamKey: p}, true
	}
	w, err := New(dir, nodeID, inv, 20*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	// Establish the baseline hash. A path with no prior hash counts as
	// changed, so this records exactly one Invalidate.
	w.reobserve(path)
	require.NoError(t, os.WriteFile(path, []byte("same"), 0o644))
	require.NoError(t, w.Sync(context.Background()))

	require.Len(t, inv.snapshot(), 1, "rewriting identical content must not invalidate")
}
