package session

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pantsbuild/corengine/internal/address"
	"github.com/pantsbuild/corengine/internal/graph"
)

type fakeGraph struct {
	result any
	err    error
}

func (f *fakeGraph) Demand(ctx context.Context, product reflect.Type, params address.ParamTuple) (any, error) {
	return f.result, f.err
}

// fakeManyGraph additionally satisfies ManyDemander.
type fakeManyGraph struct {
	fakeGraph
	many    []any
	manyErr error
}

func (f *fakeManyGraph) DemandMany(ctx context.Context, specs []graph.DemandSpec) ([]any, error) {
	return f.many, f.manyErr
}

type compiledClasses struct{ path string }

func TestSessionRecordsSuccessfulWorkunit(t *testing.T) {
	g := &fakeGraph{result: compiledClasses{path: "out.jar"}}
	s := New(context.Background(), g)

	value, err := s.Demand(reflect.TypeOf(compiledClasses{}), address.ParamTuple{})
	require.NoError(t, err)
	require.Equal(t, compiledClasses{path: "out.jar"}, value)

	timeline := s.Timeline()
	require.Len(t, timeline, 1)
	require.Equal(t, s.ID(), timeline[0].SessionID)
	require.Empty(t, timeline[0].Err)
	require.False(t, timeline[0].EndedAt.Before(timeline[0].StartedAt))
}

func TestSessionRecordsFailedWorkunit(t *testing.T) {
	g := &fakeGraph{err: errors.New("boom")}
	s := New(context.Background(), g)

	_, err := s.Demand(reflect.TypeOf(compiledClasses{}), address.ParamTuple{})
	require.Error(t, err)

	timeline := s.Timeline()
	require.Len(t, timeline, 1)
	require.Equal(t, "boom", timeline[0].Err)
}

func TestSessionDemandManyRejectsUnsupportedDemander(t *testing.T) {
	s := New(context.Background(), &fakeGraph{})
	_, err := s.DemandMany(nil)
	require.Error(t, err)
}

func TestSessionDemandManyRecordsBatchWorkunit(t *testing.T) {
	g := &fakeManyGraph{many: []any{compiledClasses{path: "a.jar"}, compiledClasses{path: "b.jar"}}}
	s := New(context.Background(), g)

	values, err := s.DemandMany([]graph.DemandSpec{
		{Product: reflect.TypeOf(compiledClasses{})},
		{Product: reflect.TypeOf(compiledClasses{})},
	})
	require.NoError(t, err)
	require.Equal(t, g.many, values)

	timeline := s.Timeline()
	require.Len(t, timeline, 1)
	require.Equal(t, "batch", timeline[0].Product)
	require.Empty(t, timeline[0].Err)
}

func TestSessionCancelClosesDone(t *testing.T) {
	s := New(context.Background(), &fakeGraph{})
	s.Cancel()
	select {
	case <-s.Done():
	default:
		t.Fatal("expected Done() to be closed after Cancel")
	}
}
