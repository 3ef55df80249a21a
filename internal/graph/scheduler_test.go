package graph

import (
	"context"
	"reflect"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pantsbuild/corengine/internal/address"
	"github.com/pantsbuild/corengine/internal/rules"
)

type filePath struct{ path string }
type sourceDigest struct{ hash string }
type compiledClasses struct{ digest string }

var (
	tFilePath        = reflect.TypeOf(filePath{})
	tSourceDigest    = reflect.TypeOf(sourceDigest{})
	tCompiledClasses = reflect.TypeOf(compiledClasses{})
)

// fileStore models the live filesystem a "read_source" rule consults;
// tests mutate it to simulate edits between demands.
type fileStore struct {
	mu       sync.Mutex
	contents map[string]string
	reads    int
}

func (f *fileStore) read(path string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	return f.contents[path]
}

func buildTestGraph(t *testing.T, store *fileStore) (*Graph, ID) {
	t.Helper()
	readSource := &rules.Rule{
		Name:    "read_source",
		Product: tSourceDigest,
		Params:  []reflect.Type{tFilePath},
		Run: func(ctx context.Context, rc *rules.RuleContext) (any, error) {
			p, _ := rc.Params.Get(tFilePath)
			fp := p.Value().(filePath)
			return sourceDigest{hash: store.read(fp.path)}, nil
		},
	}
	compile := &rules.Rule{
		Name:    "compile",
		Product: tCompiledClasses,
		Params:  []reflect.Type{tFilePath},
		Gets:    []rules.GetSpec{{Product: tSourceDigest}},
		Run: func(ctx context.Context, rc *rules.RuleContext) (any, error) {
			empty, _ := address.NewParamTuple()
			v, err := rc.Get(ctx, tSourceDigest, empty)
			if err != nil {
				return nil, err
			}
			return compiledClasses{digest: "compiled:" + v.(sourceDigest).hash}, nil
		},
	}
	reg, err := rules.NewRegistry(readSource, compile)
	require.NoError(t, err)

	table, err := rules.Resolve(reg, []rules.Demand{{Product: tCompiledClasses, Params: []reflect.Type{tFilePath}}})
	require.NoError(t, err)

	g := New(reg, table, 4)
	readParams, err := address.NewParamTuple(address.NewParam(filePath{path: "foo.go"}))
	require.NoError(t, err)
	readID := idFor("read_source", readParams)
	return g, readID
}

func TestDemandResolvesChain(t *testing.T) {
	store := &fileStore{contents: map[string]string{"foo.go": "v1"}}
	g, _ := buildTestGraph(t, store)

	params, err := address.NewParamTuple(address.NewParam(filePath{path: "foo.go"}))
	require.NoError(t, err)

	result, err := g.Demand(context.Background(), tCompiledClasses, params)
	require.NoError(t, err)
	require.Equal(t, compiledClasses{digest: "compiled:v1"}, result)
}

func TestEarlyCutoffSkipsDependentRerun(t *testing.T) {
	store := &fileStore{contents: map[string]string{"foo.go": "v1"}}
	g, readID := buildTestGraph(t, store)
	params, err := address.NewParamTuple(address.NewParam(filePath{path: "foo.go"}))
	require.NoError(t, err)

	_, err = g.Demand(context.Background(), tCompiledClasses, params)
	require.NoError(t, err)
	compileID := idFor("compile", params)
	compileNode := g.peek(compileID)
	require.NotNil(t, compileNode)
	genBefore := compileNode.generation

	// Invalidate the source node but leave file contents unchanged: the
	// rule reruns (there is no content-diff to skip a re-read at this
	// layer) but produces an identical product, so early cutoff should
	// leave the dependent's generation untouched.
	g.Invalidate(readID)
	_, err = g.Demand(context.Background(), tCompiledClasses, params)
	require.NoError(t, err)

	require.Equal(t, genBefore, compileNode.generation, "unchanged dependency value must not bump the dependent's generation")
}

func TestInvalidationPropagatesOnRealChange(t *testing.T) {
	store := &fileStore{contents: map[string]string{"foo.go": "v1"}}
	g, readID := buildTestGraph(t, store)
	params, err := address.NewParamTuple(address.NewParam(filePath{path: "foo.go"}))
	require.NoError(t, err)

	first, err := g.Demand(context.Background(), tCompiledClasses, params)
	require.NoError(t, err)
	require.Equal(t, compiledClasses{digest: "compiled:v1"}, first)

	store.mu.Lock()
	store.contents["foo.go"] = "v2"
	store.mu.Unlock()
	g.Invalidate(readID)

	second, err := g.Demand(context.Background(), tCompiledClasses, params)
	require.NoError(t, err)
	require.Equal(t, compiledClasses{digest: "compiled:v2"}, second)
}

type compiledPackage struct{ digests []string }

var tCompiledPackage = reflect.TypeOf(compiledPackage{})

// buildGetManyGraph wires a "compile_many" rule that fans out a
// read_source get over several file paths via RuleContext.GetMany,
// matching spec.md §6's batched get_many primitive.
func buildGetManyGraph(t *testing.T, store *fileStore, paths []string) (*Graph, address.ParamTuple) {
	t.Helper()
	readSource := &rules.Rule{
		Name:    "read_source",
		Product: tSourceDigest,
		Params:  []reflect.Type{tFilePath},
		Run: func(ctx context.Context, rc *rules.RuleContext) (any, error) {
			p, _ := rc.Params.Get(tFilePath)
			fp := p.Value().(filePath)
			return sourceDigest{hash: store.read(fp.path)}, nil
		},
	}
	compileMany := &rules.Rule{
		Name:    "compile_many",
		Product: tCompiledPackage,
		Gets:    []rules.GetSpec{{Product: tSourceDigest, AdditionalParams: []reflect.Type{tFilePath}}},
		Run: func(ctx context.Context, rc *rules.RuleContext) (any, error) {
			specs := make([]rules.GetManySpec, len(paths))
			for i, p := range paths {
				additional, err := address.NewParamTuple(address.NewParam(filePath{path: p}))
				if err != nil {
					return nil, err
				}
				specs[i] = rules.GetManySpec{Product: tSourceDigest, Additional: additional}
			}
			results, err := rc.GetMany(ctx, specs)
			if err != nil {
				return nil, err
			}
			digests := make([]string, len(results))
			for i, r := range results {
				digests[i] = r.(sourceDigest).hash
			}
			return compiledPackage{digests: digests}, nil
		},
	}
	reg, err := rules.NewRegistry(readSource, compileMany)
	require.NoError(t, err)
	table, err := rules.Resolve(reg, []rules.Demand{{Product: tCompiledPackage}})
	require.NoError(t, err)
	g := New(reg, table, 4)
	empty, err := address.NewParamTuple()
	require.NoError(t, err)
	return g, empty
}

func TestGetManyResolvesBatchConcurrently(t *testing.T) {
	store := &fileStore{contents: map[string]string{"a.java": "A", "b.java": "B", "c.java": "C"}}
	paths := []string{"a.java", "b.java", "c.java"}
	g, empty := buildGetManyGraph(t, store, paths)

	result, err := g.Demand(context.Background(), tCompiledPackage, empty)
	require.NoError(t, err)
	require.Equal(t, compiledPackage{digests: []string{"A", "B", "C"}}, result)

	compileID := idFor("compile_many", empty)
	compileNode := g.peek(compileID)
	require.NotNil(t, compileNode)
	require.Len(t, compileNode.outEdges, len(paths), "every batched get must record its own outEdge")

	for _, p := range paths {
		readParams, err := address.NewParamTuple(address.NewParam(filePath{path: p}))
		require.NoError(t, err)
		readNode := g.peek(idFor("read_source", readParams))
		require.NotNil(t, readNode)
		require.Contains(t, readNode.dependents, compileID, "each batched target must register compile_many as a dependent")
	}
}

func TestGetManyPropagatesUndeclaredGetError(t *testing.T) {
	badMany := &rules.Rule{
		Name:    "bad_many",
		Product: tCompiledClasses,
		Run: func(ctx context.Context, rc *rules.RuleContext) (any, error) {
			empty, _ := address.NewParamTuple()
			_, err := rc.GetMany(ctx, []rules.GetManySpec{{Product: tSourceDigest, Additional: empty}})
			return nil, err
		},
	}
	reg, err := rules.NewRegistry(badMany)
	require.NoError(t, err)
	table, err := rules.Resolve(reg, []rules.Demand{{Product: tCompiledClasses}})
	require.NoError(t, err)
	g := New(reg, table, 2)

	empty, _ := address.NewParamTuple()
	_, err = g.Demand(context.Background(), tCompiledClasses, empty)
	require.Error(t, err, "a get for a product bad_many never declared must fail")
}

func TestUndeclaredGetErrors(t *testing.T) {
	badRule := &rules.Rule{
		Name:    "bad",
		Product: tCompiledClasses,
		Run: func(ctx context.Context, rc *rules.RuleContext) (any, error) {
			empty, _ := address.NewParamTuple()
			return rc.Get(ctx, tSourceDigest, empty)
		},
	}
	reg, err := rules.NewRegistry(badRule)
	require.NoError(t, err)
	table, err := rules.Resolve(reg, []rules.Demand{{Product: tCompiledClasses}})
	require.NoError(t, err)
	g := New(reg, table, 2)

	empty, _ := address.NewParamTuple()
	_, err = g.Demand(context.Background(), tCompiledClasses, empty)
	require.Error(t, err)
}
