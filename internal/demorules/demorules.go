// Package demorules provides the small illustrative rule set used by
// cmd/pants and cmd/pantsd to exercise the engine end to end: reading
// a source file into the content store, then compiling it via the
// process executor's nailgun strategy, mirroring spec.md §4.B's own
// "javac classpath digest" illustration.
package demorules

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"github.com/pantsbuild/corengine/internal/address"
	"github.com/pantsbuild/corengine/internal/cas"
	"github.com/pantsbuild/corengine/internal/digest"
	"github.com/pantsbuild/corengine/internal/exec"
	"github.com/pantsbuild/corengine/internal/rules"
)

// SourceFile is a root parameter: the path to a JVM source file to
// compile.
type SourceFile struct {
	Path string
}

// SourceDigest is the product of reading SourceFile into the store.
type SourceDigest struct {
	Digest digest.Digest
}

// CompiledClasses is the product of compiling a SourceDigest: the
// digest of the output directory produced by javac.
type CompiledClasses struct {
	Digest digest.Digest
}

// SourceFileSet is a root parameter: a package's worth of JVM source
// files to compile together, read in parallel before the compile
// step runs (spec.md §6 "get_many").
type SourceFileSet struct {
	Paths []string
}

// CompiledPackage is the product of compiling a SourceFileSet: the
// digest of the output directory produced by javac over every source
// in the set.
type CompiledPackage struct {
	Digest digest.Digest
}

var (
	TSourceFile      = reflect.TypeOf(SourceFile{})
	TSourceDigest    = reflect.TypeOf(SourceDigest{})
	TCompiledClasses = reflect.TypeOf(CompiledClasses{})
	TSourceFileSet   = reflect.TypeOf(SourceFileSet{})
	TCompiledPackage = reflect.TypeOf(CompiledPackage{})
)

// Rules builds the registry's rule set: read_source, compile_classes
// and compile_package, wired against a concrete store and executor.
func Rules(store cas.Store, executor *exec.Executor) []*rules.Rule {
	return []*rules.Rule{
		{
			Name:    "read_source",
			Product: TSourceDigest,
			Params:  []reflect.Type{TSourceFile},
			Run: func(ctx context.Context, rc *rules.RuleContext) (any, error) {
				p, ok := rc.Params.Get(TSourceFile)
				if !ok {
					return nil, fmt.Errorf("read_source: missing SourceFile param")
				}
				src := p.Value().(SourceFile)
				b, err := os.ReadFile(src.Path)
				if err != nil {
					return nil, fmt.Errorf("reading %s: %w", src.Path, err)
				}
				d, err := store.StoreBytes(ctx, b)
				if err != nil {
					return nil, fmt.Errorf("storing %s: %w", src.Path, err)
				}
				return SourceDigest{Digest: d}, nil
			},
		},
		{
			Name:    "compile_classes",
			Product: TCompiledClasses,
			Params:  []reflect.Type{TSourceFile},
			Gets:    []rules.GetSpec{{Product: TSourceDigest}},
			Run: func(ctx context.Context, rc *rules.RuleContext) (any, error) {
				got, err := rc.Get(ctx, TSourceDigest, address.ParamTuple{})
				if err != nil {
					return nil, fmt.Errorf("compile_classes: getting source digest: %w", err)
				}
				sourceDigest := got.(SourceDigest).Digest
				inputDigest, err := store.StoreDirectory(ctx, &pb.Directory{Files: []*pb.FileNode{
					{Name: "Main.java", Digest: sourceDigest.Proto()},
				}})
				if err != nil {
					return nil, fmt.Errorf("compile_classes: storing input tree: %w", err)
				}

				desc := &exec.ProcessDescription{
					Argv:         []string{"javac", "-d", "out", "Main.java"},
					Platform:     "linux_x86_64",
					InputDigest:  inputDigest,
					OutputDirs:   []string{"out"},
					JDK:          "system",
					ExecStrategy: exec.StrategyNailgun,
				}
				result, err := executor.Execute(ctx, desc)
				if err != nil {
					return nil, fmt.Errorf("compile_classes: executing javac: %w", err)
				}
				return CompiledClasses{Digest: result.OutputDirectoryDigest}, nil
			},
		},
		{
			Name:    "compile_package",
			Product: TCompiledPackage,
			Params:  []reflect.Type{TSourceFileSet},
			Gets:    []rules.GetSpec{{Product: TSourceDigest, AdditionalParams: []reflect.Type{TSourceFile}}},
			Run: func(ctx context.Context, rc *rules.RuleContext) (any, error) {
				p, ok := rc.Params.Get(TSourceFileSet)
				if !ok {
					return nil, fmt.Errorf("compile_package: missing SourceFileSet param")
				}
				set := p.Value().(SourceFileSet)
				if len(set.Paths) == 0 {
					return nil, fmt.Errorf("compile_package: empty SourceFileSet")
				}

				specs := make([]rules.GetManySpec, len(set.Paths))
				for i, path := range set.Paths {
					additional, err := address.NewParamTuple(address.NewParam(SourceFile{Path: path}))
					if err != nil {
						return nil, fmt.Errorf("compile_package: building params for %s: %w", path, err)
					}
					specs[i] = rules.GetManySpec{Product: TSourceDigest, Additional: additional}
				}

				// Every source in the package is read in parallel: the
				// rule suspends once for the whole batch rather than once
				// per file.
				results, err := rc.GetMany(ctx, specs)
				if err != nil {
					return nil, fmt.Errorf("compile_package: reading sources: %w", err)
				}

				files := make([]*pb.FileNode, len(set.Paths))
				for i, path := range set.Paths {
					files[i] = &pb.FileNode{
						Name:   filepath.Base(path),
						Digest: results[i].(SourceDigest).Digest.Proto(),
					}
				}
				sort.Slice(files, func(i, j int) bool { return files[i].GetName() < files[j].GetName() })
				inputDigest, err := store.StoreDirectory(ctx, &pb.Directory{Files: files})
				if err != nil {
					return nil, fmt.Errorf("compile_package: storing input tree: %w", err)
				}

				argv := []string{"javac", "-d", "out"}
				for _, f := range files {
					argv = append(argv, f.GetName())
				}
				desc := &exec.ProcessDescription{
					Argv:         argv,
					Platform:     "linux_x86_64",
					InputDigest:  inputDigest,
					OutputDirs:   []string{"out"},
					JDK:          "system",
					ExecStrategy: exec.StrategyNailgun,
				}
				result, err := executor.Execute(ctx, desc)
				if err != nil {
					return nil, fmt.Errorf("compile_package: executing javac: %w", err)
				}
				return CompiledPackage{Digest: result.OutputDirectoryDigest}, nil
			},
		},
	}
}
