package exec

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"github.com/pantsbuild/corengine/internal/cas"
)

// collectOutputs walks sandboxDir for the paths named by desc's
// output_files and output_dirs and stores them as a single combined
// Directory tree (spec.md §4.B step 4d: "collect output_files and
// output_dirs into a single Directory, store it, obtain its digest").
// Declared outputs that are absent cause ErrMissingOutputs.
func collectOutputs(ctx context.Context, store cas.Store, sandboxDir string, desc *ProcessDescription) (*pb.Directory, error) {
	b := newTreeBuilder()
	for _, rel := range desc.OutputFiles {
		if err := b.addFile(ctx, store, sandboxDir, rel); err != nil {
			return nil, err
		}
	}
	for _, rel := range desc.OutputDirs {
		if err := b.addDir(ctx, store, sandboxDir, rel); err != nil {
			return nil, err
		}
	}
	return b.root.build(ctx, store)
}

// treeNode is an in-memory, not-yet-stored Directory being assembled.
type treeNode struct {
	files    map[string]*pb.FileNode
	symlinks map[string]*pb.SymlinkNode
	children map[string]*treeNode
}

func newTreeNodeValue() *treeNode {
	return &treeNode{
		files:    map[string]*pb.FileNode{},
		symlinks: map[string]*pb.SymlinkNode{},
		children: map[string]*treeNode{},
	}
}

type treeBuilder struct {
	root *treeNode
}

func newTreeBuilder() *treeBuilder { return &treeBuilder{root: newTreeNodeValue()} }

func (b *treeBuilder) descend(relDir string) *treeNode {
	node := b.root
	if relDir == "." || relDir == "" {
		return node
	}
	for _, part := range strings.Split(filepath.ToSlash(relDir), "/") {
		child, ok := node.children[part]
		if !ok {
			child = newTreeNodeValue()
			node.children[part] = child
		}
		node = child
	}
	return node
}

func (b *treeBuilder) addFile(ctx context.Context, store cas.Store, sandboxDir, rel string) error {
	abs := filepath.Join(sandboxDir, rel)
	info, err := os.Lstat(abs)
	if err != nil {
		return &StrategyError{Kind: ErrMissingOutputs, Err: fmt.Errorf("output file %q: %w", rel, err)}
	}
	dir := b.descend(filepath.Dir(rel))
	name := filepath.Base(rel)
	if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(abs)
		if err != nil {
			return err
		}
		dir.symlinks[name] = &pb.SymlinkNode{Name: name, Target: target}
		return nil
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("reading output file %q: %w", rel, err)
	}
	d, err := store.StoreBytes(ctx, data)
	if err != nil {
		return err
	}
	dir.files[name] = &pb.FileNode{
		Name:         name,
		Digest:       d.Proto(),
		IsExecutable: info.Mode()&0o111 != 0,
	}
	return nil
}

func (b *treeBuilder) addDir(ctx context.Context, store cas.Store, sandboxDir, rel string) error {
	abs := filepath.Join(sandboxDir, rel)
	if _, err := os.Stat(abs); err != nil {
		return &StrategyError{Kind: ErrMissingOutputs, Err: fmt.Errorf("output dir %q: %w", rel, err)}
	}
	return filepath.Walk(abs, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		relPath, err := filepath.Rel(sandboxDir, path)
		if err != nil {
			return err
		}
		return b.addFile(ctx, store, sandboxDir, relPath)
	})
}

// build recursively stores child directories bottom-up and returns
// the Directory value for this node (not yet stored — the caller
// decides whether to store the root).
func (n *treeNode) build(ctx context.Context, store cas.Store) (*pb.Directory, error) {
	dir := &pb.Directory{}
	for name := range n.files {
		dir.Files = append(dir.Files, n.files[name])
	}
	sort.Slice(dir.Files, func(i, j int) bool { return dir.Files[i].Name < dir.Files[j].Name })

	for name := range n.symlinks {
		dir.Symlinks = append(dir.Symlinks, n.symlinks[name])
	}
	sort.Slice(dir.Symlinks, func(i, j int) bool { return dir.Symlinks[i].Name < dir.Symlinks[j].Name })

	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		childDir, err := n.children[name].build(ctx, store)
		if err != nil {
			return nil, err
		}
		childDigest, err := store.StoreDirectory(ctx, childDir)
		if err != nil {
			return nil, err
		}
		dir.Directories = append(dir.Directories, &pb.DirectoryNode{Name: name, Digest: childDigest.Proto()})
	}
	return dir, nil
}
