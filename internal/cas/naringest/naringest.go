// Package naringest ingests Nix Archive (NAR) streams directly into
// the content-addressed store, adapting the stack-based tree builder
// nar-bridge uses for tvix's castore onto internal/cas's REAPI-shaped
// Directory messages. This is a supplemental ingestion path (not part
// of spec.md's core component set) for seeding the store from
// Nix-built artifacts without a separate conversion step.
package naringest

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/nix-community/go-nix/pkg/nar"

	"github.com/pantsbuild/corengine/internal/cas"
	"github.com/pantsbuild/corengine/internal/digest"
)

// Root describes the single top-level entry a NAR may hold: a plain
// file, a symlink, or a directory tree.
type Root struct {
	Kind   cas.EntryKind
	Digest digest.Digest // zero for symlinks
	Target string        // set only for symlinks
}

// Result is the outcome of ingesting one NAR stream.
type Result struct {
	Root      Root
	NARSize   uint64
	NARSha256 []byte
}

type stackItem struct {
	path string
	dir  *pb.Directory
}

// Import reads a NAR from r, storing every blob and Directory it
// contains into store, and returns the root entry plus the NAR's own
// size and digest (Nix identifies NARs by hashing the serialized
// archive itself, independently of the tree's own Directory digest).
func Import(ctx context.Context, store cas.Store, r io.Reader) (*Result, error) {
	narCount := &countingWriter{}
	narSha256 := sha256.New()
	narReader, err := nar.NewReader(io.TeeReader(r, io.MultiWriter(narCount, narSha256)))
	if err != nil {
		return nil, fmt.Errorf("opening nar reader: %w", err)
	}
	defer narReader.Close()

	var rootSymlink *Root
	var rootFile *Root
	var rootDirDigest digest.Digest
	var haveRootDir bool
	var stack []stackItem

	popFromStack := func() error {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		dirDigest, err := store.StoreDirectory(ctx, top.dir)
		if err != nil {
			return fmt.Errorf("storing directory %s: %w", top.path, err)
		}
		if len(stack) > 0 {
			parent := stack[len(stack)-1].dir
			parent.Directories = append(parent.Directories, &pb.DirectoryNode{
				Name:   basename(top.path),
				Digest: dirDigest.Proto(),
			})
		} else {
			rootDirDigest = dirDigest
			haveRootDir = true
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		hdr, err := narReader.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("reading nar entry: %w", err)
			}
			for len(stack) > 0 {
				if err := popFromStack(); err != nil {
					return nil, err
				}
			}
			result := &Result{NARSize: narCount.n, NARSha256: narSha256.Sum(nil)}
			switch {
			case rootFile != nil:
				result.Root = *rootFile
			case rootSymlink != nil:
				result.Root = *rootSymlink
			case haveRootDir:
				result.Root = Root{Kind: cas.EntryDirectory, Digest: rootDirDigest}
			default:
				return nil, fmt.Errorf("nar stream had no root entry")
			}
			return result, nil
		}

		for len(stack) > 1 && !strings.HasPrefix(hdr.Path, stack[len(stack)-1].path+"/") {
			if err := popFromStack(); err != nil {
				return nil, err
			}
		}

		switch hdr.Type {
		case nar.TypeSymlink:
			node := Root{Kind: cas.EntrySymlink, Target: hdr.LinkTarget}
			if len(stack) == 0 {
				rootSymlink = &node
			}
			// Symlinks nested under a directory are recorded here, directly
			// on the parent's pb.Directory, since go-nix surfaces them
			// identically to top-level entries.
			if len(stack) > 0 {
				parent := stack[len(stack)-1].dir
				parent.Symlinks = append(parent.Symlinks, &pb.SymlinkNode{
					Name:   basename(hdr.Path),
					Target: hdr.LinkTarget,
				})
			}

		case nar.TypeRegular:
			counted := &countingWriter{}
			blobDigest, err := storeBlobFromReader(ctx, store, io.TeeReader(narReader, counted))
			if err != nil {
				return nil, fmt.Errorf("storing file blob at %s: %w", hdr.Path, err)
			}
			if counted.n != uint64(hdr.Size) {
				return nil, fmt.Errorf("nar file %s: read %d bytes, header declared %d", hdr.Path, counted.n, hdr.Size)
			}
			if len(stack) == 0 {
				rootFile = &Root{Kind: cas.EntryFile, Digest: blobDigest}
			} else {
				parent := stack[len(stack)-1].dir
				parent.Files = append(parent.Files, &pb.FileNode{
					Name:         basename(hdr.Path),
					Digest:       blobDigest.Proto(),
					IsExecutable: hdr.Executable,
				})
			}

		case nar.TypeDirectory:
			stack = append(stack, stackItem{path: hdr.Path, dir: &pb.Directory{}})
		}
	}
}

func basename(p string) string {
	b := path.Base(p)
	if b == "/" {
		return ""
	}
	return b
}

func storeBlobFromReader(ctx context.Context, store cas.Store, r io.Reader) (digest.Digest, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return digest.Zero, err
	}
	return store.StoreBytes(ctx, b)
}

type countingWriter struct{ n uint64 }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += uint64(len(p))
	return len(p), nil
}
