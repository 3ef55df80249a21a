package cas

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/stretchr/testify/require"

	"github.com/pantsbuild/corengine/internal/digest"
)

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(t.TempDir(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreBytesRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d, err := s.StoreBytes(ctx, []byte("hello world"))
	require.NoError(t, err)

	got, err := s.LoadBytes(ctx, d)
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), got)
}

func TestStoreBytesIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d1, err := s.StoreBytes(ctx, []byte("same bytes"))
	require.NoError(t, err)
	d2, err := s.StoreBytes(ctx, []byte("same bytes"))
	require.NoError(t, err)
	require.Equal(t, d1, d2)
}

func TestLoadBytesMissingIsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.LoadBytes(context.Background(), digest.FromBytes([]byte("never stored")))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreDirectoryRoundTripAndExpand(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fileDigest, err := s.StoreBytes(ctx, []byte("package main"))
	require.NoError(t, err)

	dir := &pb.Directory{
		Files: []*pb.FileNode{
			{Name: "main.go", Digest: fileDigest.Proto()},
		},
	}
	dirDigest, err := s.StoreDirectory(ctx, dir)
	require.NoError(t, err)

	dirDigest2, err := s.StoreDirectory(ctx, dir)
	require.NoError(t, err)
	require.Equal(t, dirDigest, dirDigest2, "equal Directory values must digest identically")

	entries, err := s.ExpandDirectory(ctx, dirDigest)
	require.NoError(t, err)
	var got []ExpandEntry
	for e := range entries {
		got = append(got, e)
	}
	require.Len(t, got, 1)
	require.Equal(t, "main.go", got[0].Path)
	require.Equal(t, fileDigest, got[0].Digest)
}

func TestMaterializeWritesTree(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fileDigest, err := s.StoreBytes(ctx, []byte("content"))
	require.NoError(t, err)
	dir := &pb.Directory{
		Files: []*pb.FileNode{{Name: "a.txt", Digest: fileDigest.Proto()}},
	}
	dirDigest, err := s.StoreDirectory(ctx, dir)
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "out")
	require.NoError(t, s.Materialize(ctx, dirDigest, dest, StrategyCopy))

	got, err := os.ReadFile(filepath.Join(dest, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, []byte("content"), got)
}

func TestMaterializeHardlinkSharesInodeForNonExecutable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fileDigest, err := s.StoreBytes(ctx, []byte("content"))
	require.NoError(t, err)
	dir := &pb.Directory{
		Files: []*pb.FileNode{{Name: "a.txt", Digest: fileDigest.Proto()}},
	}
	dirDigest, err := s.StoreDirectory(ctx, dir)
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "out")
	require.NoError(t, s.Materialize(ctx, dirDigest, dest, StrategyHardlink))

	destPath := filepath.Join(dest, "a.txt")
	got, err := os.ReadFile(destPath)
	require.NoError(t, err)
	require.Equal(t, []byte("content"), got)

	destInfo, err := os.Stat(destPath)
	require.NoError(t, err)
	srcInfo, err := os.Stat(s.blobPath(fileDigest))
	require.NoError(t, err)
	require.True(t, os.SameFile(destInfo, srcInfo), "hardlink must share the store blob's inode")
}

func TestMaterializeHardlinkFallsBackToCopyWhenModeDiffers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fileDigest, err := s.StoreBytes(ctx, []byte("#!/bin/sh\necho hi\n"))
	require.NoError(t, err)
	dir := &pb.Directory{
		Files: []*pb.FileNode{{Name: "run.sh", Digest: fileDigest.Proto(), IsExecutable: true}},
	}
	dirDigest, err := s.StoreDirectory(ctx, dir)
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "out")
	require.NoError(t, s.Materialize(ctx, dirDigest, dest, StrategyHardlink))

	destPath := filepath.Join(dest, "run.sh")
	destInfo, err := os.Stat(destPath)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o755), destInfo.Mode().Perm())

	srcInfo, err := os.Stat(s.blobPath(fileDigest))
	require.NoError(t, err)
	require.False(t, os.SameFile(destInfo, srcInfo), "store blob must keep its own mode, not the executable file's")
}

func TestMaterializeSymlinkToImmutableCacheSharesContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fileDigest, err := s.StoreBytes(ctx, []byte("cached content"))
	require.NoError(t, err)
	dir := &pb.Directory{
		Files: []*pb.FileNode{{Name: "cached.txt", Digest: fileDigest.Proto()}},
	}
	dirDigest, err := s.StoreDirectory(ctx, dir)
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "out")
	require.NoError(t, s.Materialize(ctx, dirDigest, dest, StrategySymlinkToImmutableCache))

	destPath := filepath.Join(dest, "cached.txt")
	target, err := os.Readlink(destPath)
	require.NoError(t, err)
	require.Equal(t, s.blobPath(fileDigest), target)

	got, err := os.ReadFile(destPath)
	require.NoError(t, err)
	require.Equal(t, []byte("cached content"), got)
}

func TestRetainPreventsEviction(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir(), 1) // tiny quota forces eviction pressure
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	// Retain before storing: with a 1-byte quota an unretained blob is
	// evicted by its own StoreBytes call.
	s.Retain(digest.FromBytes([]byte("retained blob contents")))
	d, err := s.StoreBytes(ctx, []byte("retained blob contents"))
	require.NoError(t, err)

	// Store enough additional data to trigger eviction scanning.
	for i := 0; i < 8; i++ {
		_, err := s.StoreBytes(ctx, []byte{byte(i), byte(i + 1), byte(i + 2)})
		require.NoError(t, err)
	}

	// The blob must still be on disk, not only in the in-memory hot cache.
	require.FileExists(t, s.blobPath(d))
	got, err := s.LoadBytes(ctx, d)
	require.NoError(t, err)
	require.Equal(t, []byte("retained blob contents"), got)
	s.Release(d)
}
