package cas

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pantsbuild/corengine/internal/digest"
)

// ErrIncomplete is returned by Materialize when a constituent of the
// tree is missing locally and remote backfill is disabled or fails
// (spec.md §4.A "materialize").
var ErrIncomplete = fmt.Errorf("materialize: tree incomplete")

// Materialize writes the tree rooted at d into destination, respecting
// file modes and symlinks. It tries the requested strategy first and
// falls back to a plain copy if the filesystem doesn't support it.
func (s *LocalStore) Materialize(ctx context.Context, d digest.Digest, dest string, strategy MaterializeStrategy) error {
	dir, err := s.LoadDirectory(ctx, d)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIncomplete, err)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	for _, f := range dir.GetFiles() {
		fd, err := digest.FromProto(f.GetDigest())
		if err != nil {
			return err
		}
		if err := s.materializeFile(ctx, fd, filepath.Join(dest, f.GetName()), f.GetIsExecutable(), strategy); err != nil {
			return fmt.Errorf("materializing file %s: %w", f.GetName(), err)
		}
	}
	for _, sl := range dir.GetSymlinks() {
		path := filepath.Join(dest, sl.GetName())
		_ = os.Remove(path)
		if err := os.Symlink(sl.GetTarget(), path); err != nil {
			return fmt.Errorf("materializing symlink %s: %w", sl.GetName(), err)
		}
	}
	for _, sub := range dir.GetDirectories() {
		subDigest, err := digest.FromProto(sub.GetDigest())
		if err != nil {
			return err
		}
		if err := s.Materialize(ctx, subDigest, filepath.Join(dest, sub.GetName()), strategy); err != nil {
			return err
		}
	}
	return nil
}

func (s *LocalStore) materializeFile(ctx context.Context, d digest.Digest, dest string, executable bool, strategy MaterializeStrategy) error {
	mode := os.FileMode(0o644)
	if executable {
		mode = 0o755
	}
	switch strategy {
	case StrategyHardlink, StrategySymlinkToImmutableCache:
		src := s.blobPath(d)
		info, err := os.Stat(src)
		if err != nil {
			break // fall through to copy, which will fetch via LoadBytes
		}
		// A hardlink or symlink destination shares the store blob's
		// inode: chmod-ing dest would chmod every other tree that
		// links the same content. Only safe when the blob already
		// carries the mode this file needs; otherwise fall through to
		// an independent copy rather than mutate shared, immutable
		// store state.
		if info.Mode().Perm() != mode.Perm() {
			break
		}
		_ = os.Remove(dest)
		var linkErr error
		if strategy == StrategyHardlink {
			linkErr = os.Link(src, dest)
		} else {
			linkErr = os.Symlink(src, dest)
		}
		if linkErr == nil {
			return nil
		}
		// fall through to copy on link failure (e.g. cross-device)
	case StrategyReflink:
		// Reflinks require filesystem-specific syscalls (e.g. FICLONE)
		// not exposed by the standard library; fall back to copy. A
		// production build would shell out to `cp --reflink=auto`.
	case StrategyCopy:
	}
	b, err := s.LoadBytes(ctx, d)
	if err != nil {
		return err
	}
	return os.WriteFile(dest, b, mode)
}
