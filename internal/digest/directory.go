package digest

import (
	"bytes"
	"fmt"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/proto"
)

// DirectoryEntryCount returns the number of immediate entries (files,
// symlinks and sub-directories) in d. Unlike tvix's DirectoryNode,
// REAPI's DirectoryNode carries no recursive size field, so the full
// transitive node count from spec.md §3 "Directory" requires walking
// the tree through the store (see cas.Store.ExpandDirectory).
func DirectoryEntryCount(d *pb.Directory) uint32 {
	return uint32(len(d.GetFiles()) + len(d.GetSymlinks()) + len(d.GetDirectories()))
}

// DirectoryDigest computes the canonical digest of a Directory message.
// Serialization is deterministic protobuf marshalling, matching the
// REAPI on-wire format (spec.md §6 "Directory serialization follows
// the REAPI Directory message format").
func DirectoryDigest(d *pb.Directory) (Digest, error) {
	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(d)
	if err != nil {
		return Zero, fmt.Errorf("marshalling directory: %w", err)
	}
	return FromBytes(b), nil
}

// isValidName rejects slashes, null bytes, '.', '..' and the empty
// string, matching castore's Directory entry-name restrictions.
func isValidName(n string) bool {
	if n == "" || n == "." || n == ".." {
		return false
	}
	return !bytes.ContainsAny([]byte(n), "/\x00")
}

// ValidateDirectory checks the invariants from spec.md §3: entries
// sorted by name, no duplicates across the three lists, no illegal
// names, and digests of the expected length.
func ValidateDirectory(d *pb.Directory) error {
	seen := make(map[string]struct{}, len(d.GetFiles())+len(d.GetDirectories())+len(d.GetSymlinks()))
	var lastDir, lastFile, lastSym string

	insertSorted := func(last *string, name string) error {
		if name <= *last && *last != "" {
			return fmt.Errorf("%q is not in sorted order", name)
		}
		*last = name
		return nil
	}
	insertOnce := func(name string) error {
		if _, ok := seen[name]; ok {
			return fmt.Errorf("duplicate entry name: %q", name)
		}
		seen[name] = struct{}{}
		return nil
	}

	for _, dn := range d.GetDirectories() {
		name := string(dn.GetName())
		if !isValidName(name) {
			return fmt.Errorf("invalid name for directory entry: %q", name)
		}
		if l := len(dn.GetDigest().GetHash()); l != 64 {
			return fmt.Errorf("invalid digest hash length for directory entry %q: %d", name, l)
		}
		if err := insertSorted(&lastDir, name); err != nil {
			return err
		}
		if err := insertOnce(name); err != nil {
			return err
		}
	}
	for _, fn := range d.GetFiles() {
		name := string(fn.GetName())
		if !isValidName(name) {
			return fmt.Errorf("invalid name for file entry: %q", name)
		}
		if l := len(fn.GetDigest().GetHash()); l != 64 {
			return fmt.Errorf("invalid digest hash length for file entry %q: %d", name, l)
		}
		if err := insertSorted(&lastFile, name); err != nil {
			return err
		}
		if err := insertOnce(name); err != nil {
			return err
		}
	}
	for _, sn := range d.GetSymlinks() {
		name := string(sn.GetName())
		if !isValidName(name) {
			return fmt.Errorf("invalid name for symlink entry: %q", name)
		}
		if err := insertSorted(&lastSym, name); err != nil {
			return err
		}
		if err := insertOnce(name); err != nil {
			return err
		}
	}
	return nil
}
