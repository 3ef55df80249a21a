// Package digest implements the canonical content-identity type used
// throughout the engine: a (hash, size) pair that uniquely identifies
// a byte sequence. See spec.md §3 "Digest".
package digest

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"lukechampine.com/blake3"
)

// hashSize is the digest length in bytes, shared by blake3-256 output
// and by REAPI's sha256 digest encoding; the wire shape (pb.Digest.Hash
// as a hex string of this length) is unaffected by which algorithm
// produced the bytes.
const hashSize = 32

// Digest is a pair (hash, size) that canonically identifies a blob or
// a serialized Directory. Two artifacts with equal digests are equal.
//
// Digest is a value type (comparable, usable as a map key) so that it
// can be used directly as node identity in internal/graph without a
// separate interning step.
type Digest struct {
	hash      [hashSize]byte
	sizeBytes int64
}

// Zero is the zero-value Digest, returned from constructors on error.
var Zero Digest

// FromBytes computes the canonical digest of b using blake3-256,
// matching the hash tvix's castore uses for its own Directory/blob
// digests (castore/protos/castore.go Directory.Digest). Storing the
// same bytes twice always yields the same digest (spec.md §8 "Digest
// determinism").
//
// This engine reuses REAPI's pb.Digest message shape (hex hash plus
// size) for its wire format without adopting REAPI's default SHA-256
// hash function; a deployment that must interoperate with an
// off-the-shelf REAPI remote executor would need to negotiate
// DigestFunction.BLAKE3 (present in the REAPI protocol since v2.1) or
// run the digest through New/FromProto's hex round-trip against a
// sha256-speaking peer, which is out of scope for this engine's own
// store and executor.
func FromBytes(b []byte) Digest {
	h := blake3.New(hashSize, nil)
	h.Write(b)
	var sum [hashSize]byte
	copy(sum[:], h.Sum(nil))
	return Digest{hash: sum, sizeBytes: int64(len(b))}
}

// New constructs a Digest from a hex-encoded hash and a size, validating
// both. Used when a digest arrives from the wire (REAPI) or from disk.
func New(hexHash string, sizeBytes int64) (Digest, error) {
	if len(hexHash) != hashSize*2 {
		return Zero, status.Errorf(codes.InvalidArgument, "invalid digest hash length: %d characters", len(hexHash))
	}
	raw, err := hex.DecodeString(hexHash)
	if err != nil {
		return Zero, status.Errorf(codes.InvalidArgument, "non-hexadecimal digest hash: %v", err)
	}
	if sizeBytes < 0 {
		return Zero, status.Errorf(codes.InvalidArgument, "invalid digest size: %d bytes", sizeBytes)
	}
	var d Digest
	copy(d.hash[:], raw)
	d.sizeBytes = sizeBytes
	return d, nil
}

// FromProto converts a REAPI wire digest into our value type.
func FromProto(pbd *pb.Digest) (Digest, error) {
	if pbd == nil {
		return Zero, status.Error(codes.InvalidArgument, "no digest provided")
	}
	return New(pbd.Hash, pbd.SizeBytes)
}

// Proto converts the digest to its REAPI wire representation.
func (d Digest) Proto() *pb.Digest {
	return &pb.Digest{
		Hash:      hex.EncodeToString(d.hash[:]),
		SizeBytes: d.sizeBytes,
	}
}

// Hex returns the hex-encoded hash.
func (d Digest) Hex() string { return hex.EncodeToString(d.hash[:]) }

// SizeBytes returns the exact serialized byte length.
func (d Digest) SizeBytes() int64 { return d.sizeBytes }

// IsZero reports whether d is the zero Digest.
func (d Digest) IsZero() bool { return d == Zero }

// String renders the digest as "hash-size". On-disk paths use RelPath
// instead; this form is the key of the local store's eviction index.
func (d Digest) String() string {
	return d.hash2() + "-" + strconv.FormatInt(d.sizeBytes, 10)
}

// MarshalText renders d in its "hash-size" String form, so Digest
// values survive encoding/json round-trips (e.g. the process cache).
func (d Digest) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// UnmarshalText parses the form produced by MarshalText.
func (d *Digest) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d Digest) hash2() string { return hex.EncodeToString(d.hash[:]) }

// RelPath returns the "<prefix>/<hash>" path fragment under which this
// digest's blob is stored, per spec.md §6.
func (d Digest) RelPath() string {
	h := d.Hex()
	return h[:2] + "/" + h
}

// Parse parses the "hash-size" form produced by String.
func Parse(s string) (Digest, error) {
	idx := strings.LastIndexByte(s, '-')
	if idx < 0 {
		return Zero, fmt.Errorf("malformed digest %q", s)
	}
	size, err := strconv.ParseInt(s[idx+1:], 10, 64)
	if err != nil {
		return Zero, fmt.Errorf("malformed digest size in %q: %w", s, err)
	}
	return New(s[:idx], size)
}
