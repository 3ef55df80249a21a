package digest

import (
	"fmt"

	mh "github.com/multiformats/go-multihash"
)

// Multihash encodes d into the self-describing multihash wire format
// (code || length || digest), used when bridging a digest to a system
// that identifies content by multihash rather than by this engine's
// own (hash, size) pair — e.g. a Nix binary cache consulted through
// EnsureRemote, or a multihash-addressed entry exported for external
// tooling to verify.
func (d Digest) Multihash() (mh.Multihash, error) {
	return mh.Encode(d.hash[:], mh.BLAKE3)
}

// FromMultihash decodes a BLAKE3-coded multihash plus its externally
// known size back into a Digest. sizeBytes must be supplied by the
// caller: multihash frames only the hash, not the object's length.
func FromMultihash(b []byte, sizeBytes int64) (Digest, error) {
	decoded, err := mh.Decode(b)
	if err != nil {
		return Zero, fmt.Errorf("decoding multihash: %w", err)
	}
	if decoded.Code != mh.BLAKE3 {
		return Zero, fmt.Errorf("unsupported multihash code %d, want blake3", decoded.Code)
	}
	if len(decoded.Digest) != hashSize {
		return Zero, fmt.Errorf("unexpected multihash digest length %d", len(decoded.Digest))
	}
	if sizeBytes < 0 {
		return Zero, fmt.Errorf("invalid size %d", sizeBytes)
	}
	var d Digest
	copy(d.hash[:], decoded.Digest)
	d.sizeBytes = sizeBytes
	return d, nil
}
