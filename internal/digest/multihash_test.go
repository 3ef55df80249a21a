package digest

import "testing"

func TestMultihashRoundTrip(t *testing.T) {
	d := FromBytes([]byte("hello multihash"))

	encoded, err := d.Multihash()
	if err != nil {
		t.Fatalf("Multihash: %v", err)
	}

	decoded, err := FromMultihash(encoded, d.SizeBytes())
	if err != nil {
		t.Fatalf("FromMultihash: %v", err)
	}
	if decoded != d {
		t.Fatalf("round-tripped digest %v != original %v", decoded, d)
	}
}

func TestFromMultihashRejectsWrongCode(t *testing.T) {
	// A sha1 multihash (code 0x11): wrong code for this engine's digests.
	sha1ish := []byte{0x11, 0x14, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20}
	if _, err := FromMultihash(sha1ish, 0); err == nil {
		t.Fatal("expected error decoding a non-blake3 multihash code")
	}
}
