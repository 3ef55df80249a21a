package digest

import (
	"testing"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/stretchr/testify/require"
)

func TestFromBytesIsDeterministic(t *testing.T) {
	a := FromBytes([]byte("hello world"))
	b := FromBytes([]byte("hello world"))
	require.Equal(t, a, b)
	require.Equal(t, int64(len("hello world")), a.SizeBytes())
}

func TestRoundTripProto(t *testing.T) {
	d := FromBytes([]byte("roundtrip"))
	got, err := FromProto(d.Proto())
	require.NoError(t, err)
	require.Equal(t, d, got)
}

func TestParseString(t *testing.T) {
	d := FromBytes([]byte("parseme"))
	got, err := Parse(d.String())
	require.NoError(t, err)
	require.Equal(t, d, got)
}

func TestNewRejectsBadHash(t *testing.T) {
	_, err := New("not-hex", 0)
	require.Error(t, err)
}

func TestValidateDirectoryRejectsUnsorted(t *testing.T) {
	dir := &pb.Directory{
		Files: []*pb.FileNode{
			{Name: "b.txt", Digest: &pb.Digest{Hash: FromBytes([]byte("b")).Hex(), SizeBytes: 1}},
			{Name: "a.txt", Digest: &pb.Digest{Hash: FromBytes([]byte("a")).Hex(), SizeBytes: 1}},
		},
	}
	require.Error(t, ValidateDirectory(dir))
}

func TestValidateDirectoryRejectsDuplicateAcrossLists(t *testing.T) {
	hash := FromBytes([]byte("x")).Hex()
	dir := &pb.Directory{
		Files: []*pb.FileNode{
			{Name: "dup", Digest: &pb.Digest{Hash: hash, SizeBytes: 1}},
		},
		Symlinks: []*pb.SymlinkNode{
			{Name: "dup", Target: "/elsewhere"},
		},
	}
	require.Error(t, ValidateDirectory(dir))
}

func TestDirectoryDigestDeterministic(t *testing.T) {
	hash := FromBytes([]byte("child")).Hex()
	dir := &pb.Directory{
		Files: []*pb.FileNode{
			{Name: "a.txt", Digest: &pb.Digest{Hash: hash, SizeBytes: 5}},
		},
	}
	d1, err := DirectoryDigest(dir)
	require.NoError(t, err)
	d2, err := DirectoryDigest(dir)
	require.NoError(t, err)
	require.Equal(t, d1, d2)
}
