package address

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fileExt string
type platform string

func TestAddressCanonical(t *testing.T) {
	a := Address{Path: "src/foo", Name: "lib", GeneratedName: "gen1"}
	require.Equal(t, "src/foo:lib#gen1", a.Canonical())

	b := Address{Path: "src/foo"}
	require.Equal(t, "src/foo", b.Canonical())
}

func TestParamTupleRejectsDuplicateTypes(t *testing.T) {
	_, err := NewParamTuple(NewParam(fileExt(".py")), NewParam(fileExt(".go")))
	require.Error(t, err)
}

func TestParamTupleSubsetAndUnion(t *testing.T) {
	small, err := NewParamTuple(NewParam(fileExt(".py")))
	require.NoError(t, err)

	big, err := NewParamTuple(NewParam(fileExt(".py")), NewParam(platform("linux")))
	require.NoError(t, err)

	require.True(t, small.IsSubsetOf(big))
	require.False(t, big.IsSubsetOf(small))

	union := small.Union(big)
	require.Equal(t, 2, union.Len())
}

func TestParamTupleKeyIsDeterministic(t *testing.T) {
	a, _ := NewParamTuple(NewParam(fileExt(".py")), NewParam(platform("linux")))
	b, _ := NewParamTuple(NewParam(platform("linux")), NewParam(fileExt(".py")))
	require.Equal(t, a.Key(), b.Key())
}
