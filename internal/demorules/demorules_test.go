package demorules

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pantsbuild/corengine/internal/address"
	"github.com/pantsbuild/corengine/internal/cas"
	"github.com/pantsbuild/corengine/internal/rules"
)

func TestReadSourceRuleStoresFileContents(t *testing.T) {
	store, err := cas.NewLocalStore(t.TempDir(), 10<<20)
	require.NoError(t, err)
	defer store.Close()

	srcPath := filepath.Join(t.TempDir(), "Main.java")
	require.NoError(t, os.WriteFile(srcPath, []byte("class Main {}"), 0o644))

	readSource := Rules(store, nil)[0]
	require.Equal(t, "read_source", readSource.Name)

	params, err := address.NewParamTuple(address.NewParam(SourceFile{Path: srcPath}))
	require.NoError(t, err)
	rc := rules.NewRuleContext(params, nil, nil)

	value, err := readSource.Run(context.Background(), rc)
	require.NoError(t, err)

	got := value.(SourceDigest)
	loaded, err := store.LoadBytes(context.Background(), got.Digest)
	require.NoError(t, err)
	require.Equal(t, "class Main {}", string(loaded))
}

func TestReadSourceRuleMissingParam(t *testing.T) {
	store, err := cas.NewLocalStore(t.TempDir(), 10<<20)
	require.NoError(t, err)
	defer store.Close()

	readSource := Rules(store, nil)[0]
	rc := rules.NewRuleContext(address.ParamTuple{}, nil, nil)

	_, err = readSource.Run(context.Background(), rc)
	require.Error(t, err)
}
