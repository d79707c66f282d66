package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_Fetch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mod.wasm")
	require.NoError(t, os.WriteFile(path, []byte("wasm bytes"), 0o644))

	data, err := NewFileStore().Fetch(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []byte("wasm bytes"), data)
}

func TestFileStore_Missing(t *testing.T) {
	_, err := NewFileStore().Fetch(context.Background(), "/no/such/artifact.wasm")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/no/such/artifact.wasm")
}

func TestVerifyDigest(t *testing.T) {
	data := []byte("payload")
	d := Digest(data)
	assert.Len(t, d, 64)

	assert.NoError(t, VerifyDigest(data, d))
	assert.NoError(t, VerifyDigest(data, ""), "unpinned manifests skip verification")

	err := VerifyDigest([]byte("tampered"), d)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "digest mismatch")
}
