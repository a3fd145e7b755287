package main

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.txt")
	content := []byte("scanned page contents")
	require.NoError(t, os.WriteFile(path, content, 0644))

	hash, size, err := hashFile(path)
	require.NoError(t, err)

	sum := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), hash)
	assert.Equal(t, int64(len(content)), size)
}

func TestHashFile_Missing(t *testing.T) {
	_, _, err := hashFile(filepath.Join(t.TempDir(), "nope.txt"))
	assert.Error(t, err)
}

func TestCollectFiles(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "nested")
	require.NoError(t, os.Mkdir(sub, 0755))

	a := filepath.Join(dir, "a.pdf")
	b := filepath.Join(sub, "b.pdf")
	require.NoError(t, os.WriteFile(a, []byte("a"), 0644))
	require.NoError(t, os.WriteFile(b, []byte("b"), 0644))

	// A directory argument walks recursively.
	paths, err := collectFiles([]string{dir})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a, b}, paths)

	// A file argument passes through.
	paths, err = collectFiles([]string{a})
	require.NoError(t, err)
	assert.Equal(t, []string{a}, paths)
}

func TestCollectFiles_Missing(t *testing.T) {
	_, err := collectFiles([]string{filepath.Join(t.TempDir(), "nope")})
	assert.Error(t, err)
}
