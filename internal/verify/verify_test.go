package verify_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/blit/internal/verify"
)

func TestHashFileDeterministic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("the quick brown fox"), 0644))

	h1, err := verify.HashFile(path)
	require.NoError(t, err)
	h2, err := verify.HashFile(path)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64, "hex-encoded 256-bit digest")
}

func TestHashFileMissing(t *testing.T) {
	_, err := verify.HashFile(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestFilesMatch(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.WriteFile(src, []byte("same bytes"), 0644))
	require.NoError(t, os.WriteFile(dst, []byte("same bytes"), 0644))

	assert.NoError(t, verify.Files(src, dst))
}

func TestFilesMismatch(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.WriteFile(src, []byte("same bytes"), 0644))
	require.NoError(t, os.WriteFile(dst, []byte("diff bytes"), 0644))

	err := verify.Files(src, dst)
	assert.ErrorContains(t, err, "checksum mismatch")
}
