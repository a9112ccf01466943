package gc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyDirRemovesContentsNotDirItself(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.txt"), []byte("b"), 0o644))

	require.NoError(t, EmptyDir(dir))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	_, err = os.Stat(dir)
	assert.NoError(t, err, "the directory itself must survive")
}

func TestEmptyDirMissingDirIsNotAnError(t *testing.T) {
	assert.NoError(t, EmptyDir(filepath.Join(t.TempDir(), "does-not-exist")))
}

func TestEmptyDirDoesNotFollowSymlinkOutOfBoundary(t *testing.T) {
	outside := t.TempDir()
	outsideFile := filepath.Join(outside, "keep.txt")
	require.NoError(t, os.WriteFile(outsideFile, []byte("keep"), 0o644))

	dir := t.TempDir()
	link := filepath.Join(dir, "escape")
	require.NoError(t, os.Symlink(outside, link))

	require.NoError(t, EmptyDir(dir))

	// The symlink itself is removed from dir, but its target is untouched.
	_, err := os.Lstat(link)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(outsideFile)
	assert.NoError(t, err, "a file outside the job_output_dir boundary must survive")
}

func TestRemoveTreeDeletesDirItself(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "victim")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "f"), []byte("x"), 0o644))

	require.NoError(t, RemoveTree(dir))

	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestRemoveTreeMissingDirIsNotAnError(t *testing.T) {
	assert.NoError(t, RemoveTree(filepath.Join(t.TempDir(), "nope")))
}
