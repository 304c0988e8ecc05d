package discovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeStage(t *testing.T, root, id string, files ...string) {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, name := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
}

func TestDiscoverFindsStageDirectories(t *testing.T) {
	root := t.TempDir()
	writeStage(t, root, "validate", "worker.md")
	writeStage(t, root, "build", "a.md", "b.md")

	scanner := NewScanner(root)
	dirs, err := scanner.Discover(false)
	require.NoError(t, err)
	require.Len(t, dirs, 2)
	assert.Len(t, dirs["build"].Members, 2)
	assert.Equal(t, "worker.md", dirs["validate"].Members[0].Name)
}

func TestDiscoverIgnoresHiddenEntries(t *testing.T) {
	root := t.TempDir()
	writeStage(t, root, "design", ".hidden", "plan.md")
	writeStage(t, root, ".git", "config")

	scanner := NewScanner(root)
	dirs, err := scanner.Discover(false)
	require.NoError(t, err)
	require.Len(t, dirs, 1)
	require.Len(t, dirs["design"].Members, 1)
	assert.Equal(t, "plan.md", dirs["design"].Members[0].Name)
}

func TestMissingRootYieldsEmptyResult(t *testing.T) {
	scanner := NewScanner(filepath.Join(t.TempDir(), "never-created"))
	dirs, err := scanner.Discover(false)
	require.NoError(t, err)
	assert.Empty(t, dirs)

	ok, err := scanner.Exists("anything")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCacheServesStaleUntilForced(t *testing.T) {
	root := t.TempDir()
	writeStage(t, root, "validate", "v.md")

	scanner := NewScanner(root)
	_, err := scanner.Discover(false)
	require.NoError(t, err)

	writeStage(t, root, "release", "r.md")

	ok, err := scanner.Exists("release")
	require.NoError(t, err)
	assert.False(t, ok, "cache must not see stages added after the scan")

	dirs, err := scanner.Discover(true)
	require.NoError(t, err)
	assert.Contains(t, dirs, "release")

	ok, err = scanner.Exists("release")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGetReturnsCachedDir(t *testing.T) {
	root := t.TempDir()
	writeStage(t, root, "build", "notes.md")

	scanner := NewScanner(root)
	dir, ok, err := scanner.Get("build")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(root, "build"), dir.Path)

	_, ok, err = scanner.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}
