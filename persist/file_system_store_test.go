package persist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSystemStore(t *testing.T) {
	baseDir := os.Getenv("FS_BASE_DIR")
	if baseDir == "" {
		baseDir = t.TempDir()
	} else {
		baseDir = filepath.Join(baseDir, "heirloom-test-run")
		_ = os.RemoveAll(baseDir)
		t.Cleanup(func() { _ = os.RemoveAll(baseDir) })
	}
	t.Logf("configuring FileSystemStore with baseDir: %s", baseDir)

	store, err := NewFileSystemStore(baseDir, testNamespace)
	require.NoError(t, err)

	testStoreImplementation(t, store)
}

func TestFileSystemStorePermissions(t *testing.T) {
	store, err := NewFileSystemStore(t.TempDir(), testNamespace)
	require.NoError(t, err)

	_, err = store.SaveState([]byte("sealed"), "")
	require.NoError(t, err)

	info, err := os.Stat(store.statePath)
	require.NoError(t, err)
	assert.Equal(t, FilePermissions, info.Mode().Perm())

	entries, err := os.ReadDir(store.namespacePath)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-", "temp files must not be left behind")
	}
}

func TestFileSystemStoreNamespacesAreIsolated(t *testing.T) {
	base := t.TempDir()

	a, err := NewFileSystemStore(base, "alpha")
	require.NoError(t, err)
	b, err := NewFileSystemStore(base, "beta")
	require.NoError(t, err)

	_, err = a.SaveState([]byte("alpha-state"), "")
	require.NoError(t, err)

	exists, err := b.StateExists()
	require.NoError(t, err)
	assert.False(t, exists)

	// stray directories without a descriptor are not namespaces
	require.NoError(t, os.MkdirAll(filepath.Join(base, "junk"), DirPermissions))

	namespaces, err := a.ListNamespaces()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, namespaces)
}

func TestFileSystemStoreDefaultNamespace(t *testing.T) {
	store, err := NewFileSystemStore(t.TempDir(), "")
	require.NoError(t, err)
	assert.Equal(t, "default", store.namespace)

	_, err = NewFileSystemStore(t.TempDir(), "../up")
	assert.Error(t, err)
}
