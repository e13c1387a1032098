package fs_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cachedisk/cachedisk/pkg/fs"
)

func TestReal_WriteFileAtomic_RoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "journal")

	r := fs.NewReal()
	require.NoError(t, r.WriteFileAtomic(path, []byte("hello"), 0o644))

	got, err := r.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))

	// A second write fully replaces the first; no leftover temp files.
	require.NoError(t, r.WriteFileAtomic(path, []byte("bye"), 0o644))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "journal", entries[0].Name())
}

func TestReal_Exists(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	r := fs.NewReal()

	ok, err := r.Exists(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	require.False(t, ok)

	path := filepath.Join(dir, "present")
	require.NoError(t, r.WriteFile(path, []byte("x"), 0o644))

	ok, err = r.Exists(path)
	require.NoError(t, err)
	require.True(t, ok)
}
