package fs_test

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cachedisk/cachedisk/pkg/fs"
)

func TestMem_WriteReadRoundTrip(t *testing.T) {
	t.Parallel()

	m := fs.NewMem()
	require.NoError(t, m.WriteFile("/a/b.txt", []byte("hi"), 0o644))

	got, err := m.ReadFile("/a/b.txt")
	require.NoError(t, err)
	require.Equal(t, "hi", string(got))
}

func TestMem_FailNextConsumedOnce(t *testing.T) {
	t.Parallel()

	m := fs.NewMem()
	boom := io.ErrUnexpectedEOF
	m.FailNext("writefile", "/a.txt", boom)

	err := m.WriteFile("/a.txt", []byte("x"), 0o644)
	require.ErrorIs(t, err, boom)

	// Consumed: the next call goes through normally.
	require.NoError(t, m.WriteFile("/a.txt", []byte("y"), 0o644))

	got, err := m.ReadFile("/a.txt")
	require.NoError(t, err)
	require.Equal(t, "y", string(got))
}

func TestMem_RenameMovesContent(t *testing.T) {
	t.Parallel()

	m := fs.NewMem()
	require.NoError(t, m.WriteFile("/old", []byte("content"), 0o644))
	require.NoError(t, m.Rename("/old", "/new"))

	exists, err := m.Exists("/old")
	require.NoError(t, err)
	require.False(t, exists)

	got, err := m.ReadFile("/new")
	require.NoError(t, err)
	require.Equal(t, "content", string(got))
}

func TestMem_AppendOpenFile(t *testing.T) {
	t.Parallel()

	m := fs.NewMem()
	require.NoError(t, m.WriteFile("/log", []byte("a"), 0o644))

	f, err := m.OpenFile("/log", os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)

	_, err = f.Write([]byte("b"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got, err := m.ReadFile("/log")
	require.NoError(t, err)
	require.Equal(t, "ab", string(got))
}

func TestMem_RemoveAllDeletesChildren(t *testing.T) {
	t.Parallel()

	m := fs.NewMem()
	require.NoError(t, m.WriteFile("/dir/a", []byte("x"), 0o644))
	require.NoError(t, m.WriteFile("/dir/b", []byte("y"), 0o644))
	require.NoError(t, m.MkdirAll("/dir", 0o755))

	require.NoError(t, m.RemoveAll("/dir"))

	exists, err := m.Exists("/dir/a")
	require.NoError(t, err)
	require.False(t, exists)

	exists, err = m.Exists("/dir/b")
	require.NoError(t, err)
	require.False(t, exists)
}
