package cache

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cachedisk/cachedisk/pkg/fs"
)

func TestEditor_CommitRequiresAllValuesOnFirstPublish(t *testing.T) {
	c := mustOpen(t, fs.NewMem(), 1024, 2)

	ed, err := c.Edit("a")
	require.NoError(t, err)
	require.NoError(t, ed.Set(0, "only-one"))

	err = ed.Commit()
	require.ErrorIs(t, err, ErrIllegalState)

	// The slot must be free again; the failed commit aborted it.
	ed2, err := c.Edit("a")
	require.NoError(t, err)
	require.NotNil(t, ed2)
}

func TestEditor_NewOutputStreamAndInputStream(t *testing.T) {
	c := mustOpen(t, fs.NewMem(), 1024, 1)

	ed, err := c.Edit("a")
	require.NoError(t, err)

	w, err := ed.NewOutputStream(0)
	require.NoError(t, err)

	_, err = io.WriteString(w, "streamed")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.NoError(t, ed.Commit())

	ed2, err := c.Edit("a")
	require.NoError(t, err)

	r, err := ed2.NewInputStream(0)
	require.NoError(t, err)

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "streamed", string(data))
	require.NoError(t, r.Close())

	require.NoError(t, ed2.Set(0, "streamed"))
	require.NoError(t, ed2.Commit())
}

func TestEditor_GetStringBeforeFirstPublish(t *testing.T) {
	c := mustOpen(t, fs.NewMem(), 1024, 1)

	ed, err := c.Edit("a")
	require.NoError(t, err)

	_, ok, err := ed.GetString(0)
	require.NoError(t, err)
	require.False(t, ok, "a never-published entry has nothing to read")

	require.NoError(t, ed.Abort())
}

func TestEditor_AbortUnlessCommittedIsNoOpAfterCommit(t *testing.T) {
	c := mustOpen(t, fs.NewMem(), 1024, 1)

	ed, err := c.Edit("a")
	require.NoError(t, err)
	require.NoError(t, ed.Set(0, "v"))
	require.NoError(t, ed.Commit())

	// Already committed: AbortUnlessCommitted must be a no-op, not an error.
	require.NoError(t, ed.AbortUnlessCommitted())
}

func TestEditor_OperationsAfterCommitFail(t *testing.T) {
	c := mustOpen(t, fs.NewMem(), 1024, 1)

	ed, err := c.Edit("a")
	require.NoError(t, err)
	require.NoError(t, ed.Set(0, "v"))
	require.NoError(t, ed.Commit())

	err = ed.Set(0, "v2")
	require.ErrorIs(t, err, ErrIllegalState)

	err = ed.Commit()
	require.ErrorIs(t, err, ErrIllegalState)
}

func TestEditor_HasErrorsOnRepublishRemovesOldValue(t *testing.T) {
	fsys := fs.NewMem()
	c := mustOpen(t, fsys, 1024, 1)

	ed, err := c.Edit("a")
	require.NoError(t, err)
	require.NoError(t, ed.Set(0, "v1"))
	require.NoError(t, ed.Commit())

	ed2, err := c.Edit("a")
	require.NoError(t, err)
	require.NoError(t, ed2.Set(0, "v2"))

	// Inject a write failure that WriteFileAtomic itself reports, flipping
	// hasErrors without the test reaching into editor internals.
	fsys.FailNext("writefileatomic", "/cache/a.0.tmp", io.ErrClosedPipe)
	require.NoError(t, ed2.Set(0, "v2-bad"))

	err = ed2.Commit()
	require.ErrorIs(t, err, ErrIllegalState)

	snap, gerr := c.Get("a")
	require.NoError(t, gerr)
	require.Nil(t, snap, "hasErrors on a republish must remove the entry, not leave the old value")
}
