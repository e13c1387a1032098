package cache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cachedisk/cachedisk/pkg/fs"
)

func TestRecovery_CorruptJournalWipesDirectory(t *testing.T) {
	fsys := fs.NewMem()

	require.NoError(t, fsys.MkdirAll("/cache", 0o755))
	require.NoError(t, fsys.WriteFile("/cache/journal", []byte("not a valid header\n"), 0o644))
	require.NoError(t, fsys.WriteFile("/cache/stray.0", []byte("leftover"), 0o644))

	c, err := Open(Options{Dir: "/cache", AppVersion: 1, V: 1, MaxSize: 1024, FS: fsys})
	require.NoError(t, err)
	defer c.Close()

	require.Equal(t, 0, c.Stats().EntryCount)

	exists, err := fsys.Exists("/cache/stray.0")
	require.NoError(t, err)
	require.False(t, exists, "a corrupt journal wipes the whole directory")
}

func TestRecovery_DanglingDirtyIsDiscarded(t *testing.T) {
	fsys := fs.NewMem()
	c1 := mustOpen(t, fsys, 1024, 1)

	ed, err := c1.Edit("a")
	require.NoError(t, err)
	require.NoError(t, ed.Set(0, "never-committed"))
	// Simulate a crash: the journal has a DIRTY line for "a" with no
	// matching CLEAN, and the directory is reopened while c1 is still open
	// with the edit unfinished.
	require.NoError(t, c1.j.w.Sync())

	c2, err := Open(Options{Dir: "/cache", AppVersion: 1, V: 1, MaxSize: 1024, FS: fsys})
	require.NoError(t, err)
	defer c2.Close()

	snap, err := c2.Get("a")
	require.NoError(t, err)
	require.Nil(t, snap, "a dangling DIRTY with no CLEAN must not surface a readable entry")
}

func TestRecovery_BackupPromotedWhenJournalMissing(t *testing.T) {
	fsys := fs.NewMem()
	c1 := mustOpen(t, fsys, 1024, 1)

	set(t, c1, "a", "v")
	require.NoError(t, c1.j.rebuild(c1.index.all()))

	journalBytes, err := fsys.ReadFile(journalPath("/cache"))
	require.NoError(t, err)

	// Simulate a crash between "rename journal -> journal.bkp" and
	// "rename journal.tmp -> journal": only the backup exists.
	require.NoError(t, c1.Close())
	require.NoError(t, fsys.WriteFile(journalBkpPath("/cache"), journalBytes, 0o644))
	require.NoError(t, fsys.Remove(journalPath("/cache")))

	c2, err := Open(Options{Dir: "/cache", AppVersion: 1, V: 1, MaxSize: 1024, FS: fsys})
	require.NoError(t, err)
	defer c2.Close()

	v, ok := getString(t, c2, "a", 0)
	require.True(t, ok)
	require.Equal(t, "v", v)

	bkpExists, err := fsys.Exists(journalBkpPath("/cache"))
	require.NoError(t, err)
	require.False(t, bkpExists, "the backup must be consumed, not left behind")
}

func TestRecovery_BothJournalAndBackupPresentDiscardsBackup(t *testing.T) {
	fsys := fs.NewMem()
	c1 := mustOpen(t, fsys, 1024, 1)

	set(t, c1, "a", "v")
	require.NoError(t, c1.Close())

	journalBytes, err := fsys.ReadFile(journalPath("/cache"))
	require.NoError(t, err)
	require.NoError(t, fsys.WriteFile(journalBkpPath("/cache"), journalBytes, 0o644))

	c2, err := Open(Options{Dir: "/cache", AppVersion: 1, V: 1, MaxSize: 1024, FS: fsys})
	require.NoError(t, err)
	defer c2.Close()

	bkpExists, err := fsys.Exists(journalBkpPath("/cache"))
	require.NoError(t, err)
	require.False(t, bkpExists, "a stale backup from an already-completed swap is discarded")
}
