package cache

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cachedisk/cachedisk/pkg/fs"
)

const (
	journalMagic   = "libcore.io.DiskLruCache"
	journalVersion = "1"

	journalFileName = "journal"
	journalTmpName  = "journal.tmp"
	journalBkpName  = "journal.bkp"

	opDirty  = "DIRTY"
	opClean  = "CLEAN"
	opRead   = "READ"
	opRemove = "REMOVE"
)

// journal is the append-only textual log described in §4.3: a 5-line
// header followed by DIRTY/CLEAN/READ/REMOVE operation lines. Compaction
// rewrites the journal to one line per live entry via a crash-safe
// tmp -> bkp -> journal swap.
type journal struct {
	fsys fs.FS
	dir  string

	appVersion int64
	v          int

	w                fs.File
	redundantOpCount int
}

func journalPath(dir string) string    { return filepath.Join(dir, journalFileName) }
func journalTmpPath(dir string) string { return filepath.Join(dir, journalTmpName) }
func journalBkpPath(dir string) string { return filepath.Join(dir, journalBkpName) }

// promoteBackup implements §4.3/§4.6 step 1: at open, if journal.bkp exists
// and journal does not, promote it; if both exist, the bkp is a stale
// leftover from an interrupted swap whose journal rename already succeeded
// and is discarded.
func promoteBackup(fsys fs.FS, dir string) error {
	bkpExists, err := fsys.Exists(journalBkpPath(dir))
	if err != nil {
		return err
	}

	if !bkpExists {
		return nil
	}

	journalExists, err := fsys.Exists(journalPath(dir))
	if err != nil {
		return err
	}

	if journalExists {
		return fsys.Remove(journalBkpPath(dir))
	}

	return fsys.Rename(journalBkpPath(dir), journalPath(dir))
}

// headerLines returns the exact 5-line header for this journal.
func headerLines(appVersion int64, v int) []string {
	return []string{
		journalMagic,
		journalVersion,
		strconv.FormatInt(appVersion, 10),
		strconv.Itoa(v),
		"",
	}
}

// parseHeader validates the 5 header lines read via a [lineReader]. Any
// mismatch is a corrupt journal.
func parseHeader(lr *lineReader, appVersion int64, v int) error {
	want := headerLines(appVersion, v)

	for _, w := range want {
		line, err := lr.readLine()
		if err != nil {
			return errCacheCorrupt
		}

		if line != w {
			return errCacheCorrupt
		}
	}

	return nil
}

// openAppendWriter opens the journal for appending, creating it if absent.
func openAppendWriter(fsys fs.FS, dir string) (fs.File, error) {
	return fsys.OpenFile(journalPath(dir), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
}

// openJournalForReplay opens the journal for reading during recovery.
func openJournalForReplay(fsys fs.FS, dir string) (fs.File, error) {
	return fsys.Open(journalPath(dir))
}

// appendLine writes line+LF to the journal writer. If durable, the write is
// fsynced before returning, matching the DIRTY/CLEAN/REMOVE flush
// requirement; READ lines pass durable=false and may remain buffered in the
// OS page cache.
func (j *journal) appendLine(line string, durable bool) error {
	if _, err := j.w.Write([]byte(line + "\n")); err != nil {
		return err
	}

	if durable {
		return j.w.Sync()
	}

	return nil
}

func (j *journal) appendDirty(key string) error {
	return j.appendLine(opDirty+" "+key, true)
}

func (j *journal) appendClean(key string, lengths []int64) error {
	parts := make([]string, 0, len(lengths)+2)
	parts = append(parts, opClean, key)

	for _, l := range lengths {
		parts = append(parts, strconv.FormatInt(l, 10))
	}

	return j.appendLine(strings.Join(parts, " "), true)
}

func (j *journal) appendRead(key string) error {
	return j.appendLine(opRead+" "+key, false)
}

func (j *journal) appendRemove(key string) error {
	return j.appendLine(opRemove+" "+key, true)
}

// shouldCompact implements the two-condition compaction trigger from §4.3.
func shouldCompact(redundantOpCount, lruLen int) bool {
	return redundantOpCount >= 2000 && redundantOpCount >= lruLen
}

// rebuild performs compaction: write journal.tmp containing only the header
// and one line per live entry (DIRTY if an editor is in flight, else CLEAN),
// then swap it into place per §4.3's crash-safe sequence. The caller holds
// the cache lock and must close/reopen nothing else concurrently.
func (j *journal) rebuild(entries []*entry) error {
	if j.w != nil {
		_ = j.w.Close()

		j.w = nil
	}

	tmp, err := j.fsys.Create(journalTmpPath(j.dir))
	if err != nil {
		return err
	}

	for _, line := range headerLines(j.appVersion, j.v) {
		if _, err := tmp.Write([]byte(line + "\n")); err != nil {
			_ = tmp.Close()

			return err
		}
	}

	for _, e := range entries {
		if e.currentEditor != nil {
			if _, err := tmp.Write([]byte(opDirty + " " + e.key + "\n")); err != nil {
				_ = tmp.Close()

				return err
			}

			continue
		}

		if !e.readable {
			continue
		}

		parts := make([]string, 0, len(e.lengths)+2)
		parts = append(parts, opClean, e.key)

		for _, l := range e.lengths {
			parts = append(parts, strconv.FormatInt(l, 10))
		}

		if _, err := tmp.Write([]byte(strings.Join(parts, " ") + "\n")); err != nil {
			_ = tmp.Close()

			return err
		}
	}

	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()

		return err
	}

	if err := tmp.Close(); err != nil {
		return err
	}

	if err := j.swapTmpIntoPlace(); err != nil {
		return err
	}

	w, err := openAppendWriter(j.fsys, j.dir)
	if err != nil {
		return err
	}

	j.w = w
	j.redundantOpCount = 0

	return nil
}

// swapTmpIntoPlace implements §4.3's sequence: rename journal -> journal.bkp
// (if journal exists), rename journal.tmp -> journal, delete journal.bkp.
// Rename-to-existing is performed as delete-then-rename, matching the
// external-collaborator contract in §6 (rename may not overwrite).
func (j *journal) swapTmpIntoPlace() error {
	exists, err := j.fsys.Exists(journalPath(j.dir))
	if err != nil {
		return err
	}

	if exists {
		if err := j.fsys.Rename(journalPath(j.dir), journalBkpPath(j.dir)); err != nil {
			return err
		}
	}

	if err := renameReplacing(j.fsys, journalTmpPath(j.dir), journalPath(j.dir)); err != nil {
		return err
	}

	if exists {
		if err := j.fsys.Remove(journalBkpPath(j.dir)); err != nil {
			return err
		}
	}

	return nil
}

// renameReplacing renames oldpath to newpath, deleting any existing file at
// newpath first (the external rename contract is not guaranteed to replace
// an existing destination).
func renameReplacing(fsys fs.FS, oldpath, newpath string) error {
	exists, err := fsys.Exists(newpath)
	if err != nil {
		return err
	}

	if exists {
		if err := fsys.Remove(newpath); err != nil {
			return err
		}
	}

	return fsys.Rename(oldpath, newpath)
}

func (j *journal) close() error {
	if j.w == nil {
		return nil
	}

	err := j.w.Close()
	j.w = nil

	return err
}
