package cache

import (
	"io"

	"github.com/cachedisk/cachedisk/pkg/fs"
)

type editorState int

const (
	editorOpen editorState = iota
	editorCommitted
	editorAborted
)

// Editor is the exclusive, transactional handle for mutating an entry's
// values (C5). Once it leaves the Open state, every operation except
// [Editor.AbortUnlessCommitted] (which then does nothing) fails with
// [ErrIllegalState].
type Editor struct {
	c         *Cache
	e         *entry
	written   []bool
	hasErrors bool
	state     editorState
}

func (ed *Editor) validateIndex(i int) error {
	if i < 0 || i >= ed.c.v {
		return illegalArgument("index %d out of range [0,%d)", i, ed.c.v)
	}

	return nil
}

// requireOwnership fails unless this editor is still Open and still owns
// its entry's edit slot. Callers must hold c.mu.
func (ed *Editor) requireOwnership() error {
	if ed.state != editorOpen {
		return illegalState("editor is no longer open")
	}

	if ed.e.currentEditor != ed {
		return illegalState("editor does not own entry %q", ed.e.key)
	}

	return nil
}

// Set writes s as value i's complete content, via an atomic write so a
// concurrent reader of the dirty file (there should be none, but belt and
// suspenders) never observes a partial write. Swallows I/O failures into
// hasErrors, per §4.4's fault-hiding contract for editor output.
func (ed *Editor) Set(i int, s string) error {
	ed.c.mu.Lock()
	defer ed.c.mu.Unlock()

	if err := ed.validateIndex(i); err != nil {
		return err
	}

	if err := ed.requireOwnership(); err != nil {
		return err
	}

	ed.written[i] = true

	if err := ed.c.fsys.WriteFileAtomic(ed.e.dirtyPath(ed.c.dir, i), []byte(s), 0o644); err != nil {
		ed.hasErrors = true
	}

	return nil
}

// NewOutputStream returns a streaming writer over value i's dirty file.
// Writes and Close on the returned stream never return an error to the
// caller; failures are captured as hasErrors instead (§4.4).
func (ed *Editor) NewOutputStream(i int) (io.WriteCloser, error) {
	ed.c.mu.Lock()
	defer ed.c.mu.Unlock()

	if err := ed.validateIndex(i); err != nil {
		return nil, err
	}

	if err := ed.requireOwnership(); err != nil {
		return nil, err
	}

	ed.written[i] = true

	f, err := ed.c.fsys.Create(ed.e.dirtyPath(ed.c.dir, i))
	if err != nil {
		return nil, err
	}

	return &faultHidingWriter{ed: ed, f: f}, nil
}

// GetString returns value i's last committed content, or ok=false if the
// entry has never been published.
func (ed *Editor) GetString(i int) (s string, ok bool, err error) {
	ed.c.mu.Lock()
	defer ed.c.mu.Unlock()

	if err := ed.validateIndex(i); err != nil {
		return "", false, err
	}

	if ed.state != editorOpen {
		return "", false, illegalState("editor is no longer open")
	}

	if !ed.e.readable {
		return "", false, nil
	}

	data, err := ed.c.fsys.ReadFile(ed.e.cleanPath(ed.c.dir, i))
	if err != nil {
		return "", false, withContext("getString", ed.e.key, err)
	}

	return string(data), true, nil
}

// NewInputStream opens value i's last committed content for reading, or
// returns a nil stream if the entry has never been published or the clean
// file is unexpectedly absent.
func (ed *Editor) NewInputStream(i int) (io.ReadCloser, error) {
	ed.c.mu.Lock()
	defer ed.c.mu.Unlock()

	if err := ed.validateIndex(i); err != nil {
		return nil, err
	}

	if ed.state != editorOpen {
		return nil, illegalState("editor is no longer open")
	}

	if !ed.e.readable {
		return nil, nil
	}

	f, err := ed.c.fsys.Open(ed.e.cleanPath(ed.c.dir, i))
	if err != nil {
		return nil, nil
	}

	return f, nil
}

// Commit atomically publishes the edit, following §4.4's algorithm exactly,
// including its two documented asymmetries: a missing dirty file on first
// publish aborts silently (no journal line at all — open question #1), and
// an editor with hasErrors removes the entry even if it was previously
// readable (open question #3), on top of whatever finishEdit's ordinary
// failure path already wrote.
func (ed *Editor) Commit() error {
	c := ed.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ed.requireOwnership(); err != nil {
		return err
	}

	e := ed.e
	firstPublish := !e.readable

	if firstPublish {
		for i := 0; i < c.v; i++ {
			if !ed.written[i] {
				if err := c.finishEdit(ed, false); err != nil {
					return err
				}

				ed.state = editorAborted

				return illegalState("didn't create value for index %d", i)
			}
		}

		for i := 0; i < c.v; i++ {
			exists, err := c.fsys.Exists(e.dirtyPath(c.dir, i))
			if err != nil {
				return err
			}

			if !exists {
				c.silentAbortFirstPublish(ed)

				return nil
			}
		}
	}

	if ed.hasErrors {
		if err := c.finishEdit(ed, false); err != nil {
			return err
		}

		ed.state = editorAborted
		key := e.key

		if _, err := c.removeLocked(key); err != nil {
			return err
		}

		return illegalState("editor had I/O errors writing entry %q", key)
	}

	if err := c.finishEdit(ed, true); err != nil {
		return err
	}

	ed.state = editorCommitted

	return nil
}

// Abort discards all dirty files. For a first-ever edit (the entry was
// never readable), it also removes the entry and appends REMOVE; otherwise
// the entry reverts cleanly to its prior published values.
func (ed *Editor) Abort() error {
	c := ed.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ed.requireOwnership(); err != nil {
		return err
	}

	if err := c.finishEdit(ed, false); err != nil {
		return err
	}

	ed.state = editorAborted

	return nil
}

// AbortUnlessCommitted is a no-op if the editor already left the Open
// state; otherwise it aborts. Safe to call unconditionally, e.g. deferred
// right after opening an editor.
func (ed *Editor) AbortUnlessCommitted() error {
	ed.c.mu.Lock()
	state := ed.state
	ed.c.mu.Unlock()

	if state != editorOpen {
		return nil
	}

	return ed.Abort()
}

// faultHidingWriter wraps a dirty-file handle so write/close failures never
// reach the caller; they instead flip the owning editor's hasErrors flag,
// per §4.4.
type faultHidingWriter struct {
	ed *Editor
	f  fs.File
}

func (w *faultHidingWriter) Write(p []byte) (int, error) {
	if _, err := w.f.Write(p); err != nil {
		w.ed.hasErrors = true
	}

	return len(p), nil
}

func (w *faultHidingWriter) Close() error {
	if err := w.f.Close(); err != nil {
		w.ed.hasErrors = true
	}

	return nil
}
