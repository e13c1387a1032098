package cache

import (
	"io"

	"github.com/cachedisk/cachedisk/pkg/fs"
)

// Snapshot is an immutable view of an entry's values at the moment [Cache.Get]
// was called (C6). Streams are opened eagerly at creation and remain valid
// until [Snapshot.Close], independent of later edits or evictions.
type Snapshot struct {
	c       *Cache
	key     string
	seq     int64
	lengths []int64
	streams []fs.File
	closed  bool
}

// InputStream returns a reader over value i's content, seeked to the start.
func (s *Snapshot) InputStream(i int) (io.ReadSeeker, error) {
	if i < 0 || i >= len(s.streams) {
		return nil, illegalArgument("index %d out of range [0,%d)", i, len(s.streams))
	}

	f := s.streams[i]
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	return f, nil
}

// String reads value i's entire content as a string.
func (s *Snapshot) String(i int) (string, error) {
	r, err := s.InputStream(i)
	if err != nil {
		return "", err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

// Length returns value i's committed byte length.
func (s *Snapshot) Length(i int) int64 {
	if i < 0 || i >= len(s.lengths) {
		return 0
	}

	return s.lengths[i]
}

// Edit opens an editor for this snapshot's key, but only if the entry has
// not been committed-to or removed since the snapshot was taken (P7).
// Returns nil if the sequence number has moved on.
func (s *Snapshot) Edit() (*Editor, error) {
	return s.c.edit(s.key, s.seq)
}

// Close closes all owned streams, swallowing any errors. Idempotent.
func (s *Snapshot) Close() {
	if s.closed {
		return
	}

	s.closed = true

	for _, f := range s.streams {
		_ = f.Close()
	}
}
