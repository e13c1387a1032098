package cache

import (
	"fmt"
	"path/filepath"
)

// entry is the per-key record described in the data model: value file
// paths are derived from key and index, not stored.
type entry struct {
	key            string
	lengths        []int64 // len V; zero until first commit
	readable       bool
	currentEditor  *Editor
	sequenceNumber int64
}

func newEntry(key string, v int) *entry {
	return &entry{key: key, lengths: make([]int64, v)}
}

// cleanPath returns the published value file path "<key>.<i>".
func (e *entry) cleanPath(dir string, i int) string {
	return filepath.Join(dir, fmt.Sprintf("%s.%d", e.key, i))
}

// dirtyPath returns the in-progress staging file path "<key>.<i>.tmp".
func (e *entry) dirtyPath(dir string, i int) string {
	return filepath.Join(dir, fmt.Sprintf("%s.%d.tmp", e.key, i))
}

func (e *entry) totalLength() int64 {
	var total int64
	for _, l := range e.lengths {
		total += l
	}

	return total
}
