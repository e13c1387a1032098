package cache

import (
	"math"

	lru "github.com/hashicorp/golang-lru"
)

// lruIndex is the ordered key -> *entry mapping with access-order semantics
// described in the data model: any successful get, any edit open, and any
// journal-replayed READ promotes the key to the most-recently-used position.
//
// Backed by [lru.Cache] (github.com/hashicorp/golang-lru), the same library
// cyverse-irodsfs-common uses for its disk cache store. The underlying cache
// is sized far beyond any realistic entry count so its own automatic
// eviction never fires — eviction is always a deliberate decision made by
// the cache core (trimToSize), never a side effect of Add.
type lruIndex struct {
	c *lru.Cache
}

// lruIndexCapacity bounds the hashicorp/golang-lru backing store. It only
// needs to exceed the number of entries we will ever hold concurrently in
// memory; it does not bound the cache's byte budget.
const lruIndexCapacity = math.MaxInt32

func newLRUIndex() *lruIndex {
	c, err := lru.New(lruIndexCapacity)
	if err != nil {
		// Only returns an error for size <= 0, which lruIndexCapacity never is.
		panic(err)
	}

	return &lruIndex{c: c}
}

// get looks up key, promoting it to MRU position on a hit.
func (l *lruIndex) get(key string) (*entry, bool) {
	v, ok := l.c.Get(key)
	if !ok {
		return nil, false
	}

	return v.(*entry), true
}

// peek looks up key without changing its position.
func (l *lruIndex) peek(key string) (*entry, bool) {
	v, ok := l.c.Peek(key)
	if !ok {
		return nil, false
	}

	return v.(*entry), true
}

// add inserts or updates key at the MRU position.
func (l *lruIndex) add(key string, e *entry) {
	l.c.Add(key, e)
}

// remove deletes key from the index, if present.
func (l *lruIndex) remove(key string) {
	l.c.Remove(key)
}

func (l *lruIndex) len() int {
	return l.c.Len()
}

// keys returns all keys ordered from least- to most-recently-used.
func (l *lruIndex) keys() []string {
	raw := l.c.Keys()
	keys := make([]string, len(raw))

	for i, k := range raw {
		keys[i] = k.(string)
	}

	return keys
}

// all returns every entry currently in the index, ordered from least- to
// most-recently-used. Used by compaction (to rebuild the journal), by
// recovery's processJournal, and by Close (to collect live editors); none of
// them cares about iteration order, but keys() already gives it to us for
// free.
func (l *lruIndex) all() []*entry {
	keys := l.c.Keys()
	out := make([]*entry, 0, len(keys))

	for _, k := range keys {
		if v, ok := l.c.Peek(k); ok {
			out = append(out, v.(*entry))
		}
	}

	return out
}

// removeOldest evicts and returns the least-recently-used entry.
func (l *lruIndex) removeOldest() (*entry, bool) {
	k, v, ok := l.c.RemoveOldest()
	if !ok {
		return nil, false
	}

	_ = k

	return v.(*entry), true
}
