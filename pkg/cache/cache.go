package cache

import (
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/cachedisk/cachedisk/pkg/fs"
)

// AnySequence tells [Cache.edit]'s sequence-checked variant to skip the
// stale-snapshot check. Exported for [Cache.WithEdit] callers who want the
// ordinary unconditional edit semantics.
const AnySequence int64 = -1

var keyRegex = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

func validateKey(key string) error {
	if !keyRegex.MatchString(key) {
		return illegalArgument(`keys must match regex [a-z0-9_-]{1,64}: "%s"`, key)
	}

	return nil
}

// recoveryPlaceholderEditor marks an entry as "needs cleanup" while
// replaying a dangling DIRTY line during recovery (§4.6). It is never
// exposed to callers and is always cleared by processJournal before Open
// returns.
var recoveryPlaceholderEditor = &Editor{}

// Cache is the bounded, crash-tolerant, on-disk LRU cache (C7). All mutable
// state — the index, sizes, the journal writer, and entry fields — is
// guarded by a single exclusive lock, per §5.
type Cache struct {
	fsys fs.FS
	dir  string

	appVersion int64
	v          int
	log        *logrus.Logger

	lineReaderCapacity int

	mu      sync.Mutex
	maxSize int64
	size    int64
	index   *lruIndex
	j       *journal
	nextSeq int64
	closed  bool
	runner  *taskRunner
}

// Open opens or creates a cache directory, replaying its journal and
// reconciling it with the filesystem per §4.6. A corrupt journal wipes the
// directory and starts fresh rather than failing Open.
func Open(opts Options) (*Cache, error) {
	opts = opts.withDefaults()

	if opts.Dir == "" {
		return nil, illegalArgument("dir must not be empty")
	}

	if opts.V <= 0 {
		return nil, illegalArgument("V must be > 0, got %d", opts.V)
	}

	if opts.MaxSize <= 0 {
		return nil, illegalArgument("maxSize must be > 0, got %d", opts.MaxSize)
	}

	fsys := opts.FS

	if err := fsys.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, err
	}

	if err := promoteBackup(fsys, opts.Dir); err != nil {
		return nil, err
	}

	c := &Cache{
		fsys:                fsys,
		dir:                 opts.Dir,
		appVersion:          opts.AppVersion,
		v:                   opts.V,
		log:                 opts.Logger,
		lineReaderCapacity:  opts.LineReaderCapacity,
		maxSize:             opts.MaxSize,
		index:               newLRUIndex(),
	}
	c.j = &journal{fsys: fsys, dir: opts.Dir, appVersion: opts.AppVersion, v: opts.V}
	c.runner = newTaskRunner(opts.Logger)

	exists, err := fsys.Exists(journalPath(opts.Dir))
	if err != nil {
		return nil, err
	}

	if !exists {
		if err := c.j.rebuild(nil); err != nil {
			return nil, err
		}

		return c, nil
	}

	corrupt, err := c.replayJournal()
	if err != nil {
		return nil, err
	}

	if corrupt {
		c.log.WithField("dir", opts.Dir).Warn("cache: corrupt journal, wiping directory and reinitializing")

		if err := fsys.RemoveAll(opts.Dir); err != nil {
			return nil, err
		}

		if err := fsys.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, err
		}

		c.index = newLRUIndex()
		c.size = 0
		c.nextSeq = 0

		if err := c.j.rebuild(nil); err != nil {
			return nil, err
		}

		return c, nil
	}

	w, err := openAppendWriter(fsys, opts.Dir)
	if err != nil {
		return nil, err
	}

	c.j.w = w

	return c, nil
}

// replayJournal parses the existing journal and reconciles it with the
// filesystem (§4.6 steps 2-3). It returns corrupt=true rather than an error
// for any malformed header or body line; a genuine I/O error from the
// filesystem is returned as err.
func (c *Cache) replayJournal() (corrupt bool, err error) {
	f, err := openJournalForReplay(c.fsys, c.dir)
	if err != nil {
		return false, err
	}

	defer func() { _ = f.Close() }()

	lr := newLineReader(f, c.lineReaderCapacity)

	if err := parseHeader(lr, c.appVersion, c.v); err != nil {
		return true, nil
	}

	for {
		line, err := lr.readLine()
		if err == io.EOF {
			break
		}

		if err != nil {
			return false, err
		}

		if c.replayLine(line) {
			return true, nil
		}
	}

	c.processJournal()

	return false, nil
}

// replayLine applies one body line to the in-memory index. Returns true if
// the line is malformed (corrupt journal).
func (c *Cache) replayLine(line string) (corrupt bool) {
	fields := splitFields(line)
	if len(fields) < 2 {
		return true
	}

	op, key := fields[0], fields[1]
	if !keyRegex.MatchString(key) {
		return true
	}

	switch op {
	case opClean:
		lengths, ok := parseLengths(fields[2:], c.v)
		if !ok {
			return true
		}

		e, ok := c.index.peek(key)
		if !ok {
			e = newEntry(key, c.v)
			c.index.add(key, e)
		}

		e.readable = true
		e.lengths = lengths
		e.currentEditor = nil

	case opDirty:
		if len(fields) != 2 {
			return true
		}

		e, ok := c.index.peek(key)
		if !ok {
			e = newEntry(key, c.v)
			c.index.add(key, e)
		}

		e.currentEditor = recoveryPlaceholderEditor

	case opRemove:
		if len(fields) != 2 {
			return true
		}

		c.index.remove(key)

	case opRead:
		if len(fields) != 2 {
			return true
		}

		c.index.get(key) // promotes if present; no-op otherwise

	default:
		return true
	}

	return false
}

// processJournal implements §4.6's "process journal" step: entries whose
// editor slot is the recovery placeholder were mid-write when the journal
// was last closed and are discarded; the rest contribute to size.
func (c *Cache) processJournal() {
	for _, e := range c.index.all() {
		if e.currentEditor != recoveryPlaceholderEditor {
			c.size += e.totalLength()

			continue
		}

		e.currentEditor = nil

		for i := 0; i < c.v; i++ {
			_ = c.fsys.Remove(e.cleanPath(c.dir, i))
			_ = c.fsys.Remove(e.dirtyPath(c.dir, i))
		}

		c.index.remove(e.key)
	}
}

// afterOp implements the "increment redundantOpCount; maybe enqueue
// cleanup" tail shared by get/edit-commit/remove.
func (c *Cache) afterOp() {
	c.j.redundantOpCount++

	if c.size > c.maxSize || shouldCompact(c.j.redundantOpCount, c.index.len()) {
		c.enqueueCleanup()
	}
}

// enqueueCleanup submits the §4.7 cleanup task to the background runner.
func (c *Cache) enqueueCleanup() {
	c.runner.submit(func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		if c.closed {
			return
		}

		if err := c.trimToSize(); err != nil {
			c.log.WithError(err).Warn("cache: background trim failed")

			return
		}

		if shouldCompact(c.j.redundantOpCount, c.index.len()) {
			if err := c.j.rebuild(c.index.all()); err != nil {
				c.log.WithError(err).Warn("cache: background compaction failed")
			}
		}
	})
}

// Get returns a [Snapshot] of key's current values, or nil if the key is
// absent or has never been fully committed.
func (c *Cache) Get(key string) (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	if err := validateKey(key); err != nil {
		return nil, err
	}

	e, ok := c.index.get(key)
	if !ok || !e.readable {
		return nil, nil
	}

	streams := make([]fs.File, c.v)

	for i := 0; i < c.v; i++ {
		f, err := c.fsys.Open(e.cleanPath(c.dir, i))
		if err != nil {
			for j := 0; j < i; j++ {
				_ = streams[j].Close()
			}

			return nil, nil
		}

		streams[i] = f
	}

	if err := c.j.appendRead(key); err != nil {
		for _, f := range streams {
			_ = f.Close()
		}

		return nil, err
	}

	snap := &Snapshot{
		c:       c,
		key:     key,
		seq:     e.sequenceNumber,
		lengths: append([]int64(nil), e.lengths...),
		streams: streams,
	}

	c.afterOp()

	return snap, nil
}

// Edit opens an exclusive editor for key, or nil if one is already
// outstanding for it.
func (c *Cache) Edit(key string) (*Editor, error) {
	return c.edit(key, AnySequence)
}

// edit is shared by [Cache.Edit] and [Snapshot.Edit]; expectedSeq ==
// [AnySequence] skips the stale-snapshot check (P7).
func (c *Cache) edit(key string, expectedSeq int64) (*Editor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	if err := validateKey(key); err != nil {
		return nil, err
	}

	e, ok := c.index.get(key)

	if expectedSeq != AnySequence {
		if !ok || e.sequenceNumber != expectedSeq {
			return nil, nil
		}
	}

	if !ok {
		e = newEntry(key, c.v)
		c.index.add(key, e)
	}

	if e.currentEditor != nil {
		return nil, nil
	}

	ed := &Editor{c: c, e: e, written: make([]bool, c.v), state: editorOpen}
	e.currentEditor = ed

	if err := c.j.appendDirty(key); err != nil {
		e.currentEditor = nil

		return nil, err
	}

	return ed, nil
}

// Remove deletes key's clean files and removes it from the index. Returns
// false if the key is absent or has an outstanding editor.
func (c *Cache) Remove(key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false, ErrClosed
	}

	if err := validateKey(key); err != nil {
		return false, err
	}

	return c.removeLocked(key)
}

// removeLocked implements §4.5's remove(key) body; callers must hold c.mu.
func (c *Cache) removeLocked(key string) (bool, error) {
	e, ok := c.index.get(key)
	if !ok || e.currentEditor != nil {
		return false, nil
	}

	if err := c.removeEntryFiles(e); err != nil {
		return false, withContext("remove", key, err)
	}

	c.index.remove(key)

	if err := c.j.appendRemove(key); err != nil {
		return false, err
	}

	c.afterOp()

	return true, nil
}

// removeEntryFiles deletes e's clean files where present and deducts their
// length from the running size total. Callers must hold c.mu.
func (c *Cache) removeEntryFiles(e *entry) error {
	for i := 0; i < c.v; i++ {
		path := e.cleanPath(c.dir, i)

		exists, err := c.fsys.Exists(path)
		if err != nil {
			return err
		}

		if !exists {
			continue
		}

		if err := c.fsys.Remove(path); err != nil {
			return err
		}

		c.size -= e.lengths[i]
		e.lengths[i] = 0
	}

	return nil
}

// trimToSize evicts least-recently-used entries until size <= maxSize.
// Mirrors the upstream algorithm faithfully: it stops rather than loops
// forever if the current LRU victim has an outstanding editor (which would
// make removeLocked a no-op). Callers must hold c.mu.
func (c *Cache) trimToSize() error {
	for c.size > c.maxSize && c.index.len() > 0 {
		keys := c.index.keys()
		oldest := keys[0]

		e, ok := c.index.peek(oldest)
		if !ok {
			break
		}

		if e.currentEditor != nil {
			break
		}

		if err := c.removeEntryFiles(e); err != nil {
			return err
		}

		c.index.remove(oldest)

		if err := c.j.appendRemove(oldest); err != nil {
			return err
		}

		c.j.redundantOpCount++
	}

	return nil
}

// finishEdit is the shared tail of Commit/Abort (§4.4 steps 4-7). Callers
// must hold c.mu and must have already verified editor ownership.
func (c *Cache) finishEdit(ed *Editor, success bool) error {
	e := ed.e

	for i := 0; i < c.v; i++ {
		dirty := e.dirtyPath(c.dir, i)

		if !success {
			_ = c.fsys.Remove(dirty)

			continue
		}

		exists, err := c.fsys.Exists(dirty)
		if err != nil {
			return err
		}

		if !exists {
			continue
		}

		clean := e.cleanPath(c.dir, i)

		newLen, err := fileLength(c.fsys, dirty)
		if err != nil {
			return err
		}

		if err := renameReplacing(c.fsys, dirty, clean); err != nil {
			return err
		}

		oldLen := e.lengths[i]
		e.lengths[i] = newLen
		c.size += newLen - oldLen
	}

	e.currentEditor = nil

	if e.readable || success {
		e.readable = true

		if success {
			e.sequenceNumber = c.nextSeq
			c.nextSeq++
		}

		if err := c.j.appendClean(e.key, e.lengths); err != nil {
			return err
		}
	} else {
		c.index.remove(e.key)

		if err := c.j.appendRemove(e.key); err != nil {
			return err
		}
	}

	c.afterOp()

	return nil
}

// silentAbortFirstPublish implements §7's first open question: a missing
// dirty file discovered during first-publish commit aborts without
// producing any journal line. The entry (fabricated solely for this edit
// attempt) simply vanishes from the in-memory index; the dangling DIRTY
// line already on disk is cleaned up by the next compaction or by recovery
// after a crash.
func (c *Cache) silentAbortFirstPublish(ed *Editor) {
	e := ed.e

	for i := 0; i < c.v; i++ {
		_ = c.fsys.Remove(e.dirtyPath(c.dir, i))
	}

	e.currentEditor = nil

	if !e.readable {
		c.index.remove(e.key)
	}

	ed.state = editorAborted
}

func fileLength(fsys fs.FS, path string) (int64, error) {
	info, err := fsys.Stat(path)
	if err != nil {
		return 0, err
	}

	return info.Size(), nil
}

// SetMaxSize updates the byte budget and enqueues a cleanup pass.
func (c *Cache) SetMaxSize(n int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	if n <= 0 {
		return illegalArgument("maxSize must be > 0, got %d", n)
	}

	c.maxSize = n
	c.enqueueCleanup()

	return nil
}

// Size returns the current tracked byte total across readable entries.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.size
}

// MaxSize returns the current byte budget.
func (c *Cache) MaxSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.maxSize
}

// Flush trims to size synchronously, then flushes the journal writer.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	if err := c.trimToSize(); err != nil {
		return err
	}

	return c.j.w.Sync()
}

// Close aborts every outstanding editor, trims to size, and closes the
// journal writer. Idempotent.
func (c *Cache) Close() error {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()

		return nil
	}

	var liveEditors []*Editor

	for _, e := range c.index.all() {
		if e.currentEditor != nil && e.currentEditor != recoveryPlaceholderEditor {
			liveEditors = append(liveEditors, e.currentEditor)
		}
	}

	c.mu.Unlock()

	for _, ed := range liveEditors {
		if err := ed.AbortUnlessCommitted(); err != nil {
			c.log.WithError(err).Warn("cache: abort during close failed")
		}
	}

	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()

		return nil
	}

	if err := c.trimToSize(); err != nil {
		c.log.WithError(err).Warn("cache: trim during close failed")
	}

	err := c.j.close()
	c.closed = true
	c.mu.Unlock()

	c.runner.stop()

	return err
}

// Delete closes the cache, then recursively deletes its directory.
func (c *Cache) Delete() error {
	if err := c.Close(); err != nil {
		return err
	}

	return c.fsys.RemoveAll(c.dir)
}

// IsClosed reports whether Close has been called.
func (c *Cache) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

// Keys returns a snapshot of all readable keys, most-recently-used first.
// Read-only: unlike Get, it does not alter LRU order.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw := c.index.keys() // oldest -> newest

	out := make([]string, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		if e, ok := c.index.peek(raw[i]); ok && e.readable {
			out = append(out, raw[i])
		}
	}

	return out
}

// CacheStats is a read-only diagnostic snapshot of the cache's counters.
type CacheStats struct {
	Size             int64
	MaxSize          int64
	EntryCount       int
	RedundantOpCount int
}

// Stats reports current size/budget/entry-count/redundant-op counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return CacheStats{
		Size:             c.size,
		MaxSize:          c.maxSize,
		EntryCount:       c.index.len(),
		RedundantOpCount: c.j.redundantOpCount,
	}
}

// WithEdit opens an editor for key (honoring expectedSeq as [Cache.edit]
// does), runs fn, and commits on success or aborts on error/panic. A
// convenience wrapper grounded in the teacher's WithTicketLock pattern.
func (c *Cache) WithEdit(key string, expectedSeq int64, fn func(*Editor) error) error {
	ed, err := c.edit(key, expectedSeq)
	if err != nil {
		return err
	}

	if ed == nil {
		return illegalState("no editor available for key %q", key)
	}

	defer func() {
		if r := recover(); r != nil {
			_ = ed.AbortUnlessCommitted()
			panic(r)
		}
	}()

	if err := fn(ed); err != nil {
		_ = ed.AbortUnlessCommitted()

		return err
	}

	return ed.Commit()
}

func splitFields(line string) []string {
	var fields []string

	start := -1

	for i := 0; i <= len(line); i++ {
		if i == len(line) || line[i] == ' ' {
			if start >= 0 {
				fields = append(fields, line[start:i])
				start = -1
			}
		} else if start < 0 {
			start = i
		}
	}

	return fields
}

func parseLengths(fields []string, v int) ([]int64, bool) {
	if len(fields) != v {
		return nil, false
	}

	lengths := make([]int64, v)

	for i, f := range fields {
		n, err := parseDecimal(f)
		if err != nil {
			return nil, false
		}

		lengths[i] = n
	}

	return lengths, true
}

// parseDecimal parses an unsigned decimal length per §6: digits only, no
// sign, leading zeros permitted.
func parseDecimal(s string) (int64, error) {
	if s == "" || strings.ContainsAny(s, "+-") {
		return 0, strconv.ErrSyntax
	}

	return strconv.ParseInt(s, 10, 64)
}
