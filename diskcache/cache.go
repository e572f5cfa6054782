// Package diskcache is a journaled, versioned LRU of files on local disk.
//
// Every entry holds a fixed number of values, each stored in its own file.
// Writers go through an Editor that publishes all values at once on Commit;
// readers get a Snapshot that stays readable after the entry is replaced or
// removed. The journal records every change so the committed state and the
// recency order survive restarts.
package diskcache

import (
	"container/list"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/panpf/sketch-sub018/bytesize"
	"github.com/panpf/sketch-sub018/internal/keylock"
	"github.com/panpf/sketch-sub018/metrics"
)

const (
	DefaultMaxSize                 = 300 * bytesize.MiB
	DefaultValueCount              = 1
	DefaultJournalCompactThreshold = 2000
)

// Options configures a Cache.
type Options struct {
	// Dir is used exclusively by the cache. Files the journal does not
	// reference are deleted at open.
	Dir string

	// MaxSize is the byte budget over all committed values.
	MaxSize int64

	// Version invalidates the whole cache when it differs from the
	// version the directory was written with.
	Version int

	// ValueCount is the number of values per entry.
	ValueCount int

	// JournalCompactThreshold is the number of redundant journal records
	// that triggers a rewrite, provided they also outnumber live entries.
	JournalCompactThreshold int

	Logger  *slog.Logger
	Metrics *metrics.DiskMetrics
}

func DefaultOptions(dir string) Options {
	return Options{
		Dir:                     dir,
		MaxSize:                 DefaultMaxSize,
		Version:                 1,
		ValueCount:              DefaultValueCount,
		JournalCompactThreshold: DefaultJournalCompactThreshold,
	}
}

type Stats struct {
	Hits       int64
	Misses     int64
	Evictions  int64
	Size       int64
	MaxSize    int64
	EntryCount int
}

func (s Stats) String() string {
	return fmt.Sprintf("DiskCache(size=%s, entries=%d, hits=%d, misses=%d, evictions=%d)",
		bytesize.Usage(s.Size, s.MaxSize), s.EntryCount, s.Hits, s.Misses, s.Evictions)
}

// record is one committed generation of an entry. Once dead it no longer
// counts toward the cache size; its files go away with the last reader.
type record struct {
	key     string
	gen     uint64
	lengths []int64
	readers int
	dead    bool
}

func (r *record) size() int64 {
	var n int64
	for _, l := range r.lengths {
		n += l
	}
	return n
}

type entry struct {
	key    string
	rec    *record
	editor *Editor
	elem   *list.Element
}

// Cache is safe for concurrent use. Only one Cache may have a directory
// open at a time; a second Open fails with ErrLocked.
type Cache struct {
	dir              string
	maxSize          int64
	version          int
	values           int
	compactThreshold int

	mu      sync.Mutex
	closed  bool
	journal *journal
	lines   int
	entries map[string]*entry
	lru     *list.List
	size    int64

	dirLock *os.File
	locks   *keylock.Table
	log     *slog.Logger
	metrics *metrics.DiskMetrics

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// Open opens or creates the cache in opts.Dir. A journal written with a
// different Version or ValueCount, or one that fails to replay, empties
// the directory instead of failing.
func Open(opts Options) (*Cache, error) {
	if opts.Dir == "" {
		return nil, errors.New("diskcache: Dir is required")
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.ValueCount <= 0 {
		opts.ValueCount = DefaultValueCount
	}
	if opts.JournalCompactThreshold <= 0 {
		opts.JournalCompactThreshold = DefaultJournalCompactThreshold
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, ioError("open", "", err)
	}
	dirLock, err := lockDir(opts.Dir)
	if err != nil {
		if errors.Is(err, ErrLocked) {
			return nil, err
		}
		return nil, ioError("lock", "", err)
	}

	c := &Cache{
		dir:              opts.Dir,
		maxSize:          opts.MaxSize,
		version:          opts.Version,
		values:           opts.ValueCount,
		compactThreshold: opts.JournalCompactThreshold,
		entries:          make(map[string]*entry),
		lru:              list.New(),
		dirLock:          dirLock,
		locks:            keylock.New(),
		log:              logger,
		metrics:          opts.Metrics,
	}
	if err := c.load(); err != nil {
		dirLock.Close()
		return nil, ioError("open", "", err)
	}

	c.mu.Lock()
	paths, err := c.trimLocked()
	c.observeSizeLocked()
	c.mu.Unlock()
	if err != nil {
		c.Close()
		return nil, ioError("open", "", err)
	}
	c.unlink(paths)

	c.log.Debug("diskcache: opened", "dir", c.dir, "entries", len(c.entries),
		"size", bytesize.Format(c.size), "maxSize", bytesize.Format(c.maxSize))
	return c, nil
}

func (c *Cache) load() error {
	res, err := readJournal(c.dir, c.version, c.values)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		return c.reset()
	case errors.Is(err, errJournalVersion):
		c.log.Info("diskcache: version changed, wiping cache dir", "dir", c.dir, "err", err)
		c.metrics.ObserveWipe()
		return c.reset()
	case errors.Is(err, errJournalCorrupt):
		c.log.Warn("diskcache: journal corrupt, wiping cache dir", "dir", c.dir, "err", err)
		c.metrics.ObserveWipe()
		return c.reset()
	default:
		return err
	}

	for elem := res.order.Front(); elem != nil; elem = elem.Next() {
		re := elem.Value.(*replayedEntry)
		if !c.filesMatch(&record{key: re.key, gen: re.gen, lengths: re.lengths}) {
			c.log.Warn("diskcache: value files disagree with journal, wiping cache dir", "dir", c.dir, "key", re.key)
			c.metrics.ObserveWipe()
			return c.reset()
		}
	}

	keep := make(map[string]bool)
	for elem := res.order.Front(); elem != nil; elem = elem.Next() {
		re := elem.Value.(*replayedEntry)
		rec := &record{key: re.key, gen: re.gen, lengths: re.lengths}
		for i := range rec.lengths {
			keep[valueFileName(rec.key, rec.gen, i)] = true
		}
		e := &entry{key: rec.key, rec: rec}
		e.elem = c.lru.PushFront(e)
		c.entries[rec.key] = e
		c.size += rec.size()
	}

	swept, err := sweepDir(c.dir, keep)
	if err != nil {
		return err
	}
	if swept > 0 {
		c.log.Debug("diskcache: removed unreferenced files", "dir", c.dir, "count", swept)
	}

	c.lines = res.lines
	c.journal, err = openJournal(c.dir, res.nextSeq)
	return err
}

// reset empties the directory and starts a fresh journal.
func (c *Cache) reset() error {
	if err := emptyDir(c.dir); err != nil {
		return err
	}
	next, err := writeJournalFile(c.dir, newJournalHeader(c.version, c.values), nil, 1)
	if err != nil {
		return err
	}
	c.lines = 0
	c.journal, err = openJournal(c.dir, next)
	return err
}

func (c *Cache) filesMatch(rec *record) bool {
	for i, want := range rec.lengths {
		st, err := os.Stat(c.path(valueFileName(rec.key, rec.gen, i)))
		if err != nil || st.Size() != want {
			return false
		}
	}
	return true
}

func (c *Cache) path(name string) string {
	return filepath.Join(c.dir, name)
}

func (c *Cache) recordPaths(rec *record) []string {
	paths := make([]string, len(rec.lengths))
	for i := range rec.lengths {
		paths[i] = c.path(valueFileName(rec.key, rec.gen, i))
	}
	return paths
}

// Edit starts a write of key. At most one Editor per key is pending at a
// time; Edit returns ErrEditInProgress while another is.
func (c *Cache) Edit(key string) (*Editor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	e := c.entries[key]
	if e != nil && e.editor != nil {
		return nil, ErrEditInProgress
	}

	gen := c.journal.nextSeq
	if _, err := c.journal.append(journalRecord{Op: opDirty, Key: key, Gen: gen}); err != nil {
		return nil, ioError("edit", key, err)
	}
	c.lines++
	if err := c.journal.flush(); err != nil {
		return nil, ioError("edit", key, err)
	}

	if e == nil {
		e = &entry{key: key}
		c.entries[key] = e
	}
	ed := &Editor{
		c:       c,
		key:     key,
		gen:     gen,
		files:   make([]*os.File, c.values),
		written: make([]bool, c.values),
	}
	e.editor = ed
	return ed, nil
}

// Get returns a snapshot of the committed values of key and marks it most
// recently used. A miss is (nil, false, nil). The caller must Close the
// snapshot.
func (c *Cache) Get(key string) (*Snapshot, bool, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, false, ErrClosed
	}
	e := c.entries[key]
	if e == nil || e.rec == nil {
		c.mu.Unlock()
		c.misses.Add(1)
		c.metrics.Cache().ObserveGet(false)
		return nil, false, nil
	}

	rec := e.rec
	rec.readers++
	c.lru.MoveToFront(e.elem)
	if _, err := c.journal.append(journalRecord{Op: opRead, Key: key}); err != nil {
		c.log.Warn("diskcache: journal append failed", "op", opRead, "key", key, "err", err)
	} else {
		c.lines++
	}
	if err := c.maybeRebuildLocked(); err != nil {
		c.log.Warn("diskcache: journal rebuild failed", "dir", c.dir, "err", err)
	}
	c.mu.Unlock()

	snap, err := c.openSnapshot(rec)
	if err != nil {
		c.releaseRecord(rec)
		return nil, false, ioError("get", key, err)
	}
	c.hits.Add(1)
	c.metrics.Cache().ObserveGet(true)
	return snap, true, nil
}

// Exist reports whether key has a committed entry without touching its
// recency.
func (c *Cache) Exist(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[key]
	return e != nil && e.rec != nil
}

// Remove deletes the committed entry of key. A pending edit of key is not
// affected and may still commit.
func (c *Cache) Remove(key string) (bool, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, ErrClosed
	}
	e := c.entries[key]
	if e == nil || e.rec == nil {
		c.mu.Unlock()
		return false, nil
	}
	if _, err := c.journal.append(journalRecord{Op: opRemove, Key: key}); err != nil {
		c.mu.Unlock()
		return false, ioError("remove", key, err)
	}
	c.lines++
	if err := c.journal.sync(); err != nil {
		c.mu.Unlock()
		return false, ioError("remove", key, err)
	}
	paths := c.dropLocked(e)
	c.observeSizeLocked()
	c.mu.Unlock()

	c.unlink(paths)
	return true, nil
}

// dropLocked detaches the committed record of e and returns the files that
// can be unlinked now.
func (c *Cache) dropLocked(e *entry) []string {
	rec := e.rec
	c.size -= rec.size()
	c.lru.Remove(e.elem)
	e.elem = nil
	e.rec = nil
	if e.editor == nil {
		delete(c.entries, e.key)
	}
	return c.retireLocked(rec)
}

func (c *Cache) retireLocked(rec *record) []string {
	rec.dead = true
	if rec.readers > 0 {
		return nil
	}
	return c.recordPaths(rec)
}

func (c *Cache) releaseRecord(rec *record) {
	c.mu.Lock()
	rec.readers--
	var paths []string
	if rec.readers == 0 && rec.dead {
		paths = c.recordPaths(rec)
	}
	c.mu.Unlock()
	c.unlink(paths)
}

func (c *Cache) unlink(paths []string) {
	if len(paths) == 0 {
		return
	}
	if err := removeFiles(paths); err != nil {
		c.log.Warn("diskcache: failed to remove files", "dir", c.dir, "err", err)
	}
}

// trimLocked evicts least recently used entries until the size fits the
// budget. Entries with a pending edit are skipped. The remove records are
// synced before any file is returned for unlinking.
func (c *Cache) trimLocked() ([]string, error) {
	var paths []string
	evicted := 0
	elem := c.lru.Back()
	for c.size > c.maxSize && elem != nil {
		prev := elem.Prev()
		e := elem.Value.(*entry)
		if e.editor != nil {
			elem = prev
			continue
		}
		if _, err := c.journal.append(journalRecord{Op: opRemove, Key: e.key}); err != nil {
			return nil, err
		}
		c.lines++
		paths = append(paths, c.dropLocked(e)...)
		evicted++
		elem = prev
	}
	if evicted == 0 {
		return nil, nil
	}
	if err := c.journal.sync(); err != nil {
		return nil, err
	}
	c.evictions.Add(int64(evicted))
	c.metrics.Cache().ObserveEvictions(evicted)
	c.log.Debug("diskcache: evicted entries", "count", evicted, "size", bytesize.Format(c.size))
	return paths, nil
}

func (c *Cache) maybeRebuildLocked() error {
	live := c.lru.Len()
	redundant := c.lines - live
	if redundant < c.compactThreshold || redundant < live {
		return nil
	}
	return c.rebuildLocked()
}

// liveRecords lists clean records least recently used first, followed by
// dirty records of pending edits.
func (c *Cache) liveRecords() []journalRecord {
	records := make([]journalRecord, 0, len(c.entries))
	for elem := c.lru.Back(); elem != nil; elem = elem.Prev() {
		rec := elem.Value.(*entry).rec
		records = append(records, journalRecord{Op: opClean, Key: rec.key, Gen: rec.gen, Lengths: rec.lengths})
	}
	for _, e := range c.entries {
		if e.editor != nil {
			records = append(records, journalRecord{Op: opDirty, Key: e.key, Gen: e.editor.gen})
		}
	}
	return records
}

// rebuildLocked rewrites the journal with only live records. On failure the
// current journal stays in use.
func (c *Cache) rebuildLocked() error {
	if err := c.journal.flush(); err != nil {
		return err
	}
	records := c.liveRecords()
	next, err := writeJournalFile(c.dir, newJournalHeader(c.version, c.values), records, c.journal.nextSeq)
	if err != nil {
		return err
	}
	j, err := openJournal(c.dir, next)
	if err != nil {
		return err
	}
	if err := c.journal.close(); err != nil {
		c.log.Debug("diskcache: closing replaced journal", "err", err)
	}
	c.journal = j
	c.lines = len(records)
	c.metrics.ObserveJournalRebuild()
	c.log.Debug("diskcache: journal rebuilt", "dir", c.dir, "records", len(records))
	return nil
}

// Clear removes every committed entry. Pending edits may still commit.
// Files held by open snapshots are unlinked when those close.
func (c *Cache) Clear() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	var paths []string
	for elem := c.lru.Front(); elem != nil; {
		next := elem.Next()
		paths = append(paths, c.dropLocked(elem.Value.(*entry))...)
		elem = next
	}
	err := c.rebuildLocked()
	c.observeSizeLocked()
	c.mu.Unlock()

	if err != nil {
		return ioError("clear", "", err)
	}
	c.unlink(paths)
	return nil
}

// EditLock returns the lock serializing the fetch-and-store of key across
// callers.
func (c *Cache) EditLock(key string) sync.Locker {
	return c.locks.Locker(key)
}

func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *Cache) MaxSize() int64 {
	return c.maxSize
}

func (c *Cache) Version() int {
	return c.version
}

func (c *Cache) ValueCount() int {
	return c.values
}

func (c *Cache) Dir() string {
	return c.dir
}

// Flush makes every journal record durable, including buffered reads.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return ioError("flush", "", c.journal.sync())
}

// Close flushes the journal and releases the directory. Pending editors
// fail to commit with ErrClosed; open snapshots remain readable.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	err := c.journal.close()
	if lerr := c.dirLock.Close(); err == nil {
		err = lerr
	}
	return ioError("close", "", err)
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	size, count := c.size, c.lru.Len()
	c.mu.Unlock()
	return Stats{
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Evictions:  c.evictions.Load(),
		Size:       size,
		MaxSize:    c.maxSize,
		EntryCount: count,
	}
}

func (c *Cache) observeSizeLocked() {
	c.metrics.Cache().ObserveSize(c.size, c.lru.Len())
}
