package diskcache

import (
	"errors"
	"io"
	"os"
	"sync"
	"time"
)

// Editor writes one new generation of an entry. Values are written to
// temporary files that become visible only when Commit succeeds. Every
// Editor must end with exactly one Commit or Abort.
type Editor struct {
	c   *Cache
	key string
	gen uint64

	mu      sync.Mutex
	files   []*os.File
	written []bool
	err     error
	done    bool
}

func (ed *Editor) Key() string {
	return ed.key
}

// NewWriter returns a writer for value i, truncating anything written to
// it earlier in this edit. Values not written are carried forward from the
// committed entry.
func (ed *Editor) NewWriter(i int) (io.Writer, error) {
	ed.mu.Lock()
	defer ed.mu.Unlock()
	if ed.done {
		return nil, ErrEditorDone
	}
	if i < 0 || i >= len(ed.files) {
		return nil, ErrInvalidIndex
	}

	f := ed.files[i]
	if f == nil {
		var err error
		f, err = os.OpenFile(ed.c.path(dirtyFileName(ed.key, ed.gen, i)), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			ed.abortLocked()
			return nil, ioError("edit", ed.key, err)
		}
		ed.files[i] = f
	} else {
		if err := f.Truncate(0); err != nil {
			ed.abortLocked()
			return nil, ioError("edit", ed.key, err)
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			ed.abortLocked()
			return nil, ioError("edit", ed.key, err)
		}
	}
	ed.written[i] = true
	return &valueWriter{ed: ed, f: f}, nil
}

// Set replaces value i with data.
func (ed *Editor) Set(i int, data []byte) error {
	w, err := ed.NewWriter(i)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

type valueWriter struct {
	ed *Editor
	f  *os.File
}

// Write failures are remembered and fail the Commit.
func (w *valueWriter) Write(p []byte) (int, error) {
	w.ed.mu.Lock()
	defer w.ed.mu.Unlock()
	if w.ed.done {
		return 0, ErrEditorDone
	}
	n, err := w.f.Write(p)
	if err != nil {
		err = ioError("write", w.ed.key, err)
		if w.ed.err == nil {
			w.ed.err = err
		}
	}
	return n, err
}

// Commit publishes the written values as the entry of the key, replacing
// the previous one. On failure the edit is aborted and the previous entry
// stays in place.
func (ed *Editor) Commit() error {
	ed.mu.Lock()
	defer ed.mu.Unlock()
	if ed.done {
		return ErrEditorDone
	}
	ed.done = true

	start := time.Now()
	n, err := ed.c.commit(ed)
	ed.c.metrics.ObserveCommit(time.Since(start), n, err)
	return err
}

// Abort discards the edit. The committed entry, if any, is unchanged.
func (ed *Editor) Abort() error {
	ed.mu.Lock()
	defer ed.mu.Unlock()
	if ed.done {
		return ErrEditorDone
	}
	ed.done = true
	ed.abortLocked()
	return nil
}

func (ed *Editor) abortLocked() {
	ed.done = true
	ed.closeFiles()
	ed.c.unlink(ed.dirtyPaths())
	ed.c.endEdit(ed, true)
	ed.c.metrics.ObserveAbort()
}

func (ed *Editor) closeFiles() error {
	var first error
	for i, f := range ed.files {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
		ed.files[i] = nil
	}
	return first
}

func (ed *Editor) dirtyPaths() []string {
	paths := make([]string, len(ed.written))
	for i := range ed.written {
		paths[i] = ed.c.path(dirtyFileName(ed.key, ed.gen, i))
	}
	return paths
}

func (ed *Editor) finalPaths() []string {
	paths := make([]string, len(ed.written))
	for i := range ed.written {
		paths[i] = ed.c.path(valueFileName(ed.key, ed.gen, i))
	}
	return paths
}

// endEdit detaches ed from its entry and, when record is set, journals the
// abort.
func (c *Cache) endEdit(ed *Editor, record bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.entries[ed.key]; e != nil && e.editor == ed {
		e.editor = nil
		if e.rec == nil {
			delete(c.entries, ed.key)
		}
	}
	if c.closed || !record {
		return
	}
	if _, err := c.journal.append(journalRecord{Op: opAbort, Key: ed.key}); err != nil {
		c.log.Warn("diskcache: journal append failed", "op", opAbort, "key", ed.key, "err", err)
		return
	}
	c.lines++
	if err := c.journal.flush(); err != nil {
		c.log.Warn("diskcache: journal flush failed", "op", opAbort, "key", ed.key, "err", err)
	}
}

func (c *Cache) failCommit(ed *Editor, err error) error {
	return c.failCommitJournaled(ed, err, true)
}

func (c *Cache) failCommitJournaled(ed *Editor, err error, journalAbort bool) error {
	ed.closeFiles()
	c.unlink(ed.dirtyPaths())
	c.unlink(ed.finalPaths())
	c.endEdit(ed, journalAbort)
	if errors.Is(err, ErrValueMissing) || errors.Is(err, ErrClosed) {
		return err
	}
	return ioError("commit", ed.key, err)
}

func (c *Cache) commit(ed *Editor) (int64, error) {
	if ed.err != nil {
		return 0, c.failCommit(ed, ed.err)
	}
	for _, f := range ed.files {
		if f == nil {
			continue
		}
		if err := f.Sync(); err != nil {
			return 0, c.failCommit(ed, err)
		}
	}
	if err := ed.closeFiles(); err != nil {
		return 0, c.failCommit(ed, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, c.failCommit(ed, ErrClosed)
	}
	prev := c.entries[ed.key].rec
	if prev != nil {
		prev.readers++
	}
	c.mu.Unlock()

	lengths, err := c.stageValues(ed, prev)
	if prev != nil {
		c.releaseRecord(prev)
	}
	if err != nil {
		return 0, c.failCommit(ed, err)
	}

	dirty, final := ed.dirtyPaths(), ed.finalPaths()
	for i := range dirty {
		if err := os.Rename(dirty[i], final[i]); err != nil {
			return 0, c.failCommit(ed, err)
		}
	}
	if err := syncDir(c.dir); err != nil {
		return 0, c.failCommit(ed, err)
	}

	rec := &record{key: ed.key, gen: ed.gen, lengths: lengths}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, c.failCommit(ed, ErrClosed)
	}
	if _, err := c.journal.append(journalRecord{Op: opClean, Key: ed.key, Gen: ed.gen, Lengths: lengths}); err != nil {
		c.mu.Unlock()
		return 0, c.failCommit(ed, err)
	}
	c.lines++
	if err := c.journal.sync(); err != nil {
		c.revertCleanLocked(ed.key)
		c.mu.Unlock()
		return 0, c.failCommitJournaled(ed, err, false)
	}

	e := c.entries[ed.key]
	var paths []string
	if e.rec != nil {
		c.size -= e.rec.size()
		paths = c.retireLocked(e.rec)
	}
	e.rec = rec
	e.editor = nil
	c.size += rec.size()
	if e.elem == nil {
		e.elem = c.lru.PushFront(e)
	} else {
		c.lru.MoveToFront(e.elem)
	}

	evicted, err := c.trimLocked()
	if err != nil {
		c.log.Warn("diskcache: eviction failed", "dir", c.dir, "err", err)
	}
	paths = append(paths, evicted...)
	if err := c.maybeRebuildLocked(); err != nil {
		c.log.Warn("diskcache: journal rebuild failed", "dir", c.dir, "err", err)
	}
	c.observeSizeLocked()
	c.mu.Unlock()

	c.unlink(paths)
	return rec.size(), nil
}

// revertCleanLocked follows a clean record that may not be durable with one
// restoring the committed state of key, so a later replay agrees with
// memory.
func (c *Cache) revertCleanLocked(key string) {
	rec := journalRecord{Op: opRemove, Key: key}
	if e := c.entries[key]; e != nil && e.rec != nil {
		rec = journalRecord{Op: opClean, Key: key, Gen: e.rec.gen, Lengths: e.rec.lengths}
	}
	if _, err := c.journal.append(rec); err != nil {
		return
	}
	c.lines++
	c.journal.flush()
}

// stageValues fills in unwritten values from prev and returns the length
// of every value.
func (c *Cache) stageValues(ed *Editor, prev *record) ([]int64, error) {
	lengths := make([]int64, len(ed.written))
	for i, written := range ed.written {
		dirty := c.path(dirtyFileName(ed.key, ed.gen, i))
		if !written {
			if prev == nil {
				return nil, ErrValueMissing
			}
			if err := linkOrCopy(c.path(valueFileName(prev.key, prev.gen, i)), dirty); err != nil {
				return nil, err
			}
		}
		st, err := os.Stat(dirty)
		if err != nil {
			return nil, err
		}
		lengths[i] = st.Size()
	}
	return lengths, nil
}
