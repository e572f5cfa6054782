package diskcache

import (
	"errors"
	"io"
	"os"
	"sync"
)

// Snapshot is a read-only view of one committed generation of an entry.
// It stays valid after the entry is replaced, removed or evicted; the
// underlying files are deleted once every snapshot of them is closed.
type Snapshot struct {
	c   *Cache
	rec *record

	mu     sync.Mutex
	files  []*os.File
	maps   [][]byte
	closed bool
}

func (c *Cache) openSnapshot(rec *record) (*Snapshot, error) {
	files := make([]*os.File, len(rec.lengths))
	for i := range rec.lengths {
		f, err := os.Open(c.path(valueFileName(rec.key, rec.gen, i)))
		if err != nil {
			for _, opened := range files[:i] {
				opened.Close()
			}
			return nil, err
		}
		files[i] = f
	}
	return &Snapshot{
		c:     c,
		rec:   rec,
		files: files,
		maps:  make([][]byte, len(files)),
	}, nil
}

func (s *Snapshot) Key() string {
	return s.rec.key
}

// Length returns the committed byte length of value i. It panics if i is
// out of range.
func (s *Snapshot) Length(i int) int64 {
	return s.rec.lengths[i]
}

// Size is the total length of all values.
func (s *Snapshot) Size() int64 {
	return s.rec.size()
}

func (s *Snapshot) file(i int) (*os.File, error) {
	if s.closed {
		return nil, ErrSnapshotClosed
	}
	if i < 0 || i >= len(s.files) {
		return nil, ErrInvalidIndex
	}
	return s.files[i], nil
}

// Reader returns a reader over value i. Readers of the same value are
// independent of each other.
func (s *Snapshot) Reader(i int) (*io.SectionReader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.file(i)
	if err != nil {
		return nil, err
	}
	return io.NewSectionReader(f, 0, s.rec.lengths[i]), nil
}

// Bytes reads value i into memory.
func (s *Snapshot) Bytes(i int) ([]byte, error) {
	r, err := s.Reader(i)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, r.Size())
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, ioError("read", s.rec.key, err)
	}
	return buf, nil
}

// Mmap maps value i read-only. The mapping is released by Close and must
// not be used afterwards.
func (s *Snapshot) Mmap(i int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.file(i)
	if err != nil {
		return nil, err
	}
	if s.maps[i] != nil {
		return s.maps[i], nil
	}
	data, err := mmapFile(f, s.rec.lengths[i])
	if err != nil {
		return nil, ioError("mmap", s.rec.key, err)
	}
	s.maps[i] = data
	return data, nil
}

// Close releases the snapshot. It is safe to call more than once.
func (s *Snapshot) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var errs []error
	for i, data := range s.maps {
		if err := munmap(data); err != nil {
			errs = append(errs, err)
		}
		s.maps[i] = nil
	}
	for _, f := range s.files {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.mu.Unlock()

	s.c.releaseRecord(s.rec)
	return ioError("close", s.rec.key, errors.Join(errs...))
}
