package diskcache

import (
	"bufio"
	"bytes"
	"container/list"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/segmentio/ksuid"
)

const (
	journalMagic  = "sketch.diskcache"
	journalFormat = 1
)

type journalOp string

const (
	opDirty  journalOp = "dirty"
	opClean  journalOp = "clean"
	opAbort  journalOp = "abort"
	opRemove journalOp = "remove"
	opRead   journalOp = "read"
)

type journalHeader struct {
	Magic   string    `json:"magic"`
	Format  int       `json:"format"`
	Version int       `json:"version"`
	Values  int       `json:"values"`
	Session string    `json:"session"`
	Created time.Time `json:"created"`
}

func newJournalHeader(version, values int) journalHeader {
	return journalHeader{
		Magic:   journalMagic,
		Format:  journalFormat,
		Version: version,
		Values:  values,
		Session: ksuid.New().String(),
		Created: time.Now().UTC(),
	}
}

// journalRecord is one line after the header. Gen names the files of a
// dirty or clean record; Lengths is set on clean records only.
type journalRecord struct {
	Seq     uint64    `json:"seq"`
	Op      journalOp `json:"op"`
	Key     string    `json:"key"`
	Gen     uint64    `json:"gen,omitempty"`
	Lengths []int64   `json:"lengths,omitempty"`
}

// Each line is "<xxhash64 hex> <json>\n" so a torn or altered line is
// detected on replay.
func encodeLine(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	line := make([]byte, 0, len(payload)+18)
	line = fmt.Appendf(line, "%016x ", xxhash.Sum64(payload))
	line = append(line, payload...)
	return append(line, '\n'), nil
}

func decodeLine(line []byte, v any) error {
	line = bytes.TrimSuffix(line, []byte{'\n'})
	sum, payload, ok := bytes.Cut(line, []byte{' '})
	if !ok || len(sum) != 16 {
		return fmt.Errorf("%w: malformed line", errJournalCorrupt)
	}
	want, err := strconv.ParseUint(string(sum), 16, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed checksum", errJournalCorrupt)
	}
	if xxhash.Sum64(payload) != want {
		return fmt.Errorf("%w: checksum mismatch", errJournalCorrupt)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", errJournalCorrupt, err)
	}
	return nil
}

// journal appends records to the open journal file. It is not safe for
// concurrent use; the cache lock serializes it.
type journal struct {
	f       *os.File
	w       *bufio.Writer
	nextSeq uint64
}

func openJournal(dir string, nextSeq uint64) (*journal, error) {
	f, err := os.OpenFile(filepath.Join(dir, journalFileName), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &journal{
		f:       f,
		w:       bufio.NewWriter(f),
		nextSeq: nextSeq,
	}, nil
}

// append assigns the next sequence number to rec and buffers it.
func (j *journal) append(rec journalRecord) (journalRecord, error) {
	rec.Seq = j.nextSeq
	line, err := encodeLine(rec)
	if err != nil {
		return rec, err
	}
	if _, err := j.w.Write(line); err != nil {
		return rec, err
	}
	j.nextSeq++
	return rec, nil
}

func (j *journal) flush() error {
	return j.w.Flush()
}

func (j *journal) sync() error {
	if err := j.w.Flush(); err != nil {
		return err
	}
	return j.f.Sync()
}

func (j *journal) close() error {
	err := j.sync()
	if cerr := j.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// writeJournalFile atomically replaces the journal with header followed by
// records, renumbering them from firstSeq. Sequence numbers never go
// backwards across rewrites because they double as file generations. It returns the next free
// sequence number.
func writeJournalFile(dir string, header journalHeader, records []journalRecord, firstSeq uint64) (uint64, error) {
	tmp := filepath.Join(dir, journalFileName+"."+ksuid.New().String()+dirtySuffix)
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}

	seq := firstSeq
	write := func() error {
		w := bufio.NewWriter(f)
		line, err := encodeLine(header)
		if err != nil {
			return err
		}
		if _, err := w.Write(line); err != nil {
			return err
		}
		for _, rec := range records {
			rec.Seq = seq
			line, err := encodeLine(rec)
			if err != nil {
				return err
			}
			if _, err := w.Write(line); err != nil {
				return err
			}
			seq++
		}
		if err := w.Flush(); err != nil {
			return err
		}
		return f.Sync()
	}

	if err := write(); err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, filepath.Join(dir, journalFileName)); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	if err := syncDir(dir); err != nil {
		return 0, err
	}
	return seq, nil
}

type replayedEntry struct {
	key     string
	gen     uint64
	lengths []int64
}

// replayResult is the committed state described by a journal. order holds
// *replayedEntry, least recently used at the front.
type replayResult struct {
	header    journalHeader
	order     *list.List
	entries   map[string]*list.Element
	lines     int
	nextSeq   uint64
	redundant int
}

// readJournal replays the journal in dir. It returns errJournalVersion when
// the header does not match version or values and errJournalCorrupt for any
// inconsistency, including a final line cut short by a crash.
func readJournal(dir string, version, values int) (*replayResult, error) {
	f, err := os.Open(filepath.Join(dir, journalFileName))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	headerLine, err := r.ReadBytes('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: missing header", errJournalCorrupt)
		}
		return nil, err
	}
	var header journalHeader
	if err := decodeLine(headerLine, &header); err != nil {
		return nil, err
	}
	if header.Magic != journalMagic || header.Format != journalFormat {
		return nil, fmt.Errorf("%w: unknown header %q/%d", errJournalCorrupt, header.Magic, header.Format)
	}
	if header.Version != version || header.Values != values {
		return nil, fmt.Errorf("%w: have version %d values %d, want version %d values %d",
			errJournalVersion, header.Version, header.Values, version, values)
	}

	res := &replayResult{
		header:  header,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
	pending := make(map[string]uint64)
	var lastSeq, maxGen uint64

	for {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			if len(line) > 0 {
				return nil, fmt.Errorf("%w: truncated record", errJournalCorrupt)
			}
			break
		}
		if err != nil {
			return nil, err
		}
		res.lines++

		var rec journalRecord
		if err := decodeLine(line, &rec); err != nil {
			return nil, err
		}
		if rec.Seq <= lastSeq {
			return nil, fmt.Errorf("%w: sequence %d after %d", errJournalCorrupt, rec.Seq, lastSeq)
		}
		lastSeq = rec.Seq
		if rec.Gen > maxGen {
			maxGen = rec.Gen
		}

		if err := res.apply(rec, pending, values); err != nil {
			return nil, err
		}
	}

	res.nextSeq = max(lastSeq, maxGen) + 1
	res.redundant = res.lines - len(res.entries)
	return res, nil
}

func (res *replayResult) apply(rec journalRecord, pending map[string]uint64, values int) error {
	elem, exists := res.entries[rec.Key]
	switch rec.Op {
	case opDirty:
		if rec.Gen == 0 || rec.Gen > rec.Seq {
			return fmt.Errorf("%w: dirty %q gen %d at seq %d", errJournalCorrupt, rec.Key, rec.Gen, rec.Seq)
		}
		pending[rec.Key] = rec.Gen

	case opClean:
		if rec.Gen == 0 || len(rec.Lengths) != values {
			return fmt.Errorf("%w: clean %q malformed", errJournalCorrupt, rec.Key)
		}
		for _, n := range rec.Lengths {
			if n < 0 {
				return fmt.Errorf("%w: clean %q negative length", errJournalCorrupt, rec.Key)
			}
		}
		delete(pending, rec.Key)
		if exists {
			res.order.Remove(elem)
		}
		res.entries[rec.Key] = res.order.PushBack(&replayedEntry{
			key:     rec.Key,
			gen:     rec.Gen,
			lengths: rec.Lengths,
		})

	case opAbort:
		if _, ok := pending[rec.Key]; !ok {
			return fmt.Errorf("%w: abort of %q without edit", errJournalCorrupt, rec.Key)
		}
		delete(pending, rec.Key)

	case opRemove:
		if !exists {
			return fmt.Errorf("%w: remove of absent %q", errJournalCorrupt, rec.Key)
		}
		res.order.Remove(elem)
		delete(res.entries, rec.Key)

	case opRead:
		if !exists {
			return fmt.Errorf("%w: read of absent %q", errJournalCorrupt, rec.Key)
		}
		res.order.MoveToBack(elem)

	default:
		return fmt.Errorf("%w: unknown op %q", errJournalCorrupt, rec.Op)
	}
	return nil
}
