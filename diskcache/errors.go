package diskcache

import (
	"errors"
	"fmt"
)

var (
	ErrClosed         = errors.New("diskcache: cache closed")
	ErrEditInProgress = errors.New("diskcache: edit already in progress")
	ErrEditorDone     = errors.New("diskcache: editor already committed or aborted")
	ErrValueMissing   = errors.New("diskcache: value not written")
	ErrInvalidIndex   = errors.New("diskcache: value index out of range")
	ErrLocked         = errors.New("diskcache: directory in use by another cache")
	ErrSnapshotClosed = errors.New("diskcache: snapshot closed")

	errJournalCorrupt = errors.New("diskcache: journal corrupt")
	errJournalVersion = errors.New("diskcache: journal version mismatch")
)

// IOError reports a filesystem failure. The operation it interrupted left
// the previously committed state in place, so callers can fall back to an
// uncached path.
type IOError struct {
	Op  string
	Key string
	Err error
}

func (e *IOError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("diskcache: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("diskcache: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

func ioError(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var ioe *IOError
	if errors.As(err, &ioe) {
		return err
	}
	return &IOError{Op: op, Key: key, Err: err}
}
