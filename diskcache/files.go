package diskcache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	journalFileName = "journal"
	lockFileName    = ".lock"
	dirtySuffix     = ".tmp"
)

// cacheFileName is the stable, filesystem-safe stem for key.
func cacheFileName(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:16])
}

// valueFileName names value i of the generation gen of key. Generations
// never repeat, so a new commit never overwrites a file an open snapshot
// may still read.
func valueFileName(key string, gen uint64, i int) string {
	var b strings.Builder
	b.WriteString(cacheFileName(key))
	b.WriteByte('.')
	b.WriteString(strconv.FormatUint(gen, 10))
	b.WriteByte('.')
	b.WriteString(strconv.Itoa(i))
	return b.String()
}

func dirtyFileName(key string, gen uint64, i int) string {
	return valueFileName(key, gen, i) + dirtySuffix
}

// removeFiles deletes paths, ignoring files that are already gone, and
// returns the first other error.
func removeFiles(paths []string) error {
	var first error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) && first == nil {
			first = err
		}
	}
	return first
}

// linkOrCopy makes dst a durable copy of src, as a hard link when the
// filesystem allows it.
func linkOrCopy(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// emptyDir removes everything in dir except the lock file.
func emptyDir(dir string) error {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, ent := range ents {
		if ent.Name() == lockFileName {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, ent.Name())); err != nil {
			return err
		}
	}
	return nil
}

// sweepDir removes everything in dir that is not in keep.
func sweepDir(dir string, keep map[string]bool) (int, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, ent := range ents {
		name := ent.Name()
		if name == lockFileName || name == journalFileName || keep[name] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, name)); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
