package diskcache

import (
	"os"

	"github.com/dgraph-io/ristretto/v2/z"
)

// mmapFile memory-maps size bytes of f for read-only access.
func mmapFile(f *os.File, size int64) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	return z.Mmap(f, false, size)
}

func munmap(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return z.Munmap(data)
}
