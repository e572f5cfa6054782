//go:build !unix

package diskcache

import (
	"os"
	"path/filepath"
)

func lockDir(dir string) (*os.File, error) {
	return os.OpenFile(filepath.Join(dir, lockFileName), os.O_RDWR|os.O_CREATE, 0o644)
}

func syncDir(string) error {
	return nil
}
