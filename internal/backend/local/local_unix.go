//go:build !windows

package local

import (
	"errors"
	"os"
	"syscall"
)

// fsyncDir commits new directory entries. File systems that cannot sync a
// directory are ignored.
func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	switch err := d.Sync(); {
	case errors.Is(err, syscall.ENOTSUP), errors.Is(err, syscall.ENOENT), errors.Is(err, syscall.EINVAL):
		return nil
	default:
		return err
	}
}

func setFileReadonly(f string, mode os.FileMode) error {
	return os.Chmod(f, mode&^0222)
}
