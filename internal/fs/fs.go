package fs

import (
	"io"
	"os"
	"path/filepath"
)

// FS bundles all methods needed to read a file system for a backup.
type FS interface {
	// Lstat returns the metadata of name without following symlinks.
	Lstat(name string) (*ExtendedFileInfo, error)
	// Open opens a file or directory for reading.
	Open(name string) (File, error)
	Readlink(name string) (string, error)

	Join(elem ...string) string
	Abs(path string) (string, error)
	Clean(path string) string
	IsAbs(path string) bool
	Dir(path string) string
	Base(path string) string
}

// File is an open file on a file system.
type File interface {
	io.Reader
	io.Closer

	Readdirnames(n int) ([]string, error)
}

// Local is the local file system. Most methods are just passed on to the stdlib.
type Local struct{}

// statically ensure that Local implements FS.
var _ FS = &Local{}

// Lstat returns the ExtendedFileInfo describing the named file. If the file
// is a symbolic link, the returned info describes the symbolic link.
func (fs Local) Lstat(name string) (*ExtendedFileInfo, error) {
	return lstat(name)
}

// Open opens a file for reading.
func (fs Local) Open(name string) (File, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Readlink returns the destination of the named symbolic link.
func (fs Local) Readlink(name string) (string, error) {
	return os.Readlink(name)
}

// Join joins any number of path elements into a single path.
func (fs Local) Join(elem ...string) string {
	return filepath.Join(elem...)
}

// IsAbs reports whether the path is absolute.
func (fs Local) IsAbs(path string) bool {
	return filepath.IsAbs(path)
}

// Abs returns an absolute representation of path.
func (fs Local) Abs(path string) (string, error) {
	return filepath.Abs(path)
}

// Clean returns the cleaned path. For details, see filepath.Clean.
func (fs Local) Clean(p string) string {
	return filepath.Clean(p)
}

// Base returns the last element of path.
func (fs Local) Base(path string) string {
	return filepath.Base(path)
}

// Dir returns path without the last element.
func (fs Local) Dir(path string) string {
	return filepath.Dir(path)
}

// ReadDirNames reads the directory named by dirname within fs and returns a
// list of entry names.
func ReadDirNames(fs FS, dirname string) ([]string, error) {
	f, err := fs.Open(dirname)
	if err != nil {
		return nil, err
	}

	entries, err := f.Readdirnames(-1)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	err = f.Close()
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// RemoveIfExists removes a file, returning no error if it does not exist.
func RemoveIfExists(filename string) error {
	err := os.Remove(filename)
	if err != nil && os.IsNotExist(err) {
		err = nil
	}
	return err
}
