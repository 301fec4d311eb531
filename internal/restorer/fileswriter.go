package restorer

import (
	"fmt"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/errors"
)

// writes blobs to target files.
// multiple files can be written to concurrently.
// multiple blobs can be concurrently written to the same file.
type filesWriter struct {
	buckets []filesWriterBucket
}

type filesWriterBucket struct {
	lock  sync.Mutex
	files map[string]*partialFile
}

type partialFile struct {
	*os.File
	users  int // Reference count.
	sparse bool
}

func newFilesWriter(count int) *filesWriter {
	buckets := make([]filesWriterBucket, count)
	for b := 0; b < count; b++ {
		buckets[b].files = make(map[string]*partialFile)
	}
	return &filesWriter{
		buckets: buckets,
	}
}

func openFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|oNoFollow, 0600)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if !fi.Mode().IsRegular() {
		_ = f.Close()
		return nil, fmt.Errorf("unexpected file type %v at %q", fi.Mode().Type(), path)
	}
	return f, nil
}

// createFile creates the file at path with the given size. Anything which is
// not a regular file with a single link is replaced.
func createFile(path string, createSize int64, sparse bool) (*os.File, error) {
	fi, err := os.Lstat(path)
	switch {
	case err == nil && (!fi.Mode().IsRegular() || linkCount(fi) > 1):
		// there is no efficient way to find out which other files are
		// linked to this file, so start with a fresh one
		if err := os.RemoveAll(path); err != nil {
			return nil, errors.WithStack(err)
		}
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return nil, errors.WithStack(err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|oNoFollow, 0600)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	if err := ensureSize(f, createSize, sparse); err != nil {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}

// ensureSize truncates f to size. Sparse writes skip zeros, so old content
// must be discarded first.
func ensureSize(f *os.File, size int64, sparse bool) error {
	if sparse {
		if err := f.Truncate(0); err != nil {
			return errors.WithStack(err)
		}
		return errors.WithStack(f.Truncate(size))
	}

	fi, err := f.Stat()
	if err != nil {
		return errors.WithStack(err)
	}
	if fi.Size() != size {
		return errors.WithStack(f.Truncate(size))
	}
	return nil
}

func (w *filesWriter) writeToFile(path string, blob []byte, offset int64, createSize int64, sparse bool) error {
	bucket := &w.buckets[uint(xxhash.Sum64String(path))%uint(len(w.buckets))]

	acquireWriter := func() (*partialFile, error) {
		bucket.lock.Lock()
		defer bucket.lock.Unlock()

		if wr, ok := bucket.files[path]; ok {
			bucket.files[path].users++
			return wr, nil
		}

		var f *os.File
		var err error
		if createSize >= 0 {
			f, err = createFile(path, createSize, sparse)
		} else {
			f, err = openFile(path)
		}
		if err != nil {
			return nil, err
		}

		wr := &partialFile{File: f, users: 1, sparse: sparse}
		bucket.files[path] = wr

		return wr, nil
	}

	releaseWriter := func(wr *partialFile) error {
		bucket.lock.Lock()
		defer bucket.lock.Unlock()

		if bucket.files[path].users == 1 {
			delete(bucket.files, path)
			return wr.Close()
		}
		bucket.files[path].users--
		return nil
	}

	wr, err := acquireWriter()
	if err != nil {
		return err
	}

	_, err = wr.WriteAt(blob, offset)

	if err != nil {
		// ignore subsequent errors
		_ = releaseWriter(wr)
		return err
	}

	debug.Log("wrote %d bytes to %v at offset %d", len(blob), path, offset)
	return releaseWriter(wr)
}
