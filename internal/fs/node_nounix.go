//go:build !unix

package fs

import (
	"os"
	"time"

	"github.com/packvault/packvault/internal/data"
	"github.com/packvault/packvault/internal/errors"
)

const (
	modeBlockDevice = 0
	modeCharDevice  = 0
	modeFifo        = 0
)

func lchown(_ string, _, _ int) error {
	return nil
}

func utimesNano(path string, atime, mtime int64, typ data.NodeType) error {
	if typ == data.NodeTypeSymlink {
		return nil
	}
	return os.Chtimes(path, time.Unix(0, atime), time.Unix(0, mtime))
}

func mknod(path string, _ uint32, _ uint64) error {
	return &os.PathError{Op: "mknod", Path: path, Err: errors.New("device nodes are not supported on this platform")}
}
