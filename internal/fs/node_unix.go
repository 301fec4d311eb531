//go:build unix

package fs

import (
	"os"

	"github.com/packvault/packvault/internal/data"

	"golang.org/x/sys/unix"
)

const (
	modeBlockDevice = unix.S_IFBLK
	modeCharDevice  = unix.S_IFCHR
	modeFifo        = unix.S_IFIFO
)

func lchown(name string, uid, gid int) error {
	return os.Lchown(name, uid, gid)
}

func utimesNano(path string, atime, mtime int64, _ data.NodeType) error {
	times := []unix.Timespec{
		unix.NsecToTimespec(atime),
		unix.NsecToTimespec(mtime),
	}

	return unix.UtimesNanoAt(unix.AT_FDCWD, path, times, unix.AT_SYMLINK_NOFOLLOW)
}
