package fs

import (
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// On Linux, Lstat is implemented in terms of unix.Statx, which also reports
// the device ID of the containing filesystem without a second call.

func lstat(name string) (*ExtendedFileInfo, error) {
	const mask = unix.STATX_BASIC_STATS
	var st unix.Statx_t
	err := unix.Statx(unix.AT_FDCWD, name, unix.AT_SYMLINK_NOFOLLOW|unix.AT_STATX_SYNC_AS_STAT, mask, &st)
	if err != nil {
		return nil, &os.PathError{Path: name, Op: "statx", Err: err}
	}

	return &ExtendedFileInfo{
		Name: filepath.Base(name),
		Mode: statxMode(st.Mode),

		DeviceID:  unix.Mkdev(st.Dev_major, st.Dev_minor),
		Inode:     st.Ino,
		Links:     uint64(st.Nlink),
		UID:       st.Uid,
		GID:       st.Gid,
		Device:    unix.Mkdev(st.Rdev_major, st.Rdev_minor),
		BlockSize: int64(st.Blksize),
		Blocks:    int64(st.Blocks),
		Size:      int64(st.Size),

		AccessTime: timeFromStatx(st.Atime),
		ModTime:    timeFromStatx(st.Mtime),
		ChangeTime: timeFromStatx(st.Ctime),
	}, nil
}

func timeFromStatx(ts unix.StatxTimestamp) time.Time {
	return time.Unix(ts.Sec, int64(ts.Nsec))
}

// Adapted from os/stat_linux.go in the Go stdlib.
func statxMode(m uint16) os.FileMode {
	mode := os.FileMode(m & 0o777)

	switch uint32(m) & unix.S_IFMT {
	case unix.S_IFBLK:
		mode |= os.ModeDevice
	case unix.S_IFCHR:
		mode |= os.ModeDevice | os.ModeCharDevice
	case unix.S_IFDIR:
		mode |= os.ModeDir
	case unix.S_IFIFO:
		mode |= os.ModeNamedPipe
	case unix.S_IFLNK:
		mode |= os.ModeSymlink
	case unix.S_IFREG:
		// nothing to do
	case unix.S_IFSOCK:
		mode |= os.ModeSocket
	}

	if uint32(m)&unix.S_ISGID != 0 {
		mode |= os.ModeSetgid
	}
	if uint32(m)&unix.S_ISUID != 0 {
		mode |= os.ModeSetuid
	}
	if uint32(m)&unix.S_ISVTX != 0 {
		mode |= os.ModeSticky
	}

	return mode
}
