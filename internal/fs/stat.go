package fs

import (
	"os"
	"time"
)

// ExtendedFileInfo is an extended version of os.FileInfo with the fields
// that are stored in a data.Node.
type ExtendedFileInfo struct {
	Name string
	Mode os.FileMode

	DeviceID  uint64 // ID of device containing the file
	Inode     uint64 // Inode number
	Links     uint64 // Number of hard links
	UID       uint32 // owner user ID
	GID       uint32 // owner group ID
	Device    uint64 // Device ID (if this is a device file)
	BlockSize int64  // block size for filesystem IO
	Blocks    int64  // number of allocated filesystem blocks
	Size      int64  // file size in byte

	AccessTime time.Time // last access time stamp
	ModTime    time.Time // last (content) modification time stamp
	ChangeTime time.Time // last status change time stamp
}

// IsDir reports whether the entry describes a directory.
func (fi *ExtendedFileInfo) IsDir() bool {
	return fi.Mode.IsDir()
}

// IsRegular reports whether the entry describes a regular file.
func (fi *ExtendedFileInfo) IsRegular() bool {
	return fi.Mode.IsRegular()
}
