//go:build unix && !linux

package fs

import (
	"os"
	"syscall"
)

// lstat falls back to os.Lstat. Only the portable fields of syscall.Stat_t
// are used, timestamps other than the modification time are not available.
func lstat(name string) (*ExtendedFileInfo, error) {
	fi, err := os.Lstat(name)
	if err != nil {
		return nil, err
	}

	efi := &ExtendedFileInfo{
		Name: fi.Name(),
		Mode: fi.Mode(),
		Size: fi.Size(),

		AccessTime: fi.ModTime(),
		ModTime:    fi.ModTime(),
		ChangeTime: fi.ModTime(),
	}

	if s, ok := fi.Sys().(*syscall.Stat_t); ok {
		efi.DeviceID = uint64(s.Dev)
		efi.Inode = uint64(s.Ino)
		efi.Links = uint64(s.Nlink)
		efi.UID = s.Uid
		efi.GID = s.Gid
		efi.Device = uint64(s.Rdev)
	}

	return efi, nil
}
