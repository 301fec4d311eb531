//go:build unix

package terminal

import (
	"golang.org/x/sys/unix"

	"github.com/packvault/packvault/internal/debug"
)

// IsProcessBackground reports whether the current process is running in the
// background process group of the terminal fd.
func IsProcessBackground(fd uintptr) bool {
	pgid, err := unix.IoctlGetInt(int(fd), unix.TIOCGPGRP)
	if err != nil {
		debug.Log("Can't check if we are in the background. Using default behaviour. Error: %s\n", err.Error())
		return false
	}
	return pgid != getpgrp()
}
