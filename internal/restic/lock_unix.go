//go:build !windows

package restic

import (
	"os"
	"os/user"
	"strconv"
	"syscall"

	"github.com/packvault/packvault/internal/errors"
)

func uidGidInt(u *user.User) (uid, gid uint32, err error) {
	parse := func(kind, s string) (uint32, error) {
		v, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return 0, errors.Errorf("invalid %s %q", kind, s)
		}
		return uint32(v), nil
	}
	if uid, err = parse("UID", u.Uid); err != nil {
		return 0, 0, err
	}
	gid, err = parse("GID", u.Gid)
	return uid, gid, err
}

// processExists sends signal 0 to the lock owner. EPERM means the process
// exists but belongs to someone else.
func (l *Lock) processExists() bool {
	proc, err := os.FindProcess(l.PID)
	if err != nil {
		return false
	}
	defer func() { _ = proc.Release() }()

	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
