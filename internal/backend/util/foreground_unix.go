//go:build unix

package util

import (
	"os"
	"os/exec"
	"os/signal"

	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/errors"

	"golang.org/x/sys/unix"
)

func tcgetpgrp(fd int) (int, error) {
	return unix.IoctlGetInt(fd, unix.TIOCGPGRP)
}

func tcsetpgrp(fd int, pid int) error {
	return unix.IoctlSetPointerInt(fd, unix.TIOCSPGRP, pid)
}

func startForeground(cmd *exec.Cmd) (bg func() error, err error) {
	// run the command in its own process group so that ctrl-c does not
	// immediately stop the backend process
	cmd.SysProcAttr = &unix.SysProcAttr{
		Setpgid: true,
	}

	tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		debug.Log("unable to open tty: %v", err)
		return startFallback(cmd)
	}

	// only move child process to foreground if we are in the foreground
	prev, err := tcgetpgrp(int(tty.Fd()))
	if err != nil {
		_ = tty.Close()
		return nil, err
	}

	self := unix.Getpgrp()
	if prev != self {
		debug.Log("not controlling the tty")
		if err := tty.Close(); err != nil {
			return nil, err
		}
		return startFallback(cmd)
	}

	// Prevent getting suspended when interacting with the tty
	signal.Ignore(unix.SIGTTIN)
	signal.Ignore(unix.SIGTTOU)

	err = cmd.Start()
	if err != nil {
		_ = tty.Close()
		return nil, errors.Wrap(err, "cmd.Start")
	}

	// move the command's process group into the foreground
	err = tcsetpgrp(int(tty.Fd()), cmd.Process.Pid)
	if err != nil {
		_ = tty.Close()
		return nil, err
	}

	bg = func() error {
		signal.Reset(unix.SIGTTIN)
		signal.Reset(unix.SIGTTOU)

		// reset the foreground process group
		err = tcsetpgrp(int(tty.Fd()), prev)
		if err != nil {
			_ = tty.Close()
			return err
		}

		return tty.Close()
	}

	return bg, nil
}
