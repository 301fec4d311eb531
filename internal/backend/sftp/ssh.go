package sftp

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/sftp"

	"github.com/packvault/packvault/internal/backend/util"
	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/errors"
)

// closeTimeout is how long Close waits for ssh to exit before killing it.
var closeTimeout = 2 * time.Second

// session is an sftp client talking to the subsystem of a child ssh process.
type session struct {
	c   *sftp.Client
	cmd *exec.Cmd

	// exited yields the exit status of cmd forever once it terminated
	exited <-chan error
}

// buildSSHCommand returns the command starting the sftp subsystem. An
// explicit sftp.command replaces the generated ssh invocation.
func buildSSHCommand(cfg Config) (string, []string, error) {
	if cfg.Command != "" {
		if cfg.Args != "" {
			return "", nil, errors.New("cannot specify both sftp.command and sftp.args options")
		}
		return util.SplitShellArgs(cfg.Command)
	}
	if cfg.ServerAliveCountMax == 0 {
		return "", nil, errors.New("sftp.server-alive-count-max cannot be 0")
	}

	args := []string{cfg.Host}
	if cfg.Port != "" {
		args = append(args, "-p", cfg.Port)
	}
	if cfg.User != "" {
		args = append(args, "-l", cfg.User)
	}
	if cfg.ServerAliveInterval >= 0 {
		args = append(args, "-o", "ServerAliveInterval="+strconv.Itoa(cfg.ServerAliveInterval))
	}
	if cfg.ServerAliveCountMax > 0 {
		args = append(args, "-o", "ServerAliveCountMax="+strconv.Itoa(cfg.ServerAliveCountMax))
	}
	if cfg.Args != "" {
		first, rest, err := util.SplitShellArgs(cfg.Args)
		if err != nil {
			return "", nil, err
		}
		args = append(append(args, first), rest...)
	}
	return "ssh", append(args, "-s", "sftp"), nil
}

// startSession runs the ssh command and opens an sftp session over its
// stdin and stdout. Passwordless login has to be configured. Everything the
// command prints on stderr is forwarded with a prefix.
func startSession(cfg Config) (*session, error) {
	program, args, err := buildSSHCommand(cfg)
	if err != nil {
		return nil, err
	}
	debug.Log("start client %v %v", program, args)
	cmd := exec.Command(program, args...)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.Wrap(err, "cmd.StderrPipe")
	}
	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			fmt.Fprintf(os.Stderr, "subprocess %v: %v\n", program, sc.Text())
		}
	}()

	wr, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "cmd.StdinPipe")
	}
	rd, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "cmd.StdoutPipe")
	}

	bg, err := util.StartForeground(cmd)
	if errors.Is(err, exec.ErrDot) {
		return nil, errors.Errorf("cannot implicitly run relative executable %v found in current directory, use -o sftp.command=./<command> to override", cmd.Path)
	}
	if err != nil {
		return nil, err
	}

	exited := make(chan error, 1)
	go func() {
		err := errors.Wrap(cmd.Wait(), "ssh command exited")
		debug.Log("ssh command exited, err %v", err)
		for {
			exited <- err
		}
	}()

	// 128 concurrent 32 KiB packets per file
	client, err := sftp.NewClientPipe(rd, wr, sftp.UseConcurrentWrites(true), sftp.MaxConcurrentRequestsPerFile(128))
	if err != nil {
		return nil, errors.Errorf("unable to start the sftp session, error: %v", err)
	}
	if err := bg(); err != nil {
		return nil, errors.Wrap(err, "bg")
	}
	return &session{c: client, cmd: cmd, exited: exited}, nil
}

// alive returns a permanent error once the ssh process has exited.
func (s *session) alive() error {
	select {
	case err := <-s.exited:
		debug.Log("client has exited with err %v", err)
		return backoff.Permanent(err)
	default:
		return nil
	}
}

// close ends the session and gives ssh closeTimeout to exit before it is
// killed.
func (s *session) close() error {
	err := s.c.Close()
	debug.Log("Close returned error %v", err)

	select {
	case err := <-s.exited:
		return err
	case <-time.After(closeTimeout):
	}
	if err := s.cmd.Process.Kill(); err != nil {
		return err
	}
	<-s.exited
	return nil
}
