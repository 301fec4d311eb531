package main

import (
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/packvault/packvault/internal/backend/util"
	"github.com/packvault/packvault/internal/engine"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/textfile"
	"github.com/packvault/packvault/internal/ui/termstatus"
)

// resolvePassword returns the password given by --password-command,
// --password-file or the environment variable env, in this order. An empty
// result means the user has to be asked.
func resolvePassword(opts *GlobalOptions, env string) (string, error) {
	switch {
	case opts.PasswordFile != "" && opts.PasswordCommand != "":
		return "", errors.Fatalf("Password file and command are mutually exclusive options")
	case opts.PasswordCommand != "":
		return runPasswordCommand(opts.PasswordCommand)
	case opts.PasswordFile != "":
		return loadPasswordFromFile(opts.PasswordFile)
	}
	return os.Getenv(env), nil
}

func runPasswordCommand(command string) (string, error) {
	name, args, err := util.SplitShellArgs(command)
	if err != nil {
		return "", err
	}
	cmd := exec.Command(name, args...)
	cmd.Stderr = os.Stderr
	out, err := cmd.Output()
	if err != nil {
		return "", errors.Wrapf(err, "run %v", name)
	}
	return strings.TrimSpace(string(out)), nil
}

// loadPasswordFromFile reads the first line of a password file. A BOM is
// stripped and UTF-16 files are converted.
func loadPasswordFromFile(fn string) (string, error) {
	buf, err := textfile.Read(fn)
	if errors.Is(err, os.ErrNotExist) {
		return "", errors.Fatalf("%s does not exist", fn)
	}
	if err != nil {
		return "", errors.Wrap(err, "read password file")
	}
	return strings.TrimSpace(string(buf)), nil
}

// ReadPassword returns the resolved password or prompts for one. A canceled
// ctx leaves the goroutine reading from the terminal behind.
func ReadPassword(ctx context.Context, opts GlobalOptions, prompt string) (string, error) {
	if opts.InsecureNoPassword {
		if opts.password != "" {
			return "", errors.Fatal("--insecure-no-password must not be specified together with providing a password via a cli option or environment variable")
		}
		return "", nil
	}
	if opts.password != "" {
		return opts.password, nil
	}

	term := opts.term
	if term == nil {
		term = termstatus.New(opts.stdin, opts.stdout, opts.stderr, true)
	}
	pw, err := term.ReadPassword(ctx, prompt)
	if err != nil {
		return "", errors.Wrap(err, "unable to read password")
	}
	if pw == "" {
		return "", errors.Fatal("an empty password is not allowed by default. Pass the flag `--insecure-no-password` to packvault to disable this check")
	}
	return pw, nil
}

// ReadPasswordTwice asks for the password and, on an interactive terminal,
// for a confirmation which must match.
func ReadPasswordTwice(ctx context.Context, gopts GlobalOptions, prompt, confirm string) (string, error) {
	pw, err := ReadPassword(ctx, gopts, prompt)
	if err != nil {
		return "", err
	}
	if gopts.term == nil || !gopts.term.InputIsTerminal() {
		return pw, nil
	}

	again, err := ReadPassword(ctx, gopts, confirm)
	if err != nil {
		return "", err
	}
	if pw != again {
		return "", errors.Fatal("passwords do not match")
	}
	return pw, nil
}

// passwordSource hands the password resolution of gopts to the engine.
func passwordSource(gopts GlobalOptions, prompt string) engine.PasswordSource {
	return engine.PasswordFunc(func(ctx context.Context) (string, error) {
		if gopts.InsecureNoPassword && gopts.password == "" {
			return "", nil
		}
		return ReadPassword(ctx, gopts, prompt)
	})
}
