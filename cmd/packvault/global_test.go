package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/packvault/packvault/internal/errors"
	rtest "github.com/packvault/packvault/internal/test"
)

func TestApplyEnvironment(t *testing.T) {
	env := map[string]string{
		"PACKVAULT_REPOSITORY":      "/srv/repo",
		"PACKVAULT_KEY_HINT":        "abcd",
		"PACKVAULT_CACERT":          "a.pem,b.pem",
		"PACKVAULT_TREE_CACHE_SIZE": "1024",
	}
	var opts GlobalOptions
	opts.KeyHint = "kept unless set"
	opts.PasswordFile = "from-flag-default"
	opts.applyEnvironment(func(name string) string { return env[name] })

	rtest.Equals(t, "/srv/repo", opts.Repo)
	rtest.Equals(t, "abcd", opts.KeyHint)
	rtest.Equals(t, "from-flag-default", opts.PasswordFile)
	rtest.Equals(t, 1024, opts.TreeCacheSize)
	if diff := cmp.Diff([]string{"a.pem", "b.pem"}, opts.RootCertFilenames); diff != "" {
		t.Errorf("cacert mismatch (-want +got):\n%s", diff)
	}

	env["PACKVAULT_TREE_CACHE_SIZE"] = "lots"
	opts.applyEnvironment(func(name string) string { return env[name] })
	rtest.Equals(t, 1024, opts.TreeCacheSize)
}

func TestVerbosityLevel(t *testing.T) {
	for _, test := range []struct {
		quiet   bool
		verbose int
		want    uint
	}{
		{false, 0, verbosityNormal},
		{true, 0, verbosityQuiet},
		{false, 1, verbosityVerbose},
		{false, 2, verbosityDebug},
		{false, 5, verbosityDebug},
	} {
		got, err := verbosityLevel(test.quiet, test.verbose)
		rtest.OK(t, err)
		rtest.Equals(t, test.want, got)
	}

	_, err := verbosityLevel(true, 1)
	rtest.Assert(t, errors.IsFatal(err), "expected fatal error, got %v", err)
}

func TestReadRepo(t *testing.T) {
	_, err := ReadRepo(GlobalOptions{})
	rtest.Assert(t, errors.IsFatal(err), "missing location accepted")

	repo, err := ReadRepo(GlobalOptions{Repo: "local:/srv"})
	rtest.OK(t, err)
	rtest.Equals(t, "local:/srv", repo)

	fn := filepath.Join(rtest.TempDir(t), "repo")
	rtest.OK(t, os.WriteFile(fn, []byte("sftp:host:/srv\n"), 0o600))
	repo, err = ReadRepo(GlobalOptions{RepositoryFile: fn})
	rtest.OK(t, err)
	rtest.Equals(t, "sftp:host:/srv", repo)

	_, err = ReadRepo(GlobalOptions{Repo: "local:/srv", RepositoryFile: fn})
	rtest.Assert(t, errors.IsFatal(err), "both -r and --repository-file accepted")

	_, err = ReadRepo(GlobalOptions{RepositoryFile: fn + ".missing"})
	rtest.Assert(t, errors.IsFatal(err), "missing repository file accepted")
}

func TestResolvePassword(t *testing.T) {
	fn := filepath.Join(rtest.TempDir(t), "pw")
	rtest.OK(t, os.WriteFile(fn, []byte("\xef\xbb\xbfsecret\n"), 0o600))

	pw, err := resolvePassword(&GlobalOptions{PasswordFile: fn}, "PACKVAULT_TEST_UNSET")
	rtest.OK(t, err)
	rtest.Equals(t, "secret", pw)

	_, err = resolvePassword(&GlobalOptions{PasswordFile: fn, PasswordCommand: "echo x"}, "PACKVAULT_TEST_UNSET")
	rtest.Assert(t, err != nil, "file and command accepted together")

	t.Setenv("PACKVAULT_TEST_PASSWORD", "from-env")
	pw, err = resolvePassword(&GlobalOptions{}, "PACKVAULT_TEST_PASSWORD")
	rtest.OK(t, err)
	rtest.Equals(t, "from-env", pw)
}
