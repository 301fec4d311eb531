//go:build unix

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/packvault/packvault/internal/options"
	"github.com/packvault/packvault/internal/repository"
	rtest "github.com/packvault/packvault/internal/test"
)

type testEnvironment struct {
	base, repo, testdata string
	gopts                GlobalOptions
}

func withTestEnvironment(t testing.TB) *testEnvironment {
	if !rtest.RunIntegrationTest {
		t.Skip("integration tests disabled")
	}

	repository.TestUseLowSecurityKDFParameters(t)

	base := rtest.TempDir(t)
	env := &testEnvironment{
		base:     base,
		repo:     filepath.Join(base, "repo"),
		testdata: filepath.Join(base, "testdata"),
	}
	rtest.OK(t, os.MkdirAll(env.testdata, 0o700))

	env.gopts = GlobalOptions{
		Repo:      env.repo,
		Quiet:     true,
		password:  rtest.TestPassword,
		stdin:     io.NopCloser(bytes.NewReader(nil)),
		stdout:    io.Discard,
		stderr:    io.Discard,
		backends:  collectBackends(),
		extended:  make(options.Options),
		verbosity: 0,
	}
	return env
}

// withCaptureStdout runs fn with stdout redirected into a buffer.
func withCaptureStdout(t testing.TB, gopts GlobalOptions, fn func(gopts GlobalOptions) error) *bytes.Buffer {
	buf := bytes.NewBuffer(nil)
	gopts.stdout = buf
	rtest.OK(t, fn(gopts))
	return buf
}

func testRunInit(t testing.TB, gopts GlobalOptions) {
	rtest.OK(t, runInit(context.TODO(), InitOptions{}, gopts, nil))
}

func testRunBackup(t testing.TB, gopts GlobalOptions, target []string, opts BackupOptions) backupSummary {
	gopts.JSON = true
	buf := withCaptureStdout(t, gopts, func(gopts GlobalOptions) error {
		return runBackup(context.TODO(), opts, gopts, target)
	})

	var summary backupSummary
	rtest.OK(t, json.Unmarshal(buf.Bytes(), &summary))
	return summary
}

type testSnapshot struct {
	ID   string   `json:"id"`
	Host string   `json:"hostname"`
	Tags []string `json:"tags"`
}

func testListSnapshots(t testing.TB, gopts GlobalOptions) []testSnapshot {
	gopts.JSON = true
	buf := withCaptureStdout(t, gopts, func(gopts GlobalOptions) error {
		return runSnapshots(context.TODO(), SnapshotOptions{}, gopts, nil)
	})

	var snapshots []testSnapshot
	rtest.OK(t, json.Unmarshal(buf.Bytes(), &snapshots))
	return snapshots
}

func testRunRestore(t testing.TB, gopts GlobalOptions, target string, snapshot string) {
	rtest.OK(t, runRestore(context.TODO(), RestoreOptions{Target: target}, gopts, []string{snapshot}))
}

func testRunCheck(t testing.TB, gopts GlobalOptions) {
	rtest.OK(t, runCheck(context.TODO(), CheckOptions{ReadData: true}, gopts, nil))
}

func testRunForget(t testing.TB, gopts GlobalOptions, opts ForgetOptions, args ...string) {
	pruneOpts := PruneOptions{RepackRatio: repository.DefaultRepackRatio}
	rtest.OK(t, runForget(context.TODO(), opts, pruneOpts, gopts, args))
}

// dirContents maps the relative path of every regular file below dir to
// its content.
func dirContents(t testing.TB, dir string) map[string]string {
	files := make(map[string]string)
	err := filepath.Walk(dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !fi.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		buf, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[rel] = string(buf)
		return nil
	})
	rtest.OK(t, err)
	return files
}
