//go:build unix

package restorer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/packvault/packvault/internal/archiver"
	"github.com/packvault/packvault/internal/data"
	"github.com/packvault/packvault/internal/repository"
	rtest "github.com/packvault/packvault/internal/test"
	"github.com/packvault/packvault/internal/ui/restore"
)

var testDir = archiver.TestDir{
	"file1": archiver.TestFile{Content: "content of file1\n"},
	"empty": archiver.TestFile{Content: ""},
	"dir": archiver.TestDir{
		"file2": archiver.TestFile{Content: strings.Repeat("file2 ", 1000)},
		"sub": archiver.TestDir{
			"file3": archiver.TestFile{Content: "nested file\n"},
		},
	},
	"link": archiver.TestSymlink{Target: "file1"},
}

// saveTestDir backs up dir and returns a snapshot whose tree is the backed up
// directory itself, so that restored paths are relative to it.
func saveTestDir(t *testing.T, repo *repository.Repository, dir archiver.TestDir) *data.Snapshot {
	t.Helper()
	src := t.TempDir()
	archiver.TestCreateFiles(t, src, dir)

	sn := archiver.TestSnapshot(t, repo, src, nil)
	id, err := data.FindTreeDirectory(context.TODO(), repo, sn.Tree, filepath.ToSlash(src))
	rtest.OK(t, err)
	sn.Tree = id
	return sn
}

func restoreTo(t *testing.T, repo *repository.Repository, sn *data.Snapshot, opts Options, dst string) (*Restorer, uint64) {
	t.Helper()
	res := NewRestorer(repo, sn, opts)
	count, err := res.RestoreTo(context.TODO(), dst)
	rtest.OK(t, err)
	return res, count
}

func checkContent(t *testing.T, dst string, dir archiver.TestDir) {
	t.Helper()
	for name, item := range dir {
		target := filepath.Join(dst, name)
		switch it := item.(type) {
		case archiver.TestFile:
			buf, err := os.ReadFile(target)
			rtest.OK(t, err)
			rtest.Equals(t, it.Content, string(buf), "content of "+target)
		case archiver.TestSymlink:
			link, err := os.Readlink(target)
			rtest.OK(t, err)
			rtest.Equals(t, it.Target, link)
		case archiver.TestDir:
			fi, err := os.Lstat(target)
			rtest.OK(t, err)
			rtest.Assert(t, fi.IsDir(), "%v is not a directory", target)
			checkContent(t, target, it)
		}
	}
}

func TestRestorer(t *testing.T) {
	repo := repository.TestRepository(t)
	sn := saveTestDir(t, repo, testDir)

	dst := t.TempDir()
	res, count := restoreTo(t, repo, sn, Options{}, dst)
	rtest.Equals(t, uint64(4), count)
	checkContent(t, dst, testDir)

	verified, err := res.VerifyFiles(context.TODO(), dst, nil)
	rtest.OK(t, err)
	rtest.Equals(t, 4, verified)
}

func TestRestorerSparse(t *testing.T) {
	repo := repository.TestRepository(t)
	dir := archiver.TestDir{
		"zeros": archiver.TestFile{Content: string(make([]byte, 3*1024*1024))},
	}
	sn := saveTestDir(t, repo, dir)

	dst := t.TempDir()
	restoreTo(t, repo, sn, Options{Sparse: true}, dst)
	checkContent(t, dst, dir)
}

func TestRestorerHardlinks(t *testing.T) {
	repo := repository.TestRepository(t)
	dir := archiver.TestDir{
		"file": archiver.TestFile{Content: "linked content"},
		"sub": archiver.TestDir{
			"link": archiver.TestHardlink{Target: "../file"},
		},
	}
	sn := saveTestDir(t, repo, dir)

	dst := t.TempDir()
	restoreTo(t, repo, sn, Options{}, dst)

	fi1, err := os.Lstat(filepath.Join(dst, "file"))
	rtest.OK(t, err)
	fi2, err := os.Lstat(filepath.Join(dst, "sub", "link"))
	rtest.OK(t, err)
	rtest.Equals(t, fi1.Sys().(*syscall.Stat_t).Ino, fi2.Sys().(*syscall.Stat_t).Ino)

	buf, err := os.ReadFile(filepath.Join(dst, "sub", "link"))
	rtest.OK(t, err)
	rtest.Equals(t, "linked content", string(buf))
}

func TestRestorerOverwrite(t *testing.T) {
	repo := repository.TestRepository(t)
	dir := archiver.TestDir{
		"file": archiver.TestFile{Content: "content from the snapshot"},
	}
	sn := saveTestDir(t, repo, dir)

	for _, test := range []struct {
		overwrite OverwriteBehavior
		expected  string
	}{
		{OverwriteAlways, "content from the snapshot"},
		{OverwriteIfChanged, "content from the snapshot"},
		{OverwriteNever, "local modification"},
	} {
		t.Run(test.overwrite.String(), func(t *testing.T) {
			dst := t.TempDir()
			rtest.OK(t, os.WriteFile(filepath.Join(dst, "file"), []byte("local modification"), 0644))

			restoreTo(t, repo, sn, Options{Overwrite: test.overwrite}, dst)

			buf, err := os.ReadFile(filepath.Join(dst, "file"))
			rtest.OK(t, err)
			rtest.Equals(t, test.expected, string(buf))
		})
	}
}

func TestRestorerUnchangedFileIsSkipped(t *testing.T) {
	repo := repository.TestRepository(t)
	dir := archiver.TestDir{
		"file": archiver.TestFile{Content: "unchanged content"},
	}
	sn := saveTestDir(t, repo, dir)

	dst := t.TempDir()
	restoreTo(t, repo, sn, Options{}, dst)

	var finished restore.State
	progress := restoreProgress(&finished)
	restoreTo(t, repo, sn, Options{Overwrite: OverwriteIfChanged, Progress: progress}, dst)
	progress.Finish()

	rtest.Equals(t, uint64(1), finished.FilesSkipped)
	checkContent(t, dst, dir)
}

func TestRestorerSelectFilter(t *testing.T) {
	repo := repository.TestRepository(t)
	sn := saveTestDir(t, repo, testDir)

	dst := t.TempDir()
	res := NewRestorer(repo, sn, Options{})
	res.SelectFilter = func(item string, isDir bool) (bool, bool) {
		matched := item == "/dir" || strings.HasPrefix(item, "/dir/")
		return matched, isDir && (matched || item == "/")
	}
	count, err := res.RestoreTo(context.TODO(), dst)
	rtest.OK(t, err)
	rtest.Equals(t, uint64(2), count)

	checkContent(t, dst, archiver.TestDir{"dir": testDir["dir"]})
	_, err = os.Lstat(filepath.Join(dst, "file1"))
	rtest.Assert(t, os.IsNotExist(err), "file1 should not have been restored, got %v", err)
}

func TestRestorerDryRun(t *testing.T) {
	repo := repository.TestRepository(t)
	sn := saveTestDir(t, repo, testDir)

	dst := filepath.Join(t.TempDir(), "target")
	_, count := restoreTo(t, repo, sn, Options{DryRun: true}, dst)
	rtest.Equals(t, uint64(4), count)

	_, err := os.Lstat(dst)
	rtest.Assert(t, os.IsNotExist(err), "dry run created the target directory: %v", err)
}

func TestVerifyFilesDetectsModification(t *testing.T) {
	repo := repository.TestRepository(t)
	sn := saveTestDir(t, repo, testDir)

	dst := t.TempDir()
	res, _ := restoreTo(t, repo, sn, Options{}, dst)

	target := filepath.Join(dst, "dir", "sub", "file3")
	rtest.OK(t, os.WriteFile(target, []byte("nested fil3\n"), 0644))

	_, err := res.VerifyFiles(context.TODO(), dst, nil)
	rtest.Assert(t, err != nil, "expected verification error for modified file")
	rtest.Assert(t, strings.Contains(err.Error(), "Unexpected content"), "unexpected error %v", err)
}

func TestOverwriteBehaviorFlag(t *testing.T) {
	var ob OverwriteBehavior
	for _, s := range []string{"always", "if-changed", "if-newer", "never"} {
		rtest.OK(t, ob.Set(s))
		rtest.Equals(t, s, ob.String())
	}
	rtest.Assert(t, ob.Set("sometimes") != nil, "invalid value accepted")
	rtest.Equals(t, OverwriteInvalid, ob)
}

func TestHasPathPrefix(t *testing.T) {
	for _, test := range []struct {
		base, p string
		result  bool
	}{
		{"/tmp/dst", "/tmp/dst/file", true},
		{"/tmp/dst", "/tmp/dst", true},
		{"/tmp/dst", "/tmp/dst2/file", false},
		{"/tmp/dst", "/tmp/file", false},
		{"/tmp/dst", "/tmp/dst/../other", false},
	} {
		rtest.Equals(t, test.result, hasPathPrefix(test.base, test.p), test.base+" "+test.p)
	}
}

type summaryPrinter struct {
	summary *restore.State
}

func (p summaryPrinter) Update(_ restore.State, _ time.Duration) {}
func (p summaryPrinter) CompleteItem(_ restore.ItemAction, _ string, _ uint64) {}
func (p summaryPrinter) Finish(s restore.State, _ time.Duration) {
	*p.summary = s
}

func restoreProgress(summary *restore.State) *restore.Progress {
	return restore.NewProgress(summaryPrinter{summary}, 0)
}
