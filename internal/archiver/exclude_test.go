package archiver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/packvault/packvault/internal/filter"
	"github.com/packvault/packvault/internal/fs"
	rtest "github.com/packvault/packvault/internal/test"
)

func lstat(t testing.TB, name string) *fs.ExtendedFileInfo {
	t.Helper()
	fi, err := fs.Local{}.Lstat(name)
	rtest.OK(t, err)
	return fi
}

func TestRejectIfPresent(t *testing.T) {
	tempdir := t.TempDir()
	TestCreateFiles(t, tempdir, TestDir{
		"cache": TestDir{
			"CACHEDIR.TAG": TestFile{Content: cacheDirTagSignature + "\n# created by some program"},
			"data":         TestFile{Content: "cached"},
		},
		"fake": TestDir{
			"CACHEDIR.TAG": TestFile{Content: "wrong signature"},
			"data":         TestFile{Content: "not cached"},
		},
		"tagged": TestDir{
			".nobackup": TestFile{},
			"data":      TestFile{Content: "excluded"},
		},
		"plain": TestDir{
			"data": TestFile{Content: "plain"},
		},
	})

	var warnings int
	warnf := func(string, ...any) { warnings++ }

	cacheDirs, err := RejectCacheDirs(warnf)
	rtest.OK(t, err)
	nobackup, err := RejectIfPresent(".nobackup", warnf)
	rtest.OK(t, err)

	var tests = []struct {
		path   string
		reject RejectFunc
		want   bool
	}{
		{"cache/data", cacheDirs, true},
		{"cache/CACHEDIR.TAG", cacheDirs, false},
		{"fake/data", cacheDirs, false},
		{"plain/data", cacheDirs, false},
		{"tagged/data", nobackup, true},
		{"tagged/.nobackup", nobackup, false},
		{"plain/data", nobackup, false},
	}

	for _, test := range tests {
		t.Run(test.path, func(t *testing.T) {
			p := filepath.Join(tempdir, filepath.FromSlash(test.path))
			rtest.Equals(t, test.want, test.reject(p, lstat(t, p), fs.Local{}))
		})
	}

	rtest.Equals(t, 1, warnings)
}

func TestRejectIfPresentInvalidSpec(t *testing.T) {
	_, err := RejectIfPresent("", nil)
	rtest.Assert(t, err != nil, "empty spec not rejected")
	_, err = RejectIfPresent(":content", nil)
	rtest.Assert(t, err != nil, "spec without name not rejected")
}

func TestRejectBySize(t *testing.T) {
	tempdir := t.TempDir()
	small := filepath.Join(tempdir, "small")
	large := filepath.Join(tempdir, "large")
	rtest.OK(t, os.WriteFile(small, make([]byte, 100), 0600))
	rtest.OK(t, os.WriteFile(large, make([]byte, 2000), 0600))

	reject := RejectBySize(1000)
	rtest.Equals(t, false, reject(small, lstat(t, small), fs.Local{}))
	rtest.Equals(t, true, reject(large, lstat(t, large), fs.Local{}))
	rtest.Equals(t, false, reject(tempdir, lstat(t, tempdir), fs.Local{}))
}

func TestRejectByDeviceSameFS(t *testing.T) {
	tempdir := t.TempDir()
	file := filepath.Join(tempdir, "file")
	rtest.OK(t, os.WriteFile(file, []byte("foo"), 0600))

	reject, err := RejectByDevice([]string{tempdir}, fs.Local{})
	rtest.OK(t, err)
	rtest.Equals(t, false, reject(file, lstat(t, file), fs.Local{}))

	fi := lstat(t, file)
	fi.DeviceID++
	rtest.Equals(t, true, reject(file, fi, fs.Local{}))
}

func TestRejectByInclude(t *testing.T) {
	tempdir := t.TempDir()
	TestCreateFiles(t, tempdir, TestDir{
		"docs": TestDir{
			"a.txt": TestFile{Content: "a"},
			"b.bin": TestFile{Content: "b"},
		},
	})

	reject := RejectByInclude(filter.IncludeByPattern([]string{filepath.Join(tempdir, "docs", "*.txt")}, nil))

	for _, test := range []struct {
		path string
		want bool
	}{
		{"docs", false},
		{"docs/a.txt", false},
		{"docs/b.bin", true},
	} {
		p := filepath.Join(tempdir, filepath.FromSlash(test.path))
		rtest.Equals(t, test.want, reject(p, lstat(t, p), fs.Local{}))
	}
}
