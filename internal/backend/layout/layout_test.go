package layout

import (
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/packvault/packvault/internal/backend"
	rtest "github.com/packvault/packvault/internal/test"
)

func TestDefaultLayout(t *testing.T) {
	tempdir := rtest.TempDir(t)

	var tests = []struct {
		path string
		join func(...string) string
		backend.Handle
		filename string
	}{
		{
			tempdir,
			filepath.Join,
			backend.Handle{Type: backend.PackFile, Name: "0123456"},
			filepath.Join(tempdir, "data", "01", "0123456"),
		},
		{
			tempdir,
			filepath.Join,
			backend.Handle{Type: backend.ConfigFile, Name: "CFG"},
			filepath.Join(tempdir, "config"),
		},
		{
			tempdir,
			filepath.Join,
			backend.Handle{Type: backend.SnapshotFile, Name: "123456"},
			filepath.Join(tempdir, "snapshots", "123456"),
		},
		{
			tempdir,
			filepath.Join,
			backend.Handle{Type: backend.PlanFile, Name: "123456"},
			filepath.Join(tempdir, "plans", "123456"),
		},
		{
			"repo",
			path.Join,
			backend.Handle{Type: backend.KeyFile, Name: "123456"},
			"repo/keys/123456",
		},
	}

	t.Run("Paths", func(t *testing.T) {
		l := &DefaultLayout{
			Path: tempdir,
			Join: filepath.Join,
		}

		dirs := l.Paths()

		want := []string{
			filepath.Join(tempdir, "data"),
			filepath.Join(tempdir, "snapshots"),
			filepath.Join(tempdir, "index"),
			filepath.Join(tempdir, "locks"),
			filepath.Join(tempdir, "keys"),
			filepath.Join(tempdir, "plans"),
		}

		for i := 0; i < 256; i++ {
			want = append(want, filepath.Join(tempdir, "data", fmt.Sprintf("%02x", i)))
		}

		sort.Strings(want)
		sort.Strings(dirs)

		rtest.Equals(t, want, dirs)
	})

	for _, test := range tests {
		t.Run(fmt.Sprintf("%v/%v", test.Type, test.Handle.Name), func(t *testing.T) {
			l := &DefaultLayout{
				Path: test.path,
				Join: test.join,
			}

			filename := l.Filename(test.Handle)
			rtest.Equals(t, test.filename, filename)
		})
	}
}

func TestRESTLayout(t *testing.T) {
	l := &RESTLayout{
		Path: "/",
		Join: path.Join,
	}

	rtest.Equals(t, "/data/0123456", l.Filename(backend.Handle{Type: backend.PackFile, Name: "0123456"}))
	rtest.Equals(t, "/config", l.Filename(backend.Handle{Type: backend.ConfigFile}))
	rtest.Equals(t, "/index/aa", l.Filename(backend.Handle{Type: backend.IndexFile, Name: "aa"}))

	dir, subdirs := l.Basedir(backend.PackFile)
	rtest.Equals(t, "/data", dir)
	rtest.Assert(t, !subdirs, "rest layout must not use subdirs")

	for _, p := range l.Paths() {
		rtest.Assert(t, strings.HasPrefix(p, "/"), "path %q is not absolute", p)
	}

	l.URL = "http://localhost:8000"
	rtest.Equals(t, "http://localhost:8000/data/0123456", l.Filename(backend.Handle{Type: backend.PackFile, Name: "0123456"}))
	rtest.Equals(t, "http://localhost:8000/", l.Dirname(backend.Handle{Type: backend.ConfigFile}))
	rtest.Equals(t, "http://localhost:8000/plans/", l.Dirname(backend.Handle{Type: backend.PlanFile}))
}
