package sftp

import (
	"os"
	"path/filepath"
	"testing"

	rtest "github.com/packvault/packvault/internal/test"
)

func TestListableSkipsUnfinishedUploads(t *testing.T) {
	dir := t.TempDir()
	for _, tc := range []struct {
		name string
		dir  bool
		want bool
	}{
		{"0123abcd", false, true},
		{"0123abcd" + tempInfix + randomSuffix(), false, false},
		{"01", true, false},
	} {
		p := filepath.Join(dir, tc.name)
		if tc.dir {
			rtest.OK(t, os.Mkdir(p, 0700))
		} else {
			rtest.OK(t, os.WriteFile(p, []byte("data"), 0600))
		}
		fi, err := os.Lstat(p)
		rtest.OK(t, err)
		rtest.Equals(t, tc.want, listable(fi))
	}
}

func TestJoinCleansSlashPaths(t *testing.T) {
	rtest.Equals(t, "/repo/data/01", Join("/repo/", "data", "./01"))
	rtest.Equals(t, "repo/keys", Join("repo", "locks", "..", "keys"))
}
