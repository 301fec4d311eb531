package restorer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/packvault/packvault/internal/data"
	rtest "github.com/packvault/packvault/internal/test"
)

func TestShouldOverwrite(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "file")
	rtest.OK(t, os.WriteFile(dst, []byte("existing"), 0600))
	now := time.Now()
	rtest.OK(t, os.Chtimes(dst, now, now))

	older := &data.Node{ModTime: now.Add(-time.Hour)}
	newer := &data.Node{ModTime: now.Add(time.Hour)}
	missing := filepath.Join(filepath.Dir(dst), "missing")

	for _, test := range []struct {
		behavior OverwriteBehavior
		node     *data.Node
		path     string
		want     bool
	}{
		{OverwriteAlways, older, dst, true},
		{OverwriteIfChanged, older, dst, true},
		{OverwriteIfNewer, older, dst, false},
		{OverwriteIfNewer, newer, dst, true},
		{OverwriteNever, newer, dst, false},
		{OverwriteNever, older, missing, true},
	} {
		ok, err := shouldOverwrite(test.behavior, test.node, test.path)
		rtest.OK(t, err)
		rtest.Equals(t, test.want, ok, test.behavior.String()+" "+test.path)
	}
}

func TestValidName(t *testing.T) {
	for name, want := range map[string]bool{
		"file":      true,
		".hidden":   true,
		".":         false,
		"..":        false,
		"":          false,
		"a/b":       false,
		"../escape": false,
	} {
		rtest.Equals(t, want, validName(name), name)
	}
}

func TestNeedsRestore(t *testing.T) {
	var missing *fileState
	rtest.Assert(t, missing.NeedsRestore(), "a missing file needs a restore")
	rtest.Assert(t, !(&fileState{blobMatches: []bool{true, true}}).NeedsRestore(), "matching file restored again")
	rtest.Assert(t, (&fileState{blobMatches: []bool{true, false}}).NeedsRestore(), "partial match not restored")
}
