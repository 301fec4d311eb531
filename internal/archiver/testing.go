package archiver

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/packvault/packvault/internal/data"
	"github.com/packvault/packvault/internal/fs"
	"github.com/packvault/packvault/internal/restic"
)

// TestSnapshot creates a new snapshot of path.
func TestSnapshot(t testing.TB, repo restic.Repository, path string, parent *data.Snapshot) *data.Snapshot {
	arch := New(repo, fs.Local{}, Options{})
	opts := SnapshotOptions{
		Time:           time.Now(),
		Hostname:       "localhost",
		Tags:           []string{"test"},
		ParentSnapshot: parent,
	}
	sn, _, _, err := arch.Snapshot(context.TODO(), []string{path}, opts)
	if err != nil {
		t.Fatal(err)
	}
	return sn
}

// TestDir describes a directory structure to create for a test.
type TestDir map[string]any

func (d TestDir) String() string {
	return "<Dir>"
}

// TestFile describes a file created for a test.
type TestFile struct {
	Content string
}

func (f TestFile) String() string {
	return "<File>"
}

// TestSymlink describes a symlink created for a test.
type TestSymlink struct {
	Target string
}

func (s TestSymlink) String() string {
	return "<Symlink>"
}

// TestHardlink describes a hardlink created for a test.
type TestHardlink struct {
	Target string
}

func (s TestHardlink) String() string {
	return "<Hardlink>"
}

// TestCreateFiles creates a directory structure described by dir at target,
// which must already exist. Hardlinks are created after all other entries.
func TestCreateFiles(t testing.TB, target string, dir TestDir) {
	t.Helper()

	names := make([]string, 0, len(dir))
	for name := range dir {
		names = append(names, name)
	}
	sort.Strings(names)

	var hardlinks []string
	for _, name := range names {
		item := dir[name]
		targetPath := filepath.Join(target, name)

		switch it := item.(type) {
		case TestFile:
			err := os.WriteFile(targetPath, []byte(it.Content), 0644)
			if err != nil {
				t.Fatal(err)
			}
		case TestSymlink:
			err := os.Symlink(filepath.FromSlash(it.Target), targetPath)
			if err != nil {
				t.Fatal(err)
			}
		case TestHardlink:
			hardlinks = append(hardlinks, name)
		case TestDir:
			err := os.Mkdir(targetPath, 0755)
			if err != nil {
				t.Fatal(err)
			}

			TestCreateFiles(t, targetPath, it)
		default:
			t.Fatalf("unknown item %T in test dir", item)
		}
	}

	for _, name := range hardlinks {
		it := dir[name].(TestHardlink)
		err := os.Link(filepath.Join(target, filepath.FromSlash(it.Target)), filepath.Join(target, name))
		if err != nil {
			t.Fatal(err)
		}
	}
}
