// Package layout computes the paths of repository files for path-based
// backends.
package layout

import (
	"github.com/packvault/packvault/internal/backend"
)

// Layout computes paths for file name storage.
type Layout interface {
	Filename(backend.Handle) string
	Dirname(backend.Handle) string
	Basedir(backend.FileType) (dir string, subdirs bool)
	Paths() []string
	Name() string
}

var defaultLayoutPaths = map[backend.FileType]string{
	backend.PackFile:     "data",
	backend.SnapshotFile: "snapshots",
	backend.IndexFile:    "index",
	backend.LockFile:     "locks",
	backend.KeyFile:      "keys",
	backend.PlanFile:     "plans",
}
