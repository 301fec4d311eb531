package restic

import "github.com/packvault/packvault/internal/backend"

// FileType is the type of a file in the backend.
type FileType = backend.FileType

// These are the different data types a backend can store.
const (
	PackFile     FileType = backend.PackFile
	KeyFile      FileType = backend.KeyFile
	LockFile     FileType = backend.LockFile
	SnapshotFile FileType = backend.SnapshotFile
	IndexFile    FileType = backend.IndexFile
	ConfigFile   FileType = backend.ConfigFile
	PlanFile     FileType = backend.PlanFile
)
