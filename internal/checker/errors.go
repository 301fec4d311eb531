package checker

import (
	"fmt"

	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/restic"
)

// ErrDuplicatePacks is a hint that a pack is listed by several index files.
type ErrDuplicatePacks struct {
	PackID  restic.ID
	Indexes restic.IDSet
}

func (e *ErrDuplicatePacks) Error() string {
	return fmt.Sprintf("pack %v contained in several indexes: %v", e.PackID, e.Indexes)
}

// ErrMixedPack is a hint that a pack holds both tree and data blobs.
type ErrMixedPack struct {
	PackID restic.ID
}

func (e *ErrMixedPack) Error() string {
	return fmt.Sprintf("pack %v contains a mix of tree and data blobs", e.PackID.Str())
}

// PackError is a problem with a single pack file. Orphaned packs are not
// referenced by the index, truncated packs have a size other than indexed.
type PackError struct {
	ID        restic.ID
	Orphaned  bool
	Truncated bool
	Err       error
}

func (e *PackError) Error() string {
	return "pack " + e.ID.String() + ": " + e.Err.Error()
}

func (e *PackError) Unwrap() error { return e.Err }

func packError(err error, match func(*PackError) bool) bool {
	var e *PackError
	return errors.As(err, &e) && match(e)
}

// IsOrphanedPack reports whether err is about a pack missing from the index.
func IsOrphanedPack(err error) bool {
	return packError(err, func(e *PackError) bool { return e.Orphaned })
}

// IsTruncatedPack reports whether err is about a pack whose size differs
// from the index.
func IsTruncatedPack(err error) bool {
	return packError(err, func(e *PackError) bool { return e.Truncated })
}

// Error is a problem found in a tree or snapshot. TreeID is null for
// snapshot problems.
type Error struct {
	TreeID restic.ID
	Err    error
}

func (e *Error) Error() string {
	if e.TreeID.IsNull() {
		return e.Err.Error()
	}
	return "tree " + e.TreeID.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// TreeError collects all problems of one tree.
type TreeError struct {
	ID     restic.ID
	Errors []error
}

func (e *TreeError) Error() string {
	return fmt.Sprintf("tree %v: %v", e.ID, errors.Join(e.Errors...))
}
