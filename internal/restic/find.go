package restic

import (
	"context"

	"github.com/packvault/packvault/internal/errors"
)

// ErrMultipleIDMatches is returned by Find when more than one ID starts
// with the given prefix.
var ErrMultipleIDMatches = errors.New("multiple IDs with prefix found")

// Find lists all files of type t and returns the single ID starting with
// prefix. If no ID matches, an error of kind ErrNotFound is returned.
func Find(ctx context.Context, be Lister, t FileType, prefix string) (ID, error) {
	match := ID{}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	err := be.List(ctx, t, func(id ID, _ int64) error {
		name := id.String()
		if len(name) >= len(prefix) && prefix == name[:len(prefix)] {
			if !match.IsNull() {
				return errors.Wrapf(ErrMultipleIDMatches, "prefix %q", prefix)
			}
			match = id
		}

		return nil
	})

	if err != nil {
		return ID{}, err
	}

	if match.IsNull() {
		return ID{}, errors.NotFoundf("no matching ID found for prefix %q", prefix)
	}

	return match, nil
}

// FindSnapshot resolves a snapshot ID or unique prefix of one.
func FindSnapshot(ctx context.Context, be Lister, s string) (ID, error) {
	if id, err := ParseID(s); err == nil {
		return id, nil
	}
	return Find(ctx, be, SnapshotFile, s)
}
