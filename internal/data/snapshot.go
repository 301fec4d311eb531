package data

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/restic"

	"golang.org/x/sync/errgroup"
)

// Snapshot records one backup run: the root tree and where, when and by
// whom it was taken. It is stored as an unpacked JSON file named by the
// hash of its content.
type Snapshot struct {
	Time     time.Time  `json:"time"`
	Parent   *restic.ID `json:"parent,omitempty"`
	Tree     *restic.ID `json:"tree"`
	Paths    []string   `json:"paths"`
	Hostname string     `json:"hostname,omitempty"`
	Username string     `json:"username,omitempty"`
	UID      uint32     `json:"uid,omitempty"`
	GID      uint32     `json:"gid,omitempty"`
	Excludes []string   `json:"excludes,omitempty"`
	Tags     []string   `json:"tags,omitempty"`
	Original *restic.ID `json:"original,omitempty"`

	ProgramVersion string           `json:"program_version,omitempty"`
	Summary        *SnapshotSummary `json:"summary,omitempty"`

	// set once the snapshot was saved or loaded
	id *restic.ID
}

// SnapshotSummary holds the statistics of the backup run.
type SnapshotSummary struct {
	BackupStart time.Time `json:"backup_start"`
	BackupEnd   time.Time `json:"backup_end"`

	FilesNew            uint   `json:"files_new"`
	FilesChanged        uint   `json:"files_changed"`
	FilesUnmodified     uint   `json:"files_unmodified"`
	DirsNew             uint   `json:"dirs_new"`
	DirsChanged         uint   `json:"dirs_changed"`
	DirsUnmodified      uint   `json:"dirs_unmodified"`
	DataBlobs           int    `json:"data_blobs"`
	TreeBlobs           int    `json:"tree_blobs"`
	DataAdded           uint64 `json:"data_added"`
	DataAddedPacked     uint64 `json:"data_added_packed"`
	TotalFilesProcessed uint   `json:"total_files_processed"`
	TotalBytesProcessed uint64 `json:"total_bytes_processed"`
}

// NewSnapshot returns a snapshot of paths taken at ts. Paths are made
// absolute where possible. The current user is recorded, and the local
// hostname unless hostname is set.
func NewSnapshot(paths []string, tags []string, hostname string, ts time.Time) (*Snapshot, error) {
	sn := &Snapshot{
		Time:     ts,
		Tags:     tags,
		Hostname: hostname,
		Paths:    make([]string, len(paths)),
	}
	for i, p := range paths {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		sn.Paths[i] = p
	}

	if usr, err := user.Current(); err == nil {
		sn.Username = usr.Username
		sn.UID = parseID(usr.Uid)
		sn.GID = parseID(usr.Gid)
	}

	if sn.Hostname == "" {
		name, err := os.Hostname()
		if err != nil {
			return nil, errors.Wrap(err, "Hostname")
		}
		sn.Hostname = name
	}
	return sn, nil
}

// parseID returns a numeric uid or gid, and zero on systems that use other
// identifiers.
func parseID(s string) uint32 {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0
	}
	return uint32(v)
}

// LoadSnapshot loads the snapshot with the given ID.
func LoadSnapshot(ctx context.Context, loader restic.LoaderUnpacked, id restic.ID) (*Snapshot, error) {
	sn := &Snapshot{id: &id}
	if err := restic.LoadJSONUnpacked(ctx, loader, restic.SnapshotFile, id, sn); err != nil {
		return nil, errors.Wrapf(err, "load snapshot %v", id.Str())
	}
	return sn, nil
}

// SaveSnapshot stores sn and sets its ID.
func SaveSnapshot(ctx context.Context, repo restic.SaverUnpacked, sn *Snapshot) (restic.ID, error) {
	id, err := restic.SaveJSONUnpacked(ctx, repo, restic.SnapshotFile, sn)
	if err != nil {
		return restic.ID{}, err
	}
	sn.id = &id
	return id, nil
}

// ForAllSnapshots loads all snapshots except those in excludeIDs with one
// worker per backend connection and calls fn for each, including load
// errors. fn is never called concurrently. The first error returned by fn
// stops the iteration and is returned.
func ForAllSnapshots(ctx context.Context, be restic.Lister, loader restic.LoaderUnpacked, excludeIDs restic.IDSet, fn func(restic.ID, *Snapshot, error) error) error {
	wg, ctx := errgroup.WithContext(ctx)
	ids := make(chan restic.ID)

	wg.Go(func() error {
		defer close(ids)
		return be.List(ctx, restic.SnapshotFile, func(id restic.ID, _ int64) error {
			if excludeIDs.Has(id) {
				return nil
			}
			select {
			case ids <- id:
			case <-ctx.Done():
			}
			return nil
		})
	})

	var mu sync.Mutex
	for i := uint(0); i < loader.Connections(); i++ {
		wg.Go(func() error {
			for id := range ids {
				debug.Log("load snapshot %v", id.Str())
				sn, err := LoadSnapshot(ctx, loader, id)

				mu.Lock()
				err = fn(id, sn, err)
				mu.Unlock()
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	return wg.Wait()
}

func (sn Snapshot) String() string {
	return fmt.Sprintf("snapshot %v of %v at %s by %s@%s",
		sn.id.Str(), sn.Paths, sn.Time, sn.Username, sn.Hostname)
}

// ID returns the snapshot's ID, or nil if it was never saved.
func (sn Snapshot) ID() *restic.ID {
	return sn.id
}

// AddTags appends the tags sn does not have yet and reports whether any
// were added.
func (sn *Snapshot) AddTags(tags []string) bool {
	n := len(sn.Tags)
	for _, tag := range tags {
		if !slices.Contains(sn.Tags, tag) {
			sn.Tags = append(sn.Tags, tag)
		}
	}
	return len(sn.Tags) != n
}

// RemoveTags removes tags from sn and reports whether any were present.
func (sn *Snapshot) RemoveTags(tags []string) bool {
	n := len(sn.Tags)
	sn.Tags = slices.DeleteFunc(sn.Tags, func(tag string) bool {
		return slices.Contains(tags, tag)
	})
	return len(sn.Tags) != n
}

// HasTag reports whether sn carries tag.
func (sn *Snapshot) HasTag(tag string) bool {
	return slices.Contains(sn.Tags, tag)
}

// HasTags reports whether sn carries all tags. The empty tag matches a
// snapshot without tags.
func (sn *Snapshot) HasTags(tags []string) bool {
	for _, tag := range tags {
		if tag == "" && len(sn.Tags) == 0 {
			return true
		}
		if !sn.HasTag(tag) {
			return false
		}
	}
	return true
}

// HasTagList reports whether sn matches at least one of the tag lists. An
// empty l matches every snapshot.
func (sn *Snapshot) HasTagList(l []TagList) bool {
	if len(l) == 0 {
		return true
	}
	return slices.ContainsFunc(l, func(tags TagList) bool {
		return sn.HasTags(tags)
	})
}

// HasPaths reports whether sn includes every one of paths.
func (sn *Snapshot) HasPaths(paths []string) bool {
	for _, p := range paths {
		if !slices.Contains(sn.Paths, p) {
			return false
		}
	}
	return true
}

// HasHostname reports whether sn was taken on one of hostnames. An empty
// list matches every snapshot.
func (sn *Snapshot) HasHostname(hostnames []string) bool {
	return len(hostnames) == 0 || slices.Contains(hostnames, sn.Hostname)
}

// Snapshots is a list of snapshots.
type Snapshots []*Snapshot

// SortNewestFirst sorts the list by time, newest first. Snapshots with
// equal times keep their order.
func (sn Snapshots) SortNewestFirst() {
	slices.SortStableFunc(sn, func(a, b *Snapshot) int {
		return b.Time.Compare(a.Time)
	})
}
