package index

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/restic"
	"github.com/packvault/packvault/internal/ui/progress"
)

// MasterIndex combines the loaded index files with the indexes of packs
// written by this process, and tracks blobs whose pack is still being
// written.
//
// The first index is always final and empty or merged from loaded index
// files. Indexes that are not final describe packs not yet recorded in any
// index file.
type MasterIndex struct {
	mu         sync.RWMutex
	indexes    []*Index
	pending    restic.BlobSet
	superseded restic.IDSet
}

func NewMasterIndex() *MasterIndex {
	mi := &MasterIndex{pending: restic.NewBlobSet()}
	mi.reset()
	return mi
}

// reset drops all indexes. The caller must hold mu.
func (mi *MasterIndex) reset() {
	base := NewIndex()
	base.Finalize()
	mi.indexes = []*Index{base}
	mi.superseded = restic.NewIDSet()
}

// indexed reports whether an index contains bh. The caller must hold mu.
func (mi *MasterIndex) indexed(bh restic.BlobHandle) bool {
	for _, idx := range mi.indexes {
		if idx.Has(bh) {
			return true
		}
	}
	return false
}

// Lookup returns every location of bh.
func (mi *MasterIndex) Lookup(bh restic.BlobHandle) []restic.PackedBlob {
	mi.mu.RLock()
	defer mi.mu.RUnlock()

	var found []restic.PackedBlob
	for _, idx := range mi.indexes {
		found = idx.Lookup(bh, found)
	}
	return found
}

// LookupSize returns the uncompressed size of bh.
func (mi *MasterIndex) LookupSize(bh restic.BlobHandle) (uint, bool) {
	mi.mu.RLock()
	defer mi.mu.RUnlock()

	for _, idx := range mi.indexes {
		if size, ok := idx.LookupSize(bh); ok {
			return size, true
		}
	}
	return 0, false
}

// AddPending marks bh as being written. It returns false if bh is already
// indexed or pending, in which case the caller must not store it again.
func (mi *MasterIndex) AddPending(bh restic.BlobHandle) bool {
	mi.mu.Lock()
	defer mi.mu.Unlock()

	if mi.pending.Has(bh) || mi.indexed(bh) {
		return false
	}
	mi.pending.Insert(bh)
	return true
}

// RemovePending forgets a pending blob, for example after the upload of its
// pack failed.
func (mi *MasterIndex) RemovePending(bh restic.BlobHandle) {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	mi.pending.Delete(bh)
}

// Has reports whether bh is indexed or pending.
func (mi *MasterIndex) Has(bh restic.BlobHandle) bool {
	mi.mu.RLock()
	defer mi.mu.RUnlock()
	return mi.pending.Has(bh) || mi.indexed(bh)
}

// IDs returns the IDs of the index files the final indexes were loaded from
// or saved as.
func (mi *MasterIndex) IDs() restic.IDSet {
	mi.mu.RLock()
	defer mi.mu.RUnlock()

	ids := restic.NewIDSet()
	for _, idx := range mi.indexes {
		if !idx.Final() {
			continue
		}
		list, err := idx.IDs()
		if err != nil {
			debug.Log("skipping index without ID: %v", err)
			continue
		}
		ids.Merge(restic.NewIDSet(list...))
	}
	return ids
}

// Superseded returns the IDs of index files found during Load which are
// superseded by another loaded index file. They are removed by the next Save.
func (mi *MasterIndex) Superseded() restic.IDSet {
	mi.mu.RLock()
	defer mi.mu.RUnlock()
	return mi.superseded.Clone()
}

// Packs returns all indexed packs. Packs in skip are left out unless they
// are described by an index that was not saved yet.
func (mi *MasterIndex) Packs(skip restic.IDSet) restic.IDSet {
	mi.mu.RLock()
	defer mi.mu.RUnlock()

	packs := restic.NewIDSet()
	for _, idx := range mi.indexes {
		p := idx.Packs()
		if idx.Final() && len(skip) > 0 {
			p = p.Sub(skip)
		}
		packs.Merge(p)
	}
	return packs
}

func (mi *MasterIndex) Insert(idx *Index) {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	mi.indexes = append(mi.indexes, idx)
}

// StorePack records the blobs of a newly written pack and clears them from
// the pending set.
func (mi *MasterIndex) StorePack(id restic.ID, blobs []restic.Blob) {
	mi.mu.Lock()
	defer mi.mu.Unlock()

	for _, b := range blobs {
		mi.pending.Delete(b.BlobHandle)
	}

	for _, idx := range mi.indexes {
		if !idx.Final() {
			idx.StorePack(id, blobs)
			return
		}
	}
	idx := NewIndex()
	idx.StorePack(id, blobs)
	mi.indexes = append(mi.indexes, idx)
}

// finalize finalizes and returns the unsaved indexes selected by keep.
func (mi *MasterIndex) finalize(keep func(*Index) bool) []*Index {
	mi.mu.Lock()
	defer mi.mu.Unlock()

	var list []*Index
	for _, idx := range mi.indexes {
		if !idx.Final() && keep(idx) {
			idx.Finalize()
			list = append(list, idx)
		}
	}
	debug.Log("finalized %d of %d indexes", len(list), len(mi.indexes))
	return list
}

// Each calls fn for every indexed blob. Modifications block until it
// returns.
func (mi *MasterIndex) Each(ctx context.Context, fn func(restic.PackedBlob)) error {
	mi.mu.RLock()
	defer mi.mu.RUnlock()

	for _, idx := range mi.indexes {
		if err := idx.Each(ctx, fn); err != nil {
			return err
		}
	}
	return nil
}

// mergeFinal folds every final index with an ID into the first index. The
// caller must hold mu.
func (mi *MasterIndex) mergeFinal() error {
	base := mi.indexes[0]
	rest := mi.indexes[1:]
	kept := mi.indexes[:1]
	for i, idx := range rest {
		rest[i] = nil
		if ids, _ := idx.IDs(); !idx.Final() || len(ids) == 0 {
			kept = append(kept, idx)
			continue
		}
		if err := base.merge(idx); err != nil {
			return errors.Wrap(err, "merge index")
		}
	}
	mi.indexes = kept
	return nil
}

// dropSuperseded splits loaded into the indexes to use and the IDs of the
// index files another loaded index supersedes.
func dropSuperseded(loaded map[restic.ID]*Index) ([]*Index, restic.IDSet) {
	superseded := restic.NewIDSet()
	for _, idx := range loaded {
		for _, id := range idx.Supersedes() {
			if _, ok := loaded[id]; ok {
				superseded.Insert(id)
			}
		}
	}

	keep := make([]*Index, 0, len(loaded))
	for id, idx := range loaded {
		if superseded.Has(id) {
			debug.Log("index %v is superseded", id.Str())
			continue
		}
		keep = append(keep, idx)
	}
	return keep, superseded
}

// Load reads all index files of the repository. Index files listed in the
// supersedes field of another loaded index file are skipped and remembered
// as superseded. If cb is set, it is called for each index file and may
// decide to ignore a loading error by returning nil.
func (mi *MasterIndex) Load(ctx context.Context, r restic.ListerLoaderUnpacked, p *progress.Counter, cb func(id restic.ID, idx *Index, err error) error) error {
	if p != nil {
		var n uint64
		err := r.List(ctx, restic.IndexFile, func(restic.ID, int64) error {
			n++
			return nil
		})
		if err != nil {
			return err
		}
		p.SetMax(n)
		defer p.Done()
	}

	var m sync.Mutex
	loaded := make(map[restic.ID]*Index)
	// decoding is CPU-bound, loading IO-bound
	workers := r.Connections() + uint(runtime.GOMAXPROCS(0))
	err := restic.ParallelList(ctx, r, restic.IndexFile, workers, func(ctx context.Context, id restic.ID, _ int64) error {
		buf, err := r.LoadUnpacked(ctx, restic.IndexFile, id)
		var idx *Index
		if err == nil {
			idx, err = DecodeIndex(buf, id)
		}
		if err != nil {
			idx, err = nil, errors.Wrapf(err, "index %v", id.Str())
		}

		m.Lock()
		defer m.Unlock()
		p.Add(1)
		if cb != nil {
			err = cb(id, idx, err)
		}
		if err == nil && idx != nil {
			loaded[id] = idx
		}
		return err
	})
	if err != nil {
		return err
	}

	keep, superseded := dropSuperseded(loaded)

	mi.mu.Lock()
	defer mi.mu.Unlock()
	mi.indexes = append(mi.indexes, keep...)
	mi.superseded.Merge(superseded)
	return mi.mergeFinal()
}

// SaveOpts configures MasterIndex.Save.
type SaveOpts struct {
	SaveProgress   *progress.Counter
	DeleteProgress func() *progress.Counter
	DeleteReport   func(id restic.ID, err error)
}

// rewrite distributes the packs of all indexes, except the saved packs in
// exclude, over new indexes of bounded size. The last index is never full.
// It also returns the IDs of the index files the new indexes replace. The
// caller must hold mu.
func (mi *MasterIndex) rewrite(ctx context.Context, exclude restic.IDSet, p *progress.Counter) ([]*Index, restic.IDSet, error) {
	replaced := restic.NewIDSet()
	indexes := []*Index{NewIndex()}
	seen := restic.NewIDSet()

	for _, idx := range mi.indexes {
		skip := seen
		if idx.Final() {
			ids, err := idx.IDs()
			if err != nil {
				return nil, nil, errors.Wrap(err, "finalized index without ID")
			}
			replaced.Merge(restic.NewIDSet(ids...))
			skip = seen.Clone()
			skip.Merge(exclude)
		}

		err := idx.EachByPack(ctx, skip, func(pbs restic.PackBlobs) error {
			last := indexes[len(indexes)-1]
			last.StorePack(pbs.PackID, pbs.Blobs)
			seen.Insert(pbs.PackID)
			p.Add(1)
			if IndexFull(last) {
				indexes = append(indexes, NewIndex())
			}
			return nil
		})
		if err != nil {
			return nil, nil, err
		}
	}
	return indexes, replaced, nil
}

// Save writes all known blobs to new index files, leaving out packs listed
// in excludePacks from the already saved indexes. The last index file written
// lists all replaced index files as superseded. Only once every new index file
// has been saved, the replaced index files, the index files found superseded
// during Load and those in extraObsolete are removed. Afterwards the
// MasterIndex contains exactly the newly written indexes.
//
// Must not be called concurrently to any other MasterIndex operation.
func (mi *MasterIndex) Save(ctx context.Context, repo restic.Unpacked, excludePacks restic.IDSet, extraObsolete restic.IDs, opts SaveOpts) error {
	p := opts.SaveProgress
	p.SetMax(uint64(len(mi.Packs(excludePacks))))

	mi.mu.Lock()
	defer mi.mu.Unlock()

	indexes, obsolete, err := mi.rewrite(ctx, excludePacks, p)
	if err != nil {
		return err
	}
	obsolete.Merge(mi.superseded)
	obsolete.Merge(restic.NewIDSet(extraObsolete...))
	debug.Log("rewriting %d indexes into %d, excluding %d packs", len(mi.indexes), len(indexes), len(excludePacks))

	// the last index carries the supersedes list and is written last
	full, commit := indexes[:len(indexes)-1], indexes[len(indexes)-1]
	if err := commit.AddToSupersedes(obsolete.List()...); err != nil {
		return err
	}
	if len(commit.packs) > 0 || len(obsolete) > 0 {
		indexes = append(full, commit)
	} else {
		indexes = full
	}

	err = saveAll(ctx, repo, full)
	if err == nil && len(indexes) > len(full) {
		commit.Finalize()
		_, err = commit.SaveIndex(ctx, repo)
	}
	p.Done()

	mi.reset()
	if err != nil {
		// the index no longer matches the stored state
		return errors.Wrap(err, "failed to save index")
	}
	for _, idx := range indexes {
		if err := mi.indexes[0].merge(idx); err != nil {
			return err
		}
		ids, _ := idx.IDs()
		for _, id := range ids {
			obsolete.Delete(id)
		}
	}

	var dp *progress.Counter
	if opts.DeleteProgress != nil {
		dp = opts.DeleteProgress()
	}
	defer dp.Done()

	debug.Log("removing %d obsolete index files", len(obsolete))
	return restic.ParallelRemove(ctx, repo, obsolete, restic.IndexFile, func(id restic.ID, err error) error {
		if opts.DeleteReport != nil {
			opts.DeleteReport(id, err)
		}
		return err
	}, dp)
}

func saveAll(ctx context.Context, repo restic.Unpacked, indexes []*Index) error {
	wg, ctx := errgroup.WithContext(ctx)
	wg.SetLimit(int(repo.Connections()))
	for _, idx := range indexes {
		wg.Go(func() error {
			idx.Finalize()
			_, err := idx.SaveIndex(ctx, repo)
			return err
		})
	}
	return wg.Wait()
}

func (mi *MasterIndex) saveFinalized(ctx context.Context, r restic.SaverUnpacked, indexes []*Index) error {
	for _, idx := range indexes {
		id, err := idx.SaveIndex(ctx, r)
		if err != nil {
			return err
		}
		debug.Log("saved index %v", id.Str())
	}

	mi.mu.Lock()
	defer mi.mu.Unlock()
	return mi.mergeFinal()
}

// SaveIndex writes every index that has not been saved yet.
func (mi *MasterIndex) SaveIndex(ctx context.Context, r restic.SaverUnpacked) error {
	return mi.saveFinalized(ctx, r, mi.finalize(func(*Index) bool { return true }))
}

// SaveFullIndex writes the unsaved indexes that reached their maximum size.
func (mi *MasterIndex) SaveFullIndex(ctx context.Context, r restic.SaverUnpacked) error {
	return mi.saveFinalized(ctx, r, mi.finalize(IndexFull))
}

// packShards bounds the memory ListPacks needs for regrouping blobs.
const packShards = 16

// ListPacks calls fn with the blobs of the specified pack files grouped by
// pack file and sorted by offset.
func (mi *MasterIndex) ListPacks(ctx context.Context, packs restic.IDSet, fn func(restic.PackBlobs) error) error {
	for shard := byte(0); shard < packShards; shard++ {
		inShard := func(id restic.ID) bool { return id[0]%packShards == shard }

		blobs := make(map[restic.ID][]restic.Blob)
		for id := range packs {
			if inShard(id) {
				blobs[id] = nil
			}
		}
		if len(blobs) == 0 {
			continue
		}

		err := mi.Each(ctx, func(pb restic.PackedBlob) {
			if _, ok := blobs[pb.PackID]; ok {
				blobs[pb.PackID] = append(blobs[pb.PackID], pb.Blob)
			}
		})
		if err != nil {
			return err
		}

		for id, list := range blobs {
			sortByOffset(list)
			if err := fn(restic.PackBlobs{PackID: id, Blobs: list}); err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
		}
	}
	return nil
}
