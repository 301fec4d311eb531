// Package index maps blobs to their location in pack files. An Index holds
// the entries of one index file, the MasterIndex combines all of them.
package index

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"io"
	"slices"
	"sync"

	"github.com/packvault/packvault/internal/crypto"
	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/restic"
)

// Index is the in-memory form of one index file. Entries refer to packs by
// position in packs, so each pack ID is stored once. An index read from the
// repository, or saved to it, is final and can no longer be changed.
type Index struct {
	mu     sync.RWMutex
	byType [restic.NumBlobTypes]indexMap
	packs  restic.IDs

	final      bool
	ids        restic.IDs // IDs of the index files merged into this one
	supersedes restic.IDs
}

// indexMaxBlobs is the number of blobs after which an index is saved.
var indexMaxBlobs uint = 50000

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{}
}

func (idx *Index) count() (n uint) {
	for i := range idx.byType {
		n += idx.byType[i].len()
	}
	return n
}

// IndexFull reports whether idx has enough entries to be written as an index
// file of its own.
func IndexFull(idx *Index) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.count() >= indexMaxBlobs
}

// add records blob as stored in the pack at position pack.
func (idx *Index) add(pack int, blob restic.Blob) {
	const limit = 1<<32 - 1
	if blob.Offset > limit || blob.Length > limit || blob.UncompressedLength > limit {
		panic("blob offset or length exceeds 4 GiB")
	}
	idx.byType[blob.Type].add(blob.ID, pack, uint32(blob.Offset), uint32(blob.Length), uint32(blob.UncompressedLength))
}

func (idx *Index) packedBlob(e *indexEntry, t restic.BlobType) restic.PackedBlob {
	return restic.PackedBlob{
		Blob: restic.Blob{
			BlobHandle:         restic.BlobHandle{ID: e.id, Type: t},
			Offset:             uint(e.offset),
			Length:             uint(e.length),
			UncompressedLength: uint(e.uncompressedLength),
		},
		PackID: idx.packs[e.packIndex],
	}
}

// Final reports whether idx has been finalized.
func (idx *Index) Final() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.final
}

// Finalize prevents further changes to idx.
func (idx *Index) Finalize() {
	idx.mu.Lock()
	idx.final = true
	idx.mu.Unlock()
}

// IDs returns the IDs of the index files idx was built from. It fails for
// an index that is not final.
func (idx *Index) IDs() (restic.IDs, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if !idx.final {
		return nil, errors.New("index not finalized")
	}
	return idx.ids, nil
}

// SetID records the ID a final index was saved as. It can only be set once.
func (idx *Index) SetID(id restic.ID) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	switch {
	case !idx.final:
		return errors.New("index is not final")
	case len(idx.ids) > 0:
		return errors.New("ID already set")
	}
	idx.ids = restic.IDs{id}
	return nil
}

// StorePack adds the blobs of pack id. It panics on a final index.
func (idx *Index) StorePack(id restic.ID, blobs []restic.Blob) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.final {
		panic("store new item in finalized index")
	}

	idx.packs = append(idx.packs, id)
	for _, blob := range blobs {
		idx.add(len(idx.packs)-1, blob)
	}
}

// Lookup appends all locations of bh, duplicates included, to pbs.
func (idx *Index) Lookup(bh restic.BlobHandle, pbs []restic.PackedBlob) []restic.PackedBlob {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	idx.byType[bh.Type].foreachWithID(bh.ID, func(e *indexEntry) {
		pbs = append(pbs, idx.packedBlob(e, bh.Type))
	})
	return pbs
}

// Has reports whether bh is in the index.
func (idx *Index) Has(bh restic.BlobHandle) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.byType[bh.Type].get(bh.ID) != nil
}

// LookupSize returns the plaintext length of bh.
func (idx *Index) LookupSize(bh restic.BlobHandle) (uint, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	e := idx.byType[bh.Type].get(bh.ID)
	switch {
	case e == nil:
		return 0, false
	case e.uncompressedLength != 0:
		return uint(e.uncompressedLength), true
	}
	return uint(crypto.PlaintextLength(int(e.length))), true
}

// Supersedes returns the index files this index replaces.
func (idx *Index) Supersedes() restic.IDs {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.supersedes
}

// AddToSupersedes marks the index files ids as replaced by idx. It fails
// for a final index.
func (idx *Index) AddToSupersedes(ids ...restic.ID) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.final {
		return errors.New("index already finalized")
	}
	idx.supersedes = append(idx.supersedes, ids...)
	return nil
}

// Each calls fn for every entry. The index cannot be modified meanwhile.
func (idx *Index) Each(ctx context.Context, fn func(restic.PackedBlob)) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	for t := range idx.byType {
		idx.byType[t].foreach(func(e *indexEntry) bool {
			if ctx.Err() != nil {
				return false
			}
			fn(idx.packedBlob(e, restic.BlobType(t)))
			return true
		})
	}
	return ctx.Err()
}

// EachByPack calls fn once per pack not in skip, with the blobs of the pack
// sorted by offset.
func (idx *Index) EachByPack(ctx context.Context, skip restic.IDSet, fn func(restic.PackBlobs) error) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	byPack := make([][]restic.Blob, len(idx.packs))
	for t := range idx.byType {
		idx.byType[t].foreach(func(e *indexEntry) bool {
			if !skip.Has(idx.packs[e.packIndex]) {
				byPack[e.packIndex] = append(byPack[e.packIndex], idx.packedBlob(e, restic.BlobType(t)).Blob)
			}
			return ctx.Err() == nil
		})
	}

	for i, blobs := range byPack {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(blobs) == 0 {
			continue
		}
		sortByOffset(blobs)
		if err := fn(restic.PackBlobs{PackID: idx.packs[i], Blobs: blobs}); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func sortByOffset(blobs []restic.Blob) {
	slices.SortStableFunc(blobs, func(a, b restic.Blob) int { return cmp.Compare(a.Offset, b.Offset) })
}

// Packs returns the IDs of all packs referenced by the index.
func (idx *Index) Packs() restic.IDSet {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return restic.NewIDSet(idx.packs...)
}

// Len returns the number of entries of type t.
func (idx *Index) Len(t restic.BlobType) uint {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.byType[t].len()
}

// jsonIndex is the format of an index file.
type jsonIndex struct {
	Supersedes restic.IDs `json:"supersedes,omitempty"`
	Packs      []jsonPack `json:"packs"`
}

type jsonPack struct {
	ID    restic.ID  `json:"id"`
	Blobs []jsonBlob `json:"blobs"`
}

type jsonBlob struct {
	ID                 restic.ID       `json:"id"`
	Type               restic.BlobType `json:"type"`
	Offset             uint            `json:"offset"`
	Length             uint            `json:"length"`
	UncompressedLength uint            `json:"uncompressed_length,omitempty"`
}

// Encode writes idx as an index file to w. Packs without entries are left
// out.
func (idx *Index) Encode(w io.Writer) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	doc := jsonIndex{Supersedes: idx.supersedes, Packs: []jsonPack{}}
	slot := make([]int, len(idx.packs))

	var err error
	for t := range idx.byType {
		idx.byType[t].foreach(func(e *indexEntry) bool {
			packID := idx.packs[e.packIndex]
			if packID.IsNull() {
				err = errors.New("null pack id")
				return false
			}
			if slot[e.packIndex] == 0 {
				doc.Packs = append(doc.Packs, jsonPack{ID: packID})
				slot[e.packIndex] = len(doc.Packs)
			}
			p := &doc.Packs[slot[e.packIndex]-1]
			p.Blobs = append(p.Blobs, jsonBlob{
				ID:                 e.id,
				Type:               restic.BlobType(t),
				Offset:             uint(e.offset),
				Length:             uint(e.length),
				UncompressedLength: uint(e.uncompressedLength),
			})
			return true
		})
		if err != nil {
			return err
		}
	}

	debug.Log("encoding index with %d packs", len(doc.Packs))
	return json.NewEncoder(w).Encode(doc)
}

// SaveIndex writes idx to the repository and records the new ID. idx must
// be final.
func (idx *Index) SaveIndex(ctx context.Context, repo restic.SaverUnpacked) (restic.ID, error) {
	var buf bytes.Buffer
	if err := idx.Encode(&buf); err != nil {
		return restic.ID{}, err
	}

	id, err := repo.SaveUnpacked(ctx, restic.IndexFile, buf.Bytes())
	if err != nil {
		return restic.ID{}, err
	}
	return id, idx.SetID(id)
}

// DecodeIndex parses the index file id. The result is final.
func DecodeIndex(buf []byte, id restic.ID) (*Index, error) {
	var doc jsonIndex
	if err := json.Unmarshal(buf, &doc); err != nil {
		return nil, errors.WithKind(errors.Wrapf(err, "decode index %v", id.Str()), errors.ErrCorrupt)
	}

	idx := &Index{
		packs:      make(restic.IDs, 0, len(doc.Packs)),
		final:      true,
		ids:        restic.IDs{id},
		supersedes: doc.Supersedes,
	}
	for _, p := range doc.Packs {
		idx.packs = append(idx.packs, p.ID)
		for _, b := range p.Blobs {
			if b.Type != restic.DataBlob && b.Type != restic.TreeBlob {
				return nil, errors.Corruptf("index %v: invalid blob type %v", id.Str(), b.Type)
			}
			idx.add(len(idx.packs)-1, restic.Blob{
				BlobHandle:         restic.BlobHandle{ID: b.ID, Type: b.Type},
				Offset:             b.Offset,
				Length:             b.Length,
				UncompressedLength: b.UncompressedLength,
			})
		}
	}

	debug.Log("decoded index %v with %d packs", id.Str(), len(idx.packs))
	return idx, nil
}

// merge adds the entries of the final index other to idx. Entries idx
// already has with the same location are skipped. other is not changed.
func (idx *Index) merge(other *Index) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	other.mu.Lock()
	defer other.mu.Unlock()

	if !other.final {
		return errors.New("index to merge is not final")
	}

	// pack positions of other are shifted by the packs idx already has
	shift := len(idx.packs)
	idx.packs = append(idx.packs, other.packs...)

	for t := range other.byType {
		m := &idx.byType[t]
		other.byType[t].foreach(func(oe *indexEntry) bool {
			want := other.packedBlob(oe, restic.BlobType(t))
			dup := false
			m.foreachWithID(oe.id, func(e *indexEntry) {
				dup = dup || idx.packedBlob(e, restic.BlobType(t)) == want
			})
			if !dup {
				m.add(oe.id, oe.packIndex+shift, oe.offset, oe.length, oe.uncompressedLength)
			}
			return true
		})
	}

	idx.ids = append(idx.ids, other.ids...)
	idx.supersedes = append(idx.supersedes, other.supersedes...)
	return nil
}
