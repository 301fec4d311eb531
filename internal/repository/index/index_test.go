package index

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/packvault/packvault/internal/crypto"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/restic"
	rtest "github.com/packvault/packvault/internal/test"
)

func createRandomIndex(packs, blobsPerPack int) (*Index, []restic.PackedBlob) {
	idx := NewIndex()
	var all []restic.PackedBlob

	for i := 0; i < packs; i++ {
		packID := restic.NewRandomID()
		var blobs []restic.Blob
		offset := uint(0)
		for j := 0; j < blobsPerPack; j++ {
			length := uint(crypto.CiphertextLength(100 + j))
			typ := restic.DataBlob
			if j%3 == 0 {
				typ = restic.TreeBlob
			}
			b := restic.Blob{
				BlobHandle: restic.BlobHandle{ID: restic.NewRandomID(), Type: typ},
				Offset:     offset,
				Length:     length,
			}
			if j%2 == 0 {
				b.UncompressedLength = 200 + uint(j)
			}
			offset += length
			blobs = append(blobs, b)
			all = append(all, restic.PackedBlob{Blob: b, PackID: packID})
		}
		idx.StorePack(packID, blobs)
	}

	return idx, all
}

func TestIndexSerialize(t *testing.T) {
	idx, tests := createRandomIndex(20, 10)
	rtest.OK(t, idx.AddToSupersedes(restic.NewRandomID()))

	for _, pb := range tests {
		rtest.Equals(t, []restic.PackedBlob{pb}, idx.Lookup(pb.BlobHandle, nil))
	}

	wr := bytes.NewBuffer(nil)
	rtest.OK(t, idx.Encode(wr))

	id := restic.NewRandomID()
	idx2, err := DecodeIndex(wr.Bytes(), id)
	rtest.OK(t, err)
	rtest.Assert(t, idx2.Final(), "decoded index is not final")

	ids, err := idx2.IDs()
	rtest.OK(t, err)
	rtest.Equals(t, restic.IDs{id}, ids)
	rtest.Equals(t, idx.Supersedes(), idx2.Supersedes())

	for _, pb := range tests {
		rtest.Equals(t, []restic.PackedBlob{pb}, idx2.Lookup(pb.BlobHandle, nil))
		size, found := idx2.LookupSize(pb.BlobHandle)
		rtest.Assert(t, found, "blob %v not found", pb)
		rtest.Equals(t, pb.DataLength(), size)
	}
	rtest.Equals(t, idx.Packs(), idx2.Packs())
	rtest.Equals(t, idx.Len(restic.DataBlob), idx2.Len(restic.DataBlob))
	rtest.Equals(t, idx.Len(restic.TreeBlob), idx2.Len(restic.TreeBlob))
}

func TestIndexJSONFormat(t *testing.T) {
	packID := restic.NewRandomID()
	blobID := restic.NewRandomID()
	idx := NewIndex()
	idx.StorePack(packID, []restic.Blob{{
		BlobHandle:         restic.BlobHandle{ID: blobID, Type: restic.DataBlob},
		Offset:             0,
		Length:             42,
		UncompressedLength: 100,
	}})

	wr := bytes.NewBuffer(nil)
	rtest.OK(t, idx.Encode(wr))

	var raw struct {
		Supersedes []string `json:"supersedes"`
		Packs      []struct {
			ID    string `json:"id"`
			Blobs []struct {
				ID                 string `json:"id"`
				Type               string `json:"type"`
				Offset             uint   `json:"offset"`
				Length             uint   `json:"length"`
				UncompressedLength uint   `json:"uncompressed_length"`
			} `json:"blobs"`
		} `json:"packs"`
	}
	rtest.OK(t, json.Unmarshal(wr.Bytes(), &raw))
	rtest.Equals(t, 0, len(raw.Supersedes))
	rtest.Equals(t, 1, len(raw.Packs))
	rtest.Equals(t, packID.String(), raw.Packs[0].ID)
	rtest.Equals(t, 1, len(raw.Packs[0].Blobs))
	b := raw.Packs[0].Blobs[0]
	rtest.Equals(t, blobID.String(), b.ID)
	rtest.Equals(t, "data", b.Type)
	rtest.Equals(t, uint(42), b.Length)
	rtest.Equals(t, uint(100), b.UncompressedLength)
}

func TestDecodeIndexCorrupt(t *testing.T) {
	for _, buf := range [][]byte{
		[]byte("{"),
		[]byte(`{"packs":[{"id":"zz"}]}`),
		[]byte(`{"packs":[{"id":"` + restic.NewRandomID().String() + `","blobs":[{"id":"` + restic.NewRandomID().String() + `","type":"foo"}]}]}`),
	} {
		_, err := DecodeIndex(buf, restic.NewRandomID())
		rtest.Assert(t, err != nil, "expected error for %q", buf)
		rtest.Assert(t, errors.IsCorrupt(err), "expected corrupt error, got %v", err)
	}
}

func TestIndexSetID(t *testing.T) {
	idx := NewIndex()
	rtest.Assert(t, idx.SetID(restic.NewRandomID()) != nil, "SetID on non-final index succeeded")

	_, err := idx.IDs()
	rtest.Assert(t, err != nil, "IDs on non-final index succeeded")

	idx.Finalize()
	id := restic.NewRandomID()
	rtest.OK(t, idx.SetID(id))
	rtest.Assert(t, idx.SetID(restic.NewRandomID()) != nil, "second SetID succeeded")

	ids, err := idx.IDs()
	rtest.OK(t, err)
	rtest.Equals(t, restic.IDs{id}, ids)

	rtest.Assert(t, idx.AddToSupersedes(restic.NewRandomID()) != nil, "AddToSupersedes on final index succeeded")
}

func TestIndexEachByPack(t *testing.T) {
	idx, tests := createRandomIndex(5, 7)
	skip := tests[0].PackID

	packs := restic.NewIDSet()
	err := idx.EachByPack(context.TODO(), restic.NewIDSet(skip), func(pbs restic.PackBlobs) error {
		rtest.Assert(t, !packs.Has(pbs.PackID), "pack %v reported twice", pbs.PackID)
		packs.Insert(pbs.PackID)
		rtest.Equals(t, 7, len(pbs.Blobs))
		for i := 1; i < len(pbs.Blobs); i++ {
			rtest.Assert(t, pbs.Blobs[i-1].Offset < pbs.Blobs[i].Offset, "blobs not sorted by offset")
		}
		return nil
	})
	rtest.OK(t, err)
	rtest.Equals(t, 4, len(packs))
	rtest.Assert(t, !packs.Has(skip), "blacklisted pack was reported")
}

func TestIndexEachCancel(t *testing.T) {
	idx, _ := createRandomIndex(5, 7)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	count := 0
	err := idx.Each(ctx, func(restic.PackedBlob) { count++ })
	rtest.ErrorIs(t, err, context.Canceled)
	rtest.Equals(t, 0, count)
}

func TestIndexMergeDuplicates(t *testing.T) {
	idx1, tests := createRandomIndex(3, 4)
	idx1.Finalize()
	idx2, _ := createRandomIndex(0, 0)
	idx2.StorePack(tests[0].PackID, []restic.Blob{tests[0].Blob})
	other := restic.PackedBlob{Blob: tests[0].Blob, PackID: restic.NewRandomID()}
	idx2.StorePack(other.PackID, []restic.Blob{other.Blob})
	idx2.Finalize()

	rtest.OK(t, idx1.merge(idx2))
	found := idx1.Lookup(tests[0].BlobHandle, nil)
	rtest.Equals(t, 2, len(found))
}

func TestIndexFull(t *testing.T) {
	old := indexMaxBlobs
	defer func() { indexMaxBlobs = old }()
	indexMaxBlobs = 10

	idx, _ := createRandomIndex(1, 9)
	rtest.Assert(t, !IndexFull(idx), "index with 9 blobs is full")
	idx.StorePack(restic.NewRandomID(), []restic.Blob{{BlobHandle: restic.NewRandomBlobHandle(), Length: 1}})
	rtest.Assert(t, IndexFull(idx), "index with 10 blobs is not full")
}
