package chunker_test

import (
	"bytes"
	"testing"

	"github.com/packvault/packvault/internal/chunker"
	"github.com/packvault/packvault/internal/restic"
	rtest "github.com/packvault/packvault/internal/test"
)

// testPol is an irreducible polynomial.
const testPol = chunker.Pol(0x3DA3358B4DC173)

var testParams = chunker.Params{
	Pol:         testPol,
	MinSize:     16 * 1024,
	MaxSize:     256 * 1024,
	AverageBits: 16,
}

func chunkIDs(t testing.TB, c *chunker.Chunker, data []byte) (ids restic.IDs, joined []byte) {
	err := c.Split(bytes.NewReader(data), func(chunk chunker.Chunk) error {
		rtest.Assert(t, chunk.Length <= testParams.MaxSize, "chunk too large: %d", chunk.Length)
		ids = append(ids, restic.Hash(chunk.Data))
		joined = append(joined, chunk.Data...)
		return nil
	})
	rtest.OK(t, err)
	return ids, joined
}

func TestChunkerRoundTrip(t *testing.T) {
	data := rtest.Random(42, 4*1024*1024)
	c := chunker.New(nil, testParams)

	ids, joined := chunkIDs(t, c, data)
	rtest.Assert(t, len(ids) > 10, "expected more than 10 chunks, got %d", len(ids))
	rtest.Assert(t, bytes.Equal(data, joined), "chunks do not reassemble the input")

	// chunking is deterministic across Reset
	ids2, _ := chunkIDs(t, c, data)
	rtest.Equals(t, ids, ids2)
}

func TestChunkerEmpty(t *testing.T) {
	c := chunker.New(bytes.NewReader(nil), testParams)
	_, err := c.Next(nil)
	rtest.Assert(t, err != nil, "expected io.EOF for empty input")
}

func TestChunkerStableUnderInsert(t *testing.T) {
	data := rtest.Random(23, 4*1024*1024)
	c := chunker.New(nil, testParams)

	before, _ := chunkIDs(t, c, data)

	pos := len(data) / 2
	edited := make([]byte, 0, len(data)+10)
	edited = append(edited, data[:pos]...)
	edited = append(edited, []byte("0123456789")...)
	edited = append(edited, data[pos:]...)

	after, joined := chunkIDs(t, c, edited)
	rtest.Assert(t, bytes.Equal(edited, joined), "chunks do not reassemble the input")

	known := restic.NewIDSet(before...)
	changed := 0
	for _, id := range after {
		if !known.Has(id) {
			changed++
		}
	}

	t.Logf("%d chunks before, %d after, %d changed", len(before), len(after), changed)
	rtest.Assert(t, changed >= 1, "edit did not change any chunk")
	rtest.Assert(t, changed <= 3, "edit changed %d chunks", changed)

	// the chunks before the edit are identical
	for i := 0; i < len(before) && i < len(after); i++ {
		if before[i] != after[i] {
			rtest.Assert(t, i > 0, "first chunk changed")
			break
		}
	}
}

func TestParamsFromConfig(t *testing.T) {
	cfg, err := restic.CreateConfig(restic.ConfigOptions{})
	rtest.OK(t, err)

	p := chunker.ParamsFromConfig(cfg)
	rtest.Equals(t, cfg.ChunkerPolynomial, p.Pol)
	rtest.Equals(t, uint(restic.DefaultMinChunkSize), p.MinSize)
	rtest.Equals(t, uint(restic.DefaultMaxChunkSize), p.MaxSize)
	rtest.Equals(t, uint(restic.DefaultAvgChunkSizeBits), p.AverageBits)
}
