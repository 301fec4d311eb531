// Package chunker splits files into content defined chunks, using the
// chunking parameters stored in the repository config.
package chunker

import (
	"io"

	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/restic"

	"github.com/restic/chunker"
)

// Chunk is one content defined chunk. Data aliases the buffer passed to Next.
type Chunk = chunker.Chunk

// Pol is the irreducible polynomial used by the rolling hash.
type Pol = chunker.Pol

// Params configure the chunk boundaries.
type Params struct {
	Pol         Pol
	MinSize     uint
	MaxSize     uint
	AverageBits uint
}

// ParamsFromConfig returns the chunker parameters of a repository.
func ParamsFromConfig(cfg restic.Config) Params {
	return Params{
		Pol:         cfg.ChunkerPolynomial,
		MinSize:     cfg.MinChunkSize,
		MaxSize:     cfg.MaxChunkSize,
		AverageBits: cfg.AvgChunkSizeBits,
	}
}

// Chunker cuts a byte stream into chunks. It is not safe for concurrent use,
// but can be reused for several files with Reset.
type Chunker struct {
	c      *chunker.Chunker
	params Params
	buf    []byte
}

// New returns a chunker that reads from rd.
func New(rd io.Reader, p Params) *Chunker {
	c := &Chunker{
		c:      chunker.NewWithBoundaries(rd, p.Pol, p.MinSize, p.MaxSize),
		params: p,
	}
	c.c.SetAverageBits(int(p.AverageBits))
	return c
}

// Reset restarts the chunker on a new reader, the parameters are kept.
func (c *Chunker) Reset(rd io.Reader) {
	c.c.ResetWithBoundaries(rd, c.params.Pol, c.params.MinSize, c.params.MaxSize)
	c.c.SetAverageBits(int(c.params.AverageBits))
}

// MaxSize returns the upper bound for the length of a chunk.
func (c *Chunker) MaxSize() uint {
	return c.params.MaxSize
}

// Next returns the next chunk, reusing buf when it is large enough. At the end
// of the stream io.EOF is returned.
func (c *Chunker) Next(buf []byte) (Chunk, error) {
	if buf == nil {
		if c.buf == nil {
			c.buf = make([]byte, c.params.MaxSize)
		}
		buf = c.buf
	}

	chunk, err := c.c.Next(buf)
	if err == io.EOF {
		return Chunk{}, io.EOF
	}
	if err != nil {
		return Chunk{}, errors.Wrap(err, "chunker.Next")
	}
	return chunk, nil
}

// Split chunks all data from rd and calls fn for each chunk in order. The
// chunk data is only valid until fn returns.
func (c *Chunker) Split(rd io.Reader, fn func(Chunk) error) error {
	c.Reset(rd)
	for {
		chunk, err := c.Next(nil)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		if err := fn(chunk); err != nil {
			return err
		}
	}
}
