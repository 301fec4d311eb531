package backend

import (
	"hash"
	"io"
)

// RewindReader is an upload body that can be replayed, so that a failed
// upload can be retried with the same data.
type RewindReader interface {
	io.Reader

	// Rewind restarts reading at the first byte.
	Rewind() error

	// Length returns the total number of bytes, independent of the current
	// read position.
	Length() int64

	// Hash returns the content hash requested by the backend, or nil.
	Hash() []byte
}

// ByteReader replays an in-memory buffer.
type ByteReader struct {
	buf  []byte
	pos  int
	hash []byte
}

var _ RewindReader = &ByteReader{}
var _ io.WriterTo = &ByteReader{}

// NewByteReader returns a reader for buf. If hasher is not nil, the hash of
// buf is computed up front.
func NewByteReader(buf []byte, hasher hash.Hash) *ByteReader {
	r := &ByteReader{buf: buf}
	if hasher != nil {
		// hash.Hash.Write never returns an error
		_, _ = hasher.Write(buf)
		r.hash = hasher.Sum(nil)
	}
	return r
}

func (b *ByteReader) Read(p []byte) (int, error) {
	if b.pos >= len(b.buf) {
		return 0, io.EOF
	}
	n := copy(p, b.buf[b.pos:])
	b.pos += n
	return n, nil
}

// WriteTo writes the unread remainder to w.
func (b *ByteReader) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(b.buf[b.pos:])
	b.pos += n
	return int64(n), err
}

func (b *ByteReader) Rewind() error {
	b.pos = 0
	return nil
}

func (b *ByteReader) Length() int64 { return int64(len(b.buf)) }

func (b *ByteReader) Hash() []byte { return b.hash }
