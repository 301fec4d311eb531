// Package hashing computes content hashes while data flows through a reader
// or writer.
package hashing

import (
	"hash"
	"io"
)

// Writer hashes all data written to the underlying writer. The packer uses
// it to derive the pack ID without a second pass over the pack.
type Writer struct {
	w io.Writer
	h hash.Hash
}

// NewWriter returns a Writer feeding everything written to w into h.
func NewWriter(w io.Writer, h hash.Hash) *Writer {
	return &Writer{w: w, h: h}
}

func (h *Writer) Write(p []byte) (int, error) {
	n, err := h.w.Write(p)
	// hash.Hash.Write never fails
	_, _ = h.h.Write(p[:n])
	return n, err
}

// Sum returns the hash of the data written so far.
func (h *Writer) Sum(d []byte) []byte {
	return h.h.Sum(d)
}
