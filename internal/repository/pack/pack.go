package pack

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/packvault/packvault/internal/crypto"
	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/restic"
)

// Packer is used to create a new Pack.
type Packer struct {
	blobs []restic.Blob

	bytes uint
	k     *crypto.Key
	wr    io.Writer

	m sync.Mutex
}

// NewPacker returns a new Packer that can be used to pack blobs together.
func NewPacker(k *crypto.Key, wr io.Writer) *Packer {
	return &Packer{k: k, wr: wr}
}

// Add saves an encrypted blob to the packer. uncompressedLength is zero for
// blobs that are not compressed. Returned is the number of bytes written to
// the pack.
func (p *Packer) Add(t restic.BlobType, id restic.ID, data []byte, uncompressedLength int) (int, error) {
	p.m.Lock()
	defer p.m.Unlock()

	c := restic.Blob{BlobHandle: restic.BlobHandle{Type: t, ID: id}}

	n, err := p.wr.Write(data)
	c.Length = uint(n)
	c.Offset = p.bytes
	c.UncompressedLength = uint(uncompressedLength)
	p.bytes += uint(n)
	p.blobs = append(p.blobs, c)

	return n, errors.Wrap(err, "Write")
}

var (
	// size of the header-length field at the end of the file
	headerLengthSize = binary.Size(uint32(0))
	// size of an entry for an uncompressed blob
	plainEntrySize = uint(binary.Size(restic.BlobType(0)) + headerLengthSize + len(restic.ID{}))
	// size of an entry for a compressed blob
	entrySize = plainEntrySize + uint(binary.Size(uint32(0)))
	// the smallest valid pack holds one entry and its header
	minFileSize = plainEntrySize + crypto.Extension + uint(headerLengthSize)
)

// header type bytes
const (
	typeData           = 0
	typeTree           = 1
	typeCompressedData = 2
	typeCompressedTree = 3
)

const (
	// MaxHeaderSize is the largest pack header accepted when reading packs.
	MaxHeaderSize = 16 * 1024 * 1024
	// number of header entries to download as part of the header-length request
	eagerEntries = 15
)

// Finalize writes the header for all added blobs and finalizes the pack.
func (p *Packer) Finalize() error {
	p.m.Lock()
	defer p.m.Unlock()

	header, err := makeHeader(p.blobs)
	if err != nil {
		return err
	}

	encryptedHeader := make([]byte, 0, crypto.CiphertextLength(len(header)))
	nonce := crypto.NewRandomNonce()
	encryptedHeader = append(encryptedHeader, nonce...)
	encryptedHeader = p.k.Seal(encryptedHeader, nonce, header, nil)
	encryptedHeader = binary.LittleEndian.AppendUint32(encryptedHeader, uint32(len(encryptedHeader)))

	if err := verifyHeader(p.k, encryptedHeader, p.blobs); err != nil {
		// refuse to write a pack with a header that cannot be read back
		return errors.Wrap(err, "detected invalid pack header")
	}

	n, err := p.wr.Write(encryptedHeader)
	if err != nil {
		return errors.Wrap(err, "Write")
	}
	if n != len(encryptedHeader) {
		return errors.New("wrong number of bytes written")
	}

	p.bytes += uint(len(encryptedHeader))
	return nil
}

func makeHeader(blobs []restic.Blob) ([]byte, error) {
	buf := make([]byte, 0, len(blobs)*int(entrySize))
	for _, b := range blobs {
		switch {
		case b.Type == restic.DataBlob && b.UncompressedLength == 0:
			buf = append(buf, typeData)
		case b.Type == restic.TreeBlob && b.UncompressedLength == 0:
			buf = append(buf, typeTree)
		case b.Type == restic.DataBlob && b.UncompressedLength != 0:
			buf = append(buf, typeCompressedData)
		case b.Type == restic.TreeBlob && b.UncompressedLength != 0:
			buf = append(buf, typeCompressedTree)
		default:
			return nil, errors.Errorf("invalid blob type %v", b.Type)
		}

		buf = binary.LittleEndian.AppendUint32(buf, uint32(b.Length))
		if b.UncompressedLength != 0 {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(b.UncompressedLength))
		}
		buf = append(buf, b.ID[:]...)
	}
	return buf, nil
}

func verifyHeader(k *crypto.Key, header []byte, expected []restic.Blob) error {
	// do not offset the blob positions, as we only check the header
	blobs, hdrSize, err := parseHeader(k, header[:len(header)-headerLengthSize], 0)
	if err != nil {
		return err
	}
	if int(hdrSize) != len(header) {
		return errors.Errorf("header size mismatch: %d != %d", hdrSize, len(header))
	}
	if len(blobs) != len(expected) {
		return errors.Errorf("number of blobs does not match: %d != %d", len(blobs), len(expected))
	}
	for i := range blobs {
		got, want := blobs[i], expected[i]
		if got.BlobHandle != want.BlobHandle || got.Length != want.Length || got.UncompressedLength != want.UncompressedLength {
			return errors.Errorf("header entry %d does not match: %v != %v", i, got, want)
		}
	}
	return nil
}

// HeaderFull returns true if the pack header is full.
func (p *Packer) HeaderFull() bool {
	p.m.Lock()
	defer p.m.Unlock()

	return headerSize+uint(len(p.blobs)+1)*entrySize > MaxHeaderSize
}

// Size returns the number of bytes written so far.
func (p *Packer) Size() uint {
	p.m.Lock()
	defer p.m.Unlock()

	return p.bytes
}

// Count returns the number of blobs in this packer.
func (p *Packer) Count() int {
	p.m.Lock()
	defer p.m.Unlock()

	return len(p.blobs)
}

// Blobs returns the slice of blobs that have been written.
func (p *Packer) Blobs() []restic.Blob {
	p.m.Lock()
	defer p.m.Unlock()

	return p.blobs
}

func (p *Packer) String() string {
	return fmt.Sprintf("<Packer %d blobs, %d bytes>", len(p.blobs), p.bytes)
}

// headerSize is the size of an empty header, i.e. the crypto overhead and the
// length field.
var headerSize = uint(crypto.Extension + headerLengthSize)

// readHeader reads the encrypted header at the end of rd. size is the length
// of the whole data accessible in rd.
func readHeader(rd io.ReaderAt, size int64) ([]byte, error) {
	debug.Log("size: %v", size)
	if size < int64(minFileSize) {
		return nil, errors.Wrap(InvalidFileError{Message: "file is too small"}, "readHeader")
	}

	// an extra request is considerably slower than downloading a few extra
	// bytes, so fetch eagerEntries entries together with the length field
	bufsize := eagerEntries*int(entrySize) + crypto.Extension + headerLengthSize
	if int64(bufsize) > size {
		bufsize = int(size)
	}

	b := make([]byte, bufsize)
	if _, err := rd.ReadAt(b, size-int64(bufsize)); err != nil {
		return nil, errors.Wrap(err, "ReadAt")
	}

	hlen := binary.LittleEndian.Uint32(b[len(b)-headerLengthSize:])
	b = b[:len(b)-headerLengthSize]
	debug.Log("header length: %v", hlen)

	var err error
	switch {
	case hlen == 0:
		err = InvalidFileError{Message: "header length is zero"}
	case hlen < crypto.Extension+uint32(plainEntrySize):
		err = InvalidFileError{Message: "header length is too small"}
	case int64(hlen) > size-int64(headerLengthSize):
		err = InvalidFileError{Message: "header is larger than file"}
	case int64(hlen) > MaxHeaderSize-int64(headerLengthSize):
		err = InvalidFileError{Message: "header is larger than maxHeaderSize"}
	}
	if err != nil {
		return nil, errors.Wrap(err, "readHeader")
	}

	if int(hlen) <= len(b) {
		return b[len(b)-int(hlen):], nil
	}

	b = make([]byte, hlen)
	if _, err := rd.ReadAt(b, size-int64(headerLengthSize)-int64(hlen)); err != nil {
		return nil, errors.Wrap(err, "ReadAt")
	}
	return b, nil
}

// InvalidFileError is return when a file is found that is not a pack file.
type InvalidFileError struct {
	Message string
}

func (e InvalidFileError) Error() string {
	return e.Message
}

// Is reports an invalid pack file as corrupt.
func (e InvalidFileError) Is(target error) bool {
	return target == errors.ErrCorrupt
}

// List returns the list of entries found in a pack file and the length of the
// header (including header size and crypto overhead).
func List(k *crypto.Key, rd io.ReaderAt, size int64) (entries []restic.Blob, hdrSize uint32, err error) {
	buf, err := readHeader(rd, size)
	if err != nil {
		return nil, 0, err
	}

	entries, hdrSize, err = parseHeader(k, buf, size)
	if err != nil {
		return nil, 0, err
	}

	var dataSize int64
	for _, e := range entries {
		dataSize += int64(e.Length)
	}
	if dataSize+int64(hdrSize) != size {
		return nil, 0, InvalidFileError{Message: fmt.Sprintf("pack size %d does not match header (%d data + %d header bytes)", size, dataSize, hdrSize)}
	}

	return entries, hdrSize, nil
}

// parseHeader decrypts and parses an encrypted header, without the length
// field. size is used to check the blob offsets, zero skips the check.
func parseHeader(k *crypto.Key, buf []byte, size int64) ([]restic.Blob, uint32, error) {
	if len(buf) < k.NonceSize()+k.Overhead() {
		return nil, 0, InvalidFileError{Message: "invalid header, too small"}
	}

	hdrSize := uint32(len(buf) + headerLengthSize)
	nonce, ct := buf[:k.NonceSize()], buf[k.NonceSize():]
	plain, err := k.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, 0, errors.Wrap(err, "decrypt pack header")
	}

	entries := make([]restic.Blob, 0, uint(len(plain))/plainEntrySize)

	pos := uint(0)
	for len(plain) > 0 {
		entry, n, err := parseHeaderEntry(plain)
		if err != nil {
			return nil, 0, err
		}
		entry.Offset = pos

		if size > 0 && int64(pos)+int64(entry.Length) > size-int64(hdrSize) {
			return nil, 0, InvalidFileError{Message: fmt.Sprintf("blob %v extends beyond pack data", entry.ID.Str())}
		}

		entries = append(entries, entry)
		pos += entry.Length
		plain = plain[n:]
	}

	return entries, hdrSize, nil
}

func parseHeaderEntry(p []byte) (b restic.Blob, size uint, err error) {
	l := uint(len(p))
	size = plainEntrySize
	if l < plainEntrySize {
		err = InvalidFileError{Message: "header entry too short"}
		return b, size, err
	}
	tpe := p[0]

	switch tpe {
	case typeData, typeCompressedData:
		b.Type = restic.DataBlob
	case typeTree, typeCompressedTree:
		b.Type = restic.TreeBlob
	default:
		return b, size, InvalidFileError{Message: fmt.Sprintf("invalid type %d", tpe)}
	}

	b.Length = uint(binary.LittleEndian.Uint32(p[1:5]))
	p = p[5:]
	if tpe == typeCompressedData || tpe == typeCompressedTree {
		if l < entrySize {
			err = InvalidFileError{Message: "header entry too short"}
			return b, size, err
		}
		size = entrySize
		b.UncompressedLength = uint(binary.LittleEndian.Uint32(p[0:4]))
		p = p[4:]
	}

	copy(b.ID[:], p[:])

	return b, size, nil
}

// CalculateEntrySize returns the size of the header entry for blob.
func CalculateEntrySize(blob restic.Blob) int {
	if blob.UncompressedLength != 0 {
		return int(entrySize)
	}
	return int(plainEntrySize)
}

// CalculateHeaderSize returns the size of the header for the given blobs,
// including the crypto overhead and the length field.
func CalculateHeaderSize(blobs []restic.Blob) int {
	size := int(headerSize)
	for _, blob := range blobs {
		size += CalculateEntrySize(blob)
	}
	return size
}

// Eacher iterates over all blobs of an index.
type Eacher interface {
	Each(ctx context.Context, fn func(restic.PackedBlob)) error
}

// Size returns the size of all packs computed by index information.
// If onlyHdr is set to true, only the size of the header is returned
// Note that this function only gives correct sizes, if there are no
// duplicates in the index.
func Size(ctx context.Context, mi Eacher, onlyHdr bool) (map[restic.ID]int64, error) {
	packSize := make(map[restic.ID]int64)

	err := mi.Each(ctx, func(blob restic.PackedBlob) {
		size, ok := packSize[blob.PackID]
		if !ok {
			size = int64(headerSize)
		}
		if !onlyHdr {
			size += int64(blob.Length)
		}
		packSize[blob.PackID] = size + int64(CalculateEntrySize(blob.Blob))
	})

	return packSize, err
}
