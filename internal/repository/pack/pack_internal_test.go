package pack

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/packvault/packvault/internal/crypto"
	"github.com/packvault/packvault/internal/restic"
	rtest "github.com/packvault/packvault/internal/test"
)

type countingReaderAt struct {
	delegate        io.ReaderAt
	invocationCount int
}

func (rd *countingReaderAt) ReadAt(p []byte, off int64) (n int, err error) {
	rd.invocationCount++
	return rd.delegate.ReadAt(p, off)
}

func TestReadHeaderEagerLoad(t *testing.T) {
	testReadHeader := func(dataSize, entryCount uint, expectedReadInvocationCount int) {
		expectedHeader := rtest.Random(0, int(entryCount*entrySize)+crypto.Extension)

		buf := &bytes.Buffer{}
		// blob data, header and header length
		buf.Write(rtest.Random(0, int(dataSize)))
		buf.Write(expectedHeader)
		_ = binary.Write(buf, binary.LittleEndian, uint32(len(expectedHeader)))

		rd := &countingReaderAt{delegate: bytes.NewReader(buf.Bytes())}

		header, err := readHeader(rd, int64(buf.Len()))
		rtest.OK(t, err)

		rtest.Equals(t, expectedHeader, header)
		rtest.Equals(t, expectedReadInvocationCount, rd.invocationCount)
	}

	// basic
	testReadHeader(100, 1, 1)

	// header entries == eager entries
	testReadHeader(100, eagerEntries-1, 1)
	testReadHeader(100, eagerEntries, 1)
	testReadHeader(100, eagerEntries+1, 2)

	// file size == eager header load size
	eagerLoadSize := int((eagerEntries * entrySize) + crypto.Extension + uint(headerLengthSize))
	headerSize := int(1*entrySize) + crypto.Extension
	dataSize := eagerLoadSize - headerSize - headerLengthSize
	testReadHeader(uint(dataSize), 1, 1)
}

func TestParseHeaderEntry(t *testing.T) {
	h := restic.Blob{
		BlobHandle: restic.BlobHandle{
			ID:   restic.NewRandomID(),
			Type: restic.DataBlob,
		},
		Length: 100,
	}
	for _, uncompressed := range []uint{0, 200} {
		h.UncompressedLength = uncompressed

		buf, err := makeHeader([]restic.Blob{h})
		rtest.OK(t, err)
		b, size, err := parseHeaderEntry(buf)
		rtest.OK(t, err)
		rtest.Equals(t, uint(len(buf)), size)
		rtest.Equals(t, h, b)

		_, _, err = parseHeaderEntry(buf[:len(buf)-1])
		rtest.Assert(t, err != nil, "parsing a truncated entry succeeded")
	}

	_, err := makeHeader([]restic.Blob{{BlobHandle: restic.BlobHandle{Type: restic.InvalidBlob}}})
	rtest.Assert(t, err != nil, "invalid blob type was accepted")
}
