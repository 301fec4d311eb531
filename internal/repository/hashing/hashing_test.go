package hashing

import (
	"bytes"
	"io"
	"testing"

	rtest "github.com/packvault/packvault/internal/test"

	"github.com/minio/sha256-simd"
)

func TestWriterReader(t *testing.T) {
	for _, size := range []int{0, 5, 23, 2<<18 + 23, 1 << 20} {
		data := rtest.Random(size, size)
		expected := sha256.Sum256(data)

		var buf bytes.Buffer
		wr := NewWriter(&buf, sha256.New())
		n, err := io.Copy(wr, bytes.NewReader(data))
		rtest.OK(t, err)
		rtest.Equals(t, int64(size), n)
		rtest.Equals(t, expected[:], wr.Sum(nil))
		rtest.Assert(t, bytes.Equal(data, buf.Bytes()), "written data differs for size %d", size)

		rd := NewReader(bytes.NewReader(data), sha256.New())
		got, err := io.ReadAll(rd)
		rtest.OK(t, err)
		rtest.Assert(t, bytes.Equal(data, got), "read data differs for size %d", size)
		rtest.Equals(t, expected[:], rd.Sum(nil))
	}
}
