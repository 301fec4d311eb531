package backend_test

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"math/rand"
	"testing"

	"github.com/packvault/packvault/internal/backend"
	"github.com/packvault/packvault/internal/backend/mem"
	"github.com/packvault/packvault/internal/backend/mock"
	"github.com/packvault/packvault/internal/errors"
	rtest "github.com/packvault/packvault/internal/test"

	"github.com/minio/sha256-simd"
)

const KiB = 1 << 10
const MiB = 1 << 20

func hashName(data []byte) string {
	id := sha256.Sum256(data)
	return hex.EncodeToString(id[:])
}

func save(t testing.TB, be backend.Backend, buf []byte) backend.Handle {
	h := backend.Handle{Name: hashName(buf), Type: backend.PackFile}
	err := be.Save(context.TODO(), h, backend.NewByteReader(buf, be.Hasher()))
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestLoadAll(t *testing.T) {
	b := mem.New()
	var buf []byte

	for i := 0; i < 20; i++ {
		data := rtest.Random(23+i, rand.Intn(MiB)+500*KiB)
		h := save(t, b, data)

		buf, err := backend.LoadAll(context.TODO(), buf, b, h)
		rtest.OK(t, err)

		if len(buf) != len(data) {
			t.Errorf("length of returned buffer does not match, want %d, got %d", len(data), len(buf))
			continue
		}

		if !bytes.Equal(buf, data) {
			t.Errorf("wrong data returned")
			continue
		}
	}
}

func TestLoadAllAppend(t *testing.T) {
	b := mem.New()

	h1 := save(t, b, []byte("foobar test string"))
	randomData := rtest.Random(23, rand.Intn(MiB)+500*KiB)
	h2 := save(t, b, randomData)

	var tests = []struct {
		handle backend.Handle
		buf    []byte
		want   []byte
	}{
		{handle: h1, buf: nil, want: []byte("foobar test string")},
		{handle: h1, buf: []byte("xxx"), want: []byte("foobar test string")},
		{handle: h2, buf: nil, want: randomData},
		{handle: h2, buf: make([]byte, 0, 200), want: randomData},
		{handle: h2, buf: []byte("foobarbaz"), want: randomData},
	}

	for _, test := range tests {
		t.Run("", func(t *testing.T) {
			buf, err := backend.LoadAll(context.TODO(), test.buf, b, test.handle)
			if err != nil {
				t.Fatal(err)
			}

			if !bytes.Equal(buf, test.want) {
				t.Errorf("wrong data returned, want %q, got %q", test.want, buf)
			}
		})
	}
}

type mockReader struct {
	closed bool
}

func (rd *mockReader) Read(_ []byte) (n int, err error) {
	return 0, nil
}
func (rd *mockReader) Close() error {
	rd.closed = true
	return nil
}

func TestDefaultLoad(t *testing.T) {
	h := backend.Handle{Name: "id", Type: backend.PackFile}
	rd := &mockReader{}

	// happy case, assert correct parameters are passed around and content stream is closed
	err := backend.DefaultLoad(context.TODO(), h, 10, 11, func(ctx context.Context, ih backend.Handle, length int, offset int64) (io.ReadCloser, error) {
		rtest.Equals(t, h, ih)
		rtest.Equals(t, int(10), length)
		rtest.Equals(t, int64(11), offset)

		return rd, nil
	}, func(ird io.Reader) error {
		rtest.Equals(t, rd, ird)
		return nil
	})
	rtest.OK(t, err)
	rtest.Equals(t, true, rd.closed)

	// unhappy case, assert producer errors are handled correctly
	err = backend.DefaultLoad(context.TODO(), h, 10, 11, func(ctx context.Context, ih backend.Handle, length int, offset int64) (io.ReadCloser, error) {
		return nil, errors.Errorf("producer error")
	}, func(ird io.Reader) error {
		t.Fatalf("unexpected consumer invocation")
		return nil
	})
	rtest.Equals(t, "producer error", err.Error())

	// unhappy case, assert consumer errors are handled correctly
	rd = &mockReader{}
	err = backend.DefaultLoad(context.TODO(), h, 10, 11, func(ctx context.Context, ih backend.Handle, length int, offset int64) (io.ReadCloser, error) {
		return rd, nil
	}, func(ird io.Reader) error {
		return errors.Errorf("consumer error")
	})
	rtest.Equals(t, true, rd.closed)
	rtest.Equals(t, "consumer error", err.Error())
}

func TestDefaultDelete(t *testing.T) {
	be := mem.New()
	ctx := context.TODO()

	for _, tpe := range []backend.FileType{backend.PackFile, backend.IndexFile, backend.SnapshotFile, backend.PlanFile} {
		save(t, be, []byte(tpe.String()))
		data := []byte("second " + tpe.String())
		h := backend.Handle{Type: tpe, Name: hashName(data)}
		rtest.OK(t, be.Save(ctx, h, backend.NewByteReader(data, be.Hasher())))
	}
	rtest.OK(t, be.Save(ctx, backend.Handle{Type: backend.ConfigFile}, backend.NewByteReader([]byte("{}"), be.Hasher())))

	rtest.OK(t, backend.DefaultDelete(ctx, be))

	for _, tpe := range []backend.FileType{backend.PackFile, backend.IndexFile, backend.SnapshotFile, backend.PlanFile} {
		err := be.List(ctx, tpe, func(fi backend.FileInfo) error {
			t.Errorf("file %v of type %v left after delete", fi.Name, tpe)
			return nil
		})
		rtest.OK(t, err)
	}
	_, err := be.Stat(ctx, backend.Handle{Type: backend.ConfigFile})
	rtest.Assert(t, be.IsNotExist(err), "config not removed: %v", err)
}

func TestDefaultDeleteListError(t *testing.T) {
	be := mock.NewBackend()
	listErr := errors.New("list failed")
	be.ListFn = func(ctx context.Context, t backend.FileType, fn func(backend.FileInfo) error) error {
		return listErr
	}

	err := backend.DefaultDelete(context.TODO(), be)
	rtest.ErrorIs(t, err, listErr)
}

func TestMemorizeList(t *testing.T) {
	// setup backend to serve as data source for memorized list
	be := mock.NewBackend()
	files := []backend.FileInfo{
		{Size: 42, Name: hashName([]byte("foo"))},
		{Size: 45, Name: hashName([]byte("bar"))},
	}
	be.ListFn = func(ctx context.Context, t backend.FileType, fn func(backend.FileInfo) error) error {
		for _, fi := range files {
			if err := fn(fi); err != nil {
				return err
			}
		}
		return nil
	}

	mem, err := backend.MemorizeList(context.TODO(), be, backend.SnapshotFile)
	rtest.OK(t, err)

	err = mem.List(context.TODO(), backend.IndexFile, func(fi backend.FileInfo) error {
		t.Fatal("file type mismatch")
		return nil // the memorized lister must not call the callback
	})
	rtest.Assert(t, err != nil, "missing error on file type mismatch")

	var memFiles []backend.FileInfo
	err = mem.List(context.TODO(), backend.SnapshotFile, func(fi backend.FileInfo) error {
		memFiles = append(memFiles, fi)
		return nil
	})
	rtest.OK(t, err)
	rtest.Equals(t, files, memFiles)

	// memorizing an already memorized lister is a no-op
	mem2, err := backend.MemorizeList(context.TODO(), mem, backend.SnapshotFile)
	rtest.OK(t, err)
	rtest.Equals(t, mem, mem2)
}

func TestMemorizeListError(t *testing.T) {
	be := mock.NewBackend()
	be.ListFn = func(ctx context.Context, t backend.FileType, fn func(backend.FileInfo) error) error {
		return errors.Errorf("list error")
	}
	_, err := backend.MemorizeList(context.TODO(), be, backend.SnapshotFile)
	rtest.Equals(t, "list error", err.Error())
}
