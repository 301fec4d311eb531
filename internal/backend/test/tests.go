package test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/packvault/packvault/internal/backend"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/restic"
	"github.com/packvault/packvault/internal/test"
)

func newRand(t testing.TB) *rand.Rand {
	seed := time.Now().UnixNano()
	t.Logf("random seed %d", seed)
	return rand.New(rand.NewSource(seed))
}

// exists reports whether h is present. A not-exist error is no error.
func exists(ctx context.Context, be backend.Backend, h backend.Handle) (bool, error) {
	_, err := be.Stat(ctx, h)
	if err != nil && be.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// save stores data under its hash and returns the handle.
func save(t testing.TB, be backend.Backend, tpe backend.FileType, data []byte) backend.Handle {
	h := backend.Handle{Type: tpe, Name: restic.Hash(data).String()}
	test.OK(t, be.Save(context.TODO(), h, backend.NewByteReader(data, be.Hasher())))
	return h
}

// load returns length bytes of h starting at offset; length 0 reads to the
// end of the file.
func load(be backend.Backend, h backend.Handle, length int, offset int64) ([]byte, error) {
	var buf []byte
	err := be.Load(context.TODO(), h, length, offset, func(rd io.Reader) (err error) {
		buf, err = io.ReadAll(rd)
		return err
	})
	return buf, err
}

// listSizes returns name and size of all files of type tpe.
func listSizes(t testing.TB, be backend.Backend, tpe backend.FileType) map[string]int64 {
	files := make(map[string]int64)
	test.OK(t, be.List(context.TODO(), tpe, func(fi backend.FileInfo) error {
		files[fi.Name] = fi.Size
		return nil
	}))
	return files
}

// testCreateWithConfig checks that Create refuses a location that already
// holds a repository config.
func (s *Suite[C]) testCreateWithConfig(t *testing.T) {
	be := s.open(t)
	cfg := backend.Handle{Type: backend.ConfigFile}

	found, err := exists(context.TODO(), be, cfg)
	test.OK(t, err)
	if found {
		test.OK(t, be.Remove(context.TODO(), cfg))
	}

	save(t, be, backend.ConfigFile, []byte("test config"))
	_, err = s.createOrError()
	test.Assert(t, err != nil, "Create() succeeded although a config exists")

	test.OK(t, be.Remove(context.TODO(), cfg))
}

// testConfig checks that the config file ignores the handle name.
func (s *Suite[C]) testConfig(t *testing.T) {
	be := s.open(t)
	cfg := backend.Handle{Type: backend.ConfigFile}

	_, err := backend.LoadAll(context.TODO(), nil, be, cfg)
	test.Assert(t, err != nil && be.IsNotExist(err), "missing config not reported as not existing: %v", err)

	const content = "Config"
	test.OK(t, be.Save(context.TODO(), cfg, backend.NewByteReader([]byte(content), be.Hasher())))

	for _, name := range []string{"", "foo", restic.ID{}.String()} {
		buf, err := backend.LoadAll(context.TODO(), nil, be, backend.Handle{Type: backend.ConfigFile, Name: name})
		test.OK(t, err)
		test.Equals(t, content, string(buf))
	}

	test.OK(t, be.Remove(context.TODO(), cfg))
}

// testLoad checks ranged reads and the errors of Load.
func (s *Suite[C]) testLoad(t *testing.T) {
	rnd := newRand(t)
	be := s.open(t)
	noop := func(io.Reader) error { return nil }

	err := be.Load(context.TODO(), backend.Handle{}, 0, 0, noop)
	test.Assert(t, err != nil, "Load() accepted an invalid handle")
	test.Assert(t, !be.IsNotExist(err), "invalid handle reported as not existing: %v", err)

	_, err = load(be, backend.Handle{Type: backend.PackFile, Name: "foobar"}, 0, 0)
	test.Assert(t, err != nil && be.IsNotExist(err), "missing file not reported as not existing: %v", err)

	size, rounds := rnd.Intn(1<<24)+2000, 50
	if s.MinimalData {
		size, rounds = rnd.Intn(1<<20)+2000, 10
	}
	data := test.Random(23, size)
	h := save(t, be, backend.PackFile, data)

	err = be.Load(context.TODO(), h, 100, -1, noop)
	test.Assert(t, err != nil, "Load() accepted a negative offset")

	errConsumer := errors.New("consumer failed")
	err = be.Load(context.TODO(), h, 0, 0, func(rd io.Reader) error {
		_, _ = io.Copy(io.Discard, rd)
		return errConsumer
	})
	test.Assert(t, errors.Is(err, errConsumer), "consumer error not returned: %v", err)

	for i := 0; i < rounds; i++ {
		offset := rnd.Intn(size)
		length := rnd.Intn(size - offset + 1)
		want := data[offset : offset+length]
		if length == 0 {
			want = data[offset:]
		}

		got, err := load(be, h, length, int64(offset))
		if err != nil {
			t.Errorf("Load(%d, %d) failed: %+v", length, offset, err)
			continue
		}
		if !bytes.Equal(want, got) {
			t.Errorf("Load(%d, %d) returned %d wrong bytes, want %d", length, offset, len(got), len(want))
		}
	}

	_, err = load(be, h, 100, int64(size-50))
	test.Assert(t, err != nil, "Load() past the end of the file succeeded")
	test.Assert(t, be.IsPermanentError(err), "short read is not a permanent error: %v", err)

	test.OK(t, be.Remove(context.TODO(), h))
}

// testList checks that List returns exactly the saved files with their sizes.
func (s *Suite[C]) testList(t *testing.T) {
	rnd := newRand(t)
	be := s.open(t)

	test.Equals(t, 0, len(listSizes(t, be, backend.PackFile)))

	want := make(map[string]int64)
	var handles []backend.Handle
	for i := rnd.Intn(20) + 20; i > 0; i-- {
		data := test.Random(rnd.Int(), rnd.Intn(100)+55)
		h := save(t, be, backend.PackFile, data)
		want[h.Name] = int64(len(data))
		handles = append(handles, h)
	}

	if diff := cmp.Diff(want, listSizes(t, be, backend.PackFile)); diff != "" {
		t.Errorf("List() returned wrong files (-want +got):\n%s", diff)
	}

	s.removeAll(t, be, handles...)
}

// testListCancel checks that List stops when the context is cancelled,
// before or during the listing.
func (s *Suite[C]) testListCancel(t *testing.T) {
	const files = 5
	be := s.open(t)

	var handles []backend.Handle
	for i := 0; i < files; i++ {
		handles = append(handles, save(t, be, backend.PackFile, []byte(fmt.Sprintf("list cancel test %d", i))))
	}

	for _, tc := range []struct {
		name     string
		cancelAt int
	}{
		{"Before", 0},
		{"First", 1},
		{"Last", files},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.TODO())
			defer cancel()
			if tc.cancelAt == 0 {
				cancel()
			}

			seen := 0
			err := be.List(ctx, backend.PackFile, func(backend.FileInfo) error {
				seen++
				if seen == tc.cancelAt {
					cancel()
				}
				return nil
			})
			test.Assert(t, errors.Is(err, context.Canceled), "List() returned %v, want %v", err, context.Canceled)
			test.Equals(t, tc.cancelAt, seen)
		})
	}

	s.removeAll(t, be, handles...)
}

// testSave checks that saved files read back unchanged and Stat reports
// their size.
func (s *Suite[C]) testSave(t *testing.T) {
	rnd := newRand(t)
	be := s.open(t)

	rounds := 10
	if s.MinimalData {
		rounds = 2
	}

	var handles []backend.Handle
	for i := 0; i < rounds; i++ {
		data := test.Random(23+i, rnd.Intn(1<<20)+200000)
		h := save(t, be, backend.PackFile, data)
		handles = append(handles, h)

		buf, err := backend.LoadAll(context.TODO(), nil, be, h)
		test.OK(t, err)
		test.Assert(t, bytes.Equal(data, buf), "read back %d bytes that differ from the %d saved", len(buf), len(data))

		fi, err := be.Stat(context.TODO(), h)
		test.OK(t, err)
		test.Equals(t, backend.FileInfo{Name: h.Name, Size: int64(len(data))}, fi)
	}

	s.removeAll(t, be, handles...)
}

// testSaveConflict checks that files are write-once.
func (s *Suite[C]) testSaveConflict(t *testing.T) {
	be := s.open(t)

	data := []byte("write-once test data")
	h := save(t, be, backend.SnapshotFile, data)

	err := be.Save(context.TODO(), h, backend.NewByteReader([]byte("something else"), be.Hasher()))
	test.Assert(t, errors.IsConflict(err), "second Save() of %v returned %v, want a conflict", h, err)
	test.Assert(t, be.IsPermanentError(err), "conflict is not a permanent error: %v", err)

	buf, err := backend.LoadAll(context.TODO(), nil, be, h)
	test.OK(t, err)
	test.Equals(t, data, buf)

	s.removeAll(t, be, h)
}

// overstatedReader claims more data than it delivers.
type overstatedReader struct {
	*backend.ByteReader
}

func (r overstatedReader) Length() int64 {
	return r.ByteReader.Length() + 42
}

// testSaveIncomplete checks that an upload shorter than announced fails.
func (s *Suite[C]) testSaveIncomplete(t *testing.T) {
	be := s.open(t)

	data := test.Random(24, 200000)
	h := backend.Handle{Type: backend.PackFile, Name: restic.Hash(data).String()}
	err := be.Save(context.TODO(), h, overstatedReader{backend.NewByteReader(data, be.Hasher())})
	_ = be.Remove(context.TODO(), h)
	test.Assert(t, err != nil, "incomplete upload succeeded")
}

var testFiles = []struct {
	id   string
	data string
}{
	{"c3ab8ff13720e8ad9047dd39466b3c8974e592c2fa383d4a3960714caef0c4f2", "foobar"},
	{"248d6a61d20638b8e5c026930c3e6039a33ce45964ff2167f6ecedd419db06c1", "abcdbcdecdefdefgefghfghighijhijkijkljklmklmnlmnomnopnopq"},
	{"cc5d46bdb4991c6eae3eb739c9c8a7a46fe9654fab79c47b4fe48383b5b25e1c", "foo/bar"},
	{"4e54d2c721cbdb730f01b10b62dec622962b36966ec685880effa63d71c808f2", "foo/../../baz"},
}

// testFileTypes runs the file life cycle for every file type.
func (s *Suite[C]) testFileTypes(t *testing.T) {
	be := s.open(t)
	test.Assert(t, !be.IsNotExist(nil), "IsNotExist(nil) returned true")

	for _, tpe := range []backend.FileType{
		backend.PackFile, backend.KeyFile, backend.LockFile,
		backend.SnapshotFile, backend.IndexFile, backend.PlanFile,
	} {
		t.Run(tpe.String(), func(t *testing.T) {
			var handles []backend.Handle
			for _, f := range testFiles {
				h := backend.Handle{Type: tpe, Name: f.id}
				handles = append(handles, h)

				found, err := exists(context.TODO(), be, h)
				test.OK(t, err)
				test.Assert(t, !found, "%v exists before it was saved", h)
				_, err = load(be, h, 0, 0)
				test.Assert(t, err != nil && be.IsNotExist(err), "Load() of missing %v returned %v", h, err)

				test.Equals(t, h, save(t, be, tpe, []byte(f.data)))

				buf, err := load(be, h, len(f.data)-3, 1)
				test.OK(t, err)
				test.Equals(t, f.data[1:len(f.data)-2], string(buf))
			}

			// a removed file can be saved again
			first := handles[0]
			s.removeAll(t, be, first)
			save(t, be, tpe, []byte(testFiles[0].data))

			want := make(map[string]int64)
			for _, f := range testFiles {
				want[f.id] = int64(len(f.data))
			}
			if diff := cmp.Diff(want, listSizes(t, be, tpe)); diff != "" {
				t.Errorf("List(%v) returned wrong files (-want +got):\n%s", tpe, diff)
			}

			s.removeAll(t, be, handles...)
		})
	}
}

func (s *Suite[C]) testDelete(t *testing.T) {
	be := s.open(t)
	test.OK(t, be.Delete(context.TODO()))
}
