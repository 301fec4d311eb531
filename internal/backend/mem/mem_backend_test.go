package mem_test

import (
	"context"
	"io"
	"testing"

	"github.com/packvault/packvault/internal/backend"
	"github.com/packvault/packvault/internal/backend/mem"
	"github.com/packvault/packvault/internal/backend/test"
	"github.com/packvault/packvault/internal/errors"
	rtest "github.com/packvault/packvault/internal/test"
)

func newTestSuite() *test.Suite[struct{}] {
	return &test.Suite[struct{}]{
		NewConfig: func() (*struct{}, error) {
			return &struct{}{}, nil
		},

		Factory: mem.NewFactory(),
	}
}

func TestSuiteBackendMem(t *testing.T) {
	newTestSuite().RunTests(t)
}

func TestMemoryBackend(t *testing.T) {
	be := mem.New()
	ctx := context.TODO()
	save := func(name string, data string) error {
		h := backend.Handle{Type: backend.PackFile, Name: name}
		return be.Save(ctx, h, backend.NewByteReader([]byte(data), be.Hasher()))
	}

	rtest.OK(t, save("b", "second"))
	rtest.OK(t, save("a", "first"))
	err := save("a", "other")
	rtest.Assert(t, errors.IsConflict(err), "expected conflict, got %v", err)

	var names []string
	rtest.OK(t, be.List(ctx, backend.PackFile, func(fi backend.FileInfo) error {
		names = append(names, fi.Name)
		return nil
	}))
	rtest.Equals(t, []string{"a", "b"}, names)

	h := backend.Handle{Type: backend.PackFile, Name: "a"}
	buf, err := backend.LoadAll(ctx, nil, be, h)
	rtest.OK(t, err)
	rtest.Equals(t, "first", string(buf))

	err = be.Load(ctx, h, 10, 0, func(rd io.Reader) error { return nil })
	rtest.Assert(t, be.IsPermanentError(err), "read beyond end not permanent: %v", err)

	rtest.OK(t, be.Remove(ctx, h))
	_, err = be.Stat(ctx, h)
	rtest.Assert(t, be.IsNotExist(err), "removed file still exists: %v", err)
}
