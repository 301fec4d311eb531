package mock_test

import (
	"context"
	"io"
	"testing"

	"github.com/packvault/packvault/internal/backend"
	"github.com/packvault/packvault/internal/backend/mock"
	"github.com/packvault/packvault/internal/errors"
	rtest "github.com/packvault/packvault/internal/test"
)

func TestFallbackStore(t *testing.T) {
	be := &mock.Backend{}
	h := backend.Handle{Type: backend.SnapshotFile, Name: "abc"}

	rtest.OK(t, be.Save(context.TODO(), h, backend.NewByteReader([]byte("content"), nil)))
	buf, err := backend.LoadAll(context.TODO(), nil, be, h)
	rtest.OK(t, err)
	rtest.Equals(t, "content", string(buf))

	rtest.OK(t, be.Remove(context.TODO(), h))
	_, err = be.Stat(context.TODO(), h)
	rtest.Assert(t, be.IsNotExist(err), "removed file still present: %v", err)
}

func TestOverride(t *testing.T) {
	injected := errors.New("injected")
	be := mock.NewBackend()
	be.OpenReaderFn = func(context.Context, backend.Handle, int, int64) (io.ReadCloser, error) {
		return nil, injected
	}
	be.IsPermanentErrorFn = func(err error) bool { return err == injected }

	h := backend.Handle{Type: backend.PackFile, Name: "abc"}
	err := be.Load(context.TODO(), h, 0, 0, func(io.Reader) error { return nil })
	rtest.Assert(t, errors.Is(err, injected), "override not used: %v", err)
	rtest.Assert(t, be.IsPermanentError(err), "IsPermanentError override not used")
	rtest.Equals(t, uint(2), be.Connections())
}
