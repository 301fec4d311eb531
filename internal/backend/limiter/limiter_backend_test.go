package limiter_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"testing"

	"github.com/packvault/packvault/internal/backend"
	"github.com/packvault/packvault/internal/backend/limiter"
	"github.com/packvault/packvault/internal/backend/mock"
	rtest "github.com/packvault/packvault/internal/test"
)

func randomBytes(t *testing.T, size int) []byte {
	data := make([]byte, size)
	_, err := io.ReadFull(rand.Reader, data)
	rtest.OK(t, err)
	return data
}

type countingLimiter struct {
	limiter.Limiter
	up, down int
}

func (l *countingLimiter) Upstream(r io.Reader) io.Reader {
	l.up++
	return r
}

func (l *countingLimiter) Downstream(r io.Reader) io.Reader {
	l.down++
	return r
}

func TestLimitBackendSave(t *testing.T) {
	testHandle := backend.Handle{Type: backend.PackFile, Name: "test"}
	data := randomBytes(t, 1234)

	be := mock.NewBackend()
	be.SaveFn = func(ctx context.Context, h backend.Handle, rd backend.RewindReader) error {
		buf := new(bytes.Buffer)
		_, err := io.Copy(buf, rd)
		if err != nil {
			return err
		}
		rtest.Equals(t, data, buf.Bytes())
		return nil
	}
	lim := &countingLimiter{Limiter: limiter.NewStaticLimiter(limiter.Limits{})}
	limbe := limiter.LimitBackend(be, lim)

	rd := backend.NewByteReader(data, nil)
	rtest.OK(t, limbe.Save(context.TODO(), testHandle, rd))
	rtest.Equals(t, 1, lim.up)
	rtest.Equals(t, 0, lim.down)
}

func TestLimitBackendLoad(t *testing.T) {
	testHandle := backend.Handle{Type: backend.PackFile, Name: "test"}
	data := randomBytes(t, 1234)

	be := mock.NewBackend()
	be.OpenReaderFn = func(ctx context.Context, h backend.Handle, length int, offset int64) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	lim := &countingLimiter{Limiter: limiter.NewStaticLimiter(limiter.Limits{})}
	limbe := limiter.LimitBackend(be, lim)

	err := limbe.Load(context.TODO(), testHandle, 0, 0, func(rd io.Reader) error {
		buf, err := io.ReadAll(rd)
		rtest.Equals(t, data, buf)
		return err
	})
	rtest.OK(t, err)
	rtest.Equals(t, 0, lim.up)
	rtest.Equals(t, 1, lim.down)
}

func TestStaticLimiterPassthrough(t *testing.T) {
	data := randomBytes(t, 4096)
	l := limiter.NewStaticLimiter(limiter.Limits{UploadKb: 1024, DownloadKb: 1024})

	buf, err := io.ReadAll(l.Upstream(bytes.NewReader(data)))
	rtest.OK(t, err)
	rtest.Equals(t, data, buf)

	var out bytes.Buffer
	_, err = l.DownstreamWriter(&out).Write(data)
	rtest.OK(t, err)
	rtest.Equals(t, data, out.Bytes())
}
