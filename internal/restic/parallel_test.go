package restic

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/packvault/packvault/internal/errors"
	rtest "github.com/packvault/packvault/internal/test"
	"github.com/packvault/packvault/internal/ui/progress"
)

type mockRemoverUnpacked struct {
	removeUnpacked func(ctx context.Context, t FileType, id ID) error
}

func (m *mockRemoverUnpacked) Connections() uint {
	return 2
}

func (m *mockRemoverUnpacked) RemoveUnpacked(ctx context.Context, t FileType, id ID) error {
	return m.removeUnpacked(ctx, t, id)
}

func newTestID(i byte) ID {
	return Hash([]byte{i})
}

func TestParallelRemove(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name            string
		removeUnpacked  func(ctx context.Context, t FileType, id ID) error
		fileList        IDSet
		wantReportIDSet IDSet
		wantBarCount    int
	}{
		{
			name: "remove files",
			removeUnpacked: func(ctx context.Context, t FileType, id ID) error {
				return nil
			},
			fileList:        NewIDSet(newTestID(1), newTestID(2), newTestID(3)),
			wantReportIDSet: NewIDSet(newTestID(1), newTestID(2), newTestID(3)),
			wantBarCount:    3,
		},
		{
			name: "remove files with error",
			removeUnpacked: func(ctx context.Context, t FileType, id ID) error {
				return errors.New("error")
			},
			fileList:        NewIDSet(newTestID(1), newTestID(2), newTestID(3)),
			wantReportIDSet: NewIDSet(),
			wantBarCount:    0,
		},
		{
			name: "fail 2 files",
			removeUnpacked: func(ctx context.Context, t FileType, id ID) error {
				if id == newTestID(2) || id == newTestID(3) {
					return errors.New("error")
				}
				return nil
			},
			fileList:        NewIDSet(newTestID(1), newTestID(2), newTestID(3), newTestID(4)),
			wantReportIDSet: NewIDSet(newTestID(1), newTestID(4)),
			wantBarCount:    2,
		},
	}

	var mu sync.Mutex

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			repo := &mockRemoverUnpacked{removeUnpacked: test.removeUnpacked}
			reportIDSet := NewIDSet()
			bar := progress.NewCounter(time.Millisecond, 0, func(uint64, uint64, time.Duration, bool) {})
			report := func(id ID, err error) error {
				if err == nil {
					mu.Lock()
					reportIDSet.Insert(id)
					mu.Unlock()
				}
				return nil
			}
			_ = ParallelRemove(ctx, repo, test.fileList, SnapshotFile, report, bar)
			bar.Done()

			barCount, _ := bar.Get()
			rtest.Equals(t, uint64(test.wantBarCount), barCount)
			rtest.Assert(t, reportIDSet.Equals(test.wantReportIDSet),
				"reported %v, want %v", reportIDSet, test.wantReportIDSet)
		})
	}
}

type listerFunc func(ctx context.Context, t FileType, fn func(ID, int64) error) error

func (f listerFunc) List(ctx context.Context, t FileType, fn func(ID, int64) error) error {
	return f(ctx, t, fn)
}

func TestParallelList(t *testing.T) {
	want := NewIDSet()
	for i := byte(0); i < 50; i++ {
		want.Insert(newTestID(i))
	}

	lister := listerFunc(func(_ context.Context, _ FileType, fn func(ID, int64) error) error {
		for id := range want {
			if err := fn(id, 42); err != nil {
				return err
			}
		}
		return nil
	})

	var mu sync.Mutex
	got := NewIDSet()
	err := ParallelList(context.TODO(), lister, IndexFile, 5, func(_ context.Context, id ID, size int64) error {
		rtest.Equals(t, int64(42), size)
		mu.Lock()
		got.Insert(id)
		mu.Unlock()
		return nil
	})
	rtest.OK(t, err)
	rtest.Assert(t, got.Equals(want), "listed %d files, want %d", len(got), len(want))
}
