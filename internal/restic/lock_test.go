package restic

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/packvault/packvault/internal/errors"
	rtest "github.com/packvault/packvault/internal/test"
)

// memFiles keeps unpacked files in memory, keyed by type and ID.
type memFiles struct {
	mu    sync.Mutex
	files map[FileType]map[ID][]byte
}

func newMemFiles() *memFiles {
	return &memFiles{files: make(map[FileType]map[ID][]byte)}
}

func (m *memFiles) Connections() uint { return 2 }

func (m *memFiles) List(_ context.Context, t FileType, fn func(ID, int64) error) error {
	m.mu.Lock()
	entries := make(map[ID]int64)
	for id, buf := range m.files[t] {
		entries[id] = int64(len(buf))
	}
	m.mu.Unlock()

	for id, size := range entries {
		if err := fn(id, size); err != nil {
			return err
		}
	}
	return nil
}

func (m *memFiles) LoadUnpacked(_ context.Context, t FileType, id ID) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, ok := m.files[t][id]
	if !ok {
		return nil, errors.NotFoundf("%v/%v", t, id.Str())
	}
	return buf, nil
}

func (m *memFiles) SaveUnpacked(_ context.Context, t FileType, buf []byte) (ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.files[t] == nil {
		m.files[t] = make(map[ID][]byte)
	}
	id := Hash(buf)
	m.files[t][id] = buf
	return id, nil
}

func (m *memFiles) RemoveUnpacked(_ context.Context, t FileType, id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files[t], id)
	return nil
}

func (m *memFiles) count(t FileType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.files[t])
}

func noSettleDelay(t *testing.T) {
	old := lockSettleDelay
	lockSettleDelay = 0
	t.Cleanup(func() { lockSettleDelay = old })
}

func TestSharedAndExclusiveLocks(t *testing.T) {
	noSettleDelay(t)
	repo := newMemFiles()

	first, err := NewLock(context.TODO(), repo)
	rtest.OK(t, err)
	second, err := NewLock(context.TODO(), repo)
	rtest.OK(t, err)
	rtest.Equals(t, 2, repo.count(LockFile))

	_, err = NewExclusiveLock(context.TODO(), repo)
	rtest.Assert(t, IsAlreadyLocked(err), "exclusive lock granted next to shared locks: %v", err)
	rtest.Assert(t, errors.IsConflict(err), "lock conflict has wrong kind: %v", err)

	rtest.OK(t, first.Unlock(context.TODO()))
	rtest.OK(t, second.Unlock(context.TODO()))
	rtest.Equals(t, 0, repo.count(LockFile))

	excl, err := NewExclusiveLock(context.TODO(), repo)
	rtest.OK(t, err)
	_, err = NewLock(context.TODO(), repo)
	rtest.Assert(t, IsAlreadyLocked(err), "shared lock granted next to an exclusive lock: %v", err)
	rtest.OK(t, excl.Unlock(context.TODO()))

	var nilLock *Lock
	rtest.OK(t, nilLock.Unlock(context.TODO()))
}

func TestUnreadableLock(t *testing.T) {
	noSettleDelay(t)
	repo := newMemFiles()
	_, err := repo.SaveUnpacked(context.TODO(), LockFile, []byte("not a lock"))
	rtest.OK(t, err)

	_, err = NewLock(context.TODO(), repo)
	rtest.Assert(t, IsInvalidLock(err), "unreadable lock not reported: %v", err)

	removed, err := RemoveStaleLocks(context.TODO(), repo)
	rtest.OK(t, err)
	rtest.Equals(t, uint(0), removed)

	removed, err = RemoveAllLocks(context.TODO(), repo)
	rtest.OK(t, err)
	rtest.Equals(t, uint(1), removed)
}

func storeLock(t *testing.T, repo *memFiles, l *Lock) ID {
	t.Helper()
	buf, err := json.Marshal(l)
	rtest.OK(t, err)
	id, err := repo.SaveUnpacked(context.TODO(), LockFile, buf)
	rtest.OK(t, err)
	return id
}

func TestStaleLocks(t *testing.T) {
	hostname, err := os.Hostname()
	rtest.OK(t, err)
	repo := newMemFiles()

	outdated := storeLock(t, repo, &Lock{Time: time.Now().Add(-time.Hour), Hostname: "elsewhere", PID: 1})
	remote := storeLock(t, repo, &Lock{Time: time.Now(), Hostname: "elsewhere", PID: 1})
	own := storeLock(t, repo, &Lock{Time: time.Now(), Hostname: hostname, PID: os.Getpid()})

	for id, stale := range map[ID]bool{outdated: true, remote: false, own: false} {
		l, err := LoadLock(context.TODO(), repo, id)
		rtest.OK(t, err)
		rtest.Equals(t, stale, l.Stale())
	}

	removed, err := RemoveStaleLocks(context.TODO(), repo)
	rtest.OK(t, err)
	rtest.Equals(t, uint(1), removed)
	rtest.Equals(t, 2, repo.count(LockFile))

	_, err = LoadLock(context.TODO(), repo, outdated)
	rtest.Assert(t, errors.IsNotFound(err), "stale lock still present: %v", err)
}

func TestLockRefresh(t *testing.T) {
	noSettleDelay(t)
	repo := newMemFiles()

	l, err := NewLock(context.TODO(), repo)
	rtest.OK(t, err)
	before := *l.id
	created := l.Time

	time.Sleep(10 * time.Millisecond)
	rtest.OK(t, l.Refresh(context.TODO()))
	rtest.Assert(t, !before.Equal(*l.id), "refresh kept the lock file %v", before.Str())
	rtest.Equals(t, 1, repo.count(LockFile))

	stored, err := LoadLock(context.TODO(), repo, *l.id)
	rtest.OK(t, err)
	rtest.Assert(t, stored.Time.After(created), "refreshed lock has old timestamp %v", stored.Time)

	rtest.OK(t, l.Unlock(context.TODO()))
	rtest.Equals(t, 0, repo.count(LockFile))
}

func TestLockCancelled(t *testing.T) {
	repo := newMemFiles()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewLock(ctx, repo)
	rtest.Assert(t, errors.Is(err, context.Canceled), "expected context.Canceled, got %v", err)
	rtest.Equals(t, 0, repo.count(LockFile))
}
