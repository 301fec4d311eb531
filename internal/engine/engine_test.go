//go:build unix

package engine_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/packvault/packvault/internal/archiver"
	"github.com/packvault/packvault/internal/backend"
	"github.com/packvault/packvault/internal/backend/mem"
	"github.com/packvault/packvault/internal/data"
	"github.com/packvault/packvault/internal/engine"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/repository"
	"github.com/packvault/packvault/internal/restic"
	rtest "github.com/packvault/packvault/internal/test"
)

const testPassword = "geheim"

func testRepo(t *testing.T) (*engine.Repository, backend.Backend) {
	t.Helper()
	repository.TestUseLowSecurityKDFParameters(t)

	be := mem.New()
	repo, err := engine.Init(context.TODO(), be, engine.StaticPassword(testPassword), engine.InitOptions{})
	rtest.OK(t, err)
	t.Cleanup(func() {
		_ = repo.Close()
	})
	return repo, be
}

func createTestDir(t *testing.T, dir archiver.TestDir) string {
	t.Helper()
	src := t.TempDir()
	archiver.TestCreateFiles(t, src, dir)
	return src
}

func backup(t *testing.T, repo *engine.Repository, src string, tm time.Time) *engine.BackupResult {
	t.Helper()
	res, err := repo.Backup(context.TODO(), engine.BackupOptions{
		Targets: []string{src},
		Host:    "test",
		Time:    tm,
	})
	rtest.OK(t, err)
	rtest.Equals(t, uint64(0), res.Errors)
	return res
}

func lsPaths(t *testing.T, repo *engine.Repository, snapshot string) []string {
	t.Helper()
	res, err := repo.Ls(context.TODO(), engine.LsOptions{Snapshot: snapshot, Recursive: true})
	rtest.OK(t, err)
	var paths []string
	for _, item := range res.Nodes {
		paths = append(paths, item.Path)
	}
	return paths
}

var testDir = archiver.TestDir{
	"file1": archiver.TestFile{Content: "content of file1"},
	"dir": archiver.TestDir{
		"file2": archiver.TestFile{Content: strings.Repeat("file2 ", 500)},
	},
}

func TestInitOpen(t *testing.T) {
	repo, be := testRepo(t)

	_, err := engine.Init(context.TODO(), be, engine.StaticPassword(testPassword), engine.InitOptions{})
	rtest.Assert(t, err != nil, "second init of the same backend succeeded")

	opened, err := engine.Open(context.TODO(), be, engine.StaticPassword(testPassword), engine.Options{})
	rtest.OK(t, err)
	rtest.Equals(t, repo.Config().ID, opened.Config().ID)

	_, err = engine.Open(context.TODO(), be, engine.StaticPassword("wrong"), engine.Options{})
	rtest.Assert(t, err != nil, "open with wrong password succeeded")

	_, err = engine.Open(context.TODO(), be, engine.StaticPassword(""), engine.Options{})
	rtest.Assert(t, err != nil, "open with empty password succeeded")
}

func TestPasswordFile(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "pw")
	rtest.OK(t, os.WriteFile(fn, []byte("secret\r\nignored\n"), 0o600))

	pw, err := engine.PasswordFile(fn).ReadPassword(context.TODO())
	rtest.OK(t, err)
	rtest.Equals(t, "secret", pw)
}

func TestBackupRestore(t *testing.T) {
	repo, _ := testRepo(t)
	src := createTestDir(t, testDir)

	res := backup(t, repo, src, time.Now())
	rtest.Assert(t, res.Parent == nil, "unexpected parent %v", res.Parent)
	rtest.Equals(t, uint(2), res.Summary.FilesNew)

	target := t.TempDir()
	restored, err := repo.Restore(context.TODO(), engine.RestoreOptions{
		Snapshot: "latest:" + filepath.ToSlash(src),
		Target:   target,
		Verify:   true,
	})
	rtest.OK(t, err)
	rtest.Equals(t, 2, restored.FilesVerified)

	buf, err := os.ReadFile(filepath.Join(target, "file1"))
	rtest.OK(t, err)
	rtest.Equals(t, "content of file1", string(buf))
	buf, err = os.ReadFile(filepath.Join(target, "dir", "file2"))
	rtest.OK(t, err)
	rtest.Equals(t, strings.Repeat("file2 ", 500), string(buf))
}

func TestBackupDryRun(t *testing.T) {
	repo, _ := testRepo(t)
	src := createTestDir(t, testDir)

	res, err := repo.Backup(context.TODO(), engine.BackupOptions{
		Targets: []string{src},
		Host:    "test",
		DryRun:  true,
	})
	rtest.OK(t, err)
	rtest.Assert(t, res.ID.IsNull(), "dry run returned snapshot ID %v", res.ID)

	snapshots, err := repo.Snapshots(context.TODO(), engine.SnapshotsOptions{})
	rtest.OK(t, err)
	rtest.Equals(t, 0, len(snapshots))
}

func TestBackupParentDetection(t *testing.T) {
	repo, _ := testRepo(t)
	src := createTestDir(t, testDir)
	other := createTestDir(t, testDir)

	first := backup(t, repo, src, time.Now().Add(-time.Hour))
	backup(t, repo, other, time.Now().Add(-time.Minute))

	second := backup(t, repo, src, time.Now())
	rtest.Assert(t, second.Parent != nil, "no parent snapshot found")
	rtest.Equals(t, first.ID, *second.Parent.ID())
	rtest.Equals(t, uint(2), second.Summary.FilesUnmodified)
	rtest.Equals(t, uint(0), second.Summary.FilesNew)
}

func countPacks(t *testing.T, repo *engine.Repository) int {
	t.Helper()
	packs, err := repo.List(context.TODO(), engine.ListOptions{Type: "packs"})
	rtest.OK(t, err)
	return len(packs)
}

func TestBackupUnchangedWritesNothing(t *testing.T) {
	repo, _ := testRepo(t)
	src := createTestDir(t, testDir)

	first := backup(t, repo, src, time.Now().Add(-time.Minute))
	packsBefore := countPacks(t, repo)

	second := backup(t, repo, src, time.Now())
	rtest.Equals(t, *first.Snapshot.Tree, *second.Snapshot.Tree)
	rtest.Equals(t, packsBefore, countPacks(t, repo))
	rtest.Equals(t, 0, second.Summary.DataBlobs)
}

func TestIdenticalFilesShareBlobs(t *testing.T) {
	repo, _ := testRepo(t)
	content := string(rtest.Random(42, 5*1024*1024))
	src := createTestDir(t, archiver.TestDir{
		"a": archiver.TestFile{Content: content},
		"b": archiver.TestFile{Content: content},
	})
	backup(t, repo, src, time.Now())

	res, err := repo.Ls(context.TODO(), engine.LsOptions{Snapshot: "latest:" + filepath.ToSlash(src), Recursive: true})
	rtest.OK(t, err)
	rtest.Equals(t, 2, len(res.Nodes))

	a, b := res.Nodes[0].Node, res.Nodes[1].Node
	rtest.Equals(t, "a", a.Name)
	rtest.Equals(t, "b", b.Name)
	rtest.Assert(t, len(a.Content) > 1, "expected several chunks, got %d", len(a.Content))
	rtest.Equals(t, a.Content, b.Content)

	unique := restic.NewIDSet(a.Content...)
	blobs, err := repo.List(context.TODO(), engine.ListOptions{Type: "blobs"})
	rtest.OK(t, err)
	var dataBlobs int
	for _, blob := range blobs {
		if blob.BlobType == restic.DataBlob {
			dataBlobs++
			rtest.Assert(t, unique.Has(blob.ID), "unexpected data blob %v", blob.ID)
		}
	}
	rtest.Equals(t, len(unique), dataBlobs)
}

func TestLs(t *testing.T) {
	repo, _ := testRepo(t)
	src := createTestDir(t, testDir)
	backup(t, repo, src, time.Now())

	snapshot := "latest:" + filepath.ToSlash(src)
	rtest.Equals(t, []string{"/dir", "/dir/file2", "/file1"}, lsPaths(t, repo, snapshot))

	res, err := repo.Ls(context.TODO(), engine.LsOptions{Snapshot: snapshot, Path: "dir"})
	rtest.OK(t, err)
	var paths []string
	for _, item := range res.Nodes {
		paths = append(paths, item.Path)
	}
	rtest.Equals(t, []string{"/dir", "/dir/file2"}, paths)

	_, err = repo.Ls(context.TODO(), engine.LsOptions{Snapshot: snapshot, Path: "missing"})
	rtest.Assert(t, err != nil, "listing a missing path succeeded")
}

func TestDump(t *testing.T) {
	repo, _ := testRepo(t)
	src := createTestDir(t, testDir)
	backup(t, repo, src, time.Now())

	var buf bytes.Buffer
	err := repo.Dump(context.TODO(), engine.DumpOptions{
		Snapshot: "latest:" + filepath.ToSlash(src),
		Path:     "/file1",
		Output:   &buf,
	})
	rtest.OK(t, err)
	rtest.Equals(t, "content of file1", buf.String())

	buf.Reset()
	err = repo.Dump(context.TODO(), engine.DumpOptions{
		Snapshot: "latest:" + filepath.ToSlash(src),
		Path:     "/dir",
		Output:   &buf,
	})
	rtest.OK(t, err)
	rtest.Assert(t, bytes.Contains(buf.Bytes(), []byte("file2 file2")), "tar archive misses file content")

	err = repo.Dump(context.TODO(), engine.DumpOptions{
		Snapshot: "latest",
		Path:     "/file1",
		Archive:  "rar",
		Output:   &buf,
	})
	rtest.Assert(t, err != nil, "unknown archive format accepted")
}

func TestDiff(t *testing.T) {
	repo, _ := testRepo(t)
	src := createTestDir(t, testDir)
	first := backup(t, repo, src, time.Now().Add(-time.Hour))

	rtest.OK(t, os.WriteFile(filepath.Join(src, "file1"), []byte("modified content"), 0o644))
	rtest.OK(t, os.WriteFile(filepath.Join(src, "new"), []byte("new file"), 0o644))
	rtest.OK(t, os.Remove(filepath.Join(src, "dir", "file2")))
	second := backup(t, repo, src, time.Now())

	res, err := repo.Diff(context.TODO(), engine.DiffOptions{
		Snapshot1: first.ID.String() + ":" + filepath.ToSlash(src),
		Snapshot2: second.ID.String() + ":" + filepath.ToSlash(src),
	})
	rtest.OK(t, err)

	want := []engine.DiffChange{
		{Modifier: engine.DiffRemoved, Path: "/dir/file2"},
		{Modifier: engine.DiffModified, Path: "/file1"},
		{Modifier: engine.DiffAdded, Path: "/new"},
	}
	if diff := cmp.Diff(want, res.Changes); diff != "" {
		t.Errorf("unexpected changes (-want +got):\n%s", diff)
	}
	rtest.Equals(t, 1, res.Stats.Added.Files)
	rtest.Equals(t, 1, res.Stats.Removed.Files)
	rtest.Equals(t, 1, res.Stats.ChangedFiles)
}

func TestForgetAndPrune(t *testing.T) {
	repo, _ := testRepo(t)
	src := createTestDir(t, testDir)

	now := time.Now()
	for i := 3; i > 0; i-- {
		rtest.OK(t, os.WriteFile(filepath.Join(src, "file1"), rtest.Random(i, 4096), 0o644))
		backup(t, repo, src, now.Add(-time.Duration(i)*time.Hour))
	}

	res, err := repo.Forget(context.TODO(), engine.ForgetOptions{
		Policy: data.ExpirePolicy{Last: 1},
		DryRun: true,
	})
	rtest.OK(t, err)
	rtest.Equals(t, 2, len(res.Removed))

	snapshots, err := repo.Snapshots(context.TODO(), engine.SnapshotsOptions{})
	rtest.OK(t, err)
	rtest.Equals(t, 3, len(snapshots))

	res, err = repo.Forget(context.TODO(), engine.ForgetOptions{
		Policy: data.ExpirePolicy{Last: 1},
		Prune:  true,
		PruneOptions: engine.PruneOptions{PruneOptions: repository.PruneOptions{
			MaxRepackBytes: 1 << 40,
		}},
	})
	rtest.OK(t, err)
	rtest.Equals(t, 2, len(res.Removed))
	rtest.Assert(t, res.Prune != nil, "prune did not run")
	rtest.Assert(t, res.Prune.Stats.Blobs.Remove+res.Prune.Stats.Blobs.Repackrm > 0, "prune removed no blobs")

	snapshots, err = repo.Snapshots(context.TODO(), engine.SnapshotsOptions{})
	rtest.OK(t, err)
	rtest.Equals(t, 1, len(snapshots))

	_, err = repo.Check(context.TODO(), engine.CheckOptions{ReadData: true, CheckUnused: true})
	rtest.OK(t, err)
}

func TestForgetWithoutPolicyKeepsAll(t *testing.T) {
	repo, _ := testRepo(t)
	src := createTestDir(t, testDir)
	backup(t, repo, src, time.Now())

	res, err := repo.Forget(context.TODO(), engine.ForgetOptions{})
	rtest.OK(t, err)
	rtest.Equals(t, 0, len(res.Removed))

	snapshots, err := repo.Snapshots(context.TODO(), engine.SnapshotsOptions{})
	rtest.OK(t, err)
	rtest.Equals(t, 1, len(snapshots))
}

func TestTag(t *testing.T) {
	repo, _ := testRepo(t)
	src := createTestDir(t, testDir)
	sn := backup(t, repo, src, time.Now())

	res, err := repo.Tag(context.TODO(), engine.TagOptions{
		AddTags: data.TagLists{{"foo", "bar"}},
	})
	rtest.OK(t, err)
	rtest.Equals(t, 1, len(res.Changed))

	snapshots, err := repo.Snapshots(context.TODO(), engine.SnapshotsOptions{})
	rtest.OK(t, err)
	rtest.Equals(t, 1, len(snapshots))
	rtest.Equals(t, []string{"bar", "foo"}, sortedCopy(snapshots[0].Tags))
	rtest.Equals(t, sn.ID, *snapshots[0].Original)

	res, err = repo.Tag(context.TODO(), engine.TagOptions{
		RemoveTags: data.TagLists{{"foo"}},
	})
	rtest.OK(t, err)
	rtest.Equals(t, 1, len(res.Changed))

	snapshots, err = repo.Snapshots(context.TODO(), engine.SnapshotsOptions{})
	rtest.OK(t, err)
	rtest.Equals(t, []string{"bar"}, snapshots[0].Tags)
	// the original is kept across all changes
	rtest.Equals(t, sn.ID, *snapshots[0].Original)

	_, err = repo.Tag(context.TODO(), engine.TagOptions{})
	rtest.Assert(t, err != nil, "tag without changes succeeded")
}

func sortedCopy(s []string) []string {
	s = slices.Clone(s)
	slices.Sort(s)
	return s
}

func TestMerge(t *testing.T) {
	repo, _ := testRepo(t)
	src := createTestDir(t, testDir)
	first := backup(t, repo, src, time.Now().Add(-time.Hour))

	rtest.OK(t, os.WriteFile(filepath.Join(src, "file1"), []byte("newer content"), 0o644))
	rtest.OK(t, os.Remove(filepath.Join(src, "dir", "file2")))
	rtest.OK(t, os.WriteFile(filepath.Join(src, "dir", "file3"), []byte("file3"), 0o644))
	second := backup(t, repo, src, time.Now())

	res, err := repo.Merge(context.TODO(), engine.MergeOptions{
		Snapshots: []string{first.ID.String(), second.ID.String()},
		Tags:      data.TagList{"merged"},
	})
	rtest.OK(t, err)
	rtest.Equals(t, "test", res.Snapshot.Hostname)
	rtest.Equals(t, []string{"merged"}, res.Snapshot.Tags)

	snapshot := res.ID.String() + ":" + filepath.ToSlash(src)
	rtest.Equals(t, []string{"/dir", "/dir/file2", "/dir/file3", "/file1"}, lsPaths(t, repo, snapshot))

	var buf bytes.Buffer
	rtest.OK(t, repo.Dump(context.TODO(), engine.DumpOptions{Snapshot: snapshot, Path: "file1", Output: &buf}))
	rtest.Equals(t, "newer content", buf.String())

	_, err = repo.Merge(context.TODO(), engine.MergeOptions{Snapshots: []string{first.ID.String()}})
	rtest.Assert(t, err != nil, "merge of a single snapshot succeeded")
}

func TestCheck(t *testing.T) {
	repo, _ := testRepo(t)
	src := createTestDir(t, testDir)
	backup(t, repo, src, time.Now())

	res, err := repo.Check(context.TODO(), engine.CheckOptions{ReadDataSubset: "1/1"})
	rtest.OK(t, err)
	rtest.Equals(t, 0, len(res.Errors))

	_, err = repo.Check(context.TODO(), engine.CheckOptions{ReadData: true, ReadDataSubset: "50%"})
	rtest.Assert(t, err != nil, "conflicting read data options accepted")
}

func damageDataPack(t *testing.T, repo *engine.Repository, be backend.Backend) {
	t.Helper()
	blobs, err := repo.List(context.TODO(), engine.ListOptions{Type: "blobs"})
	rtest.OK(t, err)
	for _, b := range blobs {
		if b.BlobType != restic.DataBlob {
			continue
		}
		pb := repo.Raw().LookupBlob(restic.DataBlob, b.ID)
		rtest.Assert(t, len(pb) > 0, "blob %v not in index", b.ID)
		rtest.OK(t, be.Remove(context.TODO(), backend.Handle{Type: restic.PackFile, Name: pb[0].PackID.String()}))
		return
	}
	t.Fatal("no data blob found")
}

func TestRepairSnapshots(t *testing.T) {
	repo, be := testRepo(t)
	src := createTestDir(t, archiver.TestDir{
		"file1": archiver.TestFile{Content: "content of file1"},
	})
	sn := backup(t, repo, src, time.Now())

	damageDataPack(t, repo, be)
	_, err := repo.Check(context.TODO(), engine.CheckOptions{})
	rtest.Assert(t, err != nil, "check did not notice the missing pack")

	rtest.OK(t, repo.RepairIndex(context.TODO(), engine.RepairIndexOptions{}))

	res, err := repo.RepairSnapshots(context.TODO(), engine.RepairSnapshotsOptions{DryRun: true})
	rtest.OK(t, err)
	rtest.Equals(t, 1, len(res.Repaired))
	rtest.Equals(t, 0, len(res.Removed))

	res, err = repo.RepairSnapshots(context.TODO(), engine.RepairSnapshotsOptions{Forget: true})
	rtest.OK(t, err)
	newID, ok := res.Repaired[sn.ID]
	rtest.Assert(t, ok, "snapshot %v was not repaired", sn.ID.Str())
	rtest.Equals(t, restic.IDs{sn.ID}, res.Removed)

	snapshots, err := repo.Snapshots(context.TODO(), engine.SnapshotsOptions{})
	rtest.OK(t, err)
	rtest.Equals(t, 1, len(snapshots))
	rtest.Equals(t, newID, *snapshots[0].ID())
	rtest.Assert(t, snapshots[0].HasTags([]string{"repaired"}), "repaired snapshot is not tagged")
	rtest.Equals(t, sn.ID, *snapshots[0].Original)

	ls, err := repo.Ls(context.TODO(), engine.LsOptions{Snapshot: newID.String() + ":" + filepath.ToSlash(src)})
	rtest.OK(t, err)
	rtest.Equals(t, 1, len(ls.Nodes))
	rtest.Equals(t, "file1.repaired", ls.Nodes[0].Node.Name)
	rtest.Equals(t, uint64(0), ls.Nodes[0].Node.Size)

	_, err = repo.Check(context.TODO(), engine.CheckOptions{})
	rtest.OK(t, err)
}

func TestRepairPacks(t *testing.T) {
	repo, _ := testRepo(t)
	src := createTestDir(t, testDir)
	backup(t, repo, src, time.Now())

	packs, err := repo.List(context.TODO(), engine.ListOptions{Type: "packs"})
	rtest.OK(t, err)
	rtest.Assert(t, len(packs) > 0, "no packs found")

	backupDir := t.TempDir()
	err = repo.RepairPacks(context.TODO(), engine.RepairPacksOptions{
		IDs:       []string{packs[0].ID.String()},
		BackupDir: backupDir,
	})
	rtest.OK(t, err)
	_, err = os.Stat(filepath.Join(backupDir, packs[0].ID.String()))
	rtest.OK(t, err)

	// all blobs were readable, so the salvaged data is complete
	_, err = repo.Check(context.TODO(), engine.CheckOptions{ReadData: true})
	rtest.OK(t, err)

	rtest.Assert(t, repo.RepairPacks(context.TODO(), engine.RepairPacksOptions{}) != nil, "repair without IDs succeeded")
}

func TestCopy(t *testing.T) {
	src, _ := testRepo(t)
	dst, _ := testRepo(t)
	dir := createTestDir(t, testDir)
	sn := backup(t, src, dir, time.Now())

	res, err := src.Copy(context.TODO(), dst, engine.CopyOptions{})
	rtest.OK(t, err)
	rtest.Equals(t, 1, len(res.Copied))

	snapshots, err := dst.Snapshots(context.TODO(), engine.SnapshotsOptions{})
	rtest.OK(t, err)
	rtest.Equals(t, 1, len(snapshots))
	rtest.Equals(t, sn.ID, *snapshots[0].Original)
	rtest.Assert(t, snapshots[0].Tree.Equal(*sn.Snapshot.Tree), "tree of the copy differs")

	res, err = src.Copy(context.TODO(), dst, engine.CopyOptions{})
	rtest.OK(t, err)
	rtest.Equals(t, 0, len(res.Copied))
	rtest.Equals(t, restic.IDs{sn.ID}, res.Skipped)

	_, err = dst.Check(context.TODO(), engine.CheckOptions{ReadData: true})
	rtest.OK(t, err)

	target := t.TempDir()
	_, err = dst.Restore(context.TODO(), engine.RestoreOptions{
		Snapshot: "latest:" + filepath.ToSlash(dir),
		Target:   target,
	})
	rtest.OK(t, err)
	buf, err := os.ReadFile(filepath.Join(target, "file1"))
	rtest.OK(t, err)
	rtest.Equals(t, "content of file1", string(buf))
}

func TestKeys(t *testing.T) {
	repo, be := testRepo(t)

	id, err := repo.AddKey(context.TODO(), engine.AddKeyOptions{
		Password: engine.StaticPassword("other"),
		Username: "user",
		Hostname: "host",
	})
	rtest.OK(t, err)

	keys, err := repo.ListKeys(context.TODO())
	rtest.OK(t, err)
	rtest.Equals(t, 2, len(keys))
	var current int
	for _, k := range keys {
		if k.Current {
			current++
			rtest.Assert(t, k.ID != id, "new key is marked as current")
		}
	}
	rtest.Equals(t, 1, current)

	other, err := engine.Open(context.TODO(), be, engine.StaticPassword("other"), engine.Options{})
	rtest.OK(t, err)
	rtest.Assert(t, other.RemoveKey(context.TODO(), id.String()) != nil, "removed the key in use")

	rtest.OK(t, repo.RemoveKey(context.TODO(), id.String()))
	keys, err = repo.ListKeys(context.TODO())
	rtest.OK(t, err)
	rtest.Equals(t, 1, len(keys))

	newID, err := repo.ChangePassword(context.TODO(), engine.AddKeyOptions{Password: engine.StaticPassword("changed")})
	rtest.OK(t, err)
	keys, err = repo.ListKeys(context.TODO())
	rtest.OK(t, err)
	rtest.Equals(t, 1, len(keys))
	rtest.Equals(t, newID, keys[0].ID)

	_, err = engine.Open(context.TODO(), be, engine.StaticPassword(testPassword), engine.Options{})
	rtest.Assert(t, errors.IsAuthenticationFailed(err), "old password still works: %v", err)
}

func TestKeysShareMasterKey(t *testing.T) {
	repo, be := testRepo(t)

	id, err := repo.AddKey(context.TODO(), engine.AddKeyOptions{Password: engine.StaticPassword("second")})
	rtest.OK(t, err)

	second, err := engine.Open(context.TODO(), be, engine.StaticPassword("second"), engine.Options{})
	rtest.OK(t, err)
	rtest.Equals(t, id, second.Raw().KeyID())
	rtest.Equals(t, *repo.Raw().Key(), *second.Raw().Key())

	// drop the key record of the first password, the second one keeps working
	rtest.OK(t, second.RemoveKey(context.TODO(), repo.Raw().KeyID().String()))

	_, err = engine.Open(context.TODO(), be, engine.StaticPassword(testPassword), engine.Options{})
	rtest.Assert(t, errors.IsAuthenticationFailed(err), "removed password still opens the repository: %v", err)

	reopened, err := engine.Open(context.TODO(), be, engine.StaticPassword("second"), engine.Options{})
	rtest.OK(t, err)
	rtest.Equals(t, *second.Raw().Key(), *reopened.Raw().Key())
}

func TestCatAndList(t *testing.T) {
	repo, _ := testRepo(t)
	src := createTestDir(t, testDir)
	sn := backup(t, repo, src, time.Now())

	buf, err := repo.Cat(context.TODO(), engine.CatOptions{Type: "config"})
	rtest.OK(t, err)
	rtest.Assert(t, bytes.Contains(buf, []byte(repo.Config().ID)), "config output misses the repository ID")

	buf, err = repo.Cat(context.TODO(), engine.CatOptions{Type: "snapshot", ID: sn.ID.String()[:8]})
	rtest.OK(t, err)
	rtest.Assert(t, bytes.Contains(buf, []byte(`"hostname": "test"`)), "unexpected snapshot output %s", buf)

	buf, err = repo.Cat(context.TODO(), engine.CatOptions{Type: "tree", ID: sn.Snapshot.Tree.String()})
	rtest.OK(t, err)
	rtest.Assert(t, bytes.Contains(buf, []byte(`"nodes"`)), "unexpected tree output %s", buf)

	_, err = repo.Cat(context.TODO(), engine.CatOptions{Type: "unknown"})
	rtest.Assert(t, err != nil, "unknown type accepted")

	for _, tpe := range engine.ListTypes {
		_, err := repo.List(context.TODO(), engine.ListOptions{Type: tpe})
		rtest.OK(t, err)
	}
	items, err := repo.List(context.TODO(), engine.ListOptions{Type: "snapshots"})
	rtest.OK(t, err)
	rtest.Equals(t, 1, len(items))
	rtest.Equals(t, sn.ID, items[0].ID)

	// the lock of the list operation itself is not listed
	items, err = repo.List(context.TODO(), engine.ListOptions{Type: "locks"})
	rtest.OK(t, err)
	rtest.Equals(t, 0, len(items))
}

func TestStats(t *testing.T) {
	repo, _ := testRepo(t)
	src := createTestDir(t, testDir)
	backup(t, repo, src, time.Now())

	stats, err := repo.Stats(context.TODO())
	rtest.OK(t, err)
	rtest.Equals(t, uint64(1), stats.Files[restic.SnapshotFile].Count)
	rtest.Equals(t, uint64(1), stats.Files[restic.ConfigFile].Count)
	rtest.Equals(t, uint64(1), stats.Files[restic.KeyFile].Count)
	rtest.Equals(t, uint64(2), stats.Blobs[restic.DataBlob].Count)
	rtest.Assert(t, stats.Blobs[restic.TreeBlob].Count > 0, "no tree blobs counted")
	rtest.Assert(t, stats.CompressionRatio > 1, "repeated content was not compressed, ratio %v", stats.CompressionRatio)
}

func TestUnlock(t *testing.T) {
	repo, _ := testRepo(t)

	removed, err := repo.Unlock(context.TODO(), engine.UnlockOptions{})
	rtest.OK(t, err)
	rtest.Equals(t, uint(0), removed)

	lock, err := restic.NewLock(context.TODO(), repo.Raw())
	rtest.OK(t, err)
	_ = lock

	removed, err = repo.Unlock(context.TODO(), engine.UnlockOptions{RemoveAll: true})
	rtest.OK(t, err)
	rtest.Equals(t, uint(1), removed)
}

func TestLockRetry(t *testing.T) {
	repo, be := testRepo(t)
	engine.SetLockRetrySleep(t, 20*time.Millisecond)

	held, err := restic.NewExclusiveLock(context.TODO(), repo.Raw())
	rtest.OK(t, err)

	open := func(retry time.Duration) *engine.Repository {
		r, err := engine.Open(context.TODO(), be, engine.StaticPassword(testPassword), engine.Options{RetryLock: retry})
		rtest.OK(t, err)
		return r
	}

	// without a retry duration the conflict is reported immediately
	_, err = open(0).List(context.TODO(), engine.ListOptions{Type: "snapshots"})
	rtest.Assert(t, restic.IsAlreadyLocked(err), "expected already locked error, got %v", err)

	start := time.Now()
	_, err = open(200*time.Millisecond).List(context.TODO(), engine.ListOptions{Type: "snapshots"})
	rtest.Assert(t, restic.IsAlreadyLocked(err), "expected already locked error, got %v", err)
	rtest.Assert(t, time.Since(start) < 10*time.Second, "gave up on the lock only after %v", time.Since(start))

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = held.Unlock(context.TODO())
	}()
	_, err = open(10*time.Second).List(context.TODO(), engine.ListOptions{Type: "snapshots"})
	rtest.OK(t, err)
}
