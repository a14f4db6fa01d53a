package source

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/rs/zerolog"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	return New(t.TempDir(), zerolog.Nop())
}

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// initRepo creates a git repository with one commit containing files.
func initRepo(t *testing.T, dir string, files map[string]string) *git.Repository {
	t.Helper()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	commitFiles(t, repo, dir, files, "initial")
	return repo
}

func commitFiles(t *testing.T, repo *git.Repository, dir string, files map[string]string, msg string) {
	t.Helper()
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatal(err)
	}
	for rel, content := range files {
		writeFile(t, dir, rel, content)
		if _, err := wt.Add(rel); err != nil {
			t.Fatal(err)
		}
	}
	_, err = wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSOTPathNaming(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)

	a := c.SOTPath("https://github.com/user/myrepo.git")
	if !strings.Contains(filepath.Base(a), "myrepo-") {
		t.Fatalf("cache path %q should carry the repo name", a)
	}
	if a != c.SOTPath("https://github.com/user/myrepo.git") {
		t.Fatal("cache path must be deterministic")
	}
	if a == c.SOTPath("https://github.com/other/myrepo.git") {
		t.Fatal("distinct locators with the same name must not collide")
	}
}

func TestJobDirNaming(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	sot := c.SOTPath("/srv/jobs")
	dir := c.JobDir(sot, "backup")
	if filepath.Base(dir) != filepath.Base(sot)+"@backup" {
		t.Fatalf("job dir = %q", dir)
	}
}

func TestEnsureGitCloneAndPull(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	origin := t.TempDir()
	repo := initRepo(t, origin, map[string]string{"rollcron.yaml": "jobs: []\n", "run.sh": "echo hi\n"})

	sot, changed, err := c.Ensure(context.Background(), origin)
	if err != nil {
		t.Fatalf("Ensure (clone): %v", err)
	}
	if !changed {
		t.Fatal("first ensure must report change")
	}
	if _, err := os.Stat(filepath.Join(sot, "run.sh")); err != nil {
		t.Fatalf("clone missing file: %v", err)
	}

	// No upstream movement: no change.
	_, changed, err = c.Ensure(context.Background(), origin)
	if err != nil {
		t.Fatalf("Ensure (idle pull): %v", err)
	}
	if changed {
		t.Fatal("idle pull must not report change")
	}

	// New upstream commit: fast-forward with change.
	commitFiles(t, repo, origin, map[string]string{"new.txt": "v2\n"}, "second")
	_, changed, err = c.Ensure(context.Background(), origin)
	if err != nil {
		t.Fatalf("Ensure (ff pull): %v", err)
	}
	if !changed {
		t.Fatal("fast-forward must report change")
	}
	if _, err := os.Stat(filepath.Join(sot, "new.txt")); err != nil {
		t.Fatalf("pulled file missing: %v", err)
	}
}

func TestEnsurePlainDirMirror(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	src := t.TempDir()
	writeFile(t, src, "a.txt", "one")
	writeFile(t, src, "sub/b.txt", "two")
	writeFile(t, src, ".git/config", "should be excluded")

	sot, changed, err := c.Ensure(context.Background(), src)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !changed {
		t.Fatal("first mirror must report change")
	}
	if _, err := os.Stat(filepath.Join(sot, "sub/b.txt")); err != nil {
		t.Fatalf("mirror missing file: %v", err)
	}
	if _, err := os.Stat(filepath.Join(sot, ".git")); !os.IsNotExist(err) {
		t.Fatal("VCS metadata must be excluded")
	}

	_, changed, err = c.Ensure(context.Background(), src)
	if err != nil {
		t.Fatalf("Ensure (idle): %v", err)
	}
	if changed {
		t.Fatal("unchanged tree must not report change")
	}

	// Modification and deletion both propagate.
	writeFile(t, src, "a.txt", "one changed")
	if err := os.Remove(filepath.Join(src, "sub/b.txt")); err != nil {
		t.Fatal(err)
	}
	_, changed, err = c.Ensure(context.Background(), src)
	if err != nil {
		t.Fatalf("Ensure (delta): %v", err)
	}
	if !changed {
		t.Fatal("delta must report change")
	}
	b, err := os.ReadFile(filepath.Join(sot, "a.txt"))
	if err != nil || string(b) != "one changed" {
		t.Fatalf("modification not mirrored: %q %v", b, err)
	}
	if _, err := os.Stat(filepath.Join(sot, "sub/b.txt")); !os.IsNotExist(err) {
		t.Fatal("deletion not mirrored")
	}
}

func TestSyncToJobDirExportsCommittedTreeOnly(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	origin := t.TempDir()
	initRepo(t, origin, map[string]string{"script.sh": "echo ok\n", "data/x.csv": "1,2\n"})
	// Dirty worktree content must not leak into job dirs.
	writeFile(t, origin, "uncommitted.txt", "nope")

	jobDir := filepath.Join(t.TempDir(), "sot@job1")
	if err := c.SyncToJobDir(origin, jobDir); err != nil {
		t.Fatalf("SyncToJobDir: %v", err)
	}
	if _, err := os.Stat(filepath.Join(jobDir, "data/x.csv")); err != nil {
		t.Fatalf("exported tree missing file: %v", err)
	}
	if _, err := os.Stat(filepath.Join(jobDir, "uncommitted.txt")); !os.IsNotExist(err) {
		t.Fatal("uncommitted file leaked into job dir")
	}
	if _, err := os.Stat(jobDir + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("temp dir left behind")
	}
}

func TestSyncToJobDirFailureKeepsOldTree(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)

	jobDir := filepath.Join(t.TempDir(), "sot@job1")
	writeFile(t, jobDir, "keep.txt", "old version")

	// A vanished SOT fails materialization mid-build.
	if err := c.SyncToJobDir(filepath.Join(t.TempDir(), "missing"), jobDir); err == nil {
		t.Fatal("expected materialization error")
	}
	b, err := os.ReadFile(filepath.Join(jobDir, "keep.txt"))
	if err != nil || string(b) != "old version" {
		t.Fatalf("pre-existing job dir was touched: %q %v", b, err)
	}
	if _, err := os.Stat(jobDir + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("failed build left temp dir behind")
	}
}

func TestSyncToJobDirFirstTimeFailureLeavesNothing(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	jobDir := filepath.Join(t.TempDir(), "sot@job2")

	if err := c.SyncToJobDir(filepath.Join(t.TempDir(), "missing"), jobDir); err == nil {
		t.Fatal("expected materialization error")
	}
	if _, err := os.Stat(jobDir); !os.IsNotExist(err) {
		t.Fatal("failed first materialization left a partial job dir")
	}
}

func TestSyncToJobDirReplacesWholesale(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	origin := t.TempDir()
	initRepo(t, origin, map[string]string{"current.txt": "v1\n"})

	jobDir := filepath.Join(t.TempDir(), "sot@job3")
	writeFile(t, jobDir, "stale.txt", "from a previous tree")

	if err := c.SyncToJobDir(origin, jobDir); err != nil {
		t.Fatalf("SyncToJobDir: %v", err)
	}
	if _, err := os.Stat(filepath.Join(jobDir, "stale.txt")); !os.IsNotExist(err) {
		t.Fatal("stale file survived the swap")
	}
	if _, err := os.Stat(filepath.Join(jobDir, "current.txt")); err != nil {
		t.Fatalf("new tree missing: %v", err)
	}
}

func TestCheckEntryName(t *testing.T) {
	t.Parallel()
	for _, ok := range []string{"a.txt", "dir/sub/file", "weird..name"} {
		if err := checkEntryName(ok); err != nil {
			t.Fatalf("checkEntryName(%q) = %v", ok, err)
		}
	}
	for _, bad := range []string{"", "/etc/passwd", "../escape", "dir/../../escape"} {
		if err := checkEntryName(bad); err == nil {
			t.Fatalf("checkEntryName(%q) should fail", bad)
		}
	}
}

func TestCleanupJobDirs(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	sot := c.SOTPath("/srv/jobs")
	dir := c.JobDir(sot, "a")
	writeFile(t, dir, "f", "x")

	c.CleanupJobDirs(sot, []string{"a", "never-created"})
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatal("job dir not cleaned up")
	}
}

func TestIsRemote(t *testing.T) {
	t.Parallel()
	for _, remote := range []string{"https://github.com/u/r.git", "git@github.com:u/r.git", "ssh://host/r"} {
		if !IsRemote(remote) {
			t.Fatalf("IsRemote(%q) = false", remote)
		}
	}
	for _, local := range []string{"/srv/jobs", "./repo", "repo"} {
		if IsRemote(local) {
			t.Fatalf("IsRemote(%q) = true", local)
		}
	}
}
