package gitutil

import (
	"os"
	"path/filepath"
	"testing"
)

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := InitRepo(dir); err != nil {
		t.Fatalf("InitRepo: %v", err)
	}
	return dir
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestInitRepoProducesCleanRepoWithHead(t *testing.T) {
	dir := initTestRepo(t)
	if !IsRepo(dir) {
		t.Fatalf("expected %s to be a repo", dir)
	}
	sha, err := HeadSHA(dir)
	if err != nil || sha == "" {
		t.Fatalf("HeadSHA: sha=%q err=%v", sha, err)
	}
	clean, err := IsClean(dir)
	if err != nil {
		t.Fatalf("IsClean: %v", err)
	}
	if !clean {
		t.Fatalf("fresh repo should be clean")
	}
}

func TestCommitStagedReturnsEmptyWhenNothingChanged(t *testing.T) {
	dir := initTestRepo(t)
	sha, err := CommitStaged(dir, "noop")
	if err != nil {
		t.Fatalf("CommitStaged: %v", err)
	}
	if sha != "" {
		t.Fatalf("expected empty sha for no-change commit, got %q", sha)
	}

	writeFile(t, dir, "a.txt", "hello")
	sha, err = CommitStaged(dir, "add a.txt")
	if err != nil {
		t.Fatalf("CommitStaged: %v", err)
	}
	if sha == "" {
		t.Fatalf("expected commit sha after change")
	}
	head, err := HeadSHA(dir)
	if err != nil {
		t.Fatalf("HeadSHA: %v", err)
	}
	if head != sha {
		t.Fatalf("commit sha %q should equal HEAD %q", sha, head)
	}
}

func TestWorktreeLifecycle(t *testing.T) {
	dir := initTestRepo(t)
	base, err := HeadSHA(dir)
	if err != nil {
		t.Fatalf("HeadSHA: %v", err)
	}
	branch := "run/test-worktree"
	if err := CreateBranchAt(dir, branch, base); err != nil {
		t.Fatalf("CreateBranchAt: %v", err)
	}
	wt := filepath.Join(t.TempDir(), "wt")
	if err := AddWorktree(dir, wt, branch); err != nil {
		t.Fatalf("AddWorktree: %v", err)
	}
	got, err := CurrentBranch(wt)
	if err != nil {
		t.Fatalf("CurrentBranch: %v", err)
	}
	if got != branch {
		t.Fatalf("worktree branch = %q, want %q", got, branch)
	}
	if err := RemoveWorktree(dir, wt); err != nil {
		t.Fatalf("RemoveWorktree: %v", err)
	}
}

func TestIsAncestor(t *testing.T) {
	dir := initTestRepo(t)
	first, _ := HeadSHA(dir)
	writeFile(t, dir, "b.txt", "b")
	second, err := CommitStaged(dir, "add b.txt")
	if err != nil {
		t.Fatalf("CommitStaged: %v", err)
	}

	ok, err := IsAncestor(dir, first, second)
	if err != nil || !ok {
		t.Fatalf("IsAncestor(first, second) = %v, %v; want true", ok, err)
	}
	ok, err = IsAncestor(dir, second, first)
	if err != nil {
		t.Fatalf("IsAncestor: %v", err)
	}
	if ok {
		t.Fatalf("second commit must not be ancestor of first")
	}
	ok, err = IsAncestor(dir, second, second)
	if err != nil || !ok {
		t.Fatalf("a commit should be its own ancestor: %v, %v", ok, err)
	}
}

func TestListCommitsAndDiffNameOnly(t *testing.T) {
	dir := initTestRepo(t)
	base, _ := HeadSHA(dir)
	writeFile(t, dir, "src/app.ts", "export {}")
	if _, err := CommitStaged(dir, "one"); err != nil {
		t.Fatalf("CommitStaged: %v", err)
	}
	writeFile(t, dir, "src/other.ts", "export {}")
	if _, err := CommitStaged(dir, "two"); err != nil {
		t.Fatalf("CommitStaged: %v", err)
	}

	shas, err := ListCommits(dir, base)
	if err != nil {
		t.Fatalf("ListCommits: %v", err)
	}
	if len(shas) != 2 {
		t.Fatalf("ListCommits len = %d, want 2", len(shas))
	}
	files, err := DiffNameOnly(dir, base)
	if err != nil {
		t.Fatalf("DiffNameOnly: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("DiffNameOnly = %v, want 2 entries", files)
	}
}
