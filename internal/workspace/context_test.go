package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/deeprun/deeprun/internal/gitutil"
	"github.com/deeprun/deeprun/internal/model"
)

func newProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := gitutil.InitRepo(dir); err != nil {
		t.Fatalf("InitRepo: %v", err)
	}
	return dir
}

func freshRun(id string) *model.AgentRun {
	return &model.AgentRun{
		ID:     id,
		Status: model.RunQueued,
	}
}

func TestEnsureCreatesBranchWorktreeAndSyncsPointers(t *testing.T) {
	root := newProject(t)
	run := freshRun("run-a")

	ctx, err := Ensure(root, run)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !ctx.PointersSynced {
		t.Fatalf("fresh run must sync pointers from HEAD")
	}
	if run.RunBranch != "run/run-a" {
		t.Fatalf("run branch = %q", run.RunBranch)
	}
	if run.WorktreePath != WorktreeDir(root, "run-a") {
		t.Fatalf("worktree path = %q", run.WorktreePath)
	}
	if run.BaseCommitHash == "" || run.BaseCommitHash != run.CurrentCommitHash || run.CurrentCommitHash != run.LastValidCommitHash {
		t.Fatalf("pointer sync broken: %+v", run)
	}
	branch, err := gitutil.CurrentBranch(run.WorktreePath)
	if err != nil || branch != "run/run-a" {
		t.Fatalf("worktree branch = %q err=%v", branch, err)
	}
	if _, err := os.Stat(filepath.Join(RunStateDir(root, "run-a"), "manifest.json")); err != nil {
		t.Fatalf("manifest not written: %v", err)
	}
}

func TestEnsureDoesNotResyncPointersOnResume(t *testing.T) {
	root := newProject(t)
	run := freshRun("run-b")
	if _, err := Ensure(root, run); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	// Advance the worktree past the recorded pointers.
	if err := os.WriteFile(filepath.Join(run.WorktreePath, "f.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	newSHA, err := gitutil.CommitStaged(run.WorktreePath, "advance")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	recorded := run.CurrentCommitHash
	run.Status = model.RunRunning
	run.CurrentStepIndex = 1
	run.CurrentCommitHash = recorded // persisted pointer is authoritative

	ctx, err := Ensure(root, run)
	if err != nil {
		t.Fatalf("Ensure resume: %v", err)
	}
	if ctx.PointersSynced {
		t.Fatalf("resume must not sync pointers")
	}
	if run.CurrentCommitHash != recorded {
		t.Fatalf("resume overwrote current pointer: %q -> %q", recorded, run.CurrentCommitHash)
	}
	_ = newSHA
}

func TestEnsureRecoversDirtyWorktree(t *testing.T) {
	root := newProject(t)
	run := freshRun("run-c")
	if _, err := Ensure(root, run); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	if err := os.WriteFile(filepath.Join(run.WorktreePath, "dirty.txt"), []byte("dirt"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	run.Status = model.RunRunning
	run.CurrentStepIndex = 1
	if _, err := Ensure(root, run); err != nil {
		t.Fatalf("Ensure with dirty worktree: %v", err)
	}
	if _, err := os.Stat(filepath.Join(run.WorktreePath, "dirty.txt")); !os.IsNotExist(err) {
		t.Fatalf("dirty file should be recovered away")
	}
}

func TestEnsureRecreatesWorktreeOnBranchMismatch(t *testing.T) {
	root := newProject(t)
	run := freshRun("run-d")
	if _, err := Ensure(root, run); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	// Simulate a stale worktree checked out on the wrong branch.
	other := "run/other"
	base, _ := gitutil.HeadSHA(root)
	if err := gitutil.CreateBranchAt(root, other, base); err != nil {
		t.Fatalf("branch: %v", err)
	}
	if err := gitutil.CheckoutBranch(run.WorktreePath, other); err != nil {
		t.Fatalf("switch: %v", err)
	}

	run.Status = model.RunRunning
	run.CurrentStepIndex = 1
	if _, err := Ensure(root, run); err != nil {
		t.Fatalf("Ensure after branch mismatch: %v", err)
	}
	branch, err := gitutil.CurrentBranch(run.WorktreePath)
	if err != nil || branch != "run/run-d" {
		t.Fatalf("recreated worktree branch = %q err=%v", branch, err)
	}
}

func TestForkPinsSourceCommit(t *testing.T) {
	root := newProject(t)
	source := freshRun("run-src")
	if _, err := Ensure(root, source); err != nil {
		t.Fatalf("Ensure source: %v", err)
	}
	if err := os.WriteFile(filepath.Join(source.WorktreePath, "s.txt"), []byte("s"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	sha, err := gitutil.CommitStaged(source.WorktreePath, "source work")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	source.CurrentCommitHash = sha

	fork := freshRun("run-fork")
	if _, err := Fork(root, source, fork); err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if fork.BaseCommitHash != sha || fork.CurrentCommitHash != sha || fork.LastValidCommitHash != sha {
		t.Fatalf("fork pointers not pinned to source current: %+v", fork)
	}
	head, err := gitutil.HeadSHA(fork.WorktreePath)
	if err != nil || head != sha {
		t.Fatalf("fork worktree head = %q err=%v, want %q", head, err, sha)
	}
}

func TestValidateRunBranchNaming(t *testing.T) {
	if err := model.ValidateRunBranch("run/abc", "abc"); err != nil {
		t.Fatalf("valid branch rejected: %v", err)
	}
	if err := model.ValidateRunBranch("feature/abc", "abc"); err == nil {
		t.Fatalf("wrong prefix must be rejected")
	}
	long := make([]byte, 101)
	for i := range long {
		long[i] = 'a'
	}
	if err := model.ValidateRunBranch("run/"+string(long), string(long)); err == nil {
		t.Fatalf("over-long suffix must be rejected")
	}
	if err := model.ValidateRunBranch("run/bad id", "bad id"); err == nil {
		t.Fatalf("invalid characters must be rejected")
	}
}
