package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/deeprun/deeprun/internal/gitutil"
	"github.com/deeprun/deeprun/internal/model"
)

// Context is the materialized execution context for one run.
type Context struct {
	ProjectRoot  string
	RunBranch    string
	WorktreePath string

	// PointersSynced reports whether Ensure replaced the run's commit
	// pointers with HEAD (brand-new execution only).
	PointersSynced bool
}

// RecoveryRef picks the reset target for a dirty worktree:
// lastValid || current || base. Empty when the run has no usable pointer.
func RecoveryRef(run *model.AgentRun) string {
	for _, ref := range []string{run.LastValidCommitHash, run.CurrentCommitHash, run.BaseCommitHash} {
		if strings.TrimSpace(ref) != "" {
			return ref
		}
	}
	return ""
}

// ForkPin picks the commit a fork is pinned to: current || lastValid || base.
func ForkPin(run *model.AgentRun) string {
	for _, ref := range []string{run.CurrentCommitHash, run.LastValidCommitHash, run.BaseCommitHash} {
		if strings.TrimSpace(ref) != "" {
			return ref
		}
	}
	return ""
}

// Ensure prepares the isolated execution context for a run and mutates the
// run's version pointers according to the sync policy: pointers are taken
// from HEAD only for a brand-new execution (status=queued, currentStepIndex=0);
// on any other invocation the persisted pointers are authoritative.
func Ensure(projectRoot string, run *model.AgentRun) (*Context, error) {
	if strings.TrimSpace(projectRoot) == "" {
		return nil, fmt.Errorf("project root is required")
	}
	branch := model.RunBranchFor(run.ID)
	if run.RunBranch != "" && run.RunBranch != branch {
		return nil, fmt.Errorf("run branch %q does not match run id (want %q)", run.RunBranch, branch)
	}
	if err := model.ValidateRunBranch(branch, run.ID); err != nil {
		return nil, err
	}

	if !gitutil.IsRepo(projectRoot) {
		if err := gitutil.InitRepo(projectRoot); err != nil {
			return nil, fmt.Errorf("init project repo: %w", err)
		}
	}

	freshRun := run.Status == model.RunQueued && run.CurrentStepIndex == 0

	base := strings.TrimSpace(run.BaseCommitHash)
	if base == "" {
		head, err := gitutil.HeadSHA(projectRoot)
		if err != nil {
			return nil, fmt.Errorf("resolve project head: %w", err)
		}
		base = head
	}

	if !gitutil.BranchExists(projectRoot, branch) {
		if err := gitutil.CreateBranchAt(projectRoot, branch, base); err != nil {
			return nil, fmt.Errorf("create run branch: %w", err)
		}
	}

	wt := WorktreeDir(projectRoot, run.ID)
	if err := ensureWorktree(projectRoot, wt, branch, base); err != nil {
		return nil, err
	}

	// Dirty-workspace recovery: reset hard to the best recovery ref.
	clean, err := gitutil.IsClean(wt)
	if err != nil {
		return nil, fmt.Errorf("inspect worktree: %w", err)
	}
	if !clean {
		ref := RecoveryRef(run)
		if ref == "" {
			ref = base
		}
		if ref == "" {
			return nil, fmt.Errorf("worktree %s is dirty and run has no recovery ref", wt)
		}
		if err := gitutil.ResetHard(wt, ref); err != nil {
			return nil, fmt.Errorf("dirty-workspace recovery: %w", err)
		}
	}

	ctx := &Context{
		ProjectRoot:  projectRoot,
		RunBranch:    branch,
		WorktreePath: wt,
	}

	if freshRun {
		head, err := gitutil.HeadSHA(wt)
		if err != nil {
			return nil, fmt.Errorf("resolve worktree head: %w", err)
		}
		run.BaseCommitHash = head
		run.CurrentCommitHash = head
		run.LastValidCommitHash = head
		ctx.PointersSynced = true
	}
	run.RunBranch = branch
	run.WorktreePath = wt

	if err := writeManifest(projectRoot, run); err != nil {
		return nil, err
	}
	return ctx, nil
}

// ensureWorktree keeps a reusable worktree only when its checked-out branch
// matches the expected run branch; anything else is removed and recreated at
// the base commit.
func ensureWorktree(projectRoot, wt, branch, base string) error {
	if _, err := os.Stat(wt); err == nil {
		current, berr := gitutil.CurrentBranch(wt)
		if berr == nil && current == branch {
			return nil
		}
		if rmErr := gitutil.RemoveWorktree(projectRoot, wt); rmErr != nil {
			// A half-deleted worktree directory without git metadata still
			// blocks `worktree add`; clear it directly.
			_ = os.RemoveAll(wt)
		}
		if err := gitutil.CreateBranchAt(projectRoot, branch, base); err != nil {
			return fmt.Errorf("reset run branch: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("inspect worktree dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(wt), 0o755); err != nil {
		return err
	}
	if err := gitutil.AddWorktree(projectRoot, wt, branch); err != nil {
		return fmt.Errorf("add worktree: %w", err)
	}
	return nil
}

// Rollback resets the worktree to the run's last valid commit and realigns
// the current pointer. The lastValid pointer never moves forward here.
func Rollback(run *model.AgentRun) error {
	target := strings.TrimSpace(run.LastValidCommitHash)
	if target == "" {
		return fmt.Errorf("run %s has no last valid commit to roll back to", run.ID)
	}
	if err := gitutil.ResetHard(run.WorktreePath, target); err != nil {
		return err
	}
	run.CurrentCommitHash = target
	return nil
}

// Fork materializes a new run's branch and worktree pinned to the source
// run's current||lastValid||base commit, and seeds the new run's pointers.
func Fork(projectRoot string, source, fork *model.AgentRun) (*Context, error) {
	pin := ForkPin(source)
	if pin == "" {
		return nil, fmt.Errorf("source run %s has no commit to fork from", source.ID)
	}
	fork.BaseCommitHash = pin
	fork.CurrentCommitHash = pin
	fork.LastValidCommitHash = pin
	branch := model.RunBranchFor(fork.ID)
	if err := model.ValidateRunBranch(branch, fork.ID); err != nil {
		return nil, err
	}
	if err := gitutil.CreateBranchAt(projectRoot, branch, pin); err != nil {
		return nil, fmt.Errorf("create fork branch: %w", err)
	}
	wt := WorktreeDir(projectRoot, fork.ID)
	if err := os.MkdirAll(filepath.Dir(wt), 0o755); err != nil {
		return nil, err
	}
	if err := gitutil.AddWorktree(projectRoot, wt, branch); err != nil {
		return nil, fmt.Errorf("add fork worktree: %w", err)
	}
	fork.RunBranch = branch
	fork.WorktreePath = wt
	return &Context{ProjectRoot: projectRoot, RunBranch: branch, WorktreePath: wt}, nil
}

func writeManifest(projectRoot string, run *model.AgentRun) error {
	stateDir := RunStateDir(projectRoot, run.ID)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return err
	}
	manifest := map[string]any{
		"run_id":       run.ID,
		"project_id":   run.ProjectID,
		"goal":         run.Goal,
		"run_branch":   run.RunBranch,
		"worktree":     run.WorktreePath,
		"base_commit":  run.BaseCommitHash,
		"started_at":   time.Now().UTC().Format(time.RFC3339Nano),
		"contract":     run.Metadata["executionContract"],
	}
	b, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(stateDir, "manifest.json"), append(b, '\n'), 0o644)
}
