// Package kernel is the run lifecycle engine: it drives an agent run from
// queued to terminal status, executing plan steps inside the run's isolated
// worktree, enforcing the execution contract, and synthesizing bounded
// corrections when validation fails.
package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/deeprun/deeprun/internal/kernel/contract"
	"github.com/deeprun/deeprun/internal/kernel/filesession"
	"github.com/deeprun/deeprun/internal/kernel/planner"
	"github.com/deeprun/deeprun/internal/kernel/telemetry"
	"github.com/deeprun/deeprun/internal/model"
	"github.com/deeprun/deeprun/internal/runlock"
	"github.com/deeprun/deeprun/internal/store"
	"github.com/deeprun/deeprun/internal/workspace"
)

// ToolExecutor runs one plan step's tool and returns its raw output payload.
// Mutating tools return proposedChanges; verify tools return runtimeStatus and
// logs; analyze tools return domain-specific outputs.
type ToolExecutor interface {
	ExecuteTool(ctx context.Context, run *model.AgentRun, step model.Step, worktree string) (map[string]any, error)
}

// LightValidator checks staged changes before they are committed.
type LightValidator interface {
	ValidateLight(ctx context.Context, worktree string, diffs []filesession.Diff) (model.ValidationVerdict, error)
}

// HeavyValidator runs the full validation suite against the worktree.
type HeavyValidator interface {
	ValidateHeavy(ctx context.Context, worktree string) (model.ValidationVerdict, error)
}

// InvariantGuard inspects staged changes for template invariant violations.
// It returns violation descriptions; any violation blocks the commit.
type InvariantGuard interface {
	CheckInvariants(worktree string, template string, diffs []filesession.Diff) []string
}

// Engine wires the kernel's collaborators together.
type Engine struct {
	Store   store.Store
	Planner planner.Planner
	Tools   ToolExecutor
	Light   LightValidator
	Heavy   HeavyValidator
	Guard   InvariantGuard

	// WorkspaceRoot is the root under which project directories live.
	WorkspaceRoot string

	Log *slog.Logger

	progressMu sync.Mutex
	// Guarded by progressMu.
	progressSink func(map[string]any)
}

func (e *Engine) log() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

// SetProgressSink mirrors progress events to an in-process consumer (tests,
// streaming UIs) in addition to the on-disk feed.
func (e *Engine) SetProgressSink(sink func(map[string]any)) {
	e.progressMu.Lock()
	e.progressSink = sink
	e.progressMu.Unlock()
}

// appendProgress writes one event line to the run's progress.jsonl feed.
// Best-effort: progress is diagnostics, never control flow.
func (e *Engine) appendProgress(projectRoot, runID string, ev map[string]any) {
	e.progressMu.Lock()
	defer e.progressMu.Unlock()
	if _, ok := ev["ts"]; !ok {
		ev["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if e.progressSink != nil {
		e.progressSink(ev)
	}
	dir := workspace.RunStateDir(projectRoot, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return
	}
	f, err := os.OpenFile(filepath.Join(dir, "progress.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.Write(append(line, '\n'))
}

// Execute implements the queue executor for kernel jobs.
func (e *Engine) Execute(ctx context.Context, job *model.RunJob) error {
	run, err := e.Store.GetRun(ctx, job.RunID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", job.RunID, err)
	}
	project, err := e.Store.GetProject(ctx, run.ProjectID)
	if err != nil {
		return fmt.Errorf("load project %s: %w", run.ProjectID, err)
	}
	return e.ExecuteRun(ctx, run, project)
}

// ExecuteRun drives one run to a terminal status (or to lock loss, which
// leaves the run untouched for reclaim).
func (e *Engine) ExecuteRun(ctx context.Context, run *model.AgentRun, project *model.Project) error {
	c, err := contract.FromRunMetadata(run.Metadata)
	if err != nil {
		return e.failRun(ctx, run, &model.RunError{
			Category: model.CategoryStepTransaction,
			Message:  fmt.Sprintf("run has no execution contract: %v", err),
		})
	}
	if err := contract.Verify(c); err != nil {
		return e.failRun(ctx, run, err)
	}
	if support := contract.EvaluateSupport(c.Material); !support.Supported {
		return e.failRun(ctx, run, &model.RunError{
			Code:    model.CodeUnsupportedContract,
			Message: support.Message,
			Cause:   model.ErrUnsupportedContract,
		})
	}
	cfg := c.EffectiveConfig

	projectRoot := workspace.ProjectRoot(e.WorkspaceRoot, project.OrgID, project.WorkspaceID, project.ID)

	owner := runlock.NewOwner()
	locker := runlock.New(e.Store)
	staleAfter := time.Duration(cfg.RunLockStaleSeconds) * time.Second
	lock, err := locker.Acquire(ctx, run.ID, owner, staleAfter)
	if err != nil {
		// Lock contention is not a run failure; the job lease will expire
		// and the run will be reclaimed.
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = lock.Release(releaseCtx)
	}()
	run.RunLockOwner = owner

	wctx, err := workspace.Ensure(projectRoot, run)
	if err != nil {
		return e.failRun(ctx, run, &model.RunError{
			Category: model.CategoryStepTransaction,
			Message:  fmt.Sprintf("ensure execution context: %v", err),
			Cause:    err,
		})
	}

	if len(run.Plan) == 0 {
		planCtx, cancel := planner.WithTimeout(ctx, cfg.PlannerTimeoutMS)
		steps, perr := e.Planner.Plan(planCtx, planner.PlanRequest{
			RunID:     run.ID,
			ProjectID: project.ID,
			Goal:      run.Goal,
			Template:  project.Template,
			Profile:   cfg.Profile,
		})
		cancel()
		if perr != nil {
			return e.failRun(ctx, run, &model.RunError{
				Category: model.CategoryStepExecution,
				Message:  fmt.Sprintf("planner failed: %v", perr),
				Details:  map[string]any{"plannerError": perr.Error()},
				Cause:    perr,
			})
		}
		run.Plan = steps
	}

	if run.Status == model.RunQueued {
		if !model.CanTransition(run.Status, model.RunRunning, false) {
			return e.failRun(ctx, run, &model.RunError{
				Category: model.CategoryStepTransaction,
				Message:  fmt.Sprintf("illegal transition %s -> running", run.Status),
			})
		}
		run.Status = model.RunRunning
	}
	if err := e.Store.UpdateRun(ctx, run); err != nil {
		return err
	}

	e.appendProgress(projectRoot, run.ID, map[string]any{
		"event":      "run_start",
		"run_id":     run.ID,
		"goal":       run.Goal,
		"plan_steps": len(run.Plan),
		"branch":     run.RunBranch,
	})

	rs := &runState{
		engine:      e,
		run:         run,
		project:     project,
		projectRoot: projectRoot,
		wctx:        wctx,
		cfg:         cfg,
		lock:        lock,
		recorder:    telemetry.NewRecorder(projectRoot, e.Store),
		signatures:  map[string]int{},
	}
	return rs.drive(ctx)
}

// failRun marks the run failed with the structured error taxonomy. Exactly one
// terminal status is ever reached; a run already terminal is left untouched.
func (e *Engine) failRun(ctx context.Context, run *model.AgentRun, cause error) error {
	if run.Status.Terminal() {
		return cause
	}
	msg, details := model.ErrorDetailsFor(cause)
	run.Status = model.RunFailed
	run.ErrorMessage = msg
	run.ErrorDetails = details
	now := time.Now().UTC()
	run.FinishedAt = &now
	if err := e.Store.UpdateRun(ctx, run); err != nil {
		e.log().Error("persist failed run", "run", run.ID, "error", err)
	}
	return cause
}
