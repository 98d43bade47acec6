package kernel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/deeprun/deeprun/internal/kernel/contract"
	"github.com/deeprun/deeprun/internal/model"
	"github.com/deeprun/deeprun/internal/workspace"
)

// StartRunRequest creates a new run against a project. Config overrides are
// merged over the environment fallbacks and sealed into the run's contract.
type StartRunRequest struct {
	ProjectID       string
	Goal            string
	CreatedByUserID string
	ProviderID      string
	Model           string

	// Config overrides the environment-derived defaults when non-nil.
	Config *contract.ExecutionConfig

	// Plan is optional; an empty plan is filled by the planner at execution.
	Plan []model.Step
}

// StartRun seals the execution contract, persists the run and enqueues its
// kernel job. The run starts queued with zeroed commit pointers; the execution
// context syncs them from HEAD on first execution.
func (e *Engine) StartRun(ctx context.Context, req StartRunRequest) (*model.AgentRun, *model.RunJob, error) {
	if strings.TrimSpace(req.Goal) == "" {
		return nil, nil, fmt.Errorf("run goal is required")
	}
	project, err := e.Store.GetProject(ctx, req.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("load project %s: %w", req.ProjectID, err)
	}

	cfg, fallbackFields := contract.BuildFallback()
	if req.Config != nil {
		cfg = *req.Config
		fallbackFields = nil
	}
	runID := uuid.NewString()
	c := contract.Build(cfg, runID, fallbackFields)

	run := &model.AgentRun{
		ID:              runID,
		ProjectID:       project.ID,
		OrgID:           project.OrgID,
		WorkspaceID:     project.WorkspaceID,
		CreatedByUserID: req.CreatedByUserID,
		Goal:            req.Goal,
		ProviderID:      req.ProviderID,
		Model:           req.Model,
		Status:          model.RunQueued,
		Plan:            req.Plan,
		RunBranch:       model.RunBranchFor(runID),
	}
	contract.AttachTo(run, c)
	if err := e.Store.CreateRun(ctx, run); err != nil {
		return nil, nil, fmt.Errorf("persist run: %w", err)
	}
	job, err := e.Store.EnqueueJob(ctx, run.ID, model.JobKernel, model.RoleCompute, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("enqueue kernel job: %w", err)
	}
	e.log().Info("run created",
		"run", run.ID, "project", project.ID,
		"contract", c.Hash[:12], "fallback_fields", len(c.FallbackFields))
	return run, job, nil
}

// ResumeRun re-enqueues an interrupted run. A nil override resumes under the
// persisted contract. A non-nil override whose effective config differs from
// the sealed one is refused: changed configuration requires a fork, which
// applies the new contract to a new run instead of mutating history.
func (e *Engine) ResumeRun(ctx context.Context, runID string, override *contract.ExecutionConfig) (*model.RunJob, error) {
	run, err := e.Store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	if run.Status.Terminal() {
		return nil, fmt.Errorf("run %s is %s and cannot resume", runID, run.Status)
	}
	persisted, err := contract.FromRunMetadata(run.Metadata)
	if err != nil {
		return nil, fmt.Errorf("run %s has no execution contract: %w", runID, err)
	}
	if err := contract.Verify(persisted); err != nil {
		return nil, err
	}
	if override != nil {
		res := contract.Resolve(persisted, *override, run.ID, nil)
		if len(res.Diff) > 0 {
			return nil, fmt.Errorf("resume config differs from sealed contract (%s); fork the run to apply it",
				strings.Join(res.Diff, ", "))
		}
	}
	job, err := e.Store.EnqueueJob(ctx, run.ID, model.JobKernel, model.RoleCompute, nil)
	if err != nil {
		return nil, fmt.Errorf("enqueue kernel job: %w", err)
	}
	return job, nil
}

// ForkRun creates a new run pinned to the source run's current||lastValid||base
// commit, sealing a fresh contract (optionally overridden) for the fork.
func (e *Engine) ForkRun(ctx context.Context, sourceRunID, goal string, override *contract.ExecutionConfig) (*model.AgentRun, *model.RunJob, error) {
	source, err := e.Store.GetRun(ctx, sourceRunID)
	if err != nil {
		return nil, nil, fmt.Errorf("load source run %s: %w", sourceRunID, err)
	}
	project, err := e.Store.GetProject(ctx, source.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("load project %s: %w", source.ProjectID, err)
	}

	cfg, fallbackFields := contract.BuildFallback()
	if override != nil {
		cfg = *override
		fallbackFields = nil
	}
	if strings.TrimSpace(goal) == "" {
		goal = source.Goal
	}
	forkID := uuid.NewString()
	fork := &model.AgentRun{
		ID:          forkID,
		ProjectID:   project.ID,
		OrgID:       project.OrgID,
		WorkspaceID: project.WorkspaceID,
		Goal:        goal,
		ProviderID:  source.ProviderID,
		Model:       source.Model,
		Status:      model.RunQueued,
	}
	contract.AttachTo(fork, contract.Build(cfg, forkID, fallbackFields))

	projectRoot := workspace.ProjectRoot(e.WorkspaceRoot, project.OrgID, project.WorkspaceID, project.ID)
	if _, err := workspace.Fork(projectRoot, source, fork); err != nil {
		return nil, nil, fmt.Errorf("materialize fork context: %w", err)
	}
	if err := e.Store.CreateRun(ctx, fork); err != nil {
		return nil, nil, fmt.Errorf("persist fork: %w", err)
	}
	job, err := e.Store.EnqueueJob(ctx, fork.ID, model.JobKernel, model.RoleCompute, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("enqueue fork job: %w", err)
	}
	e.log().Info("run forked", "source", source.ID, "fork", fork.ID, "pin", fork.BaseCommitHash)
	return fork, job, nil
}

// CancelRun moves a non-terminal run to cancelled. Any in-flight job keeps its
// lease until expiry; the engine refuses to transition a cancelled run further.
func (e *Engine) CancelRun(ctx context.Context, runID string) error {
	run, err := e.Store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	if run.Status.Terminal() {
		return fmt.Errorf("run %s is already %s", runID, run.Status)
	}
	if !model.CanTransition(run.Status, model.RunCancelled, false) {
		return fmt.Errorf("run %s cannot be cancelled from %s", runID, run.Status)
	}
	run.Status = model.RunCancelled
	now := time.Now().UTC()
	run.FinishedAt = &now
	return e.Store.UpdateRun(ctx, run)
}
