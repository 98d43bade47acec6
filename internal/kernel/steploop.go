package kernel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/deeprun/deeprun/internal/kernel/contract"
	"github.com/deeprun/deeprun/internal/kernel/correction"
	"github.com/deeprun/deeprun/internal/kernel/filesession"
	"github.com/deeprun/deeprun/internal/kernel/planner"
	"github.com/deeprun/deeprun/internal/kernel/telemetry"
	"github.com/deeprun/deeprun/internal/model"
	"github.com/deeprun/deeprun/internal/runlock"
	"github.com/deeprun/deeprun/internal/store"
	"github.com/deeprun/deeprun/internal/workspace"
)

// runState is the per-execution working state of one run. All step execution
// within a run is strictly serial.
type runState struct {
	engine      *Engine
	run         *model.AgentRun
	project     *model.Project
	projectRoot string
	wctx        *workspace.Context
	cfg         contract.ExecutionConfig
	lock        *runlock.Handle
	recorder    *telemetry.Recorder

	// attempts tracks the last attempt number per step index.
	attempts map[int]int

	// signatures counts runtime failure signatures for convergence detection.
	signatures map[string]int

	// verifyOrigin is the verify step the current retry chain re-runs; retries
	// key their failure signature on it rather than their own fresh id.
	verifyOrigin string

	runtimeCorrections int
	heavyCorrections   int

	// Validation-cycle bookkeeping for learning events.
	pendingBefore        int // blocking count of the previous failed verdict; -1 when none
	mutatedSinceVerdict  bool
	stubMaterialized     bool
	cyclePhase           string
	openDebt             *correction.StubDebt
	consecutiveStalls    int
}

func (rs *runState) progress(ev map[string]any) {
	rs.engine.appendProgress(rs.projectRoot, rs.run.ID, ev)
}

// drive is the engine main loop: execute plan steps until the plan end, then
// run plan-end validation, which may append corrections and continue.
func (rs *runState) drive(ctx context.Context) error {
	rs.pendingBefore = -1
	if rs.cyclePhase == "" {
		rs.cyclePhase = model.PhaseGoal
	}
	if rs.attempts == nil {
		rs.attempts = map[int]int{}
	}
	rs.seedAttempts(ctx)

	for {
		if rs.run.CurrentStepIndex >= len(rs.run.Plan) {
			done, err := rs.finish(ctx)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
			continue
		}
		if err := rs.executeCurrentStep(ctx); err != nil {
			return err
		}
	}
}

// seedAttempts reloads attempt counters from existing step records so a
// resumed run keeps (runId, stepIndex, attempt) unique.
func (rs *runState) seedAttempts(ctx context.Context) {
	records, err := rs.engine.Store.ListStepRecords(ctx, rs.run.ID)
	if err != nil {
		return
	}
	for _, rec := range records {
		if rec.Attempt > rs.attempts[rec.StepIndex] {
			rs.attempts[rec.StepIndex] = rec.Attempt
		}
	}
}

func (rs *runState) executeCurrentStep(ctx context.Context) error {
	// Lost lock aborts without transitioning the run; the lease expiry
	// authorizes reclaim and the new owner resumes from persisted state.
	if err := rs.lock.Refresh(ctx); err != nil {
		rs.progress(map[string]any{"event": "lock_lost", "step_index": rs.run.CurrentStepIndex})
		return err
	}

	i := rs.run.CurrentStepIndex
	step := rs.run.Plan[i]
	attempt := rs.attempts[i] + 1
	rs.attempts[i] = attempt

	rec := &model.StepRecord{
		RunID:        rs.run.ID,
		StepIndex:    i,
		Attempt:      attempt,
		StepID:       step.ID,
		Type:         step.Type,
		Tool:         step.Tool,
		InputPayload: step.Input,
		StartedAt:    time.Now().UTC(),
	}
	rs.progress(map[string]any{
		"event":      "step_start",
		"step_index": i,
		"step_id":    step.ID,
		"tool":       step.Tool,
		"attempt":    attempt,
	})

	out, toolErr := rs.engine.Tools.ExecuteTool(ctx, rs.run, step, rs.wctx.WorktreePath)
	if out == nil {
		out = map[string]any{}
	}
	rec.OutputPayload = out
	rec.FinishedAt = time.Now().UTC()
	if status, ok := out["runtimeStatus"].(string); ok {
		rec.RuntimeStatus = status
	}

	if toolErr != nil {
		rec.Status = model.StepFailed
		rec.ErrorMessage = toolErr.Error()
		_ = rs.insertRecord(ctx, rec, nil)
		return rs.engine.failRun(ctx, rs.run, &model.RunError{
			Category: model.CategoryStepExecution,
			Message:  fmt.Sprintf("step %s failed: %v", step.ID, toolErr),
			Details:  map[string]any{"stepId": step.ID, "stepIndex": i},
			Cause:    toolErr,
		})
	}

	if step.Type == model.StepVerify && step.Tool == model.ToolRunPreviewContainer {
		// Persisted inside, after the verify output has been interpreted.
		return rs.handleRuntimeVerify(ctx, step, rec, out)
	}

	if step.Mutates() {
		if err := rs.commitMutatingStep(ctx, step, rec, out); err != nil {
			return err
		}
	} else {
		rec.Status = model.StepCompleted
		if err := rs.insertRecord(ctx, rec, rs.advancePointers(i, step, "")); err != nil {
			return err
		}
	}
	if rec.Status == model.StepCompleted {
		return rs.persistAdvance(ctx)
	}
	return nil
}

// commitMutatingStep runs the file-session transaction for a mutating step:
// parse proposed changes, stage under caps, guard invariants, light-validate,
// apply and commit, then update commit pointers atomically with the record.
func (rs *runState) commitMutatingStep(ctx context.Context, step model.Step, rec *model.StepRecord, out map[string]any) error {
	i := rec.StepIndex
	changes, err := filesession.ParseProposedChanges(out["proposedChanges"])
	if err != nil {
		return rs.failStep(ctx, rec, model.CategoryStepTransaction,
			fmt.Sprintf("step %s proposed changes invalid: %v", step.ID, err), err)
	}

	limits := filesession.Limits{
		MaxFilesPerStep:   rs.cfg.MaxFilesPerStep,
		MaxTotalDiffBytes: rs.cfg.MaxTotalDiffBytes,
		MaxFileBytes:      rs.cfg.MaxFileBytes,
		AllowEnvMutation:  rs.cfg.AllowEnvMutation,
	}
	session, err := filesession.Begin(rs.wctx.WorktreePath, step.ID, i, limits)
	if err != nil {
		return rs.failStep(ctx, rec, model.CategoryStepTransaction,
			fmt.Sprintf("begin file session: %v", err), err)
	}
	for _, change := range changes {
		if err := session.Stage(change); err != nil {
			return rs.failStep(ctx, rec, model.CategoryStepTransaction,
				fmt.Sprintf("step %s staging failed: %v", step.ID, err), err)
		}
	}
	if err := session.Validate(); err != nil {
		return rs.failStep(ctx, rec, model.CategoryStepTransaction,
			fmt.Sprintf("step %s exceeds file-session caps: %v", step.ID, err), err)
	}
	diffs := session.StagedDiffs()

	// Correction steps are bounded by their constraint before anything is
	// written: file count, path prefixes, diff bytes.
	var constraint *model.CorrectionConstraint
	if step.Correction != nil {
		constraint = step.Correction.Constraint
	}
	if step.IsCorrection() {
		staged := correction.EvaluatePolicy(rs.cfg.CorrectionPolicyMode, constraint, diffs, "staged")
		if staged.Enforced() {
			return rs.failStep(ctx, rec, model.CategoryCorrectionPolicy,
				fmt.Sprintf("correction step %s violates its constraint: %s", step.ID, strings.Join(staged.Violations, "; ")), nil)
		}
		if !staged.Compliant {
			out["correctionPolicyWarnings"] = staged.Violations
		}
	}

	// Pre-commit invariant guard for canonical-backend AI mutations.
	if rs.engine.Guard != nil && step.Tool == model.ToolAIMutation && rs.project.Template == model.TemplateCanonicalBackend {
		if violations := rs.engine.Guard.CheckInvariants(rs.wctx.WorktreePath, rs.project.Template, diffs); len(violations) > 0 {
			out["invariantViolation"] = map[string]any{
				"code":       model.CodeInvariantViolation,
				"violations": violations,
			}
			rec.Status = model.StepFailed
			rec.ErrorMessage = "invariant guard blocked staged changes"
			_ = rs.insertRecord(ctx, rec, nil)
			if rs.attempts[i] < model.MaxInvariantRetries {
				rs.progress(map[string]any{
					"event":      "invariant_retry",
					"step_index": i,
					"attempt":    rs.attempts[i],
					"violations": violations,
				})
				return nil // re-execute the same index on the next loop pass
			}
			return rs.engine.failRun(ctx, rs.run, &model.RunError{
				Category: model.CategoryStepExecution,
				Code:     model.CodeInvariantViolation,
				Message:  fmt.Sprintf("step %s blocked by invariant guard after %d attempts", step.ID, rs.attempts[i]),
				Details:  map[string]any{"violations": violations},
			})
		}
	}

	if rs.cfg.LightValidationMode != model.ModeOff && rs.engine.Light != nil {
		verdict, lerr := rs.engine.Light.ValidateLight(ctx, rs.wctx.WorktreePath, diffs)
		if lerr != nil {
			return rs.failStep(ctx, rec, model.CategoryStepExecution,
				fmt.Sprintf("light validation errored: %v", lerr), lerr)
		}
		out["lightValidation"] = verdict
		if !verdict.OK && rs.cfg.LightValidationMode == model.ModeEnforce {
			return rs.failStep(ctx, rec, model.CategoryStepExecution,
				fmt.Sprintf("light validation blocked step %s: %s", step.ID, verdict.Summary), nil)
		}
	}

	if err := session.Apply(); err != nil {
		_ = session.Abort()
		return rs.failStep(ctx, rec, model.CategoryStepTransaction,
			fmt.Sprintf("apply staged changes: %v", err), err)
	}
	summary := filesession.CommitSummary(step.ID, step.Tool, filesession.NormalizeGoalSummary(rs.run.Goal))
	commit, err := session.Commit(summary)
	if err != nil {
		_ = session.Abort()
		return rs.failStep(ctx, rec, model.CategoryStepTransaction,
			fmt.Sprintf("commit staged changes: %v", err), err)
	}

	// A correction step that commits nothing silently patched nothing.
	if commit == "" && step.IsCorrection() {
		return rs.failStep(ctx, rec, model.CategoryCorrectionPolicy,
			fmt.Sprintf("correction step %s produced no commit (silent patching blocked)", step.ID), nil)
	}

	if step.IsCorrection() {
		policy := correction.EvaluatePolicy(rs.cfg.CorrectionPolicyMode, constraint, diffs, commit)
		out["correctionPolicy"] = policy
		if policy.Enforced() {
			return rs.failStep(ctx, rec, model.CategoryCorrectionPolicy,
				fmt.Sprintf("correction step %s is non-compliant: %s", step.ID, strings.Join(policy.Violations, "; ")), nil)
		}
	}

	if commit != "" {
		rec.CommitHash = commit
		rs.mutatedSinceVerdict = true
		out["stagedDiffs"] = diffs
	}
	rec.Status = model.StepCompleted
	return rs.insertRecord(ctx, rec, rs.advancePointers(i, step, commit))
}

// advancePointers builds the atomic pointer update for a successful step:
// base <- previous current, current/lastValid <- the new commit (or unchanged
// for a null commit).
func (rs *runState) advancePointers(i int, step model.Step, commit string) *store.RunPointers {
	p := &store.RunPointers{
		BaseCommitHash:      rs.run.BaseCommitHash,
		CurrentCommitHash:   rs.run.CurrentCommitHash,
		LastValidCommitHash: rs.run.LastValidCommitHash,
		CurrentStepIndex:    i + 1,
		LastStepID:          step.ID,
	}
	if commit != "" {
		p.BaseCommitHash = rs.run.CurrentCommitHash
		p.CurrentCommitHash = commit
		p.LastValidCommitHash = commit
	}
	return p
}

// insertRecord persists the step record (and pointer update) and mirrors the
// pointer update onto the in-memory run.
func (rs *runState) insertRecord(ctx context.Context, rec *model.StepRecord, pointers *store.RunPointers) error {
	if err := rs.engine.Store.InsertStepRecord(ctx, rec, pointers); err != nil {
		return err
	}
	if pointers != nil {
		rs.run.BaseCommitHash = pointers.BaseCommitHash
		rs.run.CurrentCommitHash = pointers.CurrentCommitHash
		rs.run.LastValidCommitHash = pointers.LastValidCommitHash
		rs.run.CurrentStepIndex = pointers.CurrentStepIndex
		rs.run.LastStepID = pointers.LastStepID
	}
	rs.progress(map[string]any{
		"event":      "step_finish",
		"step_index": rec.StepIndex,
		"step_id":    rec.StepID,
		"status":     string(rec.Status),
		"commit":     rec.CommitHash,
	})
	return nil
}

// failStep records the failed attempt and marks the run failed.
func (rs *runState) failStep(ctx context.Context, rec *model.StepRecord, category, msg string, cause error) error {
	rec.Status = model.StepFailed
	rec.ErrorMessage = msg
	_ = rs.insertRecord(ctx, rec, nil)
	return rs.engine.failRun(ctx, rs.run, &model.RunError{
		Category: category,
		Message:  msg,
		Details:  map[string]any{"stepId": rec.StepID, "stepIndex": rec.StepIndex},
		Cause:    cause,
	})
}

func (rs *runState) persistAdvance(ctx context.Context) error {
	return rs.engine.Store.UpdateRun(ctx, rs.run)
}

// handleRuntimeVerify interprets a run_preview_container verify step: healthy
// advances; failed queues a (correction, retry) pair within the runtime
// correction budget, subject to failure-signature convergence checks.
func (rs *runState) handleRuntimeVerify(ctx context.Context, step model.Step, rec *model.StepRecord, out map[string]any) error {
	status := rec.RuntimeStatus
	logs, _ := out["logs"].(string)
	rec.Status = model.StepCompleted

	if status != "failed" {
		// Healthy verify resets convergence tracking.
		rs.signatures = map[string]int{}
		rs.verifyOrigin = ""
		if err := rs.insertRecord(ctx, rec, rs.advancePointers(rec.StepIndex, step, "")); err != nil {
			return err
		}
		return rs.persistAdvance(ctx)
	}

	// A retry re-runs the originally failed verify under a fresh id; the
	// signature keys on the origin so an identical failure repeats.
	origin := step.ID
	if strings.HasPrefix(step.ID, model.RuntimeRetryPrefix) && rs.verifyOrigin != "" {
		origin = rs.verifyOrigin
	}
	rs.verifyOrigin = origin

	sig := failureSignature(origin, status, logs)
	rs.signatures[sig]++
	repeated := rs.signatures[sig] > 1
	if repeated && rs.cfg.CorrectionConvergenceMode == model.ModeWarn {
		out["convergenceWarning"] = fmt.Sprintf("repeated failure signature %s (%d occurrences)", sig, rs.signatures[sig])
	}
	if err := rs.insertRecord(ctx, rec, rs.advancePointers(rec.StepIndex, step, "")); err != nil {
		return err
	}
	rs.progress(map[string]any{
		"event":      "runtime_verify_failed",
		"step_index": rec.StepIndex,
		"step_id":    step.ID,
		"signature":  sig,
		"repeat":     repeated,
	})

	if repeated && rs.cfg.CorrectionConvergenceMode == model.ModeEnforce {
		return rs.engine.failRun(ctx, rs.run, &model.RunError{
			Category: model.CategoryRuntimeCorrectionConvergence,
			Message:  fmt.Sprintf("runtime verify %s failed repeatedly with identical signature", origin),
			Details:  map[string]any{"signature": sig, "occurrences": rs.signatures[sig]},
		})
	}

	if rs.runtimeCorrections >= rs.cfg.GoalMaxCorrections {
		return rs.engine.failRun(ctx, rs.run, &model.RunError{
			Category: model.CategoryRuntimeCorrectionLimit,
			Message:  fmt.Sprintf("runtime correction budget exhausted after %d attempts", rs.runtimeCorrections),
			Details:  map[string]any{"stepId": step.ID, "logs": logs},
		})
	}
	rs.runtimeCorrections++

	intent, constraint := correction.Classify(correction.ClassifyInput{
		Phase:             model.PhaseGoal,
		FailedStepID:      step.ID,
		Attempt:           rs.runtimeCorrections,
		Logs:              logs,
		MaxFiles:          rs.cfg.MaxFilesPerStep,
		MaxTotalDiffBytes: rs.cfg.MaxTotalDiffBytes,
	})

	planCtx, cancel := planner.WithTimeout(ctx, rs.cfg.PlannerTimeoutMS)
	steps, perr := rs.engine.Planner.PlanRuntimeCorrection(planCtx, planner.RuntimeCorrectionRequest{
		RunID:          rs.run.ID,
		Goal:           rs.run.Goal,
		FailedStep:     step,
		Attempt:        rs.runtimeCorrections,
		RuntimeLogs:    logs,
		Constraint:     constraint,
		Classification: string(intent),
	})
	cancel()
	if perr != nil {
		return rs.engine.failRun(ctx, rs.run, &model.RunError{
			Category: model.CategoryRuntimeVerification,
			Message:  fmt.Sprintf("runtime correction planning failed: %v", perr),
			Details:  map[string]any{"plannerError": perr.Error()},
			Cause:    perr,
		})
	}

	if err := rs.transition(ctx, model.RunCorrecting); err != nil {
		return err
	}
	rs.insertSteps(rec.StepIndex+1, steps)
	if err := rs.transition(ctx, model.RunRunning); err != nil {
		return err
	}
	rs.progress(map[string]any{
		"event":       "runtime_correction_queued",
		"failed_step": step.ID,
		"attempt":     rs.runtimeCorrections,
		"intent":      string(intent),
	})
	return nil
}

// insertSteps splices steps into the plan at index at.
func (rs *runState) insertSteps(at int, steps []model.Step) {
	plan := make([]model.Step, 0, len(rs.run.Plan)+len(steps))
	plan = append(plan, rs.run.Plan[:at]...)
	plan = append(plan, steps...)
	plan = append(plan, rs.run.Plan[at:]...)
	rs.run.Plan = plan
}

func (rs *runState) transition(ctx context.Context, to model.RunStatus) error {
	return rs.transitionReentry(ctx, to, false)
}

func (rs *runState) transitionReentry(ctx context.Context, to model.RunStatus, reentry bool) error {
	if !model.CanTransition(rs.run.Status, to, reentry) {
		return rs.engine.failRun(ctx, rs.run, &model.RunError{
			Category: model.CategoryStepTransaction,
			Message:  fmt.Sprintf("illegal run transition %s -> %s", rs.run.Status, to),
		})
	}
	rs.run.Status = to
	return rs.engine.Store.UpdateRun(ctx, rs.run)
}

func failureSignature(stepID, status, logs string) string {
	line := logs
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	return correction.ContentHash(stepID + "|" + status + "|" + line)[:16]
}
