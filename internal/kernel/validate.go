package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/deeprun/deeprun/internal/kernel/correction"
	"github.com/deeprun/deeprun/internal/kernel/planner"
	"github.com/deeprun/deeprun/internal/kernel/validation"
	"github.com/deeprun/deeprun/internal/model"
	"github.com/deeprun/deeprun/internal/workspace"
)

// finish runs the plan-end validation flow. It returns done=true when the run
// reached a terminal status, and done=false when a correction plan was
// appended and the step loop should resume.
func (rs *runState) finish(ctx context.Context) (bool, error) {
	if rs.cfg.HeavyValidationMode == model.ModeOff || rs.engine.Heavy == nil {
		return true, rs.complete(ctx)
	}
	if err := rs.lock.Refresh(ctx); err != nil {
		return true, err
	}

	verdict, err := rs.engine.Heavy.ValidateHeavy(ctx, rs.wctx.WorktreePath)
	if err != nil {
		return true, rs.engine.failRun(ctx, rs.run, &model.RunError{
			Category: model.CategoryHeavyValidationExecution,
			Message:  fmt.Sprintf("heavy validation could not run: %v", err),
			Cause:    err,
		})
	}
	profile := validation.Interpret(verdict)
	rs.recordVerdict(verdict, profile)
	rs.recordAttemptEvent(ctx, verdict, profile)

	if verdict.OK {
		return rs.finishPassed(ctx)
	}
	return rs.finishFailed(ctx, verdict, profile)
}

// recordVerdict stores the verdict and profile on the run row.
func (rs *runState) recordVerdict(verdict model.ValidationVerdict, profile validation.Profile) {
	now := time.Now().UTC()
	rs.run.ValidatedAt = &now
	rs.run.ValidationResult = toMap(map[string]any{
		"verdict": verdict,
		"profile": profile,
	})
	status := model.ValidationPassed
	if !verdict.OK {
		status = model.ValidationFailed
	}
	rs.run.ValidationStatus = &status
	rs.progress(map[string]any{
		"event":    "heavy_validation",
		"ok":       verdict.OK,
		"blocking": verdict.BlockingCount,
		"summary":  verdict.Summary,
	})
}

// recordAttemptEvent appends one learning event per validation verdict that
// concludes a correction attempt. The first verdict of a run opens the cycle
// without an event; every later verdict reports before/after blocking counts.
func (rs *runState) recordAttemptEvent(ctx context.Context, verdict model.ValidationVerdict, profile validation.Profile) {
	defer func() {
		rs.pendingBefore = verdict.BlockingCount
		rs.mutatedSinceVerdict = false
		rs.stubMaterialized = false
	}()
	if rs.pendingBefore < 0 {
		return
	}
	outcome := model.ClassifyAttemptOutcome(
		rs.pendingBefore, verdict.BlockingCount,
		rs.mutatedSinceVerdict, rs.stubMaterialized, rs.cyclePhase)
	rs.lastOutcomeUpdate(outcome)
	ev := &model.LearningEvent{
		RunID:                rs.run.ID,
		ProjectID:            rs.project.ID,
		StepIndex:            rs.run.CurrentStepIndex,
		Attempt:              rs.heavyCorrections,
		EventType:            "correction_attempt",
		Phase:                rs.cyclePhase,
		Clusters:             toList(profile.Clusters),
		BlockingBefore:       rs.pendingBefore,
		BlockingAfter:        verdict.BlockingCount,
		ArchitectureCollapse: profile.ArchitectureCollapse,
		Outcome:              outcome,
		Metadata: map[string]any{
			"stubMaterialized": rs.stubMaterialized,
		},
	}
	if err := rs.recorder.Record(ctx, ev); err != nil {
		rs.engine.log().Warn("learning event dropped", "run", rs.run.ID, "error", err)
	}
}

func (rs *runState) lastOutcomeUpdate(outcome model.AttemptOutcome) {
	switch outcome {
	case model.OutcomeStalled, model.OutcomeNoop:
		rs.consecutiveStalls++
	default:
		rs.consecutiveStalls = 0
	}
}

// finishPassed completes the run, detouring through debt resolution when the
// passing verdict rests on materialized stubs.
func (rs *runState) finishPassed(ctx context.Context) (bool, error) {
	if rs.openDebt != nil {
		if rs.cyclePhase == model.PhaseDebtResolution {
			return rs.settleDebt(ctx)
		}
		return rs.scheduleDebtResolution(ctx)
	}
	return true, rs.complete(ctx)
}

// scheduleDebtResolution marks the run complete, then immediately re-enters it
// with the deterministic plan that replaces every open stub.
func (rs *runState) scheduleDebtResolution(ctx context.Context) (bool, error) {
	steps, err := correction.BuildDebtResolutionPlan(rs.wctx.WorktreePath, *rs.openDebt, rs.nextValidationCorrection())
	if err != nil {
		return true, rs.engine.failRun(ctx, rs.run, &model.RunError{
			Category: model.CategoryHeavyValidation,
			Message:  fmt.Sprintf("stub debt resolution planning failed: %v", err),
			Cause:    err,
		})
	}
	if len(steps) == 0 {
		// Already paid down between validation and planning.
		return rs.settleDebt(ctx)
	}
	if err := rs.complete(ctx); err != nil {
		return true, err
	}
	if err := rs.transitionReentry(ctx, model.RunRunning, true); err != nil {
		return true, err
	}
	rs.run.FinishedAt = nil
	rs.cyclePhase = model.PhaseDebtResolution
	rs.heavyCorrections += len(steps)
	rs.insertSteps(len(rs.run.Plan), steps)
	if err := rs.engine.Store.UpdateRun(ctx, rs.run); err != nil {
		return true, err
	}
	rs.progress(map[string]any{
		"event": "debt_resolution_queued",
		"steps": len(steps),
	})
	return false, nil
}

// settleDebt verifies the debt predicate and closes the ledger entry, then
// completes the run.
func (rs *runState) settleDebt(ctx context.Context) (bool, error) {
	paid, err := correction.DebtPaidDown(rs.wctx.WorktreePath, *rs.openDebt)
	if err != nil {
		return true, rs.engine.failRun(ctx, rs.run, &model.RunError{
			Category: model.CategoryHeavyValidation,
			Message:  fmt.Sprintf("stub debt check failed: %v", err),
			Cause:    err,
		})
	}
	if !paid {
		return true, rs.engine.failRun(ctx, rs.run, &model.RunError{
			Category: model.CategoryHeavyValidation,
			Message:  "stub debt remains after debt resolution",
			Details:  map[string]any{"stepIndex": rs.openDebt.StepIndex, "attempt": rs.openDebt.Attempt},
		})
	}
	if err := rs.recorder.CloseStubDebt(rs.openDebt); err != nil {
		rs.engine.log().Warn("stub debt close not persisted", "run", rs.run.ID, "error", err)
	}
	ev := &model.LearningEvent{
		RunID:          rs.run.ID,
		ProjectID:      rs.project.ID,
		StepIndex:      rs.openDebt.StepIndex,
		Attempt:        rs.openDebt.Attempt,
		EventType:      "debt_resolution",
		Phase:          model.PhaseDebtResolution,
		BlockingBefore: 0,
		BlockingAfter:  0,
		Outcome:        model.OutcomeSuccess,
		Metadata:       map[string]any{"debtPaidDown": true},
	}
	if err := rs.recorder.Record(ctx, ev); err != nil {
		rs.engine.log().Warn("learning event dropped", "run", rs.run.ID, "error", err)
	}
	rs.openDebt = nil
	rs.progress(map[string]any{"event": "stub_debt_closed"})
	return true, rs.complete(ctx)
}

// finishFailed reacts to a failing heavy verdict: warn records and completes,
// enforce selects a bounded correction or fails the run.
func (rs *runState) finishFailed(ctx context.Context, verdict model.ValidationVerdict, profile validation.Profile) (bool, error) {
	if rs.cfg.HeavyValidationMode == model.ModeWarn {
		return true, rs.complete(ctx)
	}

	if !profile.ShouldAutoCorrect {
		return true, rs.engine.failRun(ctx, rs.run, &model.RunError{
			Category: model.CategoryHeavyValidation,
			Message:  fmt.Sprintf("heavy validation failed: %s", verdict.Summary),
			Details:  map[string]any{"reason": profile.Reason, "blockingCount": verdict.BlockingCount},
		})
	}

	// Deterministic recipes (import resolution, debt paydown) are bounded by
	// the optimization-correction budget; exhausting it rolls the worktree
	// back to the last valid commit.
	if profile.ImportSignal != nil {
		if rs.heavyCorrections >= rs.cfg.OptimizationMaxCorrections {
			return true, rs.rollbackAndFail(ctx, verdict)
		}
		if done, handled, err := rs.tryImportRecipe(ctx, profile); handled {
			return done, err
		}
	}

	// Planner-derived corrections are bounded separately: the validation
	// auto-correction cap. Past it, the verdict surfaces verbatim.
	if rs.run.CorrectionAttempts >= model.MaxValidationAutoCorrections {
		if rs.heavyCorrections >= rs.cfg.OptimizationMaxCorrections {
			return true, rs.rollbackAndFail(ctx, verdict)
		}
		return true, rs.engine.failRun(ctx, rs.run, &model.RunError{
			Category: model.CategoryHeavyValidation,
			Message:  fmt.Sprintf("heavy validation failed after %d auto-corrections: %s", rs.run.CorrectionAttempts, verdict.Summary),
			Details:  map[string]any{"blockingCount": verdict.BlockingCount, "clusters": toList(profile.Clusters)},
		})
	}

	phase, req := rs.correctionRequest(ctx, profile)
	planCtx, cancel := planner.WithTimeout(ctx, rs.cfg.PlannerTimeoutMS)
	steps, perr := rs.engine.Planner.PlanCorrection(planCtx, req)
	cancel()
	if perr != nil {
		return true, rs.engine.failRun(ctx, rs.run, &model.RunError{
			Category: model.CategoryHeavyValidation,
			Message:  fmt.Sprintf("correction planning failed: %v", perr),
			Cause:    perr,
		})
	}
	if len(steps) == 0 {
		return true, rs.engine.failRun(ctx, rs.run, &model.RunError{
			Category: model.CategoryHeavyValidation,
			Message:  fmt.Sprintf("planner produced no correction for: %s", verdict.Summary),
		})
	}

	rs.run.CorrectionAttempts++
	rs.run.LastCorrectionReason = profile.Reason
	rs.cyclePhase = phase
	return false, rs.appendCorrection(ctx, steps, phase)
}

// tryImportRecipe attempts the deterministic import-resolution recipe. handled
// is false when the signal could not produce a recipe and selection should
// fall through to the planner.
func (rs *runState) tryImportRecipe(ctx context.Context, profile validation.Profile) (done, handled bool, err error) {
	recipe, err := correction.BuildImportResolutionRecipe(
		rs.wctx.WorktreePath, rs.run.ID, rs.project.ID,
		*profile.ImportSignal, rs.nextValidationCorrection())
	if err != nil {
		rs.engine.log().Warn("import recipe not applicable", "run", rs.run.ID, "error", err)
		return false, false, nil
	}
	if recipe.Stub != nil {
		debt := &correction.StubDebt{
			RunID:     rs.run.ID,
			ProjectID: rs.project.ID,
			StepIndex: rs.run.CurrentStepIndex,
			Attempt:   rs.heavyCorrections + 1,
			Status:    "open",
			Targets:   []correction.StubTarget{*recipe.Stub},
			CreatedAt: time.Now().UTC(),
		}
		if err := rs.recorder.OpenStubDebt(debt); err != nil {
			rs.engine.log().Warn("stub debt not persisted", "run", rs.run.ID, "error", err)
		}
		rs.openDebt = debt
		rs.stubMaterialized = true
	}
	rs.run.LastCorrectionReason = fmt.Sprintf("import resolution (%s): %s", recipe.Mode, profile.ImportSignal.Specifier)
	rs.cyclePhase = model.PhaseImportResolutionRecipe
	return false, true, rs.appendCorrection(ctx, recipe.Steps, model.PhaseImportResolutionRecipe)
}

// correctionRequest picks the planner correction phase from learning pressure:
// structural import churn forces architecture reconstruction, repeated stalls
// escalate per the stall ladder, everything else stays in optimization.
func (rs *runState) correctionRequest(ctx context.Context, profile validation.Profile) (string, planner.CorrectionRequest) {
	phase := model.PhaseOptimization

	if recent, err := rs.engine.Store.RecentLearningEvents(ctx, rs.project.ID, 50); err == nil {
		if correction.MeasureImportPressure(recent).StructuralReset() {
			profile.ArchitectureCollapse = true
			profile.PlannerModeOverride = "architecture"
			phase = model.PhaseArchitectureReconstruct
		}
	}
	if phase == model.PhaseOptimization {
		if session, err := rs.engine.Store.ListLearningEvents(ctx, rs.run.ID); err == nil {
			stall := correction.MeasureStallPressure(session, rs.consecutiveStalls, profile.ArchitectureCollapse)
			if esc := stall.Escalation(); esc != "" {
				phase = esc
			}
		}
	}
	if profile.PlannerModeOverride == "architecture" && phase == model.PhaseOptimization {
		phase = model.PhaseArchitectureReconstruct
	}

	_, constraint := correction.Classify(correction.ClassifyInput{
		Phase:             phase,
		Attempt:           rs.run.CorrectionAttempts + 1,
		Report:            &profile,
		MaxFiles:          rs.cfg.MaxFilesPerStep,
		MaxTotalDiffBytes: rs.cfg.MaxTotalDiffBytes,
	})
	return phase, planner.CorrectionRequest{
		RunID:      rs.run.ID,
		Goal:       rs.run.Goal,
		Phase:      phase,
		Attempt:    rs.run.CorrectionAttempts + 1,
		Profile:    profile,
		Constraint: constraint,
	}
}

// appendCorrection splices correction steps at the plan end through the
// optimizing status and resumes execution.
func (rs *runState) appendCorrection(ctx context.Context, steps []model.Step, phase string) error {
	if err := rs.transition(ctx, model.RunOptimizing); err != nil {
		return err
	}
	rs.heavyCorrections += len(steps)
	rs.insertSteps(len(rs.run.Plan), steps)
	if err := rs.transition(ctx, model.RunRunning); err != nil {
		return err
	}
	rs.progress(map[string]any{
		"event": "validation_correction_queued",
		"phase": phase,
		"steps": len(steps),
	})
	return nil
}

func (rs *runState) rollbackAndFail(ctx context.Context, verdict model.ValidationVerdict) error {
	if err := workspace.Rollback(rs.run); err != nil {
		rs.engine.log().Error("rollback to last valid commit failed", "run", rs.run.ID, "error", err)
	} else {
		rs.run.CurrentCommitHash = rs.run.LastValidCommitHash
		rs.progress(map[string]any{
			"event":  "rollback",
			"commit": rs.run.LastValidCommitHash,
		})
	}
	return rs.engine.failRun(ctx, rs.run, &model.RunError{
		Category: model.CategoryHeavyValidationCorrectionLimit,
		Message:  fmt.Sprintf("heavy validation still failing after %d corrections: %s", rs.heavyCorrections, verdict.Summary),
		Details:  map[string]any{"blockingCount": verdict.BlockingCount},
	})
}

// nextValidationCorrection returns the ordinal for the next synthesized
// validation-correction step id.
func (rs *runState) nextValidationCorrection() int {
	n := 1
	for _, s := range rs.run.Plan {
		if s.Correction != nil && s.Correction.Phase != model.PhaseGoal {
			n++
		}
	}
	return n
}

// complete marks the run complete through validating, the only legal path.
func (rs *runState) complete(ctx context.Context) error {
	if rs.run.Status == model.RunRunning {
		if err := rs.transition(ctx, model.RunValidating); err != nil {
			return err
		}
	}
	if rs.run.Status != model.RunComplete {
		if !model.CanTransition(rs.run.Status, model.RunComplete, false) {
			return rs.engine.failRun(ctx, rs.run, &model.RunError{
				Category: model.CategoryStepTransaction,
				Message:  fmt.Sprintf("illegal run transition %s -> complete", rs.run.Status),
			})
		}
		rs.run.Status = model.RunComplete
	}
	now := time.Now().UTC()
	rs.run.FinishedAt = &now
	if err := rs.engine.Store.UpdateRun(ctx, rs.run); err != nil {
		return err
	}
	rs.progress(map[string]any{
		"event":  "run_complete",
		"commit": rs.run.CurrentCommitHash,
		"steps":  len(rs.run.Plan),
	})
	return nil
}

func toMap(v any) map[string]any {
	b, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return map[string]any{}
	}
	return m
}

func toList(v any) []any {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var l []any
	if err := json.Unmarshal(b, &l); err != nil {
		return nil
	}
	return l
}
