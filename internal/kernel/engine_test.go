package kernel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/deeprun/deeprun/internal/gitutil"
	"github.com/deeprun/deeprun/internal/kernel/contract"
	"github.com/deeprun/deeprun/internal/kernel/correction"
	"github.com/deeprun/deeprun/internal/kernel/planner"
	"github.com/deeprun/deeprun/internal/model"
	"github.com/deeprun/deeprun/internal/store"
	"github.com/deeprun/deeprun/internal/workspace"
)

// scriptTools serves scripted outputs per step id and falls back to echoing a
// step's own proposedChanges, or to a generic single-file mutation for
// synthesized ai_mutation steps.
type scriptTools struct {
	outputs map[string][]map[string]any
	calls   int
}

func (s *scriptTools) ExecuteTool(ctx context.Context, run *model.AgentRun, step model.Step, worktree string) (map[string]any, error) {
	s.calls++
	if outs := s.outputs[step.ID]; len(outs) > 0 {
		out := outs[0]
		s.outputs[step.ID] = outs[1:]
		return out, nil
	}
	if pc, ok := step.Input["proposedChanges"]; ok {
		return map[string]any{"proposedChanges": pc}, nil
	}
	if step.Mutates() {
		action := "update"
		if _, err := os.Stat(filepath.Join(worktree, "src", "app.ts")); os.IsNotExist(err) {
			action = "create"
		}
		return map[string]any{
			"proposedChanges": []any{map[string]any{
				"action":  action,
				"path":    "src/app.ts",
				"content": fmt.Sprintf("export const revision = %d;\n", s.calls),
			}},
		}, nil
	}
	return map[string]any{}, nil
}

type fakeHeavy struct {
	verdicts []model.ValidationVerdict
}

func (f *fakeHeavy) ValidateHeavy(ctx context.Context, worktree string) (model.ValidationVerdict, error) {
	if len(f.verdicts) == 0 {
		return model.ValidationVerdict{OK: true, Summary: "all checks passed"}, nil
	}
	v := f.verdicts[0]
	f.verdicts = f.verdicts[1:]
	return v, nil
}

func failedVerdict(failures ...model.ValidationFailure) model.ValidationVerdict {
	return model.ValidationVerdict{
		OK:            false,
		BlockingCount: len(failures),
		Summary:       "blocking failures",
		Failures:      failures,
	}
}

func seedProjectRepo(t *testing.T, projectRoot string) {
	t.Helper()
	if err := os.MkdirAll(projectRoot, 0o755); err != nil {
		t.Fatalf("mkdir project root: %v", err)
	}
	if err := gitutil.InitRepo(projectRoot); err != nil {
		t.Fatalf("init repo: %v", err)
	}
	if err := os.WriteFile(filepath.Join(projectRoot, "README.md"), []byte("seed\n"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	if err := gitutil.AddAll(projectRoot); err != nil {
		t.Fatalf("git add: %v", err)
	}
	if _, err := gitutil.CommitStaged(projectRoot, "initial import"); err != nil {
		t.Fatalf("seed commit: %v", err)
	}
}

type harness struct {
	engine  *Engine
	store   *store.Memory
	tools   *scriptTools
	heavy   *fakeHeavy
	project *model.Project
	root    string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	m := store.NewMemory()
	project := &model.Project{
		ID:          "proj-1",
		OrgID:       "org-1",
		WorkspaceID: "ws-1",
		Template:    "service",
	}
	if err := m.CreateProject(context.Background(), project); err != nil {
		t.Fatalf("create project: %v", err)
	}
	root := t.TempDir()
	seedProjectRepo(t, workspace.ProjectRoot(root, project.OrgID, project.WorkspaceID, project.ID))

	tools := &scriptTools{outputs: map[string][]map[string]any{}}
	heavy := &fakeHeavy{}
	return &harness{
		engine: &Engine{
			Store:         m,
			Planner:       &planner.Static{},
			Tools:         tools,
			Heavy:         heavy,
			WorkspaceRoot: root,
		},
		store:   m,
		tools:   tools,
		heavy:   heavy,
		project: project,
		root:    root,
	}
}

func (h *harness) newRun(t *testing.T, id string, cfg contract.ExecutionConfig, plan []model.Step) *model.AgentRun {
	t.Helper()
	run := &model.AgentRun{
		ID:        id,
		ProjectID: h.project.ID,
		Goal:      "add a health endpoint to the service",
		Status:    model.RunQueued,
		Plan:      plan,
	}
	contract.AttachTo(run, contract.Build(cfg, "seed-"+id, nil))
	if err := h.store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}

func modifyStep(id, path, content string) model.Step {
	return model.Step{
		ID:   id,
		Type: model.StepModify,
		Tool: model.ToolWriteFile,
		Input: map[string]any{
			"proposedChanges": []any{map[string]any{
				"action":  "create",
				"path":    path,
				"content": content,
			}},
		},
	}
}

func TestExecuteRunHappyPath(t *testing.T) {
	h := newHarness(t)
	run := h.newRun(t, "run-happy", contract.Default(), []model.Step{
		modifyStep("step-1", "src/app.ts", "export const ok = true;\n"),
	})

	if err := h.engine.ExecuteRun(context.Background(), run, h.project); err != nil {
		t.Fatalf("execute: %v", err)
	}

	got, err := h.store.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("reload run: %v", err)
	}
	if got.Status != model.RunComplete {
		t.Fatalf("status = %s, want complete (%s)", got.Status, got.ErrorMessage)
	}
	if got.ValidationStatus == nil || *got.ValidationStatus != model.ValidationPassed {
		t.Fatalf("validation status = %v, want passed", got.ValidationStatus)
	}
	if got.CurrentCommitHash == "" || got.CurrentCommitHash == got.BaseCommitHash {
		t.Fatalf("commit pointer did not advance: base=%s current=%s", got.BaseCommitHash, got.CurrentCommitHash)
	}
	if got.LastValidCommitHash != got.CurrentCommitHash {
		t.Fatalf("lastValid=%s, want %s", got.LastValidCommitHash, got.CurrentCommitHash)
	}
	if got.FinishedAt == nil {
		t.Fatalf("finishedAt not set")
	}
	if got.RunBranch != "run/"+run.ID {
		t.Fatalf("branch = %q", got.RunBranch)
	}

	records, err := h.store.ListStepRecords(context.Background(), run.ID)
	if err != nil || len(records) != 1 {
		t.Fatalf("records = %d (%v), want 1", len(records), err)
	}
	rec := records[0]
	if rec.Status != model.StepCompleted || rec.CommitHash != got.CurrentCommitHash {
		t.Fatalf("record %+v does not carry the run commit", rec)
	}

	if _, err := os.Stat(filepath.Join(got.WorktreePath, "src", "app.ts")); err != nil {
		t.Fatalf("mutation not applied: %v", err)
	}
}

func TestExecuteRunRuntimeCorrectionPair(t *testing.T) {
	h := newHarness(t)
	cfg := contract.Default()
	cfg.HeavyValidationMode = model.ModeOff
	run := h.newRun(t, "run-runtime", cfg, []model.Step{
		modifyStep("step-1", "src/server.ts", "export const port = 3000;\n"),
		{ID: "step-2", Type: model.StepVerify, Tool: model.ToolRunPreviewContainer, Input: map[string]any{}},
	})
	h.tools.outputs["step-2"] = []map[string]any{
		{"runtimeStatus": "failed", "logs": "Error: listen EADDRINUSE: address already in use :::3000"},
	}
	h.tools.outputs["runtime-retry-1"] = []map[string]any{
		{"runtimeStatus": "healthy"},
	}

	if err := h.engine.ExecuteRun(context.Background(), run, h.project); err != nil {
		t.Fatalf("execute: %v", err)
	}

	got, _ := h.store.GetRun(context.Background(), run.ID)
	if got.Status != model.RunComplete {
		t.Fatalf("status = %s (%s), want complete", got.Status, got.ErrorMessage)
	}
	if len(got.Plan) != 4 {
		t.Fatalf("plan length = %d, want 4 (original pair + correction pair)", len(got.Plan))
	}
	if got.Plan[2].ID != "runtime-correction-1" || got.Plan[3].ID != "runtime-retry-1" {
		t.Fatalf("correction pair = %s, %s", got.Plan[2].ID, got.Plan[3].ID)
	}
	if got.Plan[2].Correction == nil || got.Plan[2].Correction.Classification != "runtime_boot" {
		t.Fatalf("correction classification = %+v, want runtime_boot", got.Plan[2].Correction)
	}

	records, _ := h.store.ListStepRecords(context.Background(), run.ID)
	if len(records) != 4 {
		t.Fatalf("records = %d, want 4", len(records))
	}
	if records[1].RuntimeStatus != "failed" || records[3].RuntimeStatus != "healthy" {
		t.Fatalf("runtime statuses = %q, %q", records[1].RuntimeStatus, records[3].RuntimeStatus)
	}
	if records[2].CommitHash == "" {
		t.Fatalf("correction step committed nothing")
	}
	if got.CurrentCommitHash != records[2].CommitHash {
		t.Fatalf("current pointer %s, want correction commit %s", got.CurrentCommitHash, records[2].CommitHash)
	}
}

func TestExecuteRunRuntimeCorrectionLimit(t *testing.T) {
	h := newHarness(t)
	cfg := contract.Default()
	cfg.HeavyValidationMode = model.ModeOff
	cfg.GoalMaxCorrections = 1
	run := h.newRun(t, "run-runtime-limit", cfg, []model.Step{
		{ID: "step-1", Type: model.StepVerify, Tool: model.ToolRunPreviewContainer, Input: map[string]any{}},
	})
	h.tools.outputs["step-1"] = []map[string]any{
		{"runtimeStatus": "failed", "logs": "Error: listen EADDRINUSE :::3000"},
	}
	h.tools.outputs["runtime-retry-1"] = []map[string]any{
		{"runtimeStatus": "failed", "logs": "Error: Cannot find module 'express'"},
	}

	err := h.engine.ExecuteRun(context.Background(), run, h.project)
	if err == nil {
		t.Fatalf("expected run failure")
	}
	got, _ := h.store.GetRun(context.Background(), run.ID)
	if got.Status != model.RunFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.ErrorDetails["category"] != model.CategoryRuntimeCorrectionLimit {
		t.Fatalf("error category = %v, want runtime_correction_limit", got.ErrorDetails["category"])
	}
}

func TestExecuteRunRuntimeConvergenceEnforce(t *testing.T) {
	h := newHarness(t)
	cfg := contract.Default()
	cfg.HeavyValidationMode = model.ModeOff
	cfg.CorrectionConvergenceMode = model.ModeEnforce
	run := h.newRun(t, "run-converge", cfg, []model.Step{
		modifyStep("step-1", "src/server.ts", "export const port = 3000;\n"),
		{ID: "step-2", Type: model.StepVerify, Tool: model.ToolRunPreviewContainer, Input: map[string]any{}},
	})
	boot := "Error: listen EADDRINUSE: address already in use :::3000"
	h.tools.outputs["step-2"] = []map[string]any{
		{"runtimeStatus": "failed", "logs": boot},
	}
	h.tools.outputs["runtime-retry-1"] = []map[string]any{
		{"runtimeStatus": "failed", "logs": boot},
	}

	err := h.engine.ExecuteRun(context.Background(), run, h.project)
	if err == nil {
		t.Fatalf("expected convergence failure")
	}
	got, _ := h.store.GetRun(context.Background(), run.ID)
	if got.Status != model.RunFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.ErrorDetails["category"] != model.CategoryRuntimeCorrectionConvergence {
		t.Fatalf("error category = %v, want runtime_correction_convergence", got.ErrorDetails["category"])
	}
}

func TestExecuteRunRuntimeConvergenceWarnPersistsWarning(t *testing.T) {
	h := newHarness(t)
	cfg := contract.Default()
	cfg.HeavyValidationMode = model.ModeOff
	cfg.CorrectionConvergenceMode = model.ModeWarn
	run := h.newRun(t, "run-converge-warn", cfg, []model.Step{
		modifyStep("step-1", "src/server.ts", "export const port = 3000;\n"),
		{ID: "step-2", Type: model.StepVerify, Tool: model.ToolRunPreviewContainer, Input: map[string]any{}},
	})
	boot := "Error: listen EADDRINUSE: address already in use :::3000"
	h.tools.outputs["step-2"] = []map[string]any{
		{"runtimeStatus": "failed", "logs": boot},
	}
	h.tools.outputs["runtime-retry-1"] = []map[string]any{
		{"runtimeStatus": "failed", "logs": boot},
	}
	h.tools.outputs["runtime-retry-2"] = []map[string]any{
		{"runtimeStatus": "healthy"},
	}

	if err := h.engine.ExecuteRun(context.Background(), run, h.project); err != nil {
		t.Fatalf("execute: %v", err)
	}
	got, _ := h.store.GetRun(context.Background(), run.ID)
	if got.Status != model.RunComplete {
		t.Fatalf("status = %s (%s), want complete under warn mode", got.Status, got.ErrorMessage)
	}

	records, _ := h.store.ListStepRecords(context.Background(), run.ID)
	var warned bool
	for _, rec := range records {
		if rec.StepID != "runtime-retry-1" {
			continue
		}
		if w, ok := rec.OutputPayload["convergenceWarning"].(string); ok && w != "" {
			warned = true
		}
	}
	if !warned {
		t.Fatalf("runtime-retry-1 record lacks a persisted convergenceWarning")
	}
}

func TestExecuteRunContractMismatch(t *testing.T) {
	h := newHarness(t)
	run := h.newRun(t, "run-tampered", contract.Default(), []model.Step{
		modifyStep("step-1", "src/app.ts", "export const ok = true;\n"),
	})

	// Tamper with the stored effective config after sealing.
	c := contract.Build(contract.Default(), "seed-run-tampered", nil)
	c.EffectiveConfig.GoalMaxCorrections = 1
	contract.AttachTo(run, c)

	err := h.engine.ExecuteRun(context.Background(), run, h.project)
	if err == nil {
		t.Fatalf("expected contract mismatch")
	}
	var re *model.RunError
	if !errors.As(err, &re) || re.Code != model.CodeContractMismatch {
		t.Fatalf("error = %v, want CONTRACT_MISMATCH", err)
	}
	if run.Status != model.RunFailed {
		t.Fatalf("status = %s, want failed", run.Status)
	}
	if run.ErrorDetails["code"] != model.CodeContractMismatch {
		t.Fatalf("errorDetails = %v", run.ErrorDetails)
	}
	if run.ErrorDetails["source"] != "agent_kernel" {
		t.Fatalf("errorDetails source = %v", run.ErrorDetails["source"])
	}
}

func TestExecuteRunLockContentionLeavesRunUntouched(t *testing.T) {
	h := newHarness(t)
	run := h.newRun(t, "run-locked", contract.Default(), []model.Step{
		modifyStep("step-1", "src/app.ts", "export const ok = true;\n"),
	})
	if err := h.store.AcquireRunLock(context.Background(), run.ID, "999:OTHEROWNER", 30*time.Minute); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	if err := h.engine.ExecuteRun(context.Background(), run, h.project); err == nil {
		t.Fatalf("expected lock contention error")
	}
	got, _ := h.store.GetRun(context.Background(), run.ID)
	if got.Status != model.RunQueued {
		t.Fatalf("status = %s, want queued (lock contention must not transition)", got.Status)
	}
}

func TestExecuteRunImportRecipeAndStubDebtPaydown(t *testing.T) {
	h := newHarness(t)
	run := h.newRun(t, "run-recipe", contract.Default(), []model.Step{
		modifyStep("step-1", "src/app.ts",
			"import { MissingDto } from './dto/missing';\n\nexport const x = new MissingDto();\n"),
	})
	h.heavy.verdicts = []model.ValidationVerdict{
		failedVerdict(model.ValidationFailure{
			Check:   "typecheck",
			Message: "TS2307: Cannot find module './dto/missing'",
			File:    "src/app.ts",
		}),
		{OK: true, Summary: "all checks passed"},
		{OK: true, Summary: "all checks passed"},
	}

	if err := h.engine.ExecuteRun(context.Background(), run, h.project); err != nil {
		t.Fatalf("execute: %v", err)
	}

	got, _ := h.store.GetRun(context.Background(), run.ID)
	if got.Status != model.RunComplete {
		t.Fatalf("status = %s (%s), want complete", got.Status, got.ErrorMessage)
	}

	var recipePhase, debtPhase bool
	for _, s := range got.Plan {
		if s.Correction == nil {
			continue
		}
		switch s.Correction.Phase {
		case model.PhaseImportResolutionRecipe:
			recipePhase = true
		case model.PhaseDebtResolution:
			debtPhase = true
		}
	}
	if !recipePhase || !debtPhase {
		t.Fatalf("plan lacks recipe/debt phases: recipe=%v debt=%v", recipePhase, debtPhase)
	}

	stub, err := os.ReadFile(filepath.Join(got.WorktreePath, "src", "dto", "missing.ts"))
	if err != nil {
		t.Fatalf("stub module missing: %v", err)
	}
	if correction.HasStubMarker(string(stub)) {
		t.Fatalf("stub marker survived debt resolution:\n%s", stub)
	}
	if !strings.Contains(string(stub), "MissingDto") {
		t.Fatalf("replacement module lost the export:\n%s", stub)
	}

	events, _ := h.store.ListLearningEvents(context.Background(), run.ID)
	var provisional, paidDown bool
	for _, ev := range events {
		if ev.Outcome == model.OutcomeProvisionallyFixed {
			provisional = true
		}
		if ev.EventType == "debt_resolution" && ev.Metadata["debtPaidDown"] == true {
			paidDown = true
		}
	}
	if !provisional {
		t.Fatalf("no provisionally_fixed learning event: %+v", events)
	}
	if !paidDown {
		t.Fatalf("no debt_resolution event with debtPaidDown: %+v", events)
	}
}

func TestExecuteRunValidationAutoCorrectionCap(t *testing.T) {
	h := newHarness(t)
	run := h.newRun(t, "run-cap", contract.Default(), []model.Step{
		modifyStep("step-1", "src/app.ts", "export const ok = true;\n"),
	})
	stubborn := failedVerdict(model.ValidationFailure{
		Check:   "test",
		Message: "expected 200 but received 500",
		File:    "src/modules/auth/auth.test.ts",
	})
	h.heavy.verdicts = []model.ValidationVerdict{stubborn, stubborn, stubborn}

	err := h.engine.ExecuteRun(context.Background(), run, h.project)
	if err == nil {
		t.Fatalf("expected run failure after auto-correction cap")
	}
	got, _ := h.store.GetRun(context.Background(), run.ID)
	if got.Status != model.RunFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.CorrectionAttempts != model.MaxValidationAutoCorrections {
		t.Fatalf("correctionAttempts = %d, want %d", got.CorrectionAttempts, model.MaxValidationAutoCorrections)
	}
	if got.ErrorDetails["category"] != model.CategoryHeavyValidation {
		t.Fatalf("error category = %v, want heavy_validation", got.ErrorDetails["category"])
	}
	// Both planner corrections executed and were recorded.
	var corrections int
	records, _ := h.store.ListStepRecords(context.Background(), run.ID)
	for _, rec := range records {
		if strings.HasPrefix(rec.StepID, model.ValidationCorrectionPrefix) {
			corrections++
		}
	}
	if corrections != 2 {
		t.Fatalf("correction records = %d, want 2", corrections)
	}
}

func TestExecuteRunHeavyWarnCompletesDespiteFailure(t *testing.T) {
	h := newHarness(t)
	cfg := contract.Default()
	cfg.HeavyValidationMode = model.ModeWarn
	run := h.newRun(t, "run-warn", cfg, []model.Step{
		modifyStep("step-1", "src/app.ts", "export const ok = true;\n"),
	})
	h.heavy.verdicts = []model.ValidationVerdict{
		failedVerdict(model.ValidationFailure{Check: "test", Message: "flaky assertion"}),
	}

	if err := h.engine.ExecuteRun(context.Background(), run, h.project); err != nil {
		t.Fatalf("execute: %v", err)
	}
	got, _ := h.store.GetRun(context.Background(), run.ID)
	if got.Status != model.RunComplete {
		t.Fatalf("status = %s, want complete under warn mode", got.Status)
	}
	if got.ValidationStatus == nil || *got.ValidationStatus != model.ValidationFailed {
		t.Fatalf("validation status = %v, want failed", got.ValidationStatus)
	}
}
