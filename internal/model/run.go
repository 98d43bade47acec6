package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

type RunStatus string

const (
	RunQueued     RunStatus = "queued"
	RunRunning    RunStatus = "running"
	RunCorrecting RunStatus = "correcting"
	RunOptimizing RunStatus = "optimizing"
	RunValidating RunStatus = "validating"
	RunCancelled  RunStatus = "cancelled"
	RunFailed     RunStatus = "failed"
	RunComplete   RunStatus = "complete"
)

func ParseRunStatus(s string) (RunStatus, error) {
	switch RunStatus(strings.ToLower(strings.TrimSpace(s))) {
	case RunQueued, RunRunning, RunCorrecting, RunOptimizing, RunValidating,
		RunCancelled, RunFailed, RunComplete:
		return RunStatus(strings.ToLower(strings.TrimSpace(s))), nil
	default:
		return "", fmt.Errorf("invalid run status: %q", s)
	}
}

// Terminal reports whether the status ends a run. Note that complete is
// terminal for every caller except the auto-correction re-entry path; see
// CanTransition.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCancelled, RunFailed, RunComplete:
		return true
	default:
		return false
	}
}

// Executing reports whether a run in this status owns (or may own) an active job.
func (s RunStatus) Executing() bool {
	switch s {
	case RunQueued, RunRunning, RunCorrecting, RunOptimizing, RunValidating:
		return true
	default:
		return false
	}
}

var allowedRunTransitions = map[RunStatus][]RunStatus{
	RunQueued:     {RunRunning, RunCancelled, RunFailed, RunComplete},
	RunRunning:    {RunRunning, RunCorrecting, RunOptimizing, RunValidating, RunComplete, RunFailed, RunCancelled},
	RunCorrecting: {RunRunning, RunFailed, RunCancelled},
	RunOptimizing: {RunRunning, RunFailed, RunCancelled},
	RunValidating: {RunComplete, RunFailed, RunCancelled},
}

// CanTransition validates a run status transition. The sole legal way out of
// complete is back to running when a validation verdict failed and a
// correction plan has been appended; callers signal that with
// autoCorrectionReentry. failed and cancelled never transition.
func CanTransition(from, to RunStatus, autoCorrectionReentry bool) bool {
	if from == RunComplete {
		return autoCorrectionReentry && to == RunRunning
	}
	for _, allowed := range allowedRunTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

type ValidationStatus string

const (
	ValidationPassed ValidationStatus = "passed"
	ValidationFailed ValidationStatus = "failed"
)

// AgentRun is the central entity: one goal-driven mutation attempt against an
// isolated worktree, with full version-control bookkeeping.
type AgentRun struct {
	ID              string `json:"id"`
	ProjectID       string `json:"projectId"`
	OrgID           string `json:"orgId"`
	WorkspaceID     string `json:"workspaceId"`
	CreatedByUserID string `json:"createdByUserId"`

	Goal       string `json:"goal"`
	ProviderID string `json:"providerId"`
	Model      string `json:"model"`

	Status RunStatus `json:"status"`

	Plan             []Step `json:"plan"`
	CurrentStepIndex int    `json:"currentStepIndex"`
	LastStepID       string `json:"lastStepId"`

	RunBranch           string `json:"runBranch"`
	WorktreePath        string `json:"worktreePath"`
	BaseCommitHash      string `json:"baseCommitHash"`
	CurrentCommitHash   string `json:"currentCommitHash"`
	LastValidCommitHash string `json:"lastValidCommitHash"`

	ValidationStatus *ValidationStatus `json:"validationStatus"`
	ValidationResult map[string]any    `json:"validationResult"`
	ValidatedAt      *time.Time        `json:"validatedAt"`

	CorrectionAttempts   int    `json:"correctionAttempts"`
	LastCorrectionReason string `json:"lastCorrectionReason"`

	RunLockOwner      string     `json:"runLockOwner"`
	RunLockAcquiredAt *time.Time `json:"runLockAcquiredAt"`

	// Metadata carries the normalized execution contract (schema version,
	// hash, material, effective config, fallback flags) plus opaque caller
	// annotations.
	Metadata map[string]any `json:"metadata"`

	ErrorMessage string         `json:"errorMessage"`
	ErrorDetails map[string]any `json:"errorDetails"`

	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	FinishedAt *time.Time `json:"finishedAt"`
}

const (
	// MaxValidationAutoCorrections bounds the outer validation auto-correction loop.
	MaxValidationAutoCorrections = 2
	// MaxInvariantRetries bounds per-attempt invariant-guard retries.
	MaxInvariantRetries = 3
)

const RunBranchPrefix = "run/"

var runBranchPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// RunBranchFor returns the canonical branch name for a run id.
func RunBranchFor(runID string) string {
	return RunBranchPrefix + runID
}

// ValidateRunBranch enforces the run/<id> naming contract: the suffix must be
// a filesystem-safe identifier of at most 100 characters.
func ValidateRunBranch(branch, runID string) error {
	if branch != RunBranchFor(runID) {
		return fmt.Errorf("run branch %q does not match required %q", branch, RunBranchFor(runID))
	}
	suffix := strings.TrimPrefix(branch, RunBranchPrefix)
	if suffix == "" {
		return fmt.Errorf("run branch %q has empty id suffix", branch)
	}
	if len(suffix) > 100 {
		return fmt.Errorf("run branch suffix exceeds 100 characters: %q", branch)
	}
	if !runBranchPattern.MatchString(suffix) {
		return fmt.Errorf("run branch suffix has invalid characters: %q", branch)
	}
	return nil
}

// Project owns a workspace root directory <root>/<orgId>/<workspaceId>/<projectId>.
type Project struct {
	ID          string         `json:"id"`
	OrgID       string         `json:"orgId"`
	WorkspaceID string         `json:"workspaceId"`
	Template    string         `json:"template"`
	History     []any          `json:"history"`
	Messages    []any          `json:"messages"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// TemplateCanonicalBackend is the project template whose ai_mutation steps run
// the pre-commit invariant guard.
const TemplateCanonicalBackend = "canonical-backend"
