package model

import (
	"fmt"
	"strings"
	"time"
)

type StepType string

const (
	StepAnalyze StepType = "analyze"
	StepModify  StepType = "modify"
	StepVerify  StepType = "verify"
)

func ParseStepType(s string) (StepType, error) {
	switch StepType(strings.ToLower(strings.TrimSpace(s))) {
	case StepAnalyze, StepModify, StepVerify:
		return StepType(strings.ToLower(strings.TrimSpace(s))), nil
	default:
		return "", fmt.Errorf("invalid step type: %q", s)
	}
}

// Tool identifiers the kernel gives special treatment. Other tools are passed
// through to the tool executor untouched.
const (
	ToolWriteFile           = "write_file"
	ToolApplyPatch          = "apply_patch"
	ToolAIMutation          = "ai_mutation"
	ToolRunPreviewContainer = "run_preview_container"
)

// Correction step id prefixes. A step whose id starts with one of these was
// synthesized by the kernel to repair a preceding failure.
const (
	RuntimeCorrectionPrefix    = "runtime-correction-"
	ValidationCorrectionPrefix = "validation-correction-"
	RuntimeRetryPrefix         = "runtime-retry-"
)

// Correction phases recorded in a correction step's reasoning record.
const (
	PhaseGoal                    = "goal"
	PhaseOptimization            = "optimization"
	PhaseImportResolutionRecipe  = "import_resolution_recipe"
	PhaseDebtResolution          = "debt_resolution"
	PhaseFeatureReintegration    = "feature_reintegration"
	PhaseArchitectureReconstruct = "architecture_reconstruction"
)

// CorrectionConstraint bounds what a single correction step may touch.
type CorrectionConstraint struct {
	Intent             string   `json:"intent"`
	MaxFiles           int      `json:"maxFiles"`
	MaxTotalDiffBytes  int      `json:"maxTotalDiffBytes"`
	AllowedPathPrefixes []string `json:"allowedPathPrefixes"`
	Guidance           []string `json:"guidance"`
}

// CorrectionMeta is the reasoning record embedded in a synthesized correction step.
type CorrectionMeta struct {
	Phase          string                `json:"phase"`
	Attempt        int                   `json:"attempt"`
	FailedStepID   string                `json:"failedStepId"`
	Classification string                `json:"classification"`
	Constraint     *CorrectionConstraint `json:"constraint,omitempty"`
	Summary        string                `json:"summary"`
	CreatedAt      time.Time             `json:"createdAt"`
}

// Step is one plan element. Correction steps additionally carry a reasoning record.
type Step struct {
	ID         string          `json:"id"`
	Type       StepType        `json:"type"`
	Tool       string          `json:"tool"`
	Input      map[string]any  `json:"input"`
	Correction *CorrectionMeta `json:"_deepCorrection,omitempty"`
}

// Mutates reports whether executing the step may modify repository files.
func (s Step) Mutates() bool {
	if s.Type == StepModify {
		return true
	}
	switch s.Tool {
	case ToolWriteFile, ToolApplyPatch, ToolAIMutation:
		return true
	}
	return false
}

// IsCorrection reports whether the step was synthesized by the kernel.
func (s Step) IsCorrection() bool {
	return strings.HasPrefix(s.ID, RuntimeCorrectionPrefix) ||
		strings.HasPrefix(s.ID, ValidationCorrectionPrefix) ||
		s.Correction != nil
}

type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// StepRecord is the append-only execution artifact for one attempt of one
// plan position. (runId, stepIndex, attempt) is unique; attempt is monotonic
// within the (run, stepIndex) pair.
type StepRecord struct {
	RunID         string         `json:"runId"`
	StepIndex     int            `json:"stepIndex"`
	Attempt       int            `json:"attempt"`
	StepID        string         `json:"stepId"`
	Type          StepType       `json:"type"`
	Tool          string         `json:"tool"`
	InputPayload  map[string]any `json:"inputPayload"`
	OutputPayload map[string]any `json:"outputPayload"`
	Status        StepStatus     `json:"status"`
	ErrorMessage  string         `json:"errorMessage"`
	CommitHash    string         `json:"commitHash"`
	RuntimeStatus string         `json:"runtimeStatus"`
	StartedAt     time.Time      `json:"startedAt"`
	FinishedAt    time.Time      `json:"finishedAt"`
	CreatedAt     time.Time      `json:"createdAt"`
}
