package correction

import (
	"fmt"
	"time"

	"github.com/deeprun/deeprun/internal/model"
)

// NewRuntimeCorrectionPair builds the (mutating correction, retry verify) pair
// inserted after a failing runtime verify step.
func NewRuntimeCorrectionPair(n int, failed model.Step, intent Intent, constraint model.CorrectionConstraint, logs string) []model.Step {
	meta := &model.CorrectionMeta{
		Phase:          model.PhaseGoal,
		Attempt:        n,
		FailedStepID:   failed.ID,
		Classification: string(intent),
		Constraint:     &constraint,
		Summary:        fmt.Sprintf("repair runtime failure of step %s", failed.ID),
		CreatedAt:      time.Now().UTC(),
	}
	correctionStep := model.Step{
		ID:   fmt.Sprintf("%s%d", model.RuntimeCorrectionPrefix, n),
		Type: model.StepModify,
		Tool: model.ToolAIMutation,
		Input: map[string]any{
			"intent":      string(intent),
			"guidance":    constraint.Guidance,
			"runtimeLogs": tail(logs, 4096),
		},
		Correction: meta,
	}
	retryStep := model.Step{
		ID:    fmt.Sprintf("%s%d", model.RuntimeRetryPrefix, n),
		Type:  model.StepVerify,
		Tool:  failed.Tool,
		Input: failed.Input,
	}
	return []model.Step{correctionStep, retryStep}
}

// NewValidationCorrectionStep builds the single mutating step inserted when
// heavy validation fails at plan end.
func NewValidationCorrectionStep(n int, phase string, intent Intent, constraint model.CorrectionConstraint, reason string) model.Step {
	return model.Step{
		ID:   fmt.Sprintf("%s%d", model.ValidationCorrectionPrefix, n),
		Type: model.StepModify,
		Tool: model.ToolAIMutation,
		Input: map[string]any{
			"intent":   string(intent),
			"guidance": constraint.Guidance,
			"reason":   reason,
		},
		Correction: &model.CorrectionMeta{
			Phase:          phase,
			Attempt:        n,
			Classification: string(intent),
			Constraint:     &constraint,
			Summary:        reason,
			CreatedAt:      time.Now().UTC(),
		},
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
