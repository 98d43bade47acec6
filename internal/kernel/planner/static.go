package planner

import (
	"context"
	"fmt"
	"time"

	"github.com/deeprun/deeprun/internal/kernel/correction"
	"github.com/deeprun/deeprun/internal/model"
)

// Static is a deterministic planner used by local profiles and tests: it
// serves a fixed initial plan and synthesizes corrections from the classifier
// constraint without calling a provider.
type Static struct {
	// Steps is returned verbatim by Plan. Leave empty to plan a single
	// goal-describing mutation step.
	Steps []model.Step
}

var _ Planner = (*Static)(nil)

func (s *Static) Plan(ctx context.Context, req PlanRequest) ([]model.Step, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.Steps) > 0 {
		out := make([]model.Step, len(s.Steps))
		copy(out, s.Steps)
		return out, nil
	}
	return []model.Step{
		{
			ID:   "step-1",
			Type: model.StepModify,
			Tool: model.ToolAIMutation,
			Input: map[string]any{
				"goal": req.Goal,
			},
		},
	}, nil
}

func (s *Static) PlanRuntimeCorrection(ctx context.Context, req RuntimeCorrectionRequest) ([]model.Step, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pair := correction.NewRuntimeCorrectionPair(
		req.Attempt,
		req.FailedStep,
		correction.Intent(req.Classification),
		req.Constraint,
		req.RuntimeLogs,
	)
	return pair, nil
}

func (s *Static) PlanCorrection(ctx context.Context, req CorrectionRequest) ([]model.Step, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	reason := req.Profile.Reason
	if reason == "" {
		reason = fmt.Sprintf("correction attempt %d", req.Attempt)
	}
	step := correction.NewValidationCorrectionStep(
		req.Attempt,
		req.Phase,
		correction.Intent(req.Constraint.Intent),
		req.Constraint,
		reason,
	)
	step.Correction.CreatedAt = time.Now().UTC()
	return []model.Step{step}, nil
}
