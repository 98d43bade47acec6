// Package planner defines the pluggable planning interface the engine calls
// for initial plans and for correction plans it cannot derive deterministically.
// Concrete providers (AI-backed or scripted) are injected by the caller.
package planner

import (
	"context"
	"time"

	"github.com/deeprun/deeprun/internal/kernel/validation"
	"github.com/deeprun/deeprun/internal/model"
)

// PlanRequest describes the initial planning call.
type PlanRequest struct {
	RunID     string
	ProjectID string
	Goal      string
	Template  string
	Profile   string
	// ModeOverride is set when a validation profile demanded an
	// architecture-level replan.
	ModeOverride string
}

// RuntimeCorrectionRequest asks for a repair of a failed runtime verify.
type RuntimeCorrectionRequest struct {
	RunID        string
	Goal         string
	FailedStep   model.Step
	Attempt      int
	RuntimeLogs  string
	Constraint   model.CorrectionConstraint
	Classification string
}

// CorrectionRequest asks for a generic correction plan from a validation
// profile.
type CorrectionRequest struct {
	RunID      string
	Goal       string
	Phase      string
	Attempt    int
	Profile    validation.Profile
	Constraint model.CorrectionConstraint
}

// Planner is the facade the engine depends on. Implementations must respect
// the context deadline; the engine derives it from the contract's planner
// timeout.
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) ([]model.Step, error)
	PlanRuntimeCorrection(ctx context.Context, req RuntimeCorrectionRequest) ([]model.Step, error)
	PlanCorrection(ctx context.Context, req CorrectionRequest) ([]model.Step, error)
}

// WithTimeout derives the planner call context from the contract's timeout.
func WithTimeout(ctx context.Context, timeoutMS int) (context.Context, context.CancelFunc) {
	if timeoutMS <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(timeoutMS)*time.Millisecond)
}
