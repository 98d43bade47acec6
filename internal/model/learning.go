package model

import "time"

// AttemptOutcome classifies one correction attempt for the learning ledger.
type AttemptOutcome string

const (
	OutcomeSuccess           AttemptOutcome = "success"
	OutcomeImproved          AttemptOutcome = "improved"
	OutcomeRegressed         AttemptOutcome = "regressed"
	OutcomeNoop              AttemptOutcome = "noop"
	OutcomeStalled           AttemptOutcome = "stalled"
	OutcomeProvisionallyFixed AttemptOutcome = "provisionally_fixed"
	OutcomeFailed            AttemptOutcome = "failed"
)

// ClassifyAttemptOutcome derives the outcome for an attempt from blocking
// counts and flags. provisionally_fixed applies only when validation passed
// through stub materialization in a non-debt-resolution phase; the caller
// inspects the attempt's phase, not just its outcome.
func ClassifyAttemptOutcome(before, after int, mutated, stubMaterialized bool, phase string) AttemptOutcome {
	switch {
	case after == 0 && stubMaterialized && phase != PhaseDebtResolution:
		return OutcomeProvisionallyFixed
	case after == 0:
		return OutcomeSuccess
	case after < before:
		return OutcomeImproved
	case after > before:
		return OutcomeRegressed
	case mutated:
		return OutcomeStalled
	default:
		return OutcomeNoop
	}
}

// LearningEvent is one append-only correction-attempt row. delta and the flags
// are derived, never free-form: delta = blockingBefore - blockingAfter,
// regressionFlag iff after > before, convergenceFlag iff after == 0.
type LearningEvent struct {
	ID                  string         `json:"id"`
	RunID               string         `json:"runId"`
	ProjectID           string         `json:"projectId"`
	StepIndex           int            `json:"stepIndex"`
	Attempt             int            `json:"attempt"`
	EventType           string         `json:"eventType"`
	Phase               string         `json:"phase"`
	Clusters            []any          `json:"clusters"`
	BlockingBefore      int            `json:"blockingBefore"`
	BlockingAfter       int            `json:"blockingAfter"`
	Delta               int            `json:"delta"`
	RegressionFlag      bool           `json:"regressionFlag"`
	ConvergenceFlag     bool           `json:"convergenceFlag"`
	ArchitectureCollapse bool          `json:"architectureCollapse"`
	InvariantCount      int            `json:"invariantCount"`
	Outcome             AttemptOutcome `json:"outcome"`
	Metadata            map[string]any `json:"metadata"`
	CreatedAt           time.Time      `json:"createdAt"`
}

// Derive fills the computed fields from the blocking counts.
func (e *LearningEvent) Derive() {
	e.Delta = e.BlockingBefore - e.BlockingAfter
	e.RegressionFlag = e.BlockingAfter > e.BlockingBefore
	e.ConvergenceFlag = e.BlockingAfter == 0
}
