package correction

import "github.com/deeprun/deeprun/internal/model"

const (
	// Sample window for import-pressure statistics.
	importPressureWindow = 20

	importPressureRegressionRate = 0.25

	// Stall-pressure thresholds.
	stallPressureMinEvents = 8
	stallPressureRate      = 0.5
	architectureStallRuns  = 2
)

// ImportPressure are the aggregate statistics over recent import-resolution
// attempts that decide whether the deterministic recipe should yield to a
// structural reset.
type ImportPressure struct {
	SampleSize     int     `json:"sampleSize"`
	RegressionRate float64 `json:"regressionRate"`
	AvgDelta       float64 `json:"avgDelta"`
}

// StructuralReset reports whether the recipe has been net-negative lately and
// the planner should take over with architectureCollapse set.
func (p ImportPressure) StructuralReset() bool {
	if p.SampleSize == 0 {
		return false
	}
	return p.RegressionRate >= importPressureRegressionRate || p.AvgDelta <= 0
}

// MeasureImportPressure aggregates over the most recent events (oldest first
// in the input; only the trailing window counts).
func MeasureImportPressure(events []model.LearningEvent) ImportPressure {
	if len(events) > importPressureWindow {
		events = events[len(events)-importPressureWindow:]
	}
	p := ImportPressure{SampleSize: len(events)}
	if len(events) == 0 {
		return p
	}
	regressed := 0
	deltaSum := 0
	for _, e := range events {
		if e.RegressionFlag {
			regressed++
		}
		deltaSum += e.Delta
	}
	p.RegressionRate = float64(regressed) / float64(len(events))
	p.AvgDelta = float64(deltaSum) / float64(len(events))
	return p
}

// StallPressure summarizes micro-targeted stall behaviour for escalation.
type StallPressure struct {
	SessionEvents        int     `json:"sessionEvents"`
	SessionStallRate     float64 `json:"sessionStallRate"`
	ConsecutiveRunStalls int     `json:"consecutiveRunStalls"`
	StructuralMismatch   bool    `json:"structuralMismatch"`
}

// MeasureStallPressure aggregates session-scoped events plus the current run's
// consecutive stall streak.
func MeasureStallPressure(sessionEvents []model.LearningEvent, consecutiveRunStalls int, structuralMismatch bool) StallPressure {
	p := StallPressure{
		SessionEvents:        len(sessionEvents),
		ConsecutiveRunStalls: consecutiveRunStalls,
		StructuralMismatch:   structuralMismatch,
	}
	if len(sessionEvents) == 0 {
		return p
	}
	stalled := 0
	for _, e := range sessionEvents {
		if e.Outcome == model.OutcomeStalled || e.Outcome == model.OutcomeNoop {
			stalled++
		}
	}
	p.SessionStallRate = float64(stalled) / float64(len(sessionEvents))
	return p
}

// Escalation returns the correction phase micro-targeted stalls escalate to:
// empty when no escalation applies, feature_reintegration for a fresh stall,
// architecture_reconstruction after repeated stalls or structural mismatch.
func (p StallPressure) Escalation() string {
	sessionStalling := p.SessionEvents >= stallPressureMinEvents && p.SessionStallRate >= stallPressureRate
	if !sessionStalling && p.ConsecutiveRunStalls < 1 {
		return ""
	}
	if p.ConsecutiveRunStalls >= architectureStallRuns || p.StructuralMismatch {
		return model.PhaseArchitectureReconstruct
	}
	return model.PhaseFeatureReintegration
}
