package model

import (
	"strings"
	"testing"
)

func TestCanTransitionTable(t *testing.T) {
	cases := []struct {
		from, to RunStatus
		reentry  bool
		want     bool
	}{
		{RunQueued, RunRunning, false, true},
		{RunRunning, RunCorrecting, false, true},
		{RunRunning, RunOptimizing, false, true},
		{RunRunning, RunValidating, false, true},
		{RunCorrecting, RunRunning, false, true},
		{RunOptimizing, RunRunning, false, true},
		{RunValidating, RunComplete, false, true},
		{RunValidating, RunFailed, false, true},
		{RunValidating, RunRunning, false, false},
		{RunQueued, RunOptimizing, false, false},
		{RunFailed, RunRunning, false, false},
		{RunFailed, RunRunning, true, false},
		{RunCancelled, RunRunning, true, false},
		// complete is terminal except for auto-correction re-entry.
		{RunComplete, RunRunning, false, false},
		{RunComplete, RunRunning, true, true},
		{RunComplete, RunValidating, true, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to, c.reentry); got != c.want {
			t.Errorf("CanTransition(%s, %s, %v) = %v, want %v", c.from, c.to, c.reentry, got, c.want)
		}
	}
}

func TestValidateRunBranch(t *testing.T) {
	if err := ValidateRunBranch("run/abc-123", "abc-123"); err != nil {
		t.Fatalf("valid branch rejected: %v", err)
	}
	if err := ValidateRunBranch("feature/abc", "abc"); err == nil {
		t.Fatalf("non run/ branch accepted")
	}
	if err := ValidateRunBranch("run/has space", "has space"); err == nil {
		t.Fatalf("invalid characters accepted")
	}
	long := strings.Repeat("a", 101)
	if err := ValidateRunBranch("run/"+long, long); err == nil {
		t.Fatalf("over-long suffix accepted")
	}
	exact := strings.Repeat("a", 100)
	if err := ValidateRunBranch("run/"+exact, exact); err != nil {
		t.Fatalf("100-char suffix rejected: %v", err)
	}
}

func TestClassifyAttemptOutcome(t *testing.T) {
	cases := []struct {
		name             string
		before, after    int
		mutated, stubbed bool
		phase            string
		want             AttemptOutcome
	}{
		{"clean pass", 3, 0, true, false, PhaseGoal, OutcomeSuccess},
		{"stub-backed pass", 3, 0, true, true, PhaseImportResolutionRecipe, OutcomeProvisionallyFixed},
		{"debt-resolution pass is success", 1, 0, true, true, PhaseDebtResolution, OutcomeSuccess},
		{"fewer blockers", 5, 2, true, false, PhaseGoal, OutcomeImproved},
		{"more blockers", 2, 4, true, false, PhaseGoal, OutcomeRegressed},
		{"same count with changes", 3, 3, true, false, PhaseGoal, OutcomeStalled},
		{"same count without changes", 3, 3, false, false, PhaseGoal, OutcomeNoop},
	}
	for _, c := range cases {
		if got := ClassifyAttemptOutcome(c.before, c.after, c.mutated, c.stubbed, c.phase); got != c.want {
			t.Errorf("%s: got %s, want %s", c.name, got, c.want)
		}
	}
}

func TestLearningEventDerive(t *testing.T) {
	ev := LearningEvent{BlockingBefore: 5, BlockingAfter: 2}
	ev.Derive()
	if ev.Delta != 3 || ev.RegressionFlag || ev.ConvergenceFlag {
		t.Fatalf("derive = %+v", ev)
	}
	ev = LearningEvent{BlockingBefore: 1, BlockingAfter: 3}
	ev.Derive()
	if ev.Delta != -2 || !ev.RegressionFlag {
		t.Fatalf("regression derive = %+v", ev)
	}
	ev = LearningEvent{BlockingBefore: 2, BlockingAfter: 0}
	ev.Derive()
	if !ev.ConvergenceFlag {
		t.Fatalf("convergence derive = %+v", ev)
	}
}
