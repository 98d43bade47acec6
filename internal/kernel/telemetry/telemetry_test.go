package telemetry

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/deeprun/deeprun/internal/kernel/correction"
	"github.com/deeprun/deeprun/internal/model"
	"github.com/deeprun/deeprun/internal/workspace"
)

type captureSink struct {
	events []*model.LearningEvent
}

func (s *captureSink) InsertLearningEvent(_ context.Context, e *model.LearningEvent) error {
	s.events = append(s.events, e)
	return nil
}

func TestRecordDerivesAndAppends(t *testing.T) {
	root := t.TempDir()
	sink := &captureSink{}
	rec := NewRecorder(root, sink)

	for attempt := 1; attempt <= 2; attempt++ {
		e := &model.LearningEvent{
			RunID:          "run-1",
			ProjectID:      "proj-1",
			StepIndex:      3,
			Attempt:        attempt,
			EventType:      "correction_attempt",
			Phase:          model.PhaseGoal,
			BlockingBefore: 4,
			BlockingAfter:  4 - attempt*2,
			Outcome:        model.OutcomeImproved,
		}
		if err := rec.Record(context.Background(), e); err != nil {
			t.Fatalf("record attempt %d: %v", attempt, err)
		}
	}

	if len(sink.events) != 2 {
		t.Fatalf("sink got %d events", len(sink.events))
	}
	if sink.events[0].Delta != 2 || sink.events[0].ConvergenceFlag {
		t.Fatalf("derive broken: %+v", sink.events[0])
	}
	if !sink.events[1].ConvergenceFlag {
		t.Fatalf("blockingAfter=0 must set convergence: %+v", sink.events[1])
	}

	feed := filepath.Join(workspace.LearningDir(root), "runs", "run-1.jsonl")
	f, err := os.Open(feed)
	if err != nil {
		t.Fatalf("open feed: %v", err)
	}
	defer f.Close()
	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e model.LearningEvent
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("feed line %d: %v", lines+1, err)
		}
		lines++
	}
	if lines != 2 {
		t.Fatalf("feed has %d lines", lines)
	}
}

func TestSnapshotIsExclusive(t *testing.T) {
	root := t.TempDir()
	rec := NewRecorder(root, nil)
	e := &model.LearningEvent{RunID: "run-2", StepIndex: 1, Attempt: 1}
	if err := rec.Record(context.Background(), e); err != nil {
		t.Fatalf("first record: %v", err)
	}
	replay := &model.LearningEvent{RunID: "run-2", StepIndex: 1, Attempt: 1}
	if err := rec.Record(context.Background(), replay); err == nil {
		t.Fatalf("replayed attempt must not overwrite its snapshot")
	}
}

func TestStubDebtLedgerLifecycle(t *testing.T) {
	root := t.TempDir()
	rec := NewRecorder(root, nil)
	debt := &correction.StubDebt{
		RunID:     "run-3",
		ProjectID: "proj-1",
		StepIndex: 2,
		Attempt:   1,
		Targets:   []correction.StubTarget{{Path: "src/dto/missing.ts", Hash: "aa"}},
	}
	if err := rec.OpenStubDebt(debt); err != nil {
		t.Fatalf("open: %v", err)
	}

	open, err := rec.OpenStubDebts("run-3")
	if err != nil || len(open) != 1 {
		t.Fatalf("open debts = %v err=%v", open, err)
	}

	if err := rec.CloseStubDebt(debt); err != nil {
		t.Fatalf("close: %v", err)
	}
	loaded, err := rec.LoadStubDebt("run-3", 2, 1)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Status != "closed" || loaded.ClosedAt == nil {
		t.Fatalf("ledger not closed: %+v", loaded)
	}
	open, err = rec.OpenStubDebts("run-3")
	if err != nil || len(open) != 0 {
		t.Fatalf("closed debt still listed open: %v err=%v", open, err)
	}
}
