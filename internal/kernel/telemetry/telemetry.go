// Package telemetry persists the learning trail of correction attempts:
// per-run JSONL feeds, immutable snapshots, the stub-debt ledger, and
// learning_events rows through an injected sink.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/deeprun/deeprun/internal/kernel/correction"
	"github.com/deeprun/deeprun/internal/model"
	"github.com/deeprun/deeprun/internal/workspace"
)

// EventSink receives the durable learning_events rows. The run store
// implements it; tests may drop events on the floor.
type EventSink interface {
	InsertLearningEvent(ctx context.Context, event *model.LearningEvent) error
}

// Recorder writes attempt artifacts under the project's learning directory.
type Recorder struct {
	projectRoot string
	sink        EventSink
}

func NewRecorder(projectRoot string, sink EventSink) *Recorder {
	return &Recorder{projectRoot: projectRoot, sink: sink}
}

// Record derives the event's computed fields, appends it to the run's JSONL
// feed, writes the immutable snapshot, and forwards the row to the sink.
// Artifact failures do not block the sink write: the database row is the
// durable record, the files are diagnostics.
func (r *Recorder) Record(ctx context.Context, event *model.LearningEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	event.Derive()

	artifactErr := r.appendFeed(event)
	if snapErr := r.writeSnapshot(event); artifactErr == nil {
		artifactErr = snapErr
	}
	if r.sink != nil {
		if err := r.sink.InsertLearningEvent(ctx, event); err != nil {
			return fmt.Errorf("insert learning event: %w", err)
		}
	}
	return artifactErr
}

func (r *Recorder) appendFeed(event *model.LearningEvent) error {
	dir := filepath.Join(workspace.LearningDir(r.projectRoot), "runs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	line, err := json.Marshal(event)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, event.RunID+".jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

// writeSnapshot creates the per-attempt snapshot with O_EXCL so a replayed
// attempt can never overwrite history.
func (r *Recorder) writeSnapshot(event *model.LearningEvent) error {
	dir := filepath.Join(workspace.LearningDir(r.projectRoot), "snapshots")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	name := fmt.Sprintf("%s_%d_%d.json", event.RunID, event.StepIndex, event.Attempt)
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("snapshot %s already exists", name)
		}
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(event)
}

// OpenStubDebt records a freshly materialized stub in the ledger with
// status=open.
func (r *Recorder) OpenStubDebt(debt *correction.StubDebt) error {
	debt.Status = "open"
	if debt.CreatedAt.IsZero() {
		debt.CreatedAt = time.Now().UTC()
	}
	return r.writeStubDebt(debt)
}

// CloseStubDebt flips the ledger record to closed once paydown is verified.
func (r *Recorder) CloseStubDebt(debt *correction.StubDebt) error {
	debt.Status = "closed"
	now := time.Now().UTC()
	debt.ClosedAt = &now
	return r.writeStubDebt(debt)
}

// LoadStubDebt reads back the ledger record for one attempt.
func (r *Recorder) LoadStubDebt(runID string, stepIndex, attempt int) (*correction.StubDebt, error) {
	data, err := os.ReadFile(r.stubDebtPath(runID, stepIndex, attempt))
	if err != nil {
		return nil, err
	}
	var debt correction.StubDebt
	if err := json.Unmarshal(data, &debt); err != nil {
		return nil, err
	}
	return &debt, nil
}

// OpenStubDebts lists ledger records still carrying status=open for a run.
func (r *Recorder) OpenStubDebts(runID string) ([]correction.StubDebt, error) {
	dir := filepath.Join(workspace.LearningDir(r.projectRoot), "stub-debt")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var open []correction.StubDebt
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		var debt correction.StubDebt
		if err := json.Unmarshal(data, &debt); err != nil {
			continue
		}
		if debt.RunID == runID && debt.Status == "open" {
			open = append(open, debt)
		}
	}
	return open, nil
}

func (r *Recorder) writeStubDebt(debt *correction.StubDebt) error {
	dir := filepath.Join(workspace.LearningDir(r.projectRoot), "stub-debt")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(debt, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(r.stubDebtPath(debt.RunID, debt.StepIndex, debt.Attempt), append(data, '\n'), 0o644)
}

func (r *Recorder) stubDebtPath(runID string, stepIndex, attempt int) string {
	name := fmt.Sprintf("%s_%d_%d.json", runID, stepIndex, attempt)
	return filepath.Join(workspace.LearningDir(r.projectRoot), "stub-debt", name)
}
