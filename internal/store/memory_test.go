package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/deeprun/deeprun/internal/kernel/contract"
	"github.com/deeprun/deeprun/internal/model"
)

func newRun(t *testing.T, m *Memory, id string) *model.AgentRun {
	t.Helper()
	run := &model.AgentRun{ID: id, ProjectID: "proj-1", Status: model.RunQueued}
	if err := m.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	return run
}

func heartbeat(t *testing.T, m *Memory, nodeID string, role model.WorkerRole, caps map[string]any) {
	t.Helper()
	if err := m.HeartbeatWorker(context.Background(), &model.WorkerNode{
		NodeID: nodeID, Role: role, Capabilities: caps,
	}); err != nil {
		t.Fatalf("heartbeat %s: %v", nodeID, err)
	}
}

func TestEnqueueIsIdempotentOnActiveJob(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	newRun(t, m, "run-1")

	first, err := m.EnqueueJob(ctx, "run-1", model.JobKernel, model.RoleCompute, nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	second, err := m.EnqueueJob(ctx, "run-1", model.JobKernel, model.RoleCompute, nil)
	if err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("re-enqueue created a second active job: %s vs %s", first.ID, second.ID)
	}
}

func TestClaimMatchesRoleAndCapabilities(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	newRun(t, m, "run-1")
	if _, err := m.EnqueueJob(ctx, "run-1", model.JobKernel, model.RoleCompute, map[string]any{"gpu": true}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	heartbeat(t, m, "eval-node", model.RoleEval, map[string]any{"gpu": true})
	if job, _ := m.ClaimNextJob(ctx, ClaimRequest{NodeID: "eval-node", Role: model.RoleEval, Capabilities: map[string]any{"gpu": true}, LeaseSeconds: 30}); job != nil {
		t.Fatalf("wrong role claimed the job")
	}

	heartbeat(t, m, "cpu-node", model.RoleCompute, map[string]any{})
	if job, _ := m.ClaimNextJob(ctx, ClaimRequest{NodeID: "cpu-node", Role: model.RoleCompute, Capabilities: map[string]any{}, LeaseSeconds: 30}); job != nil {
		t.Fatalf("capability-mismatched worker claimed the job")
	}

	heartbeat(t, m, "gpu-node", model.RoleCompute, map[string]any{"gpu": true})
	job, err := m.ClaimNextJob(ctx, ClaimRequest{NodeID: "gpu-node", Role: model.RoleCompute, Capabilities: map[string]any{"gpu": true}, LeaseSeconds: 30})
	if err != nil || job == nil {
		t.Fatalf("matching worker got no job: %v", err)
	}
	if job.Status != model.JobClaimed || job.AssignedNode != "gpu-node" || job.AttemptCount != 1 {
		t.Fatalf("claimed job = %+v", job)
	}
}

func TestClaimSkipsOlderCapabilityMismatches(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	// A deep backlog of docker-requiring jobs must not hide the one job a
	// plain worker can actually take.
	for i := 0; i < 17; i++ {
		id := fmt.Sprintf("run-%d", i)
		newRun(t, m, id)
		caps := map[string]any{"docker": true}
		if i == 16 {
			caps = nil
		}
		if _, err := m.EnqueueJob(ctx, id, model.JobKernel, model.RoleCompute, caps); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	heartbeat(t, m, "plain-node", model.RoleCompute, nil)
	job, err := m.ClaimNextJob(ctx, ClaimRequest{NodeID: "plain-node", Role: model.RoleCompute, LeaseSeconds: 30})
	if err != nil || job == nil {
		t.Fatalf("claim: %v (job=%v)", err, job)
	}
	if job.RunID != "run-16" {
		t.Fatalf("claimed job for %s, want the capability-matched run-16", job.RunID)
	}
}

func TestLeaseExpiryAuthorizesReclaim(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()
	m.SetClock(func() time.Time { return now })
	newRun(t, m, "run-1")
	heartbeat(t, m, "node-a", model.RoleCompute, nil)
	heartbeat(t, m, "node-b", model.RoleCompute, nil)

	if _, err := m.EnqueueJob(ctx, "run-1", model.JobKernel, model.RoleCompute, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := m.ClaimNextJob(ctx, ClaimRequest{NodeID: "node-a", Role: model.RoleCompute, LeaseSeconds: 30})
	if err != nil || job == nil {
		t.Fatalf("claim: %v", err)
	}
	if err := m.MarkJobRunning(ctx, job.ID, "node-a", 30); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	// Lease still valid: nothing to reclaim.
	if stolen, _ := m.ClaimNextJob(ctx, ClaimRequest{NodeID: "node-b", Role: model.RoleCompute, LeaseSeconds: 30}); stolen != nil {
		t.Fatalf("live lease was reclaimed")
	}

	now = now.Add(31 * time.Second)
	stolen, err := m.ClaimNextJob(ctx, ClaimRequest{NodeID: "node-b", Role: model.RoleCompute, LeaseSeconds: 30})
	if err != nil || stolen == nil {
		t.Fatalf("expired lease not reclaimed: %v", err)
	}
	if stolen.AssignedNode != "node-b" || stolen.AttemptCount != 2 {
		t.Fatalf("reclaimed job = %+v", stolen)
	}

	// The evicted worker's next action fails.
	if err := m.RenewJobLease(ctx, job.ID, "node-a", 30); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("evicted worker renew = %v, want ErrLeaseLost", err)
	}
	if err := m.CompleteJob(ctx, job.ID, "node-a"); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("evicted worker complete = %v, want ErrLeaseLost", err)
	}
}

func TestStepRecordUniquenessAndPointers(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	run := newRun(t, m, "run-1")

	rec := &model.StepRecord{RunID: run.ID, StepIndex: 0, Attempt: 1, StepID: "step-1", Type: model.StepModify, Status: model.StepCompleted, CommitHash: "c1"}
	pointers := &RunPointers{BaseCommitHash: "c0", CurrentCommitHash: "c1", LastValidCommitHash: "c1", CurrentStepIndex: 1, LastStepID: "step-1"}
	if err := m.InsertStepRecord(ctx, rec, pointers); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := m.InsertStepRecord(ctx, rec, nil); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate attempt = %v, want ErrConflict", err)
	}

	got, err := m.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.CurrentCommitHash != "c1" || got.CurrentStepIndex != 1 || got.LastStepID != "step-1" {
		t.Fatalf("pointer update not applied: %+v", got)
	}
}

func TestUpdateRunVerifiesContractHash(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	run := &model.AgentRun{ID: "run-1", ProjectID: "proj-1", Status: model.RunQueued}
	c := contract.Build(contract.Default(), "seed", nil)
	contract.AttachTo(run, c)
	if err := m.CreateRun(ctx, run); err != nil {
		t.Fatalf("create: %v", err)
	}

	run.Status = model.RunRunning
	if err := m.UpdateRun(ctx, run); err != nil {
		t.Fatalf("valid update: %v", err)
	}

	// Tamper with the effective config without re-hashing.
	meta := run.Metadata[contract.MetadataKey].(map[string]any)
	cfg := meta["effectiveConfig"].(map[string]any)
	cfg["goalMaxCorrections"] = 99
	if err := m.UpdateRun(ctx, run); err == nil {
		t.Fatalf("tampered contract accepted")
	}
}

func TestRunLockStalePreemption(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()
	m.SetClock(func() time.Time { return now })
	newRun(t, m, "run-1")

	if err := m.AcquireRunLock(ctx, "run-1", "100:abc", 30*time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := m.AcquireRunLock(ctx, "run-1", "200:def", 30*time.Minute); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("fresh lock preempted: %v", err)
	}

	now = now.Add(31 * time.Minute)
	if err := m.AcquireRunLock(ctx, "run-1", "200:def", 30*time.Minute); err != nil {
		t.Fatalf("stale lock not preempted: %v", err)
	}
	if err := m.RefreshRunLock(ctx, "run-1", "100:abc"); !errors.Is(err, ErrLockLost) {
		t.Fatalf("old owner refresh = %v, want ErrLockLost", err)
	}
	if err := m.ReleaseRunLock(ctx, "run-1", "200:def"); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestWorkerRoleIsImmutable(t *testing.T) {
	m := NewMemory()
	heartbeat(t, m, "node-a", model.RoleCompute, nil)
	err := m.HeartbeatWorker(context.Background(), &model.WorkerNode{NodeID: "node-a", Role: model.RoleEval})
	if !errors.Is(err, ErrRoleImmutable) {
		t.Fatalf("role change = %v, want ErrRoleImmutable", err)
	}
}

func TestLearningEventsOrdering(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	newRun(t, m, "run-1")
	for _, pair := range [][2]int{{1, 2}, {0, 1}, {1, 1}} {
		e := &model.LearningEvent{RunID: "run-1", ProjectID: "proj-1", StepIndex: pair[0], Attempt: pair[1]}
		e.Derive()
		if err := m.InsertLearningEvent(ctx, e); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	events, err := m.ListLearningEvents(ctx, "run-1")
	if err != nil || len(events) != 3 {
		t.Fatalf("list: %v (%d)", err, len(events))
	}
	if events[0].StepIndex != 0 || events[1].Attempt != 1 || events[2].Attempt != 2 {
		t.Fatalf("ordering broken: %+v", events)
	}
}
