package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deeprun/deeprun/internal/kernel/contract"
	"github.com/deeprun/deeprun/internal/model"
)

// Memory is the in-process Store used by tests and the local profile. It
// mirrors the Postgres semantics, including the one-active-job-per-run
// invariant and lease-based reclaim, under a single mutex.
type Memory struct {
	mu sync.Mutex

	projects map[string]*model.Project
	runs     map[string]*model.AgentRun
	steps    map[string][]model.StepRecord
	jobs     map[string]*model.RunJob
	workers  map[string]*model.WorkerNode
	events   map[string][]model.LearningEvent // keyed by runID

	now func() time.Time
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		projects: map[string]*model.Project{},
		runs:     map[string]*model.AgentRun{},
		steps:    map[string][]model.StepRecord{},
		jobs:     map[string]*model.RunJob{},
		workers:  map[string]*model.WorkerNode{},
		events:   map[string][]model.LearningEvent{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source; tests use it to expire leases.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) CreateProject(_ context.Context, p *model.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if _, exists := m.projects[p.ID]; exists {
		return ErrConflict
	}
	p.CreatedAt = m.now()
	p.UpdatedAt = p.CreatedAt
	cp := *p
	m.projects[p.ID] = &cp
	return nil
}

func (m *Memory) GetProject(_ context.Context, id string) (*model.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) CreateRun(_ context.Context, run *model.AgentRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if _, exists := m.runs[run.ID]; exists {
		return ErrConflict
	}
	if err := verifyRunContract(run); err != nil {
		return err
	}
	run.CreatedAt = m.now()
	run.UpdatedAt = run.CreatedAt
	cp := cloneRun(run)
	m.runs[run.ID] = cp
	return nil
}

func (m *Memory) GetRun(_ context.Context, id string) (*model.AgentRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRun(run), nil
}

func (m *Memory) UpdateRun(_ context.Context, run *model.AgentRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; !ok {
		return ErrNotFound
	}
	if err := verifyRunContract(run); err != nil {
		return err
	}
	run.UpdatedAt = m.now()
	m.runs[run.ID] = cloneRun(run)
	return nil
}

// verifyRunContract recomputes the stored contract hash; a mismatch means the
// effective config was tampered with after sealing.
func verifyRunContract(run *model.AgentRun) error {
	if run.Metadata == nil {
		return nil
	}
	if _, ok := run.Metadata[contract.MetadataKey]; !ok {
		return nil
	}
	c, err := contract.FromRunMetadata(run.Metadata)
	if err != nil {
		return err
	}
	return contract.Verify(c)
}

func (m *Memory) InsertStepRecord(_ context.Context, rec *model.StepRecord, pointers *RunPointers) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.steps[rec.RunID] {
		if existing.StepIndex == rec.StepIndex && existing.Attempt == rec.Attempt {
			return ErrConflict
		}
	}
	run, ok := m.runs[rec.RunID]
	if !ok {
		return ErrNotFound
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.now()
	}
	m.steps[rec.RunID] = append(m.steps[rec.RunID], *rec)
	if pointers != nil {
		run.BaseCommitHash = pointers.BaseCommitHash
		run.CurrentCommitHash = pointers.CurrentCommitHash
		run.LastValidCommitHash = pointers.LastValidCommitHash
		run.CurrentStepIndex = pointers.CurrentStepIndex
		run.LastStepID = pointers.LastStepID
		run.UpdatedAt = m.now()
	}
	return nil
}

func (m *Memory) ListStepRecords(_ context.Context, runID string) ([]model.StepRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := append([]model.StepRecord(nil), m.steps[runID]...)
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].StepIndex != records[j].StepIndex {
			return records[i].StepIndex < records[j].StepIndex
		}
		if records[i].Attempt != records[j].Attempt {
			return records[i].Attempt < records[j].Attempt
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

func (m *Memory) EnqueueJob(_ context.Context, runID string, jobType model.JobType, role model.WorkerRole, requiredCapabilities map[string]any) (*model.RunJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[runID]; !ok {
		return nil, ErrNotFound
	}
	if existing := m.activeJobLocked(runID); existing != nil {
		cp := *existing
		return &cp, nil
	}
	now := m.now()
	job := &model.RunJob{
		ID:                   uuid.NewString(),
		RunID:                runID,
		JobType:              jobType,
		TargetRole:           role,
		Status:               model.JobQueued,
		RequiredCapabilities: requiredCapabilities,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	m.jobs[job.ID] = job
	cp := *job
	return &cp, nil
}

func (m *Memory) activeJobLocked(runID string) *model.RunJob {
	for _, j := range m.jobs {
		if j.RunID == runID && j.Status.Active() {
			return j
		}
	}
	return nil
}

func (m *Memory) ClaimNextJob(_ context.Context, req ClaimRequest) (*model.RunJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	worker, ok := m.workers[req.NodeID]
	if !ok || worker.Status != model.WorkerOnline {
		return nil, nil
	}
	now := m.now()
	var eligible []*model.RunJob
	for _, j := range m.jobs {
		if j.TargetRole != req.Role {
			continue
		}
		if !model.CapabilitiesSatisfy(j.RequiredCapabilities, req.Capabilities) {
			continue
		}
		if j.Status == model.JobQueued || j.LeaseExpired(now) {
			eligible = append(eligible, j)
		}
	}
	if len(eligible) == 0 {
		return nil, nil
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].CreatedAt.Before(eligible[j].CreatedAt) })
	job := eligible[0]
	lease := now.Add(time.Duration(req.LeaseSeconds) * time.Second)
	job.Status = model.JobClaimed
	job.AssignedNode = req.NodeID
	job.AttemptCount++
	job.LeaseExpiresAt = &lease
	job.UpdatedAt = now
	cp := *job
	return &cp, nil
}

func (m *Memory) MarkJobRunning(_ context.Context, jobID, nodeID string, leaseSeconds int) error {
	return m.withOwnedJob(jobID, nodeID, func(j *model.RunJob, now time.Time) error {
		if j.Status != model.JobClaimed {
			return ErrConflict
		}
		lease := now.Add(time.Duration(leaseSeconds) * time.Second)
		j.Status = model.JobRunning
		j.LeaseExpiresAt = &lease
		return nil
	})
}

func (m *Memory) RenewJobLease(_ context.Context, jobID, nodeID string, leaseSeconds int) error {
	return m.withOwnedJob(jobID, nodeID, func(j *model.RunJob, now time.Time) error {
		if !j.Status.Active() || j.Status == model.JobQueued {
			return ErrLeaseLost
		}
		lease := now.Add(time.Duration(leaseSeconds) * time.Second)
		j.LeaseExpiresAt = &lease
		return nil
	})
}

func (m *Memory) CompleteJob(_ context.Context, jobID, nodeID string) error {
	return m.withOwnedJob(jobID, nodeID, func(j *model.RunJob, _ time.Time) error {
		j.Status = model.JobComplete
		j.LeaseExpiresAt = nil
		return nil
	})
}

func (m *Memory) FailJob(_ context.Context, jobID, nodeID string) error {
	return m.withOwnedJob(jobID, nodeID, func(j *model.RunJob, _ time.Time) error {
		j.Status = model.JobFailed
		j.LeaseExpiresAt = nil
		return nil
	})
}

func (m *Memory) withOwnedJob(jobID, nodeID string, fn func(*model.RunJob, time.Time) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if j.AssignedNode != nodeID {
		return ErrLeaseLost
	}
	now := m.now()
	if err := fn(j, now); err != nil {
		return err
	}
	j.UpdatedAt = now
	return nil
}

func (m *Memory) GetJob(_ context.Context, jobID string) (*model.RunJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *Memory) ActiveJobForRun(_ context.Context, runID string) (*model.RunJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j := m.activeJobLocked(runID); j != nil {
		cp := *j
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (m *Memory) HeartbeatWorker(_ context.Context, node *model.WorkerNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	existing, ok := m.workers[node.NodeID]
	if ok {
		if existing.Role != node.Role {
			return ErrRoleImmutable
		}
		existing.Capabilities = node.Capabilities
		existing.LastHeartbeat = now
		existing.Status = model.WorkerOnline
		node.LastHeartbeat = now
		node.Status = model.WorkerOnline
		return nil
	}
	node.LastHeartbeat = now
	node.Status = model.WorkerOnline
	cp := *node
	m.workers[node.NodeID] = &cp
	return nil
}

func (m *Memory) MarkWorkerOffline(_ context.Context, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[nodeID]
	if !ok {
		return ErrNotFound
	}
	w.Status = model.WorkerOffline
	return nil
}

func (m *Memory) GetWorker(_ context.Context, nodeID string) (*model.WorkerNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[nodeID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *Memory) AcquireRunLock(_ context.Context, runID, owner string, staleAfter time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	now := m.now()
	if run.RunLockOwner != "" && run.RunLockOwner != owner {
		stale := run.RunLockAcquiredAt != nil && now.Sub(*run.RunLockAcquiredAt) > staleAfter
		if !stale {
			return ErrLockHeld
		}
	}
	run.RunLockOwner = owner
	run.RunLockAcquiredAt = &now
	run.UpdatedAt = now
	return nil
}

func (m *Memory) RefreshRunLock(_ context.Context, runID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	if run.RunLockOwner != owner {
		return ErrLockLost
	}
	now := m.now()
	run.RunLockAcquiredAt = &now
	return nil
}

func (m *Memory) ReleaseRunLock(_ context.Context, runID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	if run.RunLockOwner != owner {
		return ErrLockLost
	}
	run.RunLockOwner = ""
	run.RunLockAcquiredAt = nil
	return nil
}

func (m *Memory) InsertLearningEvent(_ context.Context, event *model.LearningEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = m.now()
	}
	m.events[event.RunID] = append(m.events[event.RunID], *event)
	return nil
}

func (m *Memory) ListLearningEvents(_ context.Context, runID string) ([]model.LearningEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := append([]model.LearningEvent(nil), m.events[runID]...)
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].StepIndex != events[j].StepIndex {
			return events[i].StepIndex < events[j].StepIndex
		}
		return events[i].Attempt < events[j].Attempt
	})
	return events, nil
}

func (m *Memory) RecentLearningEvents(_ context.Context, projectID string, limit int) ([]model.LearningEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []model.LearningEvent
	for _, events := range m.events {
		for _, e := range events {
			if e.ProjectID == projectID {
				all = append(all, e)
			}
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func cloneRun(run *model.AgentRun) *model.AgentRun {
	cp := *run
	cp.Plan = append([]model.Step(nil), run.Plan...)
	return &cp
}
