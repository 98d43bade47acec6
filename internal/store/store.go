// Package store persists runs, steps, jobs, workers, projects and learning
// events. Two implementations exist: Postgres (production, pgx) and Memory
// (tests, single process). Both enforce the same invariants: at most one
// active job per run, unique (runId, stepIndex, attempt) step records, and
// contract-hash verification on every run update.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/deeprun/deeprun/internal/model"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrConflict      = errors.New("store: conflict")
	ErrLockHeld      = errors.New("store: run lock held by another owner")
	ErrLockLost      = errors.New("store: run lock lost")
	ErrLeaseLost     = errors.New("store: job lease not owned")
	ErrRoleImmutable = errors.New("store: worker role is immutable")
)

// RunPointers is the commit-pointer update applied atomically with a step
// record insert.
type RunPointers struct {
	BaseCommitHash      string
	CurrentCommitHash   string
	LastValidCommitHash string
	CurrentStepIndex    int
	LastStepID          string
}

// ClaimRequest identifies the worker asking for a job.
type ClaimRequest struct {
	NodeID       string
	Role         model.WorkerRole
	Capabilities map[string]any
	LeaseSeconds int
}

// Store is the durable coordination surface shared by the queue, the lock and
// the engine.
type Store interface {
	// Projects.
	CreateProject(ctx context.Context, p *model.Project) error
	GetProject(ctx context.Context, id string) (*model.Project, error)

	// Runs. UpdateRun re-verifies the stored execution-contract hash and
	// fails with a CONTRACT_MISMATCH error when it no longer matches the
	// effective config.
	CreateRun(ctx context.Context, run *model.AgentRun) error
	GetRun(ctx context.Context, id string) (*model.AgentRun, error)
	UpdateRun(ctx context.Context, run *model.AgentRun) error

	// Steps. InsertStepRecord optionally applies the commit-pointer update
	// in the same transaction. (runId, stepIndex, attempt) is unique.
	InsertStepRecord(ctx context.Context, rec *model.StepRecord, pointers *RunPointers) error
	ListStepRecords(ctx context.Context, runID string) ([]model.StepRecord, error)

	// Jobs.
	EnqueueJob(ctx context.Context, runID string, jobType model.JobType, role model.WorkerRole, requiredCapabilities map[string]any) (*model.RunJob, error)
	ClaimNextJob(ctx context.Context, req ClaimRequest) (*model.RunJob, error)
	MarkJobRunning(ctx context.Context, jobID, nodeID string, leaseSeconds int) error
	RenewJobLease(ctx context.Context, jobID, nodeID string, leaseSeconds int) error
	CompleteJob(ctx context.Context, jobID, nodeID string) error
	FailJob(ctx context.Context, jobID, nodeID string) error
	GetJob(ctx context.Context, jobID string) (*model.RunJob, error)
	ActiveJobForRun(ctx context.Context, runID string) (*model.RunJob, error)

	// Workers.
	HeartbeatWorker(ctx context.Context, node *model.WorkerNode) error
	MarkWorkerOffline(ctx context.Context, nodeID string) error
	GetWorker(ctx context.Context, nodeID string) (*model.WorkerNode, error)

	// Run execution lock (advisory; value "<pid>:<requestId>").
	AcquireRunLock(ctx context.Context, runID, owner string, staleAfter time.Duration) error
	RefreshRunLock(ctx context.Context, runID, owner string) error
	ReleaseRunLock(ctx context.Context, runID, owner string) error

	// Learning events (append-only).
	InsertLearningEvent(ctx context.Context, event *model.LearningEvent) error
	ListLearningEvents(ctx context.Context, runID string) ([]model.LearningEvent, error)
	RecentLearningEvents(ctx context.Context, projectID string, limit int) ([]model.LearningEvent, error)
}
