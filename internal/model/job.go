package model

import (
	"fmt"
	"strings"
	"time"
)

type JobType string

const (
	JobKernel     JobType = "kernel"
	JobValidation JobType = "validation"
	JobEvaluation JobType = "evaluation"
)

type WorkerRole string

const (
	RoleCompute WorkerRole = "compute"
	RoleEval    WorkerRole = "eval"
)

type JobStatus string

const (
	JobQueued   JobStatus = "queued"
	JobClaimed  JobStatus = "claimed"
	JobRunning  JobStatus = "running"
	JobComplete JobStatus = "complete"
	JobFailed   JobStatus = "failed"
)

// Active reports whether the job counts against the one-active-job-per-run invariant.
func (s JobStatus) Active() bool {
	switch s {
	case JobQueued, JobClaimed, JobRunning:
		return true
	default:
		return false
	}
}

func ParseJobStatus(s string) (JobStatus, error) {
	switch JobStatus(strings.ToLower(strings.TrimSpace(s))) {
	case JobQueued, JobClaimed, JobRunning, JobComplete, JobFailed:
		return JobStatus(strings.ToLower(strings.TrimSpace(s))), nil
	default:
		return "", fmt.Errorf("invalid job status: %q", s)
	}
}

// RunJob is one unit of leased work against a run. At most one job per run may
// be active at a time; the store enforces that with a partial unique index.
type RunJob struct {
	ID                   string         `json:"id"`
	RunID                string         `json:"runId"`
	JobType              JobType        `json:"jobType"`
	TargetRole           WorkerRole     `json:"targetRole"`
	Status               JobStatus      `json:"status"`
	RequiredCapabilities map[string]any `json:"requiredCapabilities"`
	AssignedNode         string         `json:"assignedNode"`
	LeaseExpiresAt       *time.Time     `json:"leaseExpiresAt"`
	AttemptCount         int            `json:"attemptCount"`
	CreatedAt            time.Time      `json:"createdAt"`
	UpdatedAt            time.Time      `json:"updatedAt"`
}

// LeaseExpired reports whether the job's lease has lapsed, authorizing reclaim.
func (j *RunJob) LeaseExpired(now time.Time) bool {
	if !j.Status.Active() || j.Status == JobQueued {
		return false
	}
	return j.LeaseExpiresAt == nil || !j.LeaseExpiresAt.After(now)
}

type WorkerStatus string

const (
	WorkerOnline  WorkerStatus = "online"
	WorkerOffline WorkerStatus = "offline"
)

// WorkerNode is a registered execution node. Role is immutable after registration.
type WorkerNode struct {
	NodeID        string         `json:"nodeId"`
	Role          WorkerRole     `json:"role"`
	Capabilities  map[string]any `json:"capabilities"`
	LastHeartbeat time.Time      `json:"lastHeartbeat"`
	Status        WorkerStatus   `json:"status"`
}

// CapabilitiesSatisfy implements the subset match used by job claims: every
// required key must be present in the worker capabilities with an equal value.
// nil requirements mean "no requirements".
func CapabilitiesSatisfy(required, offered map[string]any) bool {
	if len(required) == 0 {
		return true
	}
	for k, want := range required {
		got, ok := offered[k]
		if !ok {
			return false
		}
		if fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}
