package queue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deeprun/deeprun/internal/model"
	"github.com/deeprun/deeprun/internal/store"
)

type countingExecutor struct {
	executed atomic.Int32
	block    chan struct{}
	fail     bool
}

func (e *countingExecutor) Execute(ctx context.Context, job *model.RunJob) error {
	e.executed.Add(1)
	if e.block != nil {
		select {
		case <-e.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if e.fail {
		return context.DeadlineExceeded
	}
	return nil
}

func seedRunAndJob(t *testing.T, m *store.Memory, runID string) *model.RunJob {
	t.Helper()
	ctx := context.Background()
	if err := m.CreateRun(ctx, &model.AgentRun{ID: runID, Status: model.RunQueued}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	job, err := m.EnqueueJob(ctx, runID, model.JobKernel, model.RoleCompute, nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return job
}

func TestWorkerExecutesAndCompletesJob(t *testing.T) {
	m := store.NewMemory()
	job := seedRunAndJob(t, m, "run-1")

	exec := &countingExecutor{}
	w := NewWorker(Config{
		NodeID:       "node-a",
		Role:         model.RoleCompute,
		LeaseSeconds: 30,
		PollInterval: 10 * time.Millisecond,
	}, m, exec, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	deadline := time.After(3 * time.Second)
	for {
		got, err := m.GetJob(context.Background(), job.ID)
		if err == nil && got.Status == model.JobComplete {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("job never completed: %+v", got)
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if exec.executed.Load() != 1 {
		t.Fatalf("executor ran %d times", exec.executed.Load())
	}
	worker, err := m.GetWorker(context.Background(), "node-a")
	if err != nil || worker.Status != model.WorkerOffline {
		t.Fatalf("worker not marked offline on shutdown: %+v err=%v", worker, err)
	}
}

func TestWorkerMarksFailedJob(t *testing.T) {
	m := store.NewMemory()
	job := seedRunAndJob(t, m, "run-1")

	exec := &countingExecutor{fail: true}
	w := NewWorker(Config{
		NodeID:       "node-a",
		Role:         model.RoleCompute,
		LeaseSeconds: 30,
		PollInterval: 10 * time.Millisecond,
	}, m, exec, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	deadline := time.After(3 * time.Second)
	for {
		got, err := m.GetJob(context.Background(), job.ID)
		if err == nil && got.Status == model.JobFailed {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("job never failed: %+v", got)
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestWorkerIgnoresWrongRoleJobs(t *testing.T) {
	m := store.NewMemory()
	job := seedRunAndJob(t, m, "run-1")

	exec := &countingExecutor{}
	w := NewWorker(Config{
		NodeID:       "eval-node",
		Role:         model.RoleEval,
		LeaseSeconds: 30,
		PollInterval: 5 * time.Millisecond,
	}, m, exec, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = w.Run(ctx)

	got, err := m.GetJob(context.Background(), job.ID)
	if err != nil || got.Status != model.JobQueued {
		t.Fatalf("compute job touched by eval worker: %+v err=%v", got, err)
	}
	if exec.executed.Load() != 0 {
		t.Fatalf("executor ran for wrong-role job")
	}
}
