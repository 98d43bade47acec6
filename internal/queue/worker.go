// Package queue implements leased worker dispatch over the job store: workers
// heartbeat, claim capability-matched jobs, renew leases while executing, and
// release them as complete or failed. Lease expiry authorizes reclaim by
// another worker.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/deeprun/deeprun/internal/model"
	"github.com/deeprun/deeprun/internal/runlock"
	"github.com/deeprun/deeprun/internal/store"
)

var (
	jobsClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deeprun_worker_jobs_claimed_total",
		Help: "Jobs claimed by this worker, by job type.",
	}, []string{"job_type"})
	jobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deeprun_worker_jobs_completed_total",
		Help: "Jobs completed by this worker, by job type.",
	}, []string{"job_type"})
	jobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deeprun_worker_jobs_failed_total",
		Help: "Jobs failed by this worker, by job type.",
	}, []string{"job_type"})
	leaseLosses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deeprun_worker_lease_losses_total",
		Help: "Times this worker lost a job lease mid-execution.",
	})
)

// Executor runs one claimed job to completion. The engine implements it for
// kernel jobs.
type Executor interface {
	Execute(ctx context.Context, job *model.RunJob) error
}

// Config tunes a worker loop.
type Config struct {
	NodeID       string
	Role         model.WorkerRole
	Capabilities map[string]any
	LeaseSeconds int
	PollInterval time.Duration
	HeartbeatInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.LeaseSeconds <= 0 {
		c.LeaseSeconds = 60
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	return c
}

// Worker claims and executes jobs until its context is cancelled.
type Worker struct {
	cfg      Config
	store    store.Store
	executor Executor
	log      *slog.Logger
}

func NewWorker(cfg Config, s store.Store, executor Executor, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{cfg: cfg.withDefaults(), store: s, executor: executor, log: log}
}

// Run is the worker main loop: heartbeat, claim, execute, repeat. It returns
// when ctx is cancelled, after marking the node offline.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.heartbeat(ctx); err != nil {
		return err
	}
	heartbeatTicker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer heartbeatTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			offCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := w.store.MarkWorkerOffline(offCtx, w.cfg.NodeID); err != nil {
				w.log.Warn("mark offline failed", "node", w.cfg.NodeID, "error", err)
			}
			return ctx.Err()
		case <-heartbeatTicker.C:
			if err := w.heartbeat(ctx); err != nil {
				w.log.Warn("heartbeat failed", "node", w.cfg.NodeID, "error", err)
			}
		default:
		}

		job, err := w.store.ClaimNextJob(ctx, store.ClaimRequest{
			NodeID:       w.cfg.NodeID,
			Role:         w.cfg.Role,
			Capabilities: w.cfg.Capabilities,
			LeaseSeconds: w.cfg.LeaseSeconds,
		})
		if err != nil {
			w.log.Error("claim failed", "error", err)
			sleepCtx(ctx, runlock.Jitter(w.cfg.PollInterval))
			continue
		}
		if job == nil {
			// Jittered so idle workers don't poll in lockstep.
			sleepCtx(ctx, runlock.Jitter(w.cfg.PollInterval))
			continue
		}
		w.runJob(ctx, job)
	}
}

func (w *Worker) heartbeat(ctx context.Context) error {
	return w.store.HeartbeatWorker(ctx, &model.WorkerNode{
		NodeID:       w.cfg.NodeID,
		Role:         w.cfg.Role,
		Capabilities: w.cfg.Capabilities,
	})
}

func (w *Worker) runJob(ctx context.Context, job *model.RunJob) {
	jobsClaimed.WithLabelValues(string(job.JobType)).Inc()
	log := w.log.With("job", job.ID, "run", job.RunID, "type", string(job.JobType))

	if err := w.store.MarkJobRunning(ctx, job.ID, w.cfg.NodeID, w.cfg.LeaseSeconds); err != nil {
		// Another worker reclaimed between claim and start.
		log.Warn("job no longer ours", "error", err)
		leaseLosses.Inc()
		return
	}

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	renewalDone := make(chan struct{})
	go w.renewLoop(execCtx, job.ID, cancel, renewalDone)

	err := w.executor.Execute(execCtx, job)
	cancel()
	<-renewalDone

	finishCtx, finishCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer finishCancel()
	if err != nil {
		log.Error("job failed", "error", err)
		jobsFailed.WithLabelValues(string(job.JobType)).Inc()
		if ferr := w.store.FailJob(finishCtx, job.ID, w.cfg.NodeID); ferr != nil {
			if errors.Is(ferr, store.ErrLeaseLost) {
				leaseLosses.Inc()
			}
			log.Warn("fail-job update lost", "error", ferr)
		}
		return
	}
	jobsCompleted.WithLabelValues(string(job.JobType)).Inc()
	if cerr := w.store.CompleteJob(finishCtx, job.ID, w.cfg.NodeID); cerr != nil {
		if errors.Is(cerr, store.ErrLeaseLost) {
			leaseLosses.Inc()
		}
		log.Warn("complete-job update lost", "error", cerr)
	}
}

// renewLoop keeps the lease alive while the executor runs. Losing the lease
// cancels the execution context so the engine aborts on its next lock refresh.
func (w *Worker) renewLoop(ctx context.Context, jobID string, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	interval := time.Duration(w.cfg.LeaseSeconds) * time.Second / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.RenewJobLease(ctx, jobID, w.cfg.NodeID, w.cfg.LeaseSeconds); err != nil {
				if errors.Is(err, store.ErrLeaseLost) {
					leaseLosses.Inc()
					w.log.Warn("lease lost, aborting execution", "job", jobID)
					cancel()
					return
				}
				w.log.Warn("lease renewal failed", "job", jobID, "error", err)
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
