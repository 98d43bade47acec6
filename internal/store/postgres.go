package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/deeprun/deeprun/internal/model"
)

// Postgres is the production Store. Claims use FOR UPDATE SKIP LOCKED so
// concurrent workers never collide; the one-active-job-per-run invariant is a
// partial unique index; run locks live on the agent_runs row.
type Postgres struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

var _ Store = (*Postgres)(nil)

func NewPostgres(ctx context.Context, dsn string, log *slog.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Postgres{pool: pool, log: log}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) CreateProject(ctx context.Context, proj *model.Project) error {
	if proj.ID == "" {
		proj.ID = uuid.NewString()
	}
	history, _ := json.Marshal(orEmptyList(proj.History))
	messages, _ := json.Marshal(orEmptyList(proj.Messages))
	metadata, _ := json.Marshal(orEmptyMap(proj.Metadata))
	_, err := p.pool.Exec(ctx, `
		INSERT INTO projects (id, org_id, workspace_id, template, history, messages, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		proj.ID, proj.OrgID, proj.WorkspaceID, proj.Template, history, messages, metadata)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (p *Postgres) GetProject(ctx context.Context, id string) (*model.Project, error) {
	var proj model.Project
	var history, messages, metadata []byte
	err := p.pool.QueryRow(ctx, `
		SELECT id, org_id, workspace_id, template, history, messages, metadata, created_at, updated_at
		FROM projects WHERE id = $1`, id).Scan(
		&proj.ID, &proj.OrgID, &proj.WorkspaceID, &proj.Template,
		&history, &messages, &metadata, &proj.CreatedAt, &proj.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(history, &proj.History)
	_ = json.Unmarshal(messages, &proj.Messages)
	_ = json.Unmarshal(metadata, &proj.Metadata)
	return &proj, nil
}

const runColumns = `id, project_id, org_id, workspace_id, created_by_user_id, goal, provider_id, model,
	status, plan, current_step_index, last_step_id,
	run_branch, worktree_path, base_commit_hash, current_commit_hash, last_valid_commit_hash,
	validation_status, validation_result, validated_at,
	correction_attempts, last_correction_reason,
	run_lock_owner, run_lock_acquired_at,
	metadata, error_message, error_details,
	created_at, updated_at, finished_at`

func (p *Postgres) CreateRun(ctx context.Context, run *model.AgentRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if err := verifyRunContract(run); err != nil {
		return err
	}
	plan, _ := json.Marshal(orEmptyPlan(run.Plan))
	validationResult, _ := json.Marshal(orEmptyMap(run.ValidationResult))
	metadata, _ := json.Marshal(orEmptyMap(run.Metadata))
	errorDetails, _ := json.Marshal(orEmptyMap(run.ErrorDetails))
	_, err := p.pool.Exec(ctx, `
		INSERT INTO agent_runs (
			id, project_id, org_id, workspace_id, created_by_user_id, goal, provider_id, model,
			status, plan, current_step_index, last_step_id,
			run_branch, worktree_path, base_commit_hash, current_commit_hash, last_valid_commit_hash,
			validation_status, validation_result, validated_at,
			correction_attempts, last_correction_reason,
			run_lock_owner, run_lock_acquired_at,
			metadata, error_message, error_details, finished_at
		) VALUES (
			$1, $2, $3, $4, NULLIF($5, '')::uuid, $6, $7, $8,
			$9, $10, $11, $12,
			$13, $14, $15, $16, $17,
			$18, $19, $20,
			$21, $22,
			$23, $24,
			$25, $26, $27, $28
		)`,
		run.ID, run.ProjectID, run.OrgID, run.WorkspaceID, run.CreatedByUserID,
		run.Goal, run.ProviderID, run.Model,
		string(run.Status), plan, run.CurrentStepIndex, run.LastStepID,
		run.RunBranch, run.WorktreePath, run.BaseCommitHash, run.CurrentCommitHash, run.LastValidCommitHash,
		validationStatusValue(run.ValidationStatus), validationResult, run.ValidatedAt,
		run.CorrectionAttempts, run.LastCorrectionReason,
		run.RunLockOwner, run.RunLockAcquiredAt,
		metadata, run.ErrorMessage, errorDetails, run.FinishedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (p *Postgres) GetRun(ctx context.Context, id string) (*model.AgentRun, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE id = $1`, id)
	return scanRun(row)
}

func (p *Postgres) UpdateRun(ctx context.Context, run *model.AgentRun) error {
	if err := verifyRunContract(run); err != nil {
		return err
	}
	plan, _ := json.Marshal(orEmptyPlan(run.Plan))
	validationResult, _ := json.Marshal(orEmptyMap(run.ValidationResult))
	metadata, _ := json.Marshal(orEmptyMap(run.Metadata))
	errorDetails, _ := json.Marshal(orEmptyMap(run.ErrorDetails))
	tag, err := p.pool.Exec(ctx, `
		UPDATE agent_runs SET
			status = $2, plan = $3, current_step_index = $4, last_step_id = $5,
			run_branch = $6, worktree_path = $7,
			base_commit_hash = $8, current_commit_hash = $9, last_valid_commit_hash = $10,
			validation_status = $11, validation_result = $12, validated_at = $13,
			correction_attempts = $14, last_correction_reason = $15,
			run_lock_owner = $16, run_lock_acquired_at = $17,
			metadata = $18, error_message = $19, error_details = $20,
			finished_at = $21, updated_at = now()
		WHERE id = $1`,
		run.ID,
		string(run.Status), plan, run.CurrentStepIndex, run.LastStepID,
		run.RunBranch, run.WorktreePath,
		run.BaseCommitHash, run.CurrentCommitHash, run.LastValidCommitHash,
		validationStatusValue(run.ValidationStatus), validationResult, run.ValidatedAt,
		run.CorrectionAttempts, run.LastCorrectionReason,
		run.RunLockOwner, run.RunLockAcquiredAt,
		metadata, run.ErrorMessage, errorDetails,
		run.FinishedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRun(row pgx.Row) (*model.AgentRun, error) {
	var run model.AgentRun
	var createdBy *string
	var status, validationStatus *string
	var plan, validationResult, metadata, errorDetails []byte
	err := row.Scan(
		&run.ID, &run.ProjectID, &run.OrgID, &run.WorkspaceID, &createdBy,
		&run.Goal, &run.ProviderID, &run.Model,
		&status, &plan, &run.CurrentStepIndex, &run.LastStepID,
		&run.RunBranch, &run.WorktreePath,
		&run.BaseCommitHash, &run.CurrentCommitHash, &run.LastValidCommitHash,
		&validationStatus, &validationResult, &run.ValidatedAt,
		&run.CorrectionAttempts, &run.LastCorrectionReason,
		&run.RunLockOwner, &run.RunLockAcquiredAt,
		&metadata, &run.ErrorMessage, &errorDetails,
		&run.CreatedAt, &run.UpdatedAt, &run.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if createdBy != nil {
		run.CreatedByUserID = *createdBy
	}
	if status != nil {
		run.Status = model.RunStatus(*status)
	}
	if validationStatus != nil {
		vs := model.ValidationStatus(*validationStatus)
		run.ValidationStatus = &vs
	}
	_ = json.Unmarshal(plan, &run.Plan)
	_ = json.Unmarshal(validationResult, &run.ValidationResult)
	_ = json.Unmarshal(metadata, &run.Metadata)
	_ = json.Unmarshal(errorDetails, &run.ErrorDetails)
	return &run, nil
}

func (p *Postgres) InsertStepRecord(ctx context.Context, rec *model.StepRecord, pointers *RunPointers) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	input, _ := json.Marshal(orEmptyMap(rec.InputPayload))
	output, _ := json.Marshal(orEmptyMap(rec.OutputPayload))
	_, err = tx.Exec(ctx, `
		INSERT INTO agent_steps (
			run_id, step_index, attempt, step_id, type, tool,
			input_payload, output_payload, status, error_message,
			commit_hash, runtime_status, started_at, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		rec.RunID, rec.StepIndex, rec.Attempt, rec.StepID, string(rec.Type), rec.Tool,
		input, output, string(rec.Status), rec.ErrorMessage,
		rec.CommitHash, rec.RuntimeStatus, nullTime(rec.StartedAt), nullTime(rec.FinishedAt))
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return err
	}

	if pointers != nil {
		tag, err := tx.Exec(ctx, `
			UPDATE agent_runs SET
				base_commit_hash = $2, current_commit_hash = $3, last_valid_commit_hash = $4,
				current_step_index = $5, last_step_id = $6, updated_at = now()
			WHERE id = $1`,
			rec.RunID, pointers.BaseCommitHash, pointers.CurrentCommitHash,
			pointers.LastValidCommitHash, pointers.CurrentStepIndex, pointers.LastStepID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
	}
	return tx.Commit(ctx)
}

func (p *Postgres) ListStepRecords(ctx context.Context, runID string) ([]model.StepRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT run_id, step_index, attempt, step_id, type, tool,
		       input_payload, output_payload, status, error_message,
		       commit_hash, runtime_status, started_at, finished_at, created_at
		FROM agent_steps
		WHERE run_id = $1
		ORDER BY step_index, attempt, created_at`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []model.StepRecord
	for rows.Next() {
		var rec model.StepRecord
		var stepType, status string
		var input, output []byte
		var startedAt, finishedAt *time.Time
		if err := rows.Scan(
			&rec.RunID, &rec.StepIndex, &rec.Attempt, &rec.StepID, &stepType, &rec.Tool,
			&input, &output, &status, &rec.ErrorMessage,
			&rec.CommitHash, &rec.RuntimeStatus, &startedAt, &finishedAt, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Type = model.StepType(stepType)
		rec.Status = model.StepStatus(status)
		if startedAt != nil {
			rec.StartedAt = *startedAt
		}
		if finishedAt != nil {
			rec.FinishedAt = *finishedAt
		}
		_ = json.Unmarshal(input, &rec.InputPayload)
		_ = json.Unmarshal(output, &rec.OutputPayload)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (p *Postgres) EnqueueJob(ctx context.Context, runID string, jobType model.JobType, role model.WorkerRole, requiredCapabilities map[string]any) (*model.RunJob, error) {
	var caps []byte
	if requiredCapabilities != nil {
		caps, _ = json.Marshal(requiredCapabilities)
	}
	id := uuid.NewString()
	_, err := p.pool.Exec(ctx, `
		INSERT INTO run_jobs (id, run_id, job_type, target_role, status, required_capabilities)
		VALUES ($1, $2, $3, $4, 'queued', $5)`,
		id, runID, string(jobType), string(role), caps)
	if isUniqueViolation(err) {
		// Active job already exists; the collision is idempotent.
		return p.ActiveJobForRun(ctx, runID)
	}
	if err != nil {
		return nil, err
	}
	return p.GetJob(ctx, id)
}

const jobColumns = `id, run_id, job_type, target_role, status, required_capabilities,
	assigned_node, lease_expires_at, attempt_count, created_at, updated_at`

// ClaimNextJob claims the oldest eligible job for the worker. Eligible means:
// role matches, the worker's capabilities contain the job's required subset
// (jsonb containment), and the job is queued or its lease has expired. SKIP
// LOCKED keeps concurrent claimers from colliding.
func (p *Postgres) ClaimNextJob(ctx context.Context, req ClaimRequest) (*model.RunJob, error) {
	worker, err := p.GetWorker(ctx, req.NodeID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if worker.Status != model.WorkerOnline {
		return nil, nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	offered, _ := json.Marshal(orEmptyMap(req.Capabilities))
	rows, err := tx.Query(ctx, `
		SELECT `+jobColumns+`
		FROM run_jobs
		WHERE target_role = $1
		  AND (required_capabilities IS NULL OR $2::jsonb @> required_capabilities)
		  AND (status = 'queued'
		       OR (status IN ('claimed', 'running')
		           AND (lease_expires_at IS NULL OR lease_expires_at <= now())))
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT 1`, string(req.Role), offered)
	if err != nil {
		return nil, err
	}
	candidates, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, tx.Commit(ctx)
	}
	job := &candidates[0]

	lease := time.Now().UTC().Add(time.Duration(req.LeaseSeconds) * time.Second)
	_, err = tx.Exec(ctx, `
		UPDATE run_jobs SET
			status = 'claimed', assigned_node = $2, attempt_count = attempt_count + 1,
			lease_expires_at = $3, updated_at = now()
		WHERE id = $1`, job.ID, req.NodeID, lease)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	job.Status = model.JobClaimed
	job.AssignedNode = req.NodeID
	job.AttemptCount++
	job.LeaseExpiresAt = &lease
	return job, nil
}

func (p *Postgres) MarkJobRunning(ctx context.Context, jobID, nodeID string, leaseSeconds int) error {
	lease := time.Now().UTC().Add(time.Duration(leaseSeconds) * time.Second)
	tag, err := p.pool.Exec(ctx, `
		UPDATE run_jobs SET status = 'running', lease_expires_at = $3, updated_at = now()
		WHERE id = $1 AND assigned_node = $2 AND status = 'claimed'`,
		jobID, nodeID, lease)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (p *Postgres) RenewJobLease(ctx context.Context, jobID, nodeID string, leaseSeconds int) error {
	lease := time.Now().UTC().Add(time.Duration(leaseSeconds) * time.Second)
	tag, err := p.pool.Exec(ctx, `
		UPDATE run_jobs SET lease_expires_at = $3, updated_at = now()
		WHERE id = $1 AND assigned_node = $2 AND status IN ('claimed', 'running')`,
		jobID, nodeID, lease)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (p *Postgres) CompleteJob(ctx context.Context, jobID, nodeID string) error {
	return p.finishJob(ctx, jobID, nodeID, model.JobComplete)
}

func (p *Postgres) FailJob(ctx context.Context, jobID, nodeID string) error {
	return p.finishJob(ctx, jobID, nodeID, model.JobFailed)
}

func (p *Postgres) finishJob(ctx context.Context, jobID, nodeID string, status model.JobStatus) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE run_jobs SET status = $3, lease_expires_at = NULL, updated_at = now()
		WHERE id = $1 AND assigned_node = $2 AND status IN ('claimed', 'running')`,
		jobID, nodeID, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (p *Postgres) GetJob(ctx context.Context, jobID string) (*model.RunJob, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+jobColumns+` FROM run_jobs WHERE id = $1`, jobID)
	if err != nil {
		return nil, err
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, ErrNotFound
	}
	return &jobs[0], nil
}

func (p *Postgres) ActiveJobForRun(ctx context.Context, runID string) (*model.RunJob, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM run_jobs
		WHERE run_id = $1 AND status IN ('queued', 'claimed', 'running')`, runID)
	if err != nil {
		return nil, err
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, ErrNotFound
	}
	return &jobs[0], nil
}

func scanJobs(rows pgx.Rows) ([]model.RunJob, error) {
	defer rows.Close()
	var jobs []model.RunJob
	for rows.Next() {
		var j model.RunJob
		var jobType, role, status string
		var caps []byte
		if err := rows.Scan(
			&j.ID, &j.RunID, &jobType, &role, &status, &caps,
			&j.AssignedNode, &j.LeaseExpiresAt, &j.AttemptCount,
			&j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		j.JobType = model.JobType(jobType)
		j.TargetRole = model.WorkerRole(role)
		j.Status = model.JobStatus(status)
		if len(caps) > 0 {
			_ = json.Unmarshal(caps, &j.RequiredCapabilities)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (p *Postgres) HeartbeatWorker(ctx context.Context, node *model.WorkerNode) error {
	caps, _ := json.Marshal(orEmptyMap(node.Capabilities))
	var role string
	err := p.pool.QueryRow(ctx, `
		INSERT INTO worker_nodes (node_id, role, capabilities, last_heartbeat, status)
		VALUES ($1, $2, $3, now(), 'online')
		ON CONFLICT (node_id) DO UPDATE SET
			capabilities = EXCLUDED.capabilities,
			last_heartbeat = now(),
			status = 'online'
		RETURNING role`, node.NodeID, string(node.Role), caps).Scan(&role)
	if err != nil {
		return err
	}
	if role != string(node.Role) {
		return ErrRoleImmutable
	}
	node.Status = model.WorkerOnline
	node.LastHeartbeat = time.Now().UTC()
	return nil
}

func (p *Postgres) MarkWorkerOffline(ctx context.Context, nodeID string) error {
	tag, err := p.pool.Exec(ctx, `UPDATE worker_nodes SET status = 'offline' WHERE node_id = $1`, nodeID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) GetWorker(ctx context.Context, nodeID string) (*model.WorkerNode, error) {
	var w model.WorkerNode
	var role, status string
	var caps []byte
	err := p.pool.QueryRow(ctx, `
		SELECT node_id, role, capabilities, last_heartbeat, status
		FROM worker_nodes WHERE node_id = $1`, nodeID).Scan(
		&w.NodeID, &role, &caps, &w.LastHeartbeat, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	w.Role = model.WorkerRole(role)
	w.Status = model.WorkerStatus(status)
	_ = json.Unmarshal(caps, &w.Capabilities)
	return &w, nil
}

// AcquireRunLock takes the advisory lock on the run row: free, already ours,
// or held-but-stale. Anything else is ErrLockHeld.
func (p *Postgres) AcquireRunLock(ctx context.Context, runID, owner string, staleAfter time.Duration) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE agent_runs SET run_lock_owner = $2, run_lock_acquired_at = now(), updated_at = now()
		WHERE id = $1
		  AND (run_lock_owner = ''
		       OR run_lock_owner = $2
		       OR run_lock_acquired_at IS NULL
		       OR run_lock_acquired_at < now() - make_interval(secs => $3))`,
		runID, owner, staleAfter.Seconds())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := p.GetRun(ctx, runID); err != nil {
			return err
		}
		return ErrLockHeld
	}
	return nil
}

func (p *Postgres) RefreshRunLock(ctx context.Context, runID, owner string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE agent_runs SET run_lock_acquired_at = now()
		WHERE id = $1 AND run_lock_owner = $2`, runID, owner)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLockLost
	}
	return nil
}

func (p *Postgres) ReleaseRunLock(ctx context.Context, runID, owner string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE agent_runs SET run_lock_owner = '', run_lock_acquired_at = NULL
		WHERE id = $1 AND run_lock_owner = $2`, runID, owner)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLockLost
	}
	return nil
}

func (p *Postgres) InsertLearningEvent(ctx context.Context, event *model.LearningEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	clusters, _ := json.Marshal(orEmptyList(event.Clusters))
	metadata, _ := json.Marshal(orEmptyMap(event.Metadata))
	_, err := p.pool.Exec(ctx, `
		INSERT INTO learning_events (
			id, run_id, project_id, step_index, attempt, event_type, phase,
			clusters, blocking_before, blocking_after, delta,
			regression_flag, convergence_flag, architecture_collapse,
			invariant_count, outcome, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		event.ID, event.RunID, event.ProjectID, event.StepIndex, event.Attempt,
		event.EventType, event.Phase,
		clusters, event.BlockingBefore, event.BlockingAfter, event.Delta,
		event.RegressionFlag, event.ConvergenceFlag, event.ArchitectureCollapse,
		event.InvariantCount, string(event.Outcome), metadata)
	return err
}

func (p *Postgres) ListLearningEvents(ctx context.Context, runID string) ([]model.LearningEvent, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+learningColumns+` FROM learning_events
		WHERE run_id = $1 ORDER BY step_index, attempt`, runID)
	if err != nil {
		return nil, err
	}
	return scanLearningEvents(rows)
}

func (p *Postgres) RecentLearningEvents(ctx context.Context, projectID string, limit int) ([]model.LearningEvent, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+learningColumns+` FROM (
			SELECT `+learningColumns+` FROM learning_events
			WHERE project_id = $1 ORDER BY created_at DESC LIMIT $2
		) recent ORDER BY created_at`, projectID, limit)
	if err != nil {
		return nil, err
	}
	return scanLearningEvents(rows)
}

const learningColumns = `id, run_id, project_id, step_index, attempt, event_type, phase,
	clusters, blocking_before, blocking_after, delta,
	regression_flag, convergence_flag, architecture_collapse,
	invariant_count, outcome, metadata, created_at`

func scanLearningEvents(rows pgx.Rows) ([]model.LearningEvent, error) {
	defer rows.Close()
	var events []model.LearningEvent
	for rows.Next() {
		var e model.LearningEvent
		var outcome string
		var clusters, metadata []byte
		if err := rows.Scan(
			&e.ID, &e.RunID, &e.ProjectID, &e.StepIndex, &e.Attempt, &e.EventType, &e.Phase,
			&clusters, &e.BlockingBefore, &e.BlockingAfter, &e.Delta,
			&e.RegressionFlag, &e.ConvergenceFlag, &e.ArchitectureCollapse,
			&e.InvariantCount, &outcome, &metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Outcome = model.AttemptOutcome(outcome)
		_ = json.Unmarshal(clusters, &e.Clusters)
		_ = json.Unmarshal(metadata, &e.Metadata)
		events = append(events, e)
	}
	return events, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func validationStatusValue(vs *model.ValidationStatus) *string {
	if vs == nil {
		return nil
	}
	s := string(*vs)
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptyList(l []any) []any {
	if l == nil {
		return []any{}
	}
	return l
}

func orEmptyPlan(p []model.Step) []model.Step {
	if p == nil {
		return []model.Step{}
	}
	return p
}
