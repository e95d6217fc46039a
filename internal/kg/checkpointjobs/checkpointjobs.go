// Package checkpointjobs implements the Session Checkpoint Job Runner: a
// durable queue over the relational store's session_checkpoint_jobs
// table that materializes Session Manager checkpoint requests into real
// graph checkpoints via the History Service.
package checkpointjobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"memento/internal/kg/history"
	"memento/internal/kg/session"
	"memento/internal/logging"
	"memento/internal/merrors"
	"memento/pkg/storex"
)

// Status enumerates the job lifecycle.
type Status string

const (
	StatusQueued             Status = "queued"
	StatusPending            Status = "pending"
	StatusRunning            Status = "running"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
	StatusManualIntervention Status = "manual_intervention"
)

// IsPending reports whether a job is still waiting for, or in, execution.
func (s Status) IsPending() bool {
	return s == StatusQueued || s == StatusPending || s == StatusRunning
}

// IsDeadLetter reports whether a job has been given up on.
func (s Status) IsDeadLetter() bool {
	return s == StatusManualIntervention
}

// Job is one row of session_checkpoint_jobs.
type Job struct {
	JobID     string
	SessionID string
	Payload   session.CheckpointJobPayload
	Status    Status
	Attempts  int
	LastError string
	QueuedAt  time.Time
	UpdatedAt time.Time
}

// Checkpointer is the subset of the History Service the runner depends
// on, so tests can substitute a fake without a graph store.
type Checkpointer interface {
	CreateCheckpoint(ctx context.Context, seedEntities []string, opts history.CheckpointOptions) (*history.CheckpointResult, error)
}

const defaultMaxRetries = 3

// Runner implements the durable checkpoint job queue and its single-
// instance executor. It satisfies session.JobQueue.
type Runner struct {
	store      storex.RelationalStore
	history    Checkpointer
	maxRetries int
}

// New creates a Runner backed by store and history. maxRetries <= 0
// defaults to 3.
func New(store storex.RelationalStore, history Checkpointer, maxRetries int) *Runner {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Runner{store: store, history: history, maxRetries: maxRetries}
}

// Initialize creates the job table and its status/queued_at index if
// missing; idempotent.
func (r *Runner) Initialize(ctx context.Context) error {
	return r.store.SetupSchema(ctx)
}

// Enqueue persists a new queued job for payload and returns its id.
// Satisfies session.JobQueue.
func (r *Runner) Enqueue(ctx context.Context, payload session.CheckpointJobPayload) (string, error) {
	now := time.Now().UTC()
	job := &Job{
		JobID: uuid.NewString(), SessionID: payload.SessionID, Payload: payload,
		Status: StatusQueued, QueuedAt: now, UpdatedAt: now,
	}
	if err := r.upsert(ctx, job); err != nil {
		return "", err
	}
	logging.Get(logging.CategoryCheckpoint).Debug("enqueued checkpoint job %s for session %s", job.JobID, payload.SessionID)
	return job.JobID, nil
}

// upsert writes job with ON CONFLICT (job_id) DO UPDATE, deliberately
// omitting queued_at from the SET clause so the original queue time
// survives every subsequent status transition.
func (r *Runner) upsert(ctx context.Context, job *Job) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return merrors.Wrap(err, merrors.KindInternal, "failed to encode job payload")
	}
	const sql = `
		INSERT INTO session_checkpoint_jobs (job_id, session_id, payload, status, attempts, last_error, queued_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (job_id) DO UPDATE SET
			session_id = EXCLUDED.session_id, payload = EXCLUDED.payload,
			status = EXCLUDED.status, attempts = EXCLUDED.attempts,
			last_error = EXCLUDED.last_error, updated_at = EXCLUDED.updated_at`
	_, err = r.store.Query(ctx, sql, []interface{}{
		job.JobID, job.SessionID, string(payload), string(job.Status), job.Attempts, job.LastError, job.QueuedAt, job.UpdatedAt,
	}, storex.QueryOptions{})
	if err != nil {
		return merrors.StoreUnavailable(err, "relational")
	}
	return nil
}

func rowToJob(row storex.Row) (*Job, error) {
	job := &Job{}
	job.JobID, _ = row["job_id"].(string)
	job.SessionID, _ = row["session_id"].(string)
	status, _ := row["status"].(string)
	job.Status = Status(status)
	job.LastError, _ = row["last_error"].(string)

	switch v := row["attempts"].(type) {
	case int32:
		job.Attempts = int(v)
	case int64:
		job.Attempts = int(v)
	case int:
		job.Attempts = v
	}
	if t, ok := row["queued_at"].(time.Time); ok {
		job.QueuedAt = t
	}
	if t, ok := row["updated_at"].(time.Time); ok {
		job.UpdatedAt = t
	}

	var raw []byte
	switch v := row["payload"].(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &job.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal job payload: %w", err)
		}
	}
	return job, nil
}

// LoadPending returns every queued/pending/running job, oldest first.
func (r *Runner) LoadPending(ctx context.Context) ([]*Job, error) {
	const sql = `SELECT job_id, session_id, payload, status, attempts, last_error, queued_at, updated_at
		FROM session_checkpoint_jobs WHERE status IN ('queued', 'pending', 'running') ORDER BY queued_at ASC`
	rows, err := r.store.Query(ctx, sql, nil, storex.QueryOptions{})
	if err != nil {
		return nil, merrors.StoreUnavailable(err, "relational")
	}
	return rowsToJobs(rows)
}

// LoadDeadLetters returns every dead-lettered job, most recently updated
// first.
func (r *Runner) LoadDeadLetters(ctx context.Context) ([]*Job, error) {
	const sql = `SELECT job_id, session_id, payload, status, attempts, last_error, queued_at, updated_at
		FROM session_checkpoint_jobs WHERE status = 'manual_intervention' ORDER BY updated_at DESC`
	rows, err := r.store.Query(ctx, sql, nil, storex.QueryOptions{})
	if err != nil {
		return nil, merrors.StoreUnavailable(err, "relational")
	}
	return rowsToJobs(rows)
}

func rowsToJobs(rows []storex.Row) ([]*Job, error) {
	jobs := make([]*Job, 0, len(rows))
	for _, row := range rows {
		job, err := rowToJob(row)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Delete removes a job row outright.
func (r *Runner) Delete(ctx context.Context, jobID string) error {
	_, err := r.store.Query(ctx, `DELETE FROM session_checkpoint_jobs WHERE job_id = $1`, []interface{}{jobID}, storex.QueryOptions{})
	if err != nil {
		return merrors.StoreUnavailable(err, "relational")
	}
	return nil
}

// Start loads every pending job and runs each to completion in sequence,
// per the single-runner-instance-per-deployment model.
func (r *Runner) Start(ctx context.Context) error {
	jobs, err := r.LoadPending(ctx)
	if err != nil {
		return err
	}
	logging.Get(logging.CategoryCheckpoint).Info("checkpoint job runner starting, %d pending jobs", len(jobs))
	for _, job := range jobs {
		r.process(ctx, job)
	}
	return nil
}

// process runs one job: claims it via an optimistic status transition to
// running, invokes the History Service, and persists the outcome.
// Failures increment attempts and requeue, dead-lettering once attempts
// reach maxRetries.
func (r *Runner) process(ctx context.Context, job *Job) {
	job.Status = StatusRunning
	job.UpdatedAt = time.Now().UTC()
	if err := r.upsert(ctx, job); err != nil {
		logging.Get(logging.CategoryCheckpoint).Error("job %s: failed to claim: %v", job.JobID, err)
		return
	}

	_, err := r.history.CreateCheckpoint(ctx, job.Payload.SeedEntityIDs, history.CheckpointOptions{
		Reason: job.Payload.Reason, Hops: job.Payload.HopCount, Window: job.Payload.Window,
	})
	job.UpdatedAt = time.Now().UTC()
	if err != nil {
		job.Attempts++
		job.LastError = err.Error()
		if job.Attempts >= r.maxRetries {
			job.Status = StatusManualIntervention
			logging.Get(logging.CategoryCheckpoint).Warn("job %s: dead-lettered after %d attempts: %v", job.JobID, job.Attempts, err)
		} else {
			job.Status = StatusQueued
			logging.Get(logging.CategoryCheckpoint).Warn("job %s: attempt %d failed, requeued: %v", job.JobID, job.Attempts, err)
		}
		if uerr := r.upsert(ctx, job); uerr != nil {
			logging.Get(logging.CategoryCheckpoint).Error("job %s: failed to persist failure: %v", job.JobID, uerr)
		}
		return
	}

	job.Status = StatusCompleted
	if err := r.upsert(ctx, job); err != nil {
		logging.Get(logging.CategoryCheckpoint).Error("job %s: failed to persist completion: %v", job.JobID, err)
		return
	}
	logging.Get(logging.CategoryCheckpoint).Debug("job %s completed", job.JobID)
}
