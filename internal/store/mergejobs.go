package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/openclaw/openclaw/internal/db/dialect"
	"github.com/openclaw/openclaw/internal/models"
)

// CreateMergeJob enqueues a merge job and fills in its generated id.
func (t *Tx) CreateMergeJob(ctx context.Context, job *models.MergeJob) error {
	id, err := dialect.InsertReturningID(ctx, t.tx,
		`INSERT INTO merge_jobs (task_id, repo_id, strategy, status, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		job.TaskID, job.RepoID, job.Strategy, job.Status, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("create merge job: %w", err)
	}
	job.ID = id
	return nil
}

// ClaimNextMergeJob takes the oldest queued job and marks it running.
// Returns nil when the queue is empty. Jobs are claimed strictly in id order,
// so two jobs for the same repository never run concurrently.
func (t *Tx) ClaimNextMergeJob(ctx context.Context, at time.Time) (*models.MergeJob, error) {
	query := `SELECT * FROM merge_jobs WHERE status = ? ORDER BY id LIMIT 1`
	if dialect.IsPostgres(t.driver) {
		query += ` FOR UPDATE SKIP LOCKED`
	}

	var job models.MergeJob
	err := t.tx.GetContext(ctx, &job, t.tx.Rebind(query), models.MergeQueued)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim merge job: %w", err)
	}

	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(
		`UPDATE merge_jobs SET status = ?, started_at = ? WHERE id = ? AND status = ?`),
		models.MergeRunning, at, job.ID, models.MergeQueued)
	if err != nil {
		return nil, fmt.Errorf("mark merge job running: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Claimed by another worker between the select and the update.
		return nil, nil
	}

	job.Status = models.MergeRunning
	job.StartedAt = &at
	return &job, nil
}

// CompleteMergeJob marks a running job as succeeded.
func (t *Tx) CompleteMergeJob(ctx context.Context, jobID int64, mergeCommit string, at time.Time) error {
	return t.finishMergeJob(ctx, jobID, models.MergeSuccess, &mergeCommit, nil, at)
}

// FailMergeJob marks a running job as failed with the failure reason.
func (t *Tx) FailMergeJob(ctx context.Context, jobID int64, reason string, at time.Time) error {
	return t.finishMergeJob(ctx, jobID, models.MergeFailed, nil, &reason, at)
}

func (t *Tx) finishMergeJob(ctx context.Context, jobID int64, status models.MergeJobStatus, mergeCommit, reason *string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(
		`UPDATE merge_jobs SET status = ?, merge_commit = ?, error = ?, completed_at = ?
		 WHERE id = ? AND status = ?`),
		status, mergeCommit, reason, at, jobID, models.MergeRunning)
	if err != nil {
		return fmt.Errorf("finish merge job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFoundErr("running merge job", jobID)
	}
	return nil
}

// CountOpenMergeJobsForTask returns how many of a task's jobs are still
// queued or running, inside the current transaction.
func (t *Tx) CountOpenMergeJobsForTask(ctx context.Context, taskID int64) (int, error) {
	var n int
	err := t.tx.GetContext(ctx, &n, t.tx.Rebind(
		`SELECT COUNT(*) FROM merge_jobs WHERE task_id = ? AND status IN (?, ?)`),
		taskID, models.MergeQueued, models.MergeRunning)
	if err != nil {
		return 0, fmt.Errorf("count open merge jobs: %w", err)
	}
	return n, nil
}

// FailQueuedMergeJobsForTask fails every still-queued job of a task. Used
// when a sibling job fails and the task leaves merging.
func (t *Tx) FailQueuedMergeJobsForTask(ctx context.Context, taskID int64, reason string, at time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(
		`UPDATE merge_jobs SET status = ?, error = ?, completed_at = ?
		 WHERE task_id = ? AND status = ?`),
		models.MergeFailed, reason, at, taskID, models.MergeQueued)
	if err != nil {
		return 0, fmt.Errorf("fail queued merge jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GetMergeJob returns one merge job by id.
func (s *Store) GetMergeJob(ctx context.Context, id int64) (*models.MergeJob, error) {
	var job models.MergeJob
	q := s.reader()
	if err := q.GetContext(ctx, &job, q.Rebind(`SELECT * FROM merge_jobs WHERE id = ?`), id); err != nil {
		return nil, notFound(err, "merge job", id)
	}
	return &job, nil
}

// ListMergeJobs returns a task's merge jobs in id order.
func (s *Store) ListMergeJobs(ctx context.Context, taskID int64) ([]models.MergeJob, error) {
	var jobs []models.MergeJob
	q := s.reader()
	err := q.SelectContext(ctx, &jobs, q.Rebind(
		`SELECT * FROM merge_jobs WHERE task_id = ? ORDER BY id`), taskID)
	if err != nil {
		return nil, fmt.Errorf("list merge jobs: %w", err)
	}
	return jobs, nil
}

// CountQueuedMergeJobs returns the number of jobs waiting to run.
func (s *Store) CountQueuedMergeJobs(ctx context.Context) (int, error) {
	var n int
	q := s.reader()
	err := q.GetContext(ctx, &n, q.Rebind(
		`SELECT COUNT(*) FROM merge_jobs WHERE status = ?`), models.MergeQueued)
	if err != nil {
		return 0, fmt.Errorf("count queued merge jobs: %w", err)
	}
	return n, nil
}

// RequeueStaleMergeJobs moves running jobs older than the cutoff back to
// queued. Used at startup to recover jobs orphaned by a crash.
func (t *Tx) RequeueStaleMergeJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(
		`UPDATE merge_jobs SET status = ?, started_at = NULL
		 WHERE status = ? AND started_at < ?`),
		models.MergeQueued, models.MergeRunning, cutoff)
	if err != nil {
		return 0, fmt.Errorf("requeue stale merge jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
