package merge

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/openclaw/openclaw/internal/common/config"
	"github.com/openclaw/openclaw/internal/common/logger"
	"github.com/openclaw/openclaw/internal/events"
	"github.com/openclaw/openclaw/internal/events/bus"
	"github.com/openclaw/openclaw/internal/models"
	"github.com/openclaw/openclaw/internal/store"
)

// pollInterval bounds how long a queued job waits when the wakeup
// notification is lost.
const pollInterval = 5 * time.Second

// Worker drains the merge queue. Exactly one worker runs per deployment;
// claim order is job id order, which serializes jobs per repository.
type Worker struct {
	store      *store.Store
	eventBus   bus.EventBus
	logger     *logger.Logger
	git        GitService
	jobTimeout time.Duration

	wake chan struct{}
}

// NewWorker creates the merge worker.
func NewWorker(st *store.Store, eventBus bus.EventBus, log *logger.Logger, git GitService, cfg config.MergeConfig) *Worker {
	return &Worker{
		store:      st,
		eventBus:   eventBus,
		logger:     log,
		git:        git,
		jobTimeout: cfg.JobTimeout(),
		wake:       make(chan struct{}, 1),
	}
}

// Run processes jobs until the context is cancelled. Jobs left running by a
// previous process are requeued first.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.recoverStale(ctx); err != nil {
		w.logger.Error("failed to requeue stale merge jobs", zap.Error(err))
	}

	var sub bus.Subscription
	if w.eventBus != nil {
		var err error
		sub, err = w.eventBus.Subscribe(events.MergeQueued, func(ctx context.Context, ev *bus.Event) error {
			select {
			case w.wake <- struct{}{}:
			default:
			}
			return nil
		})
		if err != nil {
			w.logger.Error("failed to subscribe to merge queue", zap.Error(err))
		} else {
			defer func() { _ = sub.Unsubscribe() }()
		}
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if err := w.drain(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("merge queue drain failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.wake:
		case <-ticker.C:
		}
	}
}

// drain claims and processes jobs until the queue is empty.
func (w *Worker) drain(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		job, err := w.claim(ctx)
		if err != nil {
			return err
		}
		if job == nil {
			return nil
		}
		w.process(ctx, job)
	}
}

func (w *Worker) claim(ctx context.Context) (*models.MergeJob, error) {
	var job *models.MergeJob
	err := w.store.InTx(ctx, func(tx *store.Tx) error {
		var err error
		job, err = tx.ClaimNextMergeJob(ctx, time.Now().UTC())
		return err
	})
	return job, err
}

// process runs one claimed job to a terminal state. Errors land in the job
// row rather than aborting the worker.
func (w *Worker) process(ctx context.Context, job *models.MergeJob) {
	w.logger.Info("merge job started",
		zap.Int64("job_id", job.ID),
		zap.Int64("task_id", job.TaskID),
		zap.String("repo_id", job.RepoID))

	err := w.store.InTx(ctx, func(tx *store.Tx) error {
		_, err := tx.AppendEvent(ctx, events.MergeJobStream(job.ID), events.MergeStarted,
			map[string]any{"task_id": job.TaskID, "repo_id": job.RepoID}, events.Metadata{})
		return err
	})
	if err != nil {
		w.logger.Error("failed to record merge start", zap.Int64("job_id", job.ID), zap.Error(err))
	}
	w.publish(ctx, events.MergeStarted, map[string]any{"job_id": job.ID, "task_id": job.TaskID})

	commit, mergeErr := w.execute(ctx, job)
	if mergeErr != nil {
		w.fail(ctx, job, mergeErr)
		return
	}
	w.complete(ctx, job, commit)
}

// execute resolves the task and repository and runs the git integration
// under the job timeout.
func (w *Worker) execute(ctx context.Context, job *models.MergeJob) (string, error) {
	task, err := w.store.GetTask(ctx, job.TaskID)
	if err != nil {
		return "", err
	}
	repo, err := w.store.GetRepository(ctx, job.RepoID)
	if err != nil {
		return "", err
	}

	jobCtx := ctx
	if w.jobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, w.jobTimeout)
		defer cancel()
	}
	return w.git.Merge(jobCtx, repo.LocalPath, task.Branch, repo.DefaultBranch, job.Strategy)
}

// complete records the merge commit and, when this was the task's last open
// job, moves the task to done.
func (w *Worker) complete(ctx context.Context, job *models.MergeJob, commit string) {
	now := time.Now().UTC()
	var task *models.Task
	var taskDone bool

	err := w.store.InTx(ctx, func(tx *store.Tx) error {
		if err := tx.CompleteMergeJob(ctx, job.ID, commit, now); err != nil {
			return err
		}
		if _, err := tx.AppendEvent(ctx, events.MergeJobStream(job.ID), events.MergeCompleted,
			map[string]any{"task_id": job.TaskID, "merge_commit": commit}, events.Metadata{}); err != nil {
			return err
		}

		open, err := tx.CountOpenMergeJobsForTask(ctx, job.TaskID)
		if err != nil {
			return err
		}
		if open > 0 {
			return nil
		}

		task, err = tx.GetTaskForUpdate(ctx, job.TaskID)
		if err != nil {
			return err
		}
		if task.Status != models.TaskMerging {
			return nil
		}
		task.Status = models.TaskDone
		task.UpdatedAt = now
		task.CompletedAt = &now
		if err := tx.UpdateTask(ctx, task); err != nil {
			return err
		}
		taskDone = true
		_, err = tx.AppendEvent(ctx, events.TaskStream(task.ID), events.TaskStatusChanged,
			map[string]any{"old_status": string(models.TaskMerging), "new_status": string(models.TaskDone)},
			events.Metadata{})
		return err
	})
	if err != nil {
		w.logger.Error("failed to complete merge job", zap.Int64("job_id", job.ID), zap.Error(err))
		return
	}

	w.logger.Info("merge job completed",
		zap.Int64("job_id", job.ID),
		zap.String("merge_commit", commit))
	w.publish(ctx, events.MergeCompleted, map[string]any{
		"job_id":       job.ID,
		"task_id":      job.TaskID,
		"merge_commit": commit,
	})
	if taskDone {
		w.publish(ctx, events.ChannelTaskStatusChanged, map[string]any{
			"task_id":    task.ID,
			"team_id":    task.TeamID,
			"old_status": string(models.TaskMerging),
			"new_status": string(models.TaskDone),
		})
	}
}

// fail records the failure, fails the task's remaining queued jobs, and
// sends the task back to in_progress for another attempt.
func (w *Worker) fail(ctx context.Context, job *models.MergeJob, mergeErr error) {
	now := time.Now().UTC()
	var task *models.Task
	var taskReturned bool

	err := w.store.InTx(ctx, func(tx *store.Tx) error {
		if err := tx.FailMergeJob(ctx, job.ID, mergeErr.Error(), now); err != nil {
			return err
		}
		if _, err := tx.AppendEvent(ctx, events.MergeJobStream(job.ID), events.MergeFailed,
			map[string]any{"task_id": job.TaskID, "error": mergeErr.Error()}, events.Metadata{}); err != nil {
			return err
		}
		if _, err := tx.FailQueuedMergeJobsForTask(ctx, job.TaskID, "sibling merge failed", now); err != nil {
			return err
		}

		var err error
		task, err = tx.GetTaskForUpdate(ctx, job.TaskID)
		if err != nil {
			return err
		}
		if task.Status != models.TaskMerging {
			return nil
		}
		task.Status = models.TaskInProgress
		task.UpdatedAt = now
		if err := tx.UpdateTask(ctx, task); err != nil {
			return err
		}
		taskReturned = true
		_, err = tx.AppendEvent(ctx, events.TaskStream(task.ID), events.TaskStatusChanged,
			map[string]any{"old_status": string(models.TaskMerging), "new_status": string(models.TaskInProgress)},
			events.Metadata{})
		return err
	})
	if err != nil {
		w.logger.Error("failed to record merge failure", zap.Int64("job_id", job.ID), zap.Error(err))
		return
	}

	w.logger.Warn("merge job failed",
		zap.Int64("job_id", job.ID),
		zap.Int64("task_id", job.TaskID),
		zap.Error(mergeErr))
	w.publish(ctx, events.MergeFailed, map[string]any{
		"job_id":  job.ID,
		"task_id": job.TaskID,
		"error":   mergeErr.Error(),
	})
	if taskReturned {
		w.publish(ctx, events.ChannelTaskStatusChanged, map[string]any{
			"task_id":    task.ID,
			"team_id":    task.TeamID,
			"old_status": string(models.TaskMerging),
			"new_status": string(models.TaskInProgress),
		})
	}
}

// recoverStale requeues jobs a previous process left running.
func (w *Worker) recoverStale(ctx context.Context) error {
	cutoff := time.Now().UTC()
	if w.jobTimeout > 0 {
		cutoff = cutoff.Add(-w.jobTimeout)
	}
	var n int64
	err := w.store.InTx(ctx, func(tx *store.Tx) error {
		var err error
		n, err = tx.RequeueStaleMergeJobs(ctx, cutoff)
		return err
	})
	if err != nil {
		return err
	}
	if n > 0 {
		w.logger.Info("requeued stale merge jobs", zap.Int64("count", n))
	}
	return nil
}

func (w *Worker) publish(ctx context.Context, eventType string, data map[string]any) {
	if w.eventBus == nil {
		return
	}
	if err := w.eventBus.Publish(ctx, eventType, bus.NewEvent(eventType, "merge-worker", data)); err != nil {
		w.logger.Error("failed to publish merge event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
