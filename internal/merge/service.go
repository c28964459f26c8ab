// Package merge queues and executes the integration of task branches back
// into their repositories. Jobs run strictly one at a time in queue order, so
// two jobs touching the same repository never overlap.
package merge

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/openclaw/openclaw/internal/common/apperr"
	"github.com/openclaw/openclaw/internal/common/logger"
	"github.com/openclaw/openclaw/internal/events"
	"github.com/openclaw/openclaw/internal/events/bus"
	"github.com/openclaw/openclaw/internal/models"
	"github.com/openclaw/openclaw/internal/store"
)

// Service queues merge jobs and answers merge status queries.
type Service struct {
	store    *store.Store
	eventBus bus.EventBus
	logger   *logger.Logger
}

// NewService creates the merge queue service.
func NewService(st *store.Store, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{store: st, eventBus: eventBus, logger: log}
}

// Enqueue moves an approved task to merging and queues one job per
// repository. The empty strategy defaults to a merge commit.
func (s *Service) Enqueue(ctx context.Context, taskID int64, strategy models.MergeStrategy, actor string) ([]models.MergeJob, error) {
	switch strategy {
	case models.StrategyRebase, models.StrategyMerge, models.StrategySquash:
	case "":
		strategy = models.StrategyMerge
	default:
		return nil, apperr.New(apperr.Validation, "unknown merge strategy %q", strategy)
	}

	now := time.Now().UTC()
	var jobs []models.MergeJob
	var task *models.Task

	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		var err error
		task, err = tx.GetTaskForUpdate(ctx, taskID)
		if err != nil {
			return err
		}
		if task.Status != models.TaskInApproval {
			return apperr.New(apperr.Conflict, "task %d is %s, not in_approval", taskID, task.Status)
		}
		if task.Branch == "" {
			return apperr.New(apperr.Validation, "task %d has no branch to merge", taskID)
		}
		if len(task.RepoIDs) == 0 {
			return apperr.New(apperr.Validation, "task %d has no repositories", taskID)
		}

		task.Status = models.TaskMerging
		task.UpdatedAt = now
		if err := tx.UpdateTask(ctx, task); err != nil {
			return err
		}
		if _, err := tx.AppendEvent(ctx, events.TaskStream(taskID), events.TaskStatusChanged,
			map[string]any{"old_status": string(models.TaskInApproval), "new_status": string(models.TaskMerging)},
			events.Metadata{ActorID: actor}); err != nil {
			return err
		}

		for _, repoID := range task.RepoIDs {
			job := models.MergeJob{
				TaskID:    taskID,
				RepoID:    repoID,
				Strategy:  strategy,
				Status:    models.MergeQueued,
				CreatedAt: now,
			}
			if err := tx.CreateMergeJob(ctx, &job); err != nil {
				return err
			}
			if _, err := tx.AppendEvent(ctx, events.MergeJobStream(job.ID), events.MergeQueued,
				map[string]any{"task_id": taskID, "repo_id": repoID, "strategy": string(strategy)},
				events.Metadata{ActorID: actor}); err != nil {
				return err
			}
			jobs = append(jobs, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.ChannelTaskStatusChanged, map[string]any{
		"task_id":    taskID,
		"team_id":    task.TeamID,
		"old_status": string(models.TaskInApproval),
		"new_status": string(models.TaskMerging),
	})
	for _, job := range jobs {
		s.publish(ctx, events.MergeQueued, map[string]any{
			"job_id":  job.ID,
			"task_id": taskID,
			"repo_id": job.RepoID,
		})
	}
	return jobs, nil
}

// Get returns one merge job.
func (s *Service) Get(ctx context.Context, id int64) (*models.MergeJob, error) {
	return s.store.GetMergeJob(ctx, id)
}

// ListByTask returns a task's merge jobs in queue order.
func (s *Service) ListByTask(ctx context.Context, taskID int64) ([]models.MergeJob, error) {
	return s.store.ListMergeJobs(ctx, taskID)
}

// QueueDepth returns the number of jobs waiting to run.
func (s *Service) QueueDepth(ctx context.Context) (int, error) {
	return s.store.CountQueuedMergeJobs(ctx)
}

func (s *Service) publish(ctx context.Context, eventType string, data map[string]any) {
	if s.eventBus == nil {
		return
	}
	if err := s.eventBus.Publish(ctx, eventType, bus.NewEvent(eventType, "merge-queue", data)); err != nil {
		s.logger.Error("failed to publish merge event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
