// Package task implements the task lifecycle: creation, the status state
// machine, dependency gating, and branch-name derivation.
package task

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/openclaw/openclaw/internal/common/apperr"
	"github.com/openclaw/openclaw/internal/common/config"
	"github.com/openclaw/openclaw/internal/common/logger"
	"github.com/openclaw/openclaw/internal/events"
	"github.com/openclaw/openclaw/internal/events/bus"
	"github.com/openclaw/openclaw/internal/models"
	"github.com/openclaw/openclaw/internal/store"
)

// Service implements task operations.
type Service struct {
	store     *store.Store
	eventBus  bus.EventBus
	logger    *logger.Logger
	branching config.BranchingConfig
}

// NewService creates the task service.
func NewService(st *store.Store, eventBus bus.EventBus, log *logger.Logger, branching config.BranchingConfig) *Service {
	if branching.SlugMaxLength <= 0 {
		branching.SlugMaxLength = DefaultSlugMaxLength
	}
	return &Service{store: st, eventBus: eventBus, logger: log, branching: branching}
}

// CreateParams are the caller-supplied fields for a new task.
type CreateParams struct {
	TeamID      string
	Title       string
	Description string
	Priority    models.TaskPriority
	DRIID       *string
	AssigneeID  *string
	DependsOn   []int64
	RepoIDs     []string
	Tags        []string
	Metadata    map[string]any
}

// Create creates one task in todo. Referencing a dependency that does not
// exist is rejected up front; dependency completion is only checked when the
// task tries to start.
func (s *Service) Create(ctx context.Context, p CreateParams, actor string) (*models.Task, error) {
	tasks, err := s.CreateBatch(ctx, []CreateParams{p}, nil, actor)
	if err != nil {
		return nil, err
	}
	return tasks[0], nil
}

// CreateBatch creates several tasks in one transaction. dependsOnIndices adds
// dependencies between batch members by position: entry i depends on the
// batch members named by dependsOnIndices[i], on top of any explicit ids in
// its DependsOn.
func (s *Service) CreateBatch(ctx context.Context, params []CreateParams, dependsOnIndices [][]int, actor string) ([]*models.Task, error) {
	if len(params) == 0 {
		return nil, apperr.New(apperr.Validation, "no tasks to create")
	}
	if dependsOnIndices != nil && len(dependsOnIndices) != len(params) {
		return nil, apperr.New(apperr.Validation, "dependency index list must match the batch length")
	}

	for i, p := range params {
		if strings.TrimSpace(p.Title) == "" {
			return nil, apperr.New(apperr.Validation, "task %d: title is required", i)
		}
		if p.Priority != "" && !validPriority(p.Priority) {
			return nil, apperr.New(apperr.Validation, "task %d: unknown priority %q", i, p.Priority)
		}
		if dependsOnIndices != nil {
			for _, idx := range dependsOnIndices[i] {
				if idx < 0 || idx >= len(params) {
					return nil, apperr.New(apperr.Validation, "task %d: dependency index %d out of range", i, idx)
				}
				if idx == i {
					return nil, apperr.New(apperr.Validation, "task %d cannot depend on itself", i)
				}
			}
		}
	}

	settings, err := s.teamSettings(ctx, params[0].TeamID)
	if err != nil {
		return nil, err
	}
	prefix := s.branching.Prefix
	if settings.BranchPrefix != "" {
		prefix = settings.BranchPrefix
	}

	now := time.Now().UTC()
	created := make([]*models.Task, len(params))
	err = s.store.InTx(ctx, func(tx *store.Tx) error {
		// Validate explicit dependency ids against existing tasks.
		var explicit []int64
		for _, p := range params {
			explicit = append(explicit, p.DependsOn...)
		}
		if len(explicit) > 0 {
			existing, err := tx.ListTasksByIDs(ctx, explicit)
			if err != nil {
				return err
			}
			known := make(map[int64]bool, len(existing))
			for _, t := range existing {
				known[t.ID] = true
			}
			var missing []int64
			for _, id := range dedupe(explicit) {
				if !known[id] {
					missing = append(missing, id)
				}
			}
			if len(missing) > 0 {
				return apperr.Dependencies(missing, nil)
			}
		}

		for i, p := range params {
			if p.Priority == "" {
				p.Priority = models.PriorityMedium
			}
			task := &models.Task{
				TeamID:      p.TeamID,
				Title:       p.Title,
				Description: p.Description,
				Status:      models.TaskTodo,
				Priority:    p.Priority,
				DRIID:       p.DRIID,
				AssigneeID:  p.AssigneeID,
				DependsOn:   models.Int64List(p.DependsOn),
				RepoIDs:     models.StringList(p.RepoIDs),
				Tags:        models.StringList(p.Tags),
				Metadata:    models.JSONMap(p.Metadata),
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := tx.CreateTask(ctx, task); err != nil {
				return err
			}
			created[i] = task
		}

		// Second pass: branch derivation and batch-internal dependencies
		// need the generated ids.
		for i, task := range created {
			if dependsOnIndices != nil && len(dependsOnIndices[i]) > 0 {
				for _, idx := range dependsOnIndices[i] {
					task.DependsOn = append(task.DependsOn, created[idx].ID)
				}
				if err := tx.UpdateTask(ctx, task); err != nil {
					return err
				}
			}
			task.Branch = BranchName(prefix, task.ID, task.Title, s.branching.SlugMaxLength)
			if err := tx.SetTaskBranch(ctx, task.ID, task.Branch); err != nil {
				return err
			}
			if _, err := tx.AppendEvent(ctx, events.TaskStream(task.ID), events.TaskCreated,
				map[string]any{
					"title":      task.Title,
					"team_id":    task.TeamID,
					"branch":     task.Branch,
					"depends_on": []int64(task.DependsOn),
				}, events.Metadata{ActorID: actor}); err != nil {
				return err
			}
			if task.AssigneeID != nil {
				if _, err := tx.AppendEvent(ctx, events.TaskStream(task.ID), events.TaskAssigned,
					map[string]any{"assignee_id": *task.AssigneeID},
					events.Metadata{ActorID: actor}); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, task := range created {
		s.publish(ctx, events.TaskCreated, map[string]any{
			"task_id": task.ID,
			"team_id": task.TeamID,
			"title":   task.Title,
		})
	}
	return created, nil
}

// Transition moves a task to a new status. Illegal transitions are conflicts.
// Moving to in_progress additionally requires every dependency to be done.
func (s *Service) Transition(ctx context.Context, taskID int64, to models.TaskStatus, actor string) (*models.Task, error) {
	var task *models.Task
	var from models.TaskStatus

	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		var err error
		task, err = tx.GetTaskForUpdate(ctx, taskID)
		if err != nil {
			return err
		}
		from = task.Status
		if from == to {
			return apperr.New(apperr.Conflict, "task %d is already %s", taskID, to)
		}
		if !models.CanTransition(from, to) {
			return apperr.New(apperr.Conflict, "task %d cannot move %s -> %s", taskID, from, to)
		}

		if to == models.TaskInProgress {
			if err := s.checkDependencies(ctx, tx, task); err != nil {
				return err
			}
		}

		now := time.Now().UTC()
		task.Status = to
		task.UpdatedAt = now
		if to == models.TaskDone {
			task.CompletedAt = &now
		}
		if err := tx.UpdateTask(ctx, task); err != nil {
			return err
		}
		_, err = tx.AppendEvent(ctx, events.TaskStream(task.ID), events.TaskStatusChanged,
			map[string]any{"old_status": string(from), "new_status": string(to)},
			events.Metadata{ActorID: actor})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.TaskStatusChanged, map[string]any{
		"task_id":    task.ID,
		"team_id":    task.TeamID,
		"old_status": string(from),
		"new_status": string(task.Status),
	})
	return task, nil
}

// checkDependencies verifies that every dependency of the task is done.
// Offenders are all reported at once so the caller sees the full picture.
func (s *Service) checkDependencies(ctx context.Context, tx *store.Tx, task *models.Task) error {
	if len(task.DependsOn) == 0 {
		return nil
	}
	deps, err := tx.ListTasksByIDs(ctx, task.DependsOn)
	if err != nil {
		return err
	}

	byID := make(map[int64]*models.Task, len(deps))
	for i := range deps {
		byID[deps[i].ID] = &deps[i]
	}

	var missing []int64
	var blocked []apperr.UnmetDependency
	for _, depID := range task.DependsOn {
		dep, ok := byID[depID]
		if !ok {
			missing = append(missing, depID)
			continue
		}
		if dep.Status != models.TaskDone {
			blocked = append(blocked, apperr.UnmetDependency{
				TaskID: dep.ID,
				Status: string(dep.Status),
			})
		}
	}
	if len(missing) > 0 || len(blocked) > 0 {
		return apperr.Dependencies(missing, blocked)
	}
	return nil
}

// Assign sets the task's assignee. The agent must belong to the task's team.
func (s *Service) Assign(ctx context.Context, taskID int64, agentID, actor string) (*models.Task, error) {
	var task *models.Task
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		var err error
		task, err = tx.GetTaskForUpdate(ctx, taskID)
		if err != nil {
			return err
		}
		if models.IsTerminal(task.Status) {
			return apperr.New(apperr.Conflict, "task %d is %s", taskID, task.Status)
		}

		agent, err := tx.GetAgentTx(ctx, agentID)
		if err != nil {
			return err
		}
		if agent.TeamID != task.TeamID {
			return apperr.New(apperr.Validation, "agent %s is not on team %s", agentID, task.TeamID)
		}

		task.AssigneeID = &agentID
		task.UpdatedAt = time.Now().UTC()
		if err := tx.UpdateTask(ctx, task); err != nil {
			return err
		}
		_, err = tx.AppendEvent(ctx, events.TaskStream(task.ID), events.TaskAssigned,
			map[string]any{"assignee_id": agentID}, events.Metadata{ActorID: actor})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.TaskAssigned, map[string]any{
		"task_id":     task.ID,
		"team_id":     task.TeamID,
		"assignee_id": agentID,
	})
	return task, nil
}

// UpdateParams are the optional fields Update can change. Nil fields are
// left untouched.
type UpdateParams struct {
	Title       *string
	Description *string
	Priority    *models.TaskPriority
	DRIID       *string
	Tags        []string
	Metadata    map[string]any
}

// Update edits a task's descriptive fields. Status changes go through
// Transition. Terminal tasks still accept edits; a terminal status freezes
// the lifecycle, not the metadata.
func (s *Service) Update(ctx context.Context, taskID int64, p UpdateParams, actor string) (*models.Task, error) {
	var task *models.Task
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		var err error
		task, err = tx.GetTaskForUpdate(ctx, taskID)
		if err != nil {
			return err
		}

		changed := map[string]any{}
		if p.Title != nil && *p.Title != task.Title {
			if strings.TrimSpace(*p.Title) == "" {
				return apperr.New(apperr.Validation, "title cannot be empty")
			}
			task.Title = *p.Title
			changed["title"] = task.Title
		}
		if p.Description != nil {
			task.Description = *p.Description
			changed["description"] = task.Description
		}
		if p.Priority != nil {
			if !validPriority(*p.Priority) {
				return apperr.New(apperr.Validation, "unknown priority %q", *p.Priority)
			}
			task.Priority = *p.Priority
			changed["priority"] = string(task.Priority)
		}
		if p.DRIID != nil {
			task.DRIID = p.DRIID
			changed["dri_id"] = *p.DRIID
		}
		if p.Tags != nil {
			task.Tags = models.StringList(p.Tags)
			changed["tags"] = p.Tags
		}
		if p.Metadata != nil {
			task.Metadata = models.JSONMap(p.Metadata)
			changed["metadata"] = p.Metadata
		}
		if len(changed) == 0 {
			return nil
		}

		task.UpdatedAt = time.Now().UTC()
		if err := tx.UpdateTask(ctx, task); err != nil {
			return err
		}
		_, err = tx.AppendEvent(ctx, events.TaskStream(task.ID), events.TaskUpdated,
			changed, events.Metadata{ActorID: actor})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.TaskUpdated, map[string]any{
		"task_id": task.ID,
		"team_id": task.TeamID,
	})
	return task, nil
}

// Get returns one task.
func (s *Service) Get(ctx context.Context, id int64) (*models.Task, error) {
	return s.store.GetTask(ctx, id)
}

// List returns tasks matching the filter.
func (s *Service) List(ctx context.Context, f store.TaskFilter) ([]models.Task, error) {
	return s.store.ListTasks(ctx, f)
}

// History returns a task's event stream in append order.
func (s *Service) History(ctx context.Context, taskID int64) ([]models.Event, error) {
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.store.EventStream(ctx, events.TaskStream(taskID), 0, 0)
}

func (s *Service) teamSettings(ctx context.Context, teamID string) (*models.TeamSettings, error) {
	settings, err := s.store.GetTeamSettings(ctx, teamID)
	if apperr.IsNotFound(err) {
		return &models.TeamSettings{TeamID: teamID}, nil
	}
	return settings, err
}

func (s *Service) publish(ctx context.Context, eventType string, data map[string]any) {
	if s.eventBus == nil {
		return
	}
	if err := s.eventBus.Publish(ctx, eventType, bus.NewEvent(eventType, "task-service", data)); err != nil {
		s.logger.Error("failed to publish task event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

func validPriority(p models.TaskPriority) bool {
	switch p {
	case models.PriorityLow, models.PriorityMedium, models.PriorityHigh, models.PriorityCritical:
		return true
	}
	return false
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	var out []int64
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
