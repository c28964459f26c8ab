package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/openclaw/internal/db/dialect"
	"github.com/openclaw/openclaw/internal/models"
)

// CreateTask inserts a task and fills in its generated id.
func (t *Tx) CreateTask(ctx context.Context, task *models.Task) error {
	id, err := dialect.InsertReturningID(ctx, t.tx,
		`INSERT INTO tasks
			(team_id, title, description, status, priority, dri_id, assignee_id,
			 depends_on, repo_ids, tags, branch, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.TeamID, task.Title, task.Description, task.Status, task.Priority,
		task.DRIID, task.AssigneeID, task.DependsOn, task.RepoIDs, task.Tags,
		task.Branch, task.Metadata, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	task.ID = id
	return nil
}

// SetTaskBranch records the derived branch name. Branch derivation needs the
// generated id, so this runs right after CreateTask in the same transaction.
func (t *Tx) SetTaskBranch(ctx context.Context, taskID int64, branch string) error {
	_, err := t.tx.ExecContext(ctx, t.tx.Rebind(
		`UPDATE tasks SET branch = ? WHERE id = ?`), branch, taskID)
	if err != nil {
		return fmt.Errorf("set task branch: %w", err)
	}
	return nil
}

// GetTaskForUpdate reads a task inside the current transaction, taking a row
// lock on Postgres. The SQLite writer is a single connection, so the
// transaction itself serializes writers there.
func (t *Tx) GetTaskForUpdate(ctx context.Context, id int64) (*models.Task, error) {
	query := `SELECT * FROM tasks WHERE id = ?`
	if dialect.IsPostgres(t.driver) {
		query += ` FOR UPDATE`
	}
	var task models.Task
	if err := t.tx.GetContext(ctx, &task, t.tx.Rebind(query), id); err != nil {
		return nil, notFound(err, "task", id)
	}
	return &task, nil
}

// UpdateTask writes back a task's mutable fields.
func (t *Tx) UpdateTask(ctx context.Context, task *models.Task) error {
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(
		`UPDATE tasks SET
			title = ?, description = ?, status = ?, priority = ?, dri_id = ?,
			assignee_id = ?, depends_on = ?, repo_ids = ?, tags = ?, branch = ?,
			metadata = ?, updated_at = ?, completed_at = ?
		 WHERE id = ?`),
		task.Title, task.Description, task.Status, task.Priority, task.DRIID,
		task.AssigneeID, task.DependsOn, task.RepoIDs, task.Tags, task.Branch,
		task.Metadata, task.UpdatedAt, task.CompletedAt, task.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFoundErr("task", task.ID)
	}
	return nil
}

// ListTasksByIDs reads the given tasks inside the current transaction, for
// dependency checks. Missing ids are simply absent from the result.
func (t *Tx) ListTasksByIDs(ctx context.Context, ids []int64) ([]models.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT * FROM tasks WHERE id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("build task id query: %w", err)
	}
	var tasks []models.Task
	if err := t.tx.SelectContext(ctx, &tasks, t.tx.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list tasks by ids: %w", err)
	}
	return tasks, nil
}

// GetTask returns one task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	var task models.Task
	q := s.reader()
	if err := q.GetContext(ctx, &task, q.Rebind(`SELECT * FROM tasks WHERE id = ?`), id); err != nil {
		return nil, notFound(err, "task", id)
	}
	return &task, nil
}

// TaskFilter narrows ListTasks. Zero-value fields are ignored.
type TaskFilter struct {
	TeamID     string
	Status     models.TaskStatus
	AssigneeID string
}

// ListTasks returns tasks matching the filter in id order.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]models.Task, error) {
	query := `SELECT * FROM tasks WHERE 1=1`
	var args []any
	if f.TeamID != "" {
		query += ` AND team_id = ?`
		args = append(args, f.TeamID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.AssigneeID != "" {
		query += ` AND assignee_id = ?`
		args = append(args, f.AssigneeID)
	}
	query += ` ORDER BY id`

	var tasks []models.Task
	q := s.reader()
	if err := q.SelectContext(ctx, &tasks, q.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// ListDependents returns tasks whose depends_on contains the given id. Used
// to surface what a cancellation or completion unblocks.
func (s *Store) ListDependents(ctx context.Context, taskID int64) ([]models.Task, error) {
	// depends_on is a JSON array of numbers; a LIKE match over-approximates
	// (matches 12 inside 123), so re-check in Go.
	pattern := fmt.Sprintf("%%%d%%", taskID)
	var candidates []models.Task
	q := s.reader()
	err := q.SelectContext(ctx, &candidates,
		q.Rebind(`SELECT * FROM tasks WHERE depends_on LIKE ? ORDER BY id`), pattern)
	if err != nil {
		return nil, fmt.Errorf("list dependents: %w", err)
	}

	var out []models.Task
	for _, c := range candidates {
		for _, dep := range c.DependsOn {
			if dep == taskID {
				out = append(out, c)
				break
			}
		}
	}
	return out, nil
}
