package store

import (
	"context"
	"fmt"
	"time"

	"github.com/openclaw/openclaw/internal/common/apperr"
	"github.com/openclaw/openclaw/internal/db/dialect"
	"github.com/openclaw/openclaw/internal/models"
)

// CreateHumanRequest inserts a pending request and fills in its generated id.
func (t *Tx) CreateHumanRequest(ctx context.Context, req *models.HumanRequest) error {
	id, err := dialect.InsertReturningID(ctx, t.tx,
		`INSERT INTO human_requests
			(team_id, agent_id, task_id, kind, question, options, status, timeout_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.TeamID, req.AgentID, req.TaskID, req.Kind, req.Question,
		req.Options, req.Status, req.TimeoutAt, req.CreatedAt)
	if err != nil {
		return fmt.Errorf("create human request: %w", err)
	}
	req.ID = id
	return nil
}

// ResolveHumanRequest moves a pending request to resolved. Resolving a
// request that already left pending is a conflict; the first terminal
// transition wins.
func (t *Tx) ResolveHumanRequest(ctx context.Context, id int64, response, respondedBy string, at time.Time) (*models.HumanRequest, error) {
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(
		`UPDATE human_requests
		 SET status = ?, response = ?, responded_by = ?, resolved_at = ?
		 WHERE id = ? AND status = ?`),
		models.RequestResolved, response, respondedBy, at, id, models.RequestPending)
	if err != nil {
		return nil, fmt.Errorf("resolve human request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		req, err := t.getHumanRequest(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, apperr.New(apperr.Conflict,
			"human request %d is %s, not pending", id, req.Status)
	}
	return t.getHumanRequest(ctx, id)
}

// ExpireHumanRequest moves a pending request to expired. It is idempotent: a
// request that already left pending is left untouched and reported as
// unchanged.
func (t *Tx) ExpireHumanRequest(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(
		`UPDATE human_requests SET status = ?, resolved_at = ?
		 WHERE id = ? AND status = ?`),
		models.RequestExpired, at, id, models.RequestPending)
	if err != nil {
		return false, fmt.Errorf("expire human request: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := t.getHumanRequest(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// GetHumanRequestTx reads a request inside the current transaction.
func (t *Tx) GetHumanRequestTx(ctx context.Context, id int64) (*models.HumanRequest, error) {
	return t.getHumanRequest(ctx, id)
}

func (t *Tx) getHumanRequest(ctx context.Context, id int64) (*models.HumanRequest, error) {
	var req models.HumanRequest
	if err := t.tx.GetContext(ctx, &req, t.tx.Rebind(
		`SELECT * FROM human_requests WHERE id = ?`), id); err != nil {
		return nil, notFound(err, "human request", id)
	}
	return &req, nil
}

// GetHumanRequest returns one request by id.
func (s *Store) GetHumanRequest(ctx context.Context, id int64) (*models.HumanRequest, error) {
	var req models.HumanRequest
	q := s.reader()
	if err := q.GetContext(ctx, &req, q.Rebind(
		`SELECT * FROM human_requests WHERE id = ?`), id); err != nil {
		return nil, notFound(err, "human request", id)
	}
	return &req, nil
}

// ListHumanRequests returns a team's requests, optionally filtered by status,
// newest first.
func (s *Store) ListHumanRequests(ctx context.Context, teamID string, status models.HumanRequestStatus) ([]models.HumanRequest, error) {
	query := `SELECT * FROM human_requests WHERE team_id = ?`
	args := []any{teamID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY id DESC`

	var reqs []models.HumanRequest
	q := s.reader()
	if err := q.SelectContext(ctx, &reqs, q.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list human requests: %w", err)
	}
	return reqs, nil
}

// ListTimedOutRequests returns pending requests whose timeout has passed.
// The expiry poller sweeps these.
func (s *Store) ListTimedOutRequests(ctx context.Context, now time.Time) ([]models.HumanRequest, error) {
	var reqs []models.HumanRequest
	q := s.reader()
	err := q.SelectContext(ctx, &reqs, q.Rebind(
		`SELECT * FROM human_requests
		 WHERE status = ? AND timeout_at IS NOT NULL AND timeout_at <= ?
		 ORDER BY id`),
		models.RequestPending, now)
	if err != nil {
		return nil, fmt.Errorf("list timed out requests: %w", err)
	}
	return reqs, nil
}
