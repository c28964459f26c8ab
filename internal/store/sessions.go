package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/openclaw/openclaw/internal/common/apperr"
	"github.com/openclaw/openclaw/internal/db/dialect"
	"github.com/openclaw/openclaw/internal/models"
)

// CreateSession inserts a session and fills in its generated id. An agent has
// at most one open session; starting a second is a conflict.
func (t *Tx) CreateSession(ctx context.Context, sess *models.Session) error {
	var open int
	err := t.tx.GetContext(ctx, &open, t.tx.Rebind(
		`SELECT COUNT(*) FROM sessions WHERE agent_id = ? AND ended_at IS NULL`),
		sess.AgentID)
	if err != nil {
		return fmt.Errorf("check open sessions: %w", err)
	}
	if open > 0 {
		return apperr.New(apperr.Conflict, "agent %s already has an open session", sess.AgentID)
	}

	id, err := dialect.InsertReturningID(ctx, t.tx,
		`INSERT INTO sessions
			(agent_id, task_id, model, tokens_in, tokens_out, cache_read, cache_write,
			 cost_micros, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.AgentID, sess.TaskID, sess.Model, sess.TokensIn, sess.TokensOut,
		sess.CacheRead, sess.CacheWrite, sess.CostMicros, sess.StartedAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	sess.ID = id
	return nil
}

// GetSessionForUpdate reads a session inside the current transaction, taking
// a row lock on Postgres so concurrent usage records serialize.
func (t *Tx) GetSessionForUpdate(ctx context.Context, id int64) (*models.Session, error) {
	query := `SELECT * FROM sessions WHERE id = ?`
	if dialect.IsPostgres(t.driver) {
		query += ` FOR UPDATE`
	}
	var sess models.Session
	if err := t.tx.GetContext(ctx, &sess, t.tx.Rebind(query), id); err != nil {
		return nil, notFound(err, "session", id)
	}
	return &sess, nil
}

// UpdateSessionUsage writes back a session's token counters and cost.
func (t *Tx) UpdateSessionUsage(ctx context.Context, sess *models.Session) error {
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(
		`UPDATE sessions SET tokens_in = ?, tokens_out = ?, cache_read = ?,
			cache_write = ?, cost_micros = ? WHERE id = ?`),
		sess.TokensIn, sess.TokensOut, sess.CacheRead, sess.CacheWrite,
		sess.CostMicros, sess.ID)
	if err != nil {
		return fmt.Errorf("update session usage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFoundErr("session", sess.ID)
	}
	return nil
}

// EndSession closes an open session, optionally recording a failure reason.
// Ending an already-ended session is a conflict.
func (t *Tx) EndSession(ctx context.Context, id int64, failure *string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(
		`UPDATE sessions SET ended_at = ?, error = ? WHERE id = ? AND ended_at IS NULL`),
		at, failure, id)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := t.GetSessionForUpdate(ctx, id); err != nil {
			return err
		}
		return apperr.New(apperr.Conflict, "session %d already ended", id)
	}
	return nil
}

// TeamSpentSinceMicros sums session cost for all agents on a team with
// started_at on or after since. Read inside the transaction so the budget
// gate and the usage write it guards see the same spend.
func (t *Tx) TeamSpentSinceMicros(ctx context.Context, teamID string, since time.Time) (int64, error) {
	var spent int64
	err := t.tx.GetContext(ctx, &spent, t.tx.Rebind(
		`SELECT COALESCE(SUM(s.cost_micros), 0)
		 FROM sessions s JOIN agents a ON a.id = s.agent_id
		 WHERE a.team_id = ? AND s.started_at >= ?`),
		teamID, since)
	if err != nil {
		return 0, fmt.Errorf("sum team spend: %w", err)
	}
	return spent, nil
}

// TaskSpentSinceMicros sums session cost attributed to one task with
// started_at on or after since.
func (t *Tx) TaskSpentSinceMicros(ctx context.Context, taskID int64, since time.Time) (int64, error) {
	var spent int64
	err := t.tx.GetContext(ctx, &spent, t.tx.Rebind(
		`SELECT COALESCE(SUM(cost_micros), 0) FROM sessions
		 WHERE task_id = ? AND started_at >= ?`),
		taskID, since)
	if err != nil {
		return 0, fmt.Errorf("sum task spend: %w", err)
	}
	return spent, nil
}

// GetSession returns one session by id.
func (s *Store) GetSession(ctx context.Context, id int64) (*models.Session, error) {
	var sess models.Session
	q := s.reader()
	if err := q.GetContext(ctx, &sess, q.Rebind(`SELECT * FROM sessions WHERE id = ?`), id); err != nil {
		return nil, notFound(err, "session", id)
	}
	return &sess, nil
}

// OpenSession returns an agent's open session, or nil when none is open.
func (s *Store) OpenSession(ctx context.Context, agentID string) (*models.Session, error) {
	var sess models.Session
	q := s.reader()
	err := q.GetContext(ctx, &sess, q.Rebind(
		`SELECT * FROM sessions WHERE agent_id = ? AND ended_at IS NULL
		 ORDER BY id DESC LIMIT 1`), agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open session for %s: %w", agentID, err)
	}
	return &sess, nil
}

// ListSessions returns an agent's sessions, newest first. limit <= 0 means
// no limit.
func (s *Store) ListSessions(ctx context.Context, agentID string, limit int) ([]models.Session, error) {
	query := `SELECT * FROM sessions WHERE agent_id = ? ORDER BY id DESC`
	args := []any{agentID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var sessions []models.Session
	q := s.reader()
	if err := q.SelectContext(ctx, &sessions, q.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// CostSummaryRow aggregates one agent's spend within a window.
type CostSummaryRow struct {
	AgentID    string `db:"agent_id" json:"agent_id"`
	Sessions   int64  `db:"sessions" json:"sessions"`
	TokensIn   int64  `db:"tokens_in" json:"tokens_in"`
	TokensOut  int64  `db:"tokens_out" json:"tokens_out"`
	CacheRead  int64  `db:"cache_read" json:"cache_read"`
	CacheWrite int64  `db:"cache_write" json:"cache_write"`
	CostMicros int64  `db:"cost_micros" json:"cost_micros"`
}

// TeamCostSummary returns per-agent spend aggregates for sessions with
// started_at on or after since.
func (s *Store) TeamCostSummary(ctx context.Context, teamID string, since time.Time) ([]CostSummaryRow, error) {
	var rows []CostSummaryRow
	q := s.reader()
	err := q.SelectContext(ctx, &rows, q.Rebind(
		`SELECT s.agent_id AS agent_id,
			COUNT(*) AS sessions,
			COALESCE(SUM(s.tokens_in), 0) AS tokens_in,
			COALESCE(SUM(s.tokens_out), 0) AS tokens_out,
			COALESCE(SUM(s.cache_read), 0) AS cache_read,
			COALESCE(SUM(s.cache_write), 0) AS cache_write,
			COALESCE(SUM(s.cost_micros), 0) AS cost_micros
		 FROM sessions s JOIN agents a ON a.id = s.agent_id
		 WHERE a.team_id = ? AND s.started_at >= ?
		 GROUP BY s.agent_id
		 ORDER BY s.agent_id`),
		teamID, since)
	if err != nil {
		return nil, fmt.Errorf("team cost summary: %w", err)
	}
	return rows, nil
}
