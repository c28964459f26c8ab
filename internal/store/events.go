package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openclaw/openclaw/internal/db/dialect"
	"github.com/openclaw/openclaw/internal/events"
	"github.com/openclaw/openclaw/internal/models"
)

// AppendEvent writes one record to the append-only log inside the current
// transaction. Callers pair it with the mutation it describes so both commit
// or roll back together.
func (t *Tx) AppendEvent(ctx context.Context, streamID, eventType string, data any, meta events.Metadata) (*models.Event, error) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal event metadata: %w", err)
	}

	now := time.Now().UTC()
	id, err := dialect.InsertReturningID(ctx, t.tx,
		`INSERT INTO events (stream_id, type, data, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		streamID, eventType, string(dataJSON), string(metaJSON), now)
	if err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}

	return &models.Event{
		ID:        id,
		StreamID:  streamID,
		Type:      eventType,
		Data:      string(dataJSON),
		Metadata:  string(metaJSON),
		CreatedAt: now,
	}, nil
}

// EventStream returns events for one stream with id > sinceID, in id order.
// limit <= 0 means no limit.
func (s *Store) EventStream(ctx context.Context, streamID string, sinceID int64, limit int) ([]models.Event, error) {
	query := `SELECT * FROM events WHERE stream_id = ? AND id > ? ORDER BY id`
	args := []any{streamID, sinceID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var evs []models.Event
	q := s.reader()
	if err := q.SelectContext(ctx, &evs, q.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list events for stream %s: %w", streamID, err)
	}
	return evs, nil
}

// EventsByType returns the most recent events of one type, newest first.
func (s *Store) EventsByType(ctx context.Context, eventType string, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var evs []models.Event
	q := s.reader()
	err := q.SelectContext(ctx, &evs,
		q.Rebind(`SELECT * FROM events WHERE type = ? ORDER BY id DESC LIMIT ?`),
		eventType, limit)
	if err != nil {
		return nil, fmt.Errorf("list events of type %s: %w", eventType, err)
	}
	return evs, nil
}

// GetEvent returns one event by id.
func (s *Store) GetEvent(ctx context.Context, id int64) (*models.Event, error) {
	var ev models.Event
	q := s.reader()
	if err := q.GetContext(ctx, &ev, q.Rebind(`SELECT * FROM events WHERE id = ?`), id); err != nil {
		return nil, notFound(err, "event", id)
	}
	return &ev, nil
}
