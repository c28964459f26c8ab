package store

import (
	"context"
	"fmt"
	"time"

	"github.com/openclaw/openclaw/internal/db/dialect"
	"github.com/openclaw/openclaw/internal/models"
)

// CreateMessage inserts an inbox entry and fills in its generated id.
// Per-recipient FIFO order is the id order. The queue is durable, so a
// message counts as delivered the moment it lands in the inbox:
// delivered_at is stamped on insert.
func (t *Tx) CreateMessage(ctx context.Context, msg *models.Message) error {
	if msg.DeliveredAt == nil {
		msg.DeliveredAt = &msg.CreatedAt
	}
	id, err := dialect.InsertReturningID(ctx, t.tx,
		`INSERT INTO messages
			(team_id, sender_id, sender_type, recipient_id, recipient_type,
			 task_id, content, created_at, delivered_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.TeamID, msg.SenderID, msg.SenderType, msg.RecipientID,
		msg.RecipientType, msg.TaskID, msg.Content, msg.CreatedAt, msg.DeliveredAt)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	msg.ID = id
	return nil
}

// Inbox returns a recipient's messages in id order. With unprocessedOnly set
// it returns only entries not yet marked processed. limit <= 0 means no limit.
func (s *Store) Inbox(ctx context.Context, recipientID string, unprocessedOnly bool, limit int) ([]models.Message, error) {
	query := `SELECT * FROM messages WHERE recipient_id = ?`
	args := []any{recipientID}
	if unprocessedOnly {
		query += ` AND processed_at IS NULL`
	}
	query += ` ORDER BY id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var msgs []models.Message
	q := s.reader()
	if err := q.SelectContext(ctx, &msgs, q.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("read inbox for %s: %w", recipientID, err)
	}
	return msgs, nil
}

// GetMessage returns one message by id.
func (s *Store) GetMessage(ctx context.Context, id int64) (*models.Message, error) {
	var msg models.Message
	q := s.reader()
	if err := q.GetContext(ctx, &msg, q.Rebind(`SELECT * FROM messages WHERE id = ?`), id); err != nil {
		return nil, notFound(err, "message", id)
	}
	return &msg, nil
}

// MarkSeen stamps seen_at, backfilling delivered_at so the marker order
// delivered <= seen <= processed always holds.
func (t *Tx) MarkSeen(ctx context.Context, messageID int64, at time.Time) error {
	return t.markMessage(ctx, messageID,
		`UPDATE messages SET seen_at = COALESCE(seen_at, ?),
			delivered_at = COALESCE(delivered_at, seen_at, ?) WHERE id = ?`, at, at)
}

// MarkProcessed stamps processed_at, backfilling the earlier markers.
func (t *Tx) MarkProcessed(ctx context.Context, messageID int64, at time.Time) error {
	return t.markMessage(ctx, messageID,
		`UPDATE messages SET processed_at = COALESCE(processed_at, ?),
			seen_at = COALESCE(seen_at, ?),
			delivered_at = COALESCE(delivered_at, ?) WHERE id = ?`, at, at, at)
}

func (t *Tx) markMessage(ctx context.Context, messageID int64, query string, args ...any) error {
	args = append(args, messageID)
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("mark message %d: %w", messageID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFoundErr("message", messageID)
	}
	return nil
}

// RecipientsWithUnprocessed returns agent ids that have at least one
// unprocessed message. The dispatcher's fallback poll uses this to catch
// notifications lost between processes.
func (s *Store) RecipientsWithUnprocessed(ctx context.Context) ([]string, error) {
	var ids []string
	q := s.reader()
	err := q.SelectContext(ctx, &ids,
		q.Rebind(`SELECT DISTINCT recipient_id FROM messages
			WHERE processed_at IS NULL AND recipient_type = ? ORDER BY recipient_id`),
		models.ActorAgent)
	if err != nil {
		return nil, fmt.Errorf("scan unprocessed recipients: %w", err)
	}
	return ids, nil
}
