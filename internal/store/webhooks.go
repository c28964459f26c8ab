package store

import (
	"context"
	"fmt"
	"time"

	"github.com/openclaw/openclaw/internal/models"
)

// RecordWebhookDelivery stores an inbound webhook for audit.
func (t *Tx) RecordWebhookDelivery(ctx context.Context, d *models.WebhookDelivery) error {
	_, err := t.tx.ExecContext(ctx, t.tx.Rebind(
		`INSERT INTO webhook_deliveries (id, source, event_kind, payload, status, received_at)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		d.ID, d.Source, d.EventKind, d.Payload, d.Status, d.ReceivedAt)
	if err != nil {
		return fmt.Errorf("record webhook delivery: %w", err)
	}
	return nil
}

// MarkWebhookProcessed stamps a delivery as handled.
func (t *Tx) MarkWebhookProcessed(ctx context.Context, id, status string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(
		`UPDATE webhook_deliveries SET status = ?, processed_at = ? WHERE id = ?`),
		status, at, id)
	if err != nil {
		return fmt.Errorf("mark webhook processed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFoundErr("webhook delivery", id)
	}
	return nil
}

// GetWebhookDelivery returns one delivery by id.
func (s *Store) GetWebhookDelivery(ctx context.Context, id string) (*models.WebhookDelivery, error) {
	var d models.WebhookDelivery
	q := s.reader()
	if err := q.GetContext(ctx, &d, q.Rebind(
		`SELECT * FROM webhook_deliveries WHERE id = ?`), id); err != nil {
		return nil, notFound(err, "webhook delivery", id)
	}
	return &d, nil
}

// ListWebhookDeliveries returns recent deliveries, newest first, optionally
// filtered by source.
func (s *Store) ListWebhookDeliveries(ctx context.Context, source string, limit int) ([]models.WebhookDelivery, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT * FROM webhook_deliveries`
	var args []any
	if source != "" {
		query += ` WHERE source = ?`
		args = append(args, source)
	}
	query += ` ORDER BY received_at DESC LIMIT ?`
	args = append(args, limit)

	var out []models.WebhookDelivery
	q := s.reader()
	if err := q.SelectContext(ctx, &out, q.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list webhook deliveries: %w", err)
	}
	return out, nil
}
