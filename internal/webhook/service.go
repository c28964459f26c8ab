// Package webhook keeps an audit trail of inbound webhook deliveries.
// Translating deliveries into tasks or messages happens outside the core;
// the core records, lists, and stamps them.
package webhook

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/openclaw/internal/common/apperr"
	"github.com/openclaw/openclaw/internal/common/logger"
	"github.com/openclaw/openclaw/internal/models"
	"github.com/openclaw/openclaw/internal/store"
)

// StatusReceived is the initial status of every delivery.
const StatusReceived = "received"

// Service records webhook deliveries.
type Service struct {
	store  *store.Store
	logger *logger.Logger
}

// NewService creates the webhook audit service.
func NewService(st *store.Store, log *logger.Logger) *Service {
	return &Service{store: st, logger: log}
}

// Record stores a delivery with a fresh id and received status.
func (s *Service) Record(ctx context.Context, source, eventKind, payload string) (*models.WebhookDelivery, error) {
	if strings.TrimSpace(source) == "" {
		return nil, apperr.New(apperr.Validation, "source is required")
	}
	d := &models.WebhookDelivery{
		ID:         uuid.New().String(),
		Source:     source,
		EventKind:  eventKind,
		Payload:    payload,
		Status:     StatusReceived,
		ReceivedAt: time.Now().UTC(),
	}
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		return tx.RecordWebhookDelivery(ctx, d)
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// MarkProcessed stamps a delivery with its handling outcome.
func (s *Service) MarkProcessed(ctx context.Context, id, status string) (*models.WebhookDelivery, error) {
	if strings.TrimSpace(status) == "" {
		return nil, apperr.New(apperr.Validation, "status is required")
	}
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		return tx.MarkWebhookProcessed(ctx, id, status, time.Now().UTC())
	})
	if err != nil {
		return nil, err
	}
	return s.store.GetWebhookDelivery(ctx, id)
}

// Get returns one delivery.
func (s *Service) Get(ctx context.Context, id string) (*models.WebhookDelivery, error) {
	return s.store.GetWebhookDelivery(ctx, id)
}

// List returns recent deliveries, newest first, optionally filtered by source.
func (s *Service) List(ctx context.Context, source string, limit int) ([]models.WebhookDelivery, error) {
	return s.store.ListWebhookDeliveries(ctx, source, limit)
}
