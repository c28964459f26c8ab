// Package message implements durable agent inboxes with per-recipient FIFO
// delivery and delivered/seen/processed markers.
package message

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/openclaw/openclaw/internal/common/apperr"
	"github.com/openclaw/openclaw/internal/common/logger"
	"github.com/openclaw/openclaw/internal/events"
	"github.com/openclaw/openclaw/internal/events/bus"
	"github.com/openclaw/openclaw/internal/models"
	"github.com/openclaw/openclaw/internal/store"
)

// Service implements inbox operations.
type Service struct {
	store    *store.Store
	eventBus bus.EventBus
	logger   *logger.Logger
}

// NewService creates the message service.
func NewService(st *store.Store, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{store: st, eventBus: eventBus, logger: log}
}

// SendParams are the fields for one message.
type SendParams struct {
	TeamID        string
	SenderID      string
	SenderType    models.ActorType
	RecipientID   string
	RecipientType models.ActorType
	TaskID        *int64
	Content       string
}

// Send appends a message to the recipient's inbox. After commit, a
// new_message notification is published so the dispatcher can wake the
// recipient without polling.
func (s *Service) Send(ctx context.Context, p SendParams) (*models.Message, error) {
	if strings.TrimSpace(p.Content) == "" {
		return nil, apperr.New(apperr.Validation, "message content is required")
	}
	if p.SenderType == "" {
		p.SenderType = models.ActorAgent
	}
	if p.RecipientType == "" {
		p.RecipientType = models.ActorAgent
	}
	if p.RecipientType == models.ActorAgent {
		agent, err := s.store.GetAgent(ctx, p.RecipientID)
		if err != nil {
			return nil, err
		}
		if agent.TeamID != p.TeamID {
			return nil, apperr.New(apperr.Validation, "recipient %s is not on team %s", p.RecipientID, p.TeamID)
		}
	}

	msg := &models.Message{
		TeamID:        p.TeamID,
		SenderID:      p.SenderID,
		SenderType:    p.SenderType,
		RecipientID:   p.RecipientID,
		RecipientType: p.RecipientType,
		TaskID:        p.TaskID,
		Content:       p.Content,
		CreatedAt:     time.Now().UTC(),
	}
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		if err := tx.CreateMessage(ctx, msg); err != nil {
			return err
		}
		_, err := tx.AppendEvent(ctx, events.AgentStream(msg.RecipientID), events.MessageSent,
			map[string]any{
				"message_id": msg.ID,
				"sender_id":  msg.SenderID,
				"task_id":    msg.TaskID,
			}, events.Metadata{ActorID: msg.SenderID})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.notify(ctx, msg)
	return msg, nil
}

// notify publishes the new_message wakeup. The payload mirrors the database
// trigger so subscribers handle local and cross-process notifications alike.
func (s *Service) notify(ctx context.Context, msg *models.Message) {
	if s.eventBus == nil {
		return
	}
	data := map[string]any{
		"message_id":     msg.ID,
		"recipient_id":   msg.RecipientID,
		"recipient_type": string(msg.RecipientType),
		"team_id":        msg.TeamID,
		"task_id":        msg.TaskID,
	}
	event := bus.NewEvent(events.ChannelNewMessage, "message-service", data)
	if err := s.eventBus.Publish(ctx, events.ChannelNewMessage, event); err != nil {
		s.logger.Error("failed to publish new_message notification",
			zap.Int64("message_id", msg.ID),
			zap.Error(err))
	}
}

// Inbox returns a recipient's messages in FIFO order.
func (s *Service) Inbox(ctx context.Context, recipientID string, unprocessedOnly bool, limit int) ([]models.Message, error) {
	return s.store.Inbox(ctx, recipientID, unprocessedOnly, limit)
}

// MarkSeen stamps a message as seen.
func (s *Service) MarkSeen(ctx context.Context, messageID int64) error {
	return s.store.InTx(ctx, func(tx *store.Tx) error {
		return tx.MarkSeen(ctx, messageID, time.Now().UTC())
	})
}

// MarkProcessed stamps a message as fully handled. Processed messages leave
// the unprocessed inbox view.
func (s *Service) MarkProcessed(ctx context.Context, messageID int64) error {
	return s.store.InTx(ctx, func(tx *store.Tx) error {
		return tx.MarkProcessed(ctx, messageID, time.Now().UTC())
	})
}

// Get returns one message.
func (s *Service) Get(ctx context.Context, id int64) (*models.Message, error) {
	return s.store.GetMessage(ctx, id)
}
