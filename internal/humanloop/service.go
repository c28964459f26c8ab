// Package humanloop manages agent-originated requests for human input:
// creation, resolution, and timeout-driven expiry.
package humanloop

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

// Service implements the human-request lifecycle.
type Service struct {
	store    *store.Store
	eventBus bus.EventBus
	logger   *logger.Logger
}

// NewService creates the human-loop service.
func NewService(st *store.Store, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{store: st, eventBus: eventBus, logger: log}
}

// CreateParams are the fields for a new request.
type CreateParams struct {
	TeamID         string
	AgentID        string
	Kind           models.HumanRequestKind
	Question       string
	Options        []string
	TaskID         *int64
	TimeoutMinutes int
}

// Create opens a pending request. A positive timeout arms the expiry sweep.
func (s *Service) Create(ctx context.Context, p CreateParams) (*models.HumanRequest, error) {
	if strings.TrimSpace(p.Question) == "" {
		return nil, apperr.New(apperr.Validation, "question is required")
	}
	switch p.Kind {
	case models.RequestQuestion, models.RequestApproval, models.RequestReview:
	case "":
		p.Kind = models.RequestQuestion
	default:
		return nil, apperr.New(apperr.Validation, "unknown request kind %q", p.Kind)
	}
	agent, err := s.store.GetAgent(ctx, p.AgentID)
	if err != nil {
		return nil, err
	}
	if agent.TeamID != p.TeamID {
		return nil, apperr.New(apperr.Validation, "agent %s is not on team %s", p.AgentID, p.TeamID)
	}

	now := time.Now().UTC()
	req := &models.HumanRequest{
		TeamID:    p.TeamID,
		AgentID:   p.AgentID,
		TaskID:    p.TaskID,
		Kind:      p.Kind,
		Question:  p.Question,
		Options:   models.StringList(p.Options),
		Status:    models.RequestPending,
		CreatedAt: now,
	}
	if p.TimeoutMinutes > 0 {
		timeoutAt := now.Add(time.Duration(p.TimeoutMinutes) * time.Minute)
		req.TimeoutAt = &timeoutAt
	}

	err = s.store.InTx(ctx, func(tx *store.Tx) error {
		if err := tx.CreateHumanRequest(ctx, req); err != nil {
			return err
		}
		_, err := tx.AppendEvent(ctx, events.HumanRequestStream(req.ID), events.HumanRequestCreated,
			map[string]any{
				"agent_id": req.AgentID,
				"kind":     string(req.Kind),
				"question": req.Question,
				"task_id":  req.TaskID,
			}, events.Metadata{ActorID: req.AgentID})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.HumanRequestCreated, map[string]any{
		"request_id": req.ID,
		"agent_id":   req.AgentID,
		"team_id":    req.TeamID,
	})
	return req, nil
}

// Respond resolves a pending request with a human answer. Exactly one
// terminal transition wins; answering a request that already resolved or
// expired is a conflict.
func (s *Service) Respond(ctx context.Context, id int64, response, responder string) (*models.HumanRequest, error) {
	if strings.TrimSpace(response) == "" {
		return nil, apperr.New(apperr.Validation, "response is required")
	}

	now := time.Now().UTC()
	var req *models.HumanRequest
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		var err error
		req, err = tx.ResolveHumanRequest(ctx, id, response, responder, now)
		if err != nil {
			return err
		}
		_, err = tx.AppendEvent(ctx, events.HumanRequestStream(id), events.HumanRequestResolved,
			map[string]any{"response": response, "responded_by": responder},
			events.Metadata{ActorID: responder})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.notifyTerminal(ctx, req)
	return req, nil
}

// Expire moves a pending request past its timeout to expired. It is
// idempotent: expiring an already-terminal request is a no-op. A pending
// request whose timeout has not passed yet is left alone.
func (s *Service) Expire(ctx context.Context, id int64) (*models.HumanRequest, error) {
	now := time.Now().UTC()
	var req *models.HumanRequest
	var changed bool

	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		current, err := tx.GetHumanRequestTx(ctx, id)
		if err != nil {
			return err
		}
		if current.Status == models.RequestPending &&
			(current.TimeoutAt == nil || current.TimeoutAt.After(now)) {
			return apperr.New(apperr.Conflict, "human request %d has not timed out", id)
		}

		changed, err = tx.ExpireHumanRequest(ctx, id, now)
		if err != nil {
			return err
		}
		if !changed {
			req = current
			return nil
		}
		_, err = tx.AppendEvent(ctx, events.HumanRequestStream(id), events.HumanRequestExpired,
			map[string]any{"timeout_at": current.TimeoutAt}, events.Metadata{})
		return err
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return req, nil
	}

	req, err = s.store.GetHumanRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	s.notifyTerminal(ctx, req)
	return req, nil
}

func (s *Service) publish(ctx context.Context, eventType string, data map[string]any) {
	if s.eventBus == nil {
		return
	}
	if err := s.eventBus.Publish(ctx, eventType, bus.NewEvent(eventType, "human-loop", data)); err != nil {
		s.logger.Error("failed to publish event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// notifyTerminal publishes the human_request_resolved wakeup after a request
// leaves pending. The dispatcher treats it as "the waiting agent can make
// progress"; the runner re-reads the request through the API.
func (s *Service) notifyTerminal(ctx context.Context, req *models.HumanRequest) {
	if s.eventBus == nil {
		return
	}
	data := map[string]any{
		"request_id": req.ID,
		"agent_id":   req.AgentID,
		"team_id":    req.TeamID,
		"status":     string(req.Status),
	}
	event := bus.NewEvent(events.ChannelHumanRequestResolved, "human-loop", data)
	if err := s.eventBus.Publish(ctx, events.ChannelHumanRequestResolved, event); err != nil {
		s.logger.Error("failed to publish human_request_resolved",
			zap.Int64("request_id", req.ID),
			zap.Error(err))
	}
}

// Get returns one request by id. Adapters poll this, so the lookup is a
// single primary-key read.
func (s *Service) Get(ctx context.Context, id int64) (*models.HumanRequest, error) {
	return s.store.GetHumanRequest(ctx, id)
}

// List returns a team's requests, optionally filtered by status.
func (s *Service) List(ctx context.Context, teamID string, status models.HumanRequestStatus) ([]models.HumanRequest, error) {
	return s.store.ListHumanRequests(ctx, teamID, status)
}

// ExpireDue sweeps every pending request past its timeout. Returns the
// number of requests expired.
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	due, err := s.store.ListTimedOutRequests(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, req := range due {
		if _, err := s.Expire(ctx, req.ID); err != nil {
			// Lost the race with a concurrent Respond; the request reached a
			// terminal state either way.
			if apperr.IsConflict(err) {
				continue
			}
			s.logger.Error("failed to expire human request",
				zap.Int64("request_id", req.ID),
				zap.Error(err))
			continue
		}
		expired++
	}
	return expired, nil
}
