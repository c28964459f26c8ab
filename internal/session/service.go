// Package session implements the session and cost ledger: it opens and
// closes agent work units, accumulates token usage into fixed-point cost, and
// refuses new sessions once a team budget cap is reached.
package session

import (
	"context"
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

// dailyWindow is the rolling window for the team daily cap.
const dailyWindow = 24 * time.Hour

// Service implements the session ledger.
type Service struct {
	store    *store.Store
	eventBus bus.EventBus
	logger   *logger.Logger
	prices   priceTable
	budgets  config.BudgetsConfig
}

// NewService creates the session ledger.
func NewService(st *store.Store, eventBus bus.EventBus, log *logger.Logger, prices map[string]config.ModelPrice, budgets config.BudgetsConfig) *Service {
	return &Service{
		store:    st,
		eventBus: eventBus,
		logger:   log,
		prices:   newPriceTable(prices),
		budgets:  budgets,
	}
}

// Start opens a session for an agent. It refuses with BudgetExceeded when
// the team's rolling 24-hour spend has reached the daily cap, or when the
// task's accumulated spend has reached the per-task cap. On success the agent
// moves to working.
func (s *Service) Start(ctx context.Context, agentID string, taskID *int64, model string) (*models.Session, error) {
	now := time.Now().UTC()
	var sess *models.Session

	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		agent, err := tx.GetAgentTx(ctx, agentID)
		if err != nil {
			return err
		}
		if model == "" {
			model = agent.Model
		}

		dailyCap, taskCap, err := s.caps(ctx, tx, agent.TeamID)
		if err != nil {
			return err
		}
		if dailyCap > 0 {
			spent, err := tx.TeamSpentSinceMicros(ctx, agent.TeamID, now.Add(-dailyWindow))
			if err != nil {
				return err
			}
			if spent >= dailyCap {
				return apperr.Budget("daily", spent, dailyCap)
			}
		}
		if taskCap > 0 && taskID != nil {
			spent, err := tx.TaskSpentSinceMicros(ctx, *taskID, time.Time{})
			if err != nil {
				return err
			}
			if spent >= taskCap {
				return apperr.Budget("task", spent, taskCap)
			}
		}

		sess = &models.Session{
			AgentID:   agentID,
			TaskID:    taskID,
			Model:     model,
			StartedAt: now,
		}
		if err := tx.CreateSession(ctx, sess); err != nil {
			return err
		}
		if err := tx.UpdateAgentStatus(ctx, agentID, models.AgentWorking); err != nil {
			return err
		}
		_, err = tx.AppendEvent(ctx, events.SessionStream(sess.ID), events.SessionStarted,
			map[string]any{"agent_id": agentID, "task_id": taskID, "model": model},
			events.Metadata{ActorID: agentID})
		return err
	})
	if err != nil {
		if apperr.KindOf(err) == apperr.BudgetExceeded {
			s.recordRefusal(ctx, agentID, err)
		}
		return nil, err
	}

	s.publish(ctx, events.SessionStarted, map[string]any{
		"session_id": sess.ID,
		"agent_id":   agentID,
	})
	return sess, nil
}

// recordRefusal appends agent.budget_exceeded in its own transaction, since
// the refusing error already rolled back the one that detected it.
func (s *Service) recordRefusal(ctx context.Context, agentID string, budgetErr error) {
	var details map[string]any
	var appErr *apperr.Error
	if apperr.As(budgetErr, &appErr) {
		details = appErr.Details
	}
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		_, err := tx.AppendEvent(ctx, events.AgentStream(agentID), events.AgentBudgetExceeded,
			details, events.Metadata{ActorID: agentID})
		return err
	})
	if err != nil {
		s.logger.Warn("failed to record budget refusal", zap.Error(err))
		return
	}
	s.publish(ctx, events.AgentBudgetExceeded, map[string]any{"agent_id": agentID})
}

// Usage is one non-negative usage delta.
type Usage struct {
	TokensIn   int64
	TokensOut  int64
	CacheRead  int64
	CacheWrite int64
}

// RecordUsage adds a usage delta to an open session and recomputes cost from
// the price schedule. An unknown model records zero cost and emits
// cost.unknown_model rather than failing.
func (s *Service) RecordUsage(ctx context.Context, sessionID int64, u Usage) (*models.Session, error) {
	if u.TokensIn < 0 || u.TokensOut < 0 || u.CacheRead < 0 || u.CacheWrite < 0 {
		return nil, apperr.New(apperr.Validation, "usage deltas must be non-negative")
	}

	var sess *models.Session
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		var err error
		sess, err = tx.GetSessionForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.EndedAt != nil {
			return apperr.New(apperr.Conflict, "session %d already ended", sessionID)
		}

		costDelta, known := s.prices.cost(sess.Model, u.TokensIn, u.TokensOut, u.CacheRead, u.CacheWrite)
		if !known {
			if _, err := tx.AppendEvent(ctx, events.SessionStream(sess.ID), events.CostUnknownModel,
				map[string]any{"model": sess.Model}, events.Metadata{ActorID: sess.AgentID}); err != nil {
				return err
			}
		}

		sess.TokensIn += u.TokensIn
		sess.TokensOut += u.TokensOut
		sess.CacheRead += u.CacheRead
		sess.CacheWrite += u.CacheWrite
		sess.CostMicros += costDelta
		if err := tx.UpdateSessionUsage(ctx, sess); err != nil {
			return err
		}
		_, err = tx.AppendEvent(ctx, events.SessionStream(sess.ID), events.SessionUsageRecorded,
			map[string]any{
				"tokens_in":   u.TokensIn,
				"tokens_out":  u.TokensOut,
				"cache_read":  u.CacheRead,
				"cache_write": u.CacheWrite,
				"cost_micros": costDelta,
			}, events.Metadata{ActorID: sess.AgentID})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.SessionUsageRecorded, map[string]any{
		"session_id":  sess.ID,
		"cost_micros": sess.CostMicros,
	})
	return sess, nil
}

// End closes an open session. A non-empty failure reason moves the agent to
// error instead of idle.
func (s *Service) End(ctx context.Context, sessionID int64, failure string) (*models.Session, error) {
	now := time.Now().UTC()
	var sess *models.Session

	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		var err error
		sess, err = tx.GetSessionForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}

		var failurePtr *string
		if failure != "" {
			failurePtr = &failure
		}
		if err := tx.EndSession(ctx, sessionID, failurePtr, now); err != nil {
			return err
		}
		sess.EndedAt = &now
		sess.Error = failurePtr

		status := models.AgentIdle
		if failure != "" {
			status = models.AgentError
		}
		if err := tx.UpdateAgentStatus(ctx, sess.AgentID, status); err != nil {
			return err
		}
		_, err = tx.AppendEvent(ctx, events.SessionStream(sess.ID), events.SessionEnded,
			map[string]any{"agent_id": sess.AgentID, "error": failure, "cost_micros": sess.CostMicros},
			events.Metadata{ActorID: sess.AgentID})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.SessionEnded, map[string]any{
		"session_id": sess.ID,
		"agent_id":   sess.AgentID,
	})
	return sess, nil
}

// BudgetStatus is the non-mutating budget view for one agent.
type BudgetStatus struct {
	DailySpentMicros int64  `json:"daily_spent_micros"`
	DailyLimitMicros int64  `json:"daily_limit_micros"`
	TaskSpentMicros  *int64 `json:"task_spent_micros,omitempty"`
	TaskLimitMicros  int64  `json:"task_limit_micros"`
	OverBudget       bool   `json:"over_budget"`
}

// CheckBudget reports caps, current spend, and whether a new session would
// be refused. It reads the same committed state StartSession consults.
func (s *Service) CheckBudget(ctx context.Context, agentID string, taskID *int64) (*BudgetStatus, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	status := &BudgetStatus{}
	err = s.store.InTx(ctx, func(tx *store.Tx) error {
		dailyCap, taskCap, err := s.caps(ctx, tx, agent.TeamID)
		if err != nil {
			return err
		}
		status.DailyLimitMicros = dailyCap
		status.TaskLimitMicros = taskCap

		status.DailySpentMicros, err = tx.TeamSpentSinceMicros(ctx, agent.TeamID, now.Add(-dailyWindow))
		if err != nil {
			return err
		}
		if dailyCap > 0 && status.DailySpentMicros >= dailyCap {
			status.OverBudget = true
		}

		if taskID != nil {
			spent, err := tx.TaskSpentSinceMicros(ctx, *taskID, time.Time{})
			if err != nil {
				return err
			}
			status.TaskSpentMicros = &spent
			if taskCap > 0 && spent >= taskCap {
				status.OverBudget = true
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

// CostSummary returns per-agent spend aggregates for a team over the last
// given number of days.
func (s *Service) CostSummary(ctx context.Context, teamID string, days int) ([]store.CostSummaryRow, error) {
	if days <= 0 {
		days = 1
	}
	since := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	return s.store.TeamCostSummary(ctx, teamID, since)
}

// Get returns one session.
func (s *Service) Get(ctx context.Context, id int64) (*models.Session, error) {
	return s.store.GetSession(ctx, id)
}

// Open returns an agent's open session, or nil.
func (s *Service) Open(ctx context.Context, agentID string) (*models.Session, error) {
	return s.store.OpenSession(ctx, agentID)
}

// caps resolves the effective budget caps: team settings override the
// configured defaults; zero means unlimited.
func (s *Service) caps(ctx context.Context, tx *store.Tx, teamID string) (daily, task int64, err error) {
	daily = s.budgets.TeamDailyCapMicros()
	task = s.budgets.PerTaskCapMicros()

	settings, err := tx.GetTeamSettingsTx(ctx, teamID)
	if apperr.IsNotFound(err) {
		return daily, task, nil
	}
	if err != nil {
		return 0, 0, err
	}
	if settings.DailyCapMicros > 0 {
		daily = settings.DailyCapMicros
	}
	if settings.TaskCapMicros > 0 {
		task = settings.TaskCapMicros
	}
	return daily, task, nil
}

func (s *Service) publish(ctx context.Context, eventType string, data map[string]any) {
	if s.eventBus == nil {
		return
	}
	if err := s.eventBus.Publish(ctx, eventType, bus.NewEvent(eventType, "session-ledger", data)); err != nil {
		s.logger.Error("failed to publish session event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
