package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/openclaw/internal/common/apperr"
	"github.com/openclaw/openclaw/internal/common/config"
	"github.com/openclaw/openclaw/internal/common/logger"
	"github.com/openclaw/openclaw/internal/db"
	"github.com/openclaw/openclaw/internal/db/dialect"
	"github.com/openclaw/openclaw/internal/events"
	"github.com/openclaw/openclaw/internal/events/bus"
	"github.com/openclaw/openclaw/internal/models"
	"github.com/openclaw/openclaw/internal/store"
)

// testPrices: input costs exactly 1 currency unit per million tokens, so one
// token is one micro-unit. cacheRead exercises rounding up.
var testPrices = map[string]config.ModelPrice{
	"test-model": {Input: 1.0, Output: 2.0, CacheRead: 0.3, CacheWrite: 1.5},
}

func newTestService(t *testing.T, budgets config.BudgetsConfig) (*Service, *store.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	dbConn, err := db.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("failed to open SQLite database: %v", err)
	}
	sqlxDB := sqlx.NewDb(dbConn, dialect.SQLite3)
	st, err := store.New(db.NewPool(sqlxDB, sqlxDB), dialect.SQLite3)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	svc := NewService(st, bus.NewMemoryEventBus(log), log, testPrices, budgets)
	return svc, st
}

func seedTeam(t *testing.T, st *store.Store, teamID, agentID string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	err := st.InTx(ctx, func(tx *store.Tx) error {
		if err := tx.CreateOrganization(ctx, &models.Organization{
			ID: "org-" + teamID, Name: "Org", Slug: "org-" + teamID, CreatedAt: now,
		}); err != nil {
			return err
		}
		if err := tx.CreateTeam(ctx, &models.Team{
			ID: teamID, OrgID: "org-" + teamID, Name: "Team", Slug: teamID, CreatedAt: now,
		}); err != nil {
			return err
		}
		return tx.CreateAgent(ctx, &models.Agent{
			ID: agentID, TeamID: teamID, Name: agentID, Role: models.RoleEngineer,
			Model: "test-model", Status: models.AgentIdle, Config: "{}",
			CreatedAt: now, UpdatedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("failed to seed team: %v", err)
	}
}

func setDailyCap(t *testing.T, st *store.Store, teamID string, capMicros int64) {
	t.Helper()
	ctx := context.Background()
	err := st.InTx(ctx, func(tx *store.Tx) error {
		return tx.UpsertTeamSettings(ctx, &models.TeamSettings{
			TeamID: teamID, DailyCapMicros: capMicros, UpdatedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		t.Fatalf("failed to set cap: %v", err)
	}
}

func TestStartEndLifecycle(t *testing.T) {
	svc, st := newTestService(t, config.BudgetsConfig{})
	ctx := context.Background()
	seedTeam(t, st, "team-1", "agent-1")

	sess, err := svc.Start(ctx, "agent-1", nil, "")
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	if sess.Model != "test-model" {
		t.Errorf("expected agent's model used, got %q", sess.Model)
	}

	agent, err := st.GetAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("failed to get agent: %v", err)
	}
	if agent.Status != models.AgentWorking {
		t.Errorf("expected agent working, got %s", agent.Status)
	}

	// A second session for the same agent is refused.
	if _, err := svc.Start(ctx, "agent-1", nil, ""); !apperr.IsConflict(err) {
		t.Errorf("expected conflict on second open session, got %v", err)
	}

	ended, err := svc.End(ctx, sess.ID, "")
	if err != nil {
		t.Fatalf("failed to end session: %v", err)
	}
	if ended.EndedAt == nil {
		t.Error("expected ended_at set")
	}
	agent, _ = st.GetAgent(ctx, "agent-1")
	if agent.Status != models.AgentIdle {
		t.Errorf("expected agent idle after clean end, got %s", agent.Status)
	}
}

func TestEndWithFailureMarksAgentError(t *testing.T) {
	svc, st := newTestService(t, config.BudgetsConfig{})
	ctx := context.Background()
	seedTeam(t, st, "team-1", "agent-1")

	sess, err := svc.Start(ctx, "agent-1", nil, "")
	if err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	ended, err := svc.End(ctx, sess.ID, "adapter crashed")
	if err != nil {
		t.Fatalf("failed to end: %v", err)
	}
	if ended.Error == nil || *ended.Error != "adapter crashed" {
		t.Errorf("expected error recorded, got %v", ended.Error)
	}
	agent, _ := st.GetAgent(ctx, "agent-1")
	if agent.Status != models.AgentError {
		t.Errorf("expected agent error status, got %s", agent.Status)
	}
}

func TestRecordUsageComputesCost(t *testing.T) {
	svc, st := newTestService(t, config.BudgetsConfig{})
	ctx := context.Background()
	seedTeam(t, st, "team-1", "agent-1")

	sess, err := svc.Start(ctx, "agent-1", nil, "")
	if err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	// 1000 in at 1.0/M + 500 out at 2.0/M = 1000 + 1000 = 2000 micros.
	got, err := svc.RecordUsage(ctx, sess.ID, Usage{TokensIn: 1000, TokensOut: 500})
	if err != nil {
		t.Fatalf("failed to record usage: %v", err)
	}
	if got.CostMicros != 2000 {
		t.Errorf("expected 2000 micros, got %d", got.CostMicros)
	}

	// 1 cache-read token at 0.3/M is 0.3 micros; rounding is toward +inf.
	got, err = svc.RecordUsage(ctx, sess.ID, Usage{CacheRead: 1})
	if err != nil {
		t.Fatalf("failed to record usage: %v", err)
	}
	if got.CostMicros != 2001 {
		t.Errorf("expected cost rounded up to 2001 micros, got %d", got.CostMicros)
	}

	if _, err := svc.RecordUsage(ctx, sess.ID, Usage{TokensIn: -1}); apperr.KindOf(err) != apperr.Validation {
		t.Errorf("expected validation error for negative delta, got %v", err)
	}

	if _, err := svc.End(ctx, sess.ID, ""); err != nil {
		t.Fatalf("failed to end: %v", err)
	}
	if _, err := svc.RecordUsage(ctx, sess.ID, Usage{TokensIn: 1}); !apperr.IsConflict(err) {
		t.Errorf("expected conflict recording on ended session, got %v", err)
	}
}

func TestRecordUsageUnknownModel(t *testing.T) {
	svc, st := newTestService(t, config.BudgetsConfig{})
	ctx := context.Background()
	seedTeam(t, st, "team-1", "agent-1")

	sess, err := svc.Start(ctx, "agent-1", nil, "mystery-model")
	if err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	got, err := svc.RecordUsage(ctx, sess.ID, Usage{TokensIn: 5000})
	if err != nil {
		t.Fatalf("expected unknown model not to fail, got %v", err)
	}
	if got.CostMicros != 0 {
		t.Errorf("expected zero cost for unknown model, got %d", got.CostMicros)
	}
	if got.TokensIn != 5000 {
		t.Errorf("expected counters still recorded, got %d", got.TokensIn)
	}

	evs, err := st.EventStream(ctx, events.SessionStream(sess.ID), 0, 0)
	if err != nil {
		t.Fatalf("failed to read stream: %v", err)
	}
	var sawUnknown bool
	for _, ev := range evs {
		if ev.Type == events.CostUnknownModel {
			sawUnknown = true
		}
	}
	if !sawUnknown {
		t.Error("expected cost.unknown_model event")
	}
}

func TestDailyBudgetBoundary(t *testing.T) {
	svc, st := newTestService(t, config.BudgetsConfig{})
	ctx := context.Background()
	seedTeam(t, st, "team-1", "agent-1")
	setDailyCap(t, st, "team-1", 1_000_000) // 1.000000

	// Spend 0.999999: one micro below the cap.
	sess, err := svc.Start(ctx, "agent-1", nil, "")
	if err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	if _, err := svc.RecordUsage(ctx, sess.ID, Usage{TokensIn: 999_999}); err != nil {
		t.Fatalf("failed to record usage: %v", err)
	}
	if _, err := svc.End(ctx, sess.ID, ""); err != nil {
		t.Fatalf("failed to end: %v", err)
	}

	// One micro below the cap: a new session still starts.
	sess, err = svc.Start(ctx, "agent-1", nil, "")
	if err != nil {
		t.Fatalf("expected start below cap to succeed, got %v", err)
	}
	// Push the total to exactly 1.000000.
	if _, err := svc.RecordUsage(ctx, sess.ID, Usage{TokensIn: 1}); err != nil {
		t.Fatalf("failed to record usage: %v", err)
	}
	if _, err := svc.End(ctx, sess.ID, ""); err != nil {
		t.Fatalf("failed to end: %v", err)
	}

	// At the cap: refused, payload names the cap and figures.
	_, err = svc.Start(ctx, "agent-1", nil, "")
	if apperr.KindOf(err) != apperr.BudgetExceeded {
		t.Fatalf("expected BudgetExceeded at cap, got %v", err)
	}
	var appErr *apperr.Error
	if !apperr.As(err, &appErr) {
		t.Fatalf("expected *apperr.Error, got %T", err)
	}
	if appErr.Details["daily_spent"] != int64(1_000_000) || appErr.Details["daily_limit"] != int64(1_000_000) {
		t.Errorf("unexpected budget payload: %v", appErr.Details)
	}

	// The refusal survives on the agent stream despite the aborted start.
	evs, err := st.EventStream(ctx, events.AgentStream("agent-1"), 0, 100)
	if err != nil {
		t.Fatalf("failed to read agent stream: %v", err)
	}
	found := false
	for _, ev := range evs {
		if ev.Type == events.AgentBudgetExceeded {
			found = true
		}
	}
	if !found {
		t.Errorf("expected agent.budget_exceeded on the agent stream")
	}

	status, err := svc.CheckBudget(ctx, "agent-1", nil)
	if err != nil {
		t.Fatalf("failed to check budget: %v", err)
	}
	if !status.OverBudget || status.DailySpentMicros != 1_000_000 {
		t.Errorf("unexpected budget status: %+v", status)
	}
}

func TestPerTaskBudget(t *testing.T) {
	svc, st := newTestService(t, config.BudgetsConfig{PerTaskCap: 0.01}) // 10_000 micros
	ctx := context.Background()
	seedTeam(t, st, "team-1", "agent-1")

	task := &models.Task{
		TeamID: "team-1", Title: "Budgeted", Status: models.TaskTodo,
		Priority: models.PriorityMedium,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	err := st.InTx(ctx, func(tx *store.Tx) error { return tx.CreateTask(ctx, task) })
	if err != nil {
		t.Fatalf("failed to create task: %v", err)
	}

	sess, err := svc.Start(ctx, "agent-1", &task.ID, "")
	if err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	if _, err := svc.RecordUsage(ctx, sess.ID, Usage{TokensIn: 10_000}); err != nil {
		t.Fatalf("failed to record usage: %v", err)
	}
	if _, err := svc.End(ctx, sess.ID, ""); err != nil {
		t.Fatalf("failed to end: %v", err)
	}

	_, err = svc.Start(ctx, "agent-1", &task.ID, "")
	if apperr.KindOf(err) != apperr.BudgetExceeded {
		t.Fatalf("expected BudgetExceeded for task cap, got %v", err)
	}

	// The same agent can still start a session on other work.
	sess, err = svc.Start(ctx, "agent-1", nil, "")
	if err != nil {
		t.Fatalf("expected taskless start to succeed, got %v", err)
	}
	if _, err := svc.End(ctx, sess.ID, ""); err != nil {
		t.Fatalf("failed to end: %v", err)
	}
}

func TestCostSummary(t *testing.T) {
	svc, st := newTestService(t, config.BudgetsConfig{})
	ctx := context.Background()
	seedTeam(t, st, "team-1", "agent-1")

	sess, err := svc.Start(ctx, "agent-1", nil, "")
	if err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	if _, err := svc.RecordUsage(ctx, sess.ID, Usage{TokensIn: 100}); err != nil {
		t.Fatalf("failed to record usage: %v", err)
	}
	if _, err := svc.End(ctx, sess.ID, ""); err != nil {
		t.Fatalf("failed to end: %v", err)
	}

	rows, err := svc.CostSummary(ctx, "team-1", 1)
	if err != nil {
		t.Fatalf("failed to get summary: %v", err)
	}
	if len(rows) != 1 || rows[0].AgentID != "agent-1" || rows[0].CostMicros != 100 {
		t.Errorf("unexpected summary: %+v", rows)
	}
}
