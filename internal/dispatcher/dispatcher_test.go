package dispatcher

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/openclaw/internal/common/config"
	"github.com/openclaw/openclaw/internal/common/logger"
	"github.com/openclaw/openclaw/internal/db"
	"github.com/openclaw/openclaw/internal/db/dialect"
	"github.com/openclaw/openclaw/internal/events"
	"github.com/openclaw/openclaw/internal/events/bus"
	"github.com/openclaw/openclaw/internal/models"
	"github.com/openclaw/openclaw/internal/store"
)

// fakeRunner records each turn's batch and optionally sleeps or fails.
type fakeRunner struct {
	mu    sync.Mutex
	turns [][]int64
	delay time.Duration
	err   error
}

func (f *fakeRunner) RunTurn(ctx context.Context, agent *models.Agent, messages []models.Message) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	ids := make([]int64, 0, len(messages))
	for _, m := range messages {
		ids = append(ids, m.ID)
	}
	f.turns = append(f.turns, ids)
	return nil
}

func (f *fakeRunner) turnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.turns)
}

func (f *fakeRunner) messageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, turn := range f.turns {
		n += len(turn)
	}
	return n
}

func newTestDispatcher(t *testing.T, runner Runner) (*Dispatcher, *store.Store, *bus.MemoryEventBus) {
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
	memBus := bus.NewMemoryEventBus(log)
	cfg := config.DispatcherConfig{
		MaxConcurrentTurns:          4,
		FallbackPollIntervalSeconds: 1,
		TurnTimeoutSeconds:          60,
		ShutdownGraceSeconds:        2,
	}
	return New(st, memBus, log, runner, cfg), st, memBus
}

func seedAgent(t *testing.T, st *store.Store, teamID, agentID string) {
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
			Status: models.AgentIdle, Config: "{}", CreatedAt: now, UpdatedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("failed to seed agent: %v", err)
	}
}

func sendMessage(t *testing.T, st *store.Store, teamID, recipientID, content string) *models.Message {
	t.Helper()
	ctx := context.Background()
	msg := &models.Message{
		TeamID: teamID, SenderID: "user-1", SenderType: models.ActorUser,
		RecipientID: recipientID, RecipientType: models.ActorAgent,
		Content: content, CreatedAt: time.Now().UTC(),
	}
	err := st.InTx(ctx, func(tx *store.Tx) error {
		return tx.CreateMessage(ctx, msg)
	})
	if err != nil {
		t.Fatalf("failed to send message: %v", err)
	}
	return msg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func unprocessedCount(t *testing.T, st *store.Store, agentID string) int {
	t.Helper()
	msgs, err := st.Inbox(context.Background(), agentID, true, 100)
	if err != nil {
		t.Fatalf("failed to read inbox: %v", err)
	}
	return len(msgs)
}

func TestBurstCoalescesIntoFewTurns(t *testing.T) {
	runner := &fakeRunner{delay: 50 * time.Millisecond}
	d, st, _ := newTestDispatcher(t, runner)
	seedAgent(t, st, "team-1", "agent-1")

	for i := 0; i < 5; i++ {
		sendMessage(t, st, "team-1", "agent-1", "burst")
		d.Notify("agent-1")
		time.Sleep(2 * time.Millisecond)
	}

	waitFor(t, 5*time.Second, func() bool {
		return unprocessedCount(t, st, "agent-1") == 0
	})

	if n := runner.turnCount(); n > 2 {
		t.Errorf("burst of 5 messages took %d turns, want at most 2", n)
	}
	if n := runner.messageCount(); n != 5 {
		t.Errorf("runner saw %d messages, want 5", n)
	}
}

func TestTurnsForDifferentAgentsRunIndependently(t *testing.T) {
	runner := &fakeRunner{delay: 20 * time.Millisecond}
	d, st, _ := newTestDispatcher(t, runner)
	seedAgent(t, st, "team-1", "agent-1")

	ctx := context.Background()
	now := time.Now().UTC()
	err := st.InTx(ctx, func(tx *store.Tx) error {
		return tx.CreateAgent(ctx, &models.Agent{
			ID: "agent-2", TeamID: "team-1", Name: "agent-2", Role: models.RoleEngineer,
			Status: models.AgentIdle, Config: "{}", CreatedAt: now, UpdatedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("failed to create agent: %v", err)
	}

	sendMessage(t, st, "team-1", "agent-1", "one")
	sendMessage(t, st, "team-1", "agent-2", "two")
	d.Notify("agent-1")
	d.Notify("agent-2")

	waitFor(t, 5*time.Second, func() bool {
		return unprocessedCount(t, st, "agent-1") == 0 && unprocessedCount(t, st, "agent-2") == 0
	})
	if n := runner.messageCount(); n != 2 {
		t.Errorf("runner saw %d messages, want 2", n)
	}
}

func TestFailedTurnLeavesMessagesUnprocessed(t *testing.T) {
	runner := &fakeRunner{err: errors.New("adapter crashed")}
	d, st, _ := newTestDispatcher(t, runner)
	seedAgent(t, st, "team-1", "agent-1")
	ctx := context.Background()

	// Open session, as a live turn would have.
	var sess *models.Session
	err := st.InTx(ctx, func(tx *store.Tx) error {
		sess = &models.Session{AgentID: "agent-1", StartedAt: time.Now().UTC()}
		return tx.CreateSession(ctx, sess)
	})
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}

	sendMessage(t, st, "team-1", "agent-1", "doomed")
	d.Notify("agent-1")

	// Give the turn time to fail.
	time.Sleep(100 * time.Millisecond)
	if n := unprocessedCount(t, st, "agent-1"); n != 1 {
		t.Errorf("unprocessed count = %d, want 1", n)
	}

	// The open session ends with the error and the agent is marked errored.
	ended, err := st.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("failed to read session: %v", err)
	}
	if ended.EndedAt == nil {
		t.Fatal("expected session to be ended")
	}
	if ended.Error == nil || *ended.Error != "adapter crashed" {
		t.Errorf("session error = %v, want adapter crashed", ended.Error)
	}
	agent, err := st.GetAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("failed to read agent: %v", err)
	}
	if agent.Status != models.AgentError {
		t.Errorf("agent status = %s, want error", agent.Status)
	}
}

func TestBusWakeupAndShutdown(t *testing.T) {
	runner := &fakeRunner{}
	d, st, memBus := newTestDispatcher(t, runner)
	seedAgent(t, st, "team-1", "agent-1")

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(runCtx) }()

	// Let the subscriptions land.
	time.Sleep(20 * time.Millisecond)

	msg := sendMessage(t, st, "team-1", "agent-1", "via bus")
	ev := bus.NewEvent(events.ChannelNewMessage, "message-service", map[string]any{
		"message_id":     msg.ID,
		"recipient_id":   "agent-1",
		"recipient_type": "agent",
		"team_id":        "team-1",
	})
	if err := memBus.Publish(context.Background(), events.ChannelNewMessage, ev); err != nil {
		t.Fatalf("failed to publish wakeup: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return unprocessedCount(t, st, "agent-1") == 0
	})

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not shut down")
	}
}

func TestFallbackPollCatchesSilentMessages(t *testing.T) {
	runner := &fakeRunner{}
	d, st, _ := newTestDispatcher(t, runner)
	seedAgent(t, st, "team-1", "agent-1")

	// No Notify and no bus event: only the poll can find this.
	sendMessage(t, st, "team-1", "agent-1", "silent")

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Run(runCtx) }()

	waitFor(t, 5*time.Second, func() bool {
		return unprocessedCount(t, st, "agent-1") == 0
	})
	cancel()
	<-done
}

func TestTaskStatusNotificationWakesNoAgent(t *testing.T) {
	runner := &fakeRunner{}
	d, st, _ := newTestDispatcher(t, runner)
	seedAgent(t, st, "team-1", "agent-1")
	ctx := context.Background()

	sendMessage(t, st, "team-1", "agent-1", "waiting")

	// Status change payloads identify the task, not an agent.
	ev := bus.NewEvent(events.ChannelTaskStatusChanged, "task-service", map[string]any{
		"task_id": int64(1),
		"team_id": "team-1",
	})
	if err := d.onWakeup(ctx, ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if n := runner.turnCount(); n != 0 {
		t.Errorf("turn count = %d, want 0", n)
	}
	if n := unprocessedCount(t, st, "agent-1"); n != 1 {
		t.Errorf("unprocessed count = %d, want 1", n)
	}
}

func TestStuckAgentSweepResetsToIdle(t *testing.T) {
	runner := &fakeRunner{}
	d, st, _ := newTestDispatcher(t, runner)
	seedAgent(t, st, "team-1", "agent-1")
	ctx := context.Background()

	// Mark the agent working with a stale updated_at and no open session.
	err := st.InTx(ctx, func(tx *store.Tx) error {
		_, err := tx.Exec(ctx,
			`UPDATE agents SET status = ?, updated_at = ? WHERE id = ?`,
			models.AgentWorking, time.Now().UTC().Add(-2*time.Hour), "agent-1")
		return err
	})
	if err != nil {
		t.Fatalf("failed to mark agent working: %v", err)
	}

	d.resetStuckAgents(ctx)

	agent, err := st.GetAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("failed to read agent: %v", err)
	}
	if agent.Status != models.AgentIdle {
		t.Errorf("status = %s, want idle", agent.Status)
	}
}

func TestStuckAgentSweepSparesOpenSessions(t *testing.T) {
	runner := &fakeRunner{}
	d, st, _ := newTestDispatcher(t, runner)
	seedAgent(t, st, "team-1", "agent-1")
	ctx := context.Background()

	err := st.InTx(ctx, func(tx *store.Tx) error {
		sess := &models.Session{AgentID: "agent-1", StartedAt: time.Now().UTC()}
		if err := tx.CreateSession(ctx, sess); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`UPDATE agents SET status = ?, updated_at = ? WHERE id = ?`,
			models.AgentWorking, time.Now().UTC().Add(-2*time.Hour), "agent-1")
		return err
	})
	if err != nil {
		t.Fatalf("failed to seed working agent: %v", err)
	}

	d.resetStuckAgents(ctx)

	agent, err := st.GetAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("failed to read agent: %v", err)
	}
	if agent.Status != models.AgentWorking {
		t.Errorf("status = %s, want working", agent.Status)
	}
}
