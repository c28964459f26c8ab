package message

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/openclaw/internal/common/apperr"
	"github.com/openclaw/openclaw/internal/common/logger"
	"github.com/openclaw/openclaw/internal/db"
	"github.com/openclaw/openclaw/internal/db/dialect"
	"github.com/openclaw/openclaw/internal/events"
	"github.com/openclaw/openclaw/internal/events/bus"
	"github.com/openclaw/openclaw/internal/models"
	"github.com/openclaw/openclaw/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.Store, *bus.MemoryEventBus) {
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
	return NewService(st, memBus, log), st, memBus
}

func seedTeam(t *testing.T, st *store.Store, teamID string, agentIDs ...string) {
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
		for _, id := range agentIDs {
			if err := tx.CreateAgent(ctx, &models.Agent{
				ID: id, TeamID: teamID, Name: id, Role: models.RoleEngineer,
				Status: models.AgentIdle, Config: "{}", CreatedAt: now, UpdatedAt: now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("failed to seed team: %v", err)
	}
}

func TestSendPublishesNotification(t *testing.T) {
	svc, st, memBus := newTestService(t)
	ctx := context.Background()
	seedTeam(t, st, "team-1", "agent-1")

	var notified atomic.Int64
	_, err := memBus.Subscribe(events.ChannelNewMessage, func(ctx context.Context, ev *bus.Event) error {
		if ev.Data["recipient_id"] != "agent-1" {
			t.Errorf("unexpected recipient in notification: %v", ev.Data)
		}
		notified.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}

	msg, err := svc.Send(ctx, SendParams{
		TeamID: "team-1", SenderID: "user-1", SenderType: models.ActorUser,
		RecipientID: "agent-1", Content: "hello",
	})
	if err != nil {
		t.Fatalf("failed to send: %v", err)
	}
	if msg.ID == 0 {
		t.Fatal("expected generated message id")
	}
	if notified.Load() != 1 {
		t.Errorf("expected 1 notification, got %d", notified.Load())
	}
}

func TestSendValidation(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	seedTeam(t, st, "team-1", "agent-1")
	seedTeam(t, st, "team-2", "agent-2")

	_, err := svc.Send(ctx, SendParams{
		TeamID: "team-1", SenderID: "user-1", RecipientID: "agent-1", Content: "   ",
	})
	if apperr.KindOf(err) != apperr.Validation {
		t.Errorf("expected validation error for empty content, got %v", err)
	}

	_, err = svc.Send(ctx, SendParams{
		TeamID: "team-1", SenderID: "user-1", RecipientID: "agent-2", Content: "hi",
	})
	if apperr.KindOf(err) != apperr.Validation {
		t.Errorf("expected validation error for cross-team recipient, got %v", err)
	}

	_, err = svc.Send(ctx, SendParams{
		TeamID: "team-1", SenderID: "user-1", RecipientID: "nope", Content: "hi",
	})
	if !apperr.IsNotFound(err) {
		t.Errorf("expected not found for unknown recipient, got %v", err)
	}
}

func TestInboxFIFOAndMarkers(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	seedTeam(t, st, "team-1", "agent-1")

	for _, content := range []string{"one", "two", "three"} {
		if _, err := svc.Send(ctx, SendParams{
			TeamID: "team-1", SenderID: "user-1", SenderType: models.ActorUser,
			RecipientID: "agent-1", Content: content,
		}); err != nil {
			t.Fatalf("failed to send %q: %v", content, err)
		}
	}

	inbox, err := svc.Inbox(ctx, "agent-1", true, 0)
	if err != nil {
		t.Fatalf("failed to read inbox: %v", err)
	}
	if len(inbox) != 3 || inbox[0].Content != "one" || inbox[2].Content != "three" {
		t.Fatalf("expected FIFO order, got %+v", inbox)
	}
	// Delivery is stamped when the message lands in the inbox.
	for _, m := range inbox {
		if m.DeliveredAt == nil {
			t.Errorf("expected delivered_at on message %d", m.ID)
		}
	}

	if err := svc.MarkSeen(ctx, inbox[0].ID); err != nil {
		t.Fatalf("failed to mark seen: %v", err)
	}
	if err := svc.MarkProcessed(ctx, inbox[0].ID); err != nil {
		t.Fatalf("failed to mark processed: %v", err)
	}

	remaining, err := svc.Inbox(ctx, "agent-1", true, 0)
	if err != nil {
		t.Fatalf("failed to re-read inbox: %v", err)
	}
	if len(remaining) != 2 || remaining[0].Content != "two" {
		t.Errorf("expected processed message gone, got %+v", remaining)
	}

	all, err := svc.Inbox(ctx, "agent-1", false, 0)
	if err != nil {
		t.Fatalf("failed to read full inbox: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected full inbox to keep processed messages, got %d", len(all))
	}
}
