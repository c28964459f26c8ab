package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/openclaw/internal/common/apperr"
	"github.com/openclaw/openclaw/internal/db"
	"github.com/openclaw/openclaw/internal/db/dialect"
	"github.com/openclaw/openclaw/internal/events"
	"github.com/openclaw/openclaw/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	dbConn, err := db.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("failed to open SQLite database: %v", err)
	}
	sqlxDB := sqlx.NewDb(dbConn, dialect.SQLite3)

	s, err := New(db.NewPool(sqlxDB, sqlxDB), dialect.SQLite3)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("failed to close store: %v", err)
		}
	})
	return s
}

// seedTeam creates an org, team, and one agent for tests that need actors.
func seedTeam(t *testing.T, s *Store, teamID, agentID string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	err := s.InTx(ctx, func(tx *Tx) error {
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
			ID: agentID, TeamID: teamID, Name: "Agent", Role: models.RoleEngineer,
			Status: models.AgentIdle, Config: "{}", CreatedAt: now, UpdatedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("failed to seed team: %v", err)
	}
}

func createTask(t *testing.T, s *Store, teamID string) *models.Task {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	task := &models.Task{
		TeamID: teamID, Title: "Test task", Status: models.TaskTodo,
		Priority: models.PriorityMedium, CreatedAt: now, UpdatedAt: now,
	}
	err := s.InTx(ctx, func(tx *Tx) error {
		return tx.CreateTask(ctx, task)
	})
	if err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
	return task
}

func TestInTxRollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTeam(t, s, "team-1", "agent-1")

	boom := apperr.New(apperr.Validation, "boom")
	err := s.InTx(ctx, func(tx *Tx) error {
		task := &models.Task{
			TeamID: "team-1", Title: "doomed", Status: models.TaskTodo,
			Priority: models.PriorityMedium,
			CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
		}
		if err := tx.CreateTask(ctx, task); err != nil {
			return err
		}
		return boom
	})
	if err != boom {
		t.Fatalf("expected fn error back, got %v", err)
	}

	tasks, err := s.ListTasks(ctx, TaskFilter{TeamID: "team-1"})
	if err != nil {
		t.Fatalf("failed to list tasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("expected rollback to discard the task, found %d", len(tasks))
	}
}

func TestAppendEventSharesTransaction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTeam(t, s, "team-1", "agent-1")

	var taskID int64
	err := s.InTx(ctx, func(tx *Tx) error {
		task := &models.Task{
			TeamID: "team-1", Title: "with event", Status: models.TaskTodo,
			Priority: models.PriorityMedium,
			CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
		}
		if err := tx.CreateTask(ctx, task); err != nil {
			return err
		}
		taskID = task.ID
		_, err := tx.AppendEvent(ctx, events.TaskStream(task.ID), events.TaskCreated,
			map[string]any{"title": task.Title}, events.Metadata{ActorID: "agent-1"})
		return err
	})
	if err != nil {
		t.Fatalf("transaction failed: %v", err)
	}

	evs, err := s.EventStream(ctx, events.TaskStream(taskID), 0, 0)
	if err != nil {
		t.Fatalf("failed to read event stream: %v", err)
	}
	if len(evs) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evs))
	}
	if evs[0].Type != events.TaskCreated {
		t.Errorf("expected type %s, got %s", events.TaskCreated, evs[0].Type)
	}
}

func TestEventStreamOrderAndSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stream := events.TeamStream("team-1")
	types := []string{"a.one", "a.two", "a.three"}
	for _, typ := range types {
		err := s.InTx(ctx, func(tx *Tx) error {
			_, err := tx.AppendEvent(ctx, stream, typ, map[string]any{}, events.Metadata{})
			return err
		})
		if err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
	}

	evs, err := s.EventStream(ctx, stream, 0, 0)
	if err != nil {
		t.Fatalf("failed to read stream: %v", err)
	}
	if len(evs) != 3 {
		t.Fatalf("expected 3 events, got %d", len(evs))
	}
	for i, typ := range types {
		if evs[i].Type != typ {
			t.Errorf("position %d: expected %s, got %s", i, typ, evs[i].Type)
		}
	}

	rest, err := s.EventStream(ctx, stream, evs[0].ID, 0)
	if err != nil {
		t.Fatalf("failed to read stream since: %v", err)
	}
	if len(rest) != 2 || rest[0].Type != "a.two" {
		t.Errorf("expected events after id %d to start at a.two, got %+v", evs[0].ID, rest)
	}
}

func TestTaskCreateAndBranch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTeam(t, s, "team-1", "agent-1")

	task := createTask(t, s, "team-1")
	if task.ID == 0 {
		t.Fatal("expected generated task id")
	}

	err := s.InTx(ctx, func(tx *Tx) error {
		return tx.SetTaskBranch(ctx, task.ID, "task-1-test-task")
	})
	if err != nil {
		t.Fatalf("failed to set branch: %v", err)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if got.Branch != "task-1-test-task" {
		t.Errorf("expected branch task-1-test-task, got %q", got.Branch)
	}
	if got.Status != models.TaskTodo {
		t.Errorf("expected status todo, got %s", got.Status)
	}
}

func TestTaskJSONColumnsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTeam(t, s, "team-1", "agent-1")

	now := time.Now().UTC()
	task := &models.Task{
		TeamID: "team-1", Title: "deps", Status: models.TaskTodo,
		Priority:  models.PriorityHigh,
		DependsOn: models.Int64List{3, 1, 2},
		RepoIDs:   models.StringList{"repo-a"},
		Tags:      models.StringList{"backend", "urgent"},
		Metadata:  models.JSONMap{"origin": "api"},
		CreatedAt: now, UpdatedAt: now,
	}
	err := s.InTx(ctx, func(tx *Tx) error { return tx.CreateTask(ctx, task) })
	if err != nil {
		t.Fatalf("failed to create task: %v", err)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if len(got.DependsOn) != 3 || got.DependsOn[0] != 3 {
		t.Errorf("depends_on did not round-trip: %v", got.DependsOn)
	}
	if len(got.Tags) != 2 || got.Tags[1] != "urgent" {
		t.Errorf("tags did not round-trip: %v", got.Tags)
	}
	if got.Metadata["origin"] != "api" {
		t.Errorf("metadata did not round-trip: %v", got.Metadata)
	}
}

func TestListTasksByIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTeam(t, s, "team-1", "agent-1")

	t1 := createTask(t, s, "team-1")
	t2 := createTask(t, s, "team-1")

	err := s.InTx(ctx, func(tx *Tx) error {
		tasks, err := tx.ListTasksByIDs(ctx, []int64{t1.ID, t2.ID, 9999})
		if err != nil {
			return err
		}
		if len(tasks) != 2 {
			t.Errorf("expected 2 tasks, got %d", len(tasks))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction failed: %v", err)
	}
}

func TestMessageInboxFIFOAndMarkers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTeam(t, s, "team-1", "agent-1")

	now := time.Now().UTC()
	var ids []int64
	for _, content := range []string{"first", "second", "third"} {
		msg := &models.Message{
			TeamID: "team-1", SenderID: "user-1", SenderType: models.ActorUser,
			RecipientID: "agent-1", RecipientType: models.ActorAgent,
			Content: content, CreatedAt: now,
		}
		err := s.InTx(ctx, func(tx *Tx) error { return tx.CreateMessage(ctx, msg) })
		if err != nil {
			t.Fatalf("failed to create message: %v", err)
		}
		ids = append(ids, msg.ID)
	}

	inbox, err := s.Inbox(ctx, "agent-1", true, 0)
	if err != nil {
		t.Fatalf("failed to read inbox: %v", err)
	}
	if len(inbox) != 3 || inbox[0].Content != "first" || inbox[2].Content != "third" {
		t.Fatalf("expected FIFO inbox, got %+v", inbox)
	}
	// Landing in the inbox is delivery: delivered_at is stamped on insert.
	for _, m := range inbox {
		if m.DeliveredAt == nil {
			t.Fatalf("expected delivered_at on insert for message %d", m.ID)
		}
		if !m.DeliveredAt.Equal(m.CreatedAt) {
			t.Errorf("expected delivered_at == created_at, got %v vs %v", m.DeliveredAt, m.CreatedAt)
		}
	}

	// Marking processed backfills seen.
	at := now.Add(time.Second)
	err = s.InTx(ctx, func(tx *Tx) error { return tx.MarkProcessed(ctx, ids[0], at) })
	if err != nil {
		t.Fatalf("failed to mark processed: %v", err)
	}
	got, err := s.GetMessage(ctx, ids[0])
	if err != nil {
		t.Fatalf("failed to get message: %v", err)
	}
	if got.ProcessedAt == nil || got.SeenAt == nil || got.DeliveredAt == nil {
		t.Errorf("expected all markers set, got %+v", got)
	}

	inbox, err = s.Inbox(ctx, "agent-1", true, 0)
	if err != nil {
		t.Fatalf("failed to re-read inbox: %v", err)
	}
	if len(inbox) != 2 {
		t.Errorf("expected 2 unprocessed messages, got %d", len(inbox))
	}

	recipients, err := s.RecipientsWithUnprocessed(ctx)
	if err != nil {
		t.Fatalf("failed to scan recipients: %v", err)
	}
	if len(recipients) != 1 || recipients[0] != "agent-1" {
		t.Errorf("expected [agent-1], got %v", recipients)
	}
}

func TestHumanRequestResolveOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTeam(t, s, "team-1", "agent-1")

	now := time.Now().UTC()
	req := &models.HumanRequest{
		TeamID: "team-1", AgentID: "agent-1", Kind: models.RequestQuestion,
		Question: "Proceed?", Status: models.RequestPending, CreatedAt: now,
	}
	err := s.InTx(ctx, func(tx *Tx) error { return tx.CreateHumanRequest(ctx, req) })
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}

	err = s.InTx(ctx, func(tx *Tx) error {
		resolved, err := tx.ResolveHumanRequest(ctx, req.ID, "yes", "user-1", now)
		if err != nil {
			return err
		}
		if resolved.Status != models.RequestResolved || *resolved.Response != "yes" {
			t.Errorf("unexpected resolved request: %+v", resolved)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}

	// Second resolve conflicts.
	err = s.InTx(ctx, func(tx *Tx) error {
		_, err := tx.ResolveHumanRequest(ctx, req.ID, "no", "user-2", now)
		return err
	})
	if !apperr.IsConflict(err) {
		t.Errorf("expected conflict on second resolve, got %v", err)
	}

	// Expire after resolve is an idempotent no-op.
	err = s.InTx(ctx, func(tx *Tx) error {
		changed, err := tx.ExpireHumanRequest(ctx, req.ID, now)
		if err != nil {
			return err
		}
		if changed {
			t.Error("expected expire of resolved request to be a no-op")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expire failed: %v", err)
	}
}

func TestListTimedOutRequests(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTeam(t, s, "team-1", "agent-1")

	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	for _, timeout := range []*time.Time{&past, &future, nil} {
		req := &models.HumanRequest{
			TeamID: "team-1", AgentID: "agent-1", Kind: models.RequestQuestion,
			Question: "q", Status: models.RequestPending, TimeoutAt: timeout, CreatedAt: now,
		}
		err := s.InTx(ctx, func(tx *Tx) error { return tx.CreateHumanRequest(ctx, req) })
		if err != nil {
			t.Fatalf("failed to create request: %v", err)
		}
	}

	timedOut, err := s.ListTimedOutRequests(ctx, now)
	if err != nil {
		t.Fatalf("failed to list timed out: %v", err)
	}
	if len(timedOut) != 1 {
		t.Errorf("expected 1 timed out request, got %d", len(timedOut))
	}
}

func TestReviewAttemptsAndVerdict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTeam(t, s, "team-1", "agent-1")
	task := createTask(t, s, "team-1")

	now := time.Now().UTC()
	var first, second *models.Review
	err := s.InTx(ctx, func(tx *Tx) error {
		max, err := tx.MaxReviewAttempt(ctx, task.ID)
		if err != nil {
			return err
		}
		first = &models.Review{
			TaskID: task.ID, Attempt: max + 1,
			ReviewerType: models.ActorUser, CreatedAt: now,
		}
		return tx.CreateReview(ctx, first)
	})
	if err != nil {
		t.Fatalf("failed to create first review: %v", err)
	}
	if first.Attempt != 1 {
		t.Errorf("expected attempt 1, got %d", first.Attempt)
	}

	err = s.InTx(ctx, func(tx *Tx) error {
		_, err := tx.SetReviewVerdict(ctx, first.ID, models.VerdictRequestChanges, nil, now)
		return err
	})
	if err != nil {
		t.Fatalf("failed to set verdict: %v", err)
	}

	// A verdict is recorded once.
	err = s.InTx(ctx, func(tx *Tx) error {
		_, err := tx.SetReviewVerdict(ctx, first.ID, models.VerdictApprove, nil, now)
		return err
	})
	if !apperr.IsConflict(err) {
		t.Errorf("expected conflict on second verdict, got %v", err)
	}

	err = s.InTx(ctx, func(tx *Tx) error {
		max, err := tx.MaxReviewAttempt(ctx, task.ID)
		if err != nil {
			return err
		}
		second = &models.Review{
			TaskID: task.ID, Attempt: max + 1,
			ReviewerType: models.ActorAgent, CreatedAt: now,
		}
		return tx.CreateReview(ctx, second)
	})
	if err != nil {
		t.Fatalf("failed to create second review: %v", err)
	}
	if second.Attempt != 2 {
		t.Errorf("expected attempt 2, got %d", second.Attempt)
	}

	latest, err := s.LatestReview(ctx, task.ID)
	if err != nil {
		t.Fatalf("failed to get latest review: %v", err)
	}
	if latest == nil || latest.ID != second.ID {
		t.Errorf("expected latest review %d, got %+v", second.ID, latest)
	}
}

func TestMergeJobClaimOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTeam(t, s, "team-1", "agent-1")
	task := createTask(t, s, "team-1")

	now := time.Now().UTC()
	var jobIDs []int64
	for _, repo := range []string{"repo-a", "repo-b"} {
		job := &models.MergeJob{
			TaskID: task.ID, RepoID: repo, Strategy: models.StrategyRebase,
			Status: models.MergeQueued, CreatedAt: now,
		}
		err := s.InTx(ctx, func(tx *Tx) error { return tx.CreateMergeJob(ctx, job) })
		if err != nil {
			t.Fatalf("failed to enqueue job: %v", err)
		}
		jobIDs = append(jobIDs, job.ID)
	}

	var claimed *models.MergeJob
	err := s.InTx(ctx, func(tx *Tx) error {
		var err error
		claimed, err = tx.ClaimNextMergeJob(ctx, now)
		return err
	})
	if err != nil {
		t.Fatalf("failed to claim: %v", err)
	}
	if claimed == nil || claimed.ID != jobIDs[0] {
		t.Fatalf("expected oldest job %d claimed first, got %+v", jobIDs[0], claimed)
	}
	if claimed.Status != models.MergeRunning {
		t.Errorf("expected running status, got %s", claimed.Status)
	}

	err = s.InTx(ctx, func(tx *Tx) error {
		return tx.CompleteMergeJob(ctx, claimed.ID, "abc123", now)
	})
	if err != nil {
		t.Fatalf("failed to complete job: %v", err)
	}
	done, err := s.GetMergeJob(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("failed to get job: %v", err)
	}
	if done.Status != models.MergeSuccess || done.MergeCommit == nil || *done.MergeCommit != "abc123" {
		t.Errorf("unexpected completed job: %+v", done)
	}

	// Next claim takes the remaining job.
	err = s.InTx(ctx, func(tx *Tx) error {
		next, err := tx.ClaimNextMergeJob(ctx, now)
		if err != nil {
			return err
		}
		if next == nil || next.ID != jobIDs[1] {
			t.Errorf("expected job %d, got %+v", jobIDs[1], next)
		}
		return tx.FailMergeJob(ctx, next.ID, "conflict in main.go", now)
	})
	if err != nil {
		t.Fatalf("failed to claim and fail: %v", err)
	}

	n, err := s.CountQueuedMergeJobs(ctx)
	if err != nil {
		t.Fatalf("failed to count queued: %v", err)
	}
	if n != 0 {
		t.Errorf("expected empty queue, got %d", n)
	}
}

func TestSessionOpenConflictAndSpend(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTeam(t, s, "team-1", "agent-1")
	task := createTask(t, s, "team-1")

	now := time.Now().UTC()
	sess := &models.Session{
		AgentID: "agent-1", TaskID: &task.ID, Model: "test-model", StartedAt: now,
	}
	err := s.InTx(ctx, func(tx *Tx) error { return tx.CreateSession(ctx, sess) })
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	// Second open session for the same agent conflicts.
	err = s.InTx(ctx, func(tx *Tx) error {
		return tx.CreateSession(ctx, &models.Session{
			AgentID: "agent-1", Model: "test-model", StartedAt: now,
		})
	})
	if !apperr.IsConflict(err) {
		t.Errorf("expected conflict, got %v", err)
	}

	err = s.InTx(ctx, func(tx *Tx) error {
		sess.TokensIn = 1000
		sess.TokensOut = 500
		sess.CostMicros = 250_000
		return tx.UpdateSessionUsage(ctx, sess)
	})
	if err != nil {
		t.Fatalf("failed to update usage: %v", err)
	}

	err = s.InTx(ctx, func(tx *Tx) error {
		teamSpent, err := tx.TeamSpentSinceMicros(ctx, "team-1", now.Add(-24*time.Hour))
		if err != nil {
			return err
		}
		if teamSpent != 250_000 {
			t.Errorf("expected team spend 250000, got %d", teamSpent)
		}
		taskSpent, err := tx.TaskSpentSinceMicros(ctx, task.ID, now.Add(-24*time.Hour))
		if err != nil {
			return err
		}
		if taskSpent != 250_000 {
			t.Errorf("expected task spend 250000, got %d", taskSpent)
		}
		// Sessions started before the window do not count.
		old, err := tx.TeamSpentSinceMicros(ctx, "team-1", now.Add(time.Hour))
		if err != nil {
			return err
		}
		if old != 0 {
			t.Errorf("expected zero spend outside window, got %d", old)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("spend checks failed: %v", err)
	}

	err = s.InTx(ctx, func(tx *Tx) error { return tx.EndSession(ctx, sess.ID, nil, now) })
	if err != nil {
		t.Fatalf("failed to end session: %v", err)
	}
	err = s.InTx(ctx, func(tx *Tx) error { return tx.EndSession(ctx, sess.ID, nil, now) })
	if !apperr.IsConflict(err) {
		t.Errorf("expected conflict on double end, got %v", err)
	}

	open, err := s.OpenSession(ctx, "agent-1")
	if err != nil {
		t.Fatalf("failed to query open session: %v", err)
	}
	if open != nil {
		t.Errorf("expected no open session, got %+v", open)
	}

	summary, err := s.TeamCostSummary(ctx, "team-1", now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("failed to get cost summary: %v", err)
	}
	if len(summary) != 1 || summary[0].CostMicros != 250_000 || summary[0].Sessions != 1 {
		t.Errorf("unexpected summary: %+v", summary)
	}
}

func TestTeamSettingsUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTeam(t, s, "team-1", "agent-1")

	_, err := s.GetTeamSettings(ctx, "team-1")
	if !apperr.IsNotFound(err) {
		t.Fatalf("expected not found before upsert, got %v", err)
	}

	now := time.Now().UTC()
	err = s.InTx(ctx, func(tx *Tx) error {
		return tx.UpsertTeamSettings(ctx, &models.TeamSettings{
			TeamID: "team-1", DailyCapMicros: 50_000_000, AutoMerge: true,
			BranchPrefix: "oc/", UpdatedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("failed to upsert settings: %v", err)
	}

	err = s.InTx(ctx, func(tx *Tx) error {
		return tx.UpsertTeamSettings(ctx, &models.TeamSettings{
			TeamID: "team-1", DailyCapMicros: 75_000_000, AutoMerge: false,
			BranchPrefix: "oc/", UpdatedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("failed to re-upsert settings: %v", err)
	}

	got, err := s.GetTeamSettings(ctx, "team-1")
	if err != nil {
		t.Fatalf("failed to get settings: %v", err)
	}
	if got.DailyCapMicros != 75_000_000 || got.AutoMerge {
		t.Errorf("unexpected settings after upsert: %+v", got)
	}
}

func TestWebhookDeliveries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	err := s.InTx(ctx, func(tx *Tx) error {
		return tx.RecordWebhookDelivery(ctx, &models.WebhookDelivery{
			ID: "wh-1", Source: "github", EventKind: "push",
			Payload: `{"ref":"refs/heads/main"}`, Status: "received", ReceivedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("failed to record delivery: %v", err)
	}

	err = s.InTx(ctx, func(tx *Tx) error {
		return tx.MarkWebhookProcessed(ctx, "wh-1", "processed", now)
	})
	if err != nil {
		t.Fatalf("failed to mark processed: %v", err)
	}

	list, err := s.ListWebhookDeliveries(ctx, "github", 10)
	if err != nil {
		t.Fatalf("failed to list deliveries: %v", err)
	}
	if len(list) != 1 || list[0].Status != "processed" {
		t.Errorf("unexpected deliveries: %+v", list)
	}
}
