package merge

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/openclaw/internal/common/apperr"
	"github.com/openclaw/openclaw/internal/common/config"
	"github.com/openclaw/openclaw/internal/common/logger"
	"github.com/openclaw/openclaw/internal/db"
	"github.com/openclaw/openclaw/internal/db/dialect"
	"github.com/openclaw/openclaw/internal/events/bus"
	"github.com/openclaw/openclaw/internal/models"
	"github.com/openclaw/openclaw/internal/store"
)

// fakeGit records merge calls and returns a canned commit or error.
type fakeGit struct {
	mu     sync.Mutex
	calls  []string
	commit string
	err    error
}

func (f *fakeGit) Merge(ctx context.Context, repoPath, branch, target string, strategy models.MergeStrategy) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("%s:%s->%s", repoPath, branch, target))
	if f.err != nil {
		return "", f.err
	}
	return f.commit, nil
}

func newTestHarness(t *testing.T) (*Service, *Worker, *fakeGit, *store.Store) {
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
	git := &fakeGit{commit: "abc123"}
	svc := NewService(st, memBus, log)
	worker := NewWorker(st, memBus, log, git, config.MergeConfig{JobTimeoutSeconds: 600})
	return svc, worker, git, st
}

func seedTeam(t *testing.T, st *store.Store, teamID string, repoIDs ...string) {
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
		for _, id := range repoIDs {
			if err := tx.CreateRepository(ctx, &models.Repository{
				ID: id, TeamID: teamID, Name: id, LocalPath: "/repos/" + id,
				DefaultBranch: "main", Config: "{}", CreatedAt: now,
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

func createApprovedTask(t *testing.T, st *store.Store, teamID string, repoIDs ...string) *models.Task {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	task := &models.Task{
		TeamID: teamID, Title: "Merge me", Status: models.TaskInApproval,
		Priority: models.PriorityMedium, RepoIDs: models.StringList(repoIDs),
		Branch: "task-1-merge-me", CreatedAt: now, UpdatedAt: now,
	}
	err := st.InTx(ctx, func(tx *store.Tx) error {
		return tx.CreateTask(ctx, task)
	})
	if err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
	return task
}

func TestEnqueueCreatesJobPerRepo(t *testing.T) {
	svc, _, _, st := newTestHarness(t)
	ctx := context.Background()
	seedTeam(t, st, "team-1", "repo-a", "repo-b")
	task := createApprovedTask(t, st, "team-1", "repo-a", "repo-b")

	jobs, err := svc.Enqueue(ctx, task.ID, "", "user-1")
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("enqueued %d jobs, want 2", len(jobs))
	}
	for _, job := range jobs {
		if job.Status != models.MergeQueued {
			t.Errorf("job %d status = %s, want queued", job.ID, job.Status)
		}
		if job.Strategy != models.StrategyMerge {
			t.Errorf("job %d strategy = %s, want merge", job.ID, job.Strategy)
		}
	}

	updated, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if updated.Status != models.TaskMerging {
		t.Errorf("task status = %s, want merging", updated.Status)
	}

	depth, err := svc.QueueDepth(ctx)
	if err != nil {
		t.Fatalf("failed to read queue depth: %v", err)
	}
	if depth != 2 {
		t.Errorf("queue depth = %d, want 2", depth)
	}
}

func TestEnqueueRequiresApproval(t *testing.T) {
	svc, _, _, st := newTestHarness(t)
	ctx := context.Background()
	seedTeam(t, st, "team-1", "repo-a")

	now := time.Now().UTC()
	task := &models.Task{
		TeamID: "team-1", Title: "Not approved", Status: models.TaskInReview,
		Priority: models.PriorityMedium, RepoIDs: models.StringList{"repo-a"},
		Branch: "task-2-x", CreatedAt: now, UpdatedAt: now,
	}
	err := st.InTx(ctx, func(tx *store.Tx) error {
		return tx.CreateTask(ctx, task)
	})
	if err != nil {
		t.Fatalf("failed to create task: %v", err)
	}

	if _, err := svc.Enqueue(ctx, task.ID, "", "user-1"); !apperr.IsConflict(err) {
		t.Errorf("enqueue on in_review task: got %v, want conflict", err)
	}
}

func TestEnqueueRejectsTaskWithoutRepos(t *testing.T) {
	svc, _, _, st := newTestHarness(t)
	ctx := context.Background()
	seedTeam(t, st, "team-1")
	task := createApprovedTask(t, st, "team-1")

	if _, err := svc.Enqueue(ctx, task.ID, "", "user-1"); apperr.KindOf(err) != apperr.Validation {
		t.Errorf("enqueue without repos: got %v, want validation error", err)
	}
}

func TestWorkerCompletesJobAndTask(t *testing.T) {
	svc, worker, git, st := newTestHarness(t)
	ctx := context.Background()
	seedTeam(t, st, "team-1", "repo-a")
	task := createApprovedTask(t, st, "team-1", "repo-a")

	jobs, err := svc.Enqueue(ctx, task.ID, models.StrategySquash, "user-1")
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if err := worker.drain(ctx); err != nil {
		t.Fatalf("failed to drain queue: %v", err)
	}

	job, err := st.GetMergeJob(ctx, jobs[0].ID)
	if err != nil {
		t.Fatalf("failed to get job: %v", err)
	}
	if job.Status != models.MergeSuccess {
		t.Fatalf("job status = %s, want success", job.Status)
	}
	if job.MergeCommit == nil || *job.MergeCommit != "abc123" {
		t.Errorf("merge commit = %v, want abc123", job.MergeCommit)
	}

	updated, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if updated.Status != models.TaskDone {
		t.Errorf("task status = %s, want done", updated.Status)
	}
	if updated.CompletedAt == nil {
		t.Errorf("task completed_at not set")
	}

	git.mu.Lock()
	defer git.mu.Unlock()
	if len(git.calls) != 1 {
		t.Errorf("git invoked %d times, want 1", len(git.calls))
	}
}

func TestWorkerTaskDoneOnlyAfterLastJob(t *testing.T) {
	svc, worker, _, st := newTestHarness(t)
	ctx := context.Background()
	seedTeam(t, st, "team-1", "repo-a", "repo-b")
	task := createApprovedTask(t, st, "team-1", "repo-a", "repo-b")

	if _, err := svc.Enqueue(ctx, task.ID, "", "user-1"); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if err := worker.drain(ctx); err != nil {
		t.Fatalf("failed to drain queue: %v", err)
	}

	jobs, err := st.ListMergeJobs(ctx, task.ID)
	if err != nil {
		t.Fatalf("failed to list jobs: %v", err)
	}
	for _, job := range jobs {
		if job.Status != models.MergeSuccess {
			t.Errorf("job %d status = %s, want success", job.ID, job.Status)
		}
	}

	updated, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if updated.Status != models.TaskDone {
		t.Errorf("task status = %s, want done", updated.Status)
	}
}

func TestWorkerFailureReturnsTaskToProgress(t *testing.T) {
	svc, worker, git, st := newTestHarness(t)
	ctx := context.Background()
	seedTeam(t, st, "team-1", "repo-a", "repo-b")
	task := createApprovedTask(t, st, "team-1", "repo-a", "repo-b")

	git.err = apperr.New(apperr.External, "git merge: conflict in a.py")
	jobs, err := svc.Enqueue(ctx, task.ID, "", "user-1")
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if err := worker.drain(ctx); err != nil {
		t.Fatalf("failed to drain queue: %v", err)
	}

	failed, err := st.GetMergeJob(ctx, jobs[0].ID)
	if err != nil {
		t.Fatalf("failed to get job: %v", err)
	}
	if failed.Status != models.MergeFailed {
		t.Fatalf("job status = %s, want failed", failed.Status)
	}
	if failed.Error == nil || *failed.Error == "" {
		t.Errorf("failed job has no error recorded")
	}

	// The sibling queued job is failed rather than run against a task that
	// already left merging.
	sibling, err := st.GetMergeJob(ctx, jobs[1].ID)
	if err != nil {
		t.Fatalf("failed to get sibling job: %v", err)
	}
	if sibling.Status != models.MergeFailed {
		t.Errorf("sibling job status = %s, want failed", sibling.Status)
	}

	updated, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if updated.Status != models.TaskInProgress {
		t.Errorf("task status = %s, want in_progress", updated.Status)
	}

	git.mu.Lock()
	defer git.mu.Unlock()
	if len(git.calls) != 1 {
		t.Errorf("git invoked %d times, want 1", len(git.calls))
	}
}

func TestRecoverStaleRequeues(t *testing.T) {
	svc, worker, _, st := newTestHarness(t)
	ctx := context.Background()
	seedTeam(t, st, "team-1", "repo-a")
	task := createApprovedTask(t, st, "team-1", "repo-a")

	jobs, err := svc.Enqueue(ctx, task.ID, "", "user-1")
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	// Simulate a crash: job stuck running with a started_at past the timeout.
	stale := time.Now().UTC().Add(-2 * time.Hour)
	err = st.InTx(ctx, func(tx *store.Tx) error {
		_, err := tx.Exec(ctx,
			`UPDATE merge_jobs SET status = ?, started_at = ? WHERE id = ?`,
			models.MergeRunning, stale, jobs[0].ID)
		return err
	})
	if err != nil {
		t.Fatalf("failed to mark job running: %v", err)
	}

	if err := worker.recoverStale(ctx); err != nil {
		t.Fatalf("failed to recover stale jobs: %v", err)
	}
	job, err := st.GetMergeJob(ctx, jobs[0].ID)
	if err != nil {
		t.Fatalf("failed to get job: %v", err)
	}
	if job.Status != models.MergeQueued {
		t.Errorf("job status = %s, want queued", job.Status)
	}
}
