package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/openclaw/openclaw/internal/common/apperr"
	"github.com/openclaw/openclaw/internal/db/dialect"
	"github.com/openclaw/openclaw/internal/models"
)

// MaxReviewAttempt returns the highest attempt number recorded for a task,
// or 0 when the task has no reviews. Read inside the transaction so two
// concurrent CreateReview calls cannot pick the same attempt; the UNIQUE
// (task_id, attempt) constraint backstops the race.
func (t *Tx) MaxReviewAttempt(ctx context.Context, taskID int64) (int, error) {
	var max int
	err := t.tx.GetContext(ctx, &max, t.tx.Rebind(
		`SELECT COALESCE(MAX(attempt), 0) FROM reviews WHERE task_id = ?`), taskID)
	if err != nil {
		return 0, fmt.Errorf("max review attempt: %w", err)
	}
	return max, nil
}

// CreateReview inserts a review attempt and fills in its generated id.
func (t *Tx) CreateReview(ctx context.Context, rev *models.Review) error {
	id, err := dialect.InsertReturningID(ctx, t.tx,
		`INSERT INTO reviews
			(task_id, attempt, reviewer_id, reviewer_type, summary, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rev.TaskID, rev.Attempt, rev.ReviewerID, rev.ReviewerType,
		rev.Summary, rev.CreatedAt)
	if err != nil {
		return fmt.Errorf("create review: %w", err)
	}
	rev.ID = id
	return nil
}

// SetReviewVerdict records a verdict on a pending review. A review carries at
// most one verdict; a second attempt is a conflict.
func (t *Tx) SetReviewVerdict(ctx context.Context, reviewID int64, verdict models.ReviewVerdict, summary *string, at time.Time) (*models.Review, error) {
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(
		`UPDATE reviews SET verdict = ?, summary = COALESCE(?, summary), resolved_at = ?
		 WHERE id = ? AND verdict IS NULL`),
		verdict, summary, at, reviewID)
	if err != nil {
		return nil, fmt.Errorf("set review verdict: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		rev, err := t.getReview(ctx, reviewID)
		if err != nil {
			return nil, err
		}
		return nil, apperr.New(apperr.Conflict,
			"review %d already has verdict %s", reviewID, *rev.Verdict)
	}
	return t.getReview(ctx, reviewID)
}

func (t *Tx) getReview(ctx context.Context, id int64) (*models.Review, error) {
	var rev models.Review
	if err := t.tx.GetContext(ctx, &rev, t.tx.Rebind(
		`SELECT * FROM reviews WHERE id = ?`), id); err != nil {
		return nil, notFound(err, "review", id)
	}
	return &rev, nil
}

// GetReviewTx reads a review inside the current transaction.
func (t *Tx) GetReviewTx(ctx context.Context, id int64) (*models.Review, error) {
	return t.getReview(ctx, id)
}

// AddReviewComment inserts a comment and fills in its generated id.
func (t *Tx) AddReviewComment(ctx context.Context, c *models.ReviewComment) error {
	id, err := dialect.InsertReturningID(ctx, t.tx,
		`INSERT INTO review_comments
			(review_id, author_id, author_type, file_path, line_number, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ReviewID, c.AuthorID, c.AuthorType, c.FilePath, c.LineNumber,
		c.Content, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("add review comment: %w", err)
	}
	c.ID = id
	return nil
}

// ListReviewCommentsTx returns a review's comments in id order, inside the
// current transaction. The feedback composer reads them together with the
// verdict it just wrote.
func (t *Tx) ListReviewCommentsTx(ctx context.Context, reviewID int64) ([]models.ReviewComment, error) {
	var comments []models.ReviewComment
	err := t.tx.SelectContext(ctx, &comments, t.tx.Rebind(
		`SELECT * FROM review_comments WHERE review_id = ? ORDER BY id`), reviewID)
	if err != nil {
		return nil, fmt.Errorf("list review comments: %w", err)
	}
	return comments, nil
}

// GetReview returns one review by id.
func (s *Store) GetReview(ctx context.Context, id int64) (*models.Review, error) {
	var rev models.Review
	q := s.reader()
	if err := q.GetContext(ctx, &rev, q.Rebind(`SELECT * FROM reviews WHERE id = ?`), id); err != nil {
		return nil, notFound(err, "review", id)
	}
	return &rev, nil
}

// ListReviews returns a task's review attempts in attempt order.
func (s *Store) ListReviews(ctx context.Context, taskID int64) ([]models.Review, error) {
	var revs []models.Review
	q := s.reader()
	err := q.SelectContext(ctx, &revs, q.Rebind(
		`SELECT * FROM reviews WHERE task_id = ? ORDER BY attempt`), taskID)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	return revs, nil
}

// LatestReview returns the highest-attempt review for a task, or nil when the
// task has none.
func (s *Store) LatestReview(ctx context.Context, taskID int64) (*models.Review, error) {
	var rev models.Review
	q := s.reader()
	err := q.GetContext(ctx, &rev, q.Rebind(
		`SELECT * FROM reviews WHERE task_id = ? ORDER BY attempt DESC LIMIT 1`), taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest review: %w", err)
	}
	return &rev, nil
}

// ListReviewComments returns a review's comments in id order.
func (s *Store) ListReviewComments(ctx context.Context, reviewID int64) ([]models.ReviewComment, error) {
	var comments []models.ReviewComment
	q := s.reader()
	err := q.SelectContext(ctx, &comments, q.Rebind(
		`SELECT * FROM review_comments WHERE review_id = ? ORDER BY id`), reviewID)
	if err != nil {
		return nil, fmt.Errorf("list review comments: %w", err)
	}
	return comments, nil
}
