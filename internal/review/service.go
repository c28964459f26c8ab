// Package review tracks review attempts and verdicts for tasks and drives
// the automated request_changes feedback loop.
package review

import (
	"context"
	"fmt"
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

// Service implements the review coordinator.
type Service struct {
	store    *store.Store
	eventBus bus.EventBus
	logger   *logger.Logger
}

// NewService creates the review coordinator.
func NewService(st *store.Store, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{store: st, eventBus: eventBus, logger: log}
}

// Request opens the next review attempt for a task in in_review. When an
// agent review is requested without naming a reviewer, an idle reviewer agent
// from the task's team is picked and messaged.
func (s *Service) Request(ctx context.Context, taskID int64, reviewerID *string, reviewerType models.ActorType) (*models.Review, error) {
	if reviewerType == "" {
		reviewerType = models.ActorUser
	}

	now := time.Now().UTC()
	var rev *models.Review
	var reviewMsg *models.Message

	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		task, err := tx.GetTaskForUpdate(ctx, taskID)
		if err != nil {
			return err
		}
		if task.Status != models.TaskInReview {
			return apperr.New(apperr.Conflict, "task %d is %s, not in_review", taskID, task.Status)
		}

		if reviewerType == models.ActorAgent && reviewerID == nil {
			picked, err := s.pickIdleReviewer(ctx, tx, task.TeamID)
			if err != nil {
				return err
			}
			reviewerID = picked
		}

		max, err := tx.MaxReviewAttempt(ctx, taskID)
		if err != nil {
			return err
		}
		rev = &models.Review{
			TaskID:       taskID,
			Attempt:      max + 1,
			ReviewerID:   reviewerID,
			ReviewerType: reviewerType,
			CreatedAt:    now,
		}
		if err := tx.CreateReview(ctx, rev); err != nil {
			return err
		}
		if _, err := tx.AppendEvent(ctx, events.ReviewStream(rev.ID), events.ReviewCreated,
			map[string]any{"task_id": taskID, "attempt": rev.Attempt, "reviewer_type": string(reviewerType)},
			events.Metadata{}); err != nil {
			return err
		}

		if reviewerType == models.ActorAgent && reviewerID != nil {
			reviewMsg = &models.Message{
				TeamID:        task.TeamID,
				SenderID:      "review-coordinator",
				SenderType:    models.ActorAgent,
				RecipientID:   *reviewerID,
				RecipientType: models.ActorAgent,
				TaskID:        &taskID,
				Content:       fmt.Sprintf("Please review task %d (attempt %d): %s", taskID, rev.Attempt, task.Title),
				CreatedAt:     now,
			}
			if err := tx.CreateMessage(ctx, reviewMsg); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.ReviewCreated, map[string]any{
		"review_id": rev.ID,
		"task_id":   taskID,
		"attempt":   rev.Attempt,
	})
	if reviewMsg != nil {
		s.notifyNewMessage(ctx, reviewMsg)
	}
	return rev, nil
}

// pickIdleReviewer returns the first idle reviewer agent on the team, or nil
// when none is available.
func (s *Service) pickIdleReviewer(ctx context.Context, tx *store.Tx, teamID string) (*string, error) {
	agents, err := tx.ListAgentsTx(ctx, teamID)
	if err != nil {
		return nil, err
	}
	for _, a := range agents {
		if a.Role == models.RoleReviewer && a.Status == models.AgentIdle {
			id := a.ID
			return &id, nil
		}
	}
	return nil, nil
}

// AddComment anchors feedback to a review, optionally at a (file, line).
func (s *Service) AddComment(ctx context.Context, reviewID int64, authorID string, authorType models.ActorType, content string, filePath *string, lineNumber *int) (*models.ReviewComment, error) {
	if strings.TrimSpace(content) == "" {
		return nil, apperr.New(apperr.Validation, "comment content is required")
	}
	if authorType == "" {
		authorType = models.ActorUser
	}

	comment := &models.ReviewComment{
		ReviewID:   reviewID,
		AuthorID:   authorID,
		AuthorType: authorType,
		FilePath:   filePath,
		LineNumber: lineNumber,
		Content:    content,
		CreatedAt:  time.Now().UTC(),
	}
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.GetReviewTx(ctx, reviewID); err != nil {
			return err
		}
		if err := tx.AddReviewComment(ctx, comment); err != nil {
			return err
		}
		_, err := tx.AppendEvent(ctx, events.ReviewStream(reviewID), events.ReviewCommentAdded,
			map[string]any{"comment_id": comment.ID, "file": filePath, "line": lineNumber},
			events.Metadata{ActorID: authorID})
		return err
	})
	if err != nil {
		return nil, err
	}
	return comment, nil
}

// SetVerdict records the reviewer's decision and applies the verdict policy:
// approve advances the task toward approval, reject sends it back to work,
// and request_changes additionally delivers structured feedback to the
// assignee's inbox.
func (s *Service) SetVerdict(ctx context.Context, reviewID int64, verdict models.ReviewVerdict, summary, reviewerID string) (*models.Review, error) {
	switch verdict {
	case models.VerdictApprove, models.VerdictReject, models.VerdictRequestChanges:
	default:
		return nil, apperr.New(apperr.Validation, "unknown verdict %q", verdict)
	}

	now := time.Now().UTC()
	var rev *models.Review
	var task *models.Task
	var oldStatus models.TaskStatus
	var feedbackMsg *models.Message

	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		var summaryPtr *string
		if summary != "" {
			summaryPtr = &summary
		}
		var err error
		rev, err = tx.SetReviewVerdict(ctx, reviewID, verdict, summaryPtr, now)
		if err != nil {
			return err
		}

		task, err = tx.GetTaskForUpdate(ctx, rev.TaskID)
		if err != nil {
			return err
		}
		oldStatus = task.Status

		if _, err := tx.AppendEvent(ctx, events.ReviewStream(reviewID), events.ReviewVerdict,
			map[string]any{"verdict": string(verdict), "attempt": rev.Attempt, "summary": summary},
			events.Metadata{ActorID: reviewerID}); err != nil {
			return err
		}

		var target models.TaskStatus
		switch verdict {
		case models.VerdictApprove:
			// Already past in_review (manual override, stale reviewer):
			// leave the task where it is.
			if task.Status != models.TaskInReview {
				return nil
			}
			target = models.TaskInApproval
		case models.VerdictReject, models.VerdictRequestChanges:
			if task.Status != models.TaskInReview {
				return apperr.New(apperr.Conflict, "task %d is %s, not in_review", task.ID, task.Status)
			}
			target = models.TaskInProgress
		}

		task.Status = target
		task.UpdatedAt = now
		if err := tx.UpdateTask(ctx, task); err != nil {
			return err
		}
		if _, err := tx.AppendEvent(ctx, events.TaskStream(task.ID), events.TaskStatusChanged,
			map[string]any{"old_status": string(oldStatus), "new_status": string(target)},
			events.Metadata{ActorID: reviewerID}); err != nil {
			return err
		}

		if verdict == models.VerdictRequestChanges {
			feedbackMsg, err = s.sendFeedback(ctx, tx, rev, task, summary, now)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.ReviewVerdict, map[string]any{
		"review_id": rev.ID,
		"task_id":   rev.TaskID,
		"verdict":   string(verdict),
	})
	if oldStatus != task.Status {
		s.publish(ctx, events.TaskStatusChanged, map[string]any{
			"task_id":    task.ID,
			"team_id":    task.TeamID,
			"old_status": string(oldStatus),
			"new_status": string(task.Status),
		})
	}
	if feedbackMsg != nil {
		s.notifyNewMessage(ctx, feedbackMsg)
	}
	return rev, nil
}

// sendFeedback composes the structured feedback message and delivers it to
// the task assignee's inbox within the verdict transaction.
func (s *Service) sendFeedback(ctx context.Context, tx *store.Tx, rev *models.Review, task *models.Task, summary string, now time.Time) (*models.Message, error) {
	if task.AssigneeID == nil {
		s.logger.Warn("request_changes on unassigned task, feedback not delivered",
			zap.Int64("task_id", task.ID))
		return nil, nil
	}

	comments, err := tx.ListReviewCommentsTx(ctx, rev.ID)
	if err != nil {
		return nil, err
	}
	content := FormatFeedback(summary, comments)

	msg := &models.Message{
		TeamID:        task.TeamID,
		SenderID:      "review-coordinator",
		SenderType:    models.ActorAgent,
		RecipientID:   *task.AssigneeID,
		RecipientType: models.ActorAgent,
		TaskID:        &task.ID,
		Content:       content,
		CreatedAt:     now,
	}
	if err := tx.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}
	if _, err := tx.AppendEvent(ctx, events.ReviewStream(rev.ID), events.ReviewFeedbackSent,
		map[string]any{"message_id": msg.ID, "assignee_id": *task.AssigneeID},
		events.Metadata{}); err != nil {
		return nil, err
	}
	return msg, nil
}

// FormatFeedback renders the review summary plus one "file:line — comment"
// entry per anchored comment.
func FormatFeedback(summary string, comments []models.ReviewComment) string {
	var b strings.Builder
	b.WriteString("Changes requested")
	if summary != "" {
		b.WriteString(": ")
		b.WriteString(summary)
	}
	for _, c := range comments {
		b.WriteString("\n")
		if c.FilePath != nil && c.LineNumber != nil {
			fmt.Fprintf(&b, "%s:%d — %s", *c.FilePath, *c.LineNumber, c.Content)
		} else if c.FilePath != nil {
			fmt.Fprintf(&b, "%s — %s", *c.FilePath, c.Content)
		} else {
			b.WriteString(c.Content)
		}
	}
	return b.String()
}

// notifyNewMessage publishes the new_message wakeup for a message delivered
// inside a review transaction.
func (s *Service) notifyNewMessage(ctx context.Context, msg *models.Message) {
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
	event := bus.NewEvent(events.ChannelNewMessage, "review-coordinator", data)
	if err := s.eventBus.Publish(ctx, events.ChannelNewMessage, event); err != nil {
		s.logger.Error("failed to publish new_message notification",
			zap.Int64("message_id", msg.ID),
			zap.Error(err))
	}
}

// Get returns one review.
func (s *Service) Get(ctx context.Context, id int64) (*models.Review, error) {
	return s.store.GetReview(ctx, id)
}

// ListByTask returns a task's review attempts in attempt order.
func (s *Service) ListByTask(ctx context.Context, taskID int64) ([]models.Review, error) {
	return s.store.ListReviews(ctx, taskID)
}

// Comments returns a review's comments in id order.
func (s *Service) Comments(ctx context.Context, reviewID int64) ([]models.ReviewComment, error) {
	if _, err := s.store.GetReview(ctx, reviewID); err != nil {
		return nil, err
	}
	return s.store.ListReviewComments(ctx, reviewID)
}

// Latest returns the highest-attempt review for a task, or nil.
func (s *Service) Latest(ctx context.Context, taskID int64) (*models.Review, error) {
	return s.store.LatestReview(ctx, taskID)
}

// MergeReadiness summarizes whether a task's review history clears it for
// merging. Only the highest attempt counts.
type MergeReadiness struct {
	TaskID   int64          `json:"task_id"`
	CanMerge bool           `json:"can_merge"`
	Latest   *models.Review `json:"latest_review,omitempty"`
}

// MergeStatus reports whether the latest review attempt approved the task.
func (s *Service) MergeStatus(ctx context.Context, taskID int64) (*MergeReadiness, error) {
	latest, err := s.store.LatestReview(ctx, taskID)
	if err != nil {
		return nil, err
	}
	ready := &MergeReadiness{TaskID: taskID, Latest: latest}
	if latest != nil && latest.Verdict != nil && *latest.Verdict == models.VerdictApprove {
		ready.CanMerge = true
	}
	return ready, nil
}

func (s *Service) publish(ctx context.Context, eventType string, data map[string]any) {
	if s.eventBus == nil {
		return
	}
	if err := s.eventBus.Publish(ctx, eventType, bus.NewEvent(eventType, "review-coordinator", data)); err != nil {
		s.logger.Error("failed to publish review event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
