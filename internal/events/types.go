// Package events provides event types and utilities for the OpenClaw event system.
package events

import "fmt"

// Event types for teams, agents, and repositories
const (
	TeamCreated        = "team.created"
	AgentCreated       = "agent.created"
	AgentStatusChanged = "agent.status_changed"
	RepoRegistered     = "repo.registered"
	SettingsUpdated    = "settings.updated"
)

// Event types for tasks
const (
	TaskCreated       = "task.created"
	TaskUpdated       = "task.updated"
	TaskAssigned      = "task.assigned"
	TaskStatusChanged = "task.status_changed"
	TaskCommentAdded  = "task.comment_added"
)

// Event types for messages
const (
	MessageSent = "message.sent"
)

// Event types for sessions and cost accounting
const (
	SessionStarted       = "session.started"
	SessionUsageRecorded = "session.usage_recorded"
	SessionEnded         = "session.ended"
	AgentBudgetExceeded  = "agent.budget_exceeded"
	CostUnknownModel     = "cost.unknown_model"
)

// Event types for human requests
const (
	HumanRequestCreated  = "human_request.created"
	HumanRequestResolved = "human_request.resolved"
	HumanRequestExpired  = "human_request.expired"
)

// Event types for reviews and merges
const (
	ReviewCreated      = "review.created"
	ReviewVerdict      = "review.verdict"
	ReviewCommentAdded = "review.comment_added"
	ReviewFeedbackSent = "review.feedback_sent"
	MergeQueued        = "merge.queued"
	MergeStarted       = "merge.started"
	MergeCompleted     = "merge.completed"
	MergeFailed        = "merge.failed"
)

// Notification channels. These are both Postgres NOTIFY channel names and
// local bus subjects; payloads carry minimal identifiers and consumers
// re-read state from the store.
const (
	ChannelNewMessage           = "new_message"
	ChannelHumanRequestResolved = "human_request_resolved"
	ChannelTaskStatusChanged    = "task_status_changed"
)

// Metadata identifies who caused an event and how it relates to others.
type Metadata struct {
	ActorID       string `json:"actor_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	CausationID   string `json:"causation_id,omitempty"`
}

// Stream id constructors. One stream per entity; events on a stream read in
// id order are that entity's causal history.

// TaskStream returns the stream id for a task.
func TaskStream(taskID int64) string { return fmt.Sprintf("task:%d", taskID) }

// TeamStream returns the stream id for a team.
func TeamStream(teamID string) string { return "team:" + teamID }

// AgentStream returns the stream id for an agent.
func AgentStream(agentID string) string { return "agent:" + agentID }

// RepoStream returns the stream id for a repository.
func RepoStream(repoID string) string { return "repo:" + repoID }

// SessionStream returns the stream id for a session.
func SessionStream(sessionID int64) string { return fmt.Sprintf("session:%d", sessionID) }

// ReviewStream returns the stream id for a review.
func ReviewStream(reviewID int64) string { return fmt.Sprintf("review:%d", reviewID) }

// HumanRequestStream returns the stream id for a human request.
func HumanRequestStream(requestID int64) string { return fmt.Sprintf("human_request:%d", requestID) }

// MergeJobStream returns the stream id for a merge job.
func MergeJobStream(jobID int64) string { return fmt.Sprintf("merge_job:%d", jobID) }
