// Package models defines the persistent entities shared by all services.
package models

import "time"

// AgentRole enumerates the roles an agent can hold within a team.
type AgentRole string

const (
	RoleManager  AgentRole = "manager"
	RoleEngineer AgentRole = "engineer"
	RoleReviewer AgentRole = "reviewer"
)

// AgentStatus enumerates agent availability states.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentWorking AgentStatus = "working"
	AgentPaused  AgentStatus = "paused"
	AgentError   AgentStatus = "error"
)

// Organization is the root of the tenant hierarchy.
type Organization struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Slug      string    `db:"slug" json:"slug"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Team groups agents and repositories under an organization.
type Team struct {
	ID        string    `db:"id" json:"id"`
	OrgID     string    `db:"org_id" json:"org_id"`
	Name      string    `db:"name" json:"name"`
	Slug      string    `db:"slug" json:"slug"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// TeamSettings carries the per-team knobs consulted by the core services.
// Budget caps are in micro-units; zero means the configured default applies.
type TeamSettings struct {
	TeamID          string    `db:"team_id" json:"team_id"`
	DailyCapMicros  int64     `db:"daily_cap_micros" json:"daily_cap_micros"`
	TaskCapMicros   int64     `db:"task_cap_micros" json:"task_cap_micros"`
	DefaultModel    string    `db:"default_model" json:"default_model"`
	AutoMerge       bool      `db:"auto_merge" json:"auto_merge"`
	BranchPrefix    string    `db:"branch_prefix" json:"branch_prefix"`
	ReviewByAgents  bool      `db:"review_by_agents" json:"review_by_agents"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// Agent is a named actor that performs work by consuming inbox messages.
type Agent struct {
	ID        string      `db:"id" json:"id"`
	TeamID    string      `db:"team_id" json:"team_id"`
	Name      string      `db:"name" json:"name"`
	Role      AgentRole   `db:"role" json:"role"`
	Model     string      `db:"model" json:"model"`
	Adapter   string      `db:"adapter" json:"adapter"`
	Status    AgentStatus `db:"status" json:"status"`
	Config    string      `db:"config" json:"config"` // JSON blob
	CreatedAt time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt time.Time   `db:"updated_at" json:"updated_at"`
}

// Repository is a git repository registered with a team.
type Repository struct {
	ID            string    `db:"id" json:"id"`
	TeamID        string    `db:"team_id" json:"team_id"`
	Name          string    `db:"name" json:"name"`
	LocalPath     string    `db:"local_path" json:"local_path"`
	DefaultBranch string    `db:"default_branch" json:"default_branch"`
	Config        string    `db:"config" json:"config"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// TaskStatus enumerates the seven task lifecycle states.
type TaskStatus string

const (
	TaskTodo       TaskStatus = "todo"
	TaskInProgress TaskStatus = "in_progress"
	TaskInReview   TaskStatus = "in_review"
	TaskInApproval TaskStatus = "in_approval"
	TaskMerging    TaskStatus = "merging"
	TaskDone       TaskStatus = "done"
	TaskCancelled  TaskStatus = "cancelled"
)

// ValidTransitions is the task state machine. A transition absent from this
// table is a conflict. done and cancelled are terminal.
var ValidTransitions = map[TaskStatus][]TaskStatus{
	TaskTodo:       {TaskInProgress, TaskCancelled},
	TaskInProgress: {TaskInReview, TaskTodo, TaskCancelled},
	TaskInReview:   {TaskInApproval, TaskInProgress, TaskCancelled},
	TaskInApproval: {TaskMerging, TaskInProgress, TaskCancelled},
	TaskMerging:    {TaskDone, TaskInProgress},
	TaskDone:       {},
	TaskCancelled:  {},
}

// CanTransition reports whether from → to is in the transition table.
func CanTransition(from, to TaskStatus) bool {
	for _, t := range ValidTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status has no outgoing transitions.
func IsTerminal(s TaskStatus) bool {
	return len(ValidTransitions[s]) == 0
}

// TaskPriority enumerates task priorities.
type TaskPriority string

const (
	PriorityLow      TaskPriority = "low"
	PriorityMedium   TaskPriority = "medium"
	PriorityHigh     TaskPriority = "high"
	PriorityCritical TaskPriority = "critical"
)

// Task is a unit of work routed to agents.
// DependsOn, RepoIDs, Tags, and Metadata are stored as JSON columns.
type Task struct {
	ID          int64        `db:"id" json:"id"`
	TeamID      string       `db:"team_id" json:"team_id"`
	Title       string       `db:"title" json:"title"`
	Description string       `db:"description" json:"description"`
	Status      TaskStatus   `db:"status" json:"status"`
	Priority    TaskPriority `db:"priority" json:"priority"`
	DRIID       *string      `db:"dri_id" json:"dri_id,omitempty"`
	AssigneeID  *string      `db:"assignee_id" json:"assignee_id,omitempty"`
	DependsOn   Int64List    `db:"depends_on" json:"depends_on"`
	RepoIDs     StringList   `db:"repo_ids" json:"repo_ids"`
	Tags        StringList   `db:"tags" json:"tags"`
	Branch      string       `db:"branch" json:"branch"`
	Metadata    JSONMap      `db:"metadata" json:"metadata"`
	CreatedAt   time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time    `db:"updated_at" json:"updated_at"`
	CompletedAt *time.Time   `db:"completed_at" json:"completed_at,omitempty"`
}

// Event is one record of the append-only log. Data and Metadata are opaque
// JSON; once persisted an event is never updated or deleted.
type Event struct {
	ID        int64     `db:"id" json:"id"`
	StreamID  string    `db:"stream_id" json:"stream_id"`
	Type      string    `db:"type" json:"type"`
	Data      string    `db:"data" json:"data"`
	Metadata  string    `db:"metadata" json:"metadata"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// ActorType distinguishes agents from humans in sender/author fields.
type ActorType string

const (
	ActorAgent ActorType = "agent"
	ActorUser  ActorType = "user"
)

// Message is one durable inbox entry. Per-recipient FIFO order is message id
// order. processed_at >= seen_at >= delivered_at when set.
type Message struct {
	ID            int64      `db:"id" json:"id"`
	TeamID        string     `db:"team_id" json:"team_id"`
	SenderID      string     `db:"sender_id" json:"sender_id"`
	SenderType    ActorType  `db:"sender_type" json:"sender_type"`
	RecipientID   string     `db:"recipient_id" json:"recipient_id"`
	RecipientType ActorType  `db:"recipient_type" json:"recipient_type"`
	TaskID        *int64     `db:"task_id" json:"task_id,omitempty"`
	Content       string     `db:"content" json:"content"`
	DeliveredAt   *time.Time `db:"delivered_at" json:"delivered_at,omitempty"`
	SeenAt        *time.Time `db:"seen_at" json:"seen_at,omitempty"`
	ProcessedAt   *time.Time `db:"processed_at" json:"processed_at,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
}

// HumanRequestKind enumerates why an agent is asking a human for input.
type HumanRequestKind string

const (
	RequestQuestion HumanRequestKind = "question"
	RequestApproval HumanRequestKind = "approval"
	RequestReview   HumanRequestKind = "review"
)

// HumanRequestStatus enumerates human-request lifecycle states.
type HumanRequestStatus string

const (
	RequestPending  HumanRequestStatus = "pending"
	RequestResolved HumanRequestStatus = "resolved"
	RequestExpired  HumanRequestStatus = "expired"
)

// HumanRequest is an agent-originated request for human input. Exactly one
// terminal transition: pending → resolved or pending → expired.
type HumanRequest struct {
	ID          int64              `db:"id" json:"id"`
	TeamID      string             `db:"team_id" json:"team_id"`
	AgentID     string             `db:"agent_id" json:"agent_id"`
	TaskID      *int64             `db:"task_id" json:"task_id,omitempty"`
	Kind        HumanRequestKind   `db:"kind" json:"kind"`
	Question    string             `db:"question" json:"question"`
	Options     StringList         `db:"options" json:"options"`
	Status      HumanRequestStatus `db:"status" json:"status"`
	Response    *string            `db:"response" json:"response,omitempty"`
	RespondedBy *string            `db:"responded_by" json:"responded_by,omitempty"`
	TimeoutAt   *time.Time         `db:"timeout_at" json:"timeout_at,omitempty"`
	CreatedAt   time.Time          `db:"created_at" json:"created_at"`
	ResolvedAt  *time.Time         `db:"resolved_at" json:"resolved_at,omitempty"`
}

// Session is one agent work unit with token counters and accumulated cost.
// CostMicros is fixed-point currency with six fractional digits.
type Session struct {
	ID         int64      `db:"id" json:"id"`
	AgentID    string     `db:"agent_id" json:"agent_id"`
	TaskID     *int64     `db:"task_id" json:"task_id,omitempty"`
	Model      string     `db:"model" json:"model"`
	TokensIn   int64      `db:"tokens_in" json:"tokens_in"`
	TokensOut  int64      `db:"tokens_out" json:"tokens_out"`
	CacheRead  int64      `db:"cache_read" json:"cache_read"`
	CacheWrite int64      `db:"cache_write" json:"cache_write"`
	CostMicros int64      `db:"cost_micros" json:"cost_micros"`
	Error      *string    `db:"error" json:"error,omitempty"`
	StartedAt  time.Time  `db:"started_at" json:"started_at"`
	EndedAt    *time.Time `db:"ended_at" json:"ended_at,omitempty"`
}

// ReviewVerdict enumerates review outcomes. A pending review has no verdict.
type ReviewVerdict string

const (
	VerdictApprove        ReviewVerdict = "approve"
	VerdictRequestChanges ReviewVerdict = "request_changes"
	VerdictReject         ReviewVerdict = "reject"
)

// Review is one review attempt for a task. Attempt is 1-based and unique per
// task; only the highest attempt is consulted for merge readiness.
type Review struct {
	ID           int64          `db:"id" json:"id"`
	TaskID       int64          `db:"task_id" json:"task_id"`
	Attempt      int            `db:"attempt" json:"attempt"`
	ReviewerID   *string        `db:"reviewer_id" json:"reviewer_id,omitempty"`
	ReviewerType ActorType      `db:"reviewer_type" json:"reviewer_type"`
	Verdict      *ReviewVerdict `db:"verdict" json:"verdict,omitempty"`
	Summary      *string        `db:"summary" json:"summary,omitempty"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
	ResolvedAt   *time.Time     `db:"resolved_at" json:"resolved_at,omitempty"`
}

// ReviewComment anchors feedback to an optional (file, line) position.
type ReviewComment struct {
	ID         int64     `db:"id" json:"id"`
	ReviewID   int64     `db:"review_id" json:"review_id"`
	AuthorID   string    `db:"author_id" json:"author_id"`
	AuthorType ActorType `db:"author_type" json:"author_type"`
	FilePath   *string   `db:"file_path" json:"file_path,omitempty"`
	LineNumber *int      `db:"line_number" json:"line_number,omitempty"`
	Content    string    `db:"content" json:"content"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// MergeStrategy enumerates how the merge worker integrates a task branch.
type MergeStrategy string

const (
	StrategyRebase MergeStrategy = "rebase"
	StrategyMerge  MergeStrategy = "merge"
	StrategySquash MergeStrategy = "squash"
)

// MergeJobStatus enumerates merge job lifecycle states.
type MergeJobStatus string

const (
	MergeQueued  MergeJobStatus = "queued"
	MergeRunning MergeJobStatus = "running"
	MergeSuccess MergeJobStatus = "success"
	MergeFailed  MergeJobStatus = "failed"
)

// MergeJob is one queued integration of a task branch into a repository.
type MergeJob struct {
	ID          int64          `db:"id" json:"id"`
	TaskID      int64          `db:"task_id" json:"task_id"`
	RepoID      string         `db:"repo_id" json:"repo_id"`
	Strategy    MergeStrategy  `db:"strategy" json:"strategy"`
	Status      MergeJobStatus `db:"status" json:"status"`
	MergeCommit *string        `db:"merge_commit" json:"merge_commit,omitempty"`
	Error       *string        `db:"error" json:"error,omitempty"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	StartedAt   *time.Time     `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time     `db:"completed_at" json:"completed_at,omitempty"`
}

// WebhookDelivery records an inbound webhook for audit. Ingestion itself is
// handled outside the core; the core only stores and lists deliveries.
type WebhookDelivery struct {
	ID          string     `db:"id" json:"id"`
	Source      string     `db:"source" json:"source"`
	EventKind   string     `db:"event_kind" json:"event_kind"`
	Payload     string     `db:"payload" json:"payload"`
	Status      string     `db:"status" json:"status"`
	ReceivedAt  time.Time  `db:"received_at" json:"received_at"`
	ProcessedAt *time.Time `db:"processed_at" json:"processed_at,omitempty"`
}
