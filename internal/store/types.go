// Package store defines the persistent data model (Chat, Message,
// RegisteredGroup, Session, AgentCursor, PendingCursor, ScheduledTask,
// TaskRunLog, RouterState) and the Store interface the rest of the
// orchestrator consumes, plus a SQLite-backed implementation.
package store

import "time"

// Chat is metadata-only: created on first observation from any channel,
// never deleted.
type Chat struct {
	JID          string
	DisplayName  string
	LastActivity time.Time
}

// Message is a single observed message. Primary key is (ID, ChatJID).
// Timestamps are millisecond-precision and sort lexicographically under
// string compare when formatted as RFC3339Nano/UTC.
type Message struct {
	ID           string
	ChatJID      string
	SenderID     string
	SenderName   string
	Content      string
	Timestamp    time.Time
	IsFromSelf   bool
	IsBotMessage bool
}

// RegisteredGroup is a conversation's admission ticket: the core only
// dispatches agents for registered groups.
type RegisteredGroup struct {
	JID             string
	DisplayName     string
	FolderName      string
	TriggerToken    string
	AgentConfig     string // opaque, agent-side JSON blob; core never parses it
	RequiresTrigger bool
	IsMain          bool
	CreatedAt       time.Time
}

// Session lets a subprocess resume a prior conversation context.
// Last-write-wins per folder.
type Session struct {
	GroupFolder string
	SessionID   string
	UpdatedAt   time.Time
}

// AgentCursor is the last message timestamp the agent has demonstrably
// processed for a chat.
type AgentCursor struct {
	ChatJID            string
	ConfirmedTimestamp time.Time
}

// PendingCursor is written before an agent run and cleared after confirmed
// delivery. PendingCursor > AgentCursor signals a crashed run.
type PendingCursor struct {
	ChatJID         string
	PendingTimestamp time.Time
}

// ScheduleType enumerates ScheduledTask firing models.
type ScheduleType string

const (
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
	ScheduleOnce     ScheduleType = "once"
)

// ContextMode controls whether a scheduled run resumes the group's shared
// session or starts isolated.
type ContextMode string

const (
	ContextIsolated ContextMode = "isolated"
	ContextGroup    ContextMode = "group"
)

// TaskStatus enumerates ScheduledTask lifecycle states. InProgress exists
// to prevent double-fire when a run outlives a scheduler tick (§9 open
// question, resolved here as a status value rather than a separate row —
// see DESIGN.md).
type TaskStatus string

const (
	TaskActive     TaskStatus = "active"
	TaskPaused     TaskStatus = "paused"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
)

// ScheduledTask is a recurring or one-shot agent invocation bound to a group.
type ScheduledTask struct {
	ID            string
	GroupFolder   string
	ChatJID       string
	Prompt        string
	ScheduleType  ScheduleType
	ScheduleValue string
	ContextMode   ContextMode
	NextRun       *time.Time
	LastRun       *time.Time
	LastResult    string
	Status        TaskStatus
	CreatedAt     time.Time
}

// RunStatus is the outcome of a single ScheduledTask execution.
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// TaskRunLog records one ScheduledTask execution, foreign-keyed to ScheduledTask.
type TaskRunLog struct {
	ID         int64
	TaskID     string
	RunAt      time.Time
	DurationMs int64
	Status     RunStatus
	Result     string
	Error      string
}
