// Package protocol defines the wire types exchanged across the IPC
// boundary between the orchestrator and a spawned agent subprocess:
// the stdin run payload, the sentinel-framed stdout streaming record,
// and the discriminated-union files an agent writes into its
// messages/ and tasks/ IPC subdirectories.
package protocol

import "time"

// RunInput is the one-shot JSON payload written to an agent's stdin,
// then stdin is closed. Secrets travel only in Secrets, never in the
// scrubbed process environment (spec §4.3).
type RunInput struct {
	ChatJID        string            `json:"chatJid"`
	GroupFolder    string            `json:"groupFolder"`
	Prompt         string            `json:"prompt"`
	SessionID      string            `json:"sessionId,omitempty"`
	IsMain         bool              `json:"isMain"`
	IsScheduledTask bool             `json:"isScheduledTask,omitempty"`
	Secrets        map[string]string `json:"secrets,omitempty"`
}

// RunRecord is a single sentinel-framed JSON object emitted on an
// agent's stdout (spec §4.3 "Streaming output record").
type RunRecord struct {
	Status        string  `json:"status"` // "success" | "error"
	Result        *string `json:"result"`
	NewSessionID  string  `json:"newSessionId,omitempty"`
	Error         string  `json:"error,omitempty"`
	TokensIn      int     `json:"tokensIn,omitempty"`
	TokensOut     int     `json:"tokensOut,omitempty"`
	Model         string  `json:"model,omitempty"`
}

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// CloseSentinel is the reserved filename atomically written into a
// group's input/ directory to request graceful agent wind-down.
const CloseSentinel = "_close"

// MessageType tags the discriminated union of files an agent writes
// into its tasks/ IPC subdirectory, plus the message schema for
// messages/ (spec §4.4).
type MessageType string

const (
	TypeMessage        MessageType = "message"
	TypeScheduleTask    MessageType = "schedule_task"
	TypePauseTask       MessageType = "pause_task"
	TypeResumeTask      MessageType = "resume_task"
	TypeCancelTask      MessageType = "cancel_task"
	TypeRefreshGroups   MessageType = "refresh_groups"
	TypeRegisterGroup   MessageType = "register_group"
)

// Envelope is the minimal shape every IPC file must parse as, used to
// read the discriminant before unmarshaling the full payload.
type Envelope struct {
	Type MessageType `json:"type"`
}

// OutboundMessage is the messages/*.json schema: an agent asking the
// orchestrator to deliver text to a chat via its owning channel.
type OutboundMessage struct {
	Type    MessageType `json:"type"`
	ChatJID string      `json:"chatJid"`
	Text    string      `json:"text"`
	Sender  string      `json:"sender,omitempty"`
}

// ScheduleTaskPayload creates a new ScheduledTask.
type ScheduleTaskPayload struct {
	Type          MessageType `json:"type"`
	ChatJID       string      `json:"chatJid"`
	Prompt        string      `json:"prompt"`
	ScheduleType  string      `json:"scheduleType"`  // "cron" | "interval" | "once"
	ScheduleValue string      `json:"scheduleValue"`
	ContextMode   string      `json:"contextMode,omitempty"` // "isolated" | "group"
}

// TaskRefPayload is the shared shape of pause_task/resume_task/cancel_task.
type TaskRefPayload struct {
	Type   MessageType `json:"type"`
	TaskID string      `json:"taskId"`
}

// RefreshGroupsPayload carries no fields beyond the discriminant.
type RefreshGroupsPayload struct {
	Type MessageType `json:"type"`
}

// RegisterGroupPayload activates a new RegisteredGroup; main-group only.
type RegisterGroupPayload struct {
	Type            MessageType `json:"type"`
	JID             string      `json:"jid"`
	DisplayName     string      `json:"displayName"`
	FolderName      string      `json:"folderName"`
	TriggerToken    string      `json:"triggerToken,omitempty"`
	RequiresTrigger bool        `json:"requiresTrigger"`
}

// GroupCheckRequest describes a batch of messages for one chat as an
// agent-prompt envelope. It is not an IPC wire type, and no package
// builds it: cursor formats RunInput.Prompt directly from store.Message
// rows.
type GroupCheckRequest struct {
	ChatJID    string
	Messages   []PromptMessage
	RequestedAt time.Time
}

// PromptMessage is a single message folded into an agent prompt envelope.
type PromptMessage struct {
	SenderName string
	Content    string
	Timestamp  time.Time
}
