package store

import (
	"context"
	"time"
)

// Store is the persistent store interface consumed by the rest of the
// orchestrator. The SQLite implementation in sqlite.go is the production
// implementation; the interface exists so components (cursor, scheduler,
// ipc) depend on behavior, not on database/sql directly, and so tests can
// substitute the map-backed storetest.Memory.
type Store interface {
	// Chat / Message
	StoreMessage(ctx context.Context, m Message) error
	StoreChatMetadata(ctx context.Context, jid string, ts time.Time, displayName string) error
	GetNewMessages(ctx context.Context, jids []string, sinceTs map[string]time.Time, excludeBotMessages bool) ([]Message, map[string]time.Time, error)
	GetMessagesSince(ctx context.Context, jid string, since time.Time, excludeBotMessages bool) ([]Message, error)

	// Cursors
	GetAgentCursor(ctx context.Context, jid string) (time.Time, bool, error)
	SetAgentCursor(ctx context.Context, jid string, ts time.Time) error
	GetPendingCursor(ctx context.Context, jid string) (time.Time, bool, error)
	SetPendingCursor(ctx context.Context, jid string, ts time.Time) error
	ClearPendingCursor(ctx context.Context, jid string) error
	ListPendingCursors(ctx context.Context) ([]PendingCursor, error)

	// Router state
	GetRouterState(ctx context.Context, key string) (string, bool, error)
	SetRouterState(ctx context.Context, key, value string) error

	// RegisteredGroup
	CreateRegisteredGroup(ctx context.Context, g RegisteredGroup) error
	GetRegisteredGroupByJID(ctx context.Context, jid string) (RegisteredGroup, bool, error)
	GetRegisteredGroupByFolder(ctx context.Context, folder string) (RegisteredGroup, bool, error)
	ListRegisteredGroups(ctx context.Context) ([]RegisteredGroup, error)

	// Session
	UpsertSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, groupFolder string) (Session, bool, error)

	// ScheduledTask / TaskRunLog
	CreateScheduledTask(ctx context.Context, t ScheduledTask) error
	GetScheduledTask(ctx context.Context, id string) (ScheduledTask, bool, error)
	UpdateScheduledTask(ctx context.Context, t ScheduledTask) error
	DeleteScheduledTask(ctx context.Context, id string) error
	GetDueTasks(ctx context.Context, now time.Time) ([]ScheduledTask, error)
	SetTaskStatus(ctx context.Context, id string, status TaskStatus) error
	InsertTaskRunLog(ctx context.Context, l TaskRunLog) error

	// Retention
	RunRetentionSweep(ctx context.Context, messageRetentionDays, taskLogRetentionDays int) error

	Close() error
}
