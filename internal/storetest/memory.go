// Package storetest provides an in-memory store.Store implementation
// for exercising the cursor, ipc, and scheduler packages in tests
// without a real SQLite file.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/groupwatch/internal/store"
)

// Memory is a mutex-guarded in-memory store.Store.
type Memory struct {
	mu sync.Mutex

	chats           map[string]store.Chat
	messages        []store.Message
	agentCursors    map[string]time.Time
	pendingCursors  map[string]time.Time
	routerState     map[string]string
	groupsByJID     map[string]store.RegisteredGroup
	groupsByFolder  map[string]string // folder -> jid
	sessions        map[string]store.Session
	tasks           map[string]store.ScheduledTask
	runLogs         []store.TaskRunLog
}

func New() *Memory {
	return &Memory{
		chats:          make(map[string]store.Chat),
		agentCursors:   make(map[string]time.Time),
		pendingCursors: make(map[string]time.Time),
		routerState:    make(map[string]string),
		groupsByJID:    make(map[string]store.RegisteredGroup),
		groupsByFolder: make(map[string]string),
		sessions:       make(map[string]store.Session),
		tasks:          make(map[string]store.ScheduledTask),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) StoreMessage(ctx context.Context, msg store.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.messages {
		if existing.ID == msg.ID && existing.ChatJID == msg.ChatJID {
			m.messages[i] = msg
			return nil
		}
	}
	m.messages = append(m.messages, msg)
	return nil
}

func (m *Memory) StoreChatMetadata(ctx context.Context, jid string, ts time.Time, displayName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.chats[jid]
	c.JID = jid
	if displayName != "" {
		c.DisplayName = displayName
	}
	c.LastActivity = ts
	m.chats[jid] = c
	return nil
}

func (m *Memory) GetNewMessages(ctx context.Context, jids []string, sinceTs map[string]time.Time, excludeBotMessages bool) ([]store.Message, map[string]time.Time, error) {
	var out []store.Message
	maxTs := make(map[string]time.Time)
	for _, jid := range jids {
		msgs, err := m.GetMessagesSince(ctx, jid, sinceTs[jid], excludeBotMessages)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, msgs...)
		for _, msg := range msgs {
			if cur, ok := maxTs[jid]; !ok || msg.Timestamp.After(cur) {
				maxTs[jid] = msg.Timestamp
			}
		}
	}
	return out, maxTs, nil
}

func (m *Memory) GetMessagesSince(ctx context.Context, jid string, since time.Time, excludeBotMessages bool) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Message
	for _, msg := range m.messages {
		if msg.ChatJID != jid || !msg.Timestamp.After(since) {
			continue
		}
		if excludeBotMessages && msg.IsBotMessage {
			continue
		}
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *Memory) GetAgentCursor(ctx context.Context, jid string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.agentCursors[jid]
	return t, ok, nil
}

func (m *Memory) SetAgentCursor(ctx context.Context, jid string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agentCursors[jid] = ts
	return nil
}

func (m *Memory) GetPendingCursor(ctx context.Context, jid string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.pendingCursors[jid]
	return t, ok, nil
}

func (m *Memory) SetPendingCursor(ctx context.Context, jid string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingCursors[jid] = ts
	return nil
}

func (m *Memory) ClearPendingCursor(ctx context.Context, jid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pendingCursors, jid)
	return nil
}

func (m *Memory) ListPendingCursors(ctx context.Context) ([]store.PendingCursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.PendingCursor, 0, len(m.pendingCursors))
	for jid, ts := range m.pendingCursors {
		out = append(out, store.PendingCursor{ChatJID: jid, PendingTimestamp: ts})
	}
	return out, nil
}

func (m *Memory) GetRouterState(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.routerState[key]
	return v, ok, nil
}

func (m *Memory) SetRouterState(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routerState[key] = value
	return nil
}

func (m *Memory) CreateRegisteredGroup(ctx context.Context, g store.RegisteredGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groupsByJID[g.JID] = g
	m.groupsByFolder[g.FolderName] = g.JID
	return nil
}

func (m *Memory) GetRegisteredGroupByJID(ctx context.Context, jid string) (store.RegisteredGroup, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groupsByJID[jid]
	return g, ok, nil
}

func (m *Memory) GetRegisteredGroupByFolder(ctx context.Context, folder string) (store.RegisteredGroup, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	jid, ok := m.groupsByFolder[folder]
	if !ok {
		return store.RegisteredGroup{}, false, nil
	}
	g := m.groupsByJID[jid]
	return g, true, nil
}

func (m *Memory) ListRegisteredGroups(ctx context.Context) ([]store.RegisteredGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.RegisteredGroup, 0, len(m.groupsByJID))
	for _, g := range m.groupsByJID {
		out = append(out, g)
	}
	return out, nil
}

func (m *Memory) UpsertSession(ctx context.Context, s store.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.GroupFolder] = s
	return nil
}

func (m *Memory) GetSession(ctx context.Context, groupFolder string) (store.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[groupFolder]
	return s, ok, nil
}

func (m *Memory) CreateScheduledTask(ctx context.Context, t store.ScheduledTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t
	return nil
}

func (m *Memory) GetScheduledTask(ctx context.Context, id string) (store.ScheduledTask, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	return t, ok, nil
}

func (m *Memory) UpdateScheduledTask(ctx context.Context, t store.ScheduledTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; !ok {
		return nil
	}
	m.tasks[t.ID] = t
	return nil
}

func (m *Memory) DeleteScheduledTask(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
	var kept []store.TaskRunLog
	for _, l := range m.runLogs {
		if l.TaskID != id {
			kept = append(kept, l)
		}
	}
	m.runLogs = kept
	return nil
}

func (m *Memory) GetDueTasks(ctx context.Context, now time.Time) ([]store.ScheduledTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.ScheduledTask
	for _, t := range m.tasks {
		if t.Status == store.TaskActive && t.NextRun != nil && !t.NextRun.After(now) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRun.Before(*out[j].NextRun) })
	return out, nil
}

func (m *Memory) SetTaskStatus(ctx context.Context, id string, status store.TaskStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil
	}
	t.Status = status
	m.tasks[id] = t
	return nil
}

func (m *Memory) InsertTaskRunLog(ctx context.Context, l store.TaskRunLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.ID = int64(len(m.runLogs) + 1)
	m.runLogs = append(m.runLogs, l)
	return nil
}

func (m *Memory) RunRetentionSweep(ctx context.Context, messageRetentionDays, taskLogRetentionDays int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgCutoff := time.Now().AddDate(0, 0, -messageRetentionDays)
	var keptMsgs []store.Message
	for _, msg := range m.messages {
		if msg.Timestamp.After(msgCutoff) {
			keptMsgs = append(keptMsgs, msg)
		}
	}
	m.messages = keptMsgs

	logCutoff := time.Now().AddDate(0, 0, -taskLogRetentionDays)
	var keptLogs []store.TaskRunLog
	for _, l := range m.runLogs {
		if l.RunAt.After(logCutoff) {
			keptLogs = append(keptLogs, l)
		}
	}
	m.runLogs = keptLogs
	return nil
}

var _ store.Store = (*Memory)(nil)
