package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is chosen so lexicographic string comparison matches
// chronological order (RFC3339Nano, always UTC, zero-padded).
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// SQLiteStore is the Store implementation backing messages.db. WAL journal
// mode is enabled so cursor/session writers never block concurrent readers.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite store at path, applies
// foreign-key enforcement and WAL mode, and runs pending migrations.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; one conn avoids SQLITE_BUSY churn

	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) StoreMessage(ctx context.Context, m Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, chat_jid, sender_id, sender_name, content, timestamp, is_from_self, is_bot_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id, chat_jid) DO UPDATE SET
			sender_id=excluded.sender_id, sender_name=excluded.sender_name, content=excluded.content,
			timestamp=excluded.timestamp, is_from_self=excluded.is_from_self, is_bot_message=excluded.is_bot_message`,
		m.ID, m.ChatJID, m.SenderID, m.SenderName, m.Content, formatTime(m.Timestamp), m.IsFromSelf, m.IsBotMessage)
	return err
}

func (s *SQLiteStore) StoreChatMetadata(ctx context.Context, jid string, ts time.Time, displayName string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (jid, display_name, last_activity) VALUES (?, ?, ?)
		ON CONFLICT (jid) DO UPDATE SET
			last_activity = excluded.last_activity,
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE chats.display_name END`,
		jid, displayName, formatTime(ts))
	return err
}

func (s *SQLiteStore) GetNewMessages(ctx context.Context, jids []string, sinceTs map[string]time.Time, excludeBotMessages bool) ([]Message, map[string]time.Time, error) {
	out := make([]Message, 0)
	maxTs := make(map[string]time.Time, len(jids))
	for _, jid := range jids {
		since := sinceTs[jid]
		msgs, err := s.GetMessagesSince(ctx, jid, since, excludeBotMessages)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, msgs...)
		for _, m := range msgs {
			if cur, ok := maxTs[jid]; !ok || m.Timestamp.After(cur) {
				maxTs[jid] = m.Timestamp
			}
		}
	}
	return out, maxTs, nil
}

func (s *SQLiteStore) GetMessagesSince(ctx context.Context, jid string, since time.Time, excludeBotMessages bool) ([]Message, error) {
	query := `SELECT id, chat_jid, sender_id, sender_name, content, timestamp, is_from_self, is_bot_message
		FROM messages WHERE chat_jid = ? AND timestamp > ?`
	args := []any{jid, formatTime(since)}
	if excludeBotMessages {
		query += ` AND is_bot_message = 0`
	}
	query += ` ORDER BY timestamp ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var ts string
		if err := rows.Scan(&m.ID, &m.ChatJID, &m.SenderID, &m.SenderName, &m.Content, &ts, &m.IsFromSelf, &m.IsBotMessage); err != nil {
			return nil, err
		}
		if m.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetAgentCursor(ctx context.Context, jid string) (time.Time, bool, error) {
	var ts string
	err := s.db.QueryRowContext(ctx, `SELECT confirmed_timestamp FROM agent_cursors WHERE chat_jid = ?`, jid).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	t, err := parseTime(ts)
	return t, true, err
}

func (s *SQLiteStore) SetAgentCursor(ctx context.Context, jid string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_cursors (chat_jid, confirmed_timestamp) VALUES (?, ?)
		ON CONFLICT (chat_jid) DO UPDATE SET confirmed_timestamp = excluded.confirmed_timestamp`,
		jid, formatTime(ts))
	return err
}

func (s *SQLiteStore) GetPendingCursor(ctx context.Context, jid string) (time.Time, bool, error) {
	var ts string
	err := s.db.QueryRowContext(ctx, `SELECT pending_timestamp FROM pending_cursors WHERE chat_jid = ?`, jid).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	t, err := parseTime(ts)
	return t, true, err
}

func (s *SQLiteStore) SetPendingCursor(ctx context.Context, jid string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_cursors (chat_jid, pending_timestamp) VALUES (?, ?)
		ON CONFLICT (chat_jid) DO UPDATE SET pending_timestamp = excluded.pending_timestamp`,
		jid, formatTime(ts))
	return err
}

func (s *SQLiteStore) ClearPendingCursor(ctx context.Context, jid string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_cursors WHERE chat_jid = ?`, jid)
	return err
}

func (s *SQLiteStore) ListPendingCursors(ctx context.Context) ([]PendingCursor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chat_jid, pending_timestamp FROM pending_cursors`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PendingCursor
	for rows.Next() {
		var p PendingCursor
		var ts string
		if err := rows.Scan(&p.ChatJID, &ts); err != nil {
			return nil, err
		}
		if p.PendingTimestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetRouterState(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM router_state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	return v, err == nil, err
}

func (s *SQLiteStore) SetRouterState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO router_state (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (s *SQLiteStore) CreateRegisteredGroup(ctx context.Context, g RegisteredGroup) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO registered_groups (jid, display_name, folder_name, trigger_token, agent_config, requires_trigger, is_main, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		g.JID, g.DisplayName, g.FolderName, g.TriggerToken, g.AgentConfig, g.RequiresTrigger, g.IsMain, formatTime(g.CreatedAt))
	return err
}

func scanRegisteredGroup(row interface{ Scan(...any) error }) (RegisteredGroup, error) {
	var g RegisteredGroup
	var created string
	err := row.Scan(&g.JID, &g.DisplayName, &g.FolderName, &g.TriggerToken, &g.AgentConfig, &g.RequiresTrigger, &g.IsMain, &created)
	if err != nil {
		return g, err
	}
	g.CreatedAt, err = parseTime(created)
	return g, err
}

const selectRegisteredGroupCols = `jid, display_name, folder_name, trigger_token, agent_config, requires_trigger, is_main, created_at FROM registered_groups`

func (s *SQLiteStore) GetRegisteredGroupByJID(ctx context.Context, jid string) (RegisteredGroup, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectRegisteredGroupCols+` WHERE jid = ?`, jid)
	g, err := scanRegisteredGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RegisteredGroup{}, false, nil
	}
	return g, err == nil, err
}

func (s *SQLiteStore) GetRegisteredGroupByFolder(ctx context.Context, folder string) (RegisteredGroup, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectRegisteredGroupCols+` WHERE folder_name = ?`, folder)
	g, err := scanRegisteredGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RegisteredGroup{}, false, nil
	}
	return g, err == nil, err
}

func (s *SQLiteStore) ListRegisteredGroups(ctx context.Context) ([]RegisteredGroup, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectRegisteredGroupCols)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RegisteredGroup
	for rows.Next() {
		g, err := scanRegisteredGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertSession(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (group_folder, session_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (group_folder) DO UPDATE SET session_id = excluded.session_id, updated_at = excluded.updated_at`,
		sess.GroupFolder, sess.SessionID, formatTime(sess.UpdatedAt))
	return err
}

func (s *SQLiteStore) GetSession(ctx context.Context, groupFolder string) (Session, bool, error) {
	var sess Session
	var updated string
	err := s.db.QueryRowContext(ctx, `SELECT group_folder, session_id, updated_at FROM sessions WHERE group_folder = ?`, groupFolder).
		Scan(&sess.GroupFolder, &sess.SessionID, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, err
	}
	sess.UpdatedAt, err = parseTime(updated)
	return sess, err == nil, err
}

func (s *SQLiteStore) CreateScheduledTask(ctx context.Context, t ScheduledTask) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode, next_run, last_run, last_result, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.GroupFolder, t.ChatJID, t.Prompt, t.ScheduleType, t.ScheduleValue, t.ContextMode,
		nullableTime(t.NextRun), nullableTime(t.LastRun), t.LastResult, string(t.Status), formatTime(t.CreatedAt))
	return err
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func scanScheduledTask(row interface{ Scan(...any) error }) (ScheduledTask, error) {
	var t ScheduledTask
	var scheduleType, status, created string
	var nextRun, lastRun sql.NullString
	err := row.Scan(&t.ID, &t.GroupFolder, &t.ChatJID, &t.Prompt, &scheduleType, &t.ScheduleValue, &t.ContextMode,
		&nextRun, &lastRun, &t.LastResult, &status, &created)
	if err != nil {
		return t, err
	}
	t.ScheduleType = ScheduleType(scheduleType)
	t.Status = TaskStatus(status)
	if t.CreatedAt, err = parseTime(created); err != nil {
		return t, err
	}
	if nextRun.Valid {
		v, err := parseTime(nextRun.String)
		if err != nil {
			return t, err
		}
		t.NextRun = &v
	}
	if lastRun.Valid {
		v, err := parseTime(lastRun.String)
		if err != nil {
			return t, err
		}
		t.LastRun = &v
	}
	return t, nil
}

const selectScheduledTaskCols = `id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode, next_run, last_run, last_result, status, created_at FROM scheduled_tasks`

func (s *SQLiteStore) GetScheduledTask(ctx context.Context, id string) (ScheduledTask, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectScheduledTaskCols+` WHERE id = ?`, id)
	t, err := scanScheduledTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduledTask{}, false, nil
	}
	return t, err == nil, err
}

func (s *SQLiteStore) UpdateScheduledTask(ctx context.Context, t ScheduledTask) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks SET prompt=?, schedule_type=?, schedule_value=?, context_mode=?,
			next_run=?, last_run=?, last_result=?, status=? WHERE id=?`,
		t.Prompt, t.ScheduleType, t.ScheduleValue, t.ContextMode,
		nullableTime(t.NextRun), nullableTime(t.LastRun), t.LastResult, string(t.Status), t.ID)
	return err
}

func (s *SQLiteStore) DeleteScheduledTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id)
	return err
}

// GetDueTasks returns active tasks with next_run <= now, ordered by
// next_run. Tasks marked in_progress are excluded — this is the
// double-fire guard described in §4.6/§9.
func (s *SQLiteStore) GetDueTasks(ctx context.Context, now time.Time) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectScheduledTaskCols+`
		WHERE status = ? AND next_run IS NOT NULL AND next_run <= ? ORDER BY next_run ASC`,
		string(TaskActive), formatTime(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScheduledTask
	for rows.Next() {
		t, err := scanScheduledTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetTaskStatus(ctx context.Context, id string, status TaskStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE scheduled_tasks SET status = ? WHERE id = ?`, string(status), id)
	return err
}

func (s *SQLiteStore) InsertTaskRunLog(ctx context.Context, l TaskRunLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_run_logs (task_id, run_at, duration_ms, status, result, error) VALUES (?, ?, ?, ?, ?, ?)`,
		l.TaskID, formatTime(l.RunAt), l.DurationMs, string(l.Status), l.Result, l.Error)
	return err
}

// RunRetentionSweep deletes Message rows older than messageRetentionDays
// and TaskRunLog rows older than taskLogRetentionDays.
func (s *SQLiteStore) RunRetentionSweep(ctx context.Context, messageRetentionDays, taskLogRetentionDays int) error {
	msgCutoff := formatTime(time.Now().AddDate(0, 0, -messageRetentionDays))
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE timestamp < ?`, msgCutoff); err != nil {
		return fmt.Errorf("sweep messages: %w", err)
	}

	logCutoff := formatTime(time.Now().AddDate(0, 0, -taskLogRetentionDays))
	if _, err := s.db.ExecContext(ctx, `DELETE FROM task_run_logs WHERE run_at < ?`, logCutoff); err != nil {
		return fmt.Errorf("sweep task_run_logs: %w", err)
	}
	return nil
}
