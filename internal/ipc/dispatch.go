package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/groupwatch/internal/nextrun"
	"github.com/nextlevelbuilder/groupwatch/internal/protocol"
	"github.com/nextlevelbuilder/groupwatch/internal/store"
)

// sourceGroup resolves the RegisteredGroup whose FolderName is the
// directory the payload was found in — the only identity the
// authorization model trusts (spec §4.4 "Authorization invariant").
func (w *Watcher) sourceGroup(ctx context.Context, folder string) (store.RegisteredGroup, error) {
	g, ok, err := w.deps.Store.GetRegisteredGroupByFolder(ctx, folder)
	if err != nil {
		return store.RegisteredGroup{}, fmt.Errorf("lookup source group: %w", err)
	}
	if !ok {
		return store.RegisteredGroup{}, fmt.Errorf("unregistered source folder %q", folder)
	}
	return g, nil
}

func (w *Watcher) dispatchMessage(ctx context.Context, folder, name string, data []byte) error {
	var msg protocol.OutboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("parse message payload: %w", err)
	}
	if msg.ChatJID == "" || msg.Text == "" {
		return fmt.Errorf("message payload missing chatJid or text")
	}

	source, err := w.sourceGroup(ctx, folder)
	if err != nil {
		return err
	}

	target, ok, err := w.deps.Store.GetRegisteredGroupByJID(ctx, msg.ChatJID)
	if err != nil {
		return fmt.Errorf("lookup target group: %w", err)
	}
	if !ok {
		return fmt.Errorf("target jid %q is not a registered group", msg.ChatJID)
	}
	if !source.IsMain && target.FolderName != folder {
		return fmt.Errorf("folder %q is not authorized to message jid %q", folder, msg.ChatJID)
	}

	if err := w.deps.Channels.SendMessage(msg.ChatJID, msg.Text); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (w *Watcher) dispatchTask(ctx context.Context, folder, name string, data []byte) error {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("parse task envelope: %w", err)
	}

	source, err := w.sourceGroup(ctx, folder)
	if err != nil {
		return err
	}

	switch env.Type {
	case protocol.TypeScheduleTask:
		return w.handleScheduleTask(ctx, folder, source, data)
	case protocol.TypePauseTask:
		return w.handleTaskRef(ctx, folder, source, data, store.TaskPaused)
	case protocol.TypeResumeTask:
		return w.handleTaskRef(ctx, folder, source, data, store.TaskActive)
	case protocol.TypeCancelTask:
		return w.handleCancelTask(ctx, folder, source, data)
	case protocol.TypeRefreshGroups:
		return w.handleRefreshGroups(ctx, source)
	case protocol.TypeRegisterGroup:
		return w.handleRegisterGroup(ctx, source, data)
	default:
		return fmt.Errorf("unknown task payload type %q", env.Type)
	}
}

func (w *Watcher) handleScheduleTask(ctx context.Context, folder string, source store.RegisteredGroup, data []byte) error {
	var p protocol.ScheduleTaskPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("parse schedule_task payload: %w", err)
	}
	if p.ChatJID == "" || p.Prompt == "" {
		return fmt.Errorf("schedule_task missing chatJid or prompt")
	}

	target, ok, err := w.deps.Store.GetRegisteredGroupByJID(ctx, p.ChatJID)
	if err != nil {
		return fmt.Errorf("lookup target group: %w", err)
	}
	if !ok {
		return fmt.Errorf("target jid %q is not a registered group", p.ChatJID)
	}
	if !source.IsMain && target.FolderName != folder {
		return fmt.Errorf("folder %q is not authorized to schedule tasks for jid %q", folder, p.ChatJID)
	}

	contextMode := store.ContextMode(p.ContextMode)
	if contextMode == "" {
		contextMode = store.ContextIsolated
	}

	next, err := nextrun.Compute(p.ScheduleType, p.ScheduleValue, w.deps.Timezone, time.Now())
	if err != nil {
		return fmt.Errorf("compute next_run: %w", err)
	}

	task := store.ScheduledTask{
		ID:            uuid.NewString(),
		GroupFolder:   folder,
		ChatJID:       p.ChatJID,
		Prompt:        p.Prompt,
		ScheduleType:  store.ScheduleType(p.ScheduleType),
		ScheduleValue: p.ScheduleValue,
		ContextMode:   contextMode,
		NextRun:       &next,
		Status:        store.TaskActive,
		CreatedAt:     time.Now(),
	}
	if err := w.deps.Store.CreateScheduledTask(ctx, task); err != nil {
		return fmt.Errorf("create scheduled task: %w", err)
	}
	return nil
}

func (w *Watcher) handleTaskRef(ctx context.Context, folder string, source store.RegisteredGroup, data []byte, newStatus store.TaskStatus) error {
	var p protocol.TaskRefPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("parse task ref payload: %w", err)
	}
	task, ok, err := w.deps.Store.GetScheduledTask(ctx, p.TaskID)
	if err != nil {
		return fmt.Errorf("lookup task: %w", err)
	}
	if !ok {
		return fmt.Errorf("task %q not found", p.TaskID)
	}
	if !source.IsMain && task.GroupFolder != folder {
		return fmt.Errorf("folder %q is not authorized to manage task %q", folder, p.TaskID)
	}
	if err := w.deps.Store.SetTaskStatus(ctx, p.TaskID, newStatus); err != nil {
		return fmt.Errorf("set task status: %w", err)
	}
	return nil
}

func (w *Watcher) handleCancelTask(ctx context.Context, folder string, source store.RegisteredGroup, data []byte) error {
	var p protocol.TaskRefPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("parse cancel_task payload: %w", err)
	}
	task, ok, err := w.deps.Store.GetScheduledTask(ctx, p.TaskID)
	if err != nil {
		return fmt.Errorf("lookup task: %w", err)
	}
	if !ok {
		return fmt.Errorf("task %q not found", p.TaskID)
	}
	if !source.IsMain && task.GroupFolder != folder {
		return fmt.Errorf("folder %q is not authorized to cancel task %q", folder, p.TaskID)
	}
	if err := w.deps.Store.DeleteScheduledTask(ctx, p.TaskID); err != nil {
		return fmt.Errorf("delete scheduled task: %w", err)
	}
	return nil
}

func (w *Watcher) handleRefreshGroups(ctx context.Context, source store.RegisteredGroup) error {
	if !source.IsMain {
		return fmt.Errorf("refresh_groups requires the main group")
	}
	if w.deps.RefreshGroups == nil {
		return nil
	}
	return w.deps.RefreshGroups(ctx)
}

func (w *Watcher) handleRegisterGroup(ctx context.Context, source store.RegisteredGroup, data []byte) error {
	if !source.IsMain {
		return fmt.Errorf("register_group requires the main group")
	}
	var p protocol.RegisterGroupPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("parse register_group payload: %w", err)
	}
	if !folderPattern.MatchString(p.FolderName) {
		return fmt.Errorf("invalid folder name %q", p.FolderName)
	}
	if !jidPattern.MatchString(p.JID) {
		return fmt.Errorf("invalid jid %q", p.JID)
	}
	if len(p.DisplayName) > maxDisplayNameLen {
		return fmt.Errorf("display name exceeds %d characters", maxDisplayNameLen)
	}

	group := store.RegisteredGroup{
		JID:             p.JID,
		DisplayName:     p.DisplayName,
		FolderName:      p.FolderName,
		TriggerToken:    p.TriggerToken,
		RequiresTrigger: p.RequiresTrigger,
		IsMain:          false,
		CreatedAt:       time.Now(),
	}
	if err := w.deps.Store.CreateRegisteredGroup(ctx, group); err != nil {
		return fmt.Errorf("create registered group: %w", err)
	}
	return nil
}
