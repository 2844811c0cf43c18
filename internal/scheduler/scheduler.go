// Package scheduler implements the due-task polling loop: firing
// ScheduledTask rows through the same Agent Runner the cursor engine
// uses, advancing next_run, and writing TaskRunLog rows (spec §4.6).
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/groupwatch/internal/agentrunner"
	"github.com/nextlevelbuilder/groupwatch/internal/channels"
	"github.com/nextlevelbuilder/groupwatch/internal/nextrun"
	"github.com/nextlevelbuilder/groupwatch/internal/protocol"
	"github.com/nextlevelbuilder/groupwatch/internal/queue"
	"github.com/nextlevelbuilder/groupwatch/internal/store"
)

const defaultTick = 60 * time.Second

// Deps are the Scheduler's collaborators.
type Deps struct {
	Store    store.Store
	Queue    *queue.Queue
	Channels *channels.Manager

	GroupsDir string
	DataDir   string
	Timezone  *time.Location

	AssistantName    string
	Command          string
	CommandArgs      []string
	IdleTimeout      time.Duration
	HardTimeoutGrace time.Duration
	MaxOutputBytes   int
	LogLevel         string

	TickInterval time.Duration
}

// Scheduler runs the periodic due-task sweep.
type Scheduler struct {
	deps   Deps
	stopCh chan struct{}
}

func New(deps Deps) *Scheduler {
	if deps.TickInterval <= 0 {
		deps.TickInterval = defaultTick
	}
	if deps.Timezone == nil {
		deps.Timezone = time.UTC
	}
	return &Scheduler{deps: deps, stopCh: make(chan struct{})}
}

// Start runs the poll loop in a background goroutine until ctx is
// cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.deps.TickInterval)
		defer ticker.Stop()
		for {
			if err := s.Tick(ctx); err != nil {
				slog.Error("scheduler: tick failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
			}
		}
	}()
}

func (s *Scheduler) Stop() { close(s.stopCh) }

// Tick queries due tasks and submits each to the GroupQueue, guarding
// against a pause/cancel race by re-fetching before dispatch.
func (s *Scheduler) Tick(ctx context.Context) error {
	due, err := s.deps.Store.GetDueTasks(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("scheduler: get due tasks: %w", err)
	}

	for _, t := range due {
		fresh, ok, err := s.deps.Store.GetScheduledTask(ctx, t.ID)
		if err != nil {
			slog.Error("scheduler: re-fetch task failed", "task", t.ID, "error", err)
			continue
		}
		if !ok || fresh.Status != store.TaskActive {
			continue // paused, cancelled, or already dispatched since the query
		}

		if err := s.deps.Store.SetTaskStatus(ctx, fresh.ID, store.TaskInProgress); err != nil {
			slog.Error("scheduler: mark in-progress failed", "task", fresh.ID, "error", err)
			continue
		}

		task := fresh
		s.deps.Queue.EnqueueTask(task.ChatJID, task.ID, func(ctx context.Context) error {
			return s.runTask(ctx, task)
		})
	}
	return nil
}

// runTask executes one ScheduledTask invocation through the Agent
// Runner, then advances next_run and writes the run log (spec §4.6
// "Run lifecycle"). It is the TaskFunc handed to GroupQueue.EnqueueTask.
func (s *Scheduler) runTask(ctx context.Context, task store.ScheduledTask) error {
	start := time.Now()

	var sessionID string
	if task.ContextMode == store.ContextGroup {
		sess, ok, err := s.deps.Store.GetSession(ctx, task.GroupFolder)
		if err != nil {
			return fmt.Errorf("scheduler: get session: %w", err)
		}
		if ok {
			sessionID = sess.SessionID
		}
	}

	workspaceDir := filepath.Join(s.deps.GroupsDir, task.GroupFolder)
	ipcDir := filepath.Join(s.deps.DataDir, "ipc", task.GroupFolder)

	s.deps.Queue.RegisterProcess(task.ChatJID, task.GroupFolder)
	defer s.deps.Queue.UnregisterProcess(task.ChatJID)

	var resultText strings.Builder
	var newSessionID string

	res, runErr := agentrunner.Run(ctx, agentrunner.Options{
		Command:      s.deps.Command,
		Args:         s.deps.CommandArgs,
		WorkspaceDir: workspaceDir,
		ChatJID:      task.ChatJID,
		GroupFolder:  task.GroupFolder,
		Input: protocol.RunInput{
			ChatJID:         task.ChatJID,
			GroupFolder:     task.GroupFolder,
			Prompt:          task.Prompt,
			SessionID:       sessionID,
			IsScheduledTask: true,
		},
		AssistantName:    s.deps.AssistantName,
		LogLevel:         s.deps.LogLevel,
		IPCDir:           ipcDir,
		IdleTimeout:      s.deps.IdleTimeout,
		HardTimeoutGrace: s.deps.HardTimeoutGrace,
		MaxOutputBytes:   s.deps.MaxOutputBytes,
		OnIdleTimeout: func() {
			_ = s.deps.Queue.CloseStdin(task.ChatJID)
		},
	}, func(rec protocol.RunRecord) {
		if rec.NewSessionID != "" {
			newSessionID = rec.NewSessionID
		}
		if rec.Result == nil {
			return
		}
		resultText.WriteString(*rec.Result)
		if sendErr := s.deps.Channels.SendMessage(task.ChatJID, *rec.Result); sendErr != nil {
			slog.Warn("scheduler: send failed", "jid", task.ChatJID, "error", sendErr)
		}
	})

	if newSessionID != "" {
		if err := s.deps.Store.UpsertSession(ctx, store.Session{
			GroupFolder: task.GroupFolder,
			SessionID:   newSessionID,
			UpdatedAt:   time.Now(),
		}); err != nil {
			slog.Error("scheduler: persist session failed", "task", task.ID, "error", err)
		}
	}

	runStatus := store.RunSuccess
	runLogErr := ""
	if runErr != nil {
		runStatus = store.RunError
		runLogErr = runErr.Error()
	} else if res.Status == protocol.StatusError {
		runStatus = store.RunError
		runLogErr = "agent reported error status"
	}

	s.advanceAndLog(ctx, task, runStatus, resultText.String(), runLogErr, start)
	return runErr
}

// advanceAndLog computes the task's next next_run (or marks it
// completed for a one-shot "once" task), updates the ScheduledTask row,
// and writes a TaskRunLog entry. A run-log write failure must not block
// next_run advancement (spec §4.6), so it is logged, not propagated.
func (s *Scheduler) advanceAndLog(ctx context.Context, task store.ScheduledTask, runStatus store.RunStatus, result, runErr string, start time.Time) {
	now := time.Now()
	updated := task
	updated.LastRun = &now
	updated.LastResult = result

	if task.ScheduleType == store.ScheduleOnce {
		updated.NextRun = nil
		updated.Status = store.TaskCompleted
	} else {
		next, err := nextrun.Compute(string(task.ScheduleType), task.ScheduleValue, s.deps.Timezone, now)
		if err != nil {
			slog.Error("scheduler: recompute next_run failed, pausing task", "task", task.ID, "error", err)
			updated.NextRun = nil
			updated.Status = store.TaskPaused
		} else {
			updated.NextRun = &next
			updated.Status = store.TaskActive
		}
	}

	if err := s.deps.Store.UpdateScheduledTask(ctx, updated); err != nil {
		slog.Error("scheduler: update task failed", "task", task.ID, "error", err)
	}

	if err := s.deps.Store.InsertTaskRunLog(ctx, store.TaskRunLog{
		TaskID:     task.ID,
		RunAt:      start,
		DurationMs: now.Sub(start).Milliseconds(),
		Status:     runStatus,
		Result:     result,
		Error:      runErr,
	}); err != nil {
		slog.Error("scheduler: insert run log failed", "task", task.ID, "error", err)
	}
}
