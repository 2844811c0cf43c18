// Package orchestrator is the composition root: it wires the Store,
// GroupQueue, Cursor Engine, IPC Watcher, Scheduler, and channel
// adapters together, owns startup crash recovery, the retention-sweep
// ticker, and graceful shutdown.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nextlevelbuilder/groupwatch/internal/bootstrap"
	"github.com/nextlevelbuilder/groupwatch/internal/channels"
	"github.com/nextlevelbuilder/groupwatch/internal/config"
	"github.com/nextlevelbuilder/groupwatch/internal/cursor"
	"github.com/nextlevelbuilder/groupwatch/internal/ipc"
	"github.com/nextlevelbuilder/groupwatch/internal/queue"
	"github.com/nextlevelbuilder/groupwatch/internal/scheduler"
	"github.com/nextlevelbuilder/groupwatch/internal/store"
)

// Orchestrator owns the full running system for one process lifetime.
type Orchestrator struct {
	cfg      *config.Config
	store    store.Store
	queue    *queue.Queue
	channels *channels.Manager
	cursor   *cursor.Engine
	ipc      *ipc.Watcher
	sched    *scheduler.Scheduler

	retentionStop chan struct{}
}

// Options supplies the pieces the composition root cannot construct
// itself: the agent binary and the already-registered channel
// adapters (built from config by the caller, since each adapter type
// lives in its own leaf package).
type Options struct {
	Config      *config.Config
	Channels    []channels.Channel
	AgentCommand string
	AgentArgs    []string
}

// New builds an Orchestrator: opens the store, constructs the queue,
// cursor engine, IPC watcher, and scheduler, and registers the
// supplied channel adapters.
func New(ctx context.Context, opts Options) (*Orchestrator, error) {
	cfg := opts.Config
	core := cfg.Core

	storeDir := config.ExpandHome(core.StoreDir)
	groupsDir := config.ExpandHome(core.GroupsDir)
	dataDir := config.ExpandHome(core.DataDir)

	dbPath := filepath.Join(storeDir, "messages.db")
	st, err := store.Open(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open store: %w", err)
	}

	if err := os.MkdirAll(groupsDir, 0755); err != nil {
		return nil, fmt.Errorf("orchestrator: create groups dir: %w", err)
	}
	ipcRoot := filepath.Join(dataDir, "ipc")
	if err := os.MkdirAll(ipcRoot, 0755); err != nil {
		return nil, fmt.Errorf("orchestrator: create ipc dir: %w", err)
	}

	mgr := channels.NewManager()
	for _, ch := range opts.Channels {
		mgr.Register(ch)
	}

	tz, err := time.LoadLocation(core.Timezone)
	if err != nil {
		slog.Warn("orchestrator: invalid timezone, defaulting to UTC", "timezone", core.Timezone, "error", err)
		tz = time.UTC
	}

	idleTimeout := time.Duration(core.IdleTimeoutSec) * time.Second
	hardGrace := time.Duration(core.HardTimeoutGrace) * time.Second

	cursorEngine := cursor.New(cursor.Deps{
		Store:            st,
		Channels:         mgr,
		GroupsDir:        groupsDir,
		DataDir:          dataDir,
		AssistantName:    core.AssistantName,
		Command:          opts.AgentCommand,
		CommandArgs:      opts.AgentArgs,
		IdleTimeout:      idleTimeout,
		HardTimeoutGrace: hardGrace,
		MaxOutputBytes:   core.MaxOutputBytes,
	})

	q := queue.New(queue.Options{
		IPCRoot:       ipcRoot,
		MaxConcurrent: core.MaxConcurrent,
		RetryBase:     time.Duration(core.RetryBaseSec) * time.Second,
		RetryMax:      core.RetryMaxAttempts,
		MessageCheck:  cursorEngine.ProcessGroupMessages,
	})
	cursorEngine.SetQueue(q)

	watcher := ipc.New(ipc.Deps{
		Store:           st,
		Channels:         mgr,
		IPCRoot:          ipcRoot,
		Timezone:         tz,
		TickInterval:     time.Duration(core.IPCTickSec) * time.Second,
		ErrorRetention:   time.Duration(core.ErrorsRetentionDays) * 24 * time.Hour,
	})

	sched := scheduler.New(scheduler.Deps{
		Store:            st,
		Queue:            q,
		Channels:         mgr,
		GroupsDir:        groupsDir,
		DataDir:          dataDir,
		Timezone:         tz,
		AssistantName:    core.AssistantName,
		Command:          opts.AgentCommand,
		CommandArgs:      opts.AgentArgs,
		IdleTimeout:      idleTimeout,
		HardTimeoutGrace: hardGrace,
		MaxOutputBytes:   core.MaxOutputBytes,
		TickInterval:     time.Duration(core.SchedulerTickSec) * time.Second,
	})

	return &Orchestrator{
		cfg:           cfg,
		store:         st,
		queue:         q,
		channels:      mgr,
		cursor:        cursorEngine,
		ipc:           watcher,
		sched:         sched,
		retentionStop: make(chan struct{}),
	}, nil
}

// HandleInboundMessage is the core-provided onMessage callback every
// registered channel adapter invokes.
func (o *Orchestrator) HandleInboundMessage(ctx context.Context, msg channels.InboundMessage) {
	if err := o.cursor.HandleInboundMessage(ctx, msg); err != nil {
		slog.Error("orchestrator: handle inbound message failed", "jid", msg.ChatJID, "error", err)
	}
}

// Run starts every subsystem: crash recovery, channel adapters, the IPC
// watcher, the scheduler, and the retention sweep. It blocks until ctx
// is cancelled, then performs a graceful shutdown.
func (o *Orchestrator) Run(ctx context.Context) error {
	recovered, err := o.cursor.RecoverCrashedRuns(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: crash recovery: %w", err)
	}

	groups := mustListGroups(ctx, o.store)
	for _, g := range groups {
		if _, err := bootstrap.EnsureWorkspaceFiles(filepath.Join(config.ExpandHome(o.cfg.Core.GroupsDir), g.FolderName)); err != nil {
			slog.Warn("orchestrator: seed workspace failed", "folder", g.FolderName, "error", err)
		}
	}

	due, err := o.store.GetDueTasks(ctx, time.Now())
	if err != nil {
		slog.Warn("orchestrator: count due tasks failed", "error", err)
	}
	slog.Info("orchestrator: startup summary",
		"registered_groups", len(groups),
		"due_tasks", len(due),
		"crash_in_flight_recovered", recovered)

	if err := o.channels.StartAll(ctx); err != nil {
		slog.Error("orchestrator: one or more channels failed to connect", "error", err)
	}

	if err := o.ipc.Start(ctx); err != nil {
		return fmt.Errorf("orchestrator: start ipc watcher: %w", err)
	}
	o.sched.Start(ctx)
	go o.retentionLoop(ctx)

	slog.Info("orchestrator: running",
		"max_concurrent", o.cfg.Core.MaxConcurrent,
		"assistant_name", o.cfg.Core.AssistantName)

	<-ctx.Done()
	return o.Shutdown()
}

// Shutdown stops admitting new work, waits for in-flight agent runs to
// finish (bounded by grace), and disconnects channel adapters.
func (o *Orchestrator) Shutdown() error {
	slog.Info("orchestrator: shutting down")
	close(o.retentionStop)
	o.sched.Stop()
	o.ipc.Stop()

	grace := time.Duration(o.cfg.Core.HardTimeoutGrace+30) * time.Second
	o.queue.Shutdown(grace)

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	o.channels.StopAll(stopCtx)

	return o.store.Close()
}

func (o *Orchestrator) retentionLoop(ctx context.Context) {
	interval := time.Duration(o.cfg.Core.RetentionSweepHours) * time.Hour
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.retentionStop:
			return
		case <-ticker.C:
			if err := o.store.RunRetentionSweep(ctx, o.cfg.Core.RetentionMessageDays, o.cfg.Core.RetentionTaskLogDays); err != nil {
				slog.Error("orchestrator: retention sweep failed", "error", err)
			}
		}
	}
}

func mustListGroups(ctx context.Context, st store.Store) []store.RegisteredGroup {
	groups, err := st.ListRegisteredGroups(ctx)
	if err != nil {
		slog.Error("orchestrator: list registered groups failed", "error", err)
		return nil
	}
	return groups
}
