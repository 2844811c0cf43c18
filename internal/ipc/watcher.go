// Package ipc implements the IPC Watcher: a directory poller that
// validates, authorizes, and dispatches JSON payloads agents write into
// their per-group messages/ and tasks/ subdirectories (spec §4.4). A
// poll ticker is the primary dispatch mechanism; fsnotify wakes the
// loop early as an optional accelerant, grounded on the teacher's
// debounced config-file watcher.
package ipc

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nextlevelbuilder/groupwatch/internal/channels"
	"github.com/nextlevelbuilder/groupwatch/internal/store"
)

const (
	errorsDirName      = "errors"
	messagesDirName    = "messages"
	tasksDirName       = "tasks"
	defaultTick        = time.Second
	defaultCleanupTick = time.Hour
	defaultRetention   = 7 * 24 * time.Hour
	errorCountWarnAt   = 50
	maxFilesPerTick    = 200 // backpressure: §5 "SHOULD cap per-tick per-group file-processing count"
)

// Deps are the Watcher's collaborators.
type Deps struct {
	Store    store.Store
	Channels *channels.Manager

	IPCRoot         string
	Timezone        *time.Location
	TickInterval    time.Duration
	CleanupInterval time.Duration
	ErrorRetention  time.Duration

	// RefreshGroups implements the refresh_groups effect ("re-sync
	// group metadata snapshot"). Optional; a nil value makes
	// refresh_groups a no-op acknowledgment.
	RefreshGroups func(ctx context.Context) error
}

// Watcher polls {data}/ipc/ for agent-authored payload files. It is a
// process-wide singleton: a second Start is a no-op (spec §4.4
// "Startup guard").
type Watcher struct {
	deps Deps

	mu       sync.Mutex
	started  bool
	stopCh   chan struct{}
	wakeCh   chan struct{}
	fsw      *fsnotify.Watcher
	watchedDirs map[string]bool
}

// New constructs a Watcher, applying documented defaults for any
// unset interval.
func New(deps Deps) *Watcher {
	if deps.TickInterval <= 0 {
		deps.TickInterval = defaultTick
	}
	if deps.CleanupInterval <= 0 {
		deps.CleanupInterval = defaultCleanupTick
	}
	if deps.ErrorRetention <= 0 {
		deps.ErrorRetention = defaultRetention
	}
	if deps.Timezone == nil {
		deps.Timezone = time.UTC
	}
	return &Watcher{
		deps:        deps,
		wakeCh:      make(chan struct{}, 1),
		watchedDirs: make(map[string]bool),
	}
}

// Start begins the poll loop and cleanup sweep in background
// goroutines. It returns immediately; callers stop the watcher by
// cancelling ctx or calling Stop.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = true
	w.stopCh = make(chan struct{})
	w.mu.Unlock()

	if err := os.MkdirAll(filepath.Join(w.deps.IPCRoot, errorsDirName), 0755); err != nil {
		return fmt.Errorf("ipc: create errors dir: %w", err)
	}

	if fsw, err := fsnotify.NewWatcher(); err == nil {
		w.fsw = fsw
		go w.fsnotifyLoop()
	} else {
		slog.Warn("ipc: fsnotify unavailable, falling back to poll-only", "error", err)
	}

	go w.pollLoop(ctx)
	go w.cleanupLoop(ctx)
	return nil
}

// Stop halts the watcher's background goroutines.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	w.started = false
	close(w.stopCh)
	if w.fsw != nil {
		_ = w.fsw.Close()
		w.fsw = nil
	}
}

func (w *Watcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.deps.TickInterval)
	defer ticker.Stop()
	for {
		if err := w.Tick(ctx); err != nil {
			slog.Error("ipc: tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
		case <-w.wakeCh:
		}
	}
}

// Tick runs one dispatch pass over every group subdirectory. Exported
// so tests can drive it deterministically without waiting on a ticker.
func (w *Watcher) Tick(ctx context.Context) error {
	entries, err := os.ReadDir(w.deps.IPCRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("ipc: read ipc root: %w", err)
	}

	for _, e := range entries {
		if !e.IsDir() || e.Name() == errorsDirName {
			continue
		}
		folder := e.Name()
		w.watchFolder(folder)
		w.processDir(ctx, folder, messagesDirName, w.dispatchMessage)
		w.processDir(ctx, folder, tasksDirName, w.dispatchTask)
	}
	return nil
}

// processDir lists {folder}/{kind}/*.json and hands each file's bytes
// to handle, quarantining on validation error and deleting on success.
func (w *Watcher) processDir(ctx context.Context, folder, kind string, handle func(ctx context.Context, folder string, name string, data []byte) error) {
	dir := filepath.Join(w.deps.IPCRoot, folder, kind)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return // group may not have this subdir yet; not an error
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	if len(names) > maxFilesPerTick {
		names = names[:maxFilesPerTick]
	}

	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue // file removed/renamed concurrently; pick it up next tick
		}
		if err := handle(ctx, folder, name, data); err != nil {
			slog.Warn("ipc: rejecting payload", "folder", folder, "kind", kind, "file", name, "error", err)
			w.quarantine(folder, name, data)
		}
		_ = os.Remove(path)
	}
}

func (w *Watcher) quarantine(sourceFolder, originalName string, data []byte) {
	name := fmt.Sprintf("%d-%s-%s", time.Now().UnixNano(), sourceFolder, originalName)
	dest := filepath.Join(w.deps.IPCRoot, errorsDirName, name)
	if err := os.WriteFile(dest, data, 0644); err != nil {
		slog.Error("ipc: failed to quarantine payload", "file", originalName, "error", err)
	}
}

func (w *Watcher) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(w.deps.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.sweepErrors()
		}
	}
}

// sweepErrors deletes quarantined files older than ErrorRetention and
// warns when the surviving count exceeds errorCountWarnAt (spec §4.4
// "Cleanup").
func (w *Watcher) sweepErrors() {
	dir := filepath.Join(w.deps.IPCRoot, errorsDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-w.deps.ErrorRetention)
	remaining := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(dir, e.Name()))
			continue
		}
		remaining++
	}
	if remaining > errorCountWarnAt {
		slog.Warn("ipc: error quarantine growing", "count", remaining)
	}
}

// watchFolder adds fsnotify watches for a group's messages/ and tasks/
// directories the first time they're observed; best-effort only.
func (w *Watcher) watchFolder(folder string) {
	if w.fsw == nil {
		return
	}
	for _, kind := range []string{messagesDirName, tasksDirName} {
		dir := filepath.Join(w.deps.IPCRoot, folder, kind)
		w.mu.Lock()
		already := w.watchedDirs[dir]
		w.mu.Unlock()
		if already {
			continue
		}
		if err := w.fsw.Add(dir); err == nil {
			w.mu.Lock()
			w.watchedDirs[dir] = true
			w.mu.Unlock()
		}
	}
}

func (w *Watcher) fsnotifyLoop() {
	for {
		select {
		case _, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			select {
			case w.wakeCh <- struct{}{}:
			default:
			}
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		}
	}
}
