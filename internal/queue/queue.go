// Package queue implements GroupQueue: per-conversation serialization of
// agent invocations, a global concurrency cap, FIFO fairness among
// waiting conversations, and input-directory plumbing for live
// subprocesses (spec §4.1).
package queue

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// MessageCheckFunc runs processGroupMessages(jid) for a message-mode
// work item. Injected by the orchestrator so this package has no
// dependency on the cursor engine (leaf-first build order, spec §2).
type MessageCheckFunc func(ctx context.Context, jid string) error

// TaskFunc runs one scheduled-task invocation.
type TaskFunc func(ctx context.Context) error

type queuedTask struct {
	taskID string
	fn     TaskFunc
}

type groupState struct {
	active          bool
	pendingMessages bool
	pendingTasks    []queuedTask
	queuedTaskIDs   map[string]bool
	hasProcess      bool
	folder          string
	retryCount      int
}

// Queue is GroupQueue. Zero value is not usable; construct with New.
type Queue struct {
	mu sync.Mutex

	ipcRoot       string
	maxConcurrent int
	retryBase     time.Duration
	retryMax      int
	messageCheck  MessageCheckFunc

	groups       map[string]*groupState
	activeCount  int
	waitingSet   map[string]bool
	waitingOrder []string

	shuttingDown bool
	activeWG     sync.WaitGroup

	rng   *rand.Rand
	rngMu sync.Mutex
}

// Options configures a new Queue.
type Options struct {
	IPCRoot       string // {data}/ipc
	MaxConcurrent int
	RetryBase     time.Duration
	RetryMax      int
	MessageCheck  MessageCheckFunc
}

func New(opts Options) *Queue {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 5
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 5 * time.Second
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 5
	}
	return &Queue{
		ipcRoot:       opts.IPCRoot,
		maxConcurrent: opts.MaxConcurrent,
		retryBase:     opts.RetryBase,
		retryMax:      opts.RetryMax,
		messageCheck:  opts.MessageCheck,
		groups:        make(map[string]*groupState),
		waitingSet:    make(map[string]bool),
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (q *Queue) groupFor(jid string) *groupState {
	g, ok := q.groups[jid]
	if !ok {
		g = &groupState{queuedTaskIDs: make(map[string]bool)}
		q.groups[jid] = g
	}
	return g
}

// EnqueueMessageCheck admits jid for a message-mode run, queues it
// behind the active run, or parks it in the waiting set if the global
// concurrency cap is reached.
func (q *Queue) EnqueueMessageCheck(jid string) {
	q.mu.Lock()
	if q.shuttingDown {
		q.mu.Unlock()
		return
	}
	g := q.groupFor(jid)
	switch {
	case g.active:
		g.pendingMessages = true
		q.mu.Unlock()
	case q.activeCount >= q.maxConcurrent:
		g.pendingMessages = true
		q.pushWaiting(jid)
		q.mu.Unlock()
	default:
		q.startMessageRun(jid, g)
		q.mu.Unlock()
	}
}

// EnqueueTask admits a scheduled-task run, idempotent by taskID within
// the group's pending list.
func (q *Queue) EnqueueTask(jid, taskID string, fn TaskFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shuttingDown {
		return
	}
	g := q.groupFor(jid)
	if g.queuedTaskIDs[taskID] {
		return
	}

	switch {
	case g.active:
		g.pendingTasks = append(g.pendingTasks, queuedTask{taskID: taskID, fn: fn})
		g.queuedTaskIDs[taskID] = true
	case q.activeCount >= q.maxConcurrent:
		g.pendingTasks = append(g.pendingTasks, queuedTask{taskID: taskID, fn: fn})
		g.queuedTaskIDs[taskID] = true
		q.pushWaiting(jid)
	default:
		q.startTaskRun(jid, g, taskID, fn)
	}
}

// SendMessage pipes text to a live agent's input directory by writing
// a write-temp-then-rename JSON file. Returns false if no process is
// currently registered for jid.
func (q *Queue) SendMessage(jid, text string) bool {
	q.mu.Lock()
	g, ok := q.groups[jid]
	if !ok || !g.hasProcess || g.folder == "" {
		q.mu.Unlock()
		return false
	}
	folder := g.folder
	q.mu.Unlock()

	name := fmt.Sprintf(`{"text":%q}`, text)
	return q.writeInputFile(folder, name) == nil
}

// CloseStdin writes the reserved `_close` sentinel into the group's
// input directory to request graceful agent wind-down.
func (q *Queue) CloseStdin(jid string) error {
	q.mu.Lock()
	g, ok := q.groups[jid]
	if !ok || !g.hasProcess || g.folder == "" {
		q.mu.Unlock()
		return fmt.Errorf("queue: no live process for %s", jid)
	}
	folder := g.folder
	q.mu.Unlock()

	return q.writeInputSentinel(folder)
}

// RegisterProcess attaches live-process metadata to a group so
// SendMessage/CloseStdin know where to write: folder names the group's
// directory under the IPC root.
func (q *Queue) RegisterProcess(jid, folder string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	g := q.groupFor(jid)
	g.hasProcess = true
	g.folder = folder
}

// UnregisterProcess clears the live-process marker; called when the
// run's subprocess has fully exited (before drain runs, since drain may
// start a new process for the same group).
func (q *Queue) UnregisterProcess(jid string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if g, ok := q.groups[jid]; ok {
		g.hasProcess = false
		g.folder = ""
	}
}

// Shutdown stops admitting new work and waits up to graceMs for active
// work items to finish.
func (q *Queue) Shutdown(graceMs time.Duration) {
	q.mu.Lock()
	q.shuttingDown = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.activeWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(graceMs):
	}
}

func (q *Queue) pushWaiting(jid string) {
	if q.waitingSet[jid] {
		return
	}
	q.waitingSet[jid] = true
	q.waitingOrder = append(q.waitingOrder, jid)
}

func (q *Queue) popWaiting() (string, bool) {
	for len(q.waitingOrder) > 0 {
		jid := q.waitingOrder[0]
		q.waitingOrder = q.waitingOrder[1:]
		if q.waitingSet[jid] {
			delete(q.waitingSet, jid)
			return jid, true
		}
	}
	return "", false
}

// startMessageRun must be called with q.mu held; it marks the group
// active, claims a global slot, and spawns the run in a goroutine.
func (q *Queue) startMessageRun(jid string, g *groupState) {
	g.active = true
	g.pendingMessages = false
	q.activeCount++
	q.activeWG.Add(1)

	go func() {
		defer q.activeWG.Done()
		ctx := context.Background()
		err := q.messageCheck(ctx, jid)
		q.finishRun(jid, true, err)
	}()
}

func (q *Queue) startTaskRun(jid string, g *groupState, taskID string, fn TaskFunc) {
	g.active = true
	delete(g.queuedTaskIDs, taskID)
	q.activeCount++
	q.activeWG.Add(1)

	go func() {
		defer q.activeWG.Done()
		ctx := context.Background()
		err := fn(ctx)
		q.finishRun(jid, false, err)
	}()
}

// finishRun implements the drain-order and retry discipline (spec
// §4.1 "Drain order" and "Retry"). wasMessage distinguishes a
// message-mode run (eligible for retry backoff) from a scheduled-task
// run (task failures are the scheduler's concern, not GroupQueue's
// retry counter).
func (q *Queue) finishRun(jid string, wasMessage bool, runErr error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	g := q.groups[jid]
	q.activeCount--

	if wasMessage {
		if runErr != nil {
			g.retryCount++
			if g.retryCount <= q.retryMax {
				delay := q.retryBase * time.Duration(1<<uint(g.retryCount-1))
				// Do not mark pendingMessages here: that would make the
				// switch below start a new run with zero delay. The
				// sleeping goroutine's own EnqueueMessageCheck call is
				// the sole trigger for the retried run.
				go func() {
					time.Sleep(delay)
					q.EnqueueMessageCheck(jid)
				}()
			} else {
				g.retryCount = 0
			}
		} else {
			g.retryCount = 0
		}
	}

	switch {
	case len(g.pendingTasks) > 0:
		t := g.pendingTasks[0]
		g.pendingTasks = g.pendingTasks[1:]
		delete(g.queuedTaskIDs, t.taskID)
		q.activeCount++
		q.activeWG.Add(1)
		go func() {
			defer q.activeWG.Done()
			err := t.fn(context.Background())
			q.finishRun(jid, false, err)
		}()
	case g.pendingMessages:
		g.pendingMessages = false
		q.activeCount++
		q.activeWG.Add(1)
		go func() {
			defer q.activeWG.Done()
			err := q.messageCheck(context.Background(), jid)
			q.finishRun(jid, true, err)
		}()
	default:
		g.active = false
		q.drainWaiting()
	}
}

// drainWaiting must be called with q.mu held. It pops waiters until one
// with genuinely pending work consumes the freed slot, or the waiting
// set is exhausted.
func (q *Queue) drainWaiting() {
	for {
		jid, ok := q.popWaiting()
		if !ok {
			return
		}
		g := q.groups[jid]
		if g == nil {
			continue
		}
		if len(g.pendingTasks) > 0 {
			t := g.pendingTasks[0]
			g.pendingTasks = g.pendingTasks[1:]
			q.startTaskRun(jid, g, t.taskID, t.fn)
			return
		}
		if g.pendingMessages {
			q.startMessageRun(jid, g)
			return
		}
		// Nothing pending after all; consume no slot, try next waiter.
	}
}

func (q *Queue) writeInputFile(folder, jsonBody string) error {
	dir := filepath.Join(q.ipcRoot, folder, "input")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	name := fmt.Sprintf("%d-%d.json", time.Now().UnixNano(), q.randSuffix())
	return writeAtomic(dir, name, []byte(jsonBody))
}

func (q *Queue) writeInputSentinel(folder string) error {
	dir := filepath.Join(q.ipcRoot, folder, "input")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return writeAtomic(dir, "_close", []byte("{}"))
}

func (q *Queue) randSuffix() int64 {
	q.rngMu.Lock()
	defer q.rngMu.Unlock()
	return q.rng.Int63()
}

// writeAtomic writes data to a temp file in dir then renames it to
// name, so a concurrent directory scan never observes a partial file.
func writeAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, filepath.Join(dir, name))
}
