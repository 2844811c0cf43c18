package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.Fail(t, "condition not met before deadline")
}

func TestEnqueueMessageCheck_RunsImmediatelyUnderCap(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	q := New(Options{
		MaxConcurrent: 5,
		MessageCheck: func(ctx context.Context, jid string) error {
			atomic.AddInt32(&calls, 1)
			<-release
			return nil
		},
	})

	q.EnqueueMessageCheck("tg:1")
	waitUntil(t, func() bool { return atomic.LoadInt32(&calls) == 1 })
	close(release)
}

func TestEnqueueMessageCheck_DedupesWhileActive(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	q := New(Options{
		MaxConcurrent: 5,
		MessageCheck: func(ctx context.Context, jid string) error {
			n := atomic.AddInt32(&calls, 1)
			if n == 1 {
				<-release
			}
			return nil
		},
	})

	q.EnqueueMessageCheck("tg:1")
	waitUntil(t, func() bool { return atomic.LoadInt32(&calls) == 1 })

	// Second enqueue while active should set pendingMessages, not spawn a
	// second concurrent run.
	q.EnqueueMessageCheck("tg:1")
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	close(release)
	waitUntil(t, func() bool { return atomic.LoadInt32(&calls) == 2 })
}

func TestGlobalConcurrencyCap(t *testing.T) {
	var active int32
	var maxObserved int32
	release := make(chan struct{})

	q := New(Options{
		MaxConcurrent: 2,
		MessageCheck: func(ctx context.Context, jid string) error {
			n := atomic.AddInt32(&active, 1)
			for {
				cur := atomic.LoadInt32(&maxObserved)
				if n <= cur || atomic.CompareAndSwapInt32(&maxObserved, cur, n) {
					break
				}
			}
			<-release
			atomic.AddInt32(&active, -1)
			return nil
		},
	})

	for _, jid := range []string{"a", "b", "c", "d"} {
		q.EnqueueMessageCheck(jid)
	}

	waitUntil(t, func() bool { return atomic.LoadInt32(&active) == 2 })
	close(release)
	waitUntil(t, func() bool { return atomic.LoadInt32(&active) == 0 })
	assert.EqualValues(t, 2, atomic.LoadInt32(&maxObserved))
}

func TestEnqueueTask_IdempotentByTaskID(t *testing.T) {
	var runs int32
	release := make(chan struct{})
	q := New(Options{MaxConcurrent: 1})

	q.EnqueueTask("tg:1", "blocker", func(ctx context.Context) error {
		<-release
		return nil
	})
	waitUntil(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.groups["tg:1"].active
	})

	fn := func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}

	// The same taskID queued twice while it is still pending behind the
	// active run must be queued only once.
	q.EnqueueTask("tg:1", "task-1", fn)
	q.EnqueueTask("tg:1", "task-1", fn)
	close(release)
	waitUntil(t, func() bool { return atomic.LoadInt32(&runs) >= 1 })
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&runs))
}

func TestDrainOrder_TasksBeforeMessages(t *testing.T) {
	var order []string
	var mu sync.Mutex
	gate := make(chan struct{})

	q := New(Options{
		MaxConcurrent: 1,
		MessageCheck: func(ctx context.Context, jid string) error {
			mu.Lock()
			order = append(order, "message")
			mu.Unlock()
			return nil
		},
	})

	q.EnqueueTask("tg:1", "first", func(ctx context.Context) error {
		<-gate
		mu.Lock()
		order = append(order, "first-task")
		mu.Unlock()
		return nil
	})
	// Queue a second task and a message check while the first task runs.
	waitUntil(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.groups["tg:1"].active
	})
	q.EnqueueTask("tg:1", "second", func(ctx context.Context) error {
		mu.Lock()
		order = append(order, "second-task")
		mu.Unlock()
		return nil
	})
	q.EnqueueMessageCheck("tg:1")

	close(gate)
	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first-task", "second-task", "message"}, order)
}

func TestRetryBackoff_DelaysReenqueueAndIncrementsCount(t *testing.T) {
	var calls int32
	var callTimes []time.Time
	var mu sync.Mutex

	base := 30 * time.Millisecond
	q := New(Options{
		MaxConcurrent: 1,
		RetryBase:     base,
		RetryMax:      5,
		MessageCheck: func(ctx context.Context, jid string) error {
			mu.Lock()
			callTimes = append(callTimes, time.Now())
			mu.Unlock()
			atomic.AddInt32(&calls, 1)
			return assert.AnError
		},
	})

	q.EnqueueMessageCheck("tg:1")
	waitUntil(t, func() bool { return atomic.LoadInt32(&calls) == 1 })

	// Immediately after the failing run returns, no retried run should
	// have started yet — the group must sit idle until the backoff timer
	// fires, not get re-enqueued with zero delay.
	time.Sleep(base / 2)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	waitUntil(t, func() bool { return atomic.LoadInt32(&calls) == 2 })

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, callTimes, 2)
	assert.GreaterOrEqual(t, callTimes[1].Sub(callTimes[0]), base/2)

	q.mu.Lock()
	retryCount := q.groups["tg:1"].retryCount
	q.mu.Unlock()
	assert.EqualValues(t, 2, retryCount)
}

func TestRetryBackoff_ResetsAfterMaxAttemptsExhausted(t *testing.T) {
	var calls int32
	q := New(Options{
		MaxConcurrent: 1,
		RetryBase:     5 * time.Millisecond,
		RetryMax:      2,
		MessageCheck: func(ctx context.Context, jid string) error {
			atomic.AddInt32(&calls, 1)
			return assert.AnError
		},
	})

	q.EnqueueMessageCheck("tg:1")
	waitUntil(t, func() bool { return atomic.LoadInt32(&calls) == 3 })

	// One organic attempt plus two retries, then retryCount resets and
	// the system waits for an organic re-trigger rather than retrying
	// forever.
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))

	q.mu.Lock()
	retryCount := q.groups["tg:1"].retryCount
	q.mu.Unlock()
	assert.EqualValues(t, 0, retryCount)
}

func TestSendMessage_NoProcessReturnsFalse(t *testing.T) {
	q := New(Options{MaxConcurrent: 1})
	assert.False(t, q.SendMessage("tg:1", "hi"))
}

func TestSendMessage_WritesAtomicFileToInputDir(t *testing.T) {
	dir := t.TempDir()
	q := New(Options{MaxConcurrent: 1, IPCRoot: dir})
	q.RegisterProcess("tg:1", "main")

	ok := q.SendMessage("tg:1", "hello")
	require.True(t, ok)

	entries, err := readDirNoTemp(dir + "/main/input")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCloseStdin_WritesSentinel(t *testing.T) {
	dir := t.TempDir()
	q := New(Options{MaxConcurrent: 1, IPCRoot: dir})
	q.RegisterProcess("tg:1", "main")

	require.NoError(t, q.CloseStdin("tg:1"))

	entries, err := readDirNoTemp(dir + "/main/input")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "_close", entries[0])
}

func TestShutdown_WaitsForActiveWork(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	q := New(Options{
		MaxConcurrent: 1,
		MessageCheck: func(ctx context.Context, jid string) error {
			close(started)
			<-release
			return nil
		},
	})

	q.EnqueueMessageCheck("tg:1")
	<-started

	doneCh := make(chan struct{})
	go func() {
		q.Shutdown(2 * time.Second)
		close(doneCh)
	}()

	select {
	case <-doneCh:
		require.Fail(t, "Shutdown returned before active work finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		require.Fail(t, "Shutdown did not return after work finished")
	}
}

func readDirNoTemp(dir string) ([]string, error) {
	entries, err := readDirNames(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if len(e) >= 5 && e[:5] == ".tmp-" {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
