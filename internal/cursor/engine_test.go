package cursor

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/groupwatch/internal/channels"
	"github.com/nextlevelbuilder/groupwatch/internal/protocol"
	"github.com/nextlevelbuilder/groupwatch/internal/queue"
	"github.com/nextlevelbuilder/groupwatch/internal/storetest"
)

// fakeChannel is a minimal channels.Channel capturing sent messages.
type fakeChannel struct {
	prefix string
	sent   []string
}

func (f *fakeChannel) Name() string                            { return "fake" }
func (f *fakeChannel) Connect(ctx context.Context) error        { return nil }
func (f *fakeChannel) Disconnect(ctx context.Context) error     { return nil }
func (f *fakeChannel) SetTyping(jid string, typing bool) error  { return nil }
func (f *fakeChannel) OwnsJID(jid string) bool                  { return len(jid) >= len(f.prefix) && jid[:len(f.prefix)] == f.prefix }
func (f *fakeChannel) SendMessage(jid, text string) error {
	f.sent = append(f.sent, text)
	return nil
}

// TestHelperProcess emits one framed record whose result text is the
// first argument after "--", reusing the agentrunner test harness
// pattern. It only acts when spawned by agentrunner.Run, which sets
// STREAM_START_MARKER in the child's scrubbed environment.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("STREAM_START_MARKER") == "" {
		return
	}
	defer os.Exit(0)

	buf := make([]byte, 4096)
	_, _ = os.Stdin.Read(buf)

	start := os.Getenv("STREAM_START_MARKER")
	end := os.Getenv("STREAM_END_MARKER")
	result := ""
	for i, arg := range os.Args {
		if arg == "--" && i+1 < len(os.Args) {
			result = os.Args[i+1]
			break
		}
	}
	rec := protocol.RunRecord{Status: protocol.StatusSuccess, Result: &result}
	framed, _ := protocol.Wrap(start, end, rec)
	os.Stdout.Write(framed)
}

func newTestEngine(t *testing.T, fc *fakeChannel) (*Engine, *storetest.Memory, *queue.Queue) {
	t.Helper()
	mem := storetest.New()
	mgr := channels.NewManager()
	mgr.Register(fc)

	var q *queue.Queue
	deps := Deps{
		Store:       mem,
		Channels:    mgr,
		GroupsDir:   t.TempDir(),
		DataDir:     t.TempDir(),
		AssistantName: "assistant",
		Command:     os.Args[0],
		CommandArgs: []string{"-test.run=TestHelperProcess", "--"},
		IdleTimeout: 2 * time.Second,
	}
	engine := New(deps)
	q = queue.New(queue.Options{
		IPCRoot:       deps.DataDir,
		MaxConcurrent: 5,
		MessageCheck:  engine.ProcessGroupMessages,
	})
	engine.deps.Queue = q
	return engine, mem, q
}

func TestProcessGroupMessages_HappyPath(t *testing.T) {
	fc := &fakeChannel{prefix: "tg:"}
	engine, mem, _ := newTestEngine(t, fc)
	engine.deps.CommandArgs = append(engine.deps.CommandArgs, "hello back")
	ctx := context.Background()

	require.NoError(t, mem.CreateRegisteredGroup(ctx, mustGroup("tg:-100", "main", true, false)))
	require.NoError(t, mem.StoreMessage(ctx, mustMessage("m1", "tg:-100", "hi")))

	require.NoError(t, engine.ProcessGroupMessages(ctx, "tg:-100"))

	require.Len(t, fc.sent, 1)
	assert.Equal(t, "hello back", fc.sent[0])

	_, pendingOK, err := mem.GetPendingCursor(ctx, "tg:-100")
	require.NoError(t, err)
	assert.False(t, pendingOK)

	confirmed, ok, err := mem.GetAgentCursor(ctx, "tg:-100")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, confirmed.IsZero())
}

func TestProcessGroupMessages_RequiresTriggerBlocksDispatch(t *testing.T) {
	fc := &fakeChannel{prefix: "tg:"}
	engine, mem, _ := newTestEngine(t, fc)
	ctx := context.Background()

	require.NoError(t, mem.CreateRegisteredGroup(ctx, mustGroup("tg:-200", "side", false, true)))
	require.NoError(t, mem.StoreMessage(ctx, mustMessage("m1", "tg:-200", "just chatting, no trigger")))

	require.NoError(t, engine.ProcessGroupMessages(ctx, "tg:-200"))

	assert.Empty(t, fc.sent)
	_, ok, err := mem.GetAgentCursor(ctx, "tg:-200")
	require.NoError(t, err)
	assert.False(t, ok) // cursor never advances; messages remain pending context
}

func TestProcessGroupMessages_TriggerWordDispatches(t *testing.T) {
	fc := &fakeChannel{prefix: "tg:"}
	engine, mem, _ := newTestEngine(t, fc)
	engine.deps.CommandArgs = append(engine.deps.CommandArgs, "ok")
	ctx := context.Background()

	require.NoError(t, mem.CreateRegisteredGroup(ctx, mustGroup("tg:-300", "side", false, true)))
	require.NoError(t, mem.StoreMessage(ctx, mustMessage("m1", "tg:-300", "@assistant help me")))

	require.NoError(t, engine.ProcessGroupMessages(ctx, "tg:-300"))
	require.Len(t, fc.sent, 1)
}

func TestRecoverCrashedRuns_ClearsPendingAndRequeues(t *testing.T) {
	fc := &fakeChannel{prefix: "tg:"}
	engine, mem, q := newTestEngine(t, fc)
	_ = q
	ctx := context.Background()

	require.NoError(t, mem.CreateRegisteredGroup(ctx, mustGroup("tg:-400", "main", true, false)))
	require.NoError(t, mem.SetPendingCursor(ctx, "tg:-400", time.Now()))
	require.NoError(t, mem.StoreMessage(ctx, mustMessage("m1", "tg:-400", "hi")))

	recovered, err := engine.RecoverCrashedRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	_, pendingOK, err := mem.GetPendingCursor(ctx, "tg:-400")
	require.NoError(t, err)
	assert.False(t, pendingOK)
}
