package ipc

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/groupwatch/internal/channels"
	"github.com/nextlevelbuilder/groupwatch/internal/protocol"
	"github.com/nextlevelbuilder/groupwatch/internal/storetest"
)

type fakeChannel struct {
	prefix string
	sent   map[string]string
}

func (f *fakeChannel) Name() string                           { return "fake" }
func (f *fakeChannel) Connect(ctx context.Context) error       { return nil }
func (f *fakeChannel) Disconnect(ctx context.Context) error    { return nil }
func (f *fakeChannel) SetTyping(jid string, typing bool) error { return nil }
func (f *fakeChannel) OwnsJID(jid string) bool                 { return len(jid) >= len(f.prefix) && jid[:len(f.prefix)] == f.prefix }
func (f *fakeChannel) SendMessage(jid, text string) error {
	if f.sent == nil {
		f.sent = make(map[string]string)
	}
	f.sent[jid] = text
	return nil
}

func newTestWatcher(t *testing.T) (*Watcher, *storetest.Memory, *fakeChannel, string) {
	t.Helper()
	root := t.TempDir()
	mem := storetest.New()
	fc := &fakeChannel{prefix: "tg:"}
	mgr := channels.NewManager()
	mgr.Register(fc)

	w := New(Deps{
		Store:    mem,
		Channels: mgr,
		IPCRoot:  root,
	})
	return w, mem, fc, root
}

func writeJSON(t *testing.T, dir, name string, v any) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0644))
}

func TestTick_DispatchesAuthorizedMessage(t *testing.T) {
	w, mem, fc, root := newTestWatcher(t)
	ctx := context.Background()

	require.NoError(t, mem.CreateRegisteredGroup(ctx, mustGroup("tg:-main", "main", true, false)))
	require.NoError(t, mem.CreateRegisteredGroup(ctx, mustGroup("tg:-100", "side", false, false)))

	writeJSON(t, filepath.Join(root, "main", messagesDirName), "m1.json", protocol.OutboundMessage{
		Type: protocol.TypeMessage, ChatJID: "tg:-100", Text: "hi there",
	})

	require.NoError(t, w.Tick(ctx))
	assert.Equal(t, "hi there", fc.sent["tg:-100"])

	remaining, _ := os.ReadDir(filepath.Join(root, "main", messagesDirName))
	assert.Empty(t, remaining)
}

func TestTick_UnauthorizedMessageQuarantined(t *testing.T) {
	w, mem, fc, root := newTestWatcher(t)
	ctx := context.Background()

	require.NoError(t, mem.CreateRegisteredGroup(ctx, mustGroup("tg:-200", "side", false, false)))
	require.NoError(t, mem.CreateRegisteredGroup(ctx, mustGroup("tg:-300", "other", false, false)))

	writeJSON(t, filepath.Join(root, "side", messagesDirName), "m1.json", protocol.OutboundMessage{
		Type: protocol.TypeMessage, ChatJID: "tg:-300", Text: "sneaky",
	})

	require.NoError(t, w.Tick(ctx))
	assert.Empty(t, fc.sent)

	quarantined, err := os.ReadDir(filepath.Join(root, errorsDirName))
	require.NoError(t, err)
	require.Len(t, quarantined, 1)
}

func TestTick_ScheduleTaskCreatesTask(t *testing.T) {
	w, mem, _, root := newTestWatcher(t)
	ctx := context.Background()

	require.NoError(t, mem.CreateRegisteredGroup(ctx, mustGroup("tg:-main", "main", true, false)))
	require.NoError(t, mem.CreateRegisteredGroup(ctx, mustGroup("tg:-100", "side", false, false)))

	writeJSON(t, filepath.Join(root, "main", tasksDirName), "t1.json", protocol.ScheduleTaskPayload{
		Type: protocol.TypeScheduleTask, ChatJID: "tg:-100", Prompt: "good morning",
		ScheduleType: "interval", ScheduleValue: "60000",
	})

	require.NoError(t, w.Tick(ctx))

	tasks, err := mem.GetDueTasks(ctx, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "good morning", tasks[0].Prompt)
}

func TestTick_ScheduleTaskRejectsInvalidCron(t *testing.T) {
	w, mem, _, root := newTestWatcher(t)
	ctx := context.Background()

	require.NoError(t, mem.CreateRegisteredGroup(ctx, mustGroup("tg:-main", "main", true, false)))
	require.NoError(t, mem.CreateRegisteredGroup(ctx, mustGroup("tg:-100", "side", false, false)))

	writeJSON(t, filepath.Join(root, "main", tasksDirName), "t1.json", protocol.ScheduleTaskPayload{
		Type: protocol.TypeScheduleTask, ChatJID: "tg:-100", Prompt: "bad",
		ScheduleType: "cron", ScheduleValue: "not a cron expr",
	})

	require.NoError(t, w.Tick(ctx))

	tasks, err := mem.GetDueTasks(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, tasks)

	quarantined, err := os.ReadDir(filepath.Join(root, errorsDirName))
	require.NoError(t, err)
	require.Len(t, quarantined, 1)
}

func TestTick_RegisterGroupRequiresMain(t *testing.T) {
	w, mem, _, root := newTestWatcher(t)
	ctx := context.Background()

	require.NoError(t, mem.CreateRegisteredGroup(ctx, mustGroup("tg:-200", "side", false, false)))

	writeJSON(t, filepath.Join(root, "side", tasksDirName), "r1.json", protocol.RegisterGroupPayload{
		Type: protocol.TypeRegisterGroup, JID: "tg:-999", DisplayName: "New", FolderName: "newgroup",
	})

	require.NoError(t, w.Tick(ctx))

	_, ok, err := mem.GetRegisteredGroupByJID(ctx, "tg:-999")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTick_RegisterGroupByMainSucceeds(t *testing.T) {
	w, mem, _, root := newTestWatcher(t)
	ctx := context.Background()

	require.NoError(t, mem.CreateRegisteredGroup(ctx, mustGroup("tg:-main", "main", true, false)))

	writeJSON(t, filepath.Join(root, "main", tasksDirName), "r1.json", protocol.RegisterGroupPayload{
		Type: protocol.TypeRegisterGroup, JID: "tg:-999", DisplayName: "New", FolderName: "newgroup",
	})

	require.NoError(t, w.Tick(ctx))

	g, ok, err := mem.GetRegisteredGroupByJID(ctx, "tg:-999")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "newgroup", g.FolderName)
}

func TestTick_CancelTaskRequiresAuthorizedFolder(t *testing.T) {
	w, mem, _, root := newTestWatcher(t)
	ctx := context.Background()

	require.NoError(t, mem.CreateRegisteredGroup(ctx, mustGroup("tg:-main", "main", true, false)))
	require.NoError(t, mem.CreateRegisteredGroup(ctx, mustGroup("tg:-150", "side", false, false)))
	require.NoError(t, mem.CreateScheduledTask(ctx, mustTask("task1", "other", "tg:-100")))

	writeJSON(t, filepath.Join(root, "side", tasksDirName), "c1.json", protocol.TaskRefPayload{
		Type: protocol.TypeCancelTask, TaskID: "task1",
	})

	require.NoError(t, w.Tick(ctx))

	_, ok, err := mem.GetScheduledTask(ctx, "task1")
	require.NoError(t, err)
	assert.True(t, ok, "unauthorized cancel must not delete the task")
}
