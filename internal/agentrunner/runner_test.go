package agentrunner

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/groupwatch/internal/protocol"
)

// TestHelperProcess is not a real test; it's spawned as the child
// process by Run, reading the sentinel markers from env and emitting one
// framed success record. It only acts when STREAM_START_MARKER is set,
// which Run exports to the child alongside its scrubbed environment.
// Pattern grounded on the teacher's subprocess test harness.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("STREAM_START_MARKER") == "" {
		return
	}
	defer os.Exit(0)

	buf := make([]byte, 4096)
	_, _ = os.Stdin.Read(buf) // drain the one-shot payload

	start := os.Getenv("STREAM_START_MARKER")
	end := os.Getenv("STREAM_END_MARKER")
	result := "hello from child"
	rec := protocol.RunRecord{Status: protocol.StatusSuccess, Result: &result, NewSessionID: "sess-123"}
	framed, _ := protocol.Wrap(start, end, rec)
	os.Stdout.Write(framed)
}

func TestRun_HappyPath(t *testing.T) {
	var got []protocol.RunRecord

	res, err := Run(context.Background(), Options{
		Command:      os.Args[0],
		Args:         []string{"-test.run=TestHelperProcess", "--"},
		WorkspaceDir: t.TempDir(),
		ChatJID:      "tg:1",
		GroupFolder:  "main",
		Input:        protocol.RunInput{ChatJID: "tg:1", GroupFolder: "main", Prompt: "hi"},
		IdleTimeout:  2 * time.Second,
	}, func(rec protocol.RunRecord) {
		got = append(got, rec)
	})

	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.StatusSuccess, res.Status)
	assert.True(t, res.HadOutput)
	assert.Equal(t, "sess-123", res.NewSessionID)
	assert.NoError(t, res.ExitErr)
}

func TestRun_EnvIsScrubbed(t *testing.T) {
	os.Setenv("GO_WANT_HELPER_PROCESS_ENV_CHECK", "leaked")
	defer os.Unsetenv("GO_WANT_HELPER_PROCESS_ENV_CHECK")

	env := scrubbedEnv(Options{
		ChatJID:       "tg:1",
		GroupFolder:   "main",
		IsMain:        true,
		AssistantName: "assistant",
		LogLevel:      "info",
		IPCDir:        "/tmp/ipc/main",
	})

	var found []string
	for _, kv := range env {
		found = append(found, kv)
	}
	data, _ := json.Marshal(found)
	assert.NotContains(t, string(data), "GO_WANT_HELPER_PROCESS_ENV_CHECK")
	assert.Contains(t, found, "GROUP_FOLDER=main")
	assert.Contains(t, found, "IS_MAIN=1")
}
