// Package cursor implements processGroupMessages: the two-phase commit
// that moves a chat's AgentCursor forward only once an agent run has
// demonstrably consumed the messages up to a timestamp, plus the
// startup crash-recovery sweep over PendingCursor rows (spec §4.2).
package cursor

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/nextlevelbuilder/groupwatch/internal/agentrunner"
	"github.com/nextlevelbuilder/groupwatch/internal/channels"
	"github.com/nextlevelbuilder/groupwatch/internal/protocol"
	"github.com/nextlevelbuilder/groupwatch/internal/queue"
	"github.com/nextlevelbuilder/groupwatch/internal/store"
)

var internalBlockPattern = regexp.MustCompile(`(?s)<internal>.*?</internal>`)

func triggerPattern(assistantName string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)^@` + regexp.QuoteMeta(assistantName) + `\b`)
}

// Deps are the collaborators Engine needs; all are interfaces or
// leaf packages so cursor has no upward dependency on the orchestrator.
type Deps struct {
	Store     store.Store
	Queue     *queue.Queue
	Channels  *channels.Manager
	GroupsDir string
	DataDir   string

	AssistantName    string
	Command          string
	CommandArgs      []string
	IdleTimeout      time.Duration
	HardTimeoutGrace time.Duration
	MaxOutputBytes   int
	LogLevel         string
}

// Engine owns processGroupMessages and the crash-recovery sweep.
type Engine struct {
	deps Deps
}

func New(deps Deps) *Engine {
	return &Engine{deps: deps}
}

// SetQueue attaches the GroupQueue after construction, breaking the
// construction-order cycle between Engine (which Queue needs as its
// MessageCheckFunc) and Queue (which Engine needs to dispatch runs).
func (e *Engine) SetQueue(q *queue.Queue) {
	e.deps.Queue = q
}

// HandleInboundMessage persists a freshly delivered message and either
// pipes it to a live agent (follow-up-while-running path) or enqueues a
// message check for the group.
func (e *Engine) HandleInboundMessage(ctx context.Context, msg channels.InboundMessage) error {
	if err := e.deps.Store.StoreChatMetadata(ctx, msg.ChatJID, msg.Timestamp, msg.SenderName); err != nil {
		return fmt.Errorf("cursor: store chat metadata: %w", err)
	}
	if err := e.deps.Store.StoreMessage(ctx, store.Message{
		ID:           msg.ID,
		ChatJID:      msg.ChatJID,
		SenderID:     msg.Sender,
		SenderName:   msg.SenderName,
		Content:      msg.Content,
		Timestamp:    msg.Timestamp,
		IsFromSelf:   msg.IsFromSelf,
		IsBotMessage: msg.IsBotMessage,
	}); err != nil {
		return fmt.Errorf("cursor: store message: %w", err)
	}

	if msg.IsBotMessage || msg.IsFromSelf {
		return nil
	}

	group, ok, err := e.deps.Store.GetRegisteredGroupByJID(ctx, msg.ChatJID)
	if err != nil {
		return fmt.Errorf("cursor: lookup registered group: %w", err)
	}
	if !ok {
		return nil // unregistered chats accumulate messages but never dispatch
	}

	if e.deps.Queue.SendMessage(msg.ChatJID, fmt.Sprintf(`{"type":"message","sender":%q,"content":%q}`, msg.SenderName, msg.Content)) {
		// An agent is live for this group; piping succeeded, so the
		// pending/confirmed cursor both advance optimistically (spec
		// §4.2 "Follow-up-while-running path").
		if err := e.deps.Store.SetPendingCursor(ctx, msg.ChatJID, msg.Timestamp); err != nil {
			return err
		}
		return e.deps.Store.SetAgentCursor(ctx, msg.ChatJID, msg.Timestamp)
	}

	_ = group
	e.deps.Queue.EnqueueMessageCheck(msg.ChatJID)
	return nil
}

// ProcessGroupMessages implements the two-phase-commit run described in
// spec §4.2. It is the MessageCheckFunc handed to queue.Queue.
func (e *Engine) ProcessGroupMessages(ctx context.Context, jid string) error {
	group, ok, err := e.deps.Store.GetRegisteredGroupByJID(ctx, jid)
	if err != nil {
		return fmt.Errorf("cursor: lookup registered group: %w", err)
	}
	if !ok {
		return nil
	}

	confirmed, hasConfirmed, err := e.deps.Store.GetAgentCursor(ctx, jid)
	if err != nil {
		return fmt.Errorf("cursor: get agent cursor: %w", err)
	}
	if !hasConfirmed {
		confirmed = time.Time{}
	}

	messages, err := e.deps.Store.GetMessagesSince(ctx, jid, confirmed, true)
	if err != nil {
		return fmt.Errorf("cursor: get messages since: %w", err)
	}
	if len(messages) == 0 {
		return nil // step 1: nothing new
	}

	if !group.IsMain && group.RequiresTrigger {
		pattern := triggerPattern(e.deps.AssistantName)
		triggered := false
		for _, m := range messages {
			if pattern.MatchString(strings.TrimSpace(m.Content)) {
				triggered = true
				break
			}
		}
		if !triggered {
			return nil // step 2: messages accumulate as context for a future trigger
		}
	}

	newCursor := messages[0].Timestamp
	for _, m := range messages {
		if m.Timestamp.After(newCursor) {
			newCursor = m.Timestamp
		}
	}

	if err := e.deps.Store.SetPendingCursor(ctx, jid, newCursor); err != nil {
		return fmt.Errorf("cursor: set pending cursor: %w", err)
	}

	prompt := formatPromptEnvelope(messages)

	sess, _, err := e.deps.Store.GetSession(ctx, group.FolderName)
	if err != nil {
		return fmt.Errorf("cursor: get session: %w", err)
	}

	workspaceDir := filepath.Join(e.deps.GroupsDir, group.FolderName)
	ipcDir := filepath.Join(e.deps.DataDir, "ipc", group.FolderName)

	e.deps.Queue.RegisterProcess(jid, group.FolderName)
	defer e.deps.Queue.UnregisterProcess(jid)

	var hadUserVisibleOutput bool
	var runErrStatus string

	res, err := agentrunner.Run(ctx, agentrunner.Options{
		Command:          e.deps.Command,
		Args:             e.deps.CommandArgs,
		WorkspaceDir:     workspaceDir,
		ChatJID:          jid,
		GroupFolder:      group.FolderName,
		IsMain:           group.IsMain,
		Input: protocol.RunInput{
			ChatJID:     jid,
			GroupFolder: group.FolderName,
			Prompt:      prompt,
			SessionID:   sess.SessionID,
			IsMain:      group.IsMain,
		},
		AssistantName:    e.deps.AssistantName,
		LogLevel:         e.deps.LogLevel,
		IPCDir:           ipcDir,
		IdleTimeout:      e.deps.IdleTimeout,
		HardTimeoutGrace: e.deps.HardTimeoutGrace,
		MaxOutputBytes:   e.deps.MaxOutputBytes,
		OnIdleTimeout: func() {
			_ = e.deps.Queue.CloseStdin(jid)
		},
	}, func(rec protocol.RunRecord) {
		runErrStatus = rec.Status
		if rec.NewSessionID != "" {
			_ = e.deps.Store.UpsertSession(ctx, store.Session{
				GroupFolder: group.FolderName,
				SessionID:   rec.NewSessionID,
				UpdatedAt:   time.Now(),
			})
		}
		if rec.Result == nil {
			return
		}
		text := internalBlockPattern.ReplaceAllString(*rec.Result, "")
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		hadUserVisibleOutput = true
		if sendErr := e.deps.Channels.SendMessage(jid, text); sendErr != nil {
			// A send failure doesn't abort the run; the next callback
			// may still succeed, and cursor promotion below still
			// reflects whether any output was produced at all.
			_ = sendErr
		}
	})
	if err != nil {
		return fmt.Errorf("cursor: run agent: %w", err)
	}

	switch {
	case res.Status == protocol.StatusSuccess || runErrStatus == protocol.StatusSuccess:
		return e.promote(ctx, jid, newCursor)
	case hadUserVisibleOutput || res.HadOutput:
		// step 6: error after user-visible output — duplicate-delivery
		// avoidance outweighs re-processing.
		return e.promote(ctx, jid, newCursor)
	default:
		// step 7: error with no user-visible output.
		if clearErr := e.deps.Store.ClearPendingCursor(ctx, jid); clearErr != nil {
			return clearErr
		}
		return fmt.Errorf("cursor: agent run produced no output (status=%s)", res.Status)
	}
}

func (e *Engine) promote(ctx context.Context, jid string, newCursor time.Time) error {
	if err := e.deps.Store.SetAgentCursor(ctx, jid, newCursor); err != nil {
		return err
	}
	return e.deps.Store.ClearPendingCursor(ctx, jid)
}

// RecoverCrashedRuns implements the startup-recovery procedure: clear
// every PendingCursor row (its run crashed before confirming), then for
// every registered group with unprocessed messages, enqueue a check. It
// returns the number of crash-in-flight jids cleared, so startup logging
// can report how many runs were recovered (spec §7 "CrashInFlight").
func (e *Engine) RecoverCrashedRuns(ctx context.Context) (int, error) {
	pending, err := e.deps.Store.ListPendingCursors(ctx)
	if err != nil {
		return 0, fmt.Errorf("cursor: list pending cursors: %w", err)
	}
	for _, p := range pending {
		if err := e.deps.Store.ClearPendingCursor(ctx, p.ChatJID); err != nil {
			return 0, fmt.Errorf("cursor: clear pending cursor for %s: %w", p.ChatJID, err)
		}
	}

	groups, err := e.deps.Store.ListRegisteredGroups(ctx)
	if err != nil {
		return 0, fmt.Errorf("cursor: list registered groups: %w", err)
	}
	for _, g := range groups {
		confirmed, _, err := e.deps.Store.GetAgentCursor(ctx, g.JID)
		if err != nil {
			return 0, fmt.Errorf("cursor: get agent cursor for %s: %w", g.JID, err)
		}
		msgs, err := e.deps.Store.GetMessagesSince(ctx, g.JID, confirmed, true)
		if err != nil {
			return 0, fmt.Errorf("cursor: get messages since for %s: %w", g.JID, err)
		}
		if len(msgs) > 0 {
			e.deps.Queue.EnqueueMessageCheck(g.JID)
		}
	}
	return len(pending), nil
}

func formatPromptEnvelope(messages []store.Message) string {
	var b strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.Timestamp.Format(time.RFC3339), m.SenderName, m.Content)
	}
	return b.String()
}
