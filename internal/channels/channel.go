// Package channels defines the adapter contract the core consumes from
// external messaging surfaces (Telegram, Discord, a generic socket) and a
// small BaseChannel helper that concrete adapters embed.
package channels

import (
	"context"
	"strings"
	"time"
)

// InboundMessage is what a Channel hands to the core for every message it
// observes, registered or not. The core is tolerant of duplicate
// deliveries: the store does INSERT-OR-REPLACE on (ID, ChatJID).
type InboundMessage struct {
	ID           string
	ChatJID      string
	Sender       string
	SenderName   string
	Content      string
	Timestamp    time.Time
	IsFromSelf   bool
	IsBotMessage bool
}

// MessageHandler is the core-provided callback a Channel invokes for each
// inbound message it observes.
type MessageHandler func(msg InboundMessage)

// Channel is the external interface the core consumes. Implementations are
// opaque sinks/sources: the core never reaches past sendMessage/setTyping/
// ownsJid into a channel's internals.
type Channel interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	SendMessage(jid, text string) error
	SetTyping(jid string, typing bool) error
	OwnsJID(jid string) bool
}

// BaseChannel holds the state common to every concrete adapter: a name,
// running flag, optional sender allowlist, and the inbound callback the
// orchestrator registers at construction time.
type BaseChannel struct {
	name      string
	onMessage MessageHandler
	allowList []string
	running   bool
}

// NewBaseChannel creates a BaseChannel with the given name, inbound
// callback, and optional sender allowlist (empty = allow everyone).
func NewBaseChannel(name string, onMessage MessageHandler, allowList []string) *BaseChannel {
	return &BaseChannel{name: name, onMessage: onMessage, allowList: allowList}
}

// Name returns the channel's registered name ("telegram", "discord", "socket").
func (c *BaseChannel) Name() string { return c.name }

// IsRunning reports whether Connect has succeeded and Disconnect has not yet run.
func (c *BaseChannel) IsRunning() bool { return c.running }

// SetRunning updates the running flag; concrete adapters call this from Connect/Disconnect.
func (c *BaseChannel) SetRunning(running bool) { c.running = running }

// HasAllowList reports whether a non-empty sender allowlist is configured.
func (c *BaseChannel) HasAllowList() bool { return len(c.allowList) > 0 }

// IsAllowed checks a sender ID against the allowlist. An empty allowlist allows everyone.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}
	for _, allowed := range c.allowList {
		if senderID == strings.TrimPrefix(allowed, "@") {
			return true
		}
	}
	return false
}

// Deliver forwards an inbound message to the core, applying the allowlist first.
func (c *BaseChannel) Deliver(msg InboundMessage) {
	if !c.IsAllowed(msg.Sender) {
		return
	}
	if c.onMessage != nil {
		c.onMessage(msg)
	}
}
