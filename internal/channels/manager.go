package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Manager owns the set of connected Channel adapters and routes outbound
// sends to whichever one claims a jid via OwnsJID. It is the only thing the
// orchestrator touches directly; individual adapters are otherwise opaque.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]Channel
	limiter  *SendLimiter
}

// NewManager creates an empty channel manager.
func NewManager() *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		limiter:  NewSendLimiter(),
	}
}

// Register adds a channel under its Name(). Registering twice under the
// same name replaces the previous entry.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

// StartAll connects every registered channel, returning the first error
// encountered (subsequent channels are still attempted).
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var firstErr error
	for name, ch := range m.channels {
		if err := ch.Connect(ctx); err != nil {
			slog.Error("channel: connect failed", "channel", name, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("connect %s: %w", name, err)
			}
			continue
		}
		slog.Info("channel: connected", "channel", name)
	}
	return firstErr
}

// StopAll disconnects every registered channel, best-effort.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, ch := range m.channels {
		if err := ch.Disconnect(ctx); err != nil {
			slog.Warn("channel: disconnect failed", "channel", name, "error", err)
		}
	}
}

// ownerFor returns the channel claiming jid, or nil if none does.
func (m *Manager) ownerFor(jid string) Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.channels {
		if ch.OwnsJID(jid) {
			return ch
		}
	}
	return nil
}

// SendMessage routes text to the channel owning jid, rate-limited per jid.
func (m *Manager) SendMessage(jid, text string) error {
	ch := m.ownerFor(jid)
	if ch == nil {
		return fmt.Errorf("channels: no channel owns jid %q", jid)
	}
	if !m.limiter.Allow(jid) {
		return fmt.Errorf("channels: outbound rate limit exceeded for jid %q", jid)
	}
	return ch.SendMessage(jid, text)
}

// SetTyping routes a typing indicator to the channel owning jid. A missing
// owner or an adapter that doesn't support typing is not an error.
func (m *Manager) SetTyping(jid string, typing bool) error {
	ch := m.ownerFor(jid)
	if ch == nil {
		return nil
	}
	return ch.SetTyping(jid, typing)
}
