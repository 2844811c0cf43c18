// Package discord implements a channels.Channel backed by the Discord
// gateway (bot API), supporting DMs and @mention-gated guild channels.
package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/groupwatch/internal/channels"
	"github.com/nextlevelbuilder/groupwatch/internal/config"
)

// jidPrefix namespaces Discord channel IDs in the core's jid space, the
// same way the spec's `tg:` prefix namespaces Telegram chat IDs.
const jidPrefix = "discord:"

// Channel connects to Discord via the gateway and implements channels.Channel.
type Channel struct {
	*channels.BaseChannel
	session   *discordgo.Session
	config    config.DiscordConfig
	botUserID string
}

// New creates a Discord channel from config. onMessage is invoked for every
// inbound message accepted by the allowlist/mention policy.
func New(cfg config.DiscordConfig, onMessage channels.MessageHandler) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	base := channels.NewBaseChannel("discord", onMessage, cfg.AllowFrom)

	ch := &Channel{BaseChannel: base, session: session, config: cfg}
	session.AddHandler(ch.handleMessage)
	return ch, nil
}

// Connect opens the Discord gateway connection.
func (c *Channel) Connect(_ context.Context) error {
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID
	c.SetRunning(true)
	slog.Info("discord: connected", "username", user.Username, "id", user.ID)
	return nil
}

// Disconnect closes the Discord gateway connection.
func (c *Channel) Disconnect(_ context.Context) error {
	c.SetRunning(false)
	return c.session.Close()
}

// OwnsJID reports whether jid is a Discord channel ID this adapter handles.
func (c *Channel) OwnsJID(jid string) bool {
	return len(jid) > len(jidPrefix) && jid[:len(jidPrefix)] == jidPrefix
}

// SendMessage sends text to a Discord channel, splitting on Discord's
// 2000-char limit (counted in bytes) at the nearest preceding newline
// when one lies in the second half of the window, else at the limit.
func (c *Channel) SendMessage(jid, text string) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord: not connected")
	}
	channelID := jid[len(jidPrefix):]
	const maxLen = 2000
	for len(text) > 0 {
		chunk := text
		if len(chunk) > maxLen {
			cutAt := maxLen
			if idx := lastIndexByte(text[:maxLen], '\n'); idx > maxLen/2 {
				cutAt = idx + 1
			}
			chunk = text[:cutAt]
			text = text[cutAt:]
		} else {
			text = ""
		}
		if _, err := c.session.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

// SetTyping sends (or does not attempt to clear) a Discord typing
// indicator; Discord has no explicit "stop typing" API, so typing=false is
// a no-op — the indicator expires naturally after ~10s.
func (c *Channel) SetTyping(jid string, typing bool) error {
	if !typing || !c.IsRunning() {
		return nil
	}
	return c.session.ChannelTyping(jid[len(jidPrefix):])
}

func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	isDM := m.GuildID == ""
	if !isDM && c.config.Enabled {
		mentioned := false
		for _, u := range m.Mentions {
			if u.ID == c.botUserID {
				mentioned = true
				break
			}
		}
		if !mentioned {
			return
		}
	}

	content := m.Content
	for _, att := range m.Attachments {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}

	c.Deliver(channels.InboundMessage{
		ID:         m.ID,
		ChatJID:    jidPrefix + m.ChannelID,
		Sender:     m.Author.ID,
		SenderName: resolveDisplayName(m),
		Content:    content,
		Timestamp:  m.Timestamp,
	})
}

func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

func lastIndexByte(s string, c byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == c {
			return i
		}
	}
	return -1
}
