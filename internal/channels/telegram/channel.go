// Package telegram implements a channels.Channel backed by the Telegram
// Bot API using long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/groupwatch/internal/channels"
	"github.com/nextlevelbuilder/groupwatch/internal/config"
)

// jidPrefix namespaces Telegram chat IDs in the core's jid space, per the
// GLOSSARY's `tg:-100…` convention.
const jidPrefix = "tg:"

// Channel connects to Telegram via long polling and implements channels.Channel.
type Channel struct {
	*channels.BaseChannel
	bot        *telego.Bot
	config     config.TelegramConfig
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates a Telegram channel from config. onMessage is invoked for
// every inbound message accepted by the allowlist.
func New(cfg config.TelegramConfig, onMessage channels.MessageHandler) (*Channel, error) {
	var opts []telego.BotOption
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	base := channels.NewBaseChannel("telegram", onMessage, cfg.AllowFrom)
	return &Channel{BaseChannel: base, bot: bot, config: cfg}, nil
}

// Connect begins long polling for Telegram updates.
func (c *Channel) Connect(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram: connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil {
					c.handleMessage(update.Message)
				}
			}
		}
	}()

	return nil
}

// Disconnect cancels long polling and waits for the receive goroutine to exit.
func (c *Channel) Disconnect(_ context.Context) error {
	c.SetRunning(false)
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram: polling goroutine did not exit within timeout")
		}
	}
	return nil
}

// OwnsJID reports whether jid is a Telegram chat ID this adapter handles.
func (c *Channel) OwnsJID(jid string) bool {
	return strings.HasPrefix(jid, jidPrefix)
}

// SendMessage sends text to a Telegram chat.
func (c *Channel) SendMessage(jid, text string) error {
	if !c.IsRunning() {
		return fmt.Errorf("telegram: not connected")
	}
	chatID, err := parseChatID(jid)
	if err != nil {
		return fmt.Errorf("telegram: bad jid %q: %w", jid, err)
	}
	_, err = c.bot.SendMessage(context.Background(), tu.Message(tu.ID(chatID), text))
	return err
}

// SetTyping sends (or does nothing to clear) a Telegram "typing" chat action.
func (c *Channel) SetTyping(jid string, typing bool) error {
	if !typing || !c.IsRunning() {
		return nil
	}
	chatID, err := parseChatID(jid)
	if err != nil {
		return fmt.Errorf("telegram: bad jid %q: %w", jid, err)
	}
	return c.bot.SendChatAction(context.Background(), &telego.SendChatActionParams{
		ChatID: tu.ID(chatID),
		Action: telego.ChatActionTyping,
	})
}

func (c *Channel) handleMessage(m *telego.Message) {
	senderID := ""
	senderName := ""
	if m.From != nil {
		senderID = strconv.FormatInt(m.From.ID, 10)
		senderName = strings.TrimSpace(m.From.FirstName + " " + m.From.LastName)
		if m.From.Username != "" {
			senderName = "@" + m.From.Username
		}
	}

	c.Deliver(channels.InboundMessage{
		ID:         strconv.Itoa(m.MessageID),
		ChatJID:    jidPrefix + strconv.FormatInt(m.Chat.ID, 10),
		Sender:     senderID,
		SenderName: senderName,
		Content:    m.Text,
		Timestamp:  time.Unix(int64(m.Date), 0).UTC(),
		IsFromSelf: m.From != nil && m.From.IsBot && c.bot.Username() != "" && m.From.Username == c.bot.Username(),
	})
}

func parseChatID(jid string) (int64, error) {
	return strconv.ParseInt(strings.TrimPrefix(jid, jidPrefix), 10, 64)
}
