// Package socket implements a generic channels.Channel over a
// newline-delimited-JSON WebSocket protocol, for front ends that aren't a
// chat platform (local UIs, custom integrations).
package socket

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/groupwatch/internal/channels"
	"github.com/nextlevelbuilder/groupwatch/internal/config"
)

// jidPrefix namespaces socket peer IDs in the core's jid space.
const jidPrefix = "socket:"

// wireMessage is the newline-delimited-JSON envelope exchanged over the
// socket in both directions.
type wireMessage struct {
	Type    string `json:"type"` // "message" | "typing"
	PeerID  string `json:"peer_id,omitempty"`
	Content string `json:"content,omitempty"`
	Typing  bool   `json:"typing,omitempty"`
}

// Channel accepts WebSocket connections, one per peer, and implements channels.Channel.
type Channel struct {
	*channels.BaseChannel
	config config.SocketConfig
	server *http.Server

	mu    sync.RWMutex
	conns map[string]*websocket.Conn // peerID → live connection
}

// New creates a socket channel from config.
func New(cfg config.SocketConfig, onMessage channels.MessageHandler) *Channel {
	base := channels.NewBaseChannel("socket", onMessage, cfg.AllowFrom)
	return &Channel{BaseChannel: base, config: cfg, conns: make(map[string]*websocket.Conn)}
}

// Connect starts the HTTP listener accepting WebSocket upgrades.
func (c *Channel) Connect(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", c.handleUpgrade)
	c.server = &http.Server{Addr: c.config.ListenAddr, Handler: mux}

	ln, err := net.Listen("tcp", c.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("socket: listen %s: %w", c.config.ListenAddr, err)
	}

	go func() {
		if err := c.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("socket: server exited", "error", err)
		}
	}()

	c.SetRunning(true)
	slog.Info("socket: listening", "addr", c.config.ListenAddr)
	return nil
}

// Disconnect closes the listener and all live connections.
func (c *Channel) Disconnect(ctx context.Context) error {
	c.SetRunning(false)

	c.mu.Lock()
	for peerID, conn := range c.conns {
		_ = conn.Close(websocket.StatusNormalClosure, "shutting down")
		delete(c.conns, peerID)
	}
	c.mu.Unlock()

	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// OwnsJID reports whether jid is a socket peer ID this adapter handles.
func (c *Channel) OwnsJID(jid string) bool {
	return strings.HasPrefix(jid, jidPrefix)
}

// SendMessage writes text to the live connection for jid's peer, if connected.
func (c *Channel) SendMessage(jid, text string) error {
	conn := c.connFor(jid)
	if conn == nil {
		return fmt.Errorf("socket: no live connection for %q", jid)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return wsjson.Write(ctx, conn, wireMessage{Type: "message", Content: text})
}

// SetTyping forwards a typing indicator to the peer, best-effort.
func (c *Channel) SetTyping(jid string, typing bool) error {
	conn := c.connFor(jid)
	if conn == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, conn, wireMessage{Type: "typing", Typing: typing})
}

func (c *Channel) connFor(jid string) *websocket.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conns[strings.TrimPrefix(jid, jidPrefix)]
}

func (c *Channel) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("socket: accept failed", "error", err)
		return
	}

	peerID := uuid.NewString()
	c.mu.Lock()
	c.conns[peerID] = conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.conns, peerID)
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusInternalError, "connection closed")
	}()

	ctx := r.Context()
	seq := 0
	for {
		var msg wireMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return
		}
		if msg.Type != "message" {
			continue
		}
		seq++
		c.Deliver(channels.InboundMessage{
			ID:        peerID + ":" + strconv.Itoa(seq),
			ChatJID:   jidPrefix + peerID,
			Sender:    peerID,
			Content:   msg.Content,
			Timestamp: time.Now().UTC(),
		})
	}
}
