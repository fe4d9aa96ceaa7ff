// Package websocket is the /ws surface: first-frame token auth, session
// subscriptions backed by the Broadcaster, message-log catch-up, and
// app-level ping/pong liveness.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentharbor/core/internal/broadcast"
	"github.com/agentharbor/core/internal/common/logger"
	"github.com/agentharbor/core/internal/session"
	ws "github.com/agentharbor/core/pkg/websocket"
)

const (
	// writeWait bounds a single frame write to the peer.
	writeWait = 10 * time.Second

	// maxMessageSize bounds inbound frames.
	maxMessageSize = 512 * 1024

	// sendQueueSize bounds the outbound frame queue; a connection that
	// cannot drain it is closed.
	sendQueueSize = 256
)

// Conn is one authenticated WebSocket connection.
type Conn struct {
	workspaceID string
	conn        *websocket.Conn
	mgr         *session.Manager
	logger      *logger.Logger

	readWait time.Duration

	mu     sync.Mutex
	subs   map[string]*broadcast.Subscriber // sessionID -> subscriber
	send   chan []byte
	closed bool
	done   chan struct{}
}

func newConn(workspaceID string, c *websocket.Conn, mgr *session.Manager, readWait time.Duration, log *logger.Logger) *Conn {
	return &Conn{
		workspaceID: workspaceID,
		conn:        c,
		mgr:         mgr,
		readWait:    readWait,
		logger:      log.WithWorkspaceID(workspaceID),
		subs:        make(map[string]*broadcast.Subscriber),
		send:        make(chan []byte, sendQueueSize),
		done:        make(chan struct{}),
	}
}

// run drives the read and write pumps until the peer goes away.
func (c *Conn) run(ctx context.Context) {
	go c.writePump()
	c.readPump(ctx)
}

func (c *Conn) readPump(ctx context.Context) {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.readWait))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		// Any inbound frame is a liveness signal.
		_ = c.conn.SetReadDeadline(time.Now().Add(c.readWait))

		frame, err := ws.Decode(data)
		if err != nil {
			c.sendStatus("error", "invalid frame")
			continue
		}
		c.handleFrame(ctx, frame)
	}
}

func (c *Conn) handleFrame(ctx context.Context, frame *ws.ClientFrame) {
	switch frame.Type {
	case ws.ClientPing:
		c.enqueueJSON(map[string]any{"type": ws.ServerPong})

	case ws.ClientSubscribe:
		c.handleSubscribe(ctx, frame)

	case ws.ClientSyncMessages:
		c.handleSyncMessages(ctx, frame)

	default:
		c.sendStatus("error", "unknown frame type")
	}
}

func (c *Conn) handleSubscribe(ctx context.Context, frame *ws.ClientFrame) {
	if frame.SessionID == "" {
		c.sendStatus("error", "sessionId is required")
		return
	}
	// Sessions are workspace-scoped; a token for one workspace cannot
	// observe another's sessions.
	if _, err := c.mgr.GetSession(ctx, c.workspaceID, frame.SessionID); err != nil {
		c.sendStatus("error", "session not found")
		return
	}

	c.mu.Lock()
	if old := c.subs[frame.SessionID]; old != nil {
		c.mgr.Broadcaster().Unsubscribe(old)
	}
	sub := c.mgr.Broadcaster().Subscribe(frame.SessionID, frame.WorktreeID)
	c.subs[frame.SessionID] = sub
	c.mu.Unlock()

	go c.forward(sub)
	c.sendStatus("subscribed", frame.SessionID)
}

// handleSyncMessages replays the message log strictly after the supplied
// cursor for every subscribed session, then live events continue.
func (c *Conn) handleSyncMessages(ctx context.Context, frame *ws.ClientFrame) {
	c.mu.Lock()
	sessionIDs := make([]string, 0, len(c.subs))
	for id := range c.subs {
		sessionIDs = append(sessionIDs, id)
	}
	c.mu.Unlock()

	for _, sessionID := range sessionIDs {
		worktrees, err := c.mgr.ListWorktrees(ctx, c.workspaceID, sessionID)
		if err != nil {
			continue
		}
		for _, wt := range worktrees {
			msgs, err := c.mgr.MessagesAfter(ctx, sessionID, wt.ID, frame.LastSeenMessageID)
			if err != nil || len(msgs) == 0 {
				continue
			}
			c.enqueueJSON(map[string]any{
				"type":       ws.ServerWorktreeMessagesSync,
				"sessionId":  sessionID,
				"worktreeId": wt.ID,
				"messages":   msgs,
			})
		}
	}
}

// forward relays one subscription's frames into the connection's send
// queue until either side detaches.
func (c *Conn) forward(sub *broadcast.Subscriber) {
	for {
		select {
		case <-c.done:
			return
		case frame, ok := <-sub.Frames():
			if !ok {
				return
			}
			data, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			c.enqueue(data)
		}
	}
}

func (c *Conn) writePump() {
	defer c.close()
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func (c *Conn) enqueue(data []byte) {
	select {
	case c.send <- data:
	case <-c.done:
	default:
		// The peer cannot keep up; close and let it reconnect + resync.
		c.logger.Warn("websocket send queue full; closing connection")
		c.close()
	}
}

func (c *Conn) enqueueJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *Conn) sendStatus(status, detail string) {
	c.enqueueJSON(map[string]any{"type": ws.ServerStatus, "status": status, "detail": detail})
}

func (c *Conn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = make(map[string]*broadcast.Subscriber)
	c.mu.Unlock()

	close(c.done)
	for _, sub := range subs {
		c.mgr.Broadcaster().Unsubscribe(sub)
	}
	_ = c.conn.Close()
}
