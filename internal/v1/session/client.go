// Package session owns the per-socket lifecycle: the WebSocket upgrade,
// the authentication handshake, frame dispatch into the coordinator, the
// batched send pump, and the periodic cleanup task.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/signalfish/signal-fish/internal/v1/auth"
	"github.com/signalfish/signal-fish/internal/v1/logging"
	"github.com/signalfish/signal-fish/internal/v1/protocol"
	"github.com/signalfish/signal-fish/internal/v1/router"
	"github.com/signalfish/signal-fish/internal/v1/types"
)

// writeWait bounds a single socket write.
const writeWait = 10 * time.Second

// wsConnection is the surface of *websocket.Conn the client uses, kept as
// an interface so tests can script the socket.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
}

// Client is one player's connection. Until the handshake completes it has
// no identity beyond its socket; afterwards it carries the server-assigned
// PlayerID, the validated application, and the negotiated encoding.
type Client struct {
	hub      *Hub
	conn     wsConnection
	remoteIP string
	wsKey    string

	mu            sync.RWMutex
	playerID      types.PlayerID
	app           *auth.AppInfo
	encoding      protocol.GameDataEncoding
	authenticated bool
	closed        bool

	// tokenBinding is set when the client advertised the binding
	// subprotocol during the upgrade.
	tokenBinding bool

	send      chan router.Payload
	closeOnce sync.Once
}

func newClient(hub *Hub, conn wsConnection, remoteIP, wsKey string, tokenBinding bool) *Client {
	return &Client{
		hub:          hub,
		conn:         conn,
		remoteIP:     remoteIP,
		wsKey:        wsKey,
		tokenBinding: tokenBinding,
		playerID:     types.NewPlayerID(),
		encoding:     protocol.EncodingJSON,
		send:         make(chan router.Payload, 4*hub.cfg.WebSocket.BatchSize),
	}
}

// PlayerID returns the connection's current identity. It changes exactly
// once, when a reconnect adopts the returning player's id.
func (c *Client) PlayerID() types.PlayerID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.playerID
}

// TrySend enqueues a payload without blocking. It satisfies
// router.Recipient; the router counts the drop when this returns false.
func (c *Client) TrySend(p router.Payload) bool {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return false
	}
	c.mu.RUnlock()

	defer func() {
		// The channel can close between the flag check and the send.
		if r := recover(); r != nil {
			logging.GetLogger().Debug("Send to closing client", zap.String("player_id", c.playerID.String()))
		}
	}()

	select {
	case c.send <- p:
		return true
	default:
		return false
	}
}

// sendMessage encodes a server message and enqueues it.
func (c *Client) sendMessage(msg protocol.ServerMessage) {
	p, err := router.JSONPayload(msg)
	if err != nil {
		logging.Error(context.Background(), "Failed to encode server message",
			zap.String("type", msg.ServerMessageType()), zap.Error(err))
		return
	}
	if !c.TrySend(p) {
		logging.Warn(context.Background(), "Client send queue full, message dropped",
			zap.String("player_id", c.playerID.String()),
			zap.String("type", msg.ServerMessageType()))
	}
}

// sendError is the uniform shape for recoverable per-message failures.
func (c *Client) sendError(code protocol.ErrorCode, message string) {
	c.sendMessage(&protocol.ErrorMessage{Message: message, ErrorCode: code})
}

// Disconnect closes the send channel once. The writePump drains what is
// buffered, writes the close frame, and closes the socket; the readPump
// then unblocks and runs the unregister path.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.send)
	})
}

// readPump drives the handshake and then dispatches frames until the
// socket dies. It owns teardown: every exit runs the unregister path.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.Disconnect()
		c.conn.Close()
	}()

	// Twice the limit so oversized frames surface as data the dispatcher
	// can reject with MESSAGE_TOO_LARGE instead of a hard close.
	c.conn.SetReadLimit(2 * int64(c.hub.cfg.WebSocket.MaxMessageSize))

	if !c.handshake() {
		return
	}

	// Liveness is enforced coarsely by the cleanup task, not by socket
	// deadlines.
	_ = c.conn.SetReadDeadline(time.Time{})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		c.dispatch(context.Background(), messageType, data)
	}
}

// writePump drains the outbound queue. With batching enabled it
// accumulates up to batch_size payloads or batch_interval_ms, whichever
// comes first, then writes them in order; unbatched mode writes
// immediately. Closing the queue flushes, writes a close frame, and
// closes the socket.
func (c *Client) writePump() {
	defer c.conn.Close()

	ws := c.hub.cfg.WebSocket
	batching := ws.BatchingEnabled && ws.BatchSize > 1

	var tick <-chan time.Time
	if batching {
		ticker := time.NewTicker(time.Duration(ws.BatchIntervalMs) * time.Millisecond)
		defer ticker.Stop()
		tick = ticker.C
	}

	var batch []router.Payload
	flush := func() bool {
		for _, p := range batch {
			if !c.writePayload(p) {
				return false
			}
		}
		batch = batch[:0]
		return true
	}

	for {
		select {
		case p, ok := <-c.send:
			if !ok {
				_ = flush()
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if !batching {
				if !c.writePayload(p) {
					return
				}
				continue
			}
			batch = append(batch, p)
			if len(batch) >= ws.BatchSize {
				if !flush() {
					return
				}
			}
		case <-tick:
			if len(batch) > 0 && !flush() {
				return
			}
		}
	}
}

func (c *Client) writePayload(p router.Payload) bool {
	messageType := websocket.TextMessage
	if p.Binary {
		messageType = websocket.BinaryMessage
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(messageType, p.Data); err != nil {
		logging.GetLogger().Debug("Socket write failed", zap.String("player_id", c.playerID.String()), zap.Error(err))
		return false
	}
	return true
}
