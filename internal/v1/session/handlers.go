package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/signalfish/signal-fish/internal/v1/connection"
	"github.com/signalfish/signal-fish/internal/v1/coordinator"
	"github.com/signalfish/signal-fish/internal/v1/logging"
	"github.com/signalfish/signal-fish/internal/v1/metrics"
	"github.com/signalfish/signal-fish/internal/v1/protocol"
)

// dispatch routes one post-handshake frame.
func (c *Client) dispatch(ctx context.Context, messageType int, data []byte) {
	if len(data) > c.hub.cfg.WebSocket.MaxMessageSize {
		c.sendError(protocol.ErrMessageTooLarge, "message exceeds maximum size")
		return
	}

	c.mu.RLock()
	app := c.app
	encoding := c.encoding
	playerID := c.playerID
	c.mu.RUnlock()

	if app.RateLimitPerMinute > 0 {
		if err := c.hub.limiter.Check("app_msgs:"+playerID.String(), app.RateLimitPerMinute); err != nil {
			metrics.RateLimitRejections.WithLabelValues("app").Inc()
			c.sendError(protocol.ErrRateLimitExceeded, "message rate limit exceeded")
			return
		}
	}

	if messageType == websocket.BinaryMessage {
		c.handleBinaryGameData(ctx, encoding, data)
		return
	}

	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		c.sendError(protocol.ErrInvalidMessageFormat, "malformed message")
		return
	}

	start := time.Now()
	status := "ok"
	if !c.handleMessage(ctx, msg) {
		status = "error"
	}
	metrics.MessagesProcessed.WithLabelValues(msg.ClientMessageType(), status).Inc()
	metrics.MessageProcessingDuration.WithLabelValues(msg.ClientMessageType()).Observe(time.Since(start).Seconds())
}

func (c *Client) handleMessage(ctx context.Context, msg protocol.ClientMessage) bool {
	playerID := c.PlayerID()

	switch m := msg.(type) {
	case *protocol.Authenticate:
		c.sendError(protocol.ErrInvalidInput, "already authenticated")
		return false

	case *protocol.JoinRoom:
		c.mu.RLock()
		app := c.app
		c.mu.RUnlock()
		joined, err := c.hub.coord.Join(ctx, playerID, app, m)
		if err != nil {
			op := coordinator.AsOpError(err)
			c.sendMessage(&protocol.RoomJoinFailed{Message: op.Message, ErrorCode: op.Code})
			return false
		}
		c.sendMessage(joined)

	case *protocol.LeaveRoom:
		left, err := c.hub.coord.Leave(ctx, playerID)
		if err != nil {
			return c.sendOpError(err)
		}
		c.sendMessage(left)

	case *protocol.PlayerReady:
		if err := c.hub.coord.ToggleReady(ctx, playerID); err != nil {
			return c.sendOpError(err)
		}

	case *protocol.AuthorityRequest:
		resp, err := c.hub.coord.RequestAuthority(ctx, playerID, m.BecomeAuthority)
		if err != nil {
			return c.sendOpError(err)
		}
		c.sendMessage(resp)

	case *protocol.ProvideConnectionInfo:
		if err := c.hub.coord.ProvideConnectionInfo(ctx, playerID, m.ConnectionInfo); err != nil {
			return c.sendOpError(err)
		}

	case *protocol.ClientGameData:
		if err := c.hub.coord.RelayGameData(ctx, playerID, protocol.EncodingJSON, m.Data); err != nil {
			return c.sendOpError(err)
		}

	case *protocol.Ping:
		if c.hub.conns.RecordPing(playerID) {
			c.hub.coord.TouchRoomActivity(playerID)
		}
		c.sendMessage(&protocol.Pong{Timestamp: protocol.NowMillis()})

	case *protocol.Reconnect:
		return c.handleReconnect(ctx, m)

	case *protocol.JoinAsSpectator:
		joined, err := c.hub.coord.JoinSpectator(ctx, playerID, m)
		if err != nil {
			op := coordinator.AsOpError(err)
			c.sendMessage(&protocol.SpectatorJoinFailed{Message: op.Message, ErrorCode: op.Code})
			return false
		}
		c.sendMessage(joined)

	case *protocol.LeaveSpectator:
		left, err := c.hub.coord.LeaveSpectator(ctx, playerID)
		if err != nil {
			return c.sendOpError(err)
		}
		c.sendMessage(left)

	default:
		c.sendError(protocol.ErrInvalidInput, "unhandled message type")
		return false
	}
	return true
}

// handleBinaryGameData relays a binary game-data frame. Binary frames are
// only honored on connections that negotiated a binary encoding.
func (c *Client) handleBinaryGameData(ctx context.Context, encoding protocol.GameDataEncoding, data []byte) {
	status := "ok"
	defer func() {
		metrics.MessagesProcessed.WithLabelValues(protocol.TypeGameDataBinary, status).Inc()
	}()

	if encoding == protocol.EncodingJSON {
		status = "error"
		c.sendError(protocol.ErrInvalidInput, "binary frames require a binary game data format")
		return
	}

	frameEncoding, payload, err := protocol.DecodeBinaryGameData(data)
	if err != nil {
		status = "error"
		c.sendError(protocol.ErrInvalidMessageFormat, "malformed binary frame")
		return
	}
	if err := c.hub.coord.RelayGameData(ctx, c.PlayerID(), frameEncoding, payload); err != nil {
		status = "error"
		c.sendOpError(err)
	}
}

// handleReconnect swaps this connection's temporary identity for the
// returning player's. The temporary registration is torn down first so the
// reassignment nets out per-IP accounting; on failure it is restored and
// the socket stays usable.
func (c *Client) handleReconnect(ctx context.Context, msg *protocol.Reconnect) bool {
	tempID := c.PlayerID()
	tempInfo, ok := c.hub.conns.Get(tempID)
	if !ok {
		c.sendMessage(&protocol.ReconnectionFailed{Reason: "connection not registered", ErrorCode: protocol.ErrReconnectionFailed})
		return false
	}
	if tempInfo.RoomID != nil {
		c.sendMessage(&protocol.ReconnectionFailed{Reason: "already in a room", ErrorCode: protocol.ErrReconnectionFailed})
		return false
	}

	// A still-live socket for the claimed player loses to the newer
	// connection, but only once the claimant proves the join-time token.
	if c.hub.coord.VerifyReconnectToken(msg.PlayerID, msg.RoomID, msg.AuthToken) {
		c.hub.evictPlayer(ctx, msg.PlayerID)
	}

	c.hub.router.Unregister(tempID, c)
	c.hub.conns.Remove(tempID)

	newInfo := connection.ClientInfo{
		PlayerID: msg.PlayerID,
		RemoteIP: tempInfo.RemoteIP,
		App:      tempInfo.App,
		Encoding: tempInfo.Encoding,
	}
	res, err := c.hub.coord.Reconnect(ctx, newInfo, msg)
	if err != nil {
		// Restore the temporary identity so the client can retry or join
		// normally.
		if regErr := c.hub.conns.Register(tempInfo); regErr != nil {
			c.sendMessage(&protocol.ReconnectionFailed{Reason: "too many connections", ErrorCode: protocol.ErrTooManyConnections})
			c.Disconnect()
			return false
		}
		c.hub.router.Register(tempID, c)

		op := coordinator.AsOpError(err)
		c.sendMessage(&protocol.ReconnectionFailed{Reason: op.Message, ErrorCode: op.Code})
		return false
	}

	c.mu.Lock()
	c.playerID = msg.PlayerID
	c.mu.Unlock()
	c.hub.adopt(c, tempID, msg.PlayerID)
	c.hub.router.Register(msg.PlayerID, c)

	c.sendMessage(res)
	logging.Info(ctx, "Connection adopted reconnecting player",
		zap.String("temp_id", tempID.String()),
		zap.String("player_id", msg.PlayerID.String()))
	return true
}

func (c *Client) sendOpError(err error) bool {
	op := coordinator.AsOpError(err)
	c.sendError(op.Code, op.Message)
	return false
}
