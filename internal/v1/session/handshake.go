package session

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/mod/semver"

	"github.com/signalfish/signal-fish/internal/v1/connection"
	"github.com/signalfish/signal-fish/internal/v1/logging"
	"github.com/signalfish/signal-fish/internal/v1/metrics"
	"github.com/signalfish/signal-fish/internal/v1/protocol"
)

// protocolVersion is advertised in ProtocolInfo after authentication.
const protocolVersion = "1.0"

// handshake reads and validates the first frame. It returns false when the
// connection must close; the caller owns teardown. On success the client
// is registered with the connection manager and the router and has been
// sent Authenticated and ProtocolInfo.
func (c *Client) handshake() bool {
	ctx := context.Background()
	ws := c.hub.cfg.WebSocket

	deadline := time.Now().Add(time.Duration(ws.AuthTimeoutSecs) * time.Second)
	_ = c.conn.SetReadDeadline(deadline)

	var messageType int
	var data []byte
	var err error
	for {
		messageType, data, err = c.conn.ReadMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				c.sendError(protocol.ErrAuthenticationTimeout, "authentication timed out")
			}
			return false
		}
		if len(data) > ws.MaxMessageSize {
			// Oversized frames are reported and skipped; the auth deadline
			// still applies.
			c.sendError(protocol.ErrMessageTooLarge, "message exceeds maximum size")
			continue
		}
		break
	}
	if messageType != websocket.TextMessage {
		c.sendMessage(&protocol.AuthenticationError{
			Message:   "first message must be a text authenticate frame",
			ErrorCode: protocol.ErrNotAuthenticated,
		})
		return false
	}

	if ws.TokenBindingEnabled && (c.tokenBinding || ws.TokenBindingRequired) {
		if err := verifyTokenBinding(data, c.wsKey); err != nil {
			logging.Warn(ctx, "Token binding verification failed",
				zap.String("remote_ip", c.remoteIP), zap.Error(err))
			c.sendError(protocol.ErrUnauthorized, "token binding verification failed")
			return false
		}
	}

	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		c.sendError(protocol.ErrInvalidMessageFormat, "malformed message")
		return false
	}
	authMsg, ok := msg.(*protocol.Authenticate)
	if !ok {
		c.sendMessage(&protocol.AuthenticationError{
			Message:   "first message must be authenticate",
			ErrorCode: protocol.ErrNotAuthenticated,
		})
		return false
	}

	app, err := c.hub.registry.ValidateAppID(authMsg.AppID)
	if err != nil {
		c.sendMessage(&protocol.AuthenticationError{
			Message:   "unknown application id",
			ErrorCode: protocol.ErrInvalidAppID,
		})
		return false
	}

	platform := strings.ToLower(strings.TrimSpace(authMsg.Platform))
	if !c.platformSupported(platform) {
		c.sendMessage(&protocol.AuthenticationError{
			Message:   "platform is not supported",
			ErrorCode: protocol.ErrPlatformUnsupported,
		})
		return false
	}
	if !c.sdkVersionSupported(authMsg.SdkVersion) {
		c.sendMessage(&protocol.AuthenticationError{
			Message:   "sdk version below supported minimum",
			ErrorCode: protocol.ErrSdkVersionUnsupported,
		})
		return false
	}

	supported := c.hub.supportedEncodings()
	encoding := protocol.EncodingJSON
	if authMsg.GameDataFormat != nil {
		if contains(supported, *authMsg.GameDataFormat) {
			encoding = *authMsg.GameDataFormat
		} else {
			// Fall back to JSON; the connection stays up.
			c.sendError(protocol.ErrUnsupportedGameDataFormat, "requested game data format is not supported")
		}
	}

	if err := c.hub.conns.Register(connection.ClientInfo{
		PlayerID: c.playerID,
		RemoteIP: c.remoteIP,
		App:      *app,
		Encoding: encoding,
	}); err != nil {
		c.sendMessage(&protocol.AuthenticationError{
			Message:   "too many connections from this address",
			ErrorCode: protocol.ErrTooManyConnections,
		})
		return false
	}
	c.hub.router.Register(c.playerID, c)

	c.mu.Lock()
	c.app = app
	c.encoding = encoding
	c.authenticated = true
	c.mu.Unlock()

	c.sendMessage(&protocol.Authenticated{
		AppName: app.Name,
		Org:     app.Org,
		RateLimits: protocol.RateLimits{
			PerMinute: app.RateLimitPerMinute,
			PerHour:   app.RateLimitPerHour(),
			PerDay:    app.RateLimitPerDay(),
		},
	})
	c.sendMessage(&protocol.ProtocolInfo{
		Version:         protocolVersion,
		GameDataFormats: supported,
		PlayerNameRules: c.hub.nameRules(),
		Capabilities:    c.hub.capabilitiesFor(platform),
	})

	metrics.MessagesProcessed.WithLabelValues(protocol.TypeAuthenticate, "ok").Inc()
	logging.Info(ctx, "Client authenticated",
		zap.String("player_id", c.playerID.String()),
		zap.String("app_id", app.RawID),
		zap.String("encoding", string(encoding)))
	return true
}

// platformSupported checks the normalized platform against the required
// set. An empty required set admits everything.
func (c *Client) platformSupported(platform string) bool {
	required := c.hub.cfg.Sdk.RequiredPlatforms
	if len(required) == 0 {
		return true
	}
	for _, p := range required {
		if strings.ToLower(p) == platform {
			return true
		}
	}
	return false
}

// sdkVersionSupported compares the client's semver against the configured
// minimum. With a minimum configured, a missing or unparsable version is
// rejected.
func (c *Client) sdkVersionSupported(version string) bool {
	minVersion := c.hub.cfg.Sdk.MinVersion
	if minVersion == "" {
		return true
	}
	v := "v" + strings.TrimPrefix(version, "v")
	if !semver.IsValid(v) {
		return false
	}
	return semver.Compare(v, "v"+strings.TrimPrefix(minVersion, "v")) >= 0
}

func contains(set []protocol.GameDataEncoding, enc protocol.GameDataEncoding) bool {
	for _, e := range set {
		if e == enc {
			return true
		}
	}
	return false
}
