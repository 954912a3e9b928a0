package session

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/signalfish/signal-fish/internal/v1/auth"
	"github.com/signalfish/signal-fish/internal/v1/config"
	"github.com/signalfish/signal-fish/internal/v1/connection"
	"github.com/signalfish/signal-fish/internal/v1/coordinator"
	"github.com/signalfish/signal-fish/internal/v1/logging"
	"github.com/signalfish/signal-fish/internal/v1/protocol"
	"github.com/signalfish/signal-fish/internal/v1/ratelimit"
	"github.com/signalfish/signal-fish/internal/v1/router"
	"github.com/signalfish/signal-fish/internal/v1/types"
)

var errOriginNotAllowed = errors.New("origin not allowed")

// Hub owns every live socket. It accepts upgrades, runs each client's
// pumps, and can close any player's socket for the cleanup task and for
// shutdown.
type Hub struct {
	cfg      *config.Config
	registry *auth.Registry
	coord    *coordinator.Coordinator
	conns    *connection.Manager
	router   *router.Router
	limiter  *ratelimit.Limiter
	upgrades *ratelimit.UpgradeLimiter

	mu       sync.Mutex
	clients  map[*Client]struct{}
	byPlayer map[types.PlayerID]*Client
	draining bool
}

// NewHub wires the hub over its collaborators. The upgrade limiter may be
// nil to disable IP throttling on the upgrade path.
func NewHub(
	cfg *config.Config,
	registry *auth.Registry,
	coord *coordinator.Coordinator,
	conns *connection.Manager,
	rt *router.Router,
	limiter *ratelimit.Limiter,
	upgrades *ratelimit.UpgradeLimiter,
) *Hub {
	return &Hub{
		cfg:      cfg,
		registry: registry,
		coord:    coord,
		conns:    conns,
		router:   rt,
		limiter:  limiter,
		upgrades: upgrades,
		clients:  make(map[*Client]struct{}),
		byPlayer: make(map[types.PlayerID]*Client),
	}
}

// ServeWs is the GET /ws handler: rate limit, origin check, upgrade, then
// hand the socket to a new client's pumps.
func (h *Hub) ServeWs(c *gin.Context) {
	h.mu.Lock()
	draining := h.draining
	h.mu.Unlock()
	if draining {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
		return
	}

	if h.upgrades != nil && !h.upgrades.CheckUpgrade(c) {
		return // response already written
	}

	if err := validateOrigin(c.Request, h.cfg.Server.AllowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	wsKey := c.GetHeader("Sec-WebSocket-Key")
	bindingAdvertised := clientOffersProtocol(c.Request, TokenBindingProtocol)

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, h.cfg.Server.AllowedOrigins) == nil
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}

	responseHeader := http.Header{}
	if bindingAdvertised && h.cfg.WebSocket.TokenBindingEnabled {
		responseHeader.Set("Sec-WebSocket-Protocol", TokenBindingProtocol)
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, responseHeader)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
		return
	}

	h.HandleConnection(conn, c.ClientIP(), wsKey, bindingAdvertised)
}

// HandleConnection starts the pumps for an established socket. Split from
// ServeWs so tests can drive scripted connections.
func (h *Hub) HandleConnection(conn wsConnection, remoteIP, wsKey string, tokenBinding bool) *Client {
	client := newClient(h, conn, remoteIP, wsKey, tokenBinding)

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.byPlayer[client.playerID] = client
	h.mu.Unlock()

	go client.writePump()
	go client.readPump()
	return client
}

// unregister tears one client down: coordinator disconnect handling
// (reconnection window, room leave, spectator detach) happens before the
// hub forgets the socket.
func (h *Hub) unregister(c *Client) {
	playerID := c.PlayerID()

	c.mu.RLock()
	authenticated := c.authenticated
	c.mu.RUnlock()

	if authenticated {
		h.coord.Disconnect(context.Background(), playerID)
		h.router.Unregister(playerID, c)
	}

	h.mu.Lock()
	delete(h.clients, c)
	if h.byPlayer[playerID] == c {
		delete(h.byPlayer, playerID)
	}
	h.mu.Unlock()
}

// adopt rebinds a client to the player id it reclaimed via reconnect.
func (h *Hub) adopt(c *Client, oldID, newID types.PlayerID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.byPlayer[oldID] == c {
		delete(h.byPlayer, oldID)
	}
	h.byPlayer[newID] = c
}

// evictPlayer tears down a still-attached socket for the given player so a
// newer connection can claim the identity. The eviction runs the
// coordinator disconnect synchronously, which opens the reconnection
// window before the caller tries to claim it; the evicted client is marked
// unauthenticated so its own teardown does not disconnect the player a
// second time.
func (h *Hub) evictPlayer(ctx context.Context, playerID types.PlayerID) bool {
	h.mu.Lock()
	old, ok := h.byPlayer[playerID]
	if ok {
		delete(h.byPlayer, playerID)
		delete(h.clients, old)
	}
	h.mu.Unlock()
	if !ok {
		return false
	}

	old.mu.Lock()
	old.authenticated = false
	old.mu.Unlock()
	old.Disconnect()

	h.coord.Disconnect(ctx, playerID)
	h.router.Unregister(playerID, old)

	logging.Info(ctx, "Evicted older connection for player",
		zap.String("player_id", playerID.String()))
	return true
}

// ClosePlayer closes the socket of one player if it is still attached.
// The cleanup task uses this for ping-timeout expiry.
func (h *Hub) ClosePlayer(playerID types.PlayerID) bool {
	h.mu.Lock()
	client, ok := h.byPlayer[playerID]
	h.mu.Unlock()
	if !ok {
		return false
	}
	client.Disconnect()
	return true
}

// ClientCount reports the number of attached sockets.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Shutdown stops accepting upgrades and closes every socket. Client
// teardown runs through the normal unregister path.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	h.draining = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.Disconnect()
	}
	logging.Info(ctx, "Hub shut down", zap.Int("clients_closed", len(clients)))
}

// supportedEncodings is the server's negotiable game-data format set.
func (h *Hub) supportedEncodings() []protocol.GameDataEncoding {
	supported := []protocol.GameDataEncoding{protocol.EncodingJSON}
	if h.cfg.WebSocket.EnableMessagePack {
		supported = append(supported, protocol.EncodingMessagePack)
	}
	if h.cfg.WebSocket.AdvertiseRkyv {
		supported = append(supported, protocol.EncodingRkyv)
	}
	return supported
}

func (h *Hub) nameRules() protocol.NameRules {
	n := h.cfg.Names
	return protocol.NameRules{
		MaxLength:                   n.MaxPlayerNameLength,
		AllowUnicode:                n.AllowUnicode,
		AllowSpaces:                 n.AllowSpaces,
		AllowSurroundingWhitespace:  n.AllowSurroundingWhitespace,
		AllowedSymbols:              n.AllowedSymbols,
		AdditionalAllowedCharacters: n.AdditionalAllowedCharacters,
	}
}

// capabilitiesFor is the default capability set extended by the platform's
// extras.
func (h *Hub) capabilitiesFor(platform string) []string {
	caps := append([]string(nil), h.cfg.Sdk.DefaultCapabilities...)
	if extra, ok := h.cfg.Sdk.PlatformCapabilities[platform]; ok {
		caps = append(caps, extra...)
	}
	return caps
}

// validateOrigin admits requests whose Origin matches an allowed origin by
// scheme and host. Requests without an Origin header (non-browser clients)
// are admitted.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return err
	}
	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}
	logging.Warn(r.Context(), "Origin not in allowed list", zap.String("origin", origin))
	return errOriginNotAllowed
}

// clientOffersProtocol reports whether the upgrade request advertises the
// given subprotocol.
func clientOffersProtocol(r *http.Request, proto string) bool {
	for _, header := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, part := range strings.Split(header, ",") {
			if strings.TrimSpace(part) == proto {
				return true
			}
		}
	}
	return false
}
