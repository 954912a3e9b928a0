// Package coordinator orchestrates room operations across the store, the
// lock registry, the message router, and the reconnection manager. Every
// state-changing operation runs under a named lock so racing clients
// serialize instead of corrupting room state.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/signalfish/signal-fish/internal/v1/auth"
	"github.com/signalfish/signal-fish/internal/v1/config"
	"github.com/signalfish/signal-fish/internal/v1/connection"
	"github.com/signalfish/signal-fish/internal/v1/lock"
	"github.com/signalfish/signal-fish/internal/v1/logging"
	"github.com/signalfish/signal-fish/internal/v1/protocol"
	"github.com/signalfish/signal-fish/internal/v1/ratelimit"
	"github.com/signalfish/signal-fish/internal/v1/reconnect"
	"github.com/signalfish/signal-fish/internal/v1/router"
	"github.com/signalfish/signal-fish/internal/v1/store"
	"github.com/signalfish/signal-fish/internal/v1/types"
)

// lockTTL bounds how long a crashed operation can hold a room lock.
const lockTTL = 5 * time.Second

// defaultMaxPlayers applies when join_room carries no max_players.
const defaultMaxPlayers = 4

// OpError is an operation failure with its wire error code.
type OpError struct {
	Code    protocol.ErrorCode
	Message string
}

func (e *OpError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func fail(code protocol.ErrorCode, format string, args ...any) *OpError {
	return &OpError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsOpError unwraps an operation failure, defaulting to INTERNAL_ERROR.
func AsOpError(err error) *OpError {
	var op *OpError
	if errors.As(err, &op) {
		return op
	}
	return &OpError{Code: protocol.ErrInternalError, Message: "internal error"}
}

// Coordinator wires the room subsystems together.
type Coordinator struct {
	cfg        *config.Config
	store      *store.Store
	locks      *lock.Registry
	router     *router.Router
	conns      *connection.Manager
	reconnects *reconnect.Manager
	limiter    *ratelimit.Limiter
	bus        EventPublisher
}

// New assembles a coordinator over the given subsystems. The limiter must
// use a one-minute window; room create and join budgets are per minute.
func New(
	cfg *config.Config,
	st *store.Store,
	locks *lock.Registry,
	rt *router.Router,
	conns *connection.Manager,
	reconnects *reconnect.Manager,
	limiter *ratelimit.Limiter,
) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		store:      st,
		locks:      locks,
		router:     rt,
		conns:      conns,
		reconnects: reconnects,
		limiter:    limiter,
	}
}

// EventPublisher mirrors the bus surface the coordinator needs to fan
// room events out to other instances.
type EventPublisher interface {
	PublishRoomEvent(ctx context.Context, roomID types.RoomID, payload []byte) error
}

// SetBus attaches a cross-instance event bus. Without one, broadcasts
// stay local.
func (c *Coordinator) SetBus(p EventPublisher) {
	c.bus = p
}

// withLock runs fn while holding the named lock, waiting with backoff
// under contention.
func (c *Coordinator) withLock(ctx context.Context, name string, fn func() error) error {
	h, err := c.locks.Acquire(ctx, name, lockTTL)
	if err != nil {
		return fail(protocol.ErrServiceUnavailable, "operation is busy, try again")
	}
	defer c.locks.Release(h)
	return fn()
}

// broadcast fans a message out to a room's connected members and buffers
// it for members inside their reconnection window.
func (c *Coordinator) broadcast(ctx context.Context, roomID types.RoomID, msg protocol.ServerMessage, except *types.PlayerID) {
	payload, err := router.JSONPayload(msg)
	if err != nil {
		logging.Error(ctx, "Failed to encode broadcast", zap.String("type", msg.ServerMessageType()), zap.Error(err))
		return
	}
	c.router.BroadcastToRoomExcept(roomID, except, payload)

	if c.bus != nil {
		// Best effort. Publish failures degrade to local-only delivery.
		_ = c.bus.PublishRoomEvent(ctx, roomID, payload.Data)
	}

	pending := c.reconnects.PendingForRoom(roomID)
	if len(pending) == 0 {
		return
	}
	env, err := protocol.ToEnvelope(msg)
	if err != nil {
		return
	}
	for _, playerID := range pending {
		if except != nil && playerID == *except {
			continue
		}
		c.reconnects.BufferEvent(playerID, env)
	}
}

func (c *Coordinator) nameRules() protocol.NameRules {
	return protocol.NameRules{
		MaxLength:                   c.cfg.Names.MaxPlayerNameLength,
		AllowUnicode:                c.cfg.Names.AllowUnicode,
		AllowSpaces:                 c.cfg.Names.AllowSpaces,
		AllowSurroundingWhitespace:  c.cfg.Names.AllowSurroundingWhitespace,
		AllowedSymbols:              c.cfg.Names.AllowedSymbols,
		AdditionalAllowedCharacters: c.cfg.Names.AdditionalAllowedCharacters,
	}
}

// Join seats a player: joining the room identified by (game, code) when it
// exists, creating it otherwise. A request without a code always creates a
// room with a generated code.
func (c *Coordinator) Join(ctx context.Context, playerID types.PlayerID, app *auth.AppInfo, msg *protocol.JoinRoom) (*protocol.RoomJoined, error) {
	if msg.GameName == "" || len(msg.GameName) > 64 {
		return nil, fail(protocol.ErrInvalidGameName, "game_name must be 1-64 characters")
	}
	if err := protocol.ValidatePlayerName(msg.PlayerName, c.nameRules()); err != nil {
		return nil, fail(protocol.ErrInvalidPlayerName, "%s", err.Error())
	}
	if _, inRoom := c.conns.Room(playerID); inRoom {
		return nil, fail(protocol.ErrAlreadyInRoom, "already in a room")
	}
	if err := c.limiter.Check("room_join:"+playerID.String(), c.cfg.Limits.JoinAttemptsPerMinute); err != nil {
		return nil, fail(protocol.ErrRateLimitExceeded, "too many join attempts")
	}

	code := ""
	if msg.RoomCode != nil {
		normalized, err := store.NormalizeClientCode(*msg.RoomCode)
		if err != nil {
			return nil, fail(protocol.ErrInvalidRoomCode, "%s", err.Error())
		}
		code = normalized
	}

	maxPlayers := defaultMaxPlayers
	if msg.MaxPlayers != nil {
		maxPlayers = *msg.MaxPlayers
	}
	limit := c.cfg.Rooms.MaxPlayersLimit
	if app.MaxPlayersPerRoom > 0 && app.MaxPlayersPerRoom < limit {
		limit = app.MaxPlayersPerRoom
	}
	if maxPlayers < 2 || maxPlayers > limit {
		return nil, fail(protocol.ErrInvalidInput, "max_players must be between 2 and %d", limit)
	}

	var joined *protocol.RoomJoined
	op := func() error {
		if code != "" {
			if room, ok := c.store.GetRoom(msg.GameName, code); ok {
				result, err := c.joinExisting(ctx, playerID, room, msg.PlayerName)
				joined = result
				return err
			}
		}
		result, err := c.createRoom(ctx, playerID, app, msg, code, maxPlayers)
		joined = result
		return err
	}

	var err error
	if code != "" {
		err = c.withLock(ctx, fmt.Sprintf("room_join:%s:%s", msg.GameName, code), op)
	} else {
		err = op()
	}
	if err != nil {
		return nil, err
	}
	return joined, nil
}

func (c *Coordinator) joinExisting(ctx context.Context, playerID types.PlayerID, room types.RoomSnapshot, playerName string) (*protocol.RoomJoined, error) {
	if room.LobbyState == types.LobbyStateFinalized {
		return nil, fail(protocol.ErrInvalidRoomState, "game already started")
	}
	if c.store.PlayerNameTaken(room.ID, playerName) {
		return nil, fail(protocol.ErrPlayerNameTaken, "player name %q is taken", playerName)
	}

	snap, err := c.store.AddPlayer(room.ID, types.PlayerInfo{ID: playerID, DisplayName: playerName})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrRoomFull):
			return nil, fail(protocol.ErrRoomFull, "room is full")
		case errors.Is(err, store.ErrRoomNotFound):
			return nil, fail(protocol.ErrRoomNotFound, "room no longer exists")
		default:
			return nil, err
		}
	}

	return c.seat(ctx, playerID, snap, playerName, false)
}

func (c *Coordinator) createRoom(ctx context.Context, playerID types.PlayerID, app *auth.AppInfo, msg *protocol.JoinRoom, code string, maxPlayers int) (*protocol.RoomJoined, error) {
	if err := c.limiter.Check("room_create:"+playerID.String(), c.cfg.Limits.RoomCreatesPerMinute); err != nil {
		return nil, fail(protocol.ErrRateLimitExceeded, "too many rooms created")
	}

	roomCap := c.cfg.Rooms.MaxRoomsPerGame
	if app.MaxRooms > 0 && app.MaxRooms < roomCap {
		roomCap = app.MaxRooms
	}

	supportsAuthority := false
	if msg.SupportsAuthority != nil {
		supportsAuthority = *msg.SupportsAuthority
	}
	relayType := ""
	if msg.RelayTransport != nil {
		relayType = *msg.RelayTransport
	}

	var snap types.RoomSnapshot
	err := c.withLock(ctx, "game_room_cap:"+msg.GameName, func() error {
		if c.store.RoomCountForGame(msg.GameName) >= roomCap {
			return fail(protocol.ErrMaxRoomsPerGameExceeded, "room limit reached for %s", msg.GameName)
		}
		created, err := c.store.CreateRoom(store.CreateParams{
			GameName:          msg.GameName,
			Code:              code,
			MaxPlayers:        maxPlayers,
			SupportsAuthority: supportsAuthority,
			RelayType:         relayType,
			Creator:           types.PlayerInfo{ID: playerID, DisplayName: msg.PlayerName},
		})
		if err != nil {
			if errors.Is(err, store.ErrRoomCodeTaken) {
				return fail(protocol.ErrInvalidRoomCode, "room code already in use")
			}
			return err
		}
		snap = created
		return nil
	})
	if err != nil {
		return nil, err
	}

	return c.seat(ctx, playerID, snap, msg.PlayerName, true)
}

// seat finishes a successful join: routing, connection bookkeeping, the
// reconnection token, peer notification, and the lobby transition when
// the room just filled up.
func (c *Coordinator) seat(ctx context.Context, playerID types.PlayerID, snap types.RoomSnapshot, playerName string, created bool) (*protocol.RoomJoined, error) {
	c.router.JoinRoom(playerID, snap.ID)
	if err := c.conns.AssignRoom(playerID, snap.ID, playerName, false); err != nil {
		logging.Warn(ctx, "Seated player has no connection record", zap.String("player_id", playerID.String()))
	}
	token := ""
	if c.cfg.Reconnect.Enabled {
		token = c.reconnects.IssueToken(playerID, snap.ID)
	}

	isAuthority := snap.AuthorityPlayer != nil && *snap.AuthorityPlayer == playerID
	if !created {
		var self types.PlayerInfo
		for _, p := range snap.Players {
			if p.ID == playerID {
				self = p
				break
			}
		}
		c.broadcast(ctx, snap.ID, &protocol.PlayerJoined{Player: self}, &playerID)

		if len(snap.Players) >= snap.MaxPlayers {
			moved, err := c.store.TransitionToLobby(snap.ID)
			if err == nil && moved {
				c.broadcast(ctx, snap.ID, &protocol.LobbyStateChanged{
					LobbyState:   types.LobbyStateLobby,
					ReadyPlayers: []types.PlayerID{},
				}, nil)
				if updated, ok := c.store.GetRoomByID(snap.ID); ok {
					snap = updated
				}
			}
		}
	}

	logging.Info(ctx, "Player joined room",
		zap.String("room_id", snap.ID.String()),
		zap.String("room_code", snap.Code),
		zap.String("game", snap.GameName),
		zap.Bool("created", created))

	return &protocol.RoomJoined{
		Room:              snap,
		PlayerID:          playerID,
		IsAuthority:       isAuthority,
		ReconnectionToken: token,
	}, nil
}

// Leave unseats a player on their own request.
func (c *Coordinator) Leave(ctx context.Context, playerID types.PlayerID) (*protocol.RoomLeft, error) {
	roomID, ok := c.conns.Room(playerID)
	if !ok {
		return nil, fail(protocol.ErrNotInRoom, "not in a room")
	}

	if err := c.removeFromRoom(ctx, playerID, roomID); err != nil {
		return nil, err
	}
	c.reconnects.ClearToken(playerID)
	return &protocol.RoomLeft{RoomID: roomID}, nil
}

// removeFromRoom is the shared teardown for voluntary leaves and expired
// reconnection windows.
func (c *Coordinator) removeFromRoom(ctx context.Context, playerID types.PlayerID, roomID types.RoomID) error {
	res, err := c.store.RemovePlayer(roomID, playerID)
	if err != nil {
		c.router.LeaveRoom(playerID)
		c.conns.ClearRoom(playerID)
		if errors.Is(err, store.ErrPlayerNotInRoom) || errors.Is(err, store.ErrRoomNotFound) {
			return fail(protocol.ErrNotInRoom, "not in a room")
		}
		return err
	}

	c.router.LeaveRoom(playerID)
	c.conns.ClearRoom(playerID)

	c.broadcast(ctx, roomID, &protocol.PlayerLeft{PlayerID: playerID}, nil)
	if res.WasAuthority {
		// Nobody inherits authority; peers renegotiate explicitly.
		c.broadcast(ctx, roomID, &protocol.AuthorityChanged{}, nil)
	}
	c.demoteIfNotFull(ctx, roomID)
	return nil
}

// demoteIfNotFull drops a lobby back to waiting after a seat opened up.
func (c *Coordinator) demoteIfNotFull(ctx context.Context, roomID types.RoomID) {
	moved, err := c.store.TransitionToWaiting(roomID)
	if err != nil || !moved {
		return
	}
	c.broadcast(ctx, roomID, &protocol.LobbyStateChanged{
		LobbyState:   types.LobbyStateWaiting,
		ReadyPlayers: []types.PlayerID{},
	}, nil)
}

// Disconnect handles an unexpected connection loss. With reconnection
// enabled the window opens before the player leaves the room, so no event
// between the two is lost.
func (c *Coordinator) Disconnect(ctx context.Context, playerID types.PlayerID) {
	info, ok := c.conns.Get(playerID)
	if ok && info.RoomID != nil {
		roomID := *info.RoomID
		if info.IsSpectator {
			if _, err := c.store.RemoveSpectator(roomID, playerID); err == nil {
				c.broadcast(ctx, roomID, &protocol.SpectatorDisconnected{SpectatorID: playerID}, nil)
			}
			c.router.LeaveRoom(playerID)
		} else {
			if c.cfg.Reconnect.Enabled {
				if snap, found := c.store.GetRoomByID(roomID); found {
					for _, p := range snap.Players {
						if p.ID == playerID {
							c.reconnects.RegisterDisconnection(playerID, roomID, p)
							break
						}
					}
				}
			}
			_ = c.removeFromRoom(ctx, playerID, roomID)
		}
	}
	c.conns.Remove(playerID)
}

// TouchRoomActivity bumps the player's room last-activity timestamp. The
// session layer calls it on coarsened ping presence updates.
func (c *Coordinator) TouchRoomActivity(playerID types.PlayerID) {
	if roomID, ok := c.conns.Room(playerID); ok {
		c.store.TouchActivity(roomID)
	}
}

// VerifyReconnectToken reports whether the token matches the one issued
// to the player at join time. The session layer uses it to authenticate a
// takeover before evicting a still-connected socket.
func (c *Coordinator) VerifyReconnectToken(playerID types.PlayerID, roomID types.RoomID, token string) bool {
	return c.reconnects.VerifyIssuedToken(playerID, roomID, token)
}

// Reconnect validates a returning player's token and reseats them,
// replaying the events they missed.
func (c *Coordinator) Reconnect(ctx context.Context, info connection.ClientInfo, msg *protocol.Reconnect) (*protocol.Reconnected, error) {
	if !c.cfg.Reconnect.Enabled {
		return nil, fail(protocol.ErrReconnectionFailed, "reconnection is disabled")
	}

	if err := c.reconnects.ValidateReconnection(msg.PlayerID, msg.RoomID, msg.AuthToken); err != nil {
		switch {
		case errors.Is(err, reconnect.ErrWindowExpired):
			return nil, fail(protocol.ErrReconnectionExpired, "reconnection window expired")
		case errors.Is(err, reconnect.ErrTokenInvalid):
			return nil, fail(protocol.ErrReconnectionTokenInvalid, "reconnection token invalid")
		default:
			return nil, fail(protocol.ErrReconnectionFailed, "no pending reconnection")
		}
	}
	if c.router.IsConnected(msg.PlayerID) {
		return nil, fail(protocol.ErrPlayerAlreadyConnected, "player is already connected")
	}
	if _, ok := c.store.GetRoomByID(msg.RoomID); !ok {
		c.reconnects.Abandon(msg.PlayerID)
		return nil, fail(protocol.ErrRoomNotFound, "room no longer exists")
	}

	player, events, ok := c.reconnects.CompleteReconnection(msg.PlayerID)
	if !ok {
		return nil, fail(protocol.ErrReconnectionFailed, "no pending reconnection")
	}

	snap, err := c.store.AddPlayer(msg.RoomID, player)
	if err != nil {
		if errors.Is(err, store.ErrRoomFull) {
			return nil, fail(protocol.ErrReconnectionFailed, "room filled up while away")
		}
		return nil, fail(protocol.ErrReconnectionFailed, "could not rejoin room")
	}

	if err := c.conns.Reassign(msg.PlayerID, info); err != nil {
		_, _ = c.store.RemovePlayer(msg.RoomID, msg.PlayerID)
		return nil, fail(protocol.ErrTooManyConnections, "too many connections from this address")
	}
	c.conns.AssignRoom(msg.PlayerID, msg.RoomID, player.DisplayName, false)
	c.router.JoinRoom(msg.PlayerID, msg.RoomID)

	c.broadcast(ctx, msg.RoomID, &protocol.PlayerReconnected{PlayerID: msg.PlayerID}, &msg.PlayerID)

	logging.Info(ctx, "Player reconnected",
		zap.String("room_id", msg.RoomID.String()),
		zap.Int("missed_events", len(events)))

	if events == nil {
		events = []protocol.Envelope{}
	}
	return &protocol.Reconnected{Room: snap, MissedEvents: events}, nil
}

// ToggleReady flips the player's ready flag under the room's ready-state
// lock. When the toggle makes everyone ready the room broadcasts the peer
// connection plan and clears the ready set.
func (c *Coordinator) ToggleReady(ctx context.Context, playerID types.PlayerID) error {
	roomID, ok := c.conns.Room(playerID)
	if !ok {
		return fail(protocol.ErrNotInRoom, "not in a room")
	}

	return c.withLock(ctx, "room_ready_state:"+roomID.String(), func() error {
		res, err := c.store.TogglePlayerReady(roomID, playerID)
		if err != nil {
			switch {
			case errors.Is(err, store.ErrPlayerNotInRoom), errors.Is(err, store.ErrRoomNotFound):
				return fail(protocol.ErrNotInRoom, "not in a room")
			case errors.Is(err, store.ErrInvalidRoomState):
				return fail(protocol.ErrInvalidRoomState, "Room must be in lobby state")
			default:
				return err
			}
		}

		ready := res.ReadyPlayers
		if ready == nil {
			ready = []types.PlayerID{}
		}
		c.broadcast(ctx, roomID, &protocol.LobbyStateChanged{
			LobbyState:   res.LobbyState,
			ReadyPlayers: ready,
			AllReady:     res.AllReady,
		}, nil)

		if res.AllReady {
			c.startGame(ctx, roomID)
		}
		return nil
	})
}

// startGame broadcasts the peer connection plan and resets the ready set.
// The room stays in the lobby phase; finalization is a separate transition
// driven by the authority or a timeout, not by the last ready toggle.
func (c *Coordinator) startGame(ctx context.Context, roomID types.RoomID) {
	snap, ok := c.store.GetRoomByID(roomID)
	if !ok {
		return
	}
	peers := make([]protocol.PeerConnection, 0, len(snap.Players))
	for _, p := range snap.Players {
		peers = append(peers, protocol.PeerConnection{
			PlayerID:       p.ID,
			DisplayName:    p.DisplayName,
			IsAuthority:    p.IsAuthority,
			ConnectionInfo: p.ConnectionInfo,
		})
	}
	c.broadcast(ctx, roomID, &protocol.GameStarting{PeerConnections: peers}, nil)

	if err := c.store.ClearReady(roomID); err != nil {
		logging.Warn(ctx, "Could not reset ready set", zap.String("room_id", roomID.String()), zap.Error(err))
		return
	}
	logging.Info(ctx, "Game starting", zap.String("room_id", roomID.String()), zap.Int("players", len(peers)))
}

// RequestAuthority grants or relinquishes authority under the room's
// authority lock. On a change every member gets an AuthorityChanged
// customized with their own standing.
func (c *Coordinator) RequestAuthority(ctx context.Context, playerID types.PlayerID, become bool) (*protocol.AuthorityResponse, error) {
	roomID, ok := c.conns.Room(playerID)
	if !ok {
		return nil, fail(protocol.ErrNotInRoom, "not in a room")
	}

	var response *protocol.AuthorityResponse
	err := c.withLock(ctx, "room_authority:"+roomID.String(), func() error {
		res, err := c.store.RequestAuthority(roomID, playerID, become)
		if err != nil {
			switch {
			case errors.Is(err, store.ErrAuthorityNotSupported):
				response = &protocol.AuthorityResponse{ErrorCode: protocol.ErrAuthorityNotSupported}
			case errors.Is(err, store.ErrAuthorityConflict):
				response = &protocol.AuthorityResponse{ErrorCode: protocol.ErrAuthorityConflict}
			case errors.Is(err, store.ErrNotAuthority):
				response = &protocol.AuthorityResponse{ErrorCode: protocol.ErrAuthorityDenied}
			case errors.Is(err, store.ErrPlayerNotInRoom), errors.Is(err, store.ErrRoomNotFound):
				return fail(protocol.ErrNotInRoom, "not in a room")
			default:
				return err
			}
			return nil
		}

		response = &protocol.AuthorityResponse{Granted: true}
		c.notifyAuthorityChanged(roomID, res.AuthorityPlayer)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return response, nil
}

// notifyAuthorityChanged sends each member an AuthorityChanged with
// you_are_authority set only for the holder.
func (c *Coordinator) notifyAuthorityChanged(roomID types.RoomID, holder *types.PlayerID) {
	for _, memberID := range c.router.RoomMembers(roomID) {
		msg := &protocol.AuthorityChanged{
			AuthorityPlayer: holder,
			YouAreAuthority: holder != nil && memberID == *holder,
		}
		payload, err := router.JSONPayload(msg)
		if err != nil {
			continue
		}
		c.router.SendToPlayer(memberID, payload)
	}
	// Players inside a reconnection window see the neutral form.
	if pending := c.reconnects.PendingForRoom(roomID); len(pending) > 0 {
		env, err := protocol.ToEnvelope(&protocol.AuthorityChanged{AuthorityPlayer: holder})
		if err == nil {
			for _, playerID := range pending {
				c.reconnects.BufferEvent(playerID, env)
			}
		}
	}
}

// ProvideConnectionInfo stores the transport details a player advertises
// for the upcoming P2P session.
func (c *Coordinator) ProvideConnectionInfo(ctx context.Context, playerID types.PlayerID, info types.ConnectionInfo) error {
	roomID, ok := c.conns.Room(playerID)
	if !ok {
		return fail(protocol.ErrNotInRoom, "not in a room")
	}
	if err := c.store.SetPlayerConnectionInfo(roomID, playerID, &info); err != nil {
		return fail(protocol.ErrNotInRoom, "not in a room")
	}
	return nil
}

// JoinSpectator seats an observer in an existing room.
func (c *Coordinator) JoinSpectator(ctx context.Context, playerID types.PlayerID, msg *protocol.JoinAsSpectator) (*protocol.SpectatorJoined, error) {
	if c.cfg.Rooms.MaxSpectators <= 0 {
		return nil, fail(protocol.ErrSpectatorsNotAllowed, "spectators are disabled")
	}
	if err := protocol.ValidatePlayerName(msg.SpectatorName, c.nameRules()); err != nil {
		return nil, fail(protocol.ErrInvalidPlayerName, "%s", err.Error())
	}
	if _, inRoom := c.conns.Room(playerID); inRoom {
		return nil, fail(protocol.ErrAlreadyInRoom, "already in a room")
	}

	code, err := store.NormalizeClientCode(msg.RoomCode)
	if err != nil {
		return nil, fail(protocol.ErrInvalidRoomCode, "%s", err.Error())
	}
	room, ok := c.store.GetRoom(msg.GameName, code)
	if !ok {
		return nil, fail(protocol.ErrRoomNotFound, "room not found")
	}

	spec := types.SpectatorInfo{ID: playerID, DisplayName: msg.SpectatorName}
	snap, err := c.store.AddSpectator(room.ID, spec)
	if err != nil {
		if errors.Is(err, store.ErrSpectatorLimitReached) {
			return nil, fail(protocol.ErrSpectatorLimitReached, "spectator limit reached")
		}
		return nil, fail(protocol.ErrRoomNotFound, "room not found")
	}

	c.router.JoinRoom(playerID, room.ID)
	c.conns.AssignRoom(playerID, room.ID, msg.SpectatorName, true)
	c.broadcast(ctx, room.ID, &protocol.NewSpectatorJoined{Spectator: spec}, &playerID)

	return &protocol.SpectatorJoined{Room: snap, SpectatorID: playerID}, nil
}

// LeaveSpectator unseats an observer on their own request.
func (c *Coordinator) LeaveSpectator(ctx context.Context, playerID types.PlayerID) (*protocol.SpectatorLeft, error) {
	info, ok := c.conns.Get(playerID)
	if !ok || info.RoomID == nil || !info.IsSpectator {
		return nil, fail(protocol.ErrSpectatorNotFound, "not spectating")
	}
	roomID := *info.RoomID

	if _, err := c.store.RemoveSpectator(roomID, playerID); err != nil {
		c.router.LeaveRoom(playerID)
		c.conns.ClearRoom(playerID)
		return nil, fail(protocol.ErrSpectatorNotFound, "not spectating")
	}
	c.router.LeaveRoom(playerID)
	c.conns.ClearRoom(playerID)

	departed := &protocol.SpectatorLeft{SpectatorID: playerID, Reason: protocol.SpectatorLeaveRequested}
	c.broadcast(ctx, roomID, departed, &playerID)
	return departed, nil
}

// ReapExpiredRooms runs one room-cleanup pass: claim, remove, notify.
func (c *Coordinator) ReapExpiredRooms(ctx context.Context) store.CleanupResult {
	emptyTimeout := time.Duration(c.cfg.Rooms.EmptyTimeoutSecs) * time.Second
	inactiveTimeout := time.Duration(c.cfg.Rooms.InactiveTimeoutSecs) * time.Second

	res := c.store.CleanupExpiredRooms(emptyTimeout, inactiveTimeout)
	for _, removed := range res.Removed {
		kind := "inactive"
		if removed.WasEmpty {
			kind = "empty"
		}
		if !c.store.TryClaimRoomCleanup(removed.ID, kind) {
			continue
		}

		closed, _ := router.JSONPayload(&protocol.ErrorMessage{
			Message:   "room closed",
			ErrorCode: protocol.ErrRoomNotFound,
		})
		for _, playerID := range removed.Players {
			c.router.SendToPlayer(playerID, closed)
			c.router.LeaveRoom(playerID)
			c.conns.ClearRoom(playerID)
			c.reconnects.ClearToken(playerID)
		}
		spectatorGone, _ := router.JSONPayload(&protocol.SpectatorLeft{Reason: protocol.SpectatorLeaveRoomClosed})
		for _, spectatorID := range removed.Spectators {
			c.router.SendToPlayer(spectatorID, spectatorGone)
			c.router.LeaveRoom(spectatorID)
			c.conns.ClearRoom(spectatorID)
		}
		// Players still inside a reconnection window have nothing to come
		// back to.
		for _, playerID := range c.reconnects.PendingForRoom(removed.ID) {
			c.reconnects.Abandon(playerID)
		}

		logging.Info(ctx, "Reaped expired room",
			zap.String("room_id", removed.ID.String()),
			zap.String("room_code", removed.Code),
			zap.String("reason", kind))
	}
	return res
}

// ReapExpiredReconnections finishes the teardown of players whose
// reconnection windows closed without a return.
func (c *Coordinator) ReapExpiredReconnections(ctx context.Context) int {
	expired := c.reconnects.CleanupExpired()
	for playerID, roomID := range expired {
		// The seat was already released at disconnect time; just make sure
		// nothing lingers.
		c.router.LeaveRoom(playerID)
		c.conns.ClearRoom(playerID)
		logging.Debug(ctx, "Reconnection window expired",
			zap.String("player_id", playerID.String()),
			zap.String("room_id", roomID.String()))
	}
	return len(expired)
}
