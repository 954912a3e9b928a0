package coordinator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalfish/signal-fish/internal/v1/auth"
	"github.com/signalfish/signal-fish/internal/v1/config"
	"github.com/signalfish/signal-fish/internal/v1/connection"
	"github.com/signalfish/signal-fish/internal/v1/lock"
	"github.com/signalfish/signal-fish/internal/v1/protocol"
	"github.com/signalfish/signal-fish/internal/v1/ratelimit"
	"github.com/signalfish/signal-fish/internal/v1/reconnect"
	"github.com/signalfish/signal-fish/internal/v1/router"
	"github.com/signalfish/signal-fish/internal/v1/store"
	"github.com/signalfish/signal-fish/internal/v1/types"
)

// probe captures everything routed to one client.
type probe struct {
	envelopes []protocol.Envelope
}

func (p *probe) TrySend(pl router.Payload) bool {
	var env protocol.Envelope
	if err := json.Unmarshal(pl.Data, &env); err != nil {
		return false
	}
	p.envelopes = append(p.envelopes, env)
	return true
}

func (p *probe) typesSeen() []string {
	out := make([]string, 0, len(p.envelopes))
	for _, env := range p.envelopes {
		out = append(out, env.Type)
	}
	return out
}

func (p *probe) last(msgType string) (json.RawMessage, bool) {
	for i := len(p.envelopes) - 1; i >= 0; i-- {
		if p.envelopes[i].Type == msgType {
			return p.envelopes[i].Data, true
		}
	}
	return nil, false
}

type fixture struct {
	cfg        *config.Config
	coord      *Coordinator
	store      *store.Store
	router     *router.Router
	conns      *connection.Manager
	reconnects *reconnect.Manager
	app        auth.AppInfo
}

func newFixture(mutate func(*config.Config)) *fixture {
	cfg := config.Default()
	cfg.Rooms.MaxSpectators = 2
	if mutate != nil {
		mutate(cfg)
	}

	st := store.NewStore(cfg.Rooms)
	locks := lock.NewRegistry()
	rt := router.New()
	conns := connection.NewManager(cfg.Limits.MaxConnectionsPerIP)
	reconnects := reconnect.NewManager(
		time.Duration(cfg.Reconnect.WindowSecs)*time.Second,
		cfg.Reconnect.EventBufferSize,
	)
	limiter := ratelimit.NewLimiter(time.Minute)

	return &fixture{
		cfg:        cfg,
		coord:      New(cfg, st, locks, rt, conns, reconnects, limiter),
		store:      st,
		router:     rt,
		conns:      conns,
		reconnects: reconnects,
		app:        auth.AppInfo{RawID: "test-app", Name: "Test App"},
	}
}

// connect registers an authenticated client and binds a probe.
func (f *fixture) connect(t *testing.T) (types.PlayerID, *probe) {
	t.Helper()
	playerID := types.NewPlayerID()
	require.NoError(t, f.conns.Register(connection.ClientInfo{PlayerID: playerID, RemoteIP: "10.0.0.1", App: f.app}))
	p := &probe{}
	f.router.Register(playerID, p)
	return playerID, p
}

func (f *fixture) join(t *testing.T, playerID types.PlayerID, name, code string, maxPlayers int) *protocol.RoomJoined {
	t.Helper()
	msg := &protocol.JoinRoom{GameName: "asteroids", PlayerName: name, MaxPlayers: &maxPlayers}
	if code != "" {
		msg.RoomCode = &code
	}
	joined, err := f.coord.Join(context.Background(), playerID, &f.app, msg)
	require.NoError(t, err)
	return joined
}

func TestJoinCreatesThenJoinsRoom(t *testing.T) {
	f := newFixture(nil)
	p1, probe1 := f.connect(t)
	p2, probe2 := f.connect(t)

	joined1 := f.join(t, p1, "alice", "INT001", 2)
	assert.Equal(t, "INT001", joined1.Room.Code)
	assert.Equal(t, types.LobbyStateWaiting, joined1.Room.LobbyState)
	assert.NotEmpty(t, joined1.ReconnectionToken)

	joined2 := f.join(t, p2, "bob", "INT001", 2)
	assert.Equal(t, joined1.Room.ID, joined2.Room.ID)

	// The first player saw the newcomer and the lobby transition.
	assert.Equal(t, []string{"player_joined", "lobby_state_changed"}, probe1.typesSeen())
	// The joiner sees the lobby state through the join response.
	assert.Equal(t, types.LobbyStateLobby, joined2.Room.LobbyState)
	assert.Empty(t, probe2.envelopes)
}

func TestJoinWithoutCodeGeneratesOne(t *testing.T) {
	f := newFixture(nil)
	p1, _ := f.connect(t)

	joined := f.join(t, p1, "alice", "", 4)
	assert.Len(t, joined.Room.Code, f.cfg.Rooms.CodeLength)
	for _, r := range joined.Room.Code {
		assert.Contains(t, store.CodeAlphabet, string(r))
	}
}

func TestJoinRejections(t *testing.T) {
	f := newFixture(nil)
	p1, _ := f.connect(t)
	p2, _ := f.connect(t)
	p3, _ := f.connect(t)

	f.join(t, p1, "alice", "ROOM01", 2)

	// Duplicate name, case-insensitive.
	_, err := f.coord.Join(context.Background(), p2, &f.app, &protocol.JoinRoom{
		GameName: "asteroids", PlayerName: "ALICE", RoomCode: strPtr("ROOM01"),
	})
	require.Error(t, err)
	assert.Equal(t, protocol.ErrPlayerNameTaken, AsOpError(err).Code)

	f.join(t, p2, "bob", "ROOM01", 2)

	// Room is now full.
	_, err = f.coord.Join(context.Background(), p3, &f.app, &protocol.JoinRoom{
		GameName: "asteroids", PlayerName: "carol", RoomCode: strPtr("ROOM01"),
	})
	require.Error(t, err)
	assert.Equal(t, protocol.ErrRoomFull, AsOpError(err).Code)

	// Already seated players cannot join twice.
	_, err = f.coord.Join(context.Background(), p1, &f.app, &protocol.JoinRoom{
		GameName: "asteroids", PlayerName: "alice2",
	})
	require.Error(t, err)
	assert.Equal(t, protocol.ErrAlreadyInRoom, AsOpError(err).Code)

	// Bad inputs.
	_, err = f.coord.Join(context.Background(), p3, &f.app, &protocol.JoinRoom{GameName: "", PlayerName: "x"})
	assert.Equal(t, protocol.ErrInvalidGameName, AsOpError(err).Code)
	_, err = f.coord.Join(context.Background(), p3, &f.app, &protocol.JoinRoom{GameName: "g", PlayerName: ""})
	assert.Equal(t, protocol.ErrInvalidPlayerName, AsOpError(err).Code)
	_, err = f.coord.Join(context.Background(), p3, &f.app, &protocol.JoinRoom{
		GameName: "g", PlayerName: "x", RoomCode: strPtr("no"),
	})
	assert.Equal(t, protocol.ErrInvalidRoomCode, AsOpError(err).Code)
}

func TestRoomCapPerGame(t *testing.T) {
	f := newFixture(func(cfg *config.Config) { cfg.Rooms.MaxRoomsPerGame = 1 })
	p1, _ := f.connect(t)
	p2, _ := f.connect(t)

	f.join(t, p1, "alice", "", 4)

	_, err := f.coord.Join(context.Background(), p2, &f.app, &protocol.JoinRoom{
		GameName: "asteroids", PlayerName: "bob",
	})
	require.Error(t, err)
	assert.Equal(t, protocol.ErrMaxRoomsPerGameExceeded, AsOpError(err).Code)
}

func TestCreateRateLimit(t *testing.T) {
	f := newFixture(func(cfg *config.Config) { cfg.Limits.RoomCreatesPerMinute = 1 })
	p1, _ := f.connect(t)

	f.join(t, p1, "alice", "", 4)
	_, err := f.coord.Leave(context.Background(), p1)
	require.NoError(t, err)

	_, err = f.coord.Join(context.Background(), p1, &f.app, &protocol.JoinRoom{
		GameName: "asteroids", PlayerName: "alice",
	})
	require.Error(t, err)
	assert.Equal(t, protocol.ErrRateLimitExceeded, AsOpError(err).Code)
}

func TestReadyFlowStartsGame(t *testing.T) {
	f := newFixture(nil)
	p1, probe1 := f.connect(t)
	p2, probe2 := f.connect(t)

	f.join(t, p1, "alice", "RACE01", 2)
	f.join(t, p2, "bob", "RACE01", 2)

	require.NoError(t, f.coord.ProvideConnectionInfo(context.Background(), p1, types.ConnectionInfo{
		Type: types.ConnectionDirect, Host: "192.168.1.10", Port: 7777,
	}))

	require.NoError(t, f.coord.ToggleReady(context.Background(), p1))
	require.NoError(t, f.coord.ToggleReady(context.Background(), p2))

	// Everyone saw the ready updates and the start.
	raw, ok := probe1.last("game_starting")
	require.True(t, ok)
	var starting protocol.GameStarting
	require.NoError(t, json.Unmarshal(raw, &starting))
	require.Len(t, starting.PeerConnections, 2)

	found := false
	for _, peer := range starting.PeerConnections {
		if peer.PlayerID == p1 {
			require.NotNil(t, peer.ConnectionInfo)
			assert.Equal(t, "192.168.1.10", peer.ConnectionInfo.Host)
			found = true
		}
	}
	assert.True(t, found)
	_, ok = probe2.last("game_starting")
	assert.True(t, ok)

	// The start does not finalize the room: it stays in the lobby with
	// the ready set cleared.
	room, exists := f.store.GetRoomByID(mustRoomID(t, f, "RACE01"))
	require.True(t, exists)
	assert.Equal(t, types.LobbyStateLobby, room.LobbyState)
	assert.Empty(t, room.ReadyPlayers)
}

func TestReadyToggleOutsideLobbyFails(t *testing.T) {
	f := newFixture(nil)
	p1, probe1 := f.connect(t)
	f.join(t, p1, "alice", "", 4)

	err := f.coord.ToggleReady(context.Background(), p1)
	require.Error(t, err)
	op := AsOpError(err)
	assert.Equal(t, protocol.ErrInvalidRoomState, op.Code)
	assert.Equal(t, "Room must be in lobby state", op.Message)
	assert.Empty(t, probe1.envelopes)
}

func TestAuthorityFlow(t *testing.T) {
	f := newFixture(nil)
	p1, probe1 := f.connect(t)
	p2, probe2 := f.connect(t)

	code := "AUTH01"
	msg := &protocol.JoinRoom{
		GameName: "asteroids", PlayerName: "alice", RoomCode: &code,
		MaxPlayers: intPtr(4), SupportsAuthority: boolPtr(true),
	}
	joined, err := f.coord.Join(context.Background(), p1, &f.app, msg)
	require.NoError(t, err)
	assert.True(t, joined.IsAuthority)

	f.join(t, p2, "bob", code, 4)

	// Bob cannot take authority while alice holds it.
	resp, err := f.coord.RequestAuthority(context.Background(), p2, true)
	require.NoError(t, err)
	assert.False(t, resp.Granted)
	assert.Equal(t, protocol.ErrAuthorityConflict, resp.ErrorCode)

	// Alice relinquishes; everyone hears it.
	resp, err = f.coord.RequestAuthority(context.Background(), p1, false)
	require.NoError(t, err)
	assert.True(t, resp.Granted)

	// Now bob can take it, and only bob hears you_are_authority.
	resp, err = f.coord.RequestAuthority(context.Background(), p2, true)
	require.NoError(t, err)
	assert.True(t, resp.Granted)

	raw, ok := probe2.last("authority_changed")
	require.True(t, ok)
	var changed protocol.AuthorityChanged
	require.NoError(t, json.Unmarshal(raw, &changed))
	assert.True(t, changed.YouAreAuthority)

	raw, ok = probe1.last("authority_changed")
	require.True(t, ok)
	require.NoError(t, json.Unmarshal(raw, &changed))
	assert.False(t, changed.YouAreAuthority)
	require.NotNil(t, changed.AuthorityPlayer)
	assert.Equal(t, p2, *changed.AuthorityPlayer)
}

func TestLeaveClearsAuthorityAndDemotesLobby(t *testing.T) {
	f := newFixture(nil)
	p1, _ := f.connect(t)
	p2, probe2 := f.connect(t)

	code := "LEAVE1"
	_, err := f.coord.Join(context.Background(), p1, &f.app, &protocol.JoinRoom{
		GameName: "asteroids", PlayerName: "alice", RoomCode: &code,
		MaxPlayers: intPtr(2), SupportsAuthority: boolPtr(true),
	})
	require.NoError(t, err)
	f.join(t, p2, "bob", code, 2)

	left, err := f.coord.Leave(context.Background(), p1)
	require.NoError(t, err)

	seen := probe2.typesSeen()
	assert.Contains(t, seen, "player_left")
	assert.Contains(t, seen, "authority_changed")
	assert.Contains(t, seen, "lobby_state_changed")

	room, ok := f.store.GetRoomByID(left.RoomID)
	require.True(t, ok)
	assert.Equal(t, types.LobbyStateWaiting, room.LobbyState)
	assert.Nil(t, room.AuthorityPlayer)

	_, err = f.coord.Leave(context.Background(), p2)
	require.NoError(t, err)
	_, err = f.coord.Leave(context.Background(), p2)
	assert.Equal(t, protocol.ErrNotInRoom, AsOpError(err).Code)
}

func TestDisconnectAndReconnect(t *testing.T) {
	f := newFixture(nil)
	p1, probe1 := f.connect(t)
	p2, rcpt2 := f.connect(t)

	joined := f.join(t, p1, "alice", "RJOIN1", 3)
	f.join(t, p2, "bob", "RJOIN1", 3)
	token := joined.ReconnectionToken

	// Alice drops.
	f.coord.Disconnect(context.Background(), p1)
	f.router.Unregister(p1, probe1)
	assert.Contains(t, rcpt2.typesSeen(), "player_left")

	// A third player joins while alice is away; the event is buffered.
	p3, _ := f.connect(t)
	f.join(t, p3, "carol", "RJOIN1", 3)

	// Alice returns on a fresh connection. The recipient binds only after
	// the reconnect is accepted, as the session handler does.
	reconnected, err := f.coord.Reconnect(context.Background(), connection.ClientInfo{
		RemoteIP: "10.0.0.1", App: f.app,
	}, &protocol.Reconnect{PlayerID: p1, RoomID: joined.Room.ID, AuthToken: token})
	require.NoError(t, err)
	f.router.Register(p1, &probe{})

	assert.Len(t, reconnected.Room.Players, 3)
	missedTypes := make([]string, 0, len(reconnected.MissedEvents))
	for _, env := range reconnected.MissedEvents {
		missedTypes = append(missedTypes, env.Type)
	}
	assert.Contains(t, missedTypes, "player_joined")

	// Peers heard the return.
	assert.Contains(t, rcpt2.typesSeen(), "player_reconnected")
}

func TestReconnectRejections(t *testing.T) {
	f := newFixture(nil)
	p1, _ := f.connect(t)
	joined := f.join(t, p1, "alice", "RFAIL1", 2)

	// Still connected: duplicate reconnect refused.
	_, err := f.coord.Reconnect(context.Background(), connection.ClientInfo{RemoteIP: "10.0.0.1"},
		&protocol.Reconnect{PlayerID: p1, RoomID: joined.Room.ID, AuthToken: joined.ReconnectionToken})
	require.Error(t, err)

	f.coord.Disconnect(context.Background(), p1)

	_, err = f.coord.Reconnect(context.Background(), connection.ClientInfo{RemoteIP: "10.0.0.1"},
		&protocol.Reconnect{PlayerID: p1, RoomID: joined.Room.ID, AuthToken: "bogus"})
	require.Error(t, err)
	assert.Equal(t, protocol.ErrReconnectionTokenInvalid, AsOpError(err).Code)

	_, err = f.coord.Reconnect(context.Background(), connection.ClientInfo{RemoteIP: "10.0.0.1"},
		&protocol.Reconnect{PlayerID: types.NewPlayerID(), RoomID: joined.Room.ID, AuthToken: "x"})
	require.Error(t, err)
	assert.Equal(t, protocol.ErrReconnectionFailed, AsOpError(err).Code)
}

func TestSpectatorFlow(t *testing.T) {
	f := newFixture(nil)
	p1, probe1 := f.connect(t)
	f.join(t, p1, "alice", "SPEC01", 4)

	s1, _ := f.connect(t)
	joined, err := f.coord.JoinSpectator(context.Background(), s1, &protocol.JoinAsSpectator{
		GameName: "asteroids", RoomCode: "SPEC01", SpectatorName: "watcher",
	})
	require.NoError(t, err)
	assert.Equal(t, s1, joined.SpectatorID)

	// The player heard about the new spectator; occupancy is unchanged.
	assert.Contains(t, probe1.typesSeen(), "new_spectator_joined")
	assert.Len(t, joined.Room.Players, 1)

	// Cap enforcement.
	s2, _ := f.connect(t)
	_, err = f.coord.JoinSpectator(context.Background(), s2, &protocol.JoinAsSpectator{
		GameName: "asteroids", RoomCode: "SPEC01", SpectatorName: "watcher-2",
	})
	require.NoError(t, err)
	s3, _ := f.connect(t)
	_, err = f.coord.JoinSpectator(context.Background(), s3, &protocol.JoinAsSpectator{
		GameName: "asteroids", RoomCode: "SPEC01", SpectatorName: "watcher-3",
	})
	require.Error(t, err)
	assert.Equal(t, protocol.ErrSpectatorLimitReached, AsOpError(err).Code)

	// Leave notifies the room.
	left, err := f.coord.LeaveSpectator(context.Background(), s1)
	require.NoError(t, err)
	assert.Equal(t, protocol.SpectatorLeaveRequested, left.Reason)
	assert.Contains(t, probe1.typesSeen(), "spectator_left")

	_, err = f.coord.LeaveSpectator(context.Background(), s1)
	assert.Equal(t, protocol.ErrSpectatorNotFound, AsOpError(err).Code)
}

func TestReapExpiredRoomsNotifiesMembers(t *testing.T) {
	f := newFixture(func(cfg *config.Config) {
		cfg.Rooms.EmptyTimeoutSecs = 0
		cfg.Rooms.InactiveTimeoutSecs = 0
	})
	p1, probe1 := f.connect(t)
	f.join(t, p1, "alice", "REAP01", 4)

	res := f.coord.ReapExpiredRooms(context.Background())
	require.Len(t, res.Removed, 1)
	assert.Equal(t, 1, res.Inactive)

	assert.Contains(t, probe1.typesSeen(), "error")
	_, inRoom := f.conns.Room(p1)
	assert.False(t, inRoom)
}

func mustRoomID(t *testing.T, f *fixture, code string) types.RoomID {
	t.Helper()
	room, ok := f.store.GetRoom("asteroids", code)
	require.True(t, ok)
	return room.ID
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }
func boolPtr(b bool) *bool    { return &b }
