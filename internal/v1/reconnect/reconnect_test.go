package reconnect

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalfish/signal-fish/internal/v1/protocol"
	"github.com/signalfish/signal-fish/internal/v1/types"
)

func event(i int) protocol.Envelope {
	return protocol.Envelope{
		Type: "player_joined",
		Data: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
	}
}

func TestReconnectionRoundTrip(t *testing.T) {
	m := NewManager(time.Minute, 8)
	playerID := types.NewPlayerID()
	roomID := types.NewRoomID()

	token := m.RegisterDisconnection(playerID, roomID, types.PlayerInfo{ID: playerID, DisplayName: "alice"})
	require.NotEmpty(t, token)
	assert.True(t, m.HasPending(playerID))

	require.True(t, m.BufferEvent(playerID, event(1)))
	require.True(t, m.BufferEvent(playerID, event(2)))

	require.NoError(t, m.ValidateReconnection(playerID, roomID, token))

	restored, events, ok := m.CompleteReconnection(playerID)
	require.True(t, ok)
	assert.Equal(t, "alice", restored.DisplayName)
	require.Len(t, events, 2)
	assert.JSONEq(t, `{"n":1}`, string(events[0].Data))
	assert.JSONEq(t, `{"n":2}`, string(events[1].Data))

	// The record is consumed.
	assert.False(t, m.HasPending(playerID))
	_, _, ok = m.CompleteReconnection(playerID)
	assert.False(t, ok)
}

func TestValidateReconnectionRejections(t *testing.T) {
	m := NewManager(time.Minute, 8)
	playerID := types.NewPlayerID()
	roomID := types.NewRoomID()
	token := m.RegisterDisconnection(playerID, roomID, types.PlayerInfo{ID: playerID, DisplayName: "alice"})

	assert.ErrorIs(t, m.ValidateReconnection(types.NewPlayerID(), roomID, token), ErrUnknownPlayer)
	assert.ErrorIs(t, m.ValidateReconnection(playerID, types.NewRoomID(), token), ErrTokenInvalid)
	assert.ErrorIs(t, m.ValidateReconnection(playerID, roomID, "wrong-token"), ErrTokenInvalid)
}

func TestWindowExpiry(t *testing.T) {
	now := time.Now()
	m := NewManager(time.Minute, 8)
	m.now = func() time.Time { return now }

	playerID := types.NewPlayerID()
	roomID := types.NewRoomID()
	token := m.RegisterDisconnection(playerID, roomID, types.PlayerInfo{ID: playerID, DisplayName: "alice"})

	now = now.Add(2 * time.Minute)
	assert.ErrorIs(t, m.ValidateReconnection(playerID, roomID, token), ErrWindowExpired)
	assert.False(t, m.BufferEvent(playerID, event(1)))
	assert.False(t, m.HasPending(playerID))

	_, _, ok := m.CompleteReconnection(playerID)
	assert.False(t, ok)
}

func TestSecondDisconnectionReplacesRecord(t *testing.T) {
	m := NewManager(time.Minute, 8)
	playerID := types.NewPlayerID()
	roomID := types.NewRoomID()

	first := m.RegisterDisconnection(playerID, roomID, types.PlayerInfo{ID: playerID, DisplayName: "alice"})
	require.True(t, m.BufferEvent(playerID, event(1)))

	// Same room keeps the same token, but the buffer starts over.
	second := m.RegisterDisconnection(playerID, roomID, types.PlayerInfo{ID: playerID, DisplayName: "alice"})
	assert.Equal(t, first, second)

	restored, events, ok := m.CompleteReconnection(playerID)
	require.True(t, ok)
	assert.Equal(t, playerID, restored.ID)
	assert.Empty(t, events)
}

func TestIssueTokenIsStablePerSeat(t *testing.T) {
	m := NewManager(time.Minute, 8)
	playerID := types.NewPlayerID()
	roomID := types.NewRoomID()

	token := m.IssueToken(playerID, roomID)
	assert.Equal(t, token, m.IssueToken(playerID, roomID))

	// The disconnect path hands out the issued token.
	assert.Equal(t, token, m.RegisterDisconnection(playerID, roomID, types.PlayerInfo{ID: playerID, DisplayName: "alice"}))
	require.NoError(t, m.ValidateReconnection(playerID, roomID, token))

	// A new seat gets a new token.
	otherRoom := types.NewRoomID()
	assert.NotEqual(t, token, m.IssueToken(playerID, otherRoom))

	m.ClearToken(playerID)
	assert.NotEqual(t, token, m.IssueToken(playerID, roomID))
}

func TestEventRingDropsOldest(t *testing.T) {
	m := NewManager(time.Minute, 3)
	playerID := types.NewPlayerID()
	m.RegisterDisconnection(playerID, types.NewRoomID(), types.PlayerInfo{ID: playerID})

	for i := 1; i <= 5; i++ {
		require.True(t, m.BufferEvent(playerID, event(i)))
	}

	_, events, ok := m.CompleteReconnection(playerID)
	require.True(t, ok)
	require.Len(t, events, 3)
	assert.JSONEq(t, `{"n":3}`, string(events[0].Data))
	assert.JSONEq(t, `{"n":5}`, string(events[2].Data))
}

func TestCleanupExpired(t *testing.T) {
	now := time.Now()
	m := NewManager(time.Minute, 8)
	m.now = func() time.Time { return now }

	expired := types.NewPlayerID()
	expiredRoom := types.NewRoomID()
	m.RegisterDisconnection(expired, expiredRoom, types.PlayerInfo{ID: expired})

	now = now.Add(30 * time.Second)
	alive := types.NewPlayerID()
	m.RegisterDisconnection(alive, types.NewRoomID(), types.PlayerInfo{ID: alive})

	now = now.Add(45 * time.Second)
	reaped := m.CleanupExpired()
	require.Len(t, reaped, 1)
	assert.Equal(t, expiredRoom, reaped[expired])
	assert.Equal(t, 1, m.PendingCount())
}

func TestPendingForRoom(t *testing.T) {
	m := NewManager(time.Minute, 8)
	roomID := types.NewRoomID()

	inRoom := types.NewPlayerID()
	m.RegisterDisconnection(inRoom, roomID, types.PlayerInfo{ID: inRoom})
	elsewhere := types.NewPlayerID()
	m.RegisterDisconnection(elsewhere, types.NewRoomID(), types.PlayerInfo{ID: elsewhere})

	pending := m.PendingForRoom(roomID)
	require.Len(t, pending, 1)
	assert.Equal(t, inRoom, pending[0])
}

func TestReplayOnlyCoversEventsAfterDisconnect(t *testing.T) {
	m := NewManager(time.Minute, 8)
	roomID := types.NewRoomID()
	first := types.NewPlayerID()
	second := types.NewPlayerID()

	m.RegisterDisconnection(first, roomID, types.PlayerInfo{ID: first})
	require.True(t, m.BufferEvent(first, event(1)))

	// The second window opens after event 1; its sequence floor excludes it.
	m.RegisterDisconnection(second, roomID, types.PlayerInfo{ID: second})
	require.True(t, m.BufferEvent(first, event(2)))
	require.True(t, m.BufferEvent(second, event(2)))

	_, events, ok := m.CompleteReconnection(first)
	require.True(t, ok)
	assert.Len(t, events, 2)

	_, events, ok = m.CompleteReconnection(second)
	require.True(t, ok)
	assert.Len(t, events, 1)
	assert.Equal(t, event(2).Data, events[0].Data)
}

func TestAbandon(t *testing.T) {
	m := NewManager(time.Minute, 8)
	playerID := types.NewPlayerID()
	m.RegisterDisconnection(playerID, types.NewRoomID(), types.PlayerInfo{ID: playerID})

	m.Abandon(playerID)
	assert.False(t, m.HasPending(playerID))
}
