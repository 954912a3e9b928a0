package connection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalfish/signal-fish/internal/v1/types"
)

func clientFromIP(ip string) ClientInfo {
	return ClientInfo{PlayerID: types.NewPlayerID(), RemoteIP: ip}
}

func TestRegisterEnforcesPerIPCap(t *testing.T) {
	m := NewManager(2)

	require.NoError(t, m.Register(clientFromIP("10.0.0.1")))
	second := clientFromIP("10.0.0.1")
	require.NoError(t, m.Register(second))

	err := m.Register(clientFromIP("10.0.0.1"))
	assert.ErrorIs(t, err, ErrTooManyConnections)

	// Other addresses are unaffected.
	require.NoError(t, m.Register(clientFromIP("10.0.0.2")))
	assert.Equal(t, 2, m.CountForIP("10.0.0.1"))

	// Removing one frees a slot.
	require.True(t, m.Remove(second.PlayerID))
	assert.NoError(t, m.Register(clientFromIP("10.0.0.1")))
}

func TestRoomAssignment(t *testing.T) {
	m := NewManager(8)
	c := clientFromIP("10.0.0.1")
	require.NoError(t, m.Register(c))

	_, ok := m.Room(c.PlayerID)
	assert.False(t, ok)

	roomID := types.NewRoomID()
	require.NoError(t, m.AssignRoom(c.PlayerID, roomID, "alice", false))

	got, ok := m.Room(c.PlayerID)
	require.True(t, ok)
	assert.Equal(t, roomID, got)

	info, ok := m.Get(c.PlayerID)
	require.True(t, ok)
	assert.Equal(t, "alice", info.DisplayName)

	m.ClearRoom(c.PlayerID)
	_, ok = m.Room(c.PlayerID)
	assert.False(t, ok)

	assert.ErrorIs(t, m.AssignRoom(types.NewPlayerID(), roomID, "x", false), ErrUnknownClient)
}

func TestRecordPingRefreshesLastSeen(t *testing.T) {
	now := time.Now()
	m := NewManager(8)
	m.now = func() time.Time { return now }

	c := clientFromIP("10.0.0.1")
	require.NoError(t, m.Register(c))
	registered, _ := m.Get(c.PlayerID)

	// Every ping moves the timeout clock, even inside the presence
	// threshold; only the presence flag is coarsened.
	now = now.Add(10 * time.Second)
	assert.False(t, m.RecordPing(c.PlayerID))
	info, _ := m.Get(c.PlayerID)
	assert.True(t, info.LastSeen.After(registered.LastSeen))

	now = now.Add(25 * time.Second)
	assert.True(t, m.RecordPing(c.PlayerID))
	info, _ = m.Get(c.PlayerID)
	assert.Equal(t, now, info.LastSeen)

	// The flag re-arms only after another full threshold.
	now = now.Add(time.Second)
	assert.False(t, m.RecordPing(c.PlayerID))

	assert.False(t, m.RecordPing(types.NewPlayerID()))
}

func TestActivePingerNeverExpires(t *testing.T) {
	now := time.Now()
	m := NewManager(8)
	m.now = func() time.Time { return now }

	c := clientFromIP("10.0.0.1")
	require.NoError(t, m.Register(c))

	// A 10s ping cadence against a 15s timeout: the client must survive
	// every sweep no matter how the 30s presence coarsening falls.
	for i := 0; i < 12; i++ {
		now = now.Add(10 * time.Second)
		m.RecordPing(c.PlayerID)
		assert.Empty(t, m.CollectExpired(15*time.Second))
	}
}

func TestCollectExpired(t *testing.T) {
	now := time.Now()
	m := NewManager(8)
	m.now = func() time.Time { return now }

	stale := clientFromIP("10.0.0.1")
	require.NoError(t, m.Register(stale))

	now = now.Add(45 * time.Second)
	fresh := clientFromIP("10.0.0.2")
	require.NoError(t, m.Register(fresh))

	now = now.Add(30 * time.Second)
	expired := m.CollectExpired(time.Minute)
	require.Len(t, expired, 1)
	assert.Equal(t, stale.PlayerID, expired[0].PlayerID)

	// Collection does not remove; the disconnect path does.
	assert.Equal(t, 2, m.Count())
}

func TestReassignNetsOutIPAccounting(t *testing.T) {
	m := NewManager(1)
	c := clientFromIP("10.0.0.1")
	require.NoError(t, m.Register(c))

	// Same player reconnecting from the same address must not trip the
	// cap: the old slot is released in the same critical section.
	require.NoError(t, m.Reassign(c.PlayerID, ClientInfo{RemoteIP: "10.0.0.1"}))
	assert.Equal(t, 1, m.CountForIP("10.0.0.1"))
	assert.Equal(t, 1, m.Count())

	// Reconnect from a new address moves the slot.
	require.NoError(t, m.Reassign(c.PlayerID, ClientInfo{RemoteIP: "10.0.0.9"}))
	assert.Equal(t, 0, m.CountForIP("10.0.0.1"))
	assert.Equal(t, 1, m.CountForIP("10.0.0.9"))
}

func TestReassignWithoutPriorRecordChecksCap(t *testing.T) {
	m := NewManager(1)
	require.NoError(t, m.Register(clientFromIP("10.0.0.1")))

	err := m.Reassign(types.NewPlayerID(), ClientInfo{RemoteIP: "10.0.0.1"})
	assert.ErrorIs(t, err, ErrTooManyConnections)
}
