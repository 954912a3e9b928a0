// Package connection tracks authenticated WebSocket clients: who is
// connected, from which IP, in which room, and when they were last seen.
// Per-IP connection counts are enforced here.
package connection

import (
	"errors"
	"sync"
	"time"

	"github.com/signalfish/signal-fish/internal/v1/auth"
	"github.com/signalfish/signal-fish/internal/v1/metrics"
	"github.com/signalfish/signal-fish/internal/v1/protocol"
	"github.com/signalfish/signal-fish/internal/v1/types"
)

var (
	// ErrTooManyConnections reports an IP at its connection cap.
	ErrTooManyConnections = errors.New("too many connections from this address")
	// ErrUnknownClient reports an unregistered player id.
	ErrUnknownClient = errors.New("client not registered")
)

// lastSeenThreshold coarsens room presence updates: pings inside the
// threshold refresh the ping-timeout clock but do not count as presence.
const lastSeenThreshold = 30 * time.Second

// ClientInfo is the snapshot view of one connected client.
type ClientInfo struct {
	PlayerID    types.PlayerID
	DisplayName string
	RemoteIP    string
	App         auth.AppInfo
	Encoding    protocol.GameDataEncoding
	IsSpectator bool
	RoomID      *types.RoomID
	ConnectedAt time.Time
	LastSeen    time.Time
}

type clientState struct {
	info ClientInfo
	// lastPresence is when the client last counted as a room presence
	// update; it throttles activity writes without touching LastSeen.
	lastPresence time.Time
}

// Manager is the live-connection table.
type Manager struct {
	mu       sync.RWMutex
	clients  map[types.PlayerID]*clientState
	perIP    map[string]int
	maxPerIP int

	now func() time.Time
}

// NewManager creates an empty table with the given per-IP cap.
func NewManager(maxPerIP int) *Manager {
	return &Manager{
		clients:  make(map[types.PlayerID]*clientState),
		perIP:    make(map[string]int),
		maxPerIP: maxPerIP,
		now:      time.Now,
	}
}

// Register adds an authenticated client, enforcing the per-IP cap.
func (m *Manager) Register(info ClientInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxPerIP > 0 && m.perIP[info.RemoteIP] >= m.maxPerIP {
		return ErrTooManyConnections
	}

	now := m.now()
	info.ConnectedAt = now
	info.LastSeen = now
	m.clients[info.PlayerID] = &clientState{info: info, lastPresence: now}
	m.perIP[info.RemoteIP]++
	metrics.IncConnection()
	return nil
}

// Remove drops a client and releases its IP slot.
func (m *Manager) Remove(playerID types.PlayerID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clients[playerID]
	if !ok {
		return false
	}
	delete(m.clients, playerID)
	m.releaseIPLocked(c.info.RemoteIP)
	metrics.DecConnection()
	return true
}

func (m *Manager) releaseIPLocked(ip string) {
	if n := m.perIP[ip]; n <= 1 {
		delete(m.perIP, ip)
	} else {
		m.perIP[ip] = n - 1
	}
}

// Get returns a snapshot of one client.
func (m *Manager) Get(playerID types.PlayerID) (ClientInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[playerID]
	if !ok {
		return ClientInfo{}, false
	}
	return c.info, true
}

// Room returns the client's current room assignment.
func (m *Manager) Room(playerID types.PlayerID) (types.RoomID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[playerID]
	if !ok || c.info.RoomID == nil {
		return types.RoomID{}, false
	}
	return *c.info.RoomID, true
}

// AssignRoom records which room the client sits in.
func (m *Manager) AssignRoom(playerID types.PlayerID, roomID types.RoomID, displayName string, spectator bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[playerID]
	if !ok {
		return ErrUnknownClient
	}
	id := roomID
	c.info.RoomID = &id
	c.info.DisplayName = displayName
	c.info.IsSpectator = spectator
	return nil
}

// ClearRoom drops the client's room assignment.
func (m *Manager) ClearRoom(playerID types.PlayerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[playerID]; ok {
		c.info.RoomID = nil
		c.info.IsSpectator = false
	}
}

// RecordPing refreshes the client's last-seen time. Every ping counts
// toward the ping timeout; the returned flag coarsens room presence
// updates, reporting true at most once per threshold so callers can
// throttle the room-activity write.
func (m *Manager) RecordPing(playerID types.PlayerID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[playerID]
	if !ok {
		return false
	}
	now := m.now()
	c.info.LastSeen = now
	if now.Sub(c.lastPresence) >= lastSeenThreshold {
		c.lastPresence = now
		return true
	}
	return false
}

// Reassign moves an existing room seat onto a freshly reconnected
// connection: the old record (if any) is dropped and the new one takes
// its place in a single critical section, so the IP accounting nets out.
func (m *Manager) Reassign(playerID types.PlayerID, info ClientInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, hadOld := m.clients[playerID]
	if hadOld {
		m.releaseIPLocked(old.info.RemoteIP)
	} else if m.maxPerIP > 0 && m.perIP[info.RemoteIP] >= m.maxPerIP {
		return ErrTooManyConnections
	}

	now := m.now()
	info.PlayerID = playerID
	info.ConnectedAt = now
	info.LastSeen = now
	m.clients[playerID] = &clientState{info: info, lastPresence: now}
	m.perIP[info.RemoteIP]++
	if !hadOld {
		metrics.IncConnection()
	}
	return nil
}

// CollectExpired returns clients whose last-seen time fell behind the
// ping timeout. The records stay registered; teardown happens through
// the normal disconnect path.
func (m *Manager) CollectExpired(pingTimeout time.Duration) []ClientInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := m.now().Add(-pingTimeout)
	var expired []ClientInfo
	for _, c := range m.clients {
		if c.info.LastSeen.Before(cutoff) {
			expired = append(expired, c.info)
		}
	}
	return expired
}

// Count reports the number of registered clients.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// CountForIP reports the live connections from one address.
func (m *Manager) CountForIP(ip string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.perIP[ip]
}
