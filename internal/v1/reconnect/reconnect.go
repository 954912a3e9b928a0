// Package reconnect tracks players inside their reconnection window. A
// disconnecting player gets a one-time token and a bounded ring of the
// room events they miss; presenting the token within the window replays
// the ring and reseats them.
package reconnect

import (
	"crypto/subtle"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/signalfish/signal-fish/internal/v1/metrics"
	"github.com/signalfish/signal-fish/internal/v1/protocol"
	"github.com/signalfish/signal-fish/internal/v1/types"
)

var (
	// ErrUnknownPlayer reports a player with no pending reconnection.
	ErrUnknownPlayer = errors.New("no pending reconnection for player")
	// ErrTokenInvalid reports a token or room mismatch.
	ErrTokenInvalid = errors.New("reconnection token invalid")
	// ErrWindowExpired reports a reconnection attempted too late.
	ErrWindowExpired = errors.New("reconnection window expired")
)

// record is one disconnected player's pending reconnection. lastSequence
// is the process-wide sequence at disconnect time; only events stamped
// after it are replayed.
type record struct {
	roomID         types.RoomID
	player         types.PlayerInfo
	token          string
	lastSequence   uint64
	disconnectedAt time.Time
	expiresAt      time.Time
	events         *eventRing
}

// issuedToken is a token handed out at join time, before any disconnect.
type issuedToken struct {
	roomID types.RoomID
	token  string
}

// Manager is the reconnection table. The event sequence counter is
// process-wide so replayed events keep a total order across rooms.
type Manager struct {
	mu      sync.Mutex
	pending map[types.PlayerID]*record
	issued  map[types.PlayerID]issuedToken

	window     time.Duration
	bufferSize int
	seq        atomic.Uint64

	now func() time.Time
}

// NewManager creates an empty reconnection table.
func NewManager(window time.Duration, bufferSize int) *Manager {
	return &Manager{
		pending:    make(map[types.PlayerID]*record),
		issued:     make(map[types.PlayerID]issuedToken),
		window:     window,
		bufferSize: bufferSize,
		now:        time.Now,
	}
}

// IssueToken mints the reconnection token a player receives when joining
// a room. The token stays valid across reconnects until the seat is
// given up.
func (m *Manager) IssueToken(playerID types.PlayerID, roomID types.RoomID) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.issued[playerID]; ok && t.roomID == roomID {
		return t.token
	}
	token := uuid.NewString()
	m.issued[playerID] = issuedToken{roomID: roomID, token: token}
	return token
}

// ClearToken invalidates a player's token, e.g. on a voluntary leave or
// when their room closes.
func (m *Manager) ClearToken(playerID types.PlayerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.issued, playerID)
	delete(m.pending, playerID)
}

// VerifyIssuedToken reports whether the token matches the one issued to
// the player for the room. Unlike ValidateReconnection this works while
// the player is still connected; the duplicate-connection takeover path
// uses it to authenticate the claimant before evicting the older socket.
func (m *Manager) VerifyIssuedToken(playerID types.PlayerID, roomID types.RoomID, token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.issued[playerID]
	return ok && t.roomID == roomID &&
		subtle.ConstantTimeCompare([]byte(t.token), []byte(token)) == 1
}

// RegisterDisconnection opens a reconnection window for the player and
// returns the token they must present: the one issued at join time when
// the room matches, a fresh one otherwise. A second disconnection
// replaces any earlier pending record. The player's directory entry is
// kept so a successful reconnect can reseat them.
func (m *Manager) RegisterDisconnection(playerID types.PlayerID, roomID types.RoomID, player types.PlayerInfo) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	token := ""
	if t, ok := m.issued[playerID]; ok && t.roomID == roomID {
		token = t.token
	} else {
		token = uuid.NewString()
		m.issued[playerID] = issuedToken{roomID: roomID, token: token}
	}
	m.pending[playerID] = &record{
		roomID:         roomID,
		player:         player,
		token:          token,
		lastSequence:   m.seq.Load(),
		disconnectedAt: now,
		expiresAt:      now.Add(m.window),
		events:         newEventRing(m.bufferSize),
	}
	return token
}

// BufferEvent stamps a room event with the next process-wide sequence and
// records it for a disconnected player. Returns false when the player has
// no open window. The ring drops its oldest entry when full.
func (m *Manager) BufferEvent(playerID types.PlayerID, env protocol.Envelope) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.pending[playerID]
	if !ok || !rec.expiresAt.After(m.now()) {
		return false
	}
	rec.events.push(m.seq.Add(1), env)
	return true
}

// HasPending reports whether the player has an unexpired window open.
func (m *Manager) HasPending(playerID types.PlayerID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.pending[playerID]
	return ok && rec.expiresAt.After(m.now())
}

// ValidateReconnection checks a reconnection attempt without consuming it.
// The token compare is constant-time.
func (m *Manager) ValidateReconnection(playerID types.PlayerID, roomID types.RoomID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.pending[playerID]
	if !ok {
		return ErrUnknownPlayer
	}
	if !rec.expiresAt.After(m.now()) {
		return ErrWindowExpired
	}
	if rec.roomID != roomID || subtle.ConstantTimeCompare([]byte(rec.token), []byte(token)) != 1 {
		return ErrTokenInvalid
	}
	return nil
}

// CompleteReconnection consumes the pending record, returning the player's
// directory entry and the events buffered while they were away, oldest
// first.
func (m *Manager) CompleteReconnection(playerID types.PlayerID) (types.PlayerInfo, []protocol.Envelope, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.pending[playerID]
	if !ok || !rec.expiresAt.After(m.now()) {
		metrics.Reconnections.WithLabelValues("failed").Inc()
		return types.PlayerInfo{}, nil, false
	}
	delete(m.pending, playerID)
	metrics.Reconnections.WithLabelValues("success").Inc()
	return rec.player, rec.events.drainAfter(rec.lastSequence), true
}

// PendingForRoom lists the players of one room whose windows are still
// open, so room events can be buffered for them.
func (m *Manager) PendingForRoom(roomID types.RoomID) []types.PlayerID {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var out []types.PlayerID
	for playerID, rec := range m.pending {
		if rec.roomID == roomID && rec.expiresAt.After(now) {
			out = append(out, playerID)
		}
	}
	return out
}

// Abandon drops a pending record without replay, e.g. when the room is
// reaped while the player is away.
func (m *Manager) Abandon(playerID types.PlayerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, playerID)
	delete(m.issued, playerID)
}

// CleanupExpired reaps records whose window has closed and returns the
// players that are now permanently gone, with the room they belonged to.
func (m *Manager) CleanupExpired() map[types.PlayerID]types.RoomID {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	expired := make(map[types.PlayerID]types.RoomID)
	for playerID, rec := range m.pending {
		if !rec.expiresAt.After(now) {
			expired[playerID] = rec.roomID
			delete(m.pending, playerID)
			delete(m.issued, playerID)
			metrics.CleanupReaped.WithLabelValues("reconnect").Inc()
			metrics.Reconnections.WithLabelValues("expired").Inc()
		}
	}
	return expired
}

// PendingCount reports the number of open windows.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// eventRing is a fixed-capacity FIFO of sequenced events that overwrites
// its oldest entry when full.
type eventRing struct {
	buf   []sequencedEvent
	start int
	size  int
}

type sequencedEvent struct {
	seq uint64
	env protocol.Envelope
}

func newEventRing(capacity int) *eventRing {
	if capacity < 1 {
		capacity = 1
	}
	return &eventRing{buf: make([]sequencedEvent, capacity)}
}

func (r *eventRing) push(seq uint64, env protocol.Envelope) {
	entry := sequencedEvent{seq: seq, env: env}
	if r.size == len(r.buf) {
		r.buf[r.start] = entry
		r.start = (r.start + 1) % len(r.buf)
		return
	}
	r.buf[(r.start+r.size)%len(r.buf)] = entry
	r.size++
}

// drainAfter empties the ring, returning the events stamped after the
// given sequence, oldest first.
func (r *eventRing) drainAfter(after uint64) []protocol.Envelope {
	out := make([]protocol.Envelope, 0, r.size)
	for i := 0; i < r.size; i++ {
		e := r.buf[(r.start+i)%len(r.buf)]
		if e.seq > after {
			out = append(out, e.env)
		}
	}
	r.start, r.size = 0, 0
	return out
}
