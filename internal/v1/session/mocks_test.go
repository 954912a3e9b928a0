package session

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/signalfish/signal-fish/internal/v1/auth"
	"github.com/signalfish/signal-fish/internal/v1/config"
	"github.com/signalfish/signal-fish/internal/v1/connection"
	"github.com/signalfish/signal-fish/internal/v1/coordinator"
	"github.com/signalfish/signal-fish/internal/v1/lock"
	"github.com/signalfish/signal-fish/internal/v1/protocol"
	"github.com/signalfish/signal-fish/internal/v1/ratelimit"
	"github.com/signalfish/signal-fish/internal/v1/reconnect"
	"github.com/signalfish/signal-fish/internal/v1/router"
	"github.com/signalfish/signal-fish/internal/v1/store"
)

const testWsKey = "dGhlIHNhbXBsZSBub25jZQ=="

var errConnClosed = errors.New("fake connection closed")

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

type frame struct {
	messageType int
	data        []byte
}

// fakeConn scripts a WebSocket: tests push inbound frames and inspect what
// the client wrote.
type fakeConn struct {
	in     chan frame
	closed chan struct{}

	mu              sync.Mutex
	written         []frame
	readDeadline    time.Time
	timeoutNextRead bool
	closeOnce       sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan frame, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) push(messageType int, data []byte) {
	f.in <- frame{messageType: messageType, data: data}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	f.mu.Lock()
	deadline := f.readDeadline
	timeout := f.timeoutNextRead
	f.timeoutNextRead = false
	f.mu.Unlock()

	if timeout {
		return 0, nil, timeoutError{}
	}

	var timer <-chan time.Time
	if !deadline.IsZero() {
		timer = time.After(time.Until(deadline))
	}
	select {
	case fr, ok := <-f.in:
		if !ok {
			return 0, nil, errConnClosed
		}
		return fr.messageType, fr.data, nil
	case <-f.closed:
		return 0, nil, errConnClosed
	case <-timer:
		return 0, nil, timeoutError{}
	}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-f.closed:
		return errConnClosed
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, frame{messageType: messageType, data: append([]byte(nil), data...)})
	return nil
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) SetReadDeadline(t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readDeadline = t
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (f *fakeConn) SetReadLimit(int64)               {}

func (f *fakeConn) frames() []frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]frame(nil), f.written...)
}

// envelopeOfType scans written text frames for the newest envelope with
// the given tag.
func (f *fakeConn) envelopeOfType(msgType string) (json.RawMessage, bool) {
	frames := f.frames()
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].messageType != websocket.TextMessage {
			continue
		}
		var env protocol.Envelope
		if json.Unmarshal(frames[i].data, &env) != nil {
			continue
		}
		if env.Type == msgType {
			return env.Data, true
		}
	}
	return nil, false
}

func (f *fakeConn) waitForType(t *testing.T, msgType string) json.RawMessage {
	t.Helper()
	var data json.RawMessage
	require.Eventually(t, func() bool {
		d, ok := f.envelopeOfType(msgType)
		data = d
		return ok
	}, 2*time.Second, 5*time.Millisecond, "never received %s", msgType)
	return data
}

func (f *fakeConn) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-f.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("connection never closed")
	}
}

func textEnvelope(t *testing.T, msgType string, data any) []byte {
	t.Helper()
	payload, err := json.Marshal(data)
	require.NoError(t, err)
	raw, err := json.Marshal(protocol.Envelope{Type: msgType, Data: payload})
	require.NoError(t, err)
	return raw
}

type sessFixture struct {
	cfg        *config.Config
	hub        *Hub
	coord      *coordinator.Coordinator
	conns      *connection.Manager
	router     *router.Router
	store      *store.Store
	locks      *lock.Registry
	reconnects *reconnect.Manager
	limiter    *ratelimit.Limiter
	task       *CleanupTask
}

func newSessFixture(mutate func(*config.Config)) *sessFixture {
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}

	registry := auth.NewRegistry(cfg.Auth)
	st := store.NewStore(cfg.Rooms)
	locks := lock.NewRegistry()
	rt := router.New()
	conns := connection.NewManager(cfg.Limits.MaxConnectionsPerIP)
	reconnects := reconnect.NewManager(
		time.Duration(cfg.Reconnect.WindowSecs)*time.Second,
		cfg.Reconnect.EventBufferSize,
	)
	limiter := ratelimit.NewLimiter(time.Minute)
	coord := coordinator.New(cfg, st, locks, rt, conns, reconnects, limiter)
	hub := NewHub(cfg, registry, coord, conns, rt, limiter, nil)

	return &sessFixture{
		cfg:        cfg,
		hub:        hub,
		coord:      coord,
		conns:      conns,
		router:     rt,
		store:      st,
		locks:      locks,
		reconnects: reconnects,
		limiter:    limiter,
		task:       NewCleanupTask(cfg, hub, coord, conns, st, locks, limiter),
	}
}

// dial attaches a scripted socket and guarantees teardown.
func (f *sessFixture) dial(t *testing.T) (*fakeConn, *Client) {
	t.Helper()
	conn := newFakeConn()
	client := f.hub.HandleConnection(conn, "10.0.0.9", testWsKey, false)
	t.Cleanup(func() {
		client.Disconnect()
		conn.waitClosed(t)
	})
	return conn, client
}

// authenticate completes the handshake with the given authenticate body.
func (f *sessFixture) authenticate(t *testing.T, conn *fakeConn, body any) {
	t.Helper()
	conn.push(websocket.TextMessage, textEnvelope(t, protocol.TypeAuthenticate, body))
	conn.waitForType(t, protocol.TypeProtocolInfo)
}

// joinRoom drives a full join and returns the decoded response.
func (f *sessFixture) joinRoom(t *testing.T, conn *fakeConn, name, code string, maxPlayers int) protocol.RoomJoined {
	t.Helper()
	conn.push(websocket.TextMessage, textEnvelope(t, protocol.TypeJoinRoom, map[string]any{
		"game_name":   "asteroids",
		"player_name": name,
		"room_code":   code,
		"max_players": maxPlayers,
	}))
	data := conn.waitForType(t, protocol.TypeRoomJoined)
	var joined protocol.RoomJoined
	require.NoError(t, json.Unmarshal(data, &joined))
	return joined
}
