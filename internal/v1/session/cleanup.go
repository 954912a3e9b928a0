package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/signalfish/signal-fish/internal/v1/config"
	"github.com/signalfish/signal-fish/internal/v1/connection"
	"github.com/signalfish/signal-fish/internal/v1/coordinator"
	"github.com/signalfish/signal-fish/internal/v1/lock"
	"github.com/signalfish/signal-fish/internal/v1/logging"
	"github.com/signalfish/signal-fish/internal/v1/ratelimit"
	"github.com/signalfish/signal-fish/internal/v1/store"
)

// CleanupTask is the single periodic reaper: stalled connections, expired
// rooms, closed reconnection windows, stale locks, old cleanup claims, and
// idle rate-limiter keys.
type CleanupTask struct {
	cfg     *config.Config
	hub     *Hub
	coord   *coordinator.Coordinator
	conns   *connection.Manager
	store   *store.Store
	locks   *lock.Registry
	limiter *ratelimit.Limiter
}

func NewCleanupTask(
	cfg *config.Config,
	hub *Hub,
	coord *coordinator.Coordinator,
	conns *connection.Manager,
	st *store.Store,
	locks *lock.Registry,
	limiter *ratelimit.Limiter,
) *CleanupTask {
	return &CleanupTask{
		cfg:     cfg,
		hub:     hub,
		coord:   coord,
		conns:   conns,
		store:   st,
		locks:   locks,
		limiter: limiter,
	}
}

// Run loops until the context is cancelled.
func (t *CleanupTask) Run(ctx context.Context) {
	interval := time.Duration(t.cfg.Rooms.CleanupIntervalSecs) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logging.Info(ctx, "Cleanup task started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			logging.Info(ctx, "Cleanup task stopped")
			return
		case <-ticker.C:
			t.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep.
func (t *CleanupTask) RunOnce(ctx context.Context) {
	pingTimeout := time.Duration(t.cfg.WebSocket.PingTimeoutSecs) * time.Second

	expired := t.conns.CollectExpired(pingTimeout)
	for _, info := range expired {
		// Closing the socket runs the regular unregister path. Entries
		// with no attached socket are torn down directly.
		if !t.hub.ClosePlayer(info.PlayerID) {
			t.coord.Disconnect(ctx, info.PlayerID)
		}
	}

	rooms := t.coord.ReapExpiredRooms(ctx)
	reconnects := t.coord.ReapExpiredReconnections(ctx)
	staleLocks := t.locks.CleanupExpired()
	oldClaims := t.store.CleanupOldClaims()
	idleKeys := t.limiter.Cleanup()

	if len(expired) > 0 || rooms.Empty > 0 || rooms.Inactive > 0 || reconnects > 0 {
		logging.Info(ctx, "Cleanup sweep",
			zap.Int("expired_connections", len(expired)),
			zap.Int("empty_rooms", rooms.Empty),
			zap.Int("inactive_rooms", rooms.Inactive),
			zap.Int("expired_reconnections", reconnects),
			zap.Int("stale_locks", staleLocks),
			zap.Int("old_claims", oldClaims),
			zap.Int("idle_ratelimit_keys", idleKeys))
	}
}
