// Package bus fans room events out across server instances over Redis
// pub/sub. A single-instance deployment runs with a nil Service; every
// method degrades to a no-op. Publishes go through a circuit breaker so a
// sick Redis degrades to local-only delivery instead of stalling rooms.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/signalfish/signal-fish/internal/v1/logging"
	"github.com/signalfish/signal-fish/internal/v1/metrics"
	"github.com/signalfish/signal-fish/internal/v1/types"
)

// channelPattern matches every room channel. Channel schema:
// "signalfish:room:{id}".
const channelPattern = "signalfish:room:*"

// RoomEvent is the cross-instance envelope. Instance prevents echo: a
// subscriber drops events it published itself.
type RoomEvent struct {
	RoomID   string          `json:"room_id"`
	Instance string          `json:"instance"`
	Payload  json.RawMessage `json:"payload"`
}

// Service is the Redis-backed event bus. A nil *Service is valid and
// inert.
type Service struct {
	client   *redis.Client
	cb       *gobreaker.CircuitBreaker
	instance string
}

// NewService connects to Redis and verifies the connection with a ping.
func NewService(addr, password, instanceID string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	logging.Info(context.Background(), "Connected to Redis pub/sub", zap.String("addr", addr))
	return &Service{
		client:   rdb,
		cb:       gobreaker.NewCircuitBreaker(st),
		instance: instanceID,
	}, nil
}

// PublishRoomEvent broadcasts an encoded server message to every other
// instance serving this room. With the breaker open the event is dropped
// rather than failing the caller.
func (s *Service) PublishRoomEvent(ctx context.Context, roomID types.RoomID, payload []byte) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (any, error) {
		data, err := json.Marshal(RoomEvent{
			RoomID:   roomID.String(),
			Instance: s.instance,
			Payload:  payload,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal room event: %w", err)
		}
		channel := "signalfish:room:" + roomID.String()
		return nil, s.client.Publish(ctx, channel, data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			logging.Warn(ctx, "Redis circuit breaker open, dropping room event", zap.String("room_id", roomID.String()))
			return nil
		}
		logging.Error(ctx, "Redis publish failed", zap.String("room_id", roomID.String()), zap.Error(err))
		return err
	}
	return nil
}

// SubscribeRoomEvents delivers every room event published by other
// instances. The subscription goroutine exits when ctx is cancelled.
func (s *Service) SubscribeRoomEvents(ctx context.Context, handler func(roomID types.RoomID, payload []byte)) {
	if s == nil || s.client == nil {
		return
	}

	pubsub := s.client.PSubscribe(ctx, channelPattern)
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event RoomEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					logging.Warn(ctx, "Malformed room event on bus", zap.Error(err))
					continue
				}
				if event.Instance == s.instance {
					continue
				}
				roomID, err := types.ParseRoomID(event.RoomID)
				if err != nil {
					continue
				}
				handler(roomID, event.Payload)
			}
		}
	}()
}

// Ping verifies Redis connectivity for readiness checks.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Ping(ctx).Err()
}

// Close shuts the Redis connection down.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
