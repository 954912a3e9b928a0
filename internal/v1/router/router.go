// Package router delivers pre-encoded payloads to locally connected
// players. Sends never block: a full outbound queue drops the message and
// counts it. Broadcasts encode once and share the immutable payload
// across recipients.
package router

import (
	"sync"

	"github.com/signalfish/signal-fish/internal/v1/metrics"
	"github.com/signalfish/signal-fish/internal/v1/protocol"
	"github.com/signalfish/signal-fish/internal/v1/types"
)

// Payload is one outbound message, already encoded. Binary selects the
// WebSocket binary frame type.
type Payload struct {
	Data   []byte
	Binary bool
}

// JSONPayload encodes a server message into a shareable payload.
func JSONPayload(msg protocol.ServerMessage) (Payload, error) {
	data, err := protocol.EncodeServerMessage(msg)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Data: data}, nil
}

// Recipient is a connected client's outbound edge. TrySend must not
// block; it returns false when the queue is full.
type Recipient interface {
	TrySend(p Payload) bool
}

// Router maps players to their live connection and rooms to their member
// sets.
type Router struct {
	mu      sync.RWMutex
	clients map[types.PlayerID]Recipient
	rooms   map[types.RoomID]map[types.PlayerID]struct{}
	inRoom  map[types.PlayerID]types.RoomID
}

// New creates an empty router.
func New() *Router {
	return &Router{
		clients: make(map[types.PlayerID]Recipient),
		rooms:   make(map[types.RoomID]map[types.PlayerID]struct{}),
		inRoom:  make(map[types.PlayerID]types.RoomID),
	}
}

// Register binds a player to their connection, replacing any previous
// binding.
func (r *Router) Register(playerID types.PlayerID, rcpt Recipient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[playerID] = rcpt
}

// Unregister unbinds a player, but only if the given recipient still owns
// the binding. A stale unregister after a duplicate connection replaced
// the binding is a no-op.
func (r *Router) Unregister(playerID types.PlayerID, rcpt Recipient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.clients[playerID]; ok && current == rcpt {
		delete(r.clients, playerID)
	}
}

// JoinRoom moves the player into a room's member set, leaving any
// previous room in the same critical section.
func (r *Router) JoinRoom(playerID types.PlayerID, roomID types.RoomID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(playerID)
	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[types.PlayerID]struct{})
		r.rooms[roomID] = members
	}
	members[playerID] = struct{}{}
	r.inRoom[playerID] = roomID
}

// LeaveRoom removes the player from their room's member set.
func (r *Router) LeaveRoom(playerID types.PlayerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(playerID)
}

func (r *Router) leaveLocked(playerID types.PlayerID) {
	roomID, ok := r.inRoom[playerID]
	if !ok {
		return
	}
	delete(r.inRoom, playerID)
	if members, ok := r.rooms[roomID]; ok {
		delete(members, playerID)
		if len(members) == 0 {
			delete(r.rooms, roomID)
		}
	}
}

// SendToPlayer delivers a payload to one player. Returns false when the
// player has no live connection or their queue is full.
func (r *Router) SendToPlayer(playerID types.PlayerID, p Payload) bool {
	r.mu.RLock()
	rcpt, ok := r.clients[playerID]
	r.mu.RUnlock()

	if !ok {
		metrics.DroppedMessages.WithLabelValues("no_client").Inc()
		return false
	}
	if !rcpt.TrySend(p) {
		metrics.DroppedMessages.WithLabelValues("queue_full").Inc()
		return false
	}
	return true
}

// BroadcastToRoom fans a payload out to every member. Returns the members
// that could not be reached so the caller can buffer for them.
func (r *Router) BroadcastToRoom(roomID types.RoomID, p Payload) []types.PlayerID {
	return r.BroadcastToRoomExcept(roomID, nil, p)
}

// BroadcastToRoomExcept fans out to every member but the excluded one.
// Membership is snapshotted first so slow sends never hold the lock.
func (r *Router) BroadcastToRoomExcept(roomID types.RoomID, except *types.PlayerID, p Payload) []types.PlayerID {
	r.mu.RLock()
	members := r.rooms[roomID]
	targets := make([]types.PlayerID, 0, len(members))
	recipients := make([]Recipient, 0, len(members))
	for playerID := range members {
		if except != nil && playerID == *except {
			continue
		}
		targets = append(targets, playerID)
		recipients = append(recipients, r.clients[playerID])
	}
	r.mu.RUnlock()

	var missed []types.PlayerID
	for i, rcpt := range recipients {
		if rcpt == nil {
			metrics.DroppedMessages.WithLabelValues("no_client").Inc()
			missed = append(missed, targets[i])
			continue
		}
		if !rcpt.TrySend(p) {
			metrics.DroppedMessages.WithLabelValues("queue_full").Inc()
			missed = append(missed, targets[i])
		}
	}
	return missed
}

// RoomMembers snapshots a room's member ids.
func (r *Router) RoomMembers(roomID types.RoomID) []types.PlayerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[roomID]
	out := make([]types.PlayerID, 0, len(members))
	for playerID := range members {
		out = append(out, playerID)
	}
	return out
}

// IsConnected reports whether the player has a live connection bound.
func (r *Router) IsConnected(playerID types.PlayerID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clients[playerID]
	return ok
}
