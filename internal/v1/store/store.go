// Package store owns the in-memory room state: rooms keyed by id, a
// (game, code) index for joins, spectator rosters, and the cleanup claim
// table. All structural mutations take the rooms lock before the codes
// lock so the two maps never disagree.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/signalfish/signal-fish/internal/v1/config"
	"github.com/signalfish/signal-fish/internal/v1/logging"
	"github.com/signalfish/signal-fish/internal/v1/metrics"
	"github.com/signalfish/signal-fish/internal/v1/types"
)

var (
	ErrRoomNotFound          = errors.New("room not found")
	ErrRoomFull              = errors.New("room is full")
	ErrRoomCodeTaken         = errors.New("room code already exists for this game")
	ErrRoomIDCollision       = errors.New("could not allocate a unique room id")
	ErrPlayerNotInRoom       = errors.New("player is not in the room")
	ErrAuthorityNotSupported = errors.New("room does not support authority")
	ErrAuthorityConflict     = errors.New("another player already holds authority")
	ErrNotAuthority          = errors.New("player does not hold authority")
	ErrInvalidRoomState      = errors.New("operation not valid in the room's current state")
	ErrSpectatorLimitReached = errors.New("spectator limit reached")
	ErrSpectatorNotFound     = errors.New("spectator is not in the room")
)

// roomIDRetries bounds the random-id allocation loop on create.
const roomIDRetries = 16

// claimBucket is the granularity of cleanup claims: one claim per room,
// per cleanup type, per bucket.
const claimBucket = 5 * time.Minute

// claimMaxAge is how long settled claims are kept before being reaped.
const claimMaxAge = time.Hour

type codeKey struct {
	game string
	code string
}

// room is the store-internal mutable record. Callers only ever see
// snapshots.
type room struct {
	id                types.RoomID
	gameName          string
	code              string
	maxPlayers        int
	supportsAuthority bool
	relayType         string
	regionID          string

	players    map[types.PlayerID]*types.PlayerInfo
	spectators map[types.PlayerID]*types.SpectatorInfo
	authority  *types.PlayerID
	lobbyState types.LobbyState
	// readyOrder lists ready players in the order they readied within the
	// current lobby session.
	readyOrder []types.PlayerID

	createdAt       time.Time
	lastActivity    time.Time
	lobbyStartedAt  *time.Time
	gameFinalizedAt *time.Time
}

// Store is the room table. roomsMu guards rooms and every room's content;
// codesMu guards the (game, code) index and is always taken second.
type Store struct {
	roomsMu sync.RWMutex
	rooms   map[types.RoomID]*room

	codesMu sync.RWMutex
	codes   map[codeKey]types.RoomID

	claimsMu sync.Mutex
	claims   map[string]time.Time

	cfg config.RoomsConfig
	now func() time.Time
}

// NewStore creates an empty store.
func NewStore(cfg config.RoomsConfig) *Store {
	return &Store{
		rooms:  make(map[types.RoomID]*room),
		codes:  make(map[codeKey]types.RoomID),
		claims: make(map[string]time.Time),
		cfg:    cfg,
		now:    time.Now,
	}
}

// CreateParams describes a new room and its creator.
type CreateParams struct {
	GameName          string
	Code              string // normalized; empty means generate one
	MaxPlayers        int
	SupportsAuthority bool
	RelayType         string
	RegionID          string
	Creator           types.PlayerInfo
}

// CreateRoom allocates a room and seats the creator. With authority
// support enabled the creator starts as authority.
func (s *Store) CreateRoom(p CreateParams) (types.RoomSnapshot, error) {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()
	s.codesMu.Lock()
	defer s.codesMu.Unlock()

	code := p.Code
	if code == "" {
		for {
			code = generateCode(s.cfg.CodeLength, s.cfg.CodeRegionPrefix)
			if _, taken := s.codes[codeKey{p.GameName, code}]; !taken {
				break
			}
		}
	} else if _, taken := s.codes[codeKey{p.GameName, code}]; taken {
		return types.RoomSnapshot{}, ErrRoomCodeTaken
	}

	var id types.RoomID
	allocated := false
	for i := 0; i < roomIDRetries; i++ {
		id = types.NewRoomID()
		if _, exists := s.rooms[id]; !exists {
			allocated = true
			break
		}
	}
	if !allocated {
		return types.RoomSnapshot{}, ErrRoomIDCollision
	}

	now := s.now()
	creator := p.Creator
	creator.ConnectedAt = now
	creator.IsReady = false
	creator.IsAuthority = p.SupportsAuthority

	r := &room{
		id:                id,
		gameName:          p.GameName,
		code:              code,
		maxPlayers:        p.MaxPlayers,
		supportsAuthority: p.SupportsAuthority,
		relayType:         p.RelayType,
		regionID:          p.RegionID,
		players:           map[types.PlayerID]*types.PlayerInfo{creator.ID: &creator},
		spectators:        make(map[types.PlayerID]*types.SpectatorInfo),
		lobbyState:        types.LobbyStateWaiting,
		createdAt:         now,
		lastActivity:      now,
	}
	if p.SupportsAuthority {
		authID := creator.ID
		r.authority = &authID
	}

	s.rooms[id] = r
	s.codes[codeKey{p.GameName, code}] = id

	metrics.ActiveRooms.Inc()
	metrics.RoomPlayers.WithLabelValues(p.GameName).Inc()
	s.verifyLocked(r)
	return snapshot(r), nil
}

// GetRoom resolves a room by game name and code.
func (s *Store) GetRoom(gameName, code string) (types.RoomSnapshot, bool) {
	s.roomsMu.RLock()
	defer s.roomsMu.RUnlock()
	s.codesMu.RLock()
	id, ok := s.codes[codeKey{gameName, code}]
	s.codesMu.RUnlock()
	if !ok {
		return types.RoomSnapshot{}, false
	}
	r, ok := s.rooms[id]
	if !ok {
		return types.RoomSnapshot{}, false
	}
	return snapshot(r), true
}

// GetRoomByID resolves a room by id.
func (s *Store) GetRoomByID(id types.RoomID) (types.RoomSnapshot, bool) {
	s.roomsMu.RLock()
	defer s.roomsMu.RUnlock()
	r, ok := s.rooms[id]
	if !ok {
		return types.RoomSnapshot{}, false
	}
	return snapshot(r), true
}

// RoomCountForGame counts live rooms for one game, for the per-game cap.
func (s *Store) RoomCountForGame(gameName string) int {
	s.roomsMu.RLock()
	defer s.roomsMu.RUnlock()
	count := 0
	for _, r := range s.rooms {
		if r.gameName == gameName {
			count++
		}
	}
	return count
}

// PlayerNameTaken reports whether a display name is already used in the
// room, compared case-insensitively.
func (s *Store) PlayerNameTaken(id types.RoomID, name string) bool {
	s.roomsMu.RLock()
	defer s.roomsMu.RUnlock()
	r, ok := s.rooms[id]
	if !ok {
		return false
	}
	folded := strings.ToLower(name)
	for _, p := range r.players {
		if strings.ToLower(p.DisplayName) == folded {
			return true
		}
	}
	return false
}

// AddPlayer seats a player in the room.
func (s *Store) AddPlayer(id types.RoomID, player types.PlayerInfo) (types.RoomSnapshot, error) {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return types.RoomSnapshot{}, ErrRoomNotFound
	}
	if len(r.players) >= r.maxPlayers {
		return types.RoomSnapshot{}, ErrRoomFull
	}

	player.ConnectedAt = s.now()
	player.IsReady = false
	player.IsAuthority = false
	r.players[player.ID] = &player
	r.lastActivity = s.now()

	metrics.RoomPlayers.WithLabelValues(r.gameName).Inc()
	s.verifyLocked(r)
	return snapshot(r), nil
}

// RemoveResult reports the outcome of a player removal.
type RemoveResult struct {
	Player       types.PlayerInfo
	WasAuthority bool
	RoomEmpty    bool
	Room         types.RoomSnapshot
}

// RemovePlayer unseats a player. A departing authority leaves the room
// with no authority; no automatic reassignment happens.
func (s *Store) RemovePlayer(id types.RoomID, playerID types.PlayerID) (RemoveResult, error) {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return RemoveResult{}, ErrRoomNotFound
	}
	p, ok := r.players[playerID]
	if !ok {
		return RemoveResult{}, ErrPlayerNotInRoom
	}

	res := RemoveResult{Player: *p, WasAuthority: r.authority != nil && *r.authority == playerID}
	delete(r.players, playerID)
	if res.WasAuthority {
		r.authority = nil
	}
	r.dropFromReadyOrder(playerID)
	r.lastActivity = s.now()
	res.RoomEmpty = len(r.players) == 0
	res.Room = snapshot(r)

	metrics.RoomPlayers.WithLabelValues(r.gameName).Dec()
	s.verifyLocked(r)
	return res, nil
}

// SetPlayerConnectionInfo stores the transport details a player advertises.
func (s *Store) SetPlayerConnectionInfo(id types.RoomID, playerID types.PlayerID, info *types.ConnectionInfo) error {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return ErrRoomNotFound
	}
	p, ok := r.players[playerID]
	if !ok {
		return ErrPlayerNotInRoom
	}
	p.ConnectionInfo = info
	r.lastActivity = s.now()
	return nil
}

// AuthorityResult reports the room's authority after a request.
type AuthorityResult struct {
	Granted         bool
	AuthorityPlayer *types.PlayerID
}

// RequestAuthority grants or relinquishes authority. A grant fails while a
// different player holds it; a relinquish by a non-holder fails with
// ErrNotAuthority.
func (s *Store) RequestAuthority(id types.RoomID, playerID types.PlayerID, become bool) (AuthorityResult, error) {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return AuthorityResult{}, ErrRoomNotFound
	}
	if !r.supportsAuthority {
		return AuthorityResult{}, ErrAuthorityNotSupported
	}
	p, ok := r.players[playerID]
	if !ok {
		return AuthorityResult{}, ErrPlayerNotInRoom
	}

	if become {
		if r.authority != nil && *r.authority != playerID {
			return AuthorityResult{}, ErrAuthorityConflict
		}
		if r.authority != nil {
			// Already the holder; idempotent.
			return AuthorityResult{Granted: true, AuthorityPlayer: r.authority}, nil
		}
		authID := playerID
		r.authority = &authID
		p.IsAuthority = true
	} else {
		if r.authority == nil || *r.authority != playerID {
			return AuthorityResult{}, ErrNotAuthority
		}
		r.authority = nil
		p.IsAuthority = false
	}
	r.lastActivity = s.now()

	s.verifyLocked(r)
	return AuthorityResult{Granted: true, AuthorityPlayer: r.authority}, nil
}

// ReadyResult reports the lobby ready state after a toggle.
type ReadyResult struct {
	LobbyState   types.LobbyState
	ReadyPlayers []types.PlayerID
	AllReady     bool
}

// TogglePlayerReady flips a player's ready flag. Outside the lobby phase
// the toggle fails with ErrInvalidRoomState.
func (s *Store) TogglePlayerReady(id types.RoomID, playerID types.PlayerID) (ReadyResult, error) {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return ReadyResult{}, ErrRoomNotFound
	}
	p, ok := r.players[playerID]
	if !ok {
		return ReadyResult{}, ErrPlayerNotInRoom
	}
	if r.lobbyState != types.LobbyStateLobby {
		return ReadyResult{}, ErrInvalidRoomState
	}

	p.IsReady = !p.IsReady
	if p.IsReady {
		r.readyOrder = append(r.readyOrder, playerID)
	} else {
		r.dropFromReadyOrder(playerID)
	}
	r.lastActivity = s.now()

	res := ReadyResult{
		LobbyState:   r.lobbyState,
		ReadyPlayers: r.readyPlayers(),
		AllReady:     r.allReady(),
	}
	s.verifyLocked(r)
	return res, nil
}

// ClearReady resets the room's ready set without a phase change, e.g.
// after the peer connection plan has been broadcast.
func (s *Store) ClearReady(id types.RoomID) error {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return ErrRoomNotFound
	}
	r.clearReady()
	r.lastActivity = s.now()
	s.verifyLocked(r)
	return nil
}

// TransitionToLobby moves a full waiting room into the lobby phase,
// clearing every ready flag. Returns false when the room is not eligible.
func (s *Store) TransitionToLobby(id types.RoomID) (bool, error) {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return false, ErrRoomNotFound
	}
	if r.lobbyState != types.LobbyStateWaiting || len(r.players) < r.maxPlayers {
		return false, nil
	}
	r.clearReady()
	r.lobbyState = types.LobbyStateLobby
	now := s.now()
	r.lobbyStartedAt = &now
	r.lastActivity = now
	s.verifyLocked(r)
	return true, nil
}

// TransitionToWaiting drops a no-longer-full lobby back to waiting,
// clearing every ready flag. Returns false when the room is not eligible.
func (s *Store) TransitionToWaiting(id types.RoomID) (bool, error) {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return false, ErrRoomNotFound
	}
	if r.lobbyState != types.LobbyStateLobby || len(r.players) >= r.maxPlayers {
		return false, nil
	}
	r.clearReady()
	r.lobbyState = types.LobbyStateWaiting
	r.lobbyStartedAt = nil
	r.lastActivity = s.now()
	s.verifyLocked(r)
	return true, nil
}

// FinalizeGame marks a lobby as started for good. Only a room in the lobby
// phase can finalize.
func (s *Store) FinalizeGame(id types.RoomID) error {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return ErrRoomNotFound
	}
	if r.lobbyState != types.LobbyStateLobby {
		return ErrInvalidRoomState
	}
	r.clearReady()
	r.lobbyState = types.LobbyStateFinalized
	now := s.now()
	r.gameFinalizedAt = &now
	r.lastActivity = now
	s.verifyLocked(r)
	return nil
}

// TouchActivity bumps the room's last-activity timestamp.
func (s *Store) TouchActivity(id types.RoomID) {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()
	if r, ok := s.rooms[id]; ok {
		r.lastActivity = s.now()
	}
}

// AddSpectator seats an observer. Spectators have their own cap and never
// count toward max_players.
func (s *Store) AddSpectator(id types.RoomID, spec types.SpectatorInfo) (types.RoomSnapshot, error) {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return types.RoomSnapshot{}, ErrRoomNotFound
	}
	if s.cfg.MaxSpectators > 0 && len(r.spectators) >= s.cfg.MaxSpectators {
		return types.RoomSnapshot{}, ErrSpectatorLimitReached
	}
	spec.ConnectedAt = s.now()
	r.spectators[spec.ID] = &spec
	r.lastActivity = s.now()
	metrics.ActiveSpectators.Inc()
	return snapshot(r), nil
}

// RemoveSpectator unseats an observer.
func (s *Store) RemoveSpectator(id types.RoomID, spectatorID types.PlayerID) (types.SpectatorInfo, error) {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return types.SpectatorInfo{}, ErrRoomNotFound
	}
	spec, ok := r.spectators[spectatorID]
	if !ok {
		return types.SpectatorInfo{}, ErrSpectatorNotFound
	}
	delete(r.spectators, spectatorID)
	r.lastActivity = s.now()
	metrics.ActiveSpectators.Dec()
	return *spec, nil
}

// Spectators lists the room's observers.
func (s *Store) Spectators(id types.RoomID) []types.SpectatorInfo {
	s.roomsMu.RLock()
	defer s.roomsMu.RUnlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil
	}
	out := make([]types.SpectatorInfo, 0, len(r.spectators))
	for _, sp := range r.spectators {
		out = append(out, *sp)
	}
	return out
}

// RemovedRoom describes one room reaped by cleanup, with the members that
// need to be notified.
type RemovedRoom struct {
	ID         types.RoomID
	GameName   string
	Code       string
	WasEmpty   bool
	Players    []types.PlayerID
	Spectators []types.PlayerID
}

// CleanupResult partitions reaped rooms by the reason they expired.
type CleanupResult struct {
	Empty    int
	Inactive int
	Removed  []RemovedRoom
}

// CleanupExpiredRooms removes rooms that sat empty past emptyTimeout or
// idle past inactiveTimeout.
func (s *Store) CleanupExpiredRooms(emptyTimeout, inactiveTimeout time.Duration) CleanupResult {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()
	s.codesMu.Lock()
	defer s.codesMu.Unlock()

	now := s.now()
	var res CleanupResult
	for id, r := range s.rooms {
		idle := now.Sub(r.lastActivity)
		empty := len(r.players) == 0
		if !(empty && idle > emptyTimeout) && idle <= inactiveTimeout {
			continue
		}

		removed := RemovedRoom{ID: id, GameName: r.gameName, Code: r.code, WasEmpty: empty}
		for pid := range r.players {
			removed.Players = append(removed.Players, pid)
		}
		for sid := range r.spectators {
			removed.Spectators = append(removed.Spectators, sid)
		}

		delete(s.rooms, id)
		delete(s.codes, codeKey{r.gameName, r.code})
		metrics.ActiveRooms.Dec()
		metrics.RoomPlayers.WithLabelValues(r.gameName).Sub(float64(len(r.players)))
		metrics.ActiveSpectators.Sub(float64(len(r.spectators)))

		if empty {
			res.Empty++
			metrics.CleanupReaped.WithLabelValues("room_empty").Inc()
		} else {
			res.Inactive++
			metrics.CleanupReaped.WithLabelValues("room_inactive").Inc()
		}
		res.Removed = append(res.Removed, removed)
	}
	return res
}

// RemoveRoom deletes a room outright, returning the members that were
// still seated.
func (s *Store) RemoveRoom(id types.RoomID) (RemovedRoom, bool) {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()
	s.codesMu.Lock()
	defer s.codesMu.Unlock()

	r, ok := s.rooms[id]
	if !ok {
		return RemovedRoom{}, false
	}
	removed := RemovedRoom{ID: id, GameName: r.gameName, Code: r.code, WasEmpty: len(r.players) == 0}
	for pid := range r.players {
		removed.Players = append(removed.Players, pid)
	}
	for sid := range r.spectators {
		removed.Spectators = append(removed.Spectators, sid)
	}

	delete(s.rooms, id)
	delete(s.codes, codeKey{r.gameName, r.code})
	metrics.ActiveRooms.Dec()
	metrics.RoomPlayers.WithLabelValues(r.gameName).Sub(float64(len(r.players)))
	metrics.ActiveSpectators.Sub(float64(len(r.spectators)))
	return removed, true
}

// TryClaimRoomCleanup reserves the right to clean a room within the
// current time bucket. The first caller per (room, type, bucket) wins, so
// concurrent cleaners do the work once.
func (s *Store) TryClaimRoomCleanup(id types.RoomID, cleanupType string) bool {
	bucket := s.now().Unix() / int64(claimBucket/time.Second)
	key := fmt.Sprintf("%s:%s:%d", id, cleanupType, bucket)

	s.claimsMu.Lock()
	defer s.claimsMu.Unlock()
	if _, claimed := s.claims[key]; claimed {
		return false
	}
	s.claims[key] = s.now()
	return true
}

// CleanupOldClaims reaps settled claims older than an hour.
func (s *Store) CleanupOldClaims() int {
	s.claimsMu.Lock()
	defer s.claimsMu.Unlock()

	cutoff := s.now().Add(-claimMaxAge)
	removed := 0
	for key, at := range s.claims {
		if at.Before(cutoff) {
			delete(s.claims, key)
			removed++
		}
	}
	return removed
}

// RoomCount reports the number of live rooms.
func (s *Store) RoomCount() int {
	s.roomsMu.RLock()
	defer s.roomsMu.RUnlock()
	return len(s.rooms)
}

// readyPlayers returns the ready set in the order players readied.
func (r *room) readyPlayers() []types.PlayerID {
	if len(r.readyOrder) == 0 {
		return nil
	}
	return append([]types.PlayerID(nil), r.readyOrder...)
}

func (r *room) dropFromReadyOrder(id types.PlayerID) {
	for i, ready := range r.readyOrder {
		if ready == id {
			r.readyOrder = append(r.readyOrder[:i], r.readyOrder[i+1:]...)
			return
		}
	}
}

func (r *room) allReady() bool {
	if len(r.players) == 0 {
		return false
	}
	for _, p := range r.players {
		if !p.IsReady {
			return false
		}
	}
	return true
}

func (r *room) clearReady() {
	for _, p := range r.players {
		p.IsReady = false
	}
	r.readyOrder = nil
}

func snapshot(r *room) types.RoomSnapshot {
	players := make([]types.PlayerInfo, 0, len(r.players))
	for _, p := range r.players {
		players = append(players, *p)
	}
	// Join order, id as the tie break, so snapshots render the same roster
	// the same way every time.
	sort.Slice(players, func(i, j int) bool {
		if !players[i].ConnectedAt.Equal(players[j].ConnectedAt) {
			return players[i].ConnectedAt.Before(players[j].ConnectedAt)
		}
		return players[i].ID.String() < players[j].ID.String()
	})
	snap := types.RoomSnapshot{
		ID:                r.id,
		GameName:          r.gameName,
		Code:              r.code,
		MaxPlayers:        r.maxPlayers,
		SupportsAuthority: r.supportsAuthority,
		LobbyState:        r.lobbyState,
		Players:           players,
		RelayType:         r.relayType,
		RegionID:          r.regionID,
	}
	if r.authority != nil {
		authID := *r.authority
		snap.AuthorityPlayer = &authID
	}
	if r.lobbyState == types.LobbyStateLobby {
		snap.ReadyPlayers = r.readyPlayers()
	}
	return snap
}

// verifyLocked checks the room's structural invariants after a mutation
// and logs any violation. Callers hold the rooms write lock.
func (s *Store) verifyLocked(r *room) {
	var violations []string

	if len(r.players) > r.maxPlayers {
		violations = append(violations, fmt.Sprintf("occupancy %d exceeds max_players %d", len(r.players), r.maxPlayers))
	}
	if r.authority != nil {
		if p, ok := r.players[*r.authority]; !ok {
			violations = append(violations, "authority points at a player not in the room")
		} else if !p.IsAuthority {
			violations = append(violations, "authority holder's is_authority flag is unset")
		}
	}
	authorityFlags := 0
	for _, p := range r.players {
		if p.IsAuthority {
			authorityFlags++
		}
	}
	if authorityFlags > 1 {
		violations = append(violations, fmt.Sprintf("%d players carry is_authority", authorityFlags))
	}
	if r.lobbyState != types.LobbyStateLobby {
		for _, p := range r.players {
			if p.IsReady {
				violations = append(violations, "ready flag set outside the lobby phase")
				break
			}
		}
	}
	readyFlags := 0
	for _, p := range r.players {
		if p.IsReady {
			readyFlags++
		}
	}
	if readyFlags != len(r.readyOrder) {
		violations = append(violations, fmt.Sprintf("ready order holds %d entries but %d players are ready", len(r.readyOrder), readyFlags))
	}

	for _, v := range violations {
		logging.Error(context.Background(), "Room invariant violated",
			zap.String("room_id", r.id.String()),
			zap.String("violation", v))
	}
}
