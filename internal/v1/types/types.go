// Package types holds the domain model shared across the signaling server:
// player and room identifiers, room membership records, lobby states, and
// the P2P connection-info union exchanged between peers.
package types

import (
	"crypto/sha256"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// PlayerID is the opaque 128-bit identifier of a connected player.
type PlayerID uuid.UUID

// RoomID is the opaque 128-bit identifier of a room.
type RoomID uuid.UUID

// NewPlayerID returns a fresh random PlayerID.
func NewPlayerID() PlayerID {
	return PlayerID(uuid.New())
}

// NewRoomID returns a fresh random RoomID.
func NewRoomID() RoomID {
	return RoomID(uuid.New())
}

func (p PlayerID) String() string { return uuid.UUID(p).String() }
func (r RoomID) String() string   { return uuid.UUID(r).String() }

func (p PlayerID) IsZero() bool { return p == PlayerID(uuid.Nil) }
func (r RoomID) IsZero() bool   { return r == RoomID(uuid.Nil) }

func (p PlayerID) MarshalJSON() ([]byte, error) { return json.Marshal(p.String()) }
func (r RoomID) MarshalJSON() ([]byte, error)   { return json.Marshal(r.String()) }

func (p *PlayerID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return err
	}
	*p = PlayerID(id)
	return nil
}

func (r *RoomID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return err
	}
	*r = RoomID(id)
	return nil
}

// ParsePlayerID parses a canonical UUID string.
func ParsePlayerID(s string) (PlayerID, error) {
	id, err := uuid.Parse(s)
	return PlayerID(id), err
}

// ParseRoomID parses a canonical UUID string.
func ParseRoomID(s string) (RoomID, error) {
	id, err := uuid.Parse(s)
	return RoomID(id), err
}

// DeriveUUID maps an arbitrary string to a stable UUID: SHA-256 of the
// string, high 16 bytes, with the version nibble forced to 4 and the RFC
// 4122 variant bits set. Used to derive identifiers from non-UUID app ids.
func DeriveUUID(s string) uuid.UUID {
	sum := sha256.Sum256([]byte(s))
	var id uuid.UUID
	copy(id[:], sum[:16])
	id[6] = (id[6] & 0x0f) | 0x40 // version 4
	id[8] = (id[8] & 0x3f) | 0x80 // RFC 4122 variant
	return id
}

// LobbyState is the per-room ready-up phase.
type LobbyState string

const (
	LobbyStateWaiting   LobbyState = "waiting"
	LobbyStateLobby     LobbyState = "lobby"
	LobbyStateFinalized LobbyState = "finalized"
)

// ConnectionInfoType discriminates the P2P connection-info union.
type ConnectionInfoType string

const (
	ConnectionDirect       ConnectionInfoType = "direct"
	ConnectionUnityRelay   ConnectionInfoType = "unity_relay"
	ConnectionGenericRelay ConnectionInfoType = "generic_relay"
	ConnectionWebRTC       ConnectionInfoType = "webrtc"
	ConnectionCustom       ConnectionInfoType = "custom"
)

// ConnectionInfo carries the transport details one peer advertises to the
// others. Only the fields matching Type are populated.
type ConnectionInfo struct {
	Type ConnectionInfoType `json:"type"`

	// direct
	Host string `json:"host,omitempty"`
	Port uint16 `json:"port,omitempty"`

	// unity_relay
	JoinCode     string `json:"join_code,omitempty"`
	AllocationID string `json:"allocation_id,omitempty"`

	// generic_relay
	RelayHost  string `json:"relay_host,omitempty"`
	RelayPort  uint16 `json:"relay_port,omitempty"`
	RelayToken string `json:"relay_token,omitempty"`

	// webrtc
	SDP           *string  `json:"sdp,omitempty"`
	ICECandidates []string `json:"ice_candidates,omitempty"`

	// custom
	Data json.RawMessage `json:"data,omitempty"`
}

// PlayerInfo is a room member's directory entry.
type PlayerInfo struct {
	ID             PlayerID        `json:"player_id"`
	DisplayName    string          `json:"display_name"`
	IsAuthority    bool            `json:"is_authority"`
	IsReady        bool            `json:"is_ready"`
	ConnectedAt    time.Time       `json:"connected_at"`
	ConnectionInfo *ConnectionInfo `json:"connection_info,omitempty"`
	RegionID       string          `json:"region_id,omitempty"`
}

// SpectatorInfo is a room observer's directory entry. Spectators never count
// toward max_players.
type SpectatorInfo struct {
	ID          PlayerID  `json:"spectator_id"`
	DisplayName string    `json:"display_name"`
	ConnectedAt time.Time `json:"connected_at"`
}

// RoomSnapshot is the client-facing copy of a room sent on join and
// reconnect.
type RoomSnapshot struct {
	ID                RoomID       `json:"room_id"`
	GameName          string       `json:"game_name"`
	Code              string       `json:"room_code"`
	MaxPlayers        int          `json:"max_players"`
	SupportsAuthority bool         `json:"supports_authority"`
	AuthorityPlayer   *PlayerID    `json:"authority_player,omitempty"`
	LobbyState        LobbyState   `json:"lobby_state"`
	Players           []PlayerInfo `json:"players"`
	ReadyPlayers      []PlayerID   `json:"ready_players,omitempty"`
	RelayType         string       `json:"relay_type,omitempty"`
	RegionID          string       `json:"region_id,omitempty"`
}
