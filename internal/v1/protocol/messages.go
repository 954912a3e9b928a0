// Package protocol defines the wire protocol: the JSON envelope, the
// client and server message sets, canonical error codes, and the game-data
// encodings negotiated per connection.
//
// The envelope is {"type": <tag>, "data": <payload>}. Message tags and enum
// values are snake_case; error codes are SCREAMING_SNAKE_CASE.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/signalfish/signal-fish/internal/v1/types"
)

// Envelope is the outer JSON frame.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// --- Client -> Server ---

// Client message type tags.
const (
	TypeAuthenticate          = "authenticate"
	TypeJoinRoom              = "join_room"
	TypeLeaveRoom             = "leave_room"
	TypePlayerReady           = "player_ready"
	TypeAuthorityRequest      = "authority_request"
	TypeProvideConnectionInfo = "provide_connection_info"
	TypeGameData              = "game_data"
	TypePing                  = "ping"
	TypeReconnect             = "reconnect"
	TypeJoinAsSpectator       = "join_as_spectator"
	TypeLeaveSpectator        = "leave_spectator"
)

// ClientMessage is any decoded client frame.
type ClientMessage interface {
	ClientMessageType() string
}

type Authenticate struct {
	AppID          string            `json:"app_id"`
	SdkVersion     string            `json:"sdk_version,omitempty"`
	Platform       string            `json:"platform,omitempty"`
	GameDataFormat *GameDataEncoding `json:"game_data_format,omitempty"`
	TokenBinding   json.RawMessage   `json:"token_binding,omitempty"`
}

type JoinRoom struct {
	GameName          string  `json:"game_name"`
	RoomCode          *string `json:"room_code,omitempty"`
	PlayerName        string  `json:"player_name"`
	MaxPlayers        *int    `json:"max_players,omitempty"`
	SupportsAuthority *bool   `json:"supports_authority,omitempty"`
	RelayTransport    *string `json:"relay_transport,omitempty"`
}

type LeaveRoom struct{}

type PlayerReady struct{}

type AuthorityRequest struct {
	BecomeAuthority bool `json:"become_authority"`
}

type ProvideConnectionInfo struct {
	ConnectionInfo types.ConnectionInfo `json:"connection_info"`
}

type ClientGameData struct {
	Data json.RawMessage `json:"data"`
}

type Ping struct {
	Timestamp int64 `json:"timestamp,omitempty"`
}

type Reconnect struct {
	PlayerID  types.PlayerID `json:"player_id"`
	RoomID    types.RoomID   `json:"room_id"`
	AuthToken string         `json:"auth_token"`
}

type JoinAsSpectator struct {
	GameName      string `json:"game_name"`
	RoomCode      string `json:"room_code"`
	SpectatorName string `json:"spectator_name"`
}

type LeaveSpectator struct{}

func (Authenticate) ClientMessageType() string          { return TypeAuthenticate }
func (JoinRoom) ClientMessageType() string              { return TypeJoinRoom }
func (LeaveRoom) ClientMessageType() string             { return TypeLeaveRoom }
func (PlayerReady) ClientMessageType() string           { return TypePlayerReady }
func (AuthorityRequest) ClientMessageType() string      { return TypeAuthorityRequest }
func (ProvideConnectionInfo) ClientMessageType() string { return TypeProvideConnectionInfo }
func (ClientGameData) ClientMessageType() string        { return TypeGameData }
func (Ping) ClientMessageType() string                  { return TypePing }
func (Reconnect) ClientMessageType() string             { return TypeReconnect }
func (JoinAsSpectator) ClientMessageType() string       { return TypeJoinAsSpectator }
func (LeaveSpectator) ClientMessageType() string        { return TypeLeaveSpectator }

// DecodeClientMessage parses an envelope into the typed client message.
func DecodeClientMessage(raw []byte) (ClientMessage, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope missing type")
	}

	decode := func(v ClientMessage) (ClientMessage, error) {
		if len(env.Data) == 0 {
			return v, nil
		}
		if err := json.Unmarshal(env.Data, v); err != nil {
			return nil, fmt.Errorf("malformed %s payload: %w", env.Type, err)
		}
		return v, nil
	}

	switch env.Type {
	case TypeAuthenticate:
		return decode(&Authenticate{})
	case TypeJoinRoom:
		return decode(&JoinRoom{})
	case TypeLeaveRoom:
		return decode(&LeaveRoom{})
	case TypePlayerReady:
		return decode(&PlayerReady{})
	case TypeAuthorityRequest:
		return decode(&AuthorityRequest{})
	case TypeProvideConnectionInfo:
		return decode(&ProvideConnectionInfo{})
	case TypeGameData:
		return decode(&ClientGameData{})
	case TypePing:
		return decode(&Ping{})
	case TypeReconnect:
		return decode(&Reconnect{})
	case TypeJoinAsSpectator:
		return decode(&JoinAsSpectator{})
	case TypeLeaveSpectator:
		return decode(&LeaveSpectator{})
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
}

// --- Server -> Client ---

// Server message type tags.
const (
	TypeAuthenticated        = "authenticated"
	TypeProtocolInfo         = "protocol_info"
	TypeAuthenticationError  = "authentication_error"
	TypeRoomJoined           = "room_joined"
	TypeRoomJoinFailed       = "room_join_failed"
	TypeRoomLeft             = "room_left"
	TypePlayerJoined         = "player_joined"
	TypePlayerLeft           = "player_left"
	TypePlayerReconnected    = "player_reconnected"
	TypeServerGameData       = "game_data"
	TypeGameDataBinary       = "game_data_binary"
	TypeAuthorityChanged     = "authority_changed"
	TypeAuthorityResponse    = "authority_response"
	TypeLobbyStateChanged    = "lobby_state_changed"
	TypeGameStarting         = "game_starting"
	TypePong                 = "pong"
	TypeReconnected          = "reconnected"
	TypeReconnectionFailed   = "reconnection_failed"
	TypeSpectatorJoined      = "spectator_joined"
	TypeSpectatorJoinFailed  = "spectator_join_failed"
	TypeSpectatorLeft        = "spectator_left"
	TypeNewSpectatorJoined   = "new_spectator_joined"
	TypeSpectatorDisconnect  = "spectator_disconnected"
	TypeError                = "error"
)

// ServerMessage is any outbound frame.
type ServerMessage interface {
	ServerMessageType() string
}

// RateLimits advertises the per-application admission budget.
type RateLimits struct {
	PerMinute int `json:"per_minute"`
	PerHour   int `json:"per_hour"`
	PerDay    int `json:"per_day"`
}

type Authenticated struct {
	AppName    string     `json:"app_name"`
	Org        string     `json:"org,omitempty"`
	RateLimits RateLimits `json:"rate_limits"`
}

type ProtocolInfo struct {
	Version         string             `json:"version"`
	GameDataFormats []GameDataEncoding `json:"game_data_formats"`
	PlayerNameRules NameRules          `json:"player_name_rules"`
	Capabilities    []string           `json:"capabilities,omitempty"`
}

type AuthenticationError struct {
	Message   string    `json:"message"`
	ErrorCode ErrorCode `json:"error_code"`
}

type RoomJoined struct {
	Room              types.RoomSnapshot `json:"room"`
	PlayerID          types.PlayerID     `json:"player_id"`
	IsAuthority       bool               `json:"is_authority"`
	ReconnectionToken string             `json:"reconnection_token,omitempty"`
}

type RoomJoinFailed struct {
	Message   string    `json:"message"`
	ErrorCode ErrorCode `json:"error_code"`
}

type RoomLeft struct {
	RoomID types.RoomID `json:"room_id"`
}

type PlayerJoined struct {
	Player types.PlayerInfo `json:"player"`
}

type PlayerLeft struct {
	PlayerID types.PlayerID `json:"player_id"`
}

type PlayerReconnected struct {
	PlayerID types.PlayerID `json:"player_id"`
}

type ServerGameData struct {
	From types.PlayerID  `json:"from"`
	Data json.RawMessage `json:"data"`
}

// GameDataBinary never renders as JSON text; the send path writes it as a
// binary frame, or transcodes to ServerGameData when the recipient
// negotiated JSON.
type GameDataBinary struct {
	From     types.PlayerID
	Encoding GameDataEncoding
	Payload  []byte
}

type AuthorityChanged struct {
	AuthorityPlayer *types.PlayerID `json:"authority_player,omitempty"`
	YouAreAuthority bool            `json:"you_are_authority"`
}

type AuthorityResponse struct {
	Granted   bool      `json:"granted"`
	ErrorCode ErrorCode `json:"error_code,omitempty"`
}

type LobbyStateChanged struct {
	LobbyState   types.LobbyState `json:"lobby_state"`
	ReadyPlayers []types.PlayerID `json:"ready_players"`
	AllReady     bool             `json:"all_ready"`
}

// PeerConnection is one entry in GameStarting.
type PeerConnection struct {
	PlayerID       types.PlayerID        `json:"player_id"`
	DisplayName    string                `json:"display_name"`
	IsAuthority    bool                  `json:"is_authority"`
	ConnectionInfo *types.ConnectionInfo `json:"connection_info,omitempty"`
}

type GameStarting struct {
	PeerConnections []PeerConnection `json:"peer_connections"`
}

type Pong struct {
	Timestamp int64 `json:"timestamp"`
}

type Reconnected struct {
	Room         types.RoomSnapshot `json:"room"`
	MissedEvents []Envelope         `json:"missed_events"`
}

type ReconnectionFailed struct {
	Reason    string    `json:"reason"`
	ErrorCode ErrorCode `json:"error_code"`
}

type SpectatorJoined struct {
	Room        types.RoomSnapshot `json:"room"`
	SpectatorID types.PlayerID     `json:"spectator_id"`
}

type SpectatorJoinFailed struct {
	Message   string    `json:"message"`
	ErrorCode ErrorCode `json:"error_code"`
}

// SpectatorLeaveReason values for SpectatorLeft.
const (
	SpectatorLeaveRequested    = "requested"
	SpectatorLeaveDisconnected = "disconnected"
	SpectatorLeaveRoomClosed   = "room_closed"
)

type SpectatorLeft struct {
	SpectatorID types.PlayerID `json:"spectator_id"`
	Reason      string         `json:"reason"`
}

type NewSpectatorJoined struct {
	Spectator types.SpectatorInfo `json:"spectator"`
}

type SpectatorDisconnected struct {
	SpectatorID types.PlayerID `json:"spectator_id"`
}

type ErrorMessage struct {
	Message   string    `json:"message"`
	ErrorCode ErrorCode `json:"error_code,omitempty"`
}

func (Authenticated) ServerMessageType() string         { return TypeAuthenticated }
func (ProtocolInfo) ServerMessageType() string          { return TypeProtocolInfo }
func (AuthenticationError) ServerMessageType() string   { return TypeAuthenticationError }
func (RoomJoined) ServerMessageType() string            { return TypeRoomJoined }
func (RoomJoinFailed) ServerMessageType() string        { return TypeRoomJoinFailed }
func (RoomLeft) ServerMessageType() string              { return TypeRoomLeft }
func (PlayerJoined) ServerMessageType() string          { return TypePlayerJoined }
func (PlayerLeft) ServerMessageType() string            { return TypePlayerLeft }
func (PlayerReconnected) ServerMessageType() string     { return TypePlayerReconnected }
func (ServerGameData) ServerMessageType() string        { return TypeServerGameData }
func (GameDataBinary) ServerMessageType() string        { return TypeGameDataBinary }
func (AuthorityChanged) ServerMessageType() string      { return TypeAuthorityChanged }
func (AuthorityResponse) ServerMessageType() string     { return TypeAuthorityResponse }
func (LobbyStateChanged) ServerMessageType() string     { return TypeLobbyStateChanged }
func (GameStarting) ServerMessageType() string          { return TypeGameStarting }
func (Pong) ServerMessageType() string                  { return TypePong }
func (Reconnected) ServerMessageType() string           { return TypeReconnected }
func (ReconnectionFailed) ServerMessageType() string    { return TypeReconnectionFailed }
func (SpectatorJoined) ServerMessageType() string       { return TypeSpectatorJoined }
func (SpectatorJoinFailed) ServerMessageType() string   { return TypeSpectatorJoinFailed }
func (SpectatorLeft) ServerMessageType() string         { return TypeSpectatorLeft }
func (NewSpectatorJoined) ServerMessageType() string    { return TypeNewSpectatorJoined }
func (SpectatorDisconnected) ServerMessageType() string { return TypeSpectatorDisconnect }
func (ErrorMessage) ServerMessageType() string          { return TypeError }

// EncodeServerMessage wraps a server message in the JSON envelope.
func EncodeServerMessage(msg ServerMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msg.ServerMessageType(), err)
	}
	return json.Marshal(Envelope{Type: msg.ServerMessageType(), Data: data})
}

// ToEnvelope converts a server message to its envelope form without the
// final serialization, for storage in the reconnect event buffer.
func ToEnvelope(msg ServerMessage) (Envelope, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", msg.ServerMessageType(), err)
	}
	return Envelope{Type: msg.ServerMessageType(), Data: data}, nil
}

// NowMillis is the timestamp format used in Pong frames.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
