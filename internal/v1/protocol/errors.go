package protocol

// ErrorCode is the canonical machine-readable failure class reported to
// clients. Discriminants are SCREAMING_SNAKE_CASE on the wire.
type ErrorCode string

const (
	// Authentication
	ErrUnauthorized          ErrorCode = "UNAUTHORIZED"
	ErrInvalidAppID          ErrorCode = "INVALID_APP_ID"
	ErrAuthenticationTimeout ErrorCode = "AUTHENTICATION_TIMEOUT"
	ErrAuthenticationFailed  ErrorCode = "AUTHENTICATION_FAILED"
	ErrNotAuthenticated      ErrorCode = "NOT_AUTHENTICATED"
	ErrSdkVersionUnsupported ErrorCode = "SDK_VERSION_UNSUPPORTED"
	ErrPlatformUnsupported   ErrorCode = "PLATFORM_UNSUPPORTED"

	// Input validation
	ErrInvalidGameName            ErrorCode = "INVALID_GAME_NAME"
	ErrInvalidRoomCode            ErrorCode = "INVALID_ROOM_CODE"
	ErrInvalidPlayerName          ErrorCode = "INVALID_PLAYER_NAME"
	ErrMessageTooLarge            ErrorCode = "MESSAGE_TOO_LARGE"
	ErrInvalidInput               ErrorCode = "INVALID_INPUT"
	ErrInvalidMessageFormat       ErrorCode = "INVALID_MESSAGE_FORMAT"
	ErrUnsupportedGameDataFormat  ErrorCode = "UNSUPPORTED_GAME_DATA_FORMAT"

	// Room
	ErrRoomNotFound             ErrorCode = "ROOM_NOT_FOUND"
	ErrRoomFull                 ErrorCode = "ROOM_FULL"
	ErrAlreadyInRoom            ErrorCode = "ALREADY_IN_ROOM"
	ErrNotInRoom                ErrorCode = "NOT_IN_ROOM"
	ErrMaxRoomsPerGameExceeded  ErrorCode = "MAX_ROOMS_PER_GAME_EXCEEDED"
	ErrInvalidRoomState         ErrorCode = "INVALID_ROOM_STATE"
	ErrPlayerNameTaken          ErrorCode = "PLAYER_NAME_TAKEN"

	// Authority
	ErrAuthorityDenied       ErrorCode = "AUTHORITY_DENIED"
	ErrAuthorityConflict     ErrorCode = "AUTHORITY_CONFLICT"
	ErrAuthorityNotSupported ErrorCode = "AUTHORITY_NOT_SUPPORTED"

	// Rate limiting
	ErrRateLimitExceeded  ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrTooManyConnections ErrorCode = "TOO_MANY_CONNECTIONS"

	// Reconnection
	ErrReconnectionExpired      ErrorCode = "RECONNECTION_EXPIRED"
	ErrReconnectionTokenInvalid ErrorCode = "RECONNECTION_TOKEN_INVALID"
	ErrPlayerAlreadyConnected   ErrorCode = "PLAYER_ALREADY_CONNECTED"
	ErrReconnectionFailed       ErrorCode = "RECONNECTION_FAILED"

	// Spectators
	ErrSpectatorLimitReached ErrorCode = "SPECTATOR_LIMIT_REACHED"
	ErrSpectatorNotFound     ErrorCode = "SPECTATOR_NOT_FOUND"
	ErrSpectatorsNotAllowed  ErrorCode = "SPECTATORS_NOT_ALLOWED"

	// Server
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)
