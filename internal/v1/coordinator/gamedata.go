package coordinator

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/signalfish/signal-fish/internal/v1/logging"
	"github.com/signalfish/signal-fish/internal/v1/metrics"
	"github.com/signalfish/signal-fish/internal/v1/protocol"
	"github.com/signalfish/signal-fish/internal/v1/router"
	"github.com/signalfish/signal-fish/internal/v1/types"
)

// RelayGameData fans a player's game payload out to everyone else in the
// room. A recipient whose negotiated encoding matches the frame's gets a
// game_data_binary frame carrying the sender's bytes untouched; everyone
// else gets the payload transcoded into a JSON game_data message. Game
// data is fire-and-forget: it is never buffered for reconnecting players.
func (c *Coordinator) RelayGameData(ctx context.Context, playerID types.PlayerID, encoding protocol.GameDataEncoding, payload []byte) error {
	info, ok := c.conns.Get(playerID)
	if !ok || info.RoomID == nil {
		return fail(protocol.ErrNotInRoom, "you are not in a room")
	}
	if info.IsSpectator {
		return fail(protocol.ErrInvalidInput, "spectators cannot send game data")
	}
	roomID := *info.RoomID
	c.store.TouchActivity(roomID)

	// Both renderings are built at most once, on first need.
	var jsonPayload, binaryPayload *router.Payload

	for _, member := range c.router.RoomMembers(roomID) {
		if member == playerID {
			continue
		}
		recipient, ok := c.conns.Get(member)
		if !ok {
			continue
		}

		// Binary passthrough only when the encodings agree; a recipient on
		// any other encoding gets the JSON rendering.
		var p *router.Payload
		if recipient.Encoding != protocol.EncodingJSON && recipient.Encoding == encoding {
			if binaryPayload == nil {
				frame, err := protocol.EncodeBinaryGameData(playerID, encoding, payload)
				if err != nil {
					return fail(protocol.ErrInternalError, "failed to encode game data")
				}
				binaryPayload = &router.Payload{Data: frame, Binary: true}
			}
			p = binaryPayload
		} else {
			if jsonPayload == nil {
				data, err := protocol.TranscodeToJSON(encoding, payload)
				if err != nil {
					if errors.Is(err, protocol.ErrCannotTranscode) {
						metrics.DroppedMessages.WithLabelValues("untranscodable").Inc()
						continue
					}
					logging.Warn(ctx, "Dropping malformed game data",
						zap.String("player_id", playerID.String()), zap.Error(err))
					return fail(protocol.ErrInvalidMessageFormat, "game data payload is malformed")
				}
				encoded, err := router.JSONPayload(&protocol.ServerGameData{From: playerID, Data: json.RawMessage(data)})
				if err != nil {
					return fail(protocol.ErrInternalError, "failed to encode game data")
				}
				jsonPayload = &encoded
			}
			p = jsonPayload
		}
		c.router.SendToPlayer(member, *p)
	}
	return nil
}
