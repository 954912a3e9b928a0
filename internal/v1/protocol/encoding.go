package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/signalfish/signal-fish/internal/v1/types"
)

// GameDataEncoding is the per-connection game-data payload encoding agreed
// during Authenticate.
type GameDataEncoding string

const (
	EncodingJSON        GameDataEncoding = "json"
	EncodingMessagePack GameDataEncoding = "messagepack"
	EncodingRkyv        GameDataEncoding = "rkyv"
)

// ErrCannotTranscode reports a binary payload that has no JSON rendering
// for a recipient that negotiated JSON. The caller drops the frame and
// counts it.
var ErrCannotTranscode = errors.New("payload encoding cannot be transcoded to json")

// ParseGameDataEncoding validates an encoding label from the wire.
func ParseGameDataEncoding(s string) (GameDataEncoding, bool) {
	switch GameDataEncoding(s) {
	case EncodingJSON, EncodingMessagePack, EncodingRkyv:
		return GameDataEncoding(s), true
	default:
		return "", false
	}
}

// binaryFrame is the on-wire layout of a binary game-data frame, encoded
// with MessagePack regardless of the inner payload encoding.
type binaryFrame struct {
	Type     string `msgpack:"type"`
	From     string `msgpack:"from"`
	Encoding string `msgpack:"encoding"`
	Payload  []byte `msgpack:"payload"`
}

// EncodeBinaryGameData builds the binary frame delivered to recipients
// whose negotiated encoding matches the payload's.
func EncodeBinaryGameData(from types.PlayerID, encoding GameDataEncoding, payload []byte) ([]byte, error) {
	return msgpack.Marshal(binaryFrame{
		Type:     TypeGameDataBinary,
		From:     from.String(),
		Encoding: string(encoding),
		Payload:  payload,
	})
}

// DecodeBinaryGameData parses an inbound binary frame into the sender's
// payload. Inbound frames carry only the payload; the sender identity comes
// from the connection.
func DecodeBinaryGameData(raw []byte) (GameDataEncoding, []byte, error) {
	var frame binaryFrame
	if err := msgpack.Unmarshal(raw, &frame); err != nil {
		return "", nil, fmt.Errorf("malformed binary frame: %w", err)
	}
	enc, ok := ParseGameDataEncoding(frame.Encoding)
	if !ok {
		return "", nil, fmt.Errorf("unknown payload encoding %q", frame.Encoding)
	}
	return enc, frame.Payload, nil
}

// TranscodeToJSON converts a binary game-data payload to its JSON value for
// recipients that negotiated JSON. Rkyv payloads have no canonical JSON
// form and return ErrCannotTranscode.
func TranscodeToJSON(encoding GameDataEncoding, payload []byte) (json.RawMessage, error) {
	switch encoding {
	case EncodingJSON:
		if !json.Valid(payload) {
			return nil, fmt.Errorf("payload is not valid json")
		}
		return json.RawMessage(payload), nil
	case EncodingMessagePack:
		var value any
		if err := msgpack.Unmarshal(payload, &value); err != nil {
			return nil, fmt.Errorf("decode messagepack payload: %w", err)
		}
		out, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("re-encode payload as json: %w", err)
		}
		return out, nil
	case EncodingRkyv:
		return nil, ErrCannotTranscode
	default:
		return nil, fmt.Errorf("unknown encoding %q", encoding)
	}
}
