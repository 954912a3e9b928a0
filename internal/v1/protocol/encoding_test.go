package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/signalfish/signal-fish/internal/v1/types"
)

func TestParseGameDataEncoding(t *testing.T) {
	enc, ok := ParseGameDataEncoding("messagepack")
	assert.True(t, ok)
	assert.Equal(t, EncodingMessagePack, enc)

	_, ok = ParseGameDataEncoding("protobuf")
	assert.False(t, ok)

	_, ok = ParseGameDataEncoding("")
	assert.False(t, ok)
}

func TestBinaryGameDataRoundTrip(t *testing.T) {
	from := types.NewPlayerID()
	payload, err := msgpack.Marshal(map[string]any{"x": 1, "y": 2})
	require.NoError(t, err)

	frame, err := EncodeBinaryGameData(from, EncodingMessagePack, payload)
	require.NoError(t, err)

	enc, got, err := DecodeBinaryGameData(frame)
	require.NoError(t, err)
	assert.Equal(t, EncodingMessagePack, enc)
	assert.Equal(t, payload, got)
}

func TestDecodeBinaryGameData_Malformed(t *testing.T) {
	_, _, err := DecodeBinaryGameData([]byte{0xc1, 0xff, 0x00})
	assert.Error(t, err)
}

func TestTranscodeToJSON_MessagePack(t *testing.T) {
	payload, err := msgpack.Marshal(map[string]any{"move": "e4", "turn": int64(3)})
	require.NoError(t, err)

	out, err := TranscodeToJSON(EncodingMessagePack, payload)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(out, &m))
	assert.Equal(t, "e4", m["move"])
	assert.Equal(t, float64(3), m["turn"])
}

func TestTranscodeToJSON_JSONPassthrough(t *testing.T) {
	out, err := TranscodeToJSON(EncodingJSON, []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(out))

	_, err = TranscodeToJSON(EncodingJSON, []byte(`{{`))
	assert.Error(t, err)
}

func TestTranscodeToJSON_RkyvDrops(t *testing.T) {
	_, err := TranscodeToJSON(EncodingRkyv, []byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrCannotTranscode)
}
