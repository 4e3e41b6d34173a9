package codec

import (
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/danmu-garden-push/internal/network"
	"github.com/lk2023060901/danmu-garden-push/internal/network/compressor"
	"github.com/lk2023060901/danmu-garden-push/internal/network/protocol"
	"github.com/lk2023060901/danmu-garden-push/internal/network/serializer"
)

func TestNewRequiresSerializer(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestEncodeDecodeMessage(t *testing.T) {
	c := NewJSON()

	msg := &protocol.Message{
		Action:   protocol.ActionForceOffline,
		Sender:   protocol.SystemSender,
		Receiver: "u1",
		Content:  "iPhone",
	}
	frame, err := c.Encode(protocol.DataTypeMessage, msg)
	require.NoError(t, err)
	assert.Equal(t, byte(protocol.DataTypeMessage), frame[0])
	assert.Equal(t, byte(0), frame[1])

	pkt, err := c.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, protocol.DataTypeMessage, pkt.Type)

	var got protocol.Message
	require.NoError(t, c.Unmarshal(pkt.Payload, &got))
	assert.Equal(t, *msg, got)
}

func TestEncodeEmptyPayload(t *testing.T) {
	c := NewJSON()
	frame, err := c.Encode(protocol.DataTypePong, nil)
	require.NoError(t, err)
	assert.Len(t, frame, headerSize)

	pkt, err := c.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, protocol.DataTypePong, pkt.Type)
	assert.Empty(t, pkt.Payload)

	assert.ErrorIs(t, c.Unmarshal(pkt.Payload, &protocol.SentBody{}), network.ErrDecodeFailed)
}

func TestCompression(t *testing.T) {
	z, err := compressor.NewZstdCompressor()
	require.NoError(t, err)
	defer z.Close()
	z.SetMinCompressSize(128)

	c, err := New(Options{
		Serializer:        serializer.JSONSerializer{},
		Compressor:        z,
		EnableCompression: true,
	})
	require.NoError(t, err)

	big := &protocol.Message{Action: "2", Sender: "0", Receiver: "u1", Content: strings.Repeat("hello ", 200)}
	frame, err := c.Encode(protocol.DataTypeMessage, big)
	require.NoError(t, err)
	assert.Equal(t, flagCompressed, frame[1]&flagCompressed)

	pkt, err := c.Decode(frame)
	require.NoError(t, err)
	var got protocol.Message
	require.NoError(t, c.Unmarshal(pkt.Payload, &got))
	assert.Equal(t, big.Content, got.Content)

	small := &protocol.ReplyBody{Key: protocol.KeyClientBind, Code: protocol.CodeOK}
	frame, err = c.Encode(protocol.DataTypeReply, small)
	require.NoError(t, err)
	assert.Equal(t, byte(0), frame[1]&flagCompressed)
}

func TestDecodeErrors(t *testing.T) {
	c := NewJSON()

	_, err := c.Decode([]byte{1})
	assert.True(t, errors.Is(err, network.ErrFrameTooShort))

	_, err = c.Decode([]byte{42, 0})
	assert.True(t, errors.Is(err, network.ErrUnknownDataType))

	_, err = c.Encode(protocol.DataType(42), nil)
	assert.True(t, errors.Is(err, network.ErrUnknownDataType))

	frame := []byte{byte(protocol.DataTypeSent), flagCompressed, 'x'}
	_, err = c.Decode(frame)
	assert.NoError(t, err, "nop compressor passes payload through")

	err = c.Unmarshal([]byte("{not json"), &protocol.SentBody{})
	assert.True(t, errors.Is(err, network.ErrDecodeFailed))
}

func TestEncodeMarshalError(t *testing.T) {
	c := NewJSON()
	_, err := c.Encode(protocol.DataTypeMessage, make(chan int))
	assert.True(t, errors.Is(err, network.ErrEncodeFailed))
}
