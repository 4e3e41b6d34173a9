package codec

import (
	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/danmu-garden-push/internal/network"
	"github.com/lk2023060901/danmu-garden-push/internal/network/compressor"
	"github.com/lk2023060901/danmu-garden-push/internal/network/protocol"
	"github.com/lk2023060901/danmu-garden-push/internal/network/serializer"
)

// Codec 抽象了“业务对象 <-> WebSocket 二进制帧”的编解码流程。
//
// 帧格式：
//
//	+----------+----------+----------------------+
//	| type(1B) | flags(1B)| payload (序列化结果)  |
//	+----------+----------+----------------------+
//
// Pipeline（写出 Encode）：
//
//	msg --> serializer --> [compress?] --> header + payload
//
// Pipeline（读入 Decode）：
//
//	header + payload --> [decompress?] --> Packet{Type, Payload}
type Codec interface {
	// Encode 将业务对象编码为一帧。msg 为 nil 时生成空载荷帧（如 ping/pong）。
	Encode(dataType protocol.DataType, msg any) ([]byte, error)

	// Decode 解析一帧，返回已完成解压的明文载荷。
	Decode(frame []byte) (*protocol.Packet, error)

	// Unmarshal 将 Decode 得到的明文载荷反序列化到 v。
	Unmarshal(payload []byte, v any) error
}

// Options 用于构造 Codec 的依赖注入参数。
type Options struct {
	Serializer serializer.Serializer
	Compressor compressor.Compressor // 允许为 nil（内部会用 NopCompressor）

	EnableCompression bool // 是否启用压缩（影响压缩行为与帧头 flags）
}

const (
	headerSize = 2

	flagCompressed byte = 1 << 0
)

type codec struct {
	serializer serializer.Serializer
	compressor compressor.Compressor

	compress bool
}

var _ Codec = (*codec)(nil)

// New 创建一个基于给定依赖的 Codec。
func New(opts Options) (Codec, error) {
	if opts.Serializer == nil {
		return nil, errors.New("codec: serializer is nil")
	}

	c := &codec{
		serializer: opts.Serializer,
		compress:   opts.EnableCompression,
	}
	if opts.Compressor != nil {
		c.compressor = opts.Compressor
	} else {
		c.compressor = compressor.NopCompressor{}
	}
	return c, nil
}

// NewJSON 返回使用 JSON 序列化、不压缩的 Codec。
func NewJSON() Codec {
	c, _ := New(Options{Serializer: serializer.JSONSerializer{}})
	return c
}

// Encode 实现 Codec.Encode。
func (c *codec) Encode(dataType protocol.DataType, msg any) ([]byte, error) {
	if !dataType.Valid() {
		return nil, errors.Wrapf(network.ErrUnknownDataType, "codec: encode type %d", byte(dataType))
	}

	var body []byte
	if msg != nil {
		var err error
		body, err = c.serializer.Marshal(msg)
		if err != nil {
			return nil, errors.Wrap(network.ErrEncodeFailed, err.Error())
		}
	}

	var flags byte
	if c.compress && len(body) > 0 {
		packed, err := c.compressor.Compress(nil, body)
		if err != nil {
			return nil, errors.Wrap(network.ErrEncodeFailed, err.Error())
		}
		// 压缩器可能因阈值直接返回原文，只有确实变小时才标记压缩位。
		if len(packed) < len(body) {
			body = packed
			flags |= flagCompressed
		}
	}

	frame := make([]byte, headerSize+len(body))
	frame[0] = byte(dataType)
	frame[1] = flags
	copy(frame[headerSize:], body)
	return frame, nil
}

// Decode 实现 Codec.Decode。
func (c *codec) Decode(frame []byte) (*protocol.Packet, error) {
	if len(frame) < headerSize {
		return nil, errors.Wrapf(network.ErrFrameTooShort, "codec: frame length %d", len(frame))
	}

	dataType := protocol.DataType(frame[0])
	if !dataType.Valid() {
		return nil, errors.Wrapf(network.ErrUnknownDataType, "codec: decode type %d", frame[0])
	}

	payload := frame[headerSize:]
	if frame[1]&flagCompressed != 0 {
		plain, err := c.compressor.Decompress(nil, payload)
		if err != nil {
			return nil, errors.Wrap(network.ErrDecodeFailed, err.Error())
		}
		payload = plain
	}

	return &protocol.Packet{Type: dataType, Payload: payload}, nil
}

// Unmarshal 实现 Codec.Unmarshal。
func (c *codec) Unmarshal(payload []byte, v any) error {
	if len(payload) == 0 {
		return errors.Wrap(network.ErrDecodeFailed, "codec: empty payload")
	}
	if err := c.serializer.Unmarshal(payload, v); err != nil {
		return errors.Wrap(network.ErrDecodeFailed, err.Error())
	}
	return nil
}
