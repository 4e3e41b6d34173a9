// Package protocol 定义推送长连接上传输的数据类型与消息体。
package protocol

import "fmt"

// DataType 为帧头中的数据类型。
type DataType byte

const (
	// DataTypePong 为服务端对心跳的应答。
	DataTypePong DataType = 0
	// DataTypePing 为客户端心跳。
	DataTypePing DataType = 1
	// DataTypeMessage 为服务端下发的消息（Message）。
	DataTypeMessage DataType = 2
	// DataTypeSent 为客户端上行请求（SentBody）。
	DataTypeSent DataType = 3
	// DataTypeReply 为服务端对上行请求的应答（ReplyBody）。
	DataTypeReply DataType = 4
)

// Valid 判断数据类型是否可识别。
func (t DataType) Valid() bool {
	return t <= DataTypeReply
}

func (t DataType) String() string {
	switch t {
	case DataTypePong:
		return "pong"
	case DataTypePing:
		return "ping"
	case DataTypeMessage:
		return "message"
	case DataTypeSent:
		return "sent"
	case DataTypeReply:
		return "reply"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Packet 为解码后的一帧数据，Payload 已完成解压。
type Packet struct {
	Type    DataType
	Payload []byte
}
