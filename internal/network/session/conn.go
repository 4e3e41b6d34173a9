package session

import (
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// Conn 是 BaseSession 依赖的底层连接能力，*websocket.Conn 天然满足该接口。
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() net.Addr
	LocalAddr() net.Addr
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)
