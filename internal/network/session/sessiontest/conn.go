// Package sessiontest 提供 session 相关的测试辅助工具。
package sessiontest

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/danmu-garden-push/internal/network/codec"
	"github.com/lk2023060901/danmu-garden-push/internal/network/protocol"
	"github.com/lk2023060901/danmu-garden-push/internal/network/session"
)

// Conn 是一个内存版的 session.Conn，记录所有写出的帧。
type Conn struct {
	mu       sync.Mutex
	frames   [][]byte
	writeErr error

	written chan []byte
	inbound chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

var _ session.Conn = (*Conn)(nil)

// NewConn 创建一个空的 Conn。
func NewConn() *Conn {
	return &Conn{
		written: make(chan []byte, 128),
		inbound: make(chan []byte, 128),
		closed:  make(chan struct{}),
	}
}

// SetWriteError 让之后的 WriteMessage 返回 err。
func (c *Conn) SetWriteError(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

// Push 模拟对端发来一帧。
func (c *Conn) Push(frame []byte) {
	c.inbound <- frame
}

func (c *Conn) ReadMessage() (int, []byte, error) {
	select {
	case frame := <-c.inbound:
		return websocket.BinaryMessage, frame, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *Conn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.IsClosed() {
		return net.ErrClosed
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	frame := append([]byte(nil), data...)
	c.frames = append(c.frames, frame)
	select {
	case c.written <- frame:
	default:
	}
	return nil
}

func (c *Conn) SetReadDeadline(time.Time) error  { return nil }
func (c *Conn) SetWriteDeadline(time.Time) error { return nil }

func (c *Conn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000}
}

func (c *Conn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8080}
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// IsClosed 判断连接是否已被关闭。
func (c *Conn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Frames 返回目前已写出的所有帧的副本。
func (c *Conn) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

// NextPacket 等待下一帧写出并解码，超时则测试失败。
func (c *Conn) NextPacket(t testing.TB, timeout time.Duration) *protocol.Packet {
	t.Helper()
	select {
	case frame := <-c.written:
		pkt, err := codec.NewJSON().Decode(frame)
		require.NoError(t, err)
		return pkt
	case <-time.After(timeout):
		require.FailNow(t, "no frame written", "waited %s", timeout)
		return nil
	}
}

// NewSession 基于内存 Conn 创建一个 BaseSession，测试结束时自动关闭。
func NewSession(t testing.TB, id string) (*session.BaseSession, *Conn) {
	t.Helper()
	conn := NewConn()
	sess := session.NewBaseSession(context.Background(), id, conn, codec.NewJSON(), session.Config{})
	t.Cleanup(func() { _ = sess.Close() })
	return sess, conn
}

// NewBoundSession 创建一个已绑定的会话。
func NewBoundSession(t testing.TB, id string, b session.Binding) (*session.BaseSession, *Conn) {
	t.Helper()
	sess, conn := NewSession(t, id)
	require.True(t, sess.Bind(b))
	return sess, conn
}

// WaitClosed 等待会话关闭，超时则测试失败。
func WaitClosed(t testing.TB, sess session.Session, timeout time.Duration) {
	t.Helper()
	select {
	case <-sess.Done():
	case <-time.After(timeout):
		require.FailNow(t, "session not closed", "id=%s", sess.ID())
	}
}
