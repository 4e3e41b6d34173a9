package session

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-garden-push/internal/network/codec"
	"github.com/lk2023060901/danmu-garden-push/internal/network/protocol"
	"github.com/lk2023060901/danmu-garden-push/pkg/log"
	"github.com/lk2023060901/danmu-garden-push/pkg/util/merr"
)

// defaultSendQueueSize 为每个会话的发送队列容量。
const defaultSendQueueSize = 256

// Config 为 BaseSession 的可选参数。
type Config struct {
	// SendQueueSize 为发送队列容量，<=0 时使用缺省值。
	SendQueueSize int
	// WriteTimeout 为单帧写超时，<=0 表示不设置。
	WriteTimeout time.Duration
}

// BaseSession 提供了 Session 接口的基础实现。
//
// 设计目标：
//   - Send 只负责投递到发送队列，由独立的发送协程串行写 conn，避免报文交叉；
//   - Close 幂等，先取消上下文再关闭底层连接，读协程随之退出；
//   - 绑定属性以 CAS 方式一次性写入，读取无需加锁。
type BaseSession struct {
	id string

	ctx    context.Context
	cancel context.CancelFunc

	conn  Conn
	codec codec.Codec

	remoteAddr net.Addr
	localAddr  net.Addr

	writeTimeout time.Duration

	binding atomic.Pointer[Binding]

	// sendQueue 为待发送消息的对象级队列，不会被关闭，发送协程随 ctx 退出。
	sendQueue chan outboundMessage

	closeOnce sync.Once
	closeErr  error
}

// 确保 BaseSession 实现了 Session 接口。
var _ Session = (*BaseSession)(nil)

// outboundMessage 表示一条待发送的消息。
type outboundMessage struct {
	dataType   protocol.DataType
	msg        any
	closeAfter bool
}

// NewBaseSession 创建一个 BaseSession 并启动其发送协程。
//
// 参数：
//   - parent：会话所属的上层上下文；parent 取消时会话随之关闭；若为 nil，则使用 context.Background()；
//   - id    ：连接 ID，应保证集群内唯一；
//   - conn  ：底层连接；
//   - c     ：用于该连接的 Codec。
func NewBaseSession(parent context.Context, id string, conn Conn, c codec.Codec, cfg Config) *BaseSession {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	queueSize := cfg.SendQueueSize
	if queueSize <= 0 {
		queueSize = defaultSendQueueSize
	}

	s := &BaseSession{
		id:           id,
		ctx:          ctx,
		cancel:       cancel,
		conn:         conn,
		codec:        c,
		remoteAddr:   conn.RemoteAddr(),
		localAddr:    conn.LocalAddr(),
		writeTimeout: cfg.WriteTimeout,
		sendQueue:    make(chan outboundMessage, queueSize),
	}

	go s.sendLoop()

	return s
}

// ID 实现 Session.ID。
func (s *BaseSession) ID() string {
	return s.id
}

// Context 实现 Session.Context。
func (s *BaseSession) Context() context.Context {
	return s.ctx
}

// RemoteAddr 实现 Session.RemoteAddr。
func (s *BaseSession) RemoteAddr() net.Addr {
	return s.remoteAddr
}

// LocalAddr 实现 Session.LocalAddr。
func (s *BaseSession) LocalAddr() net.Addr {
	return s.localAddr
}

// Binding 实现 Session.Binding。
func (s *BaseSession) Binding() *Binding {
	return s.binding.Load()
}

// Bind 实现 Session.Bind。
func (s *BaseSession) Bind(b Binding) bool {
	return s.binding.CompareAndSwap(nil, &b)
}

// Send 实现 Session.Send。
func (s *BaseSession) Send(dataType protocol.DataType, msg any) error {
	return s.enqueue(outboundMessage{dataType: dataType, msg: msg})
}

// SendAndClose 实现 Session.SendAndClose。
func (s *BaseSession) SendAndClose(dataType protocol.DataType, msg any) error {
	return s.enqueue(outboundMessage{dataType: dataType, msg: msg, closeAfter: true})
}

func (s *BaseSession) enqueue(m outboundMessage) error {
	if s.ctx.Err() != nil {
		return merr.WrapErrSessionClosed(s.id)
	}
	select {
	case <-s.ctx.Done():
		return merr.WrapErrSessionClosed(s.id)
	case s.sendQueue <- m:
		return nil
	}
}

// Close 实现 Session.Close。
func (s *BaseSession) Close() error {
	s.closeOnce.Do(func() {
		// 先取消上下文，再关闭连接。
		s.cancel()
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// Done 实现 Session.Done。
func (s *BaseSession) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Closed 判断会话是否已经关闭。
func (s *BaseSession) Closed() bool {
	return s.ctx.Err() != nil
}

// sendLoop 为每个会话启动的专职发送协程。
//
// 行为：
//   - 从 sendQueue 中按顺序取出待发送消息，编码后写入 conn；
//   - 写失败或消息要求写后关闭时，关闭会话并退出；
//   - 上下文取消（包括父上下文取消）时关闭会话并退出。
func (s *BaseSession) sendLoop() {
	defer s.Close()

	for {
		select {
		case <-s.ctx.Done():
			return
		case m := <-s.sendQueue:
			err := s.write(m)
			if err != nil {
				log.Ctx(s.ctx).Debug("session write failed",
					log.FieldConnID(s.id),
					zap.Stringer("type", m.dataType),
					zap.Error(err))
				return
			}
			if m.closeAfter {
				return
			}
		}
	}
}

func (s *BaseSession) write(m outboundMessage) error {
	frame, err := s.codec.Encode(m.dataType, m.msg)
	if err != nil {
		return err
	}
	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return err
		}
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
}
