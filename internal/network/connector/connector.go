package connector

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"

	"github.com/lk2023060901/danmu-garden-push/internal/network"
	"github.com/lk2023060901/danmu-garden-push/internal/network/codec"
	"github.com/lk2023060901/danmu-garden-push/internal/network/protocol"
	"github.com/lk2023060901/danmu-garden-push/pkg/util/conc"
)

// Config 描述客户端连接的基础配置。
type Config struct {
	SendQueueSize int
	RecvQueueSize int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// HandshakeTimeout 为 WebSocket 握手超时。
	HandshakeTimeout time.Duration

	// Codec 为当前连接使用的编解码器，为 nil 时使用 codec.NewJSON()。
	Codec codec.Codec
}

func defaultConfig() Config {
	return Config{
		SendQueueSize:    1024,
		RecvQueueSize:    1024,
		HandshakeTimeout: 10 * time.Second,
	}
}

// ClientConn 抽象了客户端侧的一条连接。
//
// 注意：客户端连接不包含会话 ID 概念。
type ClientConn interface {
	Context() context.Context
	RemoteAddr() net.Addr
	LocalAddr() net.Addr

	// Send 将消息投递到发送队列。
	Send(dataType protocol.DataType, msg any) error

	// Recv 返回收到的帧，连接关闭后该 channel 被关闭。
	//
	// 收到的帧以阻塞方式投递，调用方需要持续消费。
	Recv() <-chan *protocol.Packet

	Close() error
}

// Handler 描述客户端在各阶段的回调能力。
type Handler interface {
	OnConnected(conn ClientConn)
	OnMessage(conn ClientConn, pkt *protocol.Packet)
	OnClosed(conn ClientConn, err error)
	OnError(conn ClientConn, stage network.Stage, err error)
}

// NopHandler 为不关心回调时使用的空实现。
type NopHandler struct{}

func (NopHandler) OnConnected(ClientConn)                   {}
func (NopHandler) OnMessage(ClientConn, *protocol.Packet)   {}
func (NopHandler) OnClosed(ClientConn, error)               {}
func (NopHandler) OnError(ClientConn, network.Stage, error) {}

// Connector 抽象了客户端的拨号器。
type Connector interface {
	Dial(ctx context.Context, urlStr string, h Handler, header http.Header) (ClientConn, error)
}

// wsConnector 是基于 gorilla/websocket 的默认 Connector 实现。
type wsConnector struct {
	cfg Config
}

// NewWSConnector 创建一个基于 WebSocket 的 Connector。
func NewWSConnector(cfg Config) Connector {
	def := defaultConfig()
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}
	if cfg.RecvQueueSize <= 0 {
		cfg.RecvQueueSize = def.RecvQueueSize
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.Codec == nil {
		cfg.Codec = codec.NewJSON()
	}
	return &wsConnector{cfg: cfg}
}

// Dial 拨号并返回连接。
//
// 说明：
//   - ctx 同时控制握手与连接生命周期，ctx 取消时连接随之关闭；
//   - h 可为 nil。
func (c *wsConnector) Dial(ctx context.Context, urlStr string, h Handler, header http.Header) (ClientConn, error) {
	if h == nil {
		h = NopHandler{}
	}
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, urlStr, header)
	if err != nil {
		h.OnError(nil, network.StageHandshake, err)
		return nil, errors.Wrap(network.ErrHandshakeFailed, err.Error())
	}

	connCtx, cancel := context.WithCancel(ctx)
	cc := newWSClientConn(connCtx, cancel, conn, c.cfg, h)
	h.OnConnected(cc)
	return cc, nil
}

// wsClientConn 是基于 WebSocket 的 ClientConn 默认实现。
type wsClientConn struct {
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	cfg Config
	h   Handler

	remoteAddr net.Addr
	localAddr  net.Addr

	// sendChan 不会被关闭，sendLoop 随 ctx 退出；recvChan 仅由 recvLoop 关闭。
	sendChan chan outboundMessage
	recvChan chan *protocol.Packet

	codec codec.Codec

	closeOnce sync.Once
	closeErr  error
}

// outboundMessage 表示一条待发送的业务消息。
type outboundMessage struct {
	dataType protocol.DataType
	msg      any
}

func newWSClientConn(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *websocket.Conn,
	cfg Config,
	h Handler,
) *wsClientConn {
	c := &wsClientConn{
		conn:       conn,
		ctx:        ctx,
		cancel:     cancel,
		cfg:        cfg,
		h:          h,
		remoteAddr: conn.RemoteAddr(),
		localAddr:  conn.LocalAddr(),
		sendChan:   make(chan outboundMessage, cfg.SendQueueSize),
		recvChan:   make(chan *protocol.Packet, cfg.RecvQueueSize),
		codec:      cfg.Codec,
	}

	// 使用 conc.Go 启动收发协程。
	_ = conc.Go(func() (struct{}, error) {
		c.recvLoop()
		return struct{}{}, nil
	})
	_ = conc.Go(func() (struct{}, error) {
		c.sendLoop()
		return struct{}{}, nil
	})
	_ = conc.Go(func() (struct{}, error) {
		<-ctx.Done()
		c.close(ctx.Err())
		return struct{}{}, nil
	})

	return c
}

// ClientConn 接口实现。

func (c *wsClientConn) Context() context.Context      { return c.ctx }
func (c *wsClientConn) RemoteAddr() net.Addr          { return c.remoteAddr }
func (c *wsClientConn) LocalAddr() net.Addr           { return c.localAddr }
func (c *wsClientConn) Recv() <-chan *protocol.Packet { return c.recvChan }
func (c *wsClientConn) Close() error                  { return c.close(nil) }

func (c *wsClientConn) Send(dataType protocol.DataType, msg any) error {
	if c.ctx.Err() != nil {
		return errors.Wrap(network.ErrSendFailed, "connection closed")
	}
	select {
	case <-c.ctx.Done():
		return errors.Wrap(network.ErrSendFailed, "connection closed")
	case c.sendChan <- outboundMessage{dataType: dataType, msg: msg}:
		return nil
	}
}

func (c *wsClientConn) writeRaw(data []byte) error {
	if c.cfg.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
			c.h.OnError(c, network.StageSend, err)
			c.close(network.ErrSendFailed)
			return network.ErrSendFailed
		}
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		c.h.OnError(c, network.StageSend, err)
		c.close(err)
		return network.ErrSendFailed
	}
	return nil
}

func (c *wsClientConn) close(cause error) error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.closeErr = c.conn.Close()
		c.h.OnClosed(c, cause)
	})
	return c.closeErr
}

// recvLoop 持续读取 WebSocket 消息并解码为 Packet。
func (c *wsClientConn) recvLoop() {
	defer close(c.recvChan)

	for {
		if c.cfg.ReadTimeout > 0 {
			if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
				c.h.OnError(c, network.StageRecvRaw, err)
				c.close(network.ErrRecvFailed)
				return
			}
		}

		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.h.OnError(c, network.StageRecvRaw, err)
			}
			c.close(nil)
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		pkt, err := c.codec.Decode(data)
		if err != nil {
			c.h.OnError(c, network.StageDecode, err)
			continue
		}

		c.h.OnMessage(c, pkt)

		select {
		case <-c.ctx.Done():
			return
		case c.recvChan <- pkt:
		}
	}
}

// sendLoop 从 sendChan 读取业务消息并使用 Codec 编码后写入 WebSocket。
func (c *wsClientConn) sendLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.sendChan:
			frame, err := c.codec.Encode(msg.dataType, msg.msg)
			if err != nil {
				c.h.OnError(c, network.StageEncode, err)
				continue
			}
			if err := c.writeRaw(frame); err != nil {
				return
			}
		}
	}
}
