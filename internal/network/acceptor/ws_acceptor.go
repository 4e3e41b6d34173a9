package acceptor

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-garden-push/internal/network"
	"github.com/lk2023060901/danmu-garden-push/internal/network/protocol"
	"github.com/lk2023060901/danmu-garden-push/internal/network/session"
	"github.com/lk2023060901/danmu-garden-push/pkg/log"
	"github.com/lk2023060901/danmu-garden-push/pkg/metrics"
)

// WSAcceptor 是 Acceptor 接口基于 gorilla/websocket 的实现。
//
// 设计目标：
//   - 对外只暴露 Acceptor 接口和 Handler 回调，不绑定具体业务逻辑；
//   - 内部负责：升级连接、分配连接 ID、创建 Session、驱动解码并回调 Handler；
//   - 每个连接由读协程解码、当前协程顺序消费，保证同一 Session 上 Handler 串行执行。
type WSAcceptor struct {
	cfg      Config
	handler  Handler
	sessions session.SessionManager

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// 确保 WSAcceptor 实现了 Acceptor 接口。
var _ Acceptor = (*WSAcceptor)(nil)

// NewWSAcceptor 创建一个 WebSocket 接入器。
//
// 参数：
//   - ctx ：接入器的上层上下文，取消时所有会话随之关闭；
//   - cfg ：会话配置；
//   - sm  ：SessionManager，可为 nil，为 nil 时内部创建；
//   - h   ：阶段回调，不能为空。
func NewWSAcceptor(ctx context.Context, cfg Config, sm session.SessionManager, h Handler) (*WSAcceptor, error) {
	if h == nil {
		return nil, errors.New("acceptor: handler is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if sm == nil {
		sm = session.NewBaseSessionManager()
	}
	cfg.fillDefaults()

	actx, cancel := context.WithCancel(ctx)
	return &WSAcceptor{
		cfg:      cfg,
		handler:  h,
		sessions: sm,
		ctx:      actx,
		cancel:   cancel,
	}, nil
}

// ServeHTTP 实现 http.Handler，完成升级后在当前协程中驱动整个连接的生命周期。
func (a *WSAcceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		http.Error(w, "acceptor closed", http.StatusServiceUnavailable)
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()
	defer a.wg.Done()

	conn, err := a.cfg.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 失败时已向客户端写出 HTTP 错误响应。
		a.handler.OnError(nil, network.StageHandshake, errors.Wrap(network.ErrHandshakeFailed, err.Error()))
		return
	}
	if a.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(a.cfg.MaxMessageSize)
	}

	sess := session.NewBaseSession(a.ctx, uuid.NewString(), conn, a.cfg.Codec, session.Config{
		SendQueueSize: a.cfg.SendQueueSize,
		WriteTimeout:  a.cfg.WriteTimeout,
	})
	a.handleSession(sess, conn)
}

// handleSession 处理单个连接的生命周期。
//
// 流程：
//  1. 将 Session 注册到 SessionManager，并回调 OnConnected；
//  2. 读协程循环读取并解码消息帧，将结果投递到 per-session 消息队列；
//  3. 在当前协程中按顺序从队列中取出消息，并回调 Handler.OnMessage；
//  4. 读失败或会话关闭后，移除索引、关闭会话并回调 OnClosed。
func (a *WSAcceptor) handleSession(sess *session.BaseSession, conn session.Conn) {
	if err := a.sessions.Register(sess); err != nil {
		a.handler.OnError(sess, network.StageHandshake, err)
		_ = sess.Close()
		return
	}
	metrics.OnlineConnections.Inc()

	logger := log.Ctx(sess.Context()).With(log.FieldConnID(sess.ID()), zap.Stringer("remote", sess.RemoteAddr()))
	logger.Debug("connection accepted")

	a.handler.OnConnected(sess)

	var cause error
	defer func() {
		a.sessions.Unregister(sess.ID())
		_ = sess.Close()
		metrics.OnlineConnections.Dec()
		logger.Debug("connection closed", zap.Error(cause))
		a.handler.OnClosed(sess, cause)
	}()

	frames := make(chan *protocol.Packet, a.cfg.RecvQueueSize)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		defer close(frames)
		cause = a.readLoop(sess, conn, frames)
	}()

	for pkt := range frames {
		a.handler.OnMessage(sess, pkt)
	}
	<-readDone
}

// readLoop 持续从连接中读取并解码消息帧，将结果写入 frames 通道。
//
// 返回值：
//   - nil 表示正常结束（对端关闭或会话被本端关闭）；
//   - 非 nil 表示读取过程中发生的错误（例如心跳超时）。
func (a *WSAcceptor) readLoop(sess *session.BaseSession, conn session.Conn, frames chan<- *protocol.Packet) error {
	ctx := sess.Context()
	for {
		if a.cfg.ReadTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(a.cfg.ReadTimeout)); err != nil {
				return a.readError(sess, err)
			}
		}

		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return a.readError(sess, err)
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		pkt, err := a.cfg.Codec.Decode(data)
		if err != nil {
			a.handler.OnError(sess, network.StageDecode, err)
			continue
		}

		if pkt.Type == protocol.DataTypePing {
			if err := sess.Send(protocol.DataTypePong, nil); err != nil {
				return nil
			}
			continue
		}

		select {
		case frames <- pkt:
		case <-ctx.Done():
			return nil
		}
	}
}

func (a *WSAcceptor) readError(sess *session.BaseSession, err error) error {
	if sess.Closed() ||
		errors.Is(err, net.ErrClosed) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	a.handler.OnError(sess, network.StageRecvRaw, err)
	return errors.Wrap(network.ErrRecvFailed, err.Error())
}

// Close 实现 Acceptor.Close。
func (a *WSAcceptor) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	a.cancel()
	a.sessions.Range(func(sess session.Session) bool {
		_ = sess.Close()
		return true
	})
	a.wg.Wait()
	return nil
}

// Sessions 实现 Acceptor.Sessions。
func (a *WSAcceptor) Sessions() []session.Session {
	out := make([]session.Session, 0, a.sessions.Count())
	a.sessions.Range(func(sess session.Session) bool {
		out = append(out, sess)
		return true
	})
	return out
}

// Count 返回当前活跃会话数。
func (a *WSAcceptor) Count() int {
	return a.sessions.Count()
}
