package server

import (
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-garden-push/internal/network"
	"github.com/lk2023060901/danmu-garden-push/internal/network/acceptor"
	"github.com/lk2023060901/danmu-garden-push/internal/network/protocol"
	"github.com/lk2023060901/danmu-garden-push/internal/network/session"
	"github.com/lk2023060901/danmu-garden-push/pkg/log"
	"github.com/lk2023060901/danmu-garden-push/pkg/util/merr"
)

// handler 将 acceptor 的回调接到路由与连接登记表。
type handler struct {
	server *Server
}

var _ acceptor.Handler = (*handler)(nil)

func (h *handler) OnConnected(session.Session) {}

func (h *handler) OnMessage(sess session.Session, pkt *protocol.Packet) {
	if pkt.Type != protocol.DataTypeSent {
		h.server.Logger().RatedDebug(10, "ignore unexpected packet",
			log.FieldConnID(sess.ID()), zap.Stringer("type", pkt.Type))
		return
	}

	err := h.server.router.Handle(sess.Context(), sess, pkt.Payload)
	if err == nil {
		return
	}
	fields := []zap.Field{log.FieldConnID(sess.ID()), zap.Int32("code", merr.Code(err)), zap.Error(err)}
	if b := sess.Binding(); b != nil {
		fields = append(fields, log.FieldUID(b.UID))
	}
	switch {
	case errors.Is(err, merr.ErrRouteNotFound), errors.Is(err, network.ErrDecodeFailed):
		h.server.Logger().RatedWarn(10, "ignore unroutable request", fields...)
	default:
		h.server.Logger().Warn("handle request failed", fields...)
	}
}

// OnClosed 为每条连接恰好调用一次的关闭通知，负责从登记表中移除连接。
func (h *handler) OnClosed(sess session.Session, err error) {
	if h.server.registry.Remove(sess) {
		b := sess.Binding()
		h.server.Logger().Debug("bound connection closed",
			log.FieldConnID(sess.ID()), log.FieldUID(b.UID), zap.Error(err))
	}
}

func (h *handler) OnError(sess session.Session, stage network.Stage, err error) {
	fields := []zap.Field{zap.String("stage", string(stage)), zap.Error(err)}
	if sess != nil {
		fields = append(fields, log.FieldConnID(sess.ID()))
	}
	h.server.Logger().RatedWarn(1, "connection error", fields...)
}
