// Package bind 处理客户端的绑定请求。
package bind

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-garden-push/internal/model"
	"github.com/lk2023060901/danmu-garden-push/internal/network/protocol"
	"github.com/lk2023060901/danmu-garden-push/internal/network/session"
	"github.com/lk2023060901/danmu-garden-push/internal/store"
	"github.com/lk2023060901/danmu-garden-push/pkg/log"
	"github.com/lk2023060901/danmu-garden-push/pkg/metrics"
	"github.com/lk2023060901/danmu-garden-push/pkg/util/merr"
)

// 绑定请求 SentBody.Data 中的字段名。
const (
	FieldUID        = "uid"
	FieldDeviceID   = "deviceId"
	FieldChannel    = "channel"
	FieldDeviceName = "deviceName"
	FieldAppVersion = "appVersion"
	FieldOSVersion  = "osVersion"
	FieldLanguage   = "language"
)

// Registry 为 Processor 依赖的连接登记能力，*registry.Registry 满足该接口。
type Registry interface {
	IsManaged(sess session.Session) bool
	Add(sess session.Session) bool
}

// Publisher 发布绑定事件，*eventbus.Dispatcher 满足该接口。
type Publisher interface {
	Publish(ctx context.Context, s *model.Session) error
}

// Processor 处理 client_bind 请求。
type Processor struct {
	log.Binder

	node      string
	registry  Registry
	store     store.SessionStore
	publisher Publisher
	now       func() time.Time
}

// NewProcessor 创建一个 Processor。
//
// 参数：
//   - node     ：当前节点 ID，写入 Session.Host；
//   - reg      ：本地连接登记表；
//   - st       ：会话持久化；
//   - publisher：绑定事件发布者。
func NewProcessor(node string, reg Registry, st store.SessionStore, publisher Publisher) *Processor {
	p := &Processor{
		node:      node,
		registry:  reg,
		store:     st,
		publisher: publisher,
		now:       time.Now,
	}
	p.SetLogger(log.With(log.FieldComponent("bind"), log.FieldNode(node)))
	return p
}

// Handle 处理一条绑定请求，签名与 router.Handler 一致。
//
// 流程：
//  1. 连接已登记时直接返回，不应答也不发布事件；
//  2. 由请求字段与连接 ID 构造 Session 并持久化，失败时直接返回错误；
//  3. 为连接设置绑定属性并登记到 Registry；
//  4. 应答 code=200；
//  5. 发布绑定事件（本地同步处理并广播到集群）。
func (p *Processor) Handle(ctx context.Context, sess session.Session, body *protocol.SentBody) error {
	start := p.now()
	if p.registry.IsManaged(sess) {
		metrics.BindTotal.WithLabelValues(metrics.BindResultDuplicate).Inc()
		return nil
	}

	uid := body.Get(FieldUID)
	if uid == "" {
		metrics.BindTotal.WithLabelValues(metrics.BindResultInvalid).Inc()
		return merr.WrapErrParameterMissing(FieldUID, "client_bind")
	}

	s := &model.Session{
		UID:          uid,
		ConnectionID: sess.ID(),
		DeviceID:     body.Get(FieldDeviceID),
		DeviceName:   body.Get(FieldDeviceName),
		Channel:      model.Channel(body.Get(FieldChannel)),
		AppVersion:   body.Get(FieldAppVersion),
		OSVersion:    body.Get(FieldOSVersion),
		Language:     body.Get(FieldLanguage),
		Host:         p.node,
		BindTime:     start,
	}
	logger := p.Logger().With(model.FieldSession(s))

	if err := p.store.Save(ctx, s); err != nil {
		metrics.BindTotal.WithLabelValues(metrics.BindResultFailed).Inc()
		return merr.WrapErrSessionPersistFailed(uid, err)
	}

	if !sess.Bind(session.Binding{
		UID:       s.UID,
		Channel:   s.Channel,
		DeviceID:  s.DeviceID,
		Language:  s.Language,
		SessionID: s.ID,
	}) {
		// 连接已绑定过（登记已随关闭通知移除），不再重复处理。
		metrics.BindTotal.WithLabelValues(metrics.BindResultDuplicate).Inc()
		logger.Warn("connection already bound, ignore bind request")
		return nil
	}
	if !p.registry.Add(sess) {
		// 并发的绑定请求已先一步完成登记并负责应答与发布。
		metrics.BindTotal.WithLabelValues(metrics.BindResultDuplicate).Inc()
		logger.Warn("connection already registered, ignore bind request")
		return nil
	}

	reply := &protocol.ReplyBody{
		Key:       body.Key,
		Code:      protocol.CodeOK,
		Timestamp: p.now().UnixMilli(),
	}
	if err := sess.Send(protocol.DataTypeReply, reply); err != nil {
		logger.Warn("failed to send bind reply", zap.Error(err))
	}

	metrics.BindTotal.WithLabelValues(metrics.BindResultSuccess).Inc()
	metrics.BindLatency.Observe(float64(p.now().Sub(start).Milliseconds()))
	logger.Info("connection bound")

	if err := p.publisher.Publish(ctx, s); err != nil {
		logger.Warn("failed to publish bind event to cluster", zap.Error(err))
	}
	return nil
}
