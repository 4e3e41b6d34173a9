package conflict

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-garden-push/internal/model"
	"github.com/lk2023060901/danmu-garden-push/internal/network/protocol"
	"github.com/lk2023060901/danmu-garden-push/internal/network/session"
	"github.com/lk2023060901/danmu-garden-push/pkg/log"
	"github.com/lk2023060901/danmu-garden-push/pkg/metrics"
	"github.com/lk2023060901/danmu-garden-push/pkg/util/merr"
	"github.com/lk2023060901/danmu-garden-push/pkg/util/typeutil"
)

// Finder 为 Resolver 依赖的本地连接查询能力，*registry.Registry 满足该接口。
type Finder interface {
	Find(uid string, channels typeutil.Set[model.Channel]) []session.Session
}

// Outcome 为一次绑定事件的处理结果。
type Outcome struct {
	// Replaced 为同设备重连被静默关闭的连接数。
	Replaced int
	// Kicked 为收到下线通知后被关闭的其他设备连接数。
	Kicked int
	// Failed 为下线通知投递失败、直接关闭的连接数。
	Failed int
}

// Resolver 在绑定事件到达时处理本节点上与之冲突的连接。
//
// 本地绑定与集群订阅收到的远端绑定都通过 OnBindEvent 进入，处理逻辑一致。
type Resolver struct {
	log.Binder

	policy *Policy
	finder Finder
	now    func() time.Time
}

// NewResolver 创建一个 Resolver，policy 为 nil 时使用 DefaultPolicy。
func NewResolver(policy *Policy, finder Finder) *Resolver {
	if policy == nil {
		policy = DefaultPolicy()
	}
	r := &Resolver{
		policy: policy,
		finder: finder,
		now:    time.Now,
	}
	r.SetLogger(log.With(log.FieldComponent("conflict")))
	return r
}

// Policy 返回当前使用的规则表。
func (r *Resolver) Policy() *Policy {
	return r.policy
}

// OnBindEvent 处理一次绑定事件。
//
// 流程：
//  1. 根据新连接的设备通道取出互斥通道集合，为空时直接返回；
//  2. 在本地 Registry 中查出该 uid 下属于互斥通道的连接；
//  3. 跳过新连接本身，以及 keep-alive 通道下同一设备的连接；
//  4. 同一设备的旧连接直接关闭；其他设备的连接先下发下线通知再关闭。
//
// 每条候选连接独立处理，单条失败不影响其余连接。
func (r *Resolver) OnBindEvent(ctx context.Context, s *model.Session) Outcome {
	var out Outcome
	if s == nil {
		return out
	}

	channels := r.policy.ConflictsWith(s.Channel)
	if channels.Len() == 0 {
		return out
	}

	logger := r.Logger().With(log.FieldUID(s.UID), log.FieldConnID(s.ConnectionID))
	for _, cand := range r.finder.Find(s.UID, channels) {
		b := cand.Binding()
		if b == nil {
			continue
		}
		if cand.ID() == s.ConnectionID || (r.policy.IsKeepAlive(b.Channel) && b.DeviceID == s.DeviceID) {
			continue
		}

		if b.DeviceID == s.DeviceID {
			_ = cand.Close()
			out.Replaced++
			metrics.ConflictTotal.WithLabelValues(metrics.ConflictActionReplace).Inc()
			logger.Info("replaced connection of the same device",
				zap.String("closed", cand.ID()),
				zap.String("deviceID", b.DeviceID),
				zap.Stringer("channel", b.Channel))
			continue
		}

		err := cand.SendAndClose(protocol.DataTypeMessage, r.forceOfflineMessage(s))
		switch {
		case err == nil:
			out.Kicked++
			metrics.ConflictTotal.WithLabelValues(metrics.ConflictActionKick).Inc()
			logger.Info("kicked connection of another device",
				zap.String("closed", cand.ID()),
				zap.String("deviceID", b.DeviceID),
				zap.Stringer("channel", b.Channel))
		case errors.Is(err, merr.ErrSessionClosed):
			// 候选连接已关闭，无需处理。
		default:
			_ = cand.Close()
			out.Failed++
			metrics.ConflictTotal.WithLabelValues(metrics.ConflictActionFailed).Inc()
			logger.Warn("failed to notify conflicting connection, closed directly",
				zap.String("closed", cand.ID()),
				zap.Error(err))
		}
	}

	if out != (Outcome{}) {
		log.Ctx(ctx).Debug("bind event resolved",
			model.FieldSession(s),
			zap.Int("replaced", out.Replaced),
			zap.Int("kicked", out.Kicked),
			zap.Int("failed", out.Failed))
	}
	return out
}

func (r *Resolver) forceOfflineMessage(s *model.Session) *protocol.Message {
	return &protocol.Message{
		Action:    protocol.ActionForceOffline,
		Sender:    protocol.SystemSender,
		Receiver:  s.UID,
		Content:   s.DeviceName,
		Timestamp: r.now().UnixMilli(),
	}
}
