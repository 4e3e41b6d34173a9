package eventbus

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-garden-push/internal/model"
	"github.com/lk2023060901/danmu-garden-push/pkg/log"
	"github.com/lk2023060901/danmu-garden-push/pkg/metrics"
	"github.com/lk2023060901/danmu-garden-push/pkg/util/conc"
	"github.com/lk2023060901/danmu-garden-push/pkg/util/merr"
	"github.com/lk2023060901/danmu-garden-push/pkg/util/retry"
)

const defaultWorkers = 16

// HandlerFunc 处理一条绑定事件，本地发布与远端订阅使用同一个 HandlerFunc。
type HandlerFunc func(ctx context.Context, s *model.Session)

// Dispatcher 负责绑定事件的发布与分发。
//
// 说明：
//   - Publish 先在调用方协程中同步执行本地处理，再发布到集群；
//   - Run 订阅集群事件，跳过本节点发布的事件，其余事件提交到协程池处理；
//   - 订阅中断时按指数退避重新订阅。
type Dispatcher struct {
	log.Binder

	node    string
	bus     Bus
	handler HandlerFunc
	pool    *conc.Pool[struct{}]

	publishOpts []retry.Option
}

// NewDispatcher 创建一个 Dispatcher。
//
// 参数：
//   - node   ：当前节点 ID，用于标记与过滤事件来源；
//   - bus    ：集群事件通道；
//   - handler：事件处理函数；
//   - workers：远端事件处理协程池容量，<=0 时使用缺省值。
func NewDispatcher(node string, bus Bus, handler HandlerFunc, workers int) *Dispatcher {
	if workers <= 0 {
		workers = defaultWorkers
	}
	d := &Dispatcher{
		node:    node,
		bus:     bus,
		handler: handler,
		pool:    conc.NewPool[struct{}](workers, conc.WithConcealPanic(true)),
		publishOpts: []retry.Option{
			retry.Attempts(3),
			retry.Sleep(50 * time.Millisecond),
			retry.MaxSleepTime(500 * time.Millisecond),
			retry.RetryErr(merr.IsRetryableErr),
		},
	}
	d.SetLogger(log.With(log.FieldComponent("dispatcher"), log.FieldNode(node), zap.String("backend", bus.Name())))
	return d
}

// Node 返回当前节点 ID。
func (d *Dispatcher) Node() string {
	return d.node
}

// Publish 处理并发布一条本地绑定事件。
//
// 本地处理总会执行；集群发布失败时返回错误，本地处理结果不受影响。
func (d *Dispatcher) Publish(ctx context.Context, s *model.Session) error {
	metrics.BindEventTotal.WithLabelValues(metrics.EventOriginLocal).Inc()
	d.handler(ctx, s)

	ev := &Event{Node: d.node, Session: s}
	err := retry.Do(ctx, func() error {
		return d.bus.Publish(ctx, ev)
	}, d.publishOpts...)
	if err != nil {
		metrics.EventPublishFailures.WithLabelValues(d.bus.Name()).Inc()
		return err
	}
	return nil
}

// Run 订阅集群事件并分发，阻塞直至 ctx 取消或 Bus 关闭。
func (d *Dispatcher) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0

	for {
		events, err := d.bus.Subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, merr.ErrEventBusClosed) {
				return nil
			}
			wait := bo.NextBackOff()
			d.Logger().Warn("subscribe bind events failed, retrying", zap.Duration("wait", wait), zap.Error(err))
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}

		bo.Reset()
		d.Logger().Info("bind event subscription started")
		d.consume(ctx, events)

		if ctx.Err() != nil {
			return nil
		}
		wait := bo.NextBackOff()
		d.Logger().Warn("bind event subscription interrupted, resubscribing", zap.Duration("wait", wait))
		if !sleep(ctx, wait) {
			return nil
		}
	}
}

func (d *Dispatcher) consume(ctx context.Context, events <-chan *Event) {
	for ev := range events {
		if ev.Node == d.node {
			continue
		}
		metrics.BindEventTotal.WithLabelValues(metrics.EventOriginRemote).Inc()

		s := ev.Session
		future := d.pool.Submit(func() (struct{}, error) {
			d.handler(ctx, s)
			return struct{}{}, nil
		})
		// 提交失败时 Future 立即完成并携带错误；不等待正常执行的任务。
		select {
		case <-future.Inner():
			if err := future.Err(); err != nil {
				d.Logger().RatedWarn(1, "dispatch remote bind event failed", log.FieldUID(s.UID), zap.Error(err))
			}
		default:
		}
	}
}

// Close 释放协程池，不关闭 Bus。
func (d *Dispatcher) Close() {
	d.pool.Release()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
