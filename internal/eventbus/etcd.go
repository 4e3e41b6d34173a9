package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	v3rpc "go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-garden-push/pkg/log"
	"github.com/lk2023060901/danmu-garden-push/pkg/util/merr"
)

const (
	BackendEtcd = "etcd"

	DefaultEtcdPrefix   = "/push/bind/"
	DefaultEtcdLeaseTTL = 60 * time.Second
)

// EtcdConfig 为 etcd 后端配置。
type EtcdConfig struct {
	Endpoints []string      `mapstructure:"endpoints"`
	UseEmbed  bool          `mapstructure:"use_embed"`
	DataDir   string        `mapstructure:"data_dir"`
	Prefix    string        `mapstructure:"prefix"`
	LeaseTTL  time.Duration `mapstructure:"lease_ttl"`
}

// EtcdBus 基于 etcd 的 Bus 实现。
//
// 每条事件写入 prefix 下一个唯一 key，订阅端通过前缀 watch 接收 PUT 事件。
// 事件 key 挂在总线共享的租约上，租约到期后 key 自动删除：
// 一个租约服务 leaseTTL/2 时间窗口内的全部事件，窗口结束后换新租约，
// 因此每条事件的保留时间在 leaseTTL/2 到 leaseTTL 之间。
// 订阅中断后从上次收到的 revision 之后继续 watch，不丢失中断期间写入的事件。
type EtcdBus struct {
	client   *clientv3.Client
	prefix   string
	leaseTTL time.Duration
	closed   atomic.Bool

	mu      sync.Mutex
	lease   clientv3.LeaseID
	renewAt time.Time
	now     func() time.Time

	// revision 为订阅端最近处理的事件 revision。
	revision atomic.Int64
}

var _ Bus = (*EtcdBus)(nil)

// NewEtcdBus 基于已有客户端创建 EtcdBus，Close 不会关闭该客户端。
func NewEtcdBus(client *clientv3.Client, prefix string, leaseTTL time.Duration) *EtcdBus {
	if prefix == "" {
		prefix = DefaultEtcdPrefix
	}
	if leaseTTL <= 0 {
		leaseTTL = DefaultEtcdLeaseTTL
	}
	if leaseTTL < 2*time.Second {
		leaseTTL = 2 * time.Second
	}
	return &EtcdBus{client: client, prefix: prefix, leaseTTL: leaseTTL, now: time.Now}
}

func (b *EtcdBus) Name() string { return BackendEtcd }

// currentLease 返回当前时间窗口的租约，窗口结束或尚无租约时授予新租约。
func (b *EtcdBus) currentLease(ctx context.Context) (clientv3.LeaseID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.lease != clientv3.NoLease && now.Before(b.renewAt) {
		return b.lease, nil
	}
	resp, err := b.client.Grant(ctx, int64(b.leaseTTL/time.Second))
	if err != nil {
		return clientv3.NoLease, err
	}
	b.lease = resp.ID
	b.renewAt = now.Add(b.leaseTTL / 2)
	return b.lease, nil
}

// dropLease 丢弃失效的租约，下一次 Publish 会授予新租约。
func (b *EtcdBus) dropLease(id clientv3.LeaseID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lease == id {
		b.lease = clientv3.NoLease
	}
}

// Publish 实现 Bus.Publish。
func (b *EtcdBus) Publish(ctx context.Context, ev *Event) error {
	if b.closed.Load() {
		return merr.WrapErrEventBusClosed(BackendEtcd)
	}
	data, err := ev.Encode()
	if err != nil {
		return err
	}

	lease, err := b.currentLease(ctx)
	if err != nil {
		return merr.WrapErrEventPublishFailed(BackendEtcd, err)
	}
	key := b.prefix + ev.Key() + "/" + uuid.NewString()
	if _, err := b.client.Put(ctx, key, string(data), clientv3.WithLease(lease)); err != nil {
		if errors.Is(err, v3rpc.ErrLeaseNotFound) {
			b.dropLease(lease)
		}
		return merr.WrapErrEventPublishFailed(BackendEtcd, err)
	}
	return nil
}

// Subscribe 实现 Bus.Subscribe。
func (b *EtcdBus) Subscribe(ctx context.Context) (<-chan *Event, error) {
	if b.closed.Load() {
		return nil, merr.WrapErrEventBusClosed(BackendEtcd)
	}

	opts := []clientv3.OpOption{clientv3.WithPrefix(), clientv3.WithFilterDelete()}
	if rev := b.revision.Load(); rev > 0 {
		opts = append(opts, clientv3.WithRev(rev+1))
	}
	wctx, cancel := context.WithCancel(clientv3.WithRequireLeader(ctx))
	watchCh := b.client.Watch(wctx, b.prefix, opts...)

	out := make(chan *Event, defaultSubscribeBuffer)
	go func() {
		defer close(out)
		defer cancel()

		for resp := range watchCh {
			if resp.CompactRevision != 0 {
				log.Warn("bind events compacted before delivery",
					zap.String("backend", BackendEtcd), zap.Int64("compactRevision", resp.CompactRevision))
				b.revision.Store(resp.CompactRevision - 1)
			}
			if err := resp.Err(); err != nil {
				log.Warn("bind event watch interrupted", zap.String("backend", BackendEtcd), zap.Error(err))
				return
			}
			for _, e := range resp.Events {
				ev, err := Decode(e.Kv.Value)
				if err != nil {
					log.Warn("drop malformed bind event", zap.String("backend", BackendEtcd),
						zap.ByteString("key", e.Kv.Key), zap.Error(err))
					b.revision.Store(e.Kv.ModRevision)
					continue
				}
				select {
				case out <- ev:
					b.revision.Store(e.Kv.ModRevision)
				case <-wctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close 实现 Bus.Close，撤销当前租约使尚未过期的事件 key 立即删除。
func (b *EtcdBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.mu.Lock()
	lease := b.lease
	b.lease = clientv3.NoLease
	b.mu.Unlock()

	if lease == clientv3.NoLease {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := b.client.Revoke(ctx, lease); err != nil {
		log.Warn("revoke bind event lease failed", zap.String("backend", BackendEtcd), zap.Error(err))
	}
	return nil
}
