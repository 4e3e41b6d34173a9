package eventbus

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-garden-push/pkg/log"
	"github.com/lk2023060901/danmu-garden-push/pkg/util/merr"
)

const (
	BackendRedis = "redis"

	// DefaultRedisChannel 为绑定事件使用的 pub/sub channel。
	DefaultRedisChannel = "signal/channel/bind"
)

// RedisConfig 为 redis 后端配置。
type RedisConfig struct {
	Addrs    []string `mapstructure:"addrs"`
	Password string   `mapstructure:"password"`
	DB       int      `mapstructure:"db"`
	Channel  string   `mapstructure:"channel"`
	// Protocol 为 RESP 协议版本，0 表示使用客户端缺省值。
	Protocol int `mapstructure:"protocol"`
}

// RedisBus 基于 redis pub/sub 的 Bus 实现。
type RedisBus struct {
	client  redis.UniversalClient
	channel string
	owned   bool
	closed  atomic.Bool
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus 基于已有客户端创建 RedisBus，Close 不会关闭该客户端。
func NewRedisBus(client redis.UniversalClient, channel string) *RedisBus {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisBus{client: client, channel: channel}
}

// OpenRedisBus 根据配置创建客户端并校验连通性。
func OpenRedisBus(ctx context.Context, cfg RedisConfig) (*RedisBus, error) {
	if len(cfg.Addrs) == 0 {
		return nil, merr.WrapErrParameterMissing("cluster.redis.addrs")
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Addrs,
		Password: cfg.Password,
		DB:       cfg.DB,
		Protocol: cfg.Protocol,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, merr.WrapErrMqInternal(err, "redis ping")
	}
	b := NewRedisBus(client, cfg.Channel)
	b.owned = true
	return b, nil
}

func (b *RedisBus) Name() string { return BackendRedis }

// Publish 实现 Bus.Publish。
func (b *RedisBus) Publish(ctx context.Context, ev *Event) error {
	if b.closed.Load() {
		return merr.WrapErrEventBusClosed(BackendRedis)
	}
	data, err := ev.Encode()
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return merr.WrapErrEventPublishFailed(BackendRedis, err)
	}
	return nil
}

// Subscribe 实现 Bus.Subscribe。
func (b *RedisBus) Subscribe(ctx context.Context) (<-chan *Event, error) {
	if b.closed.Load() {
		return nil, merr.WrapErrEventBusClosed(BackendRedis)
	}
	pubsub := b.client.Subscribe(ctx, b.channel)
	// 等待订阅确认，避免在订阅生效前发布的事件丢失。
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, merr.WrapErrMqInternal(err, "redis subscribe")
	}

	out := make(chan *Event, defaultSubscribeBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				ev, err := Decode([]byte(msg.Payload))
				if err != nil {
					log.Warn("drop malformed bind event", zap.String("backend", BackendRedis), zap.Error(err))
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close 实现 Bus.Close。
func (b *RedisBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	if b.owned {
		return b.client.Close()
	}
	return nil
}
