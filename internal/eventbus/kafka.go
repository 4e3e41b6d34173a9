package eventbus

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-garden-push/pkg/log"
	"github.com/lk2023060901/danmu-garden-push/pkg/util/merr"
)

const (
	BackendKafka = "kafka"

	DefaultKafkaTopic       = "push-bind"
	DefaultKafkaGroupPrefix = "push-"
)

// KafkaConfig 为 kafka 后端配置。
type KafkaConfig struct {
	Brokers     []string `mapstructure:"brokers"`
	Topic       string   `mapstructure:"topic"`
	GroupPrefix string   `mapstructure:"group_prefix"`
}

// KafkaBus 基于 kafka 的 Bus 实现。
//
// 说明：
//   - 写入时以 uid 作为消息 key，同一用户的事件落在同一分区；
//   - 每个节点使用独立的 consumer group（GroupPrefix + 节点 ID），从而每个节点都能收到全部事件；
//   - 新 group 从最新位置开始消费，节点离线期间的历史事件不再处理。
type KafkaBus struct {
	cfg    KafkaConfig
	node   string
	writer *kafka.Writer
	closed atomic.Bool
}

var _ Bus = (*KafkaBus)(nil)

// NewKafkaBus 创建一个 KafkaBus。
func NewKafkaBus(cfg KafkaConfig, node string) (*KafkaBus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, merr.WrapErrParameterMissing("cluster.kafka.brokers")
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultKafkaTopic
	}
	if cfg.GroupPrefix == "" {
		cfg.GroupPrefix = DefaultKafkaGroupPrefix
	}
	return &KafkaBus{
		cfg:  cfg,
		node: node,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
	}, nil
}

func (b *KafkaBus) Name() string { return BackendKafka }

// Publish 实现 Bus.Publish。
func (b *KafkaBus) Publish(ctx context.Context, ev *Event) error {
	if b.closed.Load() {
		return merr.WrapErrEventBusClosed(BackendKafka)
	}
	data, err := ev.Encode()
	if err != nil {
		return err
	}
	if err := b.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.Key()), Value: data}); err != nil {
		return merr.WrapErrEventPublishFailed(BackendKafka, err)
	}
	return nil
}

// Subscribe 实现 Bus.Subscribe。
func (b *KafkaBus) Subscribe(ctx context.Context) (<-chan *Event, error) {
	if b.closed.Load() {
		return nil, merr.WrapErrEventBusClosed(BackendKafka)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     b.cfg.Brokers,
		Topic:       b.cfg.Topic,
		GroupID:     b.cfg.GroupPrefix + b.node,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
	})

	out := make(chan *Event, defaultSubscribeBuffer)
	go func() {
		defer close(out)
		defer reader.Close()

		for {
			msg, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
					log.Warn("bind event read interrupted", zap.String("backend", BackendKafka), zap.Error(err))
				}
				return
			}
			ev, err := Decode(msg.Value)
			if err != nil {
				log.Warn("drop malformed bind event", zap.String("backend", BackendKafka),
					zap.Int64("offset", msg.Offset), zap.Error(err))
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close 实现 Bus.Close。
func (b *KafkaBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return b.writer.Close()
}
