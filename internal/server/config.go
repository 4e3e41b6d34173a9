package server

import (
	"time"

	"github.com/google/uuid"

	"github.com/lk2023060901/danmu-garden-push/internal/cluster"
	"github.com/lk2023060901/danmu-garden-push/internal/conflict"
	"github.com/lk2023060901/danmu-garden-push/internal/eventbus"
	"github.com/lk2023060901/danmu-garden-push/internal/store"
	"github.com/lk2023060901/danmu-garden-push/pkg/util/merr"
	zviper "github.com/lk2023060901/danmu-garden-push/pkg/util/viper"
)

// ConfigKey 为推送服务在配置文件中的根 key。
const ConfigKey = "push"

// Config 为推送服务的完整配置。
type Config struct {
	Node     NodeConfig      `mapstructure:"node"`
	HTTP     HTTPConfig      `mapstructure:"http"`
	Store    store.Config    `mapstructure:"store"`
	Cluster  ClusterConfig   `mapstructure:"cluster"`
	Conflict conflict.Config `mapstructure:"conflict"`
}

// NodeConfig 描述当前节点。
type NodeConfig struct {
	// ID 为节点 ID，留空时启动时生成 UUID。
	ID string `mapstructure:"id"`
	// Host 为对其他节点公布的地址，留空时使用 HTTP.Addr。
	Host string `mapstructure:"host"`
}

// HTTPConfig 为 HTTP 与 WebSocket 接入配置。
type HTTPConfig struct {
	Addr              string        `mapstructure:"addr"`
	WSPath            string        `mapstructure:"ws_path"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	SendQueueSize     int           `mapstructure:"send_queue_size"`
	MaxMessageSize    int64         `mapstructure:"max_message_size"`
	EnableCompression bool          `mapstructure:"enable_compression"`
}

// ClusterConfig 为集群事件通道配置。
type ClusterConfig struct {
	// Backend 可选 memory、redis、etcd、kafka。
	Backend string               `mapstructure:"backend"`
	Workers int                  `mapstructure:"workers"`
	Redis   eventbus.RedisConfig `mapstructure:"redis"`
	Etcd    eventbus.EtcdConfig  `mapstructure:"etcd"`
	Kafka   eventbus.KafkaConfig `mapstructure:"kafka"`

	// Membership 仅在 etcd 后端下生效，用于登记集群内的推送节点。
	Membership cluster.Config `mapstructure:"membership"`
}

// DefaultConfig 返回缺省配置：单节点、内存持久化与内存事件通道。
func DefaultConfig() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:           ":8080",
			WSPath:         "/ws",
			ReadTimeout:    120 * time.Second,
			WriteTimeout:   10 * time.Second,
			SendQueueSize:  256,
			MaxMessageSize: 64 * 1024,
		},
		Store: store.Config{
			Driver:      store.DriverMemory,
			AutoMigrate: true,
		},
		Cluster: ClusterConfig{
			Backend: eventbus.BackendMemory,
			Workers: 16,
			Redis:   eventbus.RedisConfig{Channel: eventbus.DefaultRedisChannel},
			Etcd: eventbus.EtcdConfig{
				Prefix:   eventbus.DefaultEtcdPrefix,
				LeaseTTL: eventbus.DefaultEtcdLeaseTTL,
			},
			Kafka: eventbus.KafkaConfig{
				Topic:       eventbus.DefaultKafkaTopic,
				GroupPrefix: eventbus.DefaultKafkaGroupPrefix,
			},
			Membership: cluster.Config{
				Prefix: cluster.DefaultPrefix,
				TTL:    cluster.DefaultTTL,
			},
		},
	}
}

// LoadConfig 从 cfg 的 push 段加载配置，未设置的字段保留缺省值。
func LoadConfig(cfg *zviper.Config) (Config, error) {
	c := DefaultConfig()
	if cfg != nil {
		if err := cfg.UnmarshalKey(ConfigKey, &c); err != nil {
			return c, err
		}
	}
	return c, c.normalize()
}

func (c *Config) normalize() error {
	if c.Node.ID == "" {
		c.Node.ID = uuid.NewString()
	}
	if c.Node.Host == "" {
		c.Node.Host = c.HTTP.Addr
	}
	if c.HTTP.WSPath == "" {
		c.HTTP.WSPath = "/ws"
	}
	switch c.Cluster.Backend {
	case "", eventbus.BackendMemory, eventbus.BackendRedis, eventbus.BackendEtcd, eventbus.BackendKafka:
	default:
		return merr.WrapErrParameterInvalid("memory|redis|etcd|kafka", c.Cluster.Backend, "cluster.backend")
	}
	return nil
}
