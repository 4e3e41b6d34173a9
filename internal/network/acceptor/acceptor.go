package acceptor

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lk2023060901/danmu-garden-push/internal/network"
	"github.com/lk2023060901/danmu-garden-push/internal/network/codec"
	"github.com/lk2023060901/danmu-garden-push/internal/network/protocol"
	"github.com/lk2023060901/danmu-garden-push/internal/network/session"
)

// Config 描述 Acceptor 在会话层面的配置。
//
// 说明：
//   - SendQueueSize/RecvQueueSize 控制每个连接的发送/接收缓冲队列大小；
//   - ReadTimeout/WriteTimeout 控制单次读写的超时时间（为 0 表示不设置 deadline），
//     ReadTimeout 同时起到心跳超时的作用，客户端需在该时间内发送任意帧（通常为 ping）；
//   - MaxMessageSize 限制单帧大小，为 0 表示不限制。
type Config struct {
	SendQueueSize int
	RecvQueueSize int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	MaxMessageSize int64

	// Upgrader 允许调用方自定义 gorilla/websocket 的升级行为。
	// 若为 nil，则使用内部默认的 Upgrader。
	Upgrader *websocket.Upgrader

	// Codec 为当前接入层使用的编解码器，为 nil 时使用 codec.NewJSON()。
	Codec codec.Codec
}

// 默认配置。
func defaultConfig() Config {
	return Config{
		SendQueueSize: 256,
		RecvQueueSize: 64,
	}
}

func (cfg *Config) fillDefaults() {
	def := defaultConfig()
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}
	if cfg.RecvQueueSize <= 0 {
		cfg.RecvQueueSize = def.RecvQueueSize
	}
	if cfg.Codec == nil {
		cfg.Codec = codec.NewJSON()
	}
	if cfg.Upgrader == nil {
		cfg.Upgrader = &websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		}
	}
}

// Handler 由框架使用者实现，用于在服务器侧的各个阶段插入自定义逻辑。
//
// 说明：
//   - 同一会话上的 OnMessage 串行调用；
//   - ping 帧由接入层直接应答 pong，不会回调 OnMessage。
type Handler interface {
	// OnConnected 在握手成功并创建好会话后被调用。
	OnConnected(sess session.Session)

	// OnMessage 在成功解码出一帧后被调用，pkt.Payload 为明文字节。
	OnMessage(sess session.Session, pkt *protocol.Packet)

	// OnClosed 在会话生命周期结束时被调用，每个会话恰好一次。
	//
	// 参数 err 为关闭原因，正常关闭时为 nil。
	OnClosed(sess session.Session, err error)

	// OnError 在会话处理的各个阶段发生错误时被调用。
	//
	// stage 用于标识错误发生的位置；握手失败时 sess 为 nil。
	OnError(sess session.Session, stage network.Stage, err error)
}

// Acceptor 抽象了服务器侧的 WebSocket 接入层。
//
// 职责：
//   - 作为 http.Handler 处理 WebSocket 升级；
//   - 为每个连接创建 Session，并调用 Handler 的各阶段回调；
//   - 维护当前活跃会话列表，便于运维与监控。
type Acceptor interface {
	http.Handler

	// Close 主动关闭所有会话，并等待各连接的处理协程退出。
	Close() error

	// Sessions 返回当前活跃会话的快照。
	Sessions() []session.Session
}
