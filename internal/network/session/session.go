package session

import (
	"context"
	"net"

	"github.com/lk2023060901/danmu-garden-push/internal/model"
	"github.com/lk2023060901/danmu-garden-push/internal/network/protocol"
)

// Binding 为连接在绑定成功后携带的属性。
//
// 说明：
//   - 每条连接最多绑定一次，绑定后不再修改；
//   - 冲突判定与连接关闭清理只读取这里的字段。
type Binding struct {
	UID       string
	Channel   model.Channel
	DeviceID  string
	Language  string
	SessionID int64
}

// Session 抽象了一条推送长连接。
//
// 约定：
//   - 每个 Session 对应一条底层 WebSocket 连接；
//   - Session ID 在接入时分配（UUID 字符串），在集群内保持唯一；
//   - 框架层只关心连接本身，用户、设备等概念通过 Binding 挂载。
type Session interface {
	// ID 返回连接在集群内的唯一标识。
	ID() string

	// Context 返回与该连接关联的上下文，连接关闭时触发 Done。
	Context() context.Context

	// RemoteAddr 返回远端地址（客户端地址）。
	RemoteAddr() net.Addr

	// LocalAddr 返回本端地址（服务器监听地址）。
	LocalAddr() net.Addr

	// Binding 返回绑定属性；尚未绑定时返回 nil。
	Binding() *Binding

	// Bind 为连接设置绑定属性。
	//
	// 只有第一次调用会成功并返回 true，之后的调用返回 false 且不修改已有属性。
	Bind(b Binding) bool

	// Send 将一条消息投递到发送队列，由发送协程按顺序编码并写出。
	//
	// 连接已关闭时返回 merr.ErrSessionClosed。
	Send(dataType protocol.DataType, msg any) error

	// SendAndClose 投递一条消息，并在该消息写出（或写失败）后关闭连接。
	SendAndClose(dataType protocol.DataType, msg any) error

	// Close 主动关闭连接。多次调用是幂等的。
	Close() error

	// Done 返回连接关闭时关闭的 channel。
	Done() <-chan struct{}
}
