package router

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/danmu-garden-push/internal/network/codec"
	"github.com/lk2023060901/danmu-garden-push/internal/network/protocol"
	"github.com/lk2023060901/danmu-garden-push/internal/network/session"
	"github.com/lk2023060901/danmu-garden-push/pkg/util/merr"
)

// Handler 是框架暴露给业务层的上行请求处理函数签名。
//
// 说明：
//   - sess：当前会话，用于读取绑定属性并发送应答；
//   - body：已经反序列化的上行请求；
//   - 返回的 err 由上层决定如何记录，Router 不会自动应答。
type Handler func(ctx context.Context, sess session.Session, body *protocol.SentBody) error

// Router 维护 SentBody.Key 到处理函数的映射。
//
// 典型调用链（服务器侧）：
//  1. acceptor 从连接中解码出 DataTypeSent 帧；
//  2. 上层调用 Router.Handle(ctx, sess, payload)；
//  3. Router 反序列化出 SentBody，根据 Key 找到 Handler 并调用。
type Router interface {
	// Register 为 key 注册一个处理函数，同一 key 不允许重复注册。
	Register(key string, h Handler) error

	// Handle 处理一条 DataTypeSent 帧的明文载荷。
	//
	// 未注册的 key 返回 merr.ErrRouteNotFound。
	Handle(ctx context.Context, sess session.Session, payload []byte) error
}

// defaultRouter 是 Router 接口的基础实现。
type defaultRouter struct {
	codec codec.Codec

	mu     sync.RWMutex
	routes map[string]Handler
}

// 编译期断言：确保 defaultRouter 实现了 Router 接口。
var _ Router = (*defaultRouter)(nil)

// New 创建一个基于给定 Codec 的 Router 实例，c 为 nil 时使用 codec.NewJSON()。
func New(c codec.Codec) Router {
	if c == nil {
		c = codec.NewJSON()
	}
	return &defaultRouter{
		codec:  c,
		routes: make(map[string]Handler),
	}
}

// Register 实现 Router.Register。
func (r *defaultRouter) Register(key string, h Handler) error {
	if key == "" {
		return merr.WrapErrParameterMissing("key")
	}
	if h == nil {
		return merr.WrapErrParameterMissing("handler", key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.routes[key]; exists {
		return merr.WrapErrRouteDuplicated(key)
	}
	r.routes[key] = h
	return nil
}

// Handle 实现 Router.Handle。
func (r *defaultRouter) Handle(ctx context.Context, sess session.Session, payload []byte) error {
	if sess == nil {
		return errors.New("router: session is nil")
	}

	body := &protocol.SentBody{}
	if err := r.codec.Unmarshal(payload, body); err != nil {
		return err
	}

	r.mu.RLock()
	h, ok := r.routes[body.Key]
	r.mu.RUnlock()
	if !ok {
		return merr.WrapErrRouteNotFound(body.Key)
	}
	return h(ctx, sess, body)
}
