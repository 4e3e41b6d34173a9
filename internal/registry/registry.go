// Package registry 维护本节点上已绑定连接的 uid 索引。
package registry

import (
	"sync"

	"github.com/lk2023060901/danmu-garden-push/internal/model"
	"github.com/lk2023060901/danmu-garden-push/internal/network/session"
	"github.com/lk2023060901/danmu-garden-push/pkg/metrics"
	"github.com/lk2023060901/danmu-garden-push/pkg/util/typeutil"
)

// Registry 为 uid -> 连接集合 的并发安全索引。
//
// 特性：
//   - 一条连接最多属于一个 uid，且只出现一次；
//   - 连接在绑定成功后加入，在传输层关闭通知时移除；
//   - 查询返回快照切片，调用方可以在不持锁的情况下关闭或通知连接。
type Registry struct {
	mu    sync.RWMutex
	users map[string]map[string]session.Session
	conns map[string]string
}

// New 创建一个空的 Registry。
func New() *Registry {
	return &Registry{
		users: make(map[string]map[string]session.Session),
		conns: make(map[string]string),
	}
}

// IsManaged 判断连接是否已登记在某个 uid 下。
func (r *Registry) IsManaged(sess session.Session) bool {
	if sess == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[sess.ID()]
	return ok
}

// Add 将连接登记到其绑定的 uid 下。
//
// 说明：
//   - 未绑定的连接不会被登记，返回 false；
//   - 已登记的连接不重复登记，返回 false。
func (r *Registry) Add(sess session.Session) bool {
	if sess == nil {
		return false
	}
	b := sess.Binding()
	if b == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := sess.ID()
	if _, exists := r.conns[id]; exists {
		return false
	}
	set, ok := r.users[b.UID]
	if !ok {
		set = make(map[string]session.Session)
		r.users[b.UID] = set
	}
	set[id] = sess
	r.conns[id] = b.UID
	metrics.ManagedConnections.Inc()
	return true
}

// Remove 移除连接，不存在时返回 false。
func (r *Registry) Remove(sess session.Session) bool {
	if sess == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := sess.ID()
	uid, ok := r.conns[id]
	if !ok {
		return false
	}
	delete(r.conns, id)
	if set := r.users[uid]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(r.users, uid)
		}
	}
	metrics.ManagedConnections.Dec()
	return true
}

// Find 返回 uid 下设备通道属于 channels 的连接快照。
//
// channels 为空时返回空结果。
func (r *Registry) Find(uid string, channels typeutil.Set[model.Channel]) []session.Session {
	if len(channels) == 0 {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.users[uid]
	out := make([]session.Session, 0, len(set))
	for _, sess := range set {
		if b := sess.Binding(); b != nil && channels.Contain(b.Channel) {
			out = append(out, sess)
		}
	}
	return out
}

// Get 返回 uid 下的全部连接快照。
func (r *Registry) Get(uid string) []session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.users[uid]
	out := make([]session.Session, 0, len(set))
	for _, sess := range set {
		out = append(out, sess)
	}
	return out
}

// Count 返回已登记的连接数。
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Users 返回拥有至少一条连接的 uid 数。
func (r *Registry) Users() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
