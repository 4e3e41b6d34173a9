package session

// SessionManager 维护当前节点上所有已接入连接的索引。
//
// 职责说明：
//   - 只负责会话的注册、查询和移除，不直接创建或关闭底层连接；
//   - Session 的具体生命周期（何时创建/关闭）由 acceptor 决定；
//   - 与用户绑定相关的索引由 registry 维护，这里只按连接 ID 索引。
type SessionManager interface {
	// Register 将一个已创建好的 Session 注册到管理器中。
	//
	// 要求：
	//   - sess.ID() 必须在集群内唯一；
	//   - 当存在相同 ID 的会话时，返回 merr.ErrSessionDuplicated，不覆盖旧会话。
	Register(sess Session) error

	// Get 根据连接 ID 查找会话。
	Get(id string) (sess Session, ok bool)

	// Unregister 从管理器中移除指定 id 的会话。
	//
	// 说明：
	//   - 仅删除索引，不负责调用 sess.Close()；
	//   - 不存在时返回 false。
	Unregister(id string) bool

	// Range 遍历当前所有会话，fn 返回 false 时中断遍历。
	Range(fn func(sess Session) bool)

	// Count 返回当前已注册的会话数量。
	Count() int
}
