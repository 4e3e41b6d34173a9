// Package store 持久化绑定成功的会话记录。
package store

import (
	"context"
	"sync"

	"go.uber.org/atomic"

	"github.com/lk2023060901/danmu-garden-push/internal/model"
)

// SessionStore 为会话记录的持久化接口。
type SessionStore interface {
	// Save 写入一条会话记录，成功后 s.ID 被填充为持久化层分配的 ID。
	Save(ctx context.Context, s *model.Session) error
}

// Closer 为持有外部资源的 SessionStore 额外实现的接口。
type Closer interface {
	Close() error
}

// MemoryStore 为基于内存的 SessionStore 实现，用于单机部署与测试。
type MemoryStore struct {
	seq atomic.Int64

	mu       sync.RWMutex
	sessions map[int64]*model.Session
}

var _ SessionStore = (*MemoryStore)(nil)

// NewMemoryStore 创建一个空的 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[int64]*model.Session)}
}

// Save 实现 SessionStore.Save。
func (m *MemoryStore) Save(ctx context.Context, s *model.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.ID = m.seq.Inc()

	m.mu.Lock()
	m.sessions[s.ID] = s.Clone()
	m.mu.Unlock()
	return nil
}

// Get 根据 ID 返回会话记录的副本。
func (m *MemoryStore) Get(id int64) (*model.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s.Clone(), ok
}

// Count 返回已保存的记录数。
func (m *MemoryStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
