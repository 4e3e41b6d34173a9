// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cluster 维护推送节点在 etcd 中的成员信息。
package cluster

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"go.etcd.io/etcd/api/v3/mvccpb"
	v3rpc "go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-garden-push/internal/json"
	"github.com/lk2023060901/danmu-garden-push/pkg/log"
	"github.com/lk2023060901/danmu-garden-push/pkg/util/retry"
)

const (
	DefaultPrefix = "/push/nodes/"
	DefaultTTL    = 10 * time.Second

	registerAttempts = 10
)

// Config 为成员注册配置。
type Config struct {
	Prefix string        `mapstructure:"prefix"`
	TTL    time.Duration `mapstructure:"ttl"`
}

// NodeInfo 为写入 etcd 的节点信息。
type NodeInfo struct {
	ID        string `json:"id"`
	Address   string `json:"address"`
	Backend   string `json:"backend"`
	StartTime int64  `json:"startTime"`
}

// EventType 表示成员变化类型。
type EventType int

const (
	EventJoin EventType = iota + 1
	EventLeave
)

func (t EventType) String() string {
	switch t {
	case EventJoin:
		return "join"
	case EventLeave:
		return "leave"
	default:
		return "unknown"
	}
}

// Event 为一次成员变化，EventLeave 时 Node 只有 ID。
type Event struct {
	Type EventType
	Node NodeInfo
}

// Membership 将当前节点以带租约的 key 注册到 etcd，并提供成员查询与变化通知。
//
// key: prefix + nodeID，value: NodeInfo 的 JSON。
// 租约丢失后会以新租约重新注册，节点退出时撤销租约使 key 立即删除。
type Membership struct {
	log.Binder

	client *clientv3.Client
	prefix string
	ttl    int64
	self   NodeInfo

	leaseID    atomic.Int64
	registered atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewMembership 创建 Membership，Close 不会关闭 client。
func NewMembership(client *clientv3.Client, cfg Config, self NodeInfo) *Membership {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if !strings.HasSuffix(cfg.Prefix, "/") {
		cfg.Prefix += "/"
	}
	if cfg.TTL < time.Second {
		cfg.TTL = DefaultTTL
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Membership{
		client: client,
		prefix: cfg.Prefix,
		ttl:    int64(cfg.TTL / time.Second),
		self:   self,
		ctx:    ctx,
		cancel: cancel,
	}
	m.SetLogger(log.With(log.FieldComponent("membership"), log.FieldNode(self.ID)))
	return m
}

// Self 返回当前节点信息。
func (m *Membership) Self() NodeInfo {
	return m.self
}

func (m *Membership) key() string {
	return m.prefix + m.self.ID
}

// Register 注册当前节点并启动租约续期，只能调用一次。
func (m *Membership) Register(ctx context.Context) error {
	if !m.registered.CompareAndSwap(false, true) {
		return errors.Newf("node %s already registered", m.self.ID)
	}
	if err := m.register(ctx); err != nil {
		m.registered.Store(false)
		return err
	}
	m.wg.Add(1)
	go m.keepAliveLoop()
	return nil
}

// register 授予新租约并以 CAS 写入节点 key。
//
// 流程：
//   - key 不存在时直接写入；
//   - key 已存在且地址相同，视为本节点重启残留，删除后重试；
//   - 其余情况视为节点 ID 冲突，重试直至旧租约过期。
func (m *Membership) register(ctx context.Context) error {
	value, err := json.Marshal(m.self)
	if err != nil {
		return errors.Wrap(err, "marshal node info")
	}
	key := m.key()

	return retry.Do(ctx, func() error {
		lease, err := m.client.Grant(ctx, m.ttl)
		if err != nil {
			m.Logger().Warn("grant lease failed", zap.Error(err))
			return err
		}

		resp, err := m.client.Txn(ctx).
			If(clientv3.Compare(clientv3.Version(key), "=", 0)).
			Then(clientv3.OpPut(key, string(value), clientv3.WithLease(lease.ID))).
			Commit()
		if err != nil {
			m.Logger().Warn("register node failed, check the availability of etcd", zap.Error(err))
			return err
		}
		if !resp.Succeeded {
			_, _ = m.client.Revoke(ctx, lease.ID)
			m.purgeStale(ctx, key)
			return errors.Newf("node key %s already exists", key)
		}

		m.leaseID.Store(int64(lease.ID))
		m.Logger().Info("node registered", zap.String("key", key), zap.Int64("leaseID", int64(lease.ID)))
		return nil
	}, retry.Attempts(registerAttempts), retry.Sleep(200*time.Millisecond), retry.MaxSleepTime(3*time.Second))
}

// purgeStale 删除与当前节点地址相同的残留 key。
func (m *Membership) purgeStale(ctx context.Context, key string) {
	resp, err := m.client.Get(ctx, key)
	if err != nil || len(resp.Kvs) == 0 {
		return
	}
	var old NodeInfo
	if err := json.Unmarshal(resp.Kvs[0].Value, &old); err != nil {
		m.Logger().Warn("unmarshal old node info failed, ignore", zap.Error(err))
		return
	}
	if old.Address == m.self.Address && old.StartTime < m.self.StartTime {
		m.Logger().Warn("found stale node key from previous run, purge it", zap.String("key", key))
		_, _ = m.client.Delete(ctx, key)
	}
}

// keepAliveLoop 持续续期租约；续期通道关闭后按退避重建，租约已失效时重新注册。
func (m *Membership) keepAliveLoop() {
	defer m.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	for {
		if m.ctx.Err() != nil {
			return
		}
		if lastErr != nil {
			wait := bo.NextBackOff()
			m.Logger().Warn("keep alive failed, wait for retry", zap.Error(lastErr), zap.Duration("backoff", wait))
			select {
			case <-time.After(wait):
			case <-m.ctx.Done():
				return
			}
		}

		if err := m.ensureLease(); err != nil {
			lastErr = err
			continue
		}
		ch, err := m.client.KeepAlive(m.ctx, clientv3.LeaseID(m.leaseID.Load()))
		if err != nil {
			lastErr = errors.Wrap(err, "keep alive")
			continue
		}

		// 阻塞直到续期通道关闭。
		for range ch {
		}
		lastErr = errors.New("keep alive channel closed")
		if m.ctx.Err() == nil {
			bo.Reset()
		}
	}
}

// ensureLease 检查当前租约，租约不存在或已过期时重新注册。
func (m *Membership) ensureLease() error {
	ctx, cancel := context.WithTimeout(m.ctx, time.Duration(m.ttl)*time.Second)
	defer cancel()

	resp, err := m.client.TimeToLive(ctx, clientv3.LeaseID(m.leaseID.Load()))
	if err == nil && resp.TTL > 0 {
		return nil
	}
	if err != nil && !errors.Is(err, v3rpc.ErrLeaseNotFound) {
		return errors.Wrap(err, "check lease ttl")
	}
	m.Logger().Warn("lease expired, register again")
	return m.register(m.ctx)
}

// Nodes 返回当前全部成员，以及读取时的 revision。
func (m *Membership) Nodes(ctx context.Context) ([]NodeInfo, int64, error) {
	resp, err := m.client.Get(ctx, m.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, 0, errors.Wrap(err, "list nodes")
	}
	nodes := make([]NodeInfo, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var n NodeInfo
		if err := json.Unmarshal(kv.Value, &n); err != nil {
			m.Logger().Warn("skip malformed node info", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		nodes = append(nodes, n)
	}
	return nodes, resp.Header.GetRevision(), nil
}

// Watch 从 revision 之后开始监听成员变化，ctx 取消或 Close 后返回的通道关闭。
func (m *Membership) Watch(ctx context.Context, revision int64) <-chan Event {
	out := make(chan Event, 16)
	opts := []clientv3.OpOption{clientv3.WithPrefix()}
	if revision > 0 {
		opts = append(opts, clientv3.WithRev(revision+1))
	}
	wch := m.client.Watch(clientv3.WithRequireLeader(ctx), m.prefix, opts...)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.ctx.Done():
				return
			case resp, ok := <-wch:
				if !ok {
					return
				}
				if err := resp.Err(); err != nil {
					m.Logger().Warn("watch nodes failed", zap.Error(err))
					return
				}
				for _, ev := range resp.Events {
					e, ok := m.toEvent(ev)
					if !ok {
						continue
					}
					select {
					case out <- e:
					case <-ctx.Done():
						return
					case <-m.ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out
}

func (m *Membership) toEvent(ev *clientv3.Event) (Event, bool) {
	switch ev.Type {
	case mvccpb.PUT:
		var n NodeInfo
		if err := json.Unmarshal(ev.Kv.Value, &n); err != nil {
			return Event{}, false
		}
		return Event{Type: EventJoin, Node: n}, true
	case mvccpb.DELETE:
		return Event{Type: EventLeave, Node: NodeInfo{ID: strings.TrimPrefix(string(ev.Kv.Key), m.prefix)}}, true
	default:
		return Event{}, false
	}
}

// Close 停止续期并撤销租约，多次调用是幂等的。
func (m *Membership) Close() {
	m.once.Do(func() {
		m.cancel()
		m.wg.Wait()
		if !m.registered.Load() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if _, err := m.client.Revoke(ctx, clientv3.LeaseID(m.leaseID.Load())); err != nil {
			m.Logger().Warn("revoke lease failed", zap.Error(err))
			return
		}
		m.Logger().Info("node unregistered", zap.String("key", m.key()))
	})
}
