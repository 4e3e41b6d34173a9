package bind

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/danmu-garden-push/internal/conflict"
	"github.com/lk2023060901/danmu-garden-push/internal/eventbus"
	"github.com/lk2023060901/danmu-garden-push/internal/json"
	"github.com/lk2023060901/danmu-garden-push/internal/model"
	"github.com/lk2023060901/danmu-garden-push/internal/network/protocol"
	"github.com/lk2023060901/danmu-garden-push/internal/network/session/sessiontest"
	"github.com/lk2023060901/danmu-garden-push/internal/registry"
	"github.com/lk2023060901/danmu-garden-push/internal/store"
	"github.com/lk2023060901/danmu-garden-push/pkg/util/etcd/etcdtest"
)

// observedBus 在订阅流上记录收到的事件，用于确认节点订阅已生效。
type observedBus struct {
	eventbus.Bus
	seen chan struct{}
}

func observe(bus eventbus.Bus) *observedBus {
	return &observedBus{Bus: bus, seen: make(chan struct{}, 1)}
}

func (b *observedBus) Subscribe(ctx context.Context) (<-chan *eventbus.Event, error) {
	events, err := b.Bus.Subscribe(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan *eventbus.Event)
	go func() {
		defer close(out)
		for ev := range events {
			select {
			case b.seen <- struct{}{}:
			default:
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

func (b *observedBus) ready() bool {
	select {
	case <-b.seen:
		return true
	default:
		return false
	}
}

type clusterNode struct {
	id        string
	registry  *registry.Registry
	processor *Processor
	bus       *observedBus
}

func startClusterNode(t *testing.T, id string, bus eventbus.Bus) *clusterNode {
	t.Helper()
	n := &clusterNode{id: id, registry: registry.New(), bus: observe(bus)}
	resolver := conflict.NewResolver(conflict.DefaultPolicy(), n.registry)
	dispatcher := eventbus.NewDispatcher(id, n.bus, func(ctx context.Context, s *model.Session) {
		resolver.OnBindEvent(ctx, s)
	}, 2)
	n.processor = NewProcessor(id, n.registry, store.NewMemoryStore(), dispatcher)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = dispatcher.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		dispatcher.Close()
		<-done
	})
	return n
}

// waitClusterReady 持续发布一条无人绑定的事件，直到所有节点都从总线收到。
func waitClusterReady(t *testing.T, bus eventbus.Bus, nodes ...*clusterNode) {
	t.Helper()
	pending := make(map[string]*clusterNode, len(nodes))
	for _, n := range nodes {
		pending[n.id] = n
	}
	warmup := &eventbus.Event{
		Node:    "warmup",
		Session: &model.Session{UID: "warmup", ConnectionID: "warmup", Channel: model.ChannelWeb},
	}
	require.Eventually(t, func() bool {
		_ = bus.Publish(context.Background(), warmup)
		time.Sleep(20 * time.Millisecond)
		for id, n := range pending {
			if n.bus.ready() {
				delete(pending, id)
			}
		}
		return len(pending) == 0
	}, 10*time.Second, 50*time.Millisecond)
}

func assertForceOffline(t *testing.T, conn *sessiontest.Conn, uid string) {
	t.Helper()
	pkt := conn.NextPacket(t, waitTimeout)
	require.Equal(t, protocol.DataTypeMessage, pkt.Type)
	var msg protocol.Message
	require.NoError(t, json.Unmarshal(pkt.Payload, &msg))
	assert.Equal(t, protocol.ActionForceOffline, msg.Action)
	assert.Equal(t, uid, msg.Receiver)
}

// runTwoNodeConflict 验证跨节点的冲突处理：
//   - 节点 A 的 android 绑定踢下节点 B 上的 ios 连接，B 上的 web 连接保留；
//   - 节点 A 自己的新连接不受任何节点影响；
//   - 节点 B 上同设备的 android 重连替换节点 A 上的旧连接，且不下发通知。
func runTwoNodeConflict(t *testing.T, busA, busB eventbus.Bus) {
	nodeA := startClusterNode(t, "node-a", busA)
	nodeB := startClusterNode(t, "node-b", busB)
	waitClusterReady(t, busA, nodeA, nodeB)

	ctx := context.Background()

	ios, iosConn := sessiontest.NewSession(t, "b-ios")
	require.NoError(t, nodeB.processor.Handle(ctx, ios, bindBody("u1", model.ChannelIOS, "d-ios")))
	assert.Equal(t, protocol.DataTypeReply, iosConn.NextPacket(t, waitTimeout).Type)

	web, webConn := sessiontest.NewSession(t, "b-web")
	require.NoError(t, nodeB.processor.Handle(ctx, web, bindBody("u1", model.ChannelWeb, "browser")))
	assert.Equal(t, protocol.DataTypeReply, webConn.NextPacket(t, waitTimeout).Type)

	android, androidConn := sessiontest.NewSession(t, "a-android")
	require.NoError(t, nodeA.processor.Handle(ctx, android, bindBody("u1", model.ChannelAndroid, "d-android")))
	assert.Equal(t, protocol.DataTypeReply, androidConn.NextPacket(t, waitTimeout).Type)

	assertForceOffline(t, iosConn, "u1")
	sessiontest.WaitClosed(t, ios, waitTimeout)

	assert.False(t, web.Closed())
	assert.True(t, nodeB.registry.IsManaged(web))
	assert.False(t, android.Closed())
	assert.True(t, nodeA.registry.IsManaged(android))
	assert.Len(t, androidConn.Frames(), 1)

	again, againConn := sessiontest.NewSession(t, "b-android")
	require.NoError(t, nodeB.processor.Handle(ctx, again, bindBody("u1", model.ChannelAndroid, "d-android")))
	assert.Equal(t, protocol.DataTypeReply, againConn.NextPacket(t, waitTimeout).Type)

	sessiontest.WaitClosed(t, android, waitTimeout)
	assert.Len(t, androidConn.Frames(), 1)
	assert.False(t, again.Closed())
	assert.False(t, web.Closed())
}

func TestTwoNodeConflictMemoryBus(t *testing.T) {
	bus := eventbus.NewMemoryBus()
	t.Cleanup(func() { _ = bus.Close() })
	runTwoNodeConflict(t, bus, bus)
}

func TestTwoNodeConflictRedisBus(t *testing.T) {
	mr := miniredis.RunT(t)
	newBus := func() eventbus.Bus {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr(), Protocol: 2})
		bus := eventbus.NewRedisBus(client, "")
		t.Cleanup(func() {
			_ = bus.Close()
			_ = client.Close()
		})
		return bus
	}
	runTwoNodeConflict(t, newBus(), newBus())
}

func TestTwoNodeConflictEtcdBus(t *testing.T) {
	client := etcdtest.Client(t)
	prefix := etcdtest.Prefix(t)
	newBus := func() eventbus.Bus {
		bus := eventbus.NewEtcdBus(client, prefix, 10*time.Second)
		t.Cleanup(func() { _ = bus.Close() })
		return bus
	}
	runTwoNodeConflict(t, newBus(), newBus())
}
