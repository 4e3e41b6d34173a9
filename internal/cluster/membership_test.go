package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/lk2023060901/danmu-garden-push/internal/json"
	"github.com/lk2023060901/danmu-garden-push/pkg/util/etcd/etcdtest"
)

const waitTimeout = 5 * time.Second

func TestNewMembershipDefaults(t *testing.T) {
	m := NewMembership(nil, Config{Prefix: "/p", TTL: time.Millisecond}, NodeInfo{ID: "n1"})
	defer m.Close()

	assert.Equal(t, "/p/", m.prefix)
	assert.Equal(t, int64(DefaultTTL/time.Second), m.ttl)
	assert.Equal(t, "/p/n1", m.key())
	assert.Equal(t, "n1", m.Self().ID)
}

func TestToEvent(t *testing.T) {
	m := NewMembership(nil, Config{}, NodeInfo{ID: "self"})
	defer m.Close()

	value, err := json.Marshal(NodeInfo{ID: "n2", Address: "10.0.0.2:8080"})
	require.NoError(t, err)

	e, ok := m.toEvent(&clientv3.Event{Type: mvccpb.PUT, Kv: &mvccpb.KeyValue{Key: []byte(DefaultPrefix + "n2"), Value: value}})
	require.True(t, ok)
	assert.Equal(t, EventJoin, e.Type)
	assert.Equal(t, "10.0.0.2:8080", e.Node.Address)

	e, ok = m.toEvent(&clientv3.Event{Type: mvccpb.DELETE, Kv: &mvccpb.KeyValue{Key: []byte(DefaultPrefix + "n2")}})
	require.True(t, ok)
	assert.Equal(t, EventLeave, e.Type)
	assert.Equal(t, "n2", e.Node.ID)
	assert.Equal(t, "leave", e.Type.String())

	_, ok = m.toEvent(&clientv3.Event{Type: mvccpb.PUT, Kv: &mvccpb.KeyValue{Value: []byte("{")}})
	assert.False(t, ok)
}

func newTestMembership(t *testing.T, client *clientv3.Client, prefix, id, addr string) *Membership {
	t.Helper()
	m := NewMembership(client, Config{Prefix: prefix, TTL: 5 * time.Second}, NodeInfo{
		ID:        id,
		Address:   addr,
		Backend:   "etcd",
		StartTime: time.Now().UnixMilli(),
	})
	t.Cleanup(m.Close)
	return m
}

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "watch closed")
		return e
	case <-time.After(waitTimeout):
		require.FailNow(t, "no membership event")
		return Event{}
	}
}

func TestMembershipRegisterAndWatch(t *testing.T) {
	client := etcdtest.Client(t)
	prefix := etcdtest.Prefix(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newTestMembership(t, client, prefix, "a", "a:1")
	require.NoError(t, a.Register(ctx))
	assert.Error(t, a.Register(ctx))

	nodes, rev, err := a.Nodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "a", nodes[0].ID)
	assert.Equal(t, "a:1", nodes[0].Address)

	events := a.Watch(ctx, rev)

	b := newTestMembership(t, client, prefix, "b", "b:1")
	require.NoError(t, b.Register(ctx))

	e := nextEvent(t, events)
	assert.Equal(t, EventJoin, e.Type)
	assert.Equal(t, "b", e.Node.ID)

	b.Close()
	e = nextEvent(t, events)
	assert.Equal(t, EventLeave, e.Type)
	assert.Equal(t, "b", e.Node.ID)

	nodes, _, err = a.Nodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
}

func TestMembershipPurgesStaleKey(t *testing.T) {
	client := etcdtest.Client(t)
	prefix := etcdtest.Prefix(t)
	ctx := context.Background()

	stale, err := json.Marshal(NodeInfo{ID: "a", Address: "a:1", StartTime: 1})
	require.NoError(t, err)
	_, err = client.Put(ctx, prefix+"a", string(stale))
	require.NoError(t, err)

	m := newTestMembership(t, client, prefix, "a", "a:1")
	require.NoError(t, m.Register(ctx))

	resp, err := client.Get(ctx, prefix+"a")
	require.NoError(t, err)
	require.Len(t, resp.Kvs, 1)
	assert.Equal(t, m.leaseID.Load(), resp.Kvs[0].Lease)
}

func TestMembershipRegistersAgainAfterLeaseLoss(t *testing.T) {
	client := etcdtest.Client(t)
	prefix := etcdtest.Prefix(t)
	ctx := context.Background()

	m := newTestMembership(t, client, prefix, "a", "a:1")
	require.NoError(t, m.Register(ctx))
	first := m.leaseID.Load()

	_, err := client.Revoke(ctx, clientv3.LeaseID(first))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		resp, err := client.Get(ctx, prefix+"a")
		return err == nil && len(resp.Kvs) == 1 && resp.Kvs[0].Lease != first
	}, 10*time.Second, 50*time.Millisecond)
}

func TestMembershipCloseRemovesKey(t *testing.T) {
	client := etcdtest.Client(t)
	prefix := etcdtest.Prefix(t)
	ctx := context.Background()

	m := newTestMembership(t, client, prefix, "a", "a:1")
	require.NoError(t, m.Register(ctx))
	m.Close()
	m.Close()

	resp, err := client.Get(ctx, prefix+"a")
	require.NoError(t, err)
	assert.Empty(t, resp.Kvs)
}
