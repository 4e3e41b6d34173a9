package eventbus

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/danmu-garden-push/pkg/util/merr"
)

func newMiniRedisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), Protocol: 2})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisBus(t *testing.T) {
	mr, client := newMiniRedisClient(t)
	bus := NewRedisBus(client, "")
	assert.Equal(t, BackendRedis, bus.Name())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, newEvent("n1", "u1")))
	ev := recv(t, sub)
	assert.Equal(t, "n1", ev.Node)
	assert.Equal(t, "u1", ev.Session.UID)

	// 格式错误的消息被丢弃，不影响后续事件。
	mr.Publish(DefaultRedisChannel, "garbage")
	require.NoError(t, bus.Publish(ctx, newEvent("n2", "u2")))
	assert.Equal(t, "u2", recv(t, sub).Session.UID)

	require.NoError(t, bus.Close())
	assert.True(t, errors.Is(bus.Publish(ctx, newEvent("n1", "u1")), merr.ErrEventBusClosed))
}

func TestOpenRedisBus(t *testing.T) {
	mr := miniredis.RunT(t)

	bus, err := OpenRedisBus(context.Background(), RedisConfig{Addrs: []string{mr.Addr()}, Channel: "custom"})
	require.NoError(t, err)
	defer bus.Close()
	assert.Equal(t, "custom", bus.channel)

	_, err = OpenRedisBus(context.Background(), RedisConfig{})
	assert.True(t, errors.Is(err, merr.ErrParameterMissing))
}
