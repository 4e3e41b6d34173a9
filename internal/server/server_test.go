package server

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/danmu-garden-push/internal/bind"
	"github.com/lk2023060901/danmu-garden-push/internal/cluster"
	"github.com/lk2023060901/danmu-garden-push/internal/json"
	"github.com/lk2023060901/danmu-garden-push/internal/model"
	"github.com/lk2023060901/danmu-garden-push/internal/network/connector"
	"github.com/lk2023060901/danmu-garden-push/internal/network/protocol"
	zviper "github.com/lk2023060901/danmu-garden-push/pkg/util/viper"
)

const waitTimeout = 3 * time.Second

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Node.ID = "node-test"
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Cluster.Workers = 2
	return cfg
}

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	s, err := New(ctx, testConfig())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(waitTimeout):
			t.Error("server did not stop")
		}
	})
	return s, "ws://" + ln.Addr().String() + s.cfg.HTTP.WSPath
}

func dial(t *testing.T, url string) connector.ClientConn {
	t.Helper()
	cc, err := connector.NewWSConnector(connector.Config{}).Dial(context.Background(), url, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })
	return cc
}

func recv(t *testing.T, cc connector.ClientConn) *protocol.Packet {
	t.Helper()
	select {
	case pkt, ok := <-cc.Recv():
		require.True(t, ok, "connection closed")
		return pkt
	case <-time.After(waitTimeout):
		require.FailNow(t, "timeout waiting for packet")
		return nil
	}
}

func waitRecvClosed(t *testing.T, cc connector.ClientConn) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case _, ok := <-cc.Recv():
			if !ok {
				return
			}
		case <-deadline:
			require.FailNow(t, "connection still open")
		}
	}
}

func bindRequest(uid string, channel model.Channel, deviceID string) *protocol.SentBody {
	return &protocol.SentBody{
		Key:       protocol.KeyClientBind,
		Timestamp: time.Now().UnixMilli(),
		Data: map[string]string{
			bind.FieldUID:      uid,
			bind.FieldChannel:  channel.String(),
			bind.FieldDeviceID: deviceID,
		},
	}
}

func bindClient(t *testing.T, url, uid string, channel model.Channel, deviceID string) connector.ClientConn {
	t.Helper()
	cc := dial(t, url)
	require.NoError(t, cc.Send(protocol.DataTypeSent, bindRequest(uid, channel, deviceID)))

	pkt := recv(t, cc)
	require.Equal(t, protocol.DataTypeReply, pkt.Type)
	var reply protocol.ReplyBody
	require.NoError(t, json.Unmarshal(pkt.Payload, &reply))
	assert.Equal(t, protocol.KeyClientBind, reply.Key)
	assert.Equal(t, protocol.CodeOK, reply.Code)
	return cc
}

func TestServerMobileConflict(t *testing.T) {
	s, url := startServer(t)

	android := bindClient(t, url, "u1", model.ChannelAndroid, "d1")
	web := bindClient(t, url, "u1", model.ChannelWeb, "browser")
	require.Eventually(t, func() bool { return s.Registry().Count() == 2 }, waitTimeout, 10*time.Millisecond)

	_ = bindClient(t, url, "u1", model.ChannelIOS, "d2")

	pkt := recv(t, android)
	require.Equal(t, protocol.DataTypeMessage, pkt.Type)
	var msg protocol.Message
	require.NoError(t, json.Unmarshal(pkt.Payload, &msg))
	assert.Equal(t, protocol.ActionForceOffline, msg.Action)
	assert.Equal(t, protocol.SystemSender, msg.Sender)
	assert.Equal(t, "u1", msg.Receiver)

	waitRecvClosed(t, android)
	require.Eventually(t, func() bool { return s.Registry().Count() == 2 }, waitTimeout, 10*time.Millisecond)

	channels := make([]model.Channel, 0, 2)
	for _, sess := range s.Registry().Get("u1") {
		channels = append(channels, sess.Binding().Channel)
	}
	assert.ElementsMatch(t, []model.Channel{model.ChannelWeb, model.ChannelIOS}, channels)

	require.NoError(t, web.Send(protocol.DataTypePing, nil))
	assert.Equal(t, protocol.DataTypePong, recv(t, web).Type)
}

func TestServerUnknownKeyKeepsConnection(t *testing.T) {
	s, url := startServer(t)

	cc := dial(t, url)
	require.NoError(t, cc.Send(protocol.DataTypeSent, &protocol.SentBody{Key: "unknown"}))
	require.NoError(t, cc.Send(protocol.DataTypePing, nil))
	assert.Equal(t, protocol.DataTypePong, recv(t, cc).Type)
	assert.Equal(t, 0, s.Registry().Count())
}

func TestServerDuplicateBindIgnored(t *testing.T) {
	s, url := startServer(t)

	cc := bindClient(t, url, "u1", model.ChannelAndroid, "d1")
	require.NoError(t, cc.Send(protocol.DataTypeSent, bindRequest("u2", model.ChannelIOS, "d2")))
	require.NoError(t, cc.Send(protocol.DataTypePing, nil))

	assert.Equal(t, protocol.DataTypePong, recv(t, cc).Type)
	assert.Equal(t, 1, s.Registry().Count())
	assert.Len(t, s.Registry().Get("u1"), 1)
	assert.Empty(t, s.Registry().Get("u2"))
}

func TestHTTPEndpoints(t *testing.T) {
	s, url := startServer(t)
	bindClient(t, url, "u1", model.ChannelMac, "m1")
	require.Eventually(t, func() bool { return s.Registry().Count() == 1 }, waitTimeout, 10*time.Millisecond)

	t.Run("healthz", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			Status      string `json:"status"`
			Node        string `json:"node"`
			Connections int    `json:"connections"`
			Bound       int    `json:"bound"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "ok", body.Status)
		assert.Equal(t, "node-test", body.Node)
		assert.Equal(t, 1, body.Connections)
		assert.Equal(t, 1, body.Bound)
	})

	t.Run("connections", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/users/u1/connections", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			UID         string           `json:"uid"`
			Connections []ConnectionView `json:"connections"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "u1", body.UID)
		require.Len(t, body.Connections, 1)
		assert.Equal(t, model.ChannelMac, body.Connections[0].Channel)
		assert.Equal(t, "m1", body.Connections[0].DeviceID)
		assert.NotEmpty(t, body.Connections[0].ConnectionID)
	})

	t.Run("unknown user", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/users/nobody/connections", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"connections":[]`)
	})

	t.Run("nodes", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/nodes", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			Nodes []cluster.NodeInfo `json:"nodes"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Len(t, body.Nodes, 1)
		assert.Equal(t, "node-test", body.Nodes[0].ID)
		assert.Equal(t, "memory", body.Nodes[0].Backend)
	})

	t.Run("metrics", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "zeus_push_bind_total")
	})
}

func TestNewStartupFailures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(cfg *Config)
	}{
		{name: "unknown backend", mutate: func(cfg *Config) { cfg.Cluster.Backend = "zookeeper" }},
		{name: "invalid conflict rules", mutate: func(cfg *Config) {
			cfg.Conflict.Rules = map[string][]string{"android": {"fax"}}
		}},
		{name: "unknown store driver", mutate: func(cfg *Config) { cfg.Store.Driver = "sqlite" }},
		{name: "mysql without dsn", mutate: func(cfg *Config) { cfg.Store.Driver = "mysql" }},
		{name: "redis without addrs", mutate: func(cfg *Config) {
			cfg.Cluster.Backend = "redis"
			cfg.Cluster.Redis.Addrs = nil
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.mutate(&cfg)

			var (
				s   *Server
				err error
			)
			require.NotPanics(t, func() { s, err = New(context.Background(), cfg) })
			assert.Error(t, err)
			assert.Nil(t, s)
		})
	}
}

func TestNewWithRedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig()
	cfg.Cluster.Backend = "redis"
	cfg.Cluster.Redis.Addrs = []string{mr.Addr()}
	cfg.Cluster.Redis.Protocol = 2

	s, err := New(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "redis", s.bus.Name())
	s.Close()
	s.Close()
}

func TestLoadConfig(t *testing.T) {
	v := zviper.New()
	require.NoError(t, v.LoadBytes("yaml", []byte(`
push:
  node:
    id: node-a
  http:
    addr: 0.0.0.0:9000
    read_timeout: 30s
  cluster:
    backend: redis
    workers: 4
    redis:
      addrs: [127.0.0.1:6379]
  conflict:
    rules:
      android: [android, ios]
    keep_alive: [web]
`)))

	cfg, err := LoadConfig(v)
	require.NoError(t, err)
	assert.Equal(t, "node-a", cfg.Node.ID)
	assert.Equal(t, "0.0.0.0:9000", cfg.HTTP.Addr)
	assert.Equal(t, 30*time.Second, cfg.HTTP.ReadTimeout)
	assert.Equal(t, "/ws", cfg.HTTP.WSPath)
	assert.Equal(t, 256, cfg.HTTP.SendQueueSize)
	assert.Equal(t, "redis", cfg.Cluster.Backend)
	assert.Equal(t, 4, cfg.Cluster.Workers)
	assert.Equal(t, []string{"127.0.0.1:6379"}, cfg.Cluster.Redis.Addrs)
	assert.Equal(t, "signal/channel/bind", cfg.Cluster.Redis.Channel)
	assert.Equal(t, []string{"android", "ios"}, cfg.Conflict.Rules["android"])
	assert.Equal(t, []string{"web"}, cfg.Conflict.KeepAlive)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(nil)
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Node.ID)
	assert.Equal(t, "memory", cfg.Cluster.Backend)
	assert.Equal(t, "memory", cfg.Store.Driver)
}

func TestLoadConfigInvalidBackend(t *testing.T) {
	v := zviper.New()
	require.NoError(t, v.LoadBytes("yaml", []byte("push:\n  cluster:\n    backend: nats\n")))
	_, err := LoadConfig(v)
	assert.Error(t, err)
}
