// Package server 组装推送服务的各个组件并对外提供 HTTP/WebSocket 服务。
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lk2023060901/danmu-garden-push/internal/bind"
	"github.com/lk2023060901/danmu-garden-push/internal/cluster"
	"github.com/lk2023060901/danmu-garden-push/internal/conflict"
	"github.com/lk2023060901/danmu-garden-push/internal/eventbus"
	"github.com/lk2023060901/danmu-garden-push/internal/model"
	"github.com/lk2023060901/danmu-garden-push/internal/network/acceptor"
	"github.com/lk2023060901/danmu-garden-push/internal/network/codec"
	"github.com/lk2023060901/danmu-garden-push/internal/network/compressor"
	"github.com/lk2023060901/danmu-garden-push/internal/network/protocol"
	"github.com/lk2023060901/danmu-garden-push/internal/network/router"
	"github.com/lk2023060901/danmu-garden-push/internal/network/serializer"
	"github.com/lk2023060901/danmu-garden-push/internal/registry"
	"github.com/lk2023060901/danmu-garden-push/internal/store"
	"github.com/lk2023060901/danmu-garden-push/pkg/log"
	"github.com/lk2023060901/danmu-garden-push/pkg/metrics"
	"github.com/lk2023060901/danmu-garden-push/pkg/util/etcd"
	"github.com/lk2023060901/danmu-garden-push/pkg/util/merr"
)

const shutdownTimeout = 10 * time.Second

// Server 为一个推送节点。
//
// 组件关系：
//
//	acceptor --Sent--> router --client_bind--> bind.Processor
//	bind.Processor --> registry / store / dispatcher
//	dispatcher --local/remote--> conflict.Resolver --> registry
type Server struct {
	log.Binder

	cfg Config

	registry   *registry.Registry
	resolver   *conflict.Resolver
	store      store.SessionStore
	bus        eventbus.Bus
	dispatcher *eventbus.Dispatcher
	processor  *bind.Processor
	router     router.Router
	acceptor   *acceptor.WSAcceptor
	compressor *compressor.ZstdCompressor
	engine     *gin.Engine

	etcdClient *clientv3.Client
	membership *cluster.Membership

	httpServer *http.Server
	closeOnce  sync.Once
}

// New 根据配置创建 Server，失败时释放已创建的资源。
func New(ctx context.Context, cfg Config) (_ *Server, err error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg}
	s.SetLogger(log.With(log.FieldModule("push"), log.FieldNode(cfg.Node.ID)).WithRateGroup("push.server", 1, 60))
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	policy, err := cfg.Conflict.Build()
	if err != nil {
		return nil, err
	}

	if s.store, err = store.New(cfg.Store); err != nil {
		return nil, err
	}
	if s.bus, err = s.openBus(ctx); err != nil {
		return nil, err
	}

	if s.etcdClient != nil {
		s.membership = cluster.NewMembership(s.etcdClient, cfg.Cluster.Membership, cluster.NodeInfo{
			ID:        cfg.Node.ID,
			Address:   cfg.Node.Host,
			Backend:   s.bus.Name(),
			StartTime: time.Now().UnixMilli(),
		})
		if err := s.membership.Register(ctx); err != nil {
			return nil, err
		}
	}

	s.registry = registry.New()
	s.resolver = conflict.NewResolver(policy, s.registry)
	s.dispatcher = eventbus.NewDispatcher(cfg.Node.ID, s.bus, func(ctx context.Context, sess *model.Session) {
		s.resolver.OnBindEvent(ctx, sess)
	}, cfg.Cluster.Workers)
	s.processor = bind.NewProcessor(cfg.Node.ID, s.registry, s.store, s.dispatcher)

	if s.compressor, err = compressor.NewZstdCompressor(); err != nil {
		return nil, err
	}
	c, err := codec.New(codec.Options{
		Serializer:        serializer.JSONSerializer{},
		Compressor:        s.compressor,
		EnableCompression: cfg.HTTP.EnableCompression,
	})
	if err != nil {
		return nil, err
	}

	s.router = router.New(c)
	if err := s.router.Register(protocol.KeyClientBind, s.processor.Handle); err != nil {
		return nil, err
	}

	s.acceptor, err = acceptor.NewWSAcceptor(ctx, acceptor.Config{
		SendQueueSize:  cfg.HTTP.SendQueueSize,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		MaxMessageSize: cfg.HTTP.MaxMessageSize,
		Codec:          c,
	}, nil, &handler{server: s})
	if err != nil {
		return nil, err
	}

	metrics.Register(prometheus.DefaultRegisterer)
	metrics.NumNodes.WithLabelValues(cfg.Node.ID, "push").Set(1)

	s.engine = s.newEngine()
	s.Logger().Info("push server created",
		zap.String("backend", s.bus.Name()),
		zap.String("store", cfg.Store.Driver),
		zap.String("addr", cfg.HTTP.Addr))
	return s, nil
}

func (s *Server) openBus(ctx context.Context) (eventbus.Bus, error) {
	cc := s.cfg.Cluster
	switch cc.Backend {
	case "", eventbus.BackendMemory:
		return eventbus.NewMemoryBus(), nil
	case eventbus.BackendRedis:
		return eventbus.OpenRedisBus(ctx, cc.Redis)
	case eventbus.BackendEtcd:
		client, err := s.openEtcd(cc.Etcd)
		if err != nil {
			return nil, err
		}
		s.etcdClient = client
		return eventbus.NewEtcdBus(client, cc.Etcd.Prefix, cc.Etcd.LeaseTTL), nil
	case eventbus.BackendKafka:
		return eventbus.NewKafkaBus(cc.Kafka, s.cfg.Node.ID)
	default:
		return nil, merr.WrapErrParameterInvalid("memory|redis|etcd|kafka", cc.Backend, "cluster.backend")
	}
}

func (s *Server) openEtcd(cfg eventbus.EtcdConfig) (*clientv3.Client, error) {
	if cfg.UseEmbed {
		if err := etcd.InitEtcdServer(true, etcd.EmbedConfig{DataDir: cfg.DataDir}); err != nil {
			return nil, errors.Wrap(err, "start embedded etcd")
		}
		return etcd.GetEmbedEtcdClient()
	}
	return etcd.GetRemoteEtcdClient(cfg.Endpoints, 5*time.Second)
}

// Handler 返回 HTTP 入口，便于测试与嵌入。
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Registry 返回本节点的连接登记表。
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Node 返回节点 ID。
func (s *Server) Node() string {
	return s.cfg.Node.ID
}

// Run 在配置的地址上监听并提供服务，阻塞直至 ctx 取消或出现致命错误。
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.HTTP.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.cfg.HTTP.Addr)
	}
	return s.Serve(ctx, ln)
}

// Serve 在给定 listener 上提供服务，ctx 取消时优雅退出并释放全部资源。
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.engine}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.dispatcher.Run(gctx)
	})
	if s.membership != nil {
		g.Go(func() error {
			s.watchMembers(gctx)
			return nil
		})
	}
	g.Go(func() error {
		s.Logger().Info("push server listening", zap.Stringer("addr", ln.Addr()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.Logger().Info("push server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// 升级后的连接不受 Shutdown 管理，由 acceptor 统一关闭。
		_ = s.acceptor.Close()
		return s.httpServer.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	s.Close()
	return err
}

// watchMembers 记录其他节点的加入与离开。
func (s *Server) watchMembers(ctx context.Context) {
	nodes, rev, err := s.membership.Nodes(ctx)
	if err != nil {
		s.Logger().Warn("list cluster nodes failed", zap.Error(err))
		return
	}
	s.Logger().Info("cluster nodes", zap.Int("count", len(nodes)))

	for ev := range s.membership.Watch(ctx, rev) {
		if ev.Node.ID == s.cfg.Node.ID {
			continue
		}
		s.Logger().Info("cluster node changed",
			zap.Stringer("type", ev.Type),
			zap.String("peer", ev.Node.ID),
			zap.String("address", ev.Node.Address))
	}
}

// Close 释放全部资源，多次调用是幂等的。
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		if s.acceptor != nil {
			_ = s.acceptor.Close()
		}
		if s.dispatcher != nil {
			s.dispatcher.Close()
		}
		if s.bus != nil {
			_ = s.bus.Close()
		}
		if s.membership != nil {
			s.membership.Close()
		}
		if s.etcdClient != nil {
			_ = s.etcdClient.Close()
		}
		if etcd.HasServer() {
			etcd.StopEtcdServer()
		}
		if closer, ok := s.store.(store.Closer); ok {
			_ = closer.Close()
		}
		if s.compressor != nil {
			s.compressor.Close()
		}
		if s.cfg.Node.ID != "" {
			metrics.NumNodes.DeleteLabelValues(s.cfg.Node.ID, "push")
		}
		s.Logger().Info("push server closed")
	})
}
