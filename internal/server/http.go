package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-garden-push/internal/cluster"
	"github.com/lk2023060901/danmu-garden-push/internal/model"
)

// ConnectionView 为连接查询接口返回的单条连接信息。
type ConnectionView struct {
	ConnectionID string        `json:"connId"`
	Channel      model.Channel `json:"channel"`
	DeviceID     string        `json:"deviceId"`
	Language     string        `json:"language,omitempty"`
	SessionID    int64         `json:"sessionId"`
	RemoteAddr   string        `json:"remoteAddr,omitempty"`
}

func (s *Server) newEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), s.accessLog())

	engine.GET(s.cfg.HTTP.WSPath, gin.WrapH(s.acceptor))
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/healthz", s.healthz)

	api := engine.Group("/api/v1")
	api.GET("/users/:uid/connections", s.listConnections)
	api.GET("/nodes", s.listNodes)
	return engine
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.Logger().Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("cost", time.Since(start)))
	}
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"node":        s.cfg.Node.ID,
		"connections": s.acceptor.Count(),
		"bound":       s.registry.Count(),
		"users":       s.registry.Users(),
	})
}

// listConnections 返回本节点上某个 uid 的已绑定连接。
func (s *Server) listConnections(c *gin.Context) {
	uid := c.Param("uid")
	sessions := s.registry.Get(uid)

	views := make([]ConnectionView, 0, len(sessions))
	for _, sess := range sessions {
		b := sess.Binding()
		if b == nil {
			continue
		}
		view := ConnectionView{
			ConnectionID: sess.ID(),
			Channel:      b.Channel,
			DeviceID:     b.DeviceID,
			Language:     b.Language,
			SessionID:    b.SessionID,
		}
		if addr := sess.RemoteAddr(); addr != nil {
			view.RemoteAddr = addr.String()
		}
		views = append(views, view)
	}
	c.JSON(http.StatusOK, gin.H{
		"node":        s.cfg.Node.ID,
		"uid":         uid,
		"connections": views,
	})
}

// listNodes 返回集群内的推送节点；非 etcd 后端只返回当前节点。
func (s *Server) listNodes(c *gin.Context) {
	if s.membership == nil {
		c.JSON(http.StatusOK, gin.H{"nodes": []cluster.NodeInfo{{
			ID:      s.cfg.Node.ID,
			Address: s.cfg.Node.Host,
			Backend: s.bus.Name(),
		}}})
		return
	}

	nodes, _, err := s.membership.Nodes(c.Request.Context())
	if err != nil {
		s.Logger().Warn("list cluster nodes failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"nodes": nodes})
}
