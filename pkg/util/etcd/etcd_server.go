package etcd

import (
	"net/url"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"
	"go.etcd.io/etcd/server/v3/etcdserver/api/v3client"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-garden-push/pkg/log"
)

const embedStartTimeout = 30 * time.Second

// EtcdServer 是嵌入式 etcd 服务的单例实例。
var (
	initOnce   sync.Once
	closeOnce  sync.Once
	etcdServer *embed.Etcd
)

// EmbedConfig 为嵌入式 etcd 的启动参数。
type EmbedConfig struct {
	// ConfigPath 为 etcd 配置文件路径，留空时使用缺省配置。
	ConfigPath string
	// DataDir 为数据目录。
	DataDir string
	// ClientURL 为客户端监听地址，留空时使用 etcd 缺省值。
	ClientURL string
	// PeerURL 为节点间通信监听地址，留空时使用 etcd 缺省值。
	PeerURL  string
	LogPath  string
	LogLevel string
}

// GetEmbedEtcdClient 返回嵌入式 etcd 服务对应的 v3 客户端。
func GetEmbedEtcdClient() (*clientv3.Client, error) {
	if etcdServer == nil {
		return nil, errors.New("embedded etcd server is not started")
	}
	client := v3client.New(etcdServer.Server)
	return client, nil
}

// GetRemoteEtcdClient 连接外部 etcd 集群。
func GetRemoteEtcdClient(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("etcd endpoints are empty")
	}
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
}

// InitEtcdServer 初始化嵌入式 etcd 单例服务，并等待其可用。
func InitEtcdServer(useEmbedEtcd bool, ecfg EmbedConfig) error {
	if !useEmbedEtcd {
		return nil
	}
	var initError error
	initOnce.Do(func() {
		var cfg *embed.Config
		if len(ecfg.ConfigPath) > 0 {
			cfgFromFile, err := embed.ConfigFromFile(ecfg.ConfigPath)
			if err != nil {
				initError = err
				return
			}
			cfg = cfgFromFile
		} else {
			cfg = embed.NewConfig()
		}
		if ecfg.DataDir != "" {
			cfg.Dir = ecfg.DataDir
		}
		if ecfg.ClientURL != "" {
			u, err := url.Parse(ecfg.ClientURL)
			if err != nil {
				initError = err
				return
			}
			cfg.ListenClientUrls = []url.URL{*u}
			cfg.AdvertiseClientUrls = []url.URL{*u}
		}
		if ecfg.PeerURL != "" {
			u, err := url.Parse(ecfg.PeerURL)
			if err != nil {
				initError = err
				return
			}
			cfg.ListenPeerUrls = []url.URL{*u}
			cfg.AdvertisePeerUrls = []url.URL{*u}
			cfg.InitialCluster = cfg.InitialClusterFromName(cfg.Name)
		}
		if ecfg.LogPath != "" {
			cfg.LogOutputs = []string{ecfg.LogPath}
		}
		if ecfg.LogLevel != "" {
			cfg.LogLevel = ecfg.LogLevel
		}
		e, err := embed.StartEtcd(cfg)
		if err != nil {
			log.Error("failed to init embedded Etcd server", zap.Error(err))
			initError = err
			return
		}
		select {
		case <-e.Server.ReadyNotify():
		case <-time.After(embedStartTimeout):
			e.Close()
			initError = errors.New("embedded etcd server took too long to start")
			return
		}
		etcdServer = e
		log.Info("finish init Etcd config", zap.String("path", ecfg.ConfigPath), zap.String("data", cfg.Dir))
	})
	return initError
}

func HasServer() bool {
	return etcdServer != nil
}

// StopEtcdServer stops embedded etcd server singleton.
func StopEtcdServer() {
	if etcdServer != nil {
		closeOnce.Do(func() {
			etcdServer.Close()
		})
	}
}
