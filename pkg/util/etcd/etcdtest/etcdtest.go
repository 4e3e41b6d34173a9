// Package etcdtest 为测试提供 etcd 客户端：设置 ETCD_ENDPOINTS 时连接外部集群，
// 否则在进程内启动一个嵌入式 etcd，整个测试进程共享。
package etcdtest

import (
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/lk2023060901/danmu-garden-push/pkg/util/etcd"
)

const envEndpoints = "ETCD_ENDPOINTS"

var (
	once    sync.Once
	client  *clientv3.Client
	initErr error
)

// Client 返回测试用 etcd 客户端，调用方不应关闭它。
func Client(t testing.TB) *clientv3.Client {
	t.Helper()
	once.Do(func() {
		client, initErr = start()
	})
	require.NoError(t, initErr, "start etcd for tests")
	return client
}

// Prefix 返回本次测试独占的 key 前缀。
func Prefix(t testing.TB) string {
	return fmt.Sprintf("/push-test/%s/%d/", strings.ReplaceAll(t.Name(), "/", "_"), time.Now().UnixNano())
}

func start() (*clientv3.Client, error) {
	if endpoints := os.Getenv(envEndpoints); endpoints != "" {
		return etcd.GetRemoteEtcdClient(strings.Split(endpoints, ","), 5*time.Second)
	}

	dir, err := os.MkdirTemp("", "push-etcd-")
	if err != nil {
		return nil, err
	}
	clientURL, err := localURL()
	if err != nil {
		return nil, err
	}
	peerURL, err := localURL()
	if err != nil {
		return nil, err
	}
	if err := etcd.InitEtcdServer(true, etcd.EmbedConfig{
		DataDir:   dir,
		ClientURL: clientURL,
		PeerURL:   peerURL,
		LogLevel:  "error",
	}); err != nil {
		return nil, err
	}
	return etcd.GetEmbedEtcdClient()
}

// localURL 返回一个当前空闲的本地地址。
func localURL() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	defer ln.Close()
	return "http://" + ln.Addr().String(), nil
}
