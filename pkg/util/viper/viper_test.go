package viper

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type httpConfig struct {
	Addr        string        `mapstructure:"addr"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

type pushConfig struct {
	HTTP     httpConfig `mapstructure:"http"`
	Backends []string   `mapstructure:"backends"`
}

const yamlDoc = `
push:
  http:
    addr: ":9000"
    read_timeout: 90s
  backends: [redis, etcd]
`

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o600))

	cfg := New()
	require.NoError(t, cfg.LoadFile(path))

	var pc pushConfig
	require.NoError(t, cfg.UnmarshalKey("push", &pc))
	assert.Equal(t, ":9000", pc.HTTP.Addr)
	assert.Equal(t, 90*time.Second, pc.HTTP.ReadTimeout)
	assert.Equal(t, []string{"redis", "etcd"}, pc.Backends)
	assert.True(t, cfg.IsSet("push.http.addr"))
	assert.Equal(t, ":9000", cfg.GetString("push.http.addr"))
}

func TestLoadFileMissing(t *testing.T) {
	cfg := New()
	assert.Error(t, cfg.LoadFile(filepath.Join(t.TempDir(), "absent.yaml")))
}

func TestLoadBytesJSON(t *testing.T) {
	cfg := New()
	require.NoError(t, cfg.LoadBytes("json", []byte(`{"push":{"http":{"addr":":7000"}}}`)))

	var pc pushConfig
	require.NoError(t, cfg.UnmarshalKey("push", &pc))
	assert.Equal(t, ":7000", pc.HTTP.Addr)
}

func TestSetDefault(t *testing.T) {
	cfg := New()
	cfg.SetDefault("push.http.addr", ":8080")
	require.NoError(t, cfg.LoadBytes("yaml", []byte("push:\n  backends: [memory]\n")))

	assert.Equal(t, ":8080", cfg.GetString("push.http.addr"))
	assert.False(t, cfg.IsSet("push.unknown"))
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("ZEUS_PUSH_HTTP_ADDR", ":6000")

	cfg := New()
	require.NoError(t, cfg.LoadBytes("yaml", []byte(yamlDoc)))
	assert.Equal(t, ":6000", cfg.GetString("push.http.addr"))
}

func TestZeroValueConfig(t *testing.T) {
	var cfg Config
	var pc pushConfig
	assert.NoError(t, cfg.Unmarshal(&pc))
	assert.NoError(t, cfg.UnmarshalKey("push", &pc))
	assert.False(t, cfg.IsSet("push"))
	assert.Empty(t, cfg.GetString("push"))
}
