package application

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveConfigPath(t *testing.T) {
	t.Setenv(envConfigPath, "")

	cases := []struct {
		name     string
		env      string
		args     []string
		want     string
		explicit bool
	}{
		{name: "default", want: defaultConfigPath},
		{name: "env", env: "/etc/push.yaml", want: "/etc/push.yaml", explicit: true},
		{name: "flag overrides env", env: "/etc/push.yaml", args: []string{"--config", "a.yaml"}, want: "a.yaml", explicit: true},
		{name: "flag with equals", args: []string{"-v", "--config=b.yaml"}, want: "b.yaml", explicit: true},
		{name: "empty equals ignored", args: []string{"--config="}, want: defaultConfigPath},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(envConfigPath, tc.env)
			path, explicit, err := resolveConfigPath(tc.args)
			require.NoError(t, err)
			assert.Equal(t, tc.want, path)
			assert.Equal(t, tc.explicit, explicit)
		})
	}

	_, _, err := resolveConfigPath([]string{"--config"})
	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	t.Setenv(envConfigPath, "")
	dir := t.TempDir()
	path := filepath.Join(dir, "push.yaml")
	require.NoError(t, os.WriteFile(path, []byte("push:\n  node:\n    id: node-x\nlogging:\n  push:\n    level: debug\n"), 0o600))

	a := New()
	cfg, err := a.loadConfig([]string{"--config", path})
	require.NoError(t, err)
	assert.Equal(t, "node-x", cfg.GetString("push.node.id"))

	a.cfg = cfg
	require.NoError(t, a.initModuleLoggersFromConfig())
	assert.NotNil(t, a.Logger("push"))
	assert.NotSame(t, a.Logger("push"), a.Logger("unknown"))

	_, err = a.loadConfig([]string{"--config", filepath.Join(dir, "missing.yaml")})
	assert.Error(t, err)
}

func TestGetenvBool(t *testing.T) {
	t.Setenv("ZEUS_TEST_BOOL", "on")
	assert.True(t, getenvBool("ZEUS_TEST_BOOL", false))
	t.Setenv("ZEUS_TEST_BOOL", "off")
	assert.False(t, getenvBool("ZEUS_TEST_BOOL", true))
	t.Setenv("ZEUS_TEST_BOOL", "maybe")
	assert.True(t, getenvBool("ZEUS_TEST_BOOL", true))
}
