package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	v := New(t.TempDir())
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:12332", cfg.Host.Addr)
	assert.Equal(t, 100*1024, cfg.Host.ReplayBytes)
	assert.Equal(t, "http://localhost:12332", cfg.Bridge.BaseURL)
	assert.Equal(t, 256, cfg.Bridge.OutboundQueue)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "0.0.0.0:8443", cfg.Gateway.Listen)
	assert.False(t, cfg.Gateway.Insecure)
	assert.True(t, filepath.IsAbs(cfg.Host.DataDir), "data dir should be expanded: %s", cfg.Host.DataDir)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte("host:\n  addr: 127.0.0.1:9000\nbridge:\n  outboundQueue: 8\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o644))

	cfg, err := Load(New(dir))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Host.Addr)
	assert.Equal(t, 8, cfg.Bridge.OutboundQueue)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	v := New(t.TempDir())
	v.Set("bridge.baseURL", "ftp://nowhere")
	v.Set("bridge.outboundQueue", 0)
	v.Set("gateway.url", "wss://gw.example.com/tunnel")

	_, err := Load(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bridge.baseURL")
	assert.Contains(t, err.Error(), "bridge.outboundQueue")
	assert.Contains(t, err.Error(), "gateway.secret")
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := expandHome("~/.termbridge")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".termbridge"), got)

	got, err = expandHome("/var/lib/termbridge")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/termbridge", got)
}

func TestGatewayEnvOverrides(t *testing.T) {
	t.Setenv("TERMBRIDGE_GATEWAY_CLIENT_TOKEN", "tok")
	t.Setenv("TERMBRIDGE_GATEWAY_INSECURE", "true")

	cfg, err := Load(New(t.TempDir()))
	require.NoError(t, err)
	assert.Equal(t, "tok", cfg.Gateway.ClientToken)
	assert.True(t, cfg.Gateway.Insecure)
}
