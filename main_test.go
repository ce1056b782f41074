package main

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterje/termbridge/internal/bridge"
	"github.com/peterje/termbridge/internal/logger"
)

func subcommand(t *testing.T, name string) *cobra.Command {
	t.Helper()
	for _, c := range newRootCmd().Commands() {
		if c.Name() == name {
			return c
		}
	}
	t.Fatalf("no %s command", name)
	return nil
}

func TestLoadConfigOnlyChangedFlagsOverride(t *testing.T) {
	configDir = t.TempDir()
	t.Cleanup(func() { configDir = "" })

	cmd := subcommand(t, "host")
	require.NoError(t, cmd.ParseFlags([]string{"--addr", "127.0.0.1:9999"}))

	cfg, err := loadConfig(cmd, map[string]string{
		"host.addr":         "addr",
		"host.defaultShell": "shell",
	})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.Host.Addr)
	assert.Empty(t, cfg.Host.DefaultShell)
	assert.Equal(t, 100*1024, cfg.Host.ReplayBytes)
}

func TestAttachURLFlag(t *testing.T) {
	configDir = t.TempDir()
	t.Cleanup(func() { configDir = "" })

	cmd := subcommand(t, "attach")
	require.NoError(t, cmd.ParseFlags([]string{"--url", "https://host.example:8443"}))

	cfg, err := loadConfig(cmd, map[string]string{"bridge.baseURL": "url"})
	require.NoError(t, err)
	assert.Equal(t, "https://host.example:8443", cfg.Bridge.BaseURL)
}

func TestPumpInputStopsAtDetachKey(t *testing.T) {
	b, err := bridge.New(bridge.Config{BaseURL: "http://localhost:1"}, logger.Nop())
	require.NoError(t, err)

	detached := make(chan struct{})
	go pumpInput(strings.NewReader("ls\x1dnever read"), b, "term-1", detached, logger.Nop())

	select {
	case <-detached:
	case <-time.After(time.Second):
		t.Fatal("input pump did not stop at the detach key")
	}
}

func TestPumpInputStopsAtEOF(t *testing.T) {
	b, err := bridge.New(bridge.Config{BaseURL: "http://localhost:1"}, logger.Nop())
	require.NoError(t, err)

	detached := make(chan struct{})
	go pumpInput(strings.NewReader(""), b, "term-1", detached, logger.Nop())

	select {
	case <-detached:
	case <-time.After(time.Second):
		t.Fatal("input pump did not stop at EOF")
	}
}
