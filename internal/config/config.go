// Package config loads termbridge configuration from defaults, an optional
// config.yaml, TERMBRIDGE_* environment variables, and bound CLI flags.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/peterje/termbridge/internal/logger"
)

// Config holds all configuration sections.
type Config struct {
	Host    HostConfig           `mapstructure:"host"`
	Bridge  BridgeConfig         `mapstructure:"bridge"`
	Gateway GatewayConfig        `mapstructure:"gateway"`
	Logging logger.LoggingConfig `mapstructure:"logging"`
}

// HostConfig configures the local process host.
type HostConfig struct {
	Addr         string `mapstructure:"addr"`
	DataDir      string `mapstructure:"dataDir"`
	DefaultShell string `mapstructure:"defaultShell"`
	ReplayBytes  int    `mapstructure:"replayBytes"`
}

// BridgeConfig configures the terminal bridge client.
type BridgeConfig struct {
	BaseURL          string `mapstructure:"baseURL"`
	OutboundQueue    int    `mapstructure:"outboundQueue"`
	HandshakeTimeout int    `mapstructure:"handshakeTimeout"` // in seconds
	Token            string `mapstructure:"token"`            // bearer token for a gateway
}

// GatewayConfig configures the optional reverse tunnel. URL, Secret and
// Insecure are read by the host; the rest by the gateway itself.
type GatewayConfig struct {
	URL      string `mapstructure:"url"`
	Secret   string `mapstructure:"secret"`
	Insecure bool   `mapstructure:"insecure"` // accept self-signed gateway certs

	Listen      string `mapstructure:"listen"`
	ClientToken string `mapstructure:"clientToken"`
	TLSCert     string `mapstructure:"tlsCert"`
	TLSKey      string `mapstructure:"tlsKey"`
}

// HandshakeTimeoutDuration returns the handshake timeout as a time.Duration.
func (b *BridgeConfig) HandshakeTimeoutDuration() time.Duration {
	return time.Duration(b.HandshakeTimeout) * time.Second
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("host.addr", "127.0.0.1:12332")
	v.SetDefault("host.dataDir", "~/.termbridge")
	v.SetDefault("host.defaultShell", "")
	v.SetDefault("host.replayBytes", 100*1024)

	v.SetDefault("bridge.baseURL", "http://localhost:12332")
	v.SetDefault("bridge.outboundQueue", 256)
	v.SetDefault("bridge.handshakeTimeout", 10)
	v.SetDefault("bridge.token", "")

	v.SetDefault("gateway.url", "")
	v.SetDefault("gateway.secret", "")
	v.SetDefault("gateway.insecure", false)
	v.SetDefault("gateway.listen", "0.0.0.0:8443")
	v.SetDefault("gateway.clientToken", "")
	v.SetDefault("gateway.tlsCert", "")
	v.SetDefault("gateway.tlsKey", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", logger.DetectFormat())
	v.SetDefault("logging.outputPath", "stderr")
}

// New returns a viper instance with defaults, env bindings and config file
// search paths configured. Callers may bind flags before calling Load.
func New(configPath string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("TERMBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// camelCase keys do not map onto SNAKE_CASE env vars automatically.
	_ = v.BindEnv("host.dataDir", "TERMBRIDGE_HOST_DATA_DIR")
	_ = v.BindEnv("host.defaultShell", "TERMBRIDGE_HOST_DEFAULT_SHELL")
	_ = v.BindEnv("bridge.baseURL", "TERMBRIDGE_BRIDGE_BASE_URL")
	_ = v.BindEnv("gateway.secret", "TERMBRIDGE_GATEWAY_SECRET")
	_ = v.BindEnv("gateway.clientToken", "TERMBRIDGE_GATEWAY_CLIENT_TOKEN")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.termbridge")
	return v
}

// Load reads the config file (if any) and unmarshals v into a Config.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	dataDir, err := expandHome(cfg.Host.DataDir)
	if err != nil {
		return nil, err
	}
	cfg.Host.DataDir = dataDir

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Host.Addr == "" {
		errs = append(errs, "host.addr is required")
	}
	if cfg.Host.ReplayBytes <= 0 {
		errs = append(errs, "host.replayBytes must be positive")
	}
	if u, err := url.Parse(cfg.Bridge.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, "bridge.baseURL must be an http(s) URL")
	}
	if cfg.Bridge.OutboundQueue <= 0 {
		errs = append(errs, "bridge.outboundQueue must be positive")
	}
	if cfg.Bridge.HandshakeTimeout <= 0 {
		errs = append(errs, "bridge.handshakeTimeout must be positive")
	}
	if cfg.Gateway.URL != "" && cfg.Gateway.Secret == "" {
		errs = append(errs, "gateway.secret is required when gateway.url is set")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
