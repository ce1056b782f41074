package main

import (
	"fmt"
	"net"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/peterje/termbridge/internal/gateway"
)

func newGatewayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run a public gateway that hosts dial into over a reverse tunnel",
		Args:  cobra.NoArgs,
		RunE:  runGateway,
	}
	f := cmd.Flags()
	f.String("listen", "", "listen address (default 0.0.0.0:8443)")
	f.String("secret", "", "tunnel secret hosts must present (generated if empty)")
	f.String("client-token", "", "bearer token remote clients must present")
	f.String("tls-cert", "", "TLS certificate file (self-signed if empty)")
	f.String("tls-key", "", "TLS key file")
	return cmd
}

func runGateway(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd, map[string]string{
		"gateway.listen":      "listen",
		"gateway.secret":      "secret",
		"gateway.clientToken": "client-token",
		"gateway.tlsCert":     "tls-cert",
		"gateway.tlsKey":      "tls-key",
	})
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	gw, err := gateway.New(gateway.Config{
		Listen:      cfg.Gateway.Listen,
		Secret:      cfg.Gateway.Secret,
		ClientToken: cfg.Gateway.ClientToken,
		TLSCert:     cfg.Gateway.TLSCert,
		TLSKey:      cfg.Gateway.TLSKey,
		TLSDir:      filepath.Join(cfg.Host.DataDir, "gateway-tls"),
	}, log)
	if err != nil {
		return err
	}

	_, port, err := net.SplitHostPort(cfg.Gateway.Listen)
	if err != nil {
		return fmt.Errorf("parse listen address: %w", err)
	}
	fmt.Println("termbridge gateway")
	fmt.Println("==================")
	fmt.Printf("Listening on https://%s\n", cfg.Gateway.Listen)
	fmt.Printf("Tunnel secret: %s\n", gw.Secret())
	fmt.Println()
	fmt.Println("Connect a host with:")
	fmt.Printf("  termbridge host --gateway wss://YOUR_HOST:%s/tunnel --gateway-secret %s\n", port, gw.Secret())
	fmt.Println()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return gw.Run(ctx)
}
