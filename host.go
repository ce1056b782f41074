package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/peterje/termbridge/internal/files"
	"github.com/peterje/termbridge/internal/preflight"
	ptymgr "github.com/peterje/termbridge/internal/pty"
	"github.com/peterje/termbridge/internal/server"
	"github.com/peterje/termbridge/internal/store"
	"github.com/peterje/termbridge/internal/tunnel"
)

func newHostCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Run the terminal host (PTY sessions, HTTP API and shared socket)",
		Args:  cobra.NoArgs,
		RunE:  runHost,
	}
	f := cmd.Flags()
	f.String("addr", "", "listen address (default 127.0.0.1:12332)")
	f.String("data-dir", "", "directory for the database and app data (default ~/.termbridge)")
	f.String("shell", "", "default shell for new sessions")
	f.String("gateway", "", "gateway tunnel URL, e.g. wss://gateway.example.com/tunnel")
	f.String("gateway-secret", "", "shared secret presented to the gateway")
	return cmd
}

func runHost(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd, map[string]string{
		"host.addr":         "addr",
		"host.dataDir":      "data-dir",
		"host.defaultShell": "shell",
		"gateway.url":       "gateway",
		"gateway.secret":    "gateway-secret",
	})
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	fmt.Println("termbridge host")
	fmt.Println("===============")

	shells, shell, ok := preflight.CheckAll(log, cfg.Host.DefaultShell)
	if !ok {
		return errors.New("no usable shell found; install one or pass --shell")
	}

	if err := os.MkdirAll(cfg.Host.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.Open(filepath.Join(cfg.Host.DataDir, "termbridge.db"))
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	mgr := ptymgr.NewManager(log, shell, cfg.Host.ReplayBytes)
	defer mgr.StopAll()

	fileSvc := files.NewService(filepath.Join(cfg.Host.DataDir, "appdata"), log)
	srv := server.New(st, fileSvc, shells, mgr, log)

	ln, err := net.Listen("tcp", cfg.Host.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Host.Addr, err)
	}
	httpSrv := &http.Server{
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		fmt.Printf("Host running at http://%s (shell %s)\n", ln.Addr(), shell)
		if err := httpSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if cfg.Gateway.URL != "" {
		tc := tunnel.NewClient(cfg.Gateway.URL, cfg.Gateway.Secret, ln.Addr().String(), log)
		tc.Insecure = cfg.Gateway.Insecure
		g.Go(func() error { return tc.Run(ctx) })
		log.Info("gateway tunnel enabled", zap.String("gateway", cfg.Gateway.URL))
	}

	err = g.Wait()
	fmt.Println("Host stopped.")
	return err
}
