// Package gateway exposes a host that cannot accept inbound connections.
// The host dials in over a reverse tunnel, and remote clients talk to the
// gateway as if it were the host.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/peterje/termbridge/internal/api"
	"github.com/peterje/termbridge/internal/logger"
)

const (
	tunnelPath = "/tunnel"
	healthPath = "/gateway/health"
)

// Config holds gateway configuration.
type Config struct {
	Listen      string
	Secret      string // presented by the host on the tunnel
	ClientToken string // presented by remote clients; empty disables auth
	TLSCert     string
	TLSKey      string
	TLSDir      string // cache for the self-signed certificate
}

// Health is the body of the gateway's own health check.
type Health struct {
	Status    string `json:"status"`
	Connected bool   `json:"connected"`
}

// Server is the gateway HTTP server.
type Server struct {
	cfg    Config
	tunnel *Tunnel
	mux    *http.ServeMux
	log    *logger.Logger
}

// New builds a gateway. A random secret is generated when none is set.
func New(cfg Config, log *logger.Logger) (*Server, error) {
	if cfg.Secret == "" {
		b := make([]byte, 24)
		if _, err := rand.Read(b); err != nil {
			return nil, fmt.Errorf("generate secret: %w", err)
		}
		cfg.Secret = hex.EncodeToString(b)
	}
	log = log.WithComponent("gateway")

	s := &Server{
		cfg:    cfg,
		tunnel: NewTunnel(cfg.Secret, log),
		mux:    http.NewServeMux(),
		log:    log,
	}
	auth := NewAuth(cfg.ClientToken)

	s.mux.Handle(tunnelPath, s.tunnel)
	s.mux.HandleFunc("GET "+healthPath, func(w http.ResponseWriter, _ *http.Request) {
		api.WriteJSON(w, http.StatusOK, Health{Status: "ok", Connected: s.tunnel.Connected()})
	})
	// Everything else belongs to the host.
	s.mux.Handle("/", auth.Middleware(NewProxy(s.tunnel, log)))
	return s, nil
}

// Secret returns the tunnel secret hosts must present.
func (s *Server) Secret() string { return s.cfg.Secret }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Run serves TLS on cfg.Listen until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	tlsCfg, err := TLSConfig(s.cfg.TLSCert, s.cfg.TLSKey, s.cfg.TLSDir)
	if err != nil {
		return fmt.Errorf("TLS config: %w", err)
	}
	if s.cfg.ClientToken == "" {
		s.log.Warn("no client token configured; anyone reaching the gateway can use the host")
	}

	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		s.tunnel.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("gateway listening", zap.String("addr", s.cfg.Listen))
	if err := srv.ListenAndServeTLS("", ""); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
