package gateway

import (
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"
	"go.uber.org/zap"

	"github.com/peterje/termbridge/internal/logger"
	"github.com/peterje/termbridge/internal/tunnel"
)

var errNoTunnel = errors.New("gateway: host not connected")

var tunnelUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Tunnel holds the gateway side of the reverse tunnel. At most one host is
// connected; a new connection replaces the old one.
type Tunnel struct {
	secret string
	log    *logger.Logger

	mu      sync.RWMutex
	session *yamux.Session
}

func NewTunnel(secret string, log *logger.Logger) *Tunnel {
	return &Tunnel{secret: secret, log: log}
}

// ServeHTTP accepts a host's tunnel connection and blocks until it closes.
func (t *Tunnel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if subtle.ConstantTimeCompare([]byte(r.Header.Get(tunnel.SecretHeader)), []byte(t.secret)) != 1 {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	wsConn, err := tunnelUpgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Warn("tunnel upgrade failed", zap.Error(err))
		return
	}

	// The gateway opens streams, so it is the yamux client.
	session, err := yamux.Client(tunnel.NewWSConn(wsConn), yamux.DefaultConfig())
	if err != nil {
		t.log.Error("yamux client failed", zap.Error(err))
		_ = wsConn.Close()
		return
	}

	t.mu.Lock()
	if t.session != nil {
		_ = t.session.Close()
		t.log.Info("replaced existing host connection")
	}
	t.session = session
	t.mu.Unlock()
	t.log.Info("host connected", zap.String("remote", r.RemoteAddr))

	<-session.CloseChan()

	t.mu.Lock()
	if t.session == session {
		t.session = nil
	}
	t.mu.Unlock()
	t.log.Info("host disconnected")
}

// OpenStream opens a stream to the connected host.
func (t *Tunnel) OpenStream() (net.Conn, error) {
	t.mu.RLock()
	session := t.session
	t.mu.RUnlock()

	if session == nil {
		return nil, errNoTunnel
	}
	return session.Open()
}

// Connected reports whether a host is attached.
func (t *Tunnel) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.session != nil && !t.session.IsClosed()
}

// Close drops the current host connection, if any.
func (t *Tunnel) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session != nil {
		_ = t.session.Close()
		t.session = nil
	}
}
