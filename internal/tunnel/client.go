// Package tunnel exposes a local host through a remote gateway. The host
// dials out to the gateway over a websocket and serves yamux streams the
// gateway opens, piping each one to the local listener.
package tunnel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"
	"go.uber.org/zap"

	"github.com/peterje/termbridge/internal/logger"
)

// SecretHeader carries the pre-shared secret on the tunnel handshake.
const SecretHeader = "X-Gateway-Secret"

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

type Client struct {
	gatewayURL string // wss://gateway.example.com/tunnel
	secret     string
	localAddr  string // e.g. 127.0.0.1:12332
	// Insecure skips certificate checks; gateways commonly run with
	// self-signed certs and the secret authenticates the connection.
	Insecure bool
	log      *logger.Logger
}

func NewClient(gatewayURL, secret, localAddr string, log *logger.Logger) *Client {
	return &Client{
		gatewayURL: gatewayURL,
		secret:     secret,
		localAddr:  localAddr,
		log:        log.WithComponent("tunnel"),
	}
}

// Run keeps a tunnel open until ctx is cancelled, reconnecting with
// exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	backoff := initialBackoff
	for {
		connected, err := c.connect(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			backoff = initialBackoff
		}
		c.log.Warn("tunnel down, reconnecting", zap.Error(err), zap.Duration("backoff", backoff))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if !connected {
			backoff = min(backoff*2, maxBackoff)
		}
	}
}

// connect serves one tunnel session. connected reports whether the
// handshake succeeded before the session ended.
func (c *Client) connect(ctx context.Context) (connected bool, err error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if c.Insecure {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	header := http.Header{}
	header.Set(SecretHeader, c.secret)

	wsConn, _, err := dialer.DialContext(ctx, c.gatewayURL, header)
	if err != nil {
		return false, fmt.Errorf("dial gateway: %w", err)
	}
	defer wsConn.Close()

	// The host is the yamux server; the gateway opens streams.
	session, err := yamux.Server(NewWSConn(wsConn), yamux.DefaultConfig())
	if err != nil {
		return false, fmt.Errorf("yamux server: %w", err)
	}
	defer session.Close()

	c.log.Info("connected to gateway", zap.String("url", c.gatewayURL))

	stop := context.AfterFunc(ctx, func() { _ = session.Close() })
	defer stop()

	for {
		stream, err := session.Accept()
		if err != nil {
			if errors.Is(err, io.EOF) || session.IsClosed() {
				return true, fmt.Errorf("session closed: %w", err)
			}
			return true, fmt.Errorf("accept stream: %w", err)
		}
		go c.handleStream(stream)
	}
}

func (c *Client) handleStream(stream net.Conn) {
	defer stream.Close()

	local, err := net.Dial("tcp", c.localAddr)
	if err != nil {
		c.log.Warn("dial local failed", zap.String("addr", c.localAddr), zap.Error(err))
		return
	}
	defer local.Close()

	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(local, stream)
		// Let the local side see EOF so it can finish its response.
		if tcp, ok := local.(*net.TCPConn); ok {
			_ = tcp.CloseWrite()
		}
		close(done)
	}()
	_, _ = io.Copy(stream, local)
	_ = stream.Close()
	<-done
}
