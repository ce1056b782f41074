// Package bridge is the client side of the terminal host protocol. One
// WebSocket carries every terminal session; output is routed to listeners
// by session id, and request/response calls go over plain HTTP.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/peterje/termbridge/internal/logger"
	"github.com/peterje/termbridge/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 * 1024 * 1024

	defaultOutboundQueue    = 256
	defaultHandshakeTimeout = 10 * time.Second
)

var (
	ErrNotConnected  = errors.New("bridge: not connected")
	ErrClosed        = errors.New("bridge: connection closed")
	ErrOutboundFull  = errors.New("bridge: outbound queue full")
	ErrSessionClosed = errors.New("bridge: session closed")
	ErrSessionExited = errors.New("bridge: session exited before start")
)

// Config configures a Bridge.
type Config struct {
	BaseURL          string // e.g. http://localhost:12332
	OutboundQueue    int
	HandshakeTimeout time.Duration
	HTTPClient       *http.Client
	// Token is sent as a bearer token on every request, for hosts reached
	// through a gateway.
	Token string
}

// Bridge multiplexes terminal sessions over one WebSocket to a host.
type Bridge struct {
	baseURL          *url.URL
	httpClient       *http.Client
	outboundSize     int
	handshakeTimeout time.Duration
	token            string
	log              *logger.Logger
	router           *router

	connMu   sync.Mutex
	conn     *websocket.Conn
	outbound chan []byte

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New returns an unconnected Bridge. Call Initialize before any socket
// operation.
func New(cfg Config, log *logger.Logger) (*Bridge, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https: %s", cfg.BaseURL)
	}
	if log == nil {
		log = logger.Default()
	}
	if cfg.OutboundQueue <= 0 {
		cfg.OutboundQueue = defaultOutboundQueue
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	log = log.WithComponent("bridge")
	return &Bridge{
		baseURL:          base,
		httpClient:       httpClient,
		outboundSize:     cfg.OutboundQueue,
		handshakeTimeout: cfg.HandshakeTimeout,
		token:            cfg.Token,
		log:              log,
		router:           newRouter(log),
		done:             make(chan struct{}),
	}, nil
}

func (b *Bridge) authHeader() http.Header {
	if b.token == "" {
		return nil
	}
	return http.Header{"Authorization": []string{"Bearer " + b.token}}
}

func (b *Bridge) socketURL() string {
	u := *b.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = "/"
	u.RawQuery = ""
	return u.String()
}

// Initialize opens the shared socket and returns once the handshake has
// completed.
func (b *Bridge) Initialize(ctx context.Context) error {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	if b.conn != nil {
		return errors.New("bridge: already initialized")
	}
	select {
	case <-b.done:
		return ErrClosed
	default:
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: b.handshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, b.socketURL(), b.authHeader())
	if err != nil {
		return fmt.Errorf("dial %s: %w", b.socketURL(), err)
	}

	b.conn = conn
	b.outbound = make(chan []byte, b.outboundSize)
	go b.readLoop(conn)
	go b.writePump(conn, b.outbound)

	b.log.Info("connected to terminal host", zap.String("url", b.socketURL()))
	return nil
}

// Done is closed when the socket has gone away.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Err returns the reason the socket closed, or nil while it is open.
func (b *Bridge) Err() error {
	select {
	case <-b.done:
		return b.closeErr
	default:
		return nil
	}
}

// Disconnect flushes frames already queued, then closes the socket.
// Sessions on the host are left running.
func (b *Bridge) Disconnect() error {
	b.connMu.Lock()
	out := b.outbound
	b.connMu.Unlock()

	if out != nil {
		// A nil frame tells the write pump to close once everything ahead
		// of it is on the wire.
		timeout := time.NewTimer(writeWait)
		defer timeout.Stop()
		select {
		case out <- nil:
			select {
			case <-b.done:
			case <-timeout.C:
			}
		case <-b.done:
		case <-timeout.C:
		}
	}
	b.shutdown(ErrClosed)
	return nil
}

func (b *Bridge) shutdown(reason error) {
	b.closeOnce.Do(func() {
		b.closeErr = reason
		close(b.done)

		b.connMu.Lock()
		conn := b.conn
		b.connMu.Unlock()
		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		}
		b.router.shutdown(ErrClosed)
	})
}

// Listen registers cb for every output chunk of sessions accepted by pred.
func (b *Bridge) Listen(pred func(id string) bool, cb Listener) *Registration {
	handle := b.router.listeners.add(pred, cb)
	return &Registration{handle: handle, reg: &b.router.listeners}
}

func (b *Bridge) readLoop(conn *websocket.Conn) {
	defer b.shutdown(ErrClosed)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-b.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					b.log.Warn("socket read failed", zap.Error(err))
				} else {
					b.log.Info("socket closed", zap.Error(err))
				}
			}
			return
		}
		// Any inbound traffic proves the peer is alive.
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		b.handleFrame(msg)
	}
}

func (b *Bridge) handleFrame(msg []byte) {
	evt, err := decodeEvent(msg)
	if err != nil {
		b.log.Warn("dropping malformed frame", zap.Error(err), zap.Int("bytes", len(msg)))
		return
	}

	switch evt.Type {
	case models.EventTerminalOutput:
		data, err := decodeOutput(evt.Output)
		if err != nil {
			b.log.Warn("dropping undecodable output", zap.String("terminal_id", evt.TerminalID), zap.Error(err))
			return
		}
		b.router.handleOutput(evt.TerminalID, data)
	case models.EventTerminalStarted:
		b.router.handleStarted(evt.TerminalID)
	case models.EventTerminalExited:
		b.router.handleExited(evt.TerminalID)
	default:
		b.log.Debug("ignoring frame", zap.String("type", evt.Type))
	}
}

func (b *Bridge) writePump(conn *websocket.Conn, outbound <-chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-outbound:
			if msg == nil {
				b.shutdown(ErrClosed)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				b.log.Warn("socket write failed", zap.Error(err))
				b.shutdown(fmt.Errorf("write: %w", err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				b.shutdown(fmt.Errorf("ping: %w", err))
				return
			}
		case <-b.done:
			return
		}
	}
}

// enqueue places a frame on the bounded outbound queue without blocking.
func (b *Bridge) enqueue(frame models.SocketRequest) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	b.connMu.Lock()
	out := b.outbound
	b.connMu.Unlock()
	if out == nil {
		return ErrNotConnected
	}

	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	select {
	case out <- data:
		return nil
	default:
		return ErrOutboundFull
	}
}
