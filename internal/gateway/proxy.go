package gateway

import (
	"bufio"
	"io"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/peterje/termbridge/internal/api"
	"github.com/peterje/termbridge/internal/logger"
)

// Proxy forwards client HTTP requests and socket upgrades through the
// tunnel to the host.
type Proxy struct {
	tunnel *Tunnel
	log    *logger.Logger
}

func NewProxy(tunnel *Tunnel, log *logger.Logger) *Proxy {
	return &Proxy{tunnel: tunnel, log: log}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		p.proxyWebSocket(w, r)
		return
	}
	p.proxyHTTP(w, r)
}

func (p *Proxy) proxyHTTP(w http.ResponseWriter, r *http.Request) {
	stream, err := p.tunnel.OpenStream()
	if err != nil {
		api.WriteError(w, http.StatusBadGateway, "gateway not connected to a host")
		return
	}
	defer func() { _ = stream.Close() }()

	// Drop the client's credentials before they reach the host.
	r.Header.Del("Authorization")
	if err := r.Write(stream); err != nil {
		p.log.Warn("write request to tunnel failed", zap.Error(err))
		api.WriteError(w, http.StatusBadGateway, "tunnel write failed")
		return
	}

	resp, err := http.ReadResponse(bufio.NewReader(stream), r)
	if err != nil {
		p.log.Warn("read response from tunnel failed", zap.Error(err))
		api.WriteError(w, http.StatusBadGateway, "tunnel read failed")
		return
	}
	defer func() { _ = resp.Body.Close() }()

	for key, vals := range resp.Header {
		for _, val := range vals {
			w.Header().Add(key, val)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func (p *Proxy) proxyWebSocket(w http.ResponseWriter, r *http.Request) {
	stream, err := p.tunnel.OpenStream()
	if err != nil {
		api.WriteError(w, http.StatusBadGateway, "gateway not connected to a host")
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		_ = stream.Close()
		api.WriteError(w, http.StatusInternalServerError, "websocket hijack not supported")
		return
	}
	clientConn, clientBuf, err := hj.Hijack()
	if err != nil {
		_ = stream.Close()
		p.log.Warn("hijack failed", zap.Error(err))
		return
	}

	r.Header.Del("Authorization")
	if err := r.Write(stream); err != nil {
		_ = stream.Close()
		_ = clientConn.Close()
		p.log.Warn("write upgrade to tunnel failed", zap.Error(err))
		return
	}

	// Bytes the client sent after its request may already be buffered.
	if n := clientBuf.Reader.Buffered(); n > 0 {
		buffered, _ := clientBuf.Reader.Peek(n)
		_, _ = stream.Write(buffered)
	}

	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(clientConn, stream)
		closeWrite(clientConn)
		close(done)
	}()
	_, _ = io.Copy(stream, clientConn)
	closeWrite(stream)
	<-done

	_ = stream.Close()
	_ = clientConn.Close()
}

// closeWrite half-closes c when it supports it.
func closeWrite(c any) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}
