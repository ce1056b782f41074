package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterje/termbridge/internal/api"
	"github.com/peterje/termbridge/internal/logger"
	"github.com/peterje/termbridge/internal/models"
	"github.com/peterje/termbridge/internal/tunnel"
)

// newLocalHost stands in for a termbridge host: one JSON route plus an
// echoing socket at the root.
func newLocalHost(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		api.WriteJSON(w, http.StatusOK, map[string]string{"auth": r.Header.Get("Authorization")})
	})
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestGateway(t *testing.T, token string) (*Server, *httptest.Server) {
	t.Helper()
	gw, err := New(Config{Secret: "s3cret", ClientToken: token}, logger.Nop())
	require.NoError(t, err)
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return gw, srv
}

func attachHost(t *testing.T, gw *Server, gwSrv *httptest.Server, local *httptest.Server) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(gwSrv.URL, "http") + tunnelPath
	client := tunnel.NewClient(url, "s3cret", local.Listener.Addr().String(), logger.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = client.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, gw.tunnel.Connected, 5*time.Second, 20*time.Millisecond)
}

func authedGet(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestProxyWithoutHost(t *testing.T) {
	_, srv := newTestGateway(t, "")

	resp := authedGet(t, srv.URL+"/api/health", "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	resp2 := authedGet(t, srv.URL+healthPath, "")
	defer resp2.Body.Close()
	var env models.Envelope
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&env))
	var health Health
	require.NoError(t, json.Unmarshal(env.Data, &health))
	assert.False(t, health.Connected)
}

func TestProxyForwardsHTTPAndStripsCredentials(t *testing.T) {
	local := newLocalHost(t)
	gw, srv := newTestGateway(t, "tok")
	attachHost(t, gw, srv, local)

	resp := authedGet(t, srv.URL+"/api/health", "")
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = authedGet(t, srv.URL+"/api/health", "wrong")
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = authedGet(t, srv.URL+"/api/health", "tok")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"auth":""`)

	// The health check needs no token.
	resp2 := authedGet(t, srv.URL+healthPath, "")
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestProxyForwardsSocket(t *testing.T) {
	local := newLocalHost(t)
	gw, srv := newTestGateway(t, "tok")
	attachHost(t, gw, srv, local)

	header := http.Header{"Authorization": []string{"Bearer tok"}}
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/", header)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping through tunnel")))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "ping through tunnel", string(msg))
}

func TestTunnelRejectsWrongSecret(t *testing.T) {
	_, srv := newTestGateway(t, "")

	req, err := http.NewRequest(http.MethodGet, srv.URL+tunnelPath, nil)
	require.NoError(t, err)
	req.Header.Set(tunnel.SecretHeader, "nope")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestNewGeneratesSecret(t *testing.T) {
	gw, err := New(Config{}, logger.Nop())
	require.NoError(t, err)
	assert.Len(t, gw.Secret(), 48)
}

func TestSelfSignedCertIsCached(t *testing.T) {
	dir := t.TempDir()
	first, err := TLSConfig("", "", dir)
	require.NoError(t, err)
	second, err := TLSConfig("", "", dir)
	require.NoError(t, err)

	require.Len(t, first.Certificates, 1)
	require.Len(t, second.Certificates, 1)
	assert.Equal(t, first.Certificates[0].Certificate[0], second.Certificates[0].Certificate[0])
}
