package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterje/termbridge/internal/bridge"
	"github.com/peterje/termbridge/internal/files"
	"github.com/peterje/termbridge/internal/logger"
	"github.com/peterje/termbridge/internal/models"
	ptymgr "github.com/peterje/termbridge/internal/pty"
	"github.com/peterje/termbridge/internal/store"
)

func newTestServer(t *testing.T, mgr ptymgr.SessionManager) *httptest.Server {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "termbridge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	shells := []models.ShellStatus{{Name: "sh", Installed: true, Path: "/bin/sh"}}
	srv := httptest.NewServer(New(st, files.NewService(filepath.Join(dir, "appdata"), logger.Nop()), shells, mgr, logger.Nop()))
	t.Cleanup(srv.Close)
	return srv
}

func decodeEnvelope(t *testing.T, resp *http.Response) models.Envelope {
	t.Helper()
	defer resp.Body.Close()
	var env models.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, ptymgr.NewManager(logger.Nop(), "/bin/sh", 0))

	resp, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	env := decodeEnvelope(t, resp)
	require.True(t, env.Success)

	var health models.HealthResponse
	require.NoError(t, json.Unmarshal(env.Data, &health))
	assert.Equal(t, "ok", health.Status)
	assert.Len(t, health.Shells, 1)
	assert.Zero(t, health.Sessions)
}

func TestLoadWithoutSnapshot(t *testing.T) {
	srv := newTestServer(t, ptymgr.NewManager(logger.Nop(), "/bin/sh", 0))

	resp, err := http.Get(srv.URL + "/api/v1/terminal/load?terminalID=nothing-saved")
	require.NoError(t, err)
	env := decodeEnvelope(t, resp)
	assert.True(t, env.Success)
	assert.Empty(t, env.Data)

	resp, err = http.Get(srv.URL + "/api/v1/terminal/load")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	env = decodeEnvelope(t, resp)
	assert.False(t, env.Success)
	assert.Equal(t, "terminalID is required", env.Message)
}

func TestCreateRejectsBadInput(t *testing.T) {
	srv := newTestServer(t, ptymgr.NewManager(logger.Nop(), "/bin/sh", 0))

	resp, err := http.Post(srv.URL+"/api/v1/terminal/create", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.False(t, decodeEnvelope(t, resp).Success)

	resp = postJSON(t, srv.URL+"/api/v1/terminal/create", models.CreateTerminalRequest{Options: models.TerminalOptions{Rows: 24}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	resp = postJSON(t, srv.URL+"/api/v1/terminal/create", models.CreateTerminalRequest{Options: models.TerminalOptions{Rows: 70000, Columns: 80}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestRejectsCrossSiteRequests(t *testing.T) {
	srv := newTestServer(t, ptymgr.NewManager(logger.Nop(), "/bin/sh", 0))
	path := filepath.Join(t.TempDir(), "pwned.txt")
	body := `{"action":"write","path":"` + path + `","content":"x"}`

	send := func(contentType, origin string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/run/file", strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", contentType)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	// A form post from any page is sent as text/plain without a preflight.
	resp := send("text/plain", "")
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
	assert.False(t, decodeEnvelope(t, resp).Success)
	assert.NoFileExists(t, path)

	resp = send("application/json", "http://evil.example")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.False(t, decodeEnvelope(t, resp).Success)
	assert.NoFileExists(t, path)

	resp = send("application/json; charset=utf-8", srv.URL)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decodeEnvelope(t, resp).Success)
	assert.FileExists(t, path)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": []string{"http://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": []string{srv.URL}})
	require.NoError(t, err)
	_ = conn.Close()
}

func TestRunThroughBridgeServices(t *testing.T) {
	srv := newTestServer(t, ptymgr.NewManager(logger.Nop(), "/bin/sh", 0))
	b, err := bridge.New(bridge.Config{BaseURL: srv.URL}, logger.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, b.Files().Write(ctx, path, "draft"))
	content, err := b.Files().Read(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "draft", content)

	exists, err := b.Files().FileExists(ctx, path)
	require.NoError(t, err)
	assert.True(t, exists)

	ext, err := b.Files().FileExtension(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, ".txt", ext)

	require.NoError(t, b.Files().WriteAppData(ctx, "state.json", "{}"))
	appData, err := b.Files().ReadAppData(ctx, "state.json")
	require.NoError(t, err)
	assert.Equal(t, "{}", appData)

	h := b.History()
	require.NoError(t, h.Push(ctx, path, "v1"))
	require.NoError(t, h.Push(ctx, path, "v2"))
	n, err := h.Count(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	prev, err := h.Undo(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "v1", prev)

	_, err = h.Undo(ctx, path)
	var reqErr *bridge.RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusConflict, reqErr.Status)
	assert.Equal(t, store.ErrNothingToUndo.Error(), reqErr.Message)

	next, err := h.Redo(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "v2", next)

	_, err = b.Files().Read(ctx, filepath.Join(t.TempDir(), "missing.txt"))
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusNotFound, reqErr.Status)

	err = b.Run(ctx, "nope", models.RunRequest{Action: "x"}, nil)
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusNotFound, reqErr.Status)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := recoveryMiddleware(logger.Nop(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var env models.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.False(t, env.Success)
}

type collector struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *collector) listener(_ string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf.Write(data)
}

func (c *collector) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

// TestBridgeEndToEnd drives a real shell through the host and the bridge.
func TestBridgeEndToEnd(t *testing.T) {
	if runtime.GOOS == "windows" || os.Getenv("CI") != "" {
		t.Skip("PTY tests require a local unix shell")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}

	mgr := ptymgr.NewManager(logger.Nop(), "/bin/sh", 0)
	t.Cleanup(mgr.StopAll)
	srv := newTestServer(t, mgr)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b, err := bridge.New(bridge.Config{BaseURL: srv.URL}, logger.Nop())
	require.NoError(t, err)
	require.NoError(t, b.Initialize(ctx))
	t.Cleanup(func() { _ = b.Disconnect() })

	id, err := b.Create(ctx, models.TerminalOptions{Shell: "/bin/sh", Rows: 24, Columns: 80})
	require.NoError(t, err)

	ids, err := b.List(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, id)

	out := &collector{}
	reg := b.Listen(bridge.ForSession(id), out.listener)
	defer reg.Unregister()

	require.NoError(t, b.Start(ctx, id))
	require.NoError(t, b.Send(id, "echo bridge-$((40+2))\n"))
	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), "bridge-42")
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, b.Resize(id, 30, 100))

	snap := models.TerminalSnapshot{Raw: "$ echo bridge-42\r\nbridge-42", Rows: 30, Cols: 100}
	require.NoError(t, b.Save(id, snap))
	assert.Eventually(t, func() bool {
		loaded, err := b.Load(ctx, id)
		return err == nil && loaded != nil && loaded.Raw == snap.Raw
	}, 2*time.Second, 20*time.Millisecond)

	exited := b.Exited(id)
	require.NoError(t, b.Send(id, "exit\n"))
	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("bridge never saw the shell exit")
	}

	require.NoError(t, b.Close(id))
	assert.Eventually(t, func() bool {
		ids, err := b.List(ctx)
		return err == nil && !contains(ids, id)
	}, 2*time.Second, 20*time.Millisecond)
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
