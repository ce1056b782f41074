package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/peterje/termbridge/internal/api"
	"github.com/peterje/termbridge/internal/logger"
	"github.com/peterje/termbridge/internal/models"
	ptymgr "github.com/peterje/termbridge/internal/pty"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 * 1024 * 1024

	sendBuffer = 1024
	// Replay is split so one frame never carries the whole buffer.
	replayChunk = 32 * 1024
)

var upgrader = websocket.Upgrader{
	CheckOrigin: api.SameOrigin,
}

// Snapshots persists terminal snapshots sent with terminal/save.
type Snapshots interface {
	SaveSnapshot(ctx context.Context, snap models.TerminalSnapshot) error
	DeleteSnapshot(ctx context.Context, id string) error
}

// Handler serves the shared socket. Every client multiplexes all of its
// terminal sessions over one connection.
type Handler struct {
	manager   ptymgr.SessionManager
	snapshots Snapshots
	log       *logger.Logger
}

func NewHandler(manager ptymgr.SessionManager, snapshots Snapshots, log *logger.Logger) *Handler {
	return &Handler{manager: manager, snapshots: snapshots, log: log.WithComponent("ws")}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		h:    h,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
		subs: make(map[string]func()),
	}
	c.log = h.log.WithFields(zap.String("client_id", c.id))
	c.log.Info("client connected", zap.String("remote", r.RemoteAddr))

	go c.writePump()
	c.readPump(r.Context())
}

type client struct {
	id   string
	conn *websocket.Conn
	h    *Handler
	log  *logger.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	subs map[string]func()
	wg   sync.WaitGroup
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *client) readPump(ctx context.Context) {
	defer func() {
		c.close()
		c.mu.Lock()
		for id, unsub := range c.subs {
			unsub()
			delete(c.subs, id)
		}
		c.mu.Unlock()
		c.wg.Wait()
		c.log.Info("client disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("read failed", zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var req models.SocketRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			c.log.Warn("dropping malformed request", zap.Error(err))
			continue
		}
		if req.TerminalID == "" {
			c.log.Warn("request without terminalID", zap.String("url", req.URL))
			continue
		}
		c.handle(ctx, req)
	}
}

func (c *client) handle(ctx context.Context, req models.SocketRequest) {
	log := c.log.WithSession(req.TerminalID)

	switch req.URL {
	case models.URLTerminalStart:
		c.start(req.TerminalID)

	case models.URLTerminalSend:
		sess := c.h.manager.Get(req.TerminalID)
		if sess == nil {
			log.Debug("send to unknown session")
			return
		}
		var data string
		if err := json.Unmarshal(req.Data, &data); err != nil {
			log.Warn("bad send payload", zap.Error(err))
			return
		}
		if _, err := sess.Write([]byte(data)); err != nil {
			log.Warn("pty write failed", zap.Error(err))
		}

	case models.URLTerminalResize:
		if req.Rows <= 0 || req.Columns <= 0 || req.Rows > math.MaxUint16 || req.Columns > math.MaxUint16 {
			log.Warn("ignoring invalid resize", zap.Int("rows", req.Rows), zap.Int("cols", req.Columns))
			return
		}
		if err := c.h.manager.Resize(req.TerminalID, uint16(req.Rows), uint16(req.Columns)); err != nil {
			log.Debug("resize failed", zap.Error(err))
		}

	case models.URLTerminalClose:
		c.unsubscribe(req.TerminalID)
		if err := c.h.manager.Stop(req.TerminalID); err != nil {
			log.Warn("stop failed", zap.Error(err))
		}
		if err := c.h.snapshots.DeleteSnapshot(ctx, req.TerminalID); err != nil {
			log.Warn("delete snapshot failed", zap.Error(err))
		}

	case models.URLTerminalSave:
		var snap models.TerminalSnapshot
		if err := json.Unmarshal(req.Data, &snap); err != nil {
			log.Warn("bad save payload", zap.Error(err))
			return
		}
		snap.ID = req.TerminalID
		if err := c.h.snapshots.SaveSnapshot(ctx, snap); err != nil {
			log.Error("save snapshot failed", zap.Error(err))
		}

	default:
		log.Warn("unknown request", zap.String("url", req.URL))
	}
}

// start subscribes this connection to a session. The replay buffer goes out
// as ordinary output ahead of terminal-started, and live output follows.
func (c *client) start(id string) {
	sess := c.h.manager.Get(id)
	if sess == nil {
		c.log.Warn("start for unknown session", zap.String("terminal_id", id))
		c.emit(models.SocketEvent{Type: models.EventTerminalExited, TerminalID: id})
		return
	}

	c.mu.Lock()
	if _, ok := c.subs[id]; ok {
		c.mu.Unlock()
		c.emit(models.SocketEvent{Type: models.EventTerminalStarted, TerminalID: id})
		return
	}
	replay, ch, unsub := sess.SubscribeWithReplay()
	c.subs[id] = unsub
	c.mu.Unlock()

	for off := 0; off < len(replay); off += replayChunk {
		end := min(off+replayChunk, len(replay))
		c.emitOutput(id, replay[off:end])
	}
	c.emit(models.SocketEvent{Type: models.EventTerminalStarted, TerminalID: id})

	c.wg.Add(1)
	go c.forward(id, sess, ch)
}

func (c *client) forward(id string, sess ptymgr.SessionHandle, ch <-chan []byte) {
	defer c.wg.Done()
	for data := range ch {
		c.emitOutput(id, data)
	}

	// The channel also closes on unsubscribe; only a real EOF is an exit.
	c.mu.Lock()
	_, subscribed := c.subs[id]
	c.mu.Unlock()
	if !subscribed {
		return
	}
	select {
	case <-sess.Done():
	case <-c.done:
		return
	}
	c.log.Info("session exited", zap.String("terminal_id", id), zap.Int("exit_code", sess.ExitCode()))
	c.emit(models.SocketEvent{Type: models.EventTerminalExited, TerminalID: id})
}

func (c *client) unsubscribe(id string) {
	c.mu.Lock()
	unsub, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ok {
		unsub()
	}
}

func (c *client) emitOutput(id string, data []byte) {
	c.emit(models.SocketEvent{
		Type:       models.EventTerminalOutput,
		TerminalID: id,
		Output:     base64.StdEncoding.EncodeToString(data),
	})
}

// emit queues an event, blocking while the connection is slow.
func (c *client) emit(evt models.SocketEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		c.log.Error("marshal event failed", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Warn("write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
