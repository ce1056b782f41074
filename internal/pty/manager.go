package pty

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/peterje/termbridge/internal/logger"
	"github.com/peterje/termbridge/internal/models"
)

const (
	DefaultReplayBytes = 100 * 1024
	defaultRows        = 40
	defaultCols        = 120
	subscriberBuffer   = 1024
)

var ErrNotFound = errors.New("session not found")

var (
	_ SessionHandle  = (*Session)(nil)
	_ SessionManager = (*Manager)(nil)
)

type Session struct {
	id        string
	cmd       *exec.Cmd
	ptmx      *os.File
	createdAt time.Time
	log       *logger.Logger

	done     chan struct{}
	exitCode int

	mu      sync.Mutex
	stopped bool

	// replay and subscribers share subMu so a new subscriber sees every
	// byte exactly once.
	subMu       sync.Mutex
	replayBuf   []byte
	replayLimit int
	subscribers map[chan []byte]struct{}
	dropped     int
}

func (s *Session) ID() string { return s.id }

// Write sends data to the PTY.
func (s *Session) Write(data []byte) (int, error) {
	return s.ptmx.Write(data)
}

// Done returns a channel that is closed when the session process exits.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ExitCode is valid once Done is closed.
func (s *Session) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

func (s *Session) publish(data []byte) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	s.replayBuf = append(s.replayBuf, data...)
	if len(s.replayBuf) > s.replayLimit {
		s.replayBuf = s.replayBuf[len(s.replayBuf)-s.replayLimit:]
	}
	for ch := range s.subscribers {
		select {
		case ch <- data:
		default:
			s.dropped++
			if s.dropped == 1 || s.dropped%100 == 0 {
				s.log.Warn("slow subscriber, dropping output", zap.Int("dropped", s.dropped))
			}
		}
	}
}

func (s *Session) SubscribeWithReplay() ([]byte, <-chan []byte, func()) {
	ch := make(chan []byte, subscriberBuffer)

	s.subMu.Lock()
	replay := make([]byte, len(s.replayBuf))
	copy(replay, s.replayBuf)
	if s.subscribers == nil {
		// PTY already at EOF.
		close(ch)
	} else {
		s.subscribers[ch] = struct{}{}
	}
	s.subMu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			s.subMu.Lock()
			if _, ok := s.subscribers[ch]; ok {
				delete(s.subscribers, ch)
				close(ch)
			}
			s.subMu.Unlock()
		})
	}
	return replay, ch, unsub
}

func (s *Session) closeSubscribers() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subscribers {
		close(ch)
	}
	s.subscribers = nil
}

type Manager struct {
	log          *logger.Logger
	replayBytes  int
	defaultShell string

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(log *logger.Logger, defaultShell string, replayBytes int) *Manager {
	if replayBytes <= 0 {
		replayBytes = DefaultReplayBytes
	}
	return &Manager{
		log:          log.WithComponent("pty"),
		replayBytes:  replayBytes,
		defaultShell: defaultShell,
		sessions:     make(map[string]*Session),
	}
}

// Create spawns a shell on a new PTY and returns its session id. Output is
// buffered from the first byte so a later subscriber misses nothing.
func (m *Manager) Create(opts models.TerminalOptions) (string, error) {
	shell := opts.Shell
	if shell == "" {
		shell = m.defaultShell
	}
	if shell == "" {
		return "", errors.New("no shell configured")
	}
	rows, cols := opts.Rows, opts.Columns
	if rows <= 0 || cols <= 0 {
		rows, cols = defaultRows, defaultCols
	}

	cmd := exec.Command(shell)
	cmd.Dir = opts.WorkingDirectory
	cmd.Env = buildEnv(opts.EnvironmentVariables)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	if err != nil {
		return "", fmt.Errorf("start pty: %w", err)
	}

	id := uuid.NewString()
	sess := &Session{
		id:          id,
		cmd:         cmd,
		ptmx:        ptmx,
		createdAt:   time.Now(),
		log:         m.log.WithSession(id),
		done:        make(chan struct{}),
		replayLimit: m.replayBytes,
		subscribers: make(map[chan []byte]struct{}),
	}

	// Read from PTY, fan out to replay buffer + subscribers
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := ptmx.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				sess.publish(data)
			}
			if err != nil {
				break
			}
		}
		sess.closeSubscribers()
	}()

	// Monitor process exit
	go func() {
		err := cmd.Wait()
		code := 0
		if err != nil {
			code = -1
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			}
		}
		sess.mu.Lock()
		sess.stopped = true
		sess.exitCode = code
		sess.mu.Unlock()
		close(sess.done)
		sess.log.Info("shell exited", zap.Int("exit_code", code))
	}()

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	m.log.Info("terminal created",
		zap.String("terminal_id", id),
		zap.String("shell", shell),
		zap.Int("pid", cmd.Process.Pid),
		zap.Int("rows", rows),
		zap.Int("cols", cols))
	return id, nil
}

func buildEnv(extra map[string]string) []string {
	env := os.Environ()
	if os.Getenv("TERM") == "" {
		env = append(env, "TERM=xterm-256color")
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

func (m *Manager) Get(id string) SessionHandle {
	sess := m.getSession(id)
	if sess == nil {
		return nil
	}
	return sess
}

func (m *Manager) getSession(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// Stop terminates the shell and forgets the session. Stopping an unknown
// id is not an error.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if !sess.stopped && sess.cmd.Process != nil {
		_ = sess.cmd.Process.Signal(syscall.SIGTERM)
	}
	_ = sess.ptmx.Close()
	m.log.Info("terminal stopped", zap.String("terminal_id", id))
	return nil
}

func (m *Manager) Resize(id string, rows, cols uint16) error {
	sess := m.getSession(id)
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return pty.Setsize(sess.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

func (m *Manager) StopAll() {
	for _, id := range m.ListActive() {
		_ = m.Stop(id)
	}
}

// ListActive returns session ids, oldest first.
func (m *Manager) ListActive() []string {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].createdAt.Before(sessions[j].createdAt)
	})
	ids := make([]string, len(sessions))
	for i, s := range sessions {
		ids[i] = s.id
	}
	return ids
}
