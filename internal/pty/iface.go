package pty

import "github.com/peterje/termbridge/internal/models"

// SessionHandle is a running shell as seen by the transport layer.
type SessionHandle interface {
	ID() string
	// SubscribeWithReplay returns everything buffered so far and a channel
	// of output produced afterwards, with nothing lost or repeated between
	// the two. The channel is closed when the PTY reaches EOF.
	SubscribeWithReplay() ([]byte, <-chan []byte, func())
	Write(data []byte) (int, error)
	Done() <-chan struct{}
	ExitCode() int
}

// SessionManager manages PTY session lifecycles.
type SessionManager interface {
	Create(opts models.TerminalOptions) (string, error)
	Get(id string) SessionHandle
	Resize(id string, rows, cols uint16) error
	Stop(id string) error
	StopAll()
	ListActive() []string
}
