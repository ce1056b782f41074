package bridge

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/peterje/termbridge/internal/models"
)

// Create asks the host to allocate a new session and returns its id. No
// local state exists for the session until it is listened to or started.
func (b *Bridge) Create(ctx context.Context, opts models.TerminalOptions) (string, error) {
	var id string
	if err := b.do(ctx, http.MethodPost, "/api/v1/terminal/create", nil, models.CreateTerminalRequest{Options: opts}, &id); err != nil {
		return "", fmt.Errorf("create terminal: %w", err)
	}
	if id == "" {
		return "", fmt.Errorf("create terminal: host returned empty id")
	}
	if opts.Rows > 0 && opts.Columns > 0 {
		b.router.setDimensions(id, opts.Rows, opts.Columns)
	}
	b.log.Debug("terminal created", zap.String("terminal_id", id))
	return id, nil
}

// List returns the ids of every session the host is running.
func (b *Bridge) List(ctx context.Context) ([]string, error) {
	var ids []string
	if err := b.do(ctx, http.MethodGet, "/api/v1/terminal/list", nil, nil, &ids); err != nil {
		return nil, fmt.Errorf("list terminals: %w", err)
	}
	return ids, nil
}

// Start asks the host to begin streaming id and blocks until the host
// acknowledges with terminal-started. Output that arrives before the
// acknowledgment is queued and delivered, in order, just before Start
// returns. Concurrent callers for the same session share one request.
// Cancelling ctx only stops the wait; the start itself still completes.
func (b *Bridge) Start(ctx context.Context, id string) error {
	wait, send, err := b.router.beginStart(id)
	if err != nil {
		return fmt.Errorf("start %s: %w", id, err)
	}
	if wait == nil {
		return nil
	}
	if send {
		if err := b.enqueue(startFrame(id)); err != nil {
			b.router.abortStart(id, wait, err)
			return fmt.Errorf("start %s: %w", id, err)
		}
	}

	select {
	case <-wait.done:
		if wait.err != nil {
			return fmt.Errorf("start %s: %w", id, wait.err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return fmt.Errorf("start %s: %w", id, ErrClosed)
	}
}

// Started reports whether the host has acknowledged a start for id.
func (b *Bridge) Started(id string) bool {
	return b.router.phaseOf(id) == phaseStarted
}

// Send writes input to the session. It does not wait for the host.
func (b *Bridge) Send(id, data string) error {
	frame, err := sendFrame(id, data)
	if err != nil {
		return err
	}
	if err := b.enqueueOpen(id, frame); err != nil {
		return fmt.Errorf("send %s: %w", id, err)
	}
	return nil
}

// Resize tells the host the new size of the session's viewport.
func (b *Bridge) Resize(id string, rows, cols int) error {
	if rows <= 0 || cols <= 0 {
		return fmt.Errorf("resize %s: invalid size %dx%d", id, cols, rows)
	}
	if err := b.enqueueOpen(id, resizeFrame(id, rows, cols)); err != nil {
		return fmt.Errorf("resize %s: %w", id, err)
	}
	b.router.setDimensions(id, rows, cols)
	return nil
}

// Dimensions returns the last size sent for id.
func (b *Bridge) Dimensions(id string) (rows, cols int, ok bool) {
	return b.router.dimensions(id)
}

// Close asks the host to end the session and drops all local state for
// it. Output for id that arrives afterwards is discarded, and Send, Resize
// and Save for id fail with ErrSessionClosed. Listener registrations belong
// to their owners and are not touched.
func (b *Bridge) Close(id string) error {
	err := b.router.close(id, func() error { return b.enqueue(closeFrame(id)) })
	if err != nil {
		return fmt.Errorf("close %s: %w", id, err)
	}
	return nil
}

// Exited is closed when the host reports that the session's process ended
// or the session is closed locally.
func (b *Bridge) Exited(id string) <-chan struct{} {
	return b.router.exited(id)
}

// Save hands a snapshot to the host for safekeeping.
func (b *Bridge) Save(id string, snap models.TerminalSnapshot) error {
	frame, err := saveFrame(id, snap)
	if err != nil {
		return err
	}
	if err := b.enqueueOpen(id, frame); err != nil {
		return fmt.Errorf("save %s: %w", id, err)
	}
	return nil
}

func (b *Bridge) enqueueOpen(id string, frame models.SocketRequest) error {
	return b.router.whileOpen(id, func() error { return b.enqueue(frame) })
}

// Load fetches the last snapshot saved for id. It returns nil, nil when
// nothing has been saved.
func (b *Bridge) Load(ctx context.Context, id string) (*models.TerminalSnapshot, error) {
	var snap *models.TerminalSnapshot
	q := url.Values{"terminalID": {id}}
	if err := b.do(ctx, http.MethodGet, "/api/v1/terminal/load", q, nil, &snap); err != nil {
		return nil, fmt.Errorf("load %s: %w", id, err)
	}
	return snap, nil
}
