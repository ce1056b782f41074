package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/peterje/termbridge/internal/bridge"
	"github.com/peterje/termbridge/internal/logger"
	"github.com/peterje/termbridge/internal/models"
	"github.com/peterje/termbridge/internal/saver"
	"github.com/peterje/termbridge/internal/screen"
)

// detachKey is Ctrl-].
const detachKey = 0x1d

type attachOptions struct {
	session     string
	shell       string
	cwd         string
	closeOnExit bool
}

func newAttachCmd() *cobra.Command {
	var opts attachOptions
	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Open a terminal session on the host and attach this terminal to it",
		Long: `Attach creates a new session (or reattaches with --session) and
connects stdin/stdout to it. Press Ctrl-] to detach; the session keeps
running on the host.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAttach(cmd, opts)
		},
	}
	f := cmd.Flags()
	f.String("url", "", "host base URL (default http://localhost:12332)")
	f.StringVar(&opts.session, "session", "", "reattach to an existing session id")
	f.StringVar(&opts.shell, "shell", "", "shell for a new session (host default if empty)")
	f.StringVar(&opts.cwd, "cwd", "", "working directory for a new session")
	f.BoolVar(&opts.closeOnExit, "close-on-exit", false, "close the session on the host once the shell exits")
	return cmd
}

func runAttach(cmd *cobra.Command, opts attachOptions) error {
	cfg, err := loadConfig(cmd, map[string]string{"bridge.baseURL": "url"})
	if err != nil {
		return err
	}
	// Log lines on stderr would tear through the raw terminal.
	if cfg.Logging.OutputPath == "" || cfg.Logging.OutputPath == "stderr" || cfg.Logging.OutputPath == "stdout" {
		if err := os.MkdirAll(cfg.Host.DataDir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		cfg.Logging.OutputPath = filepath.Join(cfg.Host.DataDir, "attach.log")
		cfg.Logging.Format = "json"
	}
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	b, err := bridge.New(bridge.Config{
		BaseURL:          cfg.Bridge.BaseURL,
		OutboundQueue:    cfg.Bridge.OutboundQueue,
		HandshakeTimeout: cfg.Bridge.HandshakeTimeoutDuration(),
		Token:            cfg.Bridge.Token,
	}, log)
	if err != nil {
		return err
	}
	if err := b.Initialize(ctx); err != nil {
		return fmt.Errorf("connect to host: %w", err)
	}
	defer func() { _ = b.Disconnect() }()

	fd := int(os.Stdin.Fd())
	interactive := term.IsTerminal(fd)
	cols, rows := screen.DefaultCols, screen.DefaultRows
	if interactive {
		if w, h, err := term.GetSize(fd); err == nil {
			cols, rows = w, h
		}
	}

	id, restored, err := resolveSession(ctx, b, opts, rows, cols)
	if err != nil {
		return err
	}
	log = log.WithSession(id)

	sc := screen.New(cols, rows)
	if restored != nil {
		_, _ = sc.Write([]byte(restored.Raw + "\r\n"))
		fmt.Fprintf(os.Stdout, "%s\r\n", restored.Raw)
	}

	sv := saver.New(func(snap models.TerminalSnapshot) error {
		return b.Save(id, snap)
	}, saver.WithLogger[models.TerminalSnapshot](log))
	defer sv.Dispose()
	snapshot := func() models.TerminalSnapshot { return sc.Snapshot(id) }

	reg := b.Listen(bridge.ForSession(id), func(_ string, data []byte) {
		_, _ = os.Stdout.Write(data)
		_, _ = sc.Write(data)
		sv.TriggerSave(saver.Request[models.TerminalSnapshot]{GetData: snapshot})
	})
	defer reg.Unregister()

	if interactive {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("enter raw mode: %w", err)
		}
		defer func() { _ = term.Restore(fd, state) }()
	}

	exited := b.Exited(id)
	if err := b.Start(ctx, id); err != nil {
		return fmt.Errorf("start session %s: %w", id, err)
	}
	if err := b.Resize(id, rows, cols); err != nil {
		log.Warn("initial resize failed", zap.Error(err))
	}

	go watchResize(ctx, fd, b, sc, id, log)

	detached := make(chan struct{})
	go pumpInput(os.Stdin, b, id, detached, log)

	var reason string
	closing := false
	select {
	case <-detached:
		reason = "detached"
	case <-exited:
		reason = "session exited"
		closing = opts.closeOnExit
	case <-b.Done():
		reason = "connection lost"
	case <-ctx.Done():
		reason = "interrupted"
	}

	if closing {
		// The host deletes the snapshot on close, so nothing is saved.
		sv.Dispose()
		if err := b.Close(id); err != nil {
			log.Warn("close failed", zap.Error(err))
		}
	} else {
		// The last screen goes out before the socket closes.
		sv.TriggerSave(saver.Request[models.TerminalSnapshot]{GetData: snapshot, Force: true})
	}
	fmt.Fprintf(os.Stdout, "\r\n[termbridge: %s, session %s]\r\n", reason, id)

	if err := b.Err(); err != nil && reason == "connection lost" {
		return err
	}
	return nil
}

// resolveSession returns the session to attach to. A --session id the host
// no longer runs is replaced by a fresh session that starts from the last
// saved screen of the old one.
func resolveSession(ctx context.Context, b *bridge.Bridge, opts attachOptions, rows, cols int) (string, *models.TerminalSnapshot, error) {
	create := func() (string, error) {
		id, err := b.Create(ctx, models.TerminalOptions{
			Shell:            opts.shell,
			WorkingDirectory: opts.cwd,
			Rows:             rows,
			Columns:          cols,
		})
		if err != nil {
			return "", fmt.Errorf("create session: %w", err)
		}
		return id, nil
	}

	if opts.session == "" {
		id, err := create()
		return id, nil, err
	}

	ids, err := b.List(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("list sessions: %w", err)
	}
	if slices.Contains(ids, opts.session) {
		return opts.session, nil, nil
	}

	snap, err := b.Load(ctx, opts.session)
	if err != nil {
		return "", nil, fmt.Errorf("load snapshot: %w", err)
	}
	if snap == nil {
		return "", nil, fmt.Errorf("unknown session %s", opts.session)
	}
	id, err := create()
	return id, snap, err
}

// pumpInput forwards stdin to the session until the detach key or EOF.
func pumpInput(r io.Reader, b *bridge.Bridge, id string, detached chan<- struct{}, log *logger.Logger) {
	defer close(detached)
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			i := bytes.IndexByte(chunk, detachKey)
			if i >= 0 {
				chunk = chunk[:i]
			}
			if len(chunk) > 0 {
				if err := b.Send(id, string(chunk)); err != nil {
					log.Warn("send failed", zap.Error(err))
					if errors.Is(err, bridge.ErrClosed) {
						return
					}
				}
			}
			if i >= 0 {
				return
			}
		}
		if err != nil {
			return
		}
	}
}
