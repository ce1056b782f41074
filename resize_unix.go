//go:build !windows

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/peterje/termbridge/internal/bridge"
	"github.com/peterje/termbridge/internal/logger"
	"github.com/peterje/termbridge/internal/screen"
)

// watchResize follows SIGWINCH and keeps the session and the local screen
// model at the size of the controlling terminal.
func watchResize(ctx context.Context, fd int, b *bridge.Bridge, sc *screen.Screen, id string, log *logger.Logger) {
	if !term.IsTerminal(fd) {
		return
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGWINCH)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-sigCh:
			cols, rows, err := term.GetSize(fd)
			if err != nil {
				continue
			}
			sc.Resize(cols, rows)
			if err := b.Resize(id, rows, cols); err != nil {
				log.Debug("resize failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		case <-b.Done():
			return
		}
	}
}
