//go:build windows

package main

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/peterje/termbridge/internal/bridge"
	"github.com/peterje/termbridge/internal/logger"
	"github.com/peterje/termbridge/internal/screen"
)

// watchResize polls the console size; Windows has no SIGWINCH.
func watchResize(ctx context.Context, fd int, b *bridge.Bridge, sc *screen.Screen, id string, log *logger.Logger) {
	if !term.IsTerminal(fd) {
		return
	}
	lastCols, lastRows, _ := term.GetSize(fd)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cols, rows, err := term.GetSize(fd)
			if err != nil || (cols == lastCols && rows == lastRows) {
				continue
			}
			lastCols, lastRows = cols, rows
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
