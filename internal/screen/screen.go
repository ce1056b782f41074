// Package screen keeps a virtual terminal so session output can be
// serialized into a snapshot.
package screen

import (
	"strings"
	"sync"

	"github.com/tuzig/vt10x"

	"github.com/peterje/termbridge/internal/models"
)

const (
	DefaultCols = 120
	DefaultRows = 40
)

// Screen is safe for concurrent use.
type Screen struct {
	mu   sync.Mutex
	term vt10x.Terminal
	cols int
	rows int
}

func New(cols, rows int) *Screen {
	if cols <= 0 {
		cols = DefaultCols
	}
	if rows <= 0 {
		rows = DefaultRows
	}
	return &Screen{
		term: vt10x.New(vt10x.WithSize(cols, rows)),
		cols: cols,
		rows: rows,
	}
}

func (s *Screen) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.term.Write(p)
}

func (s *Screen) Resize(cols, rows int) {
	if cols <= 0 || rows <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cols == s.cols && rows == s.rows {
		return
	}
	s.term.Resize(cols, rows)
	s.cols, s.rows = cols, rows
}

func (s *Screen) Size() (cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// Lines returns the visible rows with trailing blanks removed.
func (s *Screen) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines := make([]string, s.rows)
	row := make([]rune, s.cols)
	for y := 0; y < s.rows; y++ {
		for x := 0; x < s.cols; x++ {
			g := s.term.Cell(x, y)
			if g.Char == 0 {
				row[x] = ' '
			} else {
				row[x] = g.Char
			}
		}
		lines[y] = strings.TrimRight(string(row), " ")
	}

	end := len(lines)
	for end > 0 && lines[end-1] == "" {
		end--
	}
	return lines[:end]
}

// Snapshot serializes the visible screen for the session id.
func (s *Screen) Snapshot(id string) models.TerminalSnapshot {
	lines := s.Lines()
	cols, rows := s.Size()
	return models.TerminalSnapshot{
		ID:   id,
		Raw:  strings.Join(lines, "\r\n"),
		Rows: rows,
		Cols: cols,
	}
}
