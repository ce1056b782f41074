package screen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotTrimsBlankSpace(t *testing.T) {
	s := New(20, 5)
	_, err := s.Write([]byte("$ echo hi\r\nhi\r\n$ "))
	require.NoError(t, err)

	snap := s.Snapshot("term-1")
	assert.Equal(t, "term-1", snap.ID)
	assert.Equal(t, "$ echo hi\r\nhi\r\n$", snap.Raw)
	assert.Equal(t, 5, snap.Rows)
	assert.Equal(t, 20, snap.Cols)
}

func TestEscapeSequencesAreInterpreted(t *testing.T) {
	s := New(20, 3)
	_, err := s.Write([]byte("old text\x1b[2J\x1b[H\x1b[31mred\x1b[0m"))
	require.NoError(t, err)

	assert.Equal(t, []string{"red"}, s.Lines())
}

func TestResize(t *testing.T) {
	s := New(0, 0)
	cols, rows := s.Size()
	assert.Equal(t, DefaultCols, cols)
	assert.Equal(t, DefaultRows, rows)

	s.Resize(80, 24)
	cols, rows = s.Size()
	assert.Equal(t, 80, cols)
	assert.Equal(t, 24, rows)

	s.Resize(0, 10)
	cols, _ = s.Size()
	assert.Equal(t, 80, cols)

	_, err := s.Write([]byte("after resize"))
	require.NoError(t, err)
	assert.Equal(t, "after resize", s.Snapshot("x").Raw)
}

func TestEmptyScreen(t *testing.T) {
	s := New(10, 4)
	assert.Empty(t, s.Lines())
	assert.Equal(t, "", s.Snapshot("x").Raw)
}
