// Package store persists terminal snapshots and per-file edit history in
// SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/peterje/termbridge/internal/models"
)

// MaxHistory is the number of entries kept per file.
const MaxHistory = 100

var (
	ErrNothingToUndo = errors.New("nothing to undo")
	ErrNothingToRedo = errors.New("nothing to redo")
)

type Store struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("close database after schema error: %w", closeErr)
		}
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		terminal_id TEXT PRIMARY KEY,
		raw TEXT NOT NULL,
		term_rows INTEGER NOT NULL,
		term_cols INTEGER NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS history_entries (
		path TEXT NOT NULL,
		seq INTEGER NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (path, seq)
	);

	CREATE TABLE IF NOT EXISTS history_cursors (
		path TEXT PRIMARY KEY,
		seq INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

type snapshotRow struct {
	TerminalID string    `db:"terminal_id"`
	Raw        string    `db:"raw"`
	Rows       int       `db:"term_rows"`
	Cols       int       `db:"term_cols"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// SaveSnapshot replaces the stored snapshot for snap.ID.
func (s *Store) SaveSnapshot(ctx context.Context, snap models.TerminalSnapshot) error {
	if snap.ID == "" {
		return errors.New("snapshot has no terminal id")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (terminal_id, raw, term_rows, term_cols, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(terminal_id) DO UPDATE SET
			raw = excluded.raw,
			term_rows = excluded.term_rows,
			term_cols = excluded.term_cols,
			updated_at = excluded.updated_at
	`, snap.ID, snap.Raw, snap.Rows, snap.Cols, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", snap.ID, err)
	}
	return nil
}

// LoadSnapshot returns nil, nil when nothing was saved for id.
func (s *Store) LoadSnapshot(ctx context.Context, id string) (*models.TerminalSnapshot, error) {
	var row snapshotRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM snapshots WHERE terminal_id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", id, err)
	}
	return &models.TerminalSnapshot{ID: row.TerminalID, Raw: row.Raw, Rows: row.Rows, Cols: row.Cols}, nil
}

func (s *Store) DeleteSnapshot(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE terminal_id = ?`, id)
	return err
}

// PushHistory records content as the newest state of path, discarding any
// redo entries past the cursor.
func (s *Store) PushHistory(ctx context.Context, path, content string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		cur, err := cursor(ctx, tx, path)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM history_entries WHERE path = ? AND seq > ?`, path, cur); err != nil {
			return err
		}
		next := cur + 1
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO history_entries (path, seq, content, created_at) VALUES (?, ?, ?, ?)`,
			path, next, content, time.Now().UTC()); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM history_entries WHERE path = ? AND seq <= ?`, path, next-MaxHistory); err != nil {
			return err
		}
		return setCursor(ctx, tx, path, next)
	})
}

// Undo moves the cursor back one entry and returns that entry's content.
func (s *Store) Undo(ctx context.Context, path string) (string, error) {
	return s.step(ctx, path,
		`SELECT seq, content FROM history_entries WHERE path = ? AND seq < ? ORDER BY seq DESC LIMIT 1`,
		ErrNothingToUndo)
}

// Redo moves the cursor forward one entry and returns that entry's content.
func (s *Store) Redo(ctx context.Context, path string) (string, error) {
	return s.step(ctx, path,
		`SELECT seq, content FROM history_entries WHERE path = ? AND seq > ? ORDER BY seq ASC LIMIT 1`,
		ErrNothingToRedo)
}

func (s *Store) step(ctx context.Context, path, query string, none error) (string, error) {
	var content string
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		cur, err := cursor(ctx, tx, path)
		if err != nil {
			return err
		}
		var entry struct {
			Seq     int    `db:"seq"`
			Content string `db:"content"`
		}
		if err := tx.GetContext(ctx, &entry, query, path, cur); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return none
			}
			return err
		}
		content = entry.Content
		return setCursor(ctx, tx, path, entry.Seq)
	})
	return content, err
}

// HistoryCount returns the number of stored entries for path.
func (s *Store) HistoryCount(ctx context.Context, path string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM history_entries WHERE path = ?`, path)
	return n, err
}

func cursor(ctx context.Context, tx *sqlx.Tx, path string) (int, error) {
	var seq int
	err := tx.GetContext(ctx, &seq, `SELECT seq FROM history_cursors WHERE path = ?`, path)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func setCursor(ctx context.Context, tx *sqlx.Tx, path string, seq int) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO history_cursors (path, seq) VALUES (?, ?)
		ON CONFLICT(path) DO UPDATE SET seq = excluded.seq
	`, path, seq)
	return err
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
