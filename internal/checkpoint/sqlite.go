package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vinayprograms/datalens/internal/state"
)

// SQLiteStore keeps checkpoints in a single SQLite table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		session_id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL,
		state TEXT NOT NULL,
		pending_node TEXT,
		updated_at DATETIME NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Load reads the live checkpoint.
func (s *SQLiteStore) Load(ctx context.Context, sessionID string) (*Checkpoint, error) {
	var (
		cp        = Checkpoint{SessionID: sessionID}
		stateJSON string
		pending   sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT seq, state, pending_node, updated_at FROM checkpoints WHERE session_id = ?`,
		sessionID).Scan(&cp.Seq, &stateJSON, &pending, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	if err := json.Unmarshal([]byte(stateJSON), &cp.State); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint state: %w", err)
	}
	cp.PendingNode = state.Node(pending.String)
	return &cp, nil
}

// Save upserts the checkpoint inside a transaction that enforces the
// sequence ordering.
func (s *SQLiteStore) Save(ctx context.Context, cp *Checkpoint) error {
	stateJSON, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint state: %w", err)
	}
	updated := cp.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var prev uint64
	err = tx.QueryRowContext(ctx, `SELECT seq FROM checkpoints WHERE session_id = ?`, cp.SessionID).Scan(&prev)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to read checkpoint sequence: %w", err)
	case cp.Seq <= prev:
		return fmt.Errorf("%w: seq %d <= %d", ErrVersionConflict, cp.Seq, prev)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (session_id, seq, state, pending_node, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			seq = excluded.seq,
			state = excluded.state,
			pending_node = excluded.pending_node,
			updated_at = excluded.updated_at
	`, cp.SessionID, cp.Seq, string(stateJSON), string(cp.PendingNode), updated)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return tx.Commit()
}

// Delete removes the session's checkpoint row.
func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}
