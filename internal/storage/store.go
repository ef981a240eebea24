package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for replay checkpoints and the notification log.
type Store struct {
	db *sql.DB
}

// Open initializes a SQLite database and runs minimal schema setup.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := configure(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	return s.db.PingContext(ctx)
}

func configure(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return nil
}

func migrate(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	schema := `
CREATE TABLE IF NOT EXISTS checkpoints (
  endpoint_id TEXT PRIMARY KEY,
  block       INTEGER NOT NULL,
  log_index   INTEGER NOT NULL,
  tx_hash     TEXT NOT NULL,
  updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS notifications (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  kind        TEXT NOT NULL,
  tx_hash     TEXT NOT NULL,
  block       INTEGER NOT NULL,
  log_index   INTEGER NOT NULL,
  sender      TEXT,
  value       TEXT,
  error       TEXT,
  previous    INTEGER NOT NULL DEFAULT 0,
  created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
  UNIQUE(kind, tx_hash, log_index)
);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Checkpoint is the last log delivered for an endpoint.
type Checkpoint struct {
	EndpointID string
	Block      uint64
	LogIndex   uint
	TxHash     string
	UpdatedAt  time.Time
}

// UpsertCheckpoint records the latest processed log for an endpoint.
func (s *Store) UpsertCheckpoint(ctx context.Context, cp Checkpoint) error {
	if cp.EndpointID == "" {
		return errors.New("endpoint id required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO checkpoints (endpoint_id, block, log_index, tx_hash, updated_at)
VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(endpoint_id) DO UPDATE SET
  block=excluded.block,
  log_index=excluded.log_index,
  tx_hash=excluded.tx_hash,
  updated_at=CURRENT_TIMESTAMP;
`, cp.EndpointID, cp.Block, cp.LogIndex, cp.TxHash)
	if err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint retrieves the checkpoint for an endpoint.
func (s *Store) GetCheckpoint(ctx context.Context, endpointID string) (Checkpoint, bool, error) {
	cp := Checkpoint{EndpointID: endpointID}
	row := s.db.QueryRowContext(ctx, `
SELECT block, log_index, tx_hash, updated_at FROM checkpoints WHERE endpoint_id = ?;
`, endpointID)
	switch err := row.Scan(&cp.Block, &cp.LogIndex, &cp.TxHash, &cp.UpdatedAt); err {
	case nil:
		return cp, true, nil
	case sql.ErrNoRows:
		return Checkpoint{}, false, nil
	default:
		return Checkpoint{}, false, fmt.Errorf("get checkpoint: %w", err)
	}
}

// Notification is a persisted sink delivery.
type Notification struct {
	ID        int64
	Kind      string
	TxHash    string
	Block     uint64
	LogIndex  uint
	Sender    string
	Value     string
	Error     string
	Previous  bool
	CreatedAt time.Time
}

// InsertNotification stores a notification. A repeat of the same
// (kind, tx, log index) is ignored.
func (s *Store) InsertNotification(ctx context.Context, n Notification) error {
	if n.Kind == "" || n.TxHash == "" {
		return errors.New("notification kind and tx_hash required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO notifications (kind, tx_hash, block, log_index, sender, value, error, previous, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
ON CONFLICT(kind, tx_hash, log_index) DO NOTHING;
`, n.Kind, n.TxHash, n.Block, n.LogIndex, n.Sender, n.Value, n.Error, n.Previous, nullTime(n.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// ListNotifications returns the latest limit notifications in delivery
// order. A limit of zero or less returns all rows.
func (s *Store) ListNotifications(ctx context.Context, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, kind, tx_hash, block, log_index, COALESCE(sender, ''), COALESCE(value, ''), COALESCE(error, ''), previous, created_at
FROM (SELECT * FROM notifications ORDER BY id DESC LIMIT ?)
ORDER BY id ASC;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.Kind, &n.TxHash, &n.Block, &n.LogIndex, &n.Sender, &n.Value, &n.Error, &n.Previous, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return out, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
