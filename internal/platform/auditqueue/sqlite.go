package auditqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// SQLiteSink keeps dead letters in a local SQLite file so they survive
// restarts and can be replayed by an operator.
type SQLiteSink struct {
	db   *sql.DB
	path string
}

// OpenSQLiteSink opens (creating if needed) the dead-letter database at path.
func OpenSQLiteSink(path string) (*SQLiteSink, error) {
	if path == "" {
		path = "audit-deadletters.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS dead_letters (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		entry_id  TEXT NOT NULL,
		action    TEXT NOT NULL,
		attempts  INTEGER NOT NULL,
		reason    TEXT NOT NULL,
		failed_at TEXT NOT NULL,
		payload   BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create dead_letters table: %w", err)
	}
	return &SQLiteSink{db: db, path: path}, nil
}

func (s *SQLiteSink) Path() string { return s.path }

func (s *SQLiteSink) Record(ctx context.Context, dl DeadLetter) error {
	payload, err := json.Marshal(dl.Entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (entry_id, action, attempts, reason, failed_at, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		dl.Entry.ID, string(dl.Entry.Action), dl.Attempts, dl.Reason, dl.FailedAt.UTC().Format(time.RFC3339Nano), payload)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// List returns up to limit dead letters, oldest first.
func (s *SQLiteSink) List(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT attempts, reason, failed_at, payload FROM dead_letters ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("select dead letters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []DeadLetter
	for rows.Next() {
		var (
			dl       DeadLetter
			failedAt string
			payload  []byte
		)
		if err := rows.Scan(&dl.Attempts, &dl.Reason, &failedAt, &payload); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		if err := json.Unmarshal(payload, &dl.Entry); err != nil {
			return nil, fmt.Errorf("decode entry: %w", err)
		}
		if dl.FailedAt, err = time.Parse(time.RFC3339Nano, failedAt); err != nil {
			return nil, fmt.Errorf("parse failed_at: %w", err)
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// Count returns the number of stored dead letters.
func (s *SQLiteSink) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

func (s *SQLiteSink) Close() error { return s.db.Close() }
