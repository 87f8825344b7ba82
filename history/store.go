// Package history keeps a local SQLite log of VPN sessions.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/yllada/vpnctl/common"
)

// Session is one Connected to Disconnected span.
type Session struct {
	ID            int64
	Provider      string
	Type          string
	Host          string
	Started       time.Time
	Ended         time.Time
	BytesSent     int64
	BytesReceived int64
	// Error is the last connect error seen during the session, if any.
	Error string
}

// Duration returns how long the session lasted.
func (s Session) Duration() time.Duration {
	if s.Ended.Before(s.Started) {
		return 0
	}
	return s.Ended.Sub(s.Started)
}

// Store persists sessions.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// DefaultPath returns the history database in the data directory.
func DefaultPath() (string, error) {
	dir, err := common.GetDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, common.HistoryFileName), nil
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			provider TEXT NOT NULL,
			conn_type TEXT NOT NULL,
			host TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			ended_at INTEGER NOT NULL,
			bytes_sent INTEGER DEFAULT 0,
			bytes_received INTEGER DEFAULT 0,
			error TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create history table: %w", err)
	}
	return &Store{db: db}, nil
}

// Record inserts s and returns its ID.
func (st *Store) Record(ctx context.Context, s Session) (int64, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	var errText sql.NullString
	if s.Error != "" {
		errText = sql.NullString{String: s.Error, Valid: true}
	}
	res, err := st.db.ExecContext(ctx, `
		INSERT INTO sessions (provider, conn_type, host, started_at, ended_at, bytes_sent, bytes_received, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, s.Provider, s.Type, s.Host, s.Started.UnixNano(), s.Ended.UnixNano(), s.BytesSent, s.BytesReceived, errText)
	if err != nil {
		return 0, fmt.Errorf("insert session: %w", err)
	}
	return res.LastInsertId()
}

// Recent returns up to limit sessions, newest first. A limit <= 0 returns
// all of them.
func (st *Store) Recent(ctx context.Context, limit int) ([]Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	query := `SELECT id, provider, conn_type, host, started_at, ended_at, bytes_sent, bytes_received, error
		FROM sessions ORDER BY started_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := st.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var s Session
		var started, ended int64
		var errText sql.NullString
		if err := rows.Scan(&s.ID, &s.Provider, &s.Type, &s.Host, &started, &ended,
			&s.BytesSent, &s.BytesReceived, &errText); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		s.Started = time.Unix(0, started)
		s.Ended = time.Unix(0, ended)
		if errText.Valid {
			s.Error = errText.String
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Prune deletes sessions that started before cutoff.
func (st *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	res, err := st.db.ExecContext(ctx, "DELETE FROM sessions WHERE started_at < ?", cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (st *Store) Close() error {
	return st.db.Close()
}
