package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/clawgate/clawgate/pkg/models"
)

// SQLiteStore persists sessions in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and initializes) the database at path.
// Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The driver is not safe for concurrent writers on one connection set
	// beyond what SQLite itself serializes; a single connection avoids
	// SQLITE_BUSY on the write paths.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id           TEXT PRIMARY KEY,
			channel_type TEXT NOT NULL,
			created_at   INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS messages (
			session_id TEXT NOT NULL REFERENCES sessions(id),
			ordinal    INTEGER NOT NULL,
			payload    TEXT NOT NULL,
			PRIMARY KEY (session_id, ordinal)
		);
	`)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, channel_type, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id)

	var session models.Session
	var createdAt, updatedAt int64
	if err := row.Scan(&session.ID, &session.ChannelType, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query session: %w", err)
	}
	session.CreatedAt = time.Unix(0, createdAt).UTC()
	session.UpdatedAt = time.Unix(0, updatedAt).UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM messages
		WHERE session_id = ? ORDER BY ordinal ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		session.Messages = append(session.Messages, msg)
	}
	return &session, rows.Err()
}

func (s *SQLiteStore) SaveSession(ctx context.Context, session *models.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("session with id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, channel_type, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			channel_type = excluded.channel_type,
			updated_at = excluded.updated_at
	`, session.ID, string(session.ChannelType),
		session.CreatedAt.UnixNano(), session.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, session.ID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	for i, msg := range session.Messages {
		payload, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (session_id, ordinal, payload) VALUES (?, ?, ?)
		`, session.ID, i, string(payload)); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) SaveMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	if msg == nil {
		return fmt.Errorf("message is required")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM sessions WHERE id = ?`, sessionID).Scan(&exists); err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (session_id, ordinal, payload)
		VALUES (?, (SELECT COALESCE(MAX(ordinal), -1) + 1 FROM messages WHERE session_id = ?), ?)
	`, sessionID, sessionID, string(payload))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	_, err = tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`,
		msg.CreatedAt.UnixNano(), sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) ClearSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]*models.Session, error) {
	query := `SELECT id, channel_type, created_at, updated_at FROM sessions ORDER BY updated_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		var session models.Session
		var createdAt, updatedAt int64
		if err := rows.Scan(&session.ID, &session.ChannelType, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		session.CreatedAt = time.Unix(0, createdAt).UTC()
		session.UpdatedAt = time.Unix(0, updatedAt).UTC()
		sessions = append(sessions, &session)
	}
	return sessions, rows.Err()
}
