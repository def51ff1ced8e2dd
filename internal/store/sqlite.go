package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/claw-relay/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	keyMu *KeyMutex // serializes whole-document writes per user id / session key
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, keyMu: NewKeyMutex()}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		role TEXT NOT NULL,
		status TEXT NOT NULL,
		authenticated_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pending_pairings (
		user_id TEXT PRIMARY KEY,
		code TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		session_key TEXT PRIMARY KEY,
		doc_json TEXT NOT NULL,
		expires_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetUser retrieves a user record by user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.UserRecord, error) {
	query := `
		SELECT user_id, role, status, authenticated_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	row := s.db.QueryRowContext(ctx, query, userID)

	var user domain.UserRecord
	var authedAt, createdAt, updatedAt int64

	err := row.Scan(&user.UserID, &user.Role, &user.Status, &authedAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.AuthenticatedAt = time.Unix(authedAt, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)

	return &user, nil
}

// UpsertUser creates or replaces a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.UserRecord) error {
	s.keyMu.Lock("user:" + user.UserID)
	defer s.keyMu.Unlock("user:" + user.UserID)

	query := `
	INSERT INTO users (user_id, role, status, authenticated_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		role = excluded.role,
		status = excluded.status,
		authenticated_at = excluded.authenticated_at,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		user.UserID, user.Role, user.Status,
		user.AuthenticatedAt.Unix(), user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// ListUsers returns all user records ordered by creation time.
func (s *SQLiteStore) ListUsers(ctx context.Context) ([]*domain.UserRecord, error) {
	query := `
		SELECT user_id, role, status, authenticated_at, created_at, updated_at
		FROM users ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close users rows", "error", closeErr)
		}
	}()

	var users []*domain.UserRecord
	for rows.Next() {
		var user domain.UserRecord
		var authedAt, createdAt, updatedAt int64

		if err := rows.Scan(&user.UserID, &user.Role, &user.Status, &authedAt, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan user row: %w", err)
		}
		user.AuthenticatedAt = time.Unix(authedAt, 0)
		user.CreatedAt = time.Unix(createdAt, 0)
		user.UpdatedAt = time.Unix(updatedAt, 0)
		users = append(users, &user)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}

	return users, nil
}

// GetPairing retrieves the pending pairing request for a user.
func (s *SQLiteStore) GetPairing(ctx context.Context, userID string) (*domain.PairingRequest, error) {
	query := `
		SELECT user_id, code, created_at, attempts, status
		FROM pending_pairings WHERE user_id = ?`

	row := s.db.QueryRowContext(ctx, query, userID)

	var req domain.PairingRequest
	var createdAt int64

	err := row.Scan(&req.UserID, &req.Code, &createdAt, &req.Attempts, &req.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan pairing row: %w", err)
	}

	req.CreatedAt = time.Unix(createdAt, 0)
	return &req, nil
}

// UpsertPairing creates or replaces a pairing request.
func (s *SQLiteStore) UpsertPairing(ctx context.Context, req *domain.PairingRequest) error {
	s.keyMu.Lock("pairing:" + req.UserID)
	defer s.keyMu.Unlock("pairing:" + req.UserID)

	query := `
	INSERT INTO pending_pairings (user_id, code, created_at, attempts, status)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		code = excluded.code,
		created_at = excluded.created_at,
		attempts = excluded.attempts,
		status = excluded.status`

	_, err := s.db.ExecContext(ctx, query,
		req.UserID, req.Code, req.CreatedAt.Unix(), req.Attempts, req.Status,
	)
	if err != nil {
		return fmt.Errorf("upsert pairing: %w", err)
	}
	return nil
}

// DeletePairing removes the pairing request for a user.
func (s *SQLiteStore) DeletePairing(ctx context.Context, userID string) error {
	s.keyMu.Lock("pairing:" + userID)
	defer s.keyMu.Unlock("pairing:" + userID)

	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_pairings WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete pairing: %w", err)
	}
	return nil
}

// CountPendingPairings returns how many pairing requests are stored.
func (s *SQLiteStore) CountPendingPairings(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_pairings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pairings: %w", err)
	}
	return n, nil
}

// GetSession retrieves a session document. Expired documents are evicted on
// read and reported as missing.
func (s *SQLiteStore) GetSession(ctx context.Context, key string) (*domain.Session, error) {
	query := `SELECT doc_json, expires_at FROM sessions WHERE session_key = ?`

	var docJSON string
	var expiresAt int64
	err := s.db.QueryRowContext(ctx, query, key).Scan(&docJSON, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	if time.Now().Unix() > expiresAt {
		if delErr := s.DeleteSession(ctx, key); delErr != nil {
			slog.Warn("failed to evict expired session", "key", key, "error", delErr)
		}
		return nil, nil
	}

	var sess domain.Session
	if err := json.Unmarshal([]byte(docJSON), &sess); err != nil {
		return nil, fmt.Errorf("decode session document: %w", err)
	}
	return &sess, nil
}

// PutSession stores a session document with the given TTL.
func (s *SQLiteStore) PutSession(ctx context.Context, sess *domain.Session, ttl time.Duration) error {
	s.keyMu.Lock("session:" + sess.ID)
	defer s.keyMu.Unlock("session:" + sess.ID)

	doc, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session document: %w", err)
	}

	now := time.Now()
	query := `
	INSERT INTO sessions (session_key, doc_json, expires_at, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(session_key) DO UPDATE SET
		doc_json = excluded.doc_json,
		expires_at = excluded.expires_at,
		updated_at = excluded.updated_at`

	if _, err := s.db.ExecContext(ctx, query, sess.ID, string(doc), now.Add(ttl).Unix(), now.Unix()); err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

// DeleteSession removes a session document.
func (s *SQLiteStore) DeleteSession(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_key = ?`, key); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// CleanupExpiredSessions removes sessions past their TTL.
func (s *SQLiteStore) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("cleanup expired sessions: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return rows, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
