// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/claw-relay/internal/domain"
)

// Repository defines the interface for persisting relay state. User and
// pairing records are written as whole-document replacements keyed by user id.
// Implementations must tolerate concurrent callers; read-modify-write cycles
// on the same key are serialized by the caller via KeyMutex.
type Repository interface {
	// GetUser retrieves a user record. Returns (nil, nil) when not found.
	GetUser(ctx context.Context, userID string) (*domain.UserRecord, error)

	// UpsertUser creates or replaces a user record.
	UpsertUser(ctx context.Context, user *domain.UserRecord) error

	// ListUsers returns all user records.
	ListUsers(ctx context.Context) ([]*domain.UserRecord, error)

	// GetPairing retrieves the pending pairing request for a user.
	// Returns (nil, nil) when not found.
	GetPairing(ctx context.Context, userID string) (*domain.PairingRequest, error)

	// UpsertPairing creates or replaces a pairing request.
	UpsertPairing(ctx context.Context, req *domain.PairingRequest) error

	// DeletePairing removes the pairing request for a user.
	DeletePairing(ctx context.Context, userID string) error

	// CountPendingPairings returns how many pairing requests are stored.
	CountPendingPairings(ctx context.Context) (int, error)

	// GetSession retrieves a conversation session by its key.
	// Returns (nil, nil) when missing or past its TTL.
	GetSession(ctx context.Context, key string) (*domain.Session, error)

	// PutSession stores a session document with the given TTL.
	PutSession(ctx context.Context, sess *domain.Session, ttl time.Duration) error

	// DeleteSession removes a session document.
	DeleteSession(ctx context.Context, key string) error

	// CleanupExpiredSessions removes sessions past their TTL.
	CleanupExpiredSessions(ctx context.Context) (int64, error)

	// Ping verifies connectivity to the backing database.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
