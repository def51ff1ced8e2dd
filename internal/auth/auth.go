// Package auth implements pairing-code authentication, session tokens, and
// role-based authorization for platform users.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ashureev/claw-relay/internal/domain"
	"github.com/ashureev/claw-relay/internal/store"
)

// Authentication and authorization failures. Each maps to a distinct
// user-facing message in the command layer.
var (
	ErrNotPendingAuth     = errors.New("auth: no pending pairing request")
	ErrExpired            = errors.New("auth: pairing code expired")
	ErrAttemptsExhausted  = errors.New("auth: pairing attempts exhausted")
	ErrInvalidCode        = errors.New("auth: invalid pairing code")
	ErrUnauthorized       = errors.New("auth: operation not permitted")
	ErrCannotDisableAdmin = errors.New("auth: cannot disable an admin")
	ErrCannotRemoveSelf   = errors.New("auth: cannot apply this to yourself")
	ErrUserInactive       = errors.New("auth: user is disabled")
	ErrNotFound           = errors.New("auth: not found")
)

// Capabilities checked via HasPermission.
const (
	CapChat      = "chat"
	CapPromote   = "promote"
	CapDemote    = "demote"
	CapDisable   = "disable"
	CapBroadcast = "broadcast"
	CapList      = "list"
	CapStats     = "stats"
)

// roleCapabilities maps each role to its fixed capability set.
var roleCapabilities = map[domain.Role]map[string]bool{
	domain.RoleGuest: {},
	domain.RoleUser:  {CapChat: true},
	domain.RoleAdmin: {
		CapChat: true, CapPromote: true, CapDemote: true,
		CapDisable: true, CapBroadcast: true, CapList: true, CapStats: true,
	},
}

const (
	codeMin = 100000
	codeMax = 999999

	tokenBytes = 32
)

// Config holds authentication parameters.
type Config struct {
	// AdminIDs is the static allow-list. Members get admin regardless of
	// their persisted role.
	AdminIDs []string

	PairingExpiry time.Duration // default 10 minutes
	MaxAttempts   int           // default 5
	TokenTTL      time.Duration // default 24 hours

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.PairingExpiry <= 0 {
		c.PairingExpiry = 10 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = 24 * time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// VerifyResult is the outcome of a successful pairing verification.
type VerifyResult struct {
	Role  domain.Role
	Token string
}

// Stats summarizes the relay's user population.
type Stats struct {
	TotalUsers      int
	ActiveUsers     int
	Admins          int
	PendingPairings int
	ActiveTokens    int
}

type tokenRecord struct {
	userID    string
	expiresAt time.Time
}

// Manager owns pairing, session tokens, and role checks. User and pairing
// records are durable; session tokens are memory-only, so a restart forces
// re-validation instead of resurrecting stale trust. Read-modify-write cycles
// on a user are serialized per user id.
type Manager struct {
	cfg    Config
	repo   store.Repository
	keys   *store.KeyMutex
	logger *slog.Logger

	admins map[string]bool

	tokenMu sync.Mutex
	tokens  map[string]*tokenRecord

	now func() time.Time
}

// NewManager creates an auth manager backed by repo.
func NewManager(cfg Config, repo store.Repository) *Manager {
	cfg.applyDefaults()
	admins := make(map[string]bool, len(cfg.AdminIDs))
	for _, id := range cfg.AdminIDs {
		if id != "" {
			admins[id] = true
		}
	}
	return &Manager{
		cfg:    cfg,
		repo:   repo,
		keys:   store.NewKeyMutex(),
		logger: cfg.Logger,
		admins: admins,
		tokens: make(map[string]*tokenRecord),
		now:    time.Now,
	}
}

// IssuePairingCode generates a fresh 6-digit code for userID, overwriting any
// prior pending request and resetting the attempt counter.
func (m *Manager) IssuePairingCode(ctx context.Context, userID string) (string, error) {
	code, err := generateCode()
	if err != nil {
		return "", fmt.Errorf("generate pairing code: %w", err)
	}

	m.keys.Lock(userID)
	defer m.keys.Unlock(userID)

	req := &domain.PairingRequest{
		UserID:    userID,
		Code:      code,
		CreatedAt: m.now(),
		Attempts:  0,
		Status:    domain.PairingPending,
	}
	if err := m.repo.UpsertPairing(ctx, req); err != nil {
		return "", fmt.Errorf("persist pairing request: %w", err)
	}
	m.logger.Info("pairing code issued", "user_id", userID)
	return code, nil
}

// HasPendingPairing reports whether userID has an unexpired pending code.
func (m *Manager) HasPendingPairing(ctx context.Context, userID string) (bool, error) {
	req, err := m.repo.GetPairing(ctx, userID)
	if err != nil {
		return false, err
	}
	return req != nil && !req.ExpiredAt(m.now(), m.cfg.PairingExpiry), nil
}

// VerifyPairingCode checks code against userID's pending request. On success
// the pending record is consumed, the user record is created or updated, and
// a session token is issued. Expiry and attempt exhaustion delete the record;
// a wrong code increments the counter and leaves it in place.
func (m *Manager) VerifyPairingCode(ctx context.Context, userID, code string) (*VerifyResult, error) {
	m.keys.Lock(userID)
	defer m.keys.Unlock(userID)

	req, err := m.repo.GetPairing(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load pairing request: %w", err)
	}
	if req == nil {
		return nil, ErrNotPendingAuth
	}

	now := m.now()
	if req.ExpiredAt(now, m.cfg.PairingExpiry) {
		if err := m.repo.DeletePairing(ctx, userID); err != nil {
			m.logger.Warn("delete expired pairing", "user_id", userID, "error", err)
		}
		return nil, ErrExpired
	}
	if req.Attempts >= m.cfg.MaxAttempts {
		if err := m.repo.DeletePairing(ctx, userID); err != nil {
			m.logger.Warn("delete exhausted pairing", "user_id", userID, "error", err)
		}
		return nil, ErrAttemptsExhausted
	}
	if req.Code != code {
		req.Attempts++
		if err := m.repo.UpsertPairing(ctx, req); err != nil {
			m.logger.Warn("record failed attempt", "user_id", userID, "error", err)
		}
		return nil, ErrInvalidCode
	}

	if err := m.repo.DeletePairing(ctx, userID); err != nil {
		return nil, fmt.Errorf("consume pairing request: %w", err)
	}

	role := domain.RoleUser
	if m.admins[userID] {
		role = domain.RoleAdmin
	}
	existing, err := m.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	rec := &domain.UserRecord{
		UserID:          userID,
		Role:            role,
		Status:          domain.UserActive,
		AuthenticatedAt: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if existing != nil {
		rec.CreatedAt = existing.CreatedAt
		if existing.Role == domain.RoleAdmin {
			rec.Role = domain.RoleAdmin
		}
	}
	if err := m.repo.UpsertUser(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist user: %w", err)
	}

	token, err := m.issueToken(userID)
	if err != nil {
		return nil, err
	}
	m.logger.Info("user authenticated", "user_id", userID, "role", rec.Role)
	return &VerifyResult{Role: rec.Role, Token: token}, nil
}

func (m *Manager) issueToken(userID string) (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	token := hex.EncodeToString(buf)

	m.tokenMu.Lock()
	m.tokens[token] = &tokenRecord{userID: userID, expiresAt: m.now().Add(m.cfg.TokenTTL)}
	m.tokenMu.Unlock()
	return token, nil
}

// ValidateSessionToken resolves a token to its owner. Expired tokens are
// evicted on sight; tokens of disabled users fail with ErrUserInactive.
func (m *Manager) ValidateSessionToken(ctx context.Context, token string) (string, domain.Role, error) {
	m.tokenMu.Lock()
	rec, ok := m.tokens[token]
	if ok && m.now().After(rec.expiresAt) {
		delete(m.tokens, token)
		m.tokenMu.Unlock()
		return "", "", ErrExpired
	}
	m.tokenMu.Unlock()
	if !ok {
		return "", "", ErrNotFound
	}

	user, err := m.repo.GetUser(ctx, rec.userID)
	if err != nil {
		return "", "", fmt.Errorf("load user: %w", err)
	}
	if user != nil && !user.IsActive() {
		return "", "", ErrUserInactive
	}

	role, err := m.GetUserRole(ctx, rec.userID)
	if err != nil {
		return "", "", err
	}
	return rec.userID, role, nil
}

// GetUserRole derives the effective role: static allow-list membership grants
// admin, otherwise the persisted role applies, otherwise guest.
func (m *Manager) GetUserRole(ctx context.Context, userID string) (domain.Role, error) {
	if m.admins[userID] {
		return domain.RoleAdmin, nil
	}
	user, err := m.repo.GetUser(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("load user: %w", err)
	}
	if user == nil || !user.IsActive() {
		return domain.RoleGuest, nil
	}
	return user.Role, nil
}

// IsAuthenticated reports whether userID may have messages forwarded.
// Allow-list admins are trusted without pairing.
func (m *Manager) IsAuthenticated(ctx context.Context, userID string) (bool, error) {
	if m.admins[userID] {
		return true, nil
	}
	user, err := m.repo.GetUser(ctx, userID)
	if err != nil {
		return false, err
	}
	return user.IsActive() && user.Role != domain.RoleGuest, nil
}

// HasPermission reports whether userID's effective role grants capability.
func (m *Manager) HasPermission(ctx context.Context, userID, capability string) (bool, error) {
	role, err := m.GetUserRole(ctx, userID)
	if err != nil {
		return false, err
	}
	return roleCapabilities[role][capability], nil
}

// PromoteAdmin grants targetID the admin role. The actor must be an admin.
func (m *Manager) PromoteAdmin(ctx context.Context, actorID, targetID string) error {
	if err := m.requireAdmin(ctx, actorID); err != nil {
		return err
	}

	m.keys.Lock(targetID)
	defer m.keys.Unlock(targetID)

	now := m.now()
	user, err := m.repo.GetUser(ctx, targetID)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		user = &domain.UserRecord{UserID: targetID, CreatedAt: now, AuthenticatedAt: now}
	}
	user.Role = domain.RoleAdmin
	user.Status = domain.UserActive
	user.UpdatedAt = now
	if err := m.repo.UpsertUser(ctx, user); err != nil {
		return fmt.Errorf("persist user: %w", err)
	}
	m.logger.Info("admin promoted", "actor", actorID, "user_id", targetID)
	return nil
}

// DemoteAdmin reverts targetID's persisted role to user. Actors may not
// demote themselves. An allow-list member keeps admin through the union rule
// until removed from the configuration.
func (m *Manager) DemoteAdmin(ctx context.Context, actorID, targetID string) error {
	if err := m.requireAdmin(ctx, actorID); err != nil {
		return err
	}
	if actorID == targetID {
		return ErrCannotRemoveSelf
	}

	m.keys.Lock(targetID)
	defer m.keys.Unlock(targetID)

	user, err := m.repo.GetUser(ctx, targetID)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		return ErrNotFound
	}
	user.Role = domain.RoleUser
	user.UpdatedAt = m.now()
	if err := m.repo.UpsertUser(ctx, user); err != nil {
		return fmt.Errorf("persist user: %w", err)
	}
	m.logger.Info("admin demoted", "actor", actorID, "user_id", targetID)
	return nil
}

// DisableUser blocks targetID from the relay and invalidates every one of its
// session tokens immediately. Admins cannot be disabled, nor can the actor
// disable itself.
func (m *Manager) DisableUser(ctx context.Context, actorID, targetID string) error {
	if err := m.requireAdmin(ctx, actorID); err != nil {
		return err
	}
	if actorID == targetID {
		return ErrCannotRemoveSelf
	}

	m.keys.Lock(targetID)
	defer m.keys.Unlock(targetID)

	role, err := m.GetUserRole(ctx, targetID)
	if err != nil {
		return err
	}
	if role == domain.RoleAdmin {
		return ErrCannotDisableAdmin
	}

	user, err := m.repo.GetUser(ctx, targetID)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		return ErrNotFound
	}
	user.Status = domain.UserDisabled
	user.UpdatedAt = m.now()
	if err := m.repo.UpsertUser(ctx, user); err != nil {
		return fmt.Errorf("persist user: %w", err)
	}

	m.tokenMu.Lock()
	for token, rec := range m.tokens {
		if rec.userID == targetID {
			delete(m.tokens, token)
		}
	}
	m.tokenMu.Unlock()

	m.logger.Info("user disabled", "actor", actorID, "user_id", targetID)
	return nil
}

func (m *Manager) requireAdmin(ctx context.Context, actorID string) error {
	role, err := m.GetUserRole(ctx, actorID)
	if err != nil {
		return err
	}
	if role != domain.RoleAdmin {
		return ErrUnauthorized
	}
	return nil
}

// ListUsers returns all persisted user records.
func (m *Manager) ListUsers(ctx context.Context) ([]*domain.UserRecord, error) {
	return m.repo.ListUsers(ctx)
}

// Stats counts users, admins, pending pairings, and live tokens.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	users, err := m.repo.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	pending, err := m.repo.CountPendingPairings(ctx)
	if err != nil {
		return nil, fmt.Errorf("count pairings: %w", err)
	}

	s := &Stats{TotalUsers: len(users), PendingPairings: pending}
	for _, u := range users {
		if u.IsActive() {
			s.ActiveUsers++
		}
		if u.Role == domain.RoleAdmin {
			s.Admins++
		}
	}
	m.tokenMu.Lock()
	s.ActiveTokens = len(m.tokens)
	m.tokenMu.Unlock()
	return s, nil
}

// generateCode draws a uniform 6-digit code from crypto/rand.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeMax-codeMin+1))
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(n.Int64()+codeMin, 10), nil
}
