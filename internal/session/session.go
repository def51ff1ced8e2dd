// Package session manages per-conversation context with a durable backend and
// a transparent in-memory fallback.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/claw-relay/internal/domain"
	"github.com/ashureev/claw-relay/internal/store"
)

// DefaultTTL bounds how long an idle conversation keeps its context.
const DefaultTTL = 24 * time.Hour

// Store hands out sessions keyed by (user, conversation). Reads go through to
// the durable repository; when it errors the store degrades to an in-process
// map with no TTL and keeps serving. Degradation is logged once.
//
// Read-modify-write cycles on one session serialize per session key, so
// concurrent appends to the same conversation never lose turns. Returned
// sessions are private copies; mutation goes through Update or AppendTurn.
type Store struct {
	repo   store.Repository
	ttl    time.Duration
	logger *slog.Logger
	keys   *store.KeyMutex

	mu       sync.Mutex
	fallback map[string]*domain.Session
	degraded bool

	now func() time.Time
}

// NewStore creates a session store over repo. A nil repo starts degraded.
func NewStore(repo store.Repository, ttl time.Duration, logger *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		repo:     repo,
		ttl:      ttl,
		logger:   logger,
		keys:     store.NewKeyMutex(),
		fallback: make(map[string]*domain.Session),
		now:      time.Now,
	}
	if repo == nil {
		s.degraded = true
		logger.Warn("session store starting without durable backend, context will not survive restarts")
	}
	return s
}

// Degraded reports whether the store has fallen back to memory.
func (s *Store) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

func (s *Store) degrade(op string, err error) {
	s.mu.Lock()
	first := !s.degraded
	s.degraded = true
	s.mu.Unlock()
	if first {
		s.logger.Error("durable session backend failed, falling back to memory",
			"op", op, "error", err)
	}
}

func cloneSession(sess *domain.Session) *domain.Session {
	dup := *sess
	dup.Context = append([]domain.Turn(nil), sess.Context...)
	return &dup
}

// GetOrCreate returns the session for (userID, conversationID), creating a
// fresh one with default settings when none exists.
func (s *Store) GetOrCreate(ctx context.Context, userID, conversationID string) (*domain.Session, error) {
	key := domain.SessionKey(userID, conversationID)
	s.keys.Lock(key)
	defer s.keys.Unlock(key)

	sess, fresh := s.load(ctx, userID, conversationID)
	if fresh {
		s.persist(ctx, sess)
	}
	return sess, nil
}

// Update runs fn against the session for (userID, conversationID) and
// persists the result. The whole load-mutate-store cycle holds the session's
// key lock, so concurrent updates to one conversation apply in full, one
// after another.
func (s *Store) Update(ctx context.Context, userID, conversationID string, fn func(*domain.Session)) (*domain.Session, error) {
	key := domain.SessionKey(userID, conversationID)
	s.keys.Lock(key)
	defer s.keys.Unlock(key)

	sess, _ := s.load(ctx, userID, conversationID)
	fn(sess)
	sess.UpdatedAt = s.now()
	s.persist(ctx, sess)
	return sess, nil
}

// AppendTurn records one turn of context and bumps the message counter.
func (s *Store) AppendTurn(ctx context.Context, userID, conversationID, role, content string) (*domain.Session, error) {
	return s.Update(ctx, userID, conversationID, func(sess *domain.Session) {
		sess.AppendTurn(role, content, s.now())
		sess.MessageCount++
	})
}

// Clear drops the context for (userID, conversationID).
func (s *Store) Clear(ctx context.Context, userID, conversationID string) {
	key := domain.SessionKey(userID, conversationID)
	s.keys.Lock(key)
	defer s.keys.Unlock(key)

	s.mu.Lock()
	delete(s.fallback, key)
	degraded := s.degraded
	s.mu.Unlock()

	if !degraded {
		if err := s.repo.DeleteSession(ctx, key); err != nil {
			s.degrade("delete", err)
		}
	}
}

// load fetches or creates the session. Callers hold the key lock. The result
// is always a private copy; fresh reports that nothing was stored yet.
func (s *Store) load(ctx context.Context, userID, conversationID string) (sess *domain.Session, fresh bool) {
	key := domain.SessionKey(userID, conversationID)

	s.mu.Lock()
	degraded := s.degraded
	cached, ok := s.fallback[key]
	s.mu.Unlock()
	if ok {
		return cloneSession(cached), false
	}

	if !degraded {
		stored, err := s.repo.GetSession(ctx, key)
		if err != nil {
			s.degrade("get", err)
		} else if stored != nil {
			return stored, false
		}
	}

	now := s.now()
	return &domain.Session{
		ID:             key,
		UserID:         userID,
		ConversationID: conversationID,
		Settings:       domain.DefaultSessionSettings(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, true
}

func (s *Store) persist(ctx context.Context, sess *domain.Session) {
	s.mu.Lock()
	degraded := s.degraded
	s.mu.Unlock()

	if !degraded {
		if err := s.repo.PutSession(ctx, sess, s.ttl); err != nil {
			s.degrade("put", err)
		} else {
			return
		}
	}

	s.mu.Lock()
	s.fallback[sess.ID] = cloneSession(sess)
	s.mu.Unlock()
}

// Sweep evicts expired sessions from the durable backend. Fallback entries
// have no TTL and are left alone.
func (s *Store) Sweep(ctx context.Context) {
	s.mu.Lock()
	degraded := s.degraded
	s.mu.Unlock()
	if degraded {
		return
	}
	n, err := s.repo.CleanupExpiredSessions(ctx)
	if err != nil {
		s.logger.Warn("session sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Debug("expired sessions swept", "count", n)
	}
}

// RunSweeper sweeps on the given interval until ctx is cancelled.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}
