package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/claw-relay/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUserRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetUser(ctx, "u1")
	if err != nil || got != nil {
		t.Fatalf("GetUser on empty store = %v, %v; want nil, nil", got, err)
	}

	now := time.Now().Truncate(time.Second)
	user := &domain.UserRecord{
		UserID: "u1", Role: domain.RoleUser, Status: domain.UserActive,
		AuthenticatedAt: now, CreatedAt: now, UpdatedAt: now,
	}
	if err := s.UpsertUser(ctx, user); err != nil {
		t.Fatalf("UpsertUser failed: %v", err)
	}

	got, err = s.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if got.Role != domain.RoleUser || got.Status != domain.UserActive {
		t.Fatalf("round-tripped user = %+v", got)
	}
	if !got.CreatedAt.Equal(now) {
		t.Fatalf("CreatedAt = %v, want %v", got.CreatedAt, now)
	}

	// Upsert replaces the whole document.
	user.Role = domain.RoleAdmin
	user.Status = domain.UserDisabled
	if err := s.UpsertUser(ctx, user); err != nil {
		t.Fatalf("second UpsertUser failed: %v", err)
	}
	got, _ = s.GetUser(ctx, "u1")
	if got.Role != domain.RoleAdmin || got.Status != domain.UserDisabled {
		t.Fatalf("replaced user = %+v", got)
	}

	users, err := s.ListUsers(ctx)
	if err != nil || len(users) != 1 {
		t.Fatalf("ListUsers = %d users, %v", len(users), err)
	}
}

func TestPairingRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	req := &domain.PairingRequest{
		UserID: "u1", Code: "123456",
		CreatedAt: time.Now().Truncate(time.Second),
		Status:    domain.PairingPending,
	}
	if err := s.UpsertPairing(ctx, req); err != nil {
		t.Fatalf("UpsertPairing failed: %v", err)
	}

	got, err := s.GetPairing(ctx, "u1")
	if err != nil {
		t.Fatalf("GetPairing failed: %v", err)
	}
	if got.Code != "123456" || got.Attempts != 0 || got.Status != domain.PairingPending {
		t.Fatalf("round-tripped pairing = %+v", got)
	}

	got.Attempts = 3
	if err := s.UpsertPairing(ctx, got); err != nil {
		t.Fatalf("update pairing failed: %v", err)
	}
	got, _ = s.GetPairing(ctx, "u1")
	if got.Attempts != 3 {
		t.Fatalf("Attempts = %d, want 3", got.Attempts)
	}

	n, err := s.CountPendingPairings(ctx)
	if err != nil || n != 1 {
		t.Fatalf("CountPendingPairings = %d, %v", n, err)
	}

	if err := s.DeletePairing(ctx, "u1"); err != nil {
		t.Fatalf("DeletePairing failed: %v", err)
	}
	if got, _ := s.GetPairing(ctx, "u1"); got != nil {
		t.Fatalf("pairing survived delete: %+v", got)
	}
}

func TestSessionTTL(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	sess := &domain.Session{ID: "u1:c1", UserID: "u1", ConversationID: "c1"}
	sess.AppendTurn("user", "hello", time.Now())

	if err := s.PutSession(ctx, sess, time.Hour); err != nil {
		t.Fatalf("PutSession failed: %v", err)
	}
	got, err := s.GetSession(ctx, "u1:c1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got == nil || len(got.Context) != 1 || got.Context[0].Content != "hello" {
		t.Fatalf("round-tripped session = %+v", got)
	}

	// Re-put with a TTL already in the past; the read must evict it.
	if err := s.PutSession(ctx, sess, -time.Minute); err != nil {
		t.Fatalf("PutSession failed: %v", err)
	}
	got, err = s.GetSession(ctx, "u1:c1")
	if err != nil || got != nil {
		t.Fatalf("expired session read = %v, %v; want nil, nil", got, err)
	}
}

func TestCleanupExpiredSessions(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	live := &domain.Session{ID: "u1:c1"}
	dead := &domain.Session{ID: "u2:c2"}
	if err := s.PutSession(ctx, live, time.Hour); err != nil {
		t.Fatalf("put live: %v", err)
	}
	if err := s.PutSession(ctx, dead, -time.Minute); err != nil {
		t.Fatalf("put dead: %v", err)
	}

	n, err := s.CleanupExpiredSessions(ctx)
	if err != nil {
		t.Fatalf("CleanupExpiredSessions failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d sessions, want 1", n)
	}
	if got, _ := s.GetSession(ctx, "u1:c1"); got == nil {
		t.Fatal("live session was swept")
	}
}

func TestConcurrentUpsertsSameKey(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	now := time.Now()
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			user := &domain.UserRecord{
				UserID: "u1", Role: domain.RoleUser, Status: domain.UserActive,
				AuthenticatedAt: now, CreatedAt: now, UpdatedAt: now,
			}
			if err := s.UpsertUser(ctx, user); err != nil {
				t.Errorf("concurrent upsert: %v", err)
			}
		}()
	}
	wg.Wait()

	users, err := s.ListUsers(ctx)
	if err != nil || len(users) != 1 {
		t.Fatalf("ListUsers after concurrent upserts = %d users, %v", len(users), err)
	}
}
