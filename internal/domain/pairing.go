package domain

import (
	"time"
)

// PairingStatus tracks the lifecycle of a pairing request. Transitions are
// monotonic: pending moves to exactly one terminal state.
type PairingStatus string

const (
	PairingPending   PairingStatus = "pending"
	PairingConsumed  PairingStatus = "consumed"
	PairingExpired   PairingStatus = "expired"
	PairingExhausted PairingStatus = "exhausted"
)

// PairingRequest is a short-lived numeric credential linking a platform
// identity to an authenticated role. A user has at most one pending request;
// issuing a new code overwrites any prior one.
type PairingRequest struct {
	UserID    string
	Code      string
	CreatedAt time.Time
	Attempts  int
	Status    PairingStatus
}

// ExpiredAt reports whether the request has passed its expiry window at t.
func (p *PairingRequest) ExpiredAt(t time.Time, expiry time.Duration) bool {
	return t.Sub(p.CreatedAt) > expiry
}
