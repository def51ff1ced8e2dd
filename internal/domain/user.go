// Package domain holds the core data types shared across the relay.
package domain

import (
	"time"
)

// Role is the authorization level assigned to a platform user.
type Role string

const (
	RoleGuest Role = "guest"
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// UserStatus reports whether a user may interact with the relay.
type UserStatus string

const (
	UserActive   UserStatus = "active"
	UserDisabled UserStatus = "disabled"
)

// UserRecord is the persisted record of an authenticated platform user.
type UserRecord struct {
	UserID          string
	Role            Role
	Status          UserStatus
	AuthenticatedAt time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsActive reports whether the user is allowed to chat.
func (u *UserRecord) IsActive() bool {
	return u != nil && u.Status == UserActive
}
