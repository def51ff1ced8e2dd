package domain

import (
	"time"
)

// MaxContextTurns caps how much conversational context a session retains.
// Oldest turns are evicted first.
const MaxContextTurns = 20

// Turn is a single entry of conversational context.
type Turn struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionSettings holds per-conversation preferences.
type SessionSettings struct {
	Language            string `json:"language"`
	NotificationEnabled bool   `json:"notificationEnabled"`
	AutoReply           bool   `json:"autoReply"`
}

// DefaultSessionSettings returns the settings applied to a fresh session.
func DefaultSessionSettings() SessionSettings {
	return SessionSettings{
		Language:            "zh-CN",
		NotificationEnabled: true,
		AutoReply:           true,
	}
}

// Session is the bounded conversational context for one (user, conversation)
// pair. The ID is "userID:conversationID".
type Session struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId"`
	ConversationID string          `json:"conversationId"`
	Context        []Turn          `json:"context"`
	Settings       SessionSettings `json:"settings"`
	MessageCount   int             `json:"messageCount"`
	LastMessageID  string          `json:"lastMessageId,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// SessionKey builds the canonical session identifier.
func SessionKey(userID, conversationID string) string {
	return userID + ":" + conversationID
}

// AppendTurn adds a turn and trims context to the most recent MaxContextTurns.
func (s *Session) AppendTurn(role, content string, at time.Time) {
	s.Context = append(s.Context, Turn{Role: role, Content: content, Timestamp: at})
	if len(s.Context) > MaxContextTurns {
		s.Context = s.Context[len(s.Context)-MaxContextTurns:]
	}
}

// RecentContext returns up to n of the newest turns.
func (s *Session) RecentContext(n int) []Turn {
	if n >= len(s.Context) {
		return s.Context
	}
	return s.Context[len(s.Context)-n:]
}
