// Package command implements the relay's slash commands.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/claw-relay/internal/auth"
	"github.com/ashureev/claw-relay/internal/domain"
	"github.com/ashureev/claw-relay/internal/session"
)

const helpText = `Commands:
/help - show this help
/start - begin pairing
/auth <code> - submit your pairing code
/status - show your authentication status`

const adminHelpText = `
Admin commands:
/admin add <user_id> - grant admin
/admin remove <user_id> - revoke admin
/users - list known users
/stats - relay statistics
/broadcast <message> - message every active user`

// BroadcastFunc delivers text to every active user and reports how many were
// reached.
type BroadcastFunc func(ctx context.Context, text string) (int, error)

// Handler interprets slash commands. Non-command text is passed through so the
// pipeline can forward it.
type Handler struct {
	auth      *auth.Manager
	sessions  *session.Store
	broadcast BroadcastFunc
	logger    *slog.Logger
}

// NewHandler creates a command handler. broadcast may be nil, in which case
// /broadcast reports the feature unavailable.
func NewHandler(authMgr *auth.Manager, sessions *session.Store, broadcast BroadcastFunc, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{auth: authMgr, sessions: sessions, broadcast: broadcast, logger: logger}
}

// parseCommand splits "/name arg arg" into its parts. ok is false for
// anything that is not a slash command.
func parseCommand(text string) (name string, args []string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	fields := strings.Fields(text)
	if len(fields) == 0 || fields[0] == "/" {
		return "", nil, false
	}
	return strings.ToLower(strings.TrimPrefix(fields[0], "/")), fields[1:], true
}

// Handle executes text as a command if it is one. handled reports whether the
// message was consumed; when false the reply is empty and the caller should
// continue its pipeline.
func (h *Handler) Handle(ctx context.Context, userID, conversationID, text string) (reply string, handled bool) {
	name, args, ok := parseCommand(text)
	if !ok {
		return "", false
	}

	switch name {
	case "help":
		return h.handleHelp(ctx, userID), true
	case "start":
		return h.handleStart(ctx, userID), true
	case "auth":
		return h.handleAuth(ctx, userID, args), true
	case "status":
		return h.handleStatus(ctx, userID, conversationID), true
	case "admin":
		return h.handleAdmin(ctx, userID, args), true
	case "users":
		return h.handleUsers(ctx, userID), true
	case "stats":
		return h.handleStats(ctx, userID), true
	case "broadcast":
		return h.handleBroadcast(ctx, userID, args), true
	default:
		return fmt.Sprintf("Unknown command /%s. Send /help for the list.", name), true
	}
}

func (h *Handler) handleHelp(ctx context.Context, userID string) string {
	text := helpText
	if ok, _ := h.auth.HasPermission(ctx, userID, auth.CapStats); ok {
		text += adminHelpText
	}
	return text
}

func (h *Handler) handleStart(ctx context.Context, userID string) string {
	if ok, err := h.auth.IsAuthenticated(ctx, userID); err != nil {
		h.logger.Error("authentication lookup failed", "user_id", userID, "error", err)
		return "Something went wrong, please try again."
	} else if ok {
		role, _ := h.auth.GetUserRole(ctx, userID)
		return fmt.Sprintf("You are already authenticated as %s.", role)
	}

	code, err := h.auth.IssuePairingCode(ctx, userID)
	if err != nil {
		h.logger.Error("issue pairing code failed", "user_id", userID, "error", err)
		return "Could not generate a pairing code, please try again."
	}
	// The code reaches the user out of band, via the operator.
	h.logger.Info("pairing code generated", "user_id", userID, "code", code)
	return "A pairing code has been generated. Get it from the relay operator and reply with /auth <code>."
}

func (h *Handler) handleAuth(ctx context.Context, userID string, args []string) string {
	if len(args) != 1 {
		return "Usage: /auth <code>"
	}

	res, err := h.auth.VerifyPairingCode(ctx, userID, args[0])
	switch {
	case err == nil:
		return fmt.Sprintf("Authenticated as %s. You can chat with the agent now.", res.Role)
	case errors.Is(err, auth.ErrNotPendingAuth):
		return "No pairing in progress. Send /start first."
	case errors.Is(err, auth.ErrExpired):
		return "That code has expired. Send /start to get a new one."
	case errors.Is(err, auth.ErrAttemptsExhausted):
		return "Too many wrong attempts. Send /start to get a new code."
	case errors.Is(err, auth.ErrInvalidCode):
		return "Wrong code, try again."
	default:
		h.logger.Error("verify pairing code failed", "user_id", userID, "error", err)
		return "Something went wrong, please try again."
	}
}

func (h *Handler) handleStatus(ctx context.Context, userID, conversationID string) string {
	role, err := h.auth.GetUserRole(ctx, userID)
	if err != nil {
		h.logger.Error("role lookup failed", "user_id", userID, "error", err)
		return "Something went wrong, please try again."
	}
	if role == domain.RoleGuest {
		if pending, _ := h.auth.HasPendingPairing(ctx, userID); pending {
			return "Not authenticated. A pairing code is pending, reply with /auth <code>."
		}
		return "Not authenticated. Send /start to begin."
	}

	sess, err := h.sessions.GetOrCreate(ctx, userID, conversationID)
	if err != nil {
		return fmt.Sprintf("Authenticated as %s.", role)
	}
	return fmt.Sprintf("Authenticated as %s. Messages in this conversation: %d.", role, sess.MessageCount)
}

func (h *Handler) handleAdmin(ctx context.Context, userID string, args []string) string {
	if len(args) != 2 {
		return "Usage: /admin add|remove <user_id>"
	}

	var err error
	switch args[0] {
	case "add":
		err = h.auth.PromoteAdmin(ctx, userID, args[1])
		if err == nil {
			return fmt.Sprintf("%s is now an admin.", args[1])
		}
	case "remove":
		err = h.auth.DemoteAdmin(ctx, userID, args[1])
		if err == nil {
			return fmt.Sprintf("%s is no longer an admin.", args[1])
		}
	default:
		return "Usage: /admin add|remove <user_id>"
	}

	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		return "You are not allowed to do that."
	case errors.Is(err, auth.ErrCannotRemoveSelf):
		return "You cannot do that to yourself."
	case errors.Is(err, auth.ErrNotFound):
		return "No such user."
	default:
		h.logger.Error("admin mutation failed", "user_id", userID, "error", err)
		return "Something went wrong, please try again."
	}
}

func (h *Handler) handleUsers(ctx context.Context, userID string) string {
	if ok, _ := h.auth.HasPermission(ctx, userID, auth.CapList); !ok {
		return "You are not allowed to do that."
	}

	users, err := h.auth.ListUsers(ctx)
	if err != nil {
		h.logger.Error("list users failed", "error", err)
		return "Something went wrong, please try again."
	}
	if len(users) == 0 {
		return "No users yet."
	}

	var b strings.Builder
	b.WriteString("Users:\n")
	for _, u := range users {
		fmt.Fprintf(&b, "- %s (%s, %s)\n", u.UserID, u.Role, u.Status)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (h *Handler) handleStats(ctx context.Context, userID string) string {
	if ok, _ := h.auth.HasPermission(ctx, userID, auth.CapStats); !ok {
		return "You are not allowed to do that."
	}

	s, err := h.auth.Stats(ctx)
	if err != nil {
		h.logger.Error("stats failed", "error", err)
		return "Something went wrong, please try again."
	}
	return fmt.Sprintf("Users: %d (%d active, %d admins). Pending pairings: %d. Live tokens: %d.",
		s.TotalUsers, s.ActiveUsers, s.Admins, s.PendingPairings, s.ActiveTokens)
}

func (h *Handler) handleBroadcast(ctx context.Context, userID string, args []string) string {
	if ok, _ := h.auth.HasPermission(ctx, userID, auth.CapBroadcast); !ok {
		return "You are not allowed to do that."
	}
	if len(args) == 0 {
		return "Usage: /broadcast <message>"
	}
	if h.broadcast == nil {
		return "Broadcast is not available."
	}

	n, err := h.broadcast(ctx, strings.Join(args, " "))
	if err != nil {
		h.logger.Error("broadcast failed", "error", err)
		return "Broadcast failed, please try again."
	}
	return fmt.Sprintf("Broadcast delivered to %d users.", n)
}
