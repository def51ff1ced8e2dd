// Package webhook provides HTTP push ingress as an alternative to the
// persistent platform socket. Messages arriving here run the exact same
// pipeline: the handler only verifies, validates, and hands off.
package webhook

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/claw-relay/internal/middleware"
	"github.com/ashureev/claw-relay/internal/platform"
)

const maxBodyBytes = 1 << 20

// Ingress accepts decoded platform messages. Satisfied by the orchestrator.
type Ingress interface {
	HandleInbound(msg *platform.InboundMessage)
}

// Handler validates webhook pushes and feeds them to the relay pipeline.
type Handler struct {
	ingress Ingress
	secret  []byte
	logger  *slog.Logger
}

// NewHandler creates a webhook handler. An empty secret disables signature
// verification; only do that behind a trusted proxy.
func NewHandler(ingress Ingress, secret string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{ingress: ingress, logger: logger}
	if secret != "" {
		h.secret = []byte(secret)
	} else {
		logger.Warn("webhook signature verification disabled, no secret configured")
	}
	return h
}

// Router builds the webhook HTTP surface.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))

	post := r.With()
	if h.secret != nil {
		post = r.With(middleware.Signature(h.secret, nil))
	}
	post.Post("/webhook", h.handleWebhook)
	return r
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// webhookBody is the push notification envelope.
type webhookBody struct {
	Action string                  `json:"action"`
	Data   platform.InboundMessage `json:"data"`
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		Error(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if len(body) > maxBodyBytes {
		Error(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}

	var payload webhookBody
	if err := json.Unmarshal(body, &payload); err != nil {
		Error(w, http.StatusBadRequest, "malformed payload")
		return
	}
	if payload.Action != "CREATE_MESSAGE" {
		Error(w, http.StatusUnprocessableEntity, "unsupported action")
		return
	}
	msg := payload.Data
	if msg.MessageID == "" || msg.ConversationID == "" || msg.UserID == "" || msg.Category == "" {
		Error(w, http.StatusUnprocessableEntity, "missing message fields")
		return
	}

	h.ingress.HandleInbound(&msg)
	JSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
