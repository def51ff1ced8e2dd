// Package relay wires the platform and gateway links into the message
// forwarding pipeline.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/claw-relay/internal/auth"
	"github.com/ashureev/claw-relay/internal/command"
	"github.com/ashureev/claw-relay/internal/dedup"
	"github.com/ashureev/claw-relay/internal/domain"
	"github.com/ashureev/claw-relay/internal/filter"
	"github.com/ashureev/claw-relay/internal/gateway"
	"github.com/ashureev/claw-relay/internal/platform"
	"github.com/ashureev/claw-relay/internal/session"
)

// State is the orchestrator lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

var (
	ErrAlreadyRunning = errors.New("relay: already running")
	ErrNotRunning     = errors.New("relay: not running")
)

// GatewayLink is the orchestrator's view of the agent gateway connection.
type GatewayLink interface {
	Start(ctx context.Context) error
	Stop()
	Connected() bool
	SendUserMessage(ctx context.Context, userID, conversationID string, content gateway.Content) (*gateway.AgentReply, error)
}

// PlatformLink is the orchestrator's view of the messaging platform
// connection. Webhook ingress bypasses it for inbound but still uses it to
// reply.
type PlatformLink interface {
	Start(ctx context.Context) error
	Stop()
	SendMessage(ctx context.Context, conversationID, category, data string) error
	AcknowledgeReceipt(ctx context.Context, messageID string) error
}

// Config holds orchestrator parameters.
type Config struct {
	// SelfID is the relay's own platform identity, used to drop self-authored
	// messages and to strip its mention from group text.
	SelfID string

	Logger *slog.Logger
}

// Orchestrator runs the inbound pipeline: dedup, self-drop, ack, decode,
// low-interrupt filter, command dispatch, auth gate, forward, reply. Each
// inbound message is handled on its own goroutine; reply ordering across
// messages is not guaranteed.
type Orchestrator struct {
	cfg      Config
	gw       GatewayLink
	plat     PlatformLink
	dedup    *dedup.Cache
	filter   *filter.Filter
	auth     *auth.Manager
	sessions *session.Store
	commands *command.Handler
	logger   *slog.Logger

	mu      sync.Mutex
	state   State
	pending []*platform.InboundMessage // buffered while Starting
	wg      sync.WaitGroup
}

// New creates an orchestrator. The command handler is built here so that
// /broadcast can reach the platform link.
func New(cfg Config, gw GatewayLink, plat PlatformLink, cache *dedup.Cache,
	flt *filter.Filter, authMgr *auth.Manager, sessions *session.Store) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	o := &Orchestrator{
		cfg:      cfg,
		gw:       gw,
		plat:     plat,
		dedup:    cache,
		filter:   flt,
		auth:     authMgr,
		sessions: sessions,
		logger:   cfg.Logger,
	}
	o.commands = command.NewHandler(authMgr, sessions, o.Broadcast, cfg.Logger)
	return o
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Start brings up the gateway link first, then the platform link. Either
// failing aborts the start and returns the error.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateStopped {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	o.state = StateStarting
	o.mu.Unlock()

	if err := o.gw.Start(ctx); err != nil {
		o.abortStart()
		return fmt.Errorf("connect gateway: %w", err)
	}
	if err := o.plat.Start(ctx); err != nil {
		o.gw.Stop()
		o.abortStart()
		return fmt.Errorf("connect platform: %w", err)
	}

	// The platform link replays its offline backlog as soon as it connects,
	// which is before this point. Those messages were buffered; dispatch them
	// now that the pipeline is open.
	o.mu.Lock()
	o.state = StateRunning
	queued := o.pending
	o.pending = nil
	o.mu.Unlock()
	for _, msg := range queued {
		o.HandleInbound(msg)
	}

	o.logger.Info("relay running")
	return nil
}

// abortStart resets to Stopped after a failed Start. Buffered messages are
// dropped; they were never acked, so the platform replays them next time.
func (o *Orchestrator) abortStart() {
	o.mu.Lock()
	o.state = StateStopped
	o.pending = nil
	o.mu.Unlock()
}

// Stop tears both links down and waits for in-flight messages to finish.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.state != StateRunning {
		o.mu.Unlock()
		return
	}
	o.state = StateStopping
	o.mu.Unlock()

	o.plat.Stop()
	o.gw.Stop()
	o.wg.Wait()

	o.setState(StateStopped)
	o.logger.Info("relay stopped")
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// HandleInbound ingests one platform message. It is the transport-agnostic
// entry point shared by the socket client and the webhook ingress; handling
// runs asynchronously.
func (o *Orchestrator) HandleInbound(msg *platform.InboundMessage) {
	o.mu.Lock()
	switch o.state {
	case StateRunning:
		o.wg.Add(1)
		o.mu.Unlock()
	case StateStarting:
		// Backlog replay arrives while the links are still coming up; hold
		// the messages until Start opens the pipeline.
		o.pending = append(o.pending, msg)
		o.mu.Unlock()
		return
	default:
		o.mu.Unlock()
		o.logger.Debug("inbound message while not running dropped", "message_id", msg.MessageID)
		return
	}

	go func() {
		defer o.wg.Done()
		o.process(context.Background(), msg)
	}()
}

// HandleUnsolicited delivers a proactive agent reply straight to its
// conversation.
func (o *Orchestrator) HandleUnsolicited(reply *gateway.AgentReply) {
	if reply.ConversationID == "" || reply.Content.Text == "" {
		return
	}
	o.sendText(context.Background(), reply.ConversationID, reply.Content.Text)
}

func (o *Orchestrator) process(ctx context.Context, msg *platform.InboundMessage) {
	if !o.dedup.ShouldProcess(msg.MessageID) {
		o.logger.Debug("duplicate message dropped", "message_id", msg.MessageID)
		return
	}
	if msg.UserID == o.cfg.SelfID {
		return
	}

	if err := o.plat.AcknowledgeReceipt(ctx, msg.MessageID); err != nil {
		o.logger.Debug("acknowledge receipt", "message_id", msg.MessageID, "error", err)
	}

	decoded, err := platform.DecodeContent(msg.Category, msg.Data)
	if err != nil {
		o.logger.Warn("undecodable message dropped", "message_id", msg.MessageID, "error", err)
		return
	}

	if !o.filter.ShouldProcess(filter.Message{
		Text:        decoded.Text,
		Category:    normalizeCategory(msg.Category),
		IsGroup:     msg.IsGroup(),
		IsMentioned: msg.Mentioned(o.cfg.SelfID),
	}) {
		return
	}

	text := decoded.Text
	if decoded.Kind == platform.KindText {
		text = filter.ExtractCleanText(text, o.cfg.SelfID)
	}
	if text == "" {
		return
	}

	if reply, handled := o.commands.Handle(ctx, msg.UserID, msg.ConversationID, text); handled {
		o.sendText(ctx, msg.ConversationID, reply)
		return
	}

	ok, err := o.auth.IsAuthenticated(ctx, msg.UserID)
	if err != nil {
		o.logger.Error("authentication lookup failed", "user_id", msg.UserID, "error", err)
		o.sendText(ctx, msg.ConversationID, "Something went wrong, please try again.")
		return
	}
	if !ok {
		o.sendText(ctx, msg.ConversationID, o.pairingPrompt(ctx, msg.UserID))
		return
	}

	o.forward(ctx, msg, text)
}

// pairingPrompt handles first contact from an unauthenticated user: issue a
// code unless one is already pending.
func (o *Orchestrator) pairingPrompt(ctx context.Context, userID string) string {
	pending, err := o.auth.HasPendingPairing(ctx, userID)
	if err != nil {
		o.logger.Error("pairing lookup failed", "user_id", userID, "error", err)
		return "Something went wrong, please try again."
	}
	if pending {
		return "A pairing code is already pending. Reply with /auth <code>."
	}

	code, err := o.auth.IssuePairingCode(ctx, userID)
	if err != nil {
		o.logger.Error("issue pairing code failed", "user_id", userID, "error", err)
		return "Something went wrong, please try again."
	}
	o.logger.Info("pairing code generated", "user_id", userID, "code", code)
	return "You are not authenticated yet. A pairing code has been generated; get it from the relay operator and reply with /auth <code>."
}

func (o *Orchestrator) forward(ctx context.Context, msg *platform.InboundMessage, text string) {
	reply, err := o.gw.SendUserMessage(ctx, msg.UserID, msg.ConversationID, gateway.Content{
		Type: "text",
		Text: text,
	})
	if err != nil {
		o.logger.Warn("forward to agent failed",
			"message_id", msg.MessageID, "user_id", msg.UserID, "error", err)
		o.sendText(ctx, msg.ConversationID, forwardErrorReply(err))
		return
	}

	if _, serr := o.sessions.Update(ctx, msg.UserID, msg.ConversationID, func(sess *domain.Session) {
		now := time.Now()
		sess.LastMessageID = msg.MessageID
		sess.AppendTurn("user", text, now)
		sess.AppendTurn("assistant", reply.Content.Text, now)
		sess.MessageCount++
	}); serr != nil {
		o.logger.Warn("record session turns", "message_id", msg.MessageID, "error", serr)
	}

	o.sendText(ctx, msg.ConversationID, reply.Content.Text)
}

// forwardErrorReply maps pipeline failures to user-facing text.
func forwardErrorReply(err error) string {
	switch {
	case errors.Is(err, gateway.ErrTimeout):
		return "The agent is taking too long, please try again."
	case errors.Is(err, gateway.ErrConnectionClosed), errors.Is(err, gateway.ErrCorrelatorClosed):
		return "The agent connection was interrupted, please try again."
	default:
		return "Could not reach the agent, please try again later."
	}
}

func (o *Orchestrator) sendText(ctx context.Context, conversationID, text string) {
	if text == "" {
		return
	}
	category, data := platform.EncodeText(text)
	if err := o.plat.SendMessage(ctx, conversationID, category, data); err != nil {
		o.logger.Warn("send reply failed", "conversation_id", conversationID, "error", err)
	}
}

// Broadcast sends text as a direct message to every active user. The direct
// conversation id is the user id itself.
func (o *Orchestrator) Broadcast(ctx context.Context, text string) (int, error) {
	users, err := o.auth.ListUsers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list users: %w", err)
	}

	category, data := platform.EncodeText(text)
	sent := 0
	for _, u := range users {
		if !u.IsActive() {
			continue
		}
		if err := o.plat.SendMessage(ctx, u.UserID, category, data); err != nil {
			o.logger.Warn("broadcast delivery failed", "user_id", u.UserID, "error", err)
			continue
		}
		sent++
	}
	return sent, nil
}

// normalizeCategory maps platform wire categories onto the filter's
// lower-case vocabulary, collapsing system and recall events.
func normalizeCategory(category string) string {
	switch {
	case strings.HasPrefix(category, "SYSTEM_"):
		return "system"
	case strings.Contains(category, "RECALL"):
		return "recall"
	default:
		return strings.ToLower(category)
	}
}
