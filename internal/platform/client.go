package platform

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/claw-relay/internal/wsconn"
	"github.com/google/uuid"
)

// Frame actions on the platform socket.
const (
	actionCreateMessage       = "CREATE_MESSAGE"
	actionListPendingMessages = "LIST_PENDING_MESSAGES"
	actionAcknowledgeReceipt  = "ACKNOWLEDGE_MESSAGE_RECEIPT"
	actionError               = "ERROR"
)

// groupConversationPrefix marks group conversations in conversation ids.
const groupConversationPrefix = "GROUP_"

// ErrNotConnected is returned when sending while the platform link is down.
var ErrNotConnected = wsconn.ErrNotConnected

// InboundMessage is one message received from the platform.
type InboundMessage struct {
	MessageID      string   `json:"message_id"`
	ConversationID string   `json:"conversation_id"`
	UserID         string   `json:"user_id"`
	Category       string   `json:"category"`
	Data           string   `json:"data"`
	Mentions       []string `json:"mentions,omitempty"`
	CreatedAt      string   `json:"created_at,omitempty"`
}

// IsGroup reports whether the message came from a group conversation.
func (m *InboundMessage) IsGroup() bool {
	return len(m.ConversationID) >= len(groupConversationPrefix) &&
		m.ConversationID[:len(groupConversationPrefix)] == groupConversationPrefix
}

// Mentioned reports whether id appears in the message's mention list.
func (m *InboundMessage) Mentioned(id string) bool {
	for _, u := range m.Mentions {
		if u == id {
			return true
		}
	}
	return false
}

// frame is the platform's socket envelope.
type frame struct {
	ID     string          `json:"id,omitempty"`
	Action string          `json:"action"`
	Params json.RawMessage `json:"params,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type errorData struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

// outgoingMessage is the params body of a CREATE_MESSAGE frame.
type outgoingMessage struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Category       string `json:"category"`
	Data           string `json:"data"`
}

type receiptData struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// Config holds platform client parameters.
type Config struct {
	URL        string
	AppID      string
	SessionID  string
	PrivateKey ed25519.PrivateKey

	HeartbeatInterval time.Duration
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	MaxAttempts       int

	Logger *slog.Logger
}

// Client maintains the persistent platform link. On every (re)connect it
// authenticates with a freshly signed token and requests the offline message
// backlog, so pending messages are replayed (at-least-once delivery — the
// relay pipeline dedups).
type Client struct {
	cfg       Config
	conn      *wsconn.Conn
	logger    *slog.Logger
	onMessage func(*InboundMessage)
}

// NewClient creates a platform client delivering inbound messages to
// onMessage. The callback runs on the connection's read goroutine.
func NewClient(cfg Config, onMessage func(*InboundMessage)) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Client{cfg: cfg, logger: cfg.Logger, onMessage: onMessage}
	c.conn = wsconn.New(wsconn.Config{
		Name:              "platform",
		URL:               cfg.URL,
		Header:            c.handshakeHeader,
		HeartbeatInterval: cfg.HeartbeatInterval,
		BackoffBase:       cfg.BackoffBase,
		BackoffCap:        cfg.BackoffCap,
		MaxAttempts:       cfg.MaxAttempts,
		Logger:            cfg.Logger,
	}, c)
	return c
}

// handshakeHeader signs a fresh token for every connection attempt.
func (c *Client) handshakeHeader() (http.Header, error) {
	token, err := SignAuthToken(c.cfg.AppID, c.cfg.SessionID, c.cfg.PrivateKey, time.Now())
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	h.Set("X-Request-Id", uuid.New().String())
	return h, nil
}

// Start dials the platform. A failed first attempt is returned to the caller.
func (c *Client) Start(ctx context.Context) error {
	return c.conn.Start(ctx)
}

// Stop tears down the link for good.
func (c *Client) Stop() {
	c.conn.Disconnect()
}

// Connected reports whether the platform link is up.
func (c *Client) Connected() bool {
	return c.conn.State() == wsconn.StateConnected
}

// SendMessage delivers an encoded payload to a conversation.
func (c *Client) SendMessage(ctx context.Context, conversationID, category, data string) error {
	params, err := json.Marshal(outgoingMessage{
		MessageID:      uuid.New().String(),
		ConversationID: conversationID,
		Category:       category,
		Data:           data,
	})
	if err != nil {
		return fmt.Errorf("encode outgoing message: %w", err)
	}
	return c.sendFrame(ctx, frame{ID: uuid.New().String(), Action: actionCreateMessage, Params: params})
}

// AcknowledgeReceipt marks an inbound message as read so the platform stops
// replaying it.
func (c *Client) AcknowledgeReceipt(ctx context.Context, messageID string) error {
	data, err := json.Marshal(receiptData{MessageID: messageID, Status: "READ"})
	if err != nil {
		return fmt.Errorf("encode receipt: %w", err)
	}
	return c.sendFrame(ctx, frame{ID: uuid.New().String(), Action: actionAcknowledgeReceipt, Data: data})
}

func (c *Client) sendFrame(ctx context.Context, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return c.conn.Send(ctx, data)
}

// OnConnected implements wsconn.Handler: request the offline backlog.
func (c *Client) OnConnected() {
	if err := c.sendFrame(context.Background(), frame{ID: uuid.New().String(), Action: actionListPendingMessages}); err != nil {
		c.logger.Warn("request pending messages", "error", err)
		return
	}
	c.logger.Info("platform connected, pending messages requested")
}

// OnDisconnected implements wsconn.Handler.
func (c *Client) OnDisconnected(err error) {
	c.logger.Info("platform link down", "error", err)
}

// OnExhausted implements wsconn.Handler.
func (c *Client) OnExhausted() {
	c.logger.Error("platform reconnect attempts exhausted")
}

// OnMessage implements wsconn.Handler: decode and route one frame.
func (c *Client) OnMessage(raw []byte) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		c.logger.Warn("malformed platform frame dropped", "error", err)
		return
	}

	switch f.Action {
	case actionCreateMessage:
		var msg InboundMessage
		if err := json.Unmarshal(f.Data, &msg); err != nil {
			c.logger.Warn("malformed inbound message dropped", "error", err)
			return
		}
		if msg.MessageID == "" {
			c.logger.Warn("inbound message without id dropped")
			return
		}
		c.onMessage(&msg)

	case actionListPendingMessages:
		c.deliverPending(f.Data)

	case actionAcknowledgeReceipt:
		// Delivery receipt for a message we sent; nothing to do.

	case actionError:
		var e errorData
		if err := json.Unmarshal(f.Data, &e); err != nil {
			c.logger.Warn("platform error with malformed payload", "error", err)
			return
		}
		c.logger.Warn("platform error", "code", e.Code, "message", e.Message)

	default:
		c.logger.Debug("unknown platform action", "action", f.Action)
	}
}

// deliverPending replays the offline backlog through the normal path.
func (c *Client) deliverPending(data []byte) {
	if len(data) == 0 {
		return
	}
	var messages []InboundMessage
	if err := json.Unmarshal(data, &messages); err != nil {
		c.logger.Warn("malformed pending message list dropped", "error", err)
		return
	}
	if len(messages) == 0 {
		return
	}
	c.logger.Info("replaying offline messages", "count", len(messages))
	for i := range messages {
		if messages[i].MessageID == "" {
			continue
		}
		c.onMessage(&messages[i])
	}
}
