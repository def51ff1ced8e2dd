package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/claw-relay/internal/wsconn"
	"github.com/google/uuid"
)

// Config holds gateway client parameters.
type Config struct {
	URL          string
	ChannelID    string
	ChannelType  string
	APIKey       string
	Capabilities []string

	ResponseTimeout   time.Duration // default 60s
	HeartbeatInterval time.Duration
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	MaxAttempts       int

	Logger *slog.Logger
}

// Client maintains the persistent gateway link. It registers the channel on
// every (re)connect, answers gateway pings, and routes agent responses to
// their pending requests.
type Client struct {
	cfg    Config
	conn   *wsconn.Conn
	corr   *Correlator
	logger *slog.Logger

	// onUnsolicited receives agent replies that match no pending request
	// (e.g. proactive agent messages). May be nil.
	onUnsolicited func(*AgentReply)
}

// NewClient creates a gateway client. onUnsolicited may be nil.
func NewClient(cfg Config, onUnsolicited func(*AgentReply)) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ChannelType == "" {
		cfg.ChannelType = cfg.ChannelID
	}
	if len(cfg.Capabilities) == 0 {
		cfg.Capabilities = []string{"text", "image", "file"}
	}

	c := &Client{
		cfg:           cfg,
		corr:          NewCorrelator(cfg.ResponseTimeout),
		logger:        cfg.Logger,
		onUnsolicited: onUnsolicited,
	}
	c.conn = wsconn.New(wsconn.Config{
		Name:              "gateway",
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

func (c *Client) handshakeHeader() (http.Header, error) {
	h := http.Header{}
	h.Set("X-Channel-ID", c.cfg.ChannelID)
	h.Set("X-API-Key", c.cfg.APIKey)
	return h, nil
}

// Start dials the gateway. A failed first attempt is returned to the caller.
func (c *Client) Start(ctx context.Context) error {
	return c.conn.Start(ctx)
}

// Stop tears down the link and fails all outstanding requests.
func (c *Client) Stop() {
	c.conn.Disconnect()
	c.corr.Close()
}

// Connected reports whether the gateway link is up.
func (c *Client) Connected() bool {
	return c.conn.State() == wsconn.StateConnected
}

// PendingCount returns the number of requests awaiting replies.
func (c *Client) PendingCount() int {
	return c.corr.PendingCount()
}

// SendUserMessage forwards a user message and blocks until the agent replies,
// the correlation deadline passes, or the connection tears down. The message
// id is generated here; the reply carries the same id.
func (c *Client) SendUserMessage(ctx context.Context, userID, conversationID string, content Content) (*AgentReply, error) {
	id := uuid.New().String()

	msg := UserMessage{
		MessageID:      id,
		ChannelID:      c.cfg.ChannelID,
		UserID:         userID,
		ConversationID: conversationID,
		Content:        content,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	}
	data, err := encodeEnvelope(TypeUserMessage, msg)
	if err != nil {
		return nil, err
	}

	done, ok := c.corr.Register(id)
	if !ok {
		return nil, ErrCorrelatorClosed
	}

	if err := c.conn.Send(ctx, data); err != nil {
		c.corr.Cancel(id)
		return nil, fmt.Errorf("forward message %s: %w", id, err)
	}

	c.logger.Debug("user message forwarded to gateway", "message_id", id, "user_id", userID)
	return c.corr.Await(ctx, id, done)
}

// OnConnected implements wsconn.Handler: register the channel.
func (c *Client) OnConnected() {
	reg := Registration{
		ChannelID:    c.cfg.ChannelID,
		ChannelType:  c.cfg.ChannelType,
		Capabilities: c.cfg.Capabilities,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}
	data, err := encodeEnvelope(TypeRegister, reg)
	if err != nil {
		c.logger.Error("encode registration", "error", err)
		return
	}
	if err := c.conn.Send(context.Background(), data); err != nil {
		c.logger.Warn("send channel registration", "error", err)
		return
	}
	c.logger.Info("channel registration sent", "channel_id", c.cfg.ChannelID)
}

// OnDisconnected implements wsconn.Handler: replies for requests sent on the
// dropped connection can no longer arrive, so fail them all immediately.
func (c *Client) OnDisconnected(err error) {
	c.logger.Info("gateway link down", "error", err)
	c.corr.FailAll(ErrConnectionClosed)
}

// OnExhausted implements wsconn.Handler.
func (c *Client) OnExhausted() {
	c.logger.Error("gateway reconnect attempts exhausted")
}

// OnMessage implements wsconn.Handler: decode and route one envelope.
func (c *Client) OnMessage(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Warn("malformed gateway frame dropped", "error", err)
		return
	}

	switch env.Type {
	case TypeAgentResponse:
		var reply AgentReply
		if err := json.Unmarshal(env.Payload, &reply); err != nil {
			c.logger.Warn("malformed agent response dropped", "error", err)
			return
		}
		if !c.corr.Resolve(&reply) {
			c.logger.Debug("unsolicited agent response", "message_id", reply.MessageID)
			if c.onUnsolicited != nil {
				c.onUnsolicited(&reply)
			}
		}

	case TypeRegisterAck:
		c.logger.Info("channel registration acknowledged")

	case TypePing:
		if err := c.conn.Send(context.Background(), pongFrame()); err != nil {
			c.logger.Debug("send pong", "error", err)
		}

	case TypeError:
		var p ErrorPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.logger.Warn("gateway error with malformed payload", "error", err)
			return
		}
		c.logger.Warn("gateway error", "code", p.Code, "message", p.Message)

	default:
		c.logger.Debug("unknown gateway message type", "type", env.Type)
	}
}
