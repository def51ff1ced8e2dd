// Package gateway speaks the agent gateway's tagged-envelope protocol over a
// resilient websocket and correlates outbound requests with async replies.
package gateway

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope message types.
const (
	TypeRegister      = "channel.register"
	TypeRegisterAck   = "channel.ack"
	TypeUserMessage   = "channel.message"
	TypeAgentResponse = "agent.response"
	TypePing          = "ping"
	TypePong          = "pong"
	TypeError         = "error"
)

// Envelope is the tagged wire frame exchanged with the gateway.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Registration announces this channel after every (re)connect.
type Registration struct {
	ChannelID    string   `json:"channelId"`
	ChannelType  string   `json:"channelType"`
	Capabilities []string `json:"capabilities"`
	Timestamp    string   `json:"timestamp"`
}

// Content is the normalized message body exchanged with the agent.
type Content struct {
	Type        string            `json:"type"`
	Text        string            `json:"text,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Attachment references media carried alongside a message.
type Attachment struct {
	Kind string `json:"kind"`
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
}

// UserMessage is an inbound user message forwarded to the agent. MessageID is
// caller-generated and echoed back in the matching AgentReply.
type UserMessage struct {
	MessageID      string  `json:"messageId"`
	ChannelID      string  `json:"channelId"`
	UserID         string  `json:"userId"`
	ConversationID string  `json:"conversationId"`
	Content        Content `json:"content"`
	Timestamp      string  `json:"timestamp"`
}

// AgentReply is the agent's response to a forwarded user message, carrying
// the originating message id for correlation.
type AgentReply struct {
	MessageID      string  `json:"messageId"`
	UserID         string  `json:"userId,omitempty"`
	ConversationID string  `json:"conversationId,omitempty"`
	Content        Content `json:"content"`
}

// ErrorPayload is the gateway's error envelope body.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func encodeEnvelope(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	data, err := json.Marshal(Envelope{Type: msgType, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", msgType, err)
	}
	return data, nil
}

func pongFrame() []byte {
	data, _ := json.Marshal(Envelope{Type: TypePong, Timestamp: time.Now().UnixMilli()})
	return data
}
