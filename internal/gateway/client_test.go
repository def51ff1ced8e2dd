package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// fakeGateway upgrades connections, acks registrations, and echoes
// channel.message payloads back as agent.response envelopes.
func fakeGateway(t *testing.T, reply bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.CloseNow()
		ctx := r.Context()

		for {
			_, data, err := ws.Read(ctx)
			if err != nil {
				return
			}
			var env Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			switch env.Type {
			case TypeRegister:
				ack, _ := encodeEnvelope(TypeRegisterAck, map[string]string{"status": "ok"})
				_ = ws.Write(ctx, websocket.MessageText, ack)
			case TypeUserMessage:
				if !reply {
					continue
				}
				var msg UserMessage
				if err := json.Unmarshal(env.Payload, &msg); err != nil {
					continue
				}
				resp, _ := encodeEnvelope(TypeAgentResponse, AgentReply{
					MessageID:      msg.MessageID,
					UserID:         msg.UserID,
					ConversationID: msg.ConversationID,
					Content:        Content{Type: "text", Text: "echo: " + msg.Content.Text},
				})
				_ = ws.Write(ctx, websocket.MessageText, resp)
			}
		}
	}))
}

func gatewayURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestSendUserMessageCorrelatesReply(t *testing.T) {
	t.Parallel()

	srv := fakeGateway(t, true)
	defer srv.Close()

	client := NewClient(Config{
		URL:       gatewayURL(srv),
		ChannelID: "test-channel",
		APIKey:    "key",
	}, nil)
	defer client.Stop()

	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	reply, err := client.SendUserMessage(context.Background(), "u1", "c1", Content{Type: "text", Text: "ping"})
	if err != nil {
		t.Fatalf("SendUserMessage failed: %v", err)
	}
	if reply.Content.Text != "echo: ping" {
		t.Fatalf("unexpected reply %q", reply.Content.Text)
	}
	if client.PendingCount() != 0 {
		t.Fatalf("pending count after reply = %d, want 0", client.PendingCount())
	}
}

func TestSendUserMessageTimesOutWithoutReply(t *testing.T) {
	t.Parallel()

	srv := fakeGateway(t, false)
	defer srv.Close()

	client := NewClient(Config{
		URL:             gatewayURL(srv),
		ChannelID:       "test-channel",
		ResponseTimeout: 100 * time.Millisecond,
	}, nil)
	defer client.Stop()

	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	_, err := client.SendUserMessage(context.Background(), "u1", "c1", Content{Type: "text", Text: "hello"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestStopFailsOutstandingRequests(t *testing.T) {
	t.Parallel()

	srv := fakeGateway(t, false)
	defer srv.Close()

	client := NewClient(Config{
		URL:             gatewayURL(srv),
		ChannelID:       "test-channel",
		ResponseTimeout: time.Minute,
	}, nil)

	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	const n = 5
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := client.SendUserMessage(context.Background(), "u1", "c1", Content{Type: "text", Text: "x"})
			errCh <- err
		}()
	}

	// Wait until all requests are registered before tearing down.
	deadline := time.Now().Add(5 * time.Second)
	for client.PendingCount() < n && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if client.PendingCount() != n {
		t.Fatalf("pending count = %d, want %d", client.PendingCount(), n)
	}

	client.Stop()

	for i := 0; i < n; i++ {
		select {
		case err := <-errCh:
			if !errors.Is(err, ErrConnectionClosed) && !errors.Is(err, ErrCorrelatorClosed) {
				t.Fatalf("request %d: expected connection-closed error, got %v", i, err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("outstanding request was not failed on Stop")
		}
	}
}

func TestUnsolicitedRepliesGoToCallback(t *testing.T) {
	t.Parallel()

	unsolicited := make(chan *AgentReply, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.CloseNow()
		ctx := r.Context()

		// Push a response nobody asked for as soon as the channel registers.
		if _, _, err := ws.Read(ctx); err != nil {
			return
		}
		resp, _ := encodeEnvelope(TypeAgentResponse, AgentReply{
			MessageID:      "proactive-1",
			ConversationID: "c9",
			Content:        Content{Type: "text", Text: "heads up"},
		})
		_ = ws.Write(ctx, websocket.MessageText, resp)
		_, _, _ = ws.Read(ctx)
	}))
	defer srv.Close()

	client := NewClient(Config{
		URL:       gatewayURL(srv),
		ChannelID: "test-channel",
	}, func(reply *AgentReply) {
		unsolicited <- reply
	})
	defer client.Stop()

	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case reply := <-unsolicited:
		if reply.Content.Text != "heads up" {
			t.Fatalf("unexpected unsolicited content %q", reply.Content.Text)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("unsolicited reply never reached the callback")
	}
}
