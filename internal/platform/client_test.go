package platform

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func testKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return priv
}

// fakePlatform accepts the socket, answers the backlog request with pending,
// then pushes one live CREATE_MESSAGE. It records the Bearer header it saw.
func fakePlatform(t *testing.T, pending []InboundMessage, authSeen chan<- string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if authSeen != nil {
			authSeen <- r.Header.Get("Authorization")
		}
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
			var f frame
			if err := json.Unmarshal(data, &f); err != nil {
				continue
			}
			switch f.Action {
			case actionListPendingMessages:
				list, _ := json.Marshal(pending)
				resp, _ := json.Marshal(frame{ID: f.ID, Action: actionListPendingMessages, Data: list})
				_ = ws.Write(ctx, websocket.MessageText, resp)

				live, _ := json.Marshal(InboundMessage{
					MessageID: "live-1", ConversationID: "c1", UserID: "u1",
					Category: CategoryPlainText, Data: "aGk=",
				})
				push, _ := json.Marshal(frame{ID: "srv-1", Action: actionCreateMessage, Data: live})
				_ = ws.Write(ctx, websocket.MessageText, push)
			}
		}
	}))
}

func platformURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func collectMessages(ch chan *InboundMessage, n int, t *testing.T) []*InboundMessage {
	t.Helper()
	var got []*InboundMessage
	for len(got) < n {
		select {
		case m := <-ch:
			got = append(got, m)
		case <-time.After(5 * time.Second):
			t.Fatalf("received %d messages, want %d", len(got), n)
		}
	}
	return got
}

func TestBacklogReplayedThenLiveDelivery(t *testing.T) {
	t.Parallel()

	pending := []InboundMessage{
		{MessageID: "old-1", ConversationID: "c1", UserID: "u1", Category: CategoryPlainText, Data: "YQ=="},
		{MessageID: "", ConversationID: "c1", UserID: "u1", Category: CategoryPlainText}, // dropped: no id
		{MessageID: "old-2", ConversationID: "c1", UserID: "u1", Category: CategoryPlainText, Data: "Yg=="},
	}
	srv := fakePlatform(t, pending, nil)
	defer srv.Close()

	inbound := make(chan *InboundMessage, 8)
	client := NewClient(Config{
		URL:        platformURL(srv),
		AppID:      "app-1",
		SessionID:  "sess-1",
		PrivateKey: testKey(t),
	}, func(m *InboundMessage) { inbound <- m })
	defer client.Stop()

	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	got := collectMessages(inbound, 3, t)
	ids := []string{got[0].MessageID, got[1].MessageID, got[2].MessageID}
	if ids[0] != "old-1" || ids[1] != "old-2" || ids[2] != "live-1" {
		t.Fatalf("delivery order = %v", ids)
	}
}

func TestHandshakeCarriesSignedBearerToken(t *testing.T) {
	t.Parallel()

	authSeen := make(chan string, 1)
	srv := fakePlatform(t, nil, authSeen)
	defer srv.Close()

	inbound := make(chan *InboundMessage, 8)
	client := NewClient(Config{
		URL:        platformURL(srv),
		AppID:      "app-1",
		SessionID:  "sess-1",
		PrivateKey: testKey(t),
	}, func(m *InboundMessage) { inbound <- m })
	defer client.Stop()

	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case header := <-authSeen:
		if !strings.HasPrefix(header, "Bearer ") || len(header) < 20 {
			t.Fatalf("Authorization header = %q", header)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handshake never reached the server")
	}
}

func TestSendMessageAndReceiptFrames(t *testing.T) {
	t.Parallel()

	frames := make(chan frame, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
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
			var f frame
			if json.Unmarshal(data, &f) == nil {
				frames <- f
			}
		}
	}))
	defer srv.Close()

	client := NewClient(Config{
		URL:        platformURL(srv),
		AppID:      "app-1",
		SessionID:  "sess-1",
		PrivateKey: testKey(t),
	}, func(*InboundMessage) {})
	defer client.Stop()

	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	category, data := EncodeText("reply text")
	if err := client.SendMessage(context.Background(), "c1", category, data); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if err := client.AcknowledgeReceipt(context.Background(), "m1"); err != nil {
		t.Fatalf("AcknowledgeReceipt failed: %v", err)
	}

	var actions []string
	deadline := time.After(5 * time.Second)
	for len(actions) < 3 {
		select {
		case f := <-frames:
			actions = append(actions, f.Action)
		case <-deadline:
			t.Fatalf("saw actions %v, want 3 frames", actions)
		}
	}
	if actions[0] != actionListPendingMessages {
		t.Fatalf("first frame action = %q, want backlog request", actions[0])
	}
	if actions[1] != actionCreateMessage || actions[2] != actionAcknowledgeReceipt {
		t.Fatalf("frame actions = %v", actions)
	}
}
