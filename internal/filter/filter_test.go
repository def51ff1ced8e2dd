package filter

import (
	"strings"
	"testing"
)

func TestDirectMessagesAlwaysPass(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	if !f.ShouldProcess(Message{Text: "hello", Category: "text"}) {
		t.Fatal("direct message should pass")
	}
}

func TestEmptyDirectMessageRejected(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	if f.ShouldProcess(Message{Text: "", Category: "text"}) {
		t.Fatal("empty direct message should be rejected")
	}
}

func TestGroupMessageRules(t *testing.T) {
	t.Parallel()

	f := New(Config{})

	tests := []struct {
		name string
		msg  Message
		want bool
	}{
		{"mention passes", Message{Text: "do the thing", IsGroup: true, IsMentioned: true}, true},
		{"ascii question mark passes", Message{Text: "what is this?", IsGroup: true}, true},
		{"fullwidth question mark passes", Message{Text: "这是什么？", IsGroup: true}, true},
		{"trigger word passes", Message{Text: "please summarize the doc", IsGroup: true}, true},
		{"bot name passes", Message{Text: "openclaw look at this", IsGroup: true}, true},
		{"plain chatter dropped", Message{Text: "nice weather today", IsGroup: true}, false},
		{"ignored category dropped", Message{Text: "whatever?", Category: "system", IsGroup: true}, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := f.ShouldProcess(tt.msg); got != tt.want {
				t.Fatalf("ShouldProcess(%q) = %v, want %v", tt.msg.Text, got, tt.want)
			}
		})
	}
}

func TestRequireMentionDisabledPassesByDefault(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.RequireMentionInGroup = false
	f := New(cfg)

	if !f.ShouldProcess(Message{Text: "nice weather today", IsGroup: true}) {
		t.Fatal("plain group message should pass when require-mention is disabled")
	}
}

func TestOverlongMessageRejected(t *testing.T) {
	t.Parallel()

	f := New(Config{MaxMessageLength: 10})
	if f.ShouldProcess(Message{Text: strings.Repeat("a", 11)}) {
		t.Fatal("message above the maximum length should be rejected")
	}
}

func TestExtractCleanText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		text    string
		relayID string
		want    string
	}{
		{"strips relay mention", "@claw-bot help me", "claw-bot", "help me"},
		{"strips generic mentions", "@alice @bob what now", "", "what now"},
		{"collapses whitespace", "  spaced   out   text ", "", "spaced out text"},
		{"plain text untouched", "plain text", "", "plain text"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ExtractCleanText(tt.text, tt.relayID); got != tt.want {
				t.Fatalf("ExtractCleanText(%q, %q) = %q, want %q", tt.text, tt.relayID, got, tt.want)
			}
		})
	}
}

func TestStatsCounters(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	f.ShouldProcess(Message{Text: "hi"})
	f.ShouldProcess(Message{Text: "chatter", IsGroup: true})

	stats := f.Stats()
	if stats.Total != 2 || stats.Allowed != 1 || stats.Filtered != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
