// Package filter implements the low-interrupt gate deciding which inbound
// messages are worth forwarding to the agent.
package filter

import (
	"regexp"
	"strings"
	"sync/atomic"
)

// Message is the transport-agnostic view the filter operates on.
type Message struct {
	Text        string
	Category    string
	IsGroup     bool
	IsMentioned bool
}

// Config controls filtering behavior. Zero values take the defaults below.
type Config struct {
	// RequireMentionInGroup drops group messages that trip no trigger when
	// true. When false, such messages pass by default.
	RequireMentionInGroup bool

	TriggerWords      []string
	QuestionMarks     []string
	BotNames          []string
	IgnoredCategories []string
	MaxMessageLength  int
	MinMessageLength  int
}

// DefaultConfig returns the stock low-interrupt configuration.
func DefaultConfig() Config {
	return Config{
		RequireMentionInGroup: true,
		TriggerWords: []string{
			"帮", "请", "分析", "总结", "写", "生成", "创建",
			"help", "please", "analyze", "summarize", "write", "generate", "create",
		},
		QuestionMarks:     []string{"?", "？"},
		BotNames:          []string{"bot", "助手", "assistant", "claw", "openclaw"},
		IgnoredCategories: []string{"system", "recall"},
		MaxMessageLength:  10000,
		MinMessageLength:  1,
	}
}

// Stats counts filtering outcomes.
type Stats struct {
	Total    int64
	Filtered int64
	Allowed  int64
}

// Filter is a stateless predicate over inbound messages (the counters are
// observational only). Safe for concurrent use.
type Filter struct {
	cfg Config

	total    atomic.Int64
	filtered atomic.Int64
	allowed  atomic.Int64
}

// New creates a filter. Missing config fields fall back to DefaultConfig.
func New(cfg Config) *Filter {
	def := DefaultConfig()
	if len(cfg.TriggerWords) == 0 {
		cfg.TriggerWords = def.TriggerWords
	}
	if len(cfg.QuestionMarks) == 0 {
		cfg.QuestionMarks = def.QuestionMarks
	}
	if len(cfg.BotNames) == 0 {
		cfg.BotNames = def.BotNames
	}
	if len(cfg.IgnoredCategories) == 0 {
		cfg.IgnoredCategories = def.IgnoredCategories
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = def.MaxMessageLength
	}
	if cfg.MinMessageLength <= 0 {
		cfg.MinMessageLength = def.MinMessageLength
	}
	return &Filter{cfg: cfg}
}

// ShouldProcess decides whether msg warrants forwarding. Direct messages
// always pass the low-interrupt rules; group messages pass only on an
// explicit mention, a question mark, a trigger word, or a bot-name alias,
// unless RequireMentionInGroup is disabled.
func (f *Filter) ShouldProcess(msg Message) bool {
	f.total.Add(1)

	for _, cat := range f.cfg.IgnoredCategories {
		if msg.Category == cat {
			f.filtered.Add(1)
			return false
		}
	}

	length := len([]rune(msg.Text))
	if length < f.cfg.MinMessageLength || length > f.cfg.MaxMessageLength {
		f.filtered.Add(1)
		return false
	}

	if !msg.IsGroup {
		f.allowed.Add(1)
		return true
	}

	if msg.IsMentioned || f.hasQuestionMark(msg.Text) || f.hasTriggerWord(msg.Text) || f.callsBot(msg.Text) {
		f.allowed.Add(1)
		return true
	}

	if f.cfg.RequireMentionInGroup {
		f.filtered.Add(1)
		return false
	}

	f.allowed.Add(1)
	return true
}

func (f *Filter) hasQuestionMark(text string) bool {
	for _, mark := range f.cfg.QuestionMarks {
		if strings.Contains(text, mark) {
			return true
		}
	}
	return false
}

func (f *Filter) hasTriggerWord(text string) bool {
	lower := strings.ToLower(text)
	for _, word := range f.cfg.TriggerWords {
		if strings.Contains(lower, strings.ToLower(word)) {
			return true
		}
	}
	return false
}

func (f *Filter) callsBot(text string) bool {
	lower := strings.ToLower(text)
	for _, name := range f.cfg.BotNames {
		if strings.Contains(lower, strings.ToLower(name)) {
			return true
		}
	}
	return false
}

// Stats returns a snapshot of the filtering counters.
func (f *Filter) Stats() Stats {
	return Stats{
		Total:    f.total.Load(),
		Filtered: f.filtered.Load(),
		Allowed:  f.allowed.Load(),
	}
}

var genericMentionPattern = regexp.MustCompile(`@\w+\s*`)
var whitespacePattern = regexp.MustCompile(`\s+`)

// ExtractCleanText strips the relay-identity mention and generic @mentions,
// then collapses whitespace.
func ExtractCleanText(text, relayID string) string {
	clean := text
	if relayID != "" {
		idPattern := regexp.MustCompile(`(?i)@` + regexp.QuoteMeta(relayID) + `\s*`)
		clean = idPattern.ReplaceAllString(clean, "")
	}
	clean = genericMentionPattern.ReplaceAllString(clean, "")
	return whitespacePattern.ReplaceAllString(strings.TrimSpace(clean), " ")
}
