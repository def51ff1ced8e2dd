// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Gateway  GatewayConfig
	Platform PlatformConfig
	Auth     AuthConfig
	Filter   FilterConfig
	Webhook  WebhookConfig

	DBPath     string
	SessionTTL time.Duration
}

// GatewayConfig holds the agent gateway connection settings.
type GatewayConfig struct {
	URL             string
	ChannelID       string
	APIKey          string
	ResponseTimeout time.Duration

	HeartbeatInterval time.Duration
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	MaxAttempts       int
}

// PlatformConfig holds the messaging platform connection settings.
type PlatformConfig struct {
	URL        string
	AppID      string
	SessionID  string
	PrivateKey string // base64-encoded Ed25519 seed or full key

	HeartbeatInterval time.Duration
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	MaxAttempts       int
}

// AuthConfig holds pairing and session-token settings.
type AuthConfig struct {
	AdminIDs      []string
	PairingExpiry time.Duration
	MaxAttempts   int
	TokenTTL      time.Duration
}

// FilterConfig holds the low-interrupt filter settings.
type FilterConfig struct {
	RequireMentionInGroup bool
	TriggerWords          []string
	BotNames              []string
	IgnoredCategories     []string
	MaxMessageLength      int
	MinMessageLength      int
}

// WebhookConfig holds the HTTP ingress settings. The server only starts when
// Enabled is set.
type WebhookConfig struct {
	Enabled bool
	Port    string
	Secret  string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Gateway: GatewayConfig{
			URL:               getEnv("GATEWAY_URL", "ws://localhost:8081/channel"),
			ChannelID:         getEnv("GATEWAY_CHANNEL_ID", "mixin"),
			APIKey:            getEnv("GATEWAY_API_KEY", ""),
			ResponseTimeout:   getEnvDuration("GATEWAY_RESPONSE_TIMEOUT", 60*time.Second),
			HeartbeatInterval: getEnvDuration("GATEWAY_HEARTBEAT_INTERVAL", 30*time.Second),
			BackoffBase:       getEnvDuration("GATEWAY_BACKOFF_BASE", 5*time.Second),
			BackoffCap:        getEnvDuration("GATEWAY_BACKOFF_CAP", 60*time.Second),
			MaxAttempts:       getEnvInt("GATEWAY_MAX_RECONNECT_ATTEMPTS", 10),
		},
		Platform: PlatformConfig{
			URL:               getEnv("PLATFORM_URL", "wss://blaze.mixin.one"),
			AppID:             getEnv("PLATFORM_APP_ID", ""),
			SessionID:         getEnv("PLATFORM_SESSION_ID", ""),
			PrivateKey:        getEnv("PLATFORM_PRIVATE_KEY", ""),
			HeartbeatInterval: getEnvDuration("PLATFORM_HEARTBEAT_INTERVAL", 30*time.Second),
			BackoffBase:       getEnvDuration("PLATFORM_BACKOFF_BASE", 5*time.Second),
			BackoffCap:        getEnvDuration("PLATFORM_BACKOFF_CAP", 60*time.Second),
			MaxAttempts:       getEnvInt("PLATFORM_MAX_RECONNECT_ATTEMPTS", 10),
		},
		Auth: AuthConfig{
			AdminIDs:      getEnvList("ADMIN_USER_IDS"),
			PairingExpiry: getEnvDuration("PAIRING_EXPIRY", 10*time.Minute),
			MaxAttempts:   getEnvInt("PAIRING_MAX_ATTEMPTS", 5),
			TokenTTL:      getEnvDuration("SESSION_TOKEN_TTL", 24*time.Hour),
		},
		Filter: FilterConfig{
			RequireMentionInGroup: getEnvBool("FILTER_REQUIRE_MENTION", true),
			TriggerWords:          getEnvList("FILTER_TRIGGER_WORDS"),
			BotNames:              getEnvList("FILTER_BOT_NAMES"),
			IgnoredCategories:     getEnvList("FILTER_IGNORED_CATEGORIES"),
			MaxMessageLength:      getEnvInt("FILTER_MAX_MESSAGE_LENGTH", 10000),
			MinMessageLength:      getEnvInt("FILTER_MIN_MESSAGE_LENGTH", 1),
		},
		Webhook: WebhookConfig{
			Enabled: getEnvBool("WEBHOOK_ENABLED", false),
			Port:    getEnv("WEBHOOK_PORT", "8090"),
			Secret:  getEnv("WEBHOOK_SECRET", ""),
		},
		DBPath:     getEnv("DB_PATH", "./data/relay.db"),
		SessionTTL: getEnvDuration("SESSION_TTL", 24*time.Hour),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Gateway.URL == "" {
		return fmt.Errorf("GATEWAY_URL cannot be empty")
	}
	if c.Gateway.ChannelID == "" {
		return fmt.Errorf("GATEWAY_CHANNEL_ID cannot be empty")
	}
	if c.Platform.URL == "" {
		return fmt.Errorf("PLATFORM_URL cannot be empty")
	}
	if c.Platform.AppID == "" {
		return fmt.Errorf("PLATFORM_APP_ID cannot be empty")
	}
	if c.Platform.SessionID == "" {
		return fmt.Errorf("PLATFORM_SESSION_ID cannot be empty")
	}
	if c.Platform.PrivateKey == "" {
		return fmt.Errorf("PLATFORM_PRIVATE_KEY cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Webhook.Enabled && c.Webhook.Port == "" {
		return fmt.Errorf("WEBHOOK_PORT cannot be empty when WEBHOOK_ENABLED is set")
	}
	if c.Gateway.MaxAttempts <= 0 {
		return fmt.Errorf("GATEWAY_MAX_RECONNECT_ATTEMPTS must be > 0")
	}
	if c.Platform.MaxAttempts <= 0 {
		return fmt.Errorf("PLATFORM_MAX_RECONNECT_ATTEMPTS must be > 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// getEnvList parses a comma-separated variable, trimming blanks.
func getEnvList(key string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
