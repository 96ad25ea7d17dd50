package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// OpenAIAPIKey is the server-held credential. Clients never see it.
	OpenAIAPIKey string
	UpstreamURL  string
	DefaultModel string

	// CORS for the JSON endpoints. Empty => disabled.
	CORSAllowedOrigins map[string]struct{}
	// Origins accepted on the websocket upgrade. Empty => any origin.
	WSAllowedOrigins map[string]struct{}

	MaxBodyBytes int64

	// Persistence backend DSN (memory://, redis://, postgres://).
	StoreDSN string

	// Book generation.
	BookBaseURL          string
	BookModel            string
	BookMaxContextTokens int
	BookReserveTokens    int
	BookPrompt           string
	ChatPrompt           string

	// Relay (/v1/realtime).
	RelayMaxMessageBytes      int64
	RelayMaxMessagesPerSecond int
	RelayMaxBytesPerSecond    int64
	RelayBurstSeconds         int
	RelayHandshakeTimeout     time.Duration
	RelayWriteTimeout         time.Duration
	RelayPingInterval         time.Duration
	RelayMaxSessionDuration   time.Duration
	RelayMaxSessions          int

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	HandlerTimeout      time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                      envOr("VOICEBOOK_ADDR", ":8081"),
		OpenAIAPIKey:              strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		UpstreamURL:               envOr("VOICEBOOK_UPSTREAM_URL", "wss://api.openai.com/v1/realtime"),
		DefaultModel:              envOr("VOICEBOOK_REALTIME_MODEL", "gpt-4o-realtime-preview-2024-10-01"),
		CORSAllowedOrigins:        make(map[string]struct{}),
		WSAllowedOrigins:          make(map[string]struct{}),
		MaxBodyBytes:              envInt64Or("VOICEBOOK_MAX_BODY_BYTES", 4<<20), // 4 MiB
		StoreDSN:                  envOr("VOICEBOOK_STORE_DSN", "memory://"),
		BookBaseURL:               envOr("VOICEBOOK_BOOK_BASE_URL", "https://api.openai.com/v1"),
		BookModel:                 envOr("VOICEBOOK_BOOK_MODEL", "gpt-4o"),
		BookMaxContextTokens:      envIntOr("VOICEBOOK_BOOK_MAX_CONTEXT_TOKENS", 120000),
		BookReserveTokens:         envIntOr("VOICEBOOK_BOOK_RESERVE_TOKENS", 4096),
		BookPrompt:                os.Getenv("VOICEBOOK_BOOK_PROMPT"),
		ChatPrompt:                os.Getenv("VOICEBOOK_CHAT_PROMPT"),
		RelayMaxMessageBytes:      envInt64Or("VOICEBOOK_RELAY_MAX_MESSAGE_BYTES", 1<<20),
		RelayMaxMessagesPerSecond: envIntOr("VOICEBOOK_RELAY_MAX_MESSAGES_PER_SECOND", 200),
		RelayMaxBytesPerSecond:    envInt64Or("VOICEBOOK_RELAY_MAX_BYTES_PER_SECOND", 512*1024),
		RelayBurstSeconds:         envIntOr("VOICEBOOK_RELAY_BURST_SECONDS", 2),
		RelayHandshakeTimeout:     envDurationOr("VOICEBOOK_RELAY_HANDSHAKE_TIMEOUT", 10*time.Second),
		RelayWriteTimeout:         envDurationOr("VOICEBOOK_RELAY_WRITE_TIMEOUT", 5*time.Second),
		RelayPingInterval:         envDurationOr("VOICEBOOK_RELAY_PING_INTERVAL", 20*time.Second),
		RelayMaxSessionDuration:   envDurationOr("VOICEBOOK_RELAY_MAX_DURATION", 2*time.Hour),
		RelayMaxSessions:          envIntOr("VOICEBOOK_RELAY_MAX_SESSIONS", 64),
		ReadHeaderTimeout:         envDurationOr("VOICEBOOK_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:               envDurationOr("VOICEBOOK_READ_TIMEOUT", 30*time.Second),
		HandlerTimeout:            envDurationOr("VOICEBOOK_HANDLER_TIMEOUT", 3*time.Minute),
		ShutdownGracePeriod:       envDurationOr("VOICEBOOK_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	for _, origin := range splitCSV(os.Getenv("VOICEBOOK_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}
	for _, origin := range splitCSV(os.Getenv("VOICEBOOK_WS_ORIGINS")) {
		cfg.WSAllowedOrigins[origin] = struct{}{}
	}

	if cfg.OpenAIAPIKey == "" {
		return Config{}, fmt.Errorf("OPENAI_API_KEY must be set")
	}
	if !strings.HasPrefix(cfg.UpstreamURL, "ws://") && !strings.HasPrefix(cfg.UpstreamURL, "wss://") {
		return Config{}, fmt.Errorf("VOICEBOOK_UPSTREAM_URL must be a ws:// or wss:// url")
	}
	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("VOICEBOOK_MAX_BODY_BYTES must be > 0")
	}
	if cfg.BookMaxContextTokens <= 0 {
		return Config{}, fmt.Errorf("VOICEBOOK_BOOK_MAX_CONTEXT_TOKENS must be > 0")
	}
	if cfg.BookReserveTokens <= 0 {
		return Config{}, fmt.Errorf("VOICEBOOK_BOOK_RESERVE_TOKENS must be > 0")
	}
	if cfg.BookReserveTokens >= cfg.BookMaxContextTokens {
		return Config{}, fmt.Errorf("VOICEBOOK_BOOK_RESERVE_TOKENS must be < VOICEBOOK_BOOK_MAX_CONTEXT_TOKENS")
	}
	if cfg.RelayMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("VOICEBOOK_RELAY_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.RelayMaxMessagesPerSecond < 0 {
		return Config{}, fmt.Errorf("VOICEBOOK_RELAY_MAX_MESSAGES_PER_SECOND must be >= 0")
	}
	if cfg.RelayMaxBytesPerSecond < 0 {
		return Config{}, fmt.Errorf("VOICEBOOK_RELAY_MAX_BYTES_PER_SECOND must be >= 0")
	}
	if (cfg.RelayMaxMessagesPerSecond > 0 || cfg.RelayMaxBytesPerSecond > 0) && cfg.RelayBurstSeconds < 1 {
		return Config{}, fmt.Errorf("VOICEBOOK_RELAY_BURST_SECONDS must be >= 1 when relay limits are enabled")
	}
	if cfg.RelayHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEBOOK_RELAY_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.RelayWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEBOOK_RELAY_WRITE_TIMEOUT must be > 0")
	}
	if cfg.RelayPingInterval <= 0 {
		return Config{}, fmt.Errorf("VOICEBOOK_RELAY_PING_INTERVAL must be > 0")
	}
	if cfg.RelayMaxSessionDuration <= 0 {
		return Config{}, fmt.Errorf("VOICEBOOK_RELAY_MAX_DURATION must be > 0")
	}
	if cfg.RelayMaxSessions < 0 {
		return Config{}, fmt.Errorf("VOICEBOOK_RELAY_MAX_SESSIONS must be >= 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEBOOK_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEBOOK_READ_TIMEOUT must be > 0")
	}
	if cfg.HandlerTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEBOOK_HANDLER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VOICEBOOK_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
