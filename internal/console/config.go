package console

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/vango-go/voicebook/pkg/realtime"
	"github.com/vango-go/voicebook/pkg/realtime/tools"
)

const DefaultInstructions = "You are a warm, patient interviewer helping the user tell their life story for a memoir. Ask one short question at a time and follow up on details."

type Config struct {
	// GatewayURL is the voicebook gateway serving /v1/realtime, /api/book and /api/state.
	GatewayURL string
	// RealtimeURL defaults to the gateway's /v1/realtime.
	RealtimeURL string
	// DirectAPIKey bypasses the relay; RealtimeURL must then point at the upstream endpoint.
	DirectAPIKey string
	Model        string

	Instructions       string
	Voice              string
	TranscriptionModel string
	TurnDetection      realtime.TurnDetection

	// StoreDSN defaults to the gateway's state endpoints.
	StoreDSN       string
	WeatherBaseURL string

	KafkaBrokers []string
	KafkaTopic   string

	DisableMic     bool
	DisableSpeaker bool
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		GatewayURL:         strings.TrimRight(envOr("VOICEBOOK_GATEWAY_URL", "http://localhost:8081"), "/"),
		RealtimeURL:        strings.TrimSpace(os.Getenv("VOICEBOOK_REALTIME_URL")),
		DirectAPIKey:       strings.TrimSpace(os.Getenv("VOICEBOOK_DIRECT_API_KEY")),
		Model:              strings.TrimSpace(os.Getenv("VOICEBOOK_REALTIME_MODEL")),
		Instructions:       envOr("VOICEBOOK_INSTRUCTIONS", DefaultInstructions),
		Voice:              envOr("VOICEBOOK_VOICE", "alloy"),
		TranscriptionModel: envOr("VOICEBOOK_TRANSCRIPTION_MODEL", "whisper-1"),
		StoreDSN:           strings.TrimSpace(os.Getenv("VOICEBOOK_CONSOLE_STORE")),
		WeatherBaseURL:     envOr("VOICEBOOK_WEATHER_URL", tools.DefaultWeatherBaseURL),
		KafkaBrokers:       splitCSV(os.Getenv("VOICEBOOK_KAFKA_BROKERS")),
		KafkaTopic:         envOr("VOICEBOOK_KAFKA_TOPIC", "voicebook.transcript"),
		DisableMic:         envBoolOr("VOICEBOOK_NO_MIC", false),
		DisableSpeaker:     envBoolOr("VOICEBOOK_NO_SPEAKER", false),
	}

	mode, ok := realtime.ParseTurnDetection(envOr("VOICEBOOK_TURN_DETECTION", string(realtime.TurnDetectionManual)))
	if !ok {
		return Config{}, fmt.Errorf("VOICEBOOK_TURN_DETECTION must be %q or %q", realtime.TurnDetectionManual, realtime.TurnDetectionServerVAD)
	}
	cfg.TurnDetection = mode

	gw, err := url.Parse(cfg.GatewayURL)
	if err != nil || (gw.Scheme != "http" && gw.Scheme != "https") || gw.Host == "" {
		return Config{}, fmt.Errorf("VOICEBOOK_GATEWAY_URL must be an http:// or https:// url")
	}
	if cfg.RealtimeURL == "" {
		if cfg.DirectAPIKey != "" {
			return Config{}, fmt.Errorf("VOICEBOOK_REALTIME_URL must be set when VOICEBOOK_DIRECT_API_KEY is set")
		}
		ws := *gw
		ws.Scheme = "ws"
		if gw.Scheme == "https" {
			ws.Scheme = "wss"
		}
		ws.Path = strings.TrimRight(gw.Path, "/") + "/v1/realtime"
		cfg.RealtimeURL = ws.String()
	}
	if cfg.StoreDSN == "" {
		cfg.StoreDSN = cfg.GatewayURL
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

func envBoolOr(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func splitCSV(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
