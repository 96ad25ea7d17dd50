package realtime

import (
	"strings"

	"github.com/vango-go/voicebook/pkg/realtime/protocol"
)

// ConnState is the transport state of a Session.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Closing
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// TurnState tracks who holds the floor while connected.
type TurnState int

const (
	TurnIdle TurnState = iota
	TurnUser
	TurnGenerating
	TurnCompleted
	TurnInterrupted
)

func (s TurnState) String() string {
	switch s {
	case TurnIdle:
		return "idle"
	case TurnUser:
		return "user_turn"
	case TurnGenerating:
		return "generating"
	case TurnCompleted:
		return "completed"
	case TurnInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// TurnDetection selects who decides turn boundaries.
type TurnDetection string

const (
	TurnDetectionManual    TurnDetection = "manual"
	TurnDetectionServerVAD TurnDetection = "server_vad"
)

// ParseTurnDetection accepts "manual", "server_vad" and the alias "vad".
func ParseTurnDetection(v string) (TurnDetection, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "manual", "none", "push_to_talk":
		return TurnDetectionManual, true
	case "server_vad", "vad":
		return TurnDetectionServerVAD, true
	default:
		return "", false
	}
}

// SessionOptions is the configuration sent with session.update. Tools are taken from the session's
// dispatcher.
type SessionOptions struct {
	Instructions       string
	Voice              string
	Modalities         []string
	TranscriptionModel string
	TurnDetection      TurnDetection

	VADThreshold         float64
	VADPrefixPaddingMS   int
	VADSilenceDurationMS int
}

func (o SessionOptions) normalized() SessionOptions {
	if o.TurnDetection == "" {
		o.TurnDetection = TurnDetectionManual
	}
	if len(o.Modalities) == 0 {
		o.Modalities = []string{"text", "audio"}
	}
	o.Modalities = append([]string(nil), o.Modalities...)
	return o
}

func (o SessionOptions) config(tools []protocol.ToolDefinition) protocol.SessionConfig {
	cfg := protocol.SessionConfig{
		Modalities:        o.Modalities,
		Instructions:      o.Instructions,
		Voice:             o.Voice,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		Tools:             tools,
	}
	if m := strings.TrimSpace(o.TranscriptionModel); m != "" {
		cfg.InputAudioTranscription = &protocol.InputAudioTranscription{Model: m}
	}
	if o.TurnDetection == TurnDetectionServerVAD {
		cfg.TurnDetection = &protocol.TurnDetection{
			Type:              protocol.TurnDetectionServerVAD,
			Threshold:         o.VADThreshold,
			PrefixPaddingMS:   o.VADPrefixPaddingMS,
			SilenceDurationMS: o.VADSilenceDurationMS,
		}
	}
	if len(tools) > 0 {
		cfg.ToolChoice = "auto"
	}
	return cfg
}
