package protocol

import (
	"encoding/base64"
	"encoding/json"
)

// Client event types sent to the realtime endpoint.
const (
	TypeSessionUpdate            = "session.update"
	TypeInputAudioBufferAppend   = "input_audio_buffer.append"
	TypeInputAudioBufferCommit   = "input_audio_buffer.commit"
	TypeInputAudioBufferClear    = "input_audio_buffer.clear"
	TypeConversationItemCreate   = "conversation.item.create"
	TypeConversationItemTruncate = "conversation.item.truncate"
	TypeConversationItemDelete   = "conversation.item.delete"
	TypeResponseCreate           = "response.create"
	TypeResponseCancel           = "response.cancel"
)

// Item types and content part types shared by client and server events.
const (
	ItemTypeMessage            = "message"
	ItemTypeFunctionCall       = "function_call"
	ItemTypeFunctionCallOutput = "function_call_output"

	PartInputText  = "input_text"
	PartInputAudio = "input_audio"
	PartText       = "text"
	PartAudio      = "audio"

	TurnDetectionServerVAD = "server_vad"
)

// TurnDetection configures server-side voice activity detection. A nil value in SessionConfig
// disables it (manual turns).
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMS int     `json:"silence_duration_ms,omitempty"`
}

type InputAudioTranscription struct {
	Model string `json:"model"`
}

type ToolDefinition struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type SessionConfig struct {
	Modalities              []string                 `json:"modalities,omitempty"`
	Instructions            string                   `json:"instructions,omitempty"`
	Voice                   string                   `json:"voice,omitempty"`
	InputAudioFormat        string                   `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string                   `json:"output_audio_format,omitempty"`
	InputAudioTranscription *InputAudioTranscription `json:"input_audio_transcription,omitempty"`
	// Always serialized: null switches the endpoint to manual turns.
	TurnDetection *TurnDetection   `json:"turn_detection"`
	Tools         []ToolDefinition `json:"tools,omitempty"`
	ToolChoice    string           `json:"tool_choice,omitempty"`
}

type ContentPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Audio      string `json:"audio,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

type Item struct {
	ID        string        `json:"id,omitempty"`
	Object    string        `json:"object,omitempty"`
	Type      string        `json:"type"`
	Status    string        `json:"status,omitempty"`
	Role      string        `json:"role,omitempty"`
	Content   []ContentPart `json:"content,omitempty"`
	CallID    string        `json:"call_id,omitempty"`
	Name      string        `json:"name,omitempty"`
	Arguments string        `json:"arguments,omitempty"`
	Output    string        `json:"output,omitempty"`
}

type SessionUpdate struct {
	EventID string        `json:"event_id,omitempty"`
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

type InputAudioBufferAppend struct {
	EventID string `json:"event_id,omitempty"`
	Type    string `json:"type"`
	Audio   string `json:"audio"`
}

type InputAudioBufferCommit struct {
	EventID string `json:"event_id,omitempty"`
	Type    string `json:"type"`
}

type ConversationItemCreate struct {
	EventID        string `json:"event_id,omitempty"`
	Type           string `json:"type"`
	PreviousItemID string `json:"previous_item_id,omitempty"`
	Item           Item   `json:"item"`
}

type ConversationItemTruncate struct {
	EventID      string `json:"event_id,omitempty"`
	Type         string `json:"type"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMS   int    `json:"audio_end_ms"`
}

type ConversationItemDelete struct {
	EventID string `json:"event_id,omitempty"`
	Type    string `json:"type"`
	ItemID  string `json:"item_id"`
}

type ResponseCreate struct {
	EventID string `json:"event_id,omitempty"`
	Type    string `json:"type"`
}

type ResponseCancel struct {
	EventID    string `json:"event_id,omitempty"`
	Type       string `json:"type"`
	ResponseID string `json:"response_id,omitempty"`
}

func NewSessionUpdate(cfg SessionConfig) SessionUpdate {
	return SessionUpdate{Type: TypeSessionUpdate, Session: cfg}
}

// NewInputAudioBufferAppend base64-encodes a PCM16 frame.
func NewInputAudioBufferAppend(pcm []byte) InputAudioBufferAppend {
	return InputAudioBufferAppend{Type: TypeInputAudioBufferAppend, Audio: base64.StdEncoding.EncodeToString(pcm)}
}

func NewInputAudioBufferCommit() InputAudioBufferCommit {
	return InputAudioBufferCommit{Type: TypeInputAudioBufferCommit}
}

func NewConversationItemCreate(item Item) ConversationItemCreate {
	return ConversationItemCreate{Type: TypeConversationItemCreate, Item: item}
}

func NewConversationItemTruncate(itemID string, contentIndex, audioEndMS int) ConversationItemTruncate {
	return ConversationItemTruncate{
		Type:         TypeConversationItemTruncate,
		ItemID:       itemID,
		ContentIndex: contentIndex,
		AudioEndMS:   audioEndMS,
	}
}

func NewConversationItemDelete(itemID string) ConversationItemDelete {
	return ConversationItemDelete{Type: TypeConversationItemDelete, ItemID: itemID}
}

func NewResponseCreate() ResponseCreate {
	return ResponseCreate{Type: TypeResponseCreate}
}

func NewResponseCancel(responseID string) ResponseCancel {
	return ResponseCancel{Type: TypeResponseCancel, ResponseID: responseID}
}

// EncodeClientEvent marshals a client event. The event type is returned alongside the payload so
// callers can record it without decoding the JSON again.
func EncodeClientEvent(ev any) (string, []byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", nil, err
	}
	return clientEventType(ev), data, nil
}

func clientEventType(ev any) string {
	switch e := ev.(type) {
	case SessionUpdate:
		return e.Type
	case InputAudioBufferAppend:
		return e.Type
	case InputAudioBufferCommit:
		return e.Type
	case ConversationItemCreate:
		return e.Type
	case ConversationItemTruncate:
		return e.Type
	case ConversationItemDelete:
		return e.Type
	case ResponseCreate:
		return e.Type
	case ResponseCancel:
		return e.Type
	default:
		return ""
	}
}

// SamplesToMS converts a sample count to whole milliseconds, rounding down.
func SamplesToMS(samples, sampleRateHz int) int {
	if samples <= 0 || sampleRateHz <= 0 {
		return 0
	}
	return int(int64(samples) * 1000 / int64(sampleRateHz))
}

// MSToSamples converts milliseconds to a sample count.
func MSToSamples(ms, sampleRateHz int) int {
	if ms <= 0 || sampleRateHz <= 0 {
		return 0
	}
	return int(int64(ms) * int64(sampleRateHz) / 1000)
}
