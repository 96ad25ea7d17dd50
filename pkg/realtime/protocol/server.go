package protocol

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/vango-go/voicebook/pkg/core"
)

// Server event types received from the realtime endpoint.
const (
	TypeError                            = "error"
	TypeSessionCreated                   = "session.created"
	TypeSessionUpdated                   = "session.updated"
	TypeConversationCreated              = "conversation.created"
	TypeConversationItemCreated          = "conversation.item.created"
	TypeConversationItemTruncated        = "conversation.item.truncated"
	TypeConversationItemDeleted          = "conversation.item.deleted"
	TypeInputAudioTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	TypeInputAudioTranscriptionFailed    = "conversation.item.input_audio_transcription.failed"
	TypeInputAudioBufferCommitted        = "input_audio_buffer.committed"
	TypeInputAudioBufferCleared          = "input_audio_buffer.cleared"
	TypeInputAudioBufferSpeechStarted    = "input_audio_buffer.speech_started"
	TypeInputAudioBufferSpeechStopped    = "input_audio_buffer.speech_stopped"
	TypeResponseCreated                  = "response.created"
	TypeResponseDone                     = "response.done"
	TypeResponseOutputItemAdded          = "response.output_item.added"
	TypeResponseOutputItemDone           = "response.output_item.done"
	TypeResponseContentPartAdded         = "response.content_part.added"
	TypeResponseContentPartDone          = "response.content_part.done"
	TypeResponseTextDelta                = "response.text.delta"
	TypeResponseTextDone                 = "response.text.done"
	TypeResponseAudioTranscriptDelta     = "response.audio_transcript.delta"
	TypeResponseAudioTranscriptDone      = "response.audio_transcript.done"
	TypeResponseAudioDelta               = "response.audio.delta"
	TypeResponseAudioDone                = "response.audio.done"
	TypeResponseFunctionCallArgsDelta    = "response.function_call_arguments.delta"
	TypeResponseFunctionCallArgsDone     = "response.function_call_arguments.done"
	TypeRateLimitsUpdated                = "rate_limits.updated"
)

// ServerEvent is a decoded inbound message. Payload holds one of the typed structs below, or nil
// for event types this package passes through without interpretation.
type ServerEvent struct {
	Type    string
	EventID string
	Payload any
}

type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
	EventID string `json:"event_id,omitempty"`
}

type ErrorEvent struct {
	Error ErrorDetail `json:"error"`
}

type SessionInfo struct {
	ID    string `json:"id"`
	Model string `json:"model,omitempty"`
}

type SessionCreated struct {
	Session SessionInfo `json:"session"`
}

type ConversationItemCreated struct {
	PreviousItemID string `json:"previous_item_id,omitempty"`
	Item           Item   `json:"item"`
}

type ConversationItemTruncated struct {
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMS   int    `json:"audio_end_ms"`
}

type ConversationItemDeleted struct {
	ItemID string `json:"item_id"`
}

type InputAudioTranscriptionCompleted struct {
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	Transcript   string `json:"transcript"`
}

type SpeechStarted struct {
	AudioStartMS int    `json:"audio_start_ms"`
	ItemID       string `json:"item_id"`
}

type SpeechStopped struct {
	AudioEndMS int    `json:"audio_end_ms"`
	ItemID     string `json:"item_id"`
}

type InputAudioBufferCommitted struct {
	PreviousItemID string `json:"previous_item_id,omitempty"`
	ItemID         string `json:"item_id"`
}

type Response struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
	Output []Item `json:"output,omitempty"`
}

type ResponseCreated struct {
	Response Response `json:"response"`
}

type ResponseDone struct {
	Response Response `json:"response"`
}

type OutputItemAdded struct {
	ResponseID  string `json:"response_id"`
	OutputIndex int    `json:"output_index"`
	Item        Item   `json:"item"`
}

type OutputItemDone struct {
	ResponseID  string `json:"response_id"`
	OutputIndex int    `json:"output_index"`
	Item        Item   `json:"item"`
}

// ResponseDelta covers the four streamed delta events. Kind is the event type; for audio deltas
// Audio holds the decoded PCM16 bytes and Delta is cleared.
type ResponseDelta struct {
	Kind         string `json:"-"`
	ResponseID   string `json:"response_id"`
	ItemID       string `json:"item_id"`
	OutputIndex  int    `json:"output_index"`
	ContentIndex int    `json:"content_index"`
	CallID       string `json:"call_id,omitempty"`
	Delta        string `json:"delta"`
	Audio        []byte `json:"-"`
}

type FunctionCallArgumentsDone struct {
	ResponseID  string `json:"response_id"`
	ItemID      string `json:"item_id"`
	OutputIndex int    `json:"output_index"`
	CallID      string `json:"call_id"`
	Name        string `json:"name,omitempty"`
	Arguments   string `json:"arguments"`
}

func badMessage(message, param string) *core.Error {
	e := core.NewProtocolError(message, param)
	e.Code = "bad_message"
	return e
}

// PeekType returns the "type" field of a message without decoding the rest.
func PeekType(data []byte) string {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return ""
	}
	return strings.TrimSpace(envelope.Type)
}

// DecodeServerEvent decodes one inbound message. Malformed messages return a protocol error; the
// caller drops them and keeps the connection.
func DecodeServerEvent(data []byte) (ServerEvent, error) {
	var envelope struct {
		Type    string `json:"type"`
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return ServerEvent{}, badMessage("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return ServerEvent{}, badMessage("missing type", "type")
	}
	ev := ServerEvent{Type: typ, EventID: envelope.EventID}

	var err error
	switch typ {
	case TypeError:
		var msg ErrorEvent
		if err = json.Unmarshal(data, &msg); err == nil {
			ev.Payload = msg
		}
	case TypeSessionCreated, TypeSessionUpdated:
		var msg SessionCreated
		if err = json.Unmarshal(data, &msg); err == nil {
			ev.Payload = msg
		}
	case TypeConversationItemCreated:
		var msg ConversationItemCreated
		if err = json.Unmarshal(data, &msg); err == nil {
			if strings.TrimSpace(msg.Item.ID) == "" {
				return ServerEvent{}, badMessage("conversation.item.created item.id is required", "item.id")
			}
			ev.Payload = msg
		}
	case TypeConversationItemTruncated:
		var msg ConversationItemTruncated
		if err = json.Unmarshal(data, &msg); err == nil {
			if msg.ItemID == "" {
				return ServerEvent{}, badMessage("conversation.item.truncated item_id is required", "item_id")
			}
			if msg.AudioEndMS < 0 {
				return ServerEvent{}, badMessage("audio_end_ms must be >= 0", "audio_end_ms")
			}
			ev.Payload = msg
		}
	case TypeConversationItemDeleted:
		var msg ConversationItemDeleted
		if err = json.Unmarshal(data, &msg); err == nil {
			ev.Payload = msg
		}
	case TypeInputAudioTranscriptionCompleted:
		var msg InputAudioTranscriptionCompleted
		if err = json.Unmarshal(data, &msg); err == nil {
			if msg.ItemID == "" {
				return ServerEvent{}, badMessage("transcription item_id is required", "item_id")
			}
			ev.Payload = msg
		}
	case TypeInputAudioBufferSpeechStarted:
		var msg SpeechStarted
		if err = json.Unmarshal(data, &msg); err == nil {
			ev.Payload = msg
		}
	case TypeInputAudioBufferSpeechStopped:
		var msg SpeechStopped
		if err = json.Unmarshal(data, &msg); err == nil {
			ev.Payload = msg
		}
	case TypeInputAudioBufferCommitted:
		var msg InputAudioBufferCommitted
		if err = json.Unmarshal(data, &msg); err == nil {
			ev.Payload = msg
		}
	case TypeResponseCreated:
		var msg ResponseCreated
		if err = json.Unmarshal(data, &msg); err == nil {
			ev.Payload = msg
		}
	case TypeResponseDone:
		var msg ResponseDone
		if err = json.Unmarshal(data, &msg); err == nil {
			ev.Payload = msg
		}
	case TypeResponseOutputItemAdded:
		var msg OutputItemAdded
		if err = json.Unmarshal(data, &msg); err == nil {
			if msg.Item.ID == "" {
				return ServerEvent{}, badMessage("output item id is required", "item.id")
			}
			ev.Payload = msg
		}
	case TypeResponseOutputItemDone:
		var msg OutputItemDone
		if err = json.Unmarshal(data, &msg); err == nil {
			if msg.Item.ID == "" {
				return ServerEvent{}, badMessage("output item id is required", "item.id")
			}
			ev.Payload = msg
		}
	case TypeResponseTextDelta, TypeResponseAudioTranscriptDelta, TypeResponseAudioDelta, TypeResponseFunctionCallArgsDelta:
		var msg ResponseDelta
		if err = json.Unmarshal(data, &msg); err == nil {
			if msg.ItemID == "" {
				return ServerEvent{}, badMessage(typ+" item_id is required", "item_id")
			}
			msg.Kind = typ
			if typ == TypeResponseAudioDelta {
				pcm, decErr := base64.StdEncoding.DecodeString(msg.Delta)
				if decErr != nil {
					return ServerEvent{}, badMessage("response.audio.delta is not valid base64", "delta")
				}
				if len(pcm)%2 != 0 {
					return ServerEvent{}, badMessage("response.audio.delta is not whole pcm16 samples", "delta")
				}
				msg.Audio = pcm
				msg.Delta = ""
			}
			ev.Payload = msg
		}
	case TypeResponseFunctionCallArgsDone:
		var msg FunctionCallArgumentsDone
		if err = json.Unmarshal(data, &msg); err == nil {
			if msg.CallID == "" {
				return ServerEvent{}, badMessage("function call call_id is required", "call_id")
			}
			ev.Payload = msg
		}
	default:
		// Known-but-uninterpreted and future event types pass through.
	}
	if err != nil {
		return ServerEvent{}, badMessage("invalid "+typ+" frame", "")
	}
	return ev, nil
}
