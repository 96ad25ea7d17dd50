package realtime

import (
	"strings"

	"github.com/gorilla/websocket"

	"github.com/vango-go/voicebook/pkg/core"
	"github.com/vango-go/voicebook/pkg/realtime/protocol"
	"github.com/vango-go/voicebook/pkg/realtime/tools"
	"github.com/vango-go/voicebook/pkg/realtime/transcript"
)

func (s *Session) readLoop(c *conn) {
	defer c.wg.Done()
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			s.fail(c, err)
			return
		}
		if mt != websocket.TextMessage {
			s.logger.Debug("ignoring non-text realtime message", "message_type", mt)
			continue
		}
		ev, err := protocol.DecodeServerEvent(data)
		if err != nil {
			s.logger.Warn("dropping malformed realtime message", "error", err)
			continue
		}
		rec := s.events.Record(transcript.SourceServer, ev.Type, data)
		s.queue.push(Event{Kind: EventRealtime, Record: rec})
		s.handleServerEvent(c, ev)
	}
}

func (s *Session) handleServerEvent(c *conn, ev protocol.ServerEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != c {
		return
	}

	switch p := ev.Payload.(type) {
	case protocol.ErrorEvent:
		s.logger.Warn("realtime upstream error", "type", p.Error.Type, "code", p.Error.Code, "message", p.Error.Message)
		s.queue.push(Event{Kind: EventError, Err: &core.Error{
			Type:    core.ErrUpstream,
			Message: p.Error.Message,
			Param:   p.Error.Param,
			Code:    p.Error.Code,
		}})

	case protocol.SessionCreated:
		s.logger.Info("realtime session ready", "upstream_session_id", p.Session.ID, "model", p.Session.Model)

	case protocol.ConversationItemCreated:
		s.upsertLocked(p.Item)

	case protocol.InputAudioBufferCommitted:
		s.pendingAudio = false

	case protocol.SpeechStarted:
		s.queue.push(Event{Kind: EventConversationInterrupted})

	case protocol.InputAudioTranscriptionCompleted:
		if it, ok := s.log.SetTranscript(p.ItemID, strings.TrimSpace(p.Transcript)); ok {
			s.queue.push(Event{Kind: EventConversationUpdated, Update: ConversationUpdate{Item: it}})
		}

	case protocol.ResponseCreated:
		if s.turn != TurnInterrupted {
			s.turn = TurnGenerating
		}
		s.responseID = p.Response.ID

	case protocol.OutputItemAdded:
		if s.canceled.has(p.Item.ID) {
			return
		}
		s.upsertLocked(p.Item)

	case protocol.ResponseDelta:
		s.applyDeltaLocked(p)

	case protocol.FunctionCallArgumentsDone:
		name := p.Name
		if name == "" {
			if it, ok := s.log.Get(p.ItemID); ok && it.Tool != nil {
				name = it.Tool.Name
			}
		}
		s.dispatchToolLocked(c, tools.Call{CallID: p.CallID, Name: name, Arguments: p.Arguments})

	case protocol.OutputItemDone:
		if !s.canceled.has(p.Item.ID) {
			s.upsertLocked(p.Item)
			if it, ok := s.log.Complete(p.Item.ID); ok {
				s.queue.push(Event{Kind: EventConversationUpdated, Update: ConversationUpdate{Item: it}})
			}
		}
		if p.Item.Type == protocol.ItemTypeFunctionCall && p.Item.CallID != "" {
			s.dispatchToolLocked(c, tools.Call{CallID: p.Item.CallID, Name: p.Item.Name, Arguments: p.Item.Arguments})
		}

	case protocol.ConversationItemDeleted:
		if s.log.Delete(p.ItemID) {
			delete(s.received, p.ItemID)
		}

	case protocol.ResponseDone:
		s.responseID = ""
		if s.turn == TurnGenerating {
			if p.Response.Status == "cancelled" {
				s.turn = TurnInterrupted
			} else {
				s.turn = TurnCompleted
			}
		}
		if s.followUp {
			s.followUp = false
			if err := s.sendLocked(c, protocol.NewResponseCreate(), false); err == nil {
				s.turn = TurnGenerating
			}
		}
	}
}

func (s *Session) upsertLocked(p protocol.Item) {
	it, _ := s.log.Upsert(itemFromProtocol(p))
	if it.ID != "" {
		s.queue.push(Event{Kind: EventConversationUpdated, Update: ConversationUpdate{Item: it}})
	}
}

func (s *Session) applyDeltaLocked(p protocol.ResponseDelta) {
	if s.canceled.has(p.ItemID) {
		return
	}
	var d transcript.Delta
	switch p.Kind {
	case protocol.TypeResponseAudioDelta:
		d.Audio = p.Audio
	case protocol.TypeResponseAudioTranscriptDelta:
		d.Transcript = p.Delta
	case protocol.TypeResponseTextDelta:
		d.Text = p.Delta
	case protocol.TypeResponseFunctionCallArgsDelta:
		d.Arguments = p.Delta
	}
	if d.Empty() {
		return
	}
	it, applied := s.log.ApplyDelta(p.ItemID, d)
	if !applied {
		return
	}
	if len(d.Audio) > 0 {
		s.received[p.ItemID] += len(d.Audio) / 2
	}
	s.queue.push(Event{Kind: EventConversationUpdated, Update: ConversationUpdate{Item: it, Delta: d}})
}

// dispatchToolLocked hands a call to the dispatcher. The result is posted as a function_call_output
// item followed by a response request, deferred to response.done while a response is generating.
func (s *Session) dispatchToolLocked(c *conn, call tools.Call) {
	s.tools.Dispatch(c.ctx, call, func(res tools.Result) {
		s.postToolResult(c, res)
	})
}

func (s *Session) postToolResult(c *conn, res tools.Result) {
	if res.Err != nil {
		s.logger.Warn("tool call failed", "tool", res.Name, "call_id", res.CallID, "error", res.Err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != c || s.state != Connected {
		s.logger.Debug("dropping tool result after disconnect", "call_id", res.CallID)
		return
	}
	item := protocol.Item{
		Type:   protocol.ItemTypeFunctionCallOutput,
		CallID: res.CallID,
		Output: res.Output,
	}
	if err := s.sendLocked(c, protocol.NewConversationItemCreate(item), false); err != nil {
		return
	}
	if s.turn == TurnGenerating {
		s.followUp = true
		return
	}
	if err := s.sendLocked(c, protocol.NewResponseCreate(), false); err == nil {
		s.turn = TurnGenerating
	}
}

func itemFromProtocol(p protocol.Item) transcript.Item {
	it := transcript.Item{
		ID:     p.ID,
		Type:   transcript.ItemType(p.Type),
		Status: transcript.Status(p.Status),
		Role:   transcript.Role(p.Role),
	}
	switch p.Type {
	case protocol.ItemTypeFunctionCall:
		it.Role = transcript.RoleTool
		it.Tool = &transcript.ToolCall{Name: p.Name, CallID: p.CallID, Arguments: p.Arguments}
	case protocol.ItemTypeFunctionCallOutput:
		it.Role = transcript.RoleTool
		it.Tool = &transcript.ToolCall{CallID: p.CallID, Output: p.Output}
	}
	var text, spoken []string
	for _, part := range p.Content {
		switch part.Type {
		case protocol.PartInputText, protocol.PartText:
			if part.Text != "" {
				text = append(text, part.Text)
			}
		case protocol.PartInputAudio, protocol.PartAudio:
			if part.Transcript != "" {
				spoken = append(spoken, part.Transcript)
			}
		}
	}
	it.Text = strings.Join(text, "\n")
	it.Transcript = strings.Join(spoken, "\n")
	return it
}
