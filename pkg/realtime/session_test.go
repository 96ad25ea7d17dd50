package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/voicebook/pkg/core"
	"github.com/vango-go/voicebook/pkg/realtime/protocol"
	"github.com/vango-go/voicebook/pkg/realtime/tools"
	"github.com/vango-go/voicebook/pkg/realtime/transcript"
)

type clientMsg struct {
	Type string
	Raw  map[string]any
}

type fakeConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *fakeConn) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *fakeConn) sendRaw(data string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.WriteMessage(websocket.TextMessage, []byte(data))
}

// fakeUpstream is a scripted realtime endpoint. onMessage runs on the server read goroutine.
type fakeUpstream struct {
	srv       *httptest.Server
	onMessage func(c *fakeConn, msg clientMsg)

	mu       sync.Mutex
	received []clientMsg
	conns    []*fakeConn
	headers  []http.Header
	queries  []string
}

func newFakeUpstream(t *testing.T, onMessage func(c *fakeConn, msg clientMsg)) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{onMessage: onMessage}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fc := &fakeConn{ws: ws}
		f.mu.Lock()
		f.conns = append(f.conns, fc)
		f.headers = append(f.headers, r.Header.Clone())
		f.queries = append(f.queries, r.URL.RawQuery)
		f.mu.Unlock()
		defer ws.Close()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var raw map[string]any
			if err := json.Unmarshal(data, &raw); err != nil {
				continue
			}
			typ, _ := raw["type"].(string)
			msg := clientMsg{Type: typ, Raw: raw}
			f.mu.Lock()
			f.received = append(f.received, msg)
			f.mu.Unlock()
			if f.onMessage != nil {
				f.onMessage(fc, msg)
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeUpstream) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeUpstream) messages(typ string) []clientMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []clientMsg
	for _, m := range f.received {
		if typ == "" || m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeUpstream) conn(t *testing.T) *fakeConn {
	t.Helper()
	waitFor(t, "upstream connection", func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.conns) > 0
	})
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[len(f.conns)-1]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestSession(t *testing.T, opts Options) *Session {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := New(opts)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func audioDelta(itemID string, samples int) map[string]any {
	return map[string]any{
		"type":          protocol.TypeResponseAudioDelta,
		"response_id":   "resp_1",
		"item_id":       itemID,
		"output_index":  0,
		"content_index": 0,
		"delta":         base64.StdEncoding.EncodeToString(make([]byte, samples*2)),
	}
}

func assistantItem(id, status string) map[string]any {
	return map[string]any{"id": id, "type": "message", "role": "assistant", "status": status}
}

func TestAppendInputAudio_DisconnectedIsSilent(t *testing.T) {
	s := newTestSession(t, Options{})
	var mu sync.Mutex
	var errs []*core.Error
	s.OnError(func(err *core.Error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})

	for i := 0; i < 10; i++ {
		s.AppendInputAudio(make([]byte, 480))
	}
	if got := s.State(); got != Disconnected {
		t.Fatalf("state=%s, want disconnected", got)
	}
	if got := s.TurnState(); got != TurnIdle {
		t.Fatalf("turn=%s, want idle", got)
	}
	_ = s.Close()
	mu.Lock()
	defer mu.Unlock()
	if len(errs) != 0 {
		t.Fatalf("errors=%v, want none", errs)
	}
}

func TestConnect_FailureIsConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := newTestSession(t, Options{})
	err := s.Connect(context.Background(), srv.URL)
	if !core.IsType(err, core.ErrConnection) {
		t.Fatalf("Connect() error = %v, want connection_error", err)
	}
	if s.State() != Disconnected {
		t.Fatalf("state=%s", s.State())
	}
}

func TestConnect_SendsSessionUpdateAndIsIdempotent(t *testing.T) {
	up := newFakeUpstream(t, nil)
	d := tools.NewDispatcher(nil)
	_ = d.Register("echo", tools.Schema{Description: "echo"}, func(ctx context.Context, args map[string]any) (any, error) { return args, nil })
	s := newTestSession(t, Options{Tools: d, APIKey: "sk-test", Model: "gpt-4o-realtime-preview"})
	if err := s.UpdateSession(SessionOptions{Instructions: "be brief", TurnDetection: TurnDetectionManual}); err != nil {
		t.Fatalf("UpdateSession() error = %v", err)
	}

	if err := s.Connect(context.Background(), up.url()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := s.Connect(context.Background(), up.url()); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	waitFor(t, "session.update", func() bool { return len(up.messages(protocol.TypeSessionUpdate)) == 1 })

	msg := up.messages(protocol.TypeSessionUpdate)[0]
	sess, _ := msg.Raw["session"].(map[string]any)
	if sess["instructions"] != "be brief" {
		t.Fatalf("instructions=%v", sess["instructions"])
	}
	if v, ok := sess["turn_detection"]; !ok || v != nil {
		t.Fatalf("turn_detection=%v present=%v, want explicit null", v, ok)
	}
	toolsList, _ := sess["tools"].([]any)
	if len(toolsList) != 1 {
		t.Fatalf("tools=%v", sess["tools"])
	}

	up.mu.Lock()
	hdr := up.headers[0]
	query := up.queries[0]
	nconns := len(up.conns)
	up.mu.Unlock()
	if nconns != 1 {
		t.Fatalf("connections=%d, want 1", nconns)
	}
	if hdr.Get("Authorization") != "Bearer sk-test" || hdr.Get("OpenAI-Beta") != "realtime=v1" {
		t.Fatalf("headers=%v", hdr)
	}
	if !strings.Contains(query, "model=gpt-4o-realtime-preview") {
		t.Fatalf("query=%q", query)
	}
}

func TestCreateResponse_TwiceYieldsOneInvalidState(t *testing.T) {
	up := newFakeUpstream(t, func(c *fakeConn, msg clientMsg) {
		if msg.Type == protocol.TypeResponseCreate {
			c.send(map[string]any{"type": protocol.TypeResponseCreated, "response": map[string]any{"id": "resp_1", "status": "in_progress"}})
			c.send(map[string]any{"type": protocol.TypeResponseOutputItemAdded, "response_id": "resp_1", "item": assistantItem("item_a", "in_progress")})
		}
	})
	s := newTestSession(t, Options{})
	if err := s.Connect(context.Background(), up.url()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := s.CreateResponse(); err != nil {
		t.Fatalf("first CreateResponse() error = %v", err)
	}
	err := s.CreateResponse()
	if !core.IsType(err, core.ErrInvalidState) {
		t.Fatalf("second CreateResponse() error = %v, want invalid_state_error", err)
	}

	waitFor(t, "assistant item", func() bool { return len(s.Transcript().InProgress(transcript.RoleAssistant)) == 1 })
	time.Sleep(50 * time.Millisecond)
	if n := len(up.messages(protocol.TypeResponseCreate)); n != 1 {
		t.Fatalf("response.create sent %d times, want 1", n)
	}
	if n := len(s.Transcript().InProgress(transcript.RoleAssistant)); n != 1 {
		t.Fatalf("in-progress assistant items=%d, want 1", n)
	}
}

func TestCreateResponse_RequiresConnection(t *testing.T) {
	s := newTestSession(t, Options{})
	if err := s.CreateResponse(); !core.IsType(err, core.ErrInvalidState) {
		t.Fatalf("CreateResponse() error = %v", err)
	}
	if err := s.SendUserMessageContent([]protocol.ContentPart{{Type: protocol.PartInputText, Text: "hi"}}); !core.IsType(err, core.ErrInvalidState) {
		t.Fatalf("SendUserMessageContent() error = %v", err)
	}
}

func TestCancelResponse_TruncatesAtPlayedOffset(t *testing.T) {
	const (
		enqueued = 4800 // N
		played   = 1200 // M
	)
	up := newFakeUpstream(t, func(c *fakeConn, msg clientMsg) {
		if msg.Type == protocol.TypeResponseCreate {
			c.send(map[string]any{"type": protocol.TypeResponseCreated, "response": map[string]any{"id": "resp_1"}})
			c.send(map[string]any{"type": protocol.TypeResponseOutputItemAdded, "response_id": "resp_1", "item": assistantItem("item_a", "in_progress")})
			c.send(audioDelta("item_a", enqueued/2))
			c.send(audioDelta("item_a", enqueued/2))
		}
	})
	s := newTestSession(t, Options{})
	if err := s.Connect(context.Background(), up.url()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := s.CreateResponse(); err != nil {
		t.Fatalf("CreateResponse() error = %v", err)
	}
	waitFor(t, "audio", func() bool {
		it, ok := s.Transcript().Get("item_a")
		return ok && it.Samples() == enqueued
	})

	if err := s.CancelResponse("item_a", played); err != nil {
		t.Fatalf("CancelResponse() error = %v", err)
	}
	if s.TurnState() != TurnInterrupted {
		t.Fatalf("turn=%s, want interrupted", s.TurnState())
	}
	waitFor(t, "truncate", func() bool { return len(up.messages(protocol.TypeConversationItemTruncate)) == 1 })

	if n := len(up.messages(protocol.TypeResponseCancel)); n != 1 {
		t.Fatalf("response.cancel sent %d times", n)
	}
	trunc := up.messages(protocol.TypeConversationItemTruncate)[0]
	if trunc.Raw["item_id"] != "item_a" {
		t.Fatalf("item_id=%v", trunc.Raw["item_id"])
	}
	if got := int(trunc.Raw["audio_end_ms"].(float64)); got != played*1000/DefaultSampleRateHz {
		t.Fatalf("audio_end_ms=%d, want %d", got, played*1000/DefaultSampleRateHz)
	}

	// Late audio for the cancelled track is not accepted.
	up.conn(t).send(audioDelta("item_a", 960))
	up.conn(t).send(map[string]any{"type": protocol.TypeResponseDone, "response": map[string]any{"id": "resp_1", "status": "cancelled"}})
	time.Sleep(100 * time.Millisecond)
	it, _ := s.Transcript().Get("item_a")
	if it.Samples() != played {
		t.Fatalf("samples after cancel=%d, want %d", it.Samples(), played)
	}
	if it.Status != transcript.StatusCompleted {
		t.Fatalf("status=%s", it.Status)
	}
}

func TestCancelResponse_ClampsToReceived(t *testing.T) {
	up := newFakeUpstream(t, func(c *fakeConn, msg clientMsg) {
		if msg.Type == protocol.TypeResponseCreate {
			c.send(map[string]any{"type": protocol.TypeResponseOutputItemAdded, "response_id": "resp_1", "item": assistantItem("item_b", "in_progress")})
			c.send(audioDelta("item_b", 240))
		}
	})
	s := newTestSession(t, Options{})
	if err := s.Connect(context.Background(), up.url()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	_ = s.CreateResponse()
	waitFor(t, "audio", func() bool {
		it, ok := s.Transcript().Get("item_b")
		return ok && it.Samples() == 240
	})
	if err := s.CancelResponse("item_b", 100000); err != nil {
		t.Fatalf("CancelResponse() error = %v", err)
	}
	waitFor(t, "truncate", func() bool { return len(up.messages(protocol.TypeConversationItemTruncate)) == 1 })
	trunc := up.messages(protocol.TypeConversationItemTruncate)[0]
	if got := int(trunc.Raw["audio_end_ms"].(float64)); got != 10 {
		t.Fatalf("audio_end_ms=%d, want 10", got)
	}
}

func TestCancelResponse_DisconnectedIsNoop(t *testing.T) {
	s := newTestSession(t, Options{})
	if err := s.CancelResponse("item_a", 100); err != nil {
		t.Fatalf("CancelResponse() error = %v", err)
	}
	if err := s.CancelResponse("", 0); err != nil {
		t.Fatalf("CancelResponse(\"\") error = %v", err)
	}
	if s.TurnState() != TurnIdle {
		t.Fatalf("turn=%s, want idle", s.TurnState())
	}
}

func TestDeleteItem_RemovesLocallyAndUpstream(t *testing.T) {
	up := newFakeUpstream(t, func(c *fakeConn, msg clientMsg) {
		if msg.Type == protocol.TypeResponseCreate {
			c.send(map[string]any{"type": protocol.TypeResponseOutputItemAdded, "response_id": "resp_1", "item": assistantItem("item_a", "in_progress")})
			c.send(audioDelta("item_a", 480))
		}
	})
	s := newTestSession(t, Options{})
	if err := s.Connect(context.Background(), up.url()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := s.CreateResponse(); err != nil {
		t.Fatalf("CreateResponse() error = %v", err)
	}
	waitFor(t, "audio", func() bool {
		it, ok := s.Transcript().Get("item_a")
		return ok && it.Samples() == 480
	})

	if err := s.DeleteItem(" "); !core.IsType(err, core.ErrInvalidRequest) {
		t.Fatalf("DeleteItem(blank) error = %v", err)
	}
	if err := s.DeleteItem("item_a"); err != nil {
		t.Fatalf("DeleteItem() error = %v", err)
	}
	waitFor(t, "conversation.item.delete", func() bool { return len(up.messages(protocol.TypeConversationItemDelete)) == 1 })
	if id := up.messages(protocol.TypeConversationItemDelete)[0].Raw["item_id"]; id != "item_a" {
		t.Fatalf("item_id=%v", id)
	}
	if _, ok := s.Transcript().Get("item_a"); ok {
		t.Fatalf("item_a still in transcript")
	}
	for _, it := range s.Transcript().Items() {
		if it.ID == "item_a" {
			t.Fatalf("item_a still listed")
		}
	}
	s.mu.Lock()
	_, tracked := s.received["item_a"]
	s.mu.Unlock()
	if tracked {
		t.Fatalf("received-sample counter kept for deleted item")
	}

	// A deleted track has nothing left to truncate.
	if err := s.CancelResponse("item_a", 100); err != nil {
		t.Fatalf("CancelResponse() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(up.messages(protocol.TypeConversationItemTruncate)); n != 0 {
		t.Fatalf("conversation.item.truncate sent %d times", n)
	}
}

func TestDeleteItem_RequiresConnection(t *testing.T) {
	s := newTestSession(t, Options{})
	if err := s.DeleteItem("item_a"); !core.IsType(err, core.ErrInvalidState) {
		t.Fatalf("DeleteItem() error = %v", err)
	}
}

func TestUpdateSession_DuringGenerationKeepsTurn(t *testing.T) {
	up := newFakeUpstream(t, func(c *fakeConn, msg clientMsg) {
		if msg.Type == protocol.TypeResponseCreate {
			c.send(map[string]any{"type": protocol.TypeResponseCreated, "response": map[string]any{"id": "resp_1", "status": "in_progress"}})
		}
	})
	s := newTestSession(t, Options{})
	if err := s.Connect(context.Background(), up.url()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := s.CreateResponse(); err != nil {
		t.Fatalf("CreateResponse() error = %v", err)
	}
	waitFor(t, "response.create", func() bool { return len(up.messages(protocol.TypeResponseCreate)) == 1 })

	if err := s.UpdateSession(SessionOptions{Instructions: "slower please"}); err != nil {
		t.Fatalf("UpdateSession() error = %v", err)
	}
	waitFor(t, "session.update", func() bool { return len(up.messages(protocol.TypeSessionUpdate)) == 2 })
	time.Sleep(50 * time.Millisecond)
	if s.TurnState() != TurnGenerating {
		t.Fatalf("turn=%s, want generating", s.TurnState())
	}
	if n := len(up.messages(protocol.TypeResponseCancel)); n != 0 {
		t.Fatalf("response.cancel sent %d times, want 0", n)
	}
	if err := s.CreateResponse(); !core.IsType(err, core.ErrInvalidState) {
		t.Fatalf("CreateResponse() during generation error = %v", err)
	}
}

func TestReset_ClearsStateForNextConnect(t *testing.T) {
	up := newFakeUpstream(t, func(c *fakeConn, msg clientMsg) {
		if msg.Type == protocol.TypeResponseCreate {
			c.send(map[string]any{"type": protocol.TypeResponseOutputItemAdded, "response_id": "resp_1", "item": assistantItem("item_a", "in_progress")})
			c.send(audioDelta("item_a", 240))
		}
	})
	d := tools.NewDispatcher(nil)
	_ = d.Register("echo", tools.Schema{Description: "echo"}, func(ctx context.Context, args map[string]any) (any, error) { return args, nil })
	s := newTestSession(t, Options{Tools: d})
	if err := s.UpdateSession(SessionOptions{Instructions: "interviewer", TurnDetection: TurnDetectionServerVAD}); err != nil {
		t.Fatalf("UpdateSession() error = %v", err)
	}
	if err := s.Connect(context.Background(), up.url()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := s.CreateResponse(); err != nil {
		t.Fatalf("CreateResponse() error = %v", err)
	}
	waitFor(t, "audio", func() bool {
		it, ok := s.Transcript().Get("item_a")
		return ok && it.Samples() == 240
	})

	if err := s.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if s.State() != Disconnected {
		t.Fatalf("state=%s, want disconnected", s.State())
	}
	if n := len(s.Transcript().Items()); n != 0 {
		t.Fatalf("transcript items=%d, want 0", n)
	}
	if n := len(s.Tools().Definitions()); n != 0 {
		t.Fatalf("tools=%d, want 0", n)
	}
	opts := s.SessionOptions()
	if opts.Instructions != "" || opts.TurnDetection != TurnDetectionManual {
		t.Fatalf("session options=%+v, want defaults", opts)
	}
	s.mu.Lock()
	counters := len(s.received)
	s.mu.Unlock()
	if counters != 0 {
		t.Fatalf("received-sample counters=%d, want 0", counters)
	}

	if err := s.Connect(context.Background(), up.url()); err != nil {
		t.Fatalf("reconnect error = %v", err)
	}
	waitFor(t, "second session.update", func() bool { return len(up.messages(protocol.TypeSessionUpdate)) == 2 })
	sess, _ := up.messages(protocol.TypeSessionUpdate)[1].Raw["session"].(map[string]any)
	if toolsList, _ := sess["tools"].([]any); len(toolsList) != 0 {
		t.Fatalf("tools after reset=%v", sess["tools"])
	}
	if sess["instructions"] != nil && sess["instructions"] != "" {
		t.Fatalf("instructions after reset=%v", sess["instructions"])
	}
}

func TestTransportLoss_ReportsOnce(t *testing.T) {
	up := newFakeUpstream(t, nil)
	s := newTestSession(t, Options{})

	var mu sync.Mutex
	var errs []*core.Error
	s.OnError(func(err *core.Error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})
	if err := s.Connect(context.Background(), up.url()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := s.CreateResponse(); err != nil {
		t.Fatalf("CreateResponse() error = %v", err)
	}

	c := up.conn(t)
	c.mu.Lock()
	_ = c.ws.UnderlyingConn().Close()
	c.mu.Unlock()

	waitFor(t, "disconnect", func() bool { return s.State() == Disconnected })
	waitFor(t, "error", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(errs) > 0
	})
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(errs) != 1 || errs[0].Type != core.ErrConnection {
		t.Fatalf("errors=%v, want exactly one connection_error", errs)
	}
	if s.TurnState() != TurnIdle {
		t.Fatalf("turn=%s, want idle", s.TurnState())
	}
}

func TestDisconnect_DoesNotReportError(t *testing.T) {
	up := newFakeUpstream(t, nil)
	s := newTestSession(t, Options{})
	var mu sync.Mutex
	var errs int
	var states []ConnState
	s.OnError(func(*core.Error) { mu.Lock(); errs++; mu.Unlock() })
	s.OnStateChanged(func(st ConnState) { mu.Lock(); states = append(states, st); mu.Unlock() })

	if err := s.Connect(context.Background(), up.url()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := s.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if s.State() != Disconnected {
		t.Fatalf("state=%s", s.State())
	}
	_ = s.Close()

	mu.Lock()
	defer mu.Unlock()
	if errs != 0 {
		t.Fatalf("errors=%d", errs)
	}
	want := []ConnState{Connecting, Connected, Closing, Disconnected}
	if len(states) != len(want) {
		t.Fatalf("states=%v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states=%v, want %v", states, want)
		}
	}
}

func TestMalformedMessageIsDropped(t *testing.T) {
	up := newFakeUpstream(t, nil)
	s := newTestSession(t, Options{})
	var mu sync.Mutex
	var errs int
	s.OnError(func(*core.Error) { mu.Lock(); errs++; mu.Unlock() })
	if err := s.Connect(context.Background(), up.url()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	c := up.conn(t)
	c.sendRaw(`{not json`)
	c.sendRaw(`{"type":"response.audio.delta","item_id":"x","delta":"AAA"}`)
	c.send(map[string]any{"type": protocol.TypeConversationItemCreated, "item": assistantItem("item_ok", "completed")})

	waitFor(t, "valid item after malformed ones", func() bool {
		_, ok := s.Transcript().Get("item_ok")
		return ok
	})
	if s.State() != Connected {
		t.Fatalf("state=%s, want connected", s.State())
	}
	mu.Lock()
	defer mu.Unlock()
	if errs != 0 {
		t.Fatalf("errors=%d, want 0", errs)
	}
}

func TestSpeechStartedFiresInterrupted(t *testing.T) {
	up := newFakeUpstream(t, nil)
	s := newTestSession(t, Options{})
	fired := make(chan struct{}, 1)
	s.OnConversationInterrupted(func() { fired <- struct{}{} })
	if err := s.Connect(context.Background(), up.url()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	up.conn(t).send(map[string]any{"type": protocol.TypeInputAudioBufferSpeechStarted, "audio_start_ms": 10, "item_id": "item_u"})
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatalf("OnConversationInterrupted not called")
	}
}

func TestToolCall_MissingArgumentPostsErrorAndDefersResponse(t *testing.T) {
	var once sync.Once
	up := newFakeUpstream(t, func(c *fakeConn, msg clientMsg) {
		if msg.Type != protocol.TypeResponseCreate {
			return
		}
		once.Do(func() {
			c.send(map[string]any{"type": protocol.TypeResponseCreated, "response": map[string]any{"id": "resp_1"}})
			c.send(map[string]any{
				"type":         protocol.TypeResponseOutputItemAdded,
				"response_id":  "resp_1",
				"output_index": 0,
				"item":         map[string]any{"id": "item_fc", "type": "function_call", "status": "in_progress", "name": "echo", "call_id": "call_9"},
			})
			c.send(map[string]any{
				"type":        protocol.TypeResponseFunctionCallArgsDone,
				"response_id": "resp_1",
				"item_id":     "item_fc",
				"call_id":     "call_9",
				"name":        "echo",
				"arguments":   "{}",
			})
		})
	})

	d := tools.NewDispatcher(nil)
	called := make(chan struct{}, 1)
	_ = d.Register("echo", tools.Schema{Parameters: map[string]any{
		"type":       "object",
		"properties": map[string]any{"text": map[string]any{"type": "string"}},
		"required":   []any{"text"},
	}}, func(ctx context.Context, args map[string]any) (any, error) {
		called <- struct{}{}
		return args, nil
	})

	s := newTestSession(t, Options{Tools: d})
	if err := s.Connect(context.Background(), up.url()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := s.CreateResponse(); err != nil {
		t.Fatalf("CreateResponse() error = %v", err)
	}

	waitFor(t, "function_call_output", func() bool { return len(up.messages(protocol.TypeConversationItemCreate)) == 1 })
	out := up.messages(protocol.TypeConversationItemCreate)[0]
	item, _ := out.Raw["item"].(map[string]any)
	if item["type"] != protocol.ItemTypeFunctionCallOutput || item["call_id"] != "call_9" {
		t.Fatalf("item=%v", item)
	}
	if output, _ := item["output"].(string); !strings.Contains(output, "error") {
		t.Fatalf("output=%q", output)
	}

	// Still generating: the follow-up response waits for response.done.
	time.Sleep(50 * time.Millisecond)
	if n := len(up.messages(protocol.TypeResponseCreate)); n != 1 {
		t.Fatalf("response.create count=%d before response.done", n)
	}
	up.conn(t).send(map[string]any{"type": protocol.TypeResponseDone, "response": map[string]any{"id": "resp_1", "status": "completed"}})
	waitFor(t, "follow-up response.create", func() bool { return len(up.messages(protocol.TypeResponseCreate)) == 2 })

	select {
	case <-called:
		t.Fatalf("handler invoked for a call with a missing argument")
	default:
	}
}

func TestEndToEnd_GreetingAudioAndReply(t *testing.T) {
	up := newFakeUpstream(t, func(c *fakeConn, msg clientMsg) {
		switch msg.Type {
		case protocol.TypeSessionUpdate:
			c.send(map[string]any{"type": protocol.TypeSessionUpdated, "session": map[string]any{"id": "sess_1"}})
		case protocol.TypeConversationItemCreate:
			item, _ := msg.Raw["item"].(map[string]any)
			item["id"] = "item_user"
			item["status"] = "completed"
			c.send(map[string]any{"type": protocol.TypeConversationItemCreated, "item": item})
		case protocol.TypeInputAudioBufferCommit:
			c.send(map[string]any{"type": protocol.TypeInputAudioBufferCommitted, "item_id": "item_audio"})
		case protocol.TypeResponseCreate:
			c.send(map[string]any{"type": protocol.TypeResponseCreated, "response": map[string]any{"id": "resp_1", "status": "in_progress"}})
			c.send(map[string]any{"type": protocol.TypeResponseOutputItemAdded, "response_id": "resp_1", "item": assistantItem("item_reply", "in_progress")})
			c.send(audioDelta("item_reply", 480))
			c.send(map[string]any{"type": protocol.TypeResponseAudioTranscriptDelta, "response_id": "resp_1", "item_id": "item_reply", "delta": "Hello there"})
			c.send(audioDelta("item_reply", 480))
			done := assistantItem("item_reply", "completed")
			done["content"] = []any{map[string]any{"type": "audio", "transcript": "Hello there"}}
			c.send(map[string]any{"type": protocol.TypeResponseOutputItemDone, "response_id": "resp_1", "item": done})
			c.send(map[string]any{"type": protocol.TypeResponseDone, "response": map[string]any{"id": "resp_1", "status": "completed"}})
		}
	})

	s := newTestSession(t, Options{})
	var mu sync.Mutex
	var replyStatuses []transcript.Status
	s.OnConversationUpdated(func(u ConversationUpdate) {
		if u.Item.ID != "item_reply" {
			return
		}
		mu.Lock()
		if n := len(replyStatuses); n == 0 || replyStatuses[n-1] != u.Item.Status {
			replyStatuses = append(replyStatuses, u.Item.Status)
		}
		mu.Unlock()
	})

	if err := s.Connect(context.Background(), up.url()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := s.SendUserMessageContent([]protocol.ContentPart{{Type: protocol.PartInputText, Text: "Hello!"}}); err != nil {
		t.Fatalf("SendUserMessageContent() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		s.AppendInputAudio(make([]byte, 960))
	}
	if s.TurnState() != TurnUser {
		t.Fatalf("turn=%s, want user_turn", s.TurnState())
	}
	if err := s.CreateResponse(); err != nil {
		t.Fatalf("CreateResponse() error = %v", err)
	}

	waitFor(t, "turn completed", func() bool { return s.TurnState() == TurnCompleted })
	waitFor(t, "reply completed", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(replyStatuses) > 0 && replyStatuses[len(replyStatuses)-1] == transcript.StatusCompleted
	})

	if n := len(up.messages(protocol.TypeInputAudioBufferAppend)); n != 3 {
		t.Fatalf("appends=%d, want 3", n)
	}
	if n := len(up.messages(protocol.TypeInputAudioBufferCommit)); n != 1 {
		t.Fatalf("commits=%d, want 1", n)
	}

	items := s.Transcript().Items()
	if len(items) != 2 {
		t.Fatalf("items=%d, want 2: %+v", len(items), items)
	}
	if items[0].ID != "item_user" || items[0].Role != transcript.RoleUser || items[0].Text != "Hello!" {
		t.Fatalf("first item=%+v", items[0])
	}
	reply := items[1]
	if reply.Role != transcript.RoleAssistant || reply.Status != transcript.StatusCompleted {
		t.Fatalf("reply=%+v", reply)
	}
	if reply.Samples() != 960 {
		t.Fatalf("reply samples=%d, want 960", reply.Samples())
	}
	if reply.Transcript != "Hello there" {
		t.Fatalf("reply transcript=%q", reply.Transcript)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(replyStatuses) != 2 || replyStatuses[0] != transcript.StatusInProgress {
		t.Fatalf("status transitions=%v, want [in_progress completed]", replyStatuses)
	}
	if got := s.Transcript().Format(); got != "user: Hello!\nassistant: Hello there\n" {
		t.Fatalf("Format()=%q", got)
	}
}

func TestEventLogRecordsBothDirections(t *testing.T) {
	up := newFakeUpstream(t, func(c *fakeConn, msg clientMsg) {
		if msg.Type == protocol.TypeSessionUpdate {
			c.send(map[string]any{"type": protocol.TypeSessionUpdated, "session": map[string]any{"id": "sess_1"}})
		}
	})
	s := newTestSession(t, Options{})
	if err := s.Connect(context.Background(), up.url()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitFor(t, "session.updated recorded", func() bool {
		for _, rec := range s.Events().Records() {
			if rec.Source == transcript.SourceServer && rec.Type == protocol.TypeSessionUpdated {
				return true
			}
		}
		return false
	})
	recs := s.Events().Records()
	if recs[0].Source != transcript.SourceClient || recs[0].Type != protocol.TypeSessionUpdate {
		t.Fatalf("first record=%+v", recs[0])
	}
}

func TestEndpointURL(t *testing.T) {
	got, err := endpointURL("http://localhost:8080/v1/realtime", "m1")
	if err != nil {
		t.Fatalf("endpointURL() error = %v", err)
	}
	if got != "ws://localhost:8080/v1/realtime?model=m1" {
		t.Fatalf("got %q", got)
	}
	got, _ = endpointURL("wss://api.example.com/v1/realtime?model=keep", "other")
	if got != "wss://api.example.com/v1/realtime?model=keep" {
		t.Fatalf("got %q", got)
	}
	if _, err := endpointURL("ftp://x", ""); err == nil {
		t.Fatalf("expected scheme error")
	}
}
