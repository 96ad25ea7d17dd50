package tools

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vango-go/voicebook/pkg/core"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type resultSink struct {
	mu      sync.Mutex
	results []Result
	ch      chan Result
}

func newResultSink() *resultSink {
	return &resultSink{ch: make(chan Result, 16)}
}

func (s *resultSink) post(r Result) {
	s.mu.Lock()
	s.results = append(s.results, r)
	s.mu.Unlock()
	s.ch <- r
}

func (s *resultSink) next(t *testing.T) Result {
	t.Helper()
	select {
	case r := <-s.ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for tool result")
		return Result{}
	}
}

var echoSchema = Schema{
	Description: "echo",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{"type": "string"},
		},
		"required": []any{"text"},
	},
}

func TestDispatch_MissingRequiredArgument(t *testing.T) {
	d := NewDispatcher(testLogger())
	var calls atomic.Int64
	if err := d.Register("echo", echoSchema, func(ctx context.Context, args map[string]any) (any, error) {
		calls.Add(1)
		return args, nil
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	sink := newResultSink()
	if !d.Dispatch(context.Background(), Call{CallID: "call_1", Name: "echo", Arguments: `{}`}, sink.post) {
		t.Fatalf("Dispatch() = false")
	}
	res := sink.next(t)
	d.Wait()

	if calls.Load() != 0 {
		t.Fatalf("handler called %d times, want 0", calls.Load())
	}
	if res.CallID != "call_1" {
		t.Fatalf("call id=%q", res.CallID)
	}
	if res.Err == nil || res.Err.Type != core.ErrTool {
		t.Fatalf("err=%v, want tool_error", res.Err)
	}
	if res.Err.Param != "text" {
		t.Fatalf("param=%q, want text", res.Err.Param)
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(res.Output), &out); err != nil || out["error"] == "" {
		t.Fatalf("output=%q", res.Output)
	}
	sink.mu.Lock()
	n := len(sink.results)
	sink.mu.Unlock()
	if n != 1 {
		t.Fatalf("results=%d, want 1", n)
	}
}

func TestDispatch_Success(t *testing.T) {
	d := NewDispatcher(testLogger())
	_ = d.Register("echo", echoSchema, func(ctx context.Context, args map[string]any) (any, error) {
		return map[string]any{"echo": args["text"]}, nil
	})

	sink := newResultSink()
	d.Dispatch(context.Background(), Call{CallID: "c", Name: "echo", Arguments: `{"text":"hi"}`}, sink.post)
	res := sink.next(t)
	if res.Err != nil {
		t.Fatalf("err=%v", res.Err)
	}
	if res.Output != `{"echo":"hi"}` {
		t.Fatalf("output=%q", res.Output)
	}
}

func TestDispatch_AtMostOncePerCallID(t *testing.T) {
	d := NewDispatcher(testLogger())
	var calls atomic.Int64
	_ = d.Register("echo", echoSchema, func(ctx context.Context, args map[string]any) (any, error) {
		calls.Add(1)
		return nil, nil
	})

	sink := newResultSink()
	call := Call{CallID: "dup", Name: "echo", Arguments: `{"text":"x"}`}
	if !d.Dispatch(context.Background(), call, sink.post) {
		t.Fatalf("first Dispatch() = false")
	}
	if d.Dispatch(context.Background(), call, sink.post) {
		t.Fatalf("second Dispatch() = true")
	}
	d.Wait()
	if calls.Load() != 1 {
		t.Fatalf("calls=%d, want 1", calls.Load())
	}
}

func TestDispatch_HandlerFailureBecomesResult(t *testing.T) {
	d := NewDispatcher(testLogger())
	_ = d.Register("boom", Schema{}, func(ctx context.Context, args map[string]any) (any, error) {
		return nil, errors.New("upstream weather down")
	})
	_ = d.Register("panics", Schema{}, func(ctx context.Context, args map[string]any) (any, error) {
		panic("bad handler")
	})

	sink := newResultSink()
	d.Dispatch(context.Background(), Call{CallID: "1", Name: "boom"}, sink.post)
	res := sink.next(t)
	if res.Err == nil || res.Err.Message != "upstream weather down" {
		t.Fatalf("err=%v", res.Err)
	}

	d.Dispatch(context.Background(), Call{CallID: "2", Name: "panics"}, sink.post)
	res = sink.next(t)
	if res.Err == nil || res.CallID != "2" {
		t.Fatalf("panic result=%+v", res)
	}
}

func TestDispatch_UnknownToolAndBadJSON(t *testing.T) {
	d := NewDispatcher(testLogger())
	_ = d.Register("echo", echoSchema, func(ctx context.Context, args map[string]any) (any, error) { return nil, nil })

	sink := newResultSink()
	d.Dispatch(context.Background(), Call{CallID: "1", Name: "nope"}, sink.post)
	if res := sink.next(t); res.Err == nil {
		t.Fatalf("unknown tool produced no error")
	}
	d.Dispatch(context.Background(), Call{CallID: "2", Name: "echo", Arguments: `[1,2]`}, sink.post)
	if res := sink.next(t); res.Err == nil {
		t.Fatalf("non-object arguments produced no error")
	}
}

func TestRegister_DuplicateOverwrites(t *testing.T) {
	d := NewDispatcher(testLogger())
	_ = d.Register("t", Schema{Description: "first"}, func(ctx context.Context, args map[string]any) (any, error) { return "first", nil })
	_ = d.Register("t", Schema{Description: "second"}, func(ctx context.Context, args map[string]any) (any, error) { return "second", nil })

	defs := d.Definitions()
	if len(defs) != 1 || defs[0].Description != "second" {
		t.Fatalf("defs=%+v", defs)
	}
	sink := newResultSink()
	d.Dispatch(context.Background(), Call{CallID: "x", Name: "t"}, sink.post)
	if res := sink.next(t); res.Output != `"second"` {
		t.Fatalf("output=%q", res.Output)
	}
}

func TestRegister_RejectsEmptyName(t *testing.T) {
	d := NewDispatcher(testLogger())
	if err := d.Register(" ", Schema{}, func(ctx context.Context, args map[string]any) (any, error) { return nil, nil }); err == nil {
		t.Fatalf("expected error")
	}
}

func TestReset_ClearsRegistry(t *testing.T) {
	d := NewDispatcher(testLogger())
	_ = d.Register("t", Schema{}, func(ctx context.Context, args map[string]any) (any, error) { return nil, nil })
	d.Reset()
	if names := d.Names(); len(names) != 0 {
		t.Fatalf("names=%v", names)
	}
}

func TestMemoryTool(t *testing.T) {
	d := NewDispatcher(testLogger())
	mem := NewMemory(nil)
	var changed atomic.Int64
	mem.OnChange = func(map[string]string) { changed.Add(1) }
	if err := RegisterMemory(d, mem); err != nil {
		t.Fatalf("RegisterMemory() error = %v", err)
	}

	sink := newResultSink()
	d.Dispatch(context.Background(), Call{CallID: "m1", Name: ToolSetMemory, Arguments: `{"key":"first_name","value":"Ada"}`}, sink.post)
	if res := sink.next(t); res.Err != nil {
		t.Fatalf("err=%v", res.Err)
	}
	if got := mem.Snapshot()["first_name"]; got != "Ada" {
		t.Fatalf("memory=%q", got)
	}
	if changed.Load() != 1 {
		t.Fatalf("OnChange calls=%d", changed.Load())
	}

	d.Dispatch(context.Background(), Call{CallID: "m2", Name: ToolSetMemory, Arguments: `{"key":"x"}`}, sink.post)
	if res := sink.next(t); res.Err == nil || res.Err.Param != "value" {
		t.Fatalf("missing value result=%+v", res)
	}
}

func TestWeatherTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/forecast" || r.URL.Query().Get("latitude") != "52.5" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"current":{"temperature_2m":12.5}}`))
	}))
	defer srv.Close()

	d := NewDispatcher(testLogger())
	if err := RegisterWeather(d, WeatherClient{BaseURL: srv.URL, HTTPClient: srv.Client()}); err != nil {
		t.Fatalf("RegisterWeather() error = %v", err)
	}

	sink := newResultSink()
	d.Dispatch(context.Background(), Call{CallID: "w", Name: ToolGetWeather, Arguments: `{"lat":52.5,"lng":13.4,"location":"Berlin"}`}, sink.post)
	res := sink.next(t)
	if res.Err != nil {
		t.Fatalf("err=%v", res.Err)
	}
	var out struct {
		Location string         `json:"location"`
		Current  map[string]any `json:"current"`
	}
	if err := json.Unmarshal([]byte(res.Output), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Location != "Berlin" || out.Current["temperature_2m"].(float64) != 12.5 {
		t.Fatalf("out=%+v", out)
	}
}

func TestReflectParameters_RequiredFields(t *testing.T) {
	params, err := ReflectParameters(&getWeatherArgs{})
	if err != nil {
		t.Fatalf("ReflectParameters() error = %v", err)
	}
	if params["type"] != "object" {
		t.Fatalf("type=%v", params["type"])
	}
	if _, ok := params["$schema"]; ok {
		t.Fatalf("$schema should be stripped")
	}
	req, _ := params["required"].([]any)
	if len(req) != 3 {
		t.Fatalf("required=%v", params["required"])
	}
}
