package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vango-go/voicebook/pkg/gateway/config"
	"github.com/vango-go/voicebook/pkg/gateway/lifecycle"
	"github.com/vango-go/voicebook/pkg/gateway/relay"
	"github.com/vango-go/voicebook/pkg/store"
)

func readyConfig() config.Config {
	return config.Config{
		OpenAIAPIKey:          "sk-test",
		UpstreamURL:           "wss://example.test/v1/realtime",
		MaxBodyBytes:          1024,
		RelayWriteTimeout:     time.Second,
		RelayHandshakeTimeout: time.Second,
	}
}

type readyBody struct {
	OK              bool           `json:"ok"`
	Draining        bool           `json:"draining"`
	DrainingSince   *time.Time     `json:"draining_since"`
	ActiveSessions  int            `json:"active_sessions"`
	SessionsByModel map[string]int `json:"sessions_by_model"`
	Issues          []string       `json:"issues"`
}

func serveReady(t *testing.T, h ReadyHandler) (int, readyBody) {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	var body readyBody
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v body=%q", err, rr.Body.String())
	}
	return rr.Code, body
}

func TestHealthHandler(t *testing.T) {
	rr := httptest.NewRecorder()
	HealthHandler{}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != "ok" {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestReadyHandler_Ready(t *testing.T) {
	tracker := relay.NewTracker()
	unregister := tracker.Register("pair_1", "gpt-realtime", relay.Handle{Cancel: func() {}})
	defer unregister()

	code, body := serveReady(t, ReadyHandler{
		Config:    readyConfig(),
		Lifecycle: &lifecycle.Lifecycle{},
		Tracker:   tracker,
		Store:     store.NewMemory(),
	})
	if code != http.StatusOK || !body.OK || body.DrainingSince != nil {
		t.Fatalf("code=%d body=%+v", code, body)
	}
	if body.ActiveSessions != 1 || body.SessionsByModel["gpt-realtime"] != 1 {
		t.Fatalf("active_sessions=%d by_model=%v", body.ActiveSessions, body.SessionsByModel)
	}
}

func TestReadyHandler_MissingKeyNotReady(t *testing.T) {
	cfg := readyConfig()
	cfg.OpenAIAPIKey = ""
	code, body := serveReady(t, ReadyHandler{Config: cfg})
	if code != http.StatusServiceUnavailable || body.OK {
		t.Fatalf("code=%d body=%+v", code, body)
	}
	if len(body.Issues) != 1 || !strings.Contains(body.Issues[0], "api key") {
		t.Fatalf("issues=%v", body.Issues)
	}
}

func TestReadyHandler_DrainingNotReady(t *testing.T) {
	before := time.Now().Add(-time.Second)
	lc := &lifecycle.Lifecycle{}
	lc.SetDraining(true)
	code, body := serveReady(t, ReadyHandler{Config: readyConfig(), Lifecycle: lc})
	if code != http.StatusServiceUnavailable || !body.Draining {
		t.Fatalf("code=%d body=%+v", code, body)
	}
	if body.DrainingSince == nil || body.DrainingSince.Before(before) {
		t.Fatalf("draining_since=%v", body.DrainingSince)
	}
}

type brokenStore struct{}

func (brokenStore) Get(context.Context, string) (string, error) {
	return "", errors.New("connection refused")
}
func (brokenStore) Put(context.Context, string, string) error { return errors.New("connection refused") }
func (brokenStore) Close() error                               { return nil }

func TestReadyHandler_StoreFailureNotReady(t *testing.T) {
	code, body := serveReady(t, ReadyHandler{Config: readyConfig(), Store: brokenStore{}})
	if code != http.StatusServiceUnavailable {
		t.Fatalf("code=%d body=%+v", code, body)
	}
	if len(body.Issues) != 1 || body.Issues[0] != "store unavailable" {
		t.Fatalf("issues=%v", body.Issues)
	}
}
