package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/vango-go/voicebook/pkg/gateway/config"
	"github.com/vango-go/voicebook/pkg/gateway/lifecycle"
	"github.com/vango-go/voicebook/pkg/gateway/relay"
	"github.com/vango-go/voicebook/pkg/store"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	Tracker   *relay.Tracker
	Store     store.Store
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK              bool           `json:"ok"`
		Draining        bool           `json:"draining"`
		DrainingSince   *time.Time     `json:"draining_since,omitempty"`
		ActiveSessions  int            `json:"active_sessions"`
		SessionsByModel map[string]int `json:"sessions_by_model,omitempty"`
		LimitsEnabled   bool           `json:"limits_enabled"`
		Issues          []string       `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	if h.Config.OpenAIAPIKey == "" {
		issues = append(issues, "upstream api key not configured")
	}
	if h.Config.UpstreamURL == "" {
		issues = append(issues, "upstream url not configured")
	}
	if h.Config.MaxBodyBytes <= 0 {
		issues = append(issues, "max_body_bytes must be > 0")
	}
	if h.Config.RelayWriteTimeout <= 0 || h.Config.RelayHandshakeTimeout <= 0 {
		issues = append(issues, "relay timeouts must be > 0")
	}
	if h.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		_, err := h.Store.Get(ctx, store.KeyBook)
		cancel()
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			issues = append(issues, "store unavailable")
		}
	}
	draining := h.Lifecycle.IsDraining()
	var since *time.Time
	if draining {
		issues = append(issues, "draining")
		t := h.Lifecycle.DrainingSince().UTC()
		since = &t
	}

	var byModel map[string]int
	if usage := h.Tracker.Usage(); len(usage) > 0 {
		byModel = make(map[string]int, len(usage))
		for _, u := range usage {
			byModel[u.Model] = u.Sessions
		}
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, readyResp{
		OK:              ok,
		Draining:        draining,
		DrainingSince:   since,
		ActiveSessions:  h.Tracker.Count(),
		SessionsByModel: byModel,
		LimitsEnabled:   h.Config.RelayMaxMessagesPerSecond > 0 || h.Config.RelayMaxBytesPerSecond > 0,
		Issues:          issues,
	})
}
