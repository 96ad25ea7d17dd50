package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/schema"
	"github.com/gorilla/websocket"

	"github.com/vango-go/voicebook/pkg/core"
	"github.com/vango-go/voicebook/pkg/gateway/config"
	"github.com/vango-go/voicebook/pkg/gateway/lifecycle"
	"github.com/vango-go/voicebook/pkg/gateway/metrics"
	"github.com/vango-go/voicebook/pkg/gateway/mw"
	"github.com/vango-go/voicebook/pkg/gateway/relay"
)

var queryDecoder = func() *schema.Decoder {
	d := schema.NewDecoder()
	d.IgnoreUnknownKeys(true)
	return d
}()

type relayQuery struct {
	Model string `schema:"model"`
}

// RelayHandler upgrades /v1/realtime clients and pairs each with its own upstream connection that
// carries the server-held credential.
type RelayHandler struct {
	Config    config.Config
	Dialer    *websocket.Dialer
	Tracker   *relay.Tracker
	Lifecycle *lifecycle.Lifecycle
	Logger    *slog.Logger
}

func (h RelayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if h.Lifecycle.IsDraining() {
		metrics.RelaySessions.WithLabelValues("rejected").Inc()
		writeError(w, reqID, &core.Error{Type: core.ErrAPI, Message: "gateway is draining", Code: "draining"}, http.StatusServiceUnavailable)
		return
	}
	if max := h.Config.RelayMaxSessions; max > 0 && h.Tracker.Count() >= max {
		metrics.RelaySessions.WithLabelValues("rejected").Inc()
		writeError(w, reqID, &core.Error{Type: core.ErrAPI, Message: "too many realtime sessions", Code: "too_many_sessions"}, http.StatusServiceUnavailable)
		return
	}
	var q relayQuery
	if err := queryDecoder.Decode(&q, r.URL.Query()); err != nil {
		writeError(w, reqID, core.NewInvalidRequestError("invalid query: "+err.Error()), http.StatusBadRequest)
		return
	}
	model := strings.TrimSpace(q.Model)
	if model == "" {
		model = h.Config.DefaultModel
	}

	upgrader := websocket.Upgrader{
		HandshakeTimeout: h.Config.RelayHandshakeTimeout,
		CheckOrigin:      h.originAllowed,
	}
	client, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("relay upgrade failed", "request_id", reqID, "error", err)
		return
	}
	if h.Config.RelayMaxMessageBytes > 0 {
		client.SetReadLimit(h.Config.RelayMaxMessageBytes)
	}

	pairID := "pair_" + uuid.NewString()
	logger = logger.With("pair_id", pairID, "request_id", reqID, "model", model)

	upstream, err := h.dialUpstream(r.Context(), model)
	if err != nil {
		metrics.RelaySessions.WithLabelValues("dial_error").Inc()
		logger.Error("relay upstream dial failed", "error", err)
		reason := err.Error()
		if len(reason) > 123 {
			reason = reason[:123]
		}
		_ = client.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, reason))
		_ = client.Close()
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	pair := relay.NewPair(pairID, client, upstream, relay.Config{
		MaxMessagesPerSecond: h.Config.RelayMaxMessagesPerSecond,
		MaxBytesPerSecond:    h.Config.RelayMaxBytesPerSecond,
		BurstSeconds:         h.Config.RelayBurstSeconds,
		WriteTimeout:         h.Config.RelayWriteTimeout,
		PingInterval:         h.Config.RelayPingInterval,
		MaxDuration:          h.Config.RelayMaxSessionDuration,
		Logger:               logger,
	})
	unregister := h.Tracker.Register(pairID, model, relay.Handle{Cancel: cancel, Warn: pair.Warn})
	defer unregister()

	metrics.RelaySessions.WithLabelValues("ok").Inc()
	logger.Info("relay pair opened")

	err = pair.Run(ctx)
	var ce *relay.CloseError
	switch {
	case err == nil:
		logger.Info("relay pair closed")
	case errors.As(err, &ce):
		logger.Warn("relay pair closed abnormally", "side", ce.Side, "code", ce.Code, "reason", ce.Reason)
	default:
		logger.Warn("relay pair ended with error", "error", err)
	}
}

func (h RelayHandler) dialUpstream(ctx context.Context, model string) (*websocket.Conn, error) {
	u, err := url.Parse(h.Config.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("upstream url: %w", err)
	}
	q := u.Query()
	q.Set("model", model)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+h.Config.OpenAIAPIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := h.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: h.Config.RelayHandshakeTimeout}
	}
	if h.Config.RelayHandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Config.RelayHandshakeTimeout)
		defer cancel()
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("upstream handshake failed: status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("upstream connect failed: %w", err)
	}
	return conn, nil
}

func (h RelayHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" || len(h.Config.WSAllowedOrigins) == 0 {
		return true
	}
	_, ok := h.Config.WSAllowedOrigins[origin]
	return ok
}
