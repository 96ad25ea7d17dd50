// Package relay pumps websocket messages between a client and the realtime upstream without
// interpreting them.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/voicebook/pkg/gateway/metrics"
)

const (
	DirClientToUpstream = "client_to_upstream"
	DirUpstreamToClient = "upstream_to_client"

	maxCloseReasonBytes = 123
)

// ErrPolicyViolation is returned by Run when the client exceeded the inbound limits.
var ErrPolicyViolation = errors.New("relay: inbound limit exceeded")

// CloseError reports which side ended the pair and with what close code.
type CloseError struct {
	Side   string
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("relay: %s closed (%d %s)", e.Side, e.Code, e.Reason)
}

type Config struct {
	MaxMessagesPerSecond int
	MaxBytesPerSecond    int64
	BurstSeconds         int
	WriteTimeout         time.Duration
	PingInterval         time.Duration
	MaxDuration          time.Duration
	Logger               *slog.Logger
	Now                  func() time.Time
}

// Pair owns one client connection and its upstream connection.
type Pair struct {
	ID       string
	client   *websocket.Conn
	upstream *websocket.Conn
	cfg      Config
	limiter  *inboundLimiter

	closeOnce sync.Once
}

func NewPair(id string, client, upstream *websocket.Conn, cfg Config) *Pair {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Pair{
		ID:       id,
		client:   client,
		upstream: upstream,
		cfg:      cfg,
		limiter:  newInboundLimiter(cfg.Now, cfg.MaxMessagesPerSecond, cfg.MaxBytesPerSecond, cfg.BurstSeconds),
	}
}

// Run pumps until either side closes, ctx is canceled or the maximum duration elapses. It returns
// nil for normal closes and for ctx-driven shutdown.
func (p *Pair) Run(ctx context.Context) error {
	if p.cfg.MaxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.MaxDuration)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.pump(p.client, p.upstream, DirClientToUpstream, p.limiter) })
	g.Go(func() error { return p.pump(p.upstream, p.client, DirUpstreamToClient, nil) })
	g.Go(func() error { return p.watch(ctx, gctx) })

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	var ce *CloseError
	if errors.As(err, &ce) && isNormalClose(ce.Code) {
		return nil
	}
	return err
}

// Warn starts a graceful close of the client side. The pumps finish when the client answers.
func (p *Pair) Warn(code int, reason string) error {
	return p.writeClose(p.client, code, reason)
}

func (p *Pair) pump(src, dst *websocket.Conn, dir string, limiter *inboundLimiter) error {
	for {
		mt, data, err := src.ReadMessage()
		if err != nil {
			code, reason := closeCodeOf(err)
			_ = p.writeClose(dst, forwardableCode(code), reason)
			return &CloseError{Side: sideOf(dir), Code: code, Reason: reason}
		}
		if !limiter.Allow(len(data)) {
			metrics.RelaySessions.WithLabelValues("policy").Inc()
			p.cfg.Logger.Warn("relay inbound limit exceeded", "pair_id", p.ID, "bytes", len(data))
			_ = p.writeClose(src, websocket.ClosePolicyViolation, "inbound rate limit exceeded")
			_ = p.writeClose(dst, websocket.CloseNormalClosure, "")
			return ErrPolicyViolation
		}
		_ = dst.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout))
		if err := dst.WriteMessage(mt, data); err != nil {
			_ = p.writeClose(src, websocket.CloseInternalServerErr, "relay write failed")
			return fmt.Errorf("relay %s write: %w", dir, err)
		}
		metrics.RelayMessages.WithLabelValues(dir).Inc()
		metrics.RelayBytes.WithLabelValues(dir).Add(float64(len(data)))
	}
}

// watch pings the client and tears both connections down once the group is done. When the outer
// context ended first (shutdown or max duration) both sides get a going-away close.
func (p *Pair) watch(outer, group context.Context) error {
	var tick <-chan time.Time
	if p.cfg.PingInterval > 0 {
		t := time.NewTicker(p.cfg.PingInterval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-tick:
			deadline := time.Now().Add(p.cfg.WriteTimeout)
			if err := p.client.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				p.cfg.Logger.Debug("relay ping failed", "pair_id", p.ID, "error", err)
			}
		case <-group.Done():
			if outer.Err() != nil {
				_ = p.writeClose(p.client, websocket.CloseGoingAway, "session ended")
				_ = p.writeClose(p.upstream, websocket.CloseGoingAway, "")
			}
			p.closeConns()
			return nil
		}
	}
}

func (p *Pair) closeConns() {
	p.closeOnce.Do(func() {
		_ = p.client.Close()
		_ = p.upstream.Close()
	})
}

func (p *Pair) writeClose(c *websocket.Conn, code int, reason string) error {
	if len(reason) > maxCloseReasonBytes {
		reason = reason[:maxCloseReasonBytes]
	}
	msg := websocket.FormatCloseMessage(code, reason)
	return c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(p.cfg.WriteTimeout))
}

func closeCodeOf(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, ""
}

// forwardableCode maps codes that may not appear on the wire to ones that may.
func forwardableCode(code int) int {
	switch code {
	case websocket.CloseNoStatusReceived:
		return websocket.CloseNormalClosure
	case websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
		return websocket.CloseInternalServerErr
	}
	if code < 1000 || (code >= 1016 && code < 3000) || code > 4999 {
		return websocket.CloseInternalServerErr
	}
	return code
}

func isNormalClose(code int) bool {
	switch code {
	case websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived:
		return true
	}
	return false
}

func sideOf(dir string) string {
	if dir == DirClientToUpstream {
		return "client"
	}
	return "upstream"
}
