package relay

import "time"

// inboundLimiter is a two-dimensional token bucket over client messages: messages per second and
// bytes per second, each with burstSeconds of headroom. A nil limiter allows everything.
type inboundLimiter struct {
	now          func() time.Time
	msgRate      float64
	msgTokens    float64
	byteRate     float64
	byteTokens   float64
	burstSeconds float64
	lastRefill   time.Time
}

func newInboundLimiter(now func() time.Time, mps int, bps int64, burstSeconds int) *inboundLimiter {
	if mps <= 0 && bps <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if burstSeconds <= 0 {
		burstSeconds = 1
	}

	l := &inboundLimiter{
		now:          now,
		msgRate:      float64(max(mps, 0)),
		byteRate:     float64(max(bps, 0)),
		burstSeconds: float64(burstSeconds),
		lastRefill:   now(),
	}
	l.msgTokens = l.msgRate * l.burstSeconds
	l.byteTokens = l.byteRate * l.burstSeconds
	return l
}

func (l *inboundLimiter) Allow(size int) bool {
	if l == nil {
		return true
	}
	l.refill()

	if l.msgRate > 0 && l.msgTokens < 1 {
		return false
	}
	n := float64(max(size, 0))
	if l.byteRate > 0 && l.byteTokens < n {
		return false
	}
	if l.msgRate > 0 {
		l.msgTokens--
	}
	if l.byteRate > 0 {
		l.byteTokens -= n
	}
	return true
}

func (l *inboundLimiter) refill() {
	now := l.now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	if l.msgRate > 0 {
		l.msgTokens = min(l.msgTokens+elapsed*l.msgRate, l.msgRate*l.burstSeconds)
	}
	if l.byteRate > 0 {
		l.byteTokens = min(l.byteTokens+elapsed*l.byteRate, l.byteRate*l.burstSeconds)
	}
	l.lastRefill = now
}
