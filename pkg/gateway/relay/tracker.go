package relay

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vango-go/voicebook/pkg/gateway/metrics"
)

// Handle lets the tracker reach a live pair during shutdown.
type Handle struct {
	Cancel func()
	// Warn starts a graceful close of the client side with the given close code.
	Warn func(code int, reason string) error
}

// Tracker is the set of live relay pairs. It feeds the active-session gauge, the readiness probe
// and the shutdown drain. A nil Tracker tracks nothing.
type Tracker struct {
	mu      sync.Mutex
	pairs   map[string]*livePair
	drained chan struct{} // closed while no pair is live
}

type livePair struct {
	model   string
	started time.Time
	handle  Handle
}

// Usage summarizes the live pairs for one model.
type Usage struct {
	Model    string
	Sessions int
	Oldest   time.Time
}

func NewTracker() *Tracker {
	t := &Tracker{}
	t.initLocked()
	return t
}

func (t *Tracker) initLocked() {
	if t.pairs == nil {
		t.pairs = make(map[string]*livePair)
	}
	if t.drained == nil {
		t.drained = make(chan struct{})
		close(t.drained)
	}
}

// Register adds a live pair. Registering an id again replaces the earlier entry, whose
// unregister func then does nothing.
func (t *Tracker) Register(pairID, model string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}
	p := &livePair{model: model, started: time.Now(), handle: h}

	t.mu.Lock()
	t.initLocked()
	if len(t.pairs) == 0 {
		t.drained = make(chan struct{})
	}
	if _, replaced := t.pairs[pairID]; !replaced {
		metrics.RelaySessionsActive.Inc()
	}
	t.pairs[pairID] = p
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { t.release(pairID, p) })
	}
}

func (t *Tracker) release(pairID string, p *livePair) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pairs[pairID] != p {
		return
	}
	delete(t.pairs, pairID)
	metrics.RelaySessionsActive.Dec()
	if len(t.pairs) == 0 {
		close(t.drained)
	}
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pairs)
}

// Usage reports live pairs grouped by upstream model, sorted by model name.
func (t *Tracker) Usage() []Usage {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	byModel := make(map[string]*Usage)
	for _, p := range t.pairs {
		u := byModel[p.model]
		if u == nil {
			u = &Usage{Model: p.model, Oldest: p.started}
			byModel[p.model] = u
		}
		u.Sessions++
		if p.started.Before(u.Oldest) {
			u.Oldest = p.started
		}
	}
	t.mu.Unlock()

	out := make([]Usage, 0, len(byModel))
	for _, u := range byModel {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

func (t *Tracker) handles() []Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Handle, 0, len(t.pairs))
	for _, p := range t.pairs {
		out = append(out, p.handle)
	}
	return out
}

// WarnAll asks every pair to close its client with code and returns how many were asked.
func (t *Tracker) WarnAll(code int, reason string) (sent int) {
	if t == nil {
		return 0
	}
	for _, h := range t.handles() {
		if h.Warn == nil {
			continue
		}
		_ = h.Warn(code, reason)
		sent++
	}
	return sent
}

func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}
	for _, h := range t.handles() {
		if h.Cancel == nil {
			continue
		}
		h.Cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until no pair is live or ctx is done, and reports whether the tracker drained.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	t.initLocked()
	drained := t.drained
	t.mu.Unlock()

	if ctx == nil {
		<-drained
		return true
	}
	select {
	case <-drained:
		return true
	case <-ctx.Done():
		return false
	}
}
