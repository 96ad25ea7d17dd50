package audio

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// TrackOffset identifies the playing track and how much of it has been heard.
type TrackOffset struct {
	ItemID   string
	TrackID  string
	Offset   int
	Enqueued int
}

type PlayerConfig struct {
	SampleRateHz int
	// Tick is the drain interval; each tick writes Tick worth of samples to the sink.
	Tick time.Duration
	// IdleGrace keeps the last track reportable after its queue runs dry, covering short underruns
	// while a response is still streaming.
	IdleGrace time.Duration
	Sink      Sink
	Logger    *slog.Logger
	Now       func() time.Time
}

// maxInterruptedTracks bounds how many interrupted track ids are remembered; the oldest is forgotten
// first.
const maxInterruptedTracks = 64

type chunk struct {
	trackID string
	pcm     []byte
}

type trackState struct {
	itemID   string
	enqueued int
	played   int
}

// Player drains queued tracks into a Sink at the real-time rate and tracks the played offset of
// each track.
type Player struct {
	cfg PlayerConfig

	mu          sync.Mutex
	queue       []chunk
	tracks      map[string]*trackState
	interrupted map[string]struct{}
	interOrder  []string
	current     string
	lastPlayed  time.Time
	history     *sampleHistory

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewPlayer(cfg PlayerConfig) *Player {
	if cfg.SampleRateHz <= 0 {
		cfg.SampleRateHz = DefaultSampleRateHz
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 20 * time.Millisecond
	}
	if cfg.IdleGrace <= 0 {
		cfg.IdleGrace = 500 * time.Millisecond
	}
	if cfg.Sink == nil {
		cfg.Sink = DiscardSink{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Player{
		cfg:         cfg,
		tracks:      make(map[string]*trackState),
		interrupted: make(map[string]struct{}),
		history:     newSampleHistory(analysisWindow),
	}
}

// Add queues audio for a track without blocking. Audio for an interrupted track is rejected.
func (p *Player) Add(itemID, trackID string, pcm []byte) bool {
	trackID = strings.TrimSpace(trackID)
	if trackID == "" || len(pcm) < BytesPerSample {
		return false
	}
	pcm = pcm[:len(pcm)-len(pcm)%BytesPerSample]

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.interrupted[trackID]; ok {
		return false
	}
	st, ok := p.tracks[trackID]
	if !ok {
		st = &trackState{itemID: itemID}
		p.tracks[trackID] = st
	}
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	p.queue = append(p.queue, chunk{trackID: trackID, pcm: buf})
	st.enqueued += len(pcm) / BytesPerSample
	return true
}

// Start runs the drain loop until ctx is done or Close is called.
func (p *Player) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		p.mu.Lock()
		p.cancel = cancel
		p.done = make(chan struct{})
		done := p.done
		p.mu.Unlock()
		go func() {
			defer close(done)
			ticker := time.NewTicker(p.cfg.Tick)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					p.onTick()
				}
			}
		}()
	})
}

func (p *Player) onTick() {
	n := int(int64(p.cfg.SampleRateHz) * int64(p.cfg.Tick) / int64(time.Second))
	if n <= 0 {
		n = 1
	}
	out := p.consume(n)
	if len(out) == 0 {
		return
	}
	if err := p.cfg.Sink.Write(out); err != nil {
		p.cfg.Logger.Warn("playback write failed", "error", err)
	}
}

// consume pops up to samples samples from the queue head and credits them to their tracks.
func (p *Player) consume(samples int) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	want := samples * BytesPerSample
	var out []byte
	for want > 0 && len(p.queue) > 0 {
		head := &p.queue[0]
		take := min(want, len(head.pcm))
		out = append(out, head.pcm[:take]...)
		if st := p.tracks[head.trackID]; st != nil {
			st.played += take / BytesPerSample
		}
		p.current = head.trackID
		head.pcm = head.pcm[take:]
		want -= take
		if len(head.pcm) == 0 {
			p.queue = p.queue[1:]
		}
	}
	if len(out) > 0 {
		p.lastPlayed = p.cfg.Now()
		p.history.add(out)
	}
	return out
}

// TrackOffset reports the playing track without interrupting it.
func (p *Player) TrackOffset() (TrackOffset, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offsetLocked()
}

func (p *Player) offsetLocked() (TrackOffset, bool) {
	id := p.current
	if len(p.queue) > 0 {
		id = p.queue[0].trackID
	}
	if id == "" {
		return TrackOffset{}, false
	}
	if len(p.queue) == 0 && p.cfg.Now().Sub(p.lastPlayed) > p.cfg.IdleGrace {
		return TrackOffset{}, false
	}
	st := p.tracks[id]
	if st == nil {
		return TrackOffset{}, false
	}
	return TrackOffset{ItemID: st.itemID, TrackID: id, Offset: min(st.played, st.enqueued), Enqueued: st.enqueued}, true
}

// Interrupt stops playback, drops every queued sample and returns the offset of the track that was
// playing. All tracks that still had audio queued reject later Adds.
func (p *Player) Interrupt() (TrackOffset, bool) {
	p.mu.Lock()
	off, ok := p.offsetLocked()
	if ok {
		p.markInterruptedLocked(off.TrackID)
	}
	for _, c := range p.queue {
		p.markInterruptedLocked(c.trackID)
	}
	p.queue = nil
	p.current = ""
	p.mu.Unlock()

	if err := p.cfg.Sink.Reset(); err != nil {
		p.cfg.Logger.Warn("playback reset failed", "error", err)
	}
	return off, ok
}

func (p *Player) markInterruptedLocked(id string) {
	if _, ok := p.interrupted[id]; ok {
		return
	}
	p.interrupted[id] = struct{}{}
	p.interOrder = append(p.interOrder, id)
	delete(p.tracks, id)
	for len(p.interOrder) > maxInterruptedTracks {
		delete(p.interrupted, p.interOrder[0])
		p.interOrder = p.interOrder[1:]
	}
}

// Buffered returns the number of queued samples not yet played.
func (p *Player) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.queue {
		n += len(c.pcm) / BytesPerSample
	}
	return n
}

// Frequencies analyzes the most recently played samples.
func (p *Player) Frequencies(rng FrequencyRange, buckets int) []float64 {
	return Frequencies(p.history.snapshot(), p.cfg.SampleRateHz, rng, buckets)
}

// Close stops the drain loop and the sink.
func (p *Player) Close() error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.queue = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return p.cfg.Sink.Close()
}
