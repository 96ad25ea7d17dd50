package realtime

import (
	"log/slog"
	"sync"

	"github.com/vango-go/voicebook/pkg/core"
	"github.com/vango-go/voicebook/pkg/realtime/transcript"
)

// EventKind keys the subscription table.
type EventKind int

const (
	EventRealtime EventKind = iota
	EventError
	EventConversationInterrupted
	EventConversationUpdated
	EventStateChanged
)

// ConversationUpdate reports an item change. Delta is empty for metadata-only updates.
type ConversationUpdate struct {
	Item  transcript.Item
	Delta transcript.Delta
}

// Event is what the delivery goroutine hands to subscribers. Only the field matching Kind is set.
type Event struct {
	Kind   EventKind
	Record transcript.EventRecord
	Err    *core.Error
	Update ConversationUpdate
	State  ConnState
}

type handlerFunc func(Event)

// dispatchTable holds ordered handler lists per event kind.
type dispatchTable struct {
	mu       sync.RWMutex
	handlers map[EventKind][]handlerFunc
}

func (t *dispatchTable) add(kind EventKind, h handlerFunc) {
	if h == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handlers == nil {
		t.handlers = make(map[EventKind][]handlerFunc)
	}
	t.handlers[kind] = append(t.handlers[kind], h)
}

func (t *dispatchTable) clear() {
	t.mu.Lock()
	t.handlers = nil
	t.mu.Unlock()
}

func (t *dispatchTable) deliver(ev Event, logger *slog.Logger) {
	t.mu.RLock()
	list := t.handlers[ev.Kind]
	t.mu.RUnlock()
	for _, h := range list {
		callHandler(h, ev, logger)
	}
}

func callHandler(h handlerFunc, ev Event, logger *slog.Logger) {
	defer func() {
		if v := recover(); v != nil {
			logger.Error("realtime event handler panic", "kind", ev.Kind, "panic", v)
		}
	}()
	h(ev)
}

// eventQueue is an unbounded FIFO between the transport and the delivery goroutine so the read loop
// never waits on subscribers.
type eventQueue struct {
	mu     sync.Mutex
	items  []Event
	signal chan struct{}
	closed bool
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// drain returns queued events, or ok=false once closed and empty.
func (q *eventQueue) drain() ([]Event, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			out := q.items
			q.items = nil
			q.mu.Unlock()
			return out, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()
		<-q.signal
	}
}

func (s *Session) deliverLoop() {
	defer close(s.deliverDone)
	for {
		batch, ok := s.queue.drain()
		if !ok {
			return
		}
		for _, ev := range batch {
			s.table.deliver(ev, s.logger)
		}
	}
}

// OnRealtimeEvent subscribes to every client and server event as recorded in the event log.
func (s *Session) OnRealtimeEvent(fn func(transcript.EventRecord)) {
	if fn == nil {
		return
	}
	s.table.add(EventRealtime, func(ev Event) { fn(ev.Record) })
}

// OnError subscribes to connection loss and upstream error events.
func (s *Session) OnError(fn func(*core.Error)) {
	if fn == nil {
		return
	}
	s.table.add(EventError, func(ev Event) { fn(ev.Err) })
}

// OnConversationInterrupted fires when the endpoint detects user speech.
func (s *Session) OnConversationInterrupted(fn func()) {
	if fn == nil {
		return
	}
	s.table.add(EventConversationInterrupted, func(Event) { fn() })
}

func (s *Session) OnConversationUpdated(fn func(ConversationUpdate)) {
	if fn == nil {
		return
	}
	s.table.add(EventConversationUpdated, func(ev Event) { fn(ev.Update) })
}

func (s *Session) OnStateChanged(fn func(ConnState)) {
	if fn == nil {
		return
	}
	s.table.add(EventStateChanged, func(ev Event) { fn(ev.State) })
}
