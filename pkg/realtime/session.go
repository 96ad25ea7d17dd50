// Package realtime is the client side of a realtime voice conversation: it owns the connection to
// the relay (or the upstream endpoint), the turn state machine, the transcript and tool dispatch.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/voicebook/pkg/core"
	"github.com/vango-go/voicebook/pkg/realtime/protocol"
	"github.com/vango-go/voicebook/pkg/realtime/tools"
	"github.com/vango-go/voicebook/pkg/realtime/transcript"
)

const (
	DefaultSampleRateHz = 24000

	defaultQueueSize   = 256
	maxCanceledTracks  = 64
	maxEventLogRecords = 500
)

// Dialer opens the websocket. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

type Options struct {
	Logger *slog.Logger
	Dialer Dialer

	// APIKey switches to direct mode: the session authenticates to the upstream endpoint itself
	// instead of going through the relay.
	APIKey string
	// Model is added as the "model" query parameter when the endpoint URL lacks one.
	Model string

	Tools  *tools.Dispatcher
	Log    *transcript.Log
	Events *transcript.EventLog

	SampleRateHz int
	WriteTimeout time.Duration
	PingInterval time.Duration
	QueueSize    int
	Now          func() time.Time
}

// Session is one realtime conversation. It is safe for concurrent use; subscribers are called on a
// single delivery goroutine in registration order.
type Session struct {
	id     string
	logger *slog.Logger
	opts   Options

	tools  *tools.Dispatcher
	log    *transcript.Log
	events *transcript.EventLog

	table       dispatchTable
	queue       *eventQueue
	deliverDone chan struct{}

	mu           sync.Mutex
	state        ConnState
	turn         TurnState
	closed       bool
	sessOpts     SessionOptions
	conn         *conn
	pendingAudio bool
	responseID   string
	followUp     bool
	received     map[string]int
	canceled     *trackSet
}

type conn struct {
	ws       *websocket.Conn
	ctx      context.Context
	cancel   context.CancelFunc
	priority chan outboundFrame
	normal   chan outboundFrame
	wg       sync.WaitGroup
	failOnce sync.Once
}

func New(opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.SampleRateHz <= 0 {
		opts.SampleRateHz = DefaultSampleRateHz
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Tools == nil {
		opts.Tools = tools.NewDispatcher(opts.Logger)
	}
	if opts.Log == nil {
		opts.Log = transcript.New(opts.SampleRateHz)
	}
	if opts.Events == nil {
		opts.Events = transcript.NewEventLog(maxEventLogRecords, opts.Now)
	}

	id := uuid.NewString()
	s := &Session{
		id:          id,
		logger:      opts.Logger.With("session_id", id),
		opts:        opts,
		tools:       opts.Tools,
		log:         opts.Log,
		events:      opts.Events,
		queue:       newEventQueue(),
		deliverDone: make(chan struct{}),
		sessOpts:    SessionOptions{}.normalized(),
		received:    make(map[string]int),
		canceled:    newTrackSet(maxCanceledTracks),
	}
	go s.deliverLoop()
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) Tools() *tools.Dispatcher { return s.tools }

func (s *Session) Transcript() *transcript.Log { return s.log }

func (s *Session) Events() *transcript.EventLog { return s.events }

func (s *Session) SampleRateHz() int { return s.opts.SampleRateHz }

func (s *Session) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) TurnState() TurnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn
}

func (s *Session) SessionOptions() SessionOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessOpts.normalized()
}

// Connect dials endpoint and sends the stored session options. Calling it while connected is a
// no-op.
func (s *Session) Connect(ctx context.Context, endpoint string) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return core.NewInvalidStateError("session is closed")
	case s.state == Connected:
		s.mu.Unlock()
		return nil
	case s.state != Disconnected:
		s.mu.Unlock()
		return core.NewInvalidStateError(fmt.Sprintf("cannot connect while %s", s.state))
	}
	s.state = Connecting
	s.mu.Unlock()
	s.queue.push(Event{Kind: EventStateChanged, State: Connecting})

	target, err := endpointURL(endpoint, s.opts.Model)
	if err != nil {
		s.setDisconnected()
		return core.NewConnectionError(err.Error(), err)
	}
	header := http.Header{}
	if key := strings.TrimSpace(s.opts.APIKey); key != "" {
		header.Set("Authorization", "Bearer "+key)
		header.Set("OpenAI-Beta", "realtime=v1")
	}

	ws, resp, err := s.opts.Dialer.DialContext(ctx, target, header)
	if err != nil {
		s.setDisconnected()
		msg := fmt.Sprintf("connect %s: %v", redactURL(target), err)
		if resp != nil {
			msg = fmt.Sprintf("connect %s: %v (status %d)", redactURL(target), err, resp.StatusCode)
		}
		s.logger.Warn("realtime connect failed", "error", err)
		return core.NewConnectionError(msg, err)
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ws:       ws,
		ctx:      cctx,
		cancel:   cancel,
		priority: make(chan outboundFrame, 32),
		normal:   make(chan outboundFrame, s.opts.QueueSize),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		_ = ws.Close()
		s.setDisconnected()
		return core.NewInvalidStateError("session is closed")
	}
	s.conn = c
	s.state = Connected
	s.clearTurnLocked()
	s.mu.Unlock()

	writer := &outboundWriter{
		ws:           ws,
		ctx:          cctx,
		writeTimeout: s.opts.WriteTimeout,
		pingInterval: s.opts.PingInterval,
		priority:     c.priority,
		normal:       c.normal,
	}
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		if err := writer.Run(); err != nil {
			s.fail(c, err)
		}
	}()
	go s.readLoop(c)

	s.logger.Info("realtime connected", "endpoint", redactURL(target))
	s.queue.push(Event{Kind: EventStateChanged, State: Connected})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != c {
		return core.NewConnectionError("connection lost during setup", nil)
	}
	return s.sendLocked(c, protocol.NewSessionUpdate(s.sessOpts.config(s.tools.Definitions())), false)
}

// UpdateSession stores opts and sends them when connected. An in-flight response is left alone.
func (s *Session) UpdateSession(opts SessionOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessOpts = opts.normalized()
	if s.state != Connected || s.conn == nil {
		return nil
	}
	return s.sendLocked(s.conn, protocol.NewSessionUpdate(s.sessOpts.config(s.tools.Definitions())), false)
}

// SendUserMessageContent adds a user message to the conversation without requesting a response.
func (s *Session) SendUserMessageContent(parts []protocol.ContentPart) error {
	if len(parts) == 0 {
		return core.NewInvalidRequestErrorWithParam("content must be non-empty", "content")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connected || s.conn == nil {
		return core.NewInvalidStateError("cannot send a message while " + s.state.String())
	}
	item := protocol.Item{
		Type:    protocol.ItemTypeMessage,
		Role:    string(transcript.RoleUser),
		Content: append([]protocol.ContentPart(nil), parts...),
	}
	if err := s.sendLocked(s.conn, protocol.NewConversationItemCreate(item), false); err != nil {
		return err
	}
	s.userActivityLocked()
	return nil
}

// AppendInputAudio streams one PCM16 frame. Frames are dropped silently while not connected or when
// the outbound queue is full.
func (s *Session) AppendInputAudio(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connected || s.conn == nil {
		return
	}
	if !s.trySendLocked(s.conn, protocol.NewInputAudioBufferAppend(pcm)) {
		return
	}
	s.pendingAudio = true
	s.userActivityLocked()
}

// CreateResponse asks the endpoint for a response. In manual mode buffered input audio is committed
// first. A second call before the current response completes or is interrupted is rejected.
func (s *Session) CreateResponse() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connected || s.conn == nil {
		return core.NewInvalidStateError("cannot create a response while " + s.state.String())
	}
	if s.turn == TurnGenerating {
		return core.NewInvalidStateError("a response is already being generated")
	}
	if s.sessOpts.TurnDetection != TurnDetectionServerVAD && s.pendingAudio {
		if err := s.sendLocked(s.conn, protocol.NewInputAudioBufferCommit(), false); err != nil {
			return err
		}
		s.pendingAudio = false
	}
	if err := s.sendLocked(s.conn, protocol.NewResponseCreate(), false); err != nil {
		return err
	}
	s.turn = TurnGenerating
	s.responseID = ""
	s.followUp = false
	return nil
}

// CancelResponse interrupts playback of trackID (an assistant item id) at sampleOffset. While a
// response is generating it is cancelled; the item is then truncated so the endpoint's history
// matches what was heard. Audio arriving later for the track is dropped. Without a connection it is
// a no-op.
func (s *Session) CancelResponse(trackID string, sampleOffset int) error {
	trackID = strings.TrimSpace(trackID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connected || s.conn == nil {
		return nil
	}

	if s.turn == TurnGenerating {
		if err := s.sendLocked(s.conn, protocol.NewResponseCancel(s.responseID), true); err != nil {
			return err
		}
		s.turn = TurnInterrupted
		s.followUp = false
	}
	if trackID == "" {
		return nil
	}

	received, known := s.received[trackID]
	if !known {
		_, known = s.log.Get(trackID)
	}
	s.canceled.add(trackID)
	if !known {
		return nil
	}
	if sampleOffset < 0 {
		sampleOffset = 0
	}
	if sampleOffset > received {
		sampleOffset = received
	}
	audioEndMS := protocol.SamplesToMS(sampleOffset, s.opts.SampleRateHz)
	if err := s.sendLocked(s.conn, protocol.NewConversationItemTruncate(trackID, 0, audioEndMS), true); err != nil {
		return err
	}
	if it, ok := s.log.Truncate(trackID, sampleOffset); ok {
		s.queue.push(Event{Kind: EventConversationUpdated, Update: ConversationUpdate{Item: it}})
	}
	return nil
}

// DeleteItem removes an item upstream and from the local transcript.
func (s *Session) DeleteItem(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return core.NewInvalidRequestErrorWithParam("item id must be non-empty", "item_id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connected || s.conn == nil {
		return core.NewInvalidStateError("cannot delete an item while " + s.state.String())
	}
	if err := s.sendLocked(s.conn, protocol.NewConversationItemDelete(id), false); err != nil {
		return err
	}
	s.log.Delete(id)
	delete(s.received, id)
	return nil
}

// Disconnect closes the connection and waits for the transport goroutines. It does not report an
// error to subscribers.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	c := s.conn
	if c == nil {
		s.mu.Unlock()
		return nil
	}
	s.state = Closing
	s.mu.Unlock()
	s.queue.push(Event{Kind: EventStateChanged, State: Closing})

	c.cancel()
	c.wg.Wait()
	s.fail(c, nil)
	return nil
}

// Reset disconnects and clears the transcript, event log, tools and session options.
func (s *Session) Reset() error {
	if err := s.Disconnect(); err != nil {
		return err
	}
	s.tools.Reset()
	s.log.Reset()
	s.events.Reset()
	s.mu.Lock()
	s.sessOpts = SessionOptions{}.normalized()
	s.received = make(map[string]int)
	s.canceled = newTrackSet(maxCanceledTracks)
	s.mu.Unlock()
	return nil
}

// Close disconnects, waits for in-flight tool calls and stops event delivery. The session cannot be
// reconnected afterwards.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.Disconnect()
	s.tools.Wait()
	s.queue.close()
	<-s.deliverDone
	s.table.clear()
	return err
}

func (s *Session) setDisconnected() {
	s.mu.Lock()
	s.state = Disconnected
	s.mu.Unlock()
	s.queue.push(Event{Kind: EventStateChanged, State: Disconnected})
}

// fail tears down c once. A nil err is a requested close; otherwise one connection error is
// reported unless the session was already closing.
func (s *Session) fail(c *conn, err error) {
	c.failOnce.Do(func() {
		c.cancel()
		_ = c.ws.Close()

		s.mu.Lock()
		if s.conn != c {
			s.mu.Unlock()
			return
		}
		closing := s.state == Closing
		s.conn = nil
		s.state = Disconnected
		s.clearTurnLocked()
		s.mu.Unlock()

		if err != nil && !closing {
			s.logger.Warn("realtime connection lost", "error", err)
			s.queue.push(Event{Kind: EventError, Err: core.NewConnectionError("connection lost: "+err.Error(), err)})
		}
		s.queue.push(Event{Kind: EventStateChanged, State: Disconnected})
	})
}

func (s *Session) clearTurnLocked() {
	s.turn = TurnIdle
	s.pendingAudio = false
	s.responseID = ""
	s.followUp = false
}

func (s *Session) userActivityLocked() {
	switch s.turn {
	case TurnIdle, TurnCompleted, TurnInterrupted:
		s.turn = TurnUser
	}
}

// sendLocked encodes ev and queues it, blocking while the queue is full.
func (s *Session) sendLocked(c *conn, ev any, priority bool) error {
	frame, err := s.encode(ev)
	if err != nil {
		return err
	}
	ch := c.normal
	if priority {
		ch = c.priority
	}
	select {
	case ch <- frame:
		return nil
	case <-c.ctx.Done():
		return core.NewConnectionError("connection closed", c.ctx.Err())
	}
}

func (s *Session) trySendLocked(c *conn, ev any) bool {
	frame, err := s.encode(ev)
	if err != nil {
		return false
	}
	select {
	case c.normal <- frame:
		return true
	default:
		s.logger.Debug("dropping input audio frame", "reason", "queue_full")
		return false
	}
}

func (s *Session) encode(ev any) (outboundFrame, error) {
	typ, data, err := protocol.EncodeClientEvent(ev)
	if err != nil {
		return outboundFrame{}, fmt.Errorf("encode %T: %w", ev, err)
	}
	rec := s.events.Record(transcript.SourceClient, typ, data)
	s.queue.push(Event{Kind: EventRealtime, Record: rec})
	return outboundFrame{eventType: typ, payload: data}, nil
}

func endpointURL(endpoint, model string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", errors.New("endpoint must be non-empty")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	if model = strings.TrimSpace(model); model != "" {
		q := u.Query()
		if q.Get("model") == "" {
			q.Set("model", model)
			u.RawQuery = q.Encode()
		}
	}
	return u.String(), nil
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.User = nil
	return u.String()
}

// trackSet is a bounded set of cancelled track ids; the oldest entry is evicted first.
type trackSet struct {
	limit int
	set   map[string]struct{}
	order []string
}

func newTrackSet(limit int) *trackSet {
	return &trackSet{limit: limit, set: make(map[string]struct{})}
}

func (t *trackSet) add(id string) {
	if _, ok := t.set[id]; ok {
		return
	}
	t.set[id] = struct{}{}
	t.order = append(t.order, id)
	for len(t.order) > t.limit {
		delete(t.set, t.order[0])
		t.order = t.order[1:]
	}
}

func (t *trackSet) has(id string) bool {
	_, ok := t.set[id]
	return ok
}
