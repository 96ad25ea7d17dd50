// Package console is the terminal client: it connects a realtime session to the local microphone
// and speaker, persists the transcript, book and memory, and builds the book on demand.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vango-go/voicebook/pkg/audio"
	"github.com/vango-go/voicebook/pkg/book"
	"github.com/vango-go/voicebook/pkg/core"
	"github.com/vango-go/voicebook/pkg/publish"
	"github.com/vango-go/voicebook/pkg/realtime"
	"github.com/vango-go/voicebook/pkg/realtime/protocol"
	"github.com/vango-go/voicebook/pkg/realtime/tools"
	"github.com/vango-go/voicebook/pkg/realtime/transcript"
	"github.com/vango-go/voicebook/pkg/realtime/turn"
	"github.com/vango-go/voicebook/pkg/store"
)

const persistTimeout = 5 * time.Second

// Deps are supplied by the caller; the App does not close Store or Publisher.
type Deps struct {
	Store     store.Store
	Book      book.Generator
	Channel   *audio.Channel
	Dialer    realtime.Dialer
	Publisher *publish.Publisher
}

type App struct {
	cfg     Config
	logger  *slog.Logger
	out     io.Writer
	outMu   sync.Mutex
	store   store.Store
	book    book.Generator
	session *realtime.Session
	channel *audio.Channel
	turn    *turn.Controller
	memory  *tools.Memory

	mu        sync.Mutex
	prior     string
	bookText  string
	lastSaved string
}

// New restores persisted state and wires the session, the audio channel and the turn controller.
func New(ctx context.Context, cfg Config, deps Deps, logger *slog.Logger, out io.Writer) (*App, error) {
	if deps.Store == nil || deps.Book == nil {
		return nil, errors.New("console: store and book generator are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if out == nil {
		out = io.Discard
	}
	a := &App{cfg: cfg, logger: logger, out: out, store: deps.Store, book: deps.Book}

	if err := a.restore(ctx); err != nil {
		return nil, err
	}

	dispatcher := tools.NewDispatcher(logger)
	if err := tools.RegisterMemory(dispatcher, a.memory); err != nil {
		return nil, fmt.Errorf("register memory tool: %w", err)
	}
	if err := tools.RegisterWeather(dispatcher, tools.WeatherClient{BaseURL: cfg.WeatherBaseURL}); err != nil {
		return nil, fmt.Errorf("register weather tool: %w", err)
	}

	a.session = realtime.New(realtime.Options{
		Logger: logger,
		Dialer: deps.Dialer,
		APIKey: cfg.DirectAPIKey,
		Model:  cfg.Model,
		Tools:  dispatcher,
	})
	if err := a.session.UpdateSession(realtime.SessionOptions{
		Instructions:       cfg.Instructions,
		Voice:              cfg.Voice,
		TranscriptionModel: cfg.TranscriptionModel,
		TurnDetection:      cfg.TurnDetection,
	}); err != nil {
		return nil, err
	}

	a.channel = deps.Channel
	if a.channel == nil {
		ch, err := audio.NewChannel(ctx, audio.ChannelConfig{
			SampleRateHz:   a.session.SampleRateHz(),
			DisableMic:     cfg.DisableMic,
			DisableSpeaker: cfg.DisableSpeaker,
			Logger:         logger,
		})
		if err != nil {
			_ = a.session.Close()
			return nil, fmt.Errorf("open audio: %w", err)
		}
		a.channel = ch
	}
	a.turn = turn.New(a.session, a.channel.Recorder, a.channel.Player, logger)

	a.session.OnConversationUpdated(a.onUpdate)
	if deps.Publisher != nil {
		a.session.OnConversationUpdated(deps.Publisher.Watch(a.session.ID()))
	}
	a.session.OnError(func(err *core.Error) {
		a.println("error: " + err.Message)
	})
	a.session.OnStateChanged(func(s realtime.ConnState) {
		a.println("[" + s.String() + "]")
	})
	return a, nil
}

func (a *App) restore(ctx context.Context) error {
	transcriptText, err := store.GetOr(ctx, a.store, store.KeyTranscript, "")
	if err != nil {
		return fmt.Errorf("restore transcript: %w", err)
	}
	bookText, err := store.GetOr(ctx, a.store, store.KeyBook, "")
	if err != nil {
		return fmt.Errorf("restore book: %w", err)
	}
	rawMemory, err := store.GetOr(ctx, a.store, store.KeyMemory, "")
	if err != nil {
		return fmt.Errorf("restore memory: %w", err)
	}
	initial := map[string]string{}
	if rawMemory != "" {
		if err := json.Unmarshal([]byte(rawMemory), &initial); err != nil {
			a.logger.Warn("ignoring unreadable memory", "error", err)
			initial = map[string]string{}
		}
	}

	a.prior = transcriptText
	a.lastSaved = transcriptText
	a.bookText = bookText
	a.memory = tools.NewMemory(initial)
	a.memory.OnChange = a.saveMemory

	if transcriptText != "" {
		a.println("--- restored transcript ---")
		a.printBlock(transcriptText)
	}
	if bookText != "" {
		a.println("--- restored book ---")
		a.printBlock(bookText)
	}
	return nil
}

func (a *App) Session() *realtime.Session { return a.session }

func (a *App) Memory() map[string]string { return a.memory.Snapshot() }

// Connect opens the realtime session.
func (a *App) Connect(ctx context.Context) error {
	return a.session.Connect(ctx, a.cfg.RealtimeURL)
}

// Context is the transcript sent for book generation: the restored transcript followed by the
// current conversation.
func (a *App) Context() string {
	a.mu.Lock()
	prior := a.prior
	a.mu.Unlock()
	return prior + a.session.Transcript().Format()
}

// BuildBook generates the book from the full transcript and stores it.
func (a *App) BuildBook(ctx context.Context) (string, error) {
	text := a.Context()
	if strings.TrimSpace(text) == "" {
		return "", core.NewInvalidStateError("nothing has been said yet")
	}
	resp, err := a.book.Generate(ctx, book.Request{Context: text, IsBookGeneration: true})
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	a.bookText = resp.Content
	a.mu.Unlock()
	if err := a.store.Put(ctx, store.KeyBook, resp.Content); err != nil {
		return resp.Content, fmt.Errorf("save book: %w", err)
	}
	return resp.Content, nil
}

func (a *App) Book() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bookText
}

// HandleKey maps one raw-mode keypress to an action. It reports whether the console should exit.
func (a *App) HandleKey(ctx context.Context, key byte) (bool, error) {
	switch key {
	case ' ':
		if a.turn.Talking() {
			a.println("[thinking]")
			return false, a.turn.Stop()
		}
		if err := a.turn.Start(ctx); err != nil {
			return false, err
		}
		a.println("[listening, space to send]")
	case 'v':
		mode := realtime.TurnDetectionServerVAD
		if a.turn.Mode() == realtime.TurnDetectionServerVAD {
			mode = realtime.TurnDetectionManual
		}
		if err := a.turn.SetMode(ctx, mode); err != nil {
			return false, err
		}
		a.println("[mode " + string(mode) + "]")
	case 'x':
		off, _ := a.channel.Player.Interrupt()
		return false, a.session.CancelResponse(off.TrackID, off.Offset)
	case 'b':
		a.println("[writing book]")
		text, err := a.BuildBook(ctx)
		if err != nil {
			return false, err
		}
		a.printBlock(text)
	case 'e':
		a.printEvents()
	case 'q', 0x03, 0x04:
		return true, nil
	}
	return false, nil
}

// HandleLine runs a slash command or sends the line as a user message and asks for a reply.
func (a *App) HandleLine(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return false, nil
	case line == "/quit":
		return true, nil
	case line == "/book":
		return a.HandleKey(ctx, 'b')
	case line == "/events":
		a.printEvents()
		return false, nil
	case strings.HasPrefix(line, "/mode"):
		mode, ok := realtime.ParseTurnDetection(strings.TrimSpace(strings.TrimPrefix(line, "/mode")))
		if !ok {
			return false, core.NewInvalidRequestErrorWithParam("unknown turn detection mode", "mode")
		}
		return false, a.turn.SetMode(ctx, mode)
	}
	if err := a.session.SendUserMessageContent([]protocol.ContentPart{{Type: protocol.PartInputText, Text: line}}); err != nil {
		return false, err
	}
	return false, a.session.CreateResponse()
}

func (a *App) onUpdate(u realtime.ConversationUpdate) {
	if len(u.Delta.Audio) > 0 && u.Item.Role == transcript.RoleAssistant {
		a.channel.Player.Add(u.Item.ID, u.Item.ID, u.Delta.Audio)
	}
	if u.Item.Status != transcript.StatusCompleted || !u.Delta.Empty() {
		return
	}
	if u.Item.Type == transcript.TypeMessage {
		if text := strings.TrimSpace(u.Item.Content()); text != "" {
			a.println(string(u.Item.Role) + ": " + text)
		}
	}
	a.saveTranscript()
}

func (a *App) saveTranscript() {
	text := a.Context()
	a.mu.Lock()
	if text == a.lastSaved {
		a.mu.Unlock()
		return
	}
	a.lastSaved = text
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := a.store.Put(ctx, store.KeyTranscript, text); err != nil {
		a.logger.Warn("save transcript failed", "error", err)
	}
}

func (a *App) saveMemory(values map[string]string) {
	raw, err := json.Marshal(values)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := a.store.Put(ctx, store.KeyMemory, string(raw)); err != nil {
		a.logger.Warn("save memory failed", "error", err)
	}
}

func (a *App) printEvents() {
	for _, r := range a.session.Events().Records() {
		line := fmt.Sprintf("%s %-6s %s", r.Time.Format("15:04:05.000"), r.Source, r.Type)
		if r.Count > 1 {
			line += fmt.Sprintf(" (%d)", r.Count)
		}
		a.println(line)
	}
}

// println writes with CRLF so output stays aligned in raw mode.
func (a *App) println(s string) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	_, _ = io.WriteString(a.out, s+"\r\n")
}

func (a *App) printBlock(s string) {
	for _, line := range strings.Split(strings.TrimRight(s, "\n"), "\n") {
		a.println(line)
	}
}

// Close stops capture, disconnects and flushes the transcript.
func (a *App) Close() error {
	err := errors.Join(a.turn.Close(), a.session.Close(), a.channel.Close())
	a.saveTranscript()
	return err
}
