package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/vango-go/voicebook/pkg/book"
	"github.com/vango-go/voicebook/pkg/gateway/config"
	"github.com/vango-go/voicebook/pkg/gateway/handlers"
	"github.com/vango-go/voicebook/pkg/gateway/lifecycle"
	"github.com/vango-go/voicebook/pkg/gateway/metrics"
	"github.com/vango-go/voicebook/pkg/gateway/mw"
	"github.com/vango-go/voicebook/pkg/gateway/relay"
	"github.com/vango-go/voicebook/pkg/store"
)

// Deps are the collaborators New would otherwise build from the config.
type Deps struct {
	Store     store.Store
	Generator book.Generator
	Dialer    *websocket.Dialer
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	router *mux.Router

	store     store.Store
	generator book.Generator
	dialer    *websocket.Dialer
	tracker   *relay.Tracker
	lifecycle *lifecycle.Lifecycle
}

func New(cfg config.Config, logger *slog.Logger, deps Deps) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: 10 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	if deps.Store == nil {
		deps.Store = store.NewMemory()
	}
	if deps.Generator == nil {
		gen, err := book.NewOpenAIGenerator(book.Config{
			APIKey:           cfg.OpenAIAPIKey,
			BaseURL:          cfg.BookBaseURL,
			Model:            cfg.BookModel,
			MaxContextTokens: cfg.BookMaxContextTokens,
			ReserveTokens:    cfg.BookReserveTokens,
			BookPrompt:       cfg.BookPrompt,
			ChatPrompt:       cfg.ChatPrompt,
			HTTPClient:       httpClient,
			Logger:           logger,
		})
		if err != nil {
			return nil, err
		}
		deps.Generator = gen
	}
	if deps.Dialer == nil {
		deps.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.RelayHandshakeTimeout,
		}
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		router:    mux.NewRouter(),
		store:     deps.Store,
		generator: deps.Generator,
		dialer:    deps.Dialer,
		tracker:   relay.NewTracker(),
		lifecycle: &lifecycle.Lifecycle{},
	}

	s.routes()
	return s, nil
}

func (s *Server) routes() {
	r := s.router
	r.NotFoundHandler = handlers.NotFoundHandler{}
	r.MethodNotAllowedHandler = handlers.MethodNotAllowedHandler{}
	r.Use(mw.Metrics)

	r.Handle("/healthz", handlers.HealthHandler{}).Methods(http.MethodGet)
	r.Handle("/readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Lifecycle: s.lifecycle,
		Tracker:   s.tracker,
		Store:     s.store,
	}).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	r.Handle("/v1/realtime", handlers.RelayHandler{
		Config:    s.cfg,
		Dialer:    s.dialer,
		Tracker:   s.tracker,
		Lifecycle: s.lifecycle,
		Logger:    s.logger,
	}).Methods(http.MethodGet)

	r.Handle("/api/book", handlers.BookHandler{
		Config:    s.cfg,
		Generator: s.generator,
		Logger:    s.logger,
	}).Methods(http.MethodPost)
	r.Handle("/api/state/{key}", handlers.StateHandler{
		Config: s.cfg,
		Store:  s.store,
	}).Methods(http.MethodGet, http.MethodPut)
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	h = mw.CORS(mw.CORSPolicy{Origins: s.cfg.CORSAllowedOrigins}, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining makes /readyz fail and /v1/realtime refuse new sessions.
func (s *Server) SetDraining(draining bool) {
	s.lifecycle.SetDraining(draining)
}

// WarnRelaysDraining sends a going-away close to every live client.
func (s *Server) WarnRelaysDraining() int {
	return s.tracker.WarnAll(websocket.CloseGoingAway, "server draining")
}

// WaitRelays blocks until every live pair has finished or ctx is done.
func (s *Server) WaitRelays(ctx context.Context) bool {
	return s.tracker.Wait(ctx)
}

func (s *Server) CancelRelays() int {
	return s.tracker.CancelAll()
}

func (s *Server) ActiveRelays() int {
	return s.tracker.Count()
}
