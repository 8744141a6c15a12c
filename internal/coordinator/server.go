package coordinator

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/remoteshell/remoteshell/internal/policy"
)

// Version is reported on the health endpoint and in the agent binary.
const Version = "1.0.0"

// Server ties the store, the session registry and the queue engine together
// behind the REST API.
type Server struct {
	cfg       *Config
	store     *Store
	log       zerolog.Logger
	validator *policy.Validator
	metrics   *Metrics
	engine    *Engine
	registry  *Registry

	router     *chi.Mux
	wsUpgrader *websocket.Upgrader
	httpServer *http.Server

	startedAt time.Time
	purgeStop chan struct{}
}

// New creates a coordinator server. Recovery runs here: commands stranded in
// sent or executing by a previous process are failed before any agent can
// reconnect, and the pending heaps are rebuilt from the store.
func New(cfg *Config, store *Store, log zerolog.Logger) (*Server, error) {
	log = log.With().Str("component", "coordinator").Logger()

	recovered, err := store.RecoverStartup()
	if err != nil {
		return nil, err
	}
	if recovered > 0 {
		log.Info().Int64("count", recovered).Msg("failed commands interrupted by restart")
	}
	if err := store.MarkAllAgentsOffline(); err != nil {
		log.Warn().Err(err).Msg("failed to reset agent status on startup")
	}

	metrics := NewMetrics()
	validator := policy.New(cfg.Policy)
	engine := NewEngine(store, metrics, cfg, log)
	if err := engine.Restore(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		store:     store,
		log:       log,
		validator: validator,
		metrics:   metrics,
		engine:    engine,
		registry:  NewRegistry(engine, store, metrics, log),
		wsUpgrader: &websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents are not browsers; origin checks do not apply.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		startedAt: time.Now(),
		purgeStop: make(chan struct{}),
	}

	s.setupRouter()

	if cfg.HistoryRetention > 0 {
		go s.purgeLoop()
	}

	return s, nil
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleHealth)
	r.Get("/health", s.handleHealth)
	r.Get("/policy", s.handlePolicy)
	r.Handle("/metrics", s.metrics.Handler())

	// Agent WebSocket endpoint; token in the query string.
	r.Get("/ws/agent", s.handleAgentSocket)

	r.Route("/agents", func(r chi.Router) {
		r.Get("/", s.handleListAgents)
		r.Route("/{agentID}", func(r chi.Router) {
			r.Get("/", s.handleGetAgent)
			r.Get("/queue", s.handleGetQueue)
			r.Get("/commands", s.handleListAgentCommands)
			r.Post("/commands", s.handleSubmitForAgent)
		})
	})

	r.Route("/commands", func(r chi.Router) {
		r.Get("/", s.handleListCommands)
		r.Post("/", s.handleSubmit)
		r.Post("/bulk", s.handleBulkSubmit)
		r.Route("/{commandID}", func(r chi.Router) {
			r.Get("/", s.handleGetCommand)
			r.Delete("/", s.handleCancelCommand)
		})
	})

	r.Route("/history", func(r chi.Router) {
		r.Get("/export", s.handleExport)
		r.Post("/cleanup", s.handleCleanup)
	})

	r.Get("/statistics", s.handleStatistics)

	s.router = r
}

// purgeLoop deletes terminal history past the retention window.
func (s *Server) purgeLoop() {
	ticker := time.NewTicker(s.cfg.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.purgeStop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.cfg.HistoryRetention)
			purged, err := s.store.PurgeOlderThan(cutoff)
			if err != nil {
				s.log.Error().Err(err).Msg("history purge failed")
				continue
			}
			if purged > 0 {
				s.log.Info().Int64("purged", purged).Msg("purged expired history")
			}
		}
	}
}

// Run starts the HTTP listener and blocks until shutdown.
func (s *Server) Run() error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.router,
	}

	if s.cfg.TLSCert != "" {
		s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting coordinator (TLS)")
		err := s.httpServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}

	s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting coordinator")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the listener, closes agent sessions with 1001 and waits
// for the dispatch loops.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.purgeStop)

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.registry.Shutdown()
	s.engine.Shutdown()
	return err
}

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler {
	return s.router
}
