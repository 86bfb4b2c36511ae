package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/makerforge/orchestrator/internal/config"
	"github.com/makerforge/orchestrator/internal/melody"
	"github.com/makerforge/orchestrator/internal/observability"
	"github.com/makerforge/orchestrator/internal/pipeline"
	"github.com/makerforge/orchestrator/internal/taskstate"
)

// Server is the Request Server: it owns the HTTP surface, the
// in-flight task cap, and delegates all actual work to the Pipeline
// Engine. It holds no task state of its own beyond what taskstate.Store
// and melody.Store already persist.
type Server struct {
	cfg     config.ServerConfig
	engine  *pipeline.Engine
	tasks   taskstate.Store
	melody  *melody.Store
	metrics *observability.Metrics
	log     *slog.Logger

	inFlight chan struct{} // back-pressure semaphore, capacity cfg.MaxInFlight
}

// New builds a Server. metrics and log may be nil; a nil log falls back to
// slog.Default().
func New(cfg config.ServerConfig, engine *pipeline.Engine, tasks taskstate.Store, melodyStore *melody.Store, metrics *observability.Metrics, log *slog.Logger) *Server {
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 32
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		engine:   engine,
		tasks:    tasks,
		melody:   melodyStore,
		metrics:  metrics,
		log:      log,
		inFlight: make(chan struct{}, maxInFlight),
	}
}

// Router builds the HTTP handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/v1/chat/completions", s.handleChatCompletions)
	r.Get("/v1/models", s.handleModels)
	r.Post("/api/session/{id}/resume", s.handleResume)
	r.Get("/api/task/{id}/melodic-line", s.handleMelodicLine)
	r.Get("/api/task/{id}/agent/{agent}/context", s.handleAgentContext)
	r.Get("/api/schema", s.handleSchema)

	if s.metrics != nil {
		r.Get("/metrics", s.metrics.Handler().ServeHTTP)
	}

	return r
}

// HTTPServer builds an *http.Server bound to cfg.Addr and this Server's
// Router, for cmd/makerd to run and shut down around process signals.
func (s *Server) HTTPServer() *http.Server {
	addr := s.cfg.Addr
	if addr == "" {
		addr = ":8080"
	}
	return &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// acquireSlot reserves one of cfg.MaxInFlight concurrent task slots,
// returning false if the cap is already reached.
func (s *Server) acquireSlot() (release func(), ok bool) {
	select {
	case s.inFlight <- struct{}{}:
		return func() { <-s.inFlight }, true
	default:
		return nil, false
	}
}
