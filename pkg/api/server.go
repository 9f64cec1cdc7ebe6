package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/cuemby/membersync/pkg/events"
	"github.com/cuemby/membersync/pkg/log"
	"github.com/cuemby/membersync/pkg/metrics"
	"github.com/cuemby/membersync/pkg/reconciler"
	"github.com/cuemby/membersync/pkg/service"
	"github.com/cuemby/membersync/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Service is the engine surface the API exposes
type Service interface {
	EnqueueWork(ctx context.Context, t types.WorkType, payload json.RawMessage) (string, error)
	GetWorkItem(ctx context.Context, id string) (*types.WorkItem, error)
	GetTask(ctx context.Context, id string) (*service.TaskDetail, error)
	ListTasks(ctx context.Context, status types.TaskStatus) ([]*types.Task, error)
	RetryTask(ctx context.Context, id string) (bool, error)
	CancelTask(ctx context.Context, id string) (bool, error)
	GetQueueStatus(ctx context.Context) (types.QueueStatus, error)
	ReconcileMember(ctx context.Context, member types.Member) (reconciler.Result, error)
	ArchiveWorkItems(ctx context.Context, olderThan time.Duration) (int, error)
}

// Config controls the HTTP listener
type Config struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration

	// ReadOnly rejects every state-changing request
	ReadOnly bool
}

// Server serves the engine over HTTP
type Server struct {
	svc    Service
	broker *events.Broker
	cfg    Config
	router chi.Router
	http   *http.Server
	done   chan struct{}
	logger zerolog.Logger
}

// NewServer creates an API server. A nil broker disables the event stream.
func NewServer(svc Service, broker *events.Broker, cfg Config) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	s := &Server{
		svc:    svc,
		broker: broker,
		cfg:    cfg,
		done:   make(chan struct{}),
		logger: log.WithComponent("api"),
	}
	s.router = s.routes()
	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	// Event streams never go idle on their own
	s.http.RegisterOnShutdown(func() { close(s.done) })
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(instrument)
	r.Use(middleware.Recoverer)

	r.Get("/health", metrics.HealthHandler())
	r.Get("/ready", metrics.ReadyHandler())
	r.Get("/live", metrics.LivenessHandler())
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if s.cfg.ReadOnly {
			r.Use(readOnly)
		}

		// The event stream outlives any request timeout
		r.Get("/events", s.streamEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.cfg.RequestTimeout))

			r.Post("/work", s.enqueueWork)
			r.Get("/work/{id}", s.getWorkItem)

			r.Get("/tasks", s.listTasks)
			r.Get("/tasks/{id}", s.getTask)
			r.Post("/tasks/{id}/retry", s.retryTask)
			r.Post("/tasks/{id}/cancel", s.cancelTask)

			r.Get("/queue/status", s.queueStatus)
			r.Post("/members/reconcile", s.reconcileMember)
			r.Post("/admin/archive", s.archive)
		})
	})

	return r
}

// Handler returns the router for embedding in other servers and tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	metrics.RegisterComponent("api", true, "")
	s.logger.Info().Str("addr", s.cfg.Addr).Bool("read_only", s.cfg.ReadOnly).Msg("HTTP API listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		metrics.UpdateComponent("api", false, err.Error())
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	metrics.UpdateComponent("api", false, "shutting down")
	return s.http.Shutdown(ctx)
}
