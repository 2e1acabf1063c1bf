package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/snarg/poem-engine/internal/config"
	"github.com/snarg/poem-engine/internal/database"
	"github.com/snarg/poem-engine/internal/jobs"
	"github.com/snarg/poem-engine/internal/metrics"
	"github.com/snarg/poem-engine/internal/pipeline"
)

// SyncRunner runs one job to completion. Satisfied by *jobs.Runner.
type SyncRunner interface {
	Run(ctx context.Context, jobID, source string, req pipeline.Request) (string, *pipeline.Result, error)
}

// JobQueue accepts jobs for background execution. Satisfied by
// *jobs.WorkerPool.
type JobQueue interface {
	Enqueue(j jobs.Job) (string, bool)
	Stats() jobs.QueueStats
	Workers() int
}

// JobStore reads the job ledger. Satisfied by *database.DB.
type JobStore interface {
	GetJob(ctx context.Context, id string) (*database.Job, error)
	ListJobs(ctx context.Context, filter database.JobFilter) ([]database.Job, int, error)
}

// ServerOptions wires the HTTP server. Only Config and Runner are required;
// nil collaborators disable the routes or checks that need them.
type ServerOptions struct {
	Config        *config.Config
	Runner        SyncRunner
	Queue         JobQueue
	Jobs          JobStore
	DB            HealthChecker
	MQTT          ConnectionStatus
	WatcherStatus func() *WatcherStatusData
	Version       string
	StartTime     time.Time
	Log           zerolog.Logger
}

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

// NewRouter builds the route tree.
func NewRouter(opts ServerOptions) chi.Router {
	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(opts.Log))
	r.Use(metrics.InstrumentHandler)

	jh := &JobsHandler{runner: opts.Runner, queue: opts.Queue, store: opts.Jobs}

	r.Get("/", Liveness)
	r.Get("/api/v1/health", NewHealthHandler(opts).ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(opts.Config.AuthToken))
		r.Post("/", jh.Submit)
		r.Route("/api/v1/jobs", func(r chi.Router) {
			r.Post("/", jh.Enqueue)
			r.Get("/", jh.List)
			r.Get("/{id}", jh.Get)
		})
	})

	return r
}

func NewServer(opts ServerOptions) *Server {
	cfg := opts.Config
	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      NewRouter(opts),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: opts.Log,
	}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
