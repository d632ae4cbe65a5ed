// Package server exposes the pipeline's admin HTTP surface: liveness,
// the last run's summary, and a manual trigger.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/quantdesk/marketpipe/internal/pipeline"
)

// Runner is the subset of *pipeline.Pipeline the server needs, so tests can
// supply a stub instead of a fully wired pipeline.
type Runner interface {
	RunDaily(ctx context.Context, opts pipeline.Options) (pipeline.Summary, error)
	HealthCheck(ctx context.Context) error
}

// Server is the admin HTTP surface for one pipeline process.
type Server struct {
	router *chi.Mux
	log    zerolog.Logger
	runner Runner

	startedAt time.Time

	mu     sync.RWMutex
	latest *pipeline.Summary
	busy   bool
}

// Config configures a new Server.
type Config struct {
	Log    zerolog.Logger
	Runner Runner
}

// New builds a Server with its middleware and routes installed.
func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       cfg.Log.With().Str("component", "server").Logger(),
		runner:    cfg.Runner,
		startedAt: time.Now(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// Handler exposes the router for http.ListenAndServe.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Route("/runs", func(r chi.Router) {
		r.Get("/latest", s.handleLatestRun)
		r.Post("/", s.handleTriggerRun)
	})
}

type healthzResponse struct {
	Status      string  `json:"status"`
	UptimeSecs  float64 `json:"uptime_seconds"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemPercent  float64 `json:"mem_percent"`
	RunInFlight bool    `json:"run_in_flight"`
	DBError     string  `json:"db_error,omitempty"`
}

// handleHealthz reports liveness plus a CPU/memory snapshot, sampled over a
// short 100ms window, and a database ping. A failed ping reports status
// "degraded" with a 200 still (the process is alive even if its database
// connection is unhealthy) rather than flapping the liveness probe.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to read cpu percent")
		cpuPercent = []float64{0}
	}
	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	memPercent := 0.0
	if vm, err := mem.VirtualMemory(); err != nil {
		s.log.Warn().Err(err).Msg("failed to read memory stats")
	} else {
		memPercent = vm.UsedPercent
	}

	s.mu.RLock()
	busy := s.busy
	s.mu.RUnlock()

	resp := healthzResponse{
		Status:      "ok",
		UptimeSecs:  time.Since(s.startedAt).Seconds(),
		CPUPercent:  cpuAvg,
		MemPercent:  memPercent,
		RunInFlight: busy,
	}

	if err := s.runner.HealthCheck(r.Context()); err != nil {
		s.log.Warn().Err(err).Msg("database health check failed")
		resp.Status = "degraded"
		resp.DBError = err.Error()
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// handleLatestRun returns the most recently completed run's summary, or 404
// if the process has not completed a run yet.
func (s *Server) handleLatestRun(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	latest := s.latest
	s.mu.RUnlock()

	if latest == nil {
		http.Error(w, "no run has completed yet", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, latest)
}

type triggerRunRequest struct {
	ForceRun bool `json:"force_run"`
}

// handleTriggerRun runs the pipeline out of band of its cron schedule,
// refusing to overlap with an in-flight run the way P1..P6 assume a single
// active run per process.
func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		http.Error(w, "a run is already in progress", http.StatusConflict)
		return
	}
	s.busy = true
	s.mu.Unlock()

	var req triggerRunRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	go func() {
		defer func() {
			s.mu.Lock()
			s.busy = false
			s.mu.Unlock()
		}()
		summary, err := s.runner.RunDaily(context.Background(), pipeline.Options{ForceRun: req.ForceRun})
		if err != nil {
			s.log.Error().Err(err).Msg("triggered run failed")
			return
		}
		s.mu.Lock()
		s.latest = &summary
		s.mu.Unlock()
	}()

	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// SetLatest records a run's summary, for the scheduled runner to publish
// results that GET /runs/latest can serve without waiting on a trigger.
func (s *Server) SetLatest(summary pipeline.Summary) {
	s.mu.Lock()
	s.latest = &summary
	s.mu.Unlock()
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("failed to encode response")
	}
}

// ListenAndServe starts the HTTP server on the given port, blocking until ctx
// is cancelled or the server errors.
func ListenAndServe(ctx context.Context, port int, handler http.Handler, log zerolog.Logger) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
