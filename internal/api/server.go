// Package api serves the threadtags HTTP API.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/wesm/threadtags/internal/action"
	"github.com/wesm/threadtags/internal/config"
	"github.com/wesm/threadtags/internal/engine"
	"github.com/wesm/threadtags/internal/identity"
	"github.com/wesm/threadtags/internal/scheduler"
	"github.com/wesm/threadtags/internal/store"
)

// Engine is the part of the engine the API drives.
type Engine interface {
	Accounts() []string
	Identity(accountID, messageID string) (identity.MessageIdentity, error)
	RecomputeThread(ctx context.Context, seed identity.MessageIdentity, reason string) engine.Result
	RecordClassification(ctx context.Context, id identity.MessageIdentity, act action.Action) (engine.Result, error)
	ApplyManualOverride(ctx context.Context, id identity.MessageIdentity, act action.Action) (engine.Result, error)
	ResetAction(ctx context.Context, id identity.MessageIdentity) (engine.Result, error)
	GroupingModeEnabled(ctx context.Context) (bool, error)
	SetGroupingModeEnabled(ctx context.Context, enabled bool) (engine.RetagReport, error)
	Thread(ctx context.Context, threadKey string) (*store.Aggregate, error)
}

// StatsSource reports store row counts.
type StatsSource interface {
	GetStats(ctx context.Context) (*store.Stats, error)
}

// Scheduler is the part of the scheduler the API exposes.
type Scheduler interface {
	IsScheduled(account string) bool
	TriggerSync(account string) error
	Status() []scheduler.AccountStatus
	IsRunning() bool
}

// Server is the HTTP API server.
type Server struct {
	cfg       config.ServerConfig
	engine    Engine
	stats     StatsSource
	scheduler Scheduler
	logger    *slog.Logger
	limiter   *RateLimiter
	router    chi.Router
	server    *http.Server
}

// NewServer creates a server. sched may be nil when no account is scheduled.
func NewServer(cfg config.ServerConfig, eng Engine, stats StatsSource, sched Scheduler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	rps, burst := cfg.RateLimit, cfg.RateBurst
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 20
	}
	s := &Server{
		cfg:       cfg,
		engine:    eng,
		stats:     stats,
		scheduler: sched,
		logger:    logger,
		limiter:   NewRateLimiter(rps, burst),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(s.logRequests)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(RateLimitMiddleware(s.limiter))

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.requireAPIKey)

		r.Get("/status", s.handleStatus)
		r.Get("/threads/{key}", s.handleGetThread)
		r.Post("/recompute", s.handleRecompute)
		r.Post("/classifications", s.handleClassify)
		r.Post("/overrides", s.handleOverride)
		r.Put("/grouping", s.handleSetGrouping)
		r.Get("/scheduler/status", s.handleSchedulerStatus)
		r.Post("/scan/{account}", s.handleScan)
	})
	return r
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	if err := s.cfg.ValidateSecure(); err != nil {
		return err
	}
	bind := s.cfg.BindAddr
	if bind == "" {
		bind = "127.0.0.1"
	}
	addr := net.JoinHostPort(bind, strconv.Itoa(s.cfg.APIPort))
	if s.cfg.APIKey == "" {
		s.logger.Warn("API server running without authentication; set [server] api_key")
	}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.logger.Info("starting API server", "addr", addr)
	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("shutting down API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			s.logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", chimw.GetReqID(r.Context()))
		}()
		next.ServeHTTP(ww, r)
	})
}

// requireAPIKey checks the Authorization (Bearer) or X-API-Key header when
// an API key is configured.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if auth := r.Header.Get("Authorization"); auth != "" {
			key = strings.TrimPrefix(auth, "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.APIKey)) != 1 {
			s.logger.Warn("unauthorized API request", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}
