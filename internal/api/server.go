package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mattjoyce/ductile-worker/internal/activity"
	"github.com/mattjoyce/ductile-worker/internal/auth"
	"github.com/mattjoyce/ductile-worker/internal/events"
	"github.com/mattjoyce/ductile-worker/internal/journal"
	"github.com/mattjoyce/ductile-worker/internal/orchestrator"
	"github.com/mattjoyce/ductile-worker/internal/process"
	"github.com/mattjoyce/ductile-worker/internal/task"
)

// Orchestrator defines the task submission and process operations.
type Orchestrator interface {
	SubmitGit(ctx context.Context, op string, req task.GitRequest) (orchestrator.Submission, error)
	SubmitFile(ctx context.Context, op string, req task.FileRequest) (orchestrator.Submission, error)
	SubmitBuild(ctx context.Context, op string, req task.BuildRequest) (orchestrator.Submission, error)
	Status(id, kind string) (process.Record, error)
	Cancel(ctx context.Context, id string) (process.Record, error)
	QueueDepths() map[task.Domain]int
	Counts() map[process.Status]int
}

// ActivityTracker is the idle-shutdown clock touched by API traffic.
type ActivityTracker interface {
	TrackActivity()
	GetStatus() activity.Status
	AdjustTimeout(delta time.Duration)
}

// EventSource feeds the SSE stream.
type EventSource interface {
	Subscribe(filter events.Filter) (<-chan events.Event, func())
	SnapshotSince(lastID int64, filter events.Filter) []events.Event
	Subscribers() int
	Dropped() int64
}

// History reads completed processes from the journal.
type History interface {
	Get(ctx context.Context, id string) (*journal.Entry, error)
	Recent(ctx context.Context, kind string, limit int) ([]*journal.Entry, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the single admin bearer token.
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens            []auth.TokenConfig
	MaxConcurrentSync int
	MaxSyncTimeout    time.Duration
}

// Server represents the HTTP API server
type Server struct {
	config        Config
	orch          Orchestrator
	tracker       ActivityTracker
	events        EventSource
	history       History
	logger        *slog.Logger
	server        *http.Server
	startedAt     time.Time
	syncSemaphore chan struct{}
	keepAlive     time.Duration
}

// New creates a new API server instance. history may be nil when the
// journal is disabled.
func New(config Config, orch Orchestrator, tracker ActivityTracker, hub EventSource, history History, logger *slog.Logger) *Server {
	if config.MaxConcurrentSync <= 0 {
		config.MaxConcurrentSync = 8
	}
	if config.MaxSyncTimeout <= 0 {
		config.MaxSyncTimeout = 5 * time.Minute
	}
	return &Server{
		config:        config,
		orch:          orch,
		tracker:       tracker,
		events:        hub,
		history:       history,
		logger:        logger,
		startedAt:     time.Now(),
		syncSemaphore: make(chan struct{}, config.MaxConcurrentSync),
		keepAlive:     15 * time.Second,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.setupRoutes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: s.config.MaxSyncTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		// Monitoring routes don't count as activity, otherwise a watcher
		// would keep the instance alive forever.
		r.With(s.requireScopes(auth.ScopeEventsRO)).Get("/events", s.handleEvents)
		r.With(s.requireScopes(auth.ScopeActivityRO)).Get("/activity", s.handleGetActivity)
		r.Get("/openapi.json", s.handleOpenAPI)

		r.Group(func(r chi.Router) {
			r.Use(s.activityMiddleware)
			r.With(s.requireScopes(auth.ScopeTasksRW)).Post("/tasks/{domain}/{operation}", s.handleSubmit)
			r.With(s.requireScopes(auth.ScopeProcessRO)).Get("/process/{id}", s.handleGetProcess)
			r.With(s.requireScopes(auth.ScopeTasksRW, auth.ScopeProcessRW)).Post("/process/{id}/cancel", s.handleCancel)
			r.With(s.requireScopes(auth.ScopeProcessRO)).Get("/history", s.handleHistory)
			r.With(s.requireScopes(auth.ScopeProcessRO)).Get("/history/{id}", s.handleHistoryEntry)
			r.With(s.requireScopes(auth.ScopeActivityRW)).Post("/activity/adjust", s.handleAdjustActivity)
		})
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// authMiddleware resolves the bearer token into a principal.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.ExtractBearerToken(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		principal, ok := auth.Authenticate(token, s.config.APIKey, s.config.Tokens)
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

// requireScopes rejects principals holding none of the given scopes.
func (s *Server) requireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok || !auth.HasAnyScope(principal, scopes...) {
				s.writeError(w, http.StatusForbidden, "insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// activityMiddleware records the request on the idle-shutdown tracker.
func (s *Server) activityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.tracker != nil {
			s.tracker.TrackActivity()
		}
		next.ServeHTTP(w, r)
	})
}
