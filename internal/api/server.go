package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/terra-clan/pitchsync/internal/config"
	"github.com/terra-clan/pitchsync/internal/poller"
	"github.com/terra-clan/pitchsync/internal/session"
)

// Server represents the local orchestration API
type Server struct {
	config         config.ServerConfig
	router         *chi.Mux
	controller     *session.Controller
	health         *poller.HealthMonitor
	broadcasts     *poller.BroadcastWatcher
	visibility     *poller.Visibility
	hub            *Hub
	gatherer       prometheus.Gatherer
	authMiddleware *AuthMiddleware
}

// Dependencies are the collaborators served by the API
type Dependencies struct {
	Controller *session.Controller
	Health     *poller.HealthMonitor
	Broadcasts *poller.BroadcastWatcher
	Visibility *poller.Visibility
	Hub        *Hub
	Gatherer   prometheus.Gatherer
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, deps Dependencies) *Server {
	s := &Server{
		config:         cfg,
		controller:     deps.Controller,
		health:         deps.Health,
		broadcasts:     deps.Broadcasts,
		visibility:     deps.Visibility,
		hub:            deps.Hub,
		gatherer:       deps.Gatherer,
		authMiddleware: NewAuthMiddleware(PresentersFromConfig(cfg)),
	}
	if s.hub == nil {
		s.hub = NewHub()
	}
	if s.visibility == nil {
		s.visibility = poller.NewVisibility()
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	s.setupRouter()
	return s
}

// Router returns the configured router
func (s *Server) Router() http.Handler {
	return s.router
}

// setupRouter configures all routes and middleware
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	timeout := s.config.RequestTimeout
	if timeout <= 0 {
		timeout = 150 * time.Second
	}

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// CORS configuration
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Public
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	// Event stream, long-lived and exempt from the request timeout
	r.With(s.authMiddleware.Authenticate, s.authMiddleware.RequirePermission(PermEventsRead)).
		Get("/ws/events", s.handleEventsWS)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(timeout))
		r.Use(s.authMiddleware.Authenticate)

		r.With(s.authMiddleware.RequirePermission(PermSessionRead)).Get("/status", s.handleStatus)
		r.With(s.authMiddleware.RequirePermission(PermSessionRead)).Get("/broadcast", s.handleCurrentBroadcast)
		r.With(s.authMiddleware.RequirePermission(PermSessionRead)).Post("/visibility", s.handleVisibility)

		r.Route("/session", func(r chi.Router) {
			r.With(s.authMiddleware.RequirePermission(PermSessionRead)).Get("/", s.handleGetSession)
			r.With(s.authMiddleware.RequirePermission(PermSessionRead)).Get("/check/{teamId}", s.handleCheckSession)
			r.With(s.authMiddleware.RequirePermission(PermSessionWrite)).Post("/init", s.handleInitSession)
			r.With(s.authMiddleware.RequirePermission(PermSessionWrite)).Post("/resume", s.handleResumeSession)
			r.With(s.authMiddleware.RequirePermission(PermSessionWrite)).Post("/reset", s.handleResetSession)
			r.With(s.authMiddleware.RequirePermission(PermSessionWrite)).Post("/team", s.handleSetTeam)
		})

		r.Route("/phases", func(r chi.Router) {
			r.With(s.authMiddleware.RequirePermission(PermSessionWrite)).Post("/{number}/start", s.handleStartPhase)
			r.With(s.authMiddleware.RequirePermission(PermSessionWrite)).Post("/submit", s.handleSubmitPhase)
			r.With(s.authMiddleware.RequirePermission(PermSessionWrite)).Post("/feedback", s.handleFeedback)
		})

		r.Route("/synthesis", func(r chi.Router) {
			r.With(s.authMiddleware.RequirePermission(PermSynthesisWrite)).Post("/curate", s.handleCuratePrompt)
			r.With(s.authMiddleware.RequirePermission(PermSynthesisWrite)).Post("/regenerate", s.handleRegeneratePrompt)
			r.With(s.authMiddleware.RequirePermission(PermSynthesisWrite)).Post("/final", s.handleSubmitFinal)
		})

		r.Route("/catalog", func(r chi.Router) {
			r.Use(s.authMiddleware.RequirePermission(PermSessionRead))
			r.Get("/usecase", s.handleGetUsecase)
			r.Get("/scoring", s.handleGetScoring)
			r.Get("/phases", s.handleListPhases)
			r.Get("/phases/{number}", s.handleGetPhase)
		})
	})

	s.router = r
}

// loggingMiddleware logs HTTP requests using slog
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			slog.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
				"remote_addr", r.RemoteAddr,
			)
		}()

		next.ServeHTTP(ww, r)
	})
}
