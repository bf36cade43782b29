// Package api exposes the research backend over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/AyooB00/Qouantb-sub001/internal/finnhub"
	"github.com/AyooB00/Qouantb-sub001/internal/market"
	"github.com/AyooB00/Qouantb-sub001/internal/platform/cache"
	"github.com/AyooB00/Qouantb-sub001/internal/platform/health"
	"github.com/AyooB00/Qouantb-sub001/internal/platform/observability"
	"github.com/AyooB00/Qouantb-sub001/internal/platform/resilience"
)

// Market is the research service behind the handlers.
type Market interface {
	Quote(ctx context.Context, symbol string) (*finnhub.Quote, error)
	Profile(ctx context.Context, symbol string) (*finnhub.Profile, error)
	Candles(ctx context.Context, symbol, resolution string, days int) (*finnhub.Candles, error)
	Analyze(ctx context.Context, symbol, personaID string) (*market.Analysis, error)
	Screen(ctx context.Context, symbols []string, criteria market.ScreenCriteria) ([]market.ScreenResult, error)
	QueueStatus(symbol string) (market.QueueStatus, error)
	CacheStats() []cache.CacheStats
	AnalysisEnabled() bool
}

// Config holds server configuration
type Config struct {
	Port           int
	AllowedOrigins []string
	ReadTimeout    time.Duration
	// RequestTimeout bounds /api requests; websocket streams are exempt
	RequestTimeout time.Duration

	Market          Market
	Governor        *resilience.Governor
	HealthProviders []health.Provider
	Logger          *observability.Logger
	Metrics         *observability.Metrics
}

// Server represents the HTTP server
type Server struct {
	router    *chi.Mux
	server    *http.Server
	port      int
	origins   []string
	market    Market
	governor  *resilience.Governor
	providers []health.Provider
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	s := &Server{
		router:    chi.NewRouter(),
		port:      cfg.Port,
		origins:   cfg.AllowedOrigins,
		market:    cfg.Market,
		governor:  cfg.Governor,
		providers: cfg.HealthProviders,
		logger:    cfg.Logger.Component("server"),
		metrics:   cfg.Metrics,
	}

	s.setupMiddleware()
	s.setupRoutes(cfg.RequestTimeout)

	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     s.router,
		ReadTimeout: cfg.ReadTimeout,
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.instrument)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
}

func (s *Server) setupRoutes(timeout time.Duration) {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/ready", s.handleReady)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler())
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(timeout))

		r.Get("/quote/{symbol}", s.handleQuote)
		r.Get("/profile/{symbol}", s.handleProfile)
		r.Get("/candles/{symbol}", s.handleCandles)
		r.Get("/analysis/{symbol}", s.handleAnalysis)
		r.Get("/personas", s.handlePersonas)
		r.Post("/screener", s.handleScreen)
		r.Get("/cache", s.handleCacheStats)

		r.Route("/queue", func(r chi.Router) {
			r.Get("/", s.handleQueueStats)
			r.Delete("/", s.handleQueueClear)
			r.Get("/{symbol}", s.handleQueueStatus)
		})
	})

	s.router.Get("/ws/queue", s.handleQueueStream)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.LogInfo(context.Background(), "starting HTTP server", "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.LogInfo(ctx, "shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// instrument logs each request and records its latency by route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(r.Context(), r.Method, route, status, duration)
		}

		s.logger.LogInfo(r.Context(), "HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", duration.Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
