package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/couchcryptid/storm-alert-service/internal/backend"
	"github.com/couchcryptid/storm-alert-service/internal/domain"
	"github.com/couchcryptid/storm-alert-service/internal/fallback"
	"github.com/couchcryptid/storm-alert-service/internal/identity"
	"github.com/couchcryptid/storm-alert-service/internal/notify"
	"github.com/couchcryptid/storm-alert-service/internal/observability"
	"github.com/couchcryptid/storm-alert-service/internal/places"
	"github.com/couchcryptid/storm-alert-service/internal/preferences"
	"github.com/couchcryptid/storm-alert-service/internal/sos"
	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps are the layers the HTTP surface drives.
type Deps struct {
	Tables      backend.Tables
	Realtime    backend.Realtime
	Shadow      *fallback.Shadow
	Users       *identity.Users
	Admins      *identity.Admins
	Broadcaster *notify.Broadcaster
	Places      *places.Service
	Preferences *preferences.Service
	Popup       notify.Popup
	Geocoder    domain.Geocoder
	Ready       sharedobs.ReadinessChecker
	Clock       clockwork.Clock
	Location    *time.Location
	Metrics     *observability.Metrics
	// SOSBackoff overrides the retry policy of reconcile requests.
	SOSBackoff func() backoff.BackOff
	// KeepAlive is the interval of comment frames on event streams.
	KeepAlive time.Duration
}

// Server exposes the user and admin trees plus health, readiness, and metrics.
type Server struct {
	httpServer *http.Server
	deps       Deps
	logger     *slog.Logger
}

// NewServer creates the HTTP server and registers every route.
func NewServer(addr string, deps Deps, logger *slog.Logger) *Server {
	if deps.Tables == nil || deps.Realtime == nil || deps.Shadow == nil || deps.Users == nil ||
		deps.Admins == nil || deps.Broadcaster == nil || deps.Places == nil || deps.Preferences == nil ||
		deps.Ready == nil || deps.Metrics == nil {
		panic("http: nil dependency")
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Location == nil {
		deps.Location = time.Local
	}
	if deps.KeepAlive <= 0 {
		deps.KeepAlive = 25 * time.Second
	}

	router := gin.New()
	s := &Server{
		httpServer: &http.Server{
			Addr:        addr,
			Handler:     router,
			ReadTimeout: 10 * time.Second,
			// No write timeout: event streams stay open.
			IdleTimeout: 60 * time.Second,
		},
		deps:   deps,
		logger: logger,
	}

	router.Use(gin.Recovery(), s.requestLogger())
	router.GET("/healthz", gin.WrapF(sharedobs.LivenessHandler()))
	router.GET("/readyz", gin.WrapF(sharedobs.ReadinessHandler(deps.Ready)))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.userRoutes(router.Group("/user"))
	s.adminRoutes(router.Group("/admin"))
	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}

func (s *Server) synchronizer() *notify.Synchronizer {
	return notify.NewSynchronizer(s.deps.Tables, s.deps.Realtime, s.deps.Shadow, notify.Options{
		Popup:    s.deps.Popup,
		Geocoder: s.deps.Geocoder,
		Clock:    s.deps.Clock,
		Logger:   s.logger,
	})
}

func (s *Server) tracker() *sos.Tracker {
	return sos.NewTracker(s.deps.Tables, s.deps.Realtime, s.deps.Shadow, sos.Options{
		Notifier: s.deps.Broadcaster,
		Popup:    s.deps.Popup,
		Clock:    s.deps.Clock,
		Location: s.deps.Location,
		Logger:   s.logger,
		Metrics:  s.deps.Metrics,
		Backoff:  s.deps.SOSBackoff,
	})
}
