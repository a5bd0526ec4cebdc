// Package api implements the HTTP surface (§6): the ingest boundary, the
// subscriptions CRUD resource, and the health/metrics endpoints, all
// bound to a single gin.Engine.
package api

import (
	"context"
	"database/sql"
	"log/slog"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/langhook-io/langhook/pkg/eventlog"
	"github.com/langhook-io/langhook/pkg/ingest"
	"github.com/langhook-io/langhook/pkg/metrics"
	"github.com/langhook-io/langhook/pkg/ratelimit"
	"github.com/langhook-io/langhook/pkg/stream"
	"github.com/langhook-io/langhook/pkg/subscription"
)

// Server is the HTTP API server.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server

	db            *sql.DB
	stream        *stream.Stream
	subscriptions *subscription.Store
	compiler      *subscription.Compiler
	supervisor    *subscription.Supervisor
	events        *eventlog.Store
	gateLedger    *metrics.GateLedger
	version       string
}

// Config bundles every dependency Server needs; kept as one struct rather
// than a long positional constructor since several fields are themselves
// optional (rate limiting can be disabled by passing a nil limiter).
type Config struct {
	DB            *sql.DB
	Stream        *stream.Stream
	Subscriptions *subscription.Store
	Compiler      *subscription.Compiler
	Supervisor    *subscription.Supervisor
	Events        *eventlog.Store
	GateLedger    *metrics.GateLedger
	IngestHandler *ingest.Handler
	RateLimiter   *ratelimit.Limiter
	Version       string
}

// NewServer wires every route onto a fresh gin.Engine and returns a
// Server ready to Start.
func NewServer(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	e := gin.New()
	e.Use(gin.Recovery(), securityHeaders())

	s := &Server{
		engine:        e,
		db:            cfg.DB,
		stream:        cfg.Stream,
		subscriptions: cfg.Subscriptions,
		compiler:      cfg.Compiler,
		supervisor:    cfg.Supervisor,
		events:        cfg.Events,
		gateLedger:    cfg.GateLedger,
		version:       cfg.Version,
	}

	e.GET("/health/", s.healthHandler)
	e.GET("/health", s.healthHandler)
	e.GET("/map/metrics", s.metricsHandler)
	e.GET("/map/metrics/json", s.metricsJSONHandler)

	ingestGroup := e.Group("/")
	if cfg.RateLimiter != nil {
		ingestGroup.Use(rateLimit(cfg.RateLimiter))
	}
	if cfg.IngestHandler != nil {
		cfg.IngestHandler.Register(ingestGroup)
	}

	subs := e.Group("/subscriptions")
	subs.POST("/", s.createSubscriptionHandler)
	subs.GET("/", s.listSubscriptionsHandler)
	subs.GET("/:id", s.getSubscriptionHandler)
	subs.PUT("/:id", s.updateSubscriptionHandler)
	subs.DELETE("/:id", s.deleteSubscriptionHandler)
	subs.GET("/:id/events", s.listSubscriptionEventsHandler)

	return s
}

// Start starts the HTTP server on the given address (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.engine}
	return s.httpServer.ListenAndServe()
}

// StartWithListener starts the HTTP server on a pre-created listener, used
// by test infrastructure to serve on a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.engine}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) logReloadError(err error) {
	slog.Error("api: supervisor reload after subscription change", "error", err)
}
