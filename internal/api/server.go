// Package api is the protocol layer: thin HTTP handlers routing requests
// to Store/SessionRegistry/QueryEngine/EventBus. No UI is served from this
// process — the viewer is an external consumer of /stream.
package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"memoryd/internal/config"
	"memoryd/internal/eventbus"
	"memoryd/internal/queryengine"
	"memoryd/internal/sessionregistry"
	"memoryd/internal/store"
)

// VectorHealth is the narrow slice of *vectorindex.VectorIndex the health
// endpoint needs. Kept as a local interface so a nil value cleanly means
// "no vector index configured" without the protocol layer importing the
// vectorindex package for anything but this one check.
type VectorHealth interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP API server.
type Server struct {
	echo *echo.Echo

	httpServer *http.Server

	cfg      *config.Config
	store    *store.Store
	registry *sessionregistry.Registry
	engine   *queryengine.Engine
	bus      *eventbus.Bus
	vec      VectorHealth
}

// NewServer wires the protocol layer against the components it routes to
// and registers every route. vec may be nil — the server then reports the
// vector index as absent rather than attempting a health check against
// it.
func NewServer(cfg *config.Config, st *store.Store, registry *sessionregistry.Registry, engine *queryengine.Engine, bus *eventbus.Bus, vec VectorHealth) *Server {
	e := echo.New()
	e.Use(middleware.Recover())
	e.Use(asyncErrorLogger())
	e.Use(securityHeaders())

	s := &Server{
		echo:     e,
		cfg:      cfg,
		store:    st,
		registry: registry,
		engine:   engine,
		bus:      bus,
		vec:      vec,
	}
	s.setupRoutes()
	return s
}

// setupRoutes registers the full HTTP surface.
func (s *Server) setupRoutes() {
	s.echo.Use(middleware.BodyLimit(2 * 1024 * 1024))

	s.echo.GET("/health", s.healthHandler)
	s.echo.GET("/stream", s.streamHandler)

	api := s.echo.Group("/api")
	api.POST("/sessions/ensure", s.ensureSessionHandler)
	api.POST("/sessions/summarize", s.summarizeHandler)
	api.POST("/sessions/complete", s.completeSessionHandler)
	api.POST("/observations", s.observationHandler)

	api.GET("/context/:project", s.contextHandler)
	api.GET("/search", s.searchHandler)
	api.GET("/timeline", s.timelineHandler)
	api.GET("/observation/:id", s.getObservationHandler)
	api.GET("/session/:id", s.getSessionHandler)
	api.GET("/prompt/:id", s.getPromptHandler)

	api.GET("/stats", s.statsHandler)
	api.GET("/processing-status", s.processingStatusHandler)
}

// Handler exposes the underlying router for httptest-based tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start starts the HTTP server on the given address; ListenAndServe is
// expected to run in its own goroutine.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.echo}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// healthHandler reports Store reachability (unhealthy if down),
// VectorIndex reachability (degraded, not fatal), the registry's
// active-work count, and the number of stream subscribers.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := store.Health(reqCtx, s.store.DB()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{"status": "unhealthy", "store": err.Error()})
	}

	vectorStatus := "absent"
	if s.vec != nil {
		if err := s.vec.Ping(reqCtx); err != nil {
			vectorStatus = "unreachable"
		} else {
			vectorStatus = "ok"
		}
	}

	return c.JSON(http.StatusOK, map[string]any{
		"status":         "ok",
		"store":          "ok",
		"vector_index":   vectorStatus,
		"active_work":    s.registry.TotalActiveWork(),
		"subscribers":    s.bus.SubscriberCount(),
	})
}
