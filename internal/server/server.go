// Package server provides the HTTP server for go-rtgun
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teslashibe/go-rtgun/internal/config"
	"github.com/teslashibe/go-rtgun/internal/health"
	"github.com/teslashibe/go-rtgun/internal/pipeline"
	"github.com/teslashibe/go-rtgun/internal/reports"
	"github.com/teslashibe/go-rtgun/internal/tdoa"
	"github.com/teslashibe/go-rtgun/internal/timebase"
	"github.com/teslashibe/go-rtgun/internal/timeutil"
	"github.com/teslashibe/go-rtgun/internal/triangulate"
)

// Server is the HTTP server for go-rtgun
type Server struct {
	app      *fiber.App
	cfg      *config.Config
	tracker  *reports.Tracker
	checker  *health.Checker
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	wsHub    *WSHub
}

// New creates a new HTTP server. A nil gatherer serves the default registry.
func New(cfg *config.Config, tracker *reports.Tracker, checker *health.Checker, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	app := fiber.New(fiber.Config{
		AppName:               "go-rtgun",
		DisableStartupMessage: true,
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(cors.New())
	app.Use(LoggingMiddleware(logger))

	s := &Server{
		app:      app,
		cfg:      cfg,
		tracker:  tracker,
		checker:  checker,
		gatherer: gatherer,
		logger:   logger,
		wsHub:    NewWSHub(tracker, logger),
	}

	// Register routes
	s.registerRoutes()

	return s
}

// registerRoutes sets up all API routes
func (s *Server) registerRoutes() {
	// Health check
	s.app.Get("/health", s.healthHandler)

	// Metrics endpoint
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	api := s.app.Group("/api")

	// Runs
	api.Post("/sync", s.syncHandler)
	api.Post("/tdoa", s.tdoaHandler)

	// Results
	rep := api.Group("/reports")
	rep.Get("/", s.historyHandler)
	rep.Get("/latest", s.latestHandler)
	rep.Get("/stream", s.wsHub.UpgradeHandler())

	// Config endpoint
	api.Get("/config", s.configHandler)

	// Stats endpoint
	api.Get("/stats", s.statsHandler)
}

// healthHandler returns node health
func (s *Server) healthHandler(c *fiber.Ctx) error {
	status := s.checker.GetStatus()
	if status.Status == health.StatusUnhealthy {
		return c.Status(fiber.StatusServiceUnavailable).JSON(status)
	}
	return c.JSON(status)
}

// SyncRequest is the body of POST /api/sync
type SyncRequest struct {
	Trigger string `json:"trigger"`
}

// TDOARequest is the body of POST /api/tdoa
type TDOARequest struct {
	Trigger      string  `json:"trigger"`
	Reference    string  `json:"reference,omitempty"`
	SpeedOfSound float64 `json:"speed_of_sound,omitempty"`
	MaxLag       float64 `json:"max_lag_s,omitempty"`
}

// syncHandler extracts the synchronized windows for a trigger
func (s *Server) syncHandler(c *fiber.Ctx) error {
	var body SyncRequest
	if err := c.BodyParser(&body); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
	}

	trigger, err := timeutil.Parse(body.Trigger)
	if err != nil {
		return errorResponse(c, statusFor(err), err)
	}

	report, err := s.tracker.Sync(c.UserContext(), trigger)
	if err != nil {
		return errorResponse(c, statusFor(err), err)
	}
	return c.JSON(report)
}

// tdoaHandler runs localization for a trigger
func (s *Server) tdoaHandler(c *fiber.Ctx) error {
	var body TDOARequest
	if err := c.BodyParser(&body); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
	}

	trigger, err := timeutil.Parse(body.Trigger)
	if err != nil {
		return errorResponse(c, statusFor(err), err)
	}

	report, err := s.tracker.Locate(c.UserContext(), pipeline.Request{
		Trigger:      trigger,
		Reference:    body.Reference,
		SpeedOfSound: body.SpeedOfSound,
		MaxLag:       body.MaxLag,
	})
	if err != nil {
		return errorResponse(c, statusFor(err), err)
	}
	return c.JSON(report)
}

// latestHandler returns the most recent localization report
func (s *Server) latestHandler(c *fiber.Ctx) error {
	report := s.tracker.Latest()
	if report == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "no reports yet",
		})
	}
	return c.JSON(report)
}

// historyHandler returns recent reports, oldest first
func (s *Server) historyHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"reports": s.tracker.History(),
	})
}

// configHandler returns current configuration
func (s *Server) configHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"audio": fiber.Map{
			"sample_rate":   s.cfg.Audio.SampleRate,
			"pre_margin_s":  s.cfg.Audio.PreMarginS,
			"post_margin_s": s.cfg.Audio.PostMarginS,
			"formats":       s.cfg.Audio.Formats,
		},
		"array": fiber.Map{
			"reference":      s.cfg.Array.Reference,
			"speed_of_sound": s.cfg.Array.SpeedOfSound,
			"max_lag_s":      s.cfg.Array.MaxLagS,
			"auto_max_lag":   s.cfg.Array.AutoMaxLag,
			"mics":           s.cfg.Array.Geometry(),
		},
		"data": fiber.Map{
			"raw_dir":        s.cfg.Data.RawDir,
			"synced_dir":     s.cfg.Data.SyncedDir,
			"persist_synced": s.cfg.Data.PersistSynced,
		},
		"server": fiber.Map{
			"port":             s.cfg.Server.Port,
			"read_timeout_ms":  s.cfg.Server.ReadTimeout.Milliseconds(),
			"write_timeout_ms": s.cfg.Server.WriteTimeout.Milliseconds(),
		},
	})
}

// statsHandler returns tracker statistics
func (s *Server) statsHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"runs":              s.tracker.Stats(),
		"websocket_clients": s.wsHub.ClientCount(),
	})
}

// statusFor maps pipeline errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, timeutil.ErrMalformedTimestamp),
		errors.Is(err, pipeline.ErrInvalidRequest):
		return fiber.StatusBadRequest
	case errors.Is(err, timebase.ErrNoDataForTrigger):
		return fiber.StatusNotFound
	case errors.Is(err, timebase.ErrSampleRateMismatch),
		errors.Is(err, tdoa.ErrMissingReferenceMic),
		errors.Is(err, triangulate.ErrUnknownMic):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func errorResponse(c *fiber.Ctx, status int, err error) error {
	return c.Status(status).JSON(fiber.Map{
		"error": err.Error(),
	})
}

// Start starts the HTTP server and the report stream
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting HTTP server",
		"port", s.cfg.Server.Port,
	)

	s.wsHub.Start(ctx)

	return s.app.Listen(fmt.Sprintf(":%d", s.cfg.Server.Port))
}

// WSHub returns the WebSocket hub for external control
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Close WebSocket hub
	s.wsHub.Close()

	// Shutdown Fiber with timeout from context
	done := make(chan error, 1)
	go func() {
		done <- s.app.Shutdown()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
