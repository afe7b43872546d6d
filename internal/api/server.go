package api

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"net/url"

	"github.com/ewancrowle/sniporter/internal/clienthello"
	"github.com/ewancrowle/sniporter/internal/config"
	"github.com/ewancrowle/sniporter/internal/metrics"
	"github.com/ewancrowle/sniporter/internal/record"
	"github.com/ewancrowle/sniporter/internal/relay"
	"github.com/ewancrowle/sniporter/internal/strategy"
	"github.com/ewancrowle/sniporter/internal/sync"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
)

// maxInspectBytes bounds the captures accepted by /inspect.
const maxInspectBytes = 64 * 1024

type Server struct {
	app     *fiber.App
	cfg     *config.Config
	manager *strategy.StrategyManager
	sync    *sync.RedisSync
	metrics *metrics.Registry
}

func NewServer(cfg *config.Config, manager *strategy.StrategyManager, redisSync *sync.RedisSync, m *metrics.Registry) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		BodyLimit:             maxInspectBytes,
	})

	if cfg.API.LogRequests {
		app.Use(logger.New())
	}

	s := &Server{
		app:     app,
		cfg:     cfg,
		manager: manager,
		sync:    redisSync,
		metrics: m,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.app.Get("/healthz", s.handleHealth)
	s.app.Get("/routes", s.handleListRoutes)
	s.app.Post("/routes", s.handleUpdateRoute)
	s.app.Delete("/routes/:type/:fqdn", s.handleDeleteRoute)
	s.app.Post("/inspect", s.handleInspect)

	if s.cfg.Metrics.Enabled && s.metrics != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(s.metrics.Handler()))
	}
}

func (s *Server) Start() error {
	return s.app.Listen(fmt.Sprintf(":%d", s.cfg.API.Port))
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) handleListRoutes(c *fiber.Ctx) error {
	routes := s.manager.Routes()
	if routes == nil {
		routes = []strategy.Route{}
	}
	return c.JSON(routes)
}

func (s *Server) handleUpdateRoute(c *fiber.Ctx) error {
	var route strategy.Route
	if err := c.BodyParser(&route); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	if err := s.manager.Apply(route); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	s.countUpdate("set")

	// Publish to Redis for sync
	if err := s.sync.PublishUpdate(c.Context(), route); err != nil {
		log.Printf("Failed to sync route %s to Redis: %v", route.FQDN, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to sync route"})
	}

	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) handleDeleteRoute(c *fiber.Ctx) error {
	t := strategy.StrategyType(c.Params("type"))
	fqdn, err := url.PathUnescape(c.Params("fqdn"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid FQDN"})
	}

	removed, err := s.manager.Remove(t, fqdn)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	if !removed {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Route not found"})
	}
	s.countUpdate("delete")

	if err := s.sync.PublishDelete(c.Context(), t, fqdn); err != nil {
		log.Printf("Failed to sync route deletion %s to Redis: %v", fqdn, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to sync route"})
	}

	return c.JSON(fiber.Map{"status": "ok"})
}

// handleInspect extracts the server name from a captured client stream. The
// body is read with record framing unless ?raw=handshake is given.
func (s *Server) handleInspect(c *fiber.Ctx) error {
	var r io.Reader = bytes.NewReader(c.Body())
	if c.Query("raw") != "handshake" {
		r = record.NewReader(r)
	}

	name, err := clienthello.ReadServerName(r)
	if err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": err.Error(),
			"kind":  relay.ErrorKind(err),
		})
	}

	target, err := s.manager.Resolve(c.Context(), name)
	resp := fiber.Map{"sni": name}
	if err == nil {
		resp["target"] = target
	}
	return c.JSON(resp)
}

func (s *Server) countUpdate(action string) {
	if s.metrics != nil {
		s.metrics.RouteUpdates.WithLabelValues("api", action).Inc()
	}
}
