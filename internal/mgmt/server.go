// Package mgmt is the management API: liveness and readiness probes, a
// status summary for operators, and Prometheus metrics.
package mgmt

import (
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/lista-sync/lista/internal/health"
	"github.com/lista-sync/lista/internal/metrics"
	"github.com/lista-sync/lista/internal/swarm"
)

// Server is the management API Fiber application.
type Server struct {
	app       *fiber.App
	session   *swarm.Session
	checker   *health.Checker
	logger    zerolog.Logger
	addr      string
	startTime time.Time
}

// StatusResponse is the GET /status payload.
type StatusResponse struct {
	Writer    string `json:"writer"`
	GroupKey  string `json:"groupKey"`
	Writable  bool   `json:"writable"`
	Items     int    `json:"items"`
	Peers     int    `json:"peers"`
	UptimeSec int64  `json:"uptimeSec"`
}

// NewServer creates and configures the management API server.
func NewServer(addr string, session *swarm.Session, checker *health.Checker, m *metrics.Metrics, logger zerolog.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})

	s := &Server{
		app:       app,
		session:   session,
		checker:   checker,
		logger:    logger.With().Str("component", "mgmt_server").Logger(),
		addr:      addr,
		startTime: time.Now(),
	}

	app.Use(recover.New())

	app.Get("/healthz", s.liveness)
	app.Get("/readyz", s.readiness)
	if m != nil {
		app.Get("/metrics", func(c *fiber.Ctx) error {
			c.Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
			return c.SendString("# Prometheus metrics endpoint\n# Use the main HTTP server for full metrics\n")
		})
	}
	app.Get("/status", s.status)

	return s
}

func (s *Server) liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) readiness(c *fiber.Ctx) error {
	if !s.checker.IsReady(c.Context()) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "not_ready",
		})
	}
	return c.JSON(fiber.Map{"status": "ready"})
}

func (s *Server) status(c *fiber.Ctx) error {
	resp := StatusResponse{
		GroupKey:  s.session.GroupKeyHex(),
		Peers:     s.session.PeerCount(),
		UptimeSec: int64(time.Since(s.startTime).Seconds()),
	}
	if list := s.session.List(); list != nil {
		resp.Writer = list.Writer()
		resp.Writable = list.Writable()
		resp.Items = len(list.Snapshot())
	}
	return c.JSON(resp)
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.addr).Msg("management API server starting")
	return s.app.Listen(s.addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("management API server shutting down")
	return s.app.Shutdown()
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}
