// Package main provides the Procflow API server implementation.
package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/procflow/procflow/pkg/dispatcher"
	"github.com/procflow/procflow/pkg/registry"
	"github.com/procflow/procflow/pkg/service"
	"github.com/procflow/procflow/pkg/web"
)

type Server struct {
	logger         *slog.Logger
	processService *service.ProcessService
	registry       *registry.Registry
	validate       *validator.Validate
}

func NewServer(
	logger *slog.Logger,
	processService *service.ProcessService,
	reg *registry.Registry,
) *Server {
	return &Server{
		logger:         logger,
		processService: processService,
		registry:       reg,
		validate:       validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (s *Server) App() (*fiber.App, error) {
	// One dispatcher per registered process, keyed by its definition id,
	// which doubles as the inbound topic name.
	dispatchers := make(map[string]*dispatcher.Dispatcher)

	for _, def := range s.registry.Processes() {
		d, err := dispatcher.NewDispatcher(s.logger, s.processService, s.registry, def, nil)
		if err != nil {
			return nil, err
		}

		dispatchers[def.ID] = d
	}

	handlers := web.NewAPIHandlers(s.processService, s.registry, s.validate, dispatchers)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Procflow API")
	})

	handlers.RegisterRoutes(app)

	return app, nil
}

func (s *Server) Start(port int) error {
	app, err := s.App()
	if err != nil {
		return err
	}

	return app.Listen(":" + strconv.Itoa(port))
}
