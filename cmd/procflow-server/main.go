package main

import (
	"context"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/procflow/procflow/pkg/cmd"
	"github.com/procflow/procflow/pkg/handlers"
	"github.com/procflow/procflow/pkg/log"
	"github.com/procflow/procflow/pkg/otelhelper"
	"github.com/procflow/procflow/pkg/scheduler"
	"github.com/procflow/procflow/pkg/service"
)

const defaultPort = 9091

func main() {
	logger := log.WithModule("server")

	command := &cli.Command{
		Name:                  "procflow-server",
		Usage:                 "Run process instances and expose the process API",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for snapshot persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka, memory)",
				Value:   "memory",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for the completion replay queue (in-memory when unset)",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.StringFlag{
				Name:    "processes-path",
				Usage:   "Path to the directory containing process definitions",
				Value:   "./processes",
				Sources: cli.EnvVars("PROCESSES_PATH"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger.InfoContext(ctx, "Initializing Procflow server")

			tracerProvider, err := otelhelper.InitTracer(ctx, "procflow-server")
			if err != nil {
				return fmt.Errorf("failed to initialize tracer: %w", err)
			}

			defer func() {
				if err := tracerProvider.Shutdown(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to shutdown tracer provider", "error", err)
				}
			}()

			reg, err := cmd.NewRegistry(logger, command.String("processes-path"))
			if err != nil {
				return err
			}

			store, err := cmd.NewStore(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				if err := store.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close store", "error", err)
				}
			}()

			eventBus := cmd.NewEventBus(command.String("event-bus"), logger)
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			replayQueue, err := cmd.NewReplayQueue(ctx, command.String("redis-url"))
			if err != nil {
				return err
			}

			processService := service.NewProcessService(logger, reg, store, eventBus, replayQueue)
			processService.WorkItems().RegisterHandler("rest", handlers.NewRESTHandler(logger))
			processService.WorkItems().RegisterHandler("log", handlers.NewLogHandler(logger))

			defer func() {
				if err := processService.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close process service", "error", err)
				}
			}()

			deadlines := scheduler.NewDeadlineScheduler(logger, processService.DeadlineFired)
			processService.SetDeadlineScheduler(deadlines)
			deadlines.Start()

			defer deadlines.Stop()

			server := NewServer(logger, processService, reg)

			return server.Start(int(command.Int("port")))
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		logger.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
}
