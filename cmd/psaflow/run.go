package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/dukex/psaflow/pkg/cmd"
	"github.com/dukex/psaflow/pkg/engine"
	"github.com/dukex/psaflow/pkg/log"
	"github.com/dukex/psaflow/pkg/metrics"
	"github.com/dukex/psaflow/pkg/otelhelper"
	"github.com/dukex/psaflow/pkg/scheduler"
	"github.com/dukex/psaflow/pkg/sources/queue"
	"github.com/dukex/psaflow/pkg/web"
)

const shutdownTimeout = 10 * time.Second

func NewRunCommand() *cli.Command {
	return &cli.Command{
		Name:    "run",
		Aliases: []string{"r"},
		Usage:   "Start the workflow service",
		Flags: []cli.Flag{
			databaseURLFlag(),
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the HTTP server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma separated Kafka brokers for the kafka event bus",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL of the event queue; the queue source is disabled when empty",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.StringFlag{
				Name:    "event-queue",
				Usage:   "Redis list the queue source pops events from",
				Value:   queue.DefaultQueue,
				Sources: cli.EnvVars("EVENT_QUEUE"),
			},
			&cli.DurationFlag{
				Name:    "scheduler-interval",
				Usage:   "How often scheduled workflows are checked",
				Value:   scheduler.DefaultInterval,
				Sources: cli.EnvVars("SCHEDULER_INTERVAL"),
			},
			&cli.BoolFlag{
				Name:    "otel-enabled",
				Usage:   "Export traces over OTLP HTTP",
				Sources: cli.EnvVars("OTEL_ENABLED"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger := log.WithModule("psaflow")

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, logger, command)
		},
	}
}

func run(ctx context.Context, logger *slog.Logger, command *cli.Command) error {
	logger.InfoContext(ctx, "Initializing psaflow")

	tracer := otelhelper.DefaultTracer()

	if command.Bool("otel-enabled") {
		t, shutdown, err := otelhelper.NewTracer(ctx, "psaflow")
		if err != nil {
			return err
		}

		defer func() {
			if err := shutdown(context.WithoutCancel(ctx)); err != nil {
				logger.ErrorContext(ctx, "Failed to shutdown tracer provider", "error", err)
			}
		}()

		tracer = t
	}

	store, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return err
	}

	defer func() {
		if err := store.Close(context.WithoutCancel(ctx)); err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	bus, err := cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), logger)
	if err != nil {
		return err
	}

	defer func() {
		if err := bus.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}()

	registry, err := cmd.NewRegistry(logger, bus)
	if err != nil {
		return err
	}

	recorder := metrics.New()

	e, err := engine.New(engine.Config{
		Definitions: store,
		Executions:  store,
		Stats:       store,
		Registry:    registry,
		Publisher:   bus,
		Tracer:      tracer,
		Logger:      logger,
		Metrics:     recorder,
	})
	if err != nil {
		return err
	}

	err = e.Subscribe(bus)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return bus.Subscribe(gctx)
	})

	sched := scheduler.New(store, e, logger, scheduler.WithMetrics(recorder))

	g.Go(func() error {
		err := sched.Start(gctx, command.Duration("scheduler-interval"))
		if err != nil {
			return err
		}

		<-gctx.Done()
		sched.Stop()

		return nil
	})

	if redisURL := command.String("redis-url"); redisURL != "" {
		client, err := queue.NewClient(redisURL)
		if err != nil {
			return err
		}

		defer client.Close()

		source, err := queue.NewSource(client, command.String("event-queue"), e, logger)
		if err != nil {
			return err
		}

		g.Go(func() error {
			err := source.Start(gctx)
			if err != nil {
				return err
			}

			<-gctx.Done()
			source.Stop()

			return nil
		})
	}

	handlers := web.NewAPIHandlers(e, store, validator.New(validator.WithRequiredStructEnabled()), registry)
	app := web.NewApp(handlers, recorder)

	g.Go(func() error {
		addr := ":" + strconv.Itoa(int(command.Int("port")))

		logger.InfoContext(gctx, "HTTP server listening", "addr", addr)

		return app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true})
	})

	g.Go(func() error {
		<-gctx.Done()

		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	err = g.Wait()

	logger.InfoContext(ctx, "psaflow stopped")

	return err
}
