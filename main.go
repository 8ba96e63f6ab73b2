package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"luraaya/apps/backend/internal/app"
	"luraaya/apps/backend/internal/config"
	applog "luraaya/apps/backend/internal/logger"
	"luraaya/apps/backend/internal/middleware"
	"luraaya/apps/backend/internal/orchestrator"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"
	"github.com/spf13/cobra"
)

func main() {
	// Initialize structured logger
	logger := slog.New(applog.NewContextHandler(slog.NewJSONHandler(os.Stdout, nil)))
	slog.SetDefault(logger)

	if err := newRootCmd(logger).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(logger *slog.Logger) *cobra.Command {
	var cfg *config.Config

	rootCmd := &cobra.Command{
		Use:           "orchestrator",
		Short:         "Horoscope job orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load()
			if err != nil {
				logger.Error("failed to load config", "error", err)
				return err
			}
			return nil
		},
	}

	runOnceCmd := &cobra.Command{
		Use:   "run-once",
		Short: "Process one batch of due jobs and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx = middleware.WithCorrelationID(ctx, uuid.NewString())

			res, err := runOnce(ctx, cfg, logger)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err != nil {
				_ = enc.Encode(map[string]interface{}{
					"error": map[string]string{"code": app.ErrorCode(err), "message": err.Error()},
				})
				return err
			}
			return enc.Encode(res)
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP trigger and operator API, with optional cron and NSQ triggers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := app.OpenDB(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := app.Migrate(db, cfg.MigrationPath); err != nil {
				logger.Error("failed to run migrations", "error", err)
				return err
			}
			logger.Info("migrations applied successfully")
			return nil
		},
	}

	rootCmd.AddCommand(runOnceCmd, serveCmd, migrateCmd)
	return rootCmd
}

func runOnce(ctx context.Context, cfg *config.Config, logger *slog.Logger) (orchestrator.Result, error) {
	// Fail before opening connections; serve instead reports this per invocation.
	if err := cfg.ValidateOrchestrator(); err != nil {
		return orchestrator.Result{}, fmt.Errorf("%w: %w", orchestrator.ErrConfig, err)
	}

	db, err := app.OpenDB(ctx, cfg)
	if err != nil {
		return orchestrator.Result{}, err
	}
	defer db.Close()

	producer, err := nsq.NewProducer(cfg.NSQDHost, nsq.NewConfig())
	if err != nil {
		return orchestrator.Result{}, fmt.Errorf("nsq producer error: %w", err)
	}
	defer producer.Stop()

	a, err := app.New(ctx, cfg, db, producer, logger, nil)
	if err != nil {
		return orchestrator.Result{}, err
	}
	defer a.Close()

	return a.Trigger(ctx, "cli")
}

// run serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		logger.Error("bootstrap failed", "error", err)
		return err
	}
	defer deps.Close()

	a, err := app.New(ctx, cfg, deps.DB, deps.NSQProducer, logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.EnableScheduler {
		sched, err := orchestrator.NewScheduler(cfg.Schedule, func(ctx context.Context) {
			ctx = middleware.WithCorrelationID(ctx, uuid.NewString())
			_, _ = a.Trigger(ctx, "cron")
		}, logger)
		if err != nil {
			return err
		}
		sched.Start()
		logger.Info("orchestrator schedule started", "schedule", cfg.Schedule)
		defer func() {
			<-sched.Stop().Done()
		}()
	}

	if cfg.EnableTriggerConsumer {
		consumer, err := nsq.NewConsumer(config.TopicOrchestratorTrigger, config.ChannelOrchestrator, nsq.NewConfig())
		if err != nil {
			logger.Error("failed to create NSQ trigger consumer", "error", err)
		} else {
			consumer.AddHandler(a.TriggerConsumer)
			if err := consumer.ConnectToNSQLookupd(cfg.NSQLookupd); err != nil {
				logger.Error("failed to connect to NSQLookupd", "error", err)
			} else {
				logger.Info("NSQ trigger consumer connected")
			}
			defer consumer.Stop()
		}
	}

	return a.Run(ctx)
}
