package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"luraaya/apps/backend/features/job"
	"luraaya/apps/backend/features/stats"
	"luraaya/apps/backend/internal/adapter/compute"
	"luraaya/apps/backend/internal/adapter/gemini"
	"luraaya/apps/backend/internal/config"
	"luraaya/apps/backend/internal/delivery"
	"luraaya/apps/backend/internal/lease"
	"luraaya/apps/backend/internal/middleware"
	"luraaya/apps/backend/internal/orchestrator"
	"luraaya/apps/backend/internal/persist"
	"luraaya/apps/backend/internal/runlog"
	"luraaya/apps/backend/internal/worker"
)

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

// Options overrides the externally-backed adapters. Nil fields are built from config.
type Options struct {
	Compute   orchestrator.ComputeClient
	Generator delivery.Generator
	RunLog    *runlog.Logger
}

type App struct {
	Handler         http.Handler
	Orchestrator    *orchestrator.Orchestrator
	Jobs            *job.Service
	TriggerConsumer *worker.TriggerConsumer
	RunLog          *runlog.Logger

	cfg       *config.Config
	logger    *slog.Logger
	configErr error
	closers   []func() error
}

func New(
	ctx context.Context,
	cfg *config.Config,
	db *sql.DB,
	pub EventPublisher,
	logger *slog.Logger,
	opts *Options,
) (*App, error) {
	if opts == nil {
		opts = &Options{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger}

	// Adapters
	cc := opts.Compute
	if cc == nil {
		tokens, err := compute.NewIDTokenSource(ctx, cfg.ComputeBaseURL, cfg.ComputeCredentialsJSON)
		if err != nil {
			// Ready() reports the missing token source on every invocation.
			logger.Warn("compute token source unavailable", "error", err)
		}
		cc = compute.NewClient(cfg.ComputeBaseURL, tokens, cfg.ComputeTimeout)
	}

	gen := opts.Generator
	if gen == nil {
		switch {
		case cfg.GeminiAPIKey == "":
			a.configErr = fmt.Errorf("%w: GEMINI_API_KEY", config.ErrMissingRequired)
		default:
			g, err := gemini.NewGenerator(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
			if err != nil {
				a.configErr = fmt.Errorf("gemini client: %w", err)
			} else {
				gen = g
				a.closers = append(a.closers, g.Close)
			}
		}
	}

	a.RunLog = opts.RunLog
	if a.RunLog == nil {
		rl, err := runlog.NewFileLogger(cfg.RunLogPath)
		if err != nil {
			logger.Warn("failed to create run log, falling back to stdout", "error", err)
			rl = runlog.NewLogger(os.Stdout)
		}
		a.RunLog = rl
	}

	// Feature: Orchestrator
	jobRepo := job.NewPostgresRepo(db)
	leases := lease.NewManager(jobRepo, cfg.LeaseTTL, cfg.MaxAttempts, cfg.RetryFailedAfter)
	results := persist.NewPersister(jobRepo, cfg.StoreTimeout)
	dispatcher := delivery.NewDispatcher(gen, pub, cfg.DeliveryDisabled)

	a.Orchestrator = orchestrator.New(jobRepo, leases, results, cc, dispatcher, orchestrator.Config{
		BatchSize:          cfg.BatchSize,
		Concurrency:        cfg.Concurrency,
		StopOnFirstFailure: cfg.StopOnFirstFailure,
		RowTimeout:         cfg.RowTimeout,
		StoreTimeout:       cfg.StoreTimeout,
	}, logger)
	a.TriggerConsumer = worker.NewTriggerConsumer(a, logger)

	// Feature: Job
	a.Jobs = job.NewService(jobRepo, pub, logger).WithPolicy(leases.TTL(), leases.MaxAttempts())
	jobHandler := job.NewHandler(a.Jobs)

	// Feature: Stats
	statsHandler := stats.NewHandler(a.Jobs, a.RunLog)

	// Middleware: CORS
	enableCORS := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next(w, r)
		}
	}

	// Routes
	mux := http.NewServeMux()

	mux.Handle("POST /orchestrate", middleware.CorrelationID(middleware.RequireCronSecret(cfg.CronSecret, http.HandlerFunc(a.handleOrchestrate))))

	mux.Handle("GET /jobs", middleware.CorrelationID(enableCORS(jobHandler.List)))
	mux.Handle("GET /jobs/failed", middleware.CorrelationID(enableCORS(jobHandler.List)))
	mux.Handle("POST /jobs/{id}/retry", middleware.CorrelationID(enableCORS(jobHandler.Retry)))

	mux.Handle("GET /stats", middleware.CorrelationID(enableCORS(statsHandler.GetStats)))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	a.Handler = mux
	return a, nil
}

// Trigger runs one orchestrator invocation and appends it to the run log.
func (a *App) Trigger(ctx context.Context, source string) (orchestrator.Result, error) {
	start := time.Now()

	var (
		res orchestrator.Result
		err error
	)
	if a.configErr != nil {
		err = fmt.Errorf("%w: %w", orchestrator.ErrConfig, a.configErr)
	} else {
		res, err = a.Orchestrator.RunOnce(ctx)
	}

	entry := runlog.Entry{
		Trigger:       source,
		RunID:         res.RunID,
		Processed:     res.Processed,
		Sent:          res.Sent,
		Failed:        res.Failed,
		Duration:      time.Since(start),
		CorrelationID: middleware.GetCorrelationID(ctx),
	}
	if err != nil {
		entry.Error = ErrorCode(err)
		a.logger.ErrorContext(ctx, "orchestrator invocation failed", "trigger", source, "error", err)
	}
	a.RunLog.Log(entry)

	return res, err
}

// ErrorCode maps an invocation-level error to the code reported to triggers.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, orchestrator.ErrConfig):
		return "CONFIG_ERROR"
	case errors.Is(err, orchestrator.ErrSelect):
		return orchestrator.CodeSelectFailed
	case errors.Is(err, lease.ErrClaim):
		return lease.CodeLockUpdateFailed
	default:
		return "INTERNAL_ERROR"
	}
}

func (a *App) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	// The run outlives a disconnecting caller; leases must not be abandoned mid-row.
	ctx := context.WithoutCancel(r.Context())

	res, err := a.Trigger(ctx, "http")
	if err != nil {
		writeError(ctx, w, ErrorCode(err), err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}

func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.ServerPort),
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		a.logger.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown failed", "error", err)
		}
	}()

	a.logger.Info("server starting", "port", a.cfg.ServerPort)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
