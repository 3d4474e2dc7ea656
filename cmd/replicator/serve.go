package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/senzing-garage/data-mart-replicator/internal/admin"
	"github.com/senzing-garage/data-mart-replicator/internal/config"
	"github.com/senzing-garage/data-mart-replicator/internal/dbconn"
	"github.com/senzing-garage/data-mart-replicator/internal/engine"
	"github.com/senzing-garage/data-mart-replicator/internal/ingest"
	"github.com/senzing-garage/data-mart-replicator/internal/refresh"
	"github.com/senzing-garage/data-mart-replicator/internal/report"
	"github.com/senzing-garage/data-mart-replicator/internal/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the replicator service",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	// 1. Signal handling.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration.
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// 3. Initialize logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)
	slog.Info("configuration loaded", "component", "main")
	slog.Info("logger initialized", "component", "main", "level", cfg.Log.Level)

	// 4. Open the data mart (applies pragmas, runs goose migrations).
	db, err := dbconn.Open(dbconn.Options{
		Path:          cfg.Database.Path,
		MaxOpenConns:  cfg.Database.MaxOpenConns,
		BusyTimeoutMS: cfg.Database.BusyTimeoutMS,
	})
	if err != nil {
		return fmt.Errorf("open data mart: %w", err)
	}
	slog.Info("data mart opened", "component", "main", "path", cfg.Database.Path)

	// 5. Initialize the External Engine client.
	resolutionEngine := engine.NewHTTPEngine(cfg.Engine.BaseURL, &http.Client{Timeout: time.Duration(cfg.Engine.Timeout)})
	slog.Info("engine client initialized", "component", "main", "base_url", cfg.Engine.BaseURL)

	// 6. Initialize the scheduler pool and register every task handler.
	workerParallelism := cfg.Worker.WorkerParallelism
	if workerParallelism <= 0 {
		workerParallelism = 2 * runtime.NumCPU()
	}
	pool, err := scheduler.NewPool(workerParallelism)
	if err != nil {
		return fmt.Errorf("initialize scheduler: %w", err)
	}

	orchestrator := &refresh.Orchestrator{DB: db, Engine: resolutionEngine, Scheduler: pool}
	relationFallback := &refresh.RelationFallbackHandler{DB: db, Engine: resolutionEngine, Scheduler: pool}
	aggregator := &report.Aggregator{DB: db, Engine: resolutionEngine, Scheduler: pool}

	pool.RegisterHandler(scheduler.ActionRefreshEntity, orchestrator.Handle)
	pool.RegisterHandler(scheduler.ActionRefreshRelation, relationFallback.Handle)
	pool.RegisterHandler(scheduler.ActionUpdateDSS, aggregator.Handle)
	pool.RegisterHandler(scheduler.ActionUpdateCSS, aggregator.Handle)
	pool.RegisterHandler(scheduler.ActionUpdateESB, aggregator.Handle)
	pool.RegisterHandler(scheduler.ActionUpdateERB, aggregator.Handle)
	slog.Info("scheduler initialized", "component", "main", "worker_parallelism", workerParallelism)

	var wg sync.WaitGroup
	startWorker(ctx, &wg, "scheduler-pool", func(ctx context.Context) {
		if err := pool.Run(ctx); err != nil {
			slog.Error("scheduler pool exited", "component", "main", "error", err)
		}
	})

	// 7. Startup reconciliation: re-enqueue abandoned claims left behind
	// by a crash mid-refresh.
	bootstrapper := &refresh.Bootstrapper{DB: db, Scheduler: pool, Staleness: time.Duration(cfg.Worker.BootstrapStaleness)}
	if err := bootstrapper.Sweep(ctx); err != nil {
		slog.Error("startup reconciliation sweep failed", "component", "main", "error", err)
	}

	// 8. Start the table-poll ingestion source, feeding a pool of
	// consumer goroutines. The watermark gate below only logs when queue
	// depth crosses the high/low watermarks; it does not pause the poller.
	poller := ingest.NewTablePoller(db, time.Duration(cfg.Worker.TablePollInterval), cfg.Worker.TablePollBatchSize)
	events, err := poller.Events(ctx)
	if err != nil {
		return fmt.Errorf("start ingestion source: %w", err)
	}

	consumerParallelism := cfg.Worker.ConsumerParallelism
	if consumerParallelism <= 0 {
		consumerParallelism = 2 * runtime.NumCPU()
	}
	consumer := &ingest.Consumer{Engine: resolutionEngine, Scheduler: pool}
	for i := 0; i < consumerParallelism; i++ {
		startWorker(ctx, &wg, fmt.Sprintf("ingest-consumer-%d", i), func(ctx context.Context) {
			consumer.Run(ctx, events)
		})
	}
	slog.Info("ingestion started", "component", "main", "consumer_parallelism", consumerParallelism)

	gate := &ingest.WatermarkGate{
		High:     cfg.Worker.HighWatermark,
		Low:      cfg.Worker.LowWatermark,
		Depth:    func() int { return pool.Stats().QueueDepth },
		Interval: time.Duration(cfg.Worker.WatermarkInterval),
	}
	startWorker(ctx, &wg, "watermark-gate", func(ctx context.Context) {
		gate.Run(ctx, func() { slog.Warn("backpressure engaged", "component", "main") }, func() { slog.Info("backpressure released", "component", "main") })
	})

	// 9. Admin HTTP surface.
	adminHandler := &admin.Handler{DB: db, Scheduler: pool, Version: Version}
	router := admin.NewRouter(adminHandler)
	addr := fmt.Sprintf(":%d", cfg.Admin.Port)
	srv := &http.Server{Addr: addr, Handler: router}

	go func() {
		slog.Info("admin server starting", "component", "main", "address", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("admin server error", "component", "main", "error", err)
			cancel()
		}
	}()

	// 10. Block until signal received.
	<-ctx.Done()
	slog.Info("shutdown initiated", "component", "main")

	// 11. Graceful shutdown.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Admin.ShutdownTimeout))
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("admin server shutdown error", "component", "main", "error", err)
	}

	wg.Wait()

	if err := db.Close(); err != nil {
		slog.Error("data mart close error", "component", "main", "error", err)
	}

	slog.Info("shutdown complete", "component", "main")
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background worker goroutine tracked via
// WaitGroup for graceful shutdown, mirroring the teacher's
// cmd/engram/root.go lifecycle helper.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "component", "main", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "component", "main", "worker", name)
	}()
}
