package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/policyreviewer/pipeline/internal/async"
	"github.com/policyreviewer/pipeline/internal/audit"
	"github.com/policyreviewer/pipeline/internal/common"
	"github.com/policyreviewer/pipeline/internal/engine"
	"github.com/policyreviewer/pipeline/internal/entity"
	"github.com/policyreviewer/pipeline/internal/ingest"
	"github.com/policyreviewer/pipeline/internal/ledger"
	"github.com/policyreviewer/pipeline/internal/pipeline"
	"github.com/policyreviewer/pipeline/internal/server"
	"github.com/policyreviewer/pipeline/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (env vars override)")
	flag.Parse()

	// Structured logger that outputs messages with variables but no time/level.
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey || a.Key == slog.LevelKey {
				return slog.Attr{}
			}
			return a
		},
	}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewFSStore(cfg.Storage.Root, logger)
	if err != nil {
		logger.Error("failed to open blob store", "root", cfg.Storage.Root, "error", err)
		os.Exit(1)
	}
	recorder := audit.NewWriter(store, cfg.Storage.AuditPrefix, logger)

	var led ledger.Ledger
	var sqlLedger *ledger.SQLLedger
	if cfg.Ledger.DSN != "" {
		sqlLedger, err = ledger.Open(ctx, cfg.Ledger.DSN, logger)
		if err != nil {
			logger.Error("failed to open job ledger", "error", err)
			os.Exit(1)
		}
		defer sqlLedger.Close()

		// Ping to catch DSN issues before accepting work.
		if err := sqlLedger.HealthCheck(ctx, 5*time.Second); err != nil {
			logger.Error("failed to ping job ledger", "error", err)
			os.Exit(1)
		}
		led = sqlLedger
	}

	eng := engine.NewHTTPEngine(cfg.Engine, logger)
	pipe := pipeline.New(eng, store, recorder, led, cfg, logger)

	var health func(context.Context) error
	if sqlLedger != nil {
		health = func(ctx context.Context) error {
			return sqlLedger.HealthCheck(ctx, 2*time.Second)
		}
	}
	mux := server.NewMux(
		server.NewCompletionHandler(pipe, []byte(cfg.Notify.WebhookSecret), logger),
		server.NewHealthHandler(health, logger),
	)
	srv := server.New(cfg.Server, mux, logger)

	queue := async.NewIngestQueue(func(ctx context.Context, ev entity.IngestEvent) error {
		_, err := pipe.HandleIngest(ctx, ev)
		return err
	}, logger,
		async.WithWorkers(cfg.Ingest.Workers),
		async.WithQueueSize(512),
		async.WithProcessTimeout(3*time.Minute),
	)

	events, watchErrs, err := ingest.StartWatcher(ctx, ingest.WatchConfig{
		Root:        store.Root(),
		InputPrefix: cfg.Storage.InputPrefix,
		InitialScan: cfg.Ingest.InitialScan,
		Debounce:    cfg.Ingest.Debounce,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("failed to start arrival watcher", "error", err)
		os.Exit(1)
	}

	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		if err := srv.Serve(ctx); err != nil {
			logger.Error("callback server failed", "error", err)
			os.Exit(1)
		}
	}()
	go func() {
		for err := range watchErrs {
			logger.Warn("arrival watcher error", "error", err)
		}
	}()

	for ev := range events {
		if err := queue.Enqueue(ctx, async.Job{Event: ev}); err != nil {
			break
		}
	}

	// The watcher channel closes on signal; drain in-flight jobs, then
	// wait for the listener's graceful stop.
	queue.Shutdown(context.Background())
	<-serveDone
	logger.Info("pipelined stopped")
}

func loadConfig(path string) (*common.Config, error) {
	if path != "" {
		return common.LoadConfigFile(path)
	}
	return common.LoadConfig(), nil
}
