package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"realtor-tracker/api"
	"realtor-tracker/config"
	"realtor-tracker/notify"
	"realtor-tracker/scraper/realtor"
	"realtor-tracker/services"
	"realtor-tracker/storage"
	"realtor-tracker/utils"
)

func main() {
	mode := flag.String("mode", "sync", "sync runs one cycle and exits; serve runs the API and the sync schedule")
	flag.Parse()

	cfg := config.Load()
	logger := utils.NewLoggerWithLevel(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("=== Listing tracker starting (%s mode) ===", *mode)
	logger.Info("Config: backend %s | cities %v | pages/city %d | concurrency %d | rate %dms | batch %d",
		cfg.StoreBackend, cfg.ScrapeCities, cfg.MaxPagesPerCity, cfg.MaxConcurrency, cfg.RateLimitMs, cfg.ReconcileBatchSize)

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to open %s store: %v", cfg.StoreBackend, err)
		if cfg.StoreBackend == config.BackendPostgres {
			logger.Error("Make sure Docker is running: docker compose up -d")
		}
		os.Exit(1)
	}
	defer store.Close()

	csvWriter, err := storage.NewCSVWriter(cfg.CSVOutputPath)
	if err != nil {
		logger.Error("Failed to create CSV writer: %v", err)
		os.Exit(1)
	}
	defer csvWriter.Close()

	publisher := openPublisher(ctx, cfg, logger)
	defer publisher.Close()

	fetcher := realtor.NewFetcher(cfg, logger)
	defer fetcher.Close()

	syncer := services.NewSyncer(store, realtor.New(cfg, fetcher, logger), logger, services.SyncerOptions{
		RawWriter: csvWriter,
		Publisher: publisher,
		BatchSize: cfg.ReconcileBatchSize,
		Location:  cfg.Location(),
	})

	switch *mode {
	case "sync":
		err = runSync(ctx, cfg, store, syncer, logger)
	case "serve":
		err = serve(ctx, cfg, store, syncer, logger)
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger *utils.Logger) (storage.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		return storage.NewPostgresStore(ctx, cfg.DSN())
	case config.BackendXLSX:
		return storage.NewXLSXStore(cfg.XLSXPath)
	case config.BackendAirtable:
		return storage.NewAirtableStore(storage.AirtableConfig{
			APIKey:        cfg.AirtableAPIKey,
			BaseID:        cfg.AirtableBaseID,
			ListingsTable: cfg.AirtableListingsTable,
			StatsTable:    cfg.AirtableStatsTable,
			RPS:           cfg.AirtableRPS,
			MaxRetries:    cfg.MaxRetries,
		}, logger), nil
	default:
		logger.Warn("Using the in-memory store; nothing survives a restart")
		return storage.NewMemoryStore(), nil
	}
}

func openPublisher(ctx context.Context, cfg *config.Config, logger *utils.Logger) notify.Publisher {
	if cfg.RedisAddr == "" {
		return notify.NopPublisher{}
	}
	pub, err := notify.NewRedisPublisher(ctx, cfg.RedisAddr, cfg.RedisStream, logger)
	if err != nil {
		logger.Warn("Redis unavailable, cycle events will not be published: %v", err)
		return notify.NopPublisher{}
	}
	return pub
}

func runSync(ctx context.Context, cfg *config.Config, store storage.Store, syncer *services.Syncer, logger *utils.Logger) error {
	res, err := syncer.Run(ctx)
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	records, err := store.GetAllRecords(ctx)
	if err != nil {
		return fmt.Errorf("loading records for summary: %w", err)
	}
	aggregator := services.NewAggregator(logger, cfg.Location())
	aggregator.Print(res, aggregator.Compute(records))

	fmt.Printf("  Done. Raw CSV → %s | Listings → %s store\n\n", cfg.CSVOutputPath, cfg.StoreBackend)
	return nil
}

func serve(ctx context.Context, cfg *config.Config, store storage.Store, syncer *services.Syncer, logger *utils.Logger) error {
	sched, err := services.NewSyncScheduler(cfg.SyncSchedule, cfg.Location(), 30*time.Minute, syncer, logger)
	if err != nil {
		return err
	}
	sched.Start()
	defer func() {
		<-sched.Stop().Done()
	}()

	return api.NewServer(store, syncer, cfg.Location(), logger).ListenAndServe(ctx, cfg.HTTPAddr)
}
