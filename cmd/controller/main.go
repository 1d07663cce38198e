// Package main is the entry point of the strategy ecosystem meta-controller.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres" // migrate driver
	_ "github.com/golang-migrate/migrate/v4/source/file"       // migrate source
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/your-org/strategy-ecosystem/internal/alert"
	"github.com/your-org/strategy-ecosystem/internal/capital"
	"github.com/your-org/strategy-ecosystem/internal/component"
	"github.com/your-org/strategy-ecosystem/internal/config"
	"github.com/your-org/strategy-ecosystem/internal/controller"
	"github.com/your-org/strategy-ecosystem/internal/dbwriter"
	"github.com/your-org/strategy-ecosystem/internal/evolution"
	"github.com/your-org/strategy-ecosystem/internal/feed"
	"github.com/your-org/strategy-ecosystem/internal/http/handler"
	"github.com/your-org/strategy-ecosystem/internal/lifecycle"
	"github.com/your-org/strategy-ecosystem/internal/metrics"
	"github.com/your-org/strategy-ecosystem/internal/store"
	"github.com/your-org/strategy-ecosystem/internal/strategy"
	"github.com/your-org/strategy-ecosystem/internal/telemetry"
	"github.com/your-org/strategy-ecosystem/pkg/logger"
)

func main() {
	// --- Configuration ---
	configPath := flag.String("config", "config/config.yaml", "Path to the configuration file")
	migrateUp := flag.Bool("migrate", false, "Apply db/schema migrations before starting (postgres driver only)")
	migrationsDir := flag.String("migrations", "db/schema", "Directory holding the SQL migrations")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// --- Logger ---
	logger.SetGlobalLogLevel(cfg.App.LogLevel)
	defer logger.Sync()
	zapLogger := logger.Zap()
	logger.Info("Strategy ecosystem controller starting...")
	logger.Infof("Loaded configuration from: %s (environment=%s)", *configPath, cfg.App.Environment)

	if err := cfg.EnsureDirectories(); err != nil {
		logger.Fatalf("Failed to prepare directories: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Persistence ---
	if *migrateUp {
		if cfg.Store.Driver != "postgres" {
			logger.Fatalf("-migrate requires store.driver=postgres, got %q", cfg.Store.Driver)
		}
		if err := runMigrations(*migrationsDir, cfg.Store.Database.DSN()); err != nil {
			logger.Fatalf("Failed to apply migrations: %v", err)
		}
		logger.Info("Database migrations applied.")
	}

	st, writer, err := openStore(ctx, cfg, zapLogger)
	if err != nil {
		logger.Fatalf("Failed to open store: %v", err)
	}
	defer func() {
		writer.Close()
		if err := st.Close(); err != nil {
			logger.Errorf("Failed to close store: %v", err)
		}
	}()

	// --- Alerts ---
	notifier := buildNotifier(cfg.Alert, zapLogger)
	defer notifier.Close()

	// --- Telemetry ---
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	tm := telemetry.NewMetrics(registry)

	// --- Core ---
	ctrl, err := buildController(cfg, st, writer, notifier, tm, zapLogger)
	if err != nil {
		logger.Fatalf("Failed to build controller: %v", err)
	}

	restored, err := ctrl.Restore(ctx)
	if err != nil {
		logger.Fatalf("Failed to restore population: %v", err)
	}
	if restored == 0 {
		seeded, err := ctrl.Seed(ctx, seedEntries(cfg.Population))
		if err != nil {
			logger.Fatalf("Failed to seed population: %v", err)
		}
		logger.Infof("Seeded %d components.", seeded)
	} else {
		logger.Infof("Restored %d components.", restored)
	}

	// --- HTTP API ---
	server := &http.Server{
		Addr:              cfg.App.HTTPAddr,
		Handler:           handler.NewRouter(ctrl, ctrl.Err, promhttp.HandlerFor(registry, promhttp.HandlerOpts{})),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Infof("HTTP server starting on %s", cfg.App.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// --- Graceful Shutdown Setup ---
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	if err := ctrl.Start(ctx); err != nil {
		logger.Fatalf("Failed to start controller: %v", err)
	}

	select {
	case sig := <-sigs:
		logger.Infof("Received signal: %s, initiating shutdown...", sig)
	case <-ctrl.Done():
		logger.Errorf("Controller halted: %v", ctrl.Err())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := ctrl.Stop(shutdownCtx); err != nil {
		logger.Errorf("Controller did not stop cleanly: %v", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("HTTP server shutdown failed: %v", err)
	}
	cancel()

	if ctrl.Err() != nil {
		logger.Error("Strategy ecosystem controller stopped after a fatal error.")
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("Strategy ecosystem controller shut down gracefully.")
}

func runMigrations(dir, dsn string) error {
	m, err := migrate.New("file://"+dir, dsn)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to migrate up: %w", err)
	}
	return nil
}

// openStore returns the configured store and the matching sample archive.
func openStore(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) (store.Store, dbwriter.DBWriter, error) {
	switch cfg.Store.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Store.Database.DSN())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to ping database: %w", err)
		}
		writer, err := dbwriter.NewTimescaleWriter(pool, cfg.Store.Writer, zapLogger)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("PostgreSQL store and sample writer initialized.")
		return store.NewPostgresStore(pool, zapLogger), writer, nil
	case "sqlite":
		st := store.NewSQLiteStore(cfg.Store.SQLitePath)
		if err := st.Init(ctx); err != nil {
			return nil, nil, err
		}
		logger.Infof("SQLite store opened at %s", cfg.Store.SQLitePath)
		return st, dbwriter.NewDummyWriter(logger.NewLogger(cfg.App.LogLevel, cfg.App.Debug.Bool())), nil
	default:
		logger.Warn("Using in-memory store; state will not survive a restart.")
		return store.NewMemoryStore(), dbwriter.NewDummyWriter(logger.NewLogger(cfg.App.LogLevel, cfg.App.Debug.Bool())), nil
	}
}

func buildNotifier(cfg config.AlertConfig, zapLogger *zap.Logger) alert.Notifier {
	if !cfg.Enabled.Bool() {
		return alert.NewLogNotifier(zapLogger.Named("alert"))
	}
	sender, err := alert.NewTelegramSender(cfg.TelegramBotToken, cfg.TelegramChatID, cfg.TelegramAPIURL)
	if err != nil {
		logger.Warnf("Telegram alerts unavailable, logging alerts instead: %v", err)
		return alert.NewLogNotifier(zapLogger.Named("alert"))
	}
	return alert.NewBufferedNotifier(sender, time.Duration(cfg.BufferIntervalSeconds)*time.Second, zapLogger)
}

func buildController(cfg *config.Config, st store.Store, writer dbwriter.DBWriter, notifier alert.Notifier,
	tm *telemetry.Metrics, zapLogger *zap.Logger) (*controller.Controller, error) {
	ledger := capital.NewAllocator(capital.Config{
		TotalCapital:     decimal.NewFromFloat(cfg.Trading.InitialCapital),
		ReserveMargin:    cfg.Trading.ReserveMargin,
		MaxPositionSize:  cfg.Trading.MaxPositionSize,
		MaxDrawdownLimit: cfg.Trading.MaxDrawdownLimit,
	})
	registry := component.NewRegistry(ledger)
	collector := metrics.NewCollector(metrics.Config{
		Period:     cfg.Evolution.EvaluationPeriod(),
		Capacity:   cfg.Evolution.WindowCapacity,
		MinSamples: cfg.Evolution.MinSamples,
		Policy:     metrics.RiskAdjusted{DrawdownPenalty: cfg.Evolution.DrawdownPenalty},
	})
	machine := lifecycle.NewMachine(registry, ledger,
		lifecycle.WithRetryBudget(cfg.Lifecycle.RetryBudget),
		lifecycle.WithEventRecorder(st),
		lifecycle.WithNotifier(notifier),
		lifecycle.WithLogger(zapLogger.Named("lifecycle")))
	scheduler := evolution.NewScheduler(
		evolution.Config{
			Interval:         cfg.Evolution.GenerationInterval(),
			SurvivalRate:     cfg.Evolution.SurvivalRate,
			GeneratorTimeout: cfg.Evolution.GeneratorTimeout(),
		},
		registry, machine, ledger, collector, buildGenerator(cfg),
		evolution.WithRecorder(st),
		evolution.WithLogger(zapLogger.Named("evolution")))

	catalog := strategy.NewCatalog(strategy.NewPaperCapability(uint64(cfg.Generator.Seed), nil))
	if cfg.Feed.WebSocketURL != "" {
		catalog.Register(component.TypeDataFeeder, feed.NewWebSocketCapability(cfg.Feed.WebSocketURL))
		logger.Infof("Data feeders stream from %s", cfg.Feed.WebSocketURL)
	}

	return controller.New(controller.Config{
		TickInterval:        cfg.Lifecycle.TickInterval(),
		CollaboratorTimeout: cfg.Lifecycle.CollaboratorTimeout(),
		MaxConcurrency:      cfg.Lifecycle.MaxConcurrency,
		ErrorThreshold:      cfg.Lifecycle.ErrorThreshold,
		PurgeTerminated:     cfg.Lifecycle.PurgeTerminated.Bool(),
		SnapshotEvery:       cfg.Lifecycle.SnapshotEveryTicks,
	}, controller.Deps{
		Registry:  registry,
		Ledger:    ledger,
		Metrics:   collector,
		Machine:   machine,
		Evolution: scheduler,
		Catalog:   catalog,
		Store:     st,
		Writer:    writer,
		Telemetry: tm,
		Notifier:  notifier,
		Logger:    zapLogger.Named("controller"),
	})
}

func buildGenerator(cfg *config.Config) strategy.Generator {
	if cfg.Generator.Endpoint != "" {
		logger.Infof("Using remote generator at %s", cfg.Generator.Endpoint)
		return strategy.NewHTTPGenerator(cfg.Generator.Endpoint, &http.Client{Timeout: cfg.Evolution.GeneratorTimeout()})
	}
	var seed component.Spec
	if len(cfg.Population) > 0 {
		seed = seedSpec(cfg.Population[0])
	}
	return strategy.NewMutationGenerator(cfg.Generator.MutationScale, uint64(cfg.Generator.Seed), seed)
}

func seedSpec(p config.PopulationEntry) component.Spec {
	params := make(map[string]float64, len(p.Params))
	for k, v := range p.Params {
		params[k] = v
	}
	return component.Spec{Name: p.Name, Type: component.Type(p.Type), Params: params}
}

func seedEntries(population []config.PopulationEntry) []controller.SeedEntry {
	entries := make([]controller.SeedEntry, 0, len(population))
	for _, p := range population {
		entries = append(entries, controller.SeedEntry{
			Type:       component.Type(p.Type),
			Count:      p.Count,
			Allocation: decimal.NewFromFloat(p.Allocation),
			Spec:       seedSpec(p),
		})
	}
	return entries
}
