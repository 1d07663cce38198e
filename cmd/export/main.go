// Command export writes the evolution-cycle audit log to CSV.
package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/your-org/strategy-ecosystem/internal/config"
	"github.com/your-org/strategy-ecosystem/internal/csvwriter"
	"github.com/your-org/strategy-ecosystem/internal/store"
	"github.com/your-org/strategy-ecosystem/pkg/logger"
)

func main() {
	// --- Argument Parsing ---
	configPath := flag.String("config", "config/config.yaml", "Path to the configuration file")
	outPath := flag.String("out", "-", "Output CSV file; - for stdout")
	limit := flag.Int("limit", 0, "Export at most this many cycles, newest first; 0 exports all")
	flag.Parse()

	// --- Config and Logger Setup ---
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}
	logger.SetGlobalLogLevel(cfg.App.LogLevel)
	defer logger.Sync()

	// --- Store Connection ---
	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatalf("Unable to open store: %v", err)
	}
	defer st.Close()

	cycles, err := st.ListCycles(ctx, *limit)
	if err != nil {
		logger.Fatalf("Failed to list evolution cycles: %v", err)
	}

	// --- CSV Writer Setup ---
	writer, err := csvwriter.NewWriter(*outPath)
	if err != nil {
		logger.Fatalf("Failed to open output: %v", err)
	}
	rowCount, err := writer.WriteCycles(cycles)
	if err != nil {
		logger.Fatalf("Failed to write CSV: %v", err)
	}
	if err := writer.Close(); err != nil {
		logger.Fatalf("Failed to finish CSV: %v", err)
	}

	logger.Infof("Successfully exported %d evolution cycles.", rowCount)
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Store.Database.DSN())
		if err != nil {
			return nil, err
		}
		return store.NewPostgresStore(pool, logger.Zap()), nil
	case "sqlite":
		st := store.NewSQLiteStore(cfg.Store.SQLitePath)
		if err := st.Init(ctx); err != nil {
			return nil, err
		}
		return st, nil
	}
	return nil, fmt.Errorf("store driver %q keeps no audit log to export", cfg.Store.Driver)
}
