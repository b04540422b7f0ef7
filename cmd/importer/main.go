// Command importer loads asset CSV snapshots into the catalog.
//
//	importer -dir ./data                    # stocks/crypto/etf/commodities files
//	importer -file btc.csv -market CRYPTO   # one file
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/portfolio-ledger/internal/config"
	"github.com/atmx/portfolio-ledger/internal/importer"
	"github.com/atmx/portfolio-ledger/internal/store"
)

func main() {
	dir := flag.String("dir", "", "directory holding the default snapshot files")
	file := flag.String("file", "", "single CSV file to import")
	market := flag.String("market", "", "market type of -file (STOCK, CRYPTO, ETF, COMMODITY)")
	envFile := flag.String("env", "", "optional .env file")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	if err := run(*envFile, *dir, *file, *market); err != nil {
		slog.Error("import failed", "err", err)
		os.Exit(1)
	}
}

func run(envFile, dir, file, market string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	if dir == "" {
		dir = cfg.ImportDir
	}
	if dir == "" && file == "" {
		return fmt.Errorf("one of -dir, -file or IMPORT_DIR is required")
	}
	if file != "" && market == "" {
		return fmt.Errorf("-file requires -market")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var catalog importer.Catalog
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer pool.Close()
		ps := store.NewPostgresStore(pool)
		if err := ps.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		catalog = ps
	} else {
		slog.Warn("DATABASE_URL not set, validating files only")
		catalog = store.NewMemoryStore()
	}

	loader := importer.NewLoader(catalog)
	var res importer.Result
	if file != "" {
		res, err = loader.LoadFile(ctx, file, market)
	} else {
		res, err = loader.LoadDir(ctx, dir)
	}
	if err != nil {
		return err
	}
	fmt.Printf("imported %d assets, skipped %d rows\n", res.Imported, res.Skipped)
	return nil
}
