package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"

	"github.com/atmx/portfolio-ledger/internal/config"
	"github.com/atmx/portfolio-ledger/internal/importer"
	"github.com/atmx/portfolio-ledger/internal/ledger"
	"github.com/atmx/portfolio-ledger/internal/metrics"
	"github.com/atmx/portfolio-ledger/internal/pnl"
	"github.com/atmx/portfolio-ledger/internal/portfolio"
	"github.com/atmx/portfolio-ledger/internal/quote"
	"github.com/atmx/portfolio-ledger/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv("ENV_FILE"))
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var rdb *redis.Client
	var cleanup []func()

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		ps := store.NewPostgresStore(pool)
		if err := ps.Migrate(ctx); err != nil {
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = ps
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis asset cache enabled", "ttl", cfg.CacheTTL.String())
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Asset catalog bootstrap ---
	if cfg.ImportDir != "" {
		if _, err := importer.NewLoader(st).LoadDir(ctx, cfg.ImportDir); err != nil {
			slog.Error("asset import failed", "dir", cfg.ImportDir, "err", err)
		}
	}

	// --- Quote providers ---
	var prices quote.Provider = quote.NewCatalogProvider(st)
	if cfg.FinnhubAPIKey != "" {
		fh := quote.NewFinnhub(cfg.FinnhubBaseURL, cfg.FinnhubAPIKey, nil)
		prices = quote.Fallback{fh, prices}
		if cfg.QuoteRefreshInterval > 0 {
			refresher := quote.NewRefresher(fh, st, cfg.QuoteRefreshInterval, cfg.QuoteRefreshPause)
			go refresher.Run(ctx)
			slog.Info("quote refresher started", "interval", cfg.QuoteRefreshInterval.String())
		}
	} else {
		slog.Warn("FINNHUB_API_KEY not set, pricing from the asset catalog only")
	}
	if cfg.TwelveDataAPIKey != "" {
		td := quote.NewTwelveData(cfg.TwelveDataBaseURL, cfg.TwelveDataAPIKey, nil)
		feed := quote.NewCryptoFeed(td, st, cfg.CryptoSymbols, cfg.CryptoRefreshInterval)
		go feed.Run(ctx)
		slog.Info("crypto feed started", "interval", cfg.CryptoRefreshInterval.String())
	}
	if rdb != nil {
		prices = quote.NewCachedProvider(prices, rdb, cfg.QuoteCacheTTL)
	}
	prices = quote.WithTimeout(prices, cfg.QuoteTimeout)

	// --- Ledger and P&L ---
	engine := ledger.NewEngine(st, st, ledger.WithCashPolicy(cfg.CashPolicy))
	calc := pnl.NewCalculator(prices, st, cfg.MissingQuote)

	// --- WebSocket hub ---
	wsHub := portfolio.NewWSHub()
	go wsHub.Run(ctx)

	svc := portfolio.NewService(engine, calc, st, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"portfolio-ledger"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for ledger events; no request timeout.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			svc.Routes(r)
		})
	})

	// CORS for the browser frontend.
	c := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      c.Handler(r),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("portfolio-ledger listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down portfolio-ledger...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("portfolio-ledger stopped")
}
