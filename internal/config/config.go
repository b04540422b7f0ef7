// Package config loads service settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/atmx/portfolio-ledger/internal/ledger"
	"github.com/atmx/portfolio-ledger/internal/pnl"
)

// Config holds every setting of the ledger service and importer.
type Config struct {
	Port        string
	DatabaseURL string // empty: in-memory store
	RedisURL    string // empty: no cache
	CORSOrigins []string

	FinnhubAPIKey  string // empty: prices come from the asset catalog only
	FinnhubBaseURL string

	TwelveDataAPIKey      string // empty: no crypto feed
	TwelveDataBaseURL     string
	CryptoSymbols         []string
	CryptoRefreshInterval time.Duration

	QuoteTimeout         time.Duration
	QuoteRefreshInterval time.Duration // 0 disables the refresher
	QuoteRefreshPause    time.Duration
	QuoteCacheTTL        time.Duration
	CacheTTL             time.Duration

	CashPolicy   ledger.CashPolicy
	MissingQuote pnl.MissingQuotePolicy

	ImportDir string // empty: no import at startup
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Port:                  "8080",
		CORSOrigins:           []string{"*"},
		QuoteTimeout:          2 * time.Second,
		QuoteRefreshInterval:  5 * time.Minute,
		QuoteRefreshPause:     time.Second,
		QuoteCacheTTL:         time.Minute,
		CacheTTL:              30 * time.Second,
		CryptoRefreshInterval: 90 * time.Second,
	}
}

// Load reads envPath (or .env in the working directory when empty) if it
// exists, then overrides the defaults from the environment.
// Priority: ENV > .env file > defaults
func Load(envPath string) (Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			return Config{}, fmt.Errorf("config: load %s: %w", envPath, err)
		}
	} else {
		_ = godotenv.Load()
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a variable lookup function.
func FromEnv(getenv func(string) string) (Config, error) {
	cfg := Default()
	var err error

	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		v := getenv(key)
		if v == "" || err != nil {
			return
		}
		d, perr := time.ParseDuration(v)
		if perr != nil || d < 0 {
			err = fmt.Errorf("config: %s: invalid duration %q", key, v)
			return
		}
		*dst = d
	}
	flag := func(key string, dst *bool) {
		v := getenv(key)
		if v == "" || err != nil {
			return
		}
		b, perr := strconv.ParseBool(v)
		if perr != nil {
			err = fmt.Errorf("config: %s: invalid bool %q", key, v)
			return
		}
		*dst = b
	}

	str("PORT", &cfg.Port)
	str("DATABASE_URL", &cfg.DatabaseURL)
	str("REDIS_URL", &cfg.RedisURL)
	str("FINNHUB_API_KEY", &cfg.FinnhubAPIKey)
	str("FINNHUB_BASE_URL", &cfg.FinnhubBaseURL)
	str("IMPORT_DIR", &cfg.ImportDir)
	str("TWELVEDATA_API_KEY", &cfg.TwelveDataAPIKey)
	str("TWELVEDATA_BASE_URL", &cfg.TwelveDataBaseURL)
	list := func(key string, dst *[]string) {
		v := getenv(key)
		if v == "" {
			return
		}
		*dst = nil
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				*dst = append(*dst, item)
			}
		}
	}
	list("CORS_ORIGINS", &cfg.CORSOrigins)
	list("CRYPTO_SYMBOLS", &cfg.CryptoSymbols)

	dur("QUOTE_TIMEOUT", &cfg.QuoteTimeout)
	dur("QUOTE_REFRESH_INTERVAL", &cfg.QuoteRefreshInterval)
	dur("QUOTE_REFRESH_PAUSE", &cfg.QuoteRefreshPause)
	dur("QUOTE_CACHE_TTL", &cfg.QuoteCacheTTL)
	dur("CACHE_TTL", &cfg.CacheTTL)
	dur("CRYPTO_REFRESH_INTERVAL", &cfg.CryptoRefreshInterval)

	flag("BUY_REQUIRE_FUNDS", &cfg.CashPolicy.RequireFunds)
	flag("BUY_DEBIT_CASH", &cfg.CashPolicy.DebitOnBuy)
	if err != nil {
		return Config{}, err
	}

	if cfg.QuoteTimeout <= 0 {
		return Config{}, fmt.Errorf("config: QUOTE_TIMEOUT must be positive")
	}
	if cfg.TwelveDataAPIKey != "" && cfg.CryptoRefreshInterval <= 0 {
		return Config{}, fmt.Errorf("config: CRYPTO_REFRESH_INTERVAL must be positive")
	}
	cfg.MissingQuote, err = pnl.ParseMissingQuotePolicy(getenv("MISSING_QUOTE_POLICY"))
	if err != nil {
		return Config{}, fmt.Errorf("config: MISSING_QUOTE_POLICY: %w", err)
	}
	return cfg, nil
}
