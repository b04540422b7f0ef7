package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-ledger/internal/metrics"
	"github.com/atmx/portfolio-ledger/internal/model"
)

// DefaultTwelveDataURL is the public Twelve Data REST endpoint.
const DefaultTwelveDataURL = "https://api.twelvedata.com"

// DefaultCryptoSymbols are the pairs the crypto feed tracks when none are
// configured.
var DefaultCryptoSymbols = []string{"BTC/USD", "ETH/USD", "BNB/USD", "XRP/USD"}

// PairQuote is a Twelve Data /quote response. Prices arrive as strings.
type PairQuote struct {
	Symbol        string `json:"symbol"`
	Name          string `json:"name"`
	Exchange      string `json:"exchange"`
	Open          string `json:"open"`
	High          string `json:"high"`
	Low           string `json:"low"`
	Close         string `json:"close"`
	Volume        string `json:"volume"`
	PreviousClose string `json:"previous_close"`
	Timestamp     int64  `json:"timestamp"`

	// Set on error responses, which still return HTTP 200.
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Quote converts q to the common quote shape. Unparsable prices are zero.
func (q *PairQuote) Quote() *Quote {
	return &Quote{
		Symbol:        q.Symbol,
		Current:       parseNumber(q.Close),
		High:          parseNumber(q.High),
		Low:           parseNumber(q.Low),
		Open:          parseNumber(q.Open),
		PreviousClose: parseNumber(q.PreviousClose),
		Timestamp:     q.Timestamp,
	}
}

// TwelveData is a client for the Twelve Data /quote endpoint.
type TwelveData struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewTwelveData creates a client. An empty baseURL uses DefaultTwelveDataURL.
func NewTwelveData(baseURL, apiKey string, client *http.Client) *TwelveData {
	if baseURL == "" {
		baseURL = DefaultTwelveDataURL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &TwelveData{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
	}
}

// Pair fetches the latest quote for a pair such as "BTC/USD".
func (t *TwelveData) Pair(ctx context.Context, symbol string) (*PairQuote, error) {
	u := fmt.Sprintf("%s/quote?symbol=%s&apikey=%s", t.baseURL, url.QueryEscape(symbol), url.QueryEscape(t.apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		metrics.QuoteRequests.WithLabelValues("twelvedata", "error").Inc()
		return nil, fmt.Errorf("twelvedata quote %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.QuoteRequests.WithLabelValues("twelvedata", "error").Inc()
		return nil, fmt.Errorf("twelvedata quote %s: status %d", symbol, resp.StatusCode)
	}

	var q PairQuote
	if err := json.NewDecoder(resp.Body).Decode(&q); err != nil {
		metrics.QuoteRequests.WithLabelValues("twelvedata", "error").Inc()
		return nil, fmt.Errorf("twelvedata quote %s: decode: %w", symbol, err)
	}
	if q.Status == "error" || q.Symbol == "" {
		metrics.QuoteRequests.WithLabelValues("twelvedata", "error").Inc()
		return nil, fmt.Errorf("twelvedata quote %s: code %d: %s", symbol, q.Code, q.Message)
	}
	metrics.QuoteRequests.WithLabelValues("twelvedata", "ok").Inc()
	return &q, nil
}

// Quote implements Quoter.
func (t *TwelveData) Quote(ctx context.Context, symbol string) (*Quote, error) {
	q, err := t.Pair(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return q.Quote(), nil
}

// PairSource fetches pair quotes.
type PairSource interface {
	Pair(ctx context.Context, symbol string) (*PairQuote, error)
}

// CryptoCatalog is the part of the catalog the crypto feed reads and
// writes.
type CryptoCatalog interface {
	GetAsset(ctx context.Context, ticker string) (*model.Asset, error)
	UpsertAsset(ctx context.Context, asset *model.Asset) error
	EnsureMarketType(ctx context.Context, name string) error
}

// CryptoFeed keeps a fixed set of crypto pairs in the catalog, creating
// the assets on first sight.
type CryptoFeed struct {
	src      PairSource
	assets   CryptoCatalog
	symbols  []string
	interval time.Duration
	now      func() time.Time
}

// NewCryptoFeed creates a feed polling symbols every interval. Empty
// symbols uses DefaultCryptoSymbols.
func NewCryptoFeed(src PairSource, assets CryptoCatalog, symbols []string, interval time.Duration) *CryptoFeed {
	if len(symbols) == 0 {
		symbols = DefaultCryptoSymbols
	}
	return &CryptoFeed{
		src:      src,
		assets:   assets,
		symbols:  symbols,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CryptoTicker is the catalog ticker of a pair: "BTC/USD" becomes "BTCUSD".
func CryptoTicker(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
}

// Run syncs immediately and then every interval until ctx is done.
func (f *CryptoFeed) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		f.Sync(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sync fetches every pair and upserts it as a CRYPTO asset. Failures are
// logged per pair and skipped. It returns the number of assets updated.
func (f *CryptoFeed) Sync(ctx context.Context) int {
	if err := f.assets.EnsureMarketType(ctx, model.MarketCrypto); err != nil {
		slog.Error("crypto feed: ensure market type failed", "err", err)
		return 0
	}

	updated := 0
	for _, symbol := range f.symbols {
		if ctx.Err() != nil {
			return updated
		}
		pq, err := f.src.Pair(ctx, symbol)
		if err != nil {
			slog.Warn("crypto feed: quote failed", "symbol", symbol, "err", err)
			continue
		}
		q := pq.Quote()
		if !q.Current.IsPositive() {
			slog.Debug("crypto feed: empty quote", "symbol", symbol)
			continue
		}

		tk := CryptoTicker(symbol)
		a, err := f.assets.GetAsset(ctx, tk)
		if err != nil {
			a = &model.Asset{Ticker: tk, Name: pq.Name, Exchange: pq.Exchange}
		}
		a.MarketType = model.MarketCrypto
		Apply(a, q, f.now())
		a.Volume = parseNumber(pq.Volume)

		if err := f.assets.UpsertAsset(ctx, a); err != nil {
			slog.Warn("crypto feed: save failed", "ticker", tk, "err", err)
			continue
		}
		updated++
	}
	slog.Info("crypto feed synced", "pairs", len(f.symbols), "updated", updated)
	return updated
}

func parseNumber(s string) decimal.Decimal {
	v, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return v
}
