package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-ledger/internal/metrics"
)

// DefaultFinnhubURL is the public Finnhub REST endpoint.
const DefaultFinnhubURL = "https://finnhub.io/api/v1"

// Quote is a market-data snapshot for one symbol.
type Quote struct {
	Symbol        string          `json:"symbol"`
	Current       decimal.Decimal `json:"c"`
	High          decimal.Decimal `json:"h"`
	Low           decimal.Decimal `json:"l"`
	Open          decimal.Decimal `json:"o"`
	PreviousClose decimal.Decimal `json:"pc"`
	Timestamp     int64           `json:"t"` // unix seconds
}

// Time returns the quote time, or the zero time when Finnhub sent none.
func (q *Quote) Time() time.Time {
	if q.Timestamp <= 0 {
		return time.Time{}
	}
	return time.Unix(q.Timestamp, 0).UTC()
}

// Finnhub is a client for the Finnhub /quote endpoint.
type Finnhub struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewFinnhub creates a client. An empty baseURL uses DefaultFinnhubURL.
func NewFinnhub(baseURL, apiKey string, client *http.Client) *Finnhub {
	if baseURL == "" {
		baseURL = DefaultFinnhubURL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Finnhub{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
	}
}

// Quote fetches the latest quote for symbol.
func (f *Finnhub) Quote(ctx context.Context, symbol string) (*Quote, error) {
	u := fmt.Sprintf("%s/quote?symbol=%s&token=%s", f.baseURL, url.QueryEscape(symbol), url.QueryEscape(f.apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		metrics.QuoteRequests.WithLabelValues("finnhub", "error").Inc()
		return nil, fmt.Errorf("finnhub quote %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.QuoteRequests.WithLabelValues("finnhub", "error").Inc()
		return nil, fmt.Errorf("finnhub quote %s: status %d", symbol, resp.StatusCode)
	}

	var q Quote
	if err := json.NewDecoder(resp.Body).Decode(&q); err != nil {
		metrics.QuoteRequests.WithLabelValues("finnhub", "error").Inc()
		return nil, fmt.Errorf("finnhub quote %s: decode: %w", symbol, err)
	}
	q.Symbol = symbol
	metrics.QuoteRequests.WithLabelValues("finnhub", "ok").Inc()
	return &q, nil
}

// CurrentPrice implements Provider. Finnhub answers unknown symbols with
// an all-zero quote, which is reported as missing.
func (f *Finnhub) CurrentPrice(ctx context.Context, ticker string) (decimal.Decimal, error) {
	q, err := f.Quote(ctx, ticker)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrMissingQuote, err)
	}
	if !q.Current.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrMissingQuote, ticker)
	}
	return q.Current, nil
}
