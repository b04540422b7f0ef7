// Package quote supplies current prices for tickers. Providers compose:
// a Finnhub or catalog source, optionally behind a Redis cache, always
// behind a timeout so a slow market-data call cannot stall P&L queries.
package quote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-ledger/internal/metrics"
	"github.com/atmx/portfolio-ledger/internal/model"
)

// ErrMissingQuote is returned when no current price is available for a
// ticker, including when the lookup timed out.
var ErrMissingQuote = errors.New("quote: no price available")

// Provider returns the current price of a ticker.
type Provider interface {
	CurrentPrice(ctx context.Context, ticker string) (decimal.Decimal, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, ticker string) (decimal.Decimal, error)

func (f ProviderFunc) CurrentPrice(ctx context.Context, ticker string) (decimal.Decimal, error) {
	return f(ctx, ticker)
}

// Static serves fixed prices. Tickers not in the map are missing.
type Static map[string]decimal.Decimal

func (s Static) CurrentPrice(_ context.Context, ticker string) (decimal.Decimal, error) {
	p, ok := s[ticker]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrMissingQuote, ticker)
	}
	return p, nil
}

// AssetSource resolves a ticker to its catalog entry.
type AssetSource interface {
	GetAsset(ctx context.Context, ticker string) (*model.Asset, error)
}

// CatalogProvider prices a ticker at the close price last stored in the
// asset catalog (kept fresh by the Refresher or the CSV importer).
type CatalogProvider struct {
	assets AssetSource
}

// NewCatalogProvider creates a provider reading close prices from assets.
func NewCatalogProvider(assets AssetSource) *CatalogProvider {
	return &CatalogProvider{assets: assets}
}

func (p *CatalogProvider) CurrentPrice(ctx context.Context, ticker string) (decimal.Decimal, error) {
	a, err := p.assets.GetAsset(ctx, ticker)
	if err != nil {
		metrics.QuoteRequests.WithLabelValues("catalog", "missing").Inc()
		return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrMissingQuote, ticker, err)
	}
	if !a.Close.IsPositive() {
		metrics.QuoteRequests.WithLabelValues("catalog", "missing").Inc()
		return decimal.Zero, fmt.Errorf("%w: %s has no close price", ErrMissingQuote, ticker)
	}
	metrics.QuoteRequests.WithLabelValues("catalog", "ok").Inc()
	return a.Close, nil
}

// Fallback tries each provider in order and returns the first price.
type Fallback []Provider

func (f Fallback) CurrentPrice(ctx context.Context, ticker string) (decimal.Decimal, error) {
	err := fmt.Errorf("%w: %s", ErrMissingQuote, ticker)
	for _, p := range f {
		price, perr := p.CurrentPrice(ctx, ticker)
		if perr == nil {
			return price, nil
		}
		err = perr
		if ctx.Err() != nil {
			break
		}
	}
	return decimal.Zero, err
}

type timeoutProvider struct {
	next    Provider
	timeout time.Duration
}

// WithTimeout bounds every lookup of next by d. A lookup that does not
// finish in time yields ErrMissingQuote even if next ignores ctx.
func WithTimeout(next Provider, d time.Duration) Provider {
	return &timeoutProvider{next: next, timeout: d}
}

type priceResult struct {
	price decimal.Decimal
	err   error
}

func (t *timeoutProvider) CurrentPrice(ctx context.Context, ticker string) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	ch := make(chan priceResult, 1)
	go func() {
		p, err := t.next.CurrentPrice(ctx, ticker)
		ch <- priceResult{price: p, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil && !errors.Is(r.err, ErrMissingQuote) {
			return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrMissingQuote, ticker, r.err)
		}
		return r.price, r.err
	case <-ctx.Done():
		metrics.QuoteRequests.WithLabelValues("timeout", "expired").Inc()
		return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrMissingQuote, ticker, ctx.Err())
	}
}
