package quote

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-ledger/internal/model"
)

// Quoter fetches a full quote for a symbol.
type Quoter interface {
	Quote(ctx context.Context, symbol string) (*Quote, error)
}

// AssetStore is the part of the catalog the Refresher reads and writes.
type AssetStore interface {
	ListAssets(ctx context.Context) ([]model.Asset, error)
	UpsertAsset(ctx context.Context, asset *model.Asset) error
}

var (
	buySpread  = decimal.RequireFromString("1.001")
	sellSpread = decimal.RequireFromString("0.999")
	hundred    = decimal.NewFromInt(100)
)

// Refresher periodically copies upstream quotes into the asset catalog.
type Refresher struct {
	src      Quoter
	assets   AssetStore
	interval time.Duration
	pause    time.Duration // between symbols, to stay under API rate limits
	now      func() time.Time
}

// NewRefresher creates a refresher polling every interval.
func NewRefresher(src Quoter, assets AssetStore, interval, pause time.Duration) *Refresher {
	return &Refresher{
		src:      src,
		assets:   assets,
		interval: interval,
		pause:    pause,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run refreshes immediately and then every interval until ctx is done.
func (r *Refresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.RefreshAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RefreshAll updates every asset in the catalog. Failures are logged per
// asset and skipped. It returns the number of assets updated.
func (r *Refresher) RefreshAll(ctx context.Context) int {
	assets, err := r.assets.ListAssets(ctx)
	if err != nil {
		slog.Error("quote refresh: list assets failed", "err", err)
		return 0
	}
	if len(assets) == 0 {
		slog.Info("quote refresh: no assets, skipping")
		return 0
	}

	start := time.Now()
	updated := 0
	for i := range assets {
		a := &assets[i]
		q, err := r.src.Quote(ctx, a.Ticker)
		if err != nil {
			slog.Warn("quote refresh failed", "ticker", a.Ticker, "err", err)
		} else if !q.Current.IsPositive() {
			slog.Debug("quote refresh: empty quote", "ticker", a.Ticker)
		} else {
			Apply(a, q, r.now())
			if err := r.assets.UpsertAsset(ctx, a); err != nil {
				slog.Warn("quote refresh: save failed", "ticker", a.Ticker, "err", err)
			} else {
				updated++
			}
		}

		if r.pause > 0 {
			select {
			case <-ctx.Done():
				return updated
			case <-time.After(r.pause):
			}
		}
	}
	slog.Info("quote refresh finished", "assets", len(assets), "updated", updated, "took", time.Since(start).String())
	return updated
}

// Apply copies q onto a and derives percent change and the buy/sell spread.
func Apply(a *model.Asset, q *Quote, now time.Time) {
	a.Open = q.Open
	a.High = q.High
	a.Low = q.Low
	a.Close = q.Current
	a.PreviousClose = q.PreviousClose

	a.PercentChange = decimal.Zero
	if !q.PreviousClose.IsZero() {
		a.PercentChange = q.Current.Sub(q.PreviousClose).
			DivRound(q.PreviousClose, 8).
			Mul(hundred).
			Round(6)
	}

	a.PriceToBuy = q.Current.Mul(buySpread).Round(6)
	a.PriceToSell = q.Current.Mul(sellSpread).Round(6)

	a.LastUpdated = q.Time()
	if a.LastUpdated.IsZero() {
		a.LastUpdated = now
	}
}
