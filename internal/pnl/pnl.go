// Package pnl computes realized and unrealized profit and loss and the
// market-type distribution of a portfolio. It reads snapshots and never
// mutates ledger state.
package pnl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-ledger/internal/ledger"
	"github.com/atmx/portfolio-ledger/internal/model"
	"github.com/atmx/portfolio-ledger/internal/quote"
)

// MissingQuotePolicy decides what happens when a ticker has no price.
type MissingQuotePolicy int

const (
	// MissingQuoteFail returns quote.ErrMissingQuote.
	MissingQuoteFail MissingQuotePolicy = iota
	// MissingQuoteZero values the ticker at nothing and lists it as unpriced.
	MissingQuoteZero
)

// ParseMissingQuotePolicy maps "fail" or "zero" to a policy.
func ParseMissingQuotePolicy(s string) (MissingQuotePolicy, error) {
	switch s {
	case "", "fail":
		return MissingQuoteFail, nil
	case "zero":
		return MissingQuoteZero, nil
	}
	return MissingQuoteFail, fmt.Errorf("pnl: unknown missing quote policy %q", s)
}

// UnknownMarket is the distribution bucket for tickers absent from the catalog.
const UnknownMarket = "UNKNOWN"

var hundred = decimal.NewFromInt(100)

// Calculator prices open lots and aggregates P&L.
type Calculator struct {
	quotes quote.Provider
	assets quote.AssetSource
	policy MissingQuotePolicy
}

// NewCalculator creates a calculator. assets may be nil, in which case
// every position lands in the UNKNOWN distribution bucket.
func NewCalculator(quotes quote.Provider, assets quote.AssetSource, policy MissingQuotePolicy) *Calculator {
	return &Calculator{quotes: quotes, assets: assets, policy: policy}
}

// Unrealized is the mark-to-market result for a set of lots.
type Unrealized struct {
	Total     decimal.Decimal       `json:"total"`
	Value     decimal.Decimal       `json:"market_value"`
	Positions []model.PositionValue `json:"positions"`
	Unpriced  []string              `json:"unpriced,omitempty"`
}

// Realized sums qty × (sell price − purchase price) over matches and
// rounds the total half-up to 2 decimal places.
func Realized(matches []model.Match) decimal.Decimal {
	total := decimal.Zero
	for _, m := range matches {
		total = total.Add(m.PnL())
	}
	return total.Round(2)
}

// Unrealized values each open position at its current price. Each ticker
// is priced once.
func (c *Calculator) Unrealized(ctx context.Context, lots []model.Lot) (*Unrealized, error) {
	ordered := append([]model.Lot(nil), lots...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Ticker < ordered[j].Ticker })

	out := &Unrealized{Total: decimal.Zero, Value: decimal.Zero}
	for _, h := range ledger.GroupLots(ordered) {
		pv := model.PositionValue{
			Ticker:     h.Ticker,
			MarketType: c.marketType(ctx, h.Ticker),
			Quantity:   h.Quantity,
			CostBasis:  h.CostBasis,
		}
		price, err := c.quotes.CurrentPrice(ctx, h.Ticker)
		switch {
		case err == nil:
			pv.Priced = true
			pv.CurrentPrice = price
			pv.CurrentValue = h.Quantity.Mul(price)
			pv.UnrealizedPnL = pv.CurrentValue.Sub(h.CostBasis)
		case errors.Is(err, quote.ErrMissingQuote) && c.policy == MissingQuoteZero:
			slog.Warn("no quote, valuing position at zero", "ticker", h.Ticker, "err", err)
			out.Unpriced = append(out.Unpriced, h.Ticker)
		default:
			if !errors.Is(err, quote.ErrMissingQuote) {
				err = fmt.Errorf("%w: %s: %v", quote.ErrMissingQuote, h.Ticker, err)
			}
			return nil, err
		}
		out.Total = out.Total.Add(pv.UnrealizedPnL)
		out.Value = out.Value.Add(pv.CurrentValue)
		out.Positions = append(out.Positions, pv)
	}
	return out, nil
}

// Distribution returns the share of market value held in each market
// type, in percent rounded to 2 decimal places. An empty or worthless
// portfolio yields an empty map.
func (c *Calculator) Distribution(ctx context.Context, lots []model.Lot) (map[string]decimal.Decimal, error) {
	u, err := c.Unrealized(ctx, lots)
	if err != nil {
		return nil, err
	}
	return distribute(u.Positions, u.Value), nil
}

func distribute(positions []model.PositionValue, total decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	if !total.IsPositive() {
		return out
	}
	byMarket := make(map[string]decimal.Decimal)
	for _, p := range positions {
		if !p.CurrentValue.IsPositive() {
			continue
		}
		byMarket[p.MarketType] = byMarket[p.MarketType].Add(p.CurrentValue)
	}
	for market, v := range byMarket {
		out[market] = v.Mul(hundred).DivRound(total, 8).Round(2)
	}
	return out
}

// Summary builds the full portfolio view of a snapshot.
func (c *Calculator) Summary(ctx context.Context, snap ledger.Snapshot) (*model.Portfolio, error) {
	u, err := c.Unrealized(ctx, snap.Lots)
	if err != nil {
		return nil, err
	}
	positions := u.Positions
	return &model.Portfolio{
		UserID:        snap.User.ID,
		Username:      snap.User.Username,
		Balance:       snap.User.Balance,
		Positions:     positions,
		RealizedPnL:   Realized(snap.Matches),
		UnrealizedPnL: u.Total.Round(2),
		MarketValue:   u.Value,
		Distribution:  distribute(positions, u.Value),
		Unpriced:      u.Unpriced,
	}, nil
}

func (c *Calculator) marketType(ctx context.Context, ticker string) string {
	if c.assets == nil {
		return UnknownMarket
	}
	a, err := c.assets.GetAsset(ctx, ticker)
	if err != nil || a.MarketType == "" {
		return UnknownMarket
	}
	return a.MarketType
}
