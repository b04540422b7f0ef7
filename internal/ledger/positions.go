package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-ledger/internal/model"
)

// Consumption is the part of one lot taken by a FIFO consume.
type Consumption struct {
	LotSeq           uint64
	BuyTransactionID string
	Quantity         decimal.Decimal
	PurchasePrice    decimal.Decimal
	OpenedAt         time.Time
}

// Positions holds one user's open lots per ticker, each slice in FIFO
// (Seq ascending) order. It is not safe for concurrent use; the Engine
// serialises access per user.
type Positions struct {
	lots map[string][]*model.Lot
}

// NewPositions returns an empty position store.
func NewPositions() *Positions {
	return &Positions{lots: make(map[string][]*model.Lot)}
}

// OpenLot adds a lot for ticker. The lot is placed by seq so that FIFO
// order holds even when lots are restored out of submission order.
func (p *Positions) OpenLot(ticker string, quantity, price decimal.Decimal, seq uint64, txID string, at time.Time) error {
	if !quantity.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidQuantity, quantity)
	}
	p.insert(&model.Lot{
		Ticker:        ticker,
		Quantity:      quantity,
		Price:         price,
		Seq:           seq,
		TransactionID: txID,
		OpenedAt:      at,
	})
	return nil
}

// ConsumeFIFO takes quantity from the oldest lots of ticker first. It
// checks the total before touching any lot, so a failure leaves the
// store unmodified.
func (p *Positions) ConsumeFIFO(ticker string, quantity decimal.Decimal) ([]Consumption, error) {
	if !quantity.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidQuantity, quantity)
	}
	if open := p.Quantity(ticker); open.LessThan(quantity) {
		return nil, fmt.Errorf("%w: %s holds %s, requested %s", ErrInsufficientPosition, ticker, open, quantity)
	}

	var taken []Consumption
	remaining := quantity
	lots := p.lots[ticker]
	i := 0
	for ; i < len(lots) && remaining.IsPositive(); i++ {
		lot := lots[i]
		q := decimal.Min(lot.Quantity, remaining)
		taken = append(taken, Consumption{
			LotSeq:           lot.Seq,
			BuyTransactionID: lot.TransactionID,
			Quantity:         q,
			PurchasePrice:    lot.Price,
			OpenedAt:         lot.OpenedAt,
		})
		lot.Quantity = lot.Quantity.Sub(q)
		remaining = remaining.Sub(q)
		if lot.Quantity.IsPositive() {
			break
		}
	}

	// Drop the fully consumed prefix.
	kept := lots[:0]
	for _, lot := range lots {
		if lot.Quantity.IsPositive() {
			kept = append(kept, lot)
		}
	}
	p.set(ticker, kept)
	return taken, nil
}

// Restore puts consumed quantity back into its lot, re-opening the lot if
// it had been emptied. It is the exact inverse of ConsumeFIFO.
func (p *Positions) Restore(ticker string, c Consumption) {
	for _, lot := range p.lots[ticker] {
		if lot.Seq == c.LotSeq {
			lot.Quantity = lot.Quantity.Add(c.Quantity)
			return
		}
	}
	p.insert(&model.Lot{
		Ticker:        ticker,
		Quantity:      c.Quantity,
		Price:         c.PurchasePrice,
		Seq:           c.LotSeq,
		TransactionID: c.BuyTransactionID,
		OpenedAt:      c.OpenedAt,
	})
}

// RemoveLot deletes the lot opened at seq and returns it.
func (p *Positions) RemoveLot(ticker string, seq uint64) (model.Lot, bool) {
	lots := p.lots[ticker]
	for i, lot := range lots {
		if lot.Seq == seq {
			removed := *lot
			p.set(ticker, append(lots[:i:i], lots[i+1:]...))
			return removed, true
		}
	}
	return model.Lot{}, false
}

// Quantity is the total open quantity of ticker.
func (p *Positions) Quantity(ticker string) decimal.Decimal {
	total := decimal.Zero
	for _, lot := range p.lots[ticker] {
		total = total.Add(lot.Quantity)
	}
	return total
}

// Holdings returns the open quantity per ticker.
func (p *Positions) Holdings() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(p.lots))
	for ticker := range p.lots {
		out[ticker] = p.Quantity(ticker)
	}
	return out
}

// Lots returns a copy of every open lot, grouped by ticker in
// alphabetical order and FIFO order within a ticker.
func (p *Positions) Lots() []model.Lot {
	tickers := make([]string, 0, len(p.lots))
	for t := range p.lots {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)

	var out []model.Lot
	for _, t := range tickers {
		for _, lot := range p.lots[t] {
			out = append(out, *lot)
		}
	}
	return out
}

// Clone returns a deep copy.
func (p *Positions) Clone() *Positions {
	c := NewPositions()
	for t, lots := range p.lots {
		cp := make([]*model.Lot, len(lots))
		for i, lot := range lots {
			l := *lot
			cp[i] = &l
		}
		c.lots[t] = cp
	}
	return c
}

func (p *Positions) insert(lot *model.Lot) {
	lots := p.lots[lot.Ticker]
	i := sort.Search(len(lots), func(i int) bool { return lots[i].Seq > lot.Seq })
	lots = append(lots, nil)
	copy(lots[i+1:], lots[i:])
	lots[i] = lot
	p.lots[lot.Ticker] = lots
}

func (p *Positions) set(ticker string, lots []*model.Lot) {
	if len(lots) == 0 {
		delete(p.lots, ticker)
		return
	}
	p.lots[ticker] = lots
}
