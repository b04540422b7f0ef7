package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2025, 1, 2, 15, 4, 5, 0, time.UTC)

func mustOpen(t *testing.T, p *Positions, ticker string, qty, price float64, seq uint64) {
	t.Helper()
	if err := p.OpenLot(ticker, d(qty), d(price), seq, "tx-"+ticker, t0); err != nil {
		t.Fatalf("OpenLot: %v", err)
	}
}

// --- OpenLot tests ---

func TestOpenLot_RejectsNonPositive(t *testing.T) {
	p := NewPositions()
	for _, q := range []float64{0, -1} {
		if err := p.OpenLot("AAPL", d(q), d(100), 1, "tx", t0); !errors.Is(err, ErrInvalidQuantity) {
			t.Errorf("expected ErrInvalidQuantity for %v, got %v", q, err)
		}
	}
	if len(p.Lots()) != 0 {
		t.Error("rejected lot must not be stored")
	}
}

func TestOpenLot_OrdersBySeq(t *testing.T) {
	p := NewPositions()
	mustOpen(t, p, "AAPL", 1, 100, 5)
	mustOpen(t, p, "AAPL", 2, 110, 2)
	mustOpen(t, p, "AAPL", 3, 120, 9)

	lots := p.Lots()
	for i, want := range []uint64{2, 5, 9} {
		if lots[i].Seq != want {
			t.Errorf("lot %d: expected seq %d, got %d", i, want, lots[i].Seq)
		}
	}
}

// --- ConsumeFIFO tests ---

func TestConsumeFIFO_SpansLots(t *testing.T) {
	p := NewPositions()
	mustOpen(t, p, "AAPL", 10, 100, 1)
	mustOpen(t, p, "AAPL", 5, 110, 2)

	taken, err := p.ConsumeFIFO("AAPL", d(12))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(taken) != 2 {
		t.Fatalf("expected 2 consumptions, got %d", len(taken))
	}
	if !taken[0].Quantity.Equal(d(10)) || !taken[0].PurchasePrice.Equal(d(100)) {
		t.Errorf("first consumption: %+v", taken[0])
	}
	if !taken[1].Quantity.Equal(d(2)) || !taken[1].PurchasePrice.Equal(d(110)) {
		t.Errorf("second consumption: %+v", taken[1])
	}

	lots := p.Lots()
	if len(lots) != 1 {
		t.Fatalf("expected 1 remaining lot, got %d", len(lots))
	}
	if !lots[0].Quantity.Equal(d(3)) || !lots[0].Price.Equal(d(110)) {
		t.Errorf("expected remaining lot 3@110, got %s@%s", lots[0].Quantity, lots[0].Price)
	}
}

func TestConsumeFIFO_ExactLot(t *testing.T) {
	p := NewPositions()
	mustOpen(t, p, "AAPL", 10, 100, 1)

	if _, err := p.ConsumeFIFO("AAPL", d(10)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Quantity("AAPL").IsZero() {
		t.Errorf("expected empty position, got %s", p.Quantity("AAPL"))
	}
	if _, ok := p.Holdings()["AAPL"]; ok {
		t.Error("empty ticker must be dropped from holdings")
	}
}

func TestConsumeFIFO_InsufficientLeavesStoreUnchanged(t *testing.T) {
	p := NewPositions()
	mustOpen(t, p, "AAPL", 10, 100, 1)
	mustOpen(t, p, "AAPL", 5, 110, 2)
	before := p.Lots()

	_, err := p.ConsumeFIFO("AAPL", d(15.5))
	if !errors.Is(err, ErrInsufficientPosition) {
		t.Fatalf("expected ErrInsufficientPosition, got %v", err)
	}
	after := p.Lots()
	if len(after) != len(before) {
		t.Fatalf("lot count changed: %d → %d", len(before), len(after))
	}
	for i := range before {
		if !before[i].Quantity.Equal(after[i].Quantity) {
			t.Errorf("lot %d changed: %s → %s", i, before[i].Quantity, after[i].Quantity)
		}
	}
}

func TestConsumeFIFO_UnknownTicker(t *testing.T) {
	p := NewPositions()
	if _, err := p.ConsumeFIFO("TSLA", d(1)); !errors.Is(err, ErrInsufficientPosition) {
		t.Errorf("expected ErrInsufficientPosition, got %v", err)
	}
}

func TestConsumeFIFO_TickersIndependent(t *testing.T) {
	p := NewPositions()
	mustOpen(t, p, "AAPL", 10, 100, 1)
	mustOpen(t, p, "MSFT", 10, 300, 2)

	if _, err := p.ConsumeFIFO("MSFT", d(4)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Quantity("AAPL").Equal(d(10)) {
		t.Errorf("AAPL must be untouched, got %s", p.Quantity("AAPL"))
	}
	if !p.Quantity("MSFT").Equal(d(6)) {
		t.Errorf("expected MSFT 6, got %s", p.Quantity("MSFT"))
	}
}

// --- Restore / RemoveLot tests ---

func TestRestore_InvertsConsume(t *testing.T) {
	p := NewPositions()
	mustOpen(t, p, "AAPL", 10, 100, 1)
	mustOpen(t, p, "AAPL", 5, 110, 2)
	before := p.Lots()

	taken, err := p.ConsumeFIFO("AAPL", d(12))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := len(taken) - 1; i >= 0; i-- {
		p.Restore("AAPL", taken[i])
	}

	after := p.Lots()
	if len(after) != len(before) {
		t.Fatalf("expected %d lots, got %d", len(before), len(after))
	}
	for i := range before {
		if before[i].Seq != after[i].Seq || !before[i].Quantity.Equal(after[i].Quantity) || !before[i].Price.Equal(after[i].Price) {
			t.Errorf("lot %d: expected %+v, got %+v", i, before[i], after[i])
		}
	}
}

func TestRemoveLot(t *testing.T) {
	p := NewPositions()
	mustOpen(t, p, "AAPL", 10, 100, 1)
	mustOpen(t, p, "AAPL", 5, 110, 2)

	lot, ok := p.RemoveLot("AAPL", 1)
	if !ok || !lot.Quantity.Equal(d(10)) {
		t.Fatalf("expected to remove 10@100, got %+v ok=%v", lot, ok)
	}
	if _, ok := p.RemoveLot("AAPL", 1); ok {
		t.Error("second removal must fail")
	}
	if !p.Quantity("AAPL").Equal(d(5)) {
		t.Errorf("expected 5 left, got %s", p.Quantity("AAPL"))
	}
}

func TestPositionsClone_Independent(t *testing.T) {
	p := NewPositions()
	mustOpen(t, p, "AAPL", 10, 100, 1)
	c := p.Clone()

	if _, err := c.ConsumeFIFO("AAPL", d(4)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Quantity("AAPL").Equal(d(10)) {
		t.Errorf("original mutated through clone: %s", p.Quantity("AAPL"))
	}
}
