// Package importer bulk-loads the asset catalog from CSV snapshots, one
// file per market type.
package importer

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-ledger/internal/metrics"
	"github.com/atmx/portfolio-ledger/internal/model"
	"github.com/atmx/portfolio-ledger/internal/ticker"
)

// Catalog is where imported assets are written.
type Catalog interface {
	EnsureMarketType(ctx context.Context, name string) error
	UpsertAsset(ctx context.Context, asset *model.Asset) error
}

// Columns: date, open, high, low, close, volume, previous_close, name, ticker
const minFields = 9

var (
	buyMarkup   = decimal.RequireFromString("1.01")
	sellMarkup  = decimal.RequireFromString("0.99")
	hundred     = decimal.NewFromInt(100)
	dateLayouts = []string{"2006-01-02", "2006-01-02 15:04:05", time.RFC3339}
)

// File is a snapshot file and the market type of its rows.
type File struct {
	Name       string
	MarketType string
}

// DefaultFiles are the snapshot files LoadDir looks for.
var DefaultFiles = []File{
	{Name: "stocks_data.csv", MarketType: model.MarketStock},
	{Name: "crypto_data.csv", MarketType: model.MarketCrypto},
	{Name: "etf_data.csv", MarketType: model.MarketETF},
	{Name: "commodities_data.csv", MarketType: model.MarketCommodity},
}

// Result counts the rows of one import.
type Result struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
}

func (r *Result) add(o Result) {
	r.Imported += o.Imported
	r.Skipped += o.Skipped
}

// Loader reads CSV files into a Catalog.
type Loader struct {
	catalog Catalog
	now     func() time.Time
}

// NewLoader creates a loader writing to catalog.
func NewLoader(catalog Catalog) *Loader {
	return &Loader{
		catalog: catalog,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// LoadDir ensures every market type exists and imports each default file
// found in dir. A file that is missing or cannot be read is logged and
// skipped; only cancellation and market-type setup abort the import.
func (l *Loader) LoadDir(ctx context.Context, dir string) (Result, error) {
	var total Result
	for _, market := range ticker.MarketTypes() {
		if err := l.catalog.EnsureMarketType(ctx, market); err != nil {
			return total, fmt.Errorf("ensure market type %s: %w", market, err)
		}
	}
	for _, f := range DefaultFiles {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		path := filepath.Join(dir, f.Name)
		res, err := l.LoadFile(ctx, path, f.MarketType)
		total.add(res)
		switch {
		case err == nil:
		case errors.Is(err, fs.ErrNotExist):
			slog.Warn("csv file not found, skipping", "path", path)
		case ctx.Err() != nil:
			return total, ctx.Err()
		default:
			slog.Error("csv file failed, skipping", "path", path, "err", err)
		}
	}
	slog.Info("asset import finished", "dir", dir, "imported", total.Imported, "skipped", total.Skipped)
	return total, nil
}

// LoadFile imports one CSV file as assets of marketType.
func (l *Loader) LoadFile(ctx context.Context, path, marketType string) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, err
	}
	defer f.Close()

	res, err := l.Load(ctx, f, marketType)
	if err != nil {
		return res, fmt.Errorf("import %s: %w", path, err)
	}
	slog.Info("csv imported", "path", path, "market_type", marketType, "imported", res.Imported, "skipped", res.Skipped)
	return res, nil
}

// Load imports CSV rows from r. The first row is a header. Short rows, rows
// without a valid ticker and rows the catalog rejects are skipped;
// unparsable numbers become zero. A read error that is not a malformed row
// stops the file and is returned with the rows counted so far.
func (l *Loader) Load(ctx context.Context, r io.Reader, marketType string) (Result, error) {
	market, err := ticker.MarketType(marketType)
	if err != nil {
		return Result{}, err
	}
	if err := l.catalog.EnsureMarketType(ctx, market); err != nil {
		return Result{}, fmt.Errorf("ensure market type %s: %w", market, err)
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.LazyQuotes = true

	var res Result
	header := true
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				slog.Warn("csv row unreadable, skipping", "line", perr.Line, "err", err)
				res.Skipped++
				metrics.AssetsImported.WithLabelValues(market, "skipped").Inc()
				continue
			}
			return res, err
		}
		if header {
			header = false
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		asset, ok := l.parseRow(record, market)
		if !ok {
			res.Skipped++
			metrics.AssetsImported.WithLabelValues(market, "skipped").Inc()
			continue
		}
		if err := l.catalog.UpsertAsset(ctx, asset); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			slog.Warn("asset upsert failed, skipping", "ticker", asset.Ticker, "err", err)
			res.Skipped++
			metrics.AssetsImported.WithLabelValues(market, "skipped").Inc()
			continue
		}
		res.Imported++
		metrics.AssetsImported.WithLabelValues(market, "imported").Inc()
	}
	return res, nil
}

func (l *Loader) parseRow(record []string, market string) (*model.Asset, bool) {
	if len(record) < minFields {
		return nil, false
	}
	for i := range record {
		record[i] = strings.TrimSpace(strings.Trim(record[i], `"`))
	}
	tk, err := ticker.Parse(record[8])
	if err != nil {
		return nil, false
	}

	a := &model.Asset{
		Ticker:        tk.Raw,
		Name:          record[7],
		Exchange:      tk.Exchange,
		MarketType:    market,
		Open:          number(record[1]),
		High:          number(record[2]),
		Low:           number(record[3]),
		Close:         number(record[4]),
		Volume:        number(record[5]),
		PreviousClose: number(record[6]),
		LastUpdated:   l.date(record[0]),
	}
	a.PriceToBuy = a.Close.Mul(buyMarkup)
	a.PriceToSell = a.Close.Mul(sellMarkup)
	if !a.PreviousClose.IsZero() {
		a.PercentChange = a.Close.Sub(a.PreviousClose).Mul(hundred).DivRound(a.PreviousClose, 6)
	}
	return a, true
}

func (l *Loader) date(s string) time.Time {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return l.now()
}

func number(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return v
}
