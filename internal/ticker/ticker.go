// Package ticker parses and validates asset tickers and market types.
package ticker

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/atmx/portfolio-ledger/internal/model"
)

// DefaultExchange is assumed for tickers without an exchange prefix.
const DefaultExchange = "US"

var validMarkets = map[string]bool{
	model.MarketStock:     true,
	model.MarketCrypto:    true,
	model.MarketETF:       true,
	model.MarketCommodity: true,
}

// tickerRegex matches: [{EXCHANGE}:]{SYMBOL}
// Examples: AAPL, BRK.B, BINANCE:BTCUSDT, OANDA:XAU_USD
var tickerRegex = regexp.MustCompile(
	`^(?:([A-Z0-9_]{1,20}):)?([A-Z0-9][A-Z0-9._\-=^/]{0,31})$`,
)

var (
	ErrInvalidTicker = errors.New("ticker: invalid ticker format")
	ErrInvalidMarket = errors.New("ticker: unsupported market type")
)

// Ticker is a parsed asset ticker.
type Ticker struct {
	Raw      string `json:"ticker"`
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
}

// Parse upper-cases, trims and validates a ticker.
// Format: [{EXCHANGE}:]{SYMBOL}
func Parse(raw string) (*Ticker, error) {
	norm := strings.ToUpper(strings.TrimSpace(raw))
	matches := tickerRegex.FindStringSubmatch(norm)
	if matches == nil {
		return nil, fmt.Errorf("%w: %q (expected [EXCHANGE:]SYMBOL)", ErrInvalidTicker, raw)
	}

	exchange := matches[1]
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &Ticker{
		Raw:      norm,
		Exchange: exchange,
		Symbol:   matches[2],
	}, nil
}

// Normalize returns the canonical form of raw, or an error if it is not
// a valid ticker.
func Normalize(raw string) (string, error) {
	t, err := Parse(raw)
	if err != nil {
		return "", err
	}
	return t.Raw, nil
}

// MarketType validates and upper-cases a market type name.
func MarketType(raw string) (string, error) {
	m := strings.ToUpper(strings.TrimSpace(raw))
	if !validMarkets[m] {
		return "", fmt.Errorf("%w: %q", ErrInvalidMarket, raw)
	}
	return m, nil
}

// MarketTypes lists the supported market types in display order.
func MarketTypes() []string {
	return []string{model.MarketStock, model.MarketCrypto, model.MarketETF, model.MarketCommodity}
}
