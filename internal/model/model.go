// Package model defines the core domain types shared across the ledger.
// All monetary values and quantities use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TxType is the kind of a ledger transaction.
type TxType string

const (
	TxBuy      TxType = "BUY"
	TxSell     TxType = "SELL"
	TxDeposit  TxType = "DEPOSIT"
	TxWithdraw TxType = "WITHDRAW"
)

// Valid reports whether t is one of the four known transaction types.
func (t TxType) Valid() bool {
	switch t {
	case TxBuy, TxSell, TxDeposit, TxWithdraw:
		return true
	}
	return false
}

// Trade reports whether t moves an asset (BUY or SELL) rather than cash only.
func (t TxType) Trade() bool {
	return t == TxBuy || t == TxSell
}

// Market types (asset categories) used by the portfolio distribution.
const (
	MarketStock     = "STOCK"
	MarketCrypto    = "CRYPTO"
	MarketETF       = "ETF"
	MarketCommodity = "COMMODITY"
)

// User is an account holder. Balance is never negative after an applied
// transaction.
type User struct {
	ID        string          `json:"id" db:"id"`
	Username  string          `json:"username" db:"username"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Asset is a tradable instrument with its latest known prices. Assets are
// shared across users.
type Asset struct {
	Ticker        string          `json:"ticker" db:"ticker"`
	Name          string          `json:"name" db:"name"`
	Exchange      string          `json:"exchange" db:"exchange"`
	MarketType    string          `json:"market_type" db:"market_type"`
	Open          decimal.Decimal `json:"open" db:"open_price"`
	High          decimal.Decimal `json:"high" db:"high_price"`
	Low           decimal.Decimal `json:"low" db:"low_price"`
	Close         decimal.Decimal `json:"close" db:"close_price"`
	Volume        decimal.Decimal `json:"volume" db:"volume"`
	PreviousClose decimal.Decimal `json:"previous_close" db:"previous_close"`
	PercentChange decimal.Decimal `json:"percent_change" db:"percent_change"`
	PriceToBuy    decimal.Decimal `json:"price_to_buy" db:"price_to_buy"`
	PriceToSell   decimal.Decimal `json:"price_to_sell" db:"price_to_sell"`
	LastUpdated   time.Time       `json:"last_updated" db:"last_updated"`
}

// Transaction is one entry in a user's transaction log.
// Price is zero for DEPOSIT and WITHDRAW; Ticker is empty for them too.
type Transaction struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Ticker    string          `json:"ticker,omitempty" db:"ticker"`
	Type      TxType          `json:"type" db:"type"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
	Seq       uint64          `json:"seq" db:"seq"`
}

// Value is amount × price, the cash moved by a BUY or SELL.
func (t Transaction) Value() decimal.Decimal {
	return t.Amount.Mul(t.Price)
}

// Lot is the open remainder of a single BUY. Seq equals the opening
// transaction's sequence number and defines FIFO order.
type Lot struct {
	Ticker        string          `json:"ticker"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	Seq           uint64          `json:"seq"`
	TransactionID string          `json:"transaction_id"`
	OpenedAt      time.Time       `json:"opened_at"`
}

// Cost is quantity × purchase price.
func (l Lot) Cost() decimal.Decimal {
	return l.Quantity.Mul(l.Price)
}

// Match records the part of a lot consumed by a SELL.
type Match struct {
	SellTransactionID string          `json:"sell_transaction_id"`
	BuyTransactionID  string          `json:"buy_transaction_id"`
	LotSeq            uint64          `json:"lot_seq"`
	Ticker            string          `json:"ticker"`
	Quantity          decimal.Decimal `json:"quantity"`
	PurchasePrice     decimal.Decimal `json:"purchase_price"`
	SellPrice         decimal.Decimal `json:"sell_price"`
}

// PnL is the unrounded profit of the match.
func (m Match) PnL() decimal.Decimal {
	return m.Quantity.Mul(m.SellPrice.Sub(m.PurchasePrice))
}

// CashPolicy controls how a BUY interacts with the cash balance.
// The zero value neither checks nor debits cash on BUY.
type CashPolicy struct {
	// RequireFunds rejects a BUY whose amount × price exceeds the balance.
	RequireFunds bool `json:"require_funds" db:"require_funds"`
	// DebitOnBuy subtracts amount × price from the balance on BUY.
	// It implies RequireFunds so the balance never goes negative.
	DebitOnBuy bool `json:"debit_on_buy" db:"debit_on_buy"`
}

// UserState is the unit the persistence layer loads and saves. Positions
// are not stored: they are rebuilt by replaying Transactions under the
// CashPolicy the user was created with.
type UserState struct {
	User         User          `json:"user"`
	Transactions []Transaction `json:"transactions"`
	NextSeq      uint64        `json:"next_seq"`
	CashPolicy   CashPolicy    `json:"cash_policy"`
}

// Holding is the aggregate open quantity of one ticker.
type Holding struct {
	Ticker    string          `json:"ticker"`
	Quantity  decimal.Decimal `json:"quantity"`
	CostBasis decimal.Decimal `json:"cost_basis"` // Σ lot quantity × purchase price
	Lots      []Lot           `json:"lots"`
}

// PositionValue is a holding marked to market.
type PositionValue struct {
	Ticker        string          `json:"ticker"`
	MarketType    string          `json:"market_type"`
	Quantity      decimal.Decimal `json:"quantity"`
	CostBasis     decimal.Decimal `json:"cost_basis"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	CurrentValue  decimal.Decimal `json:"current_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Priced        bool            `json:"priced"`
}

// Portfolio aggregates a user's cash, positions and P&L.
type Portfolio struct {
	UserID        string                     `json:"user_id"`
	Username      string                     `json:"username"`
	Balance       decimal.Decimal            `json:"balance"`
	Positions     []PositionValue            `json:"positions"`
	RealizedPnL   decimal.Decimal            `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal            `json:"unrealized_pnl"`
	MarketValue   decimal.Decimal            `json:"market_value"`
	Distribution  map[string]decimal.Decimal `json:"distribution"`
	Unpriced      []string                   `json:"unpriced,omitempty"`
}
