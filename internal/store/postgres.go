package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-ledger/internal/ledger"
	"github.com/atmx/portfolio-ledger/internal/model"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *PostgresStore) LoadUser(ctx context.Context, id string) (*model.UserState, error) {
	var st model.UserState
	var balance string

	err := s.pool.QueryRow(ctx,
		`SELECT id, username, balance::TEXT, next_seq, created_at, require_funds, debit_on_buy
		 FROM users WHERE id = $1`, id).
		Scan(&st.User.ID, &st.User.Username, &balance, &st.NextSeq, &st.User.CreatedAt,
			&st.CashPolicy.RequireFunds, &st.CashPolicy.DebitOnBuy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", ledger.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	st.User.Balance, _ = decimal.NewFromString(balance)

	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, seq, type, ticker, amount::TEXT, price::TEXT, timestamp
		 FROM transactions WHERE user_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	st.Transactions, err = scanTransactions(rows)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// SaveUser rewrites the user row and its log in one database transaction.
func (s *PostgresStore) SaveUser(ctx context.Context, st *model.UserState) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO users (id, username, balance, next_seq, created_at, require_funds, debit_on_buy)
			 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7)
			 ON CONFLICT (id) DO UPDATE
			 SET username = EXCLUDED.username, balance = EXCLUDED.balance, next_seq = EXCLUDED.next_seq`,
			st.User.ID, st.User.Username, st.User.Balance.String(), st.NextSeq, st.User.CreatedAt,
			st.CashPolicy.RequireFunds, st.CashPolicy.DebitOnBuy,
		)
		if err != nil {
			return fmt.Errorf("upsert user %s: %w", st.User.ID, err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM transactions WHERE user_id = $1`, st.User.ID); err != nil {
			return fmt.Errorf("clear transactions of %s: %w", st.User.ID, err)
		}

		batch := &pgx.Batch{}
		for _, t := range st.Transactions {
			batch.Queue(
				`INSERT INTO transactions (id, user_id, seq, type, ticker, amount, price, timestamp)
				 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8)`,
				t.ID, st.User.ID, t.Seq, string(t.Type), t.Ticker,
				t.Amount.String(), t.Price.String(), t.Timestamp,
			)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

func (s *PostgresStore) UpsertAsset(ctx context.Context, a *model.Asset) error {
	if a.MarketType != "" {
		if err := s.EnsureMarketType(ctx, a.MarketType); err != nil {
			return err
		}
	}
	var marketType *string
	if a.MarketType != "" {
		marketType = &a.MarketType
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO assets (ticker, name, exchange, market_type,
		                     open_price, high_price, low_price, close_price, volume,
		                     previous_close, percent_change, price_to_buy, price_to_sell, last_updated)
		 VALUES ($1, $2, $3, $4,
		         $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC,
		         $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13::NUMERIC, $14)
		 ON CONFLICT (ticker) DO UPDATE SET
		     name = EXCLUDED.name, exchange = EXCLUDED.exchange, market_type = EXCLUDED.market_type,
		     open_price = EXCLUDED.open_price, high_price = EXCLUDED.high_price,
		     low_price = EXCLUDED.low_price, close_price = EXCLUDED.close_price,
		     volume = EXCLUDED.volume, previous_close = EXCLUDED.previous_close,
		     percent_change = EXCLUDED.percent_change, price_to_buy = EXCLUDED.price_to_buy,
		     price_to_sell = EXCLUDED.price_to_sell, last_updated = EXCLUDED.last_updated`,
		a.Ticker, a.Name, a.Exchange, marketType,
		a.Open.String(), a.High.String(), a.Low.String(), a.Close.String(), a.Volume.String(),
		a.PreviousClose.String(), a.PercentChange.String(), a.PriceToBuy.String(), a.PriceToSell.String(),
		a.LastUpdated,
	)
	return err
}

const assetColumns = `ticker, name, exchange, COALESCE(market_type, ''),
	open_price::TEXT, high_price::TEXT, low_price::TEXT, close_price::TEXT, volume::TEXT,
	previous_close::TEXT, percent_change::TEXT, price_to_buy::TEXT, price_to_sell::TEXT, last_updated`

func (s *PostgresStore) GetAsset(ctx context.Context, ticker string) (*model.Asset, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+assetColumns+` FROM assets WHERE ticker = $1`, ticker)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	assets, err := scanAssets(rows)
	if err != nil {
		return nil, err
	}
	if len(assets) == 0 {
		return nil, fmt.Errorf("%w: asset %s", ledger.ErrNotFound, ticker)
	}
	return &assets[0], nil
}

func (s *PostgresStore) ListAssets(ctx context.Context) ([]model.Asset, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+assetColumns+` FROM assets ORDER BY ticker`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAssets(rows)
}

func (s *PostgresStore) ListAssetsByMarket(ctx context.Context, marketType string) ([]model.Asset, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM market_types WHERE name = $1)`, marketType).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: market type %s", ledger.ErrNotFound, marketType)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+assetColumns+` FROM assets WHERE market_type = $1 ORDER BY ticker`, marketType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAssets(rows)
}

func (s *PostgresStore) EnsureMarketType(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO market_types (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, name)
	return err
}

func (s *PostgresStore) ListMarketTypes(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT name FROM market_types ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// pgxRows is the subset of pgx.Rows the scanners need.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanTransactions(rows pgxRows) ([]model.Transaction, error) {
	var txs []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var typ, amountS, priceS string

		if err := rows.Scan(&t.ID, &t.UserID, &t.Seq, &typ, &t.Ticker,
			&amountS, &priceS, &t.Timestamp); err != nil {
			return nil, err
		}

		t.Type = model.TxType(typ)
		t.Amount, _ = decimal.NewFromString(amountS)
		t.Price, _ = decimal.NewFromString(priceS)
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func scanAssets(rows pgxRows) ([]model.Asset, error) {
	assets := []model.Asset{}
	for rows.Next() {
		var a model.Asset
		var open, high, low, closeS, volume, prev, pct, buy, sell string

		if err := rows.Scan(&a.Ticker, &a.Name, &a.Exchange, &a.MarketType,
			&open, &high, &low, &closeS, &volume,
			&prev, &pct, &buy, &sell, &a.LastUpdated); err != nil {
			return nil, err
		}

		a.Open, _ = decimal.NewFromString(open)
		a.High, _ = decimal.NewFromString(high)
		a.Low, _ = decimal.NewFromString(low)
		a.Close, _ = decimal.NewFromString(closeS)
		a.Volume, _ = decimal.NewFromString(volume)
		a.PreviousClose, _ = decimal.NewFromString(prev)
		a.PercentChange, _ = decimal.NewFromString(pct)
		a.PriceToBuy, _ = decimal.NewFromString(buy)
		a.PriceToSell, _ = decimal.NewFromString(sell)
		assets = append(assets, a)
	}
	return assets, rows.Err()
}
