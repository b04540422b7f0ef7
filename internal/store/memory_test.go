package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/portfolio-ledger/internal/ledger"
	"github.com/atmx/portfolio-ledger/internal/model"
)

func TestMemoryStore_UserRoundTrip(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStore()

	_, err := ms.LoadUser(ctx, "u1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	st := &model.UserState{
		User: model.User{ID: "u1", Username: "alice", Balance: decimal.NewFromInt(10), CreatedAt: time.Now().UTC()},
		Transactions: []model.Transaction{
			{ID: "t1", UserID: "u1", Type: model.TxDeposit, Amount: decimal.NewFromInt(10), Seq: 1},
		},
		NextSeq: 2,
	}
	require.NoError(t, ms.SaveUser(ctx, st))

	// Mutating the caller's copy must not reach the store.
	st.Transactions[0].Amount = decimal.NewFromInt(999)

	got, err := ms.LoadUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.User.Username)
	assert.Equal(t, uint64(2), got.NextSeq)
	require.Len(t, got.Transactions, 1)
	assert.True(t, got.Transactions[0].Amount.Equal(decimal.NewFromInt(10)))

	got.Transactions[0].ID = "changed"
	again, _ := ms.LoadUser(ctx, "u1")
	assert.Equal(t, "t1", again.Transactions[0].ID)
}

func TestMemoryStore_Assets(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStore()

	require.NoError(t, ms.UpsertAsset(ctx, &model.Asset{Ticker: "MSFT", MarketType: model.MarketStock}))
	require.NoError(t, ms.UpsertAsset(ctx, &model.Asset{Ticker: "AAPL", MarketType: model.MarketStock}))
	require.NoError(t, ms.UpsertAsset(ctx, &model.Asset{Ticker: "BTC", MarketType: model.MarketCrypto}))
	require.NoError(t, ms.EnsureMarketType(ctx, model.MarketETF))

	all, err := ms.ListAssets(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "AAPL", all[0].Ticker)

	stocks, err := ms.ListAssetsByMarket(ctx, model.MarketStock)
	require.NoError(t, err)
	assert.Len(t, stocks, 2)

	etfs, err := ms.ListAssetsByMarket(ctx, model.MarketETF)
	require.NoError(t, err)
	assert.Empty(t, etfs)

	_, err = ms.ListAssetsByMarket(ctx, "BONDS")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	types, err := ms.ListMarketTypes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"CRYPTO", "ETF", "STOCK"}, types)

	_, err = ms.GetAsset(ctx, "TSLA")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestMemoryStore_UpsertReplaces(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStore()
	a := &model.Asset{Ticker: "AAPL", Close: decimal.NewFromInt(100)}
	require.NoError(t, ms.UpsertAsset(ctx, a))

	a.Close = decimal.NewFromInt(1)
	got, _ := ms.GetAsset(ctx, "AAPL")
	assert.True(t, got.Close.Equal(decimal.NewFromInt(100)), "store must copy on write")

	require.NoError(t, ms.UpsertAsset(ctx, &model.Asset{Ticker: "AAPL", Close: decimal.NewFromInt(120)}))
	got, _ = ms.GetAsset(ctx, "AAPL")
	assert.True(t, got.Close.Equal(decimal.NewFromInt(120)))
}

func TestListKeys(t *testing.T) {
	next := &model.Asset{Ticker: "GLD", MarketType: model.MarketCommodity}

	assert.Equal(t, []string{"assets:all", "assets:market:COMMODITY"}, listKeys(nil, next))
	assert.Equal(t, []string{"assets:all", "assets:market:COMMODITY"},
		listKeys(&model.Asset{Ticker: "GLD", MarketType: model.MarketCommodity}, next))
	assert.Equal(t, []string{"assets:all", "assets:market:COMMODITY", "assets:market:ETF"},
		listKeys(&model.Asset{Ticker: "GLD", MarketType: model.MarketETF}, next))
}
