// Package store defines the persistence interface for the ledger service.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// asset cache), and in-memory (for testing).
package store

import (
	"context"

	"github.com/atmx/portfolio-ledger/internal/ledger"
	"github.com/atmx/portfolio-ledger/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer for the asset catalog.
type Store interface {
	// --- User state (ledger.Repository) ---

	// LoadUser returns a user and its ordered transaction log. Missing
	// users yield an error wrapping ledger.ErrNotFound.
	LoadUser(ctx context.Context, id string) (*model.UserState, error)

	// SaveUser replaces a user's balance and transaction log atomically.
	SaveUser(ctx context.Context, state *model.UserState) error

	// --- Asset catalog ---

	// UpsertAsset inserts or updates an asset keyed by ticker.
	UpsertAsset(ctx context.Context, asset *model.Asset) error

	// GetAsset retrieves an asset by ticker.
	GetAsset(ctx context.Context, ticker string) (*model.Asset, error)

	// ListAssets returns all assets ordered by ticker.
	ListAssets(ctx context.Context) ([]model.Asset, error)

	// ListAssetsByMarket returns the assets of one market type.
	ListAssetsByMarket(ctx context.Context, marketType string) ([]model.Asset, error)

	// EnsureMarketType registers a market type if it does not exist.
	EnsureMarketType(ctx context.Context, name string) error

	// ListMarketTypes returns all known market types.
	ListMarketTypes(ctx context.Context) ([]string, error)
}

var _ ledger.Repository = Store(nil)
