package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/portfolio-ledger/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the asset catalog. Writes go to the primary store and refresh
// or invalidate the cache; reads check Redis first then fall back to the
// primary. User state is not cached: the ledger engine keeps live books
// in memory already.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, refresh cache) ---

func (s *CachedStore) UpsertAsset(ctx context.Context, a *model.Asset) error {
	// The previous market type's list goes stale if the asset moves.
	prev, err := s.primary.GetAsset(ctx, a.Ticker)
	if err != nil {
		prev = nil
	}
	if err := s.primary.UpsertAsset(ctx, a); err != nil {
		return err
	}
	s.cacheAsset(ctx, a)
	s.rdb.Del(ctx, listKeys(prev, a)...)
	return nil
}

func (s *CachedStore) EnsureMarketType(ctx context.Context, name string) error {
	return s.primary.EnsureMarketType(ctx, name)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAsset(ctx context.Context, ticker string) (*model.Asset, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, assetKey(ticker)).Bytes()
	if err == nil {
		var a model.Asset
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	// Cache miss: read from primary.
	a, err := s.primary.GetAsset(ctx, ticker)
	if err != nil {
		return nil, err
	}

	s.cacheAsset(ctx, a)
	return a, nil
}

func (s *CachedStore) ListAssets(ctx context.Context) ([]model.Asset, error) {
	return s.cachedList(ctx, assetListKey, func() ([]model.Asset, error) {
		return s.primary.ListAssets(ctx)
	})
}

func (s *CachedStore) ListAssetsByMarket(ctx context.Context, marketType string) ([]model.Asset, error) {
	return s.cachedList(ctx, marketKey(marketType), func() ([]model.Asset, error) {
		return s.primary.ListAssetsByMarket(ctx, marketType)
	})
}

// --- Passthrough (not cached) ---

func (s *CachedStore) LoadUser(ctx context.Context, id string) (*model.UserState, error) {
	return s.primary.LoadUser(ctx, id)
}

func (s *CachedStore) SaveUser(ctx context.Context, st *model.UserState) error {
	return s.primary.SaveUser(ctx, st)
}

func (s *CachedStore) ListMarketTypes(ctx context.Context) ([]string, error) {
	return s.primary.ListMarketTypes(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) cachedList(ctx context.Context, key string, load func() ([]model.Asset, error)) ([]model.Asset, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var assets []model.Asset
		if json.Unmarshal(data, &assets) == nil {
			return assets, nil
		}
	}

	assets, err := load()
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(assets); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return assets, nil
}

func (s *CachedStore) cacheAsset(ctx context.Context, a *model.Asset) {
	if data, err := json.Marshal(a); err == nil {
		s.rdb.Set(ctx, assetKey(a.Ticker), data, s.ttl)
	}
}

const assetListKey = "assets:all"

// listKeys returns the list caches an upsert from prev to next invalidates.
// prev is nil for a new asset.
func listKeys(prev, next *model.Asset) []string {
	keys := []string{assetListKey, marketKey(next.MarketType)}
	if prev != nil && prev.MarketType != next.MarketType {
		keys = append(keys, marketKey(prev.MarketType))
	}
	return keys
}

func assetKey(ticker string) string { return fmt.Sprintf("asset:%s", ticker) }
func marketKey(name string) string  { return fmt.Sprintf("assets:market:%s", name) }
