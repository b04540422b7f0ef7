package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/portfolio-ledger/internal/ledger"
	"github.com/atmx/portfolio-ledger/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	users       map[string]model.UserState
	assets      map[string]*model.Asset
	marketTypes map[string]bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]model.UserState),
		assets:      make(map[string]*model.Asset),
		marketTypes: make(map[string]bool),
	}
}

func (s *MemoryStore) LoadUser(_ context.Context, id string) (*model.UserState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", ledger.ErrNotFound, id)
	}
	st.Transactions = append([]model.Transaction(nil), st.Transactions...)
	return &st, nil
}

func (s *MemoryStore) SaveUser(_ context.Context, state *model.UserState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	st := *state
	st.Transactions = append([]model.Transaction(nil), state.Transactions...)
	s.users[state.User.ID] = st
	return nil
}

func (s *MemoryStore) UpsertAsset(_ context.Context, a *model.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *a
	s.assets[a.Ticker] = &cp
	if a.MarketType != "" {
		s.marketTypes[a.MarketType] = true
	}
	return nil
}

func (s *MemoryStore) GetAsset(_ context.Context, ticker string) (*model.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.assets[ticker]
	if !ok {
		return nil, fmt.Errorf("%w: asset %s", ledger.ErrNotFound, ticker)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListAssets(_ context.Context) ([]model.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	assets := make([]model.Asset, 0, len(s.assets))
	for _, a := range s.assets {
		assets = append(assets, *a)
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].Ticker < assets[j].Ticker })
	return assets, nil
}

func (s *MemoryStore) ListAssetsByMarket(ctx context.Context, marketType string) ([]model.Asset, error) {
	s.mu.RLock()
	known := s.marketTypes[marketType]
	s.mu.RUnlock()
	if !known {
		return nil, fmt.Errorf("%w: market type %s", ledger.ErrNotFound, marketType)
	}

	all, err := s.ListAssets(ctx)
	if err != nil {
		return nil, err
	}
	assets := []model.Asset{}
	for _, a := range all {
		if a.MarketType == marketType {
			assets = append(assets, a)
		}
	}
	return assets, nil
}

func (s *MemoryStore) EnsureMarketType(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.marketTypes[name] = true
	return nil
}

func (s *MemoryStore) ListMarketTypes(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.marketTypes))
	for n := range s.marketTypes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}
