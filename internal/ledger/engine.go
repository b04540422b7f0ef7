// Package ledger is the position-accounting engine: it records BUY, SELL,
// DEPOSIT and WITHDRAW transactions per user, maintains FIFO purchase lots
// and the cash balance, and supports amending and deleting historical
// transactions without letting balance and lots diverge.
//
// Every mutation is atomic per user. It runs on a clone of the user's
// book under the user's write lock, is persisted through the Repository,
// and only then replaces the live book. Different users never contend.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-ledger/internal/metrics"
	"github.com/atmx/portfolio-ledger/internal/model"
)

// Repository persists user state. The engine never stores positions;
// they are rebuilt from the transaction log on load.
type Repository interface {
	// LoadUser returns the stored state, or an error wrapping ErrNotFound.
	LoadUser(ctx context.Context, id string) (*model.UserState, error)

	// SaveUser replaces the stored state of state.User.ID.
	SaveUser(ctx context.Context, state *model.UserState) error
}

// AssetLookup resolves a ticker to an asset.
type AssetLookup interface {
	GetAsset(ctx context.Context, ticker string) (*model.Asset, error)
}

// Amendment lists the fields to change on a transaction. Nil fields keep
// their prior value.
type Amendment struct {
	Amount *decimal.Decimal `json:"amount,omitempty"`
	Price  *decimal.Decimal `json:"price,omitempty"`
	Type   *model.TxType    `json:"type,omitempty"`
	Ticker *string          `json:"ticker,omitempty"`
}

// Snapshot is a consistent read-only copy of one user's book.
type Snapshot struct {
	User         model.User
	Lots         []model.Lot
	Matches      []model.Match
	Transactions []model.Transaction
}

type slot struct {
	mu   sync.RWMutex
	book *Book
}

// Engine owns the in-memory books of all users.
type Engine struct {
	repo   Repository
	assets AssetLookup
	policy CashPolicy
	now    func() time.Time

	mu    sync.Mutex
	books map[string]*slot
}

// Option configures an Engine.
type Option func(*Engine)

// WithCashPolicy sets how BUY interacts with the balance for users created
// by this engine. Existing users keep the policy stored with their state.
func WithCashPolicy(p CashPolicy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithClock overrides the transaction timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine backed by repo. assets may be nil, in which
// case tickers are not checked against a catalog.
func NewEngine(repo Repository, assets AssetLookup, opts ...Option) *Engine {
	e := &Engine{
		repo:   repo,
		assets: assets,
		now:    func() time.Time { return time.Now().UTC() },
		books:  make(map[string]*slot),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateUser registers a new user with a zero balance.
func (e *Engine) CreateUser(ctx context.Context, username string) (model.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return model.User{}, ErrInvalidUsername
	}
	user := model.User{
		ID:        uuid.New().String(),
		Username:  username,
		Balance:   decimal.Zero,
		CreatedAt: e.now(),
	}
	book := NewBook(user, e.policy)
	state := book.State()
	if err := e.repo.SaveUser(ctx, &state); err != nil {
		return model.User{}, fmt.Errorf("save user: %w", err)
	}

	e.mu.Lock()
	e.books[user.ID] = &slot{book: book}
	metrics.LoadedBooks.Set(float64(len(e.books)))
	e.mu.Unlock()

	slog.Info("user created", "user", user.ID, "username", username)
	return book.User(), nil
}

// GetUser returns the user with the current balance.
func (e *Engine) GetUser(ctx context.Context, userID string) (model.User, error) {
	var user model.User
	err := e.read(ctx, userID, func(b *Book) error {
		user = b.User()
		return nil
	})
	return user, err
}

// Receipt is the outcome of a mutation: the transaction as stored and
// the balance right after it was applied.
type Receipt struct {
	Transaction model.Transaction
	Balance     decimal.Decimal
}

// Deposit adds amount to the balance.
func (e *Engine) Deposit(ctx context.Context, userID string, amount decimal.Decimal) (model.Transaction, error) {
	r, err := e.Submit(ctx, userID, model.Transaction{Type: model.TxDeposit, Amount: amount})
	return r.Transaction, err
}

// Withdraw removes amount from the balance.
func (e *Engine) Withdraw(ctx context.Context, userID string, amount decimal.Decimal) (model.Transaction, error) {
	r, err := e.Submit(ctx, userID, model.Transaction{Type: model.TxWithdraw, Amount: amount})
	return r.Transaction, err
}

// SubmitBuy opens a lot of amount units of ticker at price.
func (e *Engine) SubmitBuy(ctx context.Context, userID, ticker string, amount, price decimal.Decimal) (model.Transaction, error) {
	r, err := e.Submit(ctx, userID, model.Transaction{Type: model.TxBuy, Ticker: ticker, Amount: amount, Price: price})
	return r.Transaction, err
}

// SubmitSell consumes amount units of ticker FIFO and credits the proceeds.
func (e *Engine) SubmitSell(ctx context.Context, userID, ticker string, amount, price decimal.Decimal) (model.Transaction, error) {
	r, err := e.Submit(ctx, userID, model.Transaction{Type: model.TxSell, Ticker: ticker, Amount: amount, Price: price})
	return r.Transaction, err
}

// AmendTransaction changes fields of an existing transaction and
// re-derives all state that follows it.
func (e *Engine) AmendTransaction(ctx context.Context, userID, txID string, a Amendment) (model.Transaction, error) {
	r, err := e.Amend(ctx, userID, txID, a)
	return r.Transaction, err
}

// DeleteTransaction reverses a transaction and removes it from the log.
func (e *Engine) DeleteTransaction(ctx context.Context, userID, txID string) error {
	_, err := e.Delete(ctx, userID, txID)
	return err
}

// Submit appends tx to the user's log. ID, timestamp, user and sequence
// are assigned by the engine; ticker and price are cleared for cash
// transactions.
func (e *Engine) Submit(ctx context.Context, userID string, tx model.Transaction) (Receipt, error) {
	if !tx.Type.Trade() {
		tx.Ticker = ""
		tx.Price = decimal.Zero
	}
	var out Receipt
	err := e.mutate(ctx, "submit", userID, func(b *Book) error {
		if err := e.checkAsset(ctx, tx); err != nil {
			return err
		}
		tx.ID = uuid.New().String()
		tx.Timestamp = e.now()
		applied, err := b.Submit(tx)
		if err != nil {
			return err
		}
		out = Receipt{Transaction: applied, Balance: b.Balance()}
		return nil
	})
	if err != nil {
		return Receipt{}, err
	}

	metrics.TransactionsTotal.WithLabelValues(string(out.Transaction.Type), "submit").Inc()
	slog.Info("transaction applied",
		"user", userID,
		"tx", out.Transaction.ID,
		"seq", out.Transaction.Seq,
		"type", out.Transaction.Type,
		"ticker", out.Transaction.Ticker,
		"amount", out.Transaction.Amount.String(),
		"price", out.Transaction.Price.String(),
		"balance", out.Balance.String(),
	)
	return out, nil
}

// Amend is AmendTransaction returning the balance after re-derivation.
func (e *Engine) Amend(ctx context.Context, userID, txID string, a Amendment) (Receipt, error) {
	var out Receipt
	err := e.mutate(ctx, "amend", userID, func(b *Book) error {
		tx, err := b.Find(txID)
		if err != nil {
			return err
		}
		if a.Amount != nil {
			tx.Amount = *a.Amount
		}
		if a.Price != nil {
			tx.Price = *a.Price
		}
		if a.Type != nil {
			tx.Type = *a.Type
		}
		if a.Ticker != nil {
			tx.Ticker = *a.Ticker
		}
		if !tx.Type.Trade() {
			tx.Ticker = ""
			tx.Price = decimal.Zero
		}
		if err := e.checkAsset(ctx, tx); err != nil {
			return err
		}
		amended, err := b.Amend(tx)
		if err != nil {
			return err
		}
		out = Receipt{Transaction: amended, Balance: b.Balance()}
		return nil
	})
	if err != nil {
		return Receipt{}, err
	}
	metrics.TransactionsTotal.WithLabelValues(string(out.Transaction.Type), "amend").Inc()
	slog.Info("transaction amended",
		"user", userID,
		"tx", txID,
		"type", out.Transaction.Type,
		"amount", out.Transaction.Amount.String(),
		"price", out.Transaction.Price.String(),
		"balance", out.Balance.String(),
	)
	return out, nil
}

// Delete is DeleteTransaction returning the removed transaction and the
// balance after re-derivation.
func (e *Engine) Delete(ctx context.Context, userID, txID string) (Receipt, error) {
	var out Receipt
	err := e.mutate(ctx, "delete", userID, func(b *Book) error {
		removed, err := b.Delete(txID)
		if err != nil {
			return err
		}
		out = Receipt{Transaction: removed, Balance: b.Balance()}
		return nil
	})
	if err != nil {
		return Receipt{}, err
	}
	metrics.TransactionsTotal.WithLabelValues(string(out.Transaction.Type), "delete").Inc()
	slog.Info("transaction deleted", "user", userID, "tx", txID, "type", out.Transaction.Type, "balance", out.Balance.String())
	return out, nil
}

// Holdings returns the user's open positions, one per ticker.
func (e *Engine) Holdings(ctx context.Context, userID string) ([]model.Holding, error) {
	snap, err := e.Snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}
	return GroupLots(snap.Lots), nil
}

// TransactionHistory returns the user's log in submission order.
func (e *Engine) TransactionHistory(ctx context.Context, userID string) ([]model.Transaction, error) {
	var txs []model.Transaction
	err := e.read(ctx, userID, func(b *Book) error {
		txs = b.Transactions()
		return nil
	})
	return txs, err
}

// Snapshot copies the user's book under the read lock.
func (e *Engine) Snapshot(ctx context.Context, userID string) (Snapshot, error) {
	var snap Snapshot
	err := e.read(ctx, userID, func(b *Book) error {
		snap = Snapshot{
			User:         b.User(),
			Lots:         b.Lots(),
			Matches:      b.Matches(),
			Transactions: b.Transactions(),
		}
		return nil
	})
	return snap, err
}

// GroupLots aggregates FIFO-ordered lots into per-ticker holdings.
func GroupLots(lots []model.Lot) []model.Holding {
	var out []model.Holding
	for _, lot := range lots {
		if n := len(out); n == 0 || out[n-1].Ticker != lot.Ticker {
			out = append(out, model.Holding{Ticker: lot.Ticker})
		}
		h := &out[len(out)-1]
		h.Quantity = h.Quantity.Add(lot.Quantity)
		h.CostBasis = h.CostBasis.Add(lot.Cost())
		h.Lots = append(h.Lots, lot)
	}
	return out
}

// mutate runs fn on a clone of the user's book under the write lock,
// persists the result and swaps it in. Any error leaves the live book
// untouched.
func (e *Engine) mutate(ctx context.Context, op, userID string, fn func(*Book) error) error {
	start := time.Now()
	defer func() { metrics.OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds()) }()

	s, err := e.slot(ctx, userID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.book.Clone()
	if err := fn(next); err != nil {
		metrics.RejectionsTotal.WithLabelValues(op, reason(err)).Inc()
		return err
	}
	state := next.State()
	if err := e.repo.SaveUser(ctx, &state); err != nil {
		return fmt.Errorf("save user %s: %w", userID, err)
	}
	s.book = next
	return nil
}

func (e *Engine) read(ctx context.Context, userID string, fn func(*Book) error) error {
	s, err := e.slot(ctx, userID)
	if err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.book)
}

// slot returns the loaded slot of userID, loading and replaying the
// stored log on first access. Exactly one slot per user is registered;
// a caller that loaded a slot which was dropped after a failed load
// retries with the registered one.
func (e *Engine) slot(ctx context.Context, userID string) (*slot, error) {
	for {
		e.mu.Lock()
		s, ok := e.books[userID]
		if !ok {
			s = &slot{}
			e.books[userID] = s
		}
		e.mu.Unlock()

		if err := e.load(ctx, userID, s); err != nil {
			return nil, err
		}

		e.mu.Lock()
		cur, ok := e.books[userID]
		if !ok {
			e.books[userID] = s
			cur = s
		}
		metrics.LoadedBooks.Set(float64(len(e.books)))
		e.mu.Unlock()
		if cur == s {
			return s, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// load fills s from the repository unless it is already loaded. A failed
// load unregisters s so the next access starts over.
func (e *Engine) load(ctx context.Context, userID string, s *slot) error {
	s.mu.RLock()
	loaded := s.book != nil
	s.mu.RUnlock()
	if loaded {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.book != nil {
		return nil
	}

	state, err := e.repo.LoadUser(ctx, userID)
	if err != nil {
		e.forget(userID, s)
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: user %s", ErrNotFound, userID)
		}
		return fmt.Errorf("load user %s: %w", userID, err)
	}
	book, err := Restore(state)
	if err != nil {
		e.forget(userID, s)
		return fmt.Errorf("restore user %s: %w", userID, err)
	}
	if !book.Balance().Equal(state.User.Balance) {
		slog.Warn("stored balance differs from replayed log, using replay",
			"user", userID,
			"stored", state.User.Balance.String(),
			"replayed", book.Balance().String(),
		)
	}
	if book.Policy() != e.policy {
		slog.Info("user keeps the cash policy it was created with",
			"user", userID,
			"require_funds", book.Policy().RequireFunds,
			"debit_on_buy", book.Policy().DebitOnBuy,
		)
	}
	s.book = book
	return nil
}

func (e *Engine) forget(userID string, s *slot) {
	e.mu.Lock()
	if e.books[userID] == s {
		delete(e.books, userID)
	}
	e.mu.Unlock()
}

func (e *Engine) checkAsset(ctx context.Context, tx model.Transaction) error {
	if e.assets == nil || !tx.Type.Trade() || tx.Ticker == "" {
		return nil
	}
	if _, err := e.assets.GetAsset(ctx, tx.Ticker); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: asset %s", ErrNotFound, tx.Ticker)
		}
		return fmt.Errorf("lookup asset %s: %w", tx.Ticker, err)
	}
	return nil
}

func reason(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidType),
		errors.Is(err, ErrInvalidUsername), errors.Is(err, ErrMissingTicker):
		return "invalid"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInsufficientPosition):
		return "insufficient_position"
	}
	return "error"
}
