package ledger

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-ledger/internal/model"
)

// CashPolicy controls how a BUY interacts with the cash balance. A book's
// policy is fixed when the user is created and stored with its state.
type CashPolicy = model.CashPolicy

// effect is everything one applied transaction changed. Undoing it is the
// exact inverse of applying it.
type effect struct {
	balance  decimal.Decimal // signed delta
	opened   bool            // a lot was opened at the transaction's seq
	consumed []Consumption   // SELL only, FIFO order
}

// Book is one user's ledger state: balance, open lots and transaction log.
// A Book is not safe for concurrent use.
type Book struct {
	user      model.User
	positions *Positions
	log       *TxLog
	effects   map[string]effect
	policy    CashPolicy
}

// NewBook creates an empty book for user. The balance starts at zero;
// cash only enters through DEPOSIT and SELL.
func NewBook(user model.User, policy CashPolicy) *Book {
	user.Balance = decimal.Zero
	return &Book{
		user:      user,
		positions: NewPositions(),
		log:       NewTxLog(user.ID),
		effects:   make(map[string]effect),
		policy:    policy,
	}
}

// Replay rebuilds a book from an empty state by applying txs in sequence
// order. The result depends only on the user, the policy and the
// transactions.
func Replay(user model.User, txs []model.Transaction, policy CashPolicy) (*Book, error) {
	ordered := make([]model.Transaction, len(txs))
	copy(ordered, txs)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })

	b := NewBook(user, policy)
	for _, tx := range ordered {
		eff, err := b.apply(tx)
		if err != nil {
			return nil, fmt.Errorf("replay %s seq %d: %w", tx.ID, tx.Seq, err)
		}
		b.effects[tx.ID] = eff
		b.log.restore(tx)
	}
	return b, nil
}

// Restore rebuilds a book from persisted state under the stored policy.
// NextSeq is carried over so sequence numbers of removed transactions are
// not reused.
func Restore(state *model.UserState) (*Book, error) {
	b, err := Replay(state.User, state.Transactions, state.CashPolicy)
	if err != nil {
		return nil, err
	}
	if state.NextSeq > b.log.nextSeq {
		b.log.nextSeq = state.NextSeq
	}
	return b, nil
}

// Submit validates tx, applies it and appends it to the log.
// On error the book is unchanged.
func (b *Book) Submit(tx model.Transaction) (model.Transaction, error) {
	tx.UserID = b.user.ID
	tx.Seq = b.log.NextSeq()
	eff, err := b.apply(tx)
	if err != nil {
		return model.Transaction{}, err
	}
	tx = b.log.Append(tx)
	b.effects[tx.ID] = eff
	return tx, nil
}

// Amend replaces the stored fields of transaction id with updated and
// re-derives every later transaction. The amended transaction keeps its
// sequence number. On error the book may be partially rewound; callers
// work on a Clone.
func (b *Book) Amend(updated model.Transaction) (model.Transaction, error) {
	txs := b.log.All()
	idx := indexOf(txs, updated.ID)
	if idx < 0 {
		return model.Transaction{}, fmt.Errorf("%w: transaction %s", ErrNotFound, updated.ID)
	}
	updated.UserID = b.user.ID
	updated.Seq = txs[idx].Seq
	txs[idx] = updated

	b.rewind(idx)
	if err := b.reapply(txs[idx:]); err != nil {
		return model.Transaction{}, err
	}
	if err := b.log.Replace(updated); err != nil {
		return model.Transaction{}, err
	}
	return updated, nil
}

// Delete reverses transaction id, re-derives every later transaction and
// removes id from the log. Like Amend, callers work on a Clone.
func (b *Book) Delete(id string) (model.Transaction, error) {
	txs := b.log.All()
	idx := indexOf(txs, id)
	if idx < 0 {
		return model.Transaction{}, fmt.Errorf("%w: transaction %s", ErrNotFound, id)
	}
	target := txs[idx]

	b.rewind(idx)
	delete(b.effects, id)
	if err := b.reapply(txs[idx+1:]); err != nil {
		return model.Transaction{}, err
	}
	if err := b.log.Remove(target); err != nil {
		return model.Transaction{}, err
	}
	return target, nil
}

// Find returns the user's transaction id.
func (b *Book) Find(id string) (model.Transaction, error) {
	return b.log.Find(b.user.ID, id)
}

// User returns the account with its current balance.
func (b *Book) User() model.User { return b.user }

// Balance is the current cash balance.
func (b *Book) Balance() decimal.Decimal { return b.user.Balance }

// Lots returns every open lot.
func (b *Book) Lots() []model.Lot { return b.positions.Lots() }

// Holdings returns the open quantity per ticker.
func (b *Book) Holdings() map[string]decimal.Decimal { return b.positions.Holdings() }

// Transactions returns the log in sequence order.
func (b *Book) Transactions() []model.Transaction { return b.log.All() }

// Matches returns every SELL lot match in log order.
func (b *Book) Matches() []model.Match {
	var out []model.Match
	for _, tx := range b.log.entries {
		if tx.Type != model.TxSell {
			continue
		}
		for _, c := range b.effects[tx.ID].consumed {
			out = append(out, model.Match{
				SellTransactionID: tx.ID,
				BuyTransactionID:  c.BuyTransactionID,
				LotSeq:            c.LotSeq,
				Ticker:            tx.Ticker,
				Quantity:          c.Quantity,
				PurchasePrice:     c.PurchasePrice,
				SellPrice:         tx.Price,
			})
		}
	}
	return out
}

// State returns the persistable form of the book.
func (b *Book) State() model.UserState {
	return model.UserState{
		User:         b.user,
		Transactions: b.log.All(),
		NextSeq:      b.log.NextSeq(),
		CashPolicy:   b.policy,
	}
}

// Policy is the cash policy the book replays under.
func (b *Book) Policy() CashPolicy { return b.policy }

// Clone returns a deep copy that can be mutated independently.
func (b *Book) Clone() *Book {
	effects := make(map[string]effect, len(b.effects))
	for id, eff := range b.effects {
		eff.consumed = append([]Consumption(nil), eff.consumed...)
		effects[id] = eff
	}
	return &Book{
		user:      b.user,
		positions: b.positions.Clone(),
		log:       b.log.clone(),
		effects:   effects,
		policy:    b.policy,
	}
}

func (b *Book) apply(tx model.Transaction) (effect, error) {
	if err := Validate(tx); err != nil {
		return effect{}, err
	}

	switch tx.Type {
	case model.TxDeposit:
		b.user.Balance = b.user.Balance.Add(tx.Amount)
		return effect{balance: tx.Amount}, nil

	case model.TxWithdraw:
		if b.user.Balance.LessThan(tx.Amount) {
			return effect{}, fmt.Errorf("%w: balance %s, requested %s", ErrInsufficientFunds, b.user.Balance, tx.Amount)
		}
		b.user.Balance = b.user.Balance.Sub(tx.Amount)
		return effect{balance: tx.Amount.Neg()}, nil

	case model.TxBuy:
		cost := tx.Value()
		if (b.policy.RequireFunds || b.policy.DebitOnBuy) && b.user.Balance.LessThan(cost) {
			return effect{}, fmt.Errorf("%w: balance %s, cost %s", ErrInsufficientFunds, b.user.Balance, cost)
		}
		if err := b.positions.OpenLot(tx.Ticker, tx.Amount, tx.Price, tx.Seq, tx.ID, tx.Timestamp); err != nil {
			return effect{}, err
		}
		eff := effect{opened: true}
		if b.policy.DebitOnBuy {
			b.user.Balance = b.user.Balance.Sub(cost)
			eff.balance = cost.Neg()
		}
		return eff, nil

	case model.TxSell:
		consumed, err := b.positions.ConsumeFIFO(tx.Ticker, tx.Amount)
		if err != nil {
			return effect{}, err
		}
		proceeds := tx.Value()
		b.user.Balance = b.user.Balance.Add(proceeds)
		return effect{balance: proceeds, consumed: consumed}, nil
	}
	return effect{}, fmt.Errorf("%w: %q", ErrInvalidType, tx.Type)
}

func (b *Book) undo(tx model.Transaction, eff effect) {
	b.user.Balance = b.user.Balance.Sub(eff.balance)
	if eff.opened {
		b.positions.RemoveLot(tx.Ticker, tx.Seq)
	}
	for i := len(eff.consumed) - 1; i >= 0; i-- {
		b.positions.Restore(tx.Ticker, eff.consumed[i])
	}
}

// rewind undoes log entries from the end down to and including index from.
// Because later effects are undone first, every lot a BUY opened is whole
// again by the time that BUY is undone.
func (b *Book) rewind(from int) {
	entries := b.log.entries
	for i := len(entries) - 1; i >= from; i-- {
		tx := entries[i]
		b.undo(tx, b.effects[tx.ID])
		delete(b.effects, tx.ID)
	}
}

func (b *Book) reapply(txs []model.Transaction) error {
	for _, tx := range txs {
		eff, err := b.apply(tx)
		if err != nil {
			return fmt.Errorf("transaction %s (seq %d): %w", tx.ID, tx.Seq, err)
		}
		b.effects[tx.ID] = eff
	}
	return nil
}

// Validate checks the fields of tx independent of any state.
func Validate(tx model.Transaction) error {
	if !tx.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidType, tx.Type)
	}
	if !tx.Amount.IsPositive() {
		return fmt.Errorf("%w: amount %s", ErrInvalidAmount, tx.Amount)
	}
	if tx.Type.Trade() {
		if tx.Ticker == "" {
			return fmt.Errorf("%w: %s", ErrMissingTicker, tx.Type)
		}
		if !tx.Price.IsPositive() {
			return fmt.Errorf("%w: price %s", ErrInvalidAmount, tx.Price)
		}
	}
	return nil
}

func indexOf(txs []model.Transaction, id string) int {
	for i, tx := range txs {
		if tx.ID == id {
			return i
		}
	}
	return -1
}
