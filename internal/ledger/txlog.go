package ledger

import (
	"fmt"

	"github.com/atmx/portfolio-ledger/internal/model"
)

// TxLog is one user's transaction log, ordered by sequence number.
// Sequence numbers are never reused, even after a removal.
type TxLog struct {
	userID  string
	entries []model.Transaction
	nextSeq uint64
}

// NewTxLog creates an empty log for userID. Sequence numbers start at 1.
func NewTxLog(userID string) *TxLog {
	return &TxLog{userID: userID, nextSeq: 1}
}

// Append assigns the next sequence number to tx and stores it at the end.
func (l *TxLog) Append(tx model.Transaction) model.Transaction {
	tx.Seq = l.nextSeq
	l.nextSeq++
	l.entries = append(l.entries, tx)
	return tx
}

// Find returns the transaction with id, provided it belongs to userID.
func (l *TxLog) Find(userID, id string) (model.Transaction, error) {
	if userID != l.userID {
		return model.Transaction{}, fmt.Errorf("%w: transaction %s", ErrNotFound, id)
	}
	i := l.index(id)
	if i < 0 {
		return model.Transaction{}, fmt.Errorf("%w: transaction %s", ErrNotFound, id)
	}
	return l.entries[i], nil
}

// Replace overwrites the stored fields of tx, keeping its position.
func (l *TxLog) Replace(tx model.Transaction) error {
	i := l.index(tx.ID)
	if i < 0 {
		return fmt.Errorf("%w: transaction %s", ErrNotFound, tx.ID)
	}
	tx.Seq = l.entries[i].Seq
	l.entries[i] = tx
	return nil
}

// Remove drops tx from the log. It does not touch balances or lots.
func (l *TxLog) Remove(tx model.Transaction) error {
	i := l.index(tx.ID)
	if i < 0 {
		return fmt.Errorf("%w: transaction %s", ErrNotFound, tx.ID)
	}
	l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
	return nil
}

// All returns a copy of the log in sequence order.
func (l *TxLog) All() []model.Transaction {
	out := make([]model.Transaction, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len is the number of stored transactions.
func (l *TxLog) Len() int { return len(l.entries) }

// NextSeq is the sequence number the next Append will assign.
func (l *TxLog) NextSeq() uint64 { return l.nextSeq }

func (l *TxLog) index(id string) int {
	for i, tx := range l.entries {
		if tx.ID == id {
			return i
		}
	}
	return -1
}

// restore appends tx keeping its sequence number.
func (l *TxLog) restore(tx model.Transaction) {
	l.entries = append(l.entries, tx)
	if tx.Seq >= l.nextSeq {
		l.nextSeq = tx.Seq + 1
	}
}

func (l *TxLog) clone() *TxLog {
	return &TxLog{userID: l.userID, entries: l.All(), nextSeq: l.nextSeq}
}
