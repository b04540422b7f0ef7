package ledger

import (
	"errors"
	"testing"

	"github.com/atmx/portfolio-ledger/internal/model"
)

func TestTxLog_AppendAssignsSeq(t *testing.T) {
	l := NewTxLog("u1")
	a := l.Append(model.Transaction{ID: "a"})
	b := l.Append(model.Transaction{ID: "b"})
	if a.Seq != 1 || b.Seq != 2 {
		t.Errorf("expected seqs 1,2, got %d,%d", a.Seq, b.Seq)
	}
	if l.Len() != 2 || l.NextSeq() != 3 {
		t.Errorf("expected len 2 next 3, got %d %d", l.Len(), l.NextSeq())
	}
}

func TestTxLog_FindScopedToUser(t *testing.T) {
	l := NewTxLog("u1")
	l.Append(model.Transaction{ID: "a"})

	if _, err := l.Find("u1", "a"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if _, err := l.Find("u2", "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for other user, got %v", err)
	}
	if _, err := l.Find("u1", "zzz"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown id, got %v", err)
	}
}

func TestTxLog_ReplaceKeepsSeq(t *testing.T) {
	l := NewTxLog("u1")
	l.Append(model.Transaction{ID: "a", Amount: d(1)})
	l.Append(model.Transaction{ID: "b"})

	if err := l.Replace(model.Transaction{ID: "a", Amount: d(7), Seq: 99}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := l.Find("u1", "a")
	if got.Seq != 1 || !got.Amount.Equal(d(7)) {
		t.Errorf("expected seq 1 amount 7, got %d %s", got.Seq, got.Amount)
	}
	if all := l.All(); all[0].ID != "a" {
		t.Errorf("replace must keep position, got order %s,%s", all[0].ID, all[1].ID)
	}
}

func TestTxLog_RemoveDoesNotReuseSeq(t *testing.T) {
	l := NewTxLog("u1")
	l.Append(model.Transaction{ID: "a"})
	b := l.Append(model.Transaction{ID: "b"})

	if err := l.Remove(b); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.Remove(b); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second remove, got %v", err)
	}
	c := l.Append(model.Transaction{ID: "c"})
	if c.Seq != 3 {
		t.Errorf("expected seq 3 after removal, got %d", c.Seq)
	}
}

func TestTxLog_AllIsCopy(t *testing.T) {
	l := NewTxLog("u1")
	l.Append(model.Transaction{ID: "a"})
	all := l.All()
	all[0].ID = "mutated"
	if got, _ := l.Find("u1", "a"); got.ID != "a" {
		t.Error("All must return a copy")
	}
}
