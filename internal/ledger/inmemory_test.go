package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newCustomer(t *testing.T, s Store, balance int64) Customer {
	t.Helper()
	c, err := s.CreateCustomer(context.Background(), Customer{Name: "Acme", Email: fmt.Sprintf("ops+%d@acme.test", time.Now().UnixNano())})
	if err != nil {
		t.Fatalf("create customer: %v", err)
	}
	SeedBalance(s, c.ID, balance)
	return c
}

func TestInMemoryStore_RecordDebitUpdatesBalance(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	c := newCustomer(t, s, 50_000)

	tx, err := s.RecordDebit(ctx, Transaction{CustomerID: c.ID, Amount: 20_000, Reference: "BIL_1"})
	if err != nil {
		t.Fatalf("record debit: %v", err)
	}
	if tx.BalanceBefore != 50_000 || tx.BalanceAfter != 30_000 {
		t.Fatalf("unexpected balances %d -> %d", tx.BalanceBefore, tx.BalanceAfter)
	}
	if tx.Status != StatusCompleted || tx.Type != TypeDebit || tx.CompletedAt == nil {
		t.Fatalf("expected completed debit, got %+v", tx)
	}

	got, _ := s.GetCustomer(ctx, c.ID)
	if got.WalletBalance != 30_000 {
		t.Fatalf("expected balance 30000 got %d", got.WalletBalance)
	}
}

func TestInMemoryStore_DebitRejectsOverdraft(t *testing.T) {
	s := NewInMemory()
	c := newCustomer(t, s, 1_000)

	_, err := s.RecordDebit(context.Background(), Transaction{CustomerID: c.ID, Amount: 1_001, Reference: "BIL_2"})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if _, err := s.GetWalletTransactionByReference(context.Background(), "BIL_2"); !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("failed debit must not leave a transaction, got %v", err)
	}
}

func TestInMemoryStore_DuplicateDebitReference(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	c := newCustomer(t, s, 5_000)

	first, err := s.RecordDebit(ctx, Transaction{CustomerID: c.ID, Amount: 500, Reference: "dup"})
	if err != nil {
		t.Fatalf("initial debit failed: %v", err)
	}
	second, err := s.RecordDebit(ctx, Transaction{CustomerID: c.ID, Amount: 500, Reference: "dup"})
	if !errors.Is(err, ErrDuplicateReference) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected existing transaction to be returned")
	}
	got, _ := s.GetCustomer(ctx, c.ID)
	if got.WalletBalance != 4_500 {
		t.Fatalf("expected a single debit, balance %d", got.WalletBalance)
	}
}

func TestInMemoryStore_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	c := newCustomer(t, s, 10_000)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.RecordDebit(ctx, Transaction{CustomerID: c.ID, Amount: 700, Reference: fmt.Sprintf("BIL_c%d", i)})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if !errors.Is(err, ErrInsufficientBalance) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	got, _ := s.GetCustomer(ctx, c.ID)
	if got.WalletBalance < 0 {
		t.Fatalf("balance went negative: %d", got.WalletBalance)
	}
	if int64(succeeded)*700 != 10_000-got.WalletBalance {
		t.Fatalf("debited %d but balance moved by %d", succeeded*700, 10_000-got.WalletBalance)
	}
	if succeeded != 14 {
		t.Fatalf("expected 14 successful debits got %d", succeeded)
	}
}

func TestInMemoryStore_SettleCreditIsWriteOnce(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	c := newCustomer(t, s, 0)

	if _, err := s.CreateWalletTransaction(ctx, Transaction{
		CustomerID: c.ID, Type: TypeCredit, Amount: 500_000, Reference: "WLT_X", Status: StatusPending,
	}); err != nil {
		t.Fatalf("create pending credit: %v", err)
	}

	at := time.Now().UTC()
	tx, applied, err := s.SettleCredit(ctx, "WLT_X", 450_000, at)
	if err != nil || !applied {
		t.Fatalf("settle: applied=%v err=%v", applied, err)
	}
	if tx.Amount != 450_000 || tx.BalanceAfter != 450_000 || tx.Metadata["requestedAmount"] != int64(500_000) {
		t.Fatalf("unexpected settled transaction %+v", tx)
	}

	if _, applied, err := s.SettleCredit(ctx, "WLT_X", 450_000, at); err != nil || applied {
		t.Fatalf("second settle must be a no-op, applied=%v err=%v", applied, err)
	}
	if _, applied, _ := s.UpdateWalletTransactionStatus(ctx, "WLT_X", StatusUpdate{Status: StatusFailed, At: at}); applied {
		t.Fatalf("completed credit must not move to failed")
	}

	got, _ := s.GetCustomer(ctx, c.ID)
	if got.WalletBalance != 450_000 {
		t.Fatalf("expected balance 450000 got %d", got.WalletBalance)
	}
}

func TestInMemoryStore_ListPendingCreditsOldestFirst(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	c := newCustomer(t, s, 0)
	base := time.Now().Add(-time.Hour)

	for i, ref := range []string{"WLT_b", "WLT_a"} {
		_, err := s.CreateWalletTransaction(ctx, Transaction{
			CustomerID: c.ID, Type: TypeCredit, Amount: 10_000, Reference: ref,
			Status: StatusPending, CreatedAt: base.Add(time.Duration(-i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("create %s: %v", ref, err)
		}
	}
	_, _ = s.RecordDebit(ctx, Transaction{CustomerID: c.ID, Amount: 1, Reference: "ignored"})

	pending, err := s.ListPendingCredits(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 2 || pending[0].Reference != "WLT_a" {
		t.Fatalf("unexpected pending credits %+v", pending)
	}
}
