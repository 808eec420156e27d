package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/congo-pay/metergate/internal/events"
	"github.com/congo-pay/metergate/internal/ledger"
)

var (
	// ErrInvalidAmount is returned for non-positive amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrMissingReference is returned when a credit has no reference.
	ErrMissingReference = errors.New("reference is required")
)

// Service owns balance reads and wallet mutations. Every mutation is a
// single atomic unit in the store; the service never reads a balance and
// writes it back.
type Service struct {
	store     ledger.Store
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewService builds a wallet service instance.
func NewService(store ledger.Store, publisher events.Publisher, logger *slog.Logger) *Service {
	if publisher == nil {
		publisher = events.NewLoggerPublisher(logger)
	}
	return &Service{
		store:     store,
		publisher: publisher,
		logger:    logger.With(slog.String("component", "wallet")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// GetBalance returns the current wallet balance in minor units.
func (s *Service) GetBalance(ctx context.Context, customerID string) (int64, error) {
	c, err := s.store.GetCustomer(ctx, customerID)
	if err != nil {
		return 0, err
	}
	return c.WalletBalance, nil
}

// Balance returns the balance with a timestamp.
func (s *Service) Balance(ctx context.Context, customerID string) (Balance, error) {
	amount, err := s.GetBalance(ctx, customerID)
	if err != nil {
		return Balance{}, err
	}
	return Balance{CustomerID: customerID, Amount: amount, AsOf: s.now()}, nil
}

// CanAfford reports whether the balance covers price. It is advisory only.
func (s *Service) CanAfford(ctx context.Context, customerID string, price int64) (Affordability, error) {
	balance, err := s.GetBalance(ctx, customerID)
	if err != nil {
		return Affordability{}, err
	}
	if balance >= price {
		return Affordability{OK: true, Balance: balance}, nil
	}
	return Affordability{OK: false, Balance: balance, Shortfall: price - balance}, nil
}

// Debit charges the wallet. The balance check happens inside the store's
// conditional update, so concurrent debits can never overdraw. A reused
// reference returns the existing transaction with ledger.ErrDuplicateReference.
func (s *Service) Debit(ctx context.Context, in DebitInput) (ledger.Transaction, error) {
	if in.Amount <= 0 {
		return ledger.Transaction{}, ErrInvalidAmount
	}
	if in.Reference == "" {
		in.Reference = "DBT_" + uuid.NewString()
	}

	tx, err := s.store.RecordDebit(ctx, ledger.Transaction{
		CustomerID:  in.CustomerID,
		Amount:      in.Amount,
		Description: in.Description,
		Reference:   in.Reference,
		Metadata:    in.Metadata,
	})
	if err != nil {
		return tx, err
	}

	s.publish(ctx, events.Event{
		Kind:       events.KindDebitCompleted,
		CustomerID: tx.CustomerID,
		Reference:  tx.Reference,
		Amount:     tx.Amount,
		OccurredAt: s.now(),
		Attributes: map[string]any{"balanceAfter": tx.BalanceAfter, "description": tx.Description},
	})
	return tx, nil
}

// CreatePendingCredit records a top-up before the provider confirms it.
// The balance is untouched until CompletePendingCredit.
func (s *Service) CreatePendingCredit(ctx context.Context, in CreditInput) (ledger.Transaction, error) {
	if in.Amount <= 0 {
		return ledger.Transaction{}, ErrInvalidAmount
	}
	if in.Reference == "" {
		return ledger.Transaction{}, ErrMissingReference
	}

	c, err := s.store.GetCustomer(ctx, in.CustomerID)
	if err != nil {
		return ledger.Transaction{}, err
	}

	var method *string
	if in.PaymentMethod != "" {
		m := in.PaymentMethod
		method = &m
	}
	description := in.Description
	if description == "" {
		description = "Wallet top-up"
	}

	return s.store.CreateWalletTransaction(ctx, ledger.Transaction{
		CustomerID:    c.ID,
		Type:          ledger.TypeCredit,
		Amount:        in.Amount,
		BalanceBefore: c.WalletBalance,
		BalanceAfter:  c.WalletBalance,
		Description:   description,
		Reference:     in.Reference,
		PaymentMethod: method,
		Status:        ledger.StatusPending,
		Metadata:      in.Metadata,
		CreatedAt:     s.now(),
	})
}

// CompletePendingCredit credits the provider-confirmed amount and marks the
// credit completed. It is a no-op (applied=false) once the credit is
// terminal, so the webhook and every verification path can call it freely.
func (s *Service) CompletePendingCredit(ctx context.Context, reference string, confirmedAmount int64, completedAt time.Time) (ledger.Transaction, bool, error) {
	if confirmedAmount <= 0 {
		return ledger.Transaction{}, false, ErrInvalidAmount
	}
	if completedAt.IsZero() {
		completedAt = s.now()
	}

	tx, applied, err := s.store.SettleCredit(ctx, reference, confirmedAmount, completedAt.UTC())
	if err != nil {
		return tx, false, fmt.Errorf("settle credit %s: %w", reference, err)
	}
	if !applied {
		s.logger.Info("credit already settled",
			slog.String("reference", reference),
			slog.String("status", string(tx.Status)),
		)
		return tx, false, nil
	}

	s.logger.Info("credit completed",
		slog.String("reference", reference),
		slog.String("customer_id", tx.CustomerID),
		slog.Int64("amount", tx.Amount),
		slog.Int64("balance_after", tx.BalanceAfter),
	)
	s.publish(ctx, events.Event{
		Kind:       events.KindCreditCompleted,
		CustomerID: tx.CustomerID,
		Reference:  tx.Reference,
		Amount:     tx.Amount,
		OccurredAt: completedAt,
		Attributes: map[string]any{"balanceAfter": tx.BalanceAfter},
	})
	return tx, true, nil
}

// FailPendingCredit marks a pending credit failed. No-op once terminal.
func (s *Service) FailPendingCredit(ctx context.Context, reference, reason string) (ledger.Transaction, bool, error) {
	current, err := s.store.GetWalletTransactionByReference(ctx, reference)
	if err != nil {
		return ledger.Transaction{}, false, err
	}
	if current.Type != ledger.TypeCredit {
		return current, false, ledger.ErrNotCredit
	}

	update := ledger.StatusUpdate{Status: ledger.StatusFailed, At: s.now()}
	if reason != "" {
		update.Metadata = map[string]any{"failureReason": reason}
	}
	tx, applied, err := s.store.UpdateWalletTransactionStatus(ctx, reference, update)
	if err != nil || !applied {
		return tx, false, err
	}

	s.logger.Info("credit failed", slog.String("reference", reference), slog.String("reason", reason))
	s.publish(ctx, events.Event{
		Kind:       events.KindCreditFailed,
		CustomerID: tx.CustomerID,
		Reference:  tx.Reference,
		Amount:     tx.Amount,
		OccurredAt: update.At,
		Attributes: map[string]any{"reason": reason},
	})
	return tx, true, nil
}

// Transaction returns a transaction by reference.
func (s *Service) Transaction(ctx context.Context, reference string) (ledger.Transaction, error) {
	return s.store.GetWalletTransactionByReference(ctx, reference)
}

// CustomerTransaction returns a transaction only if it belongs to customerID.
func (s *Service) CustomerTransaction(ctx context.Context, customerID, reference string) (ledger.Transaction, error) {
	tx, err := s.store.GetWalletTransactionByReference(ctx, reference)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if tx.CustomerID != customerID {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	return tx, nil
}

// Transactions lists the most recent transactions of a customer.
func (s *Service) Transactions(ctx context.Context, customerID string, limit int) ([]ledger.Transaction, error) {
	return s.store.ListWalletTransactions(ctx, customerID, limit)
}

// PendingCredits lists pending credits created more than olderThan ago.
func (s *Service) PendingCredits(ctx context.Context, olderThan time.Duration, limit int) ([]ledger.Transaction, error) {
	return s.store.ListPendingCredits(ctx, s.now().Add(-olderThan), limit)
}

func (s *Service) publish(ctx context.Context, event events.Event) {
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("publish event failed",
			slog.String("kind", event.Kind),
			slog.String("reference", event.Reference),
			slog.Any("error", err),
		)
	}
}
