package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCustomerNotFound is returned when the customer does not exist.
	ErrCustomerNotFound = errors.New("customer not found")

	// ErrInsufficientBalance occurs when a debit would drive the wallet
	// balance below zero. It is evaluated at mutation time.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrTransactionNotFound is returned when no wallet transaction matches
	// the reference.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrDuplicateReference indicates the reference is already used. Callers
	// receive the existing transaction alongside it.
	ErrDuplicateReference = errors.New("duplicate transaction reference")

	// ErrDuplicateCustomer indicates the email or API key prefix is taken.
	ErrDuplicateCustomer = errors.New("duplicate customer")

	// ErrNotCredit is returned when settling a reference that is not a credit.
	ErrNotCredit = errors.New("transaction is not a credit")
)

// CustomerStatus gates API access.
type CustomerStatus string

const (
	CustomerActive    CustomerStatus = "active"
	CustomerSuspended CustomerStatus = "suspended"
)

// TransactionType is the direction of a wallet movement.
type TransactionType string

const (
	TypeCredit TransactionType = "credit"
	TypeDebit  TransactionType = "debit"
)

// TransactionStatus is write-once-terminal: pending moves to completed or
// failed and never leaves a terminal state.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
)

// Terminal reports whether s is completed or failed.
func (s TransactionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Customer is an API consumer with a prepaid wallet in minor units.
type Customer struct {
	ID            string         `json:"id" bson:"_id"`
	Name          string         `json:"name" bson:"name"`
	Email         string         `json:"email" bson:"email"`
	WalletBalance int64          `json:"walletBalance" bson:"wallet_balance"`
	APIKeyPrefix  string         `json:"apiKeyPrefix" bson:"api_key_prefix"`
	APIKeyHash    string         `json:"-" bson:"api_key_hash"`
	Status        CustomerStatus `json:"status" bson:"status"`
	CreatedAt     time.Time      `json:"createdAt" bson:"created_at"`
	UpdatedAt     time.Time      `json:"updatedAt" bson:"updated_at"`
}

// Transaction is a wallet movement.
type Transaction struct {
	ID            string            `json:"id" bson:"_id"`
	CustomerID    string            `json:"customerId" bson:"customer_id"`
	Type          TransactionType   `json:"type" bson:"type"`
	Amount        int64             `json:"amount" bson:"amount"`
	BalanceBefore int64             `json:"balanceBefore" bson:"balance_before"`
	BalanceAfter  int64             `json:"balanceAfter" bson:"balance_after"`
	Description   string            `json:"description" bson:"description"`
	Reference     string            `json:"reference" bson:"reference"`
	PaymentMethod *string           `json:"paymentMethod" bson:"payment_method"`
	Status        TransactionStatus `json:"status" bson:"status"`
	Metadata      map[string]any    `json:"metadata" bson:"metadata"`
	CreatedAt     time.Time         `json:"createdAt" bson:"created_at"`
	CompletedAt   *time.Time        `json:"completedAt" bson:"completed_at"`
}

// BalanceChange is the outcome of an atomic balance update.
type BalanceChange struct {
	Before int64
	After  int64
}

// StatusUpdate moves a pending transaction to a terminal status without
// touching the balance. Metadata keys are merged into the stored metadata.
type StatusUpdate struct {
	Status   TransactionStatus
	At       time.Time
	Metadata map[string]any
}

// Store is the persistence contract consumed by the wallet. Implementations
// must make UpdateCustomerBalance, RecordDebit and SettleCredit atomic with
// respect to concurrent callers on the same customer.
type Store interface {
	CreateCustomer(ctx context.Context, c Customer) (Customer, error)
	GetCustomer(ctx context.Context, id string) (Customer, error)
	GetCustomerByAPIKeyPrefix(ctx context.Context, prefix string) (Customer, error)
	UpdateCustomerStatus(ctx context.Context, id string, status CustomerStatus) (Customer, error)

	// UpdateCustomerBalance applies delta only if the resulting balance is
	// not negative, otherwise it fails with ErrInsufficientBalance.
	UpdateCustomerBalance(ctx context.Context, id string, delta int64) (BalanceChange, error)

	CreateWalletTransaction(ctx context.Context, tx Transaction) (Transaction, error)
	GetWalletTransactionByReference(ctx context.Context, reference string) (Transaction, error)

	// UpdateWalletTransactionStatus is a compare-and-set from pending. applied
	// is false when the transaction was already terminal.
	UpdateWalletTransactionStatus(ctx context.Context, reference string, update StatusUpdate) (tx Transaction, applied bool, err error)

	ListWalletTransactions(ctx context.Context, customerID string, limit int) ([]Transaction, error)
	ListPendingCredits(ctx context.Context, createdBefore time.Time, limit int) ([]Transaction, error)

	// RecordDebit decrements the balance and inserts a completed debit in
	// one unit of work.
	RecordDebit(ctx context.Context, tx Transaction) (Transaction, error)

	// SettleCredit completes a pending credit for the confirmed amount and
	// increments the balance in one unit of work. applied is false when the
	// credit was already terminal.
	SettleCredit(ctx context.Context, reference string, amount int64, at time.Time) (tx Transaction, applied bool, err error)
}

func mergeMetadata(dst map[string]any, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}

// settlementMetadata records the requested amount when the provider
// confirmed a different one.
func settlementMetadata(requested, confirmed int64) map[string]any {
	if requested == confirmed {
		return nil
	}
	return map[string]any{"requestedAmount": requested}
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 50
	}
	return limit
}

var (
	_ Store = (*inMemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MongoStore)(nil)
)
