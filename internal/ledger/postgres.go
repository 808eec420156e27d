package ledger

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

const (
	customerColumns = `id, name, email, wallet_balance, COALESCE(api_key_prefix, ''), api_key_hash, status, created_at, updated_at`
	txColumns       = `id, customer_id, type, amount, balance_before, balance_after, description, reference, payment_method, status, metadata, created_at, completed_at`

	uniqueViolation = "23505"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists customers and wallet transactions in PostgreSQL.
// Balance mutations are conditional UPDATEs so no read-then-write happens
// in application code.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply ledger schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateCustomer(ctx context.Context, c Customer) (Customer, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = CustomerActive
	}
	row := s.db.QueryRow(ctx, `
        INSERT INTO customers (id, name, email, wallet_balance, api_key_prefix, api_key_hash, status)
        VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)
        RETURNING `+customerColumns,
		c.ID, c.Name, c.Email, c.WalletBalance, c.APIKeyPrefix, c.APIKeyHash, c.Status)
	created, err := scanCustomer(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Customer{}, ErrDuplicateCustomer
		}
		return Customer{}, err
	}
	return created, nil
}

func (s *PostgresStore) GetCustomer(ctx context.Context, id string) (Customer, error) {
	c, err := scanCustomer(s.db.QueryRow(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Customer{}, ErrCustomerNotFound
	}
	return c, err
}

func (s *PostgresStore) GetCustomerByAPIKeyPrefix(ctx context.Context, prefix string) (Customer, error) {
	c, err := scanCustomer(s.db.QueryRow(ctx, `SELECT `+customerColumns+` FROM customers WHERE api_key_prefix = $1`, prefix))
	if errors.Is(err, pgx.ErrNoRows) {
		return Customer{}, ErrCustomerNotFound
	}
	return c, err
}

func (s *PostgresStore) UpdateCustomerStatus(ctx context.Context, id string, status CustomerStatus) (Customer, error) {
	c, err := scanCustomer(s.db.QueryRow(ctx, `
        UPDATE customers SET status = $2, updated_at = now()
        WHERE id = $1
        RETURNING `+customerColumns, id, status))
	if errors.Is(err, pgx.ErrNoRows) {
		return Customer{}, ErrCustomerNotFound
	}
	return c, err
}

func (s *PostgresStore) UpdateCustomerBalance(ctx context.Context, id string, delta int64) (BalanceChange, error) {
	return adjustBalance(ctx, s.db, id, delta)
}

// adjustBalance applies delta only when the result stays non-negative.
func adjustBalance(ctx context.Context, q querier, id string, delta int64) (BalanceChange, error) {
	const query = `
        UPDATE customers
        SET wallet_balance = wallet_balance + $2, updated_at = now()
        WHERE id = $1 AND wallet_balance + $2 >= 0
        RETURNING wallet_balance`

	var after int64
	if err := q.QueryRow(ctx, query, id, delta).Scan(&after); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return BalanceChange{}, err
		}
		var exists bool
		if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM customers WHERE id = $1)`, id).Scan(&exists); err != nil {
			return BalanceChange{}, err
		}
		if !exists {
			return BalanceChange{}, ErrCustomerNotFound
		}
		return BalanceChange{}, ErrInsufficientBalance
	}
	return BalanceChange{Before: after - delta, After: after}, nil
}

func (s *PostgresStore) CreateWalletTransaction(ctx context.Context, tx Transaction) (Transaction, error) {
	created, err := insertTransaction(ctx, s.db, tx)
	if err != nil && isUniqueViolation(err) {
		existing, lookupErr := s.GetWalletTransactionByReference(ctx, tx.Reference)
		if lookupErr != nil {
			return Transaction{}, lookupErr
		}
		return existing, ErrDuplicateReference
	}
	if err != nil && isForeignKeyViolation(err) {
		return Transaction{}, ErrCustomerNotFound
	}
	return created, err
}

func insertTransaction(ctx context.Context, q querier, tx Transaction) (Transaction, error) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.Metadata == nil {
		tx.Metadata = map[string]any{}
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	row := q.QueryRow(ctx, `
        INSERT INTO wallet_transactions
            (id, customer_id, type, amount, balance_before, balance_after, description, reference, payment_method, status, metadata, created_at, completed_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
        RETURNING `+txColumns,
		tx.ID, tx.CustomerID, tx.Type, tx.Amount, tx.BalanceBefore, tx.BalanceAfter, tx.Description,
		tx.Reference, tx.PaymentMethod, tx.Status, tx.Metadata, tx.CreatedAt, tx.CompletedAt)
	return scanTransaction(row)
}

func (s *PostgresStore) GetWalletTransactionByReference(ctx context.Context, reference string) (Transaction, error) {
	tx, err := scanTransaction(s.db.QueryRow(ctx, `SELECT `+txColumns+` FROM wallet_transactions WHERE reference = $1`, reference))
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, ErrTransactionNotFound
	}
	return tx, err
}

func (s *PostgresStore) UpdateWalletTransactionStatus(ctx context.Context, reference string, update StatusUpdate) (Transaction, bool, error) {
	meta := update.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	tx, err := scanTransaction(s.db.QueryRow(ctx, `
        UPDATE wallet_transactions
        SET status = $2, completed_at = $3, metadata = metadata || $4::jsonb
        WHERE reference = $1 AND status = 'pending'
        RETURNING `+txColumns, reference, update.Status, update.At, meta))
	if err == nil {
		return tx, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, false, err
	}
	existing, err := s.GetWalletTransactionByReference(ctx, reference)
	if err != nil {
		return Transaction{}, false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) ListWalletTransactions(ctx context.Context, customerID string, limit int) ([]Transaction, error) {
	rows, err := s.db.Query(ctx, `
        SELECT `+txColumns+` FROM wallet_transactions
        WHERE customer_id = $1
        ORDER BY created_at DESC
        LIMIT $2`, customerID, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

func (s *PostgresStore) ListPendingCredits(ctx context.Context, createdBefore time.Time, limit int) ([]Transaction, error) {
	rows, err := s.db.Query(ctx, `
        SELECT `+txColumns+` FROM wallet_transactions
        WHERE status = 'pending' AND type = 'credit' AND created_at < $1
        ORDER BY created_at ASC
        LIMIT $2`, createdBefore, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

func (s *PostgresStore) RecordDebit(ctx context.Context, debit Transaction) (Transaction, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Transaction{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	existing, err := scanTransaction(tx.QueryRow(ctx, `SELECT `+txColumns+` FROM wallet_transactions WHERE reference = $1`, debit.Reference))
	if err == nil {
		return existing, ErrDuplicateReference
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, err
	}

	change, err := adjustBalance(ctx, tx, debit.CustomerID, -debit.Amount)
	if err != nil {
		return Transaction{}, err
	}

	now := time.Now().UTC()
	debit.Type = TypeDebit
	debit.Status = StatusCompleted
	debit.BalanceBefore, debit.BalanceAfter = change.Before, change.After
	debit.CreatedAt = now
	debit.CompletedAt = &now

	created, err := insertTransaction(ctx, tx, debit)
	if err != nil {
		if isUniqueViolation(err) {
			_ = tx.Rollback(ctx)
			existing, lookupErr := s.GetWalletTransactionByReference(ctx, debit.Reference)
			if lookupErr != nil {
				return Transaction{}, lookupErr
			}
			return existing, ErrDuplicateReference
		}
		return Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, err
	}
	return created, nil
}

func (s *PostgresStore) SettleCredit(ctx context.Context, reference string, amount int64, at time.Time) (Transaction, bool, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Transaction{}, false, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	current, err := scanTransaction(tx.QueryRow(ctx, `SELECT `+txColumns+` FROM wallet_transactions WHERE reference = $1 FOR UPDATE`, reference))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, false, ErrTransactionNotFound
		}
		return Transaction{}, false, err
	}
	if current.Type != TypeCredit {
		return current, false, ErrNotCredit
	}
	if current.Status != StatusPending {
		return current, false, nil
	}

	change, err := adjustBalance(ctx, tx, current.CustomerID, amount)
	if err != nil {
		return Transaction{}, false, err
	}

	meta := settlementMetadata(current.Amount, amount)
	if meta == nil {
		meta = map[string]any{}
	}
	settled, err := scanTransaction(tx.QueryRow(ctx, `
        UPDATE wallet_transactions
        SET status = 'completed', amount = $2, balance_before = $3, balance_after = $4,
            completed_at = $5, metadata = metadata || $6::jsonb
        WHERE id = $1
        RETURNING `+txColumns, current.ID, amount, change.Before, change.After, at, meta))
	if err != nil {
		return Transaction{}, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, false, err
	}
	return settled, true, nil
}

func scanCustomer(row pgx.Row) (Customer, error) {
	var c Customer
	err := row.Scan(&c.ID, &c.Name, &c.Email, &c.WalletBalance, &c.APIKeyPrefix, &c.APIKeyHash, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var tx Transaction
	err := row.Scan(&tx.ID, &tx.CustomerID, &tx.Type, &tx.Amount, &tx.BalanceBefore, &tx.BalanceAfter,
		&tx.Description, &tx.Reference, &tx.PaymentMethod, &tx.Status, &tx.Metadata, &tx.CreatedAt, &tx.CompletedAt)
	return tx, err
}

func collectTransactions(rows pgx.Rows) ([]Transaction, error) {
	defer rows.Close()
	var out []Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
