package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	customersCollection    = "customers"
	transactionsCollection = "wallet_transactions"
)

// MongoStore persists the ledger in MongoDB. Multi-document units of work
// run inside session transactions, so the deployment must be a replica set.
type MongoStore struct {
	client       *mongo.Client
	customers    *mongo.Collection
	transactions *mongo.Collection
}

// NewMongoStore binds the store to a database.
func NewMongoStore(client *mongo.Client, database string) *MongoStore {
	db := client.Database(database)
	return &MongoStore{
		client:       client,
		customers:    db.Collection(customersCollection),
		transactions: db.Collection(transactionsCollection),
	}
}

// Migrate creates the indexes the store relies on.
func (s *MongoStore) Migrate(ctx context.Context) error {
	indexes := map[*mongo.Collection][]mongo.IndexModel{
		s.customers: {
			{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
			{
				Keys: bson.D{{Key: "api_key_prefix", Value: 1}},
				Options: options.Index().SetUnique(true).
					SetPartialFilterExpression(bson.M{"api_key_prefix": bson.M{"$gt": ""}}),
			},
		},
		s.transactions: {
			{Keys: bson.D{{Key: "reference", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "customer_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "type", Value: 1}, {Key: "created_at", Value: 1}}},
		},
	}
	for coll, models := range indexes {
		if _, err := coll.Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("create %s indexes: %w", coll.Name(), err)
		}
	}
	return nil
}

func (s *MongoStore) CreateCustomer(ctx context.Context, c Customer) (Customer, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = CustomerActive
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now

	if _, err := s.customers.InsertOne(ctx, c); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return Customer{}, ErrDuplicateCustomer
		}
		return Customer{}, err
	}
	return c, nil
}

func (s *MongoStore) GetCustomer(ctx context.Context, id string) (Customer, error) {
	return s.findCustomer(ctx, bson.M{"_id": id})
}

func (s *MongoStore) GetCustomerByAPIKeyPrefix(ctx context.Context, prefix string) (Customer, error) {
	return s.findCustomer(ctx, bson.M{"api_key_prefix": prefix})
}

func (s *MongoStore) findCustomer(ctx context.Context, filter bson.M) (Customer, error) {
	var c Customer
	if err := s.customers.FindOne(ctx, filter).Decode(&c); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Customer{}, ErrCustomerNotFound
		}
		return Customer{}, err
	}
	return c, nil
}

func (s *MongoStore) UpdateCustomerStatus(ctx context.Context, id string, status CustomerStatus) (Customer, error) {
	var c Customer
	err := s.customers.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"status": status, "updated_at": time.Now().UTC()}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Customer{}, ErrCustomerNotFound
	}
	return c, err
}

func (s *MongoStore) UpdateCustomerBalance(ctx context.Context, id string, delta int64) (BalanceChange, error) {
	return s.adjustBalance(ctx, id, delta)
}

// adjustBalance is a conditional $inc: the filter only matches when the
// resulting balance stays non-negative.
func (s *MongoStore) adjustBalance(ctx context.Context, id string, delta int64) (BalanceChange, error) {
	filter := bson.M{"_id": id}
	if delta < 0 {
		filter["wallet_balance"] = bson.M{"$gte": -delta}
	}
	var c Customer
	err := s.customers.FindOneAndUpdate(ctx, filter,
		bson.M{
			"$inc": bson.M{"wallet_balance": delta},
			"$set": bson.M{"updated_at": time.Now().UTC()},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&c)
	if err == nil {
		return BalanceChange{Before: c.WalletBalance - delta, After: c.WalletBalance}, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return BalanceChange{}, err
	}

	n, err := s.customers.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return BalanceChange{}, err
	}
	if n == 0 {
		return BalanceChange{}, ErrCustomerNotFound
	}
	return BalanceChange{}, ErrInsufficientBalance
}

func (s *MongoStore) CreateWalletTransaction(ctx context.Context, tx Transaction) (Transaction, error) {
	if _, err := s.GetCustomer(ctx, tx.CustomerID); err != nil {
		return Transaction{}, err
	}
	created, err := s.insertTransaction(ctx, tx)
	if err != nil && mongo.IsDuplicateKeyError(err) {
		existing, lookupErr := s.GetWalletTransactionByReference(ctx, tx.Reference)
		if lookupErr != nil {
			return Transaction{}, lookupErr
		}
		return existing, ErrDuplicateReference
	}
	return created, err
}

func (s *MongoStore) insertTransaction(ctx context.Context, tx Transaction) (Transaction, error) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.Metadata == nil {
		tx.Metadata = map[string]any{}
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	if _, err := s.transactions.InsertOne(ctx, tx); err != nil {
		return Transaction{}, err
	}
	return tx, nil
}

func (s *MongoStore) GetWalletTransactionByReference(ctx context.Context, reference string) (Transaction, error) {
	var tx Transaction
	if err := s.transactions.FindOne(ctx, bson.M{"reference": reference}).Decode(&tx); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Transaction{}, ErrTransactionNotFound
		}
		return Transaction{}, err
	}
	return tx, nil
}

func (s *MongoStore) UpdateWalletTransactionStatus(ctx context.Context, reference string, update StatusUpdate) (Transaction, bool, error) {
	set := bson.M{"status": update.Status, "completed_at": update.At}
	for k, v := range update.Metadata {
		set["metadata."+k] = v
	}

	var tx Transaction
	err := s.transactions.FindOneAndUpdate(ctx,
		bson.M{"reference": reference, "status": StatusPending},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&tx)
	if err == nil {
		return tx, true, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return Transaction{}, false, err
	}
	existing, err := s.GetWalletTransactionByReference(ctx, reference)
	if err != nil {
		return Transaction{}, false, err
	}
	return existing, false, nil
}

func (s *MongoStore) ListWalletTransactions(ctx context.Context, customerID string, limit int) ([]Transaction, error) {
	return s.findTransactions(ctx,
		bson.M{"customer_id": customerID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(int64(normalizeLimit(limit))),
	)
}

func (s *MongoStore) ListPendingCredits(ctx context.Context, createdBefore time.Time, limit int) ([]Transaction, error) {
	return s.findTransactions(ctx,
		bson.M{"status": StatusPending, "type": TypeCredit, "created_at": bson.M{"$lt": createdBefore}},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}).SetLimit(int64(normalizeLimit(limit))),
	)
}

func (s *MongoStore) findTransactions(ctx context.Context, filter bson.M, opts *options.FindOptionsBuilder) ([]Transaction, error) {
	cursor, err := s.transactions.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var out []Transaction
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) RecordDebit(ctx context.Context, debit Transaction) (Transaction, error) {
	result, err := s.inTransaction(ctx, func(ctx context.Context) (any, error) {
		existing, err := s.GetWalletTransactionByReference(ctx, debit.Reference)
		if err == nil {
			return existing, ErrDuplicateReference
		}
		if !errors.Is(err, ErrTransactionNotFound) {
			return nil, err
		}

		change, err := s.adjustBalance(ctx, debit.CustomerID, -debit.Amount)
		if err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		debit.Type = TypeDebit
		debit.Status = StatusCompleted
		debit.BalanceBefore, debit.BalanceAfter = change.Before, change.After
		debit.CreatedAt = now
		debit.CompletedAt = &now
		return s.insertTransaction(ctx, debit)
	})

	if errors.Is(err, ErrDuplicateReference) || mongo.IsDuplicateKeyError(err) {
		existing, lookupErr := s.GetWalletTransactionByReference(ctx, debit.Reference)
		if lookupErr != nil {
			return Transaction{}, lookupErr
		}
		return existing, ErrDuplicateReference
	}
	if err != nil {
		return Transaction{}, err
	}
	return result.(Transaction), nil
}

type settleResult struct {
	tx      Transaction
	applied bool
}

func (s *MongoStore) SettleCredit(ctx context.Context, reference string, amount int64, at time.Time) (Transaction, bool, error) {
	result, err := s.inTransaction(ctx, func(ctx context.Context) (any, error) {
		current, err := s.GetWalletTransactionByReference(ctx, reference)
		if err != nil {
			return nil, err
		}
		if current.Type != TypeCredit {
			return nil, ErrNotCredit
		}
		if current.Status != StatusPending {
			return settleResult{tx: current}, nil
		}

		change, err := s.adjustBalance(ctx, current.CustomerID, amount)
		if err != nil {
			return nil, err
		}

		set := bson.M{
			"status":         StatusCompleted,
			"amount":         amount,
			"balance_before": change.Before,
			"balance_after":  change.After,
			"completed_at":   at,
		}
		for k, v := range settlementMetadata(current.Amount, amount) {
			set["metadata."+k] = v
		}

		var settled Transaction
		err = s.transactions.FindOneAndUpdate(ctx,
			bson.M{"_id": current.ID, "status": StatusPending},
			bson.M{"$set": set},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&settled)
		if err != nil {
			return nil, err
		}
		return settleResult{tx: settled, applied: true}, nil
	})
	if err != nil {
		return Transaction{}, false, err
	}
	res := result.(settleResult)
	return res.tx, res.applied, nil
}

func (s *MongoStore) inTransaction(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	sess, err := s.client.StartSession()
	if err != nil {
		return nil, err
	}
	defer sess.EndSession(ctx)
	return sess.WithTransaction(ctx, fn)
}
