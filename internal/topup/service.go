package topup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.jetify.com/typeid/v2"

	"github.com/congo-pay/metergate/internal/ledger"
	"github.com/congo-pay/metergate/internal/paystack"
	"github.com/congo-pay/metergate/internal/wallet"
)

// Verification sources, used for logging and metrics.
const (
	SourceCustomer  = "customer"
	SourceCallback  = "callback"
	SourceAdmin     = "admin"
	SourceReconcile = "reconcile"
)

// ErrAmountTooLow is returned for top-ups below the configured minimum.
var ErrAmountTooLow = errors.New("top-up amount below minimum")

// Provider is the payment provider used to collect top-ups.
type Provider interface {
	Initialize(ctx context.Context, in paystack.InitializeInput) (paystack.Initialization, error)
	Verify(ctx context.Context, reference string) (paystack.Verification, error)
}

// CustomerReader loads the paying customer.
type CustomerReader interface {
	Get(ctx context.Context, id string) (ledger.Customer, error)
}

// Observer counts verification outcomes per source.
type Observer interface {
	Verification(source, outcome string)
}

type noopObserver struct{}

func (noopObserver) Verification(string, string) {}

// Service initiates top-ups and settles them from the provider's verify
// endpoint. Settlement goes through the same wallet operations as the
// webhook, so whichever path observes the outcome first wins.
type Service struct {
	provider  Provider
	wallets   *wallet.Service
	customers CustomerReader
	observer  Observer
	logger    *slog.Logger
	minAmount int64
}

// NewService constructs a top-up service.
func NewService(provider Provider, wallets *wallet.Service, customers CustomerReader, observer Observer, logger *slog.Logger, minAmount int64) *Service {
	if observer == nil {
		observer = noopObserver{}
	}
	return &Service{
		provider:  provider,
		wallets:   wallets,
		customers: customers,
		observer:  observer,
		logger:    logger.With(slog.String("component", "topup")),
		minAmount: minAmount,
	}
}

// Initiation is returned to the customer to complete payment.
type Initiation struct {
	Reference        string `json:"reference"`
	Amount           int64  `json:"amount"`
	Status           string `json:"status"`
	AuthorizationURL string `json:"authorizationUrl"`
	AccessCode       string `json:"accessCode"`
}

// Initiate records a pending credit and opens a provider checkout for it.
// When the provider cannot be reached the pending credit is failed.
func (s *Service) Initiate(ctx context.Context, customerID string, amount int64) (Initiation, error) {
	if amount < s.minAmount || amount <= 0 {
		return Initiation{}, fmt.Errorf("%w: minimum is %d", ErrAmountTooLow, s.minAmount)
	}
	cust, err := s.customers.Get(ctx, customerID)
	if err != nil {
		return Initiation{}, err
	}

	tid, err := typeid.Generate("wlt")
	if err != nil {
		return Initiation{}, err
	}
	reference := tid.String()

	if _, err := s.wallets.CreatePendingCredit(ctx, wallet.CreditInput{
		CustomerID:    cust.ID,
		Amount:        amount,
		Reference:     reference,
		PaymentMethod: "paystack",
		Metadata:      map[string]any{"purpose": "wallet_topup"},
	}); err != nil {
		return Initiation{}, err
	}

	checkout, err := s.provider.Initialize(ctx, paystack.InitializeInput{
		Email:     cust.Email,
		Amount:    amount,
		Reference: reference,
		Metadata:  map[string]any{"customerId": cust.ID, "purpose": "wallet_topup"},
	})
	if err != nil {
		if _, _, ferr := s.wallets.FailPendingCredit(context.WithoutCancel(ctx), reference, "initialization failed"); ferr != nil {
			s.logger.Error("fail pending credit after init error", slog.String("reference", reference), slog.Any("error", ferr))
		}
		return Initiation{}, err
	}

	s.logger.Info("top-up initiated",
		slog.String("customer_id", cust.ID),
		slog.String("reference", reference),
		slog.Int64("amount", amount),
	)
	return Initiation{
		Reference:        reference,
		Amount:           amount,
		Status:           string(ledger.StatusPending),
		AuthorizationURL: checkout.AuthorizationURL,
		AccessCode:       checkout.AccessCode,
	}, nil
}

// Verify asks the provider for the outcome of a top-up and applies it.
// An empty customerID skips the ownership check (admin, callback and
// reconciliation paths). Still-pending payments are left untouched.
func (s *Service) Verify(ctx context.Context, customerID, reference, source string) (ledger.Transaction, error) {
	tx, err := s.wallets.Transaction(ctx, reference)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if customerID != "" && tx.CustomerID != customerID {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	if tx.Type != ledger.TypeCredit {
		return ledger.Transaction{}, ledger.ErrNotCredit
	}
	if tx.Status.Terminal() {
		s.observer.Verification(source, "already_settled")
		return tx, nil
	}

	v, err := s.provider.Verify(ctx, reference)
	if err != nil {
		s.observer.Verification(source, "error")
		return tx, err
	}

	var applied bool
	switch {
	case v.Settled():
		var paidAt time.Time
		if v.PaidAt != nil {
			paidAt = *v.PaidAt
		}
		tx, applied, err = s.wallets.CompletePendingCredit(ctx, reference, v.Amount, paidAt)
	case v.Failed():
		reason := v.GatewayResponse
		if reason == "" {
			reason = v.Status
		}
		tx, applied, err = s.wallets.FailPendingCredit(ctx, reference, reason)
	default:
		s.observer.Verification(source, "pending")
		return tx, nil
	}
	if err != nil {
		s.observer.Verification(source, "error")
		return tx, err
	}

	outcome := "already_settled"
	if applied {
		outcome = string(tx.Status)
	}
	s.observer.Verification(source, outcome)
	s.logger.Info("top-up verified",
		slog.String("reference", reference),
		slog.String("source", source),
		slog.String("provider_status", v.Status),
		slog.Bool("applied", applied),
	)
	return tx, nil
}
