package billing

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/congo-pay/metergate/internal/apierror"
	"github.com/congo-pay/metergate/internal/events"
	"github.com/congo-pay/metergate/internal/ledger"
	"github.com/congo-pay/metergate/internal/middleware"
	"github.com/congo-pay/metergate/internal/pricing"
	"github.com/congo-pay/metergate/internal/wallet"
)

const localsKey = "billing"

// Charge outcomes reported to the ChargeObserver.
const (
	ResultCharged      = "charged"
	ResultDuplicate    = "duplicate"
	ResultFailed       = "failed"
	ResultInsufficient = "insufficient"
	ResultSkipped      = "skipped"
)

// Context is the per-request billing state. It is created by the pre-check
// and consumed once by Finalize.
type Context struct {
	ServiceCode string
	Price       int64
	Description string
	CustomerID  string

	// ChargeID is generated server-side for every metered request and keys
	// the debit reference. RequestID is client-influenced and only traced.
	ChargeID  string
	RequestID string

	charged atomic.Bool
}

// Free reports whether the request is metered at zero cost.
func (b *Context) Free() bool { return b.Price == 0 }

// Charged reports whether a debit has been attempted for this request.
func (b *Context) Charged() bool { return b.charged.Load() }

// Reference is the debit reference of the request.
func (b *Context) Reference() string { return "BIL_" + b.ChargeID }

// FromCtx returns the billing context attached by the middleware.
func FromCtx(c *fiber.Ctx) (*Context, bool) {
	bc, ok := c.Locals(localsKey).(*Context)
	return bc, ok
}

// Wallet is the subset of the wallet service used for metering.
type Wallet interface {
	CanAfford(ctx context.Context, customerID string, price int64) (wallet.Affordability, error)
	Debit(ctx context.Context, in wallet.DebitInput) (ledger.Transaction, error)
}

// ChargeObserver counts charge outcomes per service.
type ChargeObserver interface {
	Charge(service, result string)
}

type noopObserver struct{}

func (noopObserver) Charge(string, string) {}

// Middleware meters billable routes: it rejects calls the wallet cannot
// cover and debits the wallet once after a successful response.
type Middleware struct {
	resolver      *pricing.Resolver
	wallet        Wallet
	publisher     events.Publisher
	observer      ChargeObserver
	logger        *slog.Logger
	chargeTimeout time.Duration
}

// Options configures the billing middleware.
type Options struct {
	Publisher     events.Publisher
	Observer      ChargeObserver
	ChargeTimeout time.Duration
}

// New builds the billing middleware.
func New(resolver *pricing.Resolver, w Wallet, logger *slog.Logger, opts Options) *Middleware {
	if opts.Publisher == nil {
		opts.Publisher = events.NewLoggerPublisher(logger)
	}
	if opts.Observer == nil {
		opts.Observer = noopObserver{}
	}
	if opts.ChargeTimeout <= 0 {
		opts.ChargeTimeout = 5 * time.Second
	}
	return &Middleware{
		resolver:      resolver,
		wallet:        w,
		publisher:     opts.Publisher,
		observer:      opts.Observer,
		logger:        logger.With(slog.String("component", "billing")),
		chargeTimeout: opts.ChargeTimeout,
	}
}

// Handler runs the pre-check, the downstream handlers and then Finalize.
// It must be mounted after customer authentication.
func (m *Middleware) Handler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		bc, err := m.PreCheck(c)
		if err != nil {
			return err
		}
		if bc == nil {
			return c.Next()
		}

		err = c.Next()
		status := c.Response().StatusCode()
		if err != nil {
			status = statusOf(err)
		}
		_ = m.Finalize(c.UserContext(), bc, status)
		return err
	}
}

// PreCheck resolves the route price and verifies the balance covers it.
// It returns a nil context for routes that are not metered.
func (m *Middleware) PreCheck(c *fiber.Ctx) (*Context, error) {
	price, ok := m.resolver.Resolve(c.Method(), c.Path())
	if !ok {
		return nil, nil
	}
	customerID := middleware.CustomerID(c)
	if customerID == "" {
		return nil, apierror.Unauthorized("customer authentication required")
	}
	bc := &Context{
		ServiceCode: price.ServiceCode,
		Price:       price.Amount,
		Description: price.Description,
		CustomerID:  customerID,
		ChargeID:    uuid.NewString(),
		RequestID:   middleware.GetRequestID(c),
	}
	c.Locals(localsKey, bc)
	c.Locals(middleware.LocalServiceCode, price.ServiceCode)
	if bc.Free() {
		return bc, nil
	}

	aff, err := m.wallet.CanAfford(c.UserContext(), customerID, price.Amount)
	if err != nil {
		if errors.Is(err, ledger.ErrCustomerNotFound) {
			return nil, apierror.Unauthorized("unknown customer")
		}
		return nil, err
	}
	if !aff.OK {
		m.observer.Charge(price.ServiceCode, ResultInsufficient)
		return nil, apierror.New(http.StatusPaymentRequired, apierror.CodeInsufficientBalance, "wallet balance is too low for this service").
			WithDetails(map[string]any{
				"currentBalance": aff.Balance,
				"serviceCost":    price.Amount,
				"shortfall":      aff.Shortfall,
				"service":        price.ServiceCode,
			})
	}
	return bc, nil
}

// Finalize debits the wallet for a successful metered request. It is safe
// to call more than once: only the first call for a context attempts the
// debit and the reference is derived from the charge id, so even a
// separate context for the same charge cannot debit twice. The debit
// runs detached from the request's cancellation. Failures never reach the
// client; they are logged and published for reconciliation.
func (m *Middleware) Finalize(ctx context.Context, bc *Context, status int) error {
	if bc == nil || bc.Free() {
		return nil
	}
	if bc.ChargeID == "" {
		return errors.New("billing context has no charge id")
	}
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		m.observer.Charge(bc.ServiceCode, ResultSkipped)
		return nil
	}
	if !bc.charged.CompareAndSwap(false, true) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.chargeTimeout)
	defer cancel()

	tx, err := m.wallet.Debit(ctx, wallet.DebitInput{
		CustomerID:  bc.CustomerID,
		Amount:      bc.Price,
		Description: bc.Description,
		Reference:   bc.Reference(),
		Metadata:    map[string]any{"service": bc.ServiceCode, "requestId": bc.RequestID},
	})
	switch {
	case err == nil:
		m.observer.Charge(bc.ServiceCode, ResultCharged)
		m.logger.Info("request charged",
			slog.String("customer_id", bc.CustomerID),
			slog.String("service", bc.ServiceCode),
			slog.String("reference", tx.Reference),
			slog.Int64("amount", tx.Amount),
			slog.Int64("balance_after", tx.BalanceAfter),
		)
		return nil
	case errors.Is(err, ledger.ErrDuplicateReference):
		m.observer.Charge(bc.ServiceCode, ResultDuplicate)
		return nil
	}

	m.observer.Charge(bc.ServiceCode, ResultFailed)
	m.logger.Error("post-charge failed",
		slog.String("customer_id", bc.CustomerID),
		slog.String("service", bc.ServiceCode),
		slog.String("reference", bc.Reference()),
		slog.Int64("amount", bc.Price),
		slog.Any("error", err),
	)
	event := events.Event{
		Kind:       events.KindReconciliationRequired,
		CustomerID: bc.CustomerID,
		Reference:  bc.Reference(),
		Amount:     bc.Price,
		OccurredAt: time.Now().UTC(),
		Attributes: map[string]any{"service": bc.ServiceCode, "error": err.Error()},
	}
	if perr := m.publisher.Publish(ctx, event); perr != nil {
		m.logger.Warn("publish reconciliation event failed", slog.Any("error", perr))
	}
	return err
}

func statusOf(err error) int {
	var apiErr *apierror.Error
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return http.StatusInternalServerError
}
