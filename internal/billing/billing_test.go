package billing

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/metergate/internal/apierror"
	"github.com/congo-pay/metergate/internal/events"
	"github.com/congo-pay/metergate/internal/ledger"
	"github.com/congo-pay/metergate/internal/logging"
	"github.com/congo-pay/metergate/internal/middleware"
	"github.com/congo-pay/metergate/internal/pricing"
	"github.com/congo-pay/metergate/internal/wallet"
)

type fixture struct {
	store    ledger.Store
	wallets  *wallet.Service
	recorder *events.Recorder
	billing  *Middleware
	customer string
}

func newFixture(t *testing.T, balance int64) *fixture {
	t.Helper()
	rules := []pricing.Rule{
		{Method: "POST", Path: "/api/v1/business/cac", Price: pricing.Price{ServiceCode: "CAC_LOOKUP", Amount: 20_000}},
		{Method: "POST", Path: "/api/v1/business/report", Price: pricing.Price{ServiceCode: "BUSINESS_REPORT", Amount: 40_000}},
		{Method: "GET", Path: "/api/v1/wallet/balance", Price: pricing.Price{ServiceCode: "WALLET_BALANCE"}},
	}
	resolver, err := pricing.NewResolver(rules, nil)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}

	store := ledger.NewInMemory()
	recorder := &events.Recorder{}
	wallets := wallet.NewService(store, recorder, logging.Discard())
	c, err := store.CreateCustomer(context.Background(), ledger.Customer{Name: "Acme", Email: "ops@acme.test"})
	if err != nil {
		t.Fatalf("create customer: %v", err)
	}
	ledger.SeedBalance(store, c.ID, balance)

	return &fixture{
		store:    store,
		wallets:  wallets,
		recorder: recorder,
		billing:  New(resolver, wallets, logging.Discard(), Options{Publisher: recorder}),
		customer: c.ID,
	}
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	b, err := f.wallets.GetBalance(context.Background(), f.customer)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return b
}

func (f *fixture) app(handler fiber.Handler) *fiber.App {
	app := fiber.New(fiber.Config{ErrorHandler: apierror.Handler(logging.Discard())})
	app.Use(middleware.RequestID())
	app.Use(func(c *fiber.Ctx) error {
		c.Locals(middleware.LocalCustomerID, f.customer)
		return c.Next()
	})
	app.Use(f.billing.Handler())
	app.Post("/api/v1/business/cac", handler)
	app.Post("/api/v1/business/report", handler)
	app.Get("/api/v1/wallet/balance", handler)
	app.Get("/api/v1/ping", handler)
	return app
}

func TestFinalizeChargesExactlyOnce(t *testing.T) {
	f := newFixture(t, 50_000)
	bc := &Context{ServiceCode: "CAC_LOOKUP", Price: 20_000, CustomerID: f.customer, ChargeID: "chg-1", RequestID: "req-1"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.billing.Finalize(context.Background(), bc, fiber.StatusOK)
		}()
	}
	wg.Wait()

	// A second signal for the same charge arriving on a fresh context.
	again := &Context{ServiceCode: "CAC_LOOKUP", Price: 20_000, CustomerID: f.customer, ChargeID: "chg-1", RequestID: "req-1"}
	if err := f.billing.Finalize(context.Background(), again, fiber.StatusOK); err != nil {
		t.Fatalf("duplicate finalize should be absorbed, got %v", err)
	}

	if got := f.balance(t); got != 30_000 {
		t.Fatalf("expected a single charge, balance %d", got)
	}
	if f.recorder.Count(events.KindDebitCompleted) != 1 {
		t.Fatalf("expected one debit, got %d", f.recorder.Count(events.KindDebitCompleted))
	}
}

func TestFinalizeIgnoresCancelledRequestContext(t *testing.T) {
	f := newFixture(t, 50_000)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	bc := &Context{ServiceCode: "CAC_LOOKUP", Price: 20_000, CustomerID: f.customer, ChargeID: "chg-cancelled", RequestID: "req-cancelled"}
	if err := f.billing.Finalize(ctx, bc, fiber.StatusOK); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if got := f.balance(t); got != 30_000 {
		t.Fatalf("expected charge despite cancellation, balance %d", got)
	}
}

func TestBillingScenarioChargesThenRejects(t *testing.T) {
	f := newFixture(t, 50_000)
	calls := 0
	app := f.app(func(c *fiber.Ctx) error {
		calls++
		return c.JSON(fiber.Map{"success": true})
	})

	resp, err := app.Test(httptest.NewRequest(fiber.MethodPost, "/api/v1/business/cac", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200 got %d", resp.StatusCode)
	}
	if got := f.balance(t); got != 30_000 {
		t.Fatalf("expected 30000 got %d", got)
	}

	resp, err = app.Test(httptest.NewRequest(fiber.MethodPost, "/api/v1/business/report", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusPaymentRequired {
		t.Fatalf("expected 402 got %d", resp.StatusCode)
	}
	var body struct {
		Success bool `json:"success"`
		Error   struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Success || body.Error.Code != apierror.CodeInsufficientBalance {
		t.Fatalf("unexpected envelope %+v", body)
	}
	if body.Error.Details["currentBalance"] != float64(30_000) ||
		body.Error.Details["serviceCost"] != float64(40_000) ||
		body.Error.Details["shortfall"] != float64(10_000) ||
		body.Error.Details["service"] != "BUSINESS_REPORT" {
		t.Fatalf("unexpected details %+v", body.Error.Details)
	}

	if calls != 1 {
		t.Fatalf("handler must not run on insufficient balance, calls=%d", calls)
	}
	if got := f.balance(t); got != 30_000 {
		t.Fatalf("expected balance unchanged at 30000, got %d", got)
	}
}

func TestBillingSkipsFailedResponses(t *testing.T) {
	f := newFixture(t, 50_000)
	app := f.app(func(c *fiber.Ctx) error {
		if c.Path() == "/api/v1/business/report" {
			return apierror.New(fiber.StatusBadGateway, apierror.CodeUpstreamServerError, "partner failed")
		}
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"message": "invalid rc number"})
	})

	for _, path := range []string{"/api/v1/business/cac", "/api/v1/business/report"} {
		resp, err := app.Test(httptest.NewRequest(fiber.MethodPost, path, nil))
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		if resp.StatusCode < 400 {
			t.Fatalf("%s: expected failure status, got %d", path, resp.StatusCode)
		}
	}
	if got := f.balance(t); got != 50_000 {
		t.Fatalf("failed calls must not be charged, balance %d", got)
	}
}

func TestBillingFreeAndUnpricedRoutes(t *testing.T) {
	f := newFixture(t, 0)
	app := f.app(func(c *fiber.Ctx) error {
		bc, ok := FromCtx(c)
		if c.Path() == "/api/v1/wallet/balance" && (!ok || !bc.Free()) {
			return fiber.NewError(fiber.StatusTeapot, "expected free billing context")
		}
		return c.SendStatus(fiber.StatusOK)
	})

	for _, req := range []struct{ method, path string }{
		{fiber.MethodGet, "/api/v1/wallet/balance"},
		{fiber.MethodGet, "/api/v1/ping"},
	} {
		resp, err := app.Test(httptest.NewRequest(req.method, req.path, nil))
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("%s: expected 200 got %d", req.path, resp.StatusCode)
		}
	}
	if f.recorder.Count(events.KindDebitCompleted) != 0 {
		t.Fatalf("free routes must not debit")
	}
}

func TestBillingPublishesReconciliationOnChargeFailure(t *testing.T) {
	f := newFixture(t, 20_000)
	app := f.app(func(c *fiber.Ctx) error {
		// Balance drained by a concurrent request between pre-check and charge.
		if _, err := f.wallets.Debit(c.UserContext(), wallet.DebitInput{CustomerID: f.customer, Amount: 15_000}); err != nil {
			return err
		}
		return c.SendStatus(fiber.StatusOK)
	})

	resp, err := app.Test(httptest.NewRequest(fiber.MethodPost, "/api/v1/business/cac", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("charge failure must not alter the response, got %d", resp.StatusCode)
	}
	if got := f.balance(t); got != 5_000 {
		t.Fatalf("expected no overdraft, balance %d", got)
	}
	if f.recorder.Count(events.KindReconciliationRequired) != 1 {
		t.Fatalf("expected reconciliation event")
	}
}

func TestClientRequestIDDoesNotKeyCharges(t *testing.T) {
	f := newFixture(t, 100_000)
	other, err := f.store.CreateCustomer(context.Background(), ledger.Customer{Name: "Globex", Email: "ops@globex.test"})
	if err != nil {
		t.Fatalf("create customer: %v", err)
	}
	ledger.SeedBalance(f.store, other.ID, 100_000)

	app := fiber.New(fiber.Config{ErrorHandler: apierror.Handler(logging.Discard())})
	app.Use(middleware.RequestID())
	app.Use(func(c *fiber.Ctx) error {
		c.Locals(middleware.LocalCustomerID, c.Get("X-Customer"))
		return c.Next()
	})
	app.Use(f.billing.Handler())
	app.Post("/api/v1/business/cac", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"success": true})
	})

	call := func(customerID string) {
		t.Helper()
		req := httptest.NewRequest(fiber.MethodPost, "/api/v1/business/cac", strings.NewReader("{}"))
		req.Header.Set("X-Request-ID", "fixed-id")
		req.Header.Set("X-Customer", customerID)
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("expected 200 got %d", resp.StatusCode)
		}
	}

	for i := 0; i < 3; i++ {
		call(f.customer)
	}
	call(other.ID)

	if got := f.balance(t); got != 40_000 {
		t.Fatalf("expected three charges for the repeated request id, balance %d", got)
	}
	otherBalance, err := f.wallets.GetBalance(context.Background(), other.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if otherBalance != 80_000 {
		t.Fatalf("expected the second customer to be charged, balance %d", otherBalance)
	}
	if got := f.recorder.Count(events.KindDebitCompleted); got != 4 {
		t.Fatalf("expected one debit per request, got %d", got)
	}

	txs, err := f.wallets.Transactions(context.Background(), f.customer, 10)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	seen := map[string]bool{}
	for _, tx := range txs {
		if tx.Metadata["requestId"] != "fixed-id" {
			t.Fatalf("expected the request id kept for tracing, got %v", tx.Metadata["requestId"])
		}
		if seen[tx.Reference] {
			t.Fatalf("reference %s reused", tx.Reference)
		}
		seen[tx.Reference] = true
	}
}
