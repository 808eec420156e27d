package customer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/congo-pay/metergate/internal/ledger"
)

func TestRegisterAndAuthenticate(t *testing.T) {
	svc := NewService(ledger.NewInMemory())
	ctx := context.Background()

	reg, err := svc.Register(ctx, RegisterInput{Name: "Acme Lending", Email: "Dev@Acme.test"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !strings.HasPrefix(reg.APIKey, "mk_"+reg.Customer.APIKeyPrefix+".") {
		t.Fatalf("unexpected api key format %q", reg.APIKey)
	}
	if reg.Customer.Email != "dev@acme.test" || reg.Customer.WalletBalance != 0 {
		t.Fatalf("unexpected customer %+v", reg.Customer)
	}
	if strings.Contains(reg.Customer.APIKeyHash, reg.APIKey) {
		t.Fatalf("plaintext key stored")
	}

	authed, err := svc.Authenticate(ctx, reg.APIKey)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if authed.ID != reg.Customer.ID {
		t.Fatalf("expected customer %s got %s", reg.Customer.ID, authed.ID)
	}
}

func TestAuthenticateRejectsWrongSecret(t *testing.T) {
	svc := NewService(ledger.NewInMemory())
	ctx := context.Background()
	reg, err := svc.Register(ctx, RegisterInput{Name: "Acme", Email: "a@acme.test"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	forged := "mk_" + reg.Customer.APIKeyPrefix + ".not-the-secret"
	for _, key := range []string{forged, "garbage", "mk_.x", "mk_unknown.secret"} {
		if _, err := svc.Authenticate(ctx, key); !errors.Is(err, ErrInvalidAPIKey) {
			t.Fatalf("key %q: expected invalid api key, got %v", key, err)
		}
	}
}

func TestSuspendedCustomerRejected(t *testing.T) {
	svc := NewService(ledger.NewInMemory())
	ctx := context.Background()
	reg, _ := svc.Register(ctx, RegisterInput{Name: "Acme", Email: "s@acme.test"})

	if _, err := svc.SetStatus(ctx, reg.Customer.ID, ledger.CustomerSuspended); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if _, err := svc.Authenticate(ctx, reg.APIKey); !errors.Is(err, ErrSuspended) {
		t.Fatalf("expected suspended error, got %v", err)
	}
}

func TestRegisterValidatesInput(t *testing.T) {
	svc := NewService(ledger.NewInMemory())
	ctx := context.Background()
	if _, err := svc.Register(ctx, RegisterInput{Name: "", Email: "x@y.test"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty name, got %v", err)
	}
	if _, err := svc.Register(ctx, RegisterInput{Name: "X", Email: "nope"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for bad email, got %v", err)
	}
	if _, err := svc.Register(ctx, RegisterInput{Name: "X", Email: "dup@y.test"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.Register(ctx, RegisterInput{Name: "Y", Email: "dup@y.test"}); !errors.Is(err, ledger.ErrDuplicateCustomer) {
		t.Fatalf("expected duplicate customer, got %v", err)
	}
}
