package customer

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/congo-pay/metergate/internal/ledger"
)

const (
	keyPrefix = "mk_"
	// API key secrets are 256-bit random values and are verified on every
	// request, so a low bcrypt cost is used for them.
	apiKeyCost = bcrypt.MinCost + 2
)

var (
	// ErrInvalidAPIKey is returned for malformed or unknown keys.
	ErrInvalidAPIKey = errors.New("invalid api key")
	// ErrSuspended is returned when the customer may not call the API.
	ErrSuspended = errors.New("customer suspended")
	// ErrInvalidInput wraps registration validation failures.
	ErrInvalidInput = errors.New("invalid customer input")
)

// RegisterInput captures data required to onboard a customer.
type RegisterInput struct {
	Name  string
	Email string
}

// Registration is returned once; the plaintext APIKey is never stored.
type Registration struct {
	Customer ledger.Customer `json:"customer"`
	APIKey   string          `json:"apiKey"`
}

// Service manages customer lifecycle and API key authentication.
type Service struct {
	store ledger.Store
}

// NewService creates a new customer service.
func NewService(store ledger.Store) *Service {
	return &Service{store: store}
}

// Register creates a customer with an empty wallet and issues an API key.
func (s *Service) Register(ctx context.Context, in RegisterInput) (Registration, error) {
	name := strings.TrimSpace(in.Name)
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if name == "" {
		return Registration{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return Registration{}, fmt.Errorf("%w: a valid email is required", ErrInvalidInput)
	}

	prefix, secret, err := newAPIKey()
	if err != nil {
		return Registration{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), apiKeyCost)
	if err != nil {
		return Registration{}, err
	}

	c, err := s.store.CreateCustomer(ctx, ledger.Customer{
		Name:         name,
		Email:        email,
		APIKeyPrefix: prefix,
		APIKeyHash:   string(hash),
		Status:       ledger.CustomerActive,
	})
	if err != nil {
		return Registration{}, err
	}
	return Registration{Customer: c, APIKey: keyPrefix + prefix + "." + secret}, nil
}

// Authenticate resolves an API key to an active customer.
func (s *Service) Authenticate(ctx context.Context, apiKey string) (ledger.Customer, error) {
	prefix, secret, ok := parseAPIKey(apiKey)
	if !ok {
		return ledger.Customer{}, ErrInvalidAPIKey
	}

	c, err := s.store.GetCustomerByAPIKeyPrefix(ctx, prefix)
	if err != nil {
		if errors.Is(err, ledger.ErrCustomerNotFound) {
			return ledger.Customer{}, ErrInvalidAPIKey
		}
		return ledger.Customer{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(c.APIKeyHash), []byte(secret)); err != nil {
		return ledger.Customer{}, ErrInvalidAPIKey
	}
	if c.Status != ledger.CustomerActive {
		return ledger.Customer{}, ErrSuspended
	}
	return c, nil
}

// Get returns a customer by id.
func (s *Service) Get(ctx context.Context, id string) (ledger.Customer, error) {
	return s.store.GetCustomer(ctx, id)
}

// SetStatus suspends or reactivates a customer.
func (s *Service) SetStatus(ctx context.Context, id string, status ledger.CustomerStatus) (ledger.Customer, error) {
	switch status {
	case ledger.CustomerActive, ledger.CustomerSuspended:
	default:
		return ledger.Customer{}, fmt.Errorf("unknown status %q", status)
	}
	return s.store.UpdateCustomerStatus(ctx, id, status)
}

func newAPIKey() (prefix, secret string, err error) {
	p := make([]byte, 6)
	if _, err := rand.Read(p); err != nil {
		return "", "", err
	}
	sec := make([]byte, 32)
	if _, err := rand.Read(sec); err != nil {
		return "", "", err
	}
	return hex.EncodeToString(p), base64.RawURLEncoding.EncodeToString(sec), nil
}

func parseAPIKey(key string) (prefix, secret string, ok bool) {
	rest, found := strings.CutPrefix(strings.TrimSpace(key), keyPrefix)
	if !found {
		return "", "", false
	}
	prefix, secret, ok = strings.Cut(rest, ".")
	if !ok || prefix == "" || secret == "" {
		return "", "", false
	}
	return prefix, secret, true
}
