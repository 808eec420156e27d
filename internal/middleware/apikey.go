package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/metergate/internal/customer"
	"github.com/congo-pay/metergate/internal/ledger"
)

const apiKeyHeader = "X-API-Key"

// Authenticator resolves an API key to its customer.
type Authenticator interface {
	Authenticate(ctx context.Context, apiKey string) (ledger.Customer, error)
}

// APIKeyAuth authenticates customers by API key, read from X-API-Key or a
// bearer Authorization header.
func APIKeyAuth(authenticator Authenticator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := strings.TrimSpace(c.Get(apiKeyHeader))
		if key == "" {
			authz := c.Get(fiber.HeaderAuthorization)
			if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
				key = strings.TrimSpace(authz[len("Bearer "):])
			}
		}
		if key == "" {
			return fiber.NewError(http.StatusUnauthorized, "missing api key")
		}

		cust, err := authenticator.Authenticate(c.UserContext(), key)
		switch {
		case errors.Is(err, customer.ErrSuspended):
			return fiber.NewError(http.StatusForbidden, "customer account is suspended")
		case errors.Is(err, customer.ErrInvalidAPIKey):
			return fiber.NewError(http.StatusUnauthorized, "invalid api key")
		case err != nil:
			return err
		}

		c.Locals(LocalCustomerID, cust.ID)
		return c.Next()
	}
}
