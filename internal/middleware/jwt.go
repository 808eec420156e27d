package middleware

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/metergate/internal/auth"
)

// TokenVerifier validates admin access tokens.
type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

// AdminJWT guards the admin portal with bearer access tokens.
func AdminJWT(verifier TokenVerifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authz := c.Get(fiber.HeaderAuthorization)
		if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			return fiber.NewError(http.StatusUnauthorized, "missing bearer token")
		}
		claims, err := verifier.Verify(strings.TrimSpace(authz[len("Bearer "):]))
		if err != nil {
			return fiber.NewError(http.StatusUnauthorized, "invalid token")
		}
		c.Locals(LocalAdmin, claims.Email)
		return c.Next()
	}
}
