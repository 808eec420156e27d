package auth

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/metergate/internal/apierror"
)

// Handler exposes the admin login endpoint.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login validates admin credentials and returns an access token.
func (h *Handler) Login(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return apierror.Validation("invalid request body")
	}
	pair, err := h.svc.Login(req.Email, req.Password)
	if err != nil {
		if errors.Is(err, ErrNotConfigured) {
			return apierror.New(http.StatusServiceUnavailable, apierror.CodeServiceUnavailable, "admin login is not configured")
		}
		return apierror.Unauthorized("invalid email or password")
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"success": true, "data": pair})
}
