package topup

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/metergate/internal/apierror"
	"github.com/congo-pay/metergate/internal/ledger"
	"github.com/congo-pay/metergate/internal/middleware"
	"github.com/congo-pay/metergate/internal/paystack"
	"github.com/congo-pay/metergate/internal/wallet"
)

// Handler exposes top-up endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs a top-up handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type topupRequest struct {
	Amount int64 `json:"amount"`
}

// Topup starts a wallet top-up for the authenticated customer.
func (h *Handler) Topup(c *fiber.Ctx) error {
	var req topupRequest
	if err := c.BodyParser(&req); err != nil {
		return apierror.Validation("invalid request body")
	}
	started, err := h.service.Initiate(c.UserContext(), middleware.CustomerID(c), req.Amount)
	if err != nil {
		return h.error(err)
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"success": true, "data": started})
}

// Verify lets the customer poll the outcome of their top-up.
func (h *Handler) Verify(c *fiber.Ctx) error {
	tx, err := h.service.Verify(c.UserContext(), middleware.CustomerID(c), c.Params("reference"), SourceCustomer)
	if err != nil {
		return h.error(err)
	}
	return c.JSON(fiber.Map{"success": true, "data": tx})
}

// Callback handles the provider's post-checkout redirect.
func (h *Handler) Callback(c *fiber.Ctx) error {
	reference := strings.TrimSpace(c.Query("reference", c.Query("trxref")))
	if reference == "" {
		return apierror.Validation("reference is required")
	}
	tx, err := h.service.Verify(c.UserContext(), "", reference, SourceCallback)
	if err != nil {
		return h.error(err)
	}
	return c.JSON(fiber.Map{"success": true, "data": fiber.Map{"reference": tx.Reference, "status": tx.Status}})
}

// AdminVerify forces a verification from the admin portal.
func (h *Handler) AdminVerify(c *fiber.Ctx) error {
	tx, err := h.service.Verify(c.UserContext(), "", c.Params("reference"), SourceAdmin)
	if err != nil {
		return h.error(err)
	}
	return c.JSON(fiber.Map{"success": true, "data": tx})
}

func (h *Handler) error(err error) error {
	switch {
	case errors.Is(err, ErrAmountTooLow):
		return apierror.Validation("amount is below the minimum top-up").
			WithDetails(map[string]any{"minimumAmount": h.service.minAmount})
	case errors.Is(err, wallet.ErrInvalidAmount):
		return apierror.Validation(err.Error())
	case errors.Is(err, ledger.ErrTransactionNotFound), errors.Is(err, ledger.ErrNotCredit):
		return apierror.New(http.StatusNotFound, apierror.CodeTransactionNotFound, "transaction not found")
	case errors.Is(err, ledger.ErrCustomerNotFound):
		return apierror.NotFound("customer not found")
	case errors.Is(err, paystack.ErrRejected):
		return apierror.New(http.StatusBadGateway, apierror.CodeUpstreamServerError, "payment provider rejected the request")
	}
	// Gateway errors are mapped by the shared error handler.
	return err
}
