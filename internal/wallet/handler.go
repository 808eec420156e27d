package wallet

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/metergate/internal/apierror"
	"github.com/congo-pay/metergate/internal/ledger"
	"github.com/congo-pay/metergate/internal/middleware"
)

// Handler exposes wallet HTTP endpoints for the authenticated customer.
type Handler struct {
	service *Service
}

// NewHandler builds a wallet HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Balance returns the wallet balance.
func (h *Handler) Balance(c *fiber.Ctx) error {
	balance, err := h.service.Balance(c.UserContext(), middleware.CustomerID(c))
	if err != nil {
		return walletError(err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"success": true, "data": balance})
}

// Transactions lists recent wallet transactions, newest first.
func (h *Handler) Transactions(c *fiber.Ctx) error {
	limit, err := strconv.Atoi(c.Query("limit", "50"))
	if err != nil || limit <= 0 {
		return apierror.Validation("limit must be a positive integer")
	}
	txs, err := h.service.Transactions(c.UserContext(), middleware.CustomerID(c), limit)
	if err != nil {
		return walletError(err)
	}
	return c.JSON(fiber.Map{"success": true, "data": txs})
}

// Transaction returns a single transaction owned by the caller.
func (h *Handler) Transaction(c *fiber.Ctx) error {
	tx, err := h.service.CustomerTransaction(c.UserContext(), middleware.CustomerID(c), c.Params("reference"))
	if err != nil {
		return walletError(err)
	}
	return c.JSON(fiber.Map{"success": true, "data": tx})
}

func walletError(err error) error {
	switch {
	case errors.Is(err, ledger.ErrTransactionNotFound):
		return apierror.New(http.StatusNotFound, apierror.CodeTransactionNotFound, "transaction not found")
	case errors.Is(err, ledger.ErrCustomerNotFound):
		return apierror.NotFound("customer not found")
	default:
		return err
	}
}
