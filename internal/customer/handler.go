package customer

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/metergate/internal/apierror"
	"github.com/congo-pay/metergate/internal/ledger"
)

// TransactionLister reads wallet history.
type TransactionLister interface {
	Transactions(ctx context.Context, customerID string, limit int) ([]ledger.Transaction, error)
}

// Handler exposes admin customer endpoints.
type Handler struct {
	service *Service
	wallets TransactionLister
}

// NewHandler constructs an admin customer handler.
func NewHandler(service *Service, wallets TransactionLister) *Handler {
	return &Handler{service: service, wallets: wallets}
}

type registerRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Create onboards a customer and returns the API key once.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return apierror.Validation("invalid request body")
	}
	reg, err := h.service.Register(c.UserContext(), RegisterInput{Name: req.Name, Email: req.Email})
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateCustomer) {
			return apierror.New(http.StatusConflict, apierror.CodeConflict, "customer already exists")
		}
		if errors.Is(err, ErrInvalidInput) {
			return apierror.Validation(err.Error())
		}
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"success": true, "data": reg})
}

// Get returns a customer.
func (h *Handler) Get(c *fiber.Ctx) error {
	cust, err := h.service.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return customerError(err)
	}
	return c.JSON(fiber.Map{"success": true, "data": cust})
}

type statusRequest struct {
	Status string `json:"status"`
}

// SetStatus suspends or reactivates a customer.
func (h *Handler) SetStatus(c *fiber.Ctx) error {
	var req statusRequest
	if err := c.BodyParser(&req); err != nil {
		return apierror.Validation("invalid request body")
	}
	status := ledger.CustomerStatus(req.Status)
	if status != ledger.CustomerActive && status != ledger.CustomerSuspended {
		return apierror.Validation("status must be active or suspended")
	}
	cust, err := h.service.SetStatus(c.UserContext(), c.Params("id"), status)
	if err != nil {
		return customerError(err)
	}
	return c.JSON(fiber.Map{"success": true, "data": cust})
}

// Transactions lists a customer's wallet history.
func (h *Handler) Transactions(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := h.service.Get(c.UserContext(), id); err != nil {
		return customerError(err)
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	txs, err := h.wallets.Transactions(c.UserContext(), id, limit)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"success": true, "data": txs})
}

func customerError(err error) error {
	if errors.Is(err, ledger.ErrCustomerNotFound) {
		return apierror.NotFound("customer not found")
	}
	return err
}
