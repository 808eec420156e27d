package apierror

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"
)

// Machine readable error codes returned in the error envelope.
const (
	CodeInsufficientBalance     = "INSUFFICIENT_BALANCE"
	CodeCircuitOpen             = "CIRCUIT_OPEN"
	CodeUpstreamTimeout         = "UPSTREAM_TIMEOUT"
	CodeUpstreamServerError     = "UPSTREAM_SERVER_ERROR"
	CodeUpstreamClientError     = "UPSTREAM_CLIENT_ERROR"
	CodeWebhookSignatureInvalid = "WEBHOOK_SIGNATURE_INVALID"
	CodeWebhookMalformed        = "WEBHOOK_MALFORMED"
	CodeTransactionNotFound     = "TRANSACTION_NOT_FOUND"
	CodeValidation              = "VALIDATION_ERROR"
	CodeUnauthorized            = "UNAUTHORIZED"
	CodeForbidden               = "FORBIDDEN"
	CodeNotFound                = "NOT_FOUND"
	CodeConflict                = "CONFLICT"
	CodeRateLimited             = "RATE_LIMITED"
	CodeServiceUnavailable      = "SERVICE_UNAVAILABLE"
	CodeInternal                = "INTERNAL_ERROR"
)

// Error is an HTTP facing error carrying a status, a stable code and
// optional structured details.
type Error struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds an Error.
func New(status int, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

// WithDetails returns a copy of e carrying details.
func (e *Error) WithDetails(details map[string]any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

func Validation(message string) *Error {
	return New(http.StatusBadRequest, CodeValidation, message)
}

func Unauthorized(message string) *Error {
	return New(http.StatusUnauthorized, CodeUnauthorized, message)
}

func NotFound(message string) *Error {
	return New(http.StatusNotFound, CodeNotFound, message)
}

func Internal() *Error {
	return New(http.StatusInternalServerError, CodeInternal, "internal server error")
}

type envelope struct {
	Success bool `json:"success"`
	Error   body `json:"error"`
}

type body struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Write renders e using the standard error envelope.
func Write(c *fiber.Ctx, e *Error) error {
	return c.Status(e.Status).JSON(envelope{
		Success: false,
		Error:   body{Code: e.Code, Message: e.Message, Details: e.Details},
	})
}

// Handler returns a fiber ErrorHandler that renders every error with the
// standard envelope. Unknown errors become a generic 500.
func Handler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var apiErr *Error
		if errors.As(err, &apiErr) {
			return Write(c, apiErr)
		}

		var fe *fiber.Error
		if errors.As(err, &fe) {
			return Write(c, New(fe.Code, codeForStatus(fe.Code), fe.Message))
		}

		if gwErr := FromGateway(err); gwErr != nil {
			return Write(c, gwErr)
		}

		logger.Error("unhandled error",
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.Any("error", err),
		)
		return Write(c, Internal())
	}
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return CodeValidation
	case http.StatusUnauthorized:
		return CodeUnauthorized
	case http.StatusPaymentRequired:
		return CodeInsufficientBalance
	case http.StatusForbidden:
		return CodeForbidden
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return CodeNotFound
	case http.StatusConflict:
		return CodeConflict
	case http.StatusTooManyRequests:
		return CodeRateLimited
	case http.StatusServiceUnavailable:
		return CodeServiceUnavailable
	case http.StatusGatewayTimeout:
		return CodeUpstreamTimeout
	default:
		if status >= 500 {
			return CodeInternal
		}
		return CodeValidation
	}
}
