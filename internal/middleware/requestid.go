package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-ID"

// Locals keys shared with handlers and the billing middleware.
const (
	LocalCustomerID  = "customer_id"
	LocalServiceCode = "service_code"
	LocalAdmin       = "admin_email"
)

// RequestID ensures each request has a stable request identifier for tracing and logging.
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		reqID := c.Get(requestIDHeader)
		if reqID == "" || len(reqID) > 128 {
			reqID = uuid.NewString()
		}
		c.Set(requestIDHeader, reqID)
		c.Locals(requestIDHeader, reqID)

		return c.Next()
	}
}

// GetRequestID returns the request identifier assigned by RequestID.
func GetRequestID(c *fiber.Ctx) string {
	id, _ := c.Locals(requestIDHeader).(string)
	return id
}

// CustomerID returns the authenticated customer id, if any.
func CustomerID(c *fiber.Ctx) string {
	id, _ := c.Locals(LocalCustomerID).(string)
	return id
}
