package partners

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/metergate/internal/gateway"
)

// Status reports breaker state for every partner client.
type Status struct {
	clients []*gateway.Client
}

// NewStatus builds the admin status handler.
func NewStatus(clients ...*gateway.Client) *Status {
	return &Status{clients: clients}
}

type partnerStatus struct {
	Name string `json:"name"`
	gateway.BreakerSnapshot
}

// Gateways lists breaker snapshots.
func (s *Status) Gateways(c *fiber.Ctx) error {
	out := make([]partnerStatus, 0, len(s.clients))
	for _, client := range s.clients {
		out = append(out, partnerStatus{Name: client.Name(), BreakerSnapshot: client.Snapshot()})
	}
	return c.JSON(fiber.Map{"success": true, "data": out})
}
