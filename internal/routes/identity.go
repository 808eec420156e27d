package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/metergate/internal/partners"
)

// RegisterVerificationRoutes wires the metered partner lookups.
func RegisterVerificationRoutes(r fiber.Router, identity, registry partners.Caller) {
	id := r.Group("/identity")
	id.Post("/nin", partners.Forward(identity, "/v1/nin"))
	id.Post("/bvn", partners.Forward(identity, "/v1/bvn"))
	id.Post("/phone", partners.Forward(identity, "/v1/phone"))

	biz := r.Group("/business")
	biz.Post("/cac", partners.Forward(registry, "/v1/cac"))
	biz.Post("/tin", partners.Forward(registry, "/v1/tin"))
}
