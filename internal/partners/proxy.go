package partners

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/metergate/internal/apierror"
	"github.com/congo-pay/metergate/internal/gateway"
	"github.com/congo-pay/metergate/internal/middleware"
)

// Caller performs a partner call.
type Caller interface {
	Call(ctx context.Context, req gateway.Request) (*gateway.Response, error)
}

// Forward proxies the JSON request body to upstreamPath. Partner responses
// are passed through unchanged, including partner 4xx responses. Other
// failures are rendered by the shared error handler.
func Forward(client Caller, upstreamPath string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		body := append([]byte(nil), c.Body()...)
		if len(body) == 0 || !json.Valid(body) {
			return apierror.Validation("request body must be a JSON object")
		}

		header := http.Header{}
		if id := middleware.GetRequestID(c); id != "" {
			header.Set("X-Request-ID", id)
		}

		resp, err := client.Call(c.UserContext(), gateway.Request{
			Method: http.MethodPost,
			Path:   upstreamPath,
			Body:   body,
			Header: header,
		})
		if err != nil {
			var gwErr *gateway.Error
			if errors.As(err, &gwErr) && errors.Is(err, gateway.ErrUpstreamClient) {
				return send(c, gwErr.StatusCode, nil, gwErr.Body)
			}
			return err
		}
		return send(c, resp.StatusCode, resp.Header, resp.Body)
	}
}

func send(c *fiber.Ctx, status int, header http.Header, body []byte) error {
	contentType := fiber.MIMEApplicationJSON
	if header != nil && header.Get(fiber.HeaderContentType) != "" {
		contentType = header.Get(fiber.HeaderContentType)
	}
	c.Set(fiber.HeaderContentType, contentType)
	return c.Status(status).Send(body)
}
