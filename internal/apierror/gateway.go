package apierror

import (
	"errors"
	"net/http"

	"github.com/congo-pay/metergate/internal/gateway"
)

// FromGateway maps a partner call failure onto the HTTP taxonomy. It returns
// nil when err is not a gateway error.
func FromGateway(err error) *Error {
	var gwErr *gateway.Error
	if !errors.As(err, &gwErr) {
		return nil
	}

	details := map[string]any{"partner": gwErr.Partner}
	switch {
	case errors.Is(err, gateway.ErrCircuitOpen):
		return New(http.StatusServiceUnavailable, CodeCircuitOpen, "upstream service temporarily unavailable").WithDetails(details)
	case errors.Is(err, gateway.ErrTimeout):
		return New(http.StatusGatewayTimeout, CodeUpstreamTimeout, "upstream service timed out").WithDetails(details)
	case errors.Is(err, gateway.ErrUpstreamClient):
		details["upstreamStatus"] = gwErr.StatusCode
		return New(gwErr.StatusCode, CodeUpstreamClientError, "upstream rejected the request").WithDetails(details)
	default:
		if gwErr.StatusCode > 0 {
			details["upstreamStatus"] = gwErr.StatusCode
		}
		return New(http.StatusBadGateway, CodeUpstreamServerError, "upstream service error").WithDetails(details)
	}
}
