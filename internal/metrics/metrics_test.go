package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/congo-pay/metergate/internal/gateway"
)

func TestObserverUpdatesCollectors(t *testing.T) {
	m := New()
	m.ObserveCall("identity", "success", 0)
	m.ObserveCall("identity", "success", 0)
	m.ObserveBreakerState("identity", gateway.StateOpen)

	if got := testutil.ToFloat64(m.upstreamCalls.WithLabelValues("identity", "success")); got != 2 {
		t.Fatalf("expected 2 calls got %v", got)
	}
	if got := testutil.ToFloat64(m.breakerState.WithLabelValues("identity")); got != float64(gateway.StateOpen) {
		t.Fatalf("expected open gauge got %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.Charge("NIN_VERIFY", "charged")

	app := fiber.New()
	app.Get("/metrics", m.Handler())

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/metrics", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `metergate_billing_charges_total{result="charged",service="NIN_VERIFY"} 1`) {
		t.Fatalf("charge counter missing from exposition:\n%s", body)
	}
}
