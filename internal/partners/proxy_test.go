package partners

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/metergate/internal/apierror"
	"github.com/congo-pay/metergate/internal/gateway"
	"github.com/congo-pay/metergate/internal/logging"
)

func newPartnerApp(t *testing.T, upstream http.HandlerFunc, breaker gateway.BreakerConfig) (*fiber.App, *gateway.Client) {
	t.Helper()
	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)

	client := gateway.NewClient(gateway.Config{
		Name:    "registry",
		BaseURL: srv.URL,
		Timeout: time.Second,
		Breaker: breaker,
	}, logging.Discard())

	app := fiber.New(fiber.Config{ErrorHandler: apierror.Handler(logging.Discard())})
	app.Post("/api/v1/business/cac", Forward(client, "/v1/cac"))
	app.Get("/admin/gateways", NewStatus(client).Gateways)
	return app, client
}

func post(t *testing.T, app *fiber.App, body string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, "/api/v1/business/cac", strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(raw)
}

func TestForwardPassesThroughResponses(t *testing.T) {
	app, _ := newPartnerApp(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/cac" {
			t.Errorf("unexpected upstream path %s", r.URL.Path)
		}
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		if in["rcNumber"] == "RC000" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			w.Write([]byte(`{"message":"unknown rc number"}`))
			return
		}
		w.Write([]byte(`{"name":"Acme Ltd"}`))
	}, gateway.DefaultBreakerConfig())

	if status, body := post(t, app, `{"rcNumber":"RC123"}`); status != fiber.StatusOK || body != `{"name":"Acme Ltd"}` {
		t.Fatalf("unexpected response %d %s", status, body)
	}
	if status, body := post(t, app, `{"rcNumber":"RC000"}`); status != fiber.StatusUnprocessableEntity || body != `{"message":"unknown rc number"}` {
		t.Fatalf("expected pass-through 422, got %d %s", status, body)
	}
	if status, _ := post(t, app, `not json`); status != fiber.StatusBadRequest {
		t.Fatalf("expected 400 for invalid body, got %d", status)
	}
}

func TestForwardFailsFastWhenCircuitOpen(t *testing.T) {
	var hits atomic.Int64
	app, client := newPartnerApp(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}, gateway.BreakerConfig{FailureThreshold: 2, OpenTimeout: time.Hour, HalfOpenSuccessThreshold: 1})

	for i := 0; i < 2; i++ {
		if status, _ := post(t, app, `{}`); status != fiber.StatusBadGateway {
			t.Fatalf("expected 502, got %d", status)
		}
	}
	if client.State() != gateway.StateOpen {
		t.Fatalf("expected open breaker, got %s", client.State())
	}

	status, body := post(t, app, `{}`)
	if status != fiber.StatusServiceUnavailable || !strings.Contains(body, apierror.CodeCircuitOpen) {
		t.Fatalf("expected 503 CIRCUIT_OPEN, got %d %s", status, body)
	}
	if hits.Load() != 2 {
		t.Fatalf("open circuit must not reach the partner, hits=%d", hits.Load())
	}

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/admin/gateways", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	var out struct {
		Data []struct {
			Name  string `json:"name"`
			State string `json:"state"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Data) != 1 || out.Data[0].Name != "registry" || out.Data[0].State != "OPEN" {
		t.Fatalf("unexpected snapshot %+v", out.Data)
	}
}
