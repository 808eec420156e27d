package paystack

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/congo-pay/metergate/internal/gateway"
	"github.com/congo-pay/metergate/internal/logging"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	gw := gateway.NewClient(gateway.Config{
		Name:    "paystack",
		BaseURL: srv.URL,
		Headers: gateway.BearerHeaders("sk_test_123"),
		Timeout: time.Second,
		Breaker: gateway.DefaultBreakerConfig(),
	}, logging.Discard())
	return New(gw, "https://metergate.test/api/v1/wallet/topup/callback")
}

func TestInitializeSendsCheckoutRequest(t *testing.T) {
	var got map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/transaction/initialize" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk_test_123" {
			t.Errorf("missing bearer header")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"status":true,"message":"Authorization URL created","data":{"authorization_url":"https://checkout.paystack.com/abc","access_code":"abc","reference":"wlt_1"}}`))
	})

	checkout, err := client.Initialize(context.Background(), InitializeInput{Email: "ops@acme.test", Amount: 500_000, Reference: "wlt_1"})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if checkout.AuthorizationURL != "https://checkout.paystack.com/abc" || checkout.Reference != "wlt_1" {
		t.Fatalf("unexpected initialization %+v", checkout)
	}
	if got["amount"] != float64(500_000) || got["callback_url"] == nil {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestVerifyParsesOutcome(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transaction/verify/wlt_1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"status":true,"message":"Verification successful","data":{"id":99,"reference":"wlt_1","status":"success","amount":450000,"gateway_response":"Approved","paid_at":"2026-03-01T10:00:00.000Z"}}`))
	})

	v, err := client.Verify(context.Background(), "wlt_1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !v.Settled() || v.Failed() || v.Amount != 450_000 || v.PaidAt == nil {
		t.Fatalf("unexpected verification %+v", v)
	}
}

func TestVerifyReportsRejectionsAndClientErrors(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/transaction/verify/unknown" {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"status":false,"message":"Transaction reference not found"}`))
			return
		}
		w.Write([]byte(`{"status":false,"message":"Invalid key"}`))
	})

	if _, err := client.Verify(context.Background(), "unknown"); !errors.Is(err, gateway.ErrUpstreamClient) {
		t.Fatalf("expected upstream client error, got %v", err)
	}
	if _, err := client.Verify(context.Background(), "wlt_2"); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
}
