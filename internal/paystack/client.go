package paystack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/congo-pay/metergate/internal/gateway"
)

// ErrRejected is returned when the provider answers with status=false.
var ErrRejected = errors.New("paystack rejected the request")

// Transaction statuses reported by the verify endpoint.
const (
	StatusSuccess   = "success"
	StatusFailed    = "failed"
	StatusAbandoned = "abandoned"
	StatusReversed  = "reversed"
)

// Client talks to a Paystack-compatible API through a breaker-guarded
// gateway client.
type Client struct {
	gw          *gateway.Client
	callbackURL string
}

// New wraps gw, which must carry the secret key as a bearer header.
func New(gw *gateway.Client, callbackURL string) *Client {
	return &Client{gw: gw, callbackURL: callbackURL}
}

// Gateway exposes the underlying partner client for health reporting.
func (c *Client) Gateway() *gateway.Client { return c.gw }

// InitializeInput starts a hosted checkout.
type InitializeInput struct {
	Email     string
	Amount    int64
	Reference string
	Metadata  map[string]any
}

// Initialization is the checkout the customer is redirected to.
type Initialization struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

// Verification is the provider's view of a transaction.
type Verification struct {
	ID              int64          `json:"id"`
	Reference       string         `json:"reference"`
	Status          string         `json:"status"`
	Amount          int64          `json:"amount"`
	Channel         string         `json:"channel"`
	GatewayResponse string         `json:"gateway_response"`
	PaidAt          *time.Time     `json:"paid_at"`
	Metadata        map[string]any `json:"metadata"`
}

// Settled reports whether the outcome is final and successful.
func (v Verification) Settled() bool { return v.Status == StatusSuccess }

// Failed reports whether the outcome is final and unsuccessful.
func (v Verification) Failed() bool {
	switch v.Status {
	case StatusFailed, StatusAbandoned, StatusReversed:
		return true
	}
	return false
}

type envelope[T any] struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

// Initialize calls POST /transaction/initialize.
func (c *Client) Initialize(ctx context.Context, in InitializeInput) (Initialization, error) {
	payload := map[string]any{
		"email":     in.Email,
		"amount":    in.Amount,
		"reference": in.Reference,
	}
	if c.callbackURL != "" {
		payload["callback_url"] = c.callbackURL
	}
	if len(in.Metadata) > 0 {
		payload["metadata"] = in.Metadata
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Initialization{}, err
	}

	var out envelope[Initialization]
	if err := c.call(ctx, gateway.Request{Method: http.MethodPost, Path: "/transaction/initialize", Body: body}, &out); err != nil {
		return Initialization{}, err
	}
	if out.Data.Reference == "" {
		out.Data.Reference = in.Reference
	}
	return out.Data, nil
}

// Verify calls GET /transaction/verify/:reference.
func (c *Client) Verify(ctx context.Context, reference string) (Verification, error) {
	var out envelope[Verification]
	if err := c.call(ctx, gateway.Request{Method: http.MethodGet, Path: "/transaction/verify/" + url.PathEscape(reference)}, &out); err != nil {
		return Verification{}, err
	}
	return out.Data, nil
}

func (c *Client) call(ctx context.Context, req gateway.Request, out interface{ ok() (bool, string) }) error {
	resp, err := c.gw.Call(ctx, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decode paystack response: %w", err)
	}
	if ok, msg := out.ok(); !ok {
		return fmt.Errorf("%w: %s", ErrRejected, msg)
	}
	return nil
}

func (e *envelope[T]) ok() (bool, string) { return e.Status, e.Message }
