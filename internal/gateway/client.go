package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
)

const (
	maxResponseBytes = 4 << 20
	// MaxRetriesLimit bounds configured retries per call.
	MaxRetriesLimit = 10
	maxBackoff      = 30 * time.Second
)

// Config configures a partner client.
type Config struct {
	Name        string
	BaseURL     string
	Headers     map[string]string
	Timeout     time.Duration
	MaxRetries  int
	BaseBackoff time.Duration
	// SuccessStatuses lists non-2xx statuses that count as a valid outcome.
	SuccessStatuses []int
	Breaker         BreakerConfig
}

// Request is an outbound partner call. Body is passed through untouched.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   []byte
	Header http.Header
}

// Response is a successful partner response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Attempts   int
}

// Observer receives call outcomes and breaker transitions, typically for metrics.
type Observer interface {
	ObserveCall(partner, outcome string, elapsed time.Duration)
	ObserveBreakerState(partner string, state State)
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithClock overrides the breaker clock.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.breaker.now = now }
}

// WithSleep overrides the retry backoff sleep.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

// WithObserver attaches an Observer.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// Client calls one upstream partner through a circuit breaker with bounded
// retries.
type Client struct {
	cfg      Config
	http     *http.Client
	breaker  *Breaker
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	observer Observer
}

// NewClient builds a Client for the given partner.
func NewClient(cfg Config, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxRetries > MaxRetriesLimit {
		cfg.MaxRetries = MaxRetriesLimit
	}
	c := &Client{
		cfg:     cfg,
		http:    &http.Client{},
		breaker: NewBreaker(cfg.Breaker),
		logger:  logger.With(slog.String("component", "gateway"), slog.String("partner", cfg.Name)),
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker.onTransition = c.logTransition
	if c.observer != nil {
		c.observer.ObserveBreakerState(cfg.Name, StateClosed)
	}
	return c
}

// Name returns the partner name.
func (c *Client) Name() string { return c.cfg.Name }

// State returns the breaker state.
func (c *Client) State() State { return c.breaker.State() }

// Snapshot returns the breaker counters.
func (c *Client) Snapshot() BreakerSnapshot { return c.breaker.Snapshot() }

// Call performs req, retrying timeouts and server errors up to MaxRetries
// times with exponential backoff. 4xx responses and open-circuit rejections
// are returned immediately, and retries stop once a failure has opened the
// breaker so the caller sees the upstream error that tripped it.
func (c *Client) Call(ctx context.Context, req Request) (*Response, error) {
	for attempt := 0; ; attempt++ {
		resp, err := c.do(ctx, req)
		if err == nil {
			resp.Attempts = attempt + 1
			return resp, nil
		}

		var gwErr *Error
		if errors.As(err, &gwErr) {
			gwErr.Attempts = attempt + 1
		}
		if !retryable(err) || attempt >= c.cfg.MaxRetries || ctx.Err() != nil {
			return nil, err
		}
		if c.breaker.State() == StateOpen {
			return nil, err
		}

		backoff := backoffFor(c.cfg.BaseBackoff, attempt)
		c.logger.Warn("retrying partner call",
			slog.String("path", req.Path),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", backoff),
			slog.Any("error", err),
		)
		if serr := c.sleep(ctx, backoff); serr != nil {
			return nil, err
		}
	}
}

func backoffFor(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		if d >= maxBackoff/2 {
			return maxBackoff
		}
		d *= 2
	}
	return min(d, maxBackoff)
}

func retryable(err error) bool {
	return !errors.Is(err, ErrUpstreamClient) && !errors.Is(err, ErrCircuitOpen)
}

func (c *Client) do(ctx context.Context, req Request) (*Response, error) {
	t, ok := c.breaker.allow()
	if !ok {
		c.observe("circuit_open", 0)
		return nil, &Error{Kind: ErrCircuitOpen, Partner: c.cfg.Name}
	}

	attemptCtx := ctx
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	httpReq, err := c.newRequest(attemptCtx, req)
	if err != nil {
		c.breaker.record(t, outcomeNeutral)
		return nil, err
	}

	start := time.Now()
	res, err := c.http.Do(httpReq)
	if err != nil {
		return nil, c.transportError(ctx, t, err, start)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return nil, c.transportError(ctx, t, err, start)
	}
	elapsed := time.Since(start)

	switch {
	case res.StatusCode < http.StatusBadRequest || slices.Contains(c.cfg.SuccessStatuses, res.StatusCode):
		c.breaker.record(t, outcomeSuccess)
		c.observe("success", elapsed)
		return &Response{StatusCode: res.StatusCode, Header: res.Header, Body: body}, nil
	case res.StatusCode >= http.StatusInternalServerError:
		c.breaker.record(t, outcomeFailure)
		c.observe("server_error", elapsed)
		return nil, &Error{Kind: ErrUpstreamServer, Partner: c.cfg.Name, StatusCode: res.StatusCode, Body: body}
	default:
		c.breaker.record(t, outcomeNeutral)
		c.observe("client_error", elapsed)
		return nil, &Error{Kind: ErrUpstreamClient, Partner: c.cfg.Name, StatusCode: res.StatusCode, Body: body}
	}
}

// transportError classifies a failed round trip. Failures caused by the
// caller's own context are never held against the partner.
func (c *Client) transportError(ctx context.Context, t ticket, err error, start time.Time) error {
	kind := ErrUpstreamServer
	label := "transport_error"
	if isTimeout(err) {
		kind = ErrTimeout
		label = "timeout"
	}

	switch {
	case ctx.Err() != nil:
		c.breaker.record(t, outcomeNeutral)
		label = "cancelled"
	case c.cfg.Breaker.CountTransportErrors:
		c.breaker.record(t, outcomeFailure)
	default:
		c.breaker.record(t, outcomeNeutral)
	}
	c.observe(label, time.Since(start))
	return &Error{Kind: kind, Partner: c.cfg.Name, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (c *Client) newRequest(ctx context.Context, req Request) (*http.Request, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	target := strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Accept", "application/json")
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.cfg.Headers {
		httpReq.Header.Set(k, v)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	return httpReq, nil
}

func (c *Client) observe(outcome string, elapsed time.Duration) {
	if c.observer != nil {
		c.observer.ObserveCall(c.cfg.Name, outcome, elapsed)
	}
}

// logTransition runs with the breaker mutex held.
func (c *Client) logTransition(from, to State) {
	c.logger.Warn("circuit breaker transition",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
	if c.observer != nil {
		c.observer.ObserveBreakerState(c.cfg.Name, to)
	}
}

// BearerHeaders returns the static auth headers for a bearer token.
func BearerHeaders(token string) map[string]string {
	if token == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
