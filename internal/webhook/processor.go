package webhook

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/metergate/internal/apierror"
	"github.com/congo-pay/metergate/internal/ledger"
)

// Settler applies provider outcomes to pending credits. Both methods are
// no-ops once the credit is terminal.
type Settler interface {
	CompletePendingCredit(ctx context.Context, reference string, confirmedAmount int64, completedAt time.Time) (ledger.Transaction, bool, error)
	FailPendingCredit(ctx context.Context, reference, reason string) (ledger.Transaction, bool, error)
}

// Observer counts webhook outcomes.
type Observer interface {
	Webhook(event, result string)
}

type noopObserver struct{}

func (noopObserver) Webhook(string, string) {}

// Config tunes the processor.
type Config struct {
	Secret         string
	Workers        int
	QueueSize      int
	DedupTTL       time.Duration
	MaxAttempts    int
	RetryBackoff   time.Duration
	ProcessTimeout time.Duration
}

type job struct {
	event Event
	key   string
}

// Processor verifies, deduplicates and acknowledges provider webhooks, then
// settles them on a worker pool outside the request cycle.
type Processor struct {
	cfg      Config
	settler  Settler
	dedup    DedupStore
	observer Observer
	logger   *slog.Logger
	sleep    func(context.Context, time.Duration) error

	mu     sync.RWMutex
	queue  chan job
	closed bool
	wg     sync.WaitGroup
}

// NewProcessor builds a webhook processor. Start must be called before
// deliveries are accepted.
func NewProcessor(cfg Config, settler Settler, dedup DedupStore, observer Observer, logger *slog.Logger) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 24 * time.Hour
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = 15 * time.Second
	}
	if dedup == nil {
		dedup = NewMemoryDedup(0)
	}
	if observer == nil {
		observer = noopObserver{}
	}
	return &Processor{
		cfg:      cfg,
		settler:  settler,
		dedup:    dedup,
		observer: observer,
		logger:   logger.With(slog.String("component", "webhook")),
		sleep:    sleepContext,
		queue:    make(chan job, cfg.QueueSize),
	}
}

// Start launches the settlement workers.
func (p *Processor) Start() {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for j := range p.queue {
				p.run(j)
			}
		}()
	}
}

// Stop stops accepting deliveries and waits for queued events to settle.
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handle is the provider-facing endpoint. It responds before settlement.
func (p *Processor) Handle(c *fiber.Ctx) error {
	body := c.Body()
	if !VerifySignature(p.cfg.Secret, body, c.Get(SignatureHeader)) {
		p.observer.Webhook("unknown", "invalid_signature")
		p.logger.Warn("webhook signature mismatch", slog.String("ip", c.IP()))
		return apierror.New(http.StatusUnauthorized, apierror.CodeWebhookSignatureInvalid, "invalid webhook signature")
	}

	evt, err := ParseEvent(body)
	if err != nil {
		p.observer.Webhook("unknown", "malformed")
		return apierror.New(http.StatusBadRequest, apierror.CodeWebhookMalformed, "malformed webhook payload")
	}

	key := evt.DedupKey()
	claimed, err := p.dedup.Claim(c.UserContext(), key, p.cfg.DedupTTL)
	if err != nil {
		p.logger.Error("webhook dedup claim failed", slog.String("key", key), slog.Any("error", err))
		return apierror.New(http.StatusServiceUnavailable, apierror.CodeServiceUnavailable, "try again later")
	}
	if !claimed {
		p.observer.Webhook(evt.Event, "duplicate")
		p.logger.Info("duplicate webhook event", slog.String("event", evt.Event), slog.String("reference", evt.Data.Reference))
		return c.JSON(fiber.Map{"success": true, "data": fiber.Map{"status": "duplicate"}})
	}

	if !p.enqueue(job{event: evt, key: key}) {
		_ = p.dedup.Release(c.UserContext(), key)
		p.observer.Webhook(evt.Event, "queue_full")
		p.logger.Warn("webhook queue full", slog.String("reference", evt.Data.Reference))
		return apierror.New(http.StatusServiceUnavailable, apierror.CodeServiceUnavailable, "webhook queue is full")
	}
	return c.JSON(fiber.Map{"success": true, "data": fiber.Map{"status": "accepted"}})
}

func (p *Processor) enqueue(j job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- j:
		return true
	default:
		return false
	}
}

func (p *Processor) run(j job) {
	var err error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ProcessTimeout)
		err = p.Process(ctx, j.event)
		cancel()
		if err == nil {
			return
		}
		p.logger.Warn("webhook processing failed",
			slog.String("event", j.event.Event),
			slog.String("reference", j.event.Data.Reference),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
		if attempt < p.cfg.MaxAttempts {
			_ = p.sleep(context.Background(), p.cfg.RetryBackoff*time.Duration(1<<(attempt-1)))
		}
	}

	p.observer.Webhook(j.event.Event, "failed")
	p.logger.Error("webhook processing gave up",
		slog.String("event", j.event.Event),
		slog.String("reference", j.event.Data.Reference),
		slog.Any("error", err),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if rerr := p.dedup.Release(ctx, j.key); rerr != nil {
		p.logger.Error("release webhook claim failed", slog.String("key", j.key), slog.Any("error", rerr))
	}
}

// Process applies one event to the ledger. Unknown events and references
// without a pending credit are ignored.
func (p *Processor) Process(ctx context.Context, evt Event) error {
	log := p.logger.With(slog.String("event", evt.Event), slog.String("reference", evt.Data.Reference))

	var (
		applied bool
		err     error
	)
	switch evt.Event {
	case EventChargeSuccess:
		if evt.Data.Amount <= 0 {
			log.Warn("charge event without amount ignored")
			p.observer.Webhook(evt.Event, "ignored")
			return nil
		}
		_, applied, err = p.settler.CompletePendingCredit(ctx, evt.Data.Reference, evt.Data.Amount, evt.PaidAt())
	case EventChargeFailed:
		reason := evt.Data.GatewayResponse
		if reason == "" {
			reason = "payment failed"
		}
		_, applied, err = p.settler.FailPendingCredit(ctx, evt.Data.Reference, reason)
	default:
		log.Info("unhandled webhook event ignored")
		p.observer.Webhook(evt.Event, "ignored")
		return nil
	}

	switch {
	case errors.Is(err, ledger.ErrTransactionNotFound), errors.Is(err, ledger.ErrNotCredit):
		log.Warn("webhook reference is not a pending top-up", slog.Any("error", err))
		p.observer.Webhook(evt.Event, "unknown_reference")
		return nil
	case err != nil:
		return err
	}

	if applied {
		p.observer.Webhook(evt.Event, "applied")
		log.Info("webhook settled credit")
	} else {
		p.observer.Webhook(evt.Event, "already_settled")
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
