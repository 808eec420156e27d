package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Routing keys for wallet and billing domain events.
const (
	KindCreditCompleted        = "wallet.credit.completed"
	KindCreditFailed           = "wallet.credit.failed"
	KindDebitCompleted         = "wallet.debit.completed"
	KindReconciliationRequired = "billing.charge.reconciliation_required"
)

// Event describes a domain event payload.
type Event struct {
	Kind       string         `json:"kind"`
	CustomerID string         `json:"customer_id"`
	Reference  string         `json:"reference"`
	Amount     int64          `json:"amount"`
	OccurredAt time.Time      `json:"occurred_at"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Publisher delivers events to downstream systems.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// LoggerPublisher writes events to the structured logger. It is the fallback
// when no broker is configured.
type LoggerPublisher struct {
	logger *slog.Logger
}

// NewLoggerPublisher constructs a logging publisher.
func NewLoggerPublisher(logger *slog.Logger) *LoggerPublisher {
	return &LoggerPublisher{logger: logger}
}

// Publish writes the event to the logger.
func (p *LoggerPublisher) Publish(_ context.Context, event Event) error {
	if p == nil || p.logger == nil {
		return nil
	}
	p.logger.Info("domain event",
		slog.String("kind", event.Kind),
		slog.String("customer_id", event.CustomerID),
		slog.String("reference", event.Reference),
		slog.Int64("amount", event.Amount),
	)
	return nil
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish appends the event.
func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns the number of recorded events of the given kind.
func (r *Recorder) Count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}
