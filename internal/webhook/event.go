package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Provider event names handled by the processor.
const (
	EventChargeSuccess = "charge.success"
	EventChargeFailed  = "charge.failed"
)

// ErrMalformed is returned for payloads that cannot be processed.
var ErrMalformed = errors.New("malformed webhook payload")

// Event is a payment provider notification.
type Event struct {
	Event string `json:"event"`
	Data  Data   `json:"data"`
}

// Data is the charge payload of an Event.
type Data struct {
	ID              any            `json:"id"`
	Reference       string         `json:"reference"`
	Amount          int64          `json:"amount"`
	Status          string         `json:"status"`
	Channel         string         `json:"channel"`
	GatewayResponse string         `json:"gateway_response"`
	Metadata        map[string]any `json:"metadata"`
	PaidAtSnake     string         `json:"paid_at"`
	PaidAtCamel     string         `json:"paidAt"`
}

// ParseEvent decodes a raw webhook body. The event name and reference are
// required.
func ParseEvent(body []byte) (Event, error) {
	var evt Event
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&evt); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	evt.Event = strings.TrimSpace(evt.Event)
	evt.Data.Reference = strings.TrimSpace(evt.Data.Reference)
	if evt.Event == "" || evt.Data.Reference == "" {
		return Event{}, fmt.Errorf("%w: event and data.reference are required", ErrMalformed)
	}
	return evt, nil
}

// ProviderID returns the provider's event identifier as text.
func (e Event) ProviderID() string {
	switch id := e.Data.ID.(type) {
	case nil:
		return ""
	case string:
		return id
	default:
		return fmt.Sprint(id)
	}
}

// DedupKey identifies a delivery across retries of the same notification.
func (e Event) DedupKey() string {
	return e.Event + ":" + e.Data.Reference + ":" + e.ProviderID()
}

// PaidAt returns the provider settlement time, or zero when absent.
func (e Event) PaidAt() time.Time {
	raw := e.Data.PaidAtSnake
	if raw == "" {
		raw = e.Data.PaidAtCamel
	}
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
