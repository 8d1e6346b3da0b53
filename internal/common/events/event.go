package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event is the integration envelope published on the bus.
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CausationID   string          `json:"causation_id,omitempty"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType, aggregateType, aggregateID string, data any) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation adds correlation and causation IDs
func (e *Event) WithCorrelation(correlationID, causationID string) *Event {
	e.CorrelationID = correlationID
	e.CausationID = causationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v any) error {
	return json.Unmarshal(e.Data, v)
}

// Publisher publishes events to a message broker
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
	PublishBatch(ctx context.Context, events []*Event) error
}

// Discard drops every event. Used when no broker is configured.
type Discard struct{}

func (Discard) Publish(context.Context, *Event) error { return nil }
func (Discard) PublishBatch(context.Context, []*Event) error { return nil }

type correlationKey struct{}

// WithCorrelationID stores a correlation id on ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the id stored by WithCorrelationID.
func CorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(correlationKey{}).(string); ok {
		return v
	}
	return ""
}

// Subjects consumed by this service.
const (
	SubjectDepositsObserved = "deposits.observed"
)

// DepositObservedData is the payload of a deposits.observed message.
type DepositObservedData struct {
	WalletID              int64     `json:"wallet_id,omitempty"`
	TxHash                string    `json:"tx_hash"`
	Address               string    `json:"address"`
	Tag                   string    `json:"tag,omitempty"`
	Network               string    `json:"network,omitempty"`
	Amount                string    `json:"amount"`
	Currency              string    `json:"currency"`
	Confirmations         int       `json:"confirmations"`
	RequiredConfirmations int       `json:"required_confirmations"`
	Confirmed             bool      `json:"confirmed"`
	CreatedAt             time.Time `json:"created_at"`
}
