package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	EventOrderCreated        = "OrderCreated"
	EventOrderFinalized      = "OrderFinalized"
	EventPaymentSettled      = "PaymentSettled"
	EventPaymentNotification = "PaymentNotificationReceived"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order code
	Payload       json.RawMessage `json:"payload"`
}

func NewEnvelope(eventType, producer, correlationID string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		CorrelationID: correlationID,
		Payload:       raw,
	}, nil
}

// Publisher hands an envelope to the event bus. Publishing happens after
// commit and never decides the outcome of the operation that emitted it.
type Publisher interface {
	Publish(ctx context.Context, topic string, key []byte, env Envelope) error
}

type Nop struct{}

func (Nop) Publish(context.Context, string, []byte, Envelope) error { return nil }

type ItemQty struct {
	VariantID string `json:"variant_id"`
	Qty       int    `json:"qty"`
	UnitPrice int64  `json:"unit_price"`
}

type OrderCreatedPayload struct {
	OrderID     string    `json:"order_id"`
	OrderCode   int64     `json:"order_code"`
	UserID      string    `json:"user_id"`
	Items       []ItemQty `json:"items"`
	TotalAmount int64     `json:"total_amount"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type OrderFinalizedPayload struct {
	OrderID          string `json:"order_id"`
	OrderCode        int64  `json:"order_code"`
	FinalStatus      string `json:"final_status"` // PAID | FAILED | CANCELLED
	Reason           string `json:"reason"`       // webhook | expired
	InventoryRestore bool   `json:"inventory_restored"`
}

type PaymentSettledPayload struct {
	PaymentID string `json:"payment_id"`
	OrderCode int64  `json:"order_code"`
	Status    string `json:"status"`
	Reference string `json:"reference,omitempty"`
	Amount    int64  `json:"amount"`
}

// PaymentNotificationPayload relays a raw gateway callback through the bus.
// Body is verified again by whoever applies it.
type PaymentNotificationPayload struct {
	Body       json.RawMessage `json:"body"`
	ReceivedAt time.Time       `json:"received_at"`
}
