package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-checkout-settlement/internal/orders"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPaid      Status = "PAID"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusExpired   Status = "EXPIRED"
)

var (
	ErrPaymentNotFound        = errors.New("payments: payment not found")
	ErrInvalidStateTransition = errors.New("payments: invalid state transition")
)

func (s Status) Terminal() bool {
	switch s {
	case StatusPaid, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Guard mirrors orders.Guard: PENDING may move to any terminal value, a
// repeated terminal value is a no-op, and terminal values never change.
func Guard(from, to Status) (apply bool, err error) {
	if from == StatusPending && to.Terminal() {
		return true, nil
	}
	if from == to && from.Terminal() {
		return false, nil
	}
	return false, fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, from, to)
}

// ForOrder maps a finalized order status to the payment status that
// reflects it. Used when a payment is reconciled after its order already
// reached a terminal state.
func ForOrder(s orders.Status) (Status, bool) {
	switch s {
	case orders.StatusPaid:
		return StatusPaid, true
	case orders.StatusFailed:
		return StatusFailed, true
	case orders.StatusCancelled:
		return StatusCancelled, true
	}
	return "", false
}

type Payment struct {
	ID            string
	OrderID       string
	OrderCode     int64
	PaymentLinkID string
	CheckoutURL   string
	Status        Status
	Amount        int64
	ExpiredAt     time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (p *Payment) Expired(now time.Time) bool {
	return p.Status == StatusPending && p.ExpiredAt.Before(now)
}

func (p *Payment) Transition(to Status, now time.Time) (bool, error) {
	apply, err := Guard(p.Status, to)
	if err != nil || !apply {
		return false, err
	}
	p.Status = to
	p.UpdatedAt = now
	return true, nil
}

// Transaction is one distinct gateway notification, keyed by the gateway
// reference. It is written once and never updated.
type Transaction struct {
	ID        string
	PaymentID string
	OrderCode int64
	Reference string
	Outcome   string
	Amount    int64
	Payload   json.RawMessage
	CreatedAt time.Time
}
