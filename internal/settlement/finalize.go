package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/ariefcatur/go-checkout-settlement/internal/gateway"
	"github.com/ariefcatur/go-checkout-settlement/internal/inventory"
	"github.com/ariefcatur/go-checkout-settlement/internal/orders"
	"github.com/ariefcatur/go-checkout-settlement/internal/payments"
	"github.com/ariefcatur/go-checkout-settlement/internal/store"
)

// Transition reports what one finalization attempt wrote.
type Transition struct {
	Order          orders.Order
	Payment        payments.Payment
	OrderChanged   bool
	PaymentChanged bool
	Restored       bool
}

// Finalize moves a locked order/payment pair to a terminal state inside tx.
// Both rows must have been read FOR UPDATE in the same transaction.
//
// When the order is still PENDING_PAYMENT it is moved to orderTo, stock is
// restored for any status other than PAID, and a pending payment is moved
// to paymentTo. When the order is already terminal nothing but a still
// pending payment is touched, and that payment is aligned with the order.
// Stock is restored only by the transaction whose compare-and-set won.
func Finalize(ctx context.Context, tx store.Tx, o orders.Order, p payments.Payment, orderTo orders.Status, paymentTo payments.Status, now time.Time) (Transition, error) {
	t := Transition{Order: o, Payment: p}

	if o.Status.Terminal() {
		aligned, ok := payments.ForOrder(o.Status)
		if !ok || p.Status != payments.StatusPending {
			return t, nil
		}
		changed, err := tx.Payments().UpdateStatus(ctx, p.ID, payments.StatusPending, aligned, now)
		if err != nil {
			return t, fmt.Errorf("align payment %s: %w", p.ID, err)
		}
		if changed {
			t.PaymentChanged = true
			t.Payment.Status = aligned
			t.Payment.UpdatedAt = now
		}
		return t, nil
	}

	if _, err := orders.Guard(o.Status, orderTo); err != nil {
		return t, err
	}
	changed, err := tx.Orders().UpdateStatus(ctx, o.ID, o.Status, orderTo, now)
	if err != nil {
		return t, fmt.Errorf("update order %d: %w", o.Code, err)
	}
	if !changed {
		return t, nil
	}
	t.OrderChanged = true
	t.Order.Status = orderTo
	t.Order.UpdatedAt = now

	if orderTo != orders.StatusPaid {
		if err := inventory.Restore(ctx, tx.Variants(), o); err != nil {
			return t, err
		}
		t.Restored = true
	}

	if p.Status == payments.StatusPending {
		if _, err := payments.Guard(p.Status, paymentTo); err != nil {
			return t, err
		}
		changed, err := tx.Payments().UpdateStatus(ctx, p.ID, payments.StatusPending, paymentTo, now)
		if err != nil {
			return t, fmt.Errorf("update payment %s: %w", p.ID, err)
		}
		if changed {
			t.PaymentChanged = true
			t.Payment.Status = paymentTo
			t.Payment.UpdatedAt = now
		}
	}
	return t, nil
}

// Targets maps a gateway outcome to the order and payment statuses it
// finalizes to. An expired link fails the order.
func Targets(outcome gateway.Outcome) (orders.Status, payments.Status, error) {
	switch outcome {
	case gateway.OutcomeSuccess:
		return orders.StatusPaid, payments.StatusPaid, nil
	case gateway.OutcomeFailed:
		return orders.StatusFailed, payments.StatusFailed, nil
	case gateway.OutcomeCancelled:
		return orders.StatusCancelled, payments.StatusCancelled, nil
	case gateway.OutcomeExpired:
		return orders.StatusFailed, payments.StatusExpired, nil
	}
	return "", "", fmt.Errorf("settlement: unknown outcome %q", outcome)
}
