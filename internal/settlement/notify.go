package settlement

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ariefcatur/go-checkout-settlement/internal/events"
	"github.com/ariefcatur/go-checkout-settlement/internal/redisx"
)

const (
	ReasonWebhook = "webhook"
	ReasonExpired = "expired"
)

// Notifier runs the post-commit side effects of a finalization: it drops the
// cached status and publishes the lifecycle events. Failures are logged and
// never reach the caller.
type Notifier struct {
	Events   events.Publisher
	Cache    *redisx.StatusCache
	Producer string
	Logger   *zap.Logger
}

func (n Notifier) Announce(ctx context.Context, t Transition, reason, reference string) {
	if !t.OrderChanged && !t.PaymentChanged {
		return
	}
	n.Cache.Invalidate(ctx, t.Order.Code)

	key := events.PartitionKey(t.Order.Code)
	if t.OrderChanged {
		n.publish(ctx, events.TopicOrderFinalized, key, events.EventOrderFinalized, t.Order.Code, events.OrderFinalizedPayload{
			OrderID:          t.Order.ID,
			OrderCode:        t.Order.Code,
			FinalStatus:      string(t.Order.Status),
			Reason:           reason,
			InventoryRestore: t.Restored,
		})
	}
	if t.PaymentChanged {
		n.publish(ctx, events.TopicPaymentSettled, key, events.EventPaymentSettled, t.Order.Code, events.PaymentSettledPayload{
			PaymentID: t.Payment.ID,
			OrderCode: t.Payment.OrderCode,
			Status:    string(t.Payment.Status),
			Reference: reference,
			Amount:    t.Payment.Amount,
		})
	}
}

func (n Notifier) publish(ctx context.Context, topic string, key []byte, eventType string, code int64, payload any) {
	if n.Events == nil {
		return
	}
	env, err := events.NewEnvelope(eventType, n.Producer, fmt.Sprint(code), payload)
	if err == nil {
		err = n.Events.Publish(ctx, topic, key, env)
	}
	if err != nil && n.Logger != nil {
		n.Logger.Warn("publish event", zap.String("event_type", eventType), zap.Int64("order_code", code), zap.Error(err))
	}
}
