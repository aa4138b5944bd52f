package settlement

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ariefcatur/go-checkout-settlement/internal/events"
	"github.com/ariefcatur/go-checkout-settlement/internal/gateway"
	"github.com/ariefcatur/go-checkout-settlement/internal/observability"
)

// Relay answers gateway callbacks without touching the store: it checks the
// signature and forwards the raw body to TopicPaymentNotifications, where the
// reconciler applies it.
type Relay struct {
	verifier Verifier
	events   events.Publisher
	log      *zap.Logger
	metrics  *observability.Metrics
	clock    func() time.Time
	producer string
}

// RelayDeps.Events must not return before the write is durable.
type RelayDeps struct {
	Verifier Verifier
	Events   events.Publisher
	Logger   *zap.Logger
	Metrics  *observability.Metrics
	Clock    func() time.Time
	Producer string
}

func NewRelay(deps RelayDeps) (*Relay, error) {
	if deps.Verifier == nil {
		return nil, errors.New("settlement relay: verifier is required")
	}
	if deps.Events == nil {
		return nil, errors.New("settlement relay: publisher is required")
	}
	r := &Relay{
		verifier: deps.Verifier,
		events:   deps.Events,
		log:      observability.OrNop(deps.Logger),
		metrics:  deps.Metrics,
		clock:    deps.Clock,
		producer: deps.Producer,
	}
	if r.clock == nil {
		r.clock = time.Now
	}
	if r.producer == "" {
		r.producer = "gateway-relay"
	}
	return r, nil
}

// HandleWebhook rejects forged or malformed bodies at the edge. A publish
// failure is returned so the gateway retries the callback.
func (r *Relay) HandleWebhook(ctx context.Context, body []byte) (Result, error) {
	n, err := r.verifier.ParseWebhook(body)
	if err != nil {
		if errors.Is(err, gateway.ErrInvalidSignature) {
			r.metrics.Settlement("invalid_signature")
		} else {
			r.metrics.Settlement("malformed")
		}
		r.log.Warn("webhook rejected", zap.Error(err))
		return Result{}, err
	}

	code := strconv.FormatInt(n.OrderCode, 10)
	env, err := events.NewEnvelope(events.EventPaymentNotification, r.producer, code,
		events.PaymentNotificationPayload{Body: body, ReceivedAt: r.clock().UTC()})
	if err != nil {
		return Result{}, err
	}
	if err := r.events.Publish(ctx, events.TopicPaymentNotifications, []byte(code), env); err != nil {
		r.metrics.Settlement("error")
		r.log.Error("relay notification",
			zap.Int64("order_code", n.OrderCode),
			zap.String("reference", n.Reference),
			zap.Error(err))
		return Result{}, fmt.Errorf("relay notification: %w", err)
	}
	r.metrics.Settlement("relayed")
	r.log.Info("notification relayed",
		zap.Int64("order_code", n.OrderCode),
		zap.String("reference", n.Reference),
		zap.String("event_id", env.EventID))
	return Result{OrderCode: n.OrderCode}, nil
}
