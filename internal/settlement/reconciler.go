// Package settlement applies gateway notifications to the payment and order
// they name. Delivery is at-least-once; the effect is at-most-once per
// gateway reference.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-checkout-settlement/internal/events"
	"github.com/ariefcatur/go-checkout-settlement/internal/gateway"
	"github.com/ariefcatur/go-checkout-settlement/internal/observability"
	"github.com/ariefcatur/go-checkout-settlement/internal/orders"
	"github.com/ariefcatur/go-checkout-settlement/internal/payments"
	"github.com/ariefcatur/go-checkout-settlement/internal/redisx"
	"github.com/ariefcatur/go-checkout-settlement/internal/store"
)

var tracer = otel.Tracer("github.com/ariefcatur/go-checkout-settlement/internal/settlement")

// DedupScope namespaces the redis fast-path keys of settlement references.
const DedupScope = "settlement"

// Verifier authenticates and decodes a raw gateway callback.
type Verifier interface {
	ParseWebhook(body []byte) (gateway.Notification, error)
}

type Result struct {
	OrderCode     int64
	Duplicate     bool
	Applied       bool
	OrderStatus   orders.Status
	PaymentStatus payments.Status
	Restored      bool

	// AmountMismatch is set when a success notification reports a different
	// amount than the payment. The transaction is recorded and nothing moves.
	AmountMismatch bool
}

type ReconcilerDeps struct {
	Store    store.Store
	Verifier Verifier
	Events   events.Publisher
	Redis    *redisx.Dedup
	Cache    *redisx.StatusCache
	Logger   *zap.Logger
	Metrics  *observability.Metrics
	Clock    func() time.Time
	Producer string
}

type Reconciler struct {
	store    store.Store
	verifier Verifier
	dedup    *redisx.Dedup
	notifier Notifier
	log      *zap.Logger
	metrics  *observability.Metrics
	clock    func() time.Time
}

func NewReconciler(deps ReconcilerDeps) (*Reconciler, error) {
	if deps.Store == nil {
		return nil, errors.New("settlement reconciler: store is required")
	}
	if deps.Verifier == nil {
		return nil, errors.New("settlement reconciler: verifier is required")
	}
	log := observability.OrNop(deps.Logger)
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	producer := deps.Producer
	if producer == "" {
		producer = "settlement-reconciler"
	}
	return &Reconciler{
		store:    deps.Store,
		verifier: deps.Verifier,
		dedup:    deps.Redis,
		notifier: Notifier{Events: deps.Events, Cache: deps.Cache, Producer: producer, Logger: log},
		log:      log,
		metrics:  deps.Metrics,
		clock:    clock,
	}, nil
}

// HandleWebhook verifies body and applies it. Nothing is written when the
// signature does not verify.
func (r *Reconciler) HandleWebhook(ctx context.Context, body []byte) (Result, error) {
	n, err := r.verifier.ParseWebhook(body)
	if err != nil {
		switch {
		case errors.Is(err, gateway.ErrInvalidSignature):
			r.metrics.Settlement("invalid_signature")
		default:
			r.metrics.Settlement("malformed")
		}
		r.log.Warn("webhook rejected", zap.Error(err))
		return Result{}, err
	}
	return r.Apply(ctx, n)
}

// Apply reconciles a verified notification. A reference already recorded is
// acknowledged as a duplicate without touching any row.
func (r *Reconciler) Apply(ctx context.Context, n gateway.Notification) (Result, error) {
	ctx, span := tracer.Start(ctx, "settlement.Apply")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("order.code", n.OrderCode),
		attribute.String("payment.reference", n.Reference),
		attribute.String("payment.outcome", string(n.Outcome)),
	)

	res := Result{OrderCode: n.OrderCode}
	if r.dedup.Seen(ctx, n.Reference) {
		res.Duplicate = true
		r.metrics.Settlement("duplicate")
		r.log.Debug("duplicate notification", zap.String("reference", n.Reference), zap.String("path", "cache"))
		return res, nil
	}

	orderTo, paymentTo, err := Targets(n.Outcome)
	if err != nil {
		return res, err
	}

	var (
		t        Transition
		expected int64
	)
	now := r.clock().UTC()
	err = r.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		p, err := tx.Payments().GetByOrderCodeForUpdate(ctx, n.OrderCode)
		if err != nil {
			return fmt.Errorf("load payment for order %d: %w", n.OrderCode, err)
		}
		inserted, err := tx.Transactions().Insert(ctx, payments.Transaction{
			ID:        uuid.NewString(),
			PaymentID: p.ID,
			OrderCode: n.OrderCode,
			Reference: n.Reference,
			Outcome:   string(n.Outcome),
			Amount:    n.Amount,
			Payload:   n.Data,
			CreatedAt: now,
		})
		if err != nil {
			return err
		}
		if !inserted {
			res.Duplicate = true
			res.PaymentStatus = p.Status
			return nil
		}
		if orderTo == orders.StatusPaid && n.Amount != p.Amount {
			res.AmountMismatch = true
			res.PaymentStatus = p.Status
			expected = p.Amount
			return nil
		}

		o, err := tx.Orders().GetForUpdate(ctx, p.OrderID)
		if err != nil {
			return fmt.Errorf("load order %d: %w", n.OrderCode, err)
		}
		t, err = Finalize(ctx, tx, o, p, orderTo, paymentTo, now)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.metrics.Settlement("error")
		r.log.Error("apply notification",
			zap.Int64("order_code", n.OrderCode),
			zap.String("reference", n.Reference),
			zap.Error(err))
		return res, err
	}

	r.dedup.Mark(ctx, n.Reference)
	if res.Duplicate {
		r.metrics.Settlement("duplicate")
		r.log.Debug("duplicate notification", zap.String("reference", n.Reference), zap.String("path", "store"))
		return res, nil
	}
	if res.AmountMismatch {
		r.metrics.Settlement("amount_mismatch")
		r.log.Error("notification amount does not match payment",
			zap.Int64("order_code", n.OrderCode),
			zap.String("reference", n.Reference),
			zap.Int64("amount", n.Amount),
			zap.Int64("expected", expected))
		return res, nil
	}

	res.Applied = t.OrderChanged || t.PaymentChanged
	res.OrderStatus = t.Order.Status
	res.PaymentStatus = t.Payment.Status
	res.Restored = t.Restored
	if res.Applied {
		r.metrics.Settlement("applied")
	} else {
		r.metrics.Settlement("noop")
	}
	r.log.Info("notification reconciled",
		zap.Int64("order_code", n.OrderCode),
		zap.String("reference", n.Reference),
		zap.String("outcome", string(n.Outcome)),
		zap.String("order_status", string(res.OrderStatus)),
		zap.Bool("applied", res.Applied),
		zap.Bool("restored", res.Restored))
	r.notifier.Announce(ctx, t, ReasonWebhook, n.Reference)
	return res, nil
}
