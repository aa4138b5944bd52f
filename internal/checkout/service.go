// Package checkout turns selected cart items into an order, a stock
// reservation and a gateway payment link, all in one unit of work.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-checkout-settlement/internal/cart"
	"github.com/ariefcatur/go-checkout-settlement/internal/catalog"
	"github.com/ariefcatur/go-checkout-settlement/internal/events"
	"github.com/ariefcatur/go-checkout-settlement/internal/gateway"
	"github.com/ariefcatur/go-checkout-settlement/internal/inventory"
	"github.com/ariefcatur/go-checkout-settlement/internal/observability"
	"github.com/ariefcatur/go-checkout-settlement/internal/orders"
	"github.com/ariefcatur/go-checkout-settlement/internal/payments"
	"github.com/ariefcatur/go-checkout-settlement/internal/store"
)

var tracer = otel.Tracer("github.com/ariefcatur/go-checkout-settlement/internal/checkout")

const (
	defaultPaymentTTL     = 15 * time.Minute
	defaultGatewayTimeout = 10 * time.Second
)

// Gateway is the payment-link capability checkout depends on.
type Gateway interface {
	CreatePaymentLink(ctx context.Context, req gateway.PaymentLinkRequest) (gateway.PaymentLink, error)
}

type Command struct {
	UserID   string
	ItemIDs  []string
	Shipping orders.Shipping
}

type Result struct {
	OrderID       string
	OrderCode     int64
	OrderStatus   orders.Status
	PaymentID     string
	PaymentStatus payments.Status
	PaymentLinkID string
	CheckoutURL   string
	Amount        int64
	ExpiresAt     time.Time
}

type ServiceDeps struct {
	Store   store.Store
	Gateway Gateway
	Codes   *orders.CodeGenerator
	Events  events.Publisher
	Logger  *zap.Logger
	Metrics *observability.Metrics
	Clock   func() time.Time

	ReturnURL      string
	CancelURL      string
	PaymentTTL     time.Duration
	GatewayTimeout time.Duration
	Producer       string
}

type Service struct {
	store   store.Store
	gw      Gateway
	codes   *orders.CodeGenerator
	events  events.Publisher
	log     *zap.Logger
	metrics *observability.Metrics
	clock   func() time.Time

	returnURL      string
	cancelURL      string
	paymentTTL     time.Duration
	gatewayTimeout time.Duration
	producer       string
}

func NewService(deps ServiceDeps) (*Service, error) {
	if deps.Store == nil {
		return nil, errors.New("checkout service: store is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("checkout service: gateway is required")
	}
	s := &Service{
		store:          deps.Store,
		gw:             deps.Gateway,
		codes:          deps.Codes,
		events:         deps.Events,
		log:            observability.OrNop(deps.Logger),
		metrics:        deps.Metrics,
		clock:          deps.Clock,
		returnURL:      deps.ReturnURL,
		cancelURL:      deps.CancelURL,
		paymentTTL:     deps.PaymentTTL,
		gatewayTimeout: deps.GatewayTimeout,
		producer:       deps.Producer,
	}
	if s.codes == nil {
		s.codes = orders.NewCodeGenerator(orders.DefaultCodeAttempts)
	}
	if s.events == nil {
		s.events = events.Nop{}
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.paymentTTL <= 0 {
		s.paymentTTL = defaultPaymentTTL
	}
	if s.gatewayTimeout <= 0 {
		s.gatewayTimeout = defaultGatewayTimeout
	}
	if s.producer == "" {
		s.producer = "checkout-api"
	}
	return s, nil
}

func (s *Service) now() time.Time { return s.clock().UTC() }

// Checkout runs every step in a single transaction. Any failure, including
// the gateway call, rolls back the stock deduction, the order and the cart.
func (s *Service) Checkout(ctx context.Context, cmd Command) (Result, error) {
	ctx, span := tracer.Start(ctx, "checkout.Checkout")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", cmd.UserID))

	if strings.TrimSpace(cmd.UserID) == "" {
		return Result{}, fmt.Errorf("%w: user id is required", orders.ErrInvalidOrder)
	}

	var (
		order   *orders.Order
		payment payments.Payment
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		c, err := tx.Carts().ActiveCart(ctx, cmd.UserID)
		if errors.Is(err, cart.ErrCartNotFound) {
			return cart.ErrCartEmpty
		}
		if err != nil {
			return fmt.Errorf("load cart: %w", err)
		}
		selected, err := c.Select(cmd.ItemIDs)
		if err != nil {
			return err
		}

		snapshots, err := s.reserve(ctx, tx.Variants(), selected)
		if err != nil {
			return err
		}

		code, err := s.codes.Allocate(ctx, tx.Orders())
		if err != nil {
			return err
		}
		now := s.now()
		inputs := make([]orders.ItemInput, 0, len(selected))
		for _, it := range selected {
			v := snapshots[it.VariantID]
			inputs = append(inputs, orders.ItemInput{
				ProductID: v.ProductID,
				VariantID: v.ID,
				SKU:       v.SKU,
				Name:      v.Name,
				UnitPrice: v.Price,
				Quantity:  it.Quantity,
			})
		}
		order, err = orders.New(cmd.UserID, code, cmd.Shipping, inputs, now)
		if err != nil {
			return err
		}
		if err := tx.Orders().Create(ctx, order); err != nil {
			return fmt.Errorf("create order: %w", err)
		}

		ids := make([]string, 0, len(selected))
		for _, it := range selected {
			ids = append(ids, it.ID)
		}
		if err := tx.Carts().RemoveItems(ctx, c.ID, ids); err != nil {
			return fmt.Errorf("remove cart items: %w", err)
		}

		link, err := s.requestLink(ctx, order, now)
		if err != nil {
			return err
		}
		expiresAt := link.ExpiresAt
		if expiresAt.IsZero() {
			expiresAt = now.Add(s.paymentTTL)
		}
		payment = payments.Payment{
			ID:            uuid.NewString(),
			OrderID:       order.ID,
			OrderCode:     order.Code,
			PaymentLinkID: link.PaymentLinkID,
			CheckoutURL:   link.CheckoutURL,
			Status:        payments.StatusPending,
			Amount:        order.TotalAmount,
			ExpiredAt:     expiresAt.UTC(),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := tx.Payments().Create(ctx, &payment); err != nil {
			return fmt.Errorf("create payment: %w", err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.Checkout(resultLabel(err))
		s.log.Info("checkout rejected", zap.String("user_id", cmd.UserID), zap.Error(err))
		return Result{}, err
	}

	span.SetAttributes(attribute.Int64("order.code", order.Code))
	s.metrics.Checkout("created")
	s.log.Info("checkout created",
		zap.String("order_id", order.ID),
		zap.Int64("order_code", order.Code),
		zap.Int64("amount", order.TotalAmount))
	s.publishCreated(ctx, order, payment)

	return Result{
		OrderID:       order.ID,
		OrderCode:     order.Code,
		OrderStatus:   order.Status,
		PaymentID:     payment.ID,
		PaymentStatus: payment.Status,
		PaymentLinkID: payment.PaymentLinkID,
		CheckoutURL:   payment.CheckoutURL,
		Amount:        payment.Amount,
		ExpiresAt:     payment.ExpiredAt,
	}, nil
}

// reserve deducts stock in variant id order so concurrent checkouts lock
// rows in the same sequence.
func (s *Service) reserve(ctx context.Context, variants store.VariantRepository, items []cart.Item) (map[string]catalog.Variant, error) {
	sorted := append([]cart.Item(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].VariantID < sorted[j].VariantID })

	snapshots := make(map[string]catalog.Variant, len(sorted))
	for _, it := range sorted {
		v, err := inventory.Reserve(ctx, variants, it.VariantID, it.Quantity)
		if err != nil {
			return nil, err
		}
		if _, ok := snapshots[v.ID]; !ok {
			snapshots[v.ID] = v
		}
	}
	return snapshots, nil
}

func (s *Service) requestLink(ctx context.Context, o *orders.Order, now time.Time) (gateway.PaymentLink, error) {
	ctx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()

	items := make([]gateway.LineItem, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, gateway.LineItem{Name: it.Name, Quantity: it.Quantity, Price: it.UnitPrice})
	}
	link, err := s.gw.CreatePaymentLink(ctx, gateway.PaymentLinkRequest{
		OrderCode:   o.Code,
		Amount:      o.TotalAmount,
		Description: fmt.Sprintf("DH%d", o.Code),
		ReturnURL:   s.returnURL,
		CancelURL:   s.cancelURL,
		Items:       items,
		ExpiresAt:   now.Add(s.paymentTTL),
	})
	if err != nil {
		if !errors.Is(err, gateway.ErrGatewayUnavailable) {
			err = fmt.Errorf("%w: %v", gateway.ErrGatewayUnavailable, err)
		}
		return gateway.PaymentLink{}, fmt.Errorf("create payment link for order %d: %w", o.Code, err)
	}
	return link, nil
}

func (s *Service) publishCreated(ctx context.Context, o *orders.Order, p payments.Payment) {
	items := make([]events.ItemQty, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, events.ItemQty{VariantID: it.VariantID, Qty: it.Quantity, UnitPrice: it.UnitPrice})
	}
	env, err := events.NewEnvelope(events.EventOrderCreated, s.producer, fmt.Sprint(o.Code), events.OrderCreatedPayload{
		OrderID:     o.ID,
		OrderCode:   o.Code,
		UserID:      o.UserID,
		Items:       items,
		TotalAmount: o.TotalAmount,
		ExpiresAt:   p.ExpiredAt,
	})
	if err == nil {
		err = s.events.Publish(ctx, events.TopicOrderCreated, events.PartitionKey(o.Code), env)
	}
	if err != nil {
		s.log.Warn("publish order created", zap.Int64("order_code", o.Code), zap.Error(err))
	}
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, cart.ErrCartEmpty):
		return "cart_empty"
	case errors.Is(err, cart.ErrCartChanged):
		return "cart_changed"
	case errors.Is(err, inventory.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, orders.ErrCodeAllocationExhausted):
		return "code_exhausted"
	case errors.Is(err, gateway.ErrGatewayUnavailable):
		return "gateway_unavailable"
	}
	return "error"
}
