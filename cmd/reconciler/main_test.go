package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-checkout-settlement/internal/events"
	"github.com/ariefcatur/go-checkout-settlement/internal/gateway"
	"github.com/ariefcatur/go-checkout-settlement/internal/orders"
	"github.com/ariefcatur/go-checkout-settlement/internal/payments"
	"github.com/ariefcatur/go-checkout-settlement/internal/settlement"
	"github.com/ariefcatur/go-checkout-settlement/internal/store"
	"github.com/ariefcatur/go-checkout-settlement/internal/store/memstore"
)

const key = "relay-key"

func noWait(int) time.Duration { return time.Millisecond }

var now = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func seeded(t *testing.T) *memstore.Store {
	t.Helper()
	s := memstore.New()
	err := s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		o, err := orders.New("u1", 111222333, orders.Shipping{}, []orders.ItemInput{
			{VariantID: "A", SKU: "A-1", UnitPrice: 1000, Quantity: 1},
		}, now)
		if err != nil {
			return err
		}
		if err := tx.Orders().Create(ctx, o); err != nil {
			return err
		}
		return tx.Payments().Create(ctx, &payments.Payment{
			ID: "p1", OrderID: o.ID, OrderCode: o.Code, Status: payments.StatusPending,
			Amount: o.TotalAmount, ExpiredAt: now.Add(15 * time.Minute), CreatedAt: now, UpdatedAt: now,
		})
	})
	require.NoError(t, err)
	return s
}

func relayed(t *testing.T, body []byte) kafka.Message {
	t.Helper()
	env, err := events.NewEnvelope(events.EventPaymentNotification, "gateway-relay", "111222333",
		events.PaymentNotificationPayload{Body: body, ReceivedAt: now})
	require.NoError(t, err)
	b, err := json.Marshal(env)
	require.NoError(t, err)
	return kafka.Message{Topic: events.TopicPaymentNotifications, Value: b}
}

func TestHandlerAppliesRelayedNotification(t *testing.T) {
	s := seeded(t)
	rec, err := settlement.NewReconciler(settlement.ReconcilerDeps{Store: s, Verifier: gateway.NewSigner(key)})
	require.NoError(t, err)
	h := handler(rec, nil, noWait)

	body, err := gateway.NewSigner(key).SignedWebhook(map[string]any{
		"orderCode": 111222333, "amount": 1000, "reference": "FT-k1", "code": "00", "desc": "ok",
	})
	require.NoError(t, err)

	require.NoError(t, h(context.Background(), relayed(t, body)))
	require.NoError(t, h(context.Background(), relayed(t, body)))

	all := s.Orders()
	require.Len(t, all, 1)
	assert.Equal(t, orders.StatusPaid, all[0].Status)
	assert.Len(t, s.Transactions(), 1)
}

func TestHandlerCommitsPermanentFailures(t *testing.T) {
	s := seeded(t)
	rec, err := settlement.NewReconciler(settlement.ReconcilerDeps{Store: s, Verifier: gateway.NewSigner(key)})
	require.NoError(t, err)
	h := handler(rec, nil, noWait)

	forged, err := gateway.NewSigner("other-key").SignedWebhook(map[string]any{
		"orderCode": 111222333, "amount": 1000, "reference": "FT-k2", "code": "00", "desc": "ok",
	})
	require.NoError(t, err)

	assert.NoError(t, h(context.Background(), relayed(t, forged)))
	assert.NoError(t, h(context.Background(), kafka.Message{Value: []byte("not json")}))

	all := s.Orders()
	require.Len(t, all, 1)
	assert.Equal(t, orders.StatusPendingPayment, all[0].Status)
	assert.Empty(t, s.Transactions())
}

// flakyStore fails the first n transactions before delegating.
type flakyStore struct {
	store.Store
	n, calls int
}

func (f *flakyStore) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	f.calls++
	if f.calls <= f.n {
		return errors.New("connection reset by peer")
	}
	return f.Store.InTx(ctx, fn)
}

func TestHandlerRetriesTransientFailuresUntilApplied(t *testing.T) {
	s := seeded(t)
	flaky := &flakyStore{Store: s, n: 5}
	rec, err := settlement.NewReconciler(settlement.ReconcilerDeps{Store: flaky, Verifier: gateway.NewSigner(key)})
	require.NoError(t, err)
	h := handler(rec, nil, noWait)

	body, err := gateway.NewSigner(key).SignedWebhook(map[string]any{
		"orderCode": 111222333, "amount": 1000, "reference": "FT-k3", "code": "00", "desc": "ok",
	})
	require.NoError(t, err)

	require.NoError(t, h(context.Background(), relayed(t, body)))
	assert.Equal(t, 6, flaky.calls)
	assert.Equal(t, orders.StatusPaid, s.Orders()[0].Status)
}

func TestHandlerStopsRetryingOnShutdown(t *testing.T) {
	s := seeded(t)
	rec, err := settlement.NewReconciler(settlement.ReconcilerDeps{
		Store: &flakyStore{Store: s, n: 1 << 30}, Verifier: gateway.NewSigner(key),
	})
	require.NoError(t, err)
	h := handler(rec, nil, noWait)

	body, err := gateway.NewSigner(key).SignedWebhook(map[string]any{
		"orderCode": 111222333, "amount": 1000, "reference": "FT-k4", "code": "00", "desc": "ok",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h(ctx, relayed(t, body)), context.DeadlineExceeded)
	assert.Equal(t, orders.StatusPendingPayment, s.Orders()[0].Status)
}

func TestBackoffIsCapped(t *testing.T) {
	assert.Equal(t, retryBase, backoff(1))
	assert.Equal(t, 2*retryBase, backoff(2))
	assert.Equal(t, retryMax, backoff(50))
}
