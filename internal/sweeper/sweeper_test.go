package sweeper

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-checkout-settlement/internal/catalog"
	"github.com/ariefcatur/go-checkout-settlement/internal/events"
	"github.com/ariefcatur/go-checkout-settlement/internal/events/eventstest"
	"github.com/ariefcatur/go-checkout-settlement/internal/gateway"
	"github.com/ariefcatur/go-checkout-settlement/internal/inventory"
	"github.com/ariefcatur/go-checkout-settlement/internal/orders"
	"github.com/ariefcatur/go-checkout-settlement/internal/payments"
	"github.com/ariefcatur/go-checkout-settlement/internal/settlement"
	"github.com/ariefcatur/go-checkout-settlement/internal/store"
	"github.com/ariefcatur/go-checkout-settlement/internal/store/memstore"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func checkedOut(t *testing.T, s *memstore.Store, code int64, items map[string]int, expiredAt time.Time) payments.Payment {
	t.Helper()
	var p payments.Payment
	err := s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var inputs []orders.ItemInput
		for id, qty := range items {
			v, err := inventory.Reserve(ctx, tx.Variants(), id, qty)
			if err != nil {
				return err
			}
			inputs = append(inputs, orders.ItemInput{VariantID: id, SKU: v.SKU, UnitPrice: v.Price, Quantity: qty})
		}
		o, err := orders.New("u1", code, orders.Shipping{}, inputs, expiredAt.Add(-15*time.Minute))
		if err != nil {
			return err
		}
		if err := tx.Orders().Create(ctx, o); err != nil {
			return err
		}
		p = payments.Payment{
			ID: uuid.NewString(), OrderID: o.ID, OrderCode: code, Status: payments.StatusPending,
			Amount: o.TotalAmount, ExpiredAt: expiredAt, CreatedAt: o.CreatedAt, UpdatedAt: o.CreatedAt,
		}
		return tx.Payments().Create(ctx, &p)
	})
	require.NoError(t, err)
	return p
}

func seeded(stockA, stockB int) *memstore.Store {
	s := memstore.New()
	s.PutVariant(catalog.Variant{ID: "A", SKU: "A-1", Price: 25000, Stock: stockA})
	s.PutVariant(catalog.Variant{ID: "B", SKU: "B-1", Price: 20000, Stock: stockB})
	return s
}

func newSweeper(t *testing.T, s store.Store, deps SweeperDeps) *Sweeper {
	t.Helper()
	deps.Store = s
	deps.Clock = func() time.Time { return now }
	sw, err := New(deps)
	require.NoError(t, err)
	return sw
}

func stock(s *memstore.Store, id string) int {
	v, _ := s.Variant(id)
	return v.Stock
}

func orderStatus(t *testing.T, s *memstore.Store, code int64) orders.Status {
	t.Helper()
	for _, o := range s.Orders() {
		if o.Code == code {
			return o.Status
		}
	}
	t.Fatalf("order %d not found", code)
	return ""
}

func paymentStatus(t *testing.T, s *memstore.Store, id string) payments.Status {
	t.Helper()
	for _, p := range s.Payments() {
		if p.ID == id {
			return p.Status
		}
	}
	t.Fatalf("payment %s not found", id)
	return ""
}

func TestSweepExpiresAndRestores(t *testing.T) {
	s := seeded(5, 1)
	p := checkedOut(t, s, 111111111, map[string]int{"A": 2, "B": 1}, now.Add(-time.Minute))
	require.Equal(t, 3, stock(s, "A"))
	require.Equal(t, 0, stock(s, "B"))
	rec := &eventstest.Recorder{}

	rep, err := newSweeper(t, s, SweeperDeps{Events: rec}).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Scanned)
	assert.Equal(t, 1, rep.Expired)

	assert.Equal(t, orders.StatusFailed, orderStatus(t, s, 111111111))
	assert.Equal(t, payments.StatusFailed, paymentStatus(t, s, p.ID))
	assert.Equal(t, 5, stock(s, "A"))
	assert.Equal(t, 1, stock(s, "B"))

	finalized := rec.OfType(events.EventOrderFinalized)
	require.Len(t, finalized, 1)
	payload, err := decodeFinalized(finalized[0].Envelope)
	require.NoError(t, err)
	assert.Equal(t, settlement.ReasonExpired, payload.Reason)
	assert.True(t, payload.InventoryRestore)

	rep, err = newSweeper(t, s, SweeperDeps{}).Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Scanned)
	assert.Equal(t, 5, stock(s, "A"))
}

func TestSweepIgnoresUnexpired(t *testing.T) {
	s := seeded(5, 1)
	p := checkedOut(t, s, 222222222, map[string]int{"A": 1}, now.Add(time.Minute))

	rep, err := newSweeper(t, s, SweeperDeps{}).Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Scanned)
	assert.Equal(t, payments.StatusPending, paymentStatus(t, s, p.ID))
	assert.Equal(t, 4, stock(s, "A"))
}

func TestSweepAlignsPaymentOfPaidOrder(t *testing.T) {
	s := seeded(5, 1)
	p := checkedOut(t, s, 333333333, map[string]int{"A": 2}, now.Add(-time.Minute))
	err := s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := tx.Orders().UpdateStatus(ctx, p.OrderID, orders.StatusPendingPayment, orders.StatusPaid, now)
		return err
	})
	require.NoError(t, err)

	rep, err := newSweeper(t, s, SweeperDeps{}).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Aligned)
	assert.Zero(t, rep.Expired)

	assert.Equal(t, orders.StatusPaid, orderStatus(t, s, 333333333))
	assert.Equal(t, payments.StatusPaid, paymentStatus(t, s, p.ID))
	assert.Equal(t, 3, stock(s, "A"))
}

func TestSweepBatchIsBoundedAndOrdered(t *testing.T) {
	s := seeded(10, 10)
	oldest := checkedOut(t, s, 100000001, map[string]int{"A": 1}, now.Add(-3*time.Hour))
	middle := checkedOut(t, s, 100000002, map[string]int{"A": 1}, now.Add(-2*time.Hour))
	newest := checkedOut(t, s, 100000003, map[string]int{"A": 1}, now.Add(-1*time.Hour))

	rep, err := newSweeper(t, s, SweeperDeps{BatchSize: 2}).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Expired)
	assert.Equal(t, payments.StatusFailed, paymentStatus(t, s, oldest.ID))
	assert.Equal(t, payments.StatusFailed, paymentStatus(t, s, middle.ID))
	assert.Equal(t, payments.StatusPending, paymentStatus(t, s, newest.ID))
}

// flakyStore fails every lock on one payment id.
type flakyStore struct {
	*memstore.Store
	failID string
}

type flakyTx struct {
	store.Tx
	failID string
}

type flakyPayments struct {
	store.PaymentRepository
	failID string
}

var errLockTimeout = errors.New("lock timeout")

func (f flakyStore) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return f.Store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return fn(ctx, flakyTx{Tx: tx, failID: f.failID})
	})
}

func (t flakyTx) Payments() store.PaymentRepository {
	return flakyPayments{PaymentRepository: t.Tx.Payments(), failID: t.failID}
}

func (p flakyPayments) GetForUpdate(ctx context.Context, id string) (payments.Payment, error) {
	if id == p.failID {
		return payments.Payment{}, errLockTimeout
	}
	return p.PaymentRepository.GetForUpdate(ctx, id)
}

func TestSweepIsolatesItemFailures(t *testing.T) {
	s := seeded(10, 10)
	bad := checkedOut(t, s, 100000011, map[string]int{"A": 1}, now.Add(-2*time.Hour))
	good := checkedOut(t, s, 100000012, map[string]int{"B": 2}, now.Add(-1*time.Hour))

	rep, err := newSweeper(t, flakyStore{Store: s, failID: bad.ID}, SweeperDeps{}).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Scanned)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, rep.Expired)
	require.Len(t, rep.Errors, 1)
	assert.Contains(t, rep.Errors[0], bad.ID)

	assert.Equal(t, payments.StatusPending, paymentStatus(t, s, bad.ID))
	assert.Equal(t, payments.StatusFailed, paymentStatus(t, s, good.ID))
	assert.Equal(t, 9, stock(s, "A"))
	assert.Equal(t, 10, stock(s, "B"))

	rep, err = newSweeper(t, s, SweeperDeps{}).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Expired)
	assert.Equal(t, 10, stock(s, "A"))
}

func TestWebhookSuccessAfterSweepIsNoop(t *testing.T) {
	s := seeded(5, 1)
	checkedOut(t, s, 444444444, map[string]int{"A": 2, "B": 1}, now.Add(-time.Minute))

	_, err := newSweeper(t, s, SweeperDeps{}).Sweep(context.Background())
	require.NoError(t, err)

	r := newReconciler(t, s)
	res, err := r.HandleWebhook(context.Background(), signed(t, 444444444, "00", "FT-late"))
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, orders.StatusFailed, orderStatus(t, s, 444444444))
	assert.Equal(t, 5, stock(s, "A"))
	assert.Equal(t, 1, stock(s, "B"))
}

func TestSweepRacingWebhookRestoresAtMostOnce(t *testing.T) {
	for _, code := range []string{"00", "01"} {
		t.Run("gateway code "+code, func(t *testing.T) {
			for i := 0; i < 20; i++ {
				s := seeded(5, 1)
				orderCode := int64(500000000 + i)
				checkedOut(t, s, orderCode, map[string]int{"A": 2, "B": 1}, now.Add(-time.Minute))
				sw := newSweeper(t, s, SweeperDeps{})
				r := newReconciler(t, s)
				body := signed(t, orderCode, code, "FT-race")

				var wg sync.WaitGroup
				wg.Add(2)
				go func() {
					defer wg.Done()
					_, err := sw.Sweep(context.Background())
					assert.NoError(t, err)
				}()
				go func() {
					defer wg.Done()
					_, err := r.HandleWebhook(context.Background(), body)
					assert.NoError(t, err)
				}()
				wg.Wait()

				switch orderStatus(t, s, orderCode) {
				case orders.StatusPaid:
					assert.Equal(t, 3, stock(s, "A"))
					assert.Equal(t, 0, stock(s, "B"))
				case orders.StatusFailed:
					assert.Equal(t, 5, stock(s, "A"))
					assert.Equal(t, 1, stock(s, "B"))
				default:
					t.Fatalf("order not finalized")
				}
			}
		})
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s := seeded(5, 1)
	checkedOut(t, s, 666666666, map[string]int{"A": 1}, now.Add(-time.Minute))
	sw := newSweeper(t, s, SweeperDeps{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sw.Run(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool {
		return stock(s, "A") == 5
	}, time.Second, 10*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)

	assert.Error(t, sw.Run(context.Background(), 0))
}

const checksumKey = "sweep-test"

func newReconciler(t *testing.T, s store.Store) *settlement.Reconciler {
	t.Helper()
	r, err := settlement.NewReconciler(settlement.ReconcilerDeps{
		Store:    s,
		Verifier: gateway.NewSigner(checksumKey),
		Clock:    func() time.Time { return now },
	})
	require.NoError(t, err)
	return r
}

func signed(t *testing.T, code int64, gatewayCode, reference string) []byte {
	t.Helper()
	body, err := gateway.NewSigner(checksumKey).SignedWebhook(map[string]any{
		"orderCode": code, "reference": reference, "code": gatewayCode, "amount": 70000,
	})
	require.NoError(t, err)
	return body
}

func decodeFinalized(env events.Envelope) (events.OrderFinalizedPayload, error) {
	var p events.OrderFinalizedPayload
	err := json.Unmarshal(env.Payload, &p)
	return p, err
}
