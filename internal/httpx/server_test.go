package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-checkout-settlement/internal/cart"
	"github.com/ariefcatur/go-checkout-settlement/internal/catalog"
	"github.com/ariefcatur/go-checkout-settlement/internal/checkout"
	"github.com/ariefcatur/go-checkout-settlement/internal/gateway"
	"github.com/ariefcatur/go-checkout-settlement/internal/inventory"
	"github.com/ariefcatur/go-checkout-settlement/internal/observability"
	"github.com/ariefcatur/go-checkout-settlement/internal/orders"
	"github.com/ariefcatur/go-checkout-settlement/internal/payments"
	"github.com/ariefcatur/go-checkout-settlement/internal/redisx"
	"github.com/ariefcatur/go-checkout-settlement/internal/settlement"
	"github.com/ariefcatur/go-checkout-settlement/internal/store"
	"github.com/ariefcatur/go-checkout-settlement/internal/store/memstore"
	"github.com/ariefcatur/go-checkout-settlement/internal/sweeper"
)

const checksumKey = "http-test-key"

var fixedNow = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

type gatewayFunc func(ctx context.Context, req gateway.PaymentLinkRequest) (gateway.PaymentLink, error)

func (f gatewayFunc) CreatePaymentLink(ctx context.Context, req gateway.PaymentLinkRequest) (gateway.PaymentLink, error) {
	return f(ctx, req)
}

func okGateway() gatewayFunc {
	return func(_ context.Context, req gateway.PaymentLinkRequest) (gateway.PaymentLink, error) {
		id := fmt.Sprintf("pl-%d", req.OrderCode)
		return gateway.PaymentLink{PaymentLinkID: id, CheckoutURL: "https://pay/" + id}, nil
	}
}

type env struct {
	store   *memstore.Store
	rdb     *redis.Client
	handler http.Handler
	reg     *prometheus.Registry
}

func newEnv(t *testing.T, gw checkout.Gateway, stockA, stockB int) *env {
	t.Helper()
	s := memstore.New()
	s.PutVariant(catalog.Variant{ID: "A", ProductID: "P1", SKU: "A-1", Name: "Shirt", Price: 25000, Stock: stockA})
	s.PutVariant(catalog.Variant{ID: "B", ProductID: "P2", SKU: "B-1", Name: "Hat", Price: 20000, Stock: stockB})
	s.PutCart(cart.Cart{ID: "c1", UserID: "u1", Items: []cart.Item{
		{ID: "i1", CartID: "c1", VariantID: "A", Quantity: 2},
		{ID: "i2", CartID: "c1", VariantID: "B", Quantity: 1},
	}})

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	cache := redisx.NewStatusCache(rdb)

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)

	svc, err := checkout.NewService(checkout.ServiceDeps{
		Store:   s,
		Gateway: gw,
		Metrics: metrics,
		Clock:   func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	rec, err := settlement.NewReconciler(settlement.ReconcilerDeps{
		Store:    s,
		Verifier: gateway.NewSigner(checksumKey),
		Redis:    redisx.NewDedup(rdb, settlement.DedupScope),
		Cache:    cache,
		Metrics:  metrics,
		Clock:    func() time.Time { return fixedNow.Add(time.Minute) },
	})
	require.NoError(t, err)
	sw, err := sweeper.New(sweeper.SweeperDeps{
		Store:   s,
		Cache:   cache,
		Metrics: metrics,
		Clock:   func() time.Time { return fixedNow.Add(time.Hour) },
	})
	require.NoError(t, err)

	return &env{
		store: s,
		rdb:   rdb,
		reg:   reg,
		handler: NewRouter(RouterDeps{
			Checkout:    svc,
			Settlement:  rec,
			Sweeper:     sw,
			Store:       s,
			Cache:       cache,
			Idempotency: redisx.NewIdempotency(rdb),
			Metrics:     metrics,
			Gatherer:    reg,
		}),
	}
}

func (e *env) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

const checkoutBody = `{"receiverName":"Ana","receiverPhone":"0900","shippingAddress":"1 Main St","note":"ring twice"}`

func (e *env) checkout(t *testing.T, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	if headers == nil {
		headers = map[string]string{}
	}
	if _, ok := headers[HeaderUserID]; !ok {
		headers[HeaderUserID] = "u1"
	}
	return e.do(t, http.MethodPost, "/checkout", checkoutBody, headers)
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func webhookBody(t *testing.T, code int64, status, reference string) string {
	t.Helper()
	data := map[string]any{
		"orderCode": code, "amount": 70000, "reference": reference,
		"paymentLinkId": fmt.Sprintf("pl-%d", code), "code": status, "desc": "desc",
	}
	body, err := gateway.NewSigner(checksumKey).SignedWebhook(data)
	require.NoError(t, err)
	return string(body)
}

func TestHealthz(t *testing.T) {
	e := newEnv(t, okGateway(), 5, 1)
	w := e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestCheckoutCreatesOrder(t *testing.T) {
	e := newEnv(t, okGateway(), 5, 1)

	w := e.checkout(t, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp := decode[CheckoutResp](t, w)
	assert.NotEmpty(t, resp.OrderID)
	assert.Equal(t, string(orders.StatusPendingPayment), resp.OrderStatus)
	assert.Equal(t, string(payments.StatusPending), resp.PaymentStatus)
	assert.Equal(t, int64(70000), resp.Amount)
	assert.Equal(t, fmt.Sprintf("https://pay/pl-%d", resp.OrderCode), resp.CheckoutURL)

	v, _ := e.store.Variant("A")
	assert.Equal(t, 3, v.Stock)

	w = e.do(t, http.MethodGet, fmt.Sprintf("/orders/%d", resp.OrderCode), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[StatusResp](t, w)
	assert.Equal(t, string(orders.StatusPendingPayment), st.OrderStatus)
	assert.Equal(t, string(payments.StatusPending), st.PaymentStatus)
}

func TestCheckoutRequiresUser(t *testing.T) {
	e := newEnv(t, okGateway(), 5, 1)
	w := e.checkout(t, map[string]string{HeaderUserID: ""})

	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decode[errorBody](t, w)
	assert.Equal(t, CodeInvalidRequest, body.Error)
	assert.NotEmpty(t, body.RequestID)
}

func TestCheckoutRejectsBadJSON(t *testing.T) {
	e := newEnv(t, okGateway(), 5, 1)
	w := e.do(t, http.MethodPost, "/checkout", `{"receiverName":`, map[string]string{HeaderUserID: "u1"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, CodeInvalidRequest, decode[errorBody](t, w).Error)
}

func TestCheckoutInsufficientStock(t *testing.T) {
	e := newEnv(t, okGateway(), 5, 0)
	w := e.checkout(t, nil)

	require.Equal(t, http.StatusConflict, w.Code)
	body := decode[errorBody](t, w)
	assert.Equal(t, CodeInsufficientStock, body.Error)
	assert.Equal(t, "B", body.Details["variantId"])
	assert.False(t, body.Retryable)

	v, _ := e.store.Variant("A")
	assert.Equal(t, 5, v.Stock)
	assert.Empty(t, e.store.Orders())
}

func TestCheckoutEmptyCart(t *testing.T) {
	e := newEnv(t, okGateway(), 5, 1)
	w := e.checkout(t, map[string]string{HeaderUserID: "nobody"})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, CodeCartEmpty, decode[errorBody](t, w).Error)
}

func TestCheckoutGatewayUnavailableIsRetryable(t *testing.T) {
	down := gatewayFunc(func(context.Context, gateway.PaymentLinkRequest) (gateway.PaymentLink, error) {
		return gateway.PaymentLink{}, errors.New("connection refused")
	})
	e := newEnv(t, down, 5, 1)
	w := e.checkout(t, nil)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decode[errorBody](t, w)
	assert.Equal(t, CodeGatewayUnavailable, body.Error)
	assert.True(t, body.Retryable)

	v, _ := e.store.Variant("A")
	assert.Equal(t, 5, v.Stock)
	c, ok := e.store.Cart("u1")
	require.True(t, ok)
	assert.Len(t, c.Items, 2)
}

func TestCheckoutIdempotencyReplay(t *testing.T) {
	e := newEnv(t, okGateway(), 5, 1)
	headers := func() map[string]string { return map[string]string{HeaderIdempotencyKey: "k-1"} }

	first := e.checkout(t, headers())
	require.Equal(t, http.StatusCreated, first.Code)
	second := e.checkout(t, headers())
	require.Equal(t, http.StatusCreated, second.Code)

	assert.Equal(t, "true", second.Header().Get(HeaderReplayed))
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Len(t, e.store.Orders(), 1)

	// without the key the emptied cart is rejected
	third := e.checkout(t, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, third.Code)
}

func TestWebhookAcknowledgesAppliedAndDuplicate(t *testing.T) {
	e := newEnv(t, okGateway(), 5, 1)
	resp := decode[CheckoutResp](t, e.checkout(t, nil))

	body := webhookBody(t, resp.OrderCode, "00", "FT-1")
	w := e.do(t, http.MethodPost, "/payments/webhook", body, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	ack := decode[WebhookAck](t, w)
	assert.True(t, ack.Success)
	assert.Equal(t, "00", ack.Code)
	assert.Equal(t, "success", ack.Desc)

	w = e.do(t, http.MethodPost, "/payments/webhook", body, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "duplicate", decode[WebhookAck](t, w).Desc)

	all := e.store.Orders()
	require.Len(t, all, 1)
	assert.Equal(t, orders.StatusPaid, all[0].Status)
	assert.Len(t, e.store.Transactions(), 1)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	e := newEnv(t, okGateway(), 5, 1)
	resp := decode[CheckoutResp](t, e.checkout(t, nil))

	body := webhookBody(t, resp.OrderCode, "00", "FT-1")
	tampered := strings.Replace(body, `"amount":70000`, `"amount":1`, 1)
	require.NotEqual(t, body, tampered)

	w := e.do(t, http.MethodPost, "/payments/webhook", tampered, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, CodeInvalidSignature, decode[errorBody](t, w).Error)

	all := e.store.Orders()
	require.Len(t, all, 1)
	assert.Equal(t, orders.StatusPendingPayment, all[0].Status)
	assert.Empty(t, e.store.Transactions())
}

func TestWebhookUnknownOrder(t *testing.T) {
	e := newEnv(t, okGateway(), 5, 1)
	w := e.do(t, http.MethodPost, "/payments/webhook", webhookBody(t, 999999999, "00", "FT-x"), nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, CodePaymentNotFound, decode[errorBody](t, w).Error)
}

func TestStatusCacheHoldsOnlySettledOrders(t *testing.T) {
	e := newEnv(t, okGateway(), 5, 1)
	resp := decode[CheckoutResp](t, e.checkout(t, nil))
	path := fmt.Sprintf("/orders/%d", resp.OrderCode)
	key := fmt.Sprintf(redisx.KeyOrderStatus, resp.OrderCode)

	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, path, "", nil).Code)
	n, err := e.rdb.Exists(context.Background(), key).Result()
	require.NoError(t, err)
	assert.Zero(t, n, "pending status must not be cached")

	w := e.do(t, http.MethodPost, "/payments/webhook", webhookBody(t, resp.OrderCode, "00", "FT-2"), nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, http.MethodGet, path, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[StatusResp](t, w)
	assert.Equal(t, string(orders.StatusPaid), st.OrderStatus)
	assert.Equal(t, string(payments.StatusPaid), st.PaymentStatus)

	n, err = e.rdb.Exists(context.Background(), key).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

// pausedView holds every View open after it has read, until release is closed.
type pausedView struct {
	store.Store
	loaded  chan struct{}
	release chan struct{}
}

func (p *pausedView) View(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	err := p.Store.View(ctx, fn)
	close(p.loaded)
	<-p.release
	return err
}

func TestLookupRacingSettlementDoesNotCacheStaleStatus(t *testing.T) {
	e := newEnv(t, okGateway(), 5, 1)
	resp := decode[CheckoutResp](t, e.checkout(t, nil))
	path := fmt.Sprintf("/orders/%d", resp.OrderCode)

	slow := &pausedView{Store: e.store, loaded: make(chan struct{}), release: make(chan struct{})}
	lookups := NewRouter(RouterDeps{Store: slow, Cache: redisx.NewStatusCache(e.rdb)})

	done := make(chan *httptest.ResponseRecorder)
	go func() {
		w := httptest.NewRecorder()
		lookups.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		done <- w
	}()

	<-slow.loaded
	w := e.do(t, http.MethodPost, "/payments/webhook", webhookBody(t, resp.OrderCode, "00", "FT-race"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	close(slow.release)

	stale := <-done
	require.Equal(t, http.StatusOK, stale.Code)
	assert.Equal(t, string(orders.StatusPendingPayment), decode[StatusResp](t, stale).OrderStatus)

	w = e.do(t, http.MethodGet, path, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[StatusResp](t, w)
	assert.Equal(t, string(orders.StatusPaid), st.OrderStatus)
	assert.Equal(t, string(payments.StatusPaid), st.PaymentStatus)
}

func TestReturnAndCancelLookups(t *testing.T) {
	e := newEnv(t, okGateway(), 5, 1)
	resp := decode[CheckoutResp](t, e.checkout(t, nil))

	for _, p := range []string{"/payments/return", "/payments/cancel"} {
		w := e.do(t, http.MethodGet, fmt.Sprintf("%s?orderCode=%d", p, resp.OrderCode), "", nil)
		require.Equal(t, http.StatusOK, w.Code, p)
		assert.Equal(t, string(orders.StatusPendingPayment), decode[StatusResp](t, w).OrderStatus, p)
	}

	w := e.do(t, http.MethodGet, "/payments/return?orderCode=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodGet, "/orders/424242", "", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, CodeOrderNotFound, decode[errorBody](t, w).Error)

	all := e.store.Orders()
	require.Len(t, all, 1)
	assert.Equal(t, orders.StatusPendingPayment, all[0].Status)
}

func TestManualSweepExpiresPending(t *testing.T) {
	e := newEnv(t, okGateway(), 5, 1)
	require.Equal(t, http.StatusCreated, e.checkout(t, nil).Code)

	w := e.do(t, http.MethodPost, "/internal/sweeps", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	rep := decode[sweeper.Report](t, w)
	assert.Equal(t, 1, rep.Scanned)
	assert.Equal(t, 1, rep.Expired)

	all := e.store.Orders()
	require.Len(t, all, 1)
	assert.Equal(t, orders.StatusFailed, all[0].Status)
	v, _ := e.store.Variant("A")
	assert.Equal(t, 5, v.Stock)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t, okGateway(), 5, 1)
	e.do(t, http.MethodGet, "/healthz", "", nil)

	w := e.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `checkout_http_requests_total{route="/healthz",status="200"} 1`)
}

func TestFromError(t *testing.T) {
	cases := []struct {
		err       error
		code      string
		status    int
		retryable bool
	}{
		{cart.ErrCartEmpty, CodeCartEmpty, http.StatusUnprocessableEntity, false},
		{fmt.Errorf("remove cart items: %w", cart.ErrCartChanged), CodeCartChanged, http.StatusConflict, false},
		{&inventory.InsufficientStockError{VariantID: "A"}, CodeInsufficientStock, http.StatusConflict, false},
		{fmt.Errorf("wrap: %w", orders.ErrCodeAllocationExhausted), CodeCodeAllocationExhausted, http.StatusServiceUnavailable, true},
		{orders.ErrInvalidStateTransition, CodeInvalidStateTransition, http.StatusConflict, false},
		{payments.ErrInvalidStateTransition, CodeInvalidStateTransition, http.StatusConflict, false},
		{gateway.ErrInvalidSignature, CodeInvalidSignature, http.StatusUnauthorized, false},
		{payments.ErrPaymentNotFound, CodePaymentNotFound, http.StatusNotFound, false},
		{orders.ErrOrderNotFound, CodeOrderNotFound, http.StatusNotFound, false},
		{gateway.ErrGatewayUnavailable, CodeGatewayUnavailable, http.StatusServiceUnavailable, true},
		{gateway.ErrMalformedWebhook, CodeInvalidRequest, http.StatusBadRequest, false},
		{errors.New("disk on fire"), CodeInternal, http.StatusInternalServerError, false},
	}
	for _, c := range cases {
		got := FromError(c.err)
		assert.Equal(t, c.code, got.Code, c.err.Error())
		assert.Equal(t, c.status, got.Status, c.err.Error())
		assert.Equal(t, c.retryable, got.Retryable, c.err.Error())
	}
	assert.Equal(t, "internal error", FromError(errors.New("secret detail")).Message)
}
