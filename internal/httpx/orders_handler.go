package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-checkout-settlement/internal/orders"
	"github.com/ariefcatur/go-checkout-settlement/internal/payments"
	"github.com/ariefcatur/go-checkout-settlement/internal/redisx"
	"github.com/ariefcatur/go-checkout-settlement/internal/store"
)

// StatusResp is the read model behind every status lookup. It is also the
// exact shape stored in the status cache.
type StatusResp struct {
	OrderID       string    `json:"orderId"`
	OrderCode     int64     `json:"orderCode"`
	OrderStatus   string    `json:"orderStatus"`
	PaymentStatus string    `json:"paymentStatus,omitempty"`
	Amount        int64     `json:"amount"`
	CheckoutURL   string    `json:"checkoutUrl,omitempty"`
	ExpiresAt     time.Time `json:"expiresAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// settled reports whether the lookup can no longer change. Only settled
// responses are cached: a pending body written back after a concurrent
// settlement invalidated the key would be served stale until its TTL.
func (s StatusResp) settled() bool {
	if !orders.Status(s.OrderStatus).Terminal() {
		return false
	}
	return s.PaymentStatus == "" || payments.Status(s.PaymentStatus).Terminal()
}

type OrdersHandler struct {
	Store  store.Store
	Cache  *redisx.StatusCache
	Logger *zap.Logger
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Get("/orders/{orderCode}", h.getOrder)
	// The gateway redirects the buyer here; both are read-only lookups.
	r.Get("/payments/return", h.redirectStatus)
	r.Get("/payments/cancel", h.redirectStatus)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	h.lookup(w, r, chi.URLParam(r, "orderCode"))
}

func (h *OrdersHandler) redirectStatus(w http.ResponseWriter, r *http.Request) {
	h.lookup(w, r, r.URL.Query().Get("orderCode"))
}

func (h *OrdersHandler) lookup(w http.ResponseWriter, r *http.Request, raw string) {
	code, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || code <= 0 {
		WriteError(r.Context(), w, invalidRequest("orderCode must be a positive integer"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if b, ok := h.Cache.Get(ctx, code); ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(b)
		return
	}

	resp, err := h.load(ctx, code)
	if err != nil {
		if !errors.Is(err, orders.ErrOrderNotFound) {
			h.Logger.Error("status lookup failed", zap.Int64("order_code", code), zap.Error(err))
		}
		WriteError(r.Context(), w, FromError(err))
		return
	}
	b, _ := json.Marshal(resp)
	if resp.settled() {
		h.Cache.Set(ctx, code, b)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

func (h *OrdersHandler) load(ctx context.Context, code int64) (StatusResp, error) {
	var resp StatusResp
	err := h.Store.View(ctx, func(ctx context.Context, tx store.Tx) error {
		o, err := tx.Orders().GetByCode(ctx, code)
		if err != nil {
			return err
		}
		resp = StatusResp{
			OrderID:     o.ID,
			OrderCode:   o.Code,
			OrderStatus: string(o.Status),
			Amount:      o.TotalAmount,
			UpdatedAt:   o.UpdatedAt,
		}
		p, err := tx.Payments().GetByOrderCode(ctx, code)
		switch {
		case errors.Is(err, payments.ErrPaymentNotFound):
			return nil
		case err != nil:
			return err
		}
		resp.PaymentStatus = string(p.Status)
		resp.CheckoutURL = p.CheckoutURL
		resp.ExpiresAt = p.ExpiredAt
		return nil
	})
	return resp, err
}
