package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-checkout-settlement/internal/checkout"
	"github.com/ariefcatur/go-checkout-settlement/internal/orders"
	"github.com/ariefcatur/go-checkout-settlement/internal/redisx"
)

const (
	HeaderUserID         = "X-User-ID"
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"
)

type CheckoutReq struct {
	ItemIDs         []string `json:"itemIds"`
	ReceiverName    string   `json:"receiverName"`
	ReceiverPhone   string   `json:"receiverPhone"`
	ShippingAddress string   `json:"shippingAddress"`
	Note            string   `json:"note"`
}

type CheckoutResp struct {
	OrderID       string    `json:"orderId"`
	OrderCode     int64     `json:"orderCode"`
	OrderStatus   string    `json:"orderStatus"`
	PaymentID     string    `json:"paymentId"`
	PaymentStatus string    `json:"paymentStatus"`
	PaymentLinkID string    `json:"paymentLinkId"`
	CheckoutURL   string    `json:"checkoutUrl"`
	Amount        int64     `json:"amount"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

type CheckoutHandler struct {
	Service     CheckoutService
	Idempotency *redisx.Idempotency
	Logger      *zap.Logger
}

func (h *CheckoutHandler) Register(r chi.Router) {
	r.Post("/checkout", h.checkout)
}

func (h *CheckoutHandler) checkout(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if userID == "" {
		WriteError(r.Context(), w, invalidRequest("missing "+HeaderUserID+" header"))
		return
	}

	var req CheckoutReq
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		WriteError(r.Context(), w, invalidRequest("invalid json"))
		return
	}
	if strings.TrimSpace(req.ReceiverName) == "" || strings.TrimSpace(req.ReceiverPhone) == "" || strings.TrimSpace(req.ShippingAddress) == "" {
		WriteError(r.Context(), w, invalidRequest("receiverName, receiverPhone and shippingAddress are required"))
		return
	}

	idemKey := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
	if cached, ok := h.Idempotency.Get(r.Context(), userID, idemKey); ok {
		w.Header().Set(HeaderReplayed, "true")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(cached)
		return
	}

	res, err := h.Service.Checkout(r.Context(), checkout.Command{
		UserID:  userID,
		ItemIDs: req.ItemIDs,
		Shipping: orders.Shipping{
			ReceiverName:  strings.TrimSpace(req.ReceiverName),
			ReceiverPhone: strings.TrimSpace(req.ReceiverPhone),
			Address:       strings.TrimSpace(req.ShippingAddress),
			Note:          strings.TrimSpace(req.Note),
		},
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			h.Logger.Warn("checkout failed", zap.String("user_id", userID), zap.Error(err))
		}
		WriteError(r.Context(), w, FromError(err))
		return
	}

	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(CheckoutResp{
		OrderID:       res.OrderID,
		OrderCode:     res.OrderCode,
		OrderStatus:   string(res.OrderStatus),
		PaymentID:     res.PaymentID,
		PaymentStatus: string(res.PaymentStatus),
		PaymentLinkID: res.PaymentLinkID,
		CheckoutURL:   res.CheckoutURL,
		Amount:        res.Amount,
		ExpiresAt:     res.ExpiresAt,
	})
	h.Idempotency.Save(r.Context(), userID, idemKey, buf.Bytes())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(buf.Bytes())
}
