package httpx

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-checkout-settlement/internal/gateway"
)

// WebhookAck is the body the gateway expects on a handled notification.
type WebhookAck struct {
	Code    string `json:"code"`
	Desc    string `json:"desc"`
	Success bool   `json:"success"`
}

type PaymentsHandler struct {
	Settlement WebhookHandler
	Logger     *zap.Logger
}

func (h *PaymentsHandler) Register(r chi.Router) {
	r.Post("/payments/webhook", h.webhook)
}

// webhook acknowledges applied and duplicate notifications alike. Only a
// verification failure or a processing error is answered with a non-2xx
// status, which makes the gateway retry.
func (h *PaymentsHandler) webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		WriteError(r.Context(), w, invalidRequest("unreadable body"))
		return
	}

	res, err := h.Settlement.HandleWebhook(r.Context(), body)
	if err != nil {
		if !errors.Is(err, gateway.ErrInvalidSignature) && !errors.Is(err, gateway.ErrMalformedWebhook) {
			h.Logger.Error("webhook processing failed", zap.Error(err))
		}
		WriteError(r.Context(), w, FromError(err))
		return
	}

	desc := "success"
	if res.Duplicate {
		desc = "duplicate"
	}
	writeJSON(w, http.StatusOK, WebhookAck{Code: "00", Desc: desc, Success: true})
}
