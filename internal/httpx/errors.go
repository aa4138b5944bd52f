package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/ariefcatur/go-checkout-settlement/internal/cart"
	"github.com/ariefcatur/go-checkout-settlement/internal/gateway"
	"github.com/ariefcatur/go-checkout-settlement/internal/inventory"
	"github.com/ariefcatur/go-checkout-settlement/internal/orders"
	"github.com/ariefcatur/go-checkout-settlement/internal/payments"
)

const (
	CodeCartEmpty               = "CartEmpty"
	CodeCartChanged             = "CartChanged"
	CodeInsufficientStock       = "InsufficientStock"
	CodeCodeAllocationExhausted = "CodeAllocationExhausted"
	CodeInvalidStateTransition  = "InvalidStateTransition"
	CodeInvalidSignature        = "InvalidSignature"
	CodePaymentNotFound         = "PaymentNotFound"
	CodeOrderNotFound           = "OrderNotFound"
	CodeGatewayUnavailable      = "GatewayUnavailable"
	CodeInvalidRequest          = "InvalidRequest"
	CodeInternal                = "Internal"
)

// Error is the JSON error envelope every endpoint returns.
type Error struct {
	Code      string
	Message   string
	Status    int
	Retryable bool
	Details   map[string]any
}

func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{Code: code, Message: sanitize(message, 512), Status: status}
}

func (e Error) WithDetails(details map[string]any) Error {
	if len(details) == 0 {
		return e
	}
	e.Details = make(map[string]any, len(details))
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

func (e Error) AsRetryable() Error {
	e.Retryable = true
	return e
}

type errorBody struct {
	Error     string         `json:"error"`
	Message   string         `json:"message"`
	RequestID string         `json:"requestId,omitempty"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

func WriteError(ctx context.Context, w http.ResponseWriter, e Error) {
	writeJSON(w, e.Status, errorBody{
		Error:     e.Code,
		Message:   e.Message,
		RequestID: middleware.GetReqID(ctx),
		Retryable: e.Retryable,
		Details:   e.Details,
	})
}

// FromError maps a domain error onto its envelope. Unknown errors become
// Internal and their text is not leaked.
func FromError(err error) Error {
	var ise *inventory.InsufficientStockError
	switch {
	case errors.Is(err, cart.ErrCartEmpty):
		return NewError(CodeCartEmpty, "no cart items selected for checkout", http.StatusUnprocessableEntity)
	case errors.Is(err, cart.ErrCartChanged):
		return NewError(CodeCartChanged, "cart changed during checkout, reload and try again", http.StatusConflict)
	case errors.As(err, &ise):
		return NewError(CodeInsufficientStock, "insufficient stock", http.StatusConflict).WithDetails(map[string]any{
			"variantId": ise.VariantID,
			"sku":       ise.SKU,
			"requested": ise.Required,
			"available": ise.Available,
		})
	case errors.Is(err, inventory.ErrInsufficientStock):
		return NewError(CodeInsufficientStock, "insufficient stock", http.StatusConflict)
	case errors.Is(err, orders.ErrCodeAllocationExhausted):
		return NewError(CodeCodeAllocationExhausted, "could not allocate an order code, try again", http.StatusServiceUnavailable).AsRetryable()
	case errors.Is(err, orders.ErrInvalidStateTransition), errors.Is(err, payments.ErrInvalidStateTransition):
		return NewError(CodeInvalidStateTransition, err.Error(), http.StatusConflict)
	case errors.Is(err, gateway.ErrInvalidSignature):
		return NewError(CodeInvalidSignature, "signature verification failed", http.StatusUnauthorized)
	case errors.Is(err, payments.ErrPaymentNotFound):
		return NewError(CodePaymentNotFound, "payment not found", http.StatusNotFound)
	case errors.Is(err, orders.ErrOrderNotFound):
		return NewError(CodeOrderNotFound, "order not found", http.StatusNotFound)
	case errors.Is(err, gateway.ErrGatewayUnavailable):
		return NewError(CodeGatewayUnavailable, "payment gateway unavailable, try again", http.StatusServiceUnavailable).AsRetryable()
	case errors.Is(err, orders.ErrInvalidOrder), errors.Is(err, gateway.ErrMalformedWebhook):
		return NewError(CodeInvalidRequest, err.Error(), http.StatusBadRequest)
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(CodeInternal, "request timed out", http.StatusServiceUnavailable).AsRetryable()
	}
	return NewError(CodeInternal, "internal error", http.StatusInternalServerError)
}

func invalidRequest(message string) Error {
	return NewError(CodeInvalidRequest, message, http.StatusBadRequest)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func sanitize(value string, limit int) string {
	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.ReplaceAll(value, "\r", " ")
	value = strings.TrimSpace(value)
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
