package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-checkout-settlement/internal/checkout"
	"github.com/ariefcatur/go-checkout-settlement/internal/observability"
	"github.com/ariefcatur/go-checkout-settlement/internal/redisx"
	"github.com/ariefcatur/go-checkout-settlement/internal/settlement"
	"github.com/ariefcatur/go-checkout-settlement/internal/store"
	"github.com/ariefcatur/go-checkout-settlement/internal/sweeper"
)

type CheckoutService interface {
	Checkout(ctx context.Context, cmd checkout.Command) (checkout.Result, error)
}

type WebhookHandler interface {
	HandleWebhook(ctx context.Context, body []byte) (settlement.Result, error)
}

type SweepRunner interface {
	Sweep(ctx context.Context) (sweeper.Report, error)
}

type RouterDeps struct {
	Checkout    CheckoutService
	Settlement  WebhookHandler
	// Sweeper is optional; without it the manual trigger is not mounted.
	Sweeper     SweepRunner
	Store       store.Store
	Cache       *redisx.StatusCache
	Idempotency *redisx.Idempotency
	Logger      *zap.Logger
	Metrics     *observability.Metrics
	Gatherer    prometheus.Gatherer
}

func NewRouter(deps RouterDeps) *chi.Mux {
	log := observability.OrNop(deps.Logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, RequestLogger(log, deps.Metrics), middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", observability.Handler(deps.Gatherer))
	}

	if deps.Checkout != nil {
		ch := &CheckoutHandler{Service: deps.Checkout, Idempotency: deps.Idempotency, Logger: log}
		ch.Register(r)
	}
	if deps.Settlement != nil {
		ph := &PaymentsHandler{Settlement: deps.Settlement, Logger: log}
		ph.Register(r)
	}
	if deps.Store != nil {
		oh := &OrdersHandler{Store: deps.Store, Cache: deps.Cache, Logger: log}
		oh.Register(r)
	}
	if deps.Sweeper != nil {
		sh := &SweepHandler{Sweeper: deps.Sweeper, Logger: log}
		sh.Register(r)
	}
	return r
}
