package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-checkout-settlement/internal/app"
	"github.com/ariefcatur/go-checkout-settlement/internal/checkout"
	"github.com/ariefcatur/go-checkout-settlement/internal/config"
	"github.com/ariefcatur/go-checkout-settlement/internal/events"
	"github.com/ariefcatur/go-checkout-settlement/internal/gateway"
	"github.com/ariefcatur/go-checkout-settlement/internal/httpx"
	"github.com/ariefcatur/go-checkout-settlement/internal/observability"
	"github.com/ariefcatur/go-checkout-settlement/internal/orders"
	"github.com/ariefcatur/go-checkout-settlement/internal/redisx"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.Named("api")

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api exited", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(sctx)
	}()

	rt, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	gw := gateway.NewClient(gateway.Options{
		BaseURL:     cfg.Gateway.BaseURL,
		ClientID:    cfg.Gateway.ClientID,
		APIKey:      cfg.Gateway.APIKey,
		ChecksumKey: cfg.Gateway.ChecksumKey,
		Timeout:     cfg.Gateway.Timeout,
	})
	svc, err := checkout.NewService(checkout.ServiceDeps{
		Store:          rt.Store,
		Gateway:        gw,
		Codes:          orders.NewCodeGenerator(cfg.Checkout.OrderCodeAttempts),
		Events:         rt.Events,
		Logger:         logger.Named("checkout"),
		Metrics:        rt.Metrics,
		ReturnURL:      cfg.Checkout.ReturnURL,
		CancelURL:      cfg.Checkout.CancelURL,
		PaymentTTL:     cfg.Checkout.PaymentTTL,
		GatewayTimeout: cfg.Gateway.Timeout,
		Producer:       cfg.ServiceName,
	})
	if err != nil {
		return err
	}
	webhooks, err := webhookHandler(rt, cfg)
	if err != nil {
		return err
	}
	sw, err := rt.Sweeper(cfg.ServiceName)
	if err != nil {
		return err
	}

	router := httpx.NewRouter(httpx.RouterDeps{
		Checkout:    svc,
		Settlement:  webhooks,
		Sweeper:     sw,
		Store:       rt.Store,
		Cache:       rt.Cache,
		Idempotency: redisx.NewIdempotency(rt.Redis),
		Logger:      logger.Named("http"),
		Metrics:     rt.Metrics,
		Gatherer:    rt.Registry,
	})
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if cfg.Sweeper.Enabled {
		g.Go(func() error { return sw.Run(gctx, cfg.Sweeper.Interval) })
	}
	return g.Wait()
}

// webhookHandler settles callbacks in the request unless WEBHOOK_MODE=relay,
// in which case cmd/reconciler applies them from the notifications topic.
func webhookHandler(rt *app.Runtime, cfg config.Config) (httpx.WebhookHandler, error) {
	if cfg.WebhookMode == "relay" {
		relay, err := rt.Relay(cfg.ServiceName)
		if err != nil {
			return nil, err
		}
		rt.Logger.Info("webhooks relayed", zap.String("topic", events.TopicPaymentNotifications))
		return relay, nil
	}
	return rt.Reconciler(cfg.ServiceName)
}
