package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-checkout-settlement/internal/app"
	"github.com/ariefcatur/go-checkout-settlement/internal/config"
	"github.com/ariefcatur/go-checkout-settlement/internal/events"
	"github.com/ariefcatur/go-checkout-settlement/internal/gateway"
	kafkax "github.com/ariefcatur/go-checkout-settlement/internal/kafka"
	"github.com/ariefcatur/go-checkout-settlement/internal/observability"
	"github.com/ariefcatur/go-checkout-settlement/internal/payments"
	"github.com/ariefcatur/go-checkout-settlement/internal/settlement"
)

const (
	retryBase = 500 * time.Millisecond
	retryMax  = 30 * time.Second
)

// backoff doubles the wait per attempt up to retryMax.
func backoff(attempt int) time.Duration {
	d := retryBase
	for i := 1; i < attempt && d < retryMax; i++ {
		d *= 2
	}
	return min(d, retryMax)
}

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.Named("reconciler")

	if err := run(cfg, logger); err != nil {
		logger.Fatal("reconciler exited", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if len(cfg.KafkaBrokers) == 0 {
		return errors.New("KAFKA_BROKERS is required")
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, cfg.ServiceName+"-reconciler", cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	rt, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	rec, err := rt.Reconciler("settlement-reconciler")
	if err != nil {
		return err
	}

	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.ReconcilerGroup, events.TopicPaymentNotifications, cfg.ReconcilerWorkers, logger)
	logger.Info("consumer started",
		zap.String("group", cfg.ReconcilerGroup),
		zap.String("topic", events.TopicPaymentNotifications),
		zap.Int("workers", cfg.ReconcilerWorkers))
	return cons.Start(ctx, handler(rec, logger, backoff))
}

// handler applies one relayed notification. Messages that can never succeed
// are logged and committed. Transient failures are retried in place until
// they succeed or ctx ends, because the reader has already moved past the
// offset and a later commit on the partition would skip it.
func handler(rec *settlement.Reconciler, logger *zap.Logger, wait func(attempt int) time.Duration) kafkax.Handler {
	logger = observability.OrNop(logger)
	return func(ctx context.Context, m kafka.Message) error {
		env, err := kafkax.DecodeEnvelope(m.Value)
		if err != nil {
			logger.Warn("dropping undecodable message", zap.Int64("offset", m.Offset), zap.Error(err))
			return nil
		}
		if env.EventType != events.EventPaymentNotification {
			return nil
		}
		p, err := kafkax.UnwrapPayload[events.PaymentNotificationPayload](env.Payload)
		if err != nil {
			logger.Warn("dropping notification", zap.String("event_id", env.EventID), zap.Error(err))
			return nil
		}

		for attempt := 1; ; attempt++ {
			_, err = rec.HandleWebhook(ctx, p.Body)
			switch {
			case err == nil:
				return nil
			case errors.Is(err, gateway.ErrInvalidSignature),
				errors.Is(err, gateway.ErrMalformedWebhook),
				errors.Is(err, payments.ErrPaymentNotFound):
				logger.Warn("rejected notification", zap.String("event_id", env.EventID), zap.Error(err))
				return nil
			case ctx.Err() != nil:
				return ctx.Err()
			}
			d := wait(attempt)
			logger.Warn("retrying notification",
				zap.String("event_id", env.EventID),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", d),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
			}
		}
	}
}
