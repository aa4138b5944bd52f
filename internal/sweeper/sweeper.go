// Package sweeper expires pending payments whose link outlived its TTL and
// compensates the stock their orders reserved.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-checkout-settlement/internal/events"
	"github.com/ariefcatur/go-checkout-settlement/internal/observability"
	"github.com/ariefcatur/go-checkout-settlement/internal/orders"
	"github.com/ariefcatur/go-checkout-settlement/internal/payments"
	"github.com/ariefcatur/go-checkout-settlement/internal/redisx"
	"github.com/ariefcatur/go-checkout-settlement/internal/settlement"
	"github.com/ariefcatur/go-checkout-settlement/internal/store"
)

var tracer = otel.Tracer("github.com/ariefcatur/go-checkout-settlement/internal/sweeper")

const DefaultBatchSize = 50

type Report struct {
	Scanned  int      `json:"scanned"`
	Expired  int      `json:"expired"`
	Aligned  int      `json:"aligned"`
	Skipped  int      `json:"skipped"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
	Duration string   `json:"duration"`
}

type SweeperDeps struct {
	Store     store.Store
	Events    events.Publisher
	Cache     *redisx.StatusCache
	Logger    *zap.Logger
	Metrics   *observability.Metrics
	Clock     func() time.Time
	BatchSize int
	Producer  string
}

type Sweeper struct {
	store     store.Store
	notifier  settlement.Notifier
	log       *zap.Logger
	metrics   *observability.Metrics
	clock     func() time.Time
	batchSize int
}

func New(deps SweeperDeps) (*Sweeper, error) {
	if deps.Store == nil {
		return nil, errors.New("sweeper: store is required")
	}
	log := observability.OrNop(deps.Logger)
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	batch := deps.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	producer := deps.Producer
	if producer == "" {
		producer = "expiration-sweeper"
	}
	return &Sweeper{
		store:     deps.Store,
		notifier:  settlement.Notifier{Events: deps.Events, Cache: deps.Cache, Producer: producer, Logger: log},
		log:       log,
		metrics:   deps.Metrics,
		clock:     clock,
		batchSize: batch,
	}, nil
}

// Sweep processes one bounded batch of expired pending payments, soonest
// expired first. Each payment is finalized in its own transaction; a
// failure is recorded in the report and left for the next run. Sweep keeps
// no state between calls and may run concurrently with itself.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	ctx, span := tracer.Start(ctx, "sweeper.Sweep")
	defer span.End()

	started := s.clock()
	now := started.UTC()
	var batch []payments.Payment
	err := s.store.View(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		batch, err = tx.Payments().ListExpired(ctx, now, s.batchSize)
		return err
	})
	if err != nil {
		return Report{}, fmt.Errorf("list expired payments: %w", err)
	}

	rep := Report{Scanned: len(batch)}
	for _, p := range batch {
		if ctx.Err() != nil {
			break
		}
		res, err := s.expire(ctx, p.ID, now)
		switch {
		case err != nil:
			rep.Failed++
			rep.Errors = append(rep.Errors, fmt.Sprintf("payment %s: %v", p.ID, err))
			s.metrics.SweepItem("failed")
			s.log.Warn("expire payment failed",
				zap.String("payment_id", p.ID),
				zap.Int64("order_code", p.OrderCode),
				zap.Error(err))
		case res == resultExpired:
			rep.Expired++
			s.metrics.SweepItem("expired")
		case res == resultAligned:
			rep.Aligned++
			s.metrics.SweepItem("aligned")
		default:
			rep.Skipped++
			s.metrics.SweepItem("skipped")
		}
	}

	rep.Duration = s.clock().Sub(started).String()
	span.SetAttributes(
		attribute.Int("sweep.scanned", rep.Scanned),
		attribute.Int("sweep.expired", rep.Expired),
		attribute.Int("sweep.failed", rep.Failed),
	)
	if rep.Scanned > 0 {
		s.log.Info("sweep finished",
			zap.Int("scanned", rep.Scanned),
			zap.Int("expired", rep.Expired),
			zap.Int("aligned", rep.Aligned),
			zap.Int("skipped", rep.Skipped),
			zap.Int("failed", rep.Failed))
	}
	return rep, nil
}

type itemResult int

const (
	resultSkipped itemResult = iota
	resultExpired
	resultAligned
)

// expire re-reads the payment and its order under lock. The order status
// read inside the transaction decides between compensating and only
// aligning the payment with an order a webhook already finalized.
func (s *Sweeper) expire(ctx context.Context, paymentID string, now time.Time) (itemResult, error) {
	var t settlement.Transition
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		p, err := tx.Payments().GetForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		if !p.Expired(now) {
			return nil
		}
		o, err := tx.Orders().GetForUpdate(ctx, p.OrderID)
		if err != nil {
			return err
		}
		t, err = settlement.Finalize(ctx, tx, o, p, orders.StatusFailed, payments.StatusFailed, now)
		return err
	})
	if err != nil {
		return resultSkipped, err
	}
	s.notifier.Announce(ctx, t, settlement.ReasonExpired, "")
	switch {
	case t.OrderChanged:
		return resultExpired, nil
	case t.PaymentChanged:
		return resultAligned, nil
	}
	return resultSkipped, nil
}

// Run sweeps every interval until ctx ends. A slow sweep delays the next
// tick; it never overlaps with itself within one Run.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("sweeper: interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("sweeper started", zap.Duration("interval", interval), zap.Int("batch_size", s.batchSize))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("sweep failed", zap.Error(err))
			}
		}
	}
}
