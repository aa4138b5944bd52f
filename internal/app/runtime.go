// Package app opens the collaborators every process shares: logger, store,
// redis, event publisher and metrics registry.
package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-checkout-settlement/internal/config"
	"github.com/ariefcatur/go-checkout-settlement/internal/events"
	"github.com/ariefcatur/go-checkout-settlement/internal/gateway"
	kafkax "github.com/ariefcatur/go-checkout-settlement/internal/kafka"
	"github.com/ariefcatur/go-checkout-settlement/internal/observability"
	"github.com/ariefcatur/go-checkout-settlement/internal/postgres"
	"github.com/ariefcatur/go-checkout-settlement/internal/redisx"
	"github.com/ariefcatur/go-checkout-settlement/internal/settlement"
	"github.com/ariefcatur/go-checkout-settlement/internal/store"
	"github.com/ariefcatur/go-checkout-settlement/internal/store/memstore"
	"github.com/ariefcatur/go-checkout-settlement/internal/sweeper"
)

type Runtime struct {
	Config   config.Config
	Logger   *zap.Logger
	Store    store.Store
	Redis    *redis.Client
	Cache    *redisx.StatusCache
	Events   events.Publisher
	Registry *prometheus.Registry
	Metrics  *observability.Metrics

	producer *kafkax.Producer
	closers  []func()
}

// Open wires the shared collaborators for cfg. Redis and Kafka are optional:
// an empty address leaves the cache disabled and events unpublished.
func Open(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Runtime, error) {
	rt := &Runtime{Config: cfg, Logger: observability.OrNop(logger)}

	switch cfg.StoreDriver {
	case "memory":
		rt.Store = memstore.New()
		rt.Logger.Warn("using in-memory store; state is lost on restart")
	default:
		pool, err := postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		rt.closers = append(rt.closers, pool.Close)
		if err := postgres.Migrate(ctx, pool); err != nil {
			rt.Close()
			return nil, err
		}
		rt.Store = postgres.NewStore(pool)
	}

	if rdb := redisx.New(cfg.RedisAddr); rdb != nil {
		if err := rdb.Ping(ctx).Err(); err != nil {
			rt.Logger.Warn("redis unreachable; continuing without cache", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		rt.Redis = rdb
		rt.closers = append(rt.closers, func() { _ = rdb.Close() })
	}
	rt.Cache = redisx.NewStatusCache(rt.Redis)

	if len(cfg.KafkaBrokers) > 0 {
		rt.producer = kafkax.NewProducer(cfg.KafkaBrokers, 1024, rt.Logger.Named("kafka"))
		rt.producer.Start(ctx)
		rt.Events = rt.producer
	} else {
		rt.Events = events.Nop{}
	}

	rt.Registry = prometheus.NewRegistry()
	rt.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rt.Metrics = observability.NewMetrics(rt.Registry)
	return rt, nil
}

func (rt *Runtime) Signer() *gateway.Signer {
	return gateway.NewSigner(rt.Config.Gateway.ChecksumKey)
}

func (rt *Runtime) Reconciler(producer string) (*settlement.Reconciler, error) {
	return settlement.NewReconciler(settlement.ReconcilerDeps{
		Store:    rt.Store,
		Verifier: rt.Signer(),
		Events:   rt.Events,
		Redis:    redisx.NewDedup(rt.Redis, settlement.DedupScope),
		Cache:    rt.Cache,
		Logger:   rt.Logger.Named("settlement"),
		Metrics:  rt.Metrics,
		Producer: producer,
	})
}

// Relay builds the webhook relay on its own synchronous writer, so the
// gateway is acknowledged only after the notification is on the topic.
func (rt *Runtime) Relay(producer string) (*settlement.Relay, error) {
	if len(rt.Config.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("webhook relay: KAFKA_BROKERS is required")
	}
	pub := kafkax.NewSyncPublisher(rt.Config.KafkaBrokers, rt.Config.Gateway.Timeout)
	rt.closers = append(rt.closers, func() { _ = pub.Close() })
	return settlement.NewRelay(settlement.RelayDeps{
		Verifier: rt.Signer(),
		Events:   pub,
		Logger:   rt.Logger.Named("relay"),
		Metrics:  rt.Metrics,
		Producer: producer,
	})
}

func (rt *Runtime) Sweeper(producer string) (*sweeper.Sweeper, error) {
	return sweeper.New(sweeper.SweeperDeps{
		Store:     rt.Store,
		Events:    rt.Events,
		Cache:     rt.Cache,
		Logger:    rt.Logger.Named("sweeper"),
		Metrics:   rt.Metrics,
		BatchSize: rt.Config.Sweeper.BatchSize,
		Producer:  producer,
	})
}

// Close flushes buffered events, then releases connections in reverse
// order of opening.
func (rt *Runtime) Close() {
	if rt.producer != nil {
		rt.producer.Close()
		rt.producer.WaitClosed()
		rt.producer = nil
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}
