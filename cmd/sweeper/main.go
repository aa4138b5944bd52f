package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-checkout-settlement/internal/app"
	"github.com/ariefcatur/go-checkout-settlement/internal/config"
	"github.com/ariefcatur/go-checkout-settlement/internal/observability"
)

func main() {
	once := flag.Bool("once", false, "run a single sweep and exit")
	flag.Parse()

	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.Named("sweeper")

	if err := run(cfg, logger, *once); err != nil {
		logger.Fatal("sweeper exited", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger, once bool) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, cfg.ServiceName+"-sweeper", cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	rt, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	sw, err := rt.Sweeper("expiration-sweeper")
	if err != nil {
		return err
	}
	if once {
		rep, err := sw.Sweep(ctx)
		if err != nil {
			return err
		}
		logger.Info("single sweep done",
			zap.Int("scanned", rep.Scanned),
			zap.Int("expired", rep.Expired),
			zap.Int("failed", rep.Failed))
		return nil
	}
	return sw.Run(ctx, cfg.Sweeper.Interval)
}
